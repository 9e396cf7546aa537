package loopguard

import (
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

var (
	reasonWhitespaceRE = regexp.MustCompile(`\s+`)
	reasonHexRE        = regexp.MustCompile(`\b[0-9a-f]{7,64}\b`)
	reasonDigitsRE     = regexp.MustCompile(`\b\d+\b`)
)

// Fingerprint summarizes a failing pass as sub-unit -> failure count.
// Two fingerprints are equal when their canonical forms match, regardless
// of insertion order or zero entries.
type Fingerprint map[string]int

// FromReasons builds a fingerprint from free-text failure reasons. Volatile
// tokens (hashes, line numbers, counts) are normalized so that reruns of
// the same problem compare equal.
func FromReasons(reasons ...string) Fingerprint {
	fp := Fingerprint{}
	for _, r := range reasons {
		if n := NormalizeReason(r); n != "" {
			fp[n]++
		}
	}
	return fp
}

func NormalizeReason(reason string) string {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return ""
	}
	reason = reasonHexRE.ReplaceAllString(reason, "<hex>")
	reason = reasonDigitsRE.ReplaceAllString(reason, "<n>")
	reason = reasonWhitespaceRE.ReplaceAllString(reason, " ")
	reason = strings.TrimSpace(reason)
	if len(reason) > 240 {
		reason = reason[:240]
	}
	return reason
}

// Canonical returns the positive entries sorted by key as a JSON array of
// [key, count] pairs, or "" when there are none. Keys are free text, so the
// form is JSON rather than joined separators.
func (fp Fingerprint) Canonical() string {
	keys := make([]string, 0, len(fp))
	for k, v := range fp {
		if v > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	pairs := make([][2]any, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]any{k, fp[k]})
	}
	b, err := json.Marshal(pairs)
	if err != nil {
		return ""
	}
	return string(b)
}

// Digest is a short stable hash of the canonical form. An empty
// fingerprint has an empty digest.
func (fp Fingerprint) Digest() string {
	c := fp.Canonical()
	if c == "" {
		return ""
	}
	h := blake3.New()
	_, _ = h.Write([]byte(c))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func (fp Fingerprint) Equal(other Fingerprint) bool {
	return fp.Canonical() == other.Canonical()
}

// Positive returns a copy holding only entries with a count above zero.
func (fp Fingerprint) Positive() map[string]int {
	out := map[string]int{}
	for k, v := range fp {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}
