// Package loopguard keeps retry cycles in a pipeline terminating. Each
// guarded loop stores its iteration counter, last failure fingerprint and
// exit decision in the shared state under its own key prefix, so loops never
// observe each other's progress.
//
// The loop's evaluate node calls Evaluate and returns the partial update it
// produces; the router built by Route only reads the recorded decision.
package loopguard

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danshapiro/ticketsmith/internal/pipeline/model"
	"github.com/danshapiro/ticketsmith/internal/pipeline/runtime"
)

const (
	DefaultCeiling     = 3
	DefaultRepeatLimit = 2
)

type Exit string

const (
	ExitNone    Exit = ""
	ExitRetry   Exit = "retry"
	ExitSuccess Exit = "success"
	ExitCeiling Exit = "ceiling"
	ExitStuck   Exit = "stuck"
)

func ParseExit(s string) (Exit, error) {
	switch e := Exit(strings.ToLower(strings.TrimSpace(s))); e {
	case ExitNone, ExitRetry, ExitSuccess, ExitCeiling, ExitStuck:
		return e, nil
	default:
		return ExitNone, fmt.Errorf("invalid loop exit: %q", s)
	}
}

// Leaves reports whether the decision routes out of the loop.
func (e Exit) Leaves() bool {
	return e == ExitSuccess || e == ExitCeiling || e == ExitStuck
}

// Exhausted reports a best-effort exit: the loop gave up without success.
func (e Exit) Exhausted() bool {
	return e == ExitCeiling || e == ExitStuck
}

// Loop configures one guarded retry cycle.
type Loop struct {
	Name string

	// Ceiling is the number of failing evaluations after which the loop
	// exits regardless of progress. Values <= 0 use DefaultCeiling.
	Ceiling int

	// RepeatLimit is the number of consecutive repeats of the same
	// fingerprint that marks the loop stuck. The first pass establishes the
	// fingerprint, so the default of 2 fires on the third identical pass.
	// 0 uses DefaultRepeatLimit; negative disables stuck detection.
	RepeatLimit int
}

func (l Loop) ceiling() int {
	if l.Ceiling <= 0 {
		return DefaultCeiling
	}
	return l.Ceiling
}

func (l Loop) repeatLimit() int {
	if l.RepeatLimit == 0 {
		return DefaultRepeatLimit
	}
	return l.RepeatLimit
}

func (l Loop) key(field string) string { return "loop." + l.Name + "." + field }

func (l Loop) IterationKey() string   { return l.key("iteration") }
func (l Loop) FingerprintKey() string { return l.key("fingerprint") }
func (l Loop) FailuresKey() string    { return l.key("failures") }
func (l Loop) RepeatsKey() string     { return l.key("repeats") }
func (l Loop) StuckKey() string       { return l.key("stuck") }
func (l Loop) ExitKey() string        { return l.key("exit") }

// Keys lists every state key the loop owns, for node write declarations.
func (l Loop) Keys() []string {
	return []string{l.IterationKey(), l.FingerprintKey(), l.FailuresKey(), l.RepeatsKey(), l.StuckKey(), l.ExitKey()}
}

// Init returns the update that resets the loop before entering it.
func (l Loop) Init() map[string]any {
	return map[string]any{
		l.IterationKey():   0,
		l.FingerprintKey(): "",
		l.FailuresKey():    map[string]int{},
		l.RepeatsKey():     0,
		l.StuckKey():       false,
		l.ExitKey():        string(ExitNone),
	}
}

type Decision struct {
	Loop        string
	Exit        Exit
	Iteration   int
	Repeats     int
	Stuck       bool
	Fingerprint string
}

func (d Decision) String() string {
	switch d.Exit {
	case ExitCeiling:
		return fmt.Sprintf("loop %s exited after %d iterations (ceiling reached); continuing with best-effort result", d.Loop, d.Iteration)
	case ExitStuck:
		return fmt.Sprintf("loop %s stuck: failure fingerprint repeated %d times by iteration %d; continuing with best-effort result", d.Loop, d.Repeats, d.Iteration)
	case ExitSuccess:
		return fmt.Sprintf("loop %s succeeded after %d failing iterations", d.Loop, d.Iteration)
	default:
		return fmt.Sprintf("loop %s retrying (iteration %d)", d.Loop, d.Iteration)
	}
}

// Current reads the last recorded decision without changing anything.
func (l Loop) Current(s runtime.State) Decision {
	exit, _ := ParseExit(s.GetString(l.ExitKey(), ""))
	return Decision{
		Loop:        l.Name,
		Exit:        exit,
		Iteration:   s.GetInt(l.IterationKey(), 0),
		Repeats:     s.GetInt(l.RepeatsKey(), 0),
		Stuck:       s.GetBool(l.StuckKey(), false),
		Fingerprint: s.GetString(l.FingerprintKey(), ""),
	}
}

// Evaluate records one pass through the loop. Precedence is success, then
// ceiling, then stuck, then retry; when the ceiling and stuck detection
// trigger on the same pass the loop exits via the ceiling with stuck unset.
func (l Loop) Evaluate(s runtime.State, fp Fingerprint, success bool) (Decision, map[string]any) {
	prev := l.Current(s)
	d := Decision{Loop: l.Name, Iteration: prev.Iteration, Fingerprint: prev.Fingerprint}
	if success {
		d.Exit = ExitSuccess
		return d, map[string]any{
			l.ExitKey():    string(ExitSuccess),
			l.StuckKey():   false,
			l.RepeatsKey(): 0,
		}
	}

	d.Iteration = prev.Iteration + 1
	digest := fp.Digest()
	if digest != "" && digest == prev.Fingerprint {
		d.Repeats = prev.Repeats + 1
	}
	d.Fingerprint = digest

	limit := l.repeatLimit()
	switch {
	case d.Iteration >= l.ceiling():
		d.Exit = ExitCeiling
	case limit > 0 && d.Repeats >= limit:
		d.Exit = ExitStuck
		d.Stuck = true
	default:
		d.Exit = ExitRetry
	}

	update := map[string]any{
		l.IterationKey():   d.Iteration,
		l.FingerprintKey(): d.Fingerprint,
		l.FailuresKey():    fp.Positive(),
		l.RepeatsKey():     d.Repeats,
		l.StuckKey():       d.Stuck,
		l.ExitKey():        string(d.Exit),
	}
	if d.Exit.Exhausted() {
		for k, v := range runtime.WithWarning(s, d.String()) {
			update[k] = v
		}
	}
	return d, update
}

// Routes maps each exit to a router label. Empty Ceiling or Stuck labels
// fall back to Success.
type Routes struct {
	Retry   string
	Success string
	Ceiling string
	Stuck   string
}

// Router returns a pure router over the loop's recorded exit.
func (l Loop) Router(r Routes) model.RouterFunc {
	return func(s runtime.State) string {
		exit, _ := ParseExit(s.GetString(l.ExitKey(), ""))
		switch exit {
		case ExitRetry:
			return r.Retry
		case ExitSuccess:
			return r.Success
		case ExitCeiling:
			if r.Ceiling != "" {
				return r.Ceiling
			}
			return r.Success
		case ExitStuck:
			if r.Stuck != "" {
				return r.Stuck
			}
			return r.Success
		default:
			return ""
		}
	}
}

// Route is Router with a single label for every way out of the loop.
func (l Loop) Route(retryLabel, exitLabel string) model.RouterFunc {
	return l.Router(Routes{Retry: retryLabel, Success: exitLabel})
}

// DecisionsIn extracts the loop decisions recorded by a partial update.
func DecisionsIn(partial map[string]any) []Decision {
	var out []Decision
	for k := range partial {
		if !strings.HasPrefix(k, "loop.") || !strings.HasSuffix(k, ".exit") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(k, "loop."), ".exit")
		if name == "" {
			continue
		}
		l := Loop{Name: name}
		s := runtime.State(partial)
		d := l.Current(s)
		if d.Exit == ExitNone {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Loop < out[j].Loop })
	return out
}
