package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewRunID returns a filesystem-safe, time-sortable run identifier.
func NewRunID() (string, error) {
	return ulid.Make().String(), nil
}

// DefaultLogsRoot is ${XDG_STATE_HOME:-$HOME/.local/state}/ticketsmith/runs/<run_id>.
func DefaultLogsRoot(runID string) string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			base = "."
		} else {
			base = filepath.Join(home, ".local", "state")
		}
	}
	return filepath.Join(base, "ticketsmith", "runs", runID)
}

// appendProgress adds one JSON line to progress.ndjson. Journal failures
// never fail the run.
func (e *Engine) appendProgress(ev map[string]any) {
	if e == nil || e.Options.LogsRoot == "" {
		return
	}
	if ev == nil {
		ev = map[string]any{}
	}
	ev["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	ev["run_id"] = e.Options.RunID
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	if err := os.MkdirAll(e.Options.LogsRoot, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(e.Options.LogsRoot, "progress.ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(b, '\n'))
}
