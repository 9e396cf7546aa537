package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Checkpoint is the resumable snapshot written after every merged step.
type Checkpoint struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Graph     string    `json:"graph"`

	Steps    int      `json:"steps"`
	LastNode string   `json:"last_node"`
	NextNode string   `json:"next_node"`
	Visited  []string `json:"visited"`

	State State `json:"state"`
}

func (cp *Checkpoint) Save(path string) error {
	if cp == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	return WriteJSONAtomicFile(path, cp)
}

// LoadCheckpoint reads a checkpoint written by Save. Numbers in the restored
// state decode as json.Number so integer counters survive the round trip.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var cp Checkpoint
	if err := dec.Decode(&cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if strings.TrimSpace(cp.NextNode) == "" {
		return nil, fmt.Errorf("checkpoint %s: next_node is empty", path)
	}
	if cp.State == nil {
		cp.State = State{}
	}
	return &cp, nil
}

// WriteJSONAtomicFile writes v as indented JSON through a temp file and a
// rename so readers never observe a partial file.
func WriteJSONAtomicFile(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
