package runtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCheckpoint_SaveLoadRoundTripKeepsCounters(t *testing.T) {
	p := filepath.Join(t.TempDir(), "run", "checkpoint.json")
	cp := &Checkpoint{
		Timestamp: time.Unix(100, 0).UTC(),
		RunID:     "r1",
		Graph:     "codegen",
		Steps:     4,
		LastNode:  "fix_analyzer",
		NextNode:  "fixer_agent",
		Visited:   []string{"a", "b", "fix_analyzer"},
		State: State{
			"loop.test_fix.iteration": 2,
			"loop.test_fix.failures":  map[string]int{"auth": 1},
		},
	}
	if err := cp.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadCheckpoint(p)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if got.NextNode != "fixer_agent" || got.Steps != 4 || len(got.Visited) != 3 {
		t.Fatalf("checkpoint mismatch: %+v", got)
	}
	if n := got.State.GetInt("loop.test_fix.iteration", -1); n != 2 {
		t.Fatalf("iteration=%d want 2", n)
	}
	if m := got.State.GetIntMap("loop.test_fix.failures"); m["auth"] != 1 {
		t.Fatalf("failures=%v", m)
	}
}

func TestLoadCheckpoint_RejectsMissingNextNode(t *testing.T) {
	p := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := os.WriteFile(p, []byte(`{"run_id":"r1","state":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCheckpoint(p); err == nil {
		t.Fatalf("expected error for empty next_node")
	}
}

func TestWriteJSONAtomicFile_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "out.json")
	if err := WriteJSONAtomicFile(p, map[string]int{"a": 1}); err != nil {
		t.Fatalf("WriteJSONAtomicFile: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "out.json" {
		t.Fatalf("unexpected dir contents: %v", entries)
	}
}
