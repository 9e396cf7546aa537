package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/danshapiro/ticketsmith/internal/pipeline/graph"
	"github.com/danshapiro/ticketsmith/internal/pipeline/loopguard"
	"github.com/danshapiro/ticketsmith/internal/pipeline/runtime"
)

func readProgressEvents(t *testing.T, logsRoot string) []map[string]any {
	t.Helper()
	f, err := os.Open(filepath.Join(logsRoot, "progress.ndjson"))
	if err != nil {
		t.Fatalf("open progress: %v", err)
	}
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev map[string]any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode progress line %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}

func countEvents(evs []map[string]any, name string) int {
	n := 0
	for _, ev := range evs {
		if ev["event"] == name {
			n++
		}
	}
	return n
}

func TestInvoke_WritesProgressCheckpointAndFinal(t *testing.T) {
	l := loopguard.Loop{Name: "check", Ceiling: 2}
	fixes := 0
	g := buildCheckLoop(t, l, func(int) loopguard.Fingerprint { return loopguard.Fingerprint{"m": 1} }, &fixes)
	logsRoot := t.TempDir()

	res, err := Invoke(context.Background(), g, nil, RunOptions{RunID: "run-1", LogsRoot: logsRoot})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	evs := readProgressEvents(t, logsRoot)
	if countEvents(evs, "run_started") != 1 || countEvents(evs, "run_completed") != 1 {
		t.Fatalf("missing run lifecycle events: %v", evs)
	}
	if got := countEvents(evs, "node_finished"); got != res.Steps {
		t.Fatalf("node_finished=%d steps=%d", got, res.Steps)
	}
	if got := countEvents(evs, "loop_decision"); got != 2 {
		t.Fatalf("loop_decision=%d want 2", got)
	}
	if got := countEvents(evs, "warning"); got != 1 {
		t.Fatalf("warning events=%d want 1", got)
	}
	for _, ev := range evs {
		if ev["run_id"] != "run-1" {
			t.Fatalf("event without run id: %v", ev)
		}
	}

	cp, err := runtime.LoadCheckpoint(filepath.Join(logsRoot, "checkpoint.json"))
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp.NextNode != graph.End || cp.Steps != res.Steps || cp.LastNode != "Check" {
		t.Fatalf("checkpoint=%+v", cp)
	}

	b, err := os.ReadFile(filepath.Join(logsRoot, "final.json"))
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	var final runtime.FinalOutcome
	if err := json.Unmarshal(b, &final); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if final.Status != runtime.FinalSuccess || final.RunID != "run-1" || final.LastNode != "Check" || len(final.Warnings) != 1 {
		t.Fatalf("final=%+v", final)
	}
}

func TestInvoke_FailureWritesFinalFail(t *testing.T) {
	b := graph.New("fail")
	_ = b.AddNode("A", func(context.Context, runtime.State) (map[string]any, error) {
		return nil, errors.New("tracker returned 401")
	})
	_ = b.AddEdge(graph.Start, "A")
	_ = b.AddEdge("A", graph.End)
	logsRoot := t.TempDir()
	_, err := Invoke(context.Background(), mustCompile(t, b), nil, RunOptions{LogsRoot: logsRoot})
	if err == nil {
		t.Fatalf("expected failure")
	}
	bs, rerr := os.ReadFile(filepath.Join(logsRoot, "final.json"))
	if rerr != nil {
		t.Fatalf("read final: %v", rerr)
	}
	var final runtime.FinalOutcome
	if err := json.Unmarshal(bs, &final); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if final.Status != runtime.FinalFail || final.LastNode != "A" || final.FailureReason == "" {
		t.Fatalf("final=%+v", final)
	}
	if countEvents(readProgressEvents(t, logsRoot), "run_failed") != 1 {
		t.Fatalf("expected run_failed event")
	}
}

func TestRun_ReusedEngineWritesEachFinal(t *testing.T) {
	calls := 0
	b := graph.New("reuse")
	_ = b.AddNode("A", func(context.Context, runtime.State) (map[string]any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("tracker returned 503")
		}
		return nil, nil
	})
	_ = b.AddEdge(graph.Start, "A")
	_ = b.AddEdge("A", graph.End)
	logsRoot := t.TempDir()
	e, err := New(mustCompile(t, b), RunOptions{LogsRoot: logsRoot})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.Run(context.Background(), nil); err == nil {
		t.Fatalf("expected first run to fail")
	}
	if _, err := e.Run(context.Background(), nil); err != nil {
		t.Fatalf("second run: %v", err)
	}
	bs, err := os.ReadFile(filepath.Join(logsRoot, "final.json"))
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	var final runtime.FinalOutcome
	if err := json.Unmarshal(bs, &final); err != nil {
		t.Fatalf("decode final: %v", err)
	}
	if final.Status != runtime.FinalSuccess {
		t.Fatalf("final.json kept the first run's outcome: %+v", final)
	}
}

func TestResume_ContinuesFromCheckpoint(t *testing.T) {
	failB := true
	calls := map[string]int{}
	b := graph.New("resume")
	_ = b.AddNode("A", func(context.Context, runtime.State) (map[string]any, error) {
		calls["A"]++
		return map[string]any{"a": 1}, nil
	})
	_ = b.AddNode("B", func(_ context.Context, s runtime.State) (map[string]any, error) {
		calls["B"]++
		if failB {
			return nil, errors.New("transient outage")
		}
		return map[string]any{"b": s.GetInt("a", 0) + 1}, nil
	})
	_ = b.AddEdge(graph.Start, "A")
	_ = b.AddEdge("A", "B")
	_ = b.AddEdge("B", graph.End)
	g := mustCompile(t, b)
	logsRoot := t.TempDir()

	if _, err := Invoke(context.Background(), g, nil, RunOptions{RunID: "r1", LogsRoot: logsRoot}); err == nil {
		t.Fatalf("expected first run to fail")
	}
	cp, err := runtime.LoadCheckpoint(filepath.Join(logsRoot, "checkpoint.json"))
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp.NextNode != "B" || cp.Steps != 1 {
		t.Fatalf("checkpoint=%+v", cp)
	}

	failB = false
	res, err := Resume(context.Background(), g, cp, RunOptions{LogsRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if calls["A"] != 1 || calls["B"] != 2 {
		t.Fatalf("calls=%v", calls)
	}
	if res.RunID != "r1" || res.Steps != 2 || res.State.GetInt("b", 0) != 2 {
		t.Fatalf("result=%+v", res)
	}
}

func TestResume_RejectsForeignCheckpoint(t *testing.T) {
	b := graph.New("mine")
	_ = b.AddNode("A", emit(nil))
	_ = b.AddEdge(graph.Start, "A")
	_ = b.AddEdge("A", graph.End)
	g := mustCompile(t, b)
	if _, err := Resume(context.Background(), g, &runtime.Checkpoint{Graph: "other", NextNode: "A"}, RunOptions{}); err == nil {
		t.Fatalf("expected graph mismatch error")
	}
	if _, err := Resume(context.Background(), g, &runtime.Checkpoint{Graph: "mine", NextNode: "ghost"}, RunOptions{}); err == nil {
		t.Fatalf("expected unknown node error")
	}
}

func TestInvoke_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	l := loopguard.Loop{Name: "check", Ceiling: 3}
	fixes := 0
	g := buildCheckLoop(t, l, func(int) loopguard.Fingerprint { return loopguard.Fingerprint{"m": 1} }, &fixes)

	if _, err := Invoke(context.Background(), g, nil, RunOptions{Metrics: m}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := testutil.ToFloat64(m.steps.WithLabelValues("check_loop", "Fix")); got != 3 {
		t.Fatalf("Fix steps=%v want 3", got)
	}
	if got := testutil.ToFloat64(m.loopExits.WithLabelValues("check_loop", "check", "retry")); got != 2 {
		t.Fatalf("retry decisions=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.loopExits.WithLabelValues("check_loop", "check", "ceiling")); got != 1 {
		t.Fatalf("ceiling decisions=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("check_loop", "success")); got != 1 {
		t.Fatalf("runs=%v want 1", got)
	}
}

func TestInvoke_EmitsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	b := graph.New("traced")
	_ = b.AddNode("A", emit(nil))
	_ = b.AddNode("B", emit(nil))
	_ = b.AddEdge(graph.Start, "A")
	_ = b.AddEdge("A", "B")
	_ = b.AddEdge("B", graph.End)
	if _, err := Invoke(context.Background(), mustCompile(t, b), nil, RunOptions{Tracer: tp.Tracer("test")}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	names := map[string]int{}
	for _, s := range sr.Ended() {
		names[s.Name()]++
	}
	if names["pipeline.Invoke"] != 1 || names["pipeline.node"] != 2 {
		t.Fatalf("spans=%v", names)
	}
}
