package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records engine activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	steps        *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	loopExits    *prometheus.CounterVec
	runs         *prometheus.CounterVec
}

// NewMetrics registers the engine collectors with reg. Use a dedicated
// registry per test.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_steps_total",
			Help: "Node invocations by graph and node",
		}, []string{"graph", "node"}),
		nodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_node_duration_seconds",
			Help:    "Node execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"graph", "node", "result"}),
		loopExits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_loop_decisions_total",
			Help: "Retry loop decisions by loop and exit",
		}, []string{"graph", "loop", "exit"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Finished invocations by outcome",
		}, []string{"graph", "outcome"}),
	}
}

func (m *Metrics) observeNode(graph, node string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.steps.WithLabelValues(graph, node).Inc()
	m.nodeDuration.WithLabelValues(graph, node, result).Observe(d.Seconds())
}

func (m *Metrics) observeLoop(graph, loop, exit string) {
	if m == nil {
		return
	}
	m.loopExits.WithLabelValues(graph, loop, exit).Inc()
}

func (m *Metrics) observeRun(graph, outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(graph, outcome).Inc()
}
