package telemetry

import (
	"os"
	"path/filepath"
	"time"

	"github.com/example/kiln/internal/failure"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics records pipeline stage durations and run outcomes.
type Metrics struct {
	reg           *prom.Registry
	stageDuration *prom.HistogramVec
	stageResults  *prom.CounterVec
	runs          *prom.CounterVec
	runDuration   prom.Histogram
}

// NewMetrics registers the pipeline metrics on reg, or on a fresh registry
// when reg is nil.
func NewMetrics(reg *prom.Registry) *Metrics {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	m := &Metrics{
		reg: reg,
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "kiln",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "kiln",
			Name:      "stage_results_total",
			Help:      "Stage results by outcome",
		}, []string{"stage", "result"}),
		runs: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "kiln",
			Name:      "runs_total",
			Help:      "Pipeline runs by final status",
		}, []string{"status"}),
		runDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "kiln",
			Name:      "run_duration_seconds",
			Help:      "Total pipeline duration",
			Buckets:   prom.DefBuckets,
		}),
	}
	reg.MustRegister(m.stageDuration, m.stageResults, m.runs, m.runDuration)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prom.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) ObserveStage(name string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(name).Observe(d.Seconds())
	m.stageResults.WithLabelValues(name, resultLabel(err)).Inc()
}

// ObserveRun records the final outcome of one pipeline run.
func (m *Metrics) ObserveRun(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.runDuration.Observe(d.Seconds())
	m.runs.WithLabelValues(resultLabel(err)).Inc()
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return prom.WriteToTextfile(path, m.reg)
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	if kind, ok := failure.KindOf(err); ok {
		return string(kind)
	}
	return "error"
}
