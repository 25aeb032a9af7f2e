// Package telemetry times pipeline stages and exports them as a summary line
// and Prometheus metrics.
package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Summary is the end-of-run timing report.
type Summary struct {
	Total     time.Duration
	Phases    map[string]time.Duration
	Artifacts int
	Packages  int
}

func (s Summary) Line() string {
	var parts []string
	if s.Total > 0 {
		parts = append(parts, fmt.Sprintf("total=%s", formatDuration(s.Total)))
	}
	if len(s.Phases) > 0 {
		parts = append(parts, fmt.Sprintf("stages %s", formatPhases(s.Phases)))
	}
	if s.Artifacts > 0 {
		parts = append(parts, fmt.Sprintf("%d artifacts", s.Artifacts))
	}
	if s.Packages > 0 {
		parts = append(parts, fmt.Sprintf("%d system packages", s.Packages))
	}
	if len(parts) == 0 {
		return ""
	}
	return "Telemetry: " + strings.Join(parts, " · ")
}

func formatPhases(phases map[string]time.Duration) string {
	if len(phases) == 0 {
		return ""
	}
	keys := make([]string, 0, len(phases))
	for k := range phases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", key, formatDuration(phases[key])))
	}
	return strings.Join(parts, ", ")
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	rounded := d.Round(10 * time.Millisecond)
	if rounded <= 0 {
		rounded = d
	}
	return rounded.String()
}

// Observer receives each finished stage.
type Observer interface {
	ObserveStage(name string, d time.Duration, err error)
}

// PhaseTimer accumulates per-stage durations in execution order.
type PhaseTimer struct {
	mu       sync.Mutex
	order    []string
	phases   map[string]time.Duration
	observer Observer
}

func NewPhaseTimer(obs Observer) *PhaseTimer {
	return &PhaseTimer{
		phases:   map[string]time.Duration{},
		observer: obs,
	}
}

// Track runs fn as stage name and records its duration even when it fails.
func (t *PhaseTimer) Track(name string, fn func() error) error {
	if t == nil {
		return fn()
	}
	start := time.Now()
	err := fn()
	d := time.Since(start)
	t.Add(name, d)
	if t.observer != nil {
		t.observer.ObserveStage(name, d, err)
	}
	return err
}

func (t *PhaseTimer) Add(name string, d time.Duration) {
	if t == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	t.mu.Lock()
	if _, ok := t.phases[name]; !ok {
		t.order = append(t.order, name)
	}
	t.phases[name] += d
	t.mu.Unlock()
}

func (t *PhaseTimer) Snapshot() map[string]time.Duration {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make(map[string]time.Duration, len(t.phases))
	for k, v := range t.phases {
		out[k] = v
	}
	t.mu.Unlock()
	return out
}

// Order returns stage names in the order they first ran.
func (t *PhaseTimer) Order() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.order...)
}
