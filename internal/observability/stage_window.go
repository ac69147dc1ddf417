package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Session stages tracked by the rolling window.
const (
	StageCredential   = "credential"
	StageConnect      = "connect"
	StageHandshake    = "handshake"
	StageSessionTotal = "session_total"
)

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	Failures    int     `json:"failures,omitempty"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// StageWindow keeps the last N samples per stage, a failure count per stage
// and plain event counters.
type StageWindow struct {
	mu         sync.RWMutex
	size       int
	stages     map[string]*ring
	indicators map[string]int
}

// ring holds up to cap(values) samples; head is the next write position.
type ring struct {
	values   []float64
	head     int
	count    int
	last     float64
	failures int
}

func (r *ring) add(v float64) {
	r.values[r.head] = v
	r.head = (r.head + 1) % len(r.values)
	if r.count < len(r.values) {
		r.count++
	}
	r.last = v
}

func (r *ring) sorted() []float64 {
	out := slices.Clone(r.values[:r.count])
	slices.Sort(out)
	return out
}

func NewStageWindow(size int) *StageWindow {
	if size <= 0 {
		size = 256
	}
	return &StageWindow{
		size:       size,
		stages:     make(map[string]*ring),
		indicators: make(map[string]int),
	}
}

func (w *StageWindow) ringLocked(stage string) *ring {
	r, ok := w.stages[stage]
	if !ok {
		r = &ring{values: make([]float64, w.size)}
		w.stages[stage] = r
	}
	return r
}

// Observe records one successful stage duration in milliseconds.
func (w *StageWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	w.ringLocked(stage).add(ms)
	w.mu.Unlock()
}

// ObserveFailure counts a stage attempt that did not complete.
func (w *StageWindow) ObserveFailure(stage string) {
	if w == nil || stage == "" {
		return
	}
	w.mu.Lock()
	w.ringLocked(stage).failures++
	w.mu.Unlock()
}

// ObserveIndicator bumps a named counter, e.g. "barge_in" or "attempt_failed".
func (w *StageWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *StageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.stages))
	for stage := range w.stages {
		names = append(names, stage)
	}
	slices.Sort(names)

	stages := make([]StageStats, 0, len(names))
	for _, stage := range names {
		r := w.stages[stage]
		if r.count == 0 && r.failures == 0 {
			continue
		}
		stages = append(stages, summarize(stage, r))
	}

	counters := make([]string, 0, len(w.indicators))
	for name, count := range w.indicators {
		if count > 0 {
			counters = append(counters, name)
		}
	}
	slices.Sort(counters)
	indicators := make([]Indicator, 0, len(counters))
	for _, name := range counters {
		indicators = append(indicators, Indicator{Name: name, Count: w.indicators[name]})
	}

	return StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      stages,
		Indicators:  indicators,
	}
}

func summarize(stage string, r *ring) StageStats {
	st := StageStats{
		Stage:       stage,
		Samples:     r.count,
		Failures:    r.failures,
		TargetP95MS: stageTargetP95MS(stage),
	}
	if r.count == 0 {
		return st
	}
	samples := r.sorted()
	var sum float64
	for _, v := range samples {
		sum += v
	}
	st.LastMS = round2(r.last)
	st.AvgMS = round2(sum / float64(len(samples)))
	st.P50MS = round2(quantile(samples, 0.50))
	st.P95MS = round2(quantile(samples, 0.95))
	st.P99MS = round2(quantile(samples, 0.99))
	st.MaxMS = round2(samples[len(samples)-1])
	return st
}

func (w *StageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages = make(map[string]*ring)
	w.indicators = make(map[string]int)
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := min(lo+1, n-1)
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// stageTargetP95MS is the latency budget a healthy link should stay under.
func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageCredential:
		return 800
	case StageConnect:
		return 1500
	case StageHandshake:
		return 2500
	default:
		return 0
	}
}
