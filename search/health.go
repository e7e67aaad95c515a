// Package search implements the resilient multi-engine search orchestrator:
// per-engine circuit breaking, failure caching, durable result caching,
// retry with exponential backoff, adaptive timeouts, a global rate limiter,
// and in-flight request deduplication.
package search

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// EngineHealth is the sliding-window health record of one search engine.
// successCount + failureCount == totalAttempts always holds; when
// totalAttempts exceeds the tracking window the counts are proportionally
// rescaled so the observed rate is preserved.
type EngineHealth struct {
	Engine        string    `json:"engine"`
	SuccessCount  int       `json:"success_count"`
	FailureCount  int       `json:"failure_count"`
	TotalAttempts int       `json:"total_attempts"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastSuccess   time.Time `json:"last_success,omitzero"`
	LastFailure   time.Time `json:"last_failure,omitzero"`
	Open          bool      `json:"open"`
	OpenedAt      time.Time `json:"opened_at,omitzero"`
}

func (h *EngineHealth) failureRate() float64 {
	if h.TotalAttempts == 0 {
		return 0
	}
	return float64(h.FailureCount) / float64(h.TotalAttempts)
}

func (h *EngineHealth) successRate() float64 {
	if h.TotalAttempts == 0 {
		return 0
	}
	return float64(h.SuccessCount) / float64(h.TotalAttempts)
}

// HealthTracker is a per-engine circuit breaker. Thread-safe.
type HealthTracker struct {
	mu               sync.Mutex
	engines          map[string]*EngineHealth
	minAttempts      int
	failureThreshold float64
	cooldown         time.Duration
	window           int
	now              func() time.Time
	logger           *slog.Logger
}

// HealthOption configures a HealthTracker.
type HealthOption func(*HealthTracker)

// WithHealthMinAttempts sets how many attempts are required before the
// circuit may open.
func WithHealthMinAttempts(n int) HealthOption {
	return func(t *HealthTracker) { t.minAttempts = n }
}

// WithHealthFailureThreshold sets the failure rate that opens the circuit.
func WithHealthFailureThreshold(r float64) HealthOption {
	return func(t *HealthTracker) { t.failureThreshold = r }
}

// WithHealthCooldown sets how long an open circuit blocks traffic before a
// probe is allowed again.
func WithHealthCooldown(d time.Duration) HealthOption {
	return func(t *HealthTracker) { t.cooldown = d }
}

// WithHealthWindow sets the sliding-window attempt cap.
func WithHealthWindow(n int) HealthOption {
	return func(t *HealthTracker) { t.window = n }
}

// WithHealthClock sets a custom clock function (for testing).
func WithHealthClock(fn func() time.Time) HealthOption {
	return func(t *HealthTracker) { t.now = fn }
}

// WithHealthLogger sets a custom logger.
func WithHealthLogger(l *slog.Logger) HealthOption {
	return func(t *HealthTracker) { t.logger = l }
}

// NewHealthTracker creates a tracker with the production defaults:
// 3 attempts minimum, 50% failure threshold, 5 minute cooldown, window of 10.
func NewHealthTracker(opts ...HealthOption) *HealthTracker {
	t := &HealthTracker{
		engines:          make(map[string]*EngineHealth),
		minAttempts:      3,
		failureThreshold: 0.5,
		cooldown:         5 * time.Minute,
		window:           10,
		now:              time.Now,
		logger:           slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// RecordAttempt updates an engine's health with one attempt outcome and may
// open or close its circuit. The record is created lazily on first use.
func (t *HealthTracker) RecordAttempt(engine string, success bool, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.engines[engine]
	if h == nil {
		h = &EngineHealth{Engine: engine}
		t.engines[engine] = h
	}

	now := t.now()
	lat := float64(latency.Milliseconds())
	h.AvgLatencyMs = (h.AvgLatencyMs*float64(h.TotalAttempts) + lat) / float64(h.TotalAttempts+1)
	h.TotalAttempts++
	if success {
		h.SuccessCount++
		h.LastSuccess = now
	} else {
		h.FailureCount++
		h.LastFailure = now
	}

	// Rescale to the window cap, preserving the observed rate.
	if h.TotalAttempts > t.window {
		scaled := int(float64(h.SuccessCount)*float64(t.window)/float64(h.TotalAttempts) + 0.5)
		if scaled > t.window {
			scaled = t.window
		}
		h.SuccessCount = scaled
		h.FailureCount = t.window - scaled
		h.TotalAttempts = t.window
	}

	if h.Open {
		// A success while open and past cooldown closes the circuit.
		if success && now.Sub(h.OpenedAt) >= t.cooldown {
			h.Open = false
			h.OpenedAt = time.Time{}
			t.logger.Info("engine circuit closed", "engine", engine)
		}
		return
	}

	if h.TotalAttempts >= t.minAttempts && h.failureRate() >= t.failureThreshold {
		h.Open = true
		h.OpenedAt = now
		t.logger.Warn("engine circuit opened",
			"engine", engine,
			"failure_rate", h.failureRate(),
			"attempts", h.TotalAttempts)
	}
}

// Available reports whether an engine may receive traffic. An open circuit
// past its cooldown is half-open: it reports available, optimistically
// allowing one probe.
func (t *HealthTracker) Available(engine string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.availableLocked(engine)
}

func (t *HealthTracker) availableLocked(engine string) bool {
	h := t.engines[engine]
	if h == nil || !h.Open {
		return true
	}
	return t.now().Sub(h.OpenedAt) >= t.cooldown
}

// Prioritize sorts engines for the next search: unavailable engines last;
// among available ones, higher success rate first when rates differ by more
// than 10 percentage points, otherwise lower average latency first.
func (t *HealthTracker) Prioritize(engines []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, len(engines))
	copy(out, engines)

	sort.SliceStable(out, func(i, j int) bool {
		ai := t.availableLocked(out[i])
		aj := t.availableLocked(out[j])
		if ai != aj {
			return ai
		}
		hi := t.engines[out[i]]
		hj := t.engines[out[j]]
		if hi == nil || hj == nil {
			// Untried engines keep their configured position.
			return false
		}
		if diff := hi.successRate() - hj.successRate(); diff > 0.10 || diff < -0.10 {
			return diff > 0
		}
		return hi.AvgLatencyMs < hj.AvgLatencyMs
	})
	return out
}

// Snapshot returns a copy of every engine's health record.
func (t *HealthTracker) Snapshot() []EngineHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]EngineHealth, 0, len(t.engines))
	for _, h := range t.engines {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Engine < out[j].Engine })
	return out
}

// Health returns a copy of one engine's record, or nil if never attempted.
func (t *HealthTracker) Health(engine string) *EngineHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.engines[engine]
	if h == nil {
		return nil
	}
	cp := *h
	return &cp
}

// Reset discards all health records.
func (t *HealthTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.engines = make(map[string]*EngineHealth)
}
