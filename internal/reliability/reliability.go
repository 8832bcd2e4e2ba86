// Package reliability tracks settled-delegation outcomes in a sliding
// window and derives SLO metrics, an error budget, alerts, and the
// circuit breaker state that gates new delegations.
package reliability

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Window sizing bounds.
const (
	DefaultWindowSize = 50
	MinWindowSize     = 1
	MaxWindowSize     = 1000
)

// MinSamples is the floor below which the breaker never trips:
// a handful of early failures must not open it.
const MinSamples = 10

// Breaker thresholds.
const (
	ErrorRateThreshold    = 0.30
	HardStopRateThreshold = 0.20
	LatencySLOMultiplier  = 1.5
)

// HalfOpenSampleCount is how many consecutive recent successes move an
// open breaker to half_open.
const HalfOpenSampleCount = 5

// OpenCooldown is how long an open breaker rejects everything before
// Allow starts admitting probe traffic half-open. Without it an open
// breaker would starve itself of samples and only an operator reset
// could recover.
const OpenCooldown = 30 * time.Second

// SLOTarget is the availability objective the error budget derives
// from.
const SLOTarget = 0.99

// BreakerState is the circuit breaker position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Sample is one settled delegation's outcome.
type Sample struct {
	DelegationID string        `json:"delegation_id"`
	Success      bool          `json:"success"`
	HardStop     bool          `json:"hard_stop"`
	Latency      time.Duration `json:"-"`
	LatencyMS    int64         `json:"latency_ms"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// Metrics are the derived window statistics.
type Metrics struct {
	WindowSize    int     `json:"window_size"`
	SampleCount   int     `json:"sample_count"`
	SuccessRate   float64 `json:"success_rate"`
	ErrorRate     float64 `json:"error_rate"`
	HardStopRate  float64 `json:"hard_stop_rate"`
	P95LatencyMS  int64   `json:"p95_latency_ms"`
	LatencySLOMS  int64   `json:"latency_slo_ms"`
}

// ErrorBudget is the 99%-SLO error accounting over the window.
type ErrorBudget struct {
	SLOTarget     float64 `json:"slo_target"`
	AllowedErrors int     `json:"allowed_errors"`
	UsedErrors    int     `json:"used_errors"`
	ConsumedRatio float64 `json:"consumed_ratio"`
	Exhausted     bool    `json:"exhausted"`
}

// Alert is one active reliability alert.
type Alert struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Policy echoes the thresholds the breaker and error budget are
// evaluated against, so dashboard consumers need no out-of-band
// configuration.
type Policy struct {
	SLOTarget             float64 `json:"slo_target"`
	ErrorRateThreshold    float64 `json:"error_rate_threshold"`
	HardStopRateThreshold float64 `json:"hard_stop_rate_threshold"`
	LatencySLOMultiplier  float64 `json:"latency_slo_multiplier"`
	MinSamples            int     `json:"min_samples"`
}

// Window describes the sample window the snapshot was computed over.
type Window struct {
	Size        int `json:"size"`
	SampleCount int `json:"sample_count"`
}

// CircuitBreaker is the breaker position in the dashboard.
type CircuitBreaker struct {
	State    BreakerState `json:"state"`
	OpenedAt *time.Time   `json:"opened_at,omitempty"`
}

// Dashboard is the SLO dashboard response.
type Dashboard struct {
	Policy         Policy         `json:"policy"`
	Window         Window         `json:"window"`
	Metrics        Metrics        `json:"metrics"`
	ErrorBudget    ErrorBudget    `json:"error_budget"`
	CircuitBreaker CircuitBreaker `json:"circuit_breaker"`
	Alerts         []Alert        `json:"alerts"`
}

// Tracker is the sliding window plus breaker state machine. All
// methods are safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	windowSize int
	latencySLO time.Duration
	samples    []Sample // oldest first, capped at windowSize
	state      BreakerState
	openedAt   *time.Time
	// successes recorded since the breaker last opened; drives the
	// half_open transition.
	postOpenStreak int
	onStateChange  func(BreakerState)
	logger         *zap.Logger
	now            func() time.Time
}

// NewTracker creates a Tracker. windowSize is clamped to
// [MinWindowSize, MaxWindowSize]; zero means DefaultWindowSize.
func NewTracker(windowSize int, latencySLO time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		windowSize: clampWindow(windowSize),
		latencySLO: latencySLO,
		state:      BreakerClosed,
		logger:     logger,
		now:        time.Now,
	}
}

// OnStateChange registers a callback fired on every breaker
// transition, including operator resets. It runs under the tracker
// lock and must not call back into the Tracker.
func (t *Tracker) OnStateChange(fn func(BreakerState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStateChange = fn
}

// Record appends a settled outcome and re-evaluates the breaker.
func (t *Tracker) Record(s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s.LatencyMS = s.Latency.Milliseconds()
	s.RecordedAt = t.now().UTC()
	t.samples = append(t.samples, s)
	if len(t.samples) > t.windowSize {
		t.samples = t.samples[len(t.samples)-t.windowSize:]
	}

	switch t.state {
	case BreakerClosed:
		if t.shouldOpenLocked() {
			t.openLocked()
		}
	case BreakerOpen, BreakerHalfOpen:
		if s.Success {
			t.postOpenStreak++
		} else {
			t.postOpenStreak = 0
			if t.state == BreakerHalfOpen {
				t.openLocked()
				return
			}
		}
		if t.postOpenStreak >= HalfOpenSampleCount {
			if t.state == BreakerOpen {
				t.state = BreakerHalfOpen
				t.notifyLocked()
				t.logger.Info("circuit breaker half-open after recovery streak")
			} else {
				// Half-open probe traffic kept succeeding.
				t.closeLocked()
			}
			t.postOpenStreak = 0
		}
	}
}

// State returns the current breaker position.
func (t *Tracker) State() BreakerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Allow reports whether new delegations are admitted. Open rejects
// until OpenCooldown has elapsed, then flips to half_open and admits
// probe traffic; a failed probe reopens the breaker.
func (t *Tracker) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == BreakerOpen && t.openedAt != nil && t.now().Sub(*t.openedAt) >= OpenCooldown {
		t.state = BreakerHalfOpen
		t.postOpenStreak = 0
		t.notifyLocked()
		t.logger.Info("circuit breaker half-open after cooldown")
	}
	return t.state != BreakerOpen
}

// Reset is the operator escape hatch: force the breaker closed and
// clear the window so stale failures cannot re-trip it immediately.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = nil
	t.postOpenStreak = 0
	t.openedAt = nil
	t.state = BreakerClosed
	t.notifyLocked()
	t.logger.Warn("circuit breaker reset by operator")
}

// Snapshot builds the dashboard for the requested window size. A zero
// windowSize uses the tracker's configured size.
func (t *Tracker) Snapshot(windowSize int) Dashboard {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := t.windowSize
	if windowSize > 0 {
		size = clampWindow(windowSize)
	}
	window := t.samples
	if len(window) > size {
		window = window[len(window)-size:]
	}

	m := t.metricsLocked(window, size)
	eb := errorBudget(m)
	return Dashboard{
		Policy: Policy{
			SLOTarget:             SLOTarget,
			ErrorRateThreshold:    ErrorRateThreshold,
			HardStopRateThreshold: HardStopRateThreshold,
			LatencySLOMultiplier:  LatencySLOMultiplier,
			MinSamples:            MinSamples,
		},
		Window:         Window{Size: size, SampleCount: len(window)},
		Metrics:        m,
		ErrorBudget:    eb,
		CircuitBreaker: CircuitBreaker{State: t.state, OpenedAt: t.openedAt},
		Alerts:         t.alertsLocked(m, eb),
	}
}

func (t *Tracker) shouldOpenLocked() bool {
	m := t.metricsLocked(t.samples, t.windowSize)
	if m.SampleCount < MinSamples {
		return false
	}
	if m.ErrorRate >= ErrorRateThreshold || m.HardStopRate >= HardStopRateThreshold {
		return true
	}
	return t.latencySLO > 0 && m.P95LatencyMS > int64(LatencySLOMultiplier*float64(t.latencySLO.Milliseconds()))
}

func (t *Tracker) openLocked() {
	now := t.now().UTC()
	t.state = BreakerOpen
	t.openedAt = &now
	t.postOpenStreak = 0
	t.notifyLocked()
	t.logger.Warn("circuit breaker opened")
}

func (t *Tracker) closeLocked() {
	t.state = BreakerClosed
	t.openedAt = nil
	t.notifyLocked()
	t.logger.Info("circuit breaker closed after half-open recovery")
}

func (t *Tracker) notifyLocked() {
	if t.onStateChange != nil {
		t.onStateChange(t.state)
	}
}

func (t *Tracker) metricsLocked(window []Sample, size int) Metrics {
	m := Metrics{
		WindowSize:   size,
		SampleCount:  len(window),
		LatencySLOMS: t.latencySLO.Milliseconds(),
	}
	if len(window) == 0 {
		m.SuccessRate = 1
		return m
	}
	successes, hardStops := 0, 0
	latencies := make([]int64, 0, len(window))
	for _, s := range window {
		if s.Success {
			successes++
		}
		if s.HardStop {
			hardStops++
		}
		latencies = append(latencies, s.LatencyMS)
	}
	n := float64(len(window))
	m.SuccessRate = float64(successes) / n
	m.ErrorRate = 1 - m.SuccessRate
	m.HardStopRate = float64(hardStops) / n
	m.P95LatencyMS = percentile(latencies, 0.95)
	return m
}

func (t *Tracker) alertsLocked(m Metrics, eb ErrorBudget) []Alert {
	var alerts []Alert
	if eb.Exhausted {
		alerts = append(alerts, Alert{
			Code: "error_budget.exhausted", Severity: "critical",
			Message: "error budget for the current window is exhausted",
		})
	} else if eb.ConsumedRatio >= 0.5 {
		alerts = append(alerts, Alert{
			Code: "error_budget.burn_rate_high", Severity: "warning",
			Message: "error budget burn rate exceeds 50% of the window allowance",
		})
	}
	if t.latencySLO > 0 && m.SampleCount >= MinSamples {
		slo := t.latencySLO.Milliseconds()
		switch {
		case m.P95LatencyMS > int64(LatencySLOMultiplier*float64(slo)):
			alerts = append(alerts, Alert{
				Code: "latency.slo_critical", Severity: "critical",
				Message: "p95 latency breached 1.5x the latency SLO",
			})
		case m.P95LatencyMS > slo:
			alerts = append(alerts, Alert{
				Code: "latency.slo_breach", Severity: "warning",
				Message: "p95 latency exceeds the latency SLO",
			})
		}
	}
	if m.SampleCount >= MinSamples && m.HardStopRate >= HardStopRateThreshold {
		alerts = append(alerts, Alert{
			Code: "circuit_breaker.hard_stop_rate", Severity: "critical",
			Message: "hard-stop rate breached the breaker threshold",
		})
	}
	return alerts
}

func errorBudget(m Metrics) ErrorBudget {
	allowed := int(float64(m.WindowSize) * (1 - SLOTarget))
	if allowed < 1 {
		allowed = 1
	}
	used := int(m.ErrorRate*float64(m.SampleCount) + 0.5)
	ratio := float64(used) / float64(allowed)
	return ErrorBudget{
		SLOTarget:     SLOTarget,
		AllowedErrors: allowed,
		UsedErrors:    used,
		ConsumedRatio: ratio,
		Exhausted:     used >= allowed,
	}
}

func percentile(values []int64, p float64) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func clampWindow(n int) int {
	switch {
	case n == 0:
		return DefaultWindowSize
	case n < MinWindowSize:
		return MinWindowSize
	case n > MaxWindowSize:
		return MaxWindowSize
	}
	return n
}
