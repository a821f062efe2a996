// Package breaker implements the per-node circuit breaker of spec.md §4.6:
// a closed/open/half-open state machine with rolling-window statistics,
// guarding each node behind a Resilient execution strategy.
//
// There is no teacher equivalent (the event-pipeline has no retry/breaker
// layer at all); the rolling-window bookkeeping here is grounded on the
// attempt/backoff accounting already present in the mbflow example's
// WorkflowEngine.retryNode and calculateRetryDelay, generalized from "N
// attempts per node call" into "a standing state machine across calls".
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// ThresholdType selects how recordFailure decides to trip the breaker.
type ThresholdType string

const (
	// ConsecutiveFailures trips when consecutive failures reach Threshold.
	ConsecutiveFailures ThresholdType = "consecutive_failures"
	// RollingWindowCount trips when failures within WindowDuration reach
	// Threshold, provided at least MinimumOperations occurred in window.
	RollingWindowCount ThresholdType = "rolling_window_count"
	// RollingWindowRate trips when the failure rate within WindowDuration
	// reaches FailureRateThreshold, provided at least MinimumOperations
	// occurred in window.
	RollingWindowRate ThresholdType = "rolling_window_rate"
)

// Options configures a single node's circuit breaker.
type Options struct {
	FailureThreshold      int           `validate:"required_if=ThresholdType consecutive_failures,omitempty,min=1"`
	OpenDuration          time.Duration `validate:"required,gt=0"`
	WindowDuration        time.Duration `validate:"omitempty,gt=0"`
	TrackOperationsInWindow int         `validate:"omitempty,min=0"`
	ThresholdType         ThresholdType `validate:"required,oneof=consecutive_failures rolling_window_count rolling_window_rate"`
	FailureRateThreshold  float64       `validate:"omitempty,gte=0,lte=1"`
	MinimumOperations     int           `validate:"omitempty,min=0"`
	HalfOpenTrialCount    int           `validate:"omitempty,min=1"`
}

// DefaultOptions returns sane consecutive-failure defaults.
func DefaultOptions() Options {
	return Options{
		FailureThreshold:   5,
		OpenDuration:       30 * time.Second,
		ThresholdType:      ConsecutiveFailures,
		HalfOpenTrialCount: 1,
	}
}

// Outcome is the result of recording a success or failure.
type Outcome struct {
	Allowed      bool
	StateChanged bool
	NewState     State
}

// Stats summarizes the active rolling window.
type Stats struct {
	TotalOperations int
	SuccessCount    int
	FailureCount    int
	FailureRate     float64
}

type event struct {
	at      time.Time
	success bool
}

// CircuitBreaker is a single node's failure-state machine. The zero value
// is not usable; construct with New.
type CircuitBreaker struct {
	mu sync.Mutex

	opts Options

	state               State
	consecutiveFailures int
	window              []event
	halfOpenInFlight    int
	openedAt            time.Time
	now                 func() time.Time
}

// New constructs a CircuitBreaker in the Closed state.
func New(opts Options) *CircuitBreaker {
	if opts.HalfOpenTrialCount <= 0 {
		opts.HalfOpenTrialCount = 1
	}
	return &CircuitBreaker{
		opts:  opts,
		state: Closed,
		now:   time.Now,
	}
}

// State returns the current state, first promoting Open to HalfOpen if
// OpenDuration has elapsed (spec.md §4.6: "then transition to HalfOpen on
// next canExecute() or next operation").
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybePromoteFromOpen()
	return b.state
}

// CanExecute reports whether a call should be allowed to proceed, and for
// HalfOpen, reserves one of the limited trial slots if it returns true.
// The caller MUST subsequently call RecordSuccess or RecordFailure exactly
// once if CanExecute returned true, to release the trial slot.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybePromoteFromOpen()

	switch b.state {
	case Closed:
		return true
	case Open:
		return false
	case HalfOpen:
		if b.halfOpenInFlight < b.opts.HalfOpenTrialCount {
			b.halfOpenInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

func (b *CircuitBreaker) maybePromoteFromOpen() {
	if b.state == Open && !b.openedAt.IsZero() && b.now().Sub(b.openedAt) >= b.opts.OpenDuration {
		b.state = HalfOpen
		b.halfOpenInFlight = 0
	}
}

// RecordSuccess reports a successful call.
func (b *CircuitBreaker) RecordSuccess() Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.state
	b.recordEvent(true)

	switch b.state {
	case HalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.state = Closed
		b.consecutiveFailures = 0
	case Closed:
		b.consecutiveFailures = 0
	}

	return Outcome{Allowed: true, StateChanged: prev != b.state, NewState: b.state}
}

// RecordFailure reports a failed call. The returned Outcome.Allowed is
// false only when this very call is what tripped the breaker to Open.
func (b *CircuitBreaker) RecordFailure() Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.state
	b.recordEvent(false)
	b.consecutiveFailures++

	switch b.state {
	case HalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.trip()
	case Closed:
		if b.shouldTrip() {
			b.trip()
		}
	}

	allowed := !(prev != Open && b.state == Open)
	return Outcome{Allowed: allowed, StateChanged: prev != b.state, NewState: b.state}
}

func (b *CircuitBreaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.halfOpenInFlight = 0
}

func (b *CircuitBreaker) recordEvent(success bool) {
	now := b.now()
	b.window = append(b.window, event{at: now, success: success})
	b.pruneWindow(now)
}

func (b *CircuitBreaker) pruneWindow(now time.Time) {
	if b.opts.WindowDuration <= 0 {
		return
	}
	cutoff := now.Add(-b.opts.WindowDuration)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append([]event(nil), b.window[i:]...)
	}
}

func (b *CircuitBreaker) shouldTrip() bool {
	switch b.opts.ThresholdType {
	case RollingWindowCount:
		stats := b.statsLocked()
		return stats.TotalOperations >= b.opts.MinimumOperations && stats.FailureCount >= b.opts.FailureThreshold
	case RollingWindowRate:
		stats := b.statsLocked()
		return stats.TotalOperations >= b.opts.MinimumOperations && stats.FailureRate >= b.opts.FailureRateThreshold
	default: // ConsecutiveFailures
		return b.consecutiveFailures >= b.opts.FailureThreshold
	}
}

// Stats returns the current rolling-window statistics.
func (b *CircuitBreaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneWindow(b.now())
	return b.statsLocked()
}

func (b *CircuitBreaker) statsLocked() Stats {
	var s Stats
	for _, e := range b.window {
		s.TotalOperations++
		if e.success {
			s.SuccessCount++
		} else {
			s.FailureCount++
		}
	}
	if s.TotalOperations > 0 {
		s.FailureRate = float64(s.FailureCount) / float64(s.TotalOperations)
	}
	return s
}

// OpenedAt returns the time the breaker last tripped to Open, or the zero
// time if it never has.
func (b *CircuitBreaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}
