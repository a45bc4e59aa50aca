// Package retry implements the generic backoff-with-jitter retry
// executor shared by every outbound call in the pipeline.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	appErrors "github.com/RexRenatus/korean-flashcard-pipeline-sub004/internal/errors"
)

// Config configures a Do call.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
	Jitter       bool

	// RetryOn decides whether a given failure should be retried. Nil
	// defaults to appErrors.IsRetryable, the §7 taxonomy's Transient
	// classification.
	RetryOn func(error) bool

	// Tracker, if set, accumulates attempt/outcome counters across every
	// Do call made with this Config, for the observability surface. Nil
	// is a valid no-op — Do never allocates one itself, since most
	// callers (tests, one-shot scripts) have no use for it.
	Tracker *Tracker
}

// Stats is a point-in-time snapshot of retry activity accumulated by a
// Tracker.
type Stats struct {
	AttemptsTotal    uint64
	SucceededTotal   uint64
	ExhaustedTotal   uint64
	AwaitingRetryNow int64
}

// Tracker accumulates retry attempt/outcome counters across concurrent
// Do calls sharing the same Config, for Snapshot()-style observability
// without a global registry.
type Tracker struct {
	mu       sync.Mutex
	stats    Stats
	inflight int64
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Snapshot reports accumulated counters.
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.AwaitingRetryNow = t.inflight
	return s
}

func (t *Tracker) recordAttempt() {
	t.mu.Lock()
	t.stats.AttemptsTotal++
	t.mu.Unlock()
}

func (t *Tracker) recordSucceeded() {
	t.mu.Lock()
	t.stats.SucceededTotal++
	t.mu.Unlock()
}

func (t *Tracker) recordExhausted() {
	t.mu.Lock()
	t.stats.ExhaustedTotal++
	t.mu.Unlock()
}

func (t *Tracker) enterWait() {
	t.mu.Lock()
	t.inflight++
	t.mu.Unlock()
}

func (t *Tracker) exitWait() {
	t.mu.Lock()
	t.inflight--
	t.mu.Unlock()
}

func (c Config) retryOn(err error) bool {
	if c.RetryOn != nil {
		return c.RetryOn(err)
	}
	return appErrors.IsRetryable(err)
}

// ExhaustedError is returned when every attempt fails and the final
// failure was itself retryable (i.e. attempts ran out rather than the
// predicate short-circuiting).
type ExhaustedError struct {
	LastErr  error
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// delayFor computes the backoff delay before attempt i (zero-indexed),
// per spec.md §4.C: d = min(max_delay, initial_delay * base^i), then
// optionally jittered uniformly into [d/2, d].
func delayFor(cfg Config, attempt int) time.Duration {
	d := float64(cfg.InitialDelay) * pow(cfg.Base, attempt)
	if max := float64(cfg.MaxDelay); d > max && max > 0 {
		d = max
	}
	delay := time.Duration(d)
	if cfg.Jitter && delay > 0 {
		half := delay / 2
		delay = half + time.Duration(rand.Int64N(int64(delay-half)+1))
	}
	return delay
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Do runs op, retrying according to cfg until it succeeds, cfg.RetryOn
// returns false, attempts are exhausted, or ctx is cancelled. A
// rate-limit-style error carrying a RetryAfter hint overrides the
// computed delay with whichever is larger.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	var lastErr error
	var zero T

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if cfg.Tracker != nil {
			cfg.Tracker.recordAttempt()
		}
		result, err := op(ctx)
		if err == nil {
			if cfg.Tracker != nil {
				cfg.Tracker.recordSucceeded()
			}
			return result, nil
		}
		lastErr = err

		if !cfg.retryOn(err) {
			return zero, err
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := delayFor(cfg, attempt)
		if hint, ok := appErrors.GetRetryAfter(err); ok && hint > delay {
			delay = hint
		}

		if cfg.Tracker != nil {
			cfg.Tracker.enterWait()
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if cfg.Tracker != nil {
				cfg.Tracker.exitWait()
			}
			return zero, ctx.Err()
		case <-timer.C:
		}
		if cfg.Tracker != nil {
			cfg.Tracker.exitWait()
		}
	}

	if cfg.Tracker != nil {
		cfg.Tracker.recordExhausted()
	}
	return zero, &ExhaustedError{LastErr: lastErr, Attempts: cfg.MaxAttempts}
}

// DoAny is Do instantiated for callers that do not need a typed result.
func DoAny(ctx context.Context, cfg Config, op func(ctx context.Context) (any, error)) (any, error) {
	return Do(ctx, cfg, op)
}
