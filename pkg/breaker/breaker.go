// Package breaker implements a per-service circuit breaker with a
// sliding-window failure rate, manual isolate/reset overrides, and
// durable persistence of state and alert history through an opaque
// BreakerStore.
package breaker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	appErrors "github.com/RexRenatus/korean-flashcard-pipeline-sub004/internal/errors"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/metrics"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/shared/logging"
)

// State is the circuit breaker's state machine position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakDurationPolicy computes the next break duration following a
// half-open probe failure. prev is the duration the breaker just spent
// open.
type BreakDurationPolicy func(prev time.Duration) time.Duration

// ExponentialBreakDuration doubles prev each time, capped at max. It is
// the default policy (spec.md §9 Open Question: configurable, default
// exponential-with-cap).
func ExponentialBreakDuration(base, max time.Duration) BreakDurationPolicy {
	return func(prev time.Duration) time.Duration {
		if prev <= 0 {
			return base
		}
		next := prev * 2
		if next > max {
			return max
		}
		return next
	}
}

// FixedBreakDuration always returns the same duration regardless of how
// many times the breaker has reopened.
func FixedBreakDuration(d time.Duration) BreakDurationPolicy {
	return func(time.Duration) time.Duration { return d }
}

// PatternKind labels the shape of recent failures for the (informative,
// non-safety-critical) observability surface.
type PatternKind string

const (
	PatternBurst     PatternKind = "burst"
	PatternSustained PatternKind = "sustained"
	PatternPeriodic  PatternKind = "periodic"
	PatternSporadic  PatternKind = "sporadic"
)

// Config configures a Registry.
type Config struct {
	FailureThreshold float64 // fraction in [0,1]
	MinThroughput    int
	Window           time.Duration
	BreakDuration    time.Duration
	MaxProbes        int
	DurationPolicy   BreakDurationPolicy

	Store   BreakerStore
	Logger  *logrus.Logger
	Metrics *metrics.Collectors
}

// PersistedState is the durable snapshot of one service's breaker.
// SuccessCount and FailureCount record the sliding-window counters at
// snapshot time; Restore reads back only State, OpenedAt, BreakDuration
// and WindowStartedAt, so a restored breaker starts with an empty window.
type PersistedState struct {
	State           State
	OpenedAt        time.Time
	BreakDuration   time.Duration
	WindowStartedAt time.Time
	SuccessCount    int
	FailureCount    int
}

// Alert is a point-in-time notable event (circuit opened, manually
// isolated, half-open probe failed), persisted for an operator to read
// back later.
type Alert struct {
	At      time.Time
	Message string
}

// Pattern is a classified shape of recent failures, persisted alongside
// Alert history.
type Pattern struct {
	At   time.Time
	Kind PatternKind
}

// BreakerStore persists breaker state and alert/pattern history so a
// restart doesn't forget a service is unhealthy.
type BreakerStore interface {
	SaveState(ctx context.Context, service string, state PersistedState) error
	LoadState(ctx context.Context, service string) (state PersistedState, found bool, err error)
	AppendAlert(ctx context.Context, service string, alert Alert) error
	AppendPattern(ctx context.Context, service string, pattern Pattern) error
}

type outcome struct {
	at      time.Time
	success bool
}

type slidingWindow struct {
	window  time.Duration
	samples []outcome
}

func (w *slidingWindow) record(o outcome) {
	w.samples = append(w.samples, o)
}

func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for ; i < len(w.samples); i++ {
		if w.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}
}

func (w *slidingWindow) reset() {
	w.samples = nil
}

func (w *slidingWindow) stats(now time.Time) (total, failures int) {
	w.prune(now)
	for _, s := range w.samples {
		total++
		if !s.success {
			failures++
		}
	}
	return
}

type persistRecord struct {
	service         string
	state           State
	openedAt        time.Time
	breakDuration   time.Duration
	windowStartedAt time.Time
	successCount    int
	failureCount    int
	at              time.Time
	alert           string
	pattern         PatternKind
	patternSet      bool
}

type breaker struct {
	mu             sync.Mutex
	state          State
	openedAt       time.Time
	breakDuration  time.Duration
	window         *slidingWindow
	windowStart    time.Time
	probesInFlight int
	isolated       bool
}

// Registry holds one breaker per service name and serializes its
// persistence writes through a single background goroutine.
type Registry struct {
	cfg Config
	log *logrus.Logger

	mu       sync.Mutex
	breakers map[string]*breaker

	persistCh chan persistRecord
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New builds a Registry. Call Restore after construction to load prior
// state from cfg.Store, and Close before the process exits to drain the
// persistence goroutine.
func New(cfg Config) *Registry {
	if cfg.DurationPolicy == nil {
		cfg.DurationPolicy = ExponentialBreakDuration(cfg.BreakDuration, cfg.BreakDuration*8)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = 1
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(prometheus.NewRegistry())
	}

	r := &Registry{
		cfg:       cfg,
		log:       cfg.Logger,
		breakers:  make(map[string]*breaker),
		persistCh: make(chan persistRecord, 256),
		stopCh:    make(chan struct{}),
	}

	r.wg.Add(1)
	go r.runPersistence()

	return r
}

// Close stops the persistence goroutine, draining any already-queued
// records first.
func (r *Registry) Close() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) breakerFor(service string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[service]
	if !ok {
		b = &breaker{window: &slidingWindow{window: r.cfg.Window}, windowStart: time.Now()}
		r.breakers[service] = b
	}
	return b
}

// Call executes op if the circuit admits it, recording the outcome
// afterward. It returns a CircuitOpen *appErrors.AppError without
// invoking op if the
// service's circuit is open or isolated, or if half-open probe slots are
// exhausted.
func (r *Registry) Call(ctx context.Context, service string, op func(ctx context.Context) (any, error)) (any, error) {
	b := r.breakerFor(service)

	now := time.Now()
	b.mu.Lock()
	if b.isolated {
		retryAfter := time.Duration(0)
		b.mu.Unlock()
		return nil, appErrors.NewCircuitOpenError(service, retryAfter)
	}

	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.breakDuration {
			retryAfter := b.breakDuration - now.Sub(b.openedAt)
			b.mu.Unlock()
			return nil, appErrors.NewCircuitOpenError(service, retryAfter)
		}
		b.state = StateHalfOpen
		b.probesInFlight = 0
		r.enqueuePersist(service, b)
		r.cfg.Metrics.RecordBreakerTransition(StateHalfOpen.String())
	case StateHalfOpen:
		if b.probesInFlight >= r.cfg.MaxProbes {
			b.mu.Unlock()
			return nil, appErrors.NewCircuitOpenError(service, r.cfg.BreakDuration)
		}
	}

	if b.state == StateHalfOpen {
		b.probesInFlight++
	}
	b.mu.Unlock()

	// The mutex is never held across this suspension point: op runs
	// fully unlocked.
	result, err := op(ctx)

	if err != nil {
		r.recordFailure(service, b, err)
		return result, err
	}
	r.recordSuccess(service, b)
	return result, nil
}

func (r *Registry) recordSuccess(service string, b *breaker) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.state = StateClosed
		b.window.reset()
		b.windowStart = now
		b.breakDuration = 0
		r.log.WithFields(logging.BreakerFields(service, StateClosed.String()).ToLogrus()).Info("circuit breaker closed after successful probe")
		r.cfg.Metrics.RecordBreakerTransition(StateClosed.String())
		r.enqueuePersist(service, b)
		return
	}

	b.window.record(outcome{at: now, success: true})
}

func (r *Registry) recordFailure(service string, b *breaker, cause error) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		b.breakDuration = r.cfg.DurationPolicy(b.breakDuration)
		b.state = StateOpen
		b.openedAt = now
		r.log.WithFields(logging.BreakerFields(service, StateOpen.String()).ToLogrus()).Warn("circuit breaker reopened after half-open probe failure")
		r.cfg.Metrics.RecordBreakerTransition(StateOpen.String())
		r.enqueuePersistAlert(service, b, fmt.Sprintf("half-open probe failed: %v", cause))
		return
	}

	b.window.record(outcome{at: now, success: false})
	total, failures := b.window.stats(now)

	if total >= r.cfg.MinThroughput && float64(failures)/float64(total) >= r.cfg.FailureThreshold {
		b.breakDuration = r.cfg.DurationPolicy(0)
		b.state = StateOpen
		b.openedAt = now
		pattern := classifyPattern(failureTimes(b.window.samples))
		r.log.WithFields(logging.BreakerFields(service, StateOpen.String()).ToLogrus()).
			WithField("failure_rate", float64(failures)/float64(total)).
			WithField("pattern", string(pattern)).
			Warn("circuit breaker opened")
		r.cfg.Metrics.RecordBreakerTransition(StateOpen.String())
		rec := persistRecord{
			service: service, state: b.state, openedAt: b.openedAt, breakDuration: b.breakDuration,
			windowStartedAt: b.windowStart, successCount: total - failures, failureCount: failures,
			at:         now,
			alert:      fmt.Sprintf("failure rate %.2f exceeded threshold %.2f", float64(failures)/float64(total), r.cfg.FailureThreshold),
			pattern:    pattern,
			patternSet: true,
		}
		r.enqueue(rec)
	}
}

// failureTimes extracts the timestamps of failed samples in window
// order, for the pattern classifier.
func failureTimes(samples []outcome) []time.Time {
	var times []time.Time
	for _, s := range samples {
		if !s.success {
			times = append(times, s.at)
		}
	}
	return times
}

// Isolate forces service's circuit open indefinitely until an explicit
// Reset. Unlike a natural transition, Isolate is never cleared by a
// successful probe.
func (r *Registry) Isolate(service, reason string) {
	b := r.breakerFor(service)
	b.mu.Lock()
	b.isolated = true
	b.state = StateOpen
	b.openedAt = time.Now()
	b.mu.Unlock()

	r.log.WithFields(logging.BreakerFields(service, StateOpen.String()).ToLogrus()).WithField("reason", reason).Warn("circuit breaker manually isolated")
	r.enqueuePersistAlert(service, b, "isolated: "+reason)
}

// Reset forces service's circuit closed and clears its counters,
// including any manual isolation.
func (r *Registry) Reset(service string) {
	b := r.breakerFor(service)
	b.mu.Lock()
	b.isolated = false
	b.state = StateClosed
	b.window.reset()
	b.windowStart = time.Now()
	b.breakDuration = 0
	b.probesInFlight = 0
	b.mu.Unlock()

	r.log.WithFields(logging.BreakerFields(service, StateClosed.String()).ToLogrus()).Info("circuit breaker manually reset")
	r.enqueuePersist(service, b)
}

// State reports the current state of service's breaker without mutating
// anything.
func (r *Registry) State(service string) State {
	b := r.breakerFor(service)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (r *Registry) enqueuePersist(service string, b *breaker) {
	total, failures := b.window.stats(time.Now())
	rec := persistRecord{
		service: service, state: b.state, openedAt: b.openedAt, breakDuration: b.breakDuration,
		windowStartedAt: b.windowStart, successCount: total - failures, failureCount: failures,
		at: time.Now(),
	}
	r.enqueue(rec)
}

func (r *Registry) enqueuePersistAlert(service string, b *breaker, message string) {
	total, failures := b.window.stats(time.Now())
	rec := persistRecord{
		service: service, state: b.state, openedAt: b.openedAt, breakDuration: b.breakDuration,
		windowStartedAt: b.windowStart, successCount: total - failures, failureCount: failures,
		at: time.Now(), alert: message,
	}
	r.enqueue(rec)
}

func (r *Registry) enqueue(rec persistRecord) {
	if r.cfg.Store == nil {
		return
	}
	select {
	case r.persistCh <- rec:
	default:
		// Drop the oldest pending record rather than block the hot path.
		select {
		case <-r.persistCh:
		default:
		}
		select {
		case r.persistCh <- rec:
		default:
		}
	}
}

func (r *Registry) runPersistence() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.persistCh:
			r.persist(rec)
		case <-r.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case rec := <-r.persistCh:
					r.persist(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Registry) persist(rec persistRecord) {
	ctx := context.Background()
	state := PersistedState{
		State: rec.state, OpenedAt: rec.openedAt, BreakDuration: rec.breakDuration,
		WindowStartedAt: rec.windowStartedAt, SuccessCount: rec.successCount, FailureCount: rec.failureCount,
	}
	if err := r.cfg.Store.SaveState(ctx, rec.service, state); err != nil {
		r.log.WithError(err).WithField("service", rec.service).Error("failed to persist circuit breaker state")
		return
	}
	if rec.alert != "" {
		if err := r.cfg.Store.AppendAlert(ctx, rec.service, Alert{At: rec.at, Message: rec.alert}); err != nil {
			r.log.WithError(err).WithField("service", rec.service).Error("failed to persist circuit breaker alert")
		}
	}
	if rec.patternSet {
		if err := r.cfg.Store.AppendPattern(ctx, rec.service, Pattern{At: rec.at, Kind: rec.pattern}); err != nil {
			r.log.WithError(err).WithField("service", rec.service).Error("failed to persist circuit breaker pattern")
		}
	}
}

// Restore loads persisted state for every previously seen service. Since
// the store has no enumeration contract here, callers pass the set of
// service names they expect to use; a missing or unreadable record
// leaves that service Closed with fresh counters.
func (r *Registry) Restore(ctx context.Context, services []string) {
	if r.cfg.Store == nil {
		return
	}
	for _, service := range services {
		ps, found, err := r.cfg.Store.LoadState(ctx, service)
		if err != nil {
			r.log.WithError(err).WithField("service", service).Warn("failed to restore circuit breaker state, starting closed")
			continue
		}
		if !found {
			continue
		}
		b := r.breakerFor(service)
		b.mu.Lock()
		b.state = ps.State
		b.openedAt = ps.OpenedAt
		b.breakDuration = ps.BreakDuration
		b.windowStart = ps.WindowStartedAt
		b.mu.Unlock()
	}
}

// Stats is a point-in-time snapshot of one service's breaker, safe to
// read without holding any lock afterward.
type Stats struct {
	Service         string
	State           State
	OpenedAt        time.Time
	BreakDuration   time.Duration
	WindowStartedAt time.Time
	TotalInWindow   int
	FailuresInWindow int
	Isolated        bool
}

// Snapshot reports the current state of every service this Registry has
// seen, in no particular order.
func (r *Registry) Snapshot() []Stats {
	r.mu.Lock()
	services := make([]string, 0, len(r.breakers))
	breakers := make([]*breaker, 0, len(r.breakers))
	for service, b := range r.breakers {
		services = append(services, service)
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	now := time.Now()
	out := make([]Stats, 0, len(breakers))
	for i, b := range breakers {
		b.mu.Lock()
		total, failures := b.window.stats(now)
		out = append(out, Stats{
			Service: services[i], State: b.state, OpenedAt: b.openedAt, BreakDuration: b.breakDuration,
			WindowStartedAt: b.windowStart, TotalInWindow: total, FailuresInWindow: failures, Isolated: b.isolated,
		})
		b.mu.Unlock()
	}
	return out
}

// classifyPattern labels a set of failure timestamps by their
// inter-arrival shape. It is informative only; recordFailure invokes it
// on the Call path, under the breaker's mutex, when the circuit opens.
func classifyPattern(failureTimes []time.Time) PatternKind {
	if len(failureTimes) < 2 {
		return PatternSporadic
	}

	intervals := make([]float64, 0, len(failureTimes)-1)
	for i := 1; i < len(failureTimes); i++ {
		intervals = append(intervals, failureTimes[i].Sub(failureTimes[i-1]).Seconds())
	}

	mean := 0.0
	for _, iv := range intervals {
		mean += iv
	}
	mean /= float64(len(intervals))

	variance := 0.0
	for _, iv := range intervals {
		variance += (iv - mean) * (iv - mean)
	}
	variance /= float64(len(intervals))
	stddev := math.Sqrt(variance)

	switch {
	case mean < 1.0:
		return PatternBurst
	case stddev/mean < 0.2:
		return PatternPeriodic
	case len(intervals) >= 5:
		return PatternSustained
	default:
		return PatternSporadic
	}
}
