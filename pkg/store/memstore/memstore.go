// Package memstore is an in-memory TaskStore/BreakerStore pair, the
// test-and-single-shot-run counterpart to store/sqlstore.
package memstore

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/breaker"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/store"
)

type taskKey struct {
	batchID  string
	position uint32
}

// Store implements both store.TaskStore and breaker.BreakerStore over
// plain maps guarded by a single mutex. Not durable across process
// restarts; intended for tests and for runs where checkpointing isn't
// required.
type Store struct {
	mu sync.Mutex

	tasks    map[taskKey]store.TaskRow
	progress map[string]store.ProgressDelta

	breakerStates map[string]breakerState
	alerts        map[string][]string
	patterns      map[string][]breaker.PatternKind
}

type breakerState struct {
	state           breaker.State
	openedAt        time.Time
	breakDuration   time.Duration
	windowStartedAt time.Time
	successCount    int
	failureCount    int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tasks:         make(map[taskKey]store.TaskRow),
		progress:      make(map[string]store.ProgressDelta),
		breakerStates: make(map[string]breakerState),
		alerts:        make(map[string][]string),
		patterns:      make(map[string][]breaker.PatternKind),
	}
}

var _ store.TaskStore = (*Store)(nil)
var _ breaker.BreakerStore = (*Store)(nil)

func (s *Store) UpsertTask(_ context.Context, batchID string, position uint32, status store.TaskStatus, attempt uint16, errorKind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[taskKey{batchID, position}] = store.TaskRow{
		BatchID:   batchID,
		Position:  position,
		Status:    status,
		Attempt:   attempt,
		ErrorKind: errorKind,
		UpdatedAt: time.Now(),
	}
	return nil
}

func (s *Store) LoadBatch(_ context.Context, batchID string) (iter.Seq[store.TaskRow], error) {
	s.mu.Lock()
	rows := make([]store.TaskRow, 0)
	for key, row := range s.tasks {
		if key.batchID == batchID {
			rows = append(rows, row)
		}
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].Position < rows[j].Position })

	return func(yield func(store.TaskRow) bool) {
		for _, row := range rows {
			if !yield(row) {
				return
			}
		}
	}, nil
}

func (s *Store) UpdateProgress(_ context.Context, batchID string, delta store.ProgressDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg := s.progress[batchID]
	agg.CompletedDelta += delta.CompletedDelta
	agg.FailedDelta += delta.FailedDelta
	agg.CancelledDelta += delta.CancelledDelta
	agg.FromCacheDelta += delta.FromCacheDelta
	s.progress[batchID] = agg
	return nil
}

// Progress returns the accumulated counters for batchID, for tests that
// want to assert on orchestrator progress without a full TaskRow scan.
func (s *Store) Progress(batchID string) store.ProgressDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress[batchID]
}

func (s *Store) SaveState(_ context.Context, service string, state breaker.PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakerStates[service] = breakerState{
		state: state.State, openedAt: state.OpenedAt, breakDuration: state.BreakDuration,
		windowStartedAt: state.WindowStartedAt, successCount: state.SuccessCount, failureCount: state.FailureCount,
	}
	return nil
}

func (s *Store) LoadState(_ context.Context, service string) (breaker.PersistedState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bs, ok := s.breakerStates[service]
	return breaker.PersistedState{
		State: bs.state, OpenedAt: bs.openedAt, BreakDuration: bs.breakDuration,
		WindowStartedAt: bs.windowStartedAt, SuccessCount: bs.successCount, FailureCount: bs.failureCount,
	}, ok, nil
}

func (s *Store) AppendAlert(_ context.Context, service string, alert breaker.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[service] = append(s.alerts[service], alert.Message)
	return nil
}

func (s *Store) AppendPattern(_ context.Context, service string, pattern breaker.Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[service] = append(s.patterns[service], pattern.Kind)
	return nil
}

// Alerts returns the alerts recorded for service, in append order.
func (s *Store) Alerts(service string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.alerts[service]...)
}
