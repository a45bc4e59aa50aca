// Package sqlstore is the durable TaskStore/BreakerStore backend: a
// SQLite database managed with goose migrations and accessed through
// sqlx, mirroring the teacher's pairing of a real driver with
// hand-rolled SQL over a heavier ORM.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"iter"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/breaker"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a sqlx-backed store.TaskStore and breaker.BreakerStore.
type Store struct {
	db *sqlx.DB
}

var _ store.TaskStore = (*Store)(nil)
var _ breaker.BreakerStore = (*Store)(nil)

// Open opens (creating if necessary) the SQLite database at dsn and
// applies any pending goose migrations before returning.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: set dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) UpsertTask(ctx context.Context, batchID string, position uint32, status store.TaskStatus, attempt uint16, errorKind string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (batch_id, position, status, attempt, error_kind, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(batch_id, position) DO UPDATE SET
			status = excluded.status,
			attempt = excluded.attempt,
			error_kind = excluded.error_kind,
			updated_at = excluded.updated_at
	`, batchID, position, string(status), attempt, nullableString(errorKind), time.Now())
	if err != nil {
		return fmt.Errorf("sqlstore: upsert task: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type taskRowScan struct {
	BatchID   string         `db:"batch_id"`
	Position  uint32         `db:"position"`
	Status    string         `db:"status"`
	Attempt   uint16         `db:"attempt"`
	ErrorKind sql.NullString `db:"error_kind"`
	UpdatedAt time.Time      `db:"updated_at"`
}

func (s *Store) LoadBatch(ctx context.Context, batchID string) (iter.Seq[store.TaskRow], error) {
	var rows []taskRowScan
	err := s.db.SelectContext(ctx, &rows, `
		SELECT batch_id, position, status, attempt, error_kind, updated_at
		FROM tasks
		WHERE batch_id = ?
		ORDER BY position ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load batch: %w", err)
	}

	return func(yield func(store.TaskRow) bool) {
		for _, r := range rows {
			row := store.TaskRow{
				BatchID:   r.BatchID,
				Position:  r.Position,
				Status:    store.TaskStatus(r.Status),
				Attempt:   r.Attempt,
				ErrorKind: r.ErrorKind.String,
				UpdatedAt: r.UpdatedAt,
			}
			if !yield(row) {
				return
			}
		}
	}, nil
}

func (s *Store) UpdateProgress(ctx context.Context, batchID string, delta store.ProgressDelta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_progress (batch_id, completed_delta, failed_delta, cancelled_delta, from_cache_delta)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(batch_id) DO UPDATE SET
			completed_delta = completed_delta + excluded.completed_delta,
			failed_delta = failed_delta + excluded.failed_delta,
			cancelled_delta = cancelled_delta + excluded.cancelled_delta,
			from_cache_delta = from_cache_delta + excluded.from_cache_delta
	`, batchID, delta.CompletedDelta, delta.FailedDelta, delta.CancelledDelta, delta.FromCacheDelta)
	if err != nil {
		return fmt.Errorf("sqlstore: update progress: %w", err)
	}
	return nil
}

func (s *Store) SaveState(ctx context.Context, service string, state breaker.PersistedState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO breaker_states (service, state, opened_at, break_duration_ns, window_started_at, success_count, failure_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			state = excluded.state,
			opened_at = excluded.opened_at,
			break_duration_ns = excluded.break_duration_ns,
			window_started_at = excluded.window_started_at,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count
	`, service, state.State.String(), state.OpenedAt, state.BreakDuration.Nanoseconds(),
		state.WindowStartedAt, state.SuccessCount, state.FailureCount)
	if err != nil {
		return fmt.Errorf("sqlstore: save breaker state: %w", err)
	}
	return nil
}

func (s *Store) LoadState(ctx context.Context, service string) (breaker.PersistedState, bool, error) {
	var row struct {
		State           string    `db:"state"`
		OpenedAt        time.Time `db:"opened_at"`
		BreakDurationNs int64     `db:"break_duration_ns"`
		WindowStartedAt time.Time `db:"window_started_at"`
		SuccessCount    int       `db:"success_count"`
		FailureCount    int       `db:"failure_count"`
	}

	err := s.db.GetContext(ctx, &row, `
		SELECT state, opened_at, break_duration_ns, window_started_at, success_count, failure_count
		FROM breaker_states WHERE service = ?
	`, service)
	if err == sql.ErrNoRows {
		return breaker.PersistedState{}, false, nil
	}
	if err != nil {
		return breaker.PersistedState{}, false, fmt.Errorf("sqlstore: load breaker state: %w", err)
	}

	return breaker.PersistedState{
		State: parseState(row.State), OpenedAt: row.OpenedAt, BreakDuration: time.Duration(row.BreakDurationNs),
		WindowStartedAt: row.WindowStartedAt, SuccessCount: row.SuccessCount, FailureCount: row.FailureCount,
	}, true, nil
}

func parseState(s string) breaker.State {
	switch s {
	case breaker.StateOpen.String():
		return breaker.StateOpen
	case breaker.StateHalfOpen.String():
		return breaker.StateHalfOpen
	default:
		return breaker.StateClosed
	}
}

func (s *Store) AppendAlert(ctx context.Context, service string, alert breaker.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO breaker_alerts (service, at, message) VALUES (?, ?, ?)
	`, service, alert.At, alert.Message)
	if err != nil {
		return fmt.Errorf("sqlstore: append alert: %w", err)
	}
	return nil
}

func (s *Store) AppendPattern(ctx context.Context, service string, pattern breaker.Pattern) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO breaker_patterns (service, at, kind) VALUES (?, ?, ?)
	`, service, pattern.At, string(pattern.Kind))
	if err != nil {
		return fmt.Errorf("sqlstore: append pattern: %w", err)
	}
	return nil
}
