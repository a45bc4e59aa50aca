// Package store defines the persistence contracts the orchestrator and
// circuit breaker depend on, independent of backend: an in-memory
// implementation for tests and single-shot runs (store/memstore), and a
// SQL-backed implementation for durable checkpointing (store/sqlstore).
package store

import (
	"context"
	"iter"
	"time"
)

// TaskStatus is the per-entry lifecycle state persisted for resume.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskRow is one persisted checkpoint row for a batch. ErrorKind is set
// only for Failed and Cancelled rows, carrying the classification from
// the error taxonomy (internal/errors) so a resumed run can tell a
// transient failure from a permanently rejected one without re-deriving
// it from a stringified error message.
type TaskRow struct {
	BatchID   string
	Position  uint32
	Status    TaskStatus
	Attempt   uint16
	ErrorKind string
	UpdatedAt time.Time
}

// ProgressDelta is an incremental update to a batch's BatchProgress
// counters, applied atomically by the store so concurrent workers never
// race on a read-modify-write of the aggregate.
type ProgressDelta struct {
	CompletedDelta uint32
	FailedDelta    uint32
	CancelledDelta uint32
	FromCacheDelta uint32
}

// TaskStore persists per-entry checkpoint rows and aggregate batch
// progress, so an interrupted run can resume from the last durable
// state instead of reprocessing a whole batch.
type TaskStore interface {
	UpsertTask(ctx context.Context, batchID string, position uint32, status TaskStatus, attempt uint16, errorKind string) error
	LoadBatch(ctx context.Context, batchID string) (iter.Seq[TaskRow], error)
	UpdateProgress(ctx context.Context, batchID string, delta ProgressDelta) error
}
