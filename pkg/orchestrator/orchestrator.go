// Package orchestrator drives a batch of vocabulary entries through the
// two-stage executor with a bounded worker pool, checkpointing progress
// as it goes so an interrupted run can resume.
package orchestrator

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	appErrors "github.com/RexRenatus/korean-flashcard-pipeline-sub004/internal/errors"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/collector"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/domain"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/metrics"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/pipeline"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/store"
)

// Batch is the input to a run: a stable batch identifier plus the
// ordered entries to process.
type Batch struct {
	ID      string
	Entries iter.Seq[domain.VocabularyEntry]
	Total   uint32
}

// Sink receives one result per position, in strictly increasing
// position order.
type Sink interface {
	Write(position uint32, artifact *domain.Artifact, err error) error
}

// Options configures one Run call.
type Options struct {
	Concurrency    int
	EntryTimeout   time.Duration
	Stage1Deadline time.Duration
	Stage2Deadline time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.EntryTimeout <= 0 {
		o.EntryTimeout = 2 * time.Minute
	}
	if o.Stage1Deadline <= 0 {
		o.Stage1Deadline = 30 * time.Second
	}
	if o.Stage2Deadline <= 0 {
		o.Stage2Deadline = 30 * time.Second
	}
	return o
}

// Orchestrator coordinates a worker pool against a pipeline.Executor,
// checkpointing every entry's lifecycle through a store.TaskStore and
// restoring positional order through a collector.Collector before
// handing results to the caller's Sink.
type Orchestrator struct {
	Executor *pipeline.Executor
	Tasks    store.TaskStore
	Log      *logrus.Logger

	// Metrics, if set, records worker/checkpoint observability. A nil
	// Metrics gets a private isolated registry lazily, matching every
	// other component's nil-metrics default.
	Metrics *metrics.Collectors

	runMu   sync.Mutex
	running *runState
}

// runState is the live, mutex-guarded view of the batch Run currently in
// flight, read by Snapshot concurrently with the worker pool.
type runState struct {
	batchID    string
	coll       *collector.Collector
	progress   *domain.BatchProgress
	progressMu *sync.Mutex
}

// Stats is a point-in-time snapshot of an Orchestrator's activity,
// aggregating the executor's retry counters and the collector's
// reordering queue depth with the batch's progress counters.
type Stats struct {
	BatchID   string
	Progress  domain.BatchProgress
	Collector collector.Stats
	Executor  pipeline.Stats
}

// Snapshot reports the state of whichever batch Run is currently
// executing. It reports a zero Stats when no Run is in flight.
func (o *Orchestrator) Snapshot() Stats {
	o.runMu.Lock()
	rs := o.running
	o.runMu.Unlock()

	var s Stats
	if o.Executor != nil {
		s.Executor = o.Executor.Snapshot()
	}
	if rs == nil {
		return s
	}

	s.BatchID = rs.batchID
	s.Collector = rs.coll.Snapshot()
	rs.progressMu.Lock()
	s.Progress = *rs.progress
	rs.progressMu.Unlock()
	return s
}

// Run processes every entry in batch, writing results to sink in
// position order, and returns the final progress summary. Cancelling
// ctx stops the input loop from enqueuing further entries; in-flight
// workers observe the cancellation at their next suspension point,
// record their current entry as Cancelled, and exit. The drainer
// flushes whatever ordered prefix is already buffered before
// returning.
func (o *Orchestrator) Run(ctx context.Context, batch Batch, sink Sink, opts Options) (domain.BatchProgress, error) {
	opts = opts.withDefaults()
	o.metrics() // ensure Metrics is initialized before workers start, so processEntry never races on the lazy default

	progress := domain.BatchProgress{
		BatchID:   batch.ID,
		Total:     batch.Total,
		StartedAt: time.Now(),
	}
	var progressMu sync.Mutex

	coll := collector.New(opts.Concurrency * 2)
	coll.SetExpected(batch.Total)

	o.runMu.Lock()
	o.running = &runState{batchID: batch.ID, coll: coll, progress: &progress, progressMu: &progressMu}
	o.runMu.Unlock()
	defer func() {
		o.runMu.Lock()
		o.running = nil
		o.runMu.Unlock()
	}()

	input := make(chan domain.VocabularyEntry, opts.Concurrency)
	o.metrics().SetEntriesAwaitingRetry(0)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(input)
		for entry := range batch.Entries {
			select {
			case input <- entry:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})

	for i := 0; i < opts.Concurrency; i++ {
		g.Go(func() error {
			o.worker(gctx, batch.ID, input, coll, opts, &progress, &progressMu)
			return nil
		})
	}

	drainerDone := make(chan struct{})
	go func() {
		defer close(drainerDone)
		o.drain(ctx, coll, sink, batch.Total)
	}()

	err := g.Wait()
	coll.Close()
	<-drainerDone

	ended := time.Now()
	progress.EndedAt = &ended

	if err != nil {
		return progress, err
	}
	return progress, nil
}

func (o *Orchestrator) worker(ctx context.Context, batchID string, input <-chan domain.VocabularyEntry, coll *collector.Collector, opts Options, progress *domain.BatchProgress, progressMu *sync.Mutex) {
	for entry := range input {
		o.processEntry(ctx, batchID, entry, coll, opts, progress, progressMu)
	}
}

func (o *Orchestrator) processEntry(ctx context.Context, batchID string, entry domain.VocabularyEntry, coll *collector.Collector, opts Options, progress *domain.BatchProgress, progressMu *sync.Mutex) {
	o.metrics().IncrementActiveWorkers()
	defer o.metrics().DecrementActiveWorkers()

	if err := o.Tasks.UpsertTask(ctx, batchID, entry.Position, store.TaskProcessing, 0, ""); err != nil {
		o.recordCheckpoint("write_error")
		o.Log.WithError(err).Warn("checkpoint write failed before processing entry")
	} else {
		o.recordCheckpoint("ok")
	}

	entryCtx, cancel := context.WithTimeout(ctx, opts.EntryTimeout)
	defer cancel()

	artifact, runErr := o.Executor.Run(entryCtx, entry, pipeline.Options{
		Stage1Deadline: opts.Stage1Deadline,
		Stage2Deadline: opts.Stage2Deadline,
	})

	if runErr == nil {
		runErr = ctx.Err()
	}
	if runErr != nil && entryCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		runErr = appErrors.NewEntryTimeoutError(fmt.Sprintf("entry %d", entry.Position))
	}
	if runErr != nil && ctx.Err() != nil {
		runErr = appErrors.NewCancelledError(fmt.Sprintf("entry %d", entry.Position))
	}

	status := store.TaskCompleted
	delta := store.ProgressDelta{}
	errorKind := ""
	switch {
	case runErr == nil:
		delta.CompletedDelta = 1
		if artifact.FromCache {
			delta.FromCacheDelta = 1
		}
	case appErrors.GetType(runErr) == appErrors.ErrorTypeCancelled:
		// ctx was cancelled mid-flight (shutdown, caller timeout) rather
		// than the entry itself failing — Resume should retry these, not
		// treat them as a permanent rejection.
		status = store.TaskCancelled
		delta.CancelledDelta = 1
		errorKind = string(appErrors.ErrorTypeCancelled)
	default:
		status = store.TaskFailed
		delta.FailedDelta = 1
		errorKind = string(appErrors.GetType(runErr))
	}

	if err := o.Tasks.UpsertTask(ctx, batchID, entry.Position, status, 0, errorKind); err != nil {
		o.recordCheckpoint("write_error")
		o.Log.WithError(err).Warn("checkpoint write failed after processing entry")
	} else {
		o.recordCheckpoint("ok")
	}
	if err := o.Tasks.UpdateProgress(ctx, batchID, delta); err != nil {
		o.Log.WithError(err).Warn("progress update failed")
	}

	progressMu.Lock()
	progress.Completed += delta.CompletedDelta
	progress.Failed += delta.FailedDelta
	progress.Cancelled += delta.CancelledDelta
	progress.FromCache += delta.FromCacheDelta
	progressMu.Unlock()

	result := collector.Result{Position: entry.Position, Err: runErr}
	if runErr == nil {
		result.Artifact = artifact
	}
	coll.Submit(ctx, entry.Position, result)
}

// metrics returns o.Metrics, or a private isolated registry the first
// time it's needed, so an Orchestrator built without one still records
// safely instead of nil-panicking on every call site.
func (o *Orchestrator) metrics() *metrics.Collectors {
	if o.Metrics == nil {
		o.Metrics = metrics.New(prometheus.NewRegistry())
	}
	return o.Metrics
}

func (o *Orchestrator) recordCheckpoint(status string) {
	o.metrics().RecordCheckpointWrite(status)
}

func (o *Orchestrator) drain(ctx context.Context, coll *collector.Collector, sink Sink, total uint32) {
	var written uint32
	for result := range coll.Stream(ctx) {
		var artifactPtr *domain.Artifact
		if result.Err == nil {
			a := result.Artifact
			artifactPtr = &a
		}
		if err := sink.Write(result.Position, artifactPtr, result.Err); err != nil {
			o.Log.WithError(err).Error("sink write failed")
		}
		written++
		if total > 0 && written >= total {
			return
		}
	}
}

// Resume replays a batch, enqueuing only entries whose checkpointed
// status is not already "completed" — cache hits on the re-run are the
// common case since fingerprints are deterministic.
func (o *Orchestrator) Resume(ctx context.Context, batchID string, allEntries []domain.VocabularyEntry, sink Sink, opts Options) (domain.BatchProgress, error) {
	rows, err := o.Tasks.LoadBatch(ctx, batchID)
	if err != nil {
		return domain.BatchProgress{}, fmt.Errorf("orchestrator: load batch for resume: %w", err)
	}

	completed := make(map[uint32]bool)
	for row := range rows {
		if row.Status == store.TaskCompleted {
			completed[row.Position] = true
		}
	}

	pending := make([]domain.VocabularyEntry, 0, len(allEntries))
	for _, e := range allEntries {
		if !completed[e.Position] {
			pending = append(pending, e)
		}
	}

	batch := Batch{
		ID:      batchID,
		Total:   uint32(len(pending)),
		Entries: func(yield func(domain.VocabularyEntry) bool) {
			for _, e := range pending {
				if !yield(e) {
					return
				}
			}
		},
	}
	return o.Run(ctx, batch, sink, opts)
}
