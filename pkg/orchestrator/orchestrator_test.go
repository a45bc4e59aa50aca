package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/breaker"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/cache"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/domain"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/llm"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/llm/fake"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/pipeline"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/ratelimit"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/retry"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/store"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/store/memstore"
)

type memCacheStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCacheStore() *memCacheStore { return &memCacheStore{data: make(map[string][]byte)} }

func (m *memCacheStore) Read(_ context.Context, fp string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[fp]
	return d, ok, nil
}

func (m *memCacheStore) WriteAtomic(_ context.Context, fp string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[fp] = data
	return nil
}

func (m *memCacheStore) Delete(_ context.Context, fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, fp)
	return nil
}

type recordingSink struct {
	mu       sync.Mutex
	order    []uint32
	failures map[uint32]error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{failures: make(map[uint32]error)}
}

func (s *recordingSink) Write(position uint32, _ *domain.Artifact, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, position)
	if err != nil {
		s.failures[position] = err
	}
	return nil
}

func (s *recordingSink) positions() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.order))
	copy(out, s.order)
	return out
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

func entriesOf(terms ...string) []domain.VocabularyEntry {
	out := make([]domain.VocabularyEntry, len(terms))
	for i, t := range terms {
		out[i] = domain.VocabularyEntry{Position: uint32(i), Term: t, Kind: "noun"}
	}
	return out
}

func seqOf(entries []domain.VocabularyEntry) func(yield func(domain.VocabularyEntry) bool) {
	return func(yield func(domain.VocabularyEntry) bool) {
		for _, e := range entries {
			if !yield(e) {
				return
			}
		}
	}
}

func newOrchestrator(invoke llm.Client, breakerCfg breaker.Config) (*Orchestrator, store.TaskStore) {
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerPeriod: 1000, Period: time.Second, Burst: 1000, Shards: 1, Logger: testLogger(),
	})
	registry := breaker.New(breakerCfg)
	c, err := cache.New(newMemCacheStore(), 64, 1<<20)
	Expect(err).NotTo(HaveOccurred())

	exec := &pipeline.Executor{
		Limiter:       limiter,
		Breaker:       registry,
		RetryCfg:      retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Base: 2},
		Cache:         c,
		Invoke:        invoke,
		Prompts:       pipeline.DefaultPrompts{},
		ModelID:       "test-model",
		PromptVersion: "v1",
		Service:       "model",
		Log:           testLogger(),
	}

	tasks := memstore.New()
	return &Orchestrator{Executor: exec, Tasks: tasks, Log: testLogger()}, tasks
}

const stage1JSON = `{"term_number":1,"term":"사랑","pos":"noun","primary_meaning":"love"}`
const stage2TSV = "0\t사랑\t1\tnoun\tLove\tTo love\tsarang\tlove,noun\t"

func registerHappyResponses(invoke *fake.Client, entries []domain.VocabularyEntry) {
	for _, e := range entries {
		_, p1 := pipeline.DefaultPrompts{}.Stage1(e)
		invoke.SetResponse(p1, fake.Response{Text: stage1JSON, Usage: domain.TokenUsage{TotalTokens: 1}})
	}
	var stage1 pipeline.Stage1Output
	_ = json.Unmarshal([]byte(stage1JSON), &stage1)
	for _, e := range entries {
		_, p2 := pipeline.DefaultPrompts{}.Stage2(e, stage1)
		invoke.SetResponse(p2, fake.Response{Text: stage2TSV, Usage: domain.TokenUsage{TotalTokens: 1}})
	}
}

var _ = Describe("Orchestrator", func() {
	var entries []domain.VocabularyEntry

	BeforeEach(func() {
		entries = entriesOf("사랑", "먹다", "안녕", "감사", "학교")
	})

	It("processes every entry and emits all results in position order", func() {
		invoke := fake.New()
		registerHappyResponses(invoke, entries)
		orch, _ := newOrchestrator(invoke, breaker.Config{
			FailureThreshold: 0.9, MinThroughput: 1000, Window: time.Minute, BreakDuration: time.Second, MaxProbes: 1, Logger: testLogger(),
		})
		defer orch.Executor.Breaker.Close()
		defer orch.Executor.Limiter.Close()

		sink := newRecordingSink()
		batch := Batch{ID: "b1", Entries: seqOf(entries), Total: uint32(len(entries))}

		progress, err := orch.Run(context.Background(), batch, sink, Options{Concurrency: 3, EntryTimeout: time.Second})
		Expect(err).NotTo(HaveOccurred())
		Expect(progress.Completed).To(Equal(uint32(len(entries))))
		Expect(progress.Failed).To(Equal(uint32(0)))
		Expect(sink.positions()).To(Equal([]uint32{0, 1, 2, 3, 4}))
	})

	It("marks repeat entries as cache hits without re-invoking the model", func() {
		invoke := fake.New()
		registerHappyResponses(invoke, entries)
		orch, _ := newOrchestrator(invoke, breaker.Config{
			FailureThreshold: 0.9, MinThroughput: 1000, Window: time.Minute, BreakDuration: time.Second, MaxProbes: 1, Logger: testLogger(),
		})
		defer orch.Executor.Breaker.Close()
		defer orch.Executor.Limiter.Close()

		sink := newRecordingSink()
		batch := Batch{ID: "b1", Entries: seqOf(entries), Total: uint32(len(entries))}

		_, err := orch.Run(context.Background(), batch, sink, Options{Concurrency: 2, EntryTimeout: time.Second})
		Expect(err).NotTo(HaveOccurred())
		firstCalls := invoke.Calls()

		sink2 := newRecordingSink()
		progress, err := orch.Run(context.Background(), batch, sink2, Options{Concurrency: 2, EntryTimeout: time.Second})
		Expect(err).NotTo(HaveOccurred())
		Expect(progress.FromCache).To(Equal(uint32(len(entries))))
		Expect(invoke.Calls()).To(Equal(firstCalls), "no new invocations on a fully cache-warm rerun")
	})

	It("fails entries once the circuit opens instead of hanging", func() {
		invoke := fake.New()
		invoke.Default = fake.Response{Err: assertionError{"boom"}}
		orch, _ := newOrchestrator(invoke, breaker.Config{
			FailureThreshold: 0.1, MinThroughput: 1, Window: time.Minute, BreakDuration: time.Minute, MaxProbes: 1, Logger: testLogger(),
		})
		defer orch.Executor.Breaker.Close()
		defer orch.Executor.Limiter.Close()

		sink := newRecordingSink()
		batch := Batch{ID: "b2", Entries: seqOf(entries), Total: uint32(len(entries))}

		progress, err := orch.Run(context.Background(), batch, sink, Options{Concurrency: 2, EntryTimeout: time.Second})
		Expect(err).NotTo(HaveOccurred())
		Expect(progress.Failed).To(Equal(uint32(len(entries))))
		Expect(sink.positions()).To(HaveLen(len(entries)))
	})

	It("honors cancellation by stopping new work and returning what was already ordered", func() {
		invoke := fake.New()
		registerHappyResponses(invoke, entries)
		orch, _ := newOrchestrator(invoke, breaker.Config{
			FailureThreshold: 0.9, MinThroughput: 1000, Window: time.Minute, BreakDuration: time.Second, MaxProbes: 1, Logger: testLogger(),
		})
		defer orch.Executor.Breaker.Close()
		defer orch.Executor.Limiter.Close()

		sink := newRecordingSink()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		batch := Batch{ID: "b3", Entries: seqOf(entries), Total: uint32(len(entries))}

		progress, err := orch.Run(ctx, batch, sink, Options{Concurrency: 2, EntryTimeout: time.Second})
		Expect(err).NotTo(HaveOccurred())
		Expect(progress.Cancelled + progress.Completed + progress.Failed).To(BeNumerically("<=", uint32(len(entries))))
	})

	It("checkpoints a cancelled entry as TaskCancelled so Resume retries it", func() {
		invoke := fake.New()
		registerHappyResponses(invoke, entries)
		orch, tasks := newOrchestrator(invoke, breaker.Config{
			FailureThreshold: 0.9, MinThroughput: 1000, Window: time.Minute, BreakDuration: time.Second, MaxProbes: 1, Logger: testLogger(),
		})
		defer orch.Executor.Breaker.Close()
		defer orch.Executor.Limiter.Close()

		sink := newRecordingSink()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		batch := Batch{ID: "b5", Entries: seqOf(entries), Total: uint32(len(entries))}

		_, err := orch.Run(ctx, batch, sink, Options{Concurrency: 2, EntryTimeout: time.Second})
		Expect(err).NotTo(HaveOccurred())

		rows, err := tasks.LoadBatch(context.Background(), "b5")
		Expect(err).NotTo(HaveOccurred())
		sawCancelled := false
		for row := range rows {
			Expect(row.Status).NotTo(Equal(store.TaskFailed), "a pre-cancelled run must not be recorded as a genuine failure")
			if row.Status == store.TaskCancelled {
				sawCancelled = true
				Expect(row.ErrorKind).To(Equal("cancelled"))
			}
		}
		Expect(sawCancelled).To(BeTrue())

		resumeSink := newRecordingSink()
		progress, err := orch.Resume(context.Background(), "b5", entries, resumeSink, Options{Concurrency: 2, EntryTimeout: time.Second})
		Expect(err).NotTo(HaveOccurred())
		Expect(progress.Total).To(Equal(uint32(len(entries))), "cancelled entries are not 'completed' and must be retried on resume")
	})

	It("reports a zero Snapshot when no batch is running and clears state after Run completes", func() {
		invoke := fake.New()
		registerHappyResponses(invoke, entries)
		orch, _ := newOrchestrator(invoke, breaker.Config{
			FailureThreshold: 0.9, MinThroughput: 1000, Window: time.Minute, BreakDuration: time.Second, MaxProbes: 1, Logger: testLogger(),
		})
		defer orch.Executor.Breaker.Close()
		defer orch.Executor.Limiter.Close()

		Expect(orch.Snapshot().BatchID).To(BeEmpty())

		sink := newRecordingSink()
		batch := Batch{ID: "b6", Entries: seqOf(entries), Total: uint32(len(entries))}
		_, err := orch.Run(context.Background(), batch, sink, Options{Concurrency: 2, EntryTimeout: time.Second})
		Expect(err).NotTo(HaveOccurred())

		snap := orch.Snapshot()
		Expect(snap.BatchID).To(BeEmpty(), "running state is cleared once Run returns")
	})

	It("resumes a batch by skipping entries already checkpointed as completed", func() {
		invoke := fake.New()
		registerHappyResponses(invoke, entries)
		orch, tasks := newOrchestrator(invoke, breaker.Config{
			FailureThreshold: 0.9, MinThroughput: 1000, Window: time.Minute, BreakDuration: time.Second, MaxProbes: 1, Logger: testLogger(),
		})
		defer orch.Executor.Breaker.Close()
		defer orch.Executor.Limiter.Close()

		ctx := context.Background()
		for _, e := range entries[:2] {
			Expect(tasks.UpsertTask(ctx, "b4", e.Position, store.TaskCompleted, 0, "")).To(Succeed())
		}

		sink := newRecordingSink()
		progress, err := orch.Resume(ctx, "b4", entries, sink, Options{Concurrency: 2, EntryTimeout: time.Second})
		Expect(err).NotTo(HaveOccurred())
		Expect(progress.Total).To(Equal(uint32(len(entries) - 2)))
		Expect(sink.positions()).To(ConsistOf(entries[2].Position, entries[3].Position, entries[4].Position))
	})
})

type assertionError struct{ msg string }

func (e assertionError) Error() string { return e.msg }
