// Command flashcards runs the concurrent two-stage pipeline over a batch
// of Korean vocabulary terms, matching the subcommand shape of the
// original CLI: process, resume, cache-stats.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/internal/config"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/breaker"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/cache"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/cache/diskstore"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/llm"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/metrics"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/orchestrator"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/pipeline"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/ratelimit"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/retry"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/store"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/store/memstore"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/store/sqlstore"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "process":
		err = runProcess(os.Args[2:])
	case "resume":
		err = runResume(os.Args[2:])
	case "cache-stats":
		err = runCacheStats(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "flashcards:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: flashcards <process|resume|cache-stats> [flags]")
}

func runProcess(args []string) error {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to the pipeline config file")
	input := fs.String("input", "", "TSV file of term\\tkind rows")
	output := fs.String("output", "", "TSV file to write results to (defaults to stdout)")
	batchID := fs.String("batch-id", "", "stable batch identifier (generated if empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return fmt.Errorf("process: -input is required")
	}
	if *batchID == "" {
		*batchID = uuid.NewString()
	}

	entries, err := readEntries(*input)
	if err != nil {
		return err
	}

	env, err := newEnvironment(*configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	out, closeOut, err := openOutput(*output)
	if err != nil {
		return err
	}
	defer closeOut()

	sink := newTSVSink(out)
	batch := orchestrator.Batch{ID: *batchID, Entries: entriesSeq(entries), Total: uint32(len(entries))}
	opts := orchestrator.Options{
		Concurrency:    env.cfg.Pipeline.Concurrency,
		EntryTimeout:   env.cfg.Pipeline.EntryTimeout.Duration(),
		Stage1Deadline: env.cfg.LLM.Timeout.Duration(),
		Stage2Deadline: env.cfg.LLM.Timeout.Duration(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress, err := env.orch.Run(ctx, batch, sink, opts)
	if err != nil {
		return err
	}
	env.log.WithFields(progressFields(progress)).Info("batch finished")
	return nil
}

func runResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to the pipeline config file")
	input := fs.String("input", "", "TSV file of term\\tkind rows for the original batch")
	output := fs.String("output", "", "TSV file to write results to (defaults to stdout)")
	batchID := fs.String("batch-id", "", "batch identifier to resume")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" || *batchID == "" {
		return fmt.Errorf("resume: -input and -batch-id are both required")
	}

	entries, err := readEntries(*input)
	if err != nil {
		return err
	}

	env, err := newEnvironment(*configPath)
	if err != nil {
		return err
	}
	defer env.Close()
	if !env.cfg.Pipeline.CheckpointEnabled {
		return fmt.Errorf("resume: checkpoint_enabled is false in %s; nothing to resume from", *configPath)
	}

	out, closeOut, err := openOutput(*output)
	if err != nil {
		return err
	}
	defer closeOut()

	sink := newTSVSink(out)
	opts := orchestrator.Options{
		Concurrency:    env.cfg.Pipeline.Concurrency,
		EntryTimeout:   env.cfg.Pipeline.EntryTimeout.Duration(),
		Stage1Deadline: env.cfg.LLM.Timeout.Duration(),
		Stage2Deadline: env.cfg.LLM.Timeout.Duration(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress, err := env.orch.Resume(ctx, *batchID, entries, sink, opts)
	if err != nil {
		return err
	}
	env.log.WithFields(progressFields(progress)).Info("resume finished")
	return nil
}

func runCacheStats(args []string) error {
	fs := flag.NewFlagSet("cache-stats", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to the pipeline config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	l2, err := diskstore.New(cfg.Cache.Root)
	if err != nil {
		return err
	}
	c, err := cache.New(l2, cfg.Cache.L1MaxEntries, cfg.Cache.L1MaxBytes)
	if err != nil {
		return err
	}

	stats := c.Stats()
	fmt.Printf("l1_entries\t%d\n", stats.L1Entries)
	fmt.Printf("l1_bytes\t%d\n", stats.L1Bytes)
	fmt.Printf("l1_max_bytes\t%d\n", stats.L1MaxBytes)
	return nil
}

// environment wires every long-lived component one full run needs, so
// process and resume share identical setup/teardown.
type environment struct {
	cfg   *config.Config
	log   *logrus.Logger
	orch  *orchestrator.Orchestrator
	tasks store.TaskStore

	limiter    *ratelimit.Limiter
	breakerReg *breaker.Registry
	sqlCloser  *sqlstore.Store
	metricsSrv *metrics.Server
}

func newEnvironment(configPath string) (*environment, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	reg := prometheus.NewRegistry()
	mcs := metrics.New(reg)

	l2, err := diskstore.New(cfg.Cache.Root)
	if err != nil {
		return nil, fmt.Errorf("open L2 cache store: %w", err)
	}
	tieredCache, err := cache.New(l2, cfg.Cache.L1MaxEntries, cfg.Cache.L1MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("build tiered cache: %w", err)
	}
	tieredCache.SetMetrics(mcs)

	invoke, err := llm.NewClient(cfg.LLM, log, mcs)
	if err != nil {
		return nil, fmt.Errorf("build LLM client: %w", err)
	}

	var tasks store.TaskStore
	var sqlCloser *sqlstore.Store
	if cfg.Pipeline.CheckpointEnabled {
		s, err := sqlstore.Open(cfg.Pipeline.CheckpointDSN)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		tasks, sqlCloser = s, s
	} else {
		tasks = memstore.New()
	}

	var durationPolicy breaker.BreakDurationPolicy
	if cfg.Breaker.DurationPolicy == "fixed" {
		durationPolicy = breaker.FixedBreakDuration(cfg.Breaker.BreakDuration.Duration())
	} else {
		durationPolicy = breaker.ExponentialBreakDuration(cfg.Breaker.BreakDuration.Duration(), cfg.Breaker.MaxBreakDuration.Duration())
	}

	registry := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		MinThroughput:    cfg.Breaker.MinThroughput,
		Window:           cfg.Breaker.Window.Duration(),
		BreakDuration:    cfg.Breaker.BreakDuration.Duration(),
		MaxProbes:        cfg.Breaker.MaxProbes,
		DurationPolicy:   durationPolicy,
		Logger:           log,
		Metrics:          mcs,
	})

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerPeriod: cfg.RateLimiter.RequestsPerPeriod,
		Period:            cfg.RateLimiter.Period.Duration(),
		Burst:             cfg.RateLimiter.Burst,
		Shards:            cfg.RateLimiter.Shards,
		Adaptive:          cfg.RateLimiter.Adaptive,
		RebalanceRatio:    cfg.RateLimiter.RebalanceRatio,
		RebalanceInterval: cfg.RateLimiter.RebalanceInterval.Duration(),
		Logger:            log,
		Metrics:           mcs,
	})

	exec := &pipeline.Executor{
		Limiter:       limiter,
		Breaker:       registry,
		RetryCfg:      retry.Config{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, Base: 2, Jitter: true, Tracker: retry.NewTracker()},
		Cache:         tieredCache,
		Invoke:        invoke,
		Prompts:       pipeline.DefaultPrompts{},
		ModelID:       cfg.LLM.Model,
		PromptVersion: cfg.Pipeline.PromptVersion,
		Service:       cfg.LLM.Provider,
		Log:           log,
		Metrics:       mcs,
	}

	orch := &orchestrator.Orchestrator{Executor: exec, Tasks: tasks, Log: log, Metrics: mcs}

	metricsSrv := metrics.NewServer(cfg.Metrics.Port, reg, log)
	metricsSrv.StartAsync()

	return &environment{
		cfg:        cfg,
		log:        log,
		orch:       orch,
		tasks:      tasks,
		limiter:    limiter,
		breakerReg: registry,
		sqlCloser:  sqlCloser,
		metricsSrv: metricsSrv,
	}, nil
}

func (e *environment) Close() {
	e.limiter.Close()
	e.breakerReg.Close()
	if e.sqlCloser != nil {
		e.sqlCloser.Close()
	}
	if e.metricsSrv != nil {
		_ = e.metricsSrv.Stop(context.Background())
	}
}
