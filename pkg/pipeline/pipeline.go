// Package pipeline composes the rate limiter, circuit breaker, retry
// executor and tiered cache into the two-stage request executor a
// single vocabulary entry runs through.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/RexRenatus/korean-flashcard-pipeline-sub004/internal/errors"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/breaker"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/cache"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/domain"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/fingerprint"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/llm"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/metrics"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/ratelimit"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/retry"
)

// Options configures per-stage suspension points for one Run call.
type Options struct {
	// Stage1Deadline/Stage2Deadline bound how long the rate limiter's
	// Acquire may wait before each stage's call, per spec.md §4.E's
	// "deadline=T1"/"deadline=T2".
	Stage1Deadline time.Duration
	Stage2Deadline time.Duration
}

// Executor runs the two-stage composition for a single VocabularyEntry:
// fingerprint, cache, rate-limit, circuit-break, retry, invoke, parse —
// twice, with stage 2 depending on stage 1's parsed output.
type Executor struct {
	Limiter       *ratelimit.Limiter
	Breaker       *breaker.Registry
	RetryCfg      retry.Config
	Cache         *cache.TieredCache
	Invoke        llm.Client
	Prompts       PromptBuilder
	ModelID       string
	PromptVersion string
	// Service names the rate-limiter key and breaker service scope both
	// stages share — the remote model endpoint they're both mediating
	// access to (spec.md §5 "all access is mediated by A+B").
	Service string
	Log     *logrus.Logger

	// Metrics, if set, records stage/entry/error observability. A nil
	// Metrics silently skips recording rather than panicking, so tests
	// that build an Executor by hand don't all need to thread one through.
	Metrics *metrics.Collectors
}

// Stats is a point-in-time snapshot of an Executor's activity.
type Stats struct {
	Retry retry.Stats
}

// Snapshot reports the retry executor's accumulated counters for this
// Executor's RetryCfg.Tracker. A nil Tracker reports a zero Stats.
func (e *Executor) Snapshot() Stats {
	if e.RetryCfg.Tracker == nil {
		return Stats{}
	}
	return Stats{Retry: e.RetryCfg.Tracker.Snapshot()}
}

// Run executes both stages for entry and returns the resulting
// artifact. A stage-1 cache hit with a stage-2 miss — the common
// retry/resume case — only re-runs stage 2.
func (e *Executor) Run(ctx context.Context, entry domain.VocabularyEntry, opts Options) (domain.Artifact, error) {
	fp1, err := fingerprint.Compute(fingerprint.Input{
		Term: entry.Term, Kind: entry.Kind, Stage: fingerprint.Stage1,
		ModelID: e.ModelID, PromptVersion: e.PromptVersion,
	})
	if err != nil {
		return domain.Artifact{}, appErrors.NewInvariantError("compute stage1 fingerprint: " + err.Error())
	}

	stage1FromCache := true
	var usage1 domain.TokenUsage
	stage1Bytes, err := e.Cache.GetOrCompute(ctx, fp1, func(ctx context.Context) ([]byte, error) {
		stage1FromCache = false
		timer := e.newTimer()
		system, prompt := e.Prompts.Stage1(entry)
		text, usage, err := e.callStage(ctx, "stage1", prompt, system, opts.Stage1Deadline)
		if err != nil {
			e.recordStageError("stage1", err)
			return nil, err
		}
		usage1 = usage

		parsed, err := parseStage1(text)
		if err != nil {
			e.recordStageError("stage1", err)
			return nil, appErrors.NewParseError("stage1", err)
		}
		timer.RecordStage("stage1")
		return json.Marshal(parsed)
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	if stage1FromCache && e.Metrics != nil {
		e.Metrics.RecordSkippedEntry("stage1_cache_hit")
	}

	var stage1 Stage1Output
	if err := json.Unmarshal(stage1Bytes, &stage1); err != nil {
		return domain.Artifact{}, appErrors.NewInvariantError("unmarshal cached stage1 output: " + err.Error())
	}

	fp2, err := fingerprint.Compute(fingerprint.Input{
		Term: entry.Term, Kind: entry.Kind, Stage: fingerprint.Stage2,
		ModelID: e.ModelID, PromptVersion: e.PromptVersion, Extra: stage1,
	})
	if err != nil {
		return domain.Artifact{}, appErrors.NewInvariantError("compute stage2 fingerprint: " + err.Error())
	}

	fromCache := true
	var usage2 domain.TokenUsage
	stage2Bytes, err := e.Cache.GetOrCompute(ctx, fp2, func(ctx context.Context) ([]byte, error) {
		fromCache = false
		timer := e.newTimer()
		system, prompt := e.Prompts.Stage2(entry, stage1)
		text, usage, err := e.callStage(ctx, "stage2", prompt, system, opts.Stage2Deadline)
		if err != nil {
			e.recordStageError("stage2", err)
			return nil, err
		}
		usage2 = usage

		parsed, err := parseStage2(text)
		if err != nil {
			e.recordStageError("stage2", err)
			return nil, appErrors.NewParseError("stage2", err)
		}
		timer.RecordStage("stage2")
		return json.Marshal(parsed)
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	if fromCache && e.Metrics != nil {
		e.Metrics.RecordSkippedEntry("stage2_cache_hit")
	}
	if e.Metrics != nil {
		e.Metrics.RecordEntry()
	}

	return domain.Artifact{
		Fingerprint: fp2,
		Payload:     stage2Bytes,
		CreatedAt:   time.Now(),
		TokenUsage: domain.TokenUsage{
			PromptTokens:     usage1.PromptTokens + usage2.PromptTokens,
			CompletionTokens: usage1.CompletionTokens + usage2.CompletionTokens,
			TotalTokens:      usage1.TotalTokens + usage2.TotalTokens,
		},
		FromCache: fromCache,
	}, nil
}

// newTimer starts a metrics timer bound to e.Metrics, or a nil-safe
// no-op timer when no Metrics is configured.
func (e *Executor) newTimer() *metrics.Timer {
	if e.Metrics == nil {
		return nil
	}
	return e.Metrics.NewTimer()
}

func (e *Executor) recordStageError(stage string, err error) {
	if e.Metrics == nil {
		return
	}
	e.Metrics.RecordStageError(stage, string(appErrors.GetType(err)))
}

// callStage is the rate-limit → circuit-break → retry → invoke chain
// shared by both stages. CircuitOpen bubbles up immediately (the
// breaker sits outside retry.Do, never passed through it); Parse
// errors are produced by the caller after this returns, so they're
// likewise never retried here.
func (e *Executor) callStage(ctx context.Context, stageLabel, prompt, systemPrompt string, deadline time.Duration) (string, domain.TokenUsage, error) {
	acquireDeadline := time.Now().Add(deadline)
	if deadline <= 0 {
		acquireDeadline = time.Now().Add(time.Minute)
	}
	if _, err := e.Limiter.Acquire(e.Service, 1, acquireDeadline); err != nil {
		return "", domain.TokenUsage{}, err
	}

	type invokeResult struct {
		text  string
		usage domain.TokenUsage
	}

	result, err := e.Breaker.Call(ctx, e.Service, func(ctx context.Context) (any, error) {
		return retry.Do(ctx, e.RetryCfg, func(ctx context.Context) (invokeResult, error) {
			text, usage, err := e.Invoke.Invoke(ctx, prompt, llm.InvokeOptions{SystemPrompt: systemPrompt})
			if err != nil {
				return invokeResult{}, err
			}
			return invokeResult{text: text, usage: usage}, nil
		})
	})
	if err != nil {
		return "", domain.TokenUsage{}, err
	}

	ir := result.(invokeResult)
	return ir.text, ir.usage, nil
}
