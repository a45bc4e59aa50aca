// Package llm is the boundary between the pipeline core and whichever
// remote model backend a deployment is configured for: the rest of the
// system only ever sees the Client interface, never a provider SDK.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	appErrors "github.com/RexRenatus/korean-flashcard-pipeline-sub004/internal/errors"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/internal/config"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/domain"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/metrics"
)

// InvokeOptions carries the per-call generation parameters layered on
// top of the client's static configuration.
type InvokeOptions struct {
	MaxTokens   int
	Temperature float32
	// SystemPrompt, when non-empty, is sent as the system/instructions
	// turn ahead of Prompt.
	SystemPrompt string
}

// Client is the single entry point every stage of the pipeline calls
// through. Implementations must classify failures into the §7 taxonomy
// (network, timeout, 5xx, rate-limited, 4xx) via internal/errors rather
// than returning raw SDK errors.
type Client interface {
	Invoke(ctx context.Context, prompt string, opts InvokeOptions) (text string, usage domain.TokenUsage, err error)
}

// InvokeFunc adapts a bare function to the Client interface, the way
// http.HandlerFunc adapts a function to http.Handler. Used by the
// pipeline's tests and by callers that only need a stateless wrapper
// around an existing Client (e.g. to inject latency or fault
// injection).
type InvokeFunc func(ctx context.Context, prompt string, opts InvokeOptions) (string, domain.TokenUsage, error)

func (f InvokeFunc) Invoke(ctx context.Context, prompt string, opts InvokeOptions) (string, domain.TokenUsage, error) {
	return f(ctx, prompt, opts)
}

// NewClient builds the Client named by cfg.Provider, exactly the
// dispatch the teacher's ai/llm.NewClient performs over config.LLMConfig.
// A nil m gets its own isolated registry, matching every other
// component's nil-metrics default.
func NewClient(cfg config.LLMConfig, logger *logrus.Logger, m *metrics.Collectors) (Client, error) {
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	switch cfg.Provider {
	case "anthropic":
		return newAnthropicClient(cfg, logger, m)
	case "openrouter", "bedrock", "vertex", "localai":
		return newLangchainClient(cfg, logger, m)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// classifyHTTPStatus turns a provider HTTP status code into the §7
// taxonomy, shared by both backends so "a 429 is a 429" regardless of
// which SDK reported it.
func classifyHTTPStatus(statusCode int, cause error, retryAfter time.Duration) error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return appErrors.NewRateLimitedError(retryAfter)
	case statusCode >= 500:
		return appErrors.NewServer5xxError(statusCode, cause)
	case statusCode >= 400:
		return appErrors.NewClient4xxError(statusCode, cause)
	default:
		return appErrors.NewNetworkError(cause)
	}
}

func recordAndClassify(m *metrics.Collectors, provider string, start time.Time, statusCode int, cause error, retryAfter time.Duration) error {
	m.RecordLLMAPICall(provider)
	if cause == nil && statusCode < 400 {
		return nil
	}
	err := classifyHTTPStatus(statusCode, cause, retryAfter)
	m.RecordLLMAPIError(provider, string(appErrors.GetType(err)))
	_ = start
	return err
}
