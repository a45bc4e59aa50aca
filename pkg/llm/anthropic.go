package llm

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	appErrors "github.com/RexRenatus/korean-flashcard-pipeline-sub004/internal/errors"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/internal/config"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/domain"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/metrics"
)

type anthropicClient struct {
	sdk         anthropic.Client
	model       string
	maxTokens   int
	temperature float32
	log         logrus.FieldLogger
	metrics     *metrics.Collectors
}

func newAnthropicClient(cfg config.LLMConfig, logger *logrus.Logger, m *metrics.Collectors) (Client, error) {
	if cfg.Model == "" {
		return nil, errors.New("anthropic provider requires a model")
	}

	opts := []option.RequestOption{}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}

	return &anthropicClient{
		sdk:         anthropic.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		log:         logger,
		metrics:     m,
	}, nil
}

func (c *anthropicClient) Invoke(ctx context.Context, prompt string, opts InvokeOptions) (string, domain.TokenUsage, error) {
	start := time.Now()

	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = int64(c.maxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: opts.SystemPrompt}}
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		statusCode, retryAfter := anthropicErrorDetails(err)
		return "", domain.TokenUsage{}, recordAndClassify(c.metrics, "anthropic", start, statusCode, err, retryAfter)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	usage := domain.TokenUsage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}

	if text == "" {
		return "", usage, appErrors.NewParseError("stage", errors.New("anthropic response contained no text block"))
	}

	recordAndClassify(c.metrics, "anthropic", start, 200, nil, 0)
	return text, usage, nil
}

// anthropicErrorDetails extracts an HTTP status code from an SDK error,
// defaulting to a bare network failure (status 0) when the error isn't
// an *anthropic.Error (e.g. a dial timeout). It reads no retry-after
// hint: the returned retryAfter is always zero.
func anthropicErrorDetails(err error) (statusCode int, retryAfter time.Duration) {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, 0
	}
	return 0, 0
}
