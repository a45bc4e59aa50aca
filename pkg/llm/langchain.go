package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/googleai/vertex"
	"github.com/tmc/langchaingo/llms/openai"

	appErrors "github.com/RexRenatus/korean-flashcard-pipeline-sub004/internal/errors"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/internal/config"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/domain"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/metrics"
	sharedhttp "github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/shared/http"
)

// langchainClient fronts every backend langchaingo's llms.Model
// interface abstracts over: OpenAI-compatible endpoints (openrouter,
// localai), AWS Bedrock and Google Vertex. Picking the concrete
// implementation happens once, in newLangchainClient; Invoke never
// branches on provider again except to label metrics.
type langchainClient struct {
	model       llms.Model
	provider    string
	maxTokens   int
	temperature float32
	log         logrus.FieldLogger
	metrics     *metrics.Collectors
}

func newLangchainClient(cfg config.LLMConfig, logger *logrus.Logger, m *metrics.Collectors) (Client, error) {
	var (
		model llms.Model
		err   error
	)

	httpClient := sharedhttp.NewClient(sharedhttp.LLMClientConfig(cfg.Timeout.Duration()))

	switch cfg.Provider {
	case "openrouter":
		model, err = openai.New(
			openai.WithBaseURL(cfg.Endpoint),
			openai.WithModel(cfg.Model),
			openai.WithHTTPClient(httpClient),
		)
	case "localai":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:8080/v1"
		}
		model, err = openai.New(
			openai.WithBaseURL(endpoint),
			openai.WithModel(cfg.Model),
			openai.WithToken("unused"),
			openai.WithHTTPClient(httpClient),
		)
	case "bedrock":
		model, err = bedrock.New(bedrock.WithModel(cfg.Model))
	case "vertex":
		model, err = vertex.New(context.Background(), vertex.WithDefaultModel(cfg.Model))
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("construct %s model: %w", cfg.Provider, err)
	}

	return &langchainClient{
		model:       model,
		provider:    cfg.Provider,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		log:         logger,
		metrics:     m,
	}, nil
}

func (c *langchainClient) Invoke(ctx context.Context, prompt string, opts InvokeOptions) (string, domain.TokenUsage, error) {
	start := time.Now()

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temperature := float64(opts.Temperature)
	if temperature == 0 {
		temperature = float64(c.temperature)
	}

	var messages []llms.MessageContent
	if opts.SystemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, opts.SystemPrompt))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	resp, err := c.model.GenerateContent(ctx, messages,
		llms.WithMaxTokens(maxTokens),
		llms.WithTemperature(temperature),
	)
	if err != nil {
		return "", domain.TokenUsage{}, recordAndClassify(c.metrics, c.provider, start, 0, err, 0)
	}

	if len(resp.Choices) == 0 {
		return "", domain.TokenUsage{}, appErrors.NewParseError("stage", fmt.Errorf("%s returned no choices", c.provider))
	}

	choice := resp.Choices[0]
	usage := usageFromGenerationInfo(choice.GenerationInfo)

	recordAndClassify(c.metrics, c.provider, start, 200, nil, 0)
	return choice.Content, usage, nil
}

// usageFromGenerationInfo pulls token counts out of the provider's
// freeform GenerationInfo map. Not every backend populates every key;
// missing values default to zero rather than failing the call.
func usageFromGenerationInfo(info map[string]any) domain.TokenUsage {
	var usage domain.TokenUsage
	if v, ok := info["PromptTokens"].(int); ok {
		usage.PromptTokens = v
	}
	if v, ok := info["CompletionTokens"].(int); ok {
		usage.CompletionTokens = v
	}
	if v, ok := info["TotalTokens"].(int); ok {
		usage.TotalTokens = v
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}
