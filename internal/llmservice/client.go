package llmservice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"pdf-rag/internal/config"
	"pdf-rag/internal/models"
)

var thinkTagRe = regexp.MustCompile(models.ThinkTag)

// GenerateOptions are the sampling parameters of one completion, zero values leave the provider default
type GenerateOptions struct {
	MaxTokens   int
	Temperature *float64
	TopP        *float64
}

// Generator produces completions from a prompt
type Generator struct {
	llm     llms.Model
	model   string
	timeout time.Duration
}

func NewGenerator(llmConfig *config.LLMConfig) (*Generator, error) {
	log.Debug().Interface("config", map[string]string{
		"provider": llmConfig.Provider,
		"base_url": llmConfig.BaseURL,
		"model":    llmConfig.Model,
	}).Msg("Creating generator")

	llm, err := newModel(llmConfig)
	if err != nil {
		return nil, err
	}
	return &Generator{llm: llm, model: llmConfig.Model, timeout: llmConfig.Timeout()}, nil
}

func newModel(llmConfig *config.LLMConfig) (llms.Model, error) {
	switch llmConfig.Provider {
	case config.ProviderOllama:
		llm, err := ollama.New(
			ollama.WithServerURL(llmConfig.BaseURL),
			ollama.WithModel(llmConfig.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama: %w", err)
		}
		return llm, nil
	case config.ProviderOpenAI:
		key := llmConfig.APIKey()
		if key == "" {
			return nil, fmt.Errorf("%w: missing API key for openai", models.ErrConfiguration)
		}
		llm, err := openai.New(
			openai.WithBaseURL(llmConfig.BaseURL),
			openai.WithToken(key),
			openai.WithModel(llmConfig.Model),
			openai.WithHTTPClient(samplingTransport{client: http.DefaultClient}),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai: %w", err)
		}
		return llm, nil
	case config.ProviderAnthropic:
		opts := []anthropic.Option{anthropic.WithModel(llmConfig.Model)}
		if key := llmConfig.APIKey(); key != "" {
			opts = append(opts, anthropic.WithToken(key))
		}
		if llmConfig.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(llmConfig.BaseURL))
		}
		llm, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize anthropic: %w", err)
		}
		return llm, nil
	case config.ProviderBedrock:
		llm, err := bedrock.New(bedrock.WithModel(llmConfig.Model))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize bedrock: %w", err)
		}
		return llm, nil
	default:
		return nil, fmt.Errorf("%w: unsupported inference provider %q", models.ErrConfiguration, llmConfig.Provider)
	}
}

// GenerateContent calls the model once with the given messages
func GenerateContent(ctx context.Context, llm llms.Model, messages []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentResponse, error) {
	res, err := llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, err
	}
	if len(res.Choices) == 0 {
		return nil, errors.New("empty response from model")
	}
	return res, nil
}

// Generate returns the completion text for prompt with reasoning blocks removed
func (g *Generator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	var callOpts []llms.CallOption
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	if opts.Temperature != nil {
		callOpts = append(callOpts, llms.WithTemperature(*opts.Temperature))
	}
	if opts.TopP != nil {
		callOpts = append(callOpts, llms.WithTopP(*opts.TopP))
		ctx = withTopP(ctx, *opts.TopP)
	}

	start := time.Now()
	messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}
	res, err := GenerateContent(ctx, g.llm, messages, callOpts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrGenerationService, err)
	}

	choice := res.Choices[0]
	if choice.StopReason == "content_filter" {
		return "", fmt.Errorf("%w: completion blocked by content filter", models.ErrGenerationService)
	}

	text := strings.TrimSpace(thinkTagRe.ReplaceAllString(choice.Content, ""))
	log.Debug().Str("model", g.model).Int("chars", len(text)).Dur("took", time.Since(start)).Msg("Generated answer")
	return text, nil
}
