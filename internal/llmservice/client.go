package llmservice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"research-rag/internal/config"
	"research-rag/internal/models"
)

// Options tune a single completion. Each unset field takes its default
// independently: nil Temperature and non-positive MaxTokens.
type Options struct {
	Temperature *float64
	MaxTokens   int
}

// Temperature returns a pointer to v for Options.Temperature.
func Temperature(v float64) *float64 { return &v }

func DefaultOptions() Options {
	return Options{Temperature: Temperature(models.DefaultTemperature), MaxTokens: models.DefaultMaxTokens}
}

func (o Options) withDefaults() Options {
	if o.Temperature == nil {
		o.Temperature = Temperature(models.DefaultTemperature)
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = models.DefaultMaxTokens
	}
	return o
}

// Provider completes a conversation against one model.
type Provider interface {
	Model() string
	Complete(ctx context.Context, messages []models.ChatMessage, opts Options) (string, error)
}

// LangchainProvider serves completions from any langchaingo model.
type LangchainProvider struct {
	llm      llms.Model
	provider string
	model    string
}

func NewLangchainProvider(provider, model string, llm llms.Model) *LangchainProvider {
	return &LangchainProvider{llm: llm, provider: provider, model: model}
}

// NewPrimary builds the primary provider for model from the configured backend.
func NewPrimary(cfg config.ProviderConfig, model string) (*LangchainProvider, error) {
	log.Debug().Str("provider", cfg.Provider).Str("base_url", cfg.BaseURL).Str("model", model).Msg("Creating completion provider")

	switch cfg.Provider {
	case config.ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, &models.ProviderError{Provider: config.ProviderOllama, Err: err}
		}
		return NewLangchainProvider(config.ProviderOllama, model, llm), nil
	case config.ProviderOpenAI, "":
		opts := []openai.Option{
			openai.WithModel(model),
			openai.WithToken(strings.TrimPrefix(cfg.APIKey(), "Bearer ")),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, &models.ProviderError{Provider: config.ProviderOpenAI, Err: err}
		}
		return NewLangchainProvider(config.ProviderOpenAI, model, llm), nil
	default:
		return nil, &models.ValidationError{Field: "llm.primary.provider", Reason: fmt.Sprintf("unknown provider %q", cfg.Provider)}
	}
}

func (p *LangchainProvider) Model() string { return p.model }

func (p *LangchainProvider) Complete(ctx context.Context, messages []models.ChatMessage, opts Options) (string, error) {
	content, err := toMessageContent(messages)
	if err != nil {
		return "", err
	}
	opts = opts.withDefaults()

	resp, err := p.llm.GenerateContent(ctx, content,
		llms.WithTemperature(*opts.Temperature),
		llms.WithMaxTokens(opts.MaxTokens),
	)
	if err != nil {
		return "", classify(p.provider, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", &models.ProviderError{Provider: p.provider, Err: errors.New("empty response")}
	}
	return resp.Choices[0].Content, nil
}

func toMessageContent(messages []models.ChatMessage) ([]llms.MessageContent, error) {
	if len(messages) == 0 {
		return nil, &models.ValidationError{Field: "messages", Reason: "conversation is empty"}
	}
	content := make([]llms.MessageContent, len(messages))
	for i, m := range messages {
		var role schema.ChatMessageType
		switch m.Role {
		case models.RoleSystem:
			role = schema.ChatMessageTypeSystem
		case models.RoleUser:
			role = schema.ChatMessageTypeHuman
		case models.RoleAssistant:
			role = schema.ChatMessageTypeAI
		default:
			return nil, &models.ValidationError{Field: "role", Reason: fmt.Sprintf("unsupported role %s", m.Role)}
		}
		content[i] = llms.TextParts(role, m.Content)
	}
	return content, nil
}

func classify(provider string, err error) error {
	if IsRateLimitError(err) {
		return &models.RateLimitError{Provider: provider, Err: err}
	}
	return &models.ProviderError{Provider: provider, Err: err}
}
