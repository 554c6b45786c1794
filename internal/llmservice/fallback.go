package llmservice

import (
	"context"

	"github.com/rs/zerolog/log"

	"research-rag/internal/models"
)

// Completer sends completions to the primary provider and, when fallback is
// enabled, retries exactly once on the secondary provider after a rate limit.
type Completer struct {
	cfg       models.LLMConfig
	primary   Provider
	secondary Provider
}

// NewCompleter wires the providers. secondary may be nil.
func NewCompleter(cfg models.LLMConfig, primary, secondary Provider) *Completer {
	return &Completer{cfg: cfg, primary: primary, secondary: secondary}
}

func (c *Completer) Complete(ctx context.Context, messages []models.ChatMessage, opts Options) (*models.CompletionResult, error) {
	if len(messages) == 0 {
		return nil, &models.ValidationError{Field: "messages", Reason: "conversation is empty"}
	}
	opts = opts.withDefaults()

	content, err := c.primary.Complete(ctx, messages, opts)
	if err == nil {
		return &models.CompletionResult{Content: content, ModelUsed: c.primary.Model()}, nil
	}
	if !c.cfg.FallbackEnabled || !IsRateLimitError(err) {
		return nil, err
	}
	if c.secondary == nil {
		return nil, &models.FallbackUnavailableError{PrimaryModel: c.primary.Model(), Err: err}
	}

	log.Warn().Err(err).
		Str("primary", c.primary.Model()).
		Str("fallback", c.secondary.Model()).
		Msg("Primary model rate limited, switching to fallback")

	content, ferr := c.secondary.Complete(ctx, messages, opts)
	if ferr != nil {
		log.Error().Err(ferr).Str("fallback", c.secondary.Model()).Msg("Fallback completion failed")
		return nil, err
	}

	log.Info().Str("model", c.secondary.Model()).Msg("Completion served by fallback")
	return &models.CompletionResult{Content: content, ModelUsed: c.secondary.Model(), UsedFallback: true}, nil
}
