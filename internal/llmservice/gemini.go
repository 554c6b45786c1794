package llmservice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"research-rag/internal/models"
)

const providerGemini = "gemini"

// GeminiProvider serves completions from Google Gemini. A model handle is built
// per call, so concurrent completions share only the client.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGemini builds a provider for model. Extra client options are applied
// after the API key, so an endpoint override points every call elsewhere.
func NewGemini(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, &models.ValidationError{Field: "GOOGLE_API_KEY", Reason: "is not set"}
	}
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, &models.ProviderError{Provider: providerGemini, Err: err}
	}
	log.Debug().Str("model", model).Msg("Created Gemini provider")
	return &GeminiProvider{client: client, model: model}, nil
}

func (g *GeminiProvider) Model() string { return g.model }

func (g *GeminiProvider) Complete(ctx context.Context, messages []models.ChatMessage, opts Options) (string, error) {
	conv, err := SplitConversation(messages)
	if err != nil {
		return "", err
	}
	opts = opts.withDefaults()

	m := g.client.GenerativeModel(g.model)
	m.SetTemperature(float32(*opts.Temperature))
	m.SetMaxOutputTokens(int32(opts.MaxTokens))
	if conv.System != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(conv.System)}}
	}

	cs := m.StartChat()
	cs.History = geminiHistory(conv.History)

	resp, err := cs.SendMessage(ctx, genai.Text(conv.Current.Content))
	if err != nil {
		return "", classify(providerGemini, err)
	}
	text, err := responseText(resp)
	if err != nil {
		return "", &models.ProviderError{Provider: providerGemini, Err: err}
	}
	return text, nil
}

func (g *GeminiProvider) Close() error {
	return g.client.Close()
}

func geminiRole(r models.Role) string {
	if r == models.RoleAssistant {
		return "model"
	}
	return "user"
}

func geminiHistory(history []models.ChatMessage) []*genai.Content {
	out := make([]*genai.Content, len(history))
	for i, m := range history {
		out[i] = &genai.Content{
			Role:  geminiRole(m.Role),
			Parts: []genai.Part{genai.Text(m.Content)},
		}
	}
	return out
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("no candidates in response")
	}
	c := resp.Candidates[0]
	if c.Content == nil {
		return "", fmt.Errorf("candidate has no content, finish reason %v", c.FinishReason)
	}
	var b strings.Builder
	for _, p := range c.Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}
