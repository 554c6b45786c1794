package llmservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"research-rag/internal/models"
)

type geminiContent struct {
	Role  string `json:"role"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction geminiContent   `json:"systemInstruction"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

// fakeGemini serves the REST streaming endpoint, answering every call with
// status and body and keeping the last decoded request.
func fakeGemini(t *testing.T, status int, body string) (*GeminiProvider, *geminiRequest, *string) {
	t.Helper()
	var got geminiRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	g, err := NewGemini(context.Background(), "test-key", "gemini-2.0-flash-exp", option.WithEndpoint(srv.URL))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g, &got, &path
}

func TestGeminiComplete(t *testing.T) {
	g, got, path := fakeGemini(t, http.StatusOK, `[{"candidates":[{"index":0,"finishReason":1,"content":{"role":"model","parts":[{"text":"Self-attention relates positions of one sequence."}]}}]}]`)
	assert.Equal(t, "gemini-2.0-flash-exp", g.Model())

	text, err := g.Complete(context.Background(), conversation, Options{Temperature: Temperature(0.2), MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "Self-attention relates positions of one sequence.", text)

	assert.True(t, strings.HasSuffix(*path, "models/gemini-2.0-flash-exp:streamGenerateContent"), *path)
	require.Len(t, got.SystemInstruction.Parts, 1)
	assert.Equal(t, "You are a research assistant.", got.SystemInstruction.Parts[0].Text)

	require.Len(t, got.Contents, 3)
	var roles []string
	for _, c := range got.Contents {
		roles = append(roles, c.Role)
	}
	assert.Equal(t, []string{"user", "model", "user"}, roles)
	assert.Equal(t, "And self-attention?", got.Contents[2].Parts[0].Text)

	assert.InDelta(t, 0.2, got.GenerationConfig.Temperature, 1e-6)
	assert.Equal(t, 100, got.GenerationConfig.MaxOutputTokens)
}

func TestGeminiCompleteRateLimited(t *testing.T) {
	g, _, _ := fakeGemini(t, http.StatusTooManyRequests, `{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`)

	_, err := g.Complete(context.Background(), conversation, Options{})
	var rl *models.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, providerGemini, rl.Provider)
}

func TestGeminiCompleteWithoutCandidates(t *testing.T) {
	g, _, _ := fakeGemini(t, http.StatusOK, `[{"candidates":[]}]`)

	_, err := g.Complete(context.Background(), conversation, Options{})
	var pe *models.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.False(t, IsRateLimitError(err))
}

func TestNewGeminiRequiresKey(t *testing.T) {
	_, err := NewGemini(context.Background(), "", "gemini-2.0-flash-exp")
	assert.True(t, models.IsValidation(err))
}
