package llmservice

import (
	"errors"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"

	"research-rag/internal/models"
)

var (
	rateLimitMarkers = []string{"429", "TPM"}
	// matched case-insensitively
	rateLimitPhrases = []string{"rate limit", "rate_limit", "tokens per min", "resource_exhausted", "resourceexhausted"}
)

// IsRateLimitError reports whether err carries a provider rate-limit signature:
// HTTP 429, a RateLimitError, or one of the known rate-limit messages.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var rl *models.RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests {
		return true
	}

	msg := err.Error()
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	lower := strings.ToLower(msg)
	for _, p := range rateLimitPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
