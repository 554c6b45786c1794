package models

import (
	"errors"
	"fmt"
)

// ErrSchemaConflict is returned by a backend when the collection it was asked to
// create already exists. EnsureSchema treats it as success.
var ErrSchemaConflict = errors.New("collection already exists")

// ValidationError reports malformed input. It is never retried and is raised
// before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// TransientNetworkError is a network failure that is expected to clear on retry.
// Attempts is set once the retry budget has been spent.
type TransientNetworkError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientNetworkError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s: transient network error after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// RateLimitError is a provider rejection caused by rate limiting (HTTP 429, TPM caps).
type RateLimitError struct {
	Provider string
	Err      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited: %v", e.Provider, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// ProviderError is an opaque upstream failure of a completion provider.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: provider error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// EmbeddingProviderError is any failure of the embedding provider, including
// malformed responses.
type EmbeddingProviderError struct {
	Provider string
	Err      error
}

func (e *EmbeddingProviderError) Error() string {
	return fmt.Sprintf("%s: embedding failed: %v", e.Provider, e.Err)
}

func (e *EmbeddingProviderError) Unwrap() error { return e.Err }

// FallbackUnavailableError is raised when the primary provider is rate limited
// and no secondary provider is configured.
type FallbackUnavailableError struct {
	PrimaryModel string
	Err          error
}

func (e *FallbackUnavailableError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded and no fallback provider is configured (set GOOGLE_API_KEY): %v", e.PrimaryModel, e.Err)
}

func (e *FallbackUnavailableError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
