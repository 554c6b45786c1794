// Package retry runs network operations under a bounded exponential backoff.
//
// Only errors accepted by the policy's Retryable predicate are retried; anything
// else fails on the first attempt. The default predicate is IsTransient.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"research-rag/internal/models"
)

const (
	DefaultMaxRetries      = 3
	DefaultInitialInterval = time.Second
	DefaultMultiplier      = 2.0
)

// Policy describes how many times and how quickly an operation is retried.
// With the defaults an operation runs at most 4 times, waiting 1s, 2s and 4s.
type Policy struct {
	MaxRetries      int
	InitialInterval time.Duration
	Multiplier      float64

	// AttemptTimeout bounds every single attempt. Zero means the caller's context only.
	AttemptTimeout time.Duration

	Retryable func(error) bool

	// OnRetry is called before each wait with the attempt that just failed.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func Default() Policy {
	return Policy{
		MaxRetries:      DefaultMaxRetries,
		InitialInterval: DefaultInitialInterval,
		Multiplier:      DefaultMultiplier,
		Retryable:       IsTransient,
	}
}

// IsZero reports whether p was left unset.
func (p Policy) IsZero() bool {
	return p.MaxRetries == 0 && p.InitialInterval == 0 && p.Multiplier == 0 && p.Retryable == nil
}

func (p Policy) withDefaults() Policy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(p.MaxRetries)))
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the retry
// budget is spent. A spent budget is reported as *models.TransientNetworkError.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	attempts := 0
	var last error
	operation := func() error {
		attempts++
		err := p.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		last = err
		if !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		log.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempts).
			Int("max_retries", p.MaxRetries).
			Dur("delay", delay).
			Msg("Retrying after transient error")
		if p.OnRetry != nil {
			p.OnRetry(attempts, delay, err)
		}
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		if last != nil && !errors.Is(last, cerr) {
			return fmt.Errorf("%s: %w (last error: %v)", op, cerr, last)
		}
		return fmt.Errorf("%s: %w", op, cerr)
	}
	if last != nil && p.Retryable(last) {
		return &models.TransientNetworkError{Op: op, Attempts: attempts, Err: last}
	}
	return err
}

func (p Policy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(actx)
}

var transientMarkers = []string{
	"fetch failed",
	"econnreset",
	"connection reset",
	"epipe",
	"broken pipe",
	"timeout",
	"timed out",
	"und_err_socket",
}

// IsTransient classifies connection resets, broken pipes, timeouts and generic
// fetch failures as retryable. Validation errors and caller cancellation never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var terr *models.TransientNetworkError
	if errors.As(err, &terr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
