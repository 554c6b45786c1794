package retry

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"research-rag/internal/models"
)

func fastPolicy() Policy {
	p := Default()
	p.InitialInterval = time.Millisecond
	return p
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("read tcp: connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "add batch", func(ctx context.Context) error {
		calls++
		return errors.New("fetch failed")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls, "one attempt plus three retries")

	var terr *models.TransientNetworkError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 4, terr.Attempts)
	assert.Equal(t, "add batch", terr.Op)
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	perm := errors.New("401 unauthorized")
	err := fastPolicy().Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return perm
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, perm)

	var terr *models.TransientNetworkError
	assert.False(t, errors.As(err, &terr))
}

func TestDoBackoffDelaysDouble(t *testing.T) {
	var delays []time.Duration
	p := Default()
	p.InitialInterval = 5 * time.Millisecond
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		delays = append(delays, delay.Round(time.Millisecond))
	}

	_ = p.Do(context.Background(), "op", func(ctx context.Context) error {
		return syscall.EPIPE
	})
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}, delays)
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Default()
	p.InitialInterval = time.Hour
	p.OnRetry = func(int, time.Duration, error) { cancel() }

	calls := 0
	err := p.Do(ctx, "op", func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoAttemptTimeoutIsRetried(t *testing.T) {
	p := fastPolicy()
	p.AttemptTimeout = 5 * time.Millisecond

	calls := 0
	err := p.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("fetch failed"), true},
		{errors.New("ECONNRESET"), true},
		{errors.New("write: broken pipe"), true},
		{errors.New("request timeout"), true},
		{fmt.Errorf("wrapped: %w", syscall.ECONNRESET), true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{errors.New("ECONNREFUSED"), false},
		{errors.New("422 unprocessable entity"), false},
		{&models.ValidationError{Reason: "timeout field missing"}, false},
		{&models.TransientNetworkError{Op: "x", Err: errors.New("boom")}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransient(tt.err), "%v", tt.err)
	}
}
