package mail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakySender struct {
	failures int
	calls    int
}

func (f *flakySender) Send(ctx context.Context, msg Message) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("smtp unavailable")
	}
	return nil
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Jitter:      time.Millisecond,
		PerAttempt:  time.Second,
	}
}

func TestSendRecoversWithinBudget(t *testing.T) {
	inner := &flakySender{failures: 2}
	sender := NewRetryingSender(inner, fastRetryConfig())

	err := sender.Send(context.Background(), Message{To: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestSendExhaustionIsTyped(t *testing.T) {
	inner := &flakySender{failures: 10}
	sender := NewRetryingSender(inner, fastRetryConfig())

	err := sender.Send(context.Background(), Message{To: "a@example.com"})
	require.ErrorIs(t, err, ErrSendFailed)
	assert.Equal(t, 3, inner.calls, "attempt cap overrun")
}

func TestSendHonorsCallerContext(t *testing.T) {
	inner := &flakySender{failures: 10}
	sender := NewRetryingSender(inner, RetryConfig{
		MaxAttempts: 10,
		BaseDelay:   50 * time.Millisecond,
		Jitter:      time.Millisecond,
		PerAttempt:  time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := sender.Send(ctx, Message{To: "a@example.com"})
	require.ErrorIs(t, err, ErrSendFailed)
	assert.Less(t, inner.calls, 10, "retries must stop when the context expires")
}
