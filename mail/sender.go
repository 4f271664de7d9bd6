package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrSendFailed reports an email that could not be delivered after the
// retry budget was exhausted. It is always surfaced to the caller, never
// swallowed.
var ErrSendFailed = errors.New("email send failed")

// Message is a single outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender delivers email. The transport (SMTP relay, API provider,
// console printer in development) is the integrator's concern.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// RetryConfig bounds the retry behavior of a [RetryingSender].
type RetryConfig struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
	Jitter      time.Duration
	PerAttempt  time.Duration
}

// DefaultRetryConfig retries three times over roughly a second, with a
// five second cap per attempt so a hung provider cannot stall the
// response.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		Jitter:      100 * time.Millisecond,
		PerAttempt:  5 * time.Second,
	}
}

// RetryingSender wraps a Sender with jittered exponential backoff and a
// fixed attempt cap.
type RetryingSender struct {
	sender Sender
	cfg    RetryConfig
}

// NewRetryingSender wraps sender. Zero-value config fields fall back to
// [DefaultRetryConfig].
func NewRetryingSender(sender Sender, cfg RetryConfig) *RetryingSender {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = def.Jitter
	}
	if cfg.PerAttempt <= 0 {
		cfg.PerAttempt = def.PerAttempt
	}
	return &RetryingSender{sender: sender, cfg: cfg}
}

// Send attempts delivery with backoff. Exhausting the attempt cap (or
// the caller's context) yields [ErrSendFailed] wrapping the last
// transport error.
func (r *RetryingSender) Send(ctx context.Context, msg Message) error {
	backoff := retry.NewExponential(r.cfg.BaseDelay)
	backoff = retry.WithJitter(r.cfg.Jitter, backoff)
	backoff = retry.WithMaxRetries(r.cfg.MaxAttempts-1, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.PerAttempt)
		defer cancel()

		if err := r.sender.Send(attemptCtx, msg); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}
