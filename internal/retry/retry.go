package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/blackmichael/retweet-curator/internal/domain"
)

// Config holds retry configuration for platform calls.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64

	// Wait is the pause before a retry.
	Wait time.Duration
}

// DefaultConfig returns one retry after a short pause.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 1,
		Wait:       10 * time.Second,
	}
}

// Retrier runs calls under a retry policy. Only transient errors are retried;
// before every retry the session is re-authenticated if a Reauthenticator is
// configured.
type Retrier struct {
	cfg    Config
	auth   domain.Reauthenticator
	logger *slog.Logger
}

var _ domain.Caller = (*Retrier)(nil)

// New creates a Retrier. auth may be nil.
func New(cfg Config, auth domain.Reauthenticator, logger *slog.Logger) *Retrier {
	return &Retrier{cfg: cfg, auth: auth, logger: logger}
}

// Do calls fn, retrying transient failures. The last error is returned
// unwrapped from the backoff machinery.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 && r.auth != nil {
			if err := r.auth.Reauthenticate(ctx); err != nil {
				r.logger.Error("re-authentication failed", "op", op, "error", err)
				return backoff.Permanent(err)
			}
		}

		err := fn(ctx)
		if err == nil || domain.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		r.logger.Warn("call failed, retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(r.cfg.Wait)
	b = backoff.WithMaxRetries(b, r.cfg.MaxRetries)
	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}
