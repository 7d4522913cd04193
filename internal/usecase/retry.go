package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"FilingScanner/internal/domain"
)

// RetryOptions bounds retries of store writes.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryOptions is used when a component is given zero options.
var DefaultRetryOptions = RetryOptions{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2,
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	return errors.IsAny(err,
		context.Canceled,
		context.DeadlineExceeded,
		domain.ErrStaleState,
		domain.ErrInvalidTransition,
		domain.ErrAnalysisExists,
		domain.ErrNotFound,
		domain.ErrInvalidFiling,
	)
}

// withRetry runs op until it succeeds, fails permanently or exhausts opts.MaxAttempts.
func withRetry(ctx context.Context, logger *slog.Logger, opts RetryOptions, what string, op func() error) error {
	if opts.MaxAttempts <= 0 {
		opts = DefaultRetryOptions
	}
	if opts.Multiplier <= 0 {
		opts.Multiplier = 2
	}

	delay := opts.InitialDelay
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || permanent(err) {
			return err
		}
		if attempt >= opts.MaxAttempts {
			return errors.WithDetailf(errors.Wrapf(err, "%s", what), "attempts=%d", attempt)
		}

		logger.Warn("store write failed, retrying",
			"op", what,
			"attempt", attempt,
			"max_attempts", opts.MaxAttempts,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			delay = time.Duration(float64(delay) * opts.Multiplier)
			if opts.MaxDelay > 0 && delay > opts.MaxDelay {
				delay = opts.MaxDelay
			}
		}
	}
}
