package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chunkstore/pkg/storage"

	"github.com/cenkalti/backoff/v4"
)

// retryable reports whether err may be cured by trying again. Caller
// errors, corruption and cancellation are final.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrChecksumMismatch),
		errors.Is(err, storage.ErrVersionConflict),
		errors.Is(err, storage.ErrInvalidChunkID),
		errors.Is(err, storage.ErrInvalidObjectID),
		errors.Is(err, storage.ErrInvalidManifest),
		errors.Is(err, storage.ErrRangeOutOfBounds):
		return false
	}
	return true
}

func (e *Engine) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.InitialBackoff
	b.MaxInterval = e.opts.MaxBackoff
	b.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(b, e.opts.MaxRetries), ctx)
}

// retry runs fn until it succeeds, fails permanently, the retry budget is
// spent, or ctx is done. The last error is returned.
func (e *Engine) retry(ctx context.Context, call string, fn func() error) error {
	op := func() error {
		err := fn()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		e.metrics.retries.WithLabelValues(call).Inc()
		slog.Warn("Retrying after error", "call", call, "error", err, "wait", wait)
	}

	return backoff.RetryNotify(op, e.newBackOff(ctx), notify)
}
