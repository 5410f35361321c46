package services

import (
	"context"
	"errors"
	"time"

	"github.com/shaalot/apiserver/internal/metrics"
	"github.com/sirupsen/logrus"
)

const maxBackoff = 2 * time.Second

// Options carries the collaborators and tuning shared by every service.
type Options struct {
	// OpTimeout bounds each persistence attempt. Zero disables the bound.
	OpTimeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration

	Now     func() time.Time
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.RetryAttempts < 1 {
		o.RetryAttempts = 1
	}
	if o.RetryBaseDelay < 0 {
		o.RetryBaseDelay = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	return o
}

// now returns the current instant truncated to the precision Postgres keeps,
// so values read back compare equal to values written.
func (o Options) now() time.Time {
	return o.Now().UTC().Truncate(time.Microsecond)
}

func (o Options) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.OpTimeout)
}

func retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrUpstream)
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, or
// the attempt budget is spent. Each attempt gets its own OpTimeout. Backoff
// doubles from RetryBaseDelay up to maxBackoff.
func (o Options) withRetry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var err error
	delay := o.RetryBaseDelay
	for attempt := 1; attempt <= o.RetryAttempts; attempt++ {
		attemptCtx, cancel := o.withTimeout(ctx)
		err = fn(attemptCtx)
		cancel()

		if err == nil || !retryable(err) {
			return err
		}
		if attempt == o.RetryAttempts {
			break
		}

		o.Metrics.WriteRetries.WithLabelValues(operation).Inc()
		o.Logger.WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
		}).WithError(err).Warn("retrying write")

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return &Error{Kind: KindUpstream, Message: operation + " cancelled", Err: ctx.Err()}
			case <-timer.C:
			}
			delay *= 2
			if delay > maxBackoff {
				delay = maxBackoff
			}
		}
	}

	if errors.Is(err, ErrConflict) {
		return &Error{Kind: KindUpstream, Message: operation + " kept conflicting", Err: err}
	}
	return err
}
