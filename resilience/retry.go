package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aluiziolira/go-price-watch/metrics"
	"github.com/cenkalti/backoff/v4"
)

// ErrValidation marks input that will never succeed on retry.
var ErrValidation = errors.New("validation failed")

// retryable is implemented by typed transport errors that know whether a
// retry can help.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err is a transient failure. Timeouts,
// connection errors, 5xx, 429 and unknown errors retry; client errors,
// validation failures, open breakers and cancellation do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrValidation) || errors.Is(err, ErrBreakerOpen) {
		return false
	}
	var typed retryable
	if errors.As(err, &typed) {
		return typed.Retryable()
	}
	return true
}

// RetryConfig configures a Retryer.
type RetryConfig struct {
	MaxRetries int
	Backoff    time.Duration
	BackoffMax time.Duration
}

// Retryer re-runs failed operations with exponential backoff.
type Retryer struct {
	name    string
	cfg     RetryConfig
	metrics *metrics.Metrics
}

// NewRetryer builds a retryer labelled with a dependency name.
func NewRetryer(name string, cfg RetryConfig, m *metrics.Metrics) *Retryer {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 || cfg.BackoffMax < cfg.Backoff {
		cfg.BackoffMax = cfg.Backoff * time.Duration(1<<uint(max(cfg.MaxRetries, 1)))
	}
	return &Retryer{name: name, cfg: cfg, metrics: m}
}

// Do runs op until it succeeds, fails with a non-retryable error, exhausts the
// attempt cap, or ctx is done.
func (r *Retryer) Do(ctx context.Context, op func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.Backoff
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = r.cfg.BackoffMax
	policy.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(policy, uint64(max(r.cfg.MaxRetries, 0)))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		r.metrics.IncRetries(r.name)
		slog.Debug("retrying call",
			slog.String("dependency", r.name),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	})
}
