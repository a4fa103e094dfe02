// Package retry re-runs backing store operations that failed with a transient error, waiting an exponentially
// growing delay between attempts.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ceramicnetwork/go-notary/models"
)

type Executor struct {
	retries       int
	increment     time.Duration
	base          float64
	logger        models.Logger
	metricService models.MetricService
	timer         func() backoff.Timer
}

type Option func(*Executor)

// WithTimer replaces the timer used to wait between attempts.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(e *Executor) {
		e.timer = newTimer
	}
}

func NewExecutor(cfg models.BatchConfig, logger models.Logger, metricService models.MetricService, opts ...Option) *Executor {
	e := &Executor{
		retries:       cfg.ConnectionRetries,
		increment:     cfg.BackOffIncrement,
		base:          cfg.BackOffBase,
		logger:        logger,
		metricService: metricService,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.increment
	b.Multiplier = e.base
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.retries)), ctx)
}

// Run calls op, and calls it again after a delay for as long as it fails with a models.TransientError and retries
// remain. The delay before retry n is increment * base^(n-1). Errors that are not transient are returned immediately.
// Once retries are exhausted, the returned error wraps models.ErrRetriesExhausted and the last failure.
func Run[T any](ctx context.Context, e *Executor, name string, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := 0
	operation := func() (T, error) {
		attempts++
		res, err := op(ctx)
		if err != nil && !models.IsTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	notify := func(err error, delay time.Duration) {
		e.logger.Warnf("%s: attempt %d failed, retrying in %s: %v", name, attempts, delay, err)
		e.metricService.Count(ctx, models.MetricName_ConnectionRetry, 1)
	}
	var timer backoff.Timer
	if e.timer != nil {
		timer = e.timer()
	}
	res, err := backoff.RetryNotifyWithTimerAndData(operation, e.newBackOff(ctx), notify, timer)
	if err != nil && models.IsTransient(err) {
		e.logger.Errorf("%s: giving up after %d attempts: %v", name, attempts, err)
		return res, fmt.Errorf("%s: %w after %d attempts: %w", name, models.ErrRetriesExhausted, attempts, err)
	}
	return res, err
}

// Do is Run for operations without a result.
func (e *Executor) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := Run(ctx, e, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
