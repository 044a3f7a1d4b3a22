package pipeline

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dukex/microapps/pkg/models"
	"github.com/dukex/microapps/pkg/protocol"
)

// sleepFunc waits for d, returning early when ctx is done or the run is cancelled.
type sleepFunc func(ctx context.Context, pctx *models.PipelineContext, d time.Duration) error

// newBackOff builds the deterministic schedule backoff, backoff*m, backoff*m^2, ...
//
//nolint:ireturn // backoff.BackOff is the library contract
func newBackOff(policy models.RetryPolicy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.Backoff
	b.Multiplier = policy.BackoffMultiplier
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// normalizePolicy fills in defaults for zero-valued backoff settings.
func normalizePolicy(policy models.RetryPolicy) models.RetryPolicy {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}

	if policy.Backoff <= 0 {
		policy.Backoff = time.Second
	}

	if policy.BackoffMultiplier <= 0 {
		policy.BackoffMultiplier = 2
	}

	return policy
}

// retryable reports whether err may be retried under policy.
func retryable(err error, policy models.RetryPolicy) bool {
	var domainErr protocol.RetryableError
	if errors.As(err, &domainErr) && !domainErr.Retryable() {
		return false
	}

	switch KindOf(err) {
	case KindConfiguration, KindCancellation, KindQualityGate:
		return false
	case KindTimeout:
		return policy.RetryOnTimeout
	default:
		return true
	}
}

func defaultSleep(ctx context.Context, pctx *models.PipelineContext, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-pctx.Done():
		return models.ErrPipelineCancelled
	}
}
