// Package retry decides whether a failed saga step is retried and how long to
// wait between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"money-transfer/internal/domain"
	"money-transfer/internal/logging"
)

type Class int

const (
	Retryable Class = iota
	NonRetryable
)

func (c Class) String() string {
	if c == NonRetryable {
		return "non-retryable"
	}
	return "retryable"
}

// Policy is an exponential backoff bounded by a per-step deadline.
type Policy struct {
	Initial     time.Duration
	Factor      float64
	Max         time.Duration
	StepTimeout time.Duration
	// NonRetryable lists errors, besides the business-rule ones, that fail a
	// step on the first occurrence.
	NonRetryable []error
	Log          *zap.Logger
}

func Default() Policy {
	return Policy{
		Initial:     time.Second,
		Factor:      2.0,
		Max:         60 * time.Second,
		StepTimeout: 10 * time.Second,
	}
}

// Classify reports NonRetryable for insufficient funds, invalid amounts and
// the policy's extra errors. Everything else is retried.
func (p Policy) Classify(err error) Class {
	switch {
	case err == nil:
		return Retryable
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrInvalidAmount):
		return NonRetryable
	}
	for _, target := range p.NonRetryable {
		if errors.Is(err, target) {
			return NonRetryable
		}
	}
	return Retryable
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = p.Factor
	b.MaxInterval = p.Max
	b.MaxElapsedTime = p.StepTimeout
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Execute runs fn until it succeeds, fails with a non-retryable error, or the
// step deadline passes. Deadline exhaustion returns domain.ErrStepTimeout
// wrapping the last error. Cancellation of ctx itself is returned as is.
func (p Policy) Execute(ctx context.Context, step string, fn func(context.Context) (string, error)) (string, error) {
	log := logging.OrNop(p.Log).With(zap.String("step", step))

	stepCtx := ctx
	cancel := func() {}
	if p.StepTimeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, p.StepTimeout)
	}
	defer cancel()

	var lastErr error
	attempt := 0
	op := func() (string, error) {
		attempt++
		out, err := fn(stepCtx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if p.Classify(err) == NonRetryable {
			return "", backoff.Permanent(err)
		}
		return "", err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("step failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	out, err := backoff.RetryNotifyWithData(op, backoff.WithContext(p.backOff(), stepCtx), notify)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if p.Classify(err) == NonRetryable {
		return "", err
	}
	if lastErr == nil {
		lastErr = err
	}
	log.Error("step gave up", zap.Int("attempts", attempt), zap.Error(lastErr))
	return "", fmt.Errorf("%w: %s after %d attempts: %w", domain.ErrStepTimeout, step, attempt, lastErr)
}
