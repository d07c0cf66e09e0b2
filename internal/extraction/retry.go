package extraction

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"kgraph/internal/logging"
)

// retryPolicy bounds the retry loop for one chunk.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	// rateLimitBudget is how many consecutive rate-limit hits are
	// tolerated before they start counting as real attempts.
	rateLimitBudget int
}

var defaultRetryPolicy = retryPolicy{
	maxAttempts:     5,
	baseDelay:       500 * time.Millisecond,
	maxDelay:        30 * time.Second,
	rateLimitBudget: 10,
}

// withRetry drives one chunk's extraction through the retry policy:
// transient failures back off exponentially with jitter up to maxAttempts,
// rate limits wait out the provider's advised delay, and the first
// schema-invalid response earns exactly one strict-reminder retry.
func withRetry(ctx context.Context, policy retryPolicy, fn func(ctx context.Context, strict bool) (*Result, error)) (*Result, error) {
	var lastErr error
	strict := false
	invalidRetried := false
	attempts := 0
	rateLimitHits := 0

	for attempts < policy.maxAttempts {
		result, err := fn(ctx, strict)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch KindOf(err) {
		case KindTransient:
			attempts++
			if attempts >= policy.maxAttempts {
				return nil, permanentErr(lastErr)
			}
			delay := policy.backoffDelay(attempts)
			logging.ExtractionDebug("Transient failure (attempt %d/%d), retrying in %s: %v",
				attempts, policy.maxAttempts, delay, err)
			if !sleepCtx(ctx, delay) {
				return nil, ctx.Err()
			}

		case KindRateLimited:
			rateLimitHits++
			if rateLimitHits > policy.rateLimitBudget {
				attempts++
				if attempts >= policy.maxAttempts {
					return nil, permanentErr(lastErr)
				}
			}
			delay := retryAfterOf(err)
			if delay <= 0 {
				delay = policy.backoffDelay(rateLimitHits)
			}
			logging.Extraction("Rate limited (hit %d), waiting %s", rateLimitHits, delay)
			if !sleepCtx(ctx, delay) {
				return nil, ctx.Err()
			}

		case KindInvalidOutput:
			if invalidRetried {
				return nil, permanentErr(lastErr)
			}
			invalidRetried = true
			strict = true
			attempts++
			logging.Extraction("Schema-invalid output, retrying once with strict reminder: %v", err)

		default:
			return nil, err
		}
	}

	return nil, permanentErr(lastErr)
}

func retryAfterOf(err error) time.Duration {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.RetryAfter
	}
	return 0
}

// backoffDelay is exponential in the attempt number with full jitter,
// capped at maxDelay.
func (p retryPolicy) backoffDelay(attempt int) time.Duration {
	d := p.baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.maxDelay {
			d = p.maxDelay
			break
		}
	}
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
