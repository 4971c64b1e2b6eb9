package stage

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryPolicy bounds per-item retries for transient external failures.
type retryPolicy struct {
	maxRetries  uint64
	maxInterval time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{maxRetries: 3, maxInterval: 10 * time.Second}
}

// retry runs fn with exponential backoff up to the bounded attempt
// count. Context cancellation stops immediately.
func (p retryPolicy) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = p.maxInterval
	return backoff.Retry(fn, backoff.WithContext(backoff.WithMaxRetries(b, p.maxRetries), ctx))
}

// systemicPatterns identify failures that will hit every item in the
// batch the same way, so retrying per item is pointless.
var systemicPatterns = []string{
	"401",
	"403",
	"unauthorized",
	"forbidden",
	"invalid credentials",
	"invalid api key",
	"connection refused",
	"no such host",
}

// isSystemic reports whether the error indicates a batch-wide problem
// rather than a bad individual item.
func isSystemic(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range systemicPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
