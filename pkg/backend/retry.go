package backend

import (
	"errors"
	"time"

	"github.com/cuemby/blockstore/pkg/types"
)

// retryBackoff is the fixed schedule for Transient errors: 100ms, 200ms,
// 400ms between attempts, three retries after the initial attempt (four
// attempts in all) before surfacing.
var retryBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// withRetry runs fn, retrying on the fixed backoff schedule only while fn
// returns a Transient error. Any other error kind surfaces immediately;
// QuotaExceeded in particular must never be retried.
func withRetry(fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= len(retryBackoff); attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var se *types.StorageError
		if !errors.As(lastErr, &se) || se.Kind != types.Transient {
			return lastErr
		}
		if attempt < len(retryBackoff) {
			time.Sleep(retryBackoff[attempt])
		}
	}
	return lastErr
}
