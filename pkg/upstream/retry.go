package upstream

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// errRetryableStatus signals that the response status asked for a retry.
var errRetryableStatus = errors.New("retryable upstream status")

// tableBackOff replays a fixed per-attempt delay table; the last entry is
// reused when attempts outnumber entries.
type tableBackOff struct {
	delays []time.Duration
	next   int
}

func newTableBackOff(backoffMS []int) *tableBackOff {
	delays := make([]time.Duration, 0, len(backoffMS))
	for _, ms := range backoffMS {
		delays = append(delays, time.Duration(ms)*time.Millisecond)
	}
	if len(delays) == 0 {
		delays = []time.Duration{time.Second}
	}
	return &tableBackOff{delays: delays}
}

func (b *tableBackOff) NextBackOff() time.Duration {
	i := b.next
	if i >= len(b.delays) {
		i = len(b.delays) - 1
	}
	b.next++
	return b.delays[i]
}

func (b *tableBackOff) Reset() {
	b.next = 0
}

// isTransient reports whether a transport error is worth retrying: timeouts
// and connection resets. Context expiry is terminal.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}

// retryInterceptor re-sends failed requests up to max_attempts. Transport
// errors retry when transient; responses retry when their status is listed
// in retry_on_status. The last response or error surfaces on exhaustion.
func retryInterceptor(cfg *RetryConfig) Interceptor {
	retryOn := make(map[int]bool, len(cfg.RetryOnStatus))
	for _, status := range cfg.RetryOnStatus {
		retryOn[status] = true
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			var lastResp *Response

			operation := func() (*Response, error) {
				resp, err := next(ctx, req)
				if err != nil {
					if isTransient(err) {
						return nil, err
					}
					return nil, backoff.Permanent(err)
				}
				if retryOn[resp.StatusCode] {
					lastResp = resp
					return nil, errRetryableStatus
				}
				return resp, nil
			}

			resp, err := backoff.Retry(ctx, operation,
				backoff.WithBackOff(newTableBackOff(cfg.BackoffMS)),
				backoff.WithMaxTries(uint(cfg.MaxAttempts)),
			)
			if err != nil {
				// A retryable status that exhausted its attempts surfaces
				// the last response for classification downstream.
				if errors.Is(err, errRetryableStatus) && lastResp != nil {
					return lastResp, nil
				}
				return nil, err
			}
			return resp, nil
		}
	}
}
