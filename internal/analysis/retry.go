package analysis

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/0x6d61/defectscan/internal/transport"
)

// retryPolicy bounds how often a failed remote call is repeated.
type retryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

var defaultRetry = retryPolicy{MaxRetries: 2, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}

// do runs fn until it succeeds, fails with a permanent error or the retries
// run out. Backoff doubles after each attempt.
func (p retryPolicy) do(ctx context.Context, fn func(context.Context) error) error {
	backoff := p.InitialBackoff
	var err error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err = fn(ctx); err == nil || !retriable(err) {
			return err
		}
		if attempt == p.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, p.MaxBackoff)
	}
	return err
}

// retriable reports whether err is worth another attempt: 429, 5xx and
// network timeouts are; everything else is not.
func retriable(err error) bool {
	var se *transport.StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
