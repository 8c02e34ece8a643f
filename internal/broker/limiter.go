package broker

import "context"

// limiter bounds outstanding deliveries for connectors whose transport has no
// native unacknowledged-message limit.
type limiter chan struct{}

func newLimiter(n int) limiter {
	if n <= 0 {
		return nil
	}
	return make(limiter, n)
}

func (l limiter) acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l limiter) release() {
	if l == nil {
		return
	}
	select {
	case <-l:
	default:
	}
}
