package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mattjoyce/procpool/internal/broker"
)

// ErrRetriesExhausted is reported by Err when the broker could not be
// reconnected within the retry policy.
var ErrRetriesExhausted = errors.New("broker reconnect retries exhausted")

// Retry bounds reconnect attempts after a broker connection loss.
type Retry struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultRetry matches the config defaults.
var DefaultRetry = Retry{MaxAttempts: 5, BackoffBase: 500 * time.Millisecond, BackoffMax: 30 * time.Second}

func (r Retry) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.BackoffBase > 0 {
		b.InitialInterval = r.BackoffBase
	}
	if r.BackoffMax > 0 {
		b.MaxInterval = r.BackoffMax
	}
	return b
}

func (r Retry) tries() uint {
	if r.MaxAttempts <= 0 {
		return 1
	}
	return uint(r.MaxAttempts)
}

// link is the connector shared by a pool and its sub-pools, together with
// the reconnect and failure state every unit on it observes.
type link struct {
	conn   broker.Connector
	retry  Retry
	logger *slog.Logger

	mu  sync.Mutex
	gen uint64

	failOnce sync.Once
	failed   chan struct{}
	err      error
}

func newLink(conn broker.Connector, retry Retry, logger *slog.Logger) *link {
	return &link{
		conn:   conn,
		retry:  retry,
		logger: logger,
		failed: make(chan struct{}),
	}
}

func (l *link) generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

// connect dials the broker with the retry policy.
func (l *link) connect(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := l.conn.Connect(ctx)
		if err != nil && !broker.IsConnectionError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(l.retry.backOff()),
		backoff.WithMaxTries(l.retry.tries()),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Warn("broker connect failed, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		if broker.IsConnectionError(err) {
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}
		return err
	}
	return nil
}

// reconnect re-dials once per connection loss. Units that saw the same
// generation fail share a single reconnect; later callers return at once.
func (l *link) reconnect(ctx context.Context, seen uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen != seen {
		return nil
	}
	l.logger.Warn("broker connection lost, reconnecting")
	if err := l.connect(ctx); err != nil {
		return err
	}
	l.gen++
	l.logger.Info("broker reconnected", "generation", l.gen)
	return nil
}

func (l *link) fail(err error) {
	l.failOnce.Do(func() {
		l.err = err
		close(l.failed)
	})
}
