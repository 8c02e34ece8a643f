// Package service runs every configured worker pool and coordinates their
// startup and shutdown.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/procpool/internal/broker"
	"github.com/mattjoyce/procpool/internal/factory"
	"github.com/mattjoyce/procpool/internal/pool"
	"github.com/mattjoyce/procpool/internal/telemetry"
)

// ErrFatal wraps the error of a pool that cannot recover.
var ErrFatal = errors.New("worker pool failed")

// DefaultShutdownTimeout is used when Config.ShutdownTimeout is zero.
const DefaultShutdownTimeout = 30 * time.Second

// Config is the runtime view of the configuration file.
type Config struct {
	Broker          broker.Setting
	Groups          []pool.Group
	Retry           pool.Retry
	ShutdownTimeout time.Duration
}

// Service owns one pool per top-level group.
type Service struct {
	cfg     Config
	factory *factory.Factory
	tel     telemetry.Telemetry
	logger  *slog.Logger

	mu      sync.Mutex
	pools   []*pool.Pool
	running bool
}

// New creates a service. f defaults to factory.Default().
func New(cfg Config, f *factory.Factory, tel telemetry.Telemetry, logger *slog.Logger) *Service {
	if f == nil {
		f = factory.Default()
	}
	if tel == nil {
		tel = telemetry.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Service{cfg: cfg, factory: f, tel: tel, logger: logger}
}

// Start creates and starts every pool concurrently. If any pool fails to
// start, the ones already running are stopped and the error is returned.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("service already running")
	}
	if len(s.cfg.Groups) == 0 {
		return errors.New("no worker groups configured")
	}

	opts := pool.Options{Retry: s.cfg.Retry, Telemetry: s.tel, Logger: s.logger}
	pools := make([]*pool.Pool, 0, len(s.cfg.Groups))
	for _, g := range s.cfg.Groups {
		p, err := s.factory.Create(s.cfg.Broker, g, opts)
		if err != nil {
			_ = closeAll(pools)
			return fmt.Errorf("group %s: %w", g.Name, err)
		}
		pools = append(pools, p)
	}

	started := make([]bool, len(pools))
	eg, egctx := errgroup.WithContext(ctx)
	for i, p := range pools {
		eg.Go(func() error {
			if err := p.Start(egctx); err != nil {
				return fmt.Errorf("group %s: %w", p.Name(), err)
			}
			started[i] = true
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		for i, p := range pools {
			if started[i] {
				_ = p.Stop(stopCtx)
			}
		}
		_ = closeAll(pools)
		return err
	}

	s.pools = pools
	s.running = true
	s.logger.Info("service started", "pools", len(pools), "broker", s.cfg.Broker.Kind())
	return nil
}

// Run blocks until ctx is done or a pool fails. A pool failure is returned
// wrapped in ErrFatal; the caller is expected to Shutdown either way.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	pools := append([]*pool.Pool(nil), s.pools...)
	s.mu.Unlock()

	failed := make(chan *pool.Pool, len(pools))
	for _, p := range pools {
		go func() {
			select {
			case <-p.Failed():
				failed <- p
			case <-ctx.Done():
			}
		}()
	}

	var p *pool.Pool
	select {
	case <-ctx.Done():
		return nil
	case p = <-failed:
	}
	s.logger.Error("pool failed", "group", p.Name(), "error", p.Err())
	return fmt.Errorf("%w: group %s: %w", ErrFatal, p.Name(), p.Err())
}

// Shutdown stops every pool concurrently under one deadline, then closes the
// broker connectors. It is safe to call more than once.
func (s *Service) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	pools := s.pools
	s.mu.Unlock()

	if timeout <= 0 {
		timeout = s.cfg.ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("service stopping", "timeout", timeout)
	errs := make([]error, len(pools))
	var wg sync.WaitGroup
	for i, p := range pools {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.Stop(ctx)
		}()
	}
	wg.Wait()

	errs = append(errs, closeAll(pools))
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("service stopped with errors", "error", err)
	} else {
		s.logger.Info("service stopped")
	}
	return err
}

// Status reports every pool.
func (s *Service) Status() []pool.Status {
	s.mu.Lock()
	pools := append([]*pool.Pool(nil), s.pools...)
	s.mu.Unlock()

	out := make([]pool.Status, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Status())
	}
	return out
}

// Publish sends a message to target on the first pool's broker connection.
func (s *Service) Publish(ctx context.Context, target, payload, correlationID string, headers map[string]string) error {
	s.mu.Lock()
	var p *pool.Pool
	if s.running && len(s.pools) > 0 {
		p = s.pools[0]
	}
	s.mu.Unlock()
	if p == nil {
		return errors.New("service not running")
	}
	return p.Publish(ctx, target, payload, correlationID, headers)
}

// Running reports whether Start succeeded and Shutdown has not been called.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func closeAll(pools []*pool.Pool) error {
	var errs []error
	for _, p := range pools {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
