// Package pool runs the worker units of one group: N competing consumers on a
// queue, each paired with its own worker process.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/procpool/internal/broker"
	"github.com/mattjoyce/procpool/internal/process"
	"github.com/mattjoyce/procpool/internal/telemetry"
	"github.com/mattjoyce/procpool/internal/unit"
)

// Group describes one worker group and its sub-groups.
type Group struct {
	Name            string
	Queue           string
	Units           int
	Process         process.Spec
	TaskTimeout     time.Duration
	RestartAttempts int
	MaxHops         int
	SubGroups       []Group
}

// Options carries the collaborators shared by a pool tree.
type Options struct {
	Retry     Retry
	Telemetry telemetry.Telemetry
	Logger    *slog.Logger
}

// Status is a point-in-time view of a pool and its sub-pools.
type Status struct {
	Group     string        `json:"group"`
	Queue     string        `json:"queue"`
	Running   bool          `json:"running"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	Units     []unit.Status `json:"units"`
	SubPools  []Status      `json:"sub_pools,omitempty"`
}

// Pool owns the units of one group. The root pool owns the broker connector;
// sub-pools share it.
type Pool struct {
	group  Group
	link   *link
	root   bool
	tel    telemetry.Telemetry
	logger *slog.Logger

	mu        sync.Mutex
	units     []*unit.Unit
	subs      []*Pool
	running   bool
	startedAt time.Time

	drainCtx context.Context
	drain    context.CancelFunc
	hardCtx  context.Context
	hard     context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a pool tree for g on conn. Nothing runs until Start.
func New(g Group, conn broker.Connector, opts Options) *Pool {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop{}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetry
	}
	l := newLink(conn, opts.Retry, opts.Logger.With("component", "broker"))
	p := newPool(g, l, opts)
	p.root = true
	return p
}

func newPool(g Group, l *link, opts Options) *Pool {
	if g.Units < 1 {
		g.Units = 1
	}
	p := &Pool{
		group:  g,
		link:   l,
		tel:    opts.Telemetry,
		logger: opts.Logger.With("group", g.Name),
	}
	for _, sg := range g.SubGroups {
		p.subs = append(p.subs, newPool(sg, l, opts))
	}
	return p
}

// Name returns the group name.
func (p *Pool) Name() string { return p.group.Name }

// Start connects the broker (root pool only), launches every unit
// concurrently and returns once each has asked for its first delivery. Any
// launch failure stops the units already started and is returned.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pool %s: already running", p.group.Name)
	}
	p.mu.Unlock()

	if p.root {
		if err := p.link.connect(ctx); err != nil {
			return fmt.Errorf("pool %s: connect: %w", p.group.Name, err)
		}
	}

	units := make([]*unit.Unit, p.group.Units)
	for i := range units {
		id := fmt.Sprintf("%s-%d-%s", p.group.Name, i, uuid.NewString()[:8])
		units[i] = unit.New(id, p.unitConfig(), p.link.conn, p.tel, p.logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range units {
		g.Go(func() error {
			return u.Prepare(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		for _, u := range units {
			u.Shutdown(context.Background())
		}
		return fmt.Errorf("pool %s: start units: %w", p.group.Name, err)
	}

	p.mu.Lock()
	p.units = units
	p.drainCtx, p.drain = context.WithCancel(context.Background())
	p.hardCtx, p.hard = context.WithCancel(context.Background())
	p.running = true
	p.startedAt = time.Now().UTC()
	p.mu.Unlock()

	for _, u := range units {
		p.wg.Add(1)
		go p.supervise(u)
	}

	for _, u := range units {
		select {
		case <-u.Ready():
		case <-p.link.failed:
			p.abort()
			return fmt.Errorf("pool %s: start: %w", p.group.Name, p.link.err)
		case <-ctx.Done():
			p.abort()
			return ctx.Err()
		}
	}

	for _, sub := range p.subs {
		if err := sub.Start(ctx); err != nil {
			p.abort()
			return err
		}
	}

	p.logger.Info("pool started", "queue", p.group.Queue, "units", p.group.Units)
	p.tel.PoolStarted(p.group.Name, p.group.Units)
	return nil
}

func (p *Pool) unitConfig() unit.Config {
	return unit.Config{
		Group:           p.group.Name,
		Queue:           p.group.Queue,
		Process:         p.group.Process,
		TaskTimeout:     p.group.TaskTimeout,
		RestartAttempts: p.group.RestartAttempts,
		MaxHops:         p.group.MaxHops,
	}
}

// supervise keeps one unit running across broker reconnects until the pool
// drains or something fatal happens.
func (p *Pool) supervise(u *unit.Unit) {
	defer p.wg.Done()

	for {
		seen := p.link.generation()
		err := u.Run(p.drainCtx, p.hardCtx)
		if err == nil {
			return
		}
		if p.drainCtx.Err() != nil {
			u.Shutdown(p.hardCtx)
			return
		}
		if !broker.IsConnectionError(err) {
			p.logger.Error("unit failed", "unit", u.ID(), "error", err)
			p.link.fail(err)
			u.Shutdown(p.hardCtx)
			return
		}

		if err := p.resubscribe(u, seen); err != nil {
			if p.drainCtx.Err() == nil {
				p.logger.Error("unit could not resubscribe", "unit", u.ID(), "error", err)
				p.link.fail(err)
			}
			u.Shutdown(p.hardCtx)
			return
		}
	}
}

func (p *Pool) resubscribe(u *unit.Unit, seen uint64) error {
	for {
		if err := p.link.reconnect(p.drainCtx, seen); err != nil {
			return err
		}
		err := u.Resubscribe(p.drainCtx)
		if err == nil {
			return nil
		}
		if !broker.IsConnectionError(err) {
			return err
		}
		// Lost again before the subscription was opened.
		seen = p.link.generation()
	}
}

// Stop drains every unit of the pool tree. Units finish their in-flight task
// unless ctx ends first, in which case their processes are killed and the
// deliveries requeued. Stop does not close the connector.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	started := p.startedAt
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range p.subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sub.Stop(ctx)
		}()
	}

	p.drain()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("stop deadline reached, killing workers")
		p.hard()
		<-done
		err = fmt.Errorf("pool %s: %w", p.group.Name, ctx.Err())
	}
	p.hard()
	wg.Wait()

	elapsed := time.Since(started)
	p.logger.Info("pool stopped", "uptime", elapsed.Round(time.Millisecond))
	p.tel.PoolStopped(p.group.Name, elapsed)
	return err
}

// abort tears the pool down immediately after a failed Start.
func (p *Pool) abort() {
	for _, sub := range p.subs {
		sub.abort()
	}
	p.mu.Lock()
	running := p.running
	p.running = false
	p.mu.Unlock()
	if !running {
		return
	}
	p.drain()
	p.hard()
	p.wg.Wait()
}

// Close releases the broker connector. Only the root pool owns it.
func (p *Pool) Close() error {
	if !p.root {
		return nil
	}
	if err := p.link.conn.Close(); err != nil && !errors.Is(err, broker.ErrClosed) {
		return err
	}
	return nil
}

// Publish sends a message through the pool's connector.
func (p *Pool) Publish(ctx context.Context, target, payload, correlationID string, headers map[string]string) error {
	return p.link.conn.Publish(ctx, target, payload, correlationID, headers)
}

// Failed is closed when a unit in the pool tree hits an unrecoverable error.
func (p *Pool) Failed() <-chan struct{} { return p.link.failed }

// Err returns the error that closed Failed, or nil.
func (p *Pool) Err() error {
	select {
	case <-p.link.failed:
		return p.link.err
	default:
		return nil
	}
}

// Status reports the pool tree.
func (p *Pool) Status() Status {
	p.mu.Lock()
	st := Status{
		Group:   p.group.Name,
		Queue:   p.group.Queue,
		Running: p.running,
	}
	if p.running {
		st.StartedAt = p.startedAt
	}
	units := p.units
	p.mu.Unlock()

	st.Units = make([]unit.Status, 0, len(units))
	for _, u := range units {
		st.Units = append(st.Units, u.Status())
	}
	for _, sub := range p.subs {
		st.SubPools = append(st.SubPools, sub.Status())
	}
	return st
}
