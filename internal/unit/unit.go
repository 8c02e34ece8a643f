package unit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mattjoyce/procpool/internal/broker"
	"github.com/mattjoyce/procpool/internal/process"
	"github.com/mattjoyce/procpool/internal/protocol"
	"github.com/mattjoyce/procpool/internal/telemetry"
)

// HopsHeader counts how many times a task has been republished to its own queue.
const HopsHeader = "x-procpool-hops"

const (
	// resolveTimeout bounds one ack, nack or publish.
	resolveTimeout = 10 * time.Second

	respawnInitialInterval = 100 * time.Millisecond
	respawnMaxInterval     = 2 * time.Second
)

// ErrHopLimit marks a continuation chain that exceeded the group's hop limit.
var ErrHopLimit = errors.New("hop limit exceeded")

// Config is everything a unit needs to know about its group.
type Config struct {
	Group   string
	Queue   string
	Process process.Spec
	// TaskTimeout of 0 waits for results indefinitely.
	TaskTimeout time.Duration
	// RestartAttempts bounds consecutive failed spawns before the unit gives up.
	RestartAttempts int
	// MaxHops of 0 disables the hop guard.
	MaxHops int
}

// Status is a point-in-time view of a unit.
type Status struct {
	ID        string `json:"id"`
	State     State  `json:"state"`
	PID       int    `json:"pid"`
	Processed int64  `json:"processed"`
	Restarts  int64  `json:"restarts"`
}

// Unit is one (process, subscription) pair.
type Unit struct {
	id     string
	cfg    Config
	conn   broker.Connector
	tel    telemetry.Telemetry
	logger *slog.Logger

	// proc and sub are owned by the goroutine calling Prepare, Run,
	// Resubscribe and Shutdown; they are never used concurrently.
	proc *process.Manager
	sub  broker.Subscription

	state     atomic.Int32
	pid       atomic.Int64
	processed atomic.Int64
	restarts  atomic.Int64

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a unit. Prepare must succeed before Run.
func New(id string, cfg Config, conn broker.Connector, tel telemetry.Telemetry, logger *slog.Logger) *Unit {
	if tel == nil {
		tel = telemetry.Nop{}
	}
	if cfg.RestartAttempts <= 0 {
		cfg.RestartAttempts = 1
	}
	return &Unit{
		id:     id,
		cfg:    cfg,
		conn:   conn,
		tel:    tel,
		logger: logger.With("unit", id),
		ready:  make(chan struct{}),
	}
}

// ID returns the unit's identifier.
func (u *Unit) ID() string { return u.id }

// State returns the current state.
func (u *Unit) State() State { return State(u.state.Load()) }

// Ready is closed the first time the unit waits for a delivery.
func (u *Unit) Ready() <-chan struct{} { return u.ready }

// Status returns a snapshot for reporting.
func (u *Unit) Status() Status {
	return Status{
		ID:        u.id,
		State:     u.State(),
		PID:       int(u.pid.Load()),
		Processed: u.processed.Load(),
		Restarts:  u.restarts.Load(),
	}
}

func (u *Unit) setState(s State) {
	u.state.Store(int32(s))
}

// Prepare starts the worker process and opens the subscription.
func (u *Unit) Prepare(ctx context.Context) error {
	if err := u.spawn(ctx); err != nil {
		return err
	}
	if err := u.Resubscribe(ctx); err != nil {
		u.killProcess()
		return err
	}
	return nil
}

// Resubscribe replaces the subscription, keeping the process. Pools call it
// after reconnecting the connector.
func (u *Unit) Resubscribe(ctx context.Context) error {
	if u.sub != nil {
		_ = u.sub.Close()
		u.sub = nil
	}
	sub, err := u.conn.Consume(ctx, u.cfg.Queue)
	if err != nil {
		return fmt.Errorf("unit %s: consume %q: %w", u.id, u.cfg.Queue, err)
	}
	u.sub = sub
	return nil
}

// Run processes deliveries until drainCtx is done, then drains and stops.
// Work already in flight is allowed to finish until hardCtx is done, at which
// point the process is killed and the delivery requeued.
//
// Run returns nil after a clean drain. A *broker.ConnectionError means the
// subscription or connector failed; the process is still running and the
// caller may Resubscribe and Run again, or Shutdown. A *process.LaunchError
// means the worker could not be respawned.
func (u *Unit) Run(drainCtx, hardCtx context.Context) error {
	if u.proc == nil || u.sub == nil {
		return fmt.Errorf("unit %s: Run before Prepare", u.id)
	}

	for {
		if drainCtx.Err() != nil {
			u.drain(hardCtx)
			return nil
		}
		u.setState(StateAwaitingDelivery)
		u.readyOnce.Do(func() { close(u.ready) })

		select {
		case <-drainCtx.Done():
			u.drain(hardCtx)
			return nil

		case <-u.proc.Exited():
			u.logger.Warn("worker exited while idle, respawning",
				"exit_error", u.proc.ExitErr(), "stderr", u.proc.StderrTail())
			if err := u.respawn(hardCtx); err != nil {
				return err
			}

		case d, ok := <-u.sub.Deliveries():
			if !ok {
				err := u.sub.Err()
				u.setState(StateIdle)
				if err == nil {
					err = &broker.ConnectionError{Kind: "subscription", Err: errors.New("deliveries closed")}
				}
				return err
			}
			if err := u.handle(hardCtx, d); err != nil {
				if hardCtx.Err() != nil {
					u.drain(hardCtx)
					return nil
				}
				return err
			}
			u.setState(StateIdle)
		}
	}
}

// Shutdown closes the subscription and stops the process. ctx bounds the
// graceful part of the process shutdown.
func (u *Unit) Shutdown(ctx context.Context) {
	u.drain(ctx)
}

func (u *Unit) drain(ctx context.Context) {
	if u.State() == StateStopped {
		return
	}
	u.setState(StateDraining)
	if u.sub != nil {
		_ = u.sub.Close()
		u.sub = nil
	}
	if u.proc != nil {
		if err := u.proc.Stop(ctx); err != nil {
			u.logger.Warn("worker stop failed", "error", err)
		}
		u.proc = nil
		u.pid.Store(0)
	}
	u.setState(StateStopped)
	u.logger.Debug("unit stopped")
}

// handle takes one delivery through dispatch, result and resolution. A
// non-nil error is fatal to this Run call.
func (u *Unit) handle(hardCtx context.Context, d *broker.Delivery) error {
	started := time.Now()
	logger := u.logger.With("correlation_id", d.CorrelationID, "queue", d.Queue)

	req := &protocol.Request{
		Message:           d.Payload,
		Group:             u.cfg.Group,
		CorrelationID:     d.CorrelationID,
		OriginalQueueName: d.Queue,
		Headers:           d.Headers,
	}

	u.setState(StateDispatching)
	line, err := protocol.MarshalRequest(req)
	if err != nil {
		return u.resolvePoison(d, started, logger, err)
	}
	if stray := u.proc.DiscardPending(); len(stray) > 0 {
		logger.Warn("discarding worker output written outside a task", "lines", len(stray), "first", stray[0])
	}
	if err := u.proc.SendLine(string(line)); err != nil {
		logger.Warn("worker pipe broken, requeueing task", "error", err)
		return u.requeueAndRespawn(hardCtx, d, started, err)
	}

	u.setState(StateAwaitingResult)
	taskCtx, cancel := u.taskContext(hardCtx)
	out, err := u.proc.ReceiveLine(taskCtx)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, process.ErrExited):
			logger.Warn("worker exited mid-task, requeueing",
				"exit_error", u.proc.ExitErr(), "stderr", u.proc.StderrTail())
			return u.requeueAndRespawn(hardCtx, d, started, err)
		case hardCtx.Err() != nil:
			logger.Warn("shutdown deadline reached mid-task, killing worker")
			u.killProcess()
			u.nack(d, true, started, telemetry.OutcomeRequeued, err)
			return hardCtx.Err()
		default:
			logger.Warn("task timed out, killing worker", "timeout", u.cfg.TaskTimeout)
			u.killProcess()
			return u.requeueAndRespawn(hardCtx, d, started, err)
		}
	}

	u.setState(StateResolving)
	resp, err := protocol.DecodeResponse(out)
	if err != nil {
		return u.resolvePoison(d, started, logger, err)
	}

	switch resp.Outcome() {
	case protocol.OutcomeFailed:
		logger.Info("worker reported failure, dead-lettering", "message", resp.Message)
		return u.nack(d, false, started, telemetry.OutcomeFailed, errors.New(resp.Message))

	case protocol.OutcomeReply:
		return u.reply(d, req, resp, started, logger)

	default:
		return u.ack(d, started, telemetry.OutcomeSuccess, "")
	}
}

func (u *Unit) reply(d *broker.Delivery, req *protocol.Request, resp *protocol.Response, started time.Time, logger *slog.Logger) error {
	target := resp.ReplyQueueName
	headers := protocol.ReplyHeaders(req, resp)

	if target == d.Queue {
		hops := hopCount(d.Headers) + 1
		if u.cfg.MaxHops > 0 && hops > u.cfg.MaxHops {
			logger.Warn("continuation exceeded hop limit, quarantining", "hops", hops, "max_hops", u.cfg.MaxHops)
			return u.nack(d, false, started, telemetry.OutcomePoison, fmt.Errorf("%w: %d > %d", ErrHopLimit, hops, u.cfg.MaxHops))
		}
		if headers == nil {
			headers = make(map[string]string, 1)
		}
		headers[HopsHeader] = strconv.Itoa(hops)
	}

	ctx, cancel := resolveContext()
	err := u.conn.Publish(ctx, target, resp.Message, d.CorrelationID, headers)
	cancel()
	if err != nil {
		logger.Error("reply publish failed, requeueing task", "reply_target", target, "error", err)
		u.nack(d, true, started, telemetry.OutcomeRequeued, err)
		if broker.IsConnectionError(err) {
			return err
		}
		return nil
	}
	return u.ack(d, started, telemetry.OutcomeReply, target)
}

func (u *Unit) resolvePoison(d *broker.Delivery, started time.Time, logger *slog.Logger, cause error) error {
	logger.Warn("undecodable worker result, quarantining task", "error", cause)
	return u.nack(d, false, started, telemetry.OutcomePoison, cause)
}

func (u *Unit) ack(d *broker.Delivery, started time.Time, outcome telemetry.Outcome, replyTarget string) error {
	ctx, cancel := resolveContext()
	defer cancel()

	err := u.conn.Ack(ctx, d)
	u.report(d, started, outcome, replyTarget, err)
	if err != nil {
		u.logger.Error("ack failed", "correlation_id", d.CorrelationID, "error", err)
		if broker.IsConnectionError(err) {
			return err
		}
	}
	return nil
}

// nack resolves d and reports outcome. cause is the reason for the nack; the
// returned error is only set when the broker connection failed.
func (u *Unit) nack(d *broker.Delivery, requeue bool, started time.Time, outcome telemetry.Outcome, cause error) error {
	ctx, cancel := resolveContext()
	defer cancel()

	err := u.conn.Nack(ctx, d, requeue)
	if err != nil {
		u.logger.Error("nack failed", "correlation_id", d.CorrelationID, "requeue", requeue, "error", err)
		cause = errors.Join(cause, err)
	}
	u.report(d, started, outcome, "", cause)
	if err != nil && broker.IsConnectionError(err) {
		return err
	}
	return nil
}

func (u *Unit) report(d *broker.Delivery, started time.Time, outcome telemetry.Outcome, replyTarget string, err error) {
	u.processed.Add(1)
	task := telemetry.Task{
		Group:         u.cfg.Group,
		Queue:         d.Queue,
		UnitID:        u.id,
		CorrelationID: d.CorrelationID,
		Outcome:       outcome,
		ReplyTarget:   replyTarget,
		Elapsed:       time.Since(started),
		At:            time.Now().UTC(),
	}
	if err != nil {
		task.Error = err.Error()
	}
	u.tel.TaskResolved(task)
}

func (u *Unit) requeueAndRespawn(hardCtx context.Context, d *broker.Delivery, started time.Time, cause error) error {
	if err := u.nack(d, true, started, telemetry.OutcomeRequeued, cause); err != nil {
		// Respawn anyway so the process is healthy when the pool resubscribes.
		if rerr := u.respawn(hardCtx); rerr != nil {
			return rerr
		}
		return err
	}
	return u.respawn(hardCtx)
}

func (u *Unit) taskContext(parent context.Context) (context.Context, context.CancelFunc) {
	if u.cfg.TaskTimeout > 0 {
		return context.WithTimeout(parent, u.cfg.TaskTimeout)
	}
	return context.WithCancel(parent)
}

// resolveContext is detached from shutdown so a finished task can still be
// acknowledged after the drain deadline.
func resolveContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), resolveTimeout)
}

func (u *Unit) killProcess() {
	if u.proc == nil {
		return
	}
	_ = u.proc.Kill()
}

// respawn replaces the current process.
func (u *Unit) respawn(ctx context.Context) error {
	u.killProcess()
	u.proc = nil
	u.pid.Store(0)
	u.restarts.Add(1)
	return u.spawn(ctx)
}

// spawn starts the worker, retrying launch failures with backoff up to
// RestartAttempts times.
func (u *Unit) spawn(ctx context.Context) error {
	u.setState(StateIdle)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = respawnInitialInterval
	b.MaxInterval = respawnMaxInterval

	proc, err := backoff.Retry(ctx, func() (*process.Manager, error) {
		return process.Spawn(u.cfg.Process, u.logger)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(u.cfg.RestartAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			u.logger.Warn("worker launch failed, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		var launchErr *process.LaunchError
		if !errors.As(err, &launchErr) {
			err = &process.LaunchError{Command: u.cfg.Process.Command, Err: err}
		}
		return err
	}

	u.proc = proc
	u.pid.Store(int64(proc.PID()))
	u.logger.Debug("worker ready", "pid", proc.PID())
	return nil
}

func hopCount(headers map[string]string) int {
	n, err := strconv.Atoi(headers[HopsHeader])
	if err != nil || n < 0 {
		return 0
	}
	return n
}
