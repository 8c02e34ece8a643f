package unit_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/procpool/internal/broker"
	"github.com/mattjoyce/procpool/internal/broker/mocks"
	"github.com/mattjoyce/procpool/internal/log"
	"github.com/mattjoyce/procpool/internal/process"
	"github.com/mattjoyce/procpool/internal/telemetry"
	"github.com/mattjoyce/procpool/internal/testworker"
	"github.com/mattjoyce/procpool/internal/unit"
)

const queue = "tasks"

func TestMain(m *testing.M) {
	if testworker.Enabled() {
		testworker.Main()
		return
	}
	os.Exit(m.Run())
}

type recorder struct {
	mu    sync.Mutex
	tasks []telemetry.Task
}

func (r *recorder) PoolStarted(string, int)           {}
func (r *recorder) PoolStopped(string, time.Duration) {}

func (r *recorder) TaskResolved(t telemetry.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
}

func (r *recorder) snapshot() []telemetry.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]telemetry.Task(nil), r.tasks...)
}

func (r *recorder) count(o telemetry.Outcome) int {
	n := 0
	for _, t := range r.snapshot() {
		if t.Outcome == o {
			n++
		}
	}
	return n
}

type harness struct {
	t      *testing.T
	broker *broker.MemoryBroker
	conn   *broker.MemoryConnector
	rec    *recorder
	unit   *unit.Unit

	drain    context.CancelFunc
	hard     context.CancelFunc
	finished chan struct{}
	result   error
}

func newHarness(t *testing.T, cfg unit.Config) *harness {
	t.Helper()
	if cfg.Group == "" {
		cfg.Group = "g"
	}
	if cfg.Queue == "" {
		cfg.Queue = queue
	}
	if cfg.Process.Command == "" {
		cfg.Process = testworker.Spec()
	}
	if cfg.RestartAttempts == 0 {
		cfg.RestartAttempts = 3
	}

	b := broker.NewMemoryBroker()
	conn := broker.NewMemoryConnector(broker.MemorySetting{Broker: b, Queue: cfg.Queue})
	require.NoError(t, conn.Connect(context.Background()))

	h := &harness{
		t:      t,
		broker: b,
		conn:   conn,
		rec:    &recorder{},
	}
	h.unit = unit.New("g-0", cfg, conn, h.rec, log.Discard())
	require.NoError(t, h.unit.Prepare(context.Background()))
	t.Cleanup(func() {
		_ = h.stop(time.Second)
		_ = conn.Close()
	})
	return h
}

func (h *harness) run() {
	h.t.Helper()
	drainCtx, drain := context.WithCancel(context.Background())
	hardCtx, hard := context.WithCancel(context.Background())
	h.drain, h.hard = drain, hard
	h.finished = make(chan struct{})
	go func() {
		defer close(h.finished)
		h.result = h.unit.Run(drainCtx, hardCtx)
	}()

	select {
	case <-h.unit.Ready():
	case <-time.After(10 * time.Second):
		h.t.Fatal("unit never became ready")
	}
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case <-h.finished:
		return h.result
	case <-time.After(15 * time.Second):
		h.t.Fatal("Run did not return")
		return nil
	}
}

// stop drains the unit and forces a hard stop after grace.
func (h *harness) stop(grace time.Duration) error {
	if h.finished == nil {
		h.unit.Shutdown(context.Background())
		return nil
	}
	h.drain()
	timer := time.AfterFunc(grace, h.hard)
	defer timer.Stop()
	defer h.hard()
	return h.wait()
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 10*time.Second, 10*time.Millisecond, msg)
}

func TestRunAcksNoReply(t *testing.T) {
	h := newHarness(t, unit.Config{})
	h.run()

	h.broker.Enqueue(queue, broker.Message{Payload: "hello", CorrelationID: "c1"})
	eventually(t, func() bool { return h.rec.count(telemetry.OutcomeSuccess) == 1 }, "task not resolved")

	acks, nacks := h.broker.Counts()
	assert.Equal(t, 1, acks)
	assert.Equal(t, 0, nacks)
	assert.Equal(t, 0, h.broker.Inflight())

	task := h.rec.snapshot()[0]
	assert.Equal(t, "g", task.Group)
	assert.Equal(t, queue, task.Queue)
	assert.Equal(t, "g-0", task.UnitID)
	assert.Equal(t, "c1", task.CorrelationID)
	assert.Equal(t, int64(1), h.unit.Status().Processed)
}

func TestRunPublishesReply(t *testing.T) {
	h := newHarness(t, unit.Config{})
	h.run()

	h.broker.Enqueue(queue, broker.Message{
		Payload:       "payload",
		CorrelationID: "abc",
		Headers:       map[string]string{"reply": "out", "trace": "t-1"},
	})
	eventually(t, func() bool { return len(h.broker.Published("out")) == 1 }, "reply not published")

	msg := h.broker.Published("out")[0]
	assert.Equal(t, "payload", msg.Payload)
	assert.Equal(t, "abc", msg.CorrelationID)
	assert.Equal(t, "t-1", msg.Headers["trace"])
	_, hasHops := msg.Headers[unit.HopsHeader]
	assert.False(t, hasHops, "replies to other queues are not hop-counted")

	eventually(t, func() bool { return h.rec.count(telemetry.OutcomeReply) == 1 }, "reply not recorded")
	assert.Equal(t, "out", h.rec.snapshot()[0].ReplyTarget)
	acks, _ := h.broker.Counts()
	assert.Equal(t, 1, acks)
}

func TestRunQuarantinesMalformedResult(t *testing.T) {
	h := newHarness(t, unit.Config{})
	h.run()
	pid := h.unit.Status().PID
	require.NotZero(t, pid)

	h.broker.Enqueue(queue, broker.Message{Payload: "garbage", CorrelationID: "bad"})
	eventually(t, func() bool { return h.rec.count(telemetry.OutcomePoison) == 1 }, "malformed result not quarantined")

	assert.Len(t, h.broker.DeadLetters(queue), 1)
	assert.Equal(t, pid, h.unit.Status().PID, "process is kept after a malformed result")
	assert.Zero(t, h.unit.Status().Restarts)

	// The worker keeps serving.
	h.broker.Enqueue(queue, broker.Message{Payload: "next"})
	eventually(t, func() bool { return h.rec.count(telemetry.OutcomeSuccess) == 1 }, "follow-up task not handled")
}

func TestRunDeadLettersFailedTask(t *testing.T) {
	h := newHarness(t, unit.Config{})
	h.run()

	h.broker.Enqueue(queue, broker.Message{Payload: "fail", CorrelationID: "f1"})
	eventually(t, func() bool { return h.rec.count(telemetry.OutcomeFailed) == 1 }, "failure not recorded")

	dead := h.broker.DeadLetters(queue)
	require.Len(t, dead, 1)
	assert.Equal(t, "f1", dead[0].CorrelationID)
	assert.Equal(t, "asked to fail", h.rec.snapshot()[0].Error)
	assert.Zero(t, h.broker.Depth(queue))
}

func TestRunRequeuesOnCrash(t *testing.T) {
	h := newHarness(t, unit.Config{})
	h.run()
	pid := h.unit.Status().PID

	h.broker.Enqueue(queue, broker.Message{Payload: "crash", CorrelationID: "boom"})
	eventually(t, func() bool { return h.rec.count(telemetry.OutcomeRequeued) >= 1 }, "crash not requeued")
	eventually(t, func() bool {
		st := h.unit.Status()
		return st.Restarts >= 1 && st.PID != 0 && st.PID != pid
	}, "worker not respawned")

	require.NoError(t, h.stop(5*time.Second))
	assert.Equal(t, 1, h.broker.Depth(queue), "crashed task is back on the queue")
	assert.Empty(t, h.broker.DeadLetters(queue))
}

func TestRunRespawnsIdleCrash(t *testing.T) {
	h := newHarness(t, unit.Config{})
	h.run()
	pid := h.unit.Status().PID
	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))

	eventually(t, func() bool {
		st := h.unit.Status()
		return st.Restarts == 1 && st.PID != 0 && st.PID != pid
	}, "idle worker not respawned")

	h.broker.Enqueue(queue, broker.Message{Payload: "after"})
	eventually(t, func() bool { return h.rec.count(telemetry.OutcomeSuccess) == 1 }, "respawned worker not serving")
}

func TestRunTaskTimeout(t *testing.T) {
	h := newHarness(t, unit.Config{TaskTimeout: 200 * time.Millisecond})
	h.run()
	pid := h.unit.Status().PID

	h.broker.Enqueue(queue, broker.Message{Payload: "sleep:5s", CorrelationID: "slow"})
	eventually(t, func() bool { return h.rec.count(telemetry.OutcomeRequeued) >= 1 }, "timed-out task not requeued")
	eventually(t, func() bool { return h.unit.Status().PID != pid }, "hung worker not replaced")

	require.NoError(t, h.stop(time.Second))
	assert.Equal(t, 1, h.broker.Depth(queue))
}

func TestRunContinuationTerminates(t *testing.T) {
	h := newHarness(t, unit.Config{MaxHops: 1000})
	h.run()

	h.broker.Enqueue(queue, broker.Message{
		Payload:       "loop",
		CorrelationID: "chain",
		Headers:       map[string]string{"remaining": "3"},
	})
	eventually(t, func() bool { return h.rec.count(telemetry.OutcomeSuccess) == 1 }, "chain did not finish")

	published := h.broker.Published(queue)
	require.Len(t, published, 3)
	for i, msg := range published {
		assert.Equal(t, "chain", msg.CorrelationID)
		assert.Equal(t, []string{"1", "2", "3"}[i], msg.Headers[unit.HopsHeader])
	}
	assert.Equal(t, 3, h.rec.count(telemetry.OutcomeReply))
	acks, _ := h.broker.Counts()
	assert.Equal(t, 4, acks)
}

func TestRunHopGuard(t *testing.T) {
	h := newHarness(t, unit.Config{MaxHops: 3})
	h.run()

	h.broker.Enqueue(queue, broker.Message{
		Payload:       "loop",
		CorrelationID: "runaway",
		Headers:       map[string]string{"remaining": "10"},
	})
	eventually(t, func() bool { return h.rec.count(telemetry.OutcomePoison) == 1 }, "runaway chain not quarantined")

	assert.Len(t, h.broker.Published(queue), 3)
	dead := h.broker.DeadLetters(queue)
	require.Len(t, dead, 1)
	assert.Equal(t, "3", dead[0].Headers[unit.HopsHeader])
	assert.Equal(t, "7", dead[0].Headers["remaining"])

	var poisoned telemetry.Task
	for _, task := range h.rec.snapshot() {
		if task.Outcome == telemetry.OutcomePoison {
			poisoned = task
		}
	}
	assert.Contains(t, poisoned.Error, unit.ErrHopLimit.Error())
}

func TestRunDrainFinishesInFlightTask(t *testing.T) {
	h := newHarness(t, unit.Config{})
	h.run()

	h.broker.Enqueue(queue, broker.Message{Payload: "sleep:300ms", CorrelationID: "inflight"})
	eventually(t, func() bool { return h.unit.State() == unit.StateAwaitingResult }, "task not dispatched")

	require.NoError(t, h.stop(10*time.Second))
	assert.Equal(t, 1, h.rec.count(telemetry.OutcomeSuccess))
	assert.Equal(t, unit.StateStopped, h.unit.State())
	assert.Zero(t, h.unit.Status().PID)
	assert.Zero(t, h.broker.Inflight())
}

func TestRunShutdownDeadlineRequeues(t *testing.T) {
	h := newHarness(t, unit.Config{})
	h.run()

	h.broker.Enqueue(queue, broker.Message{Payload: "sleep:30s", CorrelationID: "stuck"})
	eventually(t, func() bool { return h.unit.State() == unit.StateAwaitingResult }, "task not dispatched")

	started := time.Now()
	require.NoError(t, h.stop(300*time.Millisecond))
	assert.Less(t, time.Since(started), 10*time.Second)

	assert.Equal(t, unit.StateStopped, h.unit.State())
	assert.Equal(t, 1, h.broker.Depth(queue), "unfinished task requeued")
	assert.Equal(t, 1, h.rec.count(telemetry.OutcomeRequeued))
}

func TestRunConnectionLossKeepsProcess(t *testing.T) {
	h := newHarness(t, unit.Config{})
	h.run()
	pid := h.unit.Status().PID

	h.broker.FailConnections()
	err := h.wait()
	require.Error(t, err)
	assert.True(t, broker.IsConnectionError(err))
	assert.Equal(t, pid, h.unit.Status().PID, "process survives a broker disconnect")

	require.NoError(t, h.conn.Connect(context.Background()))
	require.NoError(t, h.unit.Resubscribe(context.Background()))
	h.run()

	h.broker.Enqueue(queue, broker.Message{Payload: "back"})
	eventually(t, func() bool { return h.rec.count(telemetry.OutcomeSuccess) == 1 }, "task after reconnect not handled")
	assert.Equal(t, pid, h.unit.Status().PID)
}

func TestRunBeforePrepare(t *testing.T) {
	u := unit.New("g-0", unit.Config{Queue: queue}, nil, nil, log.Discard())
	err := u.Run(context.Background(), context.Background())
	require.Error(t, err)
}

func TestPrepareLaunchFailure(t *testing.T) {
	conn := broker.NewMemoryConnector(broker.MemorySetting{Broker: broker.NewMemoryBroker(), Queue: queue})
	u := unit.New("g-0", unit.Config{
		Queue:           queue,
		Process:         testworkerMissing(),
		RestartAttempts: 2,
	}, conn, nil, log.Discard())

	err := u.Prepare(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/nonexistent/worker")
}

func testworkerMissing() process.Spec {
	spec := testworker.Spec()
	spec.Command = "/nonexistent/worker"
	return spec
}

func mockedUnit(t *testing.T, conn broker.Connector, cfg unit.Config) *unit.Unit {
	t.Helper()
	cfg.Group = "g"
	cfg.Queue = queue
	cfg.Process = testworker.Spec()
	u := unit.New("g-0", cfg, conn, nil, log.Discard())
	require.NoError(t, u.Prepare(context.Background()))
	return u
}

func TestPublishFailureRequeues(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConnector(ctrl)
	sub := mocks.NewMockSubscription(ctrl)

	deliveries := make(chan *broker.Delivery, 1)
	conn.EXPECT().Consume(gomock.Any(), queue).Return(sub, nil)
	sub.EXPECT().Deliveries().Return((<-chan *broker.Delivery)(deliveries)).AnyTimes()
	sub.EXPECT().Close().Return(nil).AnyTimes()

	d := broker.NewDelivery(broker.Envelope{
		Payload:       "x",
		CorrelationID: "c1",
		Queue:         queue,
		Headers:       map[string]string{"reply": "out"},
	}, nil)

	resolved := make(chan struct{})
	conn.EXPECT().Publish(gomock.Any(), "out", "x", "c1", gomock.Any()).Return(errors.New("channel closed"))
	conn.EXPECT().Nack(gomock.Any(), d, true).DoAndReturn(func(context.Context, *broker.Delivery, bool) error {
		close(resolved)
		return nil
	})

	u := mockedUnit(t, conn, unit.Config{})
	drainCtx, drain := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Run(drainCtx, context.Background()) }()

	deliveries <- d
	select {
	case <-resolved:
	case <-time.After(10 * time.Second):
		t.Fatal("delivery was not nacked")
	}

	drain()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after drain")
	}
}

func TestAckConnectionErrorEndsRun(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConnector(ctrl)
	sub := mocks.NewMockSubscription(ctrl)

	deliveries := make(chan *broker.Delivery, 1)
	conn.EXPECT().Consume(gomock.Any(), queue).Return(sub, nil)
	sub.EXPECT().Deliveries().Return((<-chan *broker.Delivery)(deliveries)).AnyTimes()
	sub.EXPECT().Close().Return(nil).AnyTimes()

	d := broker.NewDelivery(broker.Envelope{Payload: "x", CorrelationID: "c1", Queue: queue}, nil)
	connErr := &broker.ConnectionError{Kind: "mock", Err: errors.New("socket closed")}
	conn.EXPECT().Ack(gomock.Any(), d).Return(connErr)

	u := mockedUnit(t, conn, unit.Config{})
	t.Cleanup(func() { u.Shutdown(context.Background()) })

	done := make(chan error, 1)
	go func() { done <- u.Run(context.Background(), context.Background()) }()
	deliveries <- d

	select {
	case err := <-done:
		require.ErrorIs(t, err, connErr)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return on connection error")
	}
	assert.NotZero(t, u.Status().PID)
}

func TestRunQuarantinesBlankResult(t *testing.T) {
	h := newHarness(t, unit.Config{})
	h.run()
	pid := h.unit.Status().PID

	h.broker.Enqueue(queue, broker.Message{Payload: "blank", CorrelationID: "empty"})
	eventually(t, func() bool { return h.rec.count(telemetry.OutcomePoison) == 1 }, "blank result not quarantined")

	dead := h.broker.DeadLetters(queue)
	require.Len(t, dead, 1)
	assert.Equal(t, "empty", dead[0].CorrelationID)
	acks, nacks := h.broker.Counts()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 1, nacks)
	assert.Equal(t, pid, h.unit.Status().PID)
}

func TestRunRedeliveryIsNotDeduplicated(t *testing.T) {
	h := newHarness(t, unit.Config{})
	h.run()

	msg := broker.Message{
		Payload:       "same",
		CorrelationID: "dup",
		Headers:       map[string]string{"reply": "out", "trace": "t-1"},
	}
	h.broker.Enqueue(queue, msg)
	h.broker.Enqueue(queue, msg)

	eventually(t, func() bool { return h.rec.count(telemetry.OutcomeReply) == 2 }, "both deliveries must resolve")
	published := h.broker.Published("out")
	require.Len(t, published, 2)
	for _, p := range published {
		assert.Equal(t, "same", p.Payload)
		assert.Equal(t, "dup", p.CorrelationID)
	}
	acks, nacks := h.broker.Counts()
	assert.Equal(t, 2, acks)
	assert.Equal(t, 0, nacks)
}

func TestRunDiscardsOutputBetweenTasks(t *testing.T) {
	h := newHarness(t, unit.Config{})
	h.run()

	h.broker.Enqueue(queue, broker.Message{Payload: "chatty"})
	eventually(t, func() bool { return h.rec.count(telemetry.OutcomeSuccess) == 1 }, "chatty task not resolved")
	// Let the trailing line reach the manager before the next dispatch.
	time.Sleep(200 * time.Millisecond)

	h.broker.Enqueue(queue, broker.Message{Payload: "next", CorrelationID: "n1"})
	eventually(t, func() bool { return h.rec.count(telemetry.OutcomeSuccess) == 2 }, "next task not resolved")
	assert.Zero(t, h.rec.count(telemetry.OutcomePoison), "stray line taken as a result")
	assert.Empty(t, h.broker.DeadLetters(queue))
}
