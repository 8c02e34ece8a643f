package pool_test

import (
	"context"
	"errors"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/procpool/internal/broker"
	"github.com/mattjoyce/procpool/internal/log"
	"github.com/mattjoyce/procpool/internal/pool"
	"github.com/mattjoyce/procpool/internal/testworker"
	"github.com/mattjoyce/procpool/internal/unit"
)

func TestMain(m *testing.M) {
	if testworker.Enabled() {
		testworker.Main()
		return
	}
	os.Exit(m.Run())
}

func fastRetry(attempts int) pool.Retry {
	return pool.Retry{MaxAttempts: attempts, BackoffBase: 10 * time.Millisecond, BackoffMax: 50 * time.Millisecond}
}

func startPool(t *testing.T, b *broker.MemoryBroker, g pool.Group) *pool.Pool {
	t.Helper()
	conn := broker.NewMemoryConnector(broker.MemorySetting{Broker: b, Queue: g.Queue})
	p := pool.New(g, conn, pool.Options{Retry: fastRetry(3), Logger: log.Discard()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
		_ = p.Close()
	})
	return p
}

func group(name string, units int) pool.Group {
	return pool.Group{
		Name:            name,
		Queue:           name,
		Units:           units,
		Process:         testworker.Spec(),
		RestartAttempts: 3,
		MaxHops:         1000,
	}
}

func pids(st pool.Status) map[int]bool {
	out := make(map[int]bool)
	for _, u := range st.Units {
		if u.PID != 0 {
			out[u.PID] = true
		}
	}
	return out
}

func TestStartLaunchesEveryUnit(t *testing.T) {
	b := broker.NewMemoryBroker()
	p := startPool(t, b, group("work", 3))

	st := p.Status()
	assert.True(t, st.Running)
	require.Len(t, st.Units, 3)
	assert.Len(t, pids(st), 3, "one distinct process per unit")
	for _, u := range st.Units {
		assert.Equal(t, unit.StateAwaitingDelivery, u.State)
	}
}

func TestKilledUnitDoesNotStopOthers(t *testing.T) {
	b := broker.NewMemoryBroker()
	p := startPool(t, b, group("work", 3))

	victim := p.Status().Units[0].PID
	require.NoError(t, syscall.Kill(victim, syscall.SIGKILL))

	for i := 0; i < 20; i++ {
		b.Enqueue("work", broker.Message{Payload: "task-" + strconv.Itoa(i)})
	}
	require.Eventually(t, func() bool {
		acks, _ := b.Counts()
		return acks == 20
	}, 15*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		live := pids(p.Status())
		return len(live) == 3 && !live[victim]
	}, 10*time.Second, 20*time.Millisecond, "killed worker respawned")
}

func TestContinuationTerminates(t *testing.T) {
	b := broker.NewMemoryBroker()
	startPool(t, b, group("jobs", 2))

	b.Enqueue("jobs", broker.Message{
		Payload:       "resume",
		CorrelationID: "job-1",
		Headers:       map[string]string{"remaining": "5"},
	})

	require.Eventually(t, func() bool {
		acks, _ := b.Counts()
		return acks == 6
	}, 15*time.Second, 20*time.Millisecond)

	published := b.Published("jobs")
	assert.Len(t, published, 5)
	assert.Equal(t, "0", published[4].Headers["remaining"])
	assert.Zero(t, b.Depth("jobs"))
}

func TestRPCFibonacci(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"10", "55"},
		{"-10", "-55"},
		{"-9", "34"},
		{"0", "0"},
	}

	b := broker.NewMemoryBroker()
	startPool(t, b, group("Q", 2))

	for i, tc := range cases {
		corr := "abc123"
		if i > 0 {
			corr = "abc123-" + strconv.Itoa(i)
		}
		b.Enqueue("Q", broker.Message{
			Payload:       tc.input,
			CorrelationID: corr,
			Headers:       map[string]string{"mode": "fib"},
		})

		target := "Q_" + corr
		require.Eventually(t, func() bool { return len(b.Published(target)) == 1 }, 10*time.Second, 10*time.Millisecond, target)
		msg := b.Published(target)[0]
		assert.Equal(t, tc.want, msg.Payload, "fib(%s)", tc.input)
		assert.Equal(t, corr, msg.CorrelationID)
	}
}

func TestSubPoolsShareConnector(t *testing.T) {
	b := broker.NewMemoryBroker()
	g := group("parent", 1)
	g.SubGroups = []pool.Group{group("child", 2)}
	p := startPool(t, b, g)

	st := p.Status()
	require.Len(t, st.SubPools, 1)
	assert.Equal(t, "child", st.SubPools[0].Group)
	assert.Len(t, st.SubPools[0].Units, 2)

	b.Enqueue("parent", broker.Message{Payload: "a"})
	b.Enqueue("child", broker.Message{Payload: "b"})
	require.Eventually(t, func() bool {
		acks, _ := b.Counts()
		return acks == 2
	}, 10*time.Second, 10*time.Millisecond)
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	b := broker.NewMemoryBroker()
	p := startPool(t, b, group("work", 2))
	before := pids(p.Status())

	b.FailConnections()
	b.Enqueue("work", broker.Message{Payload: "after-reconnect"})

	require.Eventually(t, func() bool {
		acks, _ := b.Counts()
		return acks == 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.NoError(t, p.Err())
	assert.Equal(t, before, pids(p.Status()), "processes survive a reconnect")
}

func TestReconnectRetriesExhausted(t *testing.T) {
	b := broker.NewMemoryBroker()
	p := startPool(t, b, group("work", 1))

	b.SetDown(true)
	b.FailConnections()

	select {
	case <-p.Failed():
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not fail")
	}
	assert.True(t, errors.Is(p.Err(), pool.ErrRetriesExhausted))
}

func TestStartFailsFastOnLaunchError(t *testing.T) {
	b := broker.NewMemoryBroker()
	g := group("broken", 2)
	g.Process.Command = "/nonexistent/worker"
	g.RestartAttempts = 1

	conn := broker.NewMemoryConnector(broker.MemorySetting{Broker: b, Queue: "broken"})
	p := pool.New(g, conn, pool.Options{Retry: fastRetry(1), Logger: log.Discard()})
	defer p.Close()

	err := p.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/nonexistent/worker")
	assert.False(t, p.Status().Running)
}

func TestStartFailsWhenBrokerDown(t *testing.T) {
	b := broker.NewMemoryBroker()
	b.SetDown(true)

	conn := broker.NewMemoryConnector(broker.MemorySetting{Broker: b, Queue: "work"})
	p := pool.New(group("work", 1), conn, pool.Options{Retry: fastRetry(2), Logger: log.Discard()})
	defer p.Close()

	err := p.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, pool.ErrRetriesExhausted))
}

func TestStopDeadline(t *testing.T) {
	b := broker.NewMemoryBroker()
	p := startPool(t, b, group("work", 1))

	b.Enqueue("work", broker.Message{Payload: "sleep:30s", CorrelationID: "stuck"})
	require.Eventually(t, func() bool {
		return p.Status().Units[0].State == unit.StateAwaitingResult
	}, 10*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	started := time.Now()
	err := p.Stop(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(started), 10*time.Second)

	assert.Equal(t, 1, b.Depth("work"), "in-flight task requeued")
	assert.False(t, p.Status().Running)
	for _, u := range p.Status().Units {
		assert.Equal(t, unit.StateStopped, u.State)
	}
}

func TestStopLetsInFlightTaskFinish(t *testing.T) {
	b := broker.NewMemoryBroker()
	p := startPool(t, b, group("work", 1))

	b.Enqueue("work", broker.Message{Payload: "sleep:200ms"})
	require.Eventually(t, func() bool {
		return p.Status().Units[0].State == unit.StateAwaitingResult
	}, 10*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	acks, nacks := b.Counts()
	assert.Equal(t, 1, acks)
	assert.Zero(t, nacks)
}
