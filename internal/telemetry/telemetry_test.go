package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/procpool/internal/events"
	"github.com/mattjoyce/procpool/internal/log"
)

type recorder struct {
	mu    sync.Mutex
	tasks []Task
	pools []string
}

func (r *recorder) PoolStarted(group string, units int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools = append(r.pools, "start:"+group)
}

func (r *recorder) PoolStopped(group string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools = append(r.pools, "stop:"+group)
}

func (r *recorder) TaskResolved(task Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
}

type panicky struct{}

func (panicky) PoolStarted(string, int)           { panic("boom") }
func (panicky) PoolStopped(string, time.Duration) { panic("boom") }
func (panicky) TaskResolved(Task)                 { panic("boom") }

func TestMultiSurvivesPanickingSink(t *testing.T) {
	rec := &recorder{}
	m := NewMulti(log.Discard(), panicky{}, nil, rec)

	assert.NotPanics(t, func() {
		m.PoolStarted("fib", 2)
		m.TaskResolved(Task{Group: "fib", Outcome: OutcomeReply})
		m.PoolStopped("fib", time.Second)
	})

	assert.Equal(t, []string{"start:fib", "stop:fib"}, rec.pools)
	require.Len(t, rec.tasks, 1)
	assert.False(t, rec.tasks[0].At.IsZero(), "Multi stamps the resolution time")
}

func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.PoolStarted("fib", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(p.poolUnits.WithLabelValues("fib")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.poolsRunning))

	p.TaskResolved(Task{Group: "fib", Outcome: OutcomeSuccess, Elapsed: 5 * time.Millisecond})
	p.TaskResolved(Task{Group: "fib", Outcome: OutcomeSuccess})
	p.TaskResolved(Task{Group: "fib", Outcome: OutcomePoison})
	assert.Equal(t, 2.0, testutil.ToFloat64(p.tasksTotal.WithLabelValues("fib", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.tasksTotal.WithLabelValues("fib", "poison")))

	p.PoolStopped("fib", time.Minute)
	assert.Equal(t, 0.0, testutil.ToFloat64(p.poolsRunning))

	n, err := testutil.GatherAndCount(reg, "procpool_tasks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestHubSink(t *testing.T) {
	hub := events.NewHub(10)
	s := NewHubSink(hub)

	s.PoolStarted("echo", 1)
	s.TaskResolved(Task{Group: "echo", Outcome: OutcomeFailed, CorrelationID: "c1"})
	s.PoolStopped("echo", 2*time.Second)

	snap := hub.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, events.TypePoolStarted, snap[0].Type)
	assert.Equal(t, events.TypeTaskResolved, snap[1].Type)
	assert.Contains(t, string(snap[1].Data), `"correlation_id":"c1"`)
	assert.JSONEq(t, `{"group":"echo","elapsed_ms":2000}`, string(snap[2].Data))
}
