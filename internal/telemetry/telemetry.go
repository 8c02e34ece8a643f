// Package telemetry defines the hooks the engine calls for pool lifecycle and
// per-task outcomes, plus the sinks that consume them.
//
// Sinks must return quickly. Multi isolates the pipeline from sinks that panic.
package telemetry

import (
	"log/slog"
	"time"
)

// Outcome is how a task was resolved against the broker.
type Outcome string

const (
	// OutcomeSuccess: acked, nothing published.
	OutcomeSuccess Outcome = "success"
	// OutcomeReply: reply published, then acked.
	OutcomeReply Outcome = "reply"
	// OutcomeFailed: the worker reported failure; nacked without requeue.
	OutcomeFailed Outcome = "failed"
	// OutcomePoison: undecodable result or hop limit exceeded; nacked without requeue.
	OutcomePoison Outcome = "poison"
	// OutcomeRequeued: crash, timeout or shutdown; nacked with requeue.
	OutcomeRequeued Outcome = "requeued"
)

// Task describes one resolved delivery.
type Task struct {
	Group         string        `json:"group"`
	Queue         string        `json:"queue"`
	UnitID        string        `json:"unit_id"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Outcome       Outcome       `json:"outcome"`
	ReplyTarget   string        `json:"reply_target,omitempty"`
	Elapsed       time.Duration `json:"elapsed_ns"`
	Error         string        `json:"error,omitempty"`
	At            time.Time     `json:"at"`
}

// Telemetry receives engine lifecycle and task events.
type Telemetry interface {
	PoolStarted(group string, units int)
	PoolStopped(group string, elapsed time.Duration)
	TaskResolved(task Task)
}

// Nop discards everything.
type Nop struct{}

func (Nop) PoolStarted(string, int)           {}
func (Nop) PoolStopped(string, time.Duration) {}
func (Nop) TaskResolved(Task)                 {}

// Multi fans out to several sinks. A panicking sink is logged and skipped.
type Multi struct {
	sinks  []Telemetry
	logger *slog.Logger
}

// NewMulti combines sinks, dropping nil entries.
func NewMulti(logger *slog.Logger, sinks ...Telemetry) *Multi {
	m := &Multi{logger: logger}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) PoolStarted(group string, units int) {
	m.each("pool_started", func(s Telemetry) { s.PoolStarted(group, units) })
}

func (m *Multi) PoolStopped(group string, elapsed time.Duration) {
	m.each("pool_stopped", func(s Telemetry) { s.PoolStopped(group, elapsed) })
}

func (m *Multi) TaskResolved(task Task) {
	if task.At.IsZero() {
		task.At = time.Now().UTC()
	}
	m.each("task_resolved", func(s Telemetry) { s.TaskResolved(task) })
}

func (m *Multi) each(hook string, fn func(Telemetry)) {
	for _, s := range m.sinks {
		m.call(hook, s, fn)
	}
}

func (m *Multi) call(hook string, s Telemetry, fn func(Telemetry)) {
	defer func() {
		if r := recover(); r != nil && m.logger != nil {
			m.logger.Error("telemetry sink panicked", "hook", hook, "sink", sinkName(s), "panic", r)
		}
	}()
	fn(s)
}

func sinkName(s Telemetry) string {
	switch s.(type) {
	case *Prometheus:
		return "prometheus"
	case *HubSink:
		return "events"
	default:
		return "custom"
	}
}
