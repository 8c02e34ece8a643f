package telemetry

import (
	"time"

	"github.com/mattjoyce/procpool/internal/events"
)

// HubSink republishes telemetry on an events hub for SSE clients.
type HubSink struct {
	hub *events.Hub
}

func NewHubSink(hub *events.Hub) *HubSink {
	return &HubSink{hub: hub}
}

func (h *HubSink) PoolStarted(group string, units int) {
	h.hub.Publish(events.TypePoolStarted, map[string]any{"group": group, "units": units})
}

func (h *HubSink) PoolStopped(group string, elapsed time.Duration) {
	h.hub.Publish(events.TypePoolStopped, map[string]any{"group": group, "elapsed_ms": elapsed.Milliseconds()})
}

func (h *HubSink) TaskResolved(task Task) {
	h.hub.Publish(events.TypeTaskResolved, task)
}
