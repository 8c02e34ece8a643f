package api

import (
	"github.com/mattjoyce/procpool/internal/pool"
	"github.com/mattjoyce/procpool/internal/telemetry"
)

// PublishRequest is the JSON body for POST /queues/{queue}
type PublishRequest struct {
	Message       string            `json:"message"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// PublishResponse is returned once the broker accepted the message
type PublishResponse struct {
	Queue         string `json:"queue"`
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

// PoolsResponse is returned by GET /pools
type PoolsResponse struct {
	Pools []pool.Status `json:"pools"`
}

// TasksResponse is returned by GET /tasks
type TasksResponse struct {
	Tasks []telemetry.Task `json:"tasks"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Pools         int    `json:"pools"`
	Units         int    `json:"units"`
	UnitsBusy     int    `json:"units_busy"`
}
