package webhook

import "context"

// Publisher puts a task on a broker queue.
type Publisher interface {
	Publish(ctx context.Context, target, payload, correlationID string, headers map[string]string) error
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	Path            string
	Queue           string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
}

// PublishedResponse is the JSON response for an accepted webhook.
type PublishedResponse struct {
	Queue         string `json:"queue"`
	CorrelationID string `json:"correlation_id"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

const (
	DefaultMaxBodySize = 1 << 20

	// SourceHeader names the endpoint a task arrived through.
	SourceHeader = "x-procpool-source"
	requestIDHdr = "X-Request-ID"
)
