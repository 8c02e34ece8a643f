package protocol

// Status values a worker may report in a Response.
const (
	StatusDone          = "MESSAGE_DONE"
	StatusDoneWithReply = "MESSAGE_DONE_WITH_REPLY"
	StatusFailed        = "MESSAGE_FAILED"
)

// QuitSentinel asks a worker process to exit. Matched case-insensitively.
const QuitSentinel = "quit"

// Request is the task envelope written to a worker's stdin, one per line.
type Request struct {
	Message           string            `json:"message"`
	Group             string            `json:"group"`
	CorrelationID     string            `json:"correlationId"`
	OriginalQueueName string            `json:"originalQueueName"`
	Headers           map[string]string `json:"headers,omitempty"`
}

// Response is the task result read from a worker's stdout, one per line.
type Response struct {
	Message        string            `json:"message"`
	Status         string            `json:"status"`
	ReplyQueueName string            `json:"replyQueueName,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// Outcome is how the engine resolves a delivery after its result is decoded.
type Outcome int

const (
	// OutcomeNoReply acks the delivery.
	OutcomeNoReply Outcome = iota
	// OutcomeReply publishes the result to the reply target, then acks.
	OutcomeReply
	// OutcomeFailed dead-letters the delivery (nack without requeue).
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoReply:
		return "done"
	case OutcomeReply:
		return "reply"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome maps the wire status to an Outcome. Only valid on decoded responses.
func (r *Response) Outcome() Outcome {
	switch r.Status {
	case StatusDoneWithReply:
		return OutcomeReply
	case StatusFailed:
		return OutcomeFailed
	default:
		return OutcomeNoReply
	}
}
