package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DecodeError reports a result line that could not be turned into a Response.
// The task that produced it is poisoned; the worker process is left alone.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// MarshalRequest serializes req to a single JSON line without the trailing newline.
func MarshalRequest(req *Request) ([]byte, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	// Encode terminates with '\n'; the JSON body itself never contains a raw newline.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// EncodeRequest writes req to w as one newline-terminated line.
func EncodeRequest(w io.Writer, req *Request) error {
	line, err := MarshalRequest(req)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	return nil
}

// DecodeResponse parses one result line. Any failure is returned as *DecodeError.
func DecodeResponse(line string) (*Response, error) {
	trimmed := strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(trimmed) == "" {
		return nil, &DecodeError{Line: line, Err: errors.New("empty result line")}
	}

	var resp Response
	dec := json.NewDecoder(strings.NewReader(trimmed))
	if err := dec.Decode(&resp); err != nil {
		return nil, &DecodeError{Line: line, Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	if dec.More() {
		return nil, &DecodeError{Line: line, Err: errors.New("trailing data after result object")}
	}

	switch resp.Status {
	case "":
		return nil, &DecodeError{Line: line, Err: errors.New("response missing required field: status")}
	case StatusDone, StatusFailed:
	case StatusDoneWithReply:
		// There is no default reply target; the workload has to name one.
		if resp.ReplyQueueName == "" {
			return nil, &DecodeError{Line: line, Err: errors.New("status MESSAGE_DONE_WITH_REPLY requires replyQueueName")}
		}
	default:
		return nil, &DecodeError{Line: line, Err: fmt.Errorf("invalid status value: %q", resp.Status)}
	}

	return &resp, nil
}

// IsQuit reports whether line is the shutdown sentinel.
func IsQuit(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), QuitSentinel)
}

// ReplyHeaders returns the headers to publish with a reply: the worker's headers
// when it set any, otherwise the request headers unchanged.
func ReplyHeaders(req *Request, resp *Response) map[string]string {
	src := req.Headers
	if resp.Headers != nil {
		src = resp.Headers
	}
	if src == nil {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
