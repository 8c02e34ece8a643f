// Package lineworker implements the worker side of the line protocol for Go
// workloads: read one task per line on stdin, write one result per line on stdout.
package lineworker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattjoyce/procpool/internal/protocol"
)

type (
	Request  = protocol.Request
	Response = protocol.Response
)

const (
	StatusDone          = protocol.StatusDone
	StatusDoneWithReply = protocol.StatusDoneWithReply
	StatusFailed        = protocol.StatusFailed
)

// Handler computes the result for one task. A returned error is reported to the
// engine as MESSAGE_FAILED.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Done is a convenience for an ack-only result.
func Done(message string) *Response {
	return &Response{Message: message, Status: StatusDone}
}

// Reply is a convenience for a result published to target.
func Reply(target, message string, headers map[string]string) *Response {
	return &Response{Message: message, Status: StatusDoneWithReply, ReplyQueueName: target, Headers: headers}
}

// Serve runs the task loop until r is exhausted, the quit sentinel arrives or ctx is done.
func Serve(ctx context.Context, r io.Reader, w io.Writer, h Handler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()
		if protocol.IsQuit(line) {
			return nil
		}
		if line == "" {
			continue
		}

		resp := handle(ctx, line, h)
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("flush response: %w", err)
		}
	}
	return scanner.Err()
}

func handle(ctx context.Context, line string, h Handler) *Response {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return &Response{Status: StatusFailed, Message: fmt.Sprintf("invalid request: %v", err)}
	}

	resp, err := h(ctx, &req)
	if err != nil {
		return &Response{Status: StatusFailed, Message: err.Error()}
	}
	if resp == nil {
		return Done("")
	}
	return resp
}

// Main serves h on the process's stdin/stdout and exits.
func Main(h Handler) {
	if err := Serve(context.Background(), os.Stdin, os.Stdout, h); err != nil {
		fmt.Fprintf(os.Stderr, "lineworker: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}
