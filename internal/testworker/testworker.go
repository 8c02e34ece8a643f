// Package testworker is a scriptable worker used by tests. Test binaries re-exec
// themselves with PROCPOOL_TESTWORKER=1 and TestMain hands control to Main.
//
// Behaviour is picked per task:
//   - message "crash": exit(3) without answering
//   - message "garbage": answer with a non-JSON line
//   - message "blank": answer with an empty line
//   - message "chatty": MESSAGE_DONE followed by an extra non-JSON line
//   - message "fail": MESSAGE_FAILED
//   - message "pid": MESSAGE_DONE carrying the worker pid
//   - message "sleep:<duration>": sleep, then MESSAGE_DONE
//   - header "mode: fib": signed Fibonacci of the message, replied to <queue>_<correlationId>
//   - header "remaining": countdown continuation back to the originating queue
//   - header "reply": MESSAGE_DONE_WITH_REPLY to that target
//   - otherwise MESSAGE_DONE echoing the message
package testworker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/procpool/internal/process"
	"github.com/mattjoyce/procpool/internal/protocol"
	"github.com/mattjoyce/procpool/pkg/lineworker"
)

const (
	envEnabled  = "PROCPOOL_TESTWORKER"
	envStubborn = "PROCPOOL_TESTWORKER_STUBBORN"
)

// Enabled reports whether the current process was launched as a test worker.
func Enabled() bool {
	return os.Getenv(envEnabled) == "1"
}

// Spec returns a process spec that re-executes the running test binary as a worker.
func Spec() process.Spec {
	return process.Spec{
		Command:     os.Args[0],
		Args:        []string{"-test.run=^$"},
		Env:         []string{envEnabled + "=1"},
		GracePeriod: 2 * time.Second,
	}
}

// StubbornSpec is Spec for a worker that ignores quit, closed stdin and SIGTERM.
func StubbornSpec() process.Spec {
	s := Spec()
	s.Env = append(s.Env, envStubborn+"=1")
	s.GracePeriod = 200 * time.Millisecond
	return s
}

// Main runs the worker loop and exits the process.
func Main() {
	stubborn := os.Getenv(envStubborn) == "1"
	if stubborn {
		signal.Ignore(syscall.SIGTERM)
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	out := bufio.NewWriter(os.Stdout)

	for scanner.Scan() {
		line := scanner.Text()
		if protocol.IsQuit(line) {
			break
		}

		var req protocol.Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			fmt.Fprintf(os.Stderr, "bad request: %v\n", err)
			continue
		}

		switch req.Message {
		case "crash":
			os.Exit(3)
		case "garbage":
			fmt.Fprintln(out, "this is not json")
			_ = out.Flush()
			continue
		case "blank":
			fmt.Fprintln(out)
			_ = out.Flush()
			continue
		case "chatty":
			fmt.Fprintf(out, "{\"message\":%q,\"status\":%q}\nprogress: 100%%\n", req.Message, protocol.StatusDone)
			_ = out.Flush()
			continue
		}

		resp, err := Handle(context.Background(), &req)
		if err != nil {
			resp = &protocol.Response{Status: protocol.StatusFailed, Message: err.Error()}
		}
		b, _ := json.Marshal(resp)
		_, _ = out.Write(append(b, '\n'))
		_ = out.Flush()
	}

	if stubborn {
		select {}
	}
	os.Exit(0)
}

// Handle implements the per-task behaviours listed in the package doc, except
// "crash", "garbage", "blank" and "chatty" which need raw control of the process and live in Main.
func Handle(_ context.Context, req *lineworker.Request) (*lineworker.Response, error) {
	switch {
	case req.Message == "fail":
		return &lineworker.Response{Status: lineworker.StatusFailed, Message: "asked to fail"}, nil
	case req.Message == "pid":
		return lineworker.Done(strconv.Itoa(os.Getpid())), nil
	case strings.HasPrefix(req.Message, "sleep:"):
		d, err := time.ParseDuration(strings.TrimPrefix(req.Message, "sleep:"))
		if err != nil {
			return nil, err
		}
		time.Sleep(d)
		return lineworker.Done("slept"), nil
	}

	if req.Headers["mode"] == "fib" {
		n, err := strconv.ParseInt(req.Message, 10, 64)
		if err != nil {
			return nil, err
		}
		target := req.OriginalQueueName + "_" + req.CorrelationID
		return lineworker.Reply(target, Fib(n).String(), nil), nil
	}

	if v, ok := req.Headers["remaining"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return lineworker.Done(req.Message), nil
		}
		headers := copyHeaders(req.Headers)
		headers["remaining"] = strconv.Itoa(n - 1)
		return lineworker.Reply(req.OriginalQueueName, req.Message, headers), nil
	}

	if target := req.Headers["reply"]; target != "" {
		return lineworker.Reply(target, req.Message, nil), nil
	}

	return lineworker.Done(req.Message), nil
}

// Fib returns the n-th Fibonacci number extended to negative n: F(-n) = (-1)^(n+1) F(n).
func Fib(n int64) *big.Int {
	neg := n < 0
	if neg {
		n = -n
	}
	a, b := big.NewInt(0), big.NewInt(1)
	for i := int64(0); i < n; i++ {
		a.Add(a, b)
		a, b = b, a
	}
	if neg && n%2 == 0 {
		a.Neg(a)
	}
	return a
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
