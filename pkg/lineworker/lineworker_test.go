package lineworker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, out string) []Response {
	t.Helper()
	var resps []Response
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var r Response
		require.NoError(t, json.Unmarshal([]byte(line), &r))
		resps = append(resps, r)
	}
	return resps
}

func TestServeEchoLoop(t *testing.T) {
	in := strings.NewReader(`{"message":"a"}` + "\n" + `{"message":"b"}` + "\n")
	var out bytes.Buffer

	err := Serve(context.Background(), in, &out, func(_ context.Context, req *Request) (*Response, error) {
		return Done(strings.ToUpper(req.Message)), nil
	})
	require.NoError(t, err)

	resps := decodeAll(t, out.String())
	require.Len(t, resps, 2)
	assert.Equal(t, "A", resps[0].Message)
	assert.Equal(t, "B", resps[1].Message)
	assert.Equal(t, StatusDone, resps[1].Status)
}

func TestServeStopsOnQuit(t *testing.T) {
	in := strings.NewReader(`{"message":"a"}` + "\nQUIT\n" + `{"message":"never"}` + "\n")
	var out bytes.Buffer
	calls := 0

	err := Serve(context.Background(), in, &out, func(_ context.Context, req *Request) (*Response, error) {
		calls++
		return Done(req.Message), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestServeHandlerErrorIsFailed(t *testing.T) {
	in := strings.NewReader(`{"message":"a"}` + "\n")
	var out bytes.Buffer

	err := Serve(context.Background(), in, &out, func(context.Context, *Request) (*Response, error) {
		return nil, errors.New("nope")
	})
	require.NoError(t, err)

	resps := decodeAll(t, out.String())
	require.Len(t, resps, 1)
	assert.Equal(t, StatusFailed, resps[0].Status)
	assert.Equal(t, "nope", resps[0].Message)
}

func TestServeBadRequestLine(t *testing.T) {
	in := strings.NewReader("{oops\n")
	var out bytes.Buffer

	err := Serve(context.Background(), in, &out, func(context.Context, *Request) (*Response, error) {
		t.Fatal("handler must not run for an undecodable request")
		return nil, nil
	})
	require.NoError(t, err)

	resps := decodeAll(t, out.String())
	require.Len(t, resps, 1)
	assert.Equal(t, StatusFailed, resps[0].Status)
}

func TestReplyHelper(t *testing.T) {
	r := Reply("Q_abc", "55", map[string]string{"k": "v"})
	assert.Equal(t, StatusDoneWithReply, r.Status)
	assert.Equal(t, "Q_abc", r.ReplyQueueName)
	assert.Equal(t, "v", r.Headers["k"])
}
