package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mattjoyce/procpool/internal/auth"
	"github.com/mattjoyce/procpool/internal/events"
	"github.com/mattjoyce/procpool/internal/log"
	"github.com/mattjoyce/procpool/internal/pool"
	"github.com/mattjoyce/procpool/internal/storage"
	"github.com/mattjoyce/procpool/internal/telemetry"
	"github.com/mattjoyce/procpool/internal/unit"
)

type fakePools struct {
	statuses []pool.Status
	running  bool
}

func (f *fakePools) Status() []pool.Status { return f.statuses }
func (f *fakePools) Running() bool         { return f.running }

type publishCall struct {
	target, payload, correlationID string
	headers                        map[string]string
}

type fakePublisher struct {
	calls []publishCall
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, target, payload, correlationID string, headers map[string]string) error {
	f.calls = append(f.calls, publishCall{target, payload, correlationID, headers})
	return f.err
}

type fakeTaskLog struct {
	filter storage.TailFilter
	tasks  []telemetry.Task
}

func (f *fakeTaskLog) Tail(_ context.Context, filter storage.TailFilter) ([]telemetry.Task, error) {
	f.filter = filter
	return f.tasks, nil
}

func samplePools() *fakePools {
	return &fakePools{
		running: true,
		statuses: []pool.Status{
			{
				Group:   "resize",
				Queue:   "images",
				Running: true,
				Units: []unit.Status{
					{ID: "resize-0", State: unit.StateAwaitingDelivery, PID: 100},
					{ID: "resize-1", State: unit.StateAwaitingResult, PID: 101},
				},
				SubPools: []pool.Status{
					{
						Group:   "thumbs",
						Queue:   "thumbs",
						Running: true,
						Units:   []unit.Status{{ID: "thumbs-0", State: unit.StateDispatching, PID: 102}},
					},
				},
			},
		},
	}
}

func newTestServer(t *testing.T, key string, opts ...Option) (*Server, http.Handler) {
	t.Helper()
	s := New(Config{APIKey: key}, samplePools(), events.NewHub(16), log.Discard(), opts...)
	return s, s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body, key string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	_, h := newTestServer(t, "secret")

	rec := do(t, h, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp HealthzResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Pools != 2 || resp.Units != 3 || resp.UnitsBusy != 2 {
		t.Fatalf("unexpected healthz: %+v", resp)
	}
}

func TestHealthzStopped(t *testing.T) {
	s := New(Config{}, &fakePools{}, nil, log.Discard())
	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	_, h := newTestServer(t, "secret")

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"valid", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, "/pools", "", tt.key)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestNoKeyDisablesAuth(t *testing.T) {
	_, h := newTestServer(t, "")
	if rec := do(t, h, http.MethodGet, "/pools", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without api_key, got %d", rec.Code)
	}
}

func TestListAndGetPools(t *testing.T) {
	_, h := newTestServer(t, "k")

	rec := do(t, h, http.MethodGet, "/pools", "", "k")
	var list PoolsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Pools) != 1 || list.Pools[0].Group != "resize" || len(list.Pools[0].SubPools) != 1 {
		t.Fatalf("unexpected pools: %+v", list)
	}
	if got := list.Pools[0].Units[1].State; got != unit.StateAwaitingResult {
		t.Fatalf("state did not round-trip: %v", got)
	}

	rec = do(t, h, http.MethodGet, "/pools/thumbs", "", "k")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected sub-pool lookup to succeed, got %d", rec.Code)
	}
	var sub pool.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.Queue != "thumbs" {
		t.Fatalf("unexpected sub-pool: %+v", sub)
	}

	if rec := do(t, h, http.MethodGet, "/pools/missing", "", "k"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPublish(t *testing.T) {
	pub := &fakePublisher{}
	_, h := newTestServer(t, "k", WithPublisher(pub))

	rec := do(t, h, http.MethodPost, "/queues/images", `{"message":"cat.png","headers":{"size":"small"}}`, "k")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp PublishResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CorrelationID == "" || resp.Queue != "images" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(pub.calls) != 1 {
		t.Fatalf("expected one publish, got %d", len(pub.calls))
	}
	call := pub.calls[0]
	if call.target != "images" || call.payload != "cat.png" || call.correlationID != resp.CorrelationID || call.headers["size"] != "small" {
		t.Fatalf("unexpected publish: %+v", call)
	}

	rec = do(t, h, http.MethodPost, "/queues/images", `{"message":"x","correlation_id":"fixed"}`, "k")
	if !strings.Contains(rec.Body.String(), `"correlation_id":"fixed"`) {
		t.Fatalf("explicit correlation id not kept: %s", rec.Body.String())
	}

	if rec := do(t, h, http.MethodPost, "/queues/images", `{not json`, "k"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	pub.err = errors.New("broker down")
	if rec := do(t, h, http.MethodPost, "/queues/images", `{"message":"x"}`, "k"); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestPublishDisabled(t *testing.T) {
	_, h := newTestServer(t, "k")
	if rec := do(t, h, http.MethodPost, "/queues/images", `{"message":"x"}`, "k"); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestTasks(t *testing.T) {
	tl := &fakeTaskLog{tasks: []telemetry.Task{{Group: "resize", Outcome: telemetry.OutcomeSuccess, CorrelationID: "c1"}}}
	_, h := newTestServer(t, "k", WithTaskLog(tl))

	rec := do(t, h, http.MethodGet, "/tasks?group=resize&outcome=poison&limit=5", "", "k")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if tl.filter.Group != "resize" || tl.filter.Outcome != telemetry.OutcomePoison || tl.filter.Limit != 5 {
		t.Fatalf("filter not passed through: %+v", tl.filter)
	}
	var resp TasksResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0].CorrelationID != "c1" {
		t.Fatalf("unexpected tasks: %+v", resp)
	}

	for _, bad := range []string{"0", "501", "ten"} {
		if rec := do(t, h, http.MethodGet, "/tasks?limit="+bad, "", "k"); rec.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: expected 400, got %d", bad, rec.Code)
		}
	}
}

func TestTasksWithoutJournal(t *testing.T) {
	_, h := newTestServer(t, "k")
	if rec := do(t, h, http.MethodGet, "/tasks", "", "k"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	prom := telemetry.NewPrometheus(reg)
	prom.TaskResolved(telemetry.Task{Group: "resize", Outcome: telemetry.OutcomeReply, Elapsed: time.Millisecond})

	_, h := newTestServer(t, "k", WithGatherer(reg))
	rec := do(t, h, http.MethodGet, "/metrics", "", "k")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `procpool_tasks_total{group="resize",outcome="reply"} 1`) {
		t.Fatalf("task counter missing from /metrics:\n%s", rec.Body.String())
	}
}

func TestOpenAPIDoc(t *testing.T) {
	_, h := newTestServer(t, "k")
	rec := do(t, h, http.MethodGet, "/openapi.json", "", "k")
	var doc struct {
		Paths map[string]map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, rp := range routePaths() {
		method, path, _ := strings.Cut(rp, " ")
		if _, ok := doc.Paths[path][strings.ToLower(method)]; !ok {
			t.Fatalf("route %s missing from document", rp)
		}
	}
	if _, ok := doc.Paths["/healthz"]["get"].(map[string]any)["security"]; ok {
		t.Fatalf("/healthz must not require auth")
	}
}

func TestEventsStream(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.TypePoolStarted, map[string]any{"group": "old"})
	hub.Publish(events.TypePoolStarted, map[string]any{"group": "resize"})

	s := New(Config{APIKey: "k"}, samplePools(), hub, log.Discard())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer k")
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	readEvent := func() (id, typ, data string) {
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				return
			case strings.HasPrefix(line, "id: "):
				id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				typ = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
		return
	}

	id, typ, data := readEvent()
	if id != "2" || typ != events.TypePoolStarted || !strings.Contains(data, "resize") {
		t.Fatalf("replay: got id=%q type=%q data=%q", id, typ, data)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	hub.Publish(events.TypeTaskResolved, map[string]any{"correlation_id": "live"})
	id, typ, data = readEvent()
	if id != "3" || typ != events.TypeTaskResolved || !strings.Contains(data, "live") {
		t.Fatalf("live: got id=%q type=%q data=%q", id, typ, data)
	}
}

func TestScopedTokens(t *testing.T) {
	pub := &fakePublisher{}
	s := New(Config{
		APIKey: "admin",
		Tokens: []auth.TokenConfig{
			{Token: "reader", Scopes: []string{auth.ScopeStatusRead}},
			{Token: "writer", Scopes: []string{auth.ScopePublish}},
		},
	}, samplePools(), events.NewHub(16), log.Discard(), WithPublisher(pub))
	h := s.Handler()

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		key    string
		want   int
	}{
		{"reader lists pools", http.MethodGet, "/pools", "", "reader", http.StatusOK},
		{"reader cannot publish", http.MethodPost, "/queues/images", `{"message":"x"}`, "reader", http.StatusForbidden},
		{"writer publishes", http.MethodPost, "/queues/images", `{"message":"x"}`, "writer", http.StatusAccepted},
		{"writer reads", http.MethodGet, "/pools", "", "writer", http.StatusOK},
		{"admin publishes", http.MethodPost, "/queues/images", `{"message":"y"}`, "admin", http.StatusAccepted},
		{"unknown token", http.MethodGet, "/pools", "", "nobody", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, tc.method, tc.path, tc.body, tc.key)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
	if len(pub.calls) != 2 {
		t.Fatalf("expected two publishes, got %d", len(pub.calls))
	}
}

func TestEventFilter(t *testing.T) {
	hub := events.NewHub(8)
	hub.Publish(events.TypePoolStarted, map[string]any{"group": "resize"})
	hub.Publish(events.TypeTaskResolved, telemetry.Task{Group: "resize", Outcome: telemetry.OutcomeSuccess})
	hub.Publish(events.TypeTaskResolved, telemetry.Task{Group: "thumbs", Outcome: telemetry.OutcomeFailed})
	all := hub.SnapshotSince(0)

	cases := []struct {
		query string
		want  []int64
	}{
		{"", []int64{1, 2, 3}},
		{"?type=task.resolved", []int64{2, 3}},
		{"?group=resize", []int64{1, 2}},
		{"?type=task.resolved,pool.started&group=thumbs", []int64{3}},
		{"?type=service.fatal", nil},
	}
	for _, tc := range cases {
		f := parseEventFilter(httptest.NewRequest(http.MethodGet, "/events"+tc.query, nil))
		var got []int64
		for _, ev := range all {
			if f.match(ev) {
				got = append(got, ev.ID)
			}
		}
		if len(got) != len(tc.want) {
			t.Fatalf("%q: got %v, want %v", tc.query, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%q: got %v, want %v", tc.query, got, tc.want)
			}
		}
	}
}
