package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/calebward/agentlink/internal/breaker"
	"github.com/calebward/agentlink/internal/events"
	"github.com/calebward/agentlink/internal/journal"
	"github.com/calebward/agentlink/internal/metrics"
	"github.com/calebward/agentlink/internal/queue"
	"github.com/calebward/agentlink/internal/service"
)

// mockGateway implements Gateway for testing.
type mockGateway struct {
	submitFunc func(req service.SubmitRequest) (string, error)
	cancelFunc func(id string) (queue.Message, bool)
	getFunc    func(ctx context.Context, id string) (queue.Message, bool)
	statusFunc func() service.Status
	hub        *events.Hub
	journal    *journal.Journal
	metrics    *metrics.Metrics
}

func (m *mockGateway) Submit(req service.SubmitRequest) (string, error) {
	return m.submitFunc(req)
}

func (m *mockGateway) Cancel(id string) (queue.Message, bool) {
	return m.cancelFunc(id)
}

func (m *mockGateway) Get(ctx context.Context, id string) (queue.Message, bool) {
	if m.getFunc == nil {
		return queue.Message{}, false
	}
	return m.getFunc(ctx, id)
}

func (m *mockGateway) Status() service.Status {
	if m.statusFunc == nil {
		return service.Status{AgentState: "ready", Breaker: breaker.Snapshot{State: breaker.StateClosed}}
	}
	return m.statusFunc()
}

func (m *mockGateway) Hub() *events.Hub          { return m.hub }
func (m *mockGateway) Journal() *journal.Journal { return m.journal }
func (m *mockGateway) Metrics() *metrics.Metrics { return m.metrics }

func newTestServer(gw *mockGateway, apiKey string) *Server {
	if gw.hub == nil {
		gw.hub = events.NewHub(16)
	}
	if gw.metrics == nil {
		gw.metrics = metrics.New("test")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Listen: "127.0.0.1:0", APIKey: apiKey}, gw, logger)
}

func doRequest(t *testing.T, s *Server, method, path, apiKey string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)
	return rec
}

func TestHealthzNoAuth(t *testing.T) {
	s := newTestServer(&mockGateway{}, "secret")

	rec := doRequest(t, s, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthzResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || resp.AgentState != "ready" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(&mockGateway{}, "secret")

	rec := doRequest(t, s, http.MethodGet, "/v1/status", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/status", "wrong", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/status", "secret", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("good token status = %d, want 200", rec.Code)
	}
}

func TestAuthDisabledWhenKeyEmpty(t *testing.T) {
	s := newTestServer(&mockGateway{}, "")

	rec := doRequest(t, s, http.MethodGet, "/v1/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSubmitAccepted(t *testing.T) {
	var got service.SubmitRequest
	gw := &mockGateway{
		submitFunc: func(req service.SubmitRequest) (string, error) {
			got = req
			return "msg-123", nil
		},
	}
	s := newTestServer(gw, "")

	body := []byte(`{"payload":{"prompt":"hi"},"priority":"high","max_attempts":2,"timeout_ms":5000}`)
	rec := doRequest(t, s, http.MethodPost, "/v1/messages", "", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var resp SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.MessageID != "msg-123" || resp.Status != "queued" {
		t.Fatalf("resp = %+v", resp)
	}
	if got.Priority != queue.PriorityHigh || got.MaxAttempts != 2 || got.Timeout != 5*time.Second {
		t.Fatalf("submit request = %+v", got)
	}
}

func TestSubmitValidation(t *testing.T) {
	gw := &mockGateway{
		submitFunc: func(service.SubmitRequest) (string, error) { return "x", nil },
	}
	s := newTestServer(gw, "")

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing payload", `{"priority":"high"}`},
		{"unknown priority", `{"payload":{},"priority":"urgent"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/v1/messages", "", []byte(tc.body))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestSubmitBackpressure(t *testing.T) {
	gw := &mockGateway{
		submitFunc: func(service.SubmitRequest) (string, error) {
			return "", queue.ErrQueueFull
		},
	}
	s := newTestServer(gw, "")

	rec := doRequest(t, s, http.MethodPost, "/v1/messages", "", []byte(`{"payload":{}}`))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestSubmitServiceDown(t *testing.T) {
	gw := &mockGateway{
		submitFunc: func(service.SubmitRequest) (string, error) {
			return "", service.ErrNotRunning
		},
	}
	s := newTestServer(gw, "")

	rec := doRequest(t, s, http.MethodPost, "/v1/messages", "", []byte(`{"payload":{}}`))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestGetMessage(t *testing.T) {
	gw := &mockGateway{
		getFunc: func(_ context.Context, id string) (queue.Message, bool) {
			if id != "msg-1" {
				return queue.Message{}, false
			}
			return queue.Message{ID: "msg-1", Status: queue.StatusQueued, Priority: queue.PriorityNormal}, true
		},
	}
	s := newTestServer(gw, "")

	rec := doRequest(t, s, http.MethodGet, "/v1/messages/msg-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp MessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.MessageID != "msg-1" || resp.Status != "queued" {
		t.Fatalf("resp = %+v", resp)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/messages/other", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing message status = %d, want 404", rec.Code)
	}
}

func TestCancelConflictForInflight(t *testing.T) {
	gw := &mockGateway{
		cancelFunc: func(string) (queue.Message, bool) { return queue.Message{}, false },
		getFunc: func(_ context.Context, id string) (queue.Message, bool) {
			return queue.Message{ID: id, Status: queue.StatusDispatching}, id == "inflight"
		},
	}
	s := newTestServer(gw, "")

	rec := doRequest(t, s, http.MethodDelete, "/v1/messages/inflight", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("in-flight cancel status = %d, want 409", rec.Code)
	}

	rec = doRequest(t, s, http.MethodDelete, "/v1/messages/unknown", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown cancel status = %d, want 404", rec.Code)
	}
}

func TestRecentJournalDisabled(t *testing.T) {
	s := newTestServer(&mockGateway{}, "")

	rec := doRequest(t, s, http.MethodGet, "/v1/messages", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestEventsReplay(t *testing.T) {
	gw := &mockGateway{hub: events.NewHub(16)}
	s := newTestServer(gw, "")

	gw.hub.Publish(events.TypeMessageQueued, map[string]string{"message_id": "a"})
	gw.hub.Publish(events.TypeMessageCompleted, map[string]string{"message_id": "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "event: "+events.TypeMessageQueued) {
		t.Fatalf("missing queued event in stream:\n%s", body)
	}
	if !strings.Contains(body, "event: "+events.TypeMessageCompleted) {
		t.Fatalf("missing completed event in stream:\n%s", body)
	}
	if !strings.Contains(body, "id: 1\n") || !strings.Contains(body, "id: 2\n") {
		t.Fatalf("missing event ids in stream:\n%s", body)
	}
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestEventsReplaySkipsSeen(t *testing.T) {
	gw := &mockGateway{hub: events.NewHub(16)}
	s := newTestServer(gw, "")

	gw.hub.Publish(events.TypeMessageQueued, map[string]string{"message_id": "a"})
	gw.hub.Publish(events.TypeMessageQueued, map[string]string{"message_id": "b"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)

	body := rec.Body.String()
	if strings.Contains(body, "id: 1\n") {
		t.Fatalf("replayed already-seen event:\n%s", body)
	}
	if !strings.Contains(body, "id: 2\n") {
		t.Fatalf("missing unseen event:\n%s", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(&mockGateway{}, "")

	rec := doRequest(t, s, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "test_queue_depth") {
		t.Fatalf("metrics output missing gauge:\n%s", rec.Body.String())
	}
}
