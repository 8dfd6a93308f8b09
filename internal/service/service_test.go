package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/calebward/agentlink/internal/config"
	"github.com/calebward/agentlink/internal/events"
	"github.com/calebward/agentlink/internal/journal"
	"github.com/calebward/agentlink/internal/log"
	"github.com/calebward/agentlink/internal/queue"
	"github.com/calebward/agentlink/internal/storage"
	"github.com/calebward/agentlink/internal/transport"
)

func TestMain(m *testing.M) {
	log.Setup("error", "text")
	os.Exit(m.Run())
}

// fakeAgent answers the readiness probe and completions requests in
// place of a real agent server; the spawned executable only has to
// exist for the supervisor's process bookkeeping.
type fakeAgent struct {
	srv      *httptest.Server
	complete http.HandlerFunc
}

func newFakeAgent(t *testing.T, complete http.HandlerFunc) *fakeAgent {
	t.Helper()
	fa := &fakeAgent{complete: complete}
	fa.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case transport.ReadyPath:
			w.WriteHeader(http.StatusOK)
		case transport.CompletionsPath:
			fa.complete(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fa.srv.Close)
	return fa
}

func (fa *fakeAgent) configure(t *testing.T, cfg *config.Config) {
	t.Helper()
	u, err := url.Parse(fa.srv.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	cfg.Agent.Executable = "sleep"
	cfg.Agent.Args = []string{"60"}
	cfg.Agent.Host = u.Hostname()
	cfg.Agent.Port = port
	cfg.Agent.StartupTimeout = 5 * time.Second
	cfg.Agent.RequestTimeout = 2 * time.Second
	cfg.Agent.HealthInterval = time.Second
}

func startService(t *testing.T, cfg *config.Config, jn *journal.Journal) *Service {
	t.Helper()
	s := New(cfg, jn)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(2 * time.Second) })
	return s
}

func awaitEvent(t *testing.T, ch <-chan events.Event, eventType string) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func TestSubmitCompletesEndToEnd(t *testing.T) {
	fa := newFakeAgent(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(transport.HeaderCorrelationID) == "" {
			t.Error("completions request missing correlation header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hello"}`))
	})
	cfg := config.Defaults()
	fa.configure(t, cfg)

	s := startService(t, cfg, nil)
	ch, unsub := s.Subscribe()
	defer unsub()

	id, err := s.Submit(SubmitRequest{Payload: json.RawMessage(`{"prompt":"hi"}`)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ev := awaitEvent(t, ch, events.TypeMessageCompleted)
	var me MessageEvent
	if err := json.Unmarshal(ev.Data, &me); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if me.MessageID != id {
		t.Fatalf("event message id = %q, want %q", me.MessageID, id)
	}
	if me.CorrelationID == "" {
		t.Fatal("completed event missing correlation id")
	}
	if string(me.Response) != `{"text":"hello"}` {
		t.Fatalf("response = %s", me.Response)
	}
}

func TestSubmitBackpressure(t *testing.T) {
	inFlight := make(chan struct{})
	release := make(chan struct{})
	fa := newFakeAgent(t, func(w http.ResponseWriter, r *http.Request) {
		close(inFlight)
		<-release
		_, _ = w.Write([]byte(`{}`))
	})
	defer close(release)

	cfg := config.Defaults()
	fa.configure(t, cfg)
	cfg.Queue.Capacity = 1

	s := startService(t, cfg, nil)

	if _, err := s.Submit(SubmitRequest{Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	<-inFlight

	// In-flight messages still count toward capacity.
	_, err := s.Submit(SubmitRequest{Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Fatalf("second Submit err = %v, want ErrQueueFull", err)
	}
}

func TestCancelQueuedMessage(t *testing.T) {
	inFlight := make(chan struct{})
	release := make(chan struct{})
	fa := newFakeAgent(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case inFlight <- struct{}{}:
		default:
		}
		<-release
		_, _ = w.Write([]byte(`{}`))
	})
	defer close(release)

	cfg := config.Defaults()
	fa.configure(t, cfg)

	s := startService(t, cfg, nil)
	ch, unsub := s.Subscribe()
	defer unsub()

	if _, err := s.Submit(SubmitRequest{Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	<-inFlight

	id, err := s.Submit(SubmitRequest{Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Submit victim: %v", err)
	}

	msg, ok := s.Cancel(id)
	if !ok {
		t.Fatal("Cancel returned ok=false for a queued message")
	}
	if msg.Status != queue.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", msg.Status)
	}
	awaitEvent(t, ch, events.TypeMessageCancelled)

	if _, ok := s.Cancel("no-such-id"); ok {
		t.Fatal("Cancel of unknown id reported ok")
	}
}

func TestFailedOutcomeJournaled(t *testing.T) {
	fa := newFakeAgent(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	})
	cfg := config.Defaults()
	fa.configure(t, cfg)

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "agentlink.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	jn := journal.New(db)

	s := startService(t, cfg, jn)
	ch, unsub := s.Subscribe()
	defer unsub()

	id, err := s.Submit(SubmitRequest{Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	awaitEvent(t, ch, events.TypeMessageFailed)

	// The journal write happens on the outcome loop; poll briefly.
	var entry *journal.Entry
	deadline := time.Now().Add(3 * time.Second)
	for {
		entry, err = jn.Get(context.Background(), id)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("journal Get: %v", err)
	}
	if entry.Status != queue.StatusFailed {
		t.Fatalf("journal status = %s, want failed", entry.Status)
	}
	if entry.Attempts != 1 {
		t.Fatalf("journal attempts = %d, want 1 (4xx is not retried)", entry.Attempts)
	}

	// Get falls back to the journal once the message left the queue.
	msg, ok := s.Get(context.Background(), id)
	if !ok {
		t.Fatal("Get did not find finalized message")
	}
	if msg.Status != queue.StatusFailed {
		t.Fatalf("Get status = %s, want failed", msg.Status)
	}
}

func TestStatusSnapshot(t *testing.T) {
	fa := newFakeAgent(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	cfg := config.Defaults()
	fa.configure(t, cfg)

	s := startService(t, cfg, nil)

	st := s.Status()
	if st.AgentState != "ready" {
		t.Fatalf("agent state = %s, want ready", st.AgentState)
	}
	if !st.AgentHealthy {
		t.Fatal("agent not reported healthy after start")
	}
	if st.AgentPid == 0 {
		t.Fatal("agent pid missing")
	}
	if st.Breaker.State != "closed" {
		t.Fatalf("breaker state = %s, want closed", st.Breaker.State)
	}
	if st.Endpoint == "" {
		t.Fatal("endpoint missing from status")
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	fa := newFakeAgent(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	cfg := config.Defaults()
	fa.configure(t, cfg)

	s := New(cfg, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := s.Submit(SubmitRequest{Payload: json.RawMessage(`{}`)}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Submit after shutdown err = %v, want ErrNotRunning", err)
	}

	// Second shutdown is a no-op.
	if err := s.Shutdown(time.Second); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
