// Package service is the composition root: it owns the component graph
// (supervisor, transport, queue, breaker, tracker, dispatcher) and is the
// single surface callers submit work through.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/calebward/agentlink/internal/breaker"
	"github.com/calebward/agentlink/internal/config"
	"github.com/calebward/agentlink/internal/correlate"
	"github.com/calebward/agentlink/internal/dispatch"
	"github.com/calebward/agentlink/internal/events"
	"github.com/calebward/agentlink/internal/journal"
	"github.com/calebward/agentlink/internal/log"
	"github.com/calebward/agentlink/internal/metrics"
	"github.com/calebward/agentlink/internal/queue"
	"github.com/calebward/agentlink/internal/supervisor"
	"github.com/calebward/agentlink/internal/transport"
)

const (
	stopGrace       = 5 * time.Second
	outcomeBacklog  = 64
	hubRingCapacity = 256
)

// ErrNotRunning is returned by Submit once the agent has been declared
// unavailable or the service is shut down.
var ErrNotRunning = errors.New("service is not running")

// MessageEvent is the JSON payload for message.* hub events.
type MessageEvent struct {
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Priority      string          `json:"priority"`
	Attempt       int             `json:"attempt"`
	Error         string          `json:"error,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"`
	DurationMS    int64           `json:"duration_ms,omitempty"`
}

// AgentEvent is the JSON payload for agent.* hub events.
type AgentEvent struct {
	State string `json:"state"`
	Pid   int    `json:"pid,omitempty"`
	Error string `json:"error,omitempty"`
}

// BreakerEvent is the JSON payload for breaker.state_changed events.
type BreakerEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SubmitRequest carries one unit of caller work.
type SubmitRequest struct {
	Payload     json.RawMessage
	Priority    queue.Priority
	MaxAttempts int
	Timeout     time.Duration
}

// Status is a point-in-time view of the whole pipeline.
type Status struct {
	Service      string           `json:"service"`
	AgentState   string           `json:"agent_state"`
	AgentPid     int              `json:"agent_pid,omitempty"`
	AgentHealthy bool             `json:"agent_healthy"`
	Endpoint     string           `json:"endpoint,omitempty"`
	Breaker      breaker.Snapshot `json:"breaker"`
	Queued       int              `json:"queued"`
	Inflight     int              `json:"inflight"`
}

// outcome is a terminal message state queued for journaling and fanout
// so the dispatch loop never blocks on either.
type outcome struct {
	msg           queue.Message
	correlationID string
	duration      time.Duration
	response      json.RawMessage
}

// Service wires the component graph together and runs its background
// loops: the dispatch loop, the supervisor event loop, the expiry sweep
// and the outcome fanout.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	queue      *queue.Queue
	breaker    *breaker.Breaker
	tracker    *correlate.Tracker
	client     *transport.Client
	supervisor *supervisor.Supervisor
	dispatcher *dispatch.Dispatcher
	hub        *events.Hub
	journal    *journal.Journal
	metrics    *metrics.Metrics

	outcomes chan outcome

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the component graph. jn may be nil to run without the
// outcome journal.
func New(cfg *config.Config, jn *journal.Journal) *Service {
	s := &Service{
		cfg:      cfg,
		logger:   log.WithComponent("service"),
		hub:      events.NewHub(hubRingCapacity),
		journal:  jn,
		metrics:  metrics.New(""),
		tracker:  correlate.NewTracker(),
		outcomes: make(chan outcome, outcomeBacklog),
	}

	s.breaker = breaker.New(breaker.Config{
		Threshold: cfg.Breaker.Threshold,
		Window:    cfg.Breaker.Window,
		OpenFor:   cfg.Breaker.OpenFor,
	}, breaker.WithStateChange(s.onBreakerChange))

	s.queue = queue.New(cfg.Queue.Capacity,
		queue.WithLogger(log.WithComponent("queue")),
		queue.WithDefaults(cfg.Queue.MaxAttempts, cfg.Queue.DefaultTimeout),
		queue.WithExpiryHandler(s.onExpired),
	)

	s.client = transport.NewClient(log.WithComponent("transport"))

	s.supervisor = supervisor.New(supervisor.Config{
		Executable:     cfg.Agent.Executable,
		Args:           cfg.Agent.Args,
		Env:            cfg.Agent.Env,
		Host:           cfg.Agent.Host,
		Port:           cfg.Agent.Port,
		Model:          cfg.Agent.Model,
		StartupTimeout: cfg.Agent.StartupTimeout,
		RequestTimeout: cfg.Agent.RequestTimeout,
		HealthInterval: cfg.Agent.HealthInterval,
	}, log.Get())

	s.dispatcher = dispatch.New(s.queue, s.breaker, s.tracker, s.client,
		dispatch.Config{
			BackoffBase: cfg.Queue.BackoffBase,
			BackoffMax:  cfg.Queue.BackoffMax,
		},
		dispatch.WithMetrics(s.metrics),
		dispatch.WithResultHandler(s.onResult),
		dispatch.WithRetryHandler(s.onRetry),
	)

	return s
}

// Start spawns the agent process, binds the transport to its endpoint
// and launches the background loops. It blocks until the agent is ready
// or its startup fails.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("service already started")
	}
	s.mu.Unlock()

	ep, err := s.supervisor.Start(ctx)
	if err != nil {
		return err
	}
	s.client.Bind(ep)
	s.publishAgent(events.TypeAgentReady, nil)
	s.logger.Info("agent ready", "endpoint", ep.BaseURL(), "pid", s.supervisor.Pid())

	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(4)
	go func() {
		defer s.wg.Done()
		_ = s.dispatcher.Start(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.outcomeLoop(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.supervisorLoop(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.sweepLoop(runCtx)
	}()

	return nil
}

// Shutdown stops the background loops and terminates the agent process,
// escalating after graceTimeout. Safe to call more than once.
func (s *Service) Shutdown(graceTimeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	err := s.supervisor.Stop(graceTimeout)
	s.publishAgent(events.TypeAgentStopped, nil)
	s.logger.Info("service stopped")
	return err
}

// Submit enqueues one payload for dispatch and returns its message id.
// Fails with queue.ErrQueueFull when the queue is at capacity; the
// caller must shed load.
func (s *Service) Submit(req SubmitRequest) (string, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return "", ErrNotRunning
	}

	id, err := s.queue.Enqueue(queue.EnqueueRequest{
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Timeout:     req.Timeout,
	})
	if err != nil {
		return "", err
	}

	s.hub.Publish(events.TypeMessageQueued, MessageEvent{
		MessageID: id,
		Priority:  req.Priority.String(),
	})
	s.updateQueueGauges()
	return id, nil
}

// Cancel removes a still-queued message. Messages already dispatching
// or finalized report ok=false.
func (s *Service) Cancel(id string) (queue.Message, bool) {
	msg, ok := s.queue.Cancel(id)
	if !ok {
		return queue.Message{}, false
	}
	s.hub.Publish(events.TypeMessageCancelled, MessageEvent{
		MessageID: msg.ID,
		Priority:  msg.Priority.String(),
		Attempt:   msg.Attempt,
	})
	s.metrics.DispatchOutcome(string(queue.StatusCancelled))
	s.recordJournal(msg, "", 0)
	s.updateQueueGauges()
	return msg, true
}

// Get returns the live state of a queued or in-flight message, falling
// back to the journal for finalized ones.
func (s *Service) Get(ctx context.Context, id string) (queue.Message, bool) {
	if msg, ok := s.queue.Get(id); ok {
		return msg, true
	}
	if s.journal == nil {
		return queue.Message{}, false
	}
	entry, err := s.journal.Get(ctx, id)
	if err != nil {
		return queue.Message{}, false
	}
	prio, _ := queue.ParsePriority(entry.Priority)
	return queue.Message{
		ID:        entry.MessageID,
		Priority:  prio,
		Status:    entry.Status,
		Attempt:   entry.Attempts,
		CreatedAt: entry.CreatedAt,
		LastError: entry.LastError,
	}, true
}

// Subscribe attaches a consumer to the event hub.
func (s *Service) Subscribe() (<-chan events.Event, func()) {
	return s.hub.Subscribe()
}

// Hub exposes the event hub for SSE replay.
func (s *Service) Hub() *events.Hub { return s.hub }

// Metrics exposes the Prometheus collectors for the /metrics handler.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// Journal exposes the outcome journal; nil when journaling is disabled.
func (s *Service) Journal() *journal.Journal { return s.journal }

// Status reports the current state of every component.
func (s *Service) Status() Status {
	queued, inflight := s.queue.Stats()
	st := Status{
		Service:      s.cfg.Service.Name,
		AgentState:   string(s.supervisor.State()),
		AgentPid:     s.supervisor.Pid(),
		AgentHealthy: s.supervisor.IsHealthy(),
		Breaker:      s.breaker.Snapshot(),
		Queued:       queued,
		Inflight:     inflight,
	}
	if ep := s.supervisor.Endpoint(); ep != nil {
		st.Endpoint = ep.BaseURL()
	}
	return st
}

// onResult runs on the dispatch goroutine; it hands the outcome to the
// fanout loop without blocking.
func (s *Service) onResult(r dispatch.Result) {
	o := outcome{
		msg:           r.Message,
		correlationID: r.Correlation.ID,
		duration:      r.Correlation.Duration,
		response:      r.Response,
	}
	select {
	case s.outcomes <- o:
	default:
		// Fanout is saturated; journal inline rather than lose the record.
		s.handleOutcome(o)
	}
}

func (s *Service) onRetry(msg queue.Message, delay time.Duration) {
	s.hub.Publish(events.TypeMessageRequeued, MessageEvent{
		MessageID: msg.ID,
		Priority:  msg.Priority.String(),
		Attempt:   msg.Attempt,
		Error:     msg.LastError,
	})
}

func (s *Service) onExpired(msg queue.Message) {
	s.metrics.DispatchOutcome(string(queue.StatusExpired))
	o := outcome{msg: msg}
	select {
	case s.outcomes <- o:
	default:
		s.handleOutcome(o)
	}
}

func (s *Service) onBreakerChange(from, to breaker.State) {
	s.hub.Publish(events.TypeBreakerState, BreakerEvent{From: string(from), To: string(to)})
	s.metrics.BreakerState(string(to))
	s.logger.Warn("breaker state changed", "from", from, "to", to)
}

// outcomeLoop journals terminal outcomes and publishes them on the hub,
// off the dispatch goroutine. Drains remaining outcomes on shutdown.
func (s *Service) outcomeLoop(ctx context.Context) {
	for {
		select {
		case o := <-s.outcomes:
			s.handleOutcome(o)
		case <-ctx.Done():
			for {
				select {
				case o := <-s.outcomes:
					s.handleOutcome(o)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) handleOutcome(o outcome) {
	ev := MessageEvent{
		MessageID:     o.msg.ID,
		CorrelationID: o.correlationID,
		Priority:      o.msg.Priority.String(),
		Attempt:       o.msg.Attempt,
		Error:         o.msg.LastError,
		DurationMS:    o.duration.Milliseconds(),
	}

	switch o.msg.Status {
	case queue.StatusCompleted:
		ev.Response = o.response
		s.hub.Publish(events.TypeMessageCompleted, ev)
	case queue.StatusFailed:
		s.hub.Publish(events.TypeMessageFailed, ev)
	case queue.StatusExpired:
		s.hub.Publish(events.TypeMessageExpired, ev)
	}

	s.recordJournal(o.msg, o.correlationID, o.duration)
	s.updateQueueGauges()
}

func (s *Service) recordJournal(msg queue.Message, correlationID string, duration time.Duration) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.journal.Record(ctx, journal.Entry{
		MessageID:     msg.ID,
		CorrelationID: correlationID,
		Priority:      msg.Priority.String(),
		Status:        msg.Status,
		Attempts:      msg.Attempt,
		CreatedAt:     msg.CreatedAt,
		CompletedAt:   time.Now(),
		Duration:      duration,
		LastError:     msg.LastError,
	})
	if err != nil {
		s.logger.Error("failed to journal outcome", "message_id", msg.ID, "error", err)
	}
}

// supervisorLoop reacts to agent lifecycle events. An unhealthy agent
// forces the breaker open and triggers a bounded restart cycle.
func (s *Service) supervisorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.supervisor.Events():
			if ev.To != supervisor.StateUnhealthy {
				continue
			}
			s.logger.Warn("agent unhealthy", "error", ev.Err)
			s.publishAgent(events.TypeAgentUnhealthy, ev.Err)
			s.breaker.ForceOpen()
			s.restartAgent(ctx)
		}
	}
}

// restartAgent attempts up to MaxRestarts consecutive spawn cycles. The
// breaker stays open after a successful restart; normal half-open trial
// traffic closes it once the fresh agent answers.
func (s *Service) restartAgent(ctx context.Context) {
	for attempt := 1; attempt <= s.cfg.Service.MaxRestarts; attempt++ {
		s.logger.Info("restarting agent", "attempt", attempt, "max", s.cfg.Service.MaxRestarts)
		s.publishAgent(events.TypeAgentRestarting, nil)
		s.metrics.AgentRestart()

		if err := s.supervisor.Stop(stopGrace); err != nil {
			s.logger.Error("failed to stop unhealthy agent", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.Service.RestartBackoff):
		}

		ep, err := s.supervisor.Start(ctx)
		if err != nil {
			s.logger.Error("agent restart failed", "attempt", attempt, "error", err)
			continue
		}
		s.client.Bind(ep)
		s.publishAgent(events.TypeAgentReady, nil)
		s.logger.Info("agent restarted", "pid", s.supervisor.Pid(), "endpoint", ep.BaseURL())
		return
	}

	s.logger.Error("agent unavailable, restart budget exhausted", "restarts", s.cfg.Service.MaxRestarts)
	s.publishAgent(events.TypeAgentUnavailable, nil)
}

// sweepLoop expires abandoned messages independently of the dispatch
// loop and keeps the queue gauges fresh.
func (s *Service) sweepLoop(ctx context.Context) {
	interval := s.cfg.Queue.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expired := s.queue.SweepExpired(now)
			if len(expired) > 0 {
				s.logger.Info("expired messages swept", "count", len(expired))
			}
			s.updateQueueGauges()
		}
	}
}

func (s *Service) publishAgent(eventType string, cause error) {
	ev := AgentEvent{State: string(s.supervisor.State()), Pid: s.supervisor.Pid()}
	if cause != nil {
		ev.Error = cause.Error()
	}
	s.hub.Publish(eventType, ev)
}

func (s *Service) updateQueueGauges() {
	queued, inflight := s.queue.Stats()
	s.metrics.QueueStats(queued, inflight)
}
