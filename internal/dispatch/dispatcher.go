package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/calebward/agentlink/internal/breaker"
	"github.com/calebward/agentlink/internal/correlate"
	"github.com/calebward/agentlink/internal/log"
	"github.com/calebward/agentlink/internal/metrics"
	"github.com/calebward/agentlink/internal/queue"
	"github.com/calebward/agentlink/internal/transport"
)

// circuitRetryDelay is how long a message released because the circuit
// was open stays ineligible before the loop sees it again.
const circuitRetryDelay = 1 * time.Second

// Config carries the retry policy knobs for the dispatch loop.
type Config struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Result is a terminal dispatch outcome handed to the result handler.
// Response is non-nil only when the message completed.
type Result struct {
	Message     queue.Message
	Correlation correlate.Record
	Response    json.RawMessage
}

// Dispatcher is the single consumer of the queue. It pulls messages,
// consults the circuit breaker, sends through the transport under a
// fresh correlation id, and routes the outcome back into the queue.
type Dispatcher struct {
	queue   *queue.Queue
	breaker *breaker.Breaker
	tracker *correlate.Tracker
	client  AgentClient
	cfg     Config
	logger  *slog.Logger

	metrics  *metrics.Metrics
	onResult func(Result)
	onRetry  func(msg queue.Message, delay time.Duration)

	clock func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics wires the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithResultHandler registers fn to receive every terminal outcome.
// Called on the dispatch goroutine; fn must not block.
func WithResultHandler(fn func(Result)) Option {
	return func(d *Dispatcher) { d.onResult = fn }
}

// WithRetryHandler registers fn to observe requeues after retryable
// failures.
func WithRetryHandler(fn func(msg queue.Message, delay time.Duration)) Option {
	return func(d *Dispatcher) { d.onRetry = fn }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = now }
}

// New creates a Dispatcher.
func New(q *queue.Queue, b *breaker.Breaker, tr *correlate.Tracker, client AgentClient, cfg Config, opts ...Option) *Dispatcher {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	d := &Dispatcher{
		queue:   q,
		breaker: b,
		tracker: tr,
		client:  client,
		cfg:     cfg,
		logger:  log.WithComponent("dispatch"),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the dispatch loop. Messages are dequeued and sent one at
// a time; producers are never blocked by an in-flight request. This is
// a blocking call that runs until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatch loop started")
	defer d.logger.Info("dispatch loop stopped")

	for {
		msg, err := d.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		d.dispatch(ctx, msg)
	}
}

// dispatch sends one message and applies the retry/failure policy.
func (d *Dispatcher) dispatch(ctx context.Context, msg *queue.Message) {
	msgLogger := d.logger.With("message_id", msg.ID, "priority", msg.Priority.String())

	if !d.breaker.Allow() {
		// Not an attempt failure; the message goes back without
		// being charged against its retry budget.
		if _, err := d.queue.Release(msg.ID, d.clock().Add(circuitRetryDelay)); err != nil {
			msgLogger.Error("failed to release message", "error", err)
		}
		msgLogger.Debug("circuit open, message released", "state", d.breaker.State())
		return
	}

	timeout := msg.Timeout
	if remain := msg.Deadline.Sub(d.clock()); remain < timeout {
		timeout = remain
	}

	cid := d.tracker.NewID()
	d.tracker.Begin(cid, msg.ID)
	msgLogger = msgLogger.With("correlation_id", cid)
	msgLogger.Info("dispatching message", "attempt", msg.Attempt, "timeout", timeout)

	resp, err := d.client.Send(ctx, msg.Payload, cid, timeout)
	if err != nil {
		rec, _ := d.tracker.Complete(cid, correlate.OutcomeFailure)
		d.observeDuration(rec)
		if ctx.Err() != nil {
			// Shutting down mid-flight; hand the message back
			// uncharged so a restart can pick it up.
			if _, rerr := d.queue.Release(msg.ID, d.clock()); rerr != nil {
				msgLogger.Error("failed to release message on shutdown", "error", rerr)
			}
			return
		}
		d.breaker.RecordFailure()
		d.handleFailure(msg, rec, err, msgLogger)
		return
	}

	rec, _ := d.tracker.Complete(cid, correlate.OutcomeSuccess)
	d.observeDuration(rec)
	d.breaker.RecordSuccess()

	done, err := d.queue.MarkCompleted(msg.ID)
	if err != nil {
		// Cancelled or expired while in flight; the response has
		// no recipient.
		msgLogger.Warn("response arrived for finalized message", "error", err)
		return
	}
	msgLogger.Info("message completed", "duration", rec.Duration)
	d.countOutcome(queue.StatusCompleted)
	d.emit(Result{Message: done, Correlation: rec, Response: resp})
}

// handleFailure requeues with backoff or fails terminally, depending
// on the transport classification and the remaining retry budget.
func (d *Dispatcher) handleFailure(msg *queue.Message, rec correlate.Record, sendErr error, msgLogger *slog.Logger) {
	var terr *transport.Error
	retryable := errors.As(sendErr, &terr) && terr.Retryable()

	if !retryable {
		failed, err := d.queue.MarkFailed(msg.ID, sendErr.Error())
		if err != nil {
			msgLogger.Error("failed to mark message failed", "error", err)
			return
		}
		msgLogger.Warn("message failed", "error", sendErr)
		d.countOutcome(queue.StatusFailed)
		d.emit(Result{Message: failed, Correlation: rec})
		return
	}

	delay := backoffDelay(msg.Attempt, d.cfg.BackoffBase, d.cfg.BackoffMax)
	retried, out, err := d.queue.RetryOrFail(msg.ID, sendErr.Error(), d.clock().Add(delay))
	if err != nil {
		msgLogger.Error("failed to requeue message", "error", err)
		return
	}
	if retried {
		msgLogger.Warn("message requeued", "error", sendErr, "attempt", out.Attempt, "delay", delay)
		if d.metrics != nil {
			d.metrics.DispatchRetry()
		}
		if d.onRetry != nil {
			d.onRetry(out, delay)
		}
		return
	}
	msgLogger.Warn("retry budget exhausted", "error", sendErr, "attempts", out.Attempt)
	d.countOutcome(queue.StatusFailed)
	d.emit(Result{Message: out, Correlation: rec})
}

func (d *Dispatcher) emit(r Result) {
	if d.onResult != nil {
		d.onResult(r)
	}
}

func (d *Dispatcher) countOutcome(status queue.Status) {
	if d.metrics != nil {
		d.metrics.DispatchOutcome(string(status))
	}
}

func (d *Dispatcher) observeDuration(rec correlate.Record) {
	if d.metrics != nil {
		d.metrics.DispatchDuration(rec.Duration)
	}
}
