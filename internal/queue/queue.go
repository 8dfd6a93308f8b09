package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue is an in-memory, priority-aware holding area for pending requests.
// Many producers may Enqueue concurrently; exactly one consumer (the
// dispatcher loop) calls Dequeue and the Mark/Retry/Release methods.
type Queue struct {
	capacity           int
	defaultMaxAttempts int
	defaultTimeout     time.Duration
	onExpired          func(Message)
	logger             *slog.Logger

	mu       sync.Mutex
	pending  []*Message          // status Queued, unordered; selection scans
	inflight map[string]*Message // status Dispatching
	nextSeq  uint64

	notify chan struct{}
}

type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l.With("component", "queue") }
}

// WithDefaults sets the fallback retry budget and per-message timeout used
// when an EnqueueRequest leaves them zero.
func WithDefaults(maxAttempts int, timeout time.Duration) Option {
	return func(q *Queue) {
		if maxAttempts > 0 {
			q.defaultMaxAttempts = maxAttempts
		}
		if timeout > 0 {
			q.defaultTimeout = timeout
		}
	}
}

// WithExpiryHandler registers a callback invoked (outside the queue lock)
// for every message that expires while still queued.
func WithExpiryHandler(fn func(Message)) Option {
	return func(q *Queue) { q.onExpired = fn }
}

func New(capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	q := &Queue{
		capacity:           capacity,
		defaultMaxAttempts: 4,
		defaultTimeout:     120 * time.Second,
		logger:             slog.Default().With("component", "queue"),
		inflight:           make(map[string]*Message),
		notify:             make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue admits a new message, returning its id. Fails with ErrQueueFull
// when capacity is reached; this is the backpressure signal to callers.
func (q *Queue) Enqueue(req EnqueueRequest) (string, error) {
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.defaultMaxAttempts
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = q.defaultTimeout
	}

	now := time.Now()
	msg := &Message{
		ID:          uuid.NewString(),
		Payload:     req.Payload,
		Priority:    req.Priority,
		Status:      StatusQueued,
		MaxAttempts: maxAttempts,
		Timeout:     timeout,
		CreatedAt:   now,
		Deadline:    now.Add(timeout),
	}

	q.mu.Lock()
	if len(q.pending)+len(q.inflight) >= q.capacity {
		q.mu.Unlock()
		return "", ErrQueueFull
	}
	msg.seq = q.nextSeq
	q.nextSeq++
	q.pending = append(q.pending, msg)
	q.signalLocked()
	q.mu.Unlock()

	q.logger.Debug("message enqueued", "message_id", msg.ID, "priority", msg.Priority.String())
	return msg.ID, nil
}

// Dequeue blocks until an eligible message exists, marks it Dispatching and
// returns a snapshot of it. Messages whose deadline has passed are finalized
// as Expired and never returned. Returns ctx.Err() on cancellation.
func (q *Queue) Dequeue(ctx context.Context) (*Message, error) {
	for {
		now := time.Now()

		q.mu.Lock()
		expired := q.expireLocked(now)
		msg := q.selectLocked(now)
		if msg != nil {
			msg.Status = StatusDispatching
			msg.Attempt++
			q.removePendingLocked(msg.ID)
			q.inflight[msg.ID] = msg
			snapshot := *msg
			q.mu.Unlock()

			q.fireExpired(expired)
			return &snapshot, nil
		}
		wake, hasWake := q.nextWakeLocked(now)
		q.mu.Unlock()

		q.fireExpired(expired)

		var timer *time.Timer
		var timerC <-chan time.Time
		if hasWake {
			timer = time.NewTimer(wake.Sub(now))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-q.notify:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// MarkCompleted finalizes an in-flight message as Completed.
func (q *Queue) MarkCompleted(id string) (Message, error) {
	return q.finalizeInflight(id, StatusCompleted, "")
}

// MarkFailed finalizes an in-flight message as Failed with a terminal reason.
func (q *Queue) MarkFailed(id, reason string) (Message, error) {
	return q.finalizeInflight(id, StatusFailed, reason)
}

// RetryOrFail re-queues an in-flight message after a transient failure,
// gated behind notBefore. Once the attempt count has consumed the retry
// budget the message is finalized as Failed instead; retried reports which
// path was taken.
func (q *Queue) RetryOrFail(id, reason string, notBefore time.Time) (retried bool, out Message, err error) {
	q.mu.Lock()
	msg, ok := q.inflight[id]
	if !ok {
		q.mu.Unlock()
		return false, Message{}, fmt.Errorf("retry %s: %w", id, ErrNotFound)
	}
	delete(q.inflight, id)

	if msg.Attempt >= msg.MaxAttempts {
		msg.Status = StatusFailed
		msg.LastError = reason
		out = *msg
		q.mu.Unlock()
		return false, out, nil
	}

	msg.Status = StatusQueued
	msg.LastError = reason
	msg.NotBefore = notBefore
	q.pending = append(q.pending, msg)
	q.signalLocked()
	out = *msg
	q.mu.Unlock()
	return true, out, nil
}

// Release returns an in-flight message to the queue without charging an
// attempt (the circuit-open path: dispatch was suppressed, not failed).
func (q *Queue) Release(id string, notBefore time.Time) (Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, ok := q.inflight[id]
	if !ok {
		return Message{}, fmt.Errorf("release %s: %w", id, ErrNotFound)
	}
	delete(q.inflight, id)

	msg.Status = StatusQueued
	msg.Attempt-- // Dequeue charged one; this was not a dispatch attempt
	msg.NotBefore = notBefore
	q.pending = append(q.pending, msg)
	q.signalLocked()
	return *msg, nil
}

// Cancel removes a still-queued message. Messages already dispatching or
// finalized are not cancellable; ok reports whether the cancel took effect.
func (q *Queue) Cancel(id string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, msg := range q.pending {
		if msg.ID == id {
			q.removePendingLocked(id)
			msg.Status = StatusCancelled
			return *msg, true
		}
	}
	return Message{}, false
}

// SweepExpired finalizes every queued message whose deadline has passed and
// returns them. Runs independently of Dequeue so abandoned messages cannot
// accumulate while the dispatcher is busy.
func (q *Queue) SweepExpired(now time.Time) []Message {
	q.mu.Lock()
	expired := q.expireLocked(now)
	q.mu.Unlock()

	q.fireExpired(expired)
	return expired
}

// Get returns a snapshot of a queued or in-flight message.
func (q *Queue) Get(id string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if msg, ok := q.inflight[id]; ok {
		return *msg, true
	}
	for _, msg := range q.pending {
		if msg.ID == id {
			return *msg, true
		}
	}
	return Message{}, false
}

// Stats returns the current queued and in-flight counts.
func (q *Queue) Stats() (queued, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.inflight)
}

func (q *Queue) finalizeInflight(id string, status Status, reason string) (Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, ok := q.inflight[id]
	if !ok {
		return Message{}, fmt.Errorf("finalize %s as %s: %w", id, status, ErrNotFound)
	}
	delete(q.inflight, id)
	msg.Status = status
	if reason != "" {
		msg.LastError = reason
	}
	return *msg, nil
}

// selectLocked picks the dispatchable message with the highest priority,
// FIFO within a tier. Returns nil when nothing is eligible right now.
func (q *Queue) selectLocked(now time.Time) *Message {
	var best *Message
	for _, msg := range q.pending {
		if !msg.NotBefore.IsZero() && now.Before(msg.NotBefore) {
			continue
		}
		if best == nil ||
			msg.Priority > best.Priority ||
			(msg.Priority == best.Priority && msg.seq < best.seq) {
			best = msg
		}
	}
	return best
}

// expireLocked finalizes queued messages past their deadline, returning
// snapshots for post-unlock callback dispatch.
func (q *Queue) expireLocked(now time.Time) []Message {
	var expired []Message
	kept := q.pending[:0]
	for _, msg := range q.pending {
		if !now.Before(msg.Deadline) {
			msg.Status = StatusExpired
			expired = append(expired, *msg)
			continue
		}
		kept = append(kept, msg)
	}
	q.pending = kept
	return expired
}

// nextWakeLocked computes the earliest instant at which a pending message
// either becomes eligible (backoff gate) or expires.
func (q *Queue) nextWakeLocked(now time.Time) (time.Time, bool) {
	var wake time.Time
	for _, msg := range q.pending {
		candidate := msg.Deadline
		if !msg.NotBefore.IsZero() && now.Before(msg.NotBefore) && msg.NotBefore.Before(candidate) {
			candidate = msg.NotBefore
		}
		if wake.IsZero() || candidate.Before(wake) {
			wake = candidate
		}
	}
	return wake, !wake.IsZero()
}

func (q *Queue) removePendingLocked(id string) {
	for i, msg := range q.pending {
		if msg.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) signalLocked() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) fireExpired(expired []Message) {
	if q.onExpired == nil {
		return
	}
	for _, msg := range expired {
		q.logger.Info("message expired in queue", "message_id", msg.ID, "age", time.Since(msg.CreatedAt))
		q.onExpired(msg)
	}
}
