package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusQueued      Status = "queued"
	StatusDispatching Status = "dispatching"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusExpired     Status = "expired"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Priority orders messages for dispatch. Higher values dispatch first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a wire string to a Priority, defaulting to normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Message is one queued request. The payload is opaque to the pipeline.
type Message struct {
	ID          string
	Payload     json.RawMessage
	Priority    Priority
	Status      Status
	Attempt     int
	MaxAttempts int
	Timeout     time.Duration
	CreatedAt   time.Time
	Deadline    time.Time
	NotBefore   time.Time // retry backoff gate; zero means immediately eligible
	LastError   string

	seq uint64 // FIFO tiebreaker within a priority tier
}

// EnqueueRequest carries caller-supplied fields for a new message.
// Zero values fall back to the queue's configured defaults.
type EnqueueRequest struct {
	Payload     json.RawMessage
	Priority    Priority
	MaxAttempts int
	Timeout     time.Duration
}

var (
	// ErrQueueFull is the backpressure signal: the caller must shed load.
	ErrQueueFull = errors.New("queue is at capacity")
	// ErrNotFound indicates an unknown or already-finalized message id.
	ErrNotFound = errors.New("message not found")
)
