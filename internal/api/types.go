package api

import (
	"encoding/json"
	"time"
)

// SubmitRequest is the JSON body for POST /v1/messages.
type SubmitRequest struct {
	Payload     json.RawMessage `json:"payload"`
	Priority    string          `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	TimeoutMS   int64           `json:"timeout_ms,omitempty"`
}

// SubmitResponse is returned on successful enqueue.
type SubmitResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// MessageResponse is returned by GET /v1/messages/{id}.
type MessageResponse struct {
	MessageID string    `json:"message_id"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
	LastError string    `json:"last_error,omitempty"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	AgentState    string `json:"agent_state"`
	BreakerState  string `json:"breaker_state"`
	Queued        int    `json:"queued"`
	Inflight      int    `json:"inflight"`
}
