package dispatch

import (
	"context"
	"encoding/json"
	"time"
)

//go:generate mockgen -destination=mocks/mock_agent.go -package=mocks github.com/calebward/agentlink/internal/dispatch AgentClient

// AgentClient defines the transport surface the dispatcher drives.
// Satisfied by *transport.Client.
type AgentClient interface {
	Send(ctx context.Context, payload json.RawMessage, correlationID string, timeout time.Duration) (json.RawMessage, error)
}
