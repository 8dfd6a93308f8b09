package transport

import (
	"fmt"
	"time"
)

// Endpoint is the immutable address of one agent-server generation. The
// supervisor publishes a fresh Endpoint after every successful spawn; readers
// must never observe a half-updated one, so it is swapped as a whole, never
// mutated.
type Endpoint struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
}

// BaseURL returns the http base URL for the endpoint.
func (e *Endpoint) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

// URL joins path onto the base URL. path must start with "/".
func (e *Endpoint) URL(path string) string {
	return e.BaseURL() + path
}

// Paths of the agent server's HTTP contract.
const (
	// ReadyPath is the readiness probe endpoint; it returns 200 once the
	// agent accepts requests.
	ReadyPath = "/health"
	// CompletionsPath accepts an opaque request payload and returns the
	// opaque response payload.
	CompletionsPath = "/v1/completions"
)

// HeaderCorrelationID carries the correlation id on every request.
const HeaderCorrelationID = "X-Correlation-ID"
