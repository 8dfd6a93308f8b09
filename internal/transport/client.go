// Package transport is the only component performing network I/O against the
// supervised agent server. It wraps a timeout-bounded HTTP client, tags each
// request with its correlation id and classifies failures for the retry
// policy and the circuit breaker.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

const maxResponseBytes = 8 << 20

// Client sends opaque payloads to the bound agent endpoint. It is stateless
// apart from the endpoint binding, which is swapped atomically whenever the
// supervisor restarts the child.
type Client struct {
	httpClient *http.Client
	endpoint   atomic.Pointer[Endpoint]
	logger     *slog.Logger
}

func NewClient(logger *slog.Logger) *Client {
	return &Client{
		// No global client timeout: each Send enforces its own per-message
		// deadline via context.
		httpClient: &http.Client{},
		logger:     logger.With("component", "transport"),
	}
}

// Bind atomically rebinds the client to a fresh endpoint generation.
func (c *Client) Bind(ep *Endpoint) {
	c.endpoint.Store(ep)
	if ep != nil {
		c.logger.Info("transport bound", "base_url", ep.BaseURL())
	}
}

// Endpoint returns the currently bound endpoint, or nil.
func (c *Client) Endpoint() *Endpoint {
	return c.endpoint.Load()
}

// Send posts payload to the agent's request endpoint with the correlation id
// attached, enforcing timeout independently of any client-level timeout.
// Failures are returned as *Error with a Kind the caller can branch on.
func (c *Client) Send(ctx context.Context, payload json.RawMessage, correlationID string, timeout time.Duration) (json.RawMessage, error) {
	ep := c.endpoint.Load()
	if ep == nil {
		return nil, &Error{Kind: KindConnectionRefused, Err: errNotBound}
	}
	if timeout <= 0 {
		timeout = ep.RequestTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL(CompletionsPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderCorrelationID, correlationID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cerr := classify(err)
		c.logger.Debug("send failed", "kind", string(cerr.Kind), "correlation_id", correlationID, "error", err)
		return nil, cerr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classify(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Kind:   KindServerError,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", truncate(body, 256)),
		}
	}

	if !json.Valid(body) {
		return nil, &Error{
			Kind: KindMalformedResponse,
			Err:  fmt.Errorf("response is not valid JSON (%d bytes)", len(body)),
		}
	}
	return body, nil
}

// Probe performs one readiness check against ep. Success means the agent
// answered the probe endpoint with 200 within timeout.
func Probe(ctx context.Context, ep *Endpoint, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL(ReadyPath), nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK {
		return &Error{
			Kind:   KindServerError,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("readiness probe returned %d", resp.StatusCode),
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
