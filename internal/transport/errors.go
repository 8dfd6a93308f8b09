package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrorKind classifies a transport failure. The dispatcher's retry policy
// and the circuit breaker key off this classification.
type ErrorKind string

const (
	KindConnectionRefused ErrorKind = "connection_refused"
	KindTimeout           ErrorKind = "timeout"
	KindServerError       ErrorKind = "server_error"
	KindMalformedResponse ErrorKind = "malformed_response"
)

// Error is a classified transport failure.
type Error struct {
	Kind   ErrorKind
	Status int // HTTP status for KindServerError, 0 otherwise
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindServerError:
		return fmt.Sprintf("transport: server error (status %d): %v", e.Status, e.Err)
	default:
		return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure may succeed on a later attempt.
// Connection refusals, timeouts and 5xx responses are transient; malformed
// responses and 4xx responses indicate a request the agent will never accept.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnectionRefused, KindTimeout:
		return true
	case KindServerError:
		return e.Status >= 500
	default:
		return false
	}
}

var errNotBound = errors.New("no endpoint bound")

// classify maps an http.Client error to a transport Error.
func classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	// Every other dial/transport failure behaves like a refused connection
	// for retry purposes: the agent is not answering at this address.
	return &Error{Kind: KindConnectionRefused, Err: err}
}
