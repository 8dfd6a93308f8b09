// Package correlate assigns and tracks correlation ids linking each dispatch
// attempt to its eventual outcome. Records live only while the attempt is in
// flight; late responses that arrive after finalization are rejected.
package correlate

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Record links one correlation id to the message attempt it tags.
type Record struct {
	ID        string
	MessageID string
	StartedAt time.Time
	Outcome   Outcome
	Duration  time.Duration
}

type Tracker struct {
	now func() time.Time

	mu      sync.Mutex
	records map[string]Record
}

type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		now:     time.Now,
		records: make(map[string]Record),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewID returns a fresh process-unique correlation id.
func (t *Tracker) NewID() string {
	return uuid.NewString()
}

// Begin opens a record tying id to messageID for the duration of one
// dispatch attempt.
func (t *Tracker) Begin(id, messageID string) {
	t.mu.Lock()
	t.records[id] = Record{
		ID:        id,
		MessageID: messageID,
		StartedAt: t.now(),
		Outcome:   OutcomePending,
	}
	t.mu.Unlock()
}

// Complete finalizes and removes the record for id. ok is false when the id
// is unknown or already finalized; the caller should treat the response as
// stale and drop it.
func (t *Tracker) Complete(id string, outcome Outcome) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	delete(t.records, id)

	rec.Outcome = outcome
	rec.Duration = t.now().Sub(rec.StartedAt)
	return rec, true
}

// Lookup returns the live record for id, if any.
func (t *Tracker) Lookup(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	return rec, ok
}

// Pending returns the number of in-flight records.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
