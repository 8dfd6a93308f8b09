// Package breaker implements the circuit breaker guarding dispatch to the
// agent process. It prevents a retry storm against a crashed or overloaded
// child and bounds recovery probing to one trial per open window.
package breaker

import (
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config carries the breaker tuning knobs.
type Config struct {
	// Threshold is the failure count within Window that opens the circuit.
	Threshold int
	// Window is the rolling period failures are counted over.
	Window time.Duration
	// OpenFor is how long dispatch stays suppressed before a trial.
	OpenFor time.Duration
}

// Breaker is the fault-tolerance state machine. Transitions are strictly
// Closed -> Open -> HalfOpen -> {Closed | Open}.
type Breaker struct {
	cfg      Config
	onChange func(from, to State)
	now      func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	windowStart   time.Time
	openedAt      time.Time
	trialInFlight bool
}

type Option func(*Breaker)

// WithStateChange registers a callback invoked (outside the lock) on every
// state transition.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func New(cfg Config, opts ...Option) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 15 * time.Second
	}
	b := &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a dispatch attempt may proceed. While the circuit is
// open it returns true exactly once per open window, transitioning to
// half-open for that single trial; concurrent callers during the trial get
// false.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var transition *[2]State

	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if !b.now().Before(b.openedAt.Add(b.cfg.OpenFor)) {
			transition = &[2]State{StateOpen, StateHalfOpen}
			b.state = StateHalfOpen
			b.trialInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.trialInFlight {
			b.trialInFlight = true
			allowed = true
		}
	}
	b.mu.Unlock()

	b.fire(transition)
	return allowed
}

// RecordSuccess notes a successful dispatch. A successful half-open trial
// closes the circuit and resets the failure window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var transition *[2]State

	switch b.state {
	case StateHalfOpen:
		transition = &[2]State{StateHalfOpen, StateClosed}
		b.state = StateClosed
		b.trialInFlight = false
		b.failures = 0
		b.windowStart = time.Time{}
	case StateClosed:
		b.failures = 0
		b.windowStart = time.Time{}
	}
	b.mu.Unlock()

	b.fire(transition)
}

// RecordFailure notes a failed dispatch. Crossing the threshold within the
// window opens the circuit; a failed half-open trial reopens it and restarts
// the open timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var transition *[2]State
	now := b.now()

	switch b.state {
	case StateClosed:
		if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.cfg.Window {
			b.windowStart = now
			b.failures = 0
		}
		b.failures++
		if b.failures >= b.cfg.Threshold {
			transition = &[2]State{StateClosed, StateOpen}
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		transition = &[2]State{StateHalfOpen, StateOpen}
		b.state = StateOpen
		b.openedAt = now
		b.trialInFlight = false
	}
	b.mu.Unlock()

	b.fire(transition)
}

// ForceOpen opens the circuit immediately, regardless of the failure count.
// Used when the supervisor reports the agent unhealthy.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	var transition *[2]State
	if b.state != StateOpen {
		transition = &[2]State{b.state, StateOpen}
		b.state = StateOpen
		b.openedAt = b.now()
		b.trialInFlight = false
	}
	b.mu.Unlock()

	b.fire(transition)
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot captures breaker internals for the status surface.
type Snapshot struct {
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	OpenedAt time.Time `json:"opened_at,omitzero"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:    b.state,
		Failures: b.failures,
		OpenedAt: b.openedAt,
	}
}

func (b *Breaker) fire(transition *[2]State) {
	if transition == nil || b.onChange == nil {
		return
	}
	b.onChange(transition[0], transition[1])
}
