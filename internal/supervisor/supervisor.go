// Package supervisor owns the lifecycle of the local agent-server process:
// spawn, readiness detection, background health checking and termination.
// All other components only ever see the Endpoint it publishes once the
// child reports ready.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/calebward/agentlink/internal/transport"
)

// ProcessState is the lifecycle state of the supervised child.
type ProcessState string

const (
	StateNotStarted ProcessState = "not_started"
	StateStarting   ProcessState = "starting"
	StateReady      ProcessState = "ready"
	StateUnhealthy  ProcessState = "unhealthy"
	StateStopped    ProcessState = "stopped"
	StateFailed     ProcessState = "failed"
)

// StateEvent notifies consumers of a lifecycle transition. Err is set when
// the transition was caused by a failure.
type StateEvent struct {
	From ProcessState
	To   ProcessState
	Err  error
}

// Config describes how to spawn and monitor the agent server.
type Config struct {
	Executable string
	Args       []string
	Env        map[string]string
	Host       string
	Port       int
	Model      string

	StartupTimeout time.Duration
	RequestTimeout time.Duration
	HealthInterval time.Duration
}

const (
	readinessPollInterval = 100 * time.Millisecond
	probeTimeout          = time.Second
	startupKillGrace      = 2 * time.Second

	// unhealthyThreshold consecutive probe failures flip Ready to Unhealthy.
	unhealthyThreshold = 3
)

// Supervisor manages exactly one child process instance at a time.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	events chan StateEvent

	mu         sync.Mutex
	state      ProcessState
	cmd        *exec.Cmd
	endpoint   *transport.Endpoint
	waitCh     chan error
	healthStop chan struct{}

	lastProbeAt time.Time
	lastProbeOK bool
}

func New(cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		logger: logger.With("component", "supervisor"),
		events: make(chan StateEvent, 16),
		state:  StateNotStarted,
	}
}

// Events returns the lifecycle event feed. Events are dropped rather than
// blocking the supervisor when the consumer falls behind.
func (s *Supervisor) Events() <-chan StateEvent {
	return s.events
}

// Start resolves the executable, spawns the child, and polls the readiness
// probe until it answers or StartupTimeout elapses. On timeout the spawned
// process is terminated before returning; no orphan survives a failed Start.
func (s *Supervisor) Start(ctx context.Context) (*transport.Endpoint, error) {
	s.mu.Lock()
	switch s.state {
	case StateStarting, StateReady:
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor: already running (state %s)", s.state)
	}
	prev := s.state
	s.state = StateStarting
	s.mu.Unlock()
	s.emit(prev, StateStarting, nil)

	path, err := exec.LookPath(s.cfg.Executable)
	if err != nil {
		perr := &ProcessError{Kind: KindExecutableNotFound, Err: err}
		s.fail(StateStarting, perr)
		return nil, perr
	}

	cmd := exec.Command(path, s.cfg.Args...)
	cmd.Env = s.buildEnv()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		perr := &ProcessError{Kind: KindSpawnFailed, Err: err}
		s.fail(StateStarting, perr)
		return nil, perr
	}
	s.logger.Info("agent process spawned", "pid", cmd.Process.Pid, "executable", path)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	endpoint := &transport.Endpoint{
		Host:           s.cfg.Host,
		Port:           s.cfg.Port,
		RequestTimeout: s.cfg.RequestTimeout,
	}

	if err := s.awaitReady(ctx, endpoint, waitCh); err != nil {
		s.terminate(cmd, waitCh, startupKillGrace)
		perr, ok := err.(*ProcessError)
		if !ok {
			perr = &ProcessError{Kind: KindStartupTimeout, Err: err}
		}
		s.fail(StateStarting, perr)
		return nil, perr
	}

	s.mu.Lock()
	s.cmd = cmd
	s.endpoint = endpoint
	s.waitCh = waitCh
	s.healthStop = make(chan struct{})
	s.state = StateReady
	s.lastProbeAt = time.Now()
	s.lastProbeOK = true
	stop := s.healthStop
	s.mu.Unlock()

	s.emit(StateStarting, StateReady, nil)
	s.logger.Info("agent ready", "base_url", endpoint.BaseURL(), "startup_pid", cmd.Process.Pid)

	go s.healthLoop(stop, waitCh)
	return endpoint, nil
}

// awaitReady polls the readiness probe until success, child exit, context
// cancellation or startup timeout.
func (s *Supervisor) awaitReady(ctx context.Context, ep *transport.Endpoint, waitCh <-chan error) error {
	deadline := time.NewTimer(s.cfg.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(readinessPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return &ProcessError{Kind: KindStartupTimeout, Err: ctx.Err()}
		case err := <-waitCh:
			return &ProcessError{Kind: KindUnexpectedExit, Err: fmt.Errorf("agent exited during startup: %v", err)}
		case <-deadline.C:
			return &ProcessError{
				Kind: KindStartupTimeout,
				Err:  fmt.Errorf("agent not ready after %v", s.cfg.StartupTimeout),
			}
		case <-tick.C:
			if err := transport.Probe(ctx, ep, probeTimeout); err == nil {
				return nil
			}
		}
	}
}

// Stop requests graceful termination and escalates to SIGKILL after
// graceTimeout. Calling Stop when already stopped is a no-op success.
func (s *Supervisor) Stop(graceTimeout time.Duration) error {
	s.mu.Lock()
	cmd := s.cmd
	waitCh := s.waitCh
	prev := s.state
	if s.healthStop != nil {
		close(s.healthStop)
		s.healthStop = nil
	}
	s.cmd = nil
	s.endpoint = nil
	s.waitCh = nil
	if cmd == nil {
		if prev != StateStopped {
			s.state = StateStopped
		}
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	s.mu.Unlock()

	s.terminate(cmd, waitCh, graceTimeout)
	s.emit(prev, StateStopped, nil)
	s.logger.Info("agent stopped")
	return nil
}

// IsHealthy is a cheap cached check: the process is running and the last
// background probe succeeded within a freshness window. It performs no
// network I/O.
func (s *Supervisor) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady || !s.lastProbeOK {
		return false
	}
	freshness := 2*s.cfg.HealthInterval + probeTimeout
	return time.Since(s.lastProbeAt) <= freshness
}

// State returns the current lifecycle state.
func (s *Supervisor) State() ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Endpoint returns the published endpoint of the current generation, or nil.
func (s *Supervisor) Endpoint() *transport.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Pid returns the child's process id, or 0 when not running.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// healthLoop probes the endpoint on a fixed interval. Three consecutive
// failures, or an unexpected child exit, transition Ready to Unhealthy and
// emit an event for the service layer to act on.
func (s *Supervisor) healthLoop(stop <-chan struct{}, waitCh <-chan error) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case err := <-waitCh:
			perr := &ProcessError{Kind: KindUnexpectedExit, Err: fmt.Errorf("agent exited: %v", err)}
			s.logger.Error("agent process exited unexpectedly", "error", err)
			s.markUnhealthy(perr)
			return
		case <-ticker.C:
			ep := s.Endpoint()
			if ep == nil {
				return
			}
			if err := transport.Probe(context.Background(), ep, probeTimeout); err != nil {
				failures++
				s.logger.Warn("health probe failed", "consecutive", failures, "error", err)
				s.recordProbe(false)
				if failures >= unhealthyThreshold {
					s.markUnhealthy(fmt.Errorf("%d consecutive probe failures", failures))
					return
				}
				continue
			}
			failures = 0
			s.recordProbe(true)
		}
	}
}

func (s *Supervisor) recordProbe(ok bool) {
	s.mu.Lock()
	s.lastProbeAt = time.Now()
	s.lastProbeOK = ok
	s.mu.Unlock()
}

func (s *Supervisor) markUnhealthy(err error) {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return
	}
	s.state = StateUnhealthy
	s.lastProbeOK = false
	s.healthStop = nil
	s.mu.Unlock()

	s.emit(StateReady, StateUnhealthy, err)
}

func (s *Supervisor) fail(from ProcessState, err error) {
	s.mu.Lock()
	s.state = StateFailed
	s.cmd = nil
	s.endpoint = nil
	s.waitCh = nil
	s.mu.Unlock()

	s.emit(from, StateFailed, err)
}

// terminate sends SIGTERM, waits up to grace, then SIGKILLs.
func (s *Supervisor) terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process already gone.
		return
	}
	if grace <= 0 {
		grace = time.Second
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-waitCh:
		return
	case <-timer.C:
	}

	s.logger.Warn("agent did not exit after SIGTERM, sending SIGKILL", "pid", cmd.Process.Pid)
	_ = cmd.Process.Kill()
	<-waitCh
}

func (s *Supervisor) buildEnv() []string {
	env := os.Environ()
	env = append(env,
		fmt.Sprintf("AGENT_HOST=%s", s.cfg.Host),
		fmt.Sprintf("AGENT_PORT=%d", s.cfg.Port),
	)
	if s.cfg.Model != "" {
		env = append(env, fmt.Sprintf("AGENT_MODEL=%s", s.cfg.Model))
	}
	for k, v := range s.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

func (s *Supervisor) emit(from, to ProcessState, err error) {
	select {
	case s.events <- StateEvent{From: from, To: to, Err: err}:
	default:
		s.logger.Warn("state event dropped", "from", string(from), "to", string(to))
	}
}
