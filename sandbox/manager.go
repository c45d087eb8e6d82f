package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zhubert/studio-core/logger"
	"github.com/zhubert/studio-core/retry"
)

// State is the lifecycle state of a managed runtime.
type State string

const (
	// StateUninitialized is the state before the first Boot call.
	StateUninitialized State = "uninitialized"
	// StateBooting means a boot attempt is in flight.
	StateBooting State = "booting"
	// StateReady means the runtime is usable.
	StateReady State = "ready"
	// StateDegraded means the runtime is usable but a managed process
	// exited unexpectedly (e.g. the dev server died).
	StateDegraded State = "degraded"
	// StateUnhealthy means all boot attempts failed.
	StateUnhealthy State = "unhealthy"
	// StateTornDown is terminal: the runtime has been released.
	StateTornDown State = "torn_down"
)

// ManagerConfig holds the tuning knobs for a Manager. Zero values fall
// back to the documented defaults.
type ManagerConfig struct {
	BootMaxAttempts         int           // default 3
	BootInitialDelay        time.Duration // default 1s
	SpawnMaxAttempts        int           // default 2
	BreakerFailureThreshold int           // default 3
	BreakerResetTimeout     time.Duration // default 60s
}

// Health is a point-in-time snapshot of a Manager.
type Health struct {
	State         State         `json:"state"`
	Uptime        time.Duration `json:"uptime"`        // zero unless ready
	ProcessCount  int           `json:"process_count"` // live spawned processes
	BreakerState  string        `json:"breaker_state"` // "closed", "open", "half-open"
	PreviewURL    string        `json:"preview_url,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	LastErrorTime time.Time     `json:"last_error_time,omitzero"`
}

// Manager drives one Runtime through its lifecycle. Boot is coalesced:
// concurrent callers share a single boot attempt. Spawned processes are
// tracked in a pool so Teardown can reap them and health can count them.
type Manager struct {
	runtime   Runtime
	config    ManagerConfig
	callbacks Callbacks
	log       *slog.Logger

	bootGroup singleflight.Group
	breaker   *retry.CircuitBreaker

	mu         sync.Mutex
	state      State
	readyAt    time.Time
	lastErr    error
	lastErrAt  time.Time
	previewURL string
	pool       map[string]Process
}

// NewManager creates a Manager for the given runtime.
func NewManager(runtime Runtime, config ManagerConfig, callbacks Callbacks) *Manager {
	if config.BootMaxAttempts <= 0 {
		config.BootMaxAttempts = 3
	}
	if config.BootInitialDelay <= 0 {
		config.BootInitialDelay = time.Second
	}
	if config.SpawnMaxAttempts <= 0 {
		config.SpawnMaxAttempts = 2
	}
	return &Manager{
		runtime:   runtime,
		config:    config,
		callbacks: callbacks,
		log:       logger.WithComponent("sandbox"),
		breaker: retry.NewCircuitBreaker(
			config.BreakerFailureThreshold,
			config.BreakerResetTimeout,
			3,
		),
		state: StateUninitialized,
		pool:  make(map[string]Process),
	}
}

// Runtime returns the managed runtime. File-level services layer on top
// of it directly; the Manager only gates lifecycle and processes.
func (m *Manager) Runtime() Runtime {
	return m.runtime
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// setState transitions to a new state, logging and notifying.
// Must be called without mu held.
func (m *Manager) setState(next State) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	if next == StateReady {
		m.readyAt = time.Now()
	}
	m.mu.Unlock()

	m.log.Info("state changed", "from", prev, "to", next)
	if m.callbacks.OnStateChange != nil {
		m.callbacks.OnStateChange(prev, next)
	}
}

// Boot brings the runtime up. It is idempotent: a ready manager returns
// immediately, and concurrent callers coalesce into one attempt whose
// result they all share. The circuit breaker gates each boot attempt.
// Exhausted attempts leave the manager unhealthy and return an error
// wrapping ErrBootFailed; while the breaker is open, Boot fails fast
// with retry.ErrCircuitOpen.
func (m *Manager) Boot(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateReady, StateDegraded:
		m.mu.Unlock()
		return nil
	case StateTornDown:
		m.mu.Unlock()
		return fmt.Errorf("sandbox: runtime torn down")
	}
	m.mu.Unlock()

	_, err, _ := m.bootGroup.Do("boot", func() (any, error) {
		return nil, m.doBoot(ctx)
	})
	return err
}

// doBoot runs the actual boot sequence with retry and breaker.
func (m *Manager) doBoot(ctx context.Context) error {
	m.setState(StateBooting)
	m.log.Info("booting runtime", "maxAttempts", m.config.BootMaxAttempts)

	opts := retry.DefaultOptions()
	opts.MaxAttempts = m.config.BootMaxAttempts
	opts.InitialDelay = m.config.BootInitialDelay

	attempt := 0
	err := retry.DoWithBreaker(ctx, m.breaker, func(ctx context.Context) error {
		attempt++
		m.log.Debug("boot attempt", "attempt", attempt)
		return m.runtime.Start(ctx)
	}, opts)

	if err != nil {
		m.recordError(err)
		m.setState(StateUnhealthy)
		if errors.Is(err, retry.ErrCircuitOpen) {
			m.log.Warn("boot rejected, circuit open")
			return err
		}
		m.log.Error("boot failed", "attempts", attempt, "error", err)
		return fmt.Errorf("%w: %v", ErrBootFailed, err)
	}

	// The booted runtime reports process events to the manager, which
	// records the preview URL and forwards to the caller's callbacks
	m.runtime.SetCallbacks(Callbacks{
		OnServerReady: func(processID, url string) {
			m.mu.Lock()
			m.previewURL = url
			m.mu.Unlock()
			m.log.Info("dev server ready", "processID", processID, "url", url)
			if m.callbacks.OnServerReady != nil {
				m.callbacks.OnServerReady(processID, url)
			}
		},
		OnProcessOutput: m.callbacks.OnProcessOutput,
		OnProcessExit:   m.callbacks.OnProcessExit,
	})

	m.setState(StateReady)
	m.log.Info("runtime ready", "attempts", attempt)
	return nil
}

// PreviewURL returns the last URL a spawned dev server announced, or ""
// when no server has come up yet.
func (m *Manager) PreviewURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previewURL
}

// Spawn starts a long-running process through the runtime. The manager
// must be ready or degraded; otherwise ErrNotReady is returned. A failed
// spawn is retried once before giving up. The process joins the pool and
// is reaped automatically on exit.
func (m *Manager) Spawn(ctx context.Context, name string, args ...string) (Process, error) {
	if !m.usable() {
		return nil, ErrNotReady
	}

	var proc Process
	opts := retry.Options{
		MaxAttempts:  m.config.SpawnMaxAttempts,
		InitialDelay: 500 * time.Millisecond,
		Jitter:       true,
	}
	err := retry.Do(ctx, func(ctx context.Context) error {
		p, err := m.runtime.Spawn(ctx, name, args...)
		if err != nil {
			m.log.Warn("spawn attempt failed", "command", name, "error", err)
			return err
		}
		proc = p
		return nil
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn %s: %w", name, err)
	}

	m.mu.Lock()
	m.pool[proc.ID()] = proc
	m.mu.Unlock()

	go m.reap(proc)
	return proc, nil
}

// reap waits for a pooled process and removes it on exit. An unexpected
// exit while the manager is ready marks it degraded.
func (m *Manager) reap(p Process) {
	code, err := p.Wait()

	m.mu.Lock()
	_, wasPooled := m.pool[p.ID()]
	delete(m.pool, p.ID())
	ready := m.state == StateReady
	m.mu.Unlock()

	if wasPooled && ready && (code != 0 || err != nil) {
		m.log.Warn("managed process exited unexpectedly", "id", p.ID(), "exitCode", code, "error", err)
		if err == nil {
			err = fmt.Errorf("process %s exited with code %d", p.ID(), code)
		}
		m.recordError(err)
		m.setState(StateDegraded)
	}
}

// recordError remembers the most recent boot or runtime error for
// health reporting.
func (m *Manager) recordError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.lastErrAt = time.Now()
	m.mu.Unlock()
}

// Exec runs a command to completion through the runtime. The manager
// must be ready or degraded. A non-zero exit code is reported in the
// result, not as an error.
func (m *Manager) Exec(ctx context.Context, name string, args ...string) (ExecResult, error) {
	if !m.usable() {
		return ExecResult{}, ErrNotReady
	}
	return m.runtime.Exec(ctx, name, args...)
}

// ExecStream runs a command to completion like Exec, invoking onLine for
// each output line as the process produces it.
func (m *Manager) ExecStream(ctx context.Context, onLine func(line string), name string, args ...string) (ExecResult, error) {
	if !m.usable() {
		return ExecResult{}, ErrNotReady
	}
	return m.runtime.ExecStream(ctx, onLine, name, args...)
}

// usable reports whether runtime-backed operations may proceed.
func (m *Manager) usable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateReady || m.state == StateDegraded
}

// ProcessCount returns the number of live pooled processes.
func (m *Manager) ProcessCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool)
}

// Health returns a snapshot of the manager. Uptime is measured from the
// moment the runtime last became ready and is zero in any other state.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := Health{
		State:        m.state,
		ProcessCount: len(m.pool),
		BreakerState: m.breaker.State(),
		PreviewURL:   m.previewURL,
	}
	if m.state == StateReady {
		h.Uptime = time.Since(m.readyAt)
	}
	if m.lastErr != nil {
		h.LastError = m.lastErr.Error()
		h.LastErrorTime = m.lastErrAt
	}
	return h
}

// Teardown releases the runtime and kills pooled processes. Idempotent:
// repeated calls after the first are no-ops, and tearing down a manager
// that never booted does nothing.
func (m *Manager) Teardown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateTornDown || m.state == StateUninitialized {
		m.mu.Unlock()
		return nil
	}
	procs := make([]Process, 0, len(m.pool))
	for _, p := range m.pool {
		procs = append(procs, p)
	}
	m.pool = make(map[string]Process)
	m.mu.Unlock()

	for _, p := range procs {
		p.Kill()
	}

	err := m.runtime.Stop(ctx)
	m.setState(StateTornDown)
	if err != nil {
		m.log.Warn("runtime stop reported error during teardown", "error", err)
		return err
	}
	m.log.Info("teardown complete", "killedProcesses", len(procs))
	return nil
}
