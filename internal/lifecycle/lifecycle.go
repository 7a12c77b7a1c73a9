// Package lifecycle manages start/stop ordering for the sequencer's
// independently-registered services (Sequencer, SigningService,
// KeyRotationScheduler, Reconciler), adapted from the teacher's
// node.LifecycleManager / node.Service pattern.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is the lifecycle state of a registered service.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Service is a subsystem the Manager can start and stop. Start/Stop take a
// context so every suspension point is cancellable (spec §5: "Every
// blocking call must be cancellable via a context token").
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Config controls shutdown behavior.
type Config struct {
	ShutdownTimeout time.Duration
	MaxServices     int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{ShutdownTimeout: 30 * time.Second, MaxServices: 32}
}

type entry struct {
	svc       Service
	state     State
	startedAt time.Time
	err       error
	priority  int
}

// Manager starts services in ascending priority order and stops them in
// descending order, so e.g. the Sequencer (which depends on SigningService
// being up) starts after it and stops before it.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	entries  []*entry
	byName   map[string]*entry
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	if cfg.MaxServices <= 0 {
		cfg.MaxServices = DefaultConfig().MaxServices
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	return &Manager{cfg: cfg, byName: make(map[string]*entry)}
}

// Register adds svc with the given start priority (lower starts first).
func (m *Manager) Register(svc Service, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= m.cfg.MaxServices {
		return errors.New("lifecycle: maximum number of services reached")
	}
	if _, exists := m.byName[svc.Name()]; exists {
		return fmt.Errorf("lifecycle: service %q already registered", svc.Name())
	}
	e := &entry{svc: svc, state: StateCreated, priority: priority}
	m.entries = append(m.entries, e)
	m.byName[svc.Name()] = e
	return nil
}

// StartAll starts every registered service in priority order. Priority here
// is not just a tiebreaker: in this process's actual service set, a lower
// priority means an earlier service other services depend on (the signing
// service must be Active before the Sequencer can sign a batch; the
// Sequencer must be running before the Reconciler or the rpcapi admission
// surface have anything meaningful to serve). So once one service fails to
// start, every not-yet-started service at a later priority is skipped
// rather than started anyway — starting the Sequencer on top of a signer
// that never came up would not be "best effort," it would be a sequencer
// silently unable to sign any batch. Already-running earlier services are
// left running; the caller decides whether to call StopAll.
func (m *Manager) StartAll(ctx context.Context) []error {
	m.mu.Lock()
	ordered := m.sortedLocked()
	m.mu.Unlock()

	var errs []error
	dependencyFailed := false
	for _, e := range ordered {
		if dependencyFailed {
			errs = append(errs, fmt.Errorf("skip start %s: an earlier-priority dependency failed to start", e.svc.Name()))
			continue
		}
		m.setState(e, StateStarting)
		if err := e.svc.Start(ctx); err != nil {
			m.setFailed(e, err)
			errs = append(errs, fmt.Errorf("start %s: %w", e.svc.Name(), err))
			dependencyFailed = true
			continue
		}
		m.mu.Lock()
		e.state = StateRunning
		e.startedAt = time.Now()
		m.mu.Unlock()
	}
	return errs
}

// StopAll stops every running service in reverse priority order, bounded
// by cfg.ShutdownTimeout.
func (m *Manager) StopAll(ctx context.Context) []error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()

	m.mu.Lock()
	ordered := m.sortedLocked()
	m.mu.Unlock()

	var errs []error
	for i := len(ordered) - 1; i >= 0; i-- {
		e := ordered[i]
		m.mu.Lock()
		running := e.state == StateRunning
		m.mu.Unlock()
		if !running {
			continue
		}
		m.setState(e, StateStopping)
		if err := e.svc.Stop(ctx); err != nil {
			m.setFailed(e, err)
			errs = append(errs, fmt.Errorf("stop %s: %w", e.svc.Name(), err))
			continue
		}
		m.setState(e, StateStopped)
	}
	return errs
}

// GetState returns the state of the named service, or StateFailed if it
// was never registered.
func (m *Manager) GetState(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byName[name]
	if !ok {
		return StateFailed
	}
	return e.state
}

func (m *Manager) setState(e *entry, s State) {
	m.mu.Lock()
	e.state = s
	m.mu.Unlock()
}

func (m *Manager) setFailed(e *entry, err error) {
	m.mu.Lock()
	e.state = StateFailed
	e.err = err
	m.mu.Unlock()
}

func (m *Manager) sortedLocked() []*entry {
	ordered := append([]*entry(nil), m.entries...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].priority < ordered[j].priority })
	return ordered
}
