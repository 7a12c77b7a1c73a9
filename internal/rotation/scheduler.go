// Package rotation implements the KeyRotationScheduler of spec §4.7:
// periodic age-based key rotation with an overlap window during which the
// superseded key remains verify-only.
package rotation

import (
	"context"
	"sync"
	"time"

	"github.com/l2seq/sequencer/internal/logging"
	"github.com/l2seq/sequencer/internal/signing"
	"github.com/l2seq/sequencer/internal/telemetry"
)

// Config controls the scheduler's tick cadence and rotation policy (spec
// §4.7 / §6 env keys rotation_interval_days, rotation_overlap_hours).
type Config struct {
	CheckInterval    time.Duration
	RotationInterval time.Duration
	OverlapWindow    time.Duration
}

// DefaultConfig returns the spec's defaults: check hourly, rotate every 90
// days, 24h verify-only overlap.
func DefaultConfig() Config {
	return Config{
		CheckInterval:    time.Hour,
		RotationInterval: 90 * 24 * time.Hour,
		OverlapWindow:    24 * time.Hour,
	}
}

type pendingRetirement struct {
	providerName string
	keyID        string
	retireAt     time.Time
}

// Scheduler is the KeyRotationScheduler: it owns no key material itself,
// only the timing policy, and drives the active signing.Provider's
// RotateKey/RetireKey through signing.Service.
type Scheduler struct {
	cfg    Config
	signer *signing.Service
	audit  signing.AuditSink
	tel    *telemetry.Telemetry
	log    *logging.Logger

	mu           sync.Mutex
	lastRotation time.Time
	pending      []pendingRetirement

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Scheduler. lastRotation starts at "now" here and again
// on Start, so a freshly deployed sequencer does not immediately rotate on
// first tick.
func New(cfg Config, signer *signing.Service, audit signing.AuditSink, tel *telemetry.Telemetry, log *logging.Logger) *Scheduler {
	d := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = d.CheckInterval
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = d.RotationInterval
	}
	if cfg.OverlapWindow <= 0 {
		cfg.OverlapWindow = d.OverlapWindow
	}
	return &Scheduler{cfg: cfg, signer: signer, audit: audit, tel: tel, log: log.Module("rotation"), lastRotation: time.Now()}
}

func (s *Scheduler) Name() string { return "rotation" }

// Start implements lifecycle.Service.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.lastRotation = time.Now()
	s.mu.Unlock()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop()
	return nil
}

// Stop implements lifecycle.Service.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.stopCh != nil {
		close(s.stopCh)
		<-s.doneCh
	}
	return nil
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(context.Background())
		}
	}
}

// tick is exported-in-package for tests: it performs one check-interval
// worth of work without waiting for the real ticker.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	s.retireDue(ctx, now)

	s.mu.Lock()
	due := now.Sub(s.lastRotation) >= s.cfg.RotationInterval
	s.mu.Unlock()
	if due {
		s.rotate(ctx, now)
	}
}

// rotate performs step 1-3 of spec §4.7; step 4 (RotationCompleted) fires
// later, once the overlap window for the superseded key elapses.
func (s *Scheduler) rotate(ctx context.Context, now time.Time) {
	provider, name, ok := s.signer.ActiveHSM()
	if !ok {
		s.audit.Emit("RotationError", map[string]any{"reason": "no active HSM provider"})
		s.log.Error("rotation skipped: no active HSM provider")
		return
	}

	s.audit.Emit("RotationStarted", map[string]any{"provider": name})
	info, err := provider.RotateKey(ctx)
	if err != nil {
		// RotateKey never commits a new key unless generation succeeds, so
		// there is nothing to roll back here: the previous key is still
		// active and still signing.
		s.audit.Emit("RotationError", map[string]any{"provider": name, "error": err.Error()})
		s.log.ReportError("key rotation failed", err, "provider", name)
		return
	}

	s.mu.Lock()
	s.lastRotation = now
	if info.PreviousKeyID != "" {
		s.pending = append(s.pending, pendingRetirement{
			providerName: name,
			keyID:        info.PreviousKeyID,
			retireAt:     now.Add(s.cfg.OverlapWindow),
		})
	} else {
		// No previous key to retire (first-ever key): rotation completes immediately.
		s.tel.RotationsTotal.Inc()
		s.audit.Emit("RotationCompleted", map[string]any{"provider": name, "key_id": info.KeyID})
	}
	s.mu.Unlock()
}

func (s *Scheduler) retireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var remaining []pendingRetirement
	var due []pendingRetirement
	for _, p := range s.pending {
		if now.After(p.retireAt) || now.Equal(p.retireAt) {
			due = append(due, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	s.pending = remaining
	s.mu.Unlock()

	for _, p := range due {
		provider, ok := s.signer.ProviderByName(p.providerName)
		if !ok {
			continue
		}
		if err := provider.RetireKey(ctx, p.keyID); err != nil {
			s.audit.Emit("RotationError", map[string]any{"provider": p.providerName, "key_id": p.keyID, "error": err.Error()})
			continue
		}
		s.tel.RotationsTotal.Inc()
		s.audit.Emit("RotationCompleted", map[string]any{"provider": p.providerName, "key_id": p.keyID})
	}
}
