package signing

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/l2seq/sequencer/internal/logging"
	"github.com/l2seq/sequencer/internal/telemetry"
	"github.com/l2seq/sequencer/internal/types"
)

// Config controls the Service's retry and health-probe cadence (spec §4.6).
type Config struct {
	MaxRetries          int
	BaseDelay           time.Duration
	HealthProbeInterval time.Duration
}

// DefaultConfig returns the spec's defaults: 3 retries, 1s base backoff,
// 60s health-probe interval.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: time.Second, HealthProbeInterval: 60 * time.Second}
}

// providerSlot names the fixed Primary/Secondary/Emergency ordering spec
// §4.6 fixes: "requests are served by the lowest-index Active provider
// among [Primary, Secondary, Emergency]".
const (
	slotPrimary = iota
	slotSecondary
	slotEmergency
	slotCount
)

// Service is the SigningService of spec §4.6: an ordered provider chain
// with automatic failover on operation failure and automatic promotion on
// health-probe recovery, every transition and operation audited.
type Service struct {
	cfg       Config
	providers [slotCount]Provider

	mu            sync.Mutex // serializes provider access, spec §5
	lastActiveIdx int
	hasSignedOnce bool // guards the very first successful Sign from counting as a failover

	audit AuditSink
	tel   *telemetry.Telemetry
	log   *logging.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Service wired to real Primary/Secondary HSM providers
// and an EmergencySoftware fallback.
func New(cfg Config, emergencyCfg EmergencyConfig, audit AuditSink, tel *telemetry.Telemetry, log *logging.Logger) *Service {
	return NewWithProviders(cfg, [slotCount]Provider{
		newPrimaryProvider(),
		newSecondaryProvider(),
		newEmergencyProvider(emergencyCfg),
	}, audit, tel, log)
}

// NewWithProviders constructs a Service over caller-supplied providers,
// the seam integration tests use to inject fault-injecting fakes.
func NewWithProviders(cfg Config, providers [slotCount]Provider, audit AuditSink, tel *telemetry.Telemetry, log *logging.Logger) *Service {
	d := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = d.BaseDelay
	}
	if cfg.HealthProbeInterval <= 0 {
		cfg.HealthProbeInterval = d.HealthProbeInterval
	}
	return &Service{
		cfg:           cfg,
		providers:     providers,
		lastActiveIdx: -1,
		audit:         audit,
		tel:           tel,
		log:           log.Module("signing"),
	}
}

func (s *Service) Name() string { return "signing" }

// Initialize brings every provider up. A Primary/Secondary initialization
// failure is logged but non-fatal — the chain still functions via
// failover; the Emergency provider failing to initialize is fatal, since
// it is the floor of the failover chain.
func (s *Service) Initialize(ctx context.Context) error {
	for i, p := range s.providers {
		if err := p.Initialize(ctx); err != nil {
			if i == slotEmergency {
				return types.NewKindError(types.KindFatal, "signing.Initialize", err)
			}
			s.log.Warn("provider failed to initialize", "provider", p.Name(), "error", err)
			continue
		}
	}
	return nil
}

// Start implements lifecycle.Service: brings providers up and starts the
// background health-probe loop.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.healthProbeLoop()
	return nil
}

// Stop implements lifecycle.Service: halts the health-probe loop and
// closes every provider.
func (s *Service) Stop(ctx context.Context) error {
	if s.stopCh != nil {
		close(s.stopCh)
		<-s.doneCh
	}
	for _, p := range s.providers {
		_ = p.Close(ctx)
	}
	return nil
}

func (s *Service) healthProbeLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.HealthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.probeOnce()
		}
	}
}

func (s *Service) probeOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	prevIdx := s.lastActiveIdx
	s.mu.Unlock()

	for i, p := range s.providers {
		wasUnhealthy := p.State() == StateUnhealthy
		if err := p.HealthCheck(ctx); err != nil {
			continue
		}
		if wasUnhealthy && p.State() == StateActive && (prevIdx < 0 || i < prevIdx) {
			s.audit.Emit("Recovered", map[string]any{"provider": p.Name()})
			s.log.Info("signing provider recovered", "provider", p.Name())
		}
	}
}

// Sign serves the lowest-index Active provider, retrying any failed
// attempt with exponential backoff before demoting that provider to
// Unhealthy and falling through to the next one (spec §4.6).
func (s *Service) Sign(ctx context.Context, message []byte) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	for idx, p := range s.providers {
		if p.State() != StateActive {
			continue
		}
		sig, keyID, err := s.signWithRetry(ctx, p, message)
		s.observeSigningLatency(time.Since(start))
		if err == nil {
			s.recordOutcome(idx, p, true)
			return sig, keyID, nil
		}
		s.log.ReportError("signing provider exhausted retries", err, "provider", p.Name())
		s.demote(p)
		s.recordOutcome(idx, p, false)
	}
	s.tel.SigningOperations.WithLabelValues("exhausted").Inc()
	return nil, "", types.NewKindError(types.KindFatal, "signing.Sign", types.ErrProvidersExhausted)
}

func (s *Service) demote(p Provider) {
	if hp, ok := p.(interface{ setState(ProviderState) }); ok {
		hp.setState(StateUnhealthy)
	}
}

func (s *Service) observeSigningLatency(d time.Duration) {
	if s.tel != nil {
		s.tel.SigningLatency.Observe(d.Seconds())
	}
}

func (s *Service) recordOutcome(idx int, p Provider, success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	s.tel.SigningOperations.WithLabelValues(status).Inc()
	if !success {
		return
	}
	s.tel.CurrentSigningProvider.Set(float64(idx))
	degraded := idx == slotEmergency
	if degraded {
		s.tel.EmergencyMode.Set(1)
	} else {
		s.tel.EmergencyMode.Set(0)
	}
	if s.hasSignedOnce && idx != s.lastActiveIdx {
		s.tel.FailoversTotal.Inc()
		s.audit.Emit("FailedOver", map[string]any{"provider": p.Name()})
	}
	s.lastActiveIdx = idx
	s.hasSignedOnce = true
}

// signWithRetry retries a single provider's Sign up to cfg.MaxRetries times
// with exponential backoff and +/-50% jitter (each wait is drawn from
// [delay/2, 3*delay/2]).
func (s *Service) signWithRetry(ctx context.Context, p Provider, message []byte) ([]byte, string, error) {
	delay := s.cfg.BaseDelay
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		sig, keyID, err := p.Sign(ctx, message)
		if err == nil {
			return sig, keyID, nil
		}
		lastErr = err
		if attempt == s.cfg.MaxRetries {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(delay) + 1))
		wait := delay/2 + jitter
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
	return nil, "", lastErr
}

// Verify checks signature against every provider that might recognize
// keyID — a retired key from a past rotation overlap is still verifiable
// even though its provider no longer signs with it.
func (s *Service) Verify(ctx context.Context, message, signature []byte, keyID string) (bool, error) {
	for _, p := range s.providers {
		ok, err := p.Verify(ctx, message, signature, keyID)
		if err == nil && ok {
			return true, nil
		}
	}
	return false, nil
}

// PublicKey returns the public key for keyID from whichever provider holds it.
func (s *Service) PublicKey(ctx context.Context, keyID string) ([]byte, error) {
	for _, p := range s.providers {
		if pub, err := p.PublicKey(ctx, keyID); err == nil {
			return pub, nil
		}
	}
	return nil, types.NewKindError(types.KindInvalidInput, "signing.PublicKey", nil)
}

// Available reports whether any provider in the chain is Active.
func (s *Service) Available() bool {
	for _, p := range s.providers {
		if p.State() == StateActive {
			return true
		}
	}
	return false
}

// Degraded reports whether the Emergency provider is the only Active one,
// the condition that activates admission rate-limiting (spec §4.6).
func (s *Service) Degraded() bool {
	for i := 0; i < slotEmergency; i++ {
		if s.providers[i].State() == StateActive {
			return false
		}
	}
	return s.providers[slotEmergency].State() == StateActive
}

// ProviderByName returns the provider instance known by name, used by the
// KeyRotationScheduler to retire an old key on the same provider that
// rotated it.
func (s *Service) ProviderByName(name string) (Provider, bool) {
	for _, p := range s.providers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// ActiveHSM returns the currently-Active HSM provider (Primary or
// Secondary) for the KeyRotationScheduler to rotate, and the slot name it
// occupies. Rotation never targets the Emergency provider (spec §4.7
// governs the primary signing key, not the ad hoc software fallback).
func (s *Service) ActiveHSM() (Provider, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < slotEmergency; i++ {
		if s.providers[i].State() == StateActive {
			return s.providers[i], s.providers[i].Name(), true
		}
	}
	return nil, "", false
}
