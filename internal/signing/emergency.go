package signing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/l2seq/sequencer/internal/types"
)

// emergencyKey is one generation of the in-process fallback keypair.
type emergencyKey struct {
	id        string
	priv      *rsa.PrivateKey
	createdAt time.Time
	sigCount  int64
}

// EmergencyConfig controls the software fallback's TTL and usage cap
// (spec §4.6: "hard time-to-live (default 60 min) AND a hard usage cap
// (default 100 signatures); hitting either triggers immediate
// regeneration").
type EmergencyConfig struct {
	TTL      time.Duration
	TxLimit  int64
	Bits     int
}

// DefaultEmergencyConfig returns the spec's defaults.
func DefaultEmergencyConfig() EmergencyConfig {
	return EmergencyConfig{TTL: 60 * time.Minute, TxLimit: 100, Bits: 2048}
}

// emergencyProvider is the EmergencySoftware variant: it generates its own
// RSA-2048 keypair on first use rather than depending on any external
// key-management service, since by definition it only serves requests
// once both HSM providers have failed.
type emergencyProvider struct {
	providerBase
	cfg  EmergencyConfig
	lock chan struct{}
	key  *emergencyKey
	gen  uint64
}

func newEmergencyProvider(cfg EmergencyConfig) *emergencyProvider {
	d := DefaultEmergencyConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = d.TTL
	}
	if cfg.TxLimit <= 0 {
		cfg.TxLimit = d.TxLimit
	}
	if cfg.Bits <= 0 {
		cfg.Bits = d.Bits
	}
	p := &emergencyProvider{cfg: cfg, lock: make(chan struct{}, 1)}
	p.lock <- struct{}{}
	return p
}

func (p *emergencyProvider) Name() string { return "Emergency" }

func (p *emergencyProvider) acquire(ctx context.Context) error {
	select {
	case <-p.lock:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (p *emergencyProvider) release() { p.lock <- struct{}{} }

func (p *emergencyProvider) Initialize(ctx context.Context) error {
	p.setState(StateInitializing)
	if err := p.acquire(ctx); err != nil {
		return types.NewKindError(types.KindTimeout, "emergency.Initialize", err)
	}
	defer p.release()
	if err := p.regenerateLocked(); err != nil {
		p.setState(StateUnhealthy)
		return types.NewKindError(types.KindProviderUnhealthy, "emergency.Initialize", err)
	}
	p.setState(StateActive)
	return nil
}

func (p *emergencyProvider) regenerateLocked() error {
	priv, err := rsa.GenerateKey(rand.Reader, p.cfg.Bits)
	if err != nil {
		return err
	}
	atomic.AddUint64(&p.gen, 1)
	p.key = &emergencyKey{
		id:        fmt.Sprintf("emergency-%d", p.gen),
		priv:      priv,
		createdAt: time.Now(),
	}
	return nil
}

// needsRegenLocked reports whether the current key has hit its TTL or
// usage cap and must be replaced before serving another signature (spec
// §8: "after emergency_key_tx_limit signatures, the next signing call
// regenerates the key before serving").
func (p *emergencyProvider) needsRegenLocked(now time.Time) bool {
	if p.key == nil {
		return true
	}
	if now.Sub(p.key.createdAt) >= p.cfg.TTL {
		return true
	}
	return p.key.sigCount >= p.cfg.TxLimit
}

func (p *emergencyProvider) Sign(ctx context.Context, message []byte) ([]byte, string, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, "", types.NewKindError(types.KindTimeout, "emergency.Sign", err)
	}
	defer p.release()

	if p.needsRegenLocked(time.Now()) {
		if err := p.regenerateLocked(); err != nil {
			return nil, "", types.NewKindError(types.KindProviderUnhealthy, "emergency.Sign", err)
		}
	}
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, p.key.priv, 0, digest[:])
	if err != nil {
		return nil, "", types.NewKindError(types.KindTransient, "emergency.Sign", err)
	}
	p.key.sigCount++
	return sig, p.key.id, nil
}

func (p *emergencyProvider) Verify(ctx context.Context, message, signature []byte, keyID string) (bool, error) {
	if err := p.acquire(ctx); err != nil {
		return false, err
	}
	key := p.key
	p.release()
	if key == nil || key.id != keyID {
		return false, nil
	}
	digest := sha256.Sum256(message)
	err := rsa.VerifyPKCS1v15(&key.priv.PublicKey, 0, digest[:], signature)
	return err == nil, nil
}

func (p *emergencyProvider) PublicKey(ctx context.Context, keyID string) ([]byte, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()
	if p.key == nil || p.key.id != keyID {
		return nil, types.NewKindError(types.KindInvalidInput, "emergency.PublicKey", nil)
	}
	return x509.MarshalPKCS1PublicKey(&p.key.priv.PublicKey), nil
}

func (p *emergencyProvider) HealthCheck(ctx context.Context) error {
	// The emergency provider is always considered Active once
	// initialized: it has no external dependency to fail against, only
	// its own TTL/usage cap which Sign already enforces by regenerating.
	if p.State() == StateClosed {
		return types.NewKindError(types.KindProviderUnhealthy, "emergency.HealthCheck", nil)
	}
	p.setState(StateActive)
	return nil
}

func (p *emergencyProvider) Close(ctx context.Context) error {
	p.setState(StateClosed)
	return nil
}

// RotateKey and RetireKey are no-ops for the emergency provider: it is not
// a participant in the scheduled key-rotation policy of spec §4.7, only
// in the TTL/usage-cap regeneration of spec §4.6.
func (p *emergencyProvider) RotateKey(ctx context.Context) (KeyInfo, error) {
	return KeyInfo{}, types.NewKindError(types.KindInvalidInput, "emergency.RotateKey", nil)
}
func (p *emergencyProvider) RetireKey(ctx context.Context, keyID string) error { return nil }
