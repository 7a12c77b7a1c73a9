// Package signing implements the SigningService of spec §4.6: an ordered
// primary/secondary/emergency provider chain with automatic failover,
// health-probed recovery, and audited key lifecycle events.
package signing

import (
	"context"
	"sync"
)

// ProviderState is a provider's position in the Uninitialized →
// Initializing → Active ↔ Unhealthy → Closed machine (spec §4.6).
type ProviderState int

const (
	StateUninitialized ProviderState = iota
	StateInitializing
	StateActive
	StateUnhealthy
	StateClosed
)

func (s ProviderState) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitializing:
		return "Initializing"
	case StateActive:
		return "Active"
	case StateUnhealthy:
		return "Unhealthy"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Provider is the outbound signing-provider contract of spec §6:
// sign/verify/public_key/available plus lifecycle initialize/close, with
// RotateKey/RetireKey serving the KeyRotationScheduler of spec §4.7.
type Provider interface {
	Name() string
	Initialize(ctx context.Context) error
	Sign(ctx context.Context, message []byte) (signature []byte, keyID string, err error)
	Verify(ctx context.Context, message, signature []byte, keyID string) (bool, error)
	PublicKey(ctx context.Context, keyID string) ([]byte, error)
	Available() bool
	State() ProviderState
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error

	// RotateKey creates a new active key and demotes the previous active
	// key (if any) to verify-only, returning a record describing the new
	// key. RetireKey drops verify capability for a previously-rotated key
	// once its overlap window has elapsed.
	RotateKey(ctx context.Context) (KeyInfo, error)
	RetireKey(ctx context.Context, keyID string) error
}

// KeyInfo describes a key a Provider just created, enough for the
// KeyRotationScheduler and audit trail to track it without the provider
// exposing raw key material. PreviousKeyID is empty unless this rotation
// demoted an existing active key to verify-only.
type KeyInfo struct {
	KeyID         string
	Fingerprint   string
	PreviousKeyID string
}

// providerBase centralizes the state machine every Provider variant shares,
// so Primary/Secondary/Emergency only implement the signing mechanics.
type providerBase struct {
	mu    sync.Mutex
	state ProviderState
}

func (p *providerBase) State() ProviderState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *providerBase) setState(s ProviderState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *providerBase) Available() bool {
	return p.State() == StateActive
}
