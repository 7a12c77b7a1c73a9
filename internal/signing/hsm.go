package signing

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/l2seq/sequencer/internal/types"
)

// hsmKey is one generation of a simulated HSM-resident key: the private
// material never leaves this struct, only signatures and the public key
// derived from it.
type hsmKey struct {
	id      string
	priv    *ecdsa.PrivateKey
	retired bool
}

// hsmProvider simulates an HSM-backed secp256k1 signer. The retrieval pack
// carries no physical HSM client SDK, so this follows the teacher's own
// crypto.Keystore shape (in-process key material behind a narrow
// sign/verify surface, never exposing the raw private key to callers) and
// reuses go-ethereum's crypto package for the actual ECDSA operations —
// the same dependency the teacher uses for every other signature in the
// codebase.
type hsmProvider struct {
	providerBase
	name string

	keysMu  chan struct{} // 1-buffered mutex-by-channel so Sign can select on ctx
	active  *hsmKey
	retired map[string]*hsmKey
	nextGen uint64
}

func newHSMProvider(name string) *hsmProvider {
	p := &hsmProvider{
		name:    name,
		keysMu:  make(chan struct{}, 1),
		retired: make(map[string]*hsmKey),
	}
	p.keysMu <- struct{}{}
	return p
}

func newPrimaryProvider() Provider   { return newHSMProvider("Primary") }
func newSecondaryProvider() Provider { return newHSMProvider("Secondary") }

func (p *hsmProvider) Name() string { return p.name }

func (p *hsmProvider) lock(ctx context.Context) error {
	select {
	case <-p.keysMu:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (p *hsmProvider) unlock() { p.keysMu <- struct{}{} }

func (p *hsmProvider) Initialize(ctx context.Context) error {
	p.setState(StateInitializing)
	if err := p.lock(ctx); err != nil {
		return types.NewKindError(types.KindTimeout, "hsm.Initialize", err)
	}
	defer p.unlock()

	key, err := p.generateLocked()
	if err != nil {
		p.setState(StateUnhealthy)
		return types.NewKindError(types.KindProviderUnhealthy, "hsm.Initialize", err)
	}
	p.active = key
	p.setState(StateActive)
	return nil
}

func (p *hsmProvider) generateLocked() (*hsmKey, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	gen := atomic.AddUint64(&p.nextGen, 1)
	id := fmt.Sprintf("%s-%d", p.name, gen)
	return &hsmKey{id: id, priv: priv}, nil
}

func (p *hsmProvider) Sign(ctx context.Context, message []byte) ([]byte, string, error) {
	if err := p.lock(ctx); err != nil {
		return nil, "", types.NewKindError(types.KindTimeout, "hsm.Sign", err)
	}
	defer p.unlock()
	if p.active == nil {
		return nil, "", types.NewKindError(types.KindProviderUnhealthy, "hsm.Sign", nil)
	}
	hash := crypto.Keccak256(message)
	sig, err := crypto.Sign(hash, p.active.priv)
	if err != nil {
		return nil, "", types.NewKindError(types.KindTransient, "hsm.Sign", err)
	}
	return sig, p.active.id, nil
}

func (p *hsmProvider) Verify(ctx context.Context, message, signature []byte, keyID string) (bool, error) {
	if err := p.lock(ctx); err != nil {
		return false, err
	}
	key := p.keyByIDLocked(keyID)
	p.unlock()
	if key == nil {
		return false, nil
	}
	hash := crypto.Keccak256(message)
	pub := crypto.FromECDSAPub(&key.priv.PublicKey)
	if len(signature) < 64 {
		return false, nil
	}
	return crypto.VerifySignature(pub, hash, signature[:64]), nil
}

func (p *hsmProvider) keyByIDLocked(keyID string) *hsmKey {
	if p.active != nil && p.active.id == keyID {
		return p.active
	}
	if k, ok := p.retired[keyID]; ok && !k.retired {
		return k
	}
	return nil
}

func (p *hsmProvider) PublicKey(ctx context.Context, keyID string) ([]byte, error) {
	if err := p.lock(ctx); err != nil {
		return nil, err
	}
	defer p.unlock()
	key := p.keyByIDLocked(keyID)
	if key == nil {
		return nil, types.NewKindError(types.KindInvalidInput, "hsm.PublicKey", nil)
	}
	return crypto.FromECDSAPub(&key.priv.PublicKey), nil
}

func (p *hsmProvider) HealthCheck(ctx context.Context) error {
	if err := p.lock(ctx); err != nil {
		p.setState(StateUnhealthy)
		return err
	}
	ok := p.active != nil
	p.unlock()
	if ok {
		p.setState(StateActive)
		return nil
	}
	p.setState(StateUnhealthy)
	return types.NewKindError(types.KindProviderUnhealthy, "hsm.HealthCheck", nil)
}

func (p *hsmProvider) Close(ctx context.Context) error {
	p.setState(StateClosed)
	return nil
}

// RotateKey generates a fresh key, demotes the previous active key to a
// verify-only entry in retired, and promotes the new key to active (spec
// §4.7 step 2-3).
func (p *hsmProvider) RotateKey(ctx context.Context) (KeyInfo, error) {
	if err := p.lock(ctx); err != nil {
		return KeyInfo{}, err
	}
	defer p.unlock()

	newKey, err := p.generateLocked()
	if err != nil {
		return KeyInfo{}, types.NewKindError(types.KindProviderUnhealthy, "hsm.RotateKey", err)
	}
	var previousID string
	if p.active != nil {
		previousID = p.active.id
		p.retired[p.active.id] = p.active
	}
	p.active = newKey
	return KeyInfo{
		KeyID:         newKey.id,
		Fingerprint:   fingerprint(crypto.FromECDSAPub(&newKey.priv.PublicKey)),
		PreviousKeyID: previousID,
	}, nil
}

// RetireKey drops verify capability for a previously-rotated key once its
// overlap window has elapsed (spec §4.7 / §8 rotation-overlap boundary).
func (p *hsmProvider) RetireKey(ctx context.Context, keyID string) error {
	if err := p.lock(ctx); err != nil {
		return err
	}
	defer p.unlock()
	if k, ok := p.retired[keyID]; ok {
		k.retired = true
	}
	return nil
}

func fingerprint(pub []byte) string {
	h := crypto.Keccak256(pub)
	return hex.EncodeToString(h[:8])
}
