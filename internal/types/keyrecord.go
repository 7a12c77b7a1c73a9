package types

import "time"

// Algorithm identifies the signing algorithm a key was generated for.
type Algorithm string

const (
	AlgorithmECDSASecp256k1 Algorithm = "ecdsa-secp256k1"
	AlgorithmRSA2048        Algorithm = "rsa-2048"
)

// KeyRecord is the (key_id, algorithm, created_at, active) record of §3.
type KeyRecord struct {
	KeyID     string
	Algorithm Algorithm
	CreatedAt time.Time
	Active    bool

	// ValidForVerifyUntil is non-zero only for a key that has been
	// superseded but remains valid for verification during a rotation
	// overlap window (spec §4.7).
	ValidForVerifyUntil time.Time
}

// VerifiableAt reports whether the key may still be used to verify a
// signature at instant now: either it is the active key, or it is within
// its overlap window.
func (k *KeyRecord) VerifiableAt(now time.Time) bool {
	if k.Active {
		return true
	}
	return !k.ValidForVerifyUntil.IsZero() && now.Before(k.ValidForVerifyUntil)
}
