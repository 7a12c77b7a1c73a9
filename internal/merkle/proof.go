package merkle

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// Position identifies which side of its parent a ProofStep's sibling sits
// on (spec §3).
type Position uint8

const (
	Left Position = iota
	Right
)

// ProofStep is one sibling on the path from a leaf to the root (spec §3).
type ProofStep struct {
	Sibling  common.Hash
	Position Position
}

// Proof is the ordered sequence of ProofSteps from leaf upward.
type Proof []ProofStep

// HashPair is the exported canonical pair hash, exposed so callers outside
// this package can assert the order-oblivious invariant directly.
func HashPair(a, b common.Hash) common.Hash { return hashPair(a, b) }

// hashPair is the concrete SHA-256 canonical pair hash used by this tree.
// It is a free function so Verify can run without a MerkleEngine instance
// (spec §4.2: "verify(...) is a pure function ... callable without an
// instance").
func hashPair(a, b common.Hash) common.Hash {
	x, y := a, b
	if bytesGreater(a, b) {
		x, y = b, a
	}
	h := sha256.New()
	h.Write(x[:])
	h.Write(y[:])
	var out common.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func bytesGreater(a, b common.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// LeafDigest computes a leaf's digest from a (key, value) pair, or a raw
// leaf buffer when value is nil (spec §3).
func LeafDigest(key, value []byte) common.Hash {
	h := sha256.New()
	if value == nil {
		h.Write(key)
		var out common.Hash
		copy(out[:], h.Sum(nil))
		return out
	}
	var klen [8]byte
	binary.BigEndian.PutUint64(klen[:], uint64(len(key)))
	h.Write(klen[:])
	h.Write(key)
	h.Write(value)
	var out common.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Verify is the pure verification function required by spec §4.2: callable
// without a MerkleEngine instance, parameterized only by the hash
// algorithm implicit in hashPair (SHA-256, fixed per tree instance per the
// spec). A mismatch returns false, never an error (spec's failure
// semantics).
func Verify(leaf common.Hash, proof Proof, root common.Hash) bool {
	cur := leaf
	for _, step := range proof {
		if step.Position == Left {
			cur = hashPair(step.Sibling, cur)
		} else {
			cur = hashPair(cur, step.Sibling)
		}
	}
	return cur == root
}

// VerifyItem bundles a verify_batch input triple (spec §4.2).
type VerifyItem struct {
	Leaf  common.Hash
	Proof Proof
	Root  common.Hash
}
