package merkle

import (
	"encoding/binary"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
)

// nodeCache caches internal-node digests keyed by an ordered pair of child
// digests (spec §4.2). Backed by fastcache, a bounded byte-oriented cache
// already in the dependency graph, so the cap is a memory budget rather
// than an entry count.
type nodeCache struct {
	c *fastcache.Cache
}

func newNodeCache(maxBytes int) *nodeCache {
	return &nodeCache{c: fastcache.New(maxBytes)}
}

func nodeCacheKey(x, y common.Hash) []byte {
	key := make([]byte, 64)
	copy(key[:32], x[:])
	copy(key[32:], y[:])
	return key
}

func (nc *nodeCache) get(x, y common.Hash) (common.Hash, bool) {
	var out common.Hash
	buf := nc.c.Get(nil, nodeCacheKey(x, y))
	if len(buf) != 32 {
		return out, false
	}
	copy(out[:], buf)
	return out, true
}

func (nc *nodeCache) put(x, y, parent common.Hash) {
	nc.c.Set(nodeCacheKey(x, y), parent[:])
}

// proofCache is a bounded FIFO cache of leaf-index -> Proof (spec §4.2),
// also backed by fastcache for its byte-slice storage, with an explicit
// FIFO eviction list layered on top since fastcache itself evicts by its
// own internal policy rather than true FIFO, and the spec requires FIFO
// semantics for determinism in tests.
type proofCache struct {
	mu       sync.Mutex
	c        *fastcache.Cache
	order    []uint64
	capacity int
}

func newProofCache(maxBytes, capacity int) *proofCache {
	return &proofCache{c: fastcache.New(maxBytes), capacity: capacity}
}

func proofCacheKey(index uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], index)
	return key[:]
}

func (pc *proofCache) get(index uint64) (Proof, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	buf := pc.c.Get(nil, proofCacheKey(index))
	if buf == nil {
		return nil, false
	}
	return decodeProof(buf), true
}

func (pc *proofCache) put(index uint64, proof Proof) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if !pc.c.Has(proofCacheKey(index)) {
		pc.order = append(pc.order, index)
		if pc.capacity > 0 && len(pc.order) > pc.capacity {
			oldest := pc.order[0]
			pc.order = pc.order[1:]
			pc.c.Del(proofCacheKey(oldest))
		}
	}
	pc.c.Set(proofCacheKey(index), encodeProof(proof))
}

// reset drops every cached proof. Any structural mutation (a leaf update,
// a batched flush, or new leaves joining the tree) can change the sibling
// digests baked into other leaves' cached proofs, and proofCache has no
// index of which proofs touched which ancestor, so a full reset is the
// correct invalidation (spec §4.2: "update_leaf ... must invalidate cached
// proofs on the path").
func (pc *proofCache) reset() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.c.Reset()
	pc.order = pc.order[:0]
}

func encodeProof(p Proof) []byte {
	buf := make([]byte, 0, len(p)*33)
	for _, step := range p {
		buf = append(buf, step.Sibling[:]...)
		buf = append(buf, byte(step.Position))
	}
	return buf
}

func decodeProof(buf []byte) Proof {
	n := len(buf) / 33
	p := make(Proof, 0, n)
	for i := 0; i < n; i++ {
		off := i * 33
		var sib common.Hash
		copy(sib[:], buf[off:off+32])
		p = append(p, ProofStep{Sibling: sib, Position: Position(buf[off+32])})
	}
	return p
}
