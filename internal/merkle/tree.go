// Package merkle implements the incremental, cache-assisted Merkle
// commitment engine of spec §4.2: leaves, layers, node/proof caches,
// batched rebuilds, and parallel proof verification.
package merkle

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/l2seq/sequencer/internal/types"
)

// Options configures a MerkleEngine instance.
type Options struct {
	// DuplicateOdd duplicates the last node of an odd-count level upward
	// (spec §4.2, default on).
	DuplicateOdd bool

	// BatchSize is the pending-update count that triggers an automatic
	// flush for UpdateLeafBatched.
	BatchSize int

	// BatchDebounce is the maximum time a batched update waits before an
	// automatic flush (spec §4.2 default 100ms).
	BatchDebounce time.Duration

	// NodeCacheBytes / ProofCacheBytes size the two fastcache-backed
	// caches; ProofCacheCapacity additionally bounds proof cache entries
	// by FIFO count (spec §4.2: "bounded FIFO").
	NodeCacheBytes     int
	ProofCacheBytes    int
	ProofCacheCapacity int

	// VerifyWorkers sizes the pool VerifyBatch parallelizes over (spec §5:
	// "a separate bounded pool (default 2-4 threads)").
	VerifyWorkers int
}

// DefaultOptions returns the spec's defaults.
func DefaultOptions() Options {
	return Options{
		DuplicateOdd:       true,
		BatchSize:          256,
		BatchDebounce:      100 * time.Millisecond,
		NodeCacheBytes:     32 * 1024 * 1024,
		ProofCacheBytes:    16 * 1024 * 1024,
		ProofCacheCapacity: 4096,
		VerifyWorkers:      4,
	}
}

// pendingUpdate is one queued (index, leaf) awaiting a batched flush.
type pendingUpdate struct {
	index uint64
	leaf  common.Hash
}

// MerkleEngine exclusively owns its layers and caches (spec §3 ownership),
// exposing snapshots by value (root, proof) to consumers. A single writer
// lock protects mutation; readers are permitted when no flush is pending
// (spec §5).
type MerkleEngine struct {
	mu     sync.RWMutex
	opts   Options
	layers [][]common.Hash // layers[0] = leaves

	rebuildRequired bool
	sortLeavesUsed  bool // set once any proof has been produced; not read, the engine never re-sorts leaves (§9 open question)

	nodes  *nodeCache
	proofs *proofCache

	pendingMu    sync.Mutex
	pending      map[uint64]common.Hash
	flushTimer   *time.Timer
	flushPending bool
}

// New builds a MerkleEngine from an initial leaf set. It fails if leaves is
// empty when explicit initial construction is requested (spec §4.2).
func New(leaves []common.Hash, opts Options) (*MerkleEngine, error) {
	if len(leaves) == 0 {
		return nil, types.NewKindError(types.KindInvalidInput, "merkle.New",
			errEmptyLeaves)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.BatchDebounce <= 0 {
		opts.BatchDebounce = DefaultOptions().BatchDebounce
	}
	if opts.NodeCacheBytes <= 0 {
		opts.NodeCacheBytes = DefaultOptions().NodeCacheBytes
	}
	if opts.ProofCacheBytes <= 0 {
		opts.ProofCacheBytes = DefaultOptions().ProofCacheBytes
	}
	if opts.VerifyWorkers <= 0 {
		opts.VerifyWorkers = DefaultOptions().VerifyWorkers
	}

	m := &MerkleEngine{
		opts:    opts,
		layers:  [][]common.Hash{append([]common.Hash(nil), leaves...)},
		nodes:   newNodeCache(opts.NodeCacheBytes),
		proofs:  newProofCache(opts.ProofCacheBytes, opts.ProofCacheCapacity),
		pending: make(map[uint64]common.Hash),
	}
	m.rebuild()
	return m, nil
}

var errEmptyLeaves = &emptyLeavesError{}

type emptyLeavesError struct{}

func (*emptyLeavesError) Error() string { return "merkle: leaves must not be empty" }

// rebuild recomputes every layer above the leaves from scratch. Callers
// must hold mu for writing.
func (m *MerkleEngine) rebuild() {
	leaves := m.layers[0]
	layers := [][]common.Hash{leaves}
	cur := leaves
	for len(cur) > 1 {
		next := m.buildLevel(cur)
		layers = append(layers, next)
		cur = next
	}
	m.layers = layers
	m.rebuildRequired = false
}

func (m *MerkleEngine) buildLevel(level []common.Hash) []common.Hash {
	n := len(level)
	if n%2 == 1 {
		if m.opts.DuplicateOdd {
			level = append(append([]common.Hash(nil), level...), level[n-1])
			n++
		}
	}
	next := make([]common.Hash, 0, (n+1)/2)
	for i := 0; i < n; i += 2 {
		a, b := level[i], level[i+1]
		x, y := a, b
		if bytesGreater(a, b) {
			x, y = b, a
		}
		if cached, ok := m.nodes.get(x, y); ok {
			next = append(next, cached)
			continue
		}
		parent := hashPair(a, b)
		m.nodes.put(x, y, parent)
		next = append(next, parent)
	}
	return next
}

// Root returns the current root, rebuilding lazily if a rebuild is pending
// (spec §4.2).
func (m *MerkleEngine) Root() common.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rebuildRequired {
		m.rebuild()
	}
	top := m.layers[len(m.layers)-1]
	if len(top) == 0 {
		return common.Hash{}
	}
	return top[0]
}

// LeafCount returns the number of leaves currently in the tree.
func (m *MerkleEngine) LeafCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.layers[0])
}

// GetProof returns the sibling path from leaf index to the root, serving
// from the proof cache on a hit (spec §4.2).
func (m *MerkleEngine) GetProof(index uint64) (Proof, error) {
	m.mu.RLock()
	if m.rebuildRequired {
		m.mu.RUnlock()
		m.mu.Lock()
		if m.rebuildRequired {
			m.rebuild()
		}
		m.mu.Unlock()
		m.mu.RLock()
	}
	defer m.mu.RUnlock()

	if index >= uint64(len(m.layers[0])) {
		return nil, types.NewKindError(types.KindInvalidInput, "merkle.GetProof",
			types.ErrIndexOutOfRange)
	}
	if cached, ok := m.proofs.get(index); ok {
		return cached, nil
	}

	proof := m.computeProofLocked(index)
	m.sortLeavesUsed = true
	m.proofs.put(index, proof)
	return proof, nil
}

func (m *MerkleEngine) computeProofLocked(index uint64) Proof {
	var proof Proof
	idx := index
	for level := 0; level < len(m.layers)-1; level++ {
		layer := m.layers[level]
		n := len(layer)
		// account for virtual odd-duplication without mutating layer
		siblingIdx := idx ^ 1
		var sibling common.Hash
		if siblingIdx < uint64(n) {
			sibling = layer[siblingIdx]
		} else if m.opts.DuplicateOdd {
			sibling = layer[idx] // duplicated last node
		}
		pos := Left
		if idx%2 == 0 {
			pos = Right
		}
		proof = append(proof, ProofStep{Sibling: sibling, Position: pos})
		idx /= 2
	}
	return proof
}

// Verify delegates to the package-level pure verification function.
func (m *MerkleEngine) Verify(leaf common.Hash, proof Proof, root common.Hash) bool {
	return Verify(leaf, proof, root)
}

// UpdateLeaf updates one leaf and recomputes the sibling path in O(log N),
// invalidating cached proofs on the path (spec §4.2).
func (m *MerkleEngine) UpdateLeaf(index uint64, newLeaf common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= uint64(len(m.layers[0])) {
		return types.NewKindError(types.KindInvalidInput, "merkle.UpdateLeaf",
			types.ErrIndexOutOfRange)
	}
	m.layers[0][index] = newLeaf
	m.recomputePathLocked(index)
	// Every other leaf sharing an ancestor with index has that ancestor's
	// sibling digest baked into its cached proof; proofCache has no index of
	// which proofs touched which ancestor, so a full reset is the correct
	// invalidation rather than evicting only index's own entry.
	m.proofs.reset()
	return nil
}

// recomputePathLocked rebuilds only the ancestors of index, touching
// O(log N) nodes rather than the whole tree.
func (m *MerkleEngine) recomputePathLocked(index uint64) {
	idx := index
	for level := 0; level < len(m.layers)-1; level++ {
		layer := m.layers[level]
		n := len(layer)
		partnerIdx := idx ^ 1
		var a, b common.Hash
		if idx%2 == 0 {
			a = layer[idx]
			if partnerIdx < uint64(n) {
				b = layer[partnerIdx]
			} else if m.opts.DuplicateOdd {
				b = layer[idx]
			}
		} else {
			a = layer[partnerIdx]
			b = layer[idx]
		}
		parent := hashPair(a, b)
		x, y := a, b
		if bytesGreater(a, b) {
			x, y = b, a
		}
		m.nodes.put(x, y, parent)
		m.layers[level+1][idx/2] = parent
		idx /= 2
	}
}

// UpdateLeafBatched enqueues the update; a flush either occurs when the
// pending batch reaches BatchSize or after BatchDebounce elapses (spec
// §4.2). On flush, updates are sorted by index, applied, then the whole
// tree is rebuilt — an accepted approximation for "affected subtrees" per
// the spec's own dominance carve-out.
func (m *MerkleEngine) UpdateLeafBatched(index uint64, newLeaf common.Hash) {
	m.pendingMu.Lock()
	m.pending[index] = newLeaf
	shouldFlush := len(m.pending) >= m.opts.BatchSize
	if !m.flushPending {
		m.flushPending = true
		m.flushTimer = time.AfterFunc(m.opts.BatchDebounce, m.Flush)
	}
	m.pendingMu.Unlock()

	if shouldFlush {
		m.Flush()
	}
}

// Flush applies every pending batched update immediately, sorted by index.
func (m *MerkleEngine) Flush() {
	m.pendingMu.Lock()
	if len(m.pending) == 0 {
		m.flushPending = false
		m.pendingMu.Unlock()
		return
	}
	if m.flushTimer != nil {
		m.flushTimer.Stop()
	}
	updates := make([]pendingUpdate, 0, len(m.pending))
	for idx, leaf := range m.pending {
		updates = append(updates, pendingUpdate{index: idx, leaf: leaf})
	}
	m.pending = make(map[uint64]common.Hash)
	m.flushPending = false
	m.pendingMu.Unlock()

	sort.Slice(updates, func(i, j int) bool { return updates[i].index < updates[j].index })

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		if u.index < uint64(len(m.layers[0])) {
			m.layers[0][u.index] = u.leaf
		}
	}
	m.rebuild()
	m.proofs.reset()
}

// AppendLeaves adds new leaves to the tree (used when the Sequencer commits
// a batch's state deltas as new Merkle leaves, spec §4.5). The tree is
// marked for lazy rebuild; Root()/GetProof() rebuild on next access.
func (m *MerkleEngine) AppendLeaves(leaves []common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers[0] = append(m.layers[0], leaves...)
	m.rebuildRequired = true
	m.proofs.reset()
}

// VerifyBatch verifies many (leaf, proof, root) triples, optionally across
// a worker pool, deterministically returning results in input order (spec
// §4.2).
func VerifyBatch(items []VerifyItem, workers int) []bool {
	results := make([]bool, len(items))
	if workers <= 1 || len(items) <= 1 {
		for i, it := range items {
			results[i] = Verify(it.Leaf, it.Proof, it.Root)
		}
		return results
	}

	type job struct {
		idx int
		it  VerifyItem
	}
	jobs := make(chan job, len(items))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.idx] = Verify(j.it.Leaf, j.it.Proof, j.it.Root)
			}
		}()
	}
	for i, it := range items {
		jobs <- job{idx: i, it: it}
	}
	close(jobs)
	wg.Wait()
	return results
}
