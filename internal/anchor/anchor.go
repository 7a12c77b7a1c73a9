// Package anchor implements the outbound anchor sink contract of spec §6:
// submit_anchor(batch_id, merkle_root, signature, metadata) -> ack | error,
// idempotent on batch_id. The on-chain program and RPC transport are out
// of scope (spec §1 Non-goals: "the on-chain program ABI, the RPC endpoint
// implementation (treated as an opaque anchor sink)"); this package is the
// client side of that boundary plus the idempotency tracking a real sink
// would otherwise have to provide.
//
// Idempotency tracking and the ring-buffered "recently anchored" window
// are grounded on the teacher's rollup.AnchorContract ring buffer
// (_teacher_ref/rollup/anchor.go), generalized from L1->L2 block anchoring
// to this package's outbound batch-commitment direction.
package anchor

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Errors returned by a Sink.
var (
	ErrSinkUnavailable = errors.New("anchor: sink unavailable")
	ErrDuplicateBatch  = errors.New("anchor: batch already acknowledged with a different root")
)

// Commitment is the payload submitted for one confirmed batch.
type Commitment struct {
	BatchID    uint64
	MerkleRoot common.Hash
	Signature  []byte
	Metadata   map[string]string
}

// Ack is the sink's acknowledgement of a successfully submitted commitment.
type Ack struct {
	BatchID         uint64
	AnchorTxHash    common.Hash
	ConfirmedHeight uint64
}

// Sink is the outbound anchor boundary. Implementations must treat
// submission as idempotent on BatchID: resubmitting an already-acknowledged
// commitment with the same root returns the original Ack rather than an
// error, so the Sequencer's submit-with-retry loop (spec §5 Submitting
// state) never double-commits on a retried send.
type Sink interface {
	SubmitAnchor(ctx context.Context, c Commitment) (Ack, error)
	LatestConfirmedBatch(ctx context.Context) (uint64, error)
}

// ringSize bounds how many recent (batchID -> root) pairs are remembered
// for idempotency de-duplication, mirroring the teacher's fixed-size
// anchor ring buffer rather than an unbounded map.
const ringSize = 8191

type slot struct {
	batchID uint64
	root    common.Hash
	ack     Ack
	valid   bool
}

// IdempotentSink wraps a transport-level Sink with batch_id de-duplication,
// so retried submissions (spec §5: "failure to submit retries with
// exponential backoff") never produce two anchor transactions for one
// batch.
type IdempotentSink struct {
	mu       sync.Mutex
	inner    Sink
	ring     [ringSize]slot
}

// NewIdempotentSink wraps inner with de-duplication.
func NewIdempotentSink(inner Sink) *IdempotentSink {
	return &IdempotentSink{inner: inner}
}

// SubmitAnchor submits c through the wrapped sink, short-circuiting to a
// cached Ack when c.BatchID was already acknowledged with the same root.
func (s *IdempotentSink) SubmitAnchor(ctx context.Context, c Commitment) (Ack, error) {
	idx := c.BatchID % ringSize

	s.mu.Lock()
	if cur := s.ring[idx]; cur.valid && cur.batchID == c.BatchID {
		s.mu.Unlock()
		if cur.root != c.MerkleRoot {
			return Ack{}, ErrDuplicateBatch
		}
		return cur.ack, nil
	}
	s.mu.Unlock()

	ack, err := s.inner.SubmitAnchor(ctx, c)
	if err != nil {
		return Ack{}, err
	}

	s.mu.Lock()
	s.ring[idx] = slot{batchID: c.BatchID, root: c.MerkleRoot, ack: ack, valid: true}
	s.mu.Unlock()
	return ack, nil
}

// LatestConfirmedBatch delegates to the wrapped sink.
func (s *IdempotentSink) LatestConfirmedBatch(ctx context.Context) (uint64, error) {
	return s.inner.LatestConfirmedBatch(ctx)
}

// AnchoredBatches returns every batch this sink has acknowledged, the
// closest proxy this repo has to the Reconciler's "anchor-visible"
// snapshot A (spec §4.8) given that the on-chain program and its query
// surface are an explicit Non-goal (spec §1) — the sink's own
// idempotency cache is the boundary we actually own.
func (s *IdempotentSink) AnchoredBatches() []Commitment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Commitment, 0, ringSize)
	for _, sl := range s.ring {
		if sl.valid {
			out = append(out, Commitment{BatchID: sl.batchID, MerkleRoot: sl.root})
		}
	}
	return out
}
