package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BatchStatus is the forward-only state of a Batch (spec §3/§4.5).
type BatchStatus int

const (
	BatchPending BatchStatus = iota
	BatchSigning
	BatchSubmitted
	BatchConfirmed
	BatchFailed
)

func (s BatchStatus) String() string {
	switch s {
	case BatchPending:
		return "Pending"
	case BatchSigning:
		return "Signing"
	case BatchSubmitted:
		return "Submitted"
	case BatchConfirmed:
		return "Confirmed"
	case BatchFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo reports whether moving from s to next respects the
// strictly-forward state machine of spec §3 ("A batch transitions strictly
// forward"); BatchFailed is reachable from any non-terminal state.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	if next == BatchFailed {
		return s != BatchConfirmed && s != BatchFailed
	}
	return next == s+1
}

// Batch is the (id, merkle_root, tx_ids[], status, ...) record of §3.
type Batch struct {
	ID             uint64
	MerkleRoot     common.Hash
	TxIDs          []common.Hash
	Status         BatchStatus
	CreatedAt      time.Time
	SubmittedAt    *time.Time
	ConfirmedAt    *time.Time
	AnchorSig      []byte
	FailureReason  string
}

// Transition moves the batch to next if legal, else returns an error
// tagged KindConsistencyViolation — an illegal transition is a bug, not a
// submitter-facing failure.
func (b *Batch) Transition(next BatchStatus) error {
	if !b.Status.CanTransitionTo(next) {
		return NewKindError(KindConsistencyViolation, "batch.Transition",
			errInvalidTransition(b.Status, next))
	}
	b.Status = next
	now := time.Now()
	switch next {
	case BatchSubmitted:
		b.SubmittedAt = &now
	case BatchConfirmed:
		b.ConfirmedAt = &now
	}
	return nil
}

func errInvalidTransition(from, to BatchStatus) error {
	return &invalidTransitionError{from: from, to: to}
}

type invalidTransitionError struct {
	from, to BatchStatus
}

func (e *invalidTransitionError) Error() string {
	return "illegal batch transition " + e.from.String() + " -> " + e.to.String()
}
