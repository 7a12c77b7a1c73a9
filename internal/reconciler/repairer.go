package reconciler

import (
	"context"

	"github.com/l2seq/sequencer/internal/anchor"
	"github.com/l2seq/sequencer/internal/store"
)

// storeRepairer is the default Repairer: it resubmits batches the anchor
// never saw, ingests batches the anchor has that local storage is missing,
// and overwrites local state with anchor truth for genuine conflicts
// (spec §4.8: "reconcile to anchor truth").
type storeRepairer struct {
	st   store.Store
	sink interface {
		SubmitAnchor(ctx context.Context, c anchor.Commitment) (anchor.Ack, error)
	}
}

// NewStoreRepairer constructs the default Repairer over st and sink.
func NewStoreRepairer(st store.Store, sink interface {
	SubmitAnchor(ctx context.Context, c anchor.Commitment) (anchor.Ack, error)
}) Repairer {
	return &storeRepairer{st: st, sink: sink}
}

func (r *storeRepairer) Resubmit(ctx context.Context, d Discrepancy) error {
	rec, ok, err := r.st.GetBatch(d.BatchID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	_, err = r.sink.SubmitAnchor(ctx, anchor.Commitment{
		BatchID:    d.BatchID,
		MerkleRoot: rec.MerkleRoot,
		Signature:  rec.Signature,
	})
	return err
}

func (r *storeRepairer) Ingest(ctx context.Context, d Discrepancy) error {
	return r.st.PutBatch(store.BatchRecord{
		ID:         d.BatchID,
		MerkleRoot: d.AnchorRoot,
		Status:     "Confirmed",
	})
}

func (r *storeRepairer) ReconcileToAnchor(ctx context.Context, d Discrepancy) error {
	rec, ok, err := r.st.GetBatch(d.BatchID)
	if err != nil {
		return err
	}
	if !ok {
		rec = store.BatchRecord{ID: d.BatchID}
	}
	rec.MerkleRoot = d.AnchorRoot
	rec.Status = "Confirmed"
	return r.st.PutBatch(rec)
}
