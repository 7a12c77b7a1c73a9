package reconciler

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/l2seq/sequencer/internal/anchor"
	"github.com/l2seq/sequencer/internal/store"
)

// Kind is one of the three disjoint discrepancy classes of spec §4.8.
type Kind string

const (
	MissingInAnchor Kind = "missing_in_anchor"
	MissingInLocal  Kind = "missing_in_local"
	Inconsistent    Kind = "inconsistent"
)

// Discrepancy is one repair item the Reconciler must act on.
type Discrepancy struct {
	Kind       Kind
	BatchID    uint64
	AnchorRoot common.Hash
	LocalRoot  common.Hash
}

// Key uniquely identifies a discrepancy for the retry queue by (kind,
// batch ID), independent of which tick discovered it.
func (d Discrepancy) Key() string {
	return string(d.Kind) + ":" + strconv.FormatUint(d.BatchID, 10)
}

// Classify computes the three discrepancy sets of spec §4.8 by exact
// set-membership comparison, via github.com/deckarep/golang-set/v2 — the
// spec's language ("three disjoint discrepancy sets... present in B but
// not A") describes exact membership, not a similarity score, so a typed
// set library is the right tool rather than hand-rolled map bookkeeping.
func Classify(anchorBatches []anchor.Commitment, localBatches []store.BatchRecord) []Discrepancy {
	anchorSet := mapset.NewSet[uint64]()
	anchorRoot := make(map[uint64]common.Hash, len(anchorBatches))
	for _, a := range anchorBatches {
		anchorSet.Add(a.BatchID)
		anchorRoot[a.BatchID] = a.MerkleRoot
	}

	localSet := mapset.NewSet[uint64]()
	localRoot := make(map[uint64]common.Hash, len(localBatches))
	for _, l := range localBatches {
		if l.Status != "Confirmed" {
			continue
		}
		localSet.Add(l.ID)
		localRoot[l.ID] = l.MerkleRoot
	}

	var out []Discrepancy
	for id := range anchorSet.Difference(localSet).Iter() {
		out = append(out, Discrepancy{Kind: MissingInLocal, BatchID: id, AnchorRoot: anchorRoot[id]})
	}
	for id := range localSet.Difference(anchorSet).Iter() {
		out = append(out, Discrepancy{Kind: MissingInAnchor, BatchID: id, LocalRoot: localRoot[id]})
	}
	for id := range localSet.Intersect(anchorSet).Iter() {
		if anchorRoot[id] != localRoot[id] {
			out = append(out, Discrepancy{Kind: Inconsistent, BatchID: id, AnchorRoot: anchorRoot[id], LocalRoot: localRoot[id]})
		}
	}
	return out
}
