package sequencer

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/l2seq/sequencer/internal/types"
)

// BatchBuilderConfig controls the Collecting-state cut criteria of spec
// §4.5.
type BatchBuilderConfig struct {
	BatchSize       int
	MaxBatchWindow  time.Duration
	FairnessCredits int
	FairnessWindow  time.Duration
}

// DefaultBatchBuilderConfig returns the spec's defaults.
func DefaultBatchBuilderConfig() BatchBuilderConfig {
	return BatchBuilderConfig{
		BatchSize:       500,
		MaxBatchWindow:  5 * time.Second,
		FairnessCredits: fairnessDefaultCredits,
		FairnessWindow:  fairnessResetWindow,
	}
}

// tierBucket holds transactions of one priority tier in FIFO arrival
// order.
type tierBucket struct {
	txs []*types.Transaction
}

// BatchBuilder accumulates validated-and-executed transactions during
// Collecting and decides when the batch is cut, per spec §4.5's batch cut
// criteria: size, staleness, or a high-priority transaction present.
type BatchBuilder struct {
	cfg      BatchBuilderConfig
	tiers    map[types.Priority]*tierBucket
	oldest   time.Time
	haveItem bool
	count    int
	fairness *fairnessTracker
}

// NewBatchBuilder constructs an empty BatchBuilder.
func NewBatchBuilder(cfg BatchBuilderConfig) *BatchBuilder {
	d := DefaultBatchBuilderConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.MaxBatchWindow <= 0 {
		cfg.MaxBatchWindow = d.MaxBatchWindow
	}
	return &BatchBuilder{
		cfg:      cfg,
		tiers:    make(map[types.Priority]*tierBucket),
		fairness: newFairnessTracker(cfg.FairnessCredits, cfg.FairnessWindow),
	}
}

// Add appends tx, tagged with the arrival time used for staleness and
// fairness accounting.
func (b *BatchBuilder) Add(tx *types.Transaction, now time.Time) {
	bucket, ok := b.tiers[tx.Priority]
	if !ok {
		bucket = &tierBucket{}
		b.tiers[tx.Priority] = bucket
	}
	bucket.txs = append(bucket.txs, tx)
	b.count++
	if !b.haveItem {
		b.oldest = now
		b.haveItem = true
	}
	b.fairness.Record(tx.Sender, now)
}

// ShouldCut reports whether the Collecting state should transition to
// Building, given any of the spec §4.5 cut criteria: batch size reached,
// the oldest queued transaction has aged past MaxBatchWindow, or a
// PriorityHigh transaction is present.
func (b *BatchBuilder) ShouldCut(now time.Time) bool {
	if b.count == 0 {
		return false
	}
	if b.count >= b.cfg.BatchSize {
		return true
	}
	if b.haveItem && now.Sub(b.oldest) >= b.cfg.MaxBatchWindow {
		return true
	}
	if bucket, ok := b.tiers[types.PriorityHigh]; ok && len(bucket.txs) > 0 {
		return true
	}
	return false
}

// Count returns the number of transactions currently collected.
func (b *BatchBuilder) Count() int { return b.count }

// Drain empties the builder and returns its transactions ordered by
// priority tier (PriorityHigh first), FIFO by arrival within a tier (spec
// §4.5: "serve higher tiers first; within a tier use FIFO by arrival
// time").
func (b *BatchBuilder) Drain() []*types.Transaction {
	out := make([]*types.Transaction, 0, b.count)
	for _, tier := range []types.Priority{types.PriorityHigh, types.PriorityNormal, types.PriorityLow} {
		if bucket, ok := b.tiers[tier]; ok {
			out = append(out, bucket.txs...)
		}
	}
	b.tiers = make(map[types.Priority]*tierBucket)
	b.count = 0
	b.haveItem = false
	return out
}

// FairnessAllows reports whether sender may currently be admitted without
// exceeding the back-to-back fairness credit cap. Callers check this
// before running Validator/Executor on a candidate transaction so a
// throttled sender's transactions stay in the RingQueue for the next
// collecting cycle instead of being discarded.
func (b *BatchBuilder) FairnessAllows(sender common.Address, now time.Time) bool {
	return b.fairness.Allow(sender, now)
}
