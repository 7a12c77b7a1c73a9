// Package reconciler implements the Reconciler of spec §4.8: it runs
// independently of the Sequencer, periodically diffing an anchor-visible
// snapshot against local state and repairing the three disjoint
// discrepancy classes.
package reconciler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l2seq/sequencer/internal/anchor"
	"github.com/l2seq/sequencer/internal/breaker"
	"github.com/l2seq/sequencer/internal/logging"
	"github.com/l2seq/sequencer/internal/store"
	"github.com/l2seq/sequencer/internal/telemetry"
)

// Config controls the Reconciler's cadence, retry policy, and breaker
// (spec §4.8 / §6 env keys).
type Config struct {
	Interval            time.Duration
	MaxAttempts         int
	SnapshotInterval    time.Duration
	MaxSnapshots        int
	Breaker             breaker.Config
}

// DefaultConfig returns the spec's defaults: 60s tick, 5 max repair
// attempts, hourly snapshots, breaker threshold 10 / reset 5m.
// MaxSnapshots defaults to 24 but is not enforced: persisted snapshots are
// never pruned.
func DefaultConfig() Config {
	return Config{
		Interval:         60 * time.Second,
		MaxAttempts:      5,
		SnapshotInterval: time.Hour,
		MaxSnapshots:     24,
		Breaker:          breaker.DefaultConfig(),
	}
}

// Repairer performs the side effect for one discrepancy kind. Resubmit
// handles missing_in_anchor, Ingest handles missing_in_local, and
// ReconcileToAnchor handles inconsistent (spec §4.8's three actions).
type Repairer interface {
	Resubmit(ctx context.Context, d Discrepancy) error
	Ingest(ctx context.Context, d Discrepancy) error
	ReconcileToAnchor(ctx context.Context, d Discrepancy) error
}

type retryState struct {
	discrepancy Discrepancy
	attempts    int
	lastAttempt time.Time
}

// Reconciler is a lifecycle.Service running the tick loop described above.
type Reconciler struct {
	cfg      Config
	sink     anchorSource
	st       store.Store
	repair   Repairer
	breaker  *breaker.Breaker
	tel      *telemetry.Telemetry
	log      *logging.Logger

	mu      sync.Mutex
	retries map[string]*retryState

	// group collapses concurrent repair attempts for the same discrepancy
	// key: the scheduled tick loop and a manually-triggered reconciliation
	// (e.g. an operator-initiated ForceTick overlapping the ticker) can both
	// observe the same discrepancy and attempt its repair at once; only one
	// underlying Resubmit/Ingest/ReconcileToAnchor call should ever run for
	// a given key at a time, with every caller sharing its result.
	group singleflight.Group

	lastSnapshot time.Time
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// anchorSource is the narrow slice of anchor.IdempotentSink the Reconciler
// needs: the anchor-visible batch snapshot of spec §4.8's set A.
type anchorSource interface {
	AnchoredBatches() []anchor.Commitment
}

// New constructs a Reconciler over sink (the anchor-visible view), st (the
// local view and its audit log), and repair (the three repair actions).
func New(cfg Config, sink anchorSource, st store.Store, repair Repairer, tel *telemetry.Telemetry, log *logging.Logger) *Reconciler {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = d.SnapshotInterval
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = d.MaxSnapshots
	}
	if cfg.Breaker.Threshold <= 0 && cfg.Breaker.ResetTime <= 0 {
		cfg.Breaker = d.Breaker
	}
	return &Reconciler{
		cfg:     cfg,
		sink:    sink,
		st:      st,
		repair:  repair,
		breaker: breaker.New(cfg.Breaker),
		tel:     tel,
		log:     log.Module("reconciler"),
		retries: make(map[string]*retryState),
	}
}

func (r *Reconciler) Name() string { return "reconciler" }

// Start implements lifecycle.Service: rehydrates any retry queue persisted
// before a previous shutdown, then begins ticking.
func (r *Reconciler) Start(ctx context.Context) error {
	r.rehydrate()
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.loop()
	return nil
}

func (r *Reconciler) Stop(ctx context.Context) error {
	if r.stopCh != nil {
		close(r.stopCh)
		<-r.doneCh
	}
	return nil
}

func (r *Reconciler) loop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick(context.Background())
		}
	}
}

// ForceTick runs one reconciliation pass immediately, outside the scheduled
// interval, for an operator-initiated reconcile-now request. It shares the
// exact same path as the ticker-driven loop, including the singleflight
// dedup in tick()'s repair fan-out, so a ForceTick racing the next
// scheduled tick over the same discrepancy still only repairs it once.
func (r *Reconciler) ForceTick(ctx context.Context) {
	r.tick(ctx)
}

// tick runs one reconciliation pass: classify, attempt repairs (skipping
// entirely if the breaker is open), and persist a snapshot if due.
func (r *Reconciler) tick(ctx context.Context) {
	now := time.Now()
	if !r.breaker.Allow(now) {
		r.log.Debug("reconciler breaker open, skipping tick")
		return
	}

	localBatches, err := r.st.ListBatchesByStatus("Confirmed")
	if err != nil {
		r.breaker.RecordFailure(now)
		r.log.ReportError("failed to list local batches", err)
		return
	}
	discrepancies := Classify(r.sink.AnchoredBatches(), localBatches)

	r.mu.Lock()
	for _, d := range discrepancies {
		key := d.Key()
		if rs, ok := r.retries[key]; ok {
			rs.discrepancy = d
		} else {
			r.retries[key] = &retryState{discrepancy: d}
		}
	}
	pending := make([]*retryState, 0, len(r.retries))
	for _, rs := range r.retries {
		pending = append(pending, rs)
	}
	r.mu.Unlock()

	// Repair attempts for distinct discrepancies are independent, so they
	// run concurrently; r.group collapses the case where the same key is
	// already in flight (e.g. a ForceTick call racing the scheduled tick).
	var wg sync.WaitGroup
	var failureMu sync.Mutex
	anyFailure := false
	for _, rs := range pending {
		if !r.dueForRetry(rs, now) {
			continue
		}
		wg.Add(1)
		go func(rs *retryState) {
			defer wg.Done()
			key := rs.discrepancy.Key()
			_, err, _ := r.group.Do(key, func() (any, error) {
				return nil, r.attempt(ctx, rs.discrepancy)
			})
			if err != nil {
				failureMu.Lock()
				anyFailure = true
				failureMu.Unlock()
				r.mu.Lock()
				rs.attempts++
				rs.lastAttempt = now
				evict := rs.attempts >= r.cfg.MaxAttempts
				if evict {
					delete(r.retries, key)
					r.log.Error("discrepancy surfaced as permanent failure", "kind", rs.discrepancy.Kind, "batch_id", rs.discrepancy.BatchID)
				}
				r.mu.Unlock()
				return
			}
			r.tel.ReconcilerRepairs.WithLabelValues(string(rs.discrepancy.Kind)).Inc()
			r.mu.Lock()
			delete(r.retries, key)
			r.mu.Unlock()
		}(rs)
	}
	wg.Wait()

	if anyFailure {
		r.breaker.RecordFailure(now)
	} else {
		r.breaker.RecordSuccess()
	}

	if now.Sub(r.lastSnapshot) >= r.cfg.SnapshotInterval {
		r.persistSnapshot(now)
	}
}

// dueForRetry reports whether rs has never been attempted, or whether
// 2^attempts seconds have elapsed since its last attempt (spec §4.8).
func (r *Reconciler) dueForRetry(rs *retryState, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs.attempts == 0 {
		return true
	}
	backoff := time.Duration(1<<uint(rs.attempts)) * time.Second
	return now.Sub(rs.lastAttempt) >= backoff
}

func (r *Reconciler) attempt(ctx context.Context, d Discrepancy) error {
	switch d.Kind {
	case MissingInAnchor:
		return r.repair.Resubmit(ctx, d)
	case MissingInLocal:
		return r.repair.Ingest(ctx, d)
	default:
		return r.repair.ReconcileToAnchor(ctx, d)
	}
}

// snapshotPayload is what persistSnapshot writes; it is enough to
// rehydrate the retry queue across a restart.
type snapshotPayload struct {
	Items []snapshotItem `json:"items"`
}
type snapshotItem struct {
	Kind        string `json:"kind"`
	BatchID     uint64 `json:"batch_id"`
	Attempts    int    `json:"attempts"`
	LastAttempt int64  `json:"last_attempt"`
}

func (r *Reconciler) persistSnapshot(now time.Time) {
	r.mu.Lock()
	items := make([]snapshotItem, 0, len(r.retries))
	for _, rs := range r.retries {
		items = append(items, snapshotItem{
			Kind: string(rs.discrepancy.Kind), BatchID: rs.discrepancy.BatchID,
			Attempts: rs.attempts, LastAttempt: rs.lastAttempt.Unix(),
		})
	}
	r.mu.Unlock()

	data, err := json.Marshal(snapshotPayload{Items: items})
	if err != nil {
		r.log.Error("snapshot marshal failed", "error", err)
		return
	}
	if _, err := r.st.AppendAuditEvent("ReconcilerSnapshot", data); err != nil {
		r.log.ReportError("snapshot persist failed", err)
		return
	}
	r.lastSnapshot = now
}

// rehydrate loads the most recently persisted snapshot and repopulates the in-memory retry queue, so a restart does
// not forget in-flight repairs (spec §4.8: "persisted to enable cold
// restart"). Discrepancies themselves are re-derived fresh on the next
// tick's Classify call; this only restores attempt counters so backoff
// timing survives the restart.
func (r *Reconciler) rehydrate() {
	events, err := r.st.ListAuditEventsByKind("ReconcilerSnapshot")
	if err != nil || len(events) == 0 {
		return
	}
	latest := events[len(events)-1]
	var payload snapshotPayload
	if err := json.Unmarshal(latest.PayloadJSON, &payload); err != nil {
		r.log.Error("snapshot rehydrate failed", "error", err)
		return
	}
	for _, item := range payload.Items {
		d := Discrepancy{Kind: Kind(item.Kind), BatchID: item.BatchID}
		r.retries[d.Key()] = &retryState{
			discrepancy: d,
			attempts:    item.Attempts,
			lastAttempt: time.Unix(item.LastAttempt, 0),
		}
	}
}
