// Package sequencer implements the Parallel Sequencer of spec §4.5: the
// per-batch state machine (Collecting -> Building -> Signing ->
// Submitting -> Confirming/Failed), worker-lane fan-out, and the
// account-mutation ownership boundary the rest of the core depends on.
// Batch cutting and merge-by-arrival-index are grounded on the teacher's
// rollup.Sequencer (_teacher_ref/rollup/sequencer.go); lane fan-out uses
// golang.org/x/sync/errgroup, the SPEC_FULL domain-stack pick for
// concurrent work with first-error propagation and context cancellation.
package sequencer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/l2seq/sequencer/internal/anchor"
	"github.com/l2seq/sequencer/internal/breaker"
	"github.com/l2seq/sequencer/internal/executor"
	"github.com/l2seq/sequencer/internal/lanes"
	"github.com/l2seq/sequencer/internal/logging"
	"github.com/l2seq/sequencer/internal/merkle"
	"github.com/l2seq/sequencer/internal/ringqueue"
	"github.com/l2seq/sequencer/internal/store"
	"github.com/l2seq/sequencer/internal/telemetry"
	"github.com/l2seq/sequencer/internal/types"
	"github.com/l2seq/sequencer/internal/validator"
)

// BatchState is the per-batch lifecycle state of spec §4.5.
type BatchState int

const (
	StateCollecting BatchState = iota
	StateBuilding
	StateSigning
	StateSubmitting
	StateConfirming
	StateConfirmed
	StateFailed
)

func (s BatchState) String() string {
	switch s {
	case StateCollecting:
		return "Collecting"
	case StateBuilding:
		return "Building"
	case StateSigning:
		return "Signing"
	case StateSubmitting:
		return "Submitting"
	case StateConfirming:
		return "Confirming"
	case StateConfirmed:
		return "Confirmed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// SigningService is the minimal contract the Sequencer needs from the
// signing subsystem (spec §4.6's sign/available, scoped down from the full
// SigningService interface which also serves verify/public_key to external
// callers). internal/signing.Service satisfies this structurally.
type SigningService interface {
	Sign(ctx context.Context, message []byte) (signature []byte, keyID string, err error)
	Available() bool
}

// Config controls Sequencer behavior; zero-valued fields fall back to
// spec §6 defaults.
type Config struct {
	BatchBuilder         BatchBuilderConfig
	MaxConcurrentBatches int
	WorkerCount          int
	MaxRetries           int
	RetryBaseDelay       time.Duration
	SigningTimeout       time.Duration
	AdmissionBreaker     breaker.Config
	QueueCapacity        int
	DequeueBatchMax      int
}

// DefaultConfig returns spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		BatchBuilder:         DefaultBatchBuilderConfig(),
		MaxConcurrentBatches: 2,
		WorkerCount:          0,
		MaxRetries:           3,
		RetryBaseDelay:       time.Second,
		SigningTimeout:       5 * time.Second,
		AdmissionBreaker:     breaker.DefaultConfig(),
		QueueCapacity:        10000,
		DequeueBatchMax:      500,
	}
}

// Sequencer orchestrates the whole Collecting->Confirmed pipeline. It is
// the sole mutator of account state (spec §3 ownership); everything else
// downstream consumes snapshots or deltas it produces.
type Sequencer struct {
	cfg Config
	log *logging.Logger
	tel *telemetry.Telemetry

	queue    *ringqueue.RingQueue[*types.Transaction]
	router   *lanes.Router
	accounts *AccountStore
	builder  *BatchBuilder

	validators []*validator.Validator
	executors  []*executor.Executor

	merkleEngine *merkle.MerkleEngine
	signer       SigningService
	sink         anchor.Sink
	st           store.Store

	leafMu      sync.Mutex
	txLeafIndex map[common.Hash]uint64 // tx ID -> global Merkle leaf index, for get_proof (spec §6)

	admission *breaker.Breaker

	inFlight chan struct{} // bounds {Signing,Submitting,Confirming} to MaxConcurrentBatches

	degraded     bool
	arrivalIndex uint64 // monotonic, assigned at admission (spec §5 ordering guarantee (a))
}

// New constructs a Sequencer. genesisLeaf seeds the MerkleEngine, which
// requires a non-empty initial leaf set (spec §4.2).
func New(cfg Config, log *logging.Logger, tel *telemetry.Telemetry, signer SigningService, sink anchor.Sink, st store.Store, genesisLeaf common.Hash) *Sequencer {
	d := DefaultConfig()
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = d.MaxConcurrentBatches
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = d.RetryBaseDelay
	}
	if cfg.SigningTimeout <= 0 {
		cfg.SigningTimeout = d.SigningTimeout
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = d.QueueCapacity
	}
	if cfg.DequeueBatchMax <= 0 {
		cfg.DequeueBatchMax = d.DequeueBatchMax
	}

	accounts := NewAccountStore()
	router := lanes.NewRouter(cfg.WorkerCount)

	vs := make([]*validator.Validator, router.Count())
	es := make([]*executor.Executor, router.Count())
	for i := range vs {
		vs[i] = validator.New(validator.DefaultConfig(), accounts)
		es[i] = executor.New(executor.DefaultConfig())
	}

	tree, err := merkle.New([]common.Hash{genesisLeaf}, merkle.DefaultOptions())
	if err != nil {
		// genesisLeaf is always supplied by the caller; an empty slice here
		// would be a construction bug, not a runtime condition.
		panic(fmt.Sprintf("sequencer: merkle.New failed on genesis leaf: %v", err))
	}

	return &Sequencer{
		cfg:          cfg,
		log:          log.Module("sequencer"),
		tel:          tel,
		queue:        ringqueue.New[*types.Transaction](cfg.QueueCapacity),
		router:       router,
		accounts:     accounts,
		builder:      NewBatchBuilder(cfg.BatchBuilder),
		validators:   vs,
		executors:    es,
		merkleEngine: tree,
		signer:       signer,
		sink:         sink,
		st:           st,
		txLeafIndex:  make(map[common.Hash]uint64),
		admission:    breaker.New(cfg.AdmissionBreaker),
		inFlight:     make(chan struct{}, cfg.MaxConcurrentBatches),
	}
}

// Name satisfies lifecycle.Service.
func (s *Sequencer) Name() string { return "sequencer" }

// Submit admits tx into the RingQueue (spec §4.1/§4.5 admission). It fails
// fast with RateLimited-kind when the admission-control circuit breaker is
// open, short-circuiting Collecting per spec §4.5.
func (s *Sequencer) Submit(ctx context.Context, tx *types.Transaction) error {
	if !s.admission.Allow(time.Now()) {
		return types.NewKindError(types.KindRateLimited, "sequencer.Submit", types.ErrRateLimited)
	}
	tx.ArrivalIndex = atomic.AddUint64(&s.arrivalIndex, 1) - 1
	_, err := s.queue.Enqueue(ctx, tx)
	if err != nil {
		return err
	}
	s.putTransactionRecord(tx, "Pending", "", nil)
	if s.tel != nil {
		s.tel.QueueSize.Set(float64(s.queue.Size()))
	}
	return nil
}

// putTransactionRecord upserts the transactions(...) row backing status(id)
// (spec §6), tolerating store errors by logging rather than failing the
// caller: admission and execution must not block on audit persistence.
func (s *Sequencer) putTransactionRecord(tx *types.Transaction, status, errMsg string, batchID *uint64) {
	if s.st == nil {
		return
	}
	amount := "0"
	if tx.Amount != nil {
		amount = tx.Amount.String()
	}
	rec := store.TransactionRecord{
		ID:        tx.ID,
		Sender:    tx.Sender,
		Recipient: tx.Recipient,
		Amount:    amount,
		Nonce:     tx.Nonce,
		Expiry:    tx.ExpiryTimestamp.Unix(),
		Kind:      tx.Kind,
		Signature: tx.Signature,
		Status:    status,
		CreatedAt: time.Now().Unix(),
		BatchID:   batchID,
		Error:     errMsg,
	}
	if err := s.st.PutTransaction(rec); err != nil {
		s.log.ReportError("persist transaction record failed", err, "tx", tx.ID)
	}
}

// Start satisfies lifecycle.Service: it runs the Collecting->Confirming
// pipeline until ctx is cancelled.
func (s *Sequencer) Start(ctx context.Context) error {
	go s.run(ctx)
	return nil
}

// Stop satisfies lifecycle.Service, closing the RingQueue so the run loop
// drains and exits.
func (s *Sequencer) Stop(ctx context.Context) error {
	s.queue.Close()
	return nil
}

// run is the single-threaded orchestrator loop for Collecting (spec §5:
// "The sequencer orchestrator is single-threaded for ordering decisions").
func (s *Sequencer) run(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !s.admission.Allow(time.Now()) {
			continue
		}

		// Bound the dequeue wait so an idle queue still lets the tick below
		// evaluate the batch-window cut criterion; only a true close is
		// treated as the signal to exit the loop.
		dctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		items, err := s.queue.DequeueBatch(dctx, s.cfg.DequeueBatchMax)
		cancel()
		if len(items) > 0 {
			s.collect(ctx, items)
		}
		if err != nil && errors.Is(err, types.ErrQueueClosed) {
			return
		}

		if s.builder.ShouldCut(time.Now()) {
			s.cutAndProcess(ctx)
		}
	}
}

// collect fans each item out to a worker lane (Validator+Executor), merges
// the resulting updates back in arrival order, and feeds accepted
// transactions into the BatchBuilder (spec §4.5 Collecting).
func (s *Sequencer) collect(ctx context.Context, items []*types.Transaction) {
	n := s.router.Count()
	type result struct {
		tx      *types.Transaction
		updates []executor.Update
		ok      bool
	}
	results := make([]result, len(items))

	g, gctx := errgroup.WithContext(ctx)
	assignments := make([][]int, n)
	for i, tx := range items {
		a := s.router.Assign(tx.ArrivalIndex)
		assignments[a.Lane] = append(assignments[a.Lane], i)
		results[i].tx = tx
	}

	for lane := 0; lane < n; lane++ {
		lane := lane
		idxs := assignments[lane]
		if len(idxs) == 0 {
			continue
		}
		g.Go(func() error {
			v := s.validators[lane]
			e := s.executors[lane]
			for _, idx := range idxs {
				tx := results[idx].tx
				if !s.builder.FairnessAllows(tx.Sender, time.Now()) {
					continue // left unprocessed; stays out of this cycle's batch
				}
				if err := v.Validate(tx, time.Now()); err != nil {
					s.recordRejected(tx, err)
					continue
				}
				touched := []common.Address{tx.Sender, tx.Recipient}
				var updates []executor.Update
				s.accounts.WithAccounts(touched, func(view map[common.Address]*types.Account) {
					u, receipt := e.Execute(gctx, tx, view, nil)
					if receipt.Status == executor.StatusExecuted {
						updates = u
					} else if receipt.Error != nil {
						s.recordRejected(tx, receipt.Error)
					}
				})
				if updates != nil {
					results[idx].updates = updates
					results[idx].ok = true
					s.putTransactionRecord(tx, "Executed", "", nil)
				}
			}
			return nil
		})
	}
	_ = g.Wait() // per-item errors are recorded, not propagated: one bad tx must not abort the lane

	for _, r := range results {
		if r.ok {
			s.builder.Add(r.tx, time.Now())
		}
	}
	if s.tel != nil {
		s.tel.QueueSize.Set(float64(s.queue.Size()))
	}
}

func (s *Sequencer) recordRejected(tx *types.Transaction, err error) {
	if s.tel != nil {
		s.tel.TransactionsTotal.WithLabelValues("rejected").Inc()
	}
	s.log.Warn("transaction rejected", "tx", tx.ID, "error", err)
	s.putTransactionRecord(tx, "Rejected", err.Error(), nil)
}

// cutAndProcess drives one batch through Building->Signing->Submitting->
// Confirming, bounded to MaxConcurrentBatches coexisting batches (spec
// §4.5 concurrency note).
func (s *Sequencer) cutAndProcess(ctx context.Context) {
	txs := s.builder.Drain()
	if len(txs) == 0 {
		return
	}

	select {
	case s.inFlight <- struct{}{}:
	case <-ctx.Done():
		return
	}

	go func() {
		defer func() { <-s.inFlight }()
		if err := s.processBatch(ctx, txs); err != nil {
			s.log.ReportError("batch processing failed", err)
			s.admission.RecordFailure(time.Now())
		} else {
			s.admission.RecordSuccess()
		}
	}()
}

func (s *Sequencer) processBatch(ctx context.Context, txs []*types.Transaction) error {
	start := time.Now()
	batchID, err := s.st.NextBatchID()
	if err != nil {
		return fmt.Errorf("sequencer: allocate batch id: %w", err)
	}

	b := &types.Batch{ID: batchID, Status: types.BatchPending, CreatedAt: start}

	// Building: insert a leaf per transaction, sorted by (key) for
	// deterministic rebuilds (spec §5 ordering guarantee (b)).
	sort.SliceStable(txs, func(i, j int) bool {
		ki, _ := txs[i].LeafKeyValue()
		kj, _ := txs[j].LeafKeyValue()
		return bytes.Compare(ki, kj) < 0
	})
	leaves := make([]common.Hash, len(txs))
	txIDs := make([]common.Hash, len(txs))
	for i, tx := range txs {
		key, value := tx.LeafKeyValue()
		leaves[i] = merkle.LeafDigest(key, value)
		txIDs[i] = tx.ID
	}
	startIndex := uint64(s.merkleEngine.LeafCount())
	s.merkleEngine.AppendLeaves(leaves)
	root := s.merkleEngine.Root()
	b.MerkleRoot = root
	b.TxIDs = txIDs

	s.leafMu.Lock()
	for i, id := range txIDs {
		s.txLeafIndex[id] = startIndex + uint64(i)
	}
	s.leafMu.Unlock()
	if err := b.Transition(types.BatchSigning); err != nil {
		return err
	}

	// Signing.
	sigCtx, cancel := context.WithTimeout(ctx, s.cfg.SigningTimeout)
	sig, _, err := s.signer.Sign(sigCtx, root.Bytes())
	cancel()
	if err != nil {
		b.Transition(types.BatchFailed)
		b.FailureReason = err.Error()
		s.persistBatch(b)
		s.markBatchTransactions(txs, "Failed", err.Error(), batchID)
		return fmt.Errorf("sequencer: sign batch %d: %w", batchID, err)
	}
	b.AnchorSig = sig
	if err := b.Transition(types.BatchSubmitted); err != nil {
		return err
	}

	// Submitting, with exponential backoff up to MaxRetries (spec §4.5).
	ack, err := s.submitWithRetry(ctx, anchor.Commitment{
		BatchID:    batchID,
		MerkleRoot: root,
		Signature:  sig,
		Metadata:   map[string]string{"tx_count": fmt.Sprint(len(txs))},
	})
	if err != nil {
		b.Transition(types.BatchFailed)
		b.FailureReason = err.Error()
		s.persistBatch(b)
		s.markBatchTransactions(txs, "Failed", err.Error(), batchID)
		return fmt.Errorf("sequencer: submit batch %d: %w", batchID, err)
	}
	_ = ack

	// Confirming.
	if err := b.Transition(types.BatchConfirmed); err != nil {
		return err
	}
	s.persistBatch(b)
	s.markBatchTransactions(txs, "Confirmed", "", batchID)

	if s.tel != nil {
		s.tel.BatchesTotal.WithLabelValues("confirmed").Inc()
		s.tel.BatchProcessing.Observe(time.Since(start).Seconds())
	}
	return nil
}

// markBatchTransactions updates every tx in a resolved batch to its final
// status(id) outcome (spec §6: "Executed(batch_id) | Confirmed | ...").
func (s *Sequencer) markBatchTransactions(txs []*types.Transaction, status, errMsg string, batchID uint64) {
	id := batchID
	for _, tx := range txs {
		s.putTransactionRecord(tx, status, errMsg, &id)
	}
}

func (s *Sequencer) submitWithRetry(ctx context.Context, c anchor.Commitment) (anchor.Ack, error) {
	delay := s.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		ack, err := s.sink.SubmitAnchor(ctx, c)
		if err == nil {
			return ack, nil
		}
		lastErr = err
		if attempt == s.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return anchor.Ack{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return anchor.Ack{}, lastErr
}

func (s *Sequencer) persistBatch(b *types.Batch) {
	rec := store.BatchRecord{
		ID:         b.ID,
		MerkleRoot: b.MerkleRoot,
		TxCount:    len(b.TxIDs),
		Status:     b.Status.String(),
		CreatedAt:  b.CreatedAt.Unix(),
		Signature:  b.AnchorSig,
		Error:      b.FailureReason,
	}
	if b.SubmittedAt != nil {
		t := b.SubmittedAt.Unix()
		rec.SubmittedAt = &t
	}
	if b.ConfirmedAt != nil {
		t := b.ConfirmedAt.Unix()
		rec.ConfirmedAt = &t
	}
	if err := s.st.PutBatch(rec); err != nil {
		s.log.ReportError("persist batch failed", err, "batch_id", b.ID)
	}
}

// SetDegraded propagates emergency-mode rate limiting into every lane's
// Validator (spec §4.6: "Entering Emergency activates rate-limiting on the
// sequencer").
func (s *Sequencer) SetDegraded(degraded bool) {
	s.degraded = degraded
	for _, v := range s.validators {
		v.SetDegraded(degraded)
	}
	if s.tel != nil {
		if degraded {
			s.tel.EmergencyMode.Set(1)
		} else {
			s.tel.EmergencyMode.Set(0)
		}
	}
}

// Accounts exposes the Sequencer's account store.
func (s *Sequencer) Accounts() *AccountStore { return s.accounts }

// MerkleRoot returns the current committed Merkle root.
func (s *Sequencer) MerkleRoot() common.Hash { return s.merkleEngine.Root() }

// Status returns the persisted status(id) view of spec §6 for txID.
func (s *Sequencer) Status(txID common.Hash) (store.TransactionRecord, bool, error) {
	return s.st.GetTransaction(txID)
}

// Proof returns the inclusion proof for txID against the current root, for
// the admission surface's get_proof(tx_id) operation (spec §6). ok is false
// if txID has not yet been included in any processed batch.
func (s *Sequencer) Proof(txID common.Hash) (proof merkle.Proof, root common.Hash, ok bool) {
	s.leafMu.Lock()
	index, found := s.txLeafIndex[txID]
	s.leafMu.Unlock()
	if !found {
		return merkle.Proof{}, common.Hash{}, false
	}
	p, err := s.merkleEngine.GetProof(index)
	if err != nil {
		return merkle.Proof{}, common.Hash{}, false
	}
	return p, s.merkleEngine.Root(), true
}
