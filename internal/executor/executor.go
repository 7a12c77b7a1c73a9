// Package executor applies a validated transaction to an in-memory state
// snapshot and emits a state delta, per spec §4.4.
package executor

import (
	"context"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/l2seq/sequencer/internal/types"
)

// Status is the outcome recorded on a Receipt.
type Status int

const (
	StatusExecuted Status = iota
	StatusFailed
)

// Receipt is the (tx_id, status, processing_time) record of spec §4.4.
type Receipt struct {
	TxID           common.Hash
	Status         Status
	ProcessingTime time.Duration
	Error          error
}

// Update is one (key, new_value) pair in the state delta the Executor
// emits for a transaction, keyed the way a Merkle leaf is keyed (spec
// §4.4, §4.5: "inserts new Merkle leaves for every modified (key, value)").
type Update struct {
	Key       []byte
	Value     []byte
	Address   common.Address
	NewNonce  uint64
	NewBalance *uint256.Int
}

// Config controls per-transaction timeout and retry behavior (spec §4.4).
type Config struct {
	Timeout      time.Duration
	MaxRetries   int
	InitialDelay time.Duration
}

// DefaultConfig returns the spec's defaults: 10s timeout, 3 retries, 1s
// initial backoff.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second, MaxRetries: 3, InitialDelay: time.Second}
}

// Executor is a pure function of (tx, snapshot) -> (updates, receipt). It
// holds no mutable ledger state of its own; the Sequencer commits the
// returned updates.
type Executor struct {
	cfg Config
}

// New constructs an Executor with cfg; zero-valued fields fall back to
// DefaultConfig().
func New(cfg Config) *Executor {
	d := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = d.InitialDelay
	}
	return &Executor{cfg: cfg}
}

// InfraCall is the shape of a transient, retryable side effect the
// executor may need to perform while applying certain transaction kinds
// (e.g. a Deposit/Withdrawal bridge lookup). It must return a
// *types.KindError of KindTransient or KindTimeout to be retried; any
// other error is treated as a deterministic rule violation and never
// retried (spec §4.4: "retries are only meaningful for transient
// infrastructure failures, never for deterministic rule violations").
type InfraCall func(ctx context.Context) error

// Execute applies tx against the account snapshot accts (already validated
// by Validator; Execute trusts it), returning the resulting updates and a
// receipt. infra, if non-nil, is invoked with the executor's retry policy
// before the deterministic state transition is computed.
func (e *Executor) Execute(ctx context.Context, tx *types.Transaction, accts map[common.Address]*types.Account, infra InfraCall) ([]Update, Receipt) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	if infra != nil {
		if err := e.runWithRetry(ctx, infra); err != nil {
			return nil, Receipt{TxID: tx.ID, Status: StatusFailed, ProcessingTime: time.Since(start), Error: err}
		}
	}

	updates, err := e.apply(tx, accts)
	receipt := Receipt{TxID: tx.ID, ProcessingTime: time.Since(start)}
	if err != nil {
		receipt.Status = StatusFailed
		receipt.Error = err
		return nil, receipt
	}
	receipt.Status = StatusExecuted
	return updates, receipt
}

// apply computes the deterministic state transition. Rule violations here
// are never retried — the caller already ran Validator, so a violation at
// this point indicates either a stale snapshot or a logic bug, not a
// transient condition.
func (e *Executor) apply(tx *types.Transaction, accts map[common.Address]*types.Account) ([]Update, error) {
	switch tx.Kind {
	case types.KindTransfer, types.KindWithdrawal:
		return e.applyDebit(tx, accts)
	case types.KindDeposit:
		return e.applyCredit(tx, accts)
	default:
		return e.applyCustom(tx, accts)
	}
}

func (e *Executor) applyDebit(tx *types.Transaction, accts map[common.Address]*types.Account) ([]Update, error) {
	sender, ok := accts[tx.Sender]
	if !ok {
		return nil, types.NewKindError(types.KindConsistencyViolation, "executor.applyDebit", nil)
	}
	if !sender.CanDebit(tx.Amount) {
		return nil, types.NewKindError(types.KindInsufficientBalance, "executor.applyDebit", types.ErrBalanceTooLow)
	}
	if tx.Nonce != sender.NextNonce() {
		return nil, types.NewKindError(types.KindNonceReplay, "executor.applyDebit", types.ErrNonceMismatch)
	}

	sender.Balance = new(uint256.Int).Sub(sender.Balance, tx.Amount)
	sender.Nonce = tx.Nonce
	sender.LastUpdated = time.Now()

	updates := []Update{senderUpdate(sender)}

	if tx.Kind == types.KindTransfer {
		recipient, ok := accts[tx.Recipient]
		if !ok {
			recipient = types.NewAccount(tx.Recipient)
			accts[tx.Recipient] = recipient
		}
		recipient.Balance = new(uint256.Int).Add(recipient.Balance, tx.Amount)
		recipient.LastUpdated = time.Now()
		updates = append(updates, senderUpdate(recipient))
	}

	key, value := tx.LeafKeyValue()
	updates = append(updates, Update{Key: key, Value: value})
	return updates, nil
}

func (e *Executor) applyCredit(tx *types.Transaction, accts map[common.Address]*types.Account) ([]Update, error) {
	recipient, ok := accts[tx.Recipient]
	if !ok {
		recipient = types.NewAccount(tx.Recipient)
		accts[tx.Recipient] = recipient
	}
	recipient.Balance = new(uint256.Int).Add(recipient.Balance, tx.Amount)
	recipient.LastUpdated = time.Now()

	key, value := tx.LeafKeyValue()
	return []Update{senderUpdate(recipient), {Key: key, Value: value}}, nil
}

func (e *Executor) applyCustom(tx *types.Transaction, accts map[common.Address]*types.Account) ([]Update, error) {
	key, value := tx.LeafKeyValue()
	return []Update{{Key: key, Value: value}}, nil
}

func senderUpdate(acct *types.Account) Update {
	return Update{
		Address:    acct.Address,
		NewNonce:   acct.Nonce,
		NewBalance: acct.Balance,
		Key:        acct.Address.Bytes(),
	}
}

// runWithRetry retries infra with exponential backoff up to MaxRetries,
// only for KindTransient/KindTimeout failures (spec §4.4, §7).
func (e *Executor) runWithRetry(ctx context.Context, infra InfraCall) error {
	delay := e.cfg.InitialDelay
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		err := infra(ctx)
		if err == nil {
			return nil
		}
		kind, tagged := types.KindOf(err)
		if !tagged || !kind.Retryable() {
			return err
		}
		lastErr = err
		if attempt == e.cfg.MaxRetries {
			break
		}
		jittered := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		select {
		case <-ctx.Done():
			return types.NewKindError(types.KindTimeout, "executor.runWithRetry", ctx.Err())
		case <-time.After(jittered):
		}
		delay *= 2
	}
	return lastErr
}
