// Package validator implements the per-transaction structural, signature,
// nonce, balance, and rate-limit checks of spec §4.3.
package validator

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/l2seq/sequencer/internal/types"
)

// Config controls validator behavior.
type Config struct {
	NonceCacheTTL      time.Duration
	RateLimiter        RateLimiterConfig
	ReplacementBumpBps uint64 // minimum fee bump, in basis points, for a same-nonce resubmission
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		NonceCacheTTL:      10 * time.Minute,
		RateLimiter:        DefaultRateLimiterConfig(),
		ReplacementBumpBps: 1000, // 10%, grounded on txpool/tx_replacement.go's bump check
	}
}

// Validator runs the five-step admission pipeline of spec §4.3.
type Validator struct {
	cfg         Config
	nonceCache  *NonceCache
	rateLimiter *RateLimiter
	accounts    types.AccountView
}

// New constructs a Validator reading account state from accounts.
func New(cfg Config, accounts types.AccountView) *Validator {
	if cfg.NonceCacheTTL <= 0 {
		cfg.NonceCacheTTL = DefaultConfig().NonceCacheTTL
	}
	return &Validator{
		cfg:         cfg,
		nonceCache:  NewNonceCache(cfg.NonceCacheTTL),
		rateLimiter: NewRateLimiter(cfg.RateLimiter),
		accounts:    accounts,
	}
}

// Validate runs all five checks in spec order, short-circuiting and
// returning a *types.KindError tagged with the failing step's ErrorKind.
// On success it records (sender, nonce) in the nonce cache (spec §4.3:
// "accepted transactions record their (sender, nonce) in the nonce
// cache").
func (v *Validator) Validate(tx *types.Transaction, now time.Time) error {
	if err := v.validateStructural(tx, now); err != nil {
		return err
	}
	if err := v.validateSignature(tx); err != nil {
		return err
	}
	acct, err := v.validateNonce(tx)
	if err != nil {
		return err
	}
	if err := v.validateBalance(tx, acct); err != nil {
		return err
	}
	if err := v.validateRateLimit(tx); err != nil {
		return err
	}
	v.nonceCache.Record(tx.Sender, tx.Nonce)
	return nil
}

func (v *Validator) validateStructural(tx *types.Transaction, now time.Time) error {
	if tx.Amount == nil {
		return types.NewKindError(types.KindInvalidInput, "validator.structural", types.ErrMissingField)
	}
	if tx.Amount.Sign() < 0 {
		return types.NewKindError(types.KindInvalidInput, "validator.structural", types.ErrNegativeAmount)
	}
	if !tx.ExpiryTimestamp.After(now) {
		return types.NewKindError(types.KindExpired, "validator.structural", types.ErrExpired)
	}
	return nil
}

func (v *Validator) validateSignature(tx *types.Transaction) error {
	if !tx.VerifySignature() {
		return types.NewKindError(types.KindAuthFailure, "validator.signature", types.ErrBadSignature)
	}
	return nil
}

func (v *Validator) validateNonce(tx *types.Transaction) (*types.Account, error) {
	if v.nonceCache.Seen(tx.Sender, tx.Nonce) {
		return nil, types.NewKindError(types.KindNonceReplay, "validator.nonce", types.ErrNonceReplay)
	}
	acct, ok := v.accounts.Account(tx.Sender)
	if !ok {
		acct = types.NewAccount(tx.Sender)
	}
	if tx.Nonce != acct.NextNonce() {
		return nil, types.NewKindError(types.KindNonceReplay, "validator.nonce", types.ErrNonceMismatch)
	}
	return acct, nil
}

func (v *Validator) validateBalance(tx *types.Transaction, acct *types.Account) error {
	if tx.Kind != types.KindTransfer && tx.Kind != types.KindWithdrawal {
		return nil
	}
	if !acct.CanDebit(tx.Amount) {
		return types.NewKindError(types.KindInsufficientBalance, "validator.balance", types.ErrBalanceTooLow)
	}
	return nil
}

func (v *Validator) validateRateLimit(tx *types.Transaction) error {
	if !v.rateLimiter.Allow(tx.Sender) {
		return types.NewKindError(types.KindRateLimited, "validator.ratelimit", types.ErrRateLimited)
	}
	return nil
}

// SetDegraded propagates the sequencer's emergency-mode flag into the rate
// limiter (spec §4.6).
func (v *Validator) SetDegraded(degraded bool) {
	v.rateLimiter.SetDegraded(degraded, 0.1)
}

// IsPriceBumpReplacement reports whether candidate is a legal replacement
// of existing: same (sender, nonce), strictly higher amount-as-fee-proxy by
// at least ReplacementBumpBps. This supplements — but does not relax — the
// nonce-replay invariant: it only changes whether a same-nonce resubmission
// is treated as a replacement attempt instead of being rejected outright;
// the nonce cache in Validate always wins once a nonce is recorded, so
// replacement must be checked by the caller (e.g. the admission surface)
// before Validate is invoked.
func (v *Validator) IsPriceBumpReplacement(existing, candidate *types.Transaction) bool {
	if existing.Sender != candidate.Sender || existing.Nonce != candidate.Nonce {
		return false
	}
	if existing.Amount == nil || candidate.Amount == nil {
		return false
	}
	threshold := new(uint256.Int).Mul(existing.Amount, uint256.NewInt(10000+v.cfg.ReplacementBumpBps))
	threshold.Div(threshold, uint256.NewInt(10000))
	return candidate.Amount.Cmp(threshold) >= 0
}
