package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Account is the (address, balance, nonce, last_updated) record of §3.
// Balance uses uint256 rather than big.Int, following the ledger-value
// convention of the erigon/geth family the teacher's dependency graph is
// built on: fixed-width arithmetic with no hidden allocation on the hot
// execution path.
type Account struct {
	Address     common.Address
	Balance     *uint256.Int
	Nonce       uint64
	LastUpdated time.Time
}

// NewAccount returns a zero-balance, zero-nonce account for addr.
func NewAccount(addr common.Address) *Account {
	return &Account{Address: addr, Balance: uint256.NewInt(0)}
}

// Clone returns a deep copy, used when handing a snapshot to a lane worker
// that must not observe concurrent mutation (spec §3 ownership: "Validator
// and Executor workers hold shared immutable views").
func (a *Account) Clone() *Account {
	cp := *a
	if a.Balance != nil {
		cp.Balance = new(uint256.Int).Set(a.Balance)
	}
	return &cp
}

// CanDebit reports whether the account can afford amount without going
// negative.
func (a *Account) CanDebit(amount *uint256.Int) bool {
	return a.Balance.Cmp(amount) >= 0
}

// NextNonce is the nonce a transaction from this account must carry to be
// accepted: sender.nonce + 1 (spec §3).
func (a *Account) NextNonce() uint64 {
	return a.Nonce + 1
}

// AccountView is the read-only snapshot view that Validator and Executor
// workers hold (spec §3 ownership: "Validator and Executor workers hold
// shared immutable views"). The Sequencer is the only component that
// mutates accounts.
type AccountView interface {
	Account(addr common.Address) (*Account, bool)
}
