package sequencer

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/l2seq/sequencer/internal/types"
)

// AccountStore is the Sequencer's exclusively-owned mutable account state
// (spec §3 ownership). It protects individual addresses with fine-grained
// locks acquired in canonical (lexicographic) order, per spec §5's
// shared-resource policy: "Accounts are protected by fine-grained
// per-address locks acquired in a canonical order ... to prevent deadlock
// when a transaction touches multiple addresses" — e.g. a Transfer's
// sender and recipient, processed by two different lanes in parallel,
// must never lock in opposite orders.
type AccountStore struct {
	locksMu sync.Mutex
	locks   map[common.Address]*sync.Mutex

	dataMu sync.RWMutex
	data   map[common.Address]*types.Account
}

// NewAccountStore returns an empty AccountStore.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		locks: make(map[common.Address]*sync.Mutex),
		data:  make(map[common.Address]*types.Account),
	}
}

func (s *AccountStore) lockFor(addr common.Address) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[addr]
	if !ok {
		l = &sync.Mutex{}
		s.locks[addr] = l
	}
	return l
}

// canonicalOrder returns the unique addresses in addrs sorted
// lexicographically by byte value.
func canonicalOrder(addrs []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(addrs))
	out := make([]common.Address, 0, len(addrs))
	for _, a := range addrs {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Bytes(), out[j].Bytes()) < 0
	})
	return out
}

// Account returns a cloned snapshot of addr's account (or nil, false if
// untracked), safe for a lane worker to read without observing concurrent
// mutation. Satisfies types.AccountView.
func (s *AccountStore) Account(addr common.Address) (*types.Account, bool) {
	l := s.lockFor(addr)
	l.Lock()
	defer l.Unlock()

	s.dataMu.RLock()
	acct, ok := s.data[addr]
	s.dataMu.RUnlock()
	if !ok {
		return nil, false
	}
	return acct.Clone(), true
}

// WithAccounts locks every address in addrs in canonical order, hands fn a
// mutable view seeded from current state (or fresh zero-value accounts),
// and writes back whatever fn leaves in the view once it returns. addrs
// may list any subset of the addresses a single transaction touches (e.g.
// sender and recipient for a Transfer); locking the full set up front
// before mutating any of them is what prevents the AB/BA deadlock two
// concurrent lanes could otherwise hit.
func (s *AccountStore) WithAccounts(addrs []common.Address, fn func(map[common.Address]*types.Account)) {
	ordered := canonicalOrder(addrs)
	locks := make([]*sync.Mutex, len(ordered))
	for i, a := range ordered {
		locks[i] = s.lockFor(a)
	}
	for _, l := range locks {
		l.Lock()
	}
	defer func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}()

	view := make(map[common.Address]*types.Account, len(ordered))
	s.dataMu.Lock()
	for _, a := range ordered {
		acct, ok := s.data[a]
		if !ok {
			acct = types.NewAccount(a)
		}
		view[a] = acct
	}
	s.dataMu.Unlock()

	fn(view)

	s.dataMu.Lock()
	for _, a := range ordered {
		if acct, ok := view[a]; ok {
			s.data[a] = acct
		}
	}
	s.dataMu.Unlock()
}

// Snapshot returns a cloned copy of every tracked account, so a reader can
// inspect it without holding any account lock afterwards.
func (s *AccountStore) Snapshot() map[common.Address]*types.Account {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()
	out := make(map[common.Address]*types.Account, len(s.data))
	for addr, acct := range s.data {
		out[addr] = acct.Clone()
	}
	return out
}
