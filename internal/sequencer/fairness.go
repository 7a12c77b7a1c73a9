package sequencer

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// fairnessDefaultCredits and fairnessResetWindow are the spec §5 defaults:
// "a fairness credit counter caps back-to-back service to the same sender
// (default 10, resetting over 60s)".
const (
	fairnessDefaultCredits = 10
	fairnessResetWindow    = 60 * time.Second
)

// fairnessTracker caps how many times in a row a single sender's
// transactions can be drained into the current batch before other senders
// must be served, so one high-volume sender cannot starve the rest of the
// collecting window.
type fairnessTracker struct {
	mu          sync.Mutex
	maxCredits  int
	resetWindow time.Duration

	lastSender  common.Address
	haveLast    bool
	streak      int
	windowStart time.Time
}

func newFairnessTracker(maxCredits int, resetWindow time.Duration) *fairnessTracker {
	if maxCredits <= 0 {
		maxCredits = fairnessDefaultCredits
	}
	if resetWindow <= 0 {
		resetWindow = fairnessResetWindow
	}
	return &fairnessTracker{maxCredits: maxCredits, resetWindow: resetWindow}
}

// Allow reports whether a transaction from sender may be admitted into the
// batch right now, given the current streak. It always allows a sender
// different from the last one it saw.
func (f *fairnessTracker) Allow(sender common.Address, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.windowStart.IsZero() || now.Sub(f.windowStart) >= f.resetWindow {
		f.windowStart = now
		f.streak = 0
		f.haveLast = false
	}

	if !f.haveLast || sender != f.lastSender {
		return true
	}
	return f.streak < f.maxCredits
}

// Record updates the streak after a transaction from sender was admitted.
func (f *fairnessTracker) Record(sender common.Address, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.windowStart.IsZero() {
		f.windowStart = now
	}
	if f.haveLast && sender == f.lastSender {
		f.streak++
	} else {
		f.lastSender = sender
		f.haveLast = true
		f.streak = 1
	}
}
