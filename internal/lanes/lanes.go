// Package lanes assigns admitted transactions to worker lanes (spec §5:
// "drains the RingQueue into worker lanes (round-robin, N <= physical
// cores)"), each running Validator then Executor in parallel while the
// Sequencer orchestrator stays single-threaded for ordering decisions.
package lanes

import (
	"runtime"

	"github.com/ethereum/go-ethereum/common"
)

// Assignment is the lane a transaction was routed to, carried alongside
// its arrival index so the Sequencer can merge per-lane results back into
// arrival order once every lane has processed it (spec §5: "the resulting
// ordered deltas are merged deterministically by transaction arrival
// index, not by lane").
type Assignment struct {
	Lane         int
	ArrivalIndex uint64
}

// Router hands out lane numbers round-robin, bounded by N <= physical
// cores (spec §5).
type Router struct {
	count   int
	cursor  uint64
}

// NewRouter returns a Router with lane count clamped to
// [1, runtime.NumCPU()]. A requested count of 0 resolves to NumCPU(), the
// "worker_count(cpu_count)" default of spec §6.
func NewRouter(requested int) *Router {
	cores := runtime.NumCPU()
	n := requested
	if n <= 0 {
		n = cores
	}
	if n > cores {
		n = cores
	}
	if n < 1 {
		n = 1
	}
	return &Router{count: n}
}

// Count returns the number of lanes.
func (r *Router) Count() int { return r.count }

// Assign returns the next lane in round-robin order for a transaction
// arriving with the given arrival index. Round-robin, not hash-based
// sharding, is deliberate: sharding by sender would let one high-volume
// sender monopolize a single lane, defeating the fairness credit counter
// (spec §5) that operates at the Sequencer merge stage, not per lane.
func (r *Router) Assign(arrivalIndex uint64) Assignment {
	lane := int(r.cursor % uint64(r.count))
	r.cursor++
	return Assignment{Lane: lane, ArrivalIndex: arrivalIndex}
}

// Key identifies a lane-local buffer slot; exported for callers that key
// per-lane maps by sender as well as by lane (e.g. the fairness counter).
type Key struct {
	Lane   int
	Sender common.Address
}
