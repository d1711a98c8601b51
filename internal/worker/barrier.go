package worker

import (
	"sync"

	"deadline-bench/internal/logging"
)

// Rendezvous names the startup protocol's synchronization points. Every
// worker and the orchestrator pass each point exactly once, in order.
type Rendezvous int

const (
	// RendezvousQueried: all workers confirmed they could read their
	// own scheduling attributes.
	RendezvousQueried Rendezvous = iota
	// RendezvousComputed: all workers hold their target deadline
	// attributes and none has committed them yet.
	RendezvousComputed
	// RendezvousElevated: all workers run under the deadline policy.
	RendezvousElevated
)

func (r Rendezvous) String() string {
	switch r {
	case RendezvousQueried:
		return "queried"
	case RendezvousComputed:
		return "computed"
	case RendezvousElevated:
		return "elevated"
	}
	return "unknown"
}

// Barrier is a reusable rendezvous for a fixed number of parties
// (N workers plus the orchestrator). Wait blocks until every party has
// arrived, then releases the generation together.
type Barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parties int
	arrived int
	round   int
}

func NewBarrier(parties int) *Barrier {
	b := &Barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Await blocks until all parties have reached the named rendezvous.
func (b *Barrier) Await(r Rendezvous) {
	logging.GetWorkerLogger().WithField("rendezvous", r.String()).Trace("Waiting at barrier")

	b.mu.Lock()
	defer b.mu.Unlock()

	round := b.round
	b.arrived++
	if b.arrived == b.parties {
		b.arrived = 0
		b.round++
		b.cond.Broadcast()
		return
	}
	for round == b.round {
		b.cond.Wait()
	}
}
