package worker

import (
	"sync/atomic"
	"time"
)

// ringSize is the capacity of the per-worker sample ring. Power of two
// so bufmask indexing works.
const ringSize = 1 << 10

// Stat is the latency record of one worker. It is written exclusively
// by the owning thread; the display loop reads it live through atomics
// and a brief staleness is acceptable. The ring of raw samples has a
// single producer (the worker) and a single consumer (the printer), so
// only the cursors are atomic, not the buffer contents.
type Stat struct {
	tid    atomic.Int64
	cycles atomic.Uint64
	min    atomic.Int64 // ns
	max    atomic.Int64 // ns
	act    atomic.Int64 // ns
	sum    atomic.Int64 // ns, accumulated for the average

	values     [ringSize]int64
	cyclesRead uint64 // printer-side cursor

	// worst sample observed by the printer while draining the ring
	redMax     int64
	cycleOfMax uint64
}

func NewStat() *Stat {
	return &Stat{}
}

func (s *Stat) SetTID(tid int) { s.tid.Store(int64(tid)) }
func (s *Stat) TID() int       { return int(s.tid.Load()) }

func (s *Stat) Cycles() uint64     { return s.cycles.Load() }
func (s *Stat) Min() time.Duration { return time.Duration(s.min.Load()) }
func (s *Stat) Max() time.Duration { return time.Duration(s.max.Load()) }
func (s *Stat) Act() time.Duration { return time.Duration(s.act.Load()) }

// Avg returns the running average latency, zero before the first sample.
func (s *Stat) Avg() time.Duration {
	cycles := s.cycles.Load()
	if cycles == 0 {
		return 0
	}
	return time.Duration(s.sum.Load() / int64(cycles))
}

// AvgFloat returns the average in the given unit as a float, for the
// final report.
func (s *Stat) AvgFloat(unit time.Duration) float64 {
	cycles := s.cycles.Load()
	if cycles == 0 {
		return 0
	}
	return float64(s.sum.Load()) / float64(unit) / float64(cycles)
}

// record adds one latency sample. Called by the owning worker only.
func (s *Stat) record(lat time.Duration) {
	ns := int64(lat)
	cycles := s.cycles.Load()

	if ns > s.max.Load() {
		s.max.Store(ns)
	}
	if cycles == 0 || ns < s.min.Load() {
		s.min.Store(ns)
	}
	s.act.Store(ns)
	s.sum.Add(ns)

	s.values[cycles&(ringSize-1)] = ns
	s.cycles.Store(cycles + 1)
}

// Reduce drains samples the printer has not seen yet and keeps track of
// the worst one and the cycle it happened in. Called by the single
// display consumer.
func (s *Stat) Reduce() {
	cycles := s.cycles.Load()
	for s.cyclesRead != cycles {
		v := s.values[s.cyclesRead&(ringSize-1)]
		if v > s.redMax {
			s.redMax = v
			s.cycleOfMax = s.cyclesRead
		}
		s.cyclesRead++
	}
}

// WorstObserved reports the worst sample seen by Reduce and the cycle
// index it occurred at.
func (s *Stat) WorstObserved() (time.Duration, uint64) {
	return time.Duration(s.redMax), s.cycleOfMax
}
