// Package worker implements the deadline measurement threads and their
// barrier-synchronized startup protocol. Each worker is pinned to its
// own OS thread, elevated into SCHED_DEADLINE in lockstep with its
// siblings, then self-paces a periodic loop recording per-cycle wakeup
// latency.
package worker

import (
	"errors"
	"runtime"
	"time"

	"deadline-bench/internal/logging"
	"deadline-bench/internal/sched"
	"deadline-bench/internal/tracing"
	"github.com/sirupsen/logrus"
)

// Phase identifies where in the startup protocol a worker failed.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseQuery
	PhaseElevate
	PhaseFinalQuery
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseQuery:
		return "attribute query"
	case PhaseElevate:
		return "policy elevation"
	case PhaseFinalQuery:
		return "final attribute query"
	}
	return "unknown"
}

// Request is the deadline budget assigned to one worker. Deadline and
// period are the same window, per the measurement design.
type Request struct {
	Runtime time.Duration
	Period  time.Duration
}

// Result is what a worker reports after it returns, inspected by the
// orchestrator once all workers are joined.
type Result struct {
	Index int
	Phase Phase
	Err   error
}

func (r Result) Failed() bool { return r.Err != nil }

// Env bundles the collaborators every worker shares. The orchestrator
// owns it and hands it to each worker at spawn time.
type Env struct {
	Sched    sched.Interface
	Barrier  *Barrier
	Shutdown *Shutdown
	Marker   *tracing.Marker

	// Now and Yield are split out so tests can drive the loop without
	// a deadline scheduler underneath.
	Now   func() time.Time
	Yield func()
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) yield() {
	if e.Yield != nil {
		e.Yield()
		return
	}
	e.Sched.Yield()
}

// Worker drives a single measured deadline task.
type Worker struct {
	Index int
	Req   Request

	env  *Env
	stat *Stat
	log  *logrus.Entry
}

func New(index int, req Request, env *Env) *Worker {
	return &Worker{
		Index: index,
		Req:   req,
		env:   env,
		stat:  NewStat(),
		log:   logging.GetWorkerLogger().WithField("worker", index),
	}
}

func (w *Worker) Stat() *Stat { return w.stat }

// Run executes the four-phase startup protocol and the steady-state
// measurement loop. It must run on its own goroutine; the goroutine is
// wired to an OS thread for the whole run because scheduling attributes
// are per-thread state.
func (w *Worker) Run() Result {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tid := sched.Gettid()
	w.stat.SetTID(tid)
	w.log = w.log.WithField("tid", tid)
	w.log.Debug("Deadline thread starting")

	// Phase 0: prove we can read our own attributes before anyone
	// commits a policy change.
	if _, err := w.env.Sched.GetAttr(); err != nil {
		w.env.Shutdown.Set()
		w.env.Barrier.Await(RendezvousQueried)
		return Result{Index: w.Index, Phase: PhaseQuery, Err: err}
	}
	w.env.Barrier.Await(RendezvousQueried)
	if w.env.Shutdown.IsSet() {
		return Result{Index: w.Index, Phase: PhaseQuery, Err: ErrSibling}
	}

	// Phase 1: compute the target attributes. Committing waits for the
	// next rendezvous so no worker is elevated while a sibling still
	// runs under the default policy.
	attr := sched.Attr{
		Policy:   sched.PolicyDeadline,
		Runtime:  uint64(w.Req.Runtime.Nanoseconds()),
		Deadline: uint64(w.Req.Period.Nanoseconds()),
		Period:   uint64(w.Req.Period.Nanoseconds()),
	}
	w.log.WithFields(logrus.Fields{
		"runtime_us":  w.Req.Runtime.Microseconds(),
		"deadline_us": w.Req.Period.Microseconds(),
	}).Info("Deadline budget computed")
	w.env.Barrier.Await(RendezvousComputed)

	// Phase 2: one atomic syscall switches the thread to the deadline
	// policy.
	if err := w.env.Sched.SetAttr(attr); err != nil {
		w.env.Shutdown.Set()
		w.env.Barrier.Await(RendezvousElevated)
		return Result{Index: w.Index, Phase: PhaseElevate, Err: err}
	}
	w.env.Barrier.Await(RendezvousElevated)
	if w.env.Shutdown.IsSet() {
		return Result{Index: w.Index, Phase: PhaseElevate, Err: ErrSibling}
	}

	// Phase 3: align to the next period boundary, then self-pace.
	w.env.yield()
	period := w.env.now()
	for !w.env.Shutdown.IsSet() {
		period = w.doCycle(period)
		w.env.yield()
	}

	// Diagnostic only: statistics already collected stay valid.
	if _, err := w.env.Sched.GetAttr(); err != nil {
		w.log.WithError(err).Warn("Failed to re-query attributes at shutdown")
		return Result{Index: w.Index, Phase: PhaseFinalQuery, Err: err}
	}
	return Result{Index: w.Index}
}

// doCycle records the latency of the activation that just happened and
// returns the start of the next period. A wakeup before the intended
// period start means another deadline task pushed our activation early;
// the period is rebased to now so the skew cannot turn into a negative
// latency or cascade into later cycles.
func (w *Worker) doCycle(period time.Time) time.Time {
	now := w.env.now()
	next := period.Add(w.Req.Period)

	if now.Before(period) {
		delta := period.Sub(now)
		huge := ""
		if delta > w.Req.Period/2 {
			huge = " HUGE ADJUSTMENT"
		}
		w.env.Marker.Write("Adjusting period: now: %d period: %d delta:%d%s\n",
			now.UnixNano(), period.UnixNano(), delta.Nanoseconds(), huge)
		period = now
		next = now.Add(w.Req.Period)
	}

	lat := now.Sub(period)
	w.env.Marker.Write("start at %d off=%d (period=%d next=%d)\n",
		now.UnixNano(), lat.Nanoseconds(), period.UnixNano(), next.UnixNano())
	w.stat.record(lat)

	return next
}

// Calibrate runs one measurement cycle under the current (non-deadline)
// policy and returns how long it took. The orchestrator compares this
// against the proposed runtime budget before any thread is elevated.
func Calibrate(req Request, env *Env) time.Duration {
	scratch := &Worker{Req: req, env: env, stat: NewStat()}
	start := env.now()
	scratch.doCycle(start)
	return env.now().Sub(start)
}

// ErrSibling marks workers that exited early because another worker
// failed, as opposed to the worker that caused the abort.
var ErrSibling = errors.New("a sibling worker failed")
