// Package bench runs the measurement: it computes the per-thread
// deadline budgets, proves they are feasible, partitions the machine,
// drives the workers through their startup protocol, and reports.
package bench

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"deadline-bench/internal/config"
	"deadline-bench/internal/cpuset"
	"deadline-bench/internal/host"
	"deadline-bench/internal/isolation"
	"deadline-bench/internal/logging"
	"deadline-bench/internal/sched"
	"deadline-bench/internal/tracing"
	"deadline-bench/internal/worker"
	"github.com/sirupsen/logrus"
)

// hrtickThreshold is the shortest runtime the scheduler can enforce
// without the high-resolution tick.
const hrtickThreshold = 2 * time.Millisecond

const displayInterval = 10 * time.Millisecond

// Runner orchestrates one measurement run.
type Runner struct {
	cfg    config.RunConfig
	logger *logrus.Logger
	out    io.Writer

	// Collaborators, replaceable in tests.
	scheduler    sched.Interface
	backend      isolation.Backend
	cpuCount     int
	enableHRTick func() error
	lockMemory   func() error
	notifySigs   bool
	yield        func()
	now          func() time.Time

	shutdown *worker.Shutdown
}

func New(cfg config.RunConfig) *Runner {
	return &Runner{
		cfg:          cfg,
		logger:       logging.GetLogger(),
		out:          os.Stdout,
		scheduler:    sched.Linux{},
		backend:      isolation.CgroupFS{},
		cpuCount:     host.CPUCount(),
		enableHRTick: tracing.EnableHRTick,
		lockMemory: func() error {
			return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
		},
		notifySigs: true,
		shutdown:   worker.NewShutdown(),
	}
}

// affinity resolves the configured CPU list into the workload set, its
// complement, and the number of CPUs the workload may use. A set
// covering the whole machine collapses into whole-machine mode.
type affinity struct {
	allCPUs  bool
	nrCPUs   int
	workload string
	rest     string
}

func (r *Runner) resolveAffinity() (affinity, error) {
	if r.cfg.AllCPUs && r.cfg.Affinity == "" {
		return affinity{allCPUs: true, nrCPUs: r.cpuCount}, nil
	}

	var set *cpuset.Set
	if r.cfg.Affinity == "" {
		// Default to the single highest-numbered CPU.
		set = cpuset.Single(r.cpuCount - 1)
	} else {
		parsed, err := cpuset.Parse(r.cfg.Affinity)
		if err != nil {
			return affinity{}, fmt.Errorf("invalid cpu input %q: %w", r.cfg.Affinity, err)
		}
		set = parsed
	}

	nrCPUs, err := set.Count(r.cpuCount)
	if err != nil {
		return affinity{}, fmt.Errorf("invalid cpu input %q: %w", r.cfg.Affinity, err)
	}
	if set.Covers(r.cpuCount) {
		r.logger.Info("Using all CPUs")
		return affinity{allCPUs: true, nrCPUs: r.cpuCount}, nil
	}

	return affinity{
		nrCPUs:   nrCPUs,
		workload: set.String(),
		rest:     set.Complement(r.cpuCount).String(),
	}, nil
}

// Run executes the whole measurement and blocks until it finishes.
func (r *Runner) Run() error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}

	aff, err := r.resolveAffinity()
	if err != nil {
		return err
	}

	threads := r.cfg.Threads
	reqs := ComputeRequests(threads, aff.nrCPUs, r.cfg.Interval, r.cfg.Step)

	marker := tracing.OpenMarker()
	defer marker.Close()

	env := &worker.Env{
		Sched:    r.scheduler,
		Barrier:  worker.NewBarrier(threads + 1),
		Shutdown: r.shutdown,
		Marker:   marker,
		Now:      r.now,
		Yield:    r.yield,
	}

	// Feasibility: every budget must survive one measurement cycle
	// under the default policy before any thread is elevated.
	for i, req := range reqs {
		if req.Runtime < hrtickThreshold {
			if err := r.enableHRTick(); err != nil {
				return fmt.Errorf("runtimes below %v need the scheduler's high-resolution tick: %w",
					hrtickThreshold, err)
			}
		}
		elapsed := worker.Calibrate(req, env)
		if elapsed > req.Runtime {
			return fmt.Errorf("thread %d cannot meet its budget: one cycle took %v of a %v runtime",
				i, elapsed, req.Runtime)
		}
		r.logger.WithFields(logrus.Fields{
			"thread":     i,
			"tested_us":  elapsed.Microseconds(),
			"runtime_us": req.Runtime.Microseconds(),
			"period_us":  req.Period.Microseconds(),
		}).Info("Budget verified")
	}

	// Page-fault jitter would show up as latency, so pin everything
	// resident before timing-sensitive work begins.
	if err := r.lockMemory(); err != nil {
		r.logger.WithError(err).Warn("mlockall failed")
	}

	ctrl := isolation.NewController(r.backend)
	defer ctrl.Teardown()

	workers := make([]*worker.Worker, threads)
	results := make([]worker.Result, threads)
	var wg sync.WaitGroup
	for i := range workers {
		workers[i] = worker.New(i, reqs[i], env)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = workers[i].Run()
		}(i)
	}

	join := func() {
		r.shutdown.Set()
		wg.Wait()
	}

	env.Barrier.Await(worker.RendezvousQueried)
	if r.shutdown.IsSet() {
		join()
		return startupError(results)
	}

	env.Barrier.Await(worker.RendezvousComputed)

	env.Barrier.Await(worker.RendezvousElevated)
	if r.shutdown.IsSet() {
		join()
		return startupError(results)
	}

	// All workers run under the deadline policy now and their thread
	// IDs are stable, so the partitions can be populated.
	if !aff.allCPUs {
		tids := make([]int, threads)
		for i, w := range workers {
			tids[i] = w.Stat().TID()
		}
		if err := r.createDomains(ctrl, aff, tids); err != nil {
			join()
			return err
		}
	}

	r.installStopTriggers()

	r.displayLoop(workers)

	wg.Wait()
	for _, res := range results {
		if res.Failed() {
			r.logger.WithError(res.Err).WithFields(logrus.Fields{
				"worker": res.Index,
				"phase":  res.Phase.String(),
			}).Warn("Worker reported a failure")
		}
	}

	if r.cfg.JSONFile != "" {
		if err := WriteReport(r.cfg.JSONFile, BuildReport(r.cfg, workers)); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		r.logger.WithField("path", r.cfg.JSONFile).Info("Wrote final report")
	}
	return nil
}

func (r *Runner) createDomains(ctrl *isolation.Controller, aff affinity, tids []int) error {
	if err := ctrl.EnsureMount(); err != nil {
		return fmt.Errorf("mount cpuset hierarchy: %w", err)
	}

	balance := true
	if err := ctrl.Create(isolation.Config{
		Name:          isolation.SystemDomain,
		CPUs:          aff.rest,
		Mems:          "0",
		LoadBalance:   &balance,
		CloneChildren: true,
		AdoptAll:      true,
	}); err != nil {
		return err
	}

	return ctrl.Create(isolation.Config{
		Name:          isolation.WorkloadDomain,
		CPUs:          aff.workload,
		Mems:          "0",
		CPUExclusive:  true,
		LoadBalance:   &balance,
		CloneChildren: true,
		Tasks:         tids,
	})
}

// installStopTriggers arms everything that may end the run: interrupt
// and termination signals, and the optional duration timer. All of them
// funnel into the one shutdown flag.
func (r *Runner) installStopTriggers() {
	if r.notifySigs {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigs
			r.shutdown.Set()
		}()
	}
	if r.cfg.Duration > 0 {
		time.AfterFunc(r.cfg.Duration, r.shutdown.Set)
	}
}

// startupError summarizes which phase the startup protocol died in,
// naming the worker that caused the abort rather than a sibling that
// merely observed it.
func startupError(results []worker.Result) error {
	for _, res := range results {
		if res.Failed() && !errors.Is(res.Err, worker.ErrSibling) {
			return fmt.Errorf("worker %d failed during %s: %w", res.Index, res.Phase, res.Err)
		}
	}
	for _, res := range results {
		if res.Failed() {
			return fmt.Errorf("worker %d failed during %s: %w", res.Index, res.Phase, res.Err)
		}
	}
	return fmt.Errorf("failed to set up deadline threads")
}
