package isolation

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"deadline-bench/internal/logging"
	"github.com/sirupsen/logrus"
)

// Domain names used by the benchmark: one partition for everything else
// on the machine, one exclusive partition for the measured threads.
const (
	SystemDomain   = "deadline_bench_all"
	WorkloadDomain = "deadline_bench"
)

const (
	removeRetries = 5
	settleDelay   = time.Second
)

// Config enumerates everything a partition can be created with.
type Config struct {
	Name          string
	CPUs          string
	Mems          string
	CPUExclusive  bool
	LoadBalance   *bool // nil leaves the flag untouched
	CloneChildren bool
	Tasks         []int // explicit thread IDs to move in
	AdoptAll      bool  // move every task out of the root partition
}

// Controller creates and tears down the benchmark's cpuset partitions.
// Create is fatal on any write failure: a partially configured partition
// would silently corrupt measurement isolation. Teardown is best-effort
// and runs exactly once.
type Controller struct {
	backend Backend
	logger  *logrus.Logger

	settle  time.Duration
	retries int

	mu       sync.Mutex
	created  []string
	tornDown bool
}

func NewController(backend Backend) *Controller {
	return &Controller{
		backend: backend,
		logger:  logging.GetLogger(),
		settle:  settleDelay,
		retries: removeRetries,
	}
}

// EnsureMount mounts the cpuset hierarchy and switches the root
// partition to exclusive, non-load-balanced operation so child
// partitions may own CPUs outright.
func (c *Controller) EnsureMount() error {
	if err := c.backend.EnsureMount(); err != nil {
		return err
	}
	if err := c.backend.WriteControl("", "cpuset.cpu_exclusive", "1"); err != nil {
		return fmt.Errorf("mark root exclusive: %w", err)
	}
	if err := c.backend.WriteControl("", "cpuset.sched_load_balance", "0"); err != nil {
		return fmt.Errorf("disable root load balancing: %w", err)
	}
	return nil
}

// Create builds one partition and moves its members in.
func (c *Controller) Create(cfg Config) error {
	c.logger.WithFields(logrus.Fields{
		"domain": cfg.Name,
		"cpus":   cfg.CPUs,
	}).Info("Creating cpuset domain")

	if err := c.backend.CreateDomain(cfg.Name); err != nil {
		return fmt.Errorf("create domain %s: %w", cfg.Name, err)
	}
	c.mu.Lock()
	c.created = append(c.created, cfg.Name)
	c.mu.Unlock()

	if err := c.backend.WriteControl(cfg.Name, "cpuset.cpus", cfg.CPUs); err != nil {
		return fmt.Errorf("write cpus of %s: %w", cfg.Name, err)
	}
	if cfg.Mems != "" {
		if err := c.backend.WriteControl(cfg.Name, "cpuset.mems", cfg.Mems); err != nil {
			return fmt.Errorf("write mems of %s: %w", cfg.Name, err)
		}
	}
	if cfg.CPUExclusive {
		if err := c.backend.WriteControl(cfg.Name, "cpuset.cpu_exclusive", "1"); err != nil {
			return fmt.Errorf("write cpu_exclusive of %s: %w", cfg.Name, err)
		}
	}
	if cfg.LoadBalance != nil {
		val := "0"
		if *cfg.LoadBalance {
			val = "1"
		}
		if err := c.backend.WriteControl(cfg.Name, "cpuset.sched_load_balance", val); err != nil {
			return fmt.Errorf("write sched_load_balance of %s: %w", cfg.Name, err)
		}
	}
	if cfg.CloneChildren {
		if err := c.backend.WriteControl(cfg.Name, "cgroup.clone_children", "1"); err != nil {
			return fmt.Errorf("write clone_children of %s: %w", cfg.Name, err)
		}
	}

	if cfg.AdoptAll {
		if err := c.adoptAllTasks(cfg.Name); err != nil {
			return err
		}
	}
	for _, tid := range cfg.Tasks {
		if err := c.backend.WriteControl(cfg.Name, "tasks", strconv.Itoa(tid)); err != nil {
			return fmt.Errorf("move task %d into %s: %w", tid, cfg.Name, err)
		}
	}
	return nil
}

// adoptAllTasks moves every task out of the root partition. Tasks come
// and go while we enumerate, so individual write failures are tolerated.
// ENOSPC is not a race, it means the partition cannot accept tasks.
func (c *Controller) adoptAllTasks(name string) error {
	tids, err := c.backend.ReadTasks("")
	if err != nil {
		return fmt.Errorf("enumerate root tasks: %w", err)
	}
	for _, tid := range tids {
		err := c.backend.WriteControl(name, "tasks", strconv.Itoa(tid))
		if err != nil && errors.Is(err, unix.ENOSPC) {
			return fmt.Errorf("move task %d into %s: %w", tid, name, err)
		}
	}
	return nil
}

// Destroy drains a partition back into the root and removes it. The
// kernel keeps task accounting alive briefly after the last task
// leaves, so removal is retried a bounded number of times with the
// paths re-derived fresh on every attempt.
func (c *Controller) Destroy(name string) error {
	log := c.logger.WithField("domain", name)
	log.Info("Removing cpuset domain")

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if err := c.drainTasks(name); err != nil {
			return err
		}
		time.Sleep(c.settle)

		lastErr = c.backend.RemoveDomain(name)
		if lastErr == nil {
			return nil
		}
		if attempt < c.retries {
			log.WithError(lastErr).WithField("attempt", attempt).Warn("Domain removal failed, trying again")
		}
	}
	return fmt.Errorf("remove domain %s: %w", name, lastErr)
}

func (c *Controller) drainTasks(name string) error {
	tids, err := c.backend.ReadTasks(name)
	if err != nil {
		return fmt.Errorf("enumerate tasks of %s: %w", name, err)
	}
	for _, tid := range tids {
		c.logger.WithFields(logrus.Fields{"domain": name, "tid": tid}).Debug("Moving task back to root")
		// Best effort: the task may already be gone.
		_ = c.backend.WriteControl("", "tasks", strconv.Itoa(tid))
	}
	return nil
}

// Teardown restores the root partition flags and destroys every domain
// this controller created. It is safe to call from any exit path and is
// a no-op after the first call.
func (c *Controller) Teardown() {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.tornDown = true
	created := append([]string(nil), c.created...)
	c.mu.Unlock()

	if len(created) == 0 {
		return
	}

	// Best effort: never block exit on a half-dead hierarchy.
	_ = c.backend.WriteControl("", "cpuset.cpu_exclusive", "0")
	_ = c.backend.WriteControl("", "cpuset.sched_load_balance", "1")

	for i := len(created) - 1; i >= 0; i-- {
		if err := c.Destroy(created[i]); err != nil {
			c.logger.WithError(err).WithField("domain", created[i]).Error("Failed to remove cpuset domain")
		}
	}
}
