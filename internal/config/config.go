// Package config holds the run description: where the deadline threads
// may live, how many there are, and how their periods are laid out.
// A run can be described by flags alone or by a YAML file with flag
// overrides on top.
package config

import (
	"fmt"
	"time"

	"deadline-bench/internal/cpuset"
)

// Defaults matching the historical tool behavior.
const (
	DefaultInterval = 1000 * time.Microsecond
	DefaultStep     = 500 * time.Microsecond
	DefaultThreads  = 1
)

// RunConfig is the fully-resolved configuration of one measurement run.
type RunConfig struct {
	// Affinity is the textual CPU list the deadline threads are pinned
	// to. Empty means whole-machine mode when AllCPUs is set, otherwise
	// the highest-numbered CPU.
	Affinity string
	// AllCPUs runs the measured threads across every CPU with no
	// partitioning.
	AllCPUs bool

	// Duration bounds the run; zero means run until interrupted.
	Duration time.Duration
	// Interval is the shortest period/deadline handed out.
	Interval time.Duration
	// Step is added to the period for each subsequent thread.
	Step time.Duration

	Threads int
	Quiet   bool
	// Nsecs reports latencies in nanoseconds instead of microseconds.
	Nsecs bool

	// JSONFile, when set, receives the structured final report.
	JSONFile string
}

func Default() RunConfig {
	return RunConfig{
		Interval: DefaultInterval,
		Step:     DefaultStep,
		Threads:  DefaultThreads,
	}
}

// Validate rejects configurations that cannot produce a meaningful
// measurement. Affinity syntax is checked here so a bad CPU list fails
// before any thread is spawned.
func (c *RunConfig) Validate() error {
	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1, got %d", c.Threads)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", c.Interval)
	}
	if c.Step < 0 {
		return fmt.Errorf("step must not be negative, got %v", c.Step)
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration must not be negative, got %v", c.Duration)
	}
	if c.Affinity != "" {
		if _, err := cpuset.Parse(c.Affinity); err != nil {
			return fmt.Errorf("invalid affinity %q: %w", c.Affinity, err)
		}
	}
	return nil
}

// Resolution returns the unit latencies are reported in.
func (c *RunConfig) Resolution() time.Duration {
	if c.Nsecs {
		return time.Nanosecond
	}
	return time.Microsecond
}
