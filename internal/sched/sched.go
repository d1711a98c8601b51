// Package sched wraps the Linux scheduling syscalls the benchmark needs:
// per-thread attribute query/commit and the voluntary yield that paces
// each deadline period.
package sched

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Scheduling policies, as defined by the kernel.
const (
	PolicyNormal   uint32 = 0
	PolicyFIFO     uint32 = 1
	PolicyRR       uint32 = 2
	PolicyBatch    uint32 = 3
	PolicyIdle     uint32 = 5
	PolicyDeadline uint32 = 6
)

// Attr carries the scheduling attributes of one thread. Runtime,
// Deadline and Period are in nanoseconds, matching sched_setattr(2).
type Attr struct {
	Policy   uint32
	Flags    uint64
	Runtime  uint64
	Deadline uint64
	Period   uint64
}

// Interface is the scheduler surface the workers drive. The real
// implementation commits syscalls against the calling thread; tests
// install a fake so the startup protocol can run without privileges.
type Interface interface {
	// GetAttr queries the scheduling attributes of the calling thread.
	GetAttr() (Attr, error)
	// SetAttr atomically commits new scheduling attributes on the
	// calling thread.
	SetAttr(attr Attr) error
	// Yield cedes the processor until the thread's next activation.
	Yield()
}

// Linux implements Interface with the real syscalls.
type Linux struct{}

func (Linux) GetAttr() (Attr, error) {
	raw, err := unix.SchedGetAttr(0, 0)
	if err != nil {
		return Attr{}, fmt.Errorf("sched_getattr: %w", err)
	}
	return Attr{
		Policy:   raw.Policy,
		Flags:    raw.Flags,
		Runtime:  raw.Runtime,
		Deadline: raw.Deadline,
		Period:   raw.Period,
	}, nil
}

func (Linux) SetAttr(attr Attr) error {
	raw := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   attr.Policy,
		Flags:    attr.Flags,
		Runtime:  attr.Runtime,
		Deadline: attr.Deadline,
		Period:   attr.Period,
	}
	if err := unix.SchedSetAttr(0, &raw, 0); err != nil {
		return fmt.Errorf("sched_setattr: %w", err)
	}
	return nil
}

func (Linux) Yield() {
	unix.Syscall(unix.SYS_SCHED_YIELD, 0, 0, 0)
}

// Gettid returns the caller's kernel thread ID.
func Gettid() int {
	return unix.Gettid()
}
