package isolation

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

// fakeBackend records every control write and lets tests inject failures.
type fakeBackend struct {
	mountErr   error
	writeErr   map[string]error // "name/file" -> err
	removeErrs []error          // consumed per RemoveDomain call
	tasks      map[string][]int

	domains        []string
	writes         []string // "name/file=value"
	removeAttempts int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		writeErr: make(map[string]error),
		tasks:    make(map[string][]int),
	}
}

func (f *fakeBackend) EnsureMount() error { return f.mountErr }

func (f *fakeBackend) CreateDomain(name string) error {
	f.domains = append(f.domains, name)
	return nil
}

func (f *fakeBackend) WriteControl(name, file, value string) error {
	key := name + "/" + file
	if err := f.writeErr[key]; err != nil {
		return err
	}
	f.writes = append(f.writes, fmt.Sprintf("%s=%s", key, value))
	return nil
}

func (f *fakeBackend) ReadTasks(name string) ([]int, error) {
	return f.tasks[name], nil
}

func (f *fakeBackend) RemoveDomain(name string) error {
	f.removeAttempts++
	if len(f.removeErrs) > 0 {
		err := f.removeErrs[0]
		f.removeErrs = f.removeErrs[1:]
		return err
	}
	return nil
}

func newTestController(b Backend) *Controller {
	c := NewController(b)
	c.settle = 0
	return c
}

func (f *fakeBackend) wrote(prefix string) bool {
	for _, w := range f.writes {
		if strings.HasPrefix(w, prefix) {
			return true
		}
	}
	return false
}

func TestEnsureMountConfiguresRoot(t *testing.T) {
	fb := newFakeBackend()
	c := newTestController(fb)
	if err := c.EnsureMount(); err != nil {
		t.Fatalf("EnsureMount: %v", err)
	}
	if !fb.wrote("/cpuset.cpu_exclusive=1") {
		t.Fatal("root cpu_exclusive not set")
	}
	if !fb.wrote("/cpuset.sched_load_balance=0") {
		t.Fatal("root load balancing not disabled")
	}
}

func TestCreateWritesAllRequestedFlags(t *testing.T) {
	fb := newFakeBackend()
	c := newTestController(fb)

	lb := true
	err := c.Create(Config{
		Name:          WorkloadDomain,
		CPUs:          "2-3",
		Mems:          "0",
		CPUExclusive:  true,
		LoadBalance:   &lb,
		CloneChildren: true,
		Tasks:         []int{101, 102},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, want := range []string{
		WorkloadDomain + "/cpuset.cpus=2-3",
		WorkloadDomain + "/cpuset.mems=0",
		WorkloadDomain + "/cpuset.cpu_exclusive=1",
		WorkloadDomain + "/cpuset.sched_load_balance=1",
		WorkloadDomain + "/cgroup.clone_children=1",
		WorkloadDomain + "/tasks=101",
		WorkloadDomain + "/tasks=102",
	} {
		if !fb.wrote(want) {
			t.Fatalf("missing control write %q; got %v", want, fb.writes)
		}
	}
}

func TestCreateLeavesLoadBalanceUntouchedWhenNil(t *testing.T) {
	fb := newFakeBackend()
	c := newTestController(fb)
	if err := c.Create(Config{Name: SystemDomain, CPUs: "0-1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if fb.wrote(SystemDomain + "/cpuset.sched_load_balance") {
		t.Fatal("load balance file written despite nil config")
	}
}

func TestCreateFailsOnWriteError(t *testing.T) {
	fb := newFakeBackend()
	fb.writeErr[WorkloadDomain+"/cpuset.cpus"] = errors.New("write error")
	c := newTestController(fb)
	if err := c.Create(Config{Name: WorkloadDomain, CPUs: "2"}); err == nil {
		t.Fatal("Create should fail when a control write fails")
	}
}

func TestAdoptAllToleratesRacesButNotENOSPC(t *testing.T) {
	fb := newFakeBackend()
	fb.tasks[""] = []int{1, 2, 3}
	fb.writeErr[SystemDomain+"/tasks"] = unix.ESRCH // task exited mid-move
	c := newTestController(fb)
	if err := c.Create(Config{Name: SystemDomain, CPUs: "0-1", AdoptAll: true}); err != nil {
		t.Fatalf("transient migration race should be tolerated: %v", err)
	}

	fb = newFakeBackend()
	fb.tasks[""] = []int{1}
	fb.writeErr[SystemDomain+"/tasks"] = unix.ENOSPC
	c = newTestController(fb)
	if err := c.Create(Config{Name: SystemDomain, CPUs: "0-1", AdoptAll: true}); !errors.Is(err, unix.ENOSPC) {
		t.Fatalf("ENOSPC must escalate, got %v", err)
	}
}

func TestDestroyRetriesRemoval(t *testing.T) {
	fb := newFakeBackend()
	busy := errors.New("device or resource busy")
	fb.removeErrs = []error{busy, busy, busy, busy} // 5th attempt succeeds
	fb.tasks[WorkloadDomain] = []int{55}
	c := newTestController(fb)

	if err := c.Destroy(WorkloadDomain); err != nil {
		t.Fatalf("Destroy should succeed on the fifth attempt: %v", err)
	}
	if fb.removeAttempts != 5 {
		t.Fatalf("remove attempts = %d, want 5", fb.removeAttempts)
	}
	if !fb.wrote("/tasks=55") {
		t.Fatal("tasks not drained back to root")
	}
}

func TestDestroyGivesUpAfterRetriesExhausted(t *testing.T) {
	fb := newFakeBackend()
	busy := errors.New("busy")
	fb.removeErrs = []error{busy, busy, busy, busy, busy}
	c := newTestController(fb)

	if err := c.Destroy(WorkloadDomain); err == nil {
		t.Fatal("Destroy should report failure after exhausting retries")
	}
	if fb.removeAttempts != 5 {
		t.Fatalf("remove attempts = %d, want 5", fb.removeAttempts)
	}
}

func TestTeardownRunsOnceAndRestoresRoot(t *testing.T) {
	fb := newFakeBackend()
	c := newTestController(fb)
	if err := c.Create(Config{Name: SystemDomain, CPUs: "0-1"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Create(Config{Name: WorkloadDomain, CPUs: "2-3"}); err != nil {
		t.Fatal(err)
	}

	c.Teardown()
	if fb.removeAttempts != 2 {
		t.Fatalf("remove attempts after teardown = %d, want 2", fb.removeAttempts)
	}
	if !fb.wrote("/cpuset.cpu_exclusive=0") || !fb.wrote("/cpuset.sched_load_balance=1") {
		t.Fatal("root flags not restored")
	}

	c.Teardown()
	if fb.removeAttempts != 2 {
		t.Fatal("second teardown must be a no-op")
	}
}

func TestTeardownWithoutDomainsIsNoop(t *testing.T) {
	fb := newFakeBackend()
	c := newTestController(fb)
	c.Teardown()
	if len(fb.writes) != 0 || fb.removeAttempts != 0 {
		t.Fatal("teardown touched the filesystem despite no domains")
	}
}
