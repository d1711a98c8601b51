// Package isolation manages the cpuset partitions that fence the
// measured deadline threads off from the rest of the system. A
// Controller drives domain lifecycle through a Backend so tests can
// exercise the retry and teardown logic against a fake filesystem.
package isolation

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	cgroupRoot = "/sys/fs/cgroup"
	cpusetRoot = cgroupRoot + "/cpuset"
)

// Backend is the resource-control filesystem surface the Controller
// drives. Domain "" addresses the hierarchy root.
type Backend interface {
	// EnsureMount idempotently mounts the cpuset hierarchy.
	EnsureMount() error
	// CreateDomain creates the named partition directory if absent.
	CreateDomain(name string) error
	// WriteControl writes one short value into a partition control file.
	WriteControl(name, file, value string) error
	// ReadTasks lists the thread IDs currently in the partition.
	ReadTasks(name string) ([]int, error)
	// RemoveDomain removes the partition directory.
	RemoveDomain(name string) error
}

// CgroupFS is the real Backend over /sys/fs/cgroup/cpuset.
type CgroupFS struct{}

func (CgroupFS) EnsureMount() error {
	mounted, err := isMounted(cgroupRoot, unix.TMPFS_MAGIC)
	if err != nil {
		return fmt.Errorf("stat %s: %w", cgroupRoot, err)
	}
	if !mounted {
		if err := unix.Mount("cgroup_root", cgroupRoot, "tmpfs", 0, ""); err != nil {
			return fmt.Errorf("mount %s: %w", cgroupRoot, err)
		}
	}

	if _, err := os.Stat(cpusetRoot); err != nil {
		if err := os.Mkdir(cpusetRoot, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", cpusetRoot, err)
		}
	}
	mounted, err = isMounted(cpusetRoot, unix.CGROUP_SUPER_MAGIC)
	if err != nil {
		return fmt.Errorf("stat %s: %w", cpusetRoot, err)
	}
	if !mounted {
		if err := unix.Mount("cpuset", cpusetRoot, "cgroup", 0, "cpuset"); err != nil {
			return fmt.Errorf("mount %s: %w", cpusetRoot, err)
		}
	}
	return nil
}

func isMounted(path string, magic int64) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, err
	}
	return int64(st.Type) == magic, nil
}

func (CgroupFS) CreateDomain(name string) error {
	path := filepath.Join(cpusetRoot, name)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.Mkdir(path, 0o755)
}

func (CgroupFS) WriteControl(name, file, value string) error {
	path := filepath.Join(cpusetRoot, name, file)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(value)
	return err
}

func (CgroupFS) ReadTasks(name string) ([]int, error) {
	data, err := os.ReadFile(filepath.Join(cpusetRoot, name, "tasks"))
	if err != nil {
		return nil, err
	}
	var tids []int
	for _, field := range strings.Fields(string(data)) {
		tid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

func (CgroupFS) RemoveDomain(name string) error {
	return os.Remove(filepath.Join(cpusetRoot, name))
}
