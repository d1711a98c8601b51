// Package host probes the machine once at startup and caches what the
// benchmark needs to know about it.
package host

import (
	"os"
	"runtime"
	"strings"
	"sync"

	"deadline-bench/internal/cpuset"
	"deadline-bench/internal/logging"
)

const presentPath = "/sys/devices/system/cpu/present"

var (
	cpuCount     int
	cpuCountOnce sync.Once
)

// CPUCount returns the number of CPUs configured on this machine,
// including offline ones, since cpuset membership is expressed against
// the full range. Falls back to the runtime's view when sysfs is not
// readable.
func CPUCount() int {
	cpuCountOnce.Do(func() {
		cpuCount = probeCPUCount()
	})
	return cpuCount
}

func probeCPUCount() int {
	logger := logging.GetLogger()

	data, err := os.ReadFile(presentPath)
	if err == nil {
		set, perr := cpuset.Parse(strings.TrimSpace(string(data)))
		if perr == nil {
			highest := 0
			for _, r := range set.Ranges() {
				if r.End > highest {
					highest = r.End
				}
			}
			return highest + 1
		}
		err = perr
	}

	logger.WithError(err).WithField("path", presentPath).
		Warn("Failed to read present CPUs, using runtime CPU count")
	return runtime.NumCPU()
}
