// Package tracing locates debugfs and provides the trace-marker sink and
// the HRTICK scheduler-feature toggle. Everything here is best-effort
// debug instrumentation around the measurement core.
package tracing

import (
	"bufio"
	"os"
	"strings"
	"sync"
)

const mountsPath = "/proc/mounts"

var (
	debugfsOnce sync.Once
	debugfsPath string
)

// FindDebugfs returns the debugfs mount point, or "" when debugfs is not
// mounted. The result is cached for the life of the process.
func FindDebugfs() string {
	debugfsOnce.Do(func() {
		debugfsPath = findMount("debugfs")
	})
	return debugfsPath
}

func findMount(fstype string) string {
	f, err := os.Open(mountsPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 3 && fields[2] == fstype {
			return fields[1]
		}
	}
	return ""
}
