package tracing

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"deadline-bench/internal/logging"
)

var hrtickOnce sync.Once
var hrtickErr error

// EnableHRTick makes sure the scheduler's high-resolution tick is active
// for deadline tasks. Runtimes below the tick granularity cannot be
// enforced without it. The toggle is attempted once per process.
func EnableHRTick() error {
	hrtickOnce.Do(func() {
		hrtickErr = enableHRTick()
	})
	return hrtickErr
}

func enableHRTick() error {
	path, err := schedFeaturesPath()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sched features: %w", err)
	}
	features := string(data)

	// Newer kernels gate deadline hrtick separately.
	switch {
	case strings.Contains(features, "NO_HRTICK_DL"):
		return writeFeature(path, "HRTICK_DL")
	case strings.Contains(features, "HRTICK_DL"):
		return nil
	case strings.Contains(features, "NO_HRTICK"):
		return writeFeature(path, "HRTICK")
	case strings.Contains(features, "HRTICK"):
		return nil
	}
	return fmt.Errorf("HRTICK not supported by %s", path)
}

func schedFeaturesPath() (string, error) {
	debugfs := FindDebugfs()
	if debugfs == "" {
		return "", fmt.Errorf("debugfs is not mounted")
	}
	for _, p := range []string{
		filepath.Join(debugfs, "sched", "features"),
		filepath.Join(debugfs, "sched_features"),
	} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("sched features file not found under %s", debugfs)
}

func writeFeature(path, feature string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open sched features: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(feature); err != nil {
		return fmt.Errorf("enable %s: %w", feature, err)
	}
	logging.GetLogger().WithField("feature", feature).Debug("Enabled scheduler feature")
	return nil
}
