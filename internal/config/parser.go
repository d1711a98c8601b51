package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"deadline-bench/internal/logging"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors RunConfig with string durations so YAML files can
// say "30s" or the historical bare-number-with-suffix form.
type fileConfig struct {
	Affinity *string `yaml:"affinity"`
	AllCPUs  *bool   `yaml:"all_cpus"`
	Duration *string `yaml:"duration"`
	Interval *int    `yaml:"interval_us"`
	Step     *int    `yaml:"step_us"`
	Threads  *int    `yaml:"threads"`
	Quiet    *bool   `yaml:"quiet"`
	Nsecs    *bool   `yaml:"nsecs"`
	JSONFile *string `yaml:"json"`
}

// LoadFile reads a YAML run description into cfg. Environment variable
// references of the form ${NAME} are expanded before parsing. Only keys
// present in the file are applied.
func LoadFile(path string, cfg *RunConfig) error {
	logger := logging.GetLogger()

	data, err := os.ReadFile(path)
	if err != nil {
		logger.WithField("filepath", path).WithError(err).Error("Failed to read config file")
		return err
	}

	expanded := expandEnvVars(string(data))

	var fc fileConfig
	if err := yaml.Unmarshal([]byte(expanded), &fc); err != nil {
		logger.WithField("filepath", path).WithError(err).Error("Failed to parse config file")
		return err
	}

	if fc.Affinity != nil {
		cfg.Affinity = *fc.Affinity
	}
	if fc.AllCPUs != nil {
		cfg.AllCPUs = *fc.AllCPUs
	}
	if fc.Duration != nil {
		d, err := ParseDuration(*fc.Duration)
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		cfg.Duration = d
	}
	if fc.Interval != nil {
		cfg.Interval = time.Duration(*fc.Interval) * time.Microsecond
	}
	if fc.Step != nil {
		cfg.Step = time.Duration(*fc.Step) * time.Microsecond
	}
	if fc.Threads != nil {
		cfg.Threads = *fc.Threads
	}
	if fc.Quiet != nil {
		cfg.Quiet = *fc.Quiet
	}
	if fc.Nsecs != nil {
		cfg.Nsecs = *fc.Nsecs
	}
	if fc.JSONFile != nil {
		cfg.JSONFile = *fc.JSONFile
	}
	return nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

// ParseDuration accepts Go duration syntax ("90s", "2m30s") as well as
// the historical forms: a bare number of seconds, or a number suffixed
// with m, h, or d.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}

	if len(s) > 1 {
		if n, err := strconv.Atoi(s[:len(s)-1]); err == nil {
			switch s[len(s)-1] {
			case 'm':
				return time.Duration(n) * time.Minute, nil
			case 'h':
				return time.Duration(n) * time.Hour, nil
			case 'd':
				return time.Duration(n) * 24 * time.Hour, nil
			}
		}
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: negative", s)
	}
	return d, nil
}
