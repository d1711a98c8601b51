package cmd

import (
	"fmt"
	"os"
	"time"

	"deadline-bench/internal/bench"
	"deadline-bench/internal/config"
	"deadline-bench/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const Version = "1.0.0"

// Execute wires up the CLI and runs it.
func Execute() error {
	logger := logging.GetLogger()

	// Local overrides for things like BENCH_CPUS in config files.
	if err := godotenv.Load(); err == nil {
		logger.Debug("Loaded environment from .env")
	}

	var (
		logLevel   string
		configFile string

		affinity string
		duration string
		interval int
		step     int
		threads  int
		quiet    bool
		nsecs    bool
		jsonFile string
	)

	buildConfig := func(cmd *cobra.Command) (config.RunConfig, error) {
		cfg := config.Default()
		if configFile != "" {
			if err := config.LoadFile(configFile, &cfg); err != nil {
				return cfg, err
			}
		}

		flags := cmd.Flags()
		if flags.Changed("affinity") {
			cfg.Affinity = affinity
		}
		if flags.Changed("duration") {
			d, err := config.ParseDuration(duration)
			if err != nil {
				return cfg, err
			}
			cfg.Duration = d
		}
		if flags.Changed("interval") {
			cfg.Interval = time.Duration(interval) * time.Microsecond
		}
		if flags.Changed("step") {
			cfg.Step = time.Duration(step) * time.Microsecond
		}
		if flags.Changed("threads") {
			cfg.Threads = threads
		}
		if flags.Changed("quiet") {
			cfg.Quiet = quiet
		}
		if flags.Changed("nsecs") {
			cfg.Nsecs = nsecs
		}
		if flags.Changed("json") {
			cfg.JSONFile = jsonFile
		}

		// No explicit CPU list anywhere means the run may use the
		// whole machine with no partitioning.
		if cfg.Affinity == "" && configFile == "" {
			cfg.AllCPUs = true
		}
		return cfg, cfg.Validate()
	}

	rootCmd := &cobra.Command{
		Use:     "deadline-bench",
		Short:   "Measure scheduling latency of SCHED_DEADLINE threads",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				return logging.SetLogLevel(logLevel)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a deadline latency measurement",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd)
			if err != nil {
				return err
			}
			return bench.New(cfg).Run()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a run configuration without starting threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "configuration valid: %d thread(s), interval %v, step %v\n",
				cfg.Threads, cfg.Interval, cfg.Step)
			return nil
		},
	}

	for _, c := range []*cobra.Command{runCmd, validateCmd} {
		c.Flags().StringVarP(&configFile, "config", "c", "", "Path to a YAML run description")
		c.Flags().StringVarP(&affinity, "affinity", "a", "", "Comma/hyphen separated list of CPUs for the deadline tasks (empty: all CPUs)")
		c.Flags().StringVarP(&duration, "duration", "D", "", "Length of the test run (30, 90s, 5m, 2h, 1d)")
		c.Flags().IntVarP(&interval, "interval", "i", int(config.DefaultInterval.Microseconds()), "Shortest task deadline in us")
		c.Flags().IntVarP(&step, "step", "s", int(config.DefaultStep.Microseconds()), "Deadline increase per task in us")
		c.Flags().IntVarP(&threads, "threads", "t", config.DefaultThreads, "Number of deadline threads")
		c.Flags().BoolVarP(&quiet, "quiet", "q", false, "Print a summary only on exit")
		c.Flags().BoolVar(&nsecs, "nsecs", false, "Report latencies in nanoseconds")
		c.Flags().StringVar(&jsonFile, "json", "", "Write final results into FILENAME, JSON formatted")
	}

	rootCmd.AddCommand(runCmd, validateCmd)
	return rootCmd.Execute()
}
