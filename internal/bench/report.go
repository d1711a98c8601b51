package bench

import (
	"encoding/json"
	"math"
	"os"
	"strconv"

	"deadline-bench/internal/config"
	"deadline-bench/internal/worker"
)

// ThreadReport is the per-thread block of the final report. Field names
// are stable; downstream tooling parses them.
type ThreadReport struct {
	Cycles uint64  `json:"cycles"`
	Min    int64   `json:"min"`
	Max    int64   `json:"max"`
	Avg    float64 `json:"avg"`
}

// Report is the structured run summary written at most once per run.
type Report struct {
	NumThreads     int                     `json:"num_threads"`
	ResolutionInNs int                     `json:"resolution_in_ns"`
	Thread         map[string]ThreadReport `json:"thread"`
}

func BuildReport(cfg config.RunConfig, workers []*worker.Worker) Report {
	resolution := 0
	if cfg.Nsecs {
		resolution = 1
	}
	unit := cfg.Resolution()

	rep := Report{
		NumThreads:     len(workers),
		ResolutionInNs: resolution,
		Thread:         make(map[string]ThreadReport, len(workers)),
	}
	for i, w := range workers {
		stat := w.Stat()
		rep.Thread[strconv.Itoa(i)] = ThreadReport{
			Cycles: stat.Cycles(),
			Min:    int64(stat.Min() / unit),
			Max:    int64(stat.Max() / unit),
			Avg:    math.Round(stat.AvgFloat(unit)*100) / 100,
		}
	}
	return rep
}

func WriteReport(path string, rep Report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}
