package bench

import (
	"time"

	"deadline-bench/internal/worker"
)

// utilizationCeiling caps total deadline demand when the run is
// oversubscribed, as a percentage of the available CPUs.
const utilizationCeiling = 80

// ComputeRequests lays out one deadline budget per thread. The first
// thread gets the base interval as its period, each subsequent thread
// one step more. The runtime is the full period while every thread can
// own a CPU; with more threads than CPUs each runtime is scaled so the
// total demand stays within the utilization ceiling.
func ComputeRequests(threads, nrCPUs int, interval, step time.Duration) []worker.Request {
	percent := 100
	if threads > nrCPUs {
		percent = nrCPUs * utilizationCeiling / threads
	}

	reqs := make([]worker.Request, threads)
	period := interval
	for i := range reqs {
		reqs[i] = worker.Request{
			Runtime: period * time.Duration(percent) / 100,
			Period:  period,
		}
		period += step
	}
	return reqs
}
