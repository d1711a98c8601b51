package bench

import (
	"fmt"
	"time"

	"deadline-bench/internal/worker"
)

// displayLoop redraws one line per worker at a fixed cadence until
// shutdown, rewriting in place so the display occupies a fixed block of
// terminal rows. In quiet mode nothing is printed until the final pass.
func (r *Runner) displayLoop(workers []*worker.Worker) {
	for !r.shutdown.IsSet() {
		if !r.cfg.Quiet {
			for i, w := range workers {
				r.printStat(i, w)
			}
		}
		for _, w := range workers {
			w.Stat().Reduce()
		}
		time.Sleep(displayInterval)
		if !r.cfg.Quiet {
			// Reposition the cursor on top of the block.
			fmt.Fprintf(r.out, "\033[%dA", len(workers))
		}
	}

	// Let the workers notice the flag before the final pass reads.
	time.Sleep(displayInterval)
	if !r.cfg.Quiet {
		fmt.Fprintf(r.out, "\033[%dB", len(workers)+2)
	} else {
		for i, w := range workers {
			r.printStat(i, w)
		}
	}

	for i, w := range workers {
		worst, cycle := w.Stat().WorstObserved()
		if cycle > 0 || worst > 0 {
			r.logger.WithField("worker", i).
				WithField("cycle", cycle).
				WithField("latency", worst.String()).
				Debug("Worst sample observed by the display")
		}
	}
}

// printStat writes one live-stat line: thread index, tid, period, cycle
// count and the min/act/avg/max latencies in the configured unit.
func (r *Runner) printStat(index int, w *worker.Worker) {
	unit := r.cfg.Resolution()
	stat := w.Stat()

	format := "T:%2d (%5d) I:%d C:%7d Min:%7d Act:%5d Avg:%5d Max:%8d\n"
	if r.cfg.Nsecs {
		format = "T:%2d (%5d) I:%d C:%7d Min:%7d Act:%8d Avg:%8d Max:%8d\n"
	}
	fmt.Fprintf(r.out, format,
		index, stat.TID(),
		int64(w.Req.Period/unit),
		stat.Cycles(),
		int64(stat.Min()/unit),
		int64(stat.Act()/unit),
		int64(stat.Avg()/unit),
		int64(stat.Max()/unit),
	)
}
