package worker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"deadline-bench/internal/sched"
)

type fakeSched struct {
	mu       sync.Mutex
	getErr   error
	setErr   error
	setCalls int
	lastAttr sched.Attr
}

func (f *fakeSched) GetAttr() (sched.Attr, error) {
	return sched.Attr{Policy: sched.PolicyNormal}, f.getErr
}

func (f *fakeSched) SetAttr(attr sched.Attr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.setCalls++
	f.lastAttr = attr
	return nil
}

func (f *fakeSched) Yield() {}

// fakeClock steps a synthetic monotonic time by fixed increments.
type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func testEnv(n int, fs *fakeSched) *Env {
	return &Env{
		Sched:    fs,
		Barrier:  NewBarrier(n + 1),
		Shutdown: NewShutdown(),
		Yield:    func() {},
	}
}

func TestDoCycleRecordsLatency(t *testing.T) {
	base := time.Unix(1000, 0)
	times := []time.Time{base.Add(250 * time.Microsecond)}
	env := &Env{Now: func() time.Time {
		next := times[0]
		if len(times) > 1 {
			times = times[1:]
		}
		return next
	}}
	w := &Worker{Req: Request{Period: time.Millisecond}, env: env, stat: NewStat()}

	next := w.doCycle(base)
	if want := base.Add(time.Millisecond); !next.Equal(want) {
		t.Fatalf("next period = %v, want %v", next, want)
	}
	if got := w.stat.Act(); got != 250*time.Microsecond {
		t.Fatalf("act = %v, want 250µs", got)
	}
	if w.stat.Cycles() != 1 {
		t.Fatalf("cycles = %d, want 1", w.stat.Cycles())
	}
}

func TestDoCycleRebasesEarlyWakeup(t *testing.T) {
	base := time.Unix(1000, 0)
	// Wakeup 300µs before the intended period start.
	now := base.Add(-300 * time.Microsecond)
	env := &Env{Now: func() time.Time { return now }}
	w := &Worker{Req: Request{Period: time.Millisecond}, env: env, stat: NewStat()}

	next := w.doCycle(base)
	if want := now.Add(time.Millisecond); !next.Equal(want) {
		t.Fatalf("rebased next period = %v, want %v", next, want)
	}
	if got := w.stat.Act(); got != 0 {
		t.Fatalf("act after rebase = %v, want 0", got)
	}
	if w.stat.Min() < 0 || w.stat.Max() < 0 {
		t.Fatal("negative latency recorded")
	}
}

func TestStatInvariants(t *testing.T) {
	s := NewStat()
	for _, lat := range []time.Duration{
		40 * time.Microsecond,
		10 * time.Microsecond,
		90 * time.Microsecond,
		25 * time.Microsecond,
	} {
		before := s.Cycles()
		s.record(lat)
		if s.Cycles() != before+1 {
			t.Fatal("cycles did not increase")
		}
		if s.Min() > s.Act() || s.Act() > s.Max() {
			t.Fatalf("min %v <= act %v <= max %v violated", s.Min(), s.Act(), s.Max())
		}
	}
	if s.Min() != 10*time.Microsecond {
		t.Fatalf("min = %v, want 10µs", s.Min())
	}
	if s.Max() != 90*time.Microsecond {
		t.Fatalf("max = %v, want 90µs", s.Max())
	}
	if avg := s.Avg(); avg < s.Min() || avg > s.Max() {
		t.Fatalf("avg %v outside [min, max]", avg)
	}
}

func TestStatReduceTracksWorstSample(t *testing.T) {
	s := NewStat()
	s.record(10 * time.Microsecond)
	s.record(500 * time.Microsecond)
	s.record(20 * time.Microsecond)
	s.Reduce()
	worst, cycle := s.WorstObserved()
	if worst != 500*time.Microsecond || cycle != 1 {
		t.Fatalf("worst observed = %v at cycle %d, want 500µs at 1", worst, cycle)
	}
}

func TestBarrierReleasesAllParties(t *testing.T) {
	const parties = 4
	b := NewBarrier(parties)
	var wg sync.WaitGroup
	var mu sync.Mutex
	order := make([]Rendezvous, 0, 2*parties)

	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Await(RendezvousQueried)
			mu.Lock()
			order = append(order, RendezvousQueried)
			mu.Unlock()
			b.Await(RendezvousComputed)
			mu.Lock()
			order = append(order, RendezvousComputed)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for i, r := range order {
		want := RendezvousQueried
		if i >= parties {
			want = RendezvousComputed
		}
		if r != want {
			t.Fatalf("rendezvous %d = %v, want %v", i, r, want)
		}
	}
}

func TestRunElevatesAfterAllWorkersCompute(t *testing.T) {
	fs := &fakeSched{}
	env := testEnv(2, fs)
	clock := &fakeClock{t: time.Unix(0, 0), step: 100 * time.Microsecond}
	env.Now = clock.now

	reqs := []Request{
		{Runtime: 600 * time.Microsecond, Period: time.Millisecond},
		{Runtime: 900 * time.Microsecond, Period: 1500 * time.Microsecond},
	}
	results := make([]Result, 2)
	var wg sync.WaitGroup
	for i, req := range reqs {
		w := New(i, req, env)
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			results[i] = w.Run()
		}(i, w)
	}

	env.Barrier.Await(RendezvousQueried)
	env.Barrier.Await(RendezvousComputed)
	env.Barrier.Await(RendezvousElevated)

	time.Sleep(20 * time.Millisecond)
	env.Shutdown.Set()
	wg.Wait()

	for i, res := range results {
		if res.Failed() {
			t.Fatalf("worker %d failed at phase %v: %v", i, res.Phase, res.Err)
		}
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.setCalls != 2 {
		t.Fatalf("sched_setattr calls = %d, want 2", fs.setCalls)
	}
	if fs.lastAttr.Policy != sched.PolicyDeadline {
		t.Fatalf("policy = %d, want deadline", fs.lastAttr.Policy)
	}
	if fs.lastAttr.Deadline != fs.lastAttr.Period {
		t.Fatal("deadline and period must be the same window")
	}
}

func TestRunReportsElevationFailure(t *testing.T) {
	boom := errors.New("operation not permitted")
	fs := &fakeSched{setErr: boom}
	env := testEnv(1, fs)

	resCh := make(chan Result, 1)
	go func() {
		resCh <- New(0, Request{Runtime: time.Millisecond, Period: 2 * time.Millisecond}, env).Run()
	}()

	env.Barrier.Await(RendezvousQueried)
	env.Barrier.Await(RendezvousComputed)
	env.Barrier.Await(RendezvousElevated)

	res := <-resCh
	if !res.Failed() || res.Phase != PhaseElevate {
		t.Fatalf("result = %+v, want elevation failure", res)
	}
	if !env.Shutdown.IsSet() {
		t.Fatal("elevation failure must set the shutdown flag")
	}
	if !errors.Is(res.Err, boom) {
		t.Fatalf("err = %v, want %v", res.Err, boom)
	}
}

func TestRunReportsQueryFailure(t *testing.T) {
	fs := &fakeSched{getErr: errors.New("ESRCH")}
	env := testEnv(1, fs)

	resCh := make(chan Result, 1)
	go func() {
		resCh <- New(0, Request{Runtime: time.Millisecond, Period: 2 * time.Millisecond}, env).Run()
	}()

	env.Barrier.Await(RendezvousQueried)
	res := <-resCh
	if !res.Failed() || res.Phase != PhaseQuery {
		t.Fatalf("result = %+v, want query failure", res)
	}
	if !env.Shutdown.IsSet() {
		t.Fatal("query failure must set the shutdown flag")
	}
}

func TestCalibrateMeasuresOneCycle(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0), step: 50 * time.Microsecond}
	env := &Env{Now: clock.now}
	elapsed := Calibrate(Request{Runtime: 600 * time.Microsecond, Period: time.Millisecond}, env)
	// Two clock reads around one synthetic 50µs-per-read cycle.
	if elapsed <= 0 {
		t.Fatalf("elapsed = %v, want > 0", elapsed)
	}
}
