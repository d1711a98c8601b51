package worker

import "sync/atomic"

// Shutdown is the single flag shared by every worker and the
// orchestrator. It only ever transitions false to true: set on signal,
// timer expiry, or a fatal worker error, observed by each loop at its
// next iteration.
type Shutdown struct {
	flag atomic.Bool
}

func NewShutdown() *Shutdown {
	return &Shutdown{}
}

func (s *Shutdown) Set() {
	s.flag.Store(true)
}

func (s *Shutdown) IsSet() bool {
	return s.flag.Load()
}
