package vos

import (
	"context"
	"errors"
	"time"
)

// errSchedStopped is returned by Submit once the pool's executor has shut
// down; wrapErr maps it to the CANCELED code.
var errSchedStopped = errors.New("vos: pool executor stopped")

// scheduler serialises every mutation against one pool through a single
// goroutine-owned queue: a ticker-driven background loop plus a stop
// channel, draining a work queue of foreground submissions between
// ticks.
type scheduler struct {
	queue  chan job
	stopCh chan struct{}
	ticker *time.Ticker

	onTick func(ctx context.Context)
}

type job struct {
	fn   func() error
	done chan error
}

// newScheduler creates a pool's executor. tickInterval drives background
// sweeps (DTX timeout resolution); zero disables ticking.
func newScheduler(tickInterval time.Duration, onTick func(ctx context.Context)) *scheduler {
	s := &scheduler{
		queue:  make(chan job, 64),
		stopCh: make(chan struct{}),
		onTick: onTick,
	}
	if tickInterval > 0 {
		s.ticker = time.NewTicker(tickInterval)
	}
	return s
}

// Start begins the executor's run loop in the background.
func (s *scheduler) Start() {
	go s.run()
}

// Stop halts the run loop. Queued-but-unexecuted submissions never run;
// their Submit calls, and any made after Stop, fail with errSchedStopped.
func (s *scheduler) Stop() {
	close(s.stopCh)
	if s.ticker != nil {
		s.ticker.Stop()
	}
}

func (s *scheduler) run() {
	var tickC <-chan time.Time
	if s.ticker != nil {
		tickC = s.ticker.C
	}
	for {
		select {
		case j := <-s.queue:
			j.done <- j.fn()
		case <-tickC:
			if s.onTick != nil {
				s.onTick(context.Background())
			}
		case <-s.stopCh:
			return
		}
	}
}

// Submit enqueues fn and blocks until the executor has run it, returning
// its error. This is the only way a mutation reaches the pool's arena:
// writers never race because exactly one fn runs at a time.
func (s *scheduler) Submit(fn func() error) error {
	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case s.queue <- j:
	case <-s.stopCh:
		return errSchedStopped
	}
	select {
	case err := <-j.done:
		return err
	case <-s.stopCh:
		return errSchedStopped
	}
}
