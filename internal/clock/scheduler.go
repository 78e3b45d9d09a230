package clock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Job is one scheduled unit of work. The context is cancelled on Stop.
type Job func(ctx context.Context)

// Scheduler runs a job on a fixed period, firing once immediately on Start.
// Ticks are non-reentrant: if the previous run is still going when the ticker
// fires, the tick is dropped rather than queued, so a slow venue can never
// stack overlapping runs.
type Scheduler struct {
	name   string
	period time.Duration
	job    Job

	running atomic.Bool
	stop    chan struct{}
	done    sync.WaitGroup
	started atomic.Bool
}

// NewScheduler creates a scheduler for one job.
func NewScheduler(name string, period time.Duration, job Job) *Scheduler {
	return &Scheduler{
		name:   name,
		period: period,
		job:    job,
		stop:   make(chan struct{}),
	}
}

// Start launches the tick loop. The first run fires immediately.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.done.Add(1)
	go s.loop(ctx)
	log.Info().Str("scheduler", s.name).Dur("period", s.period).Msg("scheduler started")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.done.Done()

	s.run(ctx)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

// run executes one tick in its own goroutine unless the previous one is
// still in flight, in which case the tick is dropped.
func (s *Scheduler) run(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		log.Warn().Str("scheduler", s.name).Msg("previous tick still running, dropping tick")
		return
	}
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		defer s.running.Store(false)

		start := time.Now()
		s.job(ctx)
		log.Debug().Str("scheduler", s.name).Dur("took", time.Since(start)).Msg("tick complete")
	}()
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	if !s.started.Load() {
		return
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.done.Wait()
	log.Info().Str("scheduler", s.name).Msg("scheduler stopped")
}
