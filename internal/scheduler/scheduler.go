// Package scheduler runs the recurring pipeline jobs and supervises
// long-lived tasks for the lifetime of the process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// ErrRunning is returned by Start when the scheduler is already running.
var ErrRunning = errors.New("scheduler already running")

type entry struct {
	name     string
	interval time.Duration // zero for supervised tasks
	job      Job
}

// Scheduler owns named recurring jobs and supervised tasks. Start and
// Stop are its only lifecycle hooks.
type Scheduler struct {
	logger       *slog.Logger
	restartDelay time.Duration

	mu      sync.Mutex
	entries []entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:       logger.With("component", "scheduler"),
		restartDelay: 5 * time.Second,
	}
}

// Every registers a job that runs on Start and then once per interval.
// Runs of the same job never overlap.
func (s *Scheduler) Every(name string, interval time.Duration, job Job) {
	if interval <= 0 {
		panic(fmt.Sprintf("scheduler: non-positive interval for %q", name))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{name: name, interval: interval, job: job})
}

// Supervise registers a long-lived task. It is expected to block until
// its context is cancelled; if it returns early or panics it is
// restarted after a delay.
func (s *Scheduler) Supervise(name string, task Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{name: name, job: task})
}

// Start launches every registered job. The jobs stop when ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, e := range s.entries {
		s.wg.Add(1)
		if e.interval > 0 {
			go s.loop(ctx, e)
		} else {
			go s.supervise(ctx, e)
		}
	}
	s.logger.Info("scheduler started", "jobs", len(s.entries))
	return nil
}

// Stop cancels all jobs and waits for them to return, or for ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

func (s *Scheduler) loop(ctx context.Context, e entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	s.run(ctx, e)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, e)
		}
	}
}

func (s *Scheduler) supervise(ctx context.Context, e entry) {
	defer s.wg.Done()
	for {
		s.run(ctx, e)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("supervised task exited, restarting", "job", e.name, "delay", s.restartDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.restartDelay):
		}
	}
}

// run executes one invocation, tagging its log lines with a run id and
// turning a panic into a logged error.
func (s *Scheduler) run(ctx context.Context, e entry) {
	log := s.logger.With("job", e.name, "run_id", uuid.NewString())
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", r)
		}
	}()

	log.Debug("job started")
	err := e.job(ctx)
	switch {
	case err == nil:
		log.Info("job finished", "duration", time.Since(start).Round(time.Millisecond))
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		log.Debug("job cancelled")
	default:
		log.Error("job failed", "error", err, "duration", time.Since(start).Round(time.Millisecond))
	}
}
