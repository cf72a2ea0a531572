// Package scheduler drives matching passes on a fixed interval and on
// demand, with at most one pass in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/campusx/exchange/internal/metrics"
)

// ErrNotRunning is returned by Stop when the scheduler was never started
// or has already stopped.
var ErrNotRunning = errors.New("scheduler not running")

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Runner executes one matching pass.
type Runner interface {
	RunPass(ctx context.Context) (int, error)
}

// Scheduler is stopped until Start and after Stop.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	stop    chan struct{}
	wg      sync.WaitGroup

	inFlight atomic.Bool
}

// New creates a scheduler. A nil logger uses slog.Default().
func New(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{runner: runner, interval: interval, logger: logger}
}

// Start launches the periodic ticker. Passes run with a context derived
// from ctx; cancelling it stops the ticker, aborts the pass in flight and
// leaves the scheduler stopped, so it may be started again.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("invalid match interval %s", s.interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stop = make(chan struct{})
	s.running = true

	s.wg.Add(1)
	go s.loop(s.ctx, s.stop)
	s.logger.Info("matching scheduler started", "interval", s.interval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context, stop chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.expire(stop)
			return
		case <-stop:
			return
		case <-ticker.C:
			s.Trigger()
		}
	}
}

// expire marks the scheduler stopped after the Start context ended. stop
// identifies the run, so a later Start is left alone.
func (s *Scheduler) expire(stop chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && s.stop == stop {
		s.running = false
		s.logger.Info("matching scheduler stopped", "reason", "context done")
	}
}

// Trigger starts a pass in the background unless one is already running.
// It reports whether a pass was started. Triggers on a stopped scheduler
// are ignored.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		metrics.MatchPasses.WithLabelValues("skipped_busy").Inc()
		return false
	}

	s.wg.Add(1)
	go s.pass(s.ctx)
	return true
}

func (s *Scheduler) pass(ctx context.Context) {
	defer s.wg.Done()
	defer s.inFlight.Store(false)
	defer func() {
		if r := recover(); r != nil {
			metrics.MatchPasses.WithLabelValues("panic").Inc()
			s.logger.Error("matching pass panicked", "panic", fmt.Sprint(r))
		}
	}()

	n, err := s.runner.RunPass(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.MatchPasses.WithLabelValues("error").Inc()
		s.logger.Error("matching pass failed", "err", err, "trades", n)
	}
}

// Stop halts the ticker, refuses further triggers and waits for the
// in-flight pass to finish. If ctx expires first the pass is cancelled
// and ctx's error returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stop)
	cancel := s.cancel
	s.mu.Unlock()
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("matching scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for matching pass: %w", ctx.Err())
	}
}

// Running reports whether the scheduler has been started and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
