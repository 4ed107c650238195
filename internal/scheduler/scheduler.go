// Package scheduler registers and cancels the agent's periodic triggers.
// Re-scheduling an existing job name replaces its registration in place;
// cancellation is idempotent and never touches executions already in flight.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingJobName = errors.New("scheduler: job name is required")
	errMissingRun     = errors.New("scheduler: job body is required")
	errBadInterval    = errors.New("scheduler: interval must be positive")
	errClosed         = errors.New("scheduler: closed")
)

// JobSpec describes one periodic trigger.
type JobSpec struct {
	// Every is the firing interval after the first run.
	Every time.Duration
	// InitialDelay postpones the first run; zero fires immediately. Callers
	// recompute it on every Schedule call (e.g. next daily occurrence).
	InitialDelay time.Duration
	// Run is the job body. It is invoked on its own goroutine per tick, so a
	// slow body never blocks the dispatch loop or other jobs.
	Run func(ctx context.Context)
}

type registration struct {
	cancel context.CancelFunc
}

// Scheduler drives the registered periodic jobs.
type Scheduler struct {
	baseCtx context.Context
	logger  *zap.Logger

	mu     sync.Mutex
	jobs   map[string]*registration
	closed bool
	wg     sync.WaitGroup
}

// New constructs a Scheduler. Job bodies receive baseCtx, which the caller
// cancels only on process shutdown; cancelling an individual job stops its
// future ticks without cancelling a body that already started.
func New(baseCtx context.Context, logger *zap.Logger) *Scheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		baseCtx: baseCtx,
		logger:  logger,
		jobs:    map[string]*registration{},
	}
}

// Schedule registers the job, replacing any existing registration with the
// same name. The initial delay is applied anew on every call.
func (s *Scheduler) Schedule(name string, spec JobSpec) error {
	if name == "" {
		return errMissingJobName
	}
	if spec.Run == nil {
		return errMissingRun
	}
	if spec.Every <= 0 {
		return errBadInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}

	if existing, ok := s.jobs[name]; ok {
		existing.cancel()
	}

	loopCtx, cancel := context.WithCancel(s.baseCtx)
	s.jobs[name] = &registration{cancel: cancel}

	s.wg.Add(1)
	go s.loop(loopCtx, name, spec)

	s.logger.Info("job scheduled",
		zap.String("job", name),
		zap.Duration("every", spec.Every),
		zap.Duration("initial_delay", spec.InitialDelay),
	)
	return nil
}

// Cancel removes the named registration. Cancelling an unknown name is a
// no-op; an in-flight execution finishes undisturbed.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[name]; ok {
		existing.cancel()
		delete(s.jobs, name)
		s.logger.Info("job cancelled", zap.String("job", name))
	}
}

// Close cancels every registration and waits for the dispatch loops to stop.
// Running job bodies keep the base context; shutdown handling is the
// caller's concern.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for name, reg := range s.jobs {
		reg.cancel()
		delete(s.jobs, name)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, spec JobSpec) {
	defer s.wg.Done()

	if spec.InitialDelay > 0 {
		timer := time.NewTimer(spec.InitialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	} else if ctx.Err() != nil {
		return
	}

	s.fire(name, spec.Run)

	ticker := time.NewTicker(spec.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(name, spec.Run)
		}
	}
}

// fire runs the body on its own goroutine with panic containment; no error
// in a job body may take the process down.
func (s *Scheduler) fire(name string, run func(ctx context.Context)) {
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				s.logger.Error("job panicked",
					zap.String("job", name),
					zap.Any("panic", recovered),
				)
			}
		}()
		run(s.baseCtx)
	}()
}
