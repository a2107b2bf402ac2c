package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"email-triage/internal/config"
)

// Scheduler drives the triage engine on the configured interval with at
// most one cycle in flight. Ticks that fire while a cycle is running
// coalesce: the cycle finishes, then the next tick starts a fresh one.
type Scheduler struct {
	engine *Engine
	cfg    *config.Manager
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewScheduler wires a scheduler.
func NewScheduler(engine *Engine, cfg *config.Manager, logger *slog.Logger) *Scheduler {
	return &Scheduler{engine: engine, cfg: cfg, logger: logger}
}

// Start launches the scheduler loop. The first cycle runs immediately;
// the interval is re-read from config after every cycle so edits take
// effect without a restart.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx)
	s.logger.Info("Triage scheduler started",
		"interval", s.cfg.Get().TriageInterval())
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.runOnce(ctx)
	for {
		interval := s.cfg.Get().TriageInterval()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce executes one cycle, swallowing its error: cycle failures are
// logged with their cycle id inside the engine and must never stop the
// loop.
func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.engine.RunCycle(ctx); err != nil {
		s.logger.Error("Triage cycle failed", "error", err)
	}
}

// Stop cancels the loop and waits for an in-flight cycle to wind down.
// The cycle's own deadline bounds the wait.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("Triage scheduler stopped")
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
