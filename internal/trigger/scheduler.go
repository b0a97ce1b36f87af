package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler ticks the trigger engine's schedule evaluation.
type Scheduler struct {
	engine      *Engine
	interval    time.Duration
	tickTimeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a Scheduler. tickTimeout bounds one evaluation
// pass; zero means 10s.
func NewScheduler(engine *Engine, interval, tickTimeout time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	if tickTimeout <= 0 {
		tickTimeout = 10 * time.Second
	}
	return &Scheduler{engine: engine, interval: interval, tickTimeout: tickTimeout}
}

// Start begins the evaluation loop. The first evaluation runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.evaluate(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.evaluate(ctx)
			}
		}
	}()
	slog.Info("trigger scheduler started", "interval", s.interval)
}

func (s *Scheduler) evaluate(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, s.tickTimeout)
	defer cancel()
	if err := s.engine.EvaluateSchedules(tickCtx); err != nil && ctx.Err() == nil {
		slog.Error("trigger evaluation failed", "error", err)
	}
}

// Stop cancels the loop and waits for the in-flight evaluation to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	slog.Info("trigger scheduler stopped")
}
