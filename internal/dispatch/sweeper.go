package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// now is swapped in tests that need a fixed clock.
var now = time.Now

// Sweeper runs the bus sweep on a fixed interval.
type Sweeper struct {
	bus         *Bus
	interval    time.Duration
	tickTimeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper builds a Sweeper. tickTimeout bounds one full sweep pass;
// zero means 10s.
func NewSweeper(bus *Bus, interval, tickTimeout time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if tickTimeout <= 0 {
		tickTimeout = 10 * time.Second
	}
	return &Sweeper{bus: bus, interval: interval, tickTimeout: tickTimeout}
}

// Start launches the sweep loop. Calling Start twice is a no-op until
// Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
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

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancelTick := context.WithTimeout(ctx, s.tickTimeout)
				if err := s.bus.Sweep(tickCtx); err != nil && ctx.Err() == nil {
					slog.Warn("sweep failed", "error", err)
				}
				cancelTick()
			}
		}
	}()
	slog.Info("message sweeper started", "interval", s.interval)
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	slog.Info("message sweeper stopped")
}
