package engine

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically clears expired locks. Correctness never depends
// on it running; it exists so stale claims become visible promptly.
type Sweeper struct {
	Engine   Engine
	Interval time.Duration
	Log      *slog.Logger
}

// Run blocks until ctx is cancelled, sweeping on every tick.
func (s Sweeper) Run(ctx context.Context) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Engine.SweepExpired(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("lock sweep failed", "err", err)
				continue
			}
			if n > 0 {
				log.Info("cleared expired locks", "count", n)
			}
		}
	}
}
