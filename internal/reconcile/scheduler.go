package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/vpnstate/internal/models"
)

// Scheduler sweeps the deployed fleet on a fixed interval.
type Scheduler struct {
	Runner      *Runner
	Servers     func(ctx context.Context) ([]models.Server, error)
	Interval    time.Duration
	Concurrency int
	// Retention, when positive, deletes closed sessions older than it
	// after every sweep through Prune.
	Retention time.Duration
	Prune     func(ctx context.Context, cutoff time.Time) (int64, error)
	Logger    *zap.Logger
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	logger.Info("scheduler started", zap.Duration("interval", interval), zap.Int("concurrency", s.Concurrency))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.tick(ctx, logger)

		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, logger *zap.Logger) {
	servers, err := s.Servers(ctx)
	if err != nil {
		logger.Error("list servers", zap.Error(err))
		return
	}

	deployed := servers[:0:0]
	for _, srv := range servers {
		if srv.Deployed {
			deployed = append(deployed, srv)
		}
	}

	start := time.Now()
	if err := s.Runner.Sweep(ctx, deployed, s.Concurrency); err != nil {
		logger.Warn("sweep finished with failures", zap.Error(err), zap.Int("servers", len(deployed)), zap.Duration("duration", time.Since(start)))
	} else {
		logger.Info("sweep finished", zap.Int("servers", len(deployed)), zap.Duration("duration", time.Since(start)))
	}

	if s.Retention > 0 && s.Prune != nil && ctx.Err() == nil {
		n, err := s.Prune(ctx, time.Now().Add(-s.Retention))
		if err != nil {
			logger.Warn("prune closed sessions", zap.Error(err))
		} else if n > 0 {
			logger.Info("pruned closed sessions", zap.Int64("count", n))
		}
	}
}
