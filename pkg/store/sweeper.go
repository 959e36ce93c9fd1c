package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically evicts executions that have been terminal longer
// than the retention TTL. It is layered on top of the store's mutation
// surface; the apply path itself never evicts.
type Sweeper struct {
	store     Store
	retention time.Duration
	cron      *cron.Cron
	logger    *slog.Logger
}

func NewSweeper(s Store, retention time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:     s,
		retention: retention,
		cron:      cron.New(),
		logger:    logger.With("module", "store_sweeper"),
	}
}

// Start schedules the sweep on the given cron spec (e.g. "@every 1m") and
// begins running it. A retention of zero disables sweeping entirely.
func (s *Sweeper) Start(ctx context.Context, spec string) error {
	if s.retention <= 0 {
		s.logger.Info("Retention disabled, sweeper not started")

		return nil
	}

	_, err := s.cron.AddFunc(spec, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("Sweeper started", "schedule", spec, "retention", s.retention)

	return nil
}

// Sweep runs one eviction pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)

	evicted, err := s.store.Evict(ctx, cutoff)
	if err != nil {
		s.logger.Error("Eviction sweep failed", "error", err)

		return
	}

	if evicted > 0 {
		s.logger.Info("Evicted completed executions", "count", evicted, "cutoff", cutoff)
	}
}

func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
