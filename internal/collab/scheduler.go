package collab

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultFlushInterval is the period between scheduled flushes.
const DefaultFlushInterval = 5 * time.Second

var errMissingDocumentStore = errors.New("document store is required")

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Store    *DocumentStore
	Interval time.Duration
	Logger   *zap.Logger
}

// Scheduler flushes dirty documents on a fixed interval and whenever a document crosses the
// pending-update threshold.
type Scheduler struct {
	store    *DocumentStore
	interval time.Duration
	logger   *zap.Logger
}

// NewScheduler validates the configuration and returns a Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errMissingDocumentStore
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{store: cfg.Store, interval: interval, logger: logger}, nil
}

// Run processes ticks and threshold triggers until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		case noteID := <-s.store.Triggers():
			if err := s.store.Flush(ctx, noteID); err != nil {
				s.logger.Warn("threshold flush failed",
					zap.String("note_id", noteID.String()),
					zap.Error(err))
			}
		}
	}
}

// Tick flushes every dirty document, then evicts documents nobody holds open.
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.store.FlushDirty(ctx); err != nil {
		s.logger.Warn("scheduled flush incomplete", zap.Error(err))
	}
	if evicted := s.store.EvictIdle(); evicted > 0 {
		s.logger.Debug("evicted idle documents", zap.Int("count", evicted))
	}
}
