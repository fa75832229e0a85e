package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/thsteixeira/peticao-brasil/metrics"
	"github.com/thsteixeira/peticao-brasil/revocation"
	"github.com/thsteixeira/peticao-brasil/signature"
)

// Scheduler defaults.
const (
	DefaultSweepInterval   = time.Minute
	DefaultRefreshInterval = 24 * time.Hour
	DefaultStaleAge        = 30 * time.Minute
	DefaultBatchSize       = 50
)

// SchedulerConfig tunes the periodic jobs. Zero values fall back to
// the defaults above.
type SchedulerConfig struct {
	SweepInterval   time.Duration
	RefreshInterval time.Duration
	StaleAge        time.Duration
	BatchSize       int
}

func (c *SchedulerConfig) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.StaleAge <= 0 {
		c.StaleAge = DefaultStaleAge
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
}

// Scheduler runs the periodic jobs: the pending-signature sweep and
// the daily refresh of discovered CRLs.
type Scheduler struct {
	store   *signature.Store
	pool    *Pool
	checker *revocation.Checker
	config  SchedulerConfig
	logger  *slog.Logger

	scheduler gocron.Scheduler
}

func NewScheduler(store *signature.Store, pool *Pool, checker *revocation.Checker, config SchedulerConfig, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()

	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		store:     store,
		pool:      pool,
		checker:   checker,
		config:    config,
		logger:    logger,
		scheduler: gs,
	}

	if _, err := gs.NewJob(
		gocron.DurationJob(config.SweepInterval),
		gocron.NewTask(s.SweepPending),
	); err != nil {
		return nil, err
	}

	if checker != nil {
		if _, err := gs.NewJob(
			gocron.DurationJob(config.RefreshInterval),
			gocron.NewTask(s.RefreshCRLs),
		); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Start begins the periodic jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("scheduler started",
		"sweep_interval", s.config.SweepInterval,
		"refresh_interval", s.config.RefreshInterval)
}

// Stop halts the periodic jobs.
func (s *Scheduler) Stop() {
	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Warn("scheduler shutdown", "error", err)
	}
}

// SweepPending reclaims stale processing records and enqueues a batch
// of pending signatures.
func (s *Scheduler) SweepPending() {
	ctx := context.Background()

	if _, err := s.store.ReclaimStale(ctx, s.config.StaleAge); err != nil {
		s.logger.Error("stale reclaim failed", "error", err)
	}

	pending, err := s.store.ListPending(ctx, s.config.BatchSize)
	if err != nil {
		s.logger.Error("pending sweep failed", "error", err)
		return
	}
	metrics.SetPendingQueueDepth(len(pending))

	enqueued := 0
	for _, sig := range pending {
		if s.pool.Enqueue(sig.UUID) {
			enqueued++
		}
	}
	if enqueued > 0 {
		s.logger.Info("pending sweep", "found", len(pending), "enqueued", enqueued)
	}
}

// RefreshCRLs re-downloads the CRLs learned through dynamic discovery.
func (s *Scheduler) RefreshCRLs() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := s.checker.RefreshDiscovered(ctx); err != nil {
		s.logger.Error("CRL refresh failed", "error", err)
	}
}
