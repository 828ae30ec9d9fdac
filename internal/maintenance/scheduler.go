package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	errMissingPruner    = errors.New("session usage pruner required")
	errMissingPersister = errors.New("snapshot persister required")
)

// UsagePruner drops session usage rows older than the retention window.
type UsagePruner interface {
	PruneSessionUsage(ctx context.Context, retention time.Duration) (int64, error)
}

// SnapshotPersister writes the durable snapshot of the store.
type SnapshotPersister interface {
	Persist(ctx context.Context) error
}

type SchedulerConfig struct {
	Pruner    UsagePruner
	Persister SnapshotPersister
	Schedule  string
	Retention time.Duration
	Timeout   time.Duration
	Logger    *zap.Logger
}

// Scheduler runs the periodic usage pruning and snapshot flush.
type Scheduler struct {
	pruner    UsagePruner
	persister SnapshotPersister
	schedule  string
	retention time.Duration
	timeout   time.Duration
	logger    *zap.Logger
	cron      *cron.Cron

	mu        sync.Mutex
	isRunning bool
	isWorking bool
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Pruner == nil {
		return nil, errMissingPruner
	}
	if cfg.Persister == nil {
		return nil, errMissingPersister
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Scheduler{
		pruner:    cfg.Pruner,
		persister: cfg.Persister,
		schedule:  cfg.Schedule,
		retention: cfg.Retention,
		timeout:   timeout,
		logger:    logger,
		cron:      cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
	}, nil
}

// Start registers the job and starts the cron loop. An empty schedule disables maintenance.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}
	if s.schedule == "" {
		s.logger.Info("maintenance disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("schedule maintenance %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.isRunning = true
	s.logger.Info("maintenance scheduled", zap.String("schedule", s.schedule), zap.Duration("retention", s.retention))
	return nil
}

// Stop waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("maintenance stopped")
}

// RunOnce prunes usage rows and flushes a snapshot. Overlapping runs are skipped.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.mu.Lock()
	if s.isWorking {
		s.mu.Unlock()
		s.logger.Debug("maintenance skipped, previous run still active")
		return
	}
	s.isWorking = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.isWorking = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	removed, err := s.pruner.PruneSessionUsage(ctx, s.retention)
	if err != nil {
		s.logger.Error("maintenance prune failed", zap.String("operation", "maintenance.prune"), zap.Error(err))
	} else {
		s.logger.Info("session usage pruned", zap.Int64("removed", removed))
	}
	if err := s.persister.Persist(ctx); err != nil {
		s.logger.Error("maintenance persist failed", zap.String("operation", "maintenance.persist"), zap.Error(err))
	}
}
