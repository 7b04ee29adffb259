package worker

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/frontdesklabs/regmirror/internal/regfox"
)

var (
	errMissingSyncer   = errors.New("syncer dependency required")
	errInvalidInterval = errors.New("sync interval must be positive")
)

// Syncer is the slice of the badge cache consumed by the worker.
type Syncer interface {
	Sync(ctx context.Context, rebuild bool) (int, error)
}

// SyncWorkerConfig bundles configuration for the periodic sync task.
type SyncWorkerConfig struct {
	Syncer   Syncer
	Interval time.Duration
	// Timeout bounds the remote phase of each pass so a hung remote request
	// cannot hold the cache lock forever. Zero disables the deadline.
	Timeout time.Duration
	Logger  *zap.Logger
}

// SyncWorker runs incremental cache syncs on a fixed interval. Shutdown waits
// for an in-flight pass instead of interrupting it, and singleton scheduling
// guarantees a slow pass never stacks a second one behind the cache lock.
type SyncWorker struct {
	scheduler gocron.Scheduler
	syncer    Syncer
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger
}

// NewSyncWorker constructs a worker with validated configuration.
func NewSyncWorker(cfg SyncWorkerConfig) (*SyncWorker, error) {
	if cfg.Syncer == nil {
		return nil, errMissingSyncer
	}
	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	return &SyncWorker{
		scheduler: scheduler,
		syncer:    cfg.Syncer,
		interval:  cfg.Interval,
		timeout:   cfg.Timeout,
		logger:    logger,
	}, nil
}

// Start schedules the periodic sync and begins running it.
func (w *SyncWorker) Start() error {
	_, err := w.scheduler.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(w.runOnce),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return err
	}

	w.scheduler.Start()
	w.logger.Info("sync worker started", zap.Duration("interval", w.interval))
	return nil
}

// Stop shuts the scheduler down, waiting for any in-flight sync pass.
func (w *SyncWorker) Stop() error {
	err := w.scheduler.Shutdown()
	w.logger.Info("sync worker stopped")
	return err
}

func (w *SyncWorker) runOnce() {
	ctx := context.Background()
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	inserted, err := w.syncer.Sync(ctx, false)
	if err != nil {
		if regfox.IsRateLimited(err) {
			w.logger.Warn("periodic sync deferred by remote quota", zap.Error(err))
			return
		}
		w.logger.Error("periodic sync failed", zap.Error(err))
		return
	}
	if inserted > 0 {
		w.logger.Info("periodic sync inserted rows", zap.Int("rows", inserted))
	}
}
