// Package scheduler runs the periodic tick: PENDING_ACK expiry, dependency
// unblocking, and housekeeping. It is the only component running periodic
// work; the lifecycle service and the coordinator run no periodic loop (the
// coordinator's timers only bound individual waits).
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/OpenSourceWTF/waaah/internal/agent/registry"
	"github.com/OpenSourceWTF/waaah/internal/common/config"
	"github.com/OpenSourceWTF/waaah/internal/common/logger"
	"github.com/OpenSourceWTF/waaah/internal/orchestrator/poller"
	"github.com/OpenSourceWTF/waaah/internal/task/repository"
	"github.com/OpenSourceWTF/waaah/internal/task/service"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// Scheduler drives the periodic maintenance tick.
type Scheduler struct {
	lifecycle *service.Service
	repo      *repository.Repository
	registry  *registry.Registry
	coord     *poller.Coordinator
	logger    *logger.Logger
	config    config.SchedulerConfig

	// Statistics
	ticksRun      int64
	acksReleased  int64
	logsTruncated int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Scheduler.
func New(lifecycle *service.Service, repo *repository.Repository, reg *registry.Registry,
	coord *poller.Coordinator, log *logger.Logger, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		lifecycle: lifecycle,
		repo:      repo,
		registry:  reg,
		coord:     coord,
		logger:    log.WithFields(zap.String("component", "scheduler")),
		config:    cfg,
	}
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		zap.Duration("tick_interval", s.config.TickIntervalDuration()),
		zap.Duration("ack_timeout", s.config.AckTimeoutDuration()))

	s.wg.Add(1)
	go s.tickLoop(ctx)

	return nil
}

// Stop stops the tick loop and waits for it to drain.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// TicksRun returns the number of completed ticks.
func (s *Scheduler) TicksRun() int64 {
	return atomic.LoadInt64(&s.ticksRun)
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping due to context cancellation")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass. Errors are logged and the step is
// skipped; the process never exits from here. Exported for tests.
func (s *Scheduler) Tick(ctx context.Context) {
	atomic.AddInt64(&s.ticksRun, 1)

	released, err := s.lifecycle.ReleaseExpiredAcks(ctx, s.config.AckTimeoutDuration())
	if err != nil {
		s.logger.Error("ack expiry pass failed", zap.Error(err))
	} else if released > 0 {
		atomic.AddInt64(&s.acksReleased, int64(released))
		s.logger.Info("expired pending acks", zap.Int("count", released))
	}

	if err := s.lifecycle.UnblockReady(ctx); err != nil {
		s.logger.Error("dependency unblock pass failed", zap.Error(err))
	}

	s.housekeeping(ctx)
}

// housekeeping truncates old logs and sweeps stale waiting flags left
// behind by a crashed process.
func (s *Scheduler) housekeeping(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.LogRetentionDuration())
	removed, err := s.repo.TruncateLogsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("log truncation failed", zap.Error(err))
	} else if removed > 0 {
		atomic.AddInt64(&s.logsTruncated, removed)
		s.logger.Debug("truncated old log entries", zap.Int64("count", removed))
	}

	cleared, err := s.registry.ClearStaleWaiting(ctx, s.config.WaiterDropDuration(), s.coord.LiveWaiterIDs())
	if err != nil {
		s.logger.Error("stale waiter sweep failed", zap.Error(err))
	} else if cleared > 0 {
		s.logger.Warn("cleared stale waiting flags", zap.Int64("count", cleared))
	}
}
