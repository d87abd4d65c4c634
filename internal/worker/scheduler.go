package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/orderalert/internal/db"
	"github.com/lalithlochan/orderalert/internal/delivery"
	"github.com/lalithlochan/orderalert/internal/events"
	"github.com/lalithlochan/orderalert/internal/metrics"
)

// SweepLockKey guards a sweep across replicas.
const SweepLockKey = "lock:escalation-sweep"

type Store interface {
	ListStale(ctx context.Context, threshold time.Duration) ([]*db.Notification, error)
	Escalate(ctx context.Context, id uuid.UUID) (*db.Notification, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, n *db.Notification, level int) delivery.Result
}

type Publisher interface {
	Publish(evt events.Event)
}

// Locker obtains a short-lived exclusive lock. ok is false when another
// holder has it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

type SchedulerConfig struct {
	// Window is both the tick period and the staleness threshold.
	Window time.Duration
	// Concurrency caps notifications escalated in parallel. 0 means unbounded.
	Concurrency int
}

// Scheduler escalates notifications nobody acknowledged within the window.
type Scheduler struct {
	store  Store
	fanout Deliverer
	bus    Publisher
	locker Locker
	config SchedulerConfig
	logger *zap.Logger
}

func NewScheduler(store Store, fanout Deliverer, bus Publisher, locker Locker, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.Window < time.Minute {
		cfg.Window = time.Minute
	}

	return &Scheduler{
		store:  store,
		fanout: fanout,
		bus:    bus,
		locker: locker,
		config: cfg,
		logger: logger,
	}
}

// Window returns the effective escalation window.
func (s *Scheduler) Window() time.Duration {
	return s.config.Window
}

// Start runs a sweep every window until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Window)
	defer ticker.Stop()

	s.logger.Info("escalation scheduler started", zap.Duration("window", s.config.Window))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("escalation scheduler stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep escalates every stale notification once and returns how many were
// escalated. A failure on one notification does not stop the others.
func (s *Scheduler) Sweep(ctx context.Context) int {
	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, SweepLockKey, s.config.Window)
		if err != nil {
			metrics.RecordSweep("error")
			s.logger.Error("failed to obtain sweep lock", zap.Error(err))
			return 0
		}
		if !ok {
			metrics.RecordSweep("skipped")
			s.logger.Debug("sweep lock held elsewhere, skipping tick")
			return 0
		}
		defer unlock()
	}

	stale, err := s.store.ListStale(ctx, s.config.Window)
	if err != nil {
		metrics.RecordSweep("error")
		s.logger.Error("failed to list stale notifications", zap.Error(err))
		return 0
	}
	if len(stale) == 0 {
		metrics.RecordSweep("ok")
		return 0
	}

	var g errgroup.Group
	if s.config.Concurrency > 0 {
		g.SetLimit(s.config.Concurrency)
	}

	escalated := make(chan struct{}, len(stale))
	for _, n := range stale {
		g.Go(func() error {
			if s.escalate(ctx, n) {
				escalated <- struct{}{}
			}
			return nil
		})
	}
	g.Wait()
	close(escalated)

	metrics.RecordSweep("ok")
	s.logger.Info("escalation sweep finished",
		zap.Int("stale", len(stale)),
		zap.Int("escalated", len(escalated)),
	)

	return len(escalated)
}

func (s *Scheduler) escalate(ctx context.Context, n *db.Notification) bool {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("escalation panicked",
				zap.String("notification_id", n.ID.String()),
				zap.Any("panic", r),
			)
		}
	}()

	updated, err := s.store.Escalate(ctx, n.ID)
	if errors.Is(err, db.ErrStateChanged) || errors.Is(err, db.ErrNotFound) {
		s.logger.Debug("notification no longer stale",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
		return false
	}
	if err != nil {
		s.logger.Error("failed to escalate notification",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
		return false
	}

	metrics.RecordTransition(db.StatusEscalated)
	s.logger.Warn("notification escalated",
		zap.String("notification_id", updated.ID.String()),
		zap.String("order_id", updated.OrderID),
		zap.Int("level", updated.EscalationLevel),
	)

	s.fanout.Deliver(ctx, updated, updated.EscalationLevel)
	s.bus.Publish(events.Escalated(updated))

	return true
}
