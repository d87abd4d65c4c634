package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/orderalert/internal/metrics"
)

var (
	// ErrPoolClosed is returned by Submit after Shutdown.
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrPoolFull is returned by Submit when the queue is at capacity.
	ErrPoolFull = errors.New("worker pool queue full")
)

// Task is a unit of background work. The context is owned by the pool, not
// by whoever submitted the task.
type Task func(ctx context.Context) error

type job struct {
	name string
	fn   Task
}

type PoolConfig struct {
	Workers   int
	QueueSize int
}

// Pool runs fire-and-forget work from request handlers on a fixed set of
// goroutines whose lifetime ends with Shutdown.
type Pool struct {
	mu     sync.RWMutex
	closed bool
	jobs   chan job

	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
}

func NewPool(cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		jobs:    make(chan job, cfg.QueueSize),
		workers: cfg.Workers,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.workers))
}

// Submit queues fn without blocking.
func (p *Pool) Submit(name string, fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job{name: name, fn: fn}:
		metrics.SetPoolQueueDepth(len(p.jobs))
		return nil
	default:
		p.logger.Warn("worker pool queue full, task dropped", zap.String("task", name))
		return ErrPoolFull
	}
}

// Shutdown stops accepting work and waits for queued tasks to finish. When
// ctx expires first the running tasks are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("drain worker pool: %w", ctx.Err())
	}
}

func (p *Pool) run() {
	defer p.wg.Done()

	for j := range p.jobs {
		metrics.SetPoolQueueDepth(len(p.jobs))
		p.execute(j)
	}
}

func (p *Pool) execute(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("background task panicked",
				zap.String("task", j.name),
				zap.Any("panic", r),
			)
		}
	}()

	if err := j.fn(p.ctx); err != nil {
		p.logger.Warn("background task failed",
			zap.String("task", j.name),
			zap.Error(err),
		)
	}
}
