// Package workerpool bounds the concurrency of fan-out work. The adherence
// worker uses it to rebuild per-patient cache rows without letting a flood
// of invalidation events swamp the database.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work. Context, when set, bounds the task's attempts.
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context
}

// Result is what a WorkerFunc reports back.
type Result struct {
	TaskID  string
	Success bool
	Error   error
	Data    interface{}
}

// WorkerFunc processes one task.
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config bounds the pool.
type Config struct {
	Workers   int
	QueueSize int

	// MaxRetries re-runs a failed task with linear backoff before counting
	// it as failed.
	MaxRetries int
	RetryDelay time.Duration

	// DrainTimeout caps how long Stop waits for in-flight tasks.
	DrainTimeout time.Duration
}

// DefaultConfig sizes the pool for cache-rebuild workloads.
func DefaultConfig() Config {
	return Config{
		Workers:      50,
		QueueSize:    5000,
		MaxRetries:   3,
		RetryDelay:   100 * time.Millisecond,
		DrainTimeout: 30 * time.Second,
	}
}

// ErrQueueFull is returned by Submit when the queue has no room; callers
// that consume from Kafka propagate it so the offset is retried later.
var ErrQueueFull = errors.New("workerpool: queue full")

// ErrStopped is returned by Submit after Stop has begun.
var ErrStopped = errors.New("workerpool: stopped")

// Pool runs tasks on a fixed set of workers.
type Pool struct {
	cfg    Config
	fn     WorkerFunc
	logger *zap.Logger

	tasks  chan *Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New validates cfg and builds a pool; Start launches the workers.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("workerpool: worker function required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		fn:     fn,
		logger: logger,
		tasks:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(task *Task) error {
	select {
	case <-p.ctx.Done():
		return ErrStopped
	default:
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new work, drains the queue, and waits up to DrainTimeout.
func (p *Pool) Stop() error {
	p.cancel()
	close(p.tasks)

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(p.cfg.DrainTimeout):
		p.logger.Warn("worker pool drain timed out",
			zap.Int64("submitted", p.submitted.Load()),
			zap.Int64("completed", p.completed.Load()))
		return errors.New("workerpool: drain timeout")
	}

	p.logger.Info("worker pool stopped",
		zap.Int64("submitted", p.submitted.Load()),
		zap.Int64("completed", p.completed.Load()),
		zap.Int64("failed", p.failed.Load()))
	return nil
}

// Depth reports queued tasks not yet picked up.
func (p *Pool) Depth() int {
	return len(p.tasks)
}

func (p *Pool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}

	var res *Result
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			res = &Result{TaskID: task.ID, Error: err}
			break
		}
		res = p.fn(ctx, task)
		if res.Success || attempt >= p.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			res = &Result{TaskID: task.ID, Error: ctx.Err()}
		case <-time.After(p.cfg.RetryDelay * time.Duration(attempt+1)):
			continue
		}
		break
	}

	if res.Success {
		p.completed.Add(1)
		return
	}
	p.failed.Add(1)
	p.logger.Error("task failed",
		zap.String("task_id", task.ID),
		zap.Error(res.Error))
}
