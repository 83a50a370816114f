package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrQueueFull  = errors.New("job queue full")
)

// JobFunc runs one pass for a task.
type JobFunc func(ctx context.Context, t *Task) error

// PoolConfig holds configuration for the worker pool
type PoolConfig struct {
	NumWorkers int
	QueueSize  int
	// JobTimeout bounds a single pass; zero means no timeout.
	JobTimeout time.Duration
}

// Pool is a fixed set of workers draining a bounded queue of pass jobs.
type Pool struct {
	config   PoolConfig
	jobFunc  JobFunc
	jobQueue chan *Task

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	jobsProcessed uint64
	jobsFailed    uint64
	workersActive int64
}

// NewPool creates a new worker pool
func NewPool(config PoolConfig, jobFunc JobFunc) *Pool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.NumWorkers * 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:   config,
		jobFunc:  jobFunc,
		jobQueue: make(chan *Task, config.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts all workers in the pool
func (p *Pool) Start() {
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

// SubmitAsync queues a pass without waiting for it to run.
func (p *Pool) SubmitAsync(t *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobQueue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop cancels running passes, drops queued ones and waits for the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	close(p.jobQueue)
	p.mu.Unlock()

	p.wg.Wait()
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.config.NumWorkers
}

// run is the main worker loop
func (p *Pool) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case t, ok := <-p.jobQueue:
			if !ok {
				return
			}
			p.process(t)
		}
	}
}

// drain releases tasks left in the queue after Stop so none stay busy.
func (p *Pool) drain() {
	for t := range p.jobQueue {
		t.release()
	}
}

func (p *Pool) process(t *Task) {
	atomic.AddInt64(&p.workersActive, 1)
	defer atomic.AddInt64(&p.workersActive, -1)

	ctx := p.ctx
	if p.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.JobTimeout)
		defer cancel()
	}

	err := p.jobFunc(ctx, t)

	atomic.AddUint64(&p.jobsProcessed, 1)
	if err != nil {
		atomic.AddUint64(&p.jobsFailed, 1)
	}
}

// Metrics returns worker pool statistics
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		NumWorkers:    p.config.NumWorkers,
		JobsProcessed: atomic.LoadUint64(&p.jobsProcessed),
		JobsFailed:    atomic.LoadUint64(&p.jobsFailed),
		WorkersActive: atomic.LoadInt64(&p.workersActive),
		QueueSize:     len(p.jobQueue),
		QueueCapacity: cap(p.jobQueue),
	}
}

// PoolMetrics holds worker pool statistics
type PoolMetrics struct {
	NumWorkers    int    `json:"num_workers"`
	JobsProcessed uint64 `json:"jobs_processed"`
	JobsFailed    uint64 `json:"jobs_failed"`
	WorkersActive int64  `json:"workers_active"`
	QueueSize     int    `json:"queue_size"`
	QueueCapacity int    `json:"queue_capacity"`
}

// Utilization returns the queue utilization percentage (0-100)
func (m PoolMetrics) Utilization() float64 {
	if m.QueueCapacity == 0 {
		return 0
	}
	return (float64(m.QueueSize) / float64(m.QueueCapacity)) * 100.0
}

// SuccessRate returns the job success rate percentage (0-100)
func (m PoolMetrics) SuccessRate() float64 {
	if m.JobsProcessed == 0 {
		return 100.0
	}
	return (float64(m.JobsProcessed-m.JobsFailed) / float64(m.JobsProcessed)) * 100.0
}
