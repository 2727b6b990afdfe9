// Package worker provides the fixed-size pools that run background jobs:
// a plain pool for CPU- or network-bound work, and a database-aware variant
// that gives each worker its own session and wraps each job in a transaction.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Runner is a unit of background work.
type Runner interface {
	Run() error
}

// RunnerFunc adapts a bare function to the Runner interface.
type RunnerFunc func() error

func (f RunnerFunc) Run() error { return f() }

// Pool runs jobs on a fixed set of long-lived workers. Submit blocks when the
// queue is full, which backpressures producers instead of growing unbounded.
type Pool struct {
	jobs     chan Runner
	wg       sync.WaitGroup
	failures atomic.Int64
	logger   *slog.Logger

	closeOnce sync.Once
}

type PoolOption func(*Pool)

func WithLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// NewPool starts size workers reading from a queue of the same depth.
func NewPool(size int, opts ...PoolOption) (*Pool, error) {
	if size < 1 {
		return nil, errors.New("worker: pool size must be at least 1")
	}
	p := &Pool{
		jobs:   make(chan Runner, size),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work(i)
	}
	return p, nil
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.runOne(id, job)
	}
}

// runOne isolates a single job so a panic takes down the job, not the worker.
func (p *Pool) runOne(id int, job Runner) {
	defer func() {
		if r := recover(); r != nil {
			p.failures.Add(1)
			p.logger.Error("job panicked", "worker", id, "panic", fmt.Sprint(r))
		}
	}()
	if err := job.Run(); err != nil {
		p.failures.Add(1)
		p.logger.Warn("job failed", "worker", id, "error", err)
	}
}

// Submit queues a job, blocking until a slot frees up.
func (p *Pool) Submit(job Runner) {
	p.jobs <- job
}

// SubmitFunc queues a bare function.
func (p *Pool) SubmitFunc(fn func() error) {
	p.Submit(RunnerFunc(fn))
}

// Failures reports how many jobs have returned an error or panicked.
func (p *Pool) Failures() int64 {
	return p.failures.Load()
}

// Close stops accepting work and waits for in-flight jobs to finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.jobs) })
	p.wg.Wait()
}
