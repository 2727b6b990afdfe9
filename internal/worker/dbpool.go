package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TxRunner is a unit of database work. It runs inside a transaction owned by
// the pool: a returned error or a panic rolls the transaction back, a nil
// return commits it.
type TxRunner interface {
	RunTx(ctx context.Context, tx pgx.Tx) error
}

// TxRunnerFunc adapts a bare function to the TxRunner interface.
type TxRunnerFunc func(ctx context.Context, tx pgx.Tx) error

func (f TxRunnerFunc) RunTx(ctx context.Context, tx pgx.Tx) error { return f(ctx, tx) }

// DBPool is the database-aware pool variant. Each worker pins one connection
// for its lifetime so jobs on the same worker share session state, and each
// job runs in its own transaction.
type DBPool struct {
	db       *pgxpool.Pool
	jobs     chan TxRunner
	wg       sync.WaitGroup
	failures atomic.Int64
	logger   *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type DBPoolOption func(*DBPool)

func WithDBLogger(logger *slog.Logger) DBPoolOption {
	return func(p *DBPool) { p.logger = logger }
}

func NewDBPool(db *pgxpool.Pool, size int, opts ...DBPoolOption) (*DBPool, error) {
	if db == nil {
		return nil, errors.New("worker: database pool is required")
	}
	if size < 1 {
		return nil, errors.New("worker: pool size must be at least 1")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &DBPool{
		db:     db,
		jobs:   make(chan TxRunner, size),
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
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

func (p *DBPool) work(id int) {
	defer p.wg.Done()

	conn, err := p.db.Acquire(p.ctx)
	if err != nil {
		p.logger.Error("worker could not acquire session", "worker", id, "error", err)
		// Drain jobs without a session rather than deadlocking producers.
		for range p.jobs {
			p.failures.Add(1)
		}
		return
	}
	defer conn.Release()

	for job := range p.jobs {
		p.runOne(id, conn, job)
	}
}

func (p *DBPool) runOne(id int, conn *pgxpool.Conn, job TxRunner) {
	tx, err := conn.Begin(p.ctx)
	if err != nil {
		p.failures.Add(1)
		p.logger.Warn("job transaction begin failed", "worker", id, "error", err)
		return
	}

	committed := false
	defer func() {
		if r := recover(); r != nil {
			p.failures.Add(1)
			p.logger.Error("job panicked", "worker", id, "panic", fmt.Sprint(r))
		}
		if !committed {
			_ = tx.Rollback(p.ctx)
		}
	}()

	if err := job.RunTx(p.ctx, tx); err != nil {
		p.failures.Add(1)
		p.logger.Warn("job failed, rolling back", "worker", id, "error", err)
		return
	}
	if err := tx.Commit(p.ctx); err != nil {
		p.failures.Add(1)
		p.logger.Warn("job commit failed", "worker", id, "error", err)
		return
	}
	committed = true
}

// Submit queues a transactional job, blocking until a slot frees up.
func (p *DBPool) Submit(job TxRunner) {
	p.jobs <- job
}

// Failures reports how many jobs have failed, panicked, or failed to commit.
func (p *DBPool) Failures() int64 {
	return p.failures.Load()
}

// Close stops accepting work, waits for in-flight jobs, and releases the
// pinned sessions.
func (p *DBPool) Close() {
	p.closeOnce.Do(func() { close(p.jobs) })
	p.wg.Wait()
	p.cancel()
}
