package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"circulation/internal/circ"
)

// Snapshot is one title's license state as a vendor reported it during a
// sweep.
type Snapshot struct {
	Collection      string
	Identifier      circ.Identifier
	TotalCopies     int
	AvailableCopies int
	HoldQueueSize   int
	ObservedAt      time.Time
}

// SweepSource lists current license state for one collection. Vendors without
// a bulk availability endpoint simply do not appear as sources.
type SweepSource interface {
	CollectionName() string
	Availability(ctx context.Context) ([]Snapshot, error)
}

// SnapshotStore persists sweep observations inside the job's transaction, so
// a collection's snapshots land all-or-nothing.
type SnapshotStore interface {
	SaveAvailability(ctx context.Context, tx pgx.Tx, snapshots []Snapshot) error
}

// TxSubmitter queues transactional jobs. *DBPool satisfies it.
type TxSubmitter interface {
	Submit(job TxRunner)
}

// Sweep fans one availability job per collection out onto the pool. Each
// collection fails or succeeds independently; the pool's failure counter is
// the aggregate signal.
type Sweep struct {
	pool    TxSubmitter
	store   SnapshotStore
	sources []SweepSource
	logger  *slog.Logger
	now     func() time.Time
}

func NewSweep(pool TxSubmitter, store SnapshotStore, sources []SweepSource, logger *slog.Logger) *Sweep {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweep{pool: pool, store: store, sources: sources, logger: logger, now: time.Now}
}

// Run submits one job per source and returns once all are queued. Completion
// is observed through the pool.
func (s *Sweep) Run(ctx context.Context) {
	for _, source := range s.sources {
		src := source
		s.pool.Submit(TxRunnerFunc(func(_ context.Context, tx pgx.Tx) error {
			return s.sweepOne(ctx, tx, src)
		}))
	}
}

func (s *Sweep) sweepOne(ctx context.Context, tx pgx.Tx, src SweepSource) error {
	start := s.now()
	snapshots, err := src.Availability(ctx)
	if err != nil {
		return err
	}
	observed := s.now()
	for i := range snapshots {
		snapshots[i].Collection = src.CollectionName()
		snapshots[i].ObservedAt = observed
	}
	if err := s.store.SaveAvailability(ctx, tx, snapshots); err != nil {
		return err
	}
	s.logger.Info("availability sweep finished",
		"collection", src.CollectionName(),
		"titles", len(snapshots),
		"duration", observed.Sub(start))
	return nil
}
