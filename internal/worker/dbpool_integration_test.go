//go:build integration

package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circulation/internal/circ"
	"circulation/internal/worker"
	"circulation/pkg/testutil/containers"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS availability_snapshots (
    collection TEXT NOT NULL,
    identifier_type TEXT NOT NULL,
    identifier TEXT NOT NULL,
    total_copies INT NOT NULL,
    available_copies INT NOT NULL,
    hold_queue_size INT NOT NULL,
    observed_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (collection, identifier_type, identifier)
)`

func countSnapshots(t *testing.T, pg *containers.PostgresContainer, collection string) int {
	t.Helper()
	var n int
	err := pg.Pool.QueryRow(context.Background(),
		"SELECT count(*) FROM availability_snapshots WHERE collection = $1", collection).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestDBPoolCommitsSuccessfulJobs(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	pg.Exec(t, snapshotSchema)

	pool, err := worker.NewDBPool(pg.Pool, 2)
	require.NoError(t, err)

	store := worker.NewPostgresSnapshotStore()
	pool.Submit(worker.TxRunnerFunc(func(ctx context.Context, tx pgx.Tx) error {
		return store.SaveAvailability(ctx, tx, []worker.Snapshot{
			{
				Collection:      "main-axis",
				Identifier:      circ.Identifier{Type: "axis360", Value: "T-1"},
				TotalCopies:     5,
				AvailableCopies: 2,
				ObservedAt:      time.Now().UTC(),
			},
			{
				Collection:      "main-axis",
				Identifier:      circ.Identifier{Type: "axis360", Value: "T-2"},
				TotalCopies:     1,
				AvailableCopies: 0,
				ObservedAt:      time.Now().UTC(),
			},
		})
	}))
	pool.Close()

	assert.Zero(t, pool.Failures())
	assert.Equal(t, 2, countSnapshots(t, pg, "main-axis"))
}

func TestDBPoolRollsBackFailedJobsOnly(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	pg.Exec(t, snapshotSchema)

	pool, err := worker.NewDBPool(pg.Pool, 2)
	require.NoError(t, err)

	store := worker.NewPostgresSnapshotStore()
	save := func(collection string) worker.Snapshot {
		return worker.Snapshot{
			Collection: collection,
			Identifier: circ.Identifier{Type: "axis360", Value: "T-1"},
			ObservedAt: time.Now().UTC(),
		}
	}

	// This job writes and then fails; its insert must not survive.
	pool.Submit(worker.TxRunnerFunc(func(ctx context.Context, tx pgx.Tx) error {
		if err := store.SaveAvailability(ctx, tx, []worker.Snapshot{save("doomed")}); err != nil {
			return err
		}
		return errors.New("vendor went away mid-sweep")
	}))
	pool.Submit(worker.TxRunnerFunc(func(ctx context.Context, tx pgx.Tx) error {
		return store.SaveAvailability(ctx, tx, []worker.Snapshot{save("healthy")})
	}))
	pool.Close()

	assert.Equal(t, int64(1), pool.Failures())
	assert.Zero(t, countSnapshots(t, pg, "doomed"), "failed job's writes rolled back")
	assert.Equal(t, 1, countSnapshots(t, pg, "healthy"))
}

func TestDBPoolSweepEndToEnd(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	pg.Exec(t, snapshotSchema)

	pool, err := worker.NewDBPool(pg.Pool, 2)
	require.NoError(t, err)

	sweep := worker.NewSweep(pool, worker.NewPostgresSnapshotStore(), []worker.SweepSource{
		&fixedSource{name: "main-axis", snapshots: []worker.Snapshot{
			{Identifier: circ.Identifier{Type: "axis360", Value: "T-1"}, TotalCopies: 3, AvailableCopies: 1},
		}},
		&fixedSource{name: "broken", err: errors.New("availability endpoint down")},
	}, nil)
	sweep.Run(context.Background())
	pool.Close()

	assert.Equal(t, int64(1), pool.Failures())
	assert.Equal(t, 1, countSnapshots(t, pg, "main-axis"))
	assert.Zero(t, countSnapshots(t, pg, "broken"))
}

type fixedSource struct {
	name      string
	snapshots []worker.Snapshot
	err       error
}

func (s *fixedSource) CollectionName() string { return s.name }

func (s *fixedSource) Availability(ctx context.Context) ([]worker.Snapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return append([]worker.Snapshot(nil), s.snapshots...), nil
}
