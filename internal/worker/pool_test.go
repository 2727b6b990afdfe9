package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circulation/internal/circ"
)

func TestPoolRunsAllJobs(t *testing.T) {
	p, err := NewPool(4)
	require.NoError(t, err)

	var ran atomic.Int64
	for i := 0; i < 100; i++ {
		p.SubmitFunc(func() error {
			ran.Add(1)
			return nil
		})
	}
	p.Close()

	assert.Equal(t, int64(100), ran.Load())
	assert.Zero(t, p.Failures())
}

func TestPoolCountsFailures(t *testing.T) {
	p, err := NewPool(2)
	require.NoError(t, err)

	p.SubmitFunc(func() error { return errors.New("boom") })
	p.SubmitFunc(func() error { return nil })
	p.SubmitFunc(func() error { return errors.New("boom again") })
	p.Close()

	assert.Equal(t, int64(2), p.Failures())
}

func TestPoolSurvivesPanics(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)

	var ran atomic.Int64
	p.SubmitFunc(func() error { panic("job went sideways") })
	p.SubmitFunc(func() error {
		ran.Add(1)
		return nil
	})
	p.Close()

	assert.Equal(t, int64(1), ran.Load())
	assert.Equal(t, int64(1), p.Failures())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p, err := NewPool(3)
	require.NoError(t, err)

	var current, peak atomic.Int64
	var mu sync.Mutex
	for i := 0; i < 30; i++ {
		p.SubmitFunc(func() error {
			n := current.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			current.Add(-1)
			return nil
		})
	}
	p.Close()

	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestNewPoolRejectsZeroSize(t *testing.T) {
	_, err := NewPool(0)
	assert.Error(t, err)
}

type memorySnapshotStore struct {
	mu    sync.Mutex
	saved [][]Snapshot
}

func (m *memorySnapshotStore) SaveAvailability(ctx context.Context, tx pgx.Tx, snapshots []Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, snapshots)
	return nil
}

// syncSubmitter runs each job inline without a transaction, standing in for
// the database pool in sweep tests.
type syncSubmitter struct {
	failures int
}

func (s *syncSubmitter) Submit(job TxRunner) {
	if err := job.RunTx(context.Background(), nil); err != nil {
		s.failures++
	}
}

type stubSource struct {
	name      string
	snapshots []Snapshot
	err       error
}

func (s *stubSource) CollectionName() string { return s.name }

func (s *stubSource) Availability(ctx context.Context) ([]Snapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return append([]Snapshot(nil), s.snapshots...), nil
}

func TestSweepPersistsSnapshotsPerCollection(t *testing.T) {
	p := &syncSubmitter{}
	store := &memorySnapshotStore{}
	sweep := NewSweep(p, store, []SweepSource{
		&stubSource{name: "main-axis", snapshots: []Snapshot{
			{Identifier: circ.Identifier{Type: "axis360", Value: "T-1"}, TotalCopies: 5, AvailableCopies: 2},
		}},
		&stubSource{name: "branch-axis", snapshots: []Snapshot{
			{Identifier: circ.Identifier{Type: "axis360", Value: "T-2"}, TotalCopies: 1, AvailableCopies: 0},
		}},
	}, nil)

	sweep.Run(context.Background())

	require.Len(t, store.saved, 2)
	collections := map[string]bool{}
	for _, batch := range store.saved {
		require.Len(t, batch, 1)
		collections[batch[0].Collection] = true
		assert.False(t, batch[0].ObservedAt.IsZero())
	}
	assert.True(t, collections["main-axis"])
	assert.True(t, collections["branch-axis"])
	assert.Zero(t, p.failures)
}

func TestSweepFailuresAreIsolated(t *testing.T) {
	p := &syncSubmitter{}
	store := &memorySnapshotStore{}
	sweep := NewSweep(p, store, []SweepSource{
		&stubSource{name: "broken", err: errors.New("vendor down")},
		&stubSource{name: "healthy", snapshots: []Snapshot{{}}},
	}, nil)

	sweep.Run(context.Background())

	assert.Equal(t, 1, p.failures)
	require.Len(t, store.saved, 1)
	assert.Equal(t, "healthy", store.saved[0][0].Collection)
}
