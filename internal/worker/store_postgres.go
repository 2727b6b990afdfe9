package worker

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// PostgresSnapshotStore persists availability snapshots, keeping the latest
// observation per (collection, identifier). Writes go through the job's
// transaction so a collection's sweep commits or rolls back as a unit.
type PostgresSnapshotStore struct{}

func NewPostgresSnapshotStore() *PostgresSnapshotStore {
	return &PostgresSnapshotStore{}
}

const upsertSnapshot = `
INSERT INTO availability_snapshots
    (collection, identifier_type, identifier, total_copies, available_copies, hold_queue_size, observed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (collection, identifier_type, identifier) DO UPDATE SET
    total_copies = EXCLUDED.total_copies,
    available_copies = EXCLUDED.available_copies,
    hold_queue_size = EXCLUDED.hold_queue_size,
    observed_at = EXCLUDED.observed_at`

func (s *PostgresSnapshotStore) SaveAvailability(ctx context.Context, tx pgx.Tx, snapshots []Snapshot) error {
	for _, snap := range snapshots {
		_, err := tx.Exec(ctx, upsertSnapshot,
			snap.Collection,
			snap.Identifier.Type,
			snap.Identifier.Value,
			snap.TotalCopies,
			snap.AvailableCopies,
			snap.HoldQueueSize,
			snap.ObservedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}
