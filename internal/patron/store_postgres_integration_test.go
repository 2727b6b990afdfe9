//go:build integration

package patron_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circulation/internal/patron"
	"circulation/pkg/sentinel"
	"circulation/pkg/testutil/containers"
)

const patronSchema = `
CREATE TABLE IF NOT EXISTS patrons (
    id BIGSERIAL PRIMARY KEY,
    library TEXT NOT NULL,
    external_identifier TEXT NOT NULL,
    authorization_identifier TEXT NOT NULL DEFAULT '',
    username TEXT NOT NULL DEFAULT '',
    personal_name TEXT NOT NULL DEFAULT '',
    email_address TEXT NOT NULL DEFAULT '',
    authorization_expires TIMESTAMPTZ,
    fines TEXT NOT NULL DEFAULT '0',
    external_type TEXT NOT NULL DEFAULT '',
    block_reason TEXT NOT NULL DEFAULT '',
    last_external_sync TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
    UNIQUE (library, external_identifier)
)`

func newStore(t *testing.T) (*patron.PostgresStore, *containers.PostgresContainer) {
	t.Helper()
	pg := containers.NewPostgresContainer(t)
	pg.Exec(t, patronSchema)
	return patron.NewPostgresStore(pg.Pool), pg
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	expires := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	created, err := store.CreateOrFetch(ctx, &patron.Patron{
		Library:                 "main",
		ExternalIdentifier:      "12345",
		AuthorizationIdentifier: "55555",
		PersonalName:            "Doe, John",
		Fines:                   decimal.NewFromFloat(3.50),
		AuthorizationExpires:    &expires,
	})
	require.NoError(t, err)
	assert.Positive(t, created.ID)

	found, err := store.FindByAuthorization(ctx, "main", "55555")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.True(t, found.Fines.Equal(decimal.NewFromFloat(3.50)))
	require.NotNil(t, found.AuthorizationExpires)
	assert.True(t, found.AuthorizationExpires.Equal(expires))

	_, err = store.FindByAuthorization(ctx, "main", "nonesuch")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestPostgresCreateOrFetchRace(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	const racers = 8
	ids := make([]int64, racers)
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			p, err := store.CreateOrFetch(ctx, &patron.Patron{
				Library:            "main",
				ExternalIdentifier: "contested",
			})
			require.NoError(t, err)
			ids[i] = p.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id, "all racers must resolve to the same row")
	}
}

func TestPostgresUpdate(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	created, err := store.CreateOrFetch(ctx, &patron.Patron{
		Library:            "main",
		ExternalIdentifier: "12345",
	})
	require.NoError(t, err)

	created.AuthorizationIdentifier = "66666"
	created.BlockReason = "excessive fines"
	created.LastExternalSync = time.Now().UTC()
	require.NoError(t, store.Update(ctx, created))

	found, err := store.FindByExternalIdentifier(ctx, "main", "12345")
	require.NoError(t, err)
	assert.Equal(t, "66666", found.AuthorizationIdentifier)
	assert.Equal(t, "excessive fines", found.BlockReason)

	missing := *created
	missing.ID = created.ID + 999
	assert.ErrorIs(t, store.Update(ctx, &missing), sentinel.ErrNotFound)
}
