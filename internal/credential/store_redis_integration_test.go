//go:build integration

package credential_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circulation/internal/credential"
	"circulation/pkg/sentinel"
	"circulation/pkg/testutil/containers"
)

func TestRedisStoreRoundTrip(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	store := credential.NewRedisStore(rc.Client)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, store.Put(ctx, &credential.Credential{
		DataSource: "overdrive:main-od",
		PatronID:   credential.SiteWide,
		Token:      "token-1",
		Expires:    &expires,
	}))

	got, err := store.Get(ctx, "overdrive:main-od", credential.SiteWide)
	require.NoError(t, err)
	assert.Equal(t, "token-1", got.Token)
	require.NotNil(t, got.Expires)
	assert.True(t, got.Expires.Equal(expires))

	_, err = store.Get(ctx, "overdrive:main-od", 42)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestRedisStoreDelete(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	store := credential.NewRedisStore(rc.Client)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &credential.Credential{
		DataSource: "axis360:main-axis",
		PatronID:   7,
		Token:      "token-1",
	}))
	require.NoError(t, store.Delete(ctx, "axis360:main-axis", 7))

	_, err := store.Get(ctx, "axis360:main-axis", 7)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "axis360:main-axis", 7), sentinel.ErrNotFound)
}

func TestRedisStoreExpiryIsEnforcedByTTL(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	store := credential.NewRedisStore(rc.Client)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	require.NoError(t, store.Put(ctx, &credential.Credential{
		DataSource: "overdrive:main-od",
		PatronID:   credential.SiteWide,
		Token:      "stale",
		Expires:    &past,
	}))

	_, err := store.Get(ctx, "overdrive:main-od", credential.SiteWide)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}
