package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestService_Lookup(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("cache miss invokes refresh and caches the result", func(t *testing.T) {
		store := NewMemoryStore()
		svc, err := New(store, WithClock(fixedClock(now)))
		require.NoError(t, err)

		calls := 0
		expires := now.Add(time.Hour)
		refresh := func(context.Context) (string, *time.Time, error) {
			calls++
			return "token-1", &expires, nil
		}

		c, err := svc.Lookup(ctx, "overdrive", SiteWide, refresh, false)
		require.NoError(t, err)
		assert.Equal(t, "token-1", c.Token)
		assert.Equal(t, 1, calls)

		// Second lookup hits the cache.
		c, err = svc.Lookup(ctx, "overdrive", SiteWide, refresh, false)
		require.NoError(t, err)
		assert.Equal(t, "token-1", c.Token)
		assert.Equal(t, 1, calls)
	})

	t.Run("expired credential triggers refresh", func(t *testing.T) {
		store := NewMemoryStore()
		svc, err := New(store, WithClock(fixedClock(now)))
		require.NoError(t, err)

		past := now.Add(-time.Minute)
		require.NoError(t, store.Put(ctx, &Credential{
			DataSource: "overdrive", PatronID: SiteWide, Token: "stale", Expires: &past,
		}))

		refresh := func(context.Context) (string, *time.Time, error) {
			return "fresh", nil, nil
		}
		c, err := svc.Lookup(ctx, "overdrive", SiteWide, refresh, false)
		require.NoError(t, err)
		assert.Equal(t, "fresh", c.Token)
	})

	t.Run("credential inside expiry slack counts as expired", func(t *testing.T) {
		store := NewMemoryStore()
		svc, err := New(store, WithClock(fixedClock(now)))
		require.NoError(t, err)

		almostExpired := now.Add(10 * time.Second)
		require.NoError(t, store.Put(ctx, &Credential{
			DataSource: "overdrive", PatronID: SiteWide, Token: "stale", Expires: &almostExpired,
		}))

		c, err := svc.Lookup(ctx, "overdrive", SiteWide,
			func(context.Context) (string, *time.Time, error) { return "fresh", nil, nil }, false)
		require.NoError(t, err)
		assert.Equal(t, "fresh", c.Token)
	})

	t.Run("force bypasses a valid cached credential", func(t *testing.T) {
		store := NewMemoryStore()
		svc, err := New(store, WithClock(fixedClock(now)))
		require.NoError(t, err)

		future := now.Add(time.Hour)
		require.NoError(t, store.Put(ctx, &Credential{
			DataSource: "overdrive", PatronID: 7, Token: "rejected-by-vendor", Expires: &future,
		}))

		c, err := svc.Lookup(ctx, "overdrive", 7,
			func(context.Context) (string, *time.Time, error) { return "fresh", nil, nil }, true)
		require.NoError(t, err)
		assert.Equal(t, "fresh", c.Token)
	})

	t.Run("refresh failure propagates", func(t *testing.T) {
		svc, err := New(NewMemoryStore())
		require.NoError(t, err)

		boom := errors.New("remote down")
		_, err = svc.Lookup(ctx, "overdrive", SiteWide,
			func(context.Context) (string, *time.Time, error) { return "", nil, boom }, false)
		assert.ErrorIs(t, err, boom)
	})
}

func TestService_Revoke(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc, err := New(store)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, &Credential{DataSource: "sip2", PatronID: 3, Token: "session"}))
	require.NoError(t, svc.Revoke(ctx, "sip2", 3))

	// Revoking an absent credential is not an error.
	require.NoError(t, svc.Revoke(ctx, "sip2", 3))
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
