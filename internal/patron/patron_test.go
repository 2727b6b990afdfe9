package patron

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circulation/pkg/sentinel"
)

func TestField_TriState(t *testing.T) {
	var unset Field[string]
	assert.False(t, unset.IsSet())
	assert.False(t, unset.IsNone())
	assert.Equal(t, "fallback", unset.Or("fallback"))

	set := Of("value")
	assert.True(t, set.IsSet())
	v, ok := set.Value()
	assert.True(t, ok)
	assert.Equal(t, "value", v)

	none := NoValue[string]()
	assert.True(t, none.IsNone())
	assert.False(t, none.IsSet())
	assert.Equal(t, "fallback", none.Or("fallback"))
}

func TestData_UseAuthorizationIdentifier(t *testing.T) {
	t.Run("promotes presented identifier to front", func(t *testing.T) {
		d := &Data{AuthorizationIdentifiers: []string{"0", "A1", "current"}}
		d.UseAuthorizationIdentifier("current")
		assert.Equal(t, []string{"current", "0", "A1"}, d.AuthorizationIdentifiers)
	})

	t.Run("inserts unknown identifier at front without dropping any", func(t *testing.T) {
		d := &Data{AuthorizationIdentifiers: []string{"A1", "B2"}}
		d.UseAuthorizationIdentifier("new")
		assert.Equal(t, []string{"new", "A1", "B2"}, d.AuthorizationIdentifiers)
	})

	t.Run("already preferred identifier stays put", func(t *testing.T) {
		d := &Data{AuthorizationIdentifiers: []string{"A1", "B2"}}
		d.UseAuthorizationIdentifier("A1")
		assert.Equal(t, []string{"A1", "B2"}, d.AuthorizationIdentifiers)
	})

	t.Run("empty identifier is a no-op", func(t *testing.T) {
		d := &Data{AuthorizationIdentifiers: []string{"A1"}}
		d.UseAuthorizationIdentifier("")
		assert.Equal(t, []string{"A1"}, d.AuthorizationIdentifiers)
	})
}

func TestData_ApplyTo(t *testing.T) {
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	expires := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("set fields overwrite, unset fields keep local values", func(t *testing.T) {
		p := &Patron{
			EmailAddress: "old@example.com",
			PersonalName: "Existing Name",
			BlockReason:  "manual",
		}
		d := &Data{
			PermanentID:              Of("12345"),
			AuthorizationIdentifiers: []string{"55555"},
			EmailAddress:             Of("new@example.com"),
			AuthorizationExpires:     Of(expires),
			Fines:                    Of(decimal.RequireFromString("3.50")),
			Complete:                 true,
		}
		d.ApplyTo(p, now)

		assert.Equal(t, "12345", p.ExternalIdentifier)
		assert.Equal(t, "55555", p.AuthorizationIdentifier)
		assert.Equal(t, "new@example.com", p.EmailAddress)
		assert.Equal(t, "Existing Name", p.PersonalName, "unset field must not erase")
		assert.Equal(t, "manual", p.BlockReason)
		require.NotNil(t, p.AuthorizationExpires)
		assert.Equal(t, expires, *p.AuthorizationExpires)
		assert.True(t, p.Fines.Equal(decimal.RequireFromString("3.50")))
		assert.Equal(t, now, p.LastExternalSync)
	})

	t.Run("explicit no-value erases", func(t *testing.T) {
		p := &Patron{EmailAddress: "old@example.com", AuthorizationExpires: &expires}
		d := &Data{
			EmailAddress:         NoValue[string](),
			AuthorizationExpires: NoValue[time.Time](),
		}
		d.ApplyTo(p, now)

		assert.Empty(t, p.EmailAddress)
		assert.Nil(t, p.AuthorizationExpires)
	})

	t.Run("incomplete snapshot does not bump sync timestamp", func(t *testing.T) {
		p := &Patron{}
		d := &Data{Username: Of("user")}
		d.ApplyTo(p, now)
		assert.True(t, p.LastExternalSync.IsZero())
	})
}

func TestPatron_NeedsSync(t *testing.T) {
	now := time.Now()
	window := 12 * time.Hour

	fresh := &Patron{LastExternalSync: now.Add(-time.Hour)}
	assert.False(t, fresh.NeedsSync(now, window))

	stale := &Patron{LastExternalSync: now.Add(-13 * time.Hour)}
	assert.True(t, stale.NeedsSync(now, window))

	never := &Patron{}
	assert.True(t, never.NeedsSync(now, window))
}

func TestMemoryStore_CreateOrFetch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	created, err := store.CreateOrFetch(ctx, &Patron{
		Library:                 "nypl",
		ExternalIdentifier:      "12345",
		AuthorizationIdentifier: "55555",
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	// Second create for the same external identifier fetches the existing row.
	again, err := store.CreateOrFetch(ctx, &Patron{
		Library:            "nypl",
		ExternalIdentifier: "12345",
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)

	found, err := store.FindByAuthorization(ctx, "nypl", "55555")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = store.FindByAuthorization(ctx, "nypl", "missing")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}
