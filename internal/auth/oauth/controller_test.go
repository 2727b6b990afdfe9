package oauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circulation/internal/credential"
	"circulation/internal/patron"
)

func newController(t *testing.T, providers ...*Provider) (*Controller, patron.Store, credential.Store) {
	t.Helper()
	patrons := patron.NewMemoryStore()
	creds := credential.NewMemoryStore()
	credSvc, err := credential.New(creds)
	require.NoError(t, err)
	c, err := NewController(providers, patrons, credSvc)
	require.NoError(t, err)
	return c, patrons, creds
}

func TestStateRoundTrip(t *testing.T) {
	encoded := EncodeState(State{Provider: "clever", Nonce: "n-1"})

	decoded, err := DecodeState(encoded)

	require.NoError(t, err)
	assert.Equal(t, "clever", decoded.Provider)
	assert.Equal(t, "n-1", decoded.Nonce)
}

func TestDecodeStateRejectsGarbage(t *testing.T) {
	_, err := DecodeState("not%%%state")
	assert.Error(t, err)

	_, err = DecodeState(EncodeState(State{Nonce: "n-1"}))
	assert.Error(t, err)
}

func TestBeginUnknownProvider(t *testing.T) {
	s := newIdentityServer(t)
	c, _, _ := newController(t, newProvider(t, s))

	redirect, failure, err := c.Begin("nonesuch", "https://circ.example.org/callback")

	require.NoError(t, err)
	assert.Empty(t, redirect)
	require.NotNil(t, failure)
	assert.Equal(t, FailureUnknownProvider, failure.Code)
}

func TestBeginBuildsAuthorizeURL(t *testing.T) {
	s := newIdentityServer(t)
	c, _, _ := newController(t, newProvider(t, s))

	redirect, failure, err := c.Begin("clever", "https://circ.example.org/callback")

	require.NoError(t, err)
	require.Nil(t, failure)
	assert.Contains(t, redirect, "/authorize?")
	assert.Contains(t, redirect, "state=")
}

func TestCallbackCreatesPatronAndCredential(t *testing.T) {
	s := newIdentityServer(t)
	s.addStudent("bearer-1", "u-100", "sch-1", "10")
	s.addSchool("sch-1", "NCES-OK")
	p := newProvider(t, s)
	c, patrons, _ := newController(t, p)
	state := EncodeState(State{Provider: "clever", Nonce: "n-1"})

	outcome, failure, err := c.Callback(context.Background(), state, "code-1", "https://circ.example.org/callback")

	require.NoError(t, err)
	require.Nil(t, failure)
	require.NotNil(t, outcome)
	assert.Equal(t, "clever|u-100", outcome.Patron.ExternalIdentifier)
	assert.Equal(t, "u-100", outcome.Patron.AuthorizationIdentifier)
	assert.Equal(t, "H", outcome.Patron.ExternalType)
	assert.False(t, outcome.Patron.LastExternalSync.IsZero())

	assert.Equal(t, "bearer-1", outcome.Credential.Token)
	require.NotNil(t, outcome.Credential.Expires)

	stored, err := patrons.FindByExternalIdentifier(context.Background(), "main", "clever|u-100")
	require.NoError(t, err)
	assert.Equal(t, outcome.Patron.ID, stored.ID)
}

func TestCallbackReusesExistingPatron(t *testing.T) {
	s := newIdentityServer(t)
	s.addStudent("bearer-1", "u-100", "sch-1", "10")
	s.addSchool("sch-1", "NCES-OK")
	p := newProvider(t, s)
	c, patrons, _ := newController(t, p)
	seeded, err := patrons.CreateOrFetch(context.Background(), &patron.Patron{
		Library:            "main",
		ExternalIdentifier: "clever|u-100",
	})
	require.NoError(t, err)
	state := EncodeState(State{Provider: "clever", Nonce: "n-1"})

	outcome, failure, err := c.Callback(context.Background(), state, "code-1", "https://circ.example.org/callback")

	require.NoError(t, err)
	require.Nil(t, failure)
	assert.Equal(t, seeded.ID, outcome.Patron.ID)
}

func TestCallbackForgedState(t *testing.T) {
	s := newIdentityServer(t)
	c, _, _ := newController(t, newProvider(t, s))

	outcome, failure, err := c.Callback(context.Background(), "forged", "code-1", "https://circ.example.org/callback")

	require.NoError(t, err)
	assert.Nil(t, outcome)
	require.NotNil(t, failure)
	assert.Equal(t, FailureUnknownProvider, failure.Code)
	assert.Zero(t, s.tokenRequests)
}

func TestCallbackStateNamesUnconfiguredProvider(t *testing.T) {
	s := newIdentityServer(t)
	c, _, _ := newController(t, newProvider(t, s))
	state := EncodeState(State{Provider: "retired-idp", Nonce: "n-1"})

	_, failure, err := c.Callback(context.Background(), state, "code-1", "https://circ.example.org/callback")

	require.NoError(t, err)
	require.NotNil(t, failure)
	assert.Equal(t, FailureUnknownProvider, failure.Code)
	assert.Zero(t, s.tokenRequests)
}

func TestCallbackPropagatesLookupFailure(t *testing.T) {
	s := newIdentityServer(t)
	s.addStudent("bearer-1", "u-100", "sch-2", "10")
	s.addSchool("sch-2", "NCES-OTHER")
	c, _, _ := newController(t, newProvider(t, s))
	state := EncodeState(State{Provider: "clever", Nonce: "n-1"})

	outcome, failure, err := c.Callback(context.Background(), state, "code-1", "https://circ.example.org/callback")

	require.NoError(t, err)
	assert.Nil(t, outcome)
	require.NotNil(t, failure)
	assert.Equal(t, FailureIneligible, failure.Code)
}

func TestNewControllerValidation(t *testing.T) {
	s := newIdentityServer(t)
	p := newProvider(t, s)
	credSvc, err := credential.New(credential.NewMemoryStore())
	require.NoError(t, err)

	_, err = NewController(nil, patron.NewMemoryStore(), credSvc)
	assert.Error(t, err)

	_, err = NewController([]*Provider{p, p}, patron.NewMemoryStore(), credSvc)
	assert.Error(t, err)
}
