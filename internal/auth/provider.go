// Package auth defines the authentication-provider family: the contracts every
// provider implements, the protocol registry that builds providers from
// configuration, and the service that turns remote authentication results into
// persisted patron records.
package auth

import (
	"context"

	"circulation/internal/patron"
)

// Provider is the capability every authentication provider exposes.
type Provider interface {
	// Name identifies this provider instance in configuration and self-test
	// reports.
	Name() string

	// Library returns the library this provider instance serves.
	Library() string
}

// BasicProvider authenticates an (identifier, secret) pair against a remote
// system.
type BasicProvider interface {
	Provider

	// RemoteAuthenticate validates the credentials remotely. A wrong secret or
	// unknown patron is an expected outcome: the result is (nil, nil), never an
	// error. Errors are reserved for transport and protocol failures.
	RemoteAuthenticate(ctx context.Context, identifier, secret string) (*patron.Data, error)

	// RemotePatronLookup fetches a fuller profile without re-authenticating,
	// used to refresh stale local data. Providers that cannot look up without
	// a secret return (nil, nil).
	RemotePatronLookup(ctx context.Context, identifier string) (*patron.Data, error)

	// TestingPatron resolves the designated test patron for the self-test
	// framework. Sourced from provider configuration, never from production
	// patron data.
	TestingPatron() (identifier, secret string, ok bool)
}
