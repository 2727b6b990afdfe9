// Package credential caches possibly-expiring tokens issued by remote systems:
// OAuth bearer tokens, vendor session tokens, Adobe-style DRM credentials.
// Credentials outlive individual requests and are invalidated by expiry or
// explicit revocation.
package credential

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"circulation/pkg/sentinel"
)

// SiteWide marks a credential owned by the deployment rather than one patron.
const SiteWide int64 = 0

// Credential is a (owner, data-source, token) triple with optional expiration.
type Credential struct {
	DataSource string
	PatronID   int64
	Token      string
	Expires    *time.Time
}

// Expired reports whether the credential is past its expiration at the given
// instant. Credentials without an expiration never expire.
func (c *Credential) Expired(now time.Time) bool {
	return c.Expires != nil && !now.Before(*c.Expires)
}

// Store persists credentials keyed by (data-source, patron).
type Store interface {
	Get(ctx context.Context, dataSource string, patronID int64) (*Credential, error)
	Put(ctx context.Context, c *Credential) error
	Delete(ctx context.Context, dataSource string, patronID int64) error
}

// RefreshFunc obtains a fresh token from the remote system. It returns the
// token and its expiration, or nil when the token never expires.
type RefreshFunc func(ctx context.Context) (token string, expires *time.Time, err error)

// Tokens offered to vendors slightly before their wall-clock expiry are
// routinely rejected; treat a credential inside the slack as already expired.
const expirySlack = 30 * time.Second

type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	svc := &Service{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Lookup returns the cached credential for (dataSource, patronID), invoking
// refresh when no usable credential exists. Callers that received a 401 from
// the remote pass force=true to discard the cache and refresh exactly once.
func (s *Service) Lookup(ctx context.Context, dataSource string, patronID int64, refresh RefreshFunc, force bool) (*Credential, error) {
	if !force {
		cached, err := s.store.Get(ctx, dataSource, patronID)
		switch {
		case err == nil && !s.expired(cached):
			return cached, nil
		case err != nil && !errors.Is(err, sentinel.ErrNotFound):
			return nil, err
		}
	}

	token, expires, err := refresh(ctx)
	if err != nil {
		return nil, err
	}
	fresh := &Credential{
		DataSource: dataSource,
		PatronID:   patronID,
		Token:      token,
		Expires:    expires,
	}
	if err := s.store.Put(ctx, fresh); err != nil {
		// A failed cache write is not worth failing the request over.
		s.logger.Warn("failed to cache credential",
			"data_source", dataSource, "patron_id", patronID, "error", err)
	}
	return fresh, nil
}

// Revoke removes a credential so the next Lookup refreshes.
func (s *Service) Revoke(ctx context.Context, dataSource string, patronID int64) error {
	err := s.store.Delete(ctx, dataSource, patronID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Service) expired(c *Credential) bool {
	if c.Expires == nil {
		return false
	}
	return !s.now().Before(c.Expires.Add(-expirySlack))
}
