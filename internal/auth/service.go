package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"circulation/internal/patron"
	"circulation/pkg/sentinel"
)

// DefaultStalenessWindow is how long a locally persisted patron record is
// trusted before the next successful authentication opportunistically
// refreshes it.
const DefaultStalenessWindow = 12 * time.Hour

// Service applies remote authentication results to persisted patron records.
type Service struct {
	store     patron.Store
	provider  BasicProvider
	staleness time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type ServiceOption func(*Service)

func WithStalenessWindow(d time.Duration) ServiceOption {
	return func(s *Service) { s.staleness = d }
}

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(store patron.Store, provider BasicProvider, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: patron store is required")
	}
	if provider == nil {
		return nil, errors.New("auth: provider is required")
	}
	svc := &Service{
		store:     store,
		provider:  provider,
		staleness: DefaultStalenessWindow,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Authenticate validates the credentials against the remote system and merges
// the result into the persisted patron, creating the record on first sight.
// A failed authentication returns (nil, nil); errors are reserved for remote
// integration failures.
func (s *Service) Authenticate(ctx context.Context, identifier, secret string) (*patron.Patron, error) {
	data, err := s.provider.RemoteAuthenticate(ctx, identifier, secret)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	data.UseAuthorizationIdentifier(identifier)

	now := s.now()
	record, err := s.lookupLocal(ctx, data)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, err
		}
		created := &patron.Patron{Library: s.provider.Library()}
		data.ApplyTo(created, now)
		record, err = s.store.CreateOrFetch(ctx, created)
		if err != nil {
			return nil, err
		}
		// CreateOrFetch may have returned a row another request just created;
		// fold this authentication's data into it either way.
	}

	// Opportunistic refresh: if the remote only gave us a lookup stub and the
	// local record is stale, fetch the fuller profile now. Failures downgrade
	// to a warning; authentication already succeeded.
	if !data.Complete && record.NeedsSync(now, s.staleness) {
		full, lookupErr := s.provider.RemotePatronLookup(ctx, identifier)
		if lookupErr != nil {
			s.logger.Warn("patron profile refresh failed",
				"provider", s.provider.Name(), "error", lookupErr)
		} else if full != nil {
			full.UseAuthorizationIdentifier(identifier)
			data = full
		}
	}

	data.ApplyTo(record, now)
	if err := s.store.Update(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) lookupLocal(ctx context.Context, data *patron.Data) (*patron.Patron, error) {
	library := s.provider.Library()
	if id, ok := data.PermanentID.Value(); ok {
		if p, err := s.store.FindByExternalIdentifier(ctx, library, id); err == nil {
			return p, nil
		} else if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, err
		}
	}
	for _, authID := range data.AuthorizationIdentifiers {
		p, err := s.store.FindByAuthorization(ctx, library, authID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, err
		}
	}
	return nil, sentinel.ErrNotFound
}
