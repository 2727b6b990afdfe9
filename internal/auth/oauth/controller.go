package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"circulation/internal/credential"
	"circulation/internal/patron"
	"circulation/pkg/sentinel"
)

// State is the payload round-tripped through the identity provider. The
// provider name routes the callback; the nonce keeps states unique.
type State struct {
	Provider string `json:"provider"`
	Nonce    string `json:"nonce"`
}

// EncodeState serializes a state payload into the opaque string handed to the
// identity provider.
func EncodeState(s State) string {
	raw, _ := json.Marshal(s)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeState reverses EncodeState. A state this service did not mint fails
// to decode.
func DecodeState(encoded string) (State, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return State{}, fmt.Errorf("oauth: undecodable state: %w", err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, fmt.Errorf("oauth: malformed state payload: %w", err)
	}
	if s.Provider == "" {
		return State{}, errors.New("oauth: state names no provider")
	}
	return s, nil
}

// Controller coordinates the OAuth flow across the configured providers: it
// mints state tokens, routes callbacks back to the provider that started
// them, and lands successful authentications in the patron and credential
// stores.
type Controller struct {
	providers   map[string]*Provider
	patrons     patron.Store
	credentials *credential.Service
	logger      *slog.Logger
	now         func() time.Time
}

type ControllerOption func(*Controller)

func ControllerWithLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

func ControllerWithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

func NewController(providers []*Provider, patrons patron.Store, credentials *credential.Service, opts ...ControllerOption) (*Controller, error) {
	if len(providers) == 0 {
		return nil, errors.New("oauth: at least one provider is required")
	}
	if patrons == nil {
		return nil, errors.New("oauth: patron store is required")
	}
	if credentials == nil {
		return nil, errors.New("oauth: credential service is required")
	}

	byName := make(map[string]*Provider, len(providers))
	for _, p := range providers {
		if _, dup := byName[p.Name()]; dup {
			return nil, fmt.Errorf("oauth: provider %q registered twice", p.Name())
		}
		byName[p.Name()] = p
	}

	c := &Controller{
		providers:   byName,
		patrons:     patrons,
		credentials: credentials,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Begin starts the flow for the named provider, returning the authorize URL
// the patron's browser should be redirected to.
func (c *Controller) Begin(providerName, redirectURI string) (string, *Failure, error) {
	p, ok := c.providers[providerName]
	if !ok {
		return "", &Failure{
			Code:    FailureUnknownProvider,
			Message: fmt.Sprintf("no OAuth provider named %q is configured", providerName),
		}, nil
	}
	state := EncodeState(State{Provider: providerName, Nonce: uuid.NewString()})
	return p.ExternalAuthenticateURL(state, redirectURI), nil, nil
}

// Outcome is the result of a completed callback: the local patron record and
// the cached bearer credential.
type Outcome struct {
	Patron     *patron.Patron
	Credential *credential.Credential
}

// Callback finishes the flow. The state token routes back to the provider
// that minted it; an unrecognized provider name is a typed failure rather
// than an error, because a stale or forged state is an expected input.
func (c *Controller) Callback(ctx context.Context, encodedState, code, redirectURI string) (*Outcome, *Failure, error) {
	state, err := DecodeState(encodedState)
	if err != nil {
		return nil, &Failure{Code: FailureUnknownProvider, Message: err.Error()}, nil
	}
	p, ok := c.providers[state.Provider]
	if !ok {
		return nil, &Failure{
			Code:    FailureUnknownProvider,
			Message: fmt.Sprintf("state names unconfigured provider %q", state.Provider),
		}, nil
	}

	token, failure, err := p.ExchangeCode(ctx, code, redirectURI)
	if err != nil {
		return nil, nil, err
	}
	if failure != nil {
		return nil, failure, nil
	}

	data, failure, err := p.RemotePatronLookup(ctx, token.AccessToken)
	if err != nil {
		return nil, nil, err
	}
	if failure != nil {
		return nil, failure, nil
	}

	record, err := c.landPatron(ctx, p, data)
	if err != nil {
		return nil, nil, err
	}

	expires := token.Expires
	cred, err := c.credentials.Lookup(ctx, p.Name(), record.ID,
		func(context.Context) (string, *time.Time, error) {
			return token.AccessToken, &expires, nil
		}, true)
	if err != nil {
		return nil, nil, err
	}

	c.logger.Info("oauth authentication completed",
		"provider", p.Name(), "library", p.Library(), "patron_id", record.ID)
	return &Outcome{Patron: record, Credential: cred}, nil, nil
}

// landPatron folds the provider's profile data into the local patron record,
// creating it on first sight.
func (c *Controller) landPatron(ctx context.Context, p *Provider, data *patron.Data) (*patron.Patron, error) {
	now := c.now()

	record, err := c.findExisting(ctx, p.Library(), data)
	if errors.Is(err, errNoMatch) {
		record, err = c.patrons.CreateOrFetch(ctx, &patron.Patron{
			Library:            p.Library(),
			ExternalIdentifier: data.PermanentID.Or(""),
		})
	}
	if err != nil {
		return nil, err
	}

	data.ApplyTo(record, now)
	if err := c.patrons.Update(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

var errNoMatch = errors.New("oauth: no local patron matches")

func isNotFound(err error) bool { return errors.Is(err, sentinel.ErrNotFound) }

func (c *Controller) findExisting(ctx context.Context, library string, data *patron.Data) (*patron.Patron, error) {
	if id, ok := data.PermanentID.Value(); ok {
		record, err := c.patrons.FindByExternalIdentifier(ctx, library, id)
		if err == nil {
			return record, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}
	for _, ident := range data.AuthorizationIdentifiers {
		record, err := c.patrons.FindByAuthorization(ctx, library, ident)
		if err == nil {
			return record, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}
	return nil, errNoMatch
}
