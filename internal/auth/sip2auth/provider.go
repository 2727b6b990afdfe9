// Package sip2auth adapts the SIP2 wire client into an authentication
// provider. The provider owns a client instance rather than being one;
// protocol framing and session management stay in the sip2 package.
package sip2auth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"circulation/internal/auth"
	"circulation/internal/patron"
	"circulation/internal/platform/config"
	"circulation/internal/sip2"
)

// Protocol is the registry key for this provider.
const Protocol = "sip2"

// PatronClient is the slice of the SIP2 client this provider needs.
type PatronClient interface {
	PatronInformation(ctx context.Context, identifier, secret string) (sip2.Fields, error)
}

type Provider struct {
	name    string
	library string
	client  PatronClient
	rules   *auth.CredentialRules

	testIdentifier string
	testSecret     string

	logger *slog.Logger
}

type Option func(*Provider)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithClient replaces the wire client, for tests.
func WithClient(c PatronClient) Option {
	return func(p *Provider) { p.client = c }
}

func New(cfg config.ProviderConfig, opts ...Option) (*Provider, error) {
	rules, err := auth.NewCredentialRules(cfg.IdentifierRegex, cfg.SecretRegex)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		name:           cfg.Name,
		library:        cfg.Library,
		rules:          rules,
		testIdentifier: cfg.TestIdentifier,
		testSecret:     cfg.TestSecret,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		clientOpts := []sip2.Option{}
		if cfg.FieldSeparator != "" {
			clientOpts = append(clientOpts, sip2.WithSeparator(cfg.FieldSeparator[0]))
		}
		if cfg.Encoding != "" {
			clientOpts = append(clientOpts, sip2.WithEncoding(cfg.Encoding))
		}
		if cfg.Timeout != 0 {
			clientOpts = append(clientOpts, sip2.WithTimeout(cfg.Timeout))
		}
		client, err := sip2.NewClient(cfg.URL, cfg.Username, cfg.Password, clientOpts...)
		if err != nil {
			return nil, err
		}
		p.client = client
	}
	return p, nil
}

// Register adds this provider's constructor to a registry.
func Register(r *auth.Registry) error {
	return r.Register(Protocol, func(cfg config.ProviderConfig) (auth.BasicProvider, error) {
		return New(cfg)
	})
}

func (p *Provider) Name() string    { return p.name }
func (p *Provider) Library() string { return p.library }

func (p *Provider) TestingPatron() (string, string, bool) {
	if p.testIdentifier == "" {
		return "", "", false
	}
	return p.testIdentifier, p.testSecret, true
}

// RemoteAuthenticate asks the ILS to validate the patron's secret. When the
// response does not carry an explicit valid-password flag, no other field in
// it is trusted.
func (p *Provider) RemoteAuthenticate(ctx context.Context, identifier, secret string) (*patron.Data, error) {
	if !p.rules.Valid(identifier, secret) {
		return nil, nil
	}
	fields, err := p.client.PatronInformation(ctx, identifier, secret)
	if err != nil {
		return nil, err
	}
	if !fields.ValidPatronPassword() {
		return nil, nil
	}
	return p.interpret(fields, identifier), nil
}

// RemotePatronLookup cannot run without the patron's secret over SIP2.
func (p *Provider) RemotePatronLookup(_ context.Context, _ string) (*patron.Data, error) {
	return nil, nil
}

func (p *Provider) interpret(fields sip2.Fields, presented string) *patron.Data {
	data := &patron.Data{Complete: true}

	identifier := fields.Get(sip2.FieldPatronIdentifier)
	if identifier == "" {
		identifier = presented
	}
	data.AuthorizationIdentifiers = []string{identifier}

	if name := fields.Get(sip2.FieldPersonalName); name != "" {
		data.PersonalName = patron.Of(name)
	}
	if email := fields.Get(sip2.FieldEmailAddress); email != "" {
		data.EmailAddress = patron.Of(email)
	}
	if class := fields.Get(sip2.FieldPatronClass); class != "" {
		data.ExternalType = patron.Of(class)
	}
	if fee := strings.TrimSpace(fields.Get(sip2.FieldFeeAmount)); fee != "" {
		if amount, err := decimal.NewFromString(fee); err == nil {
			data.Fines = patron.Of(amount)
		} else {
			p.logger.Warn("unparsable fee amount in sip2 response",
				"provider", p.name, "value", fee)
			data.Fines = patron.Of(decimal.Zero)
		}
	}
	if fields.Get(sip2.FieldValidPatron) == "N" {
		data.BlockReason = patron.Of("patron blocked by ILS")
	}
	return data
}
