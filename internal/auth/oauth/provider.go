// Package oauth implements authentication against OAuth-based identity
// providers. The provider drives the authorization-code flow and the chained
// profile lookups some identity APIs require, returning typed failure values
// for every negative outcome the web layer renders differently.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"circulation/internal/patron"
	"circulation/internal/platform/config"
)

// Protocol is the stable key identifying this provider family.
const Protocol = "oauth"

// DefaultTokenTTL bounds how long an exchanged bearer token is cached.
const DefaultTokenTTL = 7 * 24 * time.Hour

// FailureCode distinguishes the negative outcomes of an OAuth authentication.
// Each renders a different user-facing message, so a generic failure is never
// acceptable.
type FailureCode string

const (
	FailureInvalidCode         FailureCode = "invalid_code"
	FailureUnsupportedUserType FailureCode = "unsupported_user_type"
	FailureUnknownSchool       FailureCode = "unknown_school"
	FailureIneligible          FailureCode = "ineligible_institution"
	FailureUnknownProvider     FailureCode = "unknown_provider"
)

// Failure is a typed negative outcome. It travels as a value, not an error:
// a patron who cannot log in is an expected result.
type Failure struct {
	Code    FailureCode
	Message string
}

// Token is a successfully exchanged bearer token.
type Token struct {
	AccessToken string
	Expires     time.Time
}

// Provider authenticates patrons against one OAuth identity provider.
type Provider struct {
	name    string
	library string

	clientID     string
	clientSecret string
	authorizeURL string
	tokenURL     string
	apiRoot      string

	tokenTTL      time.Duration
	eligibleCodes map[string]bool

	testIdentifier string
	testSecret     string

	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// New constructs the provider. Every required endpoint and credential is
// checked here; a provider missing any of them never makes a network call.
func New(cfg config.ProviderConfig, opts ...Option) (*Provider, error) {
	switch {
	case cfg.ClientID == "":
		return nil, errors.New("oauth: client_id is required")
	case cfg.ClientSecret == "":
		return nil, errors.New("oauth: client_secret is required")
	case cfg.AuthorizeURL == "":
		return nil, errors.New("oauth: authorize_url is required")
	case cfg.TokenURL == "":
		return nil, errors.New("oauth: token_url is required")
	case cfg.URL == "":
		return nil, errors.New("oauth: API root URL is required")
	}

	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	eligible := make(map[string]bool, len(cfg.EligibleCodes))
	for _, code := range cfg.EligibleCodes {
		eligible[code] = true
	}

	p := &Provider{
		name:           cfg.Name,
		library:        cfg.Library,
		clientID:       cfg.ClientID,
		clientSecret:   cfg.ClientSecret,
		authorizeURL:   cfg.AuthorizeURL,
		tokenURL:       cfg.TokenURL,
		apiRoot:        strings.TrimSuffix(cfg.URL, "/"),
		tokenTTL:       ttl,
		eligibleCodes:  eligible,
		testIdentifier: cfg.TestIdentifier,
		testSecret:     cfg.TestSecret,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Name() string    { return p.name }
func (p *Provider) Library() string { return p.library }

// TokenTTL returns the configured credential expiration window.
func (p *Provider) TokenTTL() time.Duration { return p.tokenTTL }

// ExternalAuthenticateURL builds the provider's authorize URL embedding the
// server-issued opaque state and this service's callback URL.
func (p *Provider) ExternalAuthenticateURL(state, redirectURI string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", p.clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	return p.authorizeURL + "?" + q.Encode()
}

// tokenResponse is the provider's token-endpoint envelope.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ExchangeCode performs the Basic-Auth-credentialed POST that trades the
// callback code for a bearer token. A non-200 response or a response missing
// access_token yields a typed failure so the caller can render a message;
// errors are reserved for transport problems.
func (p *Provider) ExchangeCode(ctx context.Context, code, redirectURI string) (*Token, *Failure, error) {
	payload, err := json.Marshal(map[string]string{
		"code":         code,
		"grant_type":   "authorization_code",
		"redirect_uri": redirectURI,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("oauth: encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, nil, fmt.Errorf("oauth: build token request: %w", err)
	}
	req.SetBasicAuth(p.clientID, p.clientSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("oauth: token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("oauth: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Failure{
			Code:    FailureInvalidCode,
			Message: fmt.Sprintf("token endpoint returned %d", resp.StatusCode),
		}, nil
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return nil, &Failure{
			Code:    FailureInvalidCode,
			Message: "token endpoint response carried no access token",
		}, nil
	}

	expires := p.now().Add(p.tokenTTL)
	if tr.ExpiresIn > 0 {
		expires = p.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return &Token{AccessToken: tr.AccessToken, Expires: expires}, nil, nil
}

// Identity API envelopes. The profile lookup chains several calls; the field
// sets here are the subset this provider reads.
type userEnvelope struct {
	Type string `json:"type"`
	Data struct {
		ID     string `json:"id"`
		Name   name   `json:"name"`
		School string `json:"school"`
		Grade  string `json:"grade"`
	} `json:"data"`
}

type name struct {
	First string `json:"first"`
	Last  string `json:"last"`
}

type schoolEnvelope struct {
	Data struct {
		ID             string `json:"id"`
		EligibilityKey string `json:"nces_id"`
	} `json:"data"`
}

// RemotePatronLookup fetches profile data with the bearer token. The lookup
// chains user → school → eligibility code; a failure or missing field at any
// link aborts with a distinguishable typed failure.
func (p *Provider) RemotePatronLookup(ctx context.Context, token string) (*patron.Data, *Failure, error) {
	var user userEnvelope
	if err := p.apiGet(ctx, token, "/me", &user); err != nil {
		return nil, nil, err
	}

	externalType, supported := externalTypeFor(user.Type, user.Data.Grade)
	if !supported {
		return nil, &Failure{
			Code:    FailureUnsupportedUserType,
			Message: fmt.Sprintf("user type %q cannot authenticate here", user.Type),
		}, nil
	}

	if user.Data.School == "" {
		return nil, &Failure{Code: FailureUnknownSchool, Message: "user record names no school"}, nil
	}
	var school schoolEnvelope
	if err := p.apiGet(ctx, token, "/schools/"+url.PathEscape(user.Data.School), &school); err != nil {
		return nil, nil, err
	}
	if school.Data.ID == "" {
		return nil, &Failure{
			Code:    FailureUnknownSchool,
			Message: fmt.Sprintf("school %q is not known to the identity provider", user.Data.School),
		}, nil
	}
	if !p.eligibleCodes[school.Data.EligibilityKey] {
		return nil, &Failure{
			Code:    FailureIneligible,
			Message: fmt.Sprintf("school %q is not an eligible institution", user.Data.School),
		}, nil
	}

	data := &patron.Data{
		PermanentID:              patron.Of(p.name + "|" + user.Data.ID),
		AuthorizationIdentifiers: []string{user.Data.ID},
		ExternalType:             patron.Of(externalType),
		Complete:                 true,
	}
	if full := strings.TrimSpace(user.Data.Name.First + " " + user.Data.Name.Last); full != "" {
		data.PersonalName = patron.Of(full)
	}
	return data, nil, nil
}

// externalTypeFor maps identity-provider user types onto the coarse content
// gating categories.
func externalTypeFor(userType, grade string) (string, bool) {
	switch userType {
	case "student":
		switch grade {
		case "9", "10", "11", "12":
			return "H", true
		case "6", "7", "8":
			return "M", true
		default:
			return "E", true
		}
	case "teacher", "staff":
		return "A", true
	default:
		return "", false
	}
}

func (p *Provider) apiGet(ctx context.Context, token, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiRoot+path, nil)
	if err != nil {
		return fmt.Errorf("oauth: build API request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("oauth: API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oauth: API returned %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("oauth: decode API response for %s: %w", path, err)
	}
	return nil
}

// TestingPatron resolves the designated test account for self-tests.
func (p *Provider) TestingPatron() (string, string, bool) {
	if p.testIdentifier == "" {
		return "", "", false
	}
	return p.testIdentifier, p.testSecret, true
}
