package millennium

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"circulation/internal/auth"
	"circulation/internal/patron"
	"circulation/internal/platform/config"
)

// Protocol is the registry key for this provider.
const Protocol = "millennium"

// expirationLayout is the fixed date format Millennium prints, e.g. "04-01-25".
const expirationLayout = "01-02-06"

// Provider implements auth.BasicProvider against the Millennium HTML dump
// interface.
type Provider struct {
	name    string
	library string
	root    string

	rules     *auth.CredentialRules
	blacklist []*regexp.Regexp

	testIdentifier string
	testSecret     string

	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// New constructs the provider from configuration. Missing or malformed
// settings fail here, before the provider can ever make a network call.
func New(cfg config.ProviderConfig, opts ...Option) (*Provider, error) {
	if cfg.URL == "" {
		return nil, errors.New("millennium: server URL is required")
	}
	rules, err := auth.NewCredentialRules(cfg.IdentifierRegex, cfg.SecretRegex)
	if err != nil {
		return nil, err
	}
	var blacklist []*regexp.Regexp
	for _, pattern := range cfg.IdentifierBlacklist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("millennium: blacklist pattern %q: %w", pattern, err)
		}
		blacklist = append(blacklist, re)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	p := &Provider{
		name:           cfg.Name,
		library:        cfg.Library,
		root:           strings.TrimSuffix(cfg.URL, "/"),
		rules:          rules,
		blacklist:      blacklist,
		testIdentifier: cfg.TestIdentifier,
		testSecret:     cfg.TestSecret,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
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

// RemoteAuthenticate runs the pin test and, on success, fetches and
// interprets the patron dump. Syntactically invalid credentials never reach
// the network.
func (p *Provider) RemoteAuthenticate(ctx context.Context, identifier, secret string) (*patron.Data, error) {
	if !p.rules.Valid(identifier, secret) {
		return nil, nil
	}

	ok, err := p.pinTest(ctx, identifier, secret)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return p.fetchDump(ctx, identifier)
}

// RemotePatronLookup fetches the dump without checking the pin, used to
// refresh stale local data.
func (p *Provider) RemotePatronLookup(ctx context.Context, identifier string) (*patron.Data, error) {
	return p.fetchDump(ctx, identifier)
}

func (p *Provider) pinTest(ctx context.Context, identifier, secret string) (bool, error) {
	body, err := p.get(ctx, fmt.Sprintf("%s/%s/%s/pintest",
		p.root, url.PathEscape(identifier), url.PathEscape(secret)))
	if err != nil {
		return false, err
	}
	// The pin test answers with a bare RETCOD line carrying no bracket code.
	for _, e := range parseDump(body, p.logger) {
		if strings.HasPrefix(e.label, "RETCOD") {
			return e.value == "0", nil
		}
	}
	return false, nil
}

func (p *Provider) fetchDump(ctx context.Context, identifier string) (*patron.Data, error) {
	body, err := p.get(ctx, fmt.Sprintf("%s/%s/dump", p.root, url.PathEscape(identifier)))
	if err != nil {
		return nil, err
	}
	entries := parseDump(body, p.logger)
	if hasError(entries) {
		return nil, nil
	}
	return p.interpret(entries, identifier), nil
}

// interpret converts parsed dump entries into a merge-safe patron snapshot.
func (p *Provider) interpret(entries []dumpEntry, presented string) *patron.Data {
	data := &patron.Data{Complete: true}

	if v, ok := firstValue(entries, codeRecordNumber); ok {
		data.PermanentID = patron.Of(v)
	}
	data.AuthorizationIdentifiers = p.reconcileBarcodes(valuesFor(entries, codeBarcode), presented)
	if v, ok := firstValue(entries, codeName); ok {
		data.PersonalName = patron.Of(v)
	}
	if v, ok := firstValue(entries, codeEmail); ok {
		data.EmailAddress = patron.Of(v)
	}
	if v, ok := firstValue(entries, codeUsername); ok {
		data.Username = patron.Of(v)
	}
	if v, ok := firstValue(entries, codePatronType); ok {
		data.ExternalType = patron.Of(v)
	}
	if v, ok := firstValue(entries, codeHomeLibrary); ok {
		data.LibraryIdentifier = patron.Of(strings.TrimSpace(v))
	}
	if v, ok := firstValue(entries, codeBlockStatus); ok && v != "-" {
		data.BlockReason = patron.Of(v)
	}

	if v, ok := firstValue(entries, codeExpiration); ok {
		if t, err := time.Parse(expirationLayout, v); err == nil {
			data.AuthorizationExpires = patron.Of(t)
		} else {
			// A garbled date means "never expires", not a failed lookup.
			p.logger.Warn("malformed expiration date in patron dump",
				"provider", p.name, "value", v)
		}
	}

	if v, ok := firstValue(entries, codeMoneyOwed); ok {
		data.Fines = patron.Of(parseMoney(v))
	}

	return data
}

// reconcileBarcodes applies the barcode preference rules: blacklisted
// barcodes are discarded entirely, even if that leaves none; the presented
// barcode, if it survives, moves to the front; otherwise the most recently
// added barcode (reported last in the dump) becomes preferred.
func (p *Provider) reconcileBarcodes(reported []string, presented string) []string {
	var survivors []string
	for _, bc := range reported {
		if p.blacklisted(bc) {
			continue
		}
		survivors = append(survivors, bc)
	}
	if len(survivors) == 0 {
		return nil
	}

	if i := slices.Index(survivors, presented); i >= 0 {
		survivors = slices.Delete(survivors, i, i+1)
		return append([]string{presented}, survivors...)
	}
	last := survivors[len(survivors)-1]
	rest := survivors[:len(survivors)-1]
	return append([]string{last}, rest...)
}

func (p *Provider) blacklisted(barcode string) bool {
	for _, re := range p.blacklist {
		if re.MatchString(barcode) {
			return true
		}
	}
	return false
}

// parseMoney reads Millennium's money format, tolerating a currency sign.
// Unparsable amounts default to zero.
func parseMoney(v string) decimal.Decimal {
	v = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "$"))
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (p *Provider) get(ctx context.Context, u string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("millennium: build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("millennium: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("millennium: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("millennium: read response: %w", err)
	}
	return string(body), nil
}
