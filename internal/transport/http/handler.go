// Package http exposes the circulation core over a JSON API: the OAuth login
// flow, token-authenticated circulation operations, and the operator-facing
// self-test endpoint.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mssola/useragent"

	"circulation/internal/auth/oauth"
	"circulation/internal/circ"
	"circulation/internal/patron"
	"circulation/internal/selftest"
	"circulation/pkg/sentinel"
	"circulation/pkg/shorttoken"
)

// CollectionSource resolves the self-test collections and the circulation
// collections bound to a library.
type CollectionSource interface {
	SelfTestCollections(library string) []selftest.Collection
	CollectionNames(library string) []string
}

type Handler struct {
	oauthFlow   *oauth.Controller
	selfTests   *selftest.Runner
	collections CollectionSource
	dispatcher  *circ.Dispatcher
	patrons     patron.Store
	tokenSecret []byte
	logger      *slog.Logger
}

type Config struct {
	OAuth       *oauth.Controller
	SelfTests   *selftest.Runner
	Collections CollectionSource
	Dispatcher  *circ.Dispatcher
	Patrons     patron.Store
	TokenSecret []byte
	Logger      *slog.Logger
}

// NewHandler validates the wiring. OAuth is optional: a gateway serving only
// basic-auth libraries has no login flow to mount.
func NewHandler(cfg Config) (*Handler, error) {
	switch {
	case cfg.SelfTests == nil:
		return nil, errors.New("http: self-test runner is required")
	case cfg.Collections == nil:
		return nil, errors.New("http: collection source is required")
	case cfg.Dispatcher == nil:
		return nil, errors.New("http: dispatcher is required")
	case cfg.Patrons == nil:
		return nil, errors.New("http: patron store is required")
	case len(cfg.TokenSecret) == 0:
		return nil, errors.New("http: token secret is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		oauthFlow:   cfg.OAuth,
		selfTests:   cfg.SelfTests,
		collections: cfg.Collections,
		dispatcher:  cfg.Dispatcher,
		patrons:     cfg.Patrons,
		tokenSecret: cfg.TokenSecret,
		logger:      logger,
	}, nil
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if h.oauthFlow != nil {
		r.Get("/oauth/authenticate", h.oauthAuthenticate)
		r.Get("/oauth/callback", h.oauthCallback)
	}
	r.Get("/selftest/{library}", h.selfTest)

	r.Route("/libraries/{library}", func(r chi.Router) {
		r.Get("/activity", h.patronActivity)
		r.Route("/collections/{collection}", func(r chi.Router) {
			r.Post("/checkout", h.checkout)
			r.Post("/checkin", h.checkin)
			r.Post("/holds", h.placeHold)
			r.Delete("/holds", h.releaseHold)
			r.Get("/fulfill", h.fulfill)
		})
	})
	return r
}

// ---- oauth flow ----

func (h *Handler) oauthAuthenticate(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	redirectURI := r.URL.Query().Get("redirect_uri")
	if provider == "" || redirectURI == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "provider and redirect_uri are required")
		return
	}

	target, failure, err := h.oauthFlow.Begin(provider, redirectURI)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if failure != nil {
		writeOAuthFailure(w, failure)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) oauthCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	redirectURI := r.URL.Query().Get("redirect_uri")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "state and code are required")
		return
	}

	h.logDevice(r)

	outcome, failure, err := h.oauthFlow.Callback(r.Context(), state, code, redirectURI)
	if err != nil {
		writeError(w, http.StatusBadGateway, "remote_integration", err.Error())
		return
	}
	if failure != nil {
		writeOAuthFailure(w, failure)
		return
	}

	expires := time.Now().Add(time.Hour)
	if outcome.Credential.Expires != nil {
		expires = *outcome.Credential.Expires
	}
	token, err := shorttoken.Encode(outcome.Patron.Library, outcome.Patron.AuthorizationIdentifier, expires, h.tokenSecret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   token,
		"expires": expires.UTC().Format(time.RFC3339),
	})
}

// logDevice records which client device completed a login; support asks for
// this when a patron reports a login loop on one device only.
func (h *Handler) logDevice(r *http.Request) {
	ua := useragent.New(r.UserAgent())
	browser, version := ua.Browser()
	h.logger.Info("oauth callback received",
		"platform", ua.Platform(),
		"os", ua.OS(),
		"browser", browser,
		"browser_version", version,
		"mobile", ua.Mobile(),
		"bot", ua.Bot())
}

func writeOAuthFailure(w http.ResponseWriter, failure *oauth.Failure) {
	status := http.StatusForbidden
	if failure.Code == oauth.FailureUnknownProvider {
		status = http.StatusBadRequest
	}
	writeError(w, status, string(failure.Code), failure.Message)
}

// ---- self-test ----

type selfTestResult struct {
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (h *Handler) selfTest(w http.ResponseWriter, r *http.Request) {
	library := chi.URLParam(r, "library")
	results := h.selfTests.Run(r.Context(), library, h.collections.SelfTestCollections(library))

	out := make([]selfTestResult, len(results))
	healthy := true
	for i, res := range results {
		out[i] = selfTestResult{
			Name:       res.Name,
			Success:    res.Success,
			DurationMS: res.Duration.Milliseconds(),
			Result:     res.Result,
		}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
			healthy = false
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{"library": library, "results": out})
}

// ---- circulation ----

// authenticatePatron resolves the bearer short token into the patron's vendor
// credentials. The token's library must match the one in the path.
func (h *Handler) authenticatePatron(r *http.Request, library string) (circ.PatronCredentials, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return circ.PatronCredentials{}, circ.NewError(circ.KindPatronAuth, "gateway", "missing bearer token", nil)
	}

	token, err := shorttoken.Decode(header[len(prefix):], h.tokenSecret)
	if err != nil {
		return circ.PatronCredentials{}, circ.NewError(circ.KindPatronAuth, "gateway", "invalid token", err)
	}
	if token.Library != library {
		return circ.PatronCredentials{}, circ.NewError(circ.KindPatronAuth, "gateway", "token issued for a different library", nil)
	}

	record, err := h.patrons.FindByAuthorization(r.Context(), library, token.Patron)
	if errors.Is(err, sentinel.ErrNotFound) {
		return circ.PatronCredentials{}, circ.NewError(circ.KindPatronAuth, "gateway", "unknown patron", err)
	}
	if err != nil {
		return circ.PatronCredentials{}, circ.NewError(circ.KindInternal, "gateway", "patron lookup failed", err)
	}
	return circ.PatronCredentials{
		PatronID:   record.ID,
		Identifier: record.AuthorizationIdentifier,
	}, nil
}

type titleRequest struct {
	IdentifierType string `json:"identifier_type"`
	Identifier     string `json:"identifier"`
}

func (h *Handler) titleFromRequest(r *http.Request) (circ.Identifier, bool) {
	if r.Method == http.MethodGet || r.Method == http.MethodDelete {
		id := circ.Identifier{
			Type:  r.URL.Query().Get("identifier_type"),
			Value: r.URL.Query().Get("identifier"),
		}
		return id, id.Value != ""
	}

	var body titleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Identifier == "" {
		return circ.Identifier{}, false
	}
	return circ.Identifier{Type: body.IdentifierType, Value: body.Identifier}, true
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	h.circOp(w, r, func(ctx context.Context, collection string, p circ.PatronCredentials, id circ.Identifier) (any, error) {
		loan, err := h.dispatcher.Checkout(ctx, collection, p, id)
		if err != nil {
			return nil, err
		}
		return loanJSON(loan), nil
	})
}

func (h *Handler) checkin(w http.ResponseWriter, r *http.Request) {
	h.circOp(w, r, func(ctx context.Context, collection string, p circ.PatronCredentials, id circ.Identifier) (any, error) {
		if err := h.dispatcher.Checkin(ctx, collection, p, id); err != nil {
			return nil, err
		}
		return map[string]string{"status": "returned"}, nil
	})
}

func (h *Handler) placeHold(w http.ResponseWriter, r *http.Request) {
	h.circOp(w, r, func(ctx context.Context, collection string, p circ.PatronCredentials, id circ.Identifier) (any, error) {
		hold, err := h.dispatcher.PlaceHold(ctx, collection, p, id)
		if err != nil {
			return nil, err
		}
		return holdJSON(hold), nil
	})
}

func (h *Handler) releaseHold(w http.ResponseWriter, r *http.Request) {
	h.circOp(w, r, func(ctx context.Context, collection string, p circ.PatronCredentials, id circ.Identifier) (any, error) {
		if err := h.dispatcher.ReleaseHold(ctx, collection, p, id); err != nil {
			return nil, err
		}
		return map[string]string{"status": "released"}, nil
	})
}

func (h *Handler) fulfill(w http.ResponseWriter, r *http.Request) {
	h.circOp(w, r, func(ctx context.Context, collection string, p circ.PatronCredentials, id circ.Identifier) (any, error) {
		f, err := h.dispatcher.Fulfill(ctx, collection, p, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"collection":   f.Collection,
			"identifier":   f.Identifier.String(),
			"content_link": f.ContentLink,
			"content_type": f.ContentType,
		}, nil
	})
}

func (h *Handler) circOp(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, collection string, p circ.PatronCredentials, id circ.Identifier) (any, error)) {

	library := chi.URLParam(r, "library")
	collection := chi.URLParam(r, "collection")

	p, err := h.authenticatePatron(r, library)
	if err != nil {
		writeCircError(w, err)
		return
	}
	id, ok := h.titleFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "identifier is required")
		return
	}

	result, err := op(r.Context(), collection, p, id)
	if err != nil {
		writeCircError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) patronActivity(w http.ResponseWriter, r *http.Request) {
	library := chi.URLParam(r, "library")
	p, err := h.authenticatePatron(r, library)
	if err != nil {
		writeCircError(w, err)
		return
	}

	collections := h.collections.CollectionNames(library)
	activity, err := h.dispatcher.PatronActivity(r.Context(), collections, p)
	if err != nil {
		writeCircError(w, err)
		return
	}

	loans := []map[string]any{}
	holds := []map[string]any{}
	for _, entry := range activity {
		if entry.Loan != nil {
			loans = append(loans, loanJSON(entry.Loan))
		}
		if entry.Hold != nil {
			holds = append(holds, holdJSON(entry.Hold))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": loans, "holds": holds})
}

func loanJSON(loan *circ.LoanInfo) map[string]any {
	return map[string]any{
		"collection":  loan.Collection,
		"identifier":  loan.Identifier.String(),
		"start":       loan.Start.UTC().Format(time.RFC3339),
		"end":         loan.End.UTC().Format(time.RFC3339),
		"external_id": loan.ExternalID,
	}
}

func holdJSON(hold *circ.HoldInfo) map[string]any {
	return map[string]any{
		"collection": hold.Collection,
		"identifier": hold.Identifier.String(),
		"position":   hold.Position,
		"ready":      hold.Ready(),
	}
}
