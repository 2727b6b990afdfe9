// Package overdrive adapts the OverDrive JSON REST API to the shared
// circulation contract. The deployment authenticates with a site-wide OAuth
// client-credentials token cached in the credential store; patron identity
// rides in the request path.
package overdrive

import (
	"bytes"
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

	"circulation/internal/circ"
	"circulation/internal/credential"
	"circulation/internal/platform/config"
)

// VendorName is the stable key the dispatcher routes on.
const VendorName = "overdrive"

type Adapter struct {
	collection string
	accountID  string
	apiRoot    string
	tokenURL   string
	clientKey  string
	secret     string

	credentials *credential.Service
	httpClient  *http.Client
	logger      *slog.Logger
}

type Option func(*Adapter)

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithTokenURL overrides the derived token endpoint.
func WithTokenURL(u string) Option {
	return func(a *Adapter) { a.tokenURL = u }
}

func New(cfg config.VendorConfig, credentials *credential.Service, opts ...Option) (*Adapter, error) {
	switch {
	case cfg.URL == "":
		return nil, circ.NewError(circ.KindConfiguration, VendorName, "API URL is required", nil)
	case cfg.ClientKey == "" || cfg.ClientSecret == "":
		return nil, circ.NewError(circ.KindConfiguration, VendorName, "client key and secret are required", nil)
	case credentials == nil:
		return nil, circ.NewError(circ.KindConfiguration, VendorName, "credential service is required", nil)
	}

	a := &Adapter{
		collection:  cfg.Name,
		accountID:   cfg.AccountID,
		apiRoot:     strings.TrimSuffix(cfg.URL, "/"),
		clientKey:   cfg.ClientKey,
		secret:      cfg.ClientSecret,
		credentials: credentials,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      slog.Default(),
	}
	a.tokenURL = a.apiRoot + "/oauth/token"
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Adapter) Vendor() string { return VendorName }

// ---- site token ----

func (a *Adapter) siteToken(ctx context.Context, force bool) (string, error) {
	cred, err := a.credentials.Lookup(ctx, "overdrive:"+a.collection, credential.SiteWide, a.fetchToken, force)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

func (a *Adapter) fetchToken(ctx context.Context) (string, *time.Time, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", nil, circ.NewError(circ.KindInternal, VendorName, "build token request", err)
	}
	req.SetBasicAuth(a.clientKey, a.secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", nil, circ.NewError(circ.KindRemoteIntegration, VendorName, "token request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", nil, circ.NewError(circ.KindVendorAuth, VendorName,
			fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, circ.NewError(circ.KindRemoteIntegration, VendorName,
			fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil)
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil || tr.AccessToken == "" {
		return "", nil, circ.NewError(circ.KindRemoteIntegration, VendorName, "unparsable token response", err)
	}
	expires := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return tr.AccessToken, &expires, nil
}

// ---- wire shapes ----

type checkoutResponse struct {
	ReserveID    string `json:"reserveId"`
	CheckoutDate string `json:"checkoutDate"`
	Expires      string `json:"expires"`
}

type holdResponse struct {
	ReserveID        string `json:"reserveId"`
	HoldPlacedDate   string `json:"holdPlacedDate"`
	HoldListPosition int    `json:"holdListPosition"`
}

type activityResponse struct {
	Checkouts []checkoutResponse `json:"checkouts"`
	Holds     []holdResponse     `json:"holds"`
}

type errorResponse struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// odTimeLayout is the timestamp shape the API emits.
const odTimeLayout = time.RFC3339

func parseODTime(s string) time.Time {
	t, err := time.Parse(odTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ---- operations ----

func (a *Adapter) Checkout(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) (*circ.LoanInfo, error) {
	var loan *circ.LoanInfo
	err := circ.CallWithAuthRetry(ctx, VendorName, func(ctx context.Context, force bool) error {
		body := map[string]any{
			"fields": []map[string]string{{"name": "reserveId", "value": id.Value}},
		}
		var out checkoutResponse
		err := a.call(ctx, force, http.MethodPost, a.patronPath(p, "/checkouts"), body, &out)
		if circ.IsKind(err, circ.KindAlreadyCheckedOut) {
			// The vendor already holds this loan for the patron. Fetch it so
			// the caller sees the real expiration instead of an error.
			err = a.call(ctx, force, http.MethodGet,
				a.patronPath(p, "/checkouts/"+url.PathEscape(id.Value)), nil, &out)
		}
		if err != nil {
			return err
		}
		loan = a.loanInfo(id, out)
		return nil
	})
	return loan, err
}

func (a *Adapter) Checkin(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) error {
	return circ.CallWithAuthRetry(ctx, VendorName, func(ctx context.Context, force bool) error {
		err := a.call(ctx, force, http.MethodDelete,
			a.patronPath(p, "/checkouts/"+url.PathEscape(id.Value)), nil, nil)
		if circ.IsKind(err, circ.KindNotFound) {
			return circ.NewError(circ.KindNotCheckedOut, VendorName,
				"patron has no loan for "+id.String(), err)
		}
		return err
	})
}

func (a *Adapter) PlaceHold(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) (*circ.HoldInfo, error) {
	var hold *circ.HoldInfo
	err := circ.CallWithAuthRetry(ctx, VendorName, func(ctx context.Context, force bool) error {
		body := map[string]any{
			"fields": []map[string]string{{"name": "reserveId", "value": id.Value}},
		}
		var out holdResponse
		if err := a.call(ctx, force, http.MethodPost, a.patronPath(p, "/holds"), body, &out); err != nil {
			return err
		}
		hold = &circ.HoldInfo{
			Collection: a.collection,
			Identifier: id,
			Start:      parseODTime(out.HoldPlacedDate),
			Position:   out.HoldListPosition,
		}
		return nil
	})
	return hold, err
}

func (a *Adapter) ReleaseHold(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) error {
	return circ.CallWithAuthRetry(ctx, VendorName, func(ctx context.Context, force bool) error {
		err := a.call(ctx, force, http.MethodDelete,
			a.patronPath(p, "/holds/"+url.PathEscape(id.Value)), nil, nil)
		if circ.IsKind(err, circ.KindNotFound) {
			return circ.NewError(circ.KindNotOnHold, VendorName,
				"patron has no hold for "+id.String(), err)
		}
		return err
	})
}

func (a *Adapter) Fulfill(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) (*circ.FulfillmentInfo, error) {
	var fulfillment *circ.FulfillmentInfo
	err := circ.CallWithAuthRetry(ctx, VendorName, func(ctx context.Context, force bool) error {
		var out struct {
			Links struct {
				ContentLink struct {
					Href string `json:"href"`
					Type string `json:"type"`
				} `json:"contentlink"`
			} `json:"links"`
		}
		err := a.call(ctx, force, http.MethodGet,
			a.patronPath(p, "/checkouts/"+url.PathEscape(id.Value)+"/downloadlink"), nil, &out)
		if circ.IsKind(err, circ.KindNotFound) {
			return circ.NewError(circ.KindCannotFulfill, VendorName,
				"no active loan to fulfill for "+id.String(), err)
		}
		if err != nil {
			return err
		}
		if out.Links.ContentLink.Href == "" {
			return circ.NewError(circ.KindRemoteIntegration, VendorName,
				"download link response carried no href", nil)
		}
		fulfillment = &circ.FulfillmentInfo{
			Collection:  a.collection,
			Identifier:  id,
			ContentLink: out.Links.ContentLink.Href,
			ContentType: out.Links.ContentLink.Type,
		}
		return nil
	})
	return fulfillment, err
}

func (a *Adapter) PatronActivity(ctx context.Context, p circ.PatronCredentials) ([]circ.Activity, error) {
	var activity []circ.Activity
	err := circ.CallWithAuthRetry(ctx, VendorName, func(ctx context.Context, force bool) error {
		var out activityResponse
		if err := a.call(ctx, force, http.MethodGet, a.patronPath(p, "/activity"), nil, &out); err != nil {
			return err
		}
		activity = activity[:0]
		for _, c := range out.Checkouts {
			loan := a.loanInfo(circ.Identifier{Type: "overdrive", Value: c.ReserveID}, c)
			activity = append(activity, circ.Activity{Loan: loan})
		}
		for _, h := range out.Holds {
			activity = append(activity, circ.Activity{Hold: &circ.HoldInfo{
				Collection: a.collection,
				Identifier: circ.Identifier{Type: "overdrive", Value: h.ReserveID},
				Start:      parseODTime(h.HoldPlacedDate),
				Position:   h.HoldListPosition,
			}})
		}
		return nil
	})
	return activity, err
}

func (a *Adapter) loanInfo(id circ.Identifier, out checkoutResponse) *circ.LoanInfo {
	return &circ.LoanInfo{
		Collection: a.collection,
		Identifier: id,
		Start:      parseODTime(out.CheckoutDate),
		End:        parseODTime(out.Expires),
		ExternalID: out.ReserveID,
	}
}

func (a *Adapter) patronPath(p circ.PatronCredentials, suffix string) string {
	return "/v1/patrons/" + url.PathEscape(p.Identifier) + suffix
}

// call runs one authenticated request and translates the response into the
// shared taxonomy. A nil out skips body decoding.
func (a *Adapter) call(ctx context.Context, force bool, method, path string, body, out any) error {
	token, err := a.siteToken(ctx, force)
	if err != nil {
		return err
	}

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return circ.NewError(circ.KindInternal, VendorName, "encode request body", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.apiRoot+path, payload)
	if err != nil {
		return circ.NewError(circ.KindInternal, VendorName, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return circ.NewError(circ.KindRemoteIntegration, VendorName, "request aborted", err)
		}
		return circ.NewError(circ.KindRemoteIntegration, VendorName, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return circ.NewError(circ.KindRemoteIntegration, VendorName, "read response", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return circ.NewError(circ.KindVendorAuth, VendorName, "bearer token rejected", nil)
	}
	if resp.StatusCode >= 400 {
		return a.translateError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return circ.NewError(circ.KindRemoteIntegration, VendorName, "unparsable response body", err)
	}
	return nil
}

// translateError maps the API's JSON error vocabulary onto the taxonomy. An
// unrecognized error code degrades to a retryable integration error rather
// than guessing at patron state.
func (a *Adapter) translateError(status int, raw []byte) error {
	var er errorResponse
	_ = json.Unmarshal(raw, &er)

	switch er.ErrorCode {
	case "TitleAlreadyCheckedOut":
		return circ.NewError(circ.KindAlreadyCheckedOut, VendorName, er.Message, nil)
	case "AlreadyOnWaitList":
		return circ.NewError(circ.KindAlreadyOnHold, VendorName, er.Message, nil)
	case "NoCopiesAvailable":
		return circ.NewError(circ.KindNoAvailableCopies, VendorName, er.Message, nil)
	case "TitleNotOwned", "TitleNotInCollection":
		return circ.NewError(circ.KindNoLicenses, VendorName, er.Message, nil)
	case "PatronExceededCheckoutLimit":
		return circ.NewError(circ.KindLoanLimitReached, VendorName, er.Message, nil)
	case "PatronExceededHoldLimit":
		return circ.NewError(circ.KindHoldLimitReached, VendorName, er.Message, nil)
	case "PatronNotFound", "InvalidPatron":
		return circ.NewError(circ.KindPatronAuth, VendorName, er.Message, nil)
	}

	switch status {
	case http.StatusNotFound:
		return circ.NewError(circ.KindNotFound, VendorName, "resource not found", nil)
	default:
		return circ.NewError(circ.KindRemoteIntegration, VendorName,
			fmt.Sprintf("unexpected status %d (%s)", status, er.ErrorCode), nil)
	}
}
