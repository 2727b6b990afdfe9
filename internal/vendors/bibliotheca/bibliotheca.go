// Package bibliotheca adapts the Bibliotheca cloud XML API to the shared
// circulation contract. Every request is authenticated with an HMAC signature
// over the request date, method, and path; there is no session token to
// refresh.
package bibliotheca

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"circulation/internal/circ"
	"circulation/internal/platform/config"
)

// VendorName is the stable key the dispatcher routes on.
const VendorName = "bibliotheca"

const (
	headerDate      = "3mcl-Datetime"
	headerAuth      = "3mcl-Authorization"
	headerVersion   = "3mcl-Version"
	protocolVersion = "2.0"

	// Signed dates use the RFC 1123 shape with a literal GMT zone.
	dateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"
)

type Adapter struct {
	collection string
	libraryID  string
	apiRoot    string
	accountKey string
	secret     []byte

	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Adapter)

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

func New(cfg config.VendorConfig, opts ...Option) (*Adapter, error) {
	switch {
	case cfg.URL == "":
		return nil, circ.NewError(circ.KindConfiguration, VendorName, "API URL is required", nil)
	case cfg.ClientKey == "" || cfg.ClientSecret == "":
		return nil, circ.NewError(circ.KindConfiguration, VendorName, "account key and secret are required", nil)
	case cfg.AccountID == "":
		return nil, circ.NewError(circ.KindConfiguration, VendorName, "library account id is required", nil)
	}

	a := &Adapter{
		collection: cfg.Name,
		libraryID:  cfg.AccountID,
		apiRoot:    strings.TrimSuffix(cfg.URL, "/"),
		accountKey: cfg.ClientKey,
		secret:     []byte(cfg.ClientSecret),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Adapter) Vendor() string { return VendorName }

// sign computes the request signature: base64 HMAC-SHA256 over
// "date\nmethod\npath" keyed with the account secret.
func (a *Adapter) sign(date, method, path string) string {
	mac := hmac.New(sha256.New, a.secret)
	io.WriteString(mac, date+"\n"+method+"\n"+path)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ---- wire shapes ----

type checkoutRequest struct {
	XMLName  xml.Name `xml:"CheckoutRequest"`
	ItemID   string   `xml:"ItemId"`
	PatronID string   `xml:"PatronId"`
}

type checkoutResult struct {
	XMLName  xml.Name `xml:"CheckoutResult"`
	ItemID   string   `xml:"ItemId"`
	DueDate  string   `xml:"DueDateInUTC"`
	LoanDate string   `xml:"LoanDateInUTC"`
}

type checkinRequest struct {
	XMLName  xml.Name `xml:"CheckinRequest"`
	ItemID   string   `xml:"ItemId"`
	PatronID string   `xml:"PatronId"`
}

type placeHoldRequest struct {
	XMLName  xml.Name `xml:"PlaceHoldRequest"`
	ItemID   string   `xml:"ItemId"`
	PatronID string   `xml:"PatronId"`
}

type placeHoldResult struct {
	XMLName  xml.Name `xml:"PlaceHoldResult"`
	ItemID   string   `xml:"ItemId"`
	Position int      `xml:"Position"`
}

type cancelHoldRequest struct {
	XMLName  xml.Name `xml:"CancelHoldRequest"`
	ItemID   string   `xml:"ItemId"`
	PatronID string   `xml:"PatronId"`
}

type fulfillResult struct {
	XMLName     xml.Name `xml:"FulfillmentResult"`
	ContentLink string   `xml:"ContentUrl"`
	ContentType string   `xml:"ContentType"`
}

type patronCirculation struct {
	XMLName   xml.Name       `xml:"PatronCirculation"`
	Checkouts []circItem     `xml:"Checkouts>Item"`
	Holds     []circHoldItem `xml:"Holds>Item"`
}

type circItem struct {
	ItemID   string `xml:"ItemId"`
	LoanDate string `xml:"EventStartDateInUTC"`
	DueDate  string `xml:"EventEndDateInUTC"`
}

type circHoldItem struct {
	ItemID    string `xml:"ItemId"`
	EventDate string `xml:"EventStartDateInUTC"`
	Position  int    `xml:"Position"`
}

type errorEnvelope struct {
	XMLName xml.Name `xml:"Error"`
	Message string   `xml:"Message"`
}

const bibTimeLayout = "2006-01-02T15:04:05"

func parseBibTime(s string) time.Time {
	t, err := time.Parse(bibTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ---- operations ----

func (a *Adapter) Checkout(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) (*circ.LoanInfo, error) {
	var out checkoutResult
	err := a.call(ctx, http.MethodPut, a.path("checkout"),
		checkoutRequest{ItemID: id.Value, PatronID: p.Identifier}, &out)
	if circ.IsKind(err, circ.KindAlreadyCheckedOut) {
		// Resolve the idempotent retry to the loan the patron already holds.
		return a.findLoan(ctx, p, id)
	}
	if err != nil {
		return nil, err
	}
	return &circ.LoanInfo{
		Collection: a.collection,
		Identifier: id,
		Start:      parseBibTime(out.LoanDate),
		End:        parseBibTime(out.DueDate),
		ExternalID: out.ItemID,
	}, nil
}

// findLoan locates the patron's existing loan for the title so a duplicate
// checkout can report the real due date.
func (a *Adapter) findLoan(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) (*circ.LoanInfo, error) {
	activity, err := a.PatronActivity(ctx, p)
	if err != nil {
		return nil, err
	}
	for _, entry := range activity {
		if entry.Loan != nil && entry.Loan.Identifier.Value == id.Value {
			return entry.Loan, nil
		}
	}
	return nil, circ.NewError(circ.KindRemoteIntegration, VendorName,
		"duplicate checkout reported but loan absent from patron circulation", nil)
}

func (a *Adapter) Checkin(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) error {
	return a.call(ctx, http.MethodPost, a.path("checkin"),
		checkinRequest{ItemID: id.Value, PatronID: p.Identifier}, nil)
}

func (a *Adapter) PlaceHold(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) (*circ.HoldInfo, error) {
	var out placeHoldResult
	err := a.call(ctx, http.MethodPut, a.path("placehold"),
		placeHoldRequest{ItemID: id.Value, PatronID: p.Identifier}, &out)
	if err != nil {
		return nil, err
	}
	return &circ.HoldInfo{
		Collection: a.collection,
		Identifier: id,
		Start:      a.now(),
		Position:   out.Position,
	}, nil
}

func (a *Adapter) ReleaseHold(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) error {
	return a.call(ctx, http.MethodPost, a.path("cancelhold"),
		cancelHoldRequest{ItemID: id.Value, PatronID: p.Identifier}, nil)
}

func (a *Adapter) Fulfill(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) (*circ.FulfillmentInfo, error) {
	var out fulfillResult
	path := a.path("fulfill/" + id.Value + "/patron/" + p.Identifier)
	if err := a.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.ContentLink == "" {
		return nil, circ.NewError(circ.KindRemoteIntegration, VendorName,
			"fulfillment response carried no content URL", nil)
	}
	return &circ.FulfillmentInfo{
		Collection:  a.collection,
		Identifier:  id,
		ContentLink: out.ContentLink,
		ContentType: out.ContentType,
	}, nil
}

func (a *Adapter) PatronActivity(ctx context.Context, p circ.PatronCredentials) ([]circ.Activity, error) {
	var out patronCirculation
	path := a.path("circulation/patron/" + p.Identifier)
	if err := a.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	activity := make([]circ.Activity, 0, len(out.Checkouts)+len(out.Holds))
	for _, c := range out.Checkouts {
		activity = append(activity, circ.Activity{Loan: &circ.LoanInfo{
			Collection: a.collection,
			Identifier: circ.Identifier{Type: "bibliotheca", Value: c.ItemID},
			Start:      parseBibTime(c.LoanDate),
			End:        parseBibTime(c.DueDate),
			ExternalID: c.ItemID,
		}})
	}
	for _, h := range out.Holds {
		activity = append(activity, circ.Activity{Hold: &circ.HoldInfo{
			Collection: a.collection,
			Identifier: circ.Identifier{Type: "bibliotheca", Value: h.ItemID},
			Start:      parseBibTime(h.EventDate),
			Position:   h.Position,
		}})
	}
	return activity, nil
}

func (a *Adapter) path(suffix string) string {
	return "/cirrus/library/" + a.libraryID + "/" + suffix
}

// call signs and runs one request, translating XML error envelopes into the
// shared taxonomy. A nil body sends no payload; a nil out skips decoding.
func (a *Adapter) call(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := xml.Marshal(body)
		if err != nil {
			return circ.NewError(circ.KindInternal, VendorName, "encode request body", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.apiRoot+path, payload)
	if err != nil {
		return circ.NewError(circ.KindInternal, VendorName, "build request", err)
	}
	date := a.now().UTC().Format(dateLayout)
	req.Header.Set(headerDate, date)
	req.Header.Set(headerVersion, protocolVersion)
	req.Header.Set(headerAuth, "3MCLAUTH "+a.accountKey+":"+a.sign(date, method, path))
	if body != nil {
		req.Header.Set("Content-Type", "application/xml")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return circ.NewError(circ.KindRemoteIntegration, VendorName, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return circ.NewError(circ.KindRemoteIntegration, VendorName, "read response", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return circ.NewError(circ.KindVendorAuth, VendorName,
			fmt.Sprintf("signature rejected with status %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return a.translateError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := xml.Unmarshal(raw, out); err != nil {
		return circ.NewError(circ.KindRemoteIntegration, VendorName, "unparsable response body", err)
	}
	return nil
}

// translateError maps the API's embedded XML error messages onto the
// taxonomy. Matching is on message substrings because the API has no error
// codes.
func (a *Adapter) translateError(status int, raw []byte) error {
	var env errorEnvelope
	_ = xml.Unmarshal(raw, &env)
	msg := env.Message

	switch {
	case containsFold(msg, "already checked out"), containsFold(msg, "cannot be loaned again"):
		return circ.NewError(circ.KindAlreadyCheckedOut, VendorName, msg, nil)
	case containsFold(msg, "already on hold"), containsFold(msg, "already exists"):
		return circ.NewError(circ.KindAlreadyOnHold, VendorName, msg, nil)
	case containsFold(msg, "not checked out"):
		return circ.NewError(circ.KindNotCheckedOut, VendorName, msg, nil)
	case containsFold(msg, "no hold"), containsFold(msg, "hold not found"):
		return circ.NewError(circ.KindNotOnHold, VendorName, msg, nil)
	case containsFold(msg, "no copies"), containsFold(msg, "not available"):
		return circ.NewError(circ.KindNoAvailableCopies, VendorName, msg, nil)
	case containsFold(msg, "maximum number of loans"), containsFold(msg, "loan limit"):
		return circ.NewError(circ.KindLoanLimitReached, VendorName, msg, nil)
	case containsFold(msg, "maximum number of holds"), containsFold(msg, "hold limit"):
		return circ.NewError(circ.KindHoldLimitReached, VendorName, msg, nil)
	case containsFold(msg, "patron not found"), containsFold(msg, "invalid patron"):
		return circ.NewError(circ.KindPatronAuth, VendorName, msg, nil)
	case containsFold(msg, "item not found"), status == http.StatusNotFound:
		return circ.NewError(circ.KindNotFound, VendorName, msg, nil)
	default:
		return circ.NewError(circ.KindRemoteIntegration, VendorName,
			fmt.Sprintf("unexpected status %d: %s", status, msg), nil)
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}
