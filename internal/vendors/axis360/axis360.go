// Package axis360 adapts the Axis 360 XML-over-REST API to the shared
// circulation contract. The deployment holds a bearer token obtained from the
// account's token endpoint; every response wraps its payload in a numeric
// status envelope that is translated into the shared taxonomy.
package axis360

import (
	"context"
	"encoding/json"
	"encoding/xml"
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
const VendorName = "axis360"

type Adapter struct {
	collection string
	accountID  string
	apiRoot    string
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

func New(cfg config.VendorConfig, credentials *credential.Service, opts ...Option) (*Adapter, error) {
	switch {
	case cfg.URL == "":
		return nil, circ.NewError(circ.KindConfiguration, VendorName, "API URL is required", nil)
	case cfg.ClientKey == "" || cfg.ClientSecret == "":
		return nil, circ.NewError(circ.KindConfiguration, VendorName, "client key and secret are required", nil)
	case cfg.AccountID == "":
		return nil, circ.NewError(circ.KindConfiguration, VendorName, "library account id is required", nil)
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
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Adapter) Vendor() string { return VendorName }

// ---- bearer token ----

func (a *Adapter) bearerToken(ctx context.Context, force bool) (string, error) {
	cred, err := a.credentials.Lookup(ctx, "axis360:"+a.collection, credential.SiteWide, a.fetchToken, force)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

func (a *Adapter) fetchToken(ctx context.Context) (string, *time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiRoot+"/accesstoken", nil)
	if err != nil {
		return "", nil, circ.NewError(circ.KindInternal, VendorName, "build token request", err)
	}
	req.SetBasicAuth(a.clientKey, a.secret)

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

// statusEnvelope is the numeric status block every response leads with.
type statusEnvelope struct {
	Code    string `xml:"code"`
	Message string `xml:"statusMessage"`
}

type checkoutResult struct {
	XMLName    xml.Name       `xml:"checkoutResult"`
	Status     statusEnvelope `xml:"status"`
	Expiration string         `xml:"expirationDate"`
}

type holdResult struct {
	XMLName  xml.Name       `xml:"addtoholdResult"`
	Status   statusEnvelope `xml:"status"`
	Position int            `xml:"holdsQueuePosition"`
}

type simpleResult struct {
	Status statusEnvelope `xml:"status"`
}

type fulfillResultEnvelope struct {
	XMLName     xml.Name       `xml:"fulfillmentResult"`
	Status      statusEnvelope `xml:"status"`
	ContentLink string         `xml:"downloadUrl"`
	ContentType string         `xml:"formatType"`
}

type activityResult struct {
	XMLName   xml.Name       `xml:"patronActivityResult"`
	Status    statusEnvelope `xml:"status"`
	Checkouts []struct {
		TitleID    string `xml:"titleId"`
		StartDate  string `xml:"startDate"`
		Expiration string `xml:"expirationDate"`
	} `xml:"checkouts>checkout"`
	Holds []struct {
		TitleID  string `xml:"titleId"`
		HoldDate string `xml:"holdDate"`
		Position int    `xml:"holdsQueuePosition"`
	} `xml:"holds>hold"`
}

// Availability is the per-title license snapshot the availability endpoint
// reports. The sweep job persists these to catch drift between local loan
// records and the vendor's license state.
type Availability struct {
	Identifier      circ.Identifier
	TotalCopies     int
	AvailableCopies int
	HoldQueueSize   int
}

type availabilityResult struct {
	XMLName xml.Name       `xml:"availabilityResult"`
	Status  statusEnvelope `xml:"status"`
	Titles  []struct {
		TitleID         string `xml:"titleId"`
		TotalCopies     int    `xml:"totalCopies"`
		AvailableCopies int    `xml:"availableCopies"`
		HoldQueueSize   int    `xml:"holdsQueueSize"`
	} `xml:"titles>title"`
}

const axisTimeLayout = "2006-01-02 15:04:05"

func parseAxisTime(s string) time.Time {
	t, err := time.Parse(axisTimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// statusError translates a numeric status code into the taxonomy; code 0000
// is success.
func (a *Adapter) statusError(s statusEnvelope) error {
	switch s.Code {
	case "0000", "":
		return nil
	case "1001":
		return circ.NewError(circ.KindVendorAuth, VendorName, s.Message, nil)
	case "3103":
		return circ.NewError(circ.KindNotFound, VendorName, s.Message, nil)
	case "3104":
		return circ.NewError(circ.KindNoAvailableCopies, VendorName, s.Message, nil)
	case "3107":
		return circ.NewError(circ.KindNoLicenses, VendorName, s.Message, nil)
	case "3109":
		return circ.NewError(circ.KindAlreadyOnHold, VendorName, s.Message, nil)
	case "3110":
		return circ.NewError(circ.KindNotOnHold, VendorName, s.Message, nil)
	case "3112":
		return circ.NewError(circ.KindNotCheckedOut, VendorName, s.Message, nil)
	case "3113":
		return circ.NewError(circ.KindAlreadyCheckedOut, VendorName, s.Message, nil)
	case "3114":
		return circ.NewError(circ.KindLoanLimitReached, VendorName, s.Message, nil)
	case "3115":
		return circ.NewError(circ.KindHoldLimitReached, VendorName, s.Message, nil)
	case "3122":
		return circ.NewError(circ.KindPatronAuth, VendorName, s.Message, nil)
	default:
		return circ.NewError(circ.KindRemoteIntegration, VendorName,
			fmt.Sprintf("unrecognized status %s: %s", s.Code, s.Message), nil)
	}
}

// ---- operations ----

func (a *Adapter) Checkout(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) (*circ.LoanInfo, error) {
	var loan *circ.LoanInfo
	err := circ.CallWithAuthRetry(ctx, VendorName, func(ctx context.Context, force bool) error {
		q := url.Values{"titleId": {id.Value}, "patronId": {p.Identifier}}
		var out checkoutResult
		if err := a.call(ctx, force, http.MethodPost, "/checkout/v2", q, &out); err != nil {
			return err
		}
		if err := a.statusError(out.Status); err != nil {
			if circ.IsKind(err, circ.KindAlreadyCheckedOut) {
				return a.findLoanLocked(ctx, force, p, id, &loan)
			}
			return err
		}
		loan = &circ.LoanInfo{
			Collection: a.collection,
			Identifier: id,
			End:        parseAxisTime(out.Expiration),
			ExternalID: id.Value,
		}
		return nil
	})
	return loan, err
}

// findLoanLocked resolves a duplicate checkout to the patron's existing loan
// so the caller sees the real expiration. It runs inside the auth-retry
// closure and reuses its force flag.
func (a *Adapter) findLoanLocked(ctx context.Context, force bool, p circ.PatronCredentials, id circ.Identifier, loan **circ.LoanInfo) error {
	activity, err := a.patronActivity(ctx, force, p)
	if err != nil {
		return err
	}
	for _, entry := range activity {
		if entry.Loan != nil && entry.Loan.Identifier.Value == id.Value {
			*loan = entry.Loan
			return nil
		}
	}
	return circ.NewError(circ.KindRemoteIntegration, VendorName,
		"duplicate checkout reported but loan absent from patron activity", nil)
}

func (a *Adapter) Checkin(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) error {
	return circ.CallWithAuthRetry(ctx, VendorName, func(ctx context.Context, force bool) error {
		q := url.Values{"titleId": {id.Value}, "patronId": {p.Identifier}}
		var out simpleResult
		if err := a.call(ctx, force, http.MethodPost, "/checkin/v2", q, &out); err != nil {
			return err
		}
		return a.statusError(out.Status)
	})
}

func (a *Adapter) PlaceHold(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) (*circ.HoldInfo, error) {
	var hold *circ.HoldInfo
	err := circ.CallWithAuthRetry(ctx, VendorName, func(ctx context.Context, force bool) error {
		q := url.Values{"titleId": {id.Value}, "patronId": {p.Identifier}}
		var out holdResult
		if err := a.call(ctx, force, http.MethodPost, "/addtohold/v2", q, &out); err != nil {
			return err
		}
		if err := a.statusError(out.Status); err != nil {
			return err
		}
		hold = &circ.HoldInfo{
			Collection: a.collection,
			Identifier: id,
			Position:   out.Position,
		}
		return nil
	})
	return hold, err
}

func (a *Adapter) ReleaseHold(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) error {
	return circ.CallWithAuthRetry(ctx, VendorName, func(ctx context.Context, force bool) error {
		q := url.Values{"titleId": {id.Value}, "patronId": {p.Identifier}}
		var out simpleResult
		if err := a.call(ctx, force, http.MethodPost, "/removehold/v2", q, &out); err != nil {
			return err
		}
		return a.statusError(out.Status)
	})
}

func (a *Adapter) Fulfill(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) (*circ.FulfillmentInfo, error) {
	var fulfillment *circ.FulfillmentInfo
	err := circ.CallWithAuthRetry(ctx, VendorName, func(ctx context.Context, force bool) error {
		q := url.Values{"titleId": {id.Value}, "patronId": {p.Identifier}}
		var out fulfillResultEnvelope
		if err := a.call(ctx, force, http.MethodGet, "/fulfill/v2", q, &out); err != nil {
			return err
		}
		if err := a.statusError(out.Status); err != nil {
			if circ.IsKind(err, circ.KindNotCheckedOut) {
				return circ.NewError(circ.KindCannotFulfill, VendorName,
					"no active loan to fulfill for "+id.String(), err)
			}
			return err
		}
		if out.ContentLink == "" {
			return circ.NewError(circ.KindRemoteIntegration, VendorName,
				"fulfillment response carried no download URL", nil)
		}
		fulfillment = &circ.FulfillmentInfo{
			Collection:  a.collection,
			Identifier:  id,
			ContentLink: out.ContentLink,
			ContentType: out.ContentType,
		}
		return nil
	})
	return fulfillment, err
}

func (a *Adapter) PatronActivity(ctx context.Context, p circ.PatronCredentials) ([]circ.Activity, error) {
	var activity []circ.Activity
	err := circ.CallWithAuthRetry(ctx, VendorName, func(ctx context.Context, force bool) error {
		entries, err := a.patronActivity(ctx, force, p)
		if err != nil {
			return err
		}
		activity = entries
		return nil
	})
	return activity, err
}

func (a *Adapter) patronActivity(ctx context.Context, force bool, p circ.PatronCredentials) ([]circ.Activity, error) {
	q := url.Values{"patronId": {p.Identifier}}
	var out activityResult
	if err := a.call(ctx, force, http.MethodGet, "/availability/v2/patron", q, &out); err != nil {
		return nil, err
	}
	if err := a.statusError(out.Status); err != nil {
		return nil, err
	}

	activity := make([]circ.Activity, 0, len(out.Checkouts)+len(out.Holds))
	for _, c := range out.Checkouts {
		activity = append(activity, circ.Activity{Loan: &circ.LoanInfo{
			Collection: a.collection,
			Identifier: circ.Identifier{Type: "axis360", Value: c.TitleID},
			Start:      parseAxisTime(c.StartDate),
			End:        parseAxisTime(c.Expiration),
			ExternalID: c.TitleID,
		}})
	}
	for _, h := range out.Holds {
		activity = append(activity, circ.Activity{Hold: &circ.HoldInfo{
			Collection: a.collection,
			Identifier: circ.Identifier{Type: "axis360", Value: h.TitleID},
			Start:      parseAxisTime(h.HoldDate),
			Position:   h.Position,
		}})
	}
	return activity, nil
}

// TitleAvailability reports license state for the given titles. An empty
// title list asks the vendor for the whole collection.
func (a *Adapter) TitleAvailability(ctx context.Context, ids []circ.Identifier) ([]Availability, error) {
	var snapshots []Availability
	err := circ.CallWithAuthRetry(ctx, VendorName, func(ctx context.Context, force bool) error {
		q := url.Values{}
		if len(ids) > 0 {
			values := make([]string, len(ids))
			for i, id := range ids {
				values[i] = id.Value
			}
			q.Set("titleIds", strings.Join(values, ","))
		}
		var out availabilityResult
		if err := a.call(ctx, force, http.MethodGet, "/availability/v2", q, &out); err != nil {
			return err
		}
		if err := a.statusError(out.Status); err != nil {
			return err
		}
		snapshots = snapshots[:0]
		for _, title := range out.Titles {
			snapshots = append(snapshots, Availability{
				Identifier:      circ.Identifier{Type: "axis360", Value: title.TitleID},
				TotalCopies:     title.TotalCopies,
				AvailableCopies: title.AvailableCopies,
				HoldQueueSize:   title.HoldQueueSize,
			})
		}
		return nil
	})
	return snapshots, err
}

func (a *Adapter) call(ctx context.Context, force bool, method, path string, q url.Values, out any) error {
	token, err := a.bearerToken(ctx, force)
	if err != nil {
		return err
	}

	u := a.apiRoot + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return circ.NewError(circ.KindInternal, VendorName, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Library", a.accountID)

	resp, err := a.httpClient.Do(req)
	if err != nil {
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
		return circ.NewError(circ.KindRemoteIntegration, VendorName,
			fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}
	if err := xml.Unmarshal(raw, out); err != nil {
		return circ.NewError(circ.KindRemoteIntegration, VendorName, "unparsable response body", err)
	}
	return nil
}
