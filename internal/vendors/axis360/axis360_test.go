package axis360

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circulation/internal/circ"
	"circulation/internal/credential"
	"circulation/internal/platform/config"
)

type boundlessServer struct {
	*httptest.Server

	t             *testing.T
	tokenRequests int
	responses     map[string][]string
}

func newBoundlessServer(t *testing.T) *boundlessServer {
	t.Helper()
	s := &boundlessServer{t: t, responses: map[string][]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/accesstoken", func(w http.ResponseWriter, r *http.Request) {
		user, _, _ := r.BasicAuth()
		require.Equal(t, "key-1", user)
		s.tokenRequests++
		json.NewEncoder(w).Encode(map[string]any{"access_token": "token-1", "expires_in": 3600})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "lib9", r.Header.Get("Library"))
		queue := s.responses[r.URL.Path]
		if len(queue) == 0 {
			t.Fatalf("unexpected request %s", r.URL.Path)
		}
		s.responses[r.URL.Path] = queue[1:]
		io.WriteString(w, queue[0])
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *boundlessServer) on(path, body string) {
	s.responses[path] = append(s.responses[path], body)
}

func statusXML(code, message string) string {
	return `<status><code>` + code + `</code><statusMessage>` + message + `</statusMessage></status>`
}

func newAdapter(t *testing.T, s *boundlessServer) *Adapter {
	t.Helper()
	credSvc, err := credential.New(credential.NewMemoryStore())
	require.NoError(t, err)
	a, err := New(config.VendorConfig{
		Name:         "main-axis",
		Library:      "main",
		Vendor:       VendorName,
		URL:          s.URL,
		ClientKey:    "key-1",
		ClientSecret: "secret-1",
		AccountID:    "lib9",
	}, credSvc)
	require.NoError(t, err)
	return a
}

var testPatron = circ.PatronCredentials{PatronID: 7, Identifier: "20312"}

func TestCheckoutSuccess(t *testing.T) {
	s := newBoundlessServer(t)
	s.on("/checkout/v2",
		`<checkoutResult>`+statusXML("0000", "OK")+`<expirationDate>2024-06-22 12:00:00</expirationDate></checkoutResult>`)
	a := newAdapter(t, s)

	loan, err := a.Checkout(context.Background(), testPatron, circ.Identifier{Type: "axis360", Value: "T-1"})

	require.NoError(t, err)
	assert.Equal(t, "main-axis", loan.Collection)
	assert.Equal(t, time.Date(2024, 6, 22, 12, 0, 0, 0, time.UTC), loan.End)
	assert.Equal(t, 1, s.tokenRequests)
}

func TestCheckoutAlreadyCheckedOutFetchesExistingLoan(t *testing.T) {
	s := newBoundlessServer(t)
	s.on("/checkout/v2",
		`<checkoutResult>`+statusXML("3113", "Title already checked out")+`</checkoutResult>`)
	s.on("/availability/v2/patron",
		`<patronActivityResult>`+statusXML("0000", "OK")+
			`<checkouts><checkout><titleId>T-1</titleId><expirationDate>2024-06-22 12:00:00</expirationDate></checkout></checkouts></patronActivityResult>`)
	a := newAdapter(t, s)

	loan, err := a.Checkout(context.Background(), testPatron, circ.Identifier{Type: "axis360", Value: "T-1"})

	require.NoError(t, err)
	assert.Equal(t, "T-1", loan.ExternalID)
	assert.Equal(t, time.Date(2024, 6, 22, 12, 0, 0, 0, time.UTC), loan.End)
}

func TestStatusCodeTranslation(t *testing.T) {
	cases := []struct {
		code string
		want circ.Kind
	}{
		{"3103", circ.KindNotFound},
		{"3104", circ.KindNoAvailableCopies},
		{"3107", circ.KindNoLicenses},
		{"3114", circ.KindLoanLimitReached},
		{"3115", circ.KindHoldLimitReached},
		{"3122", circ.KindPatronAuth},
		{"9999", circ.KindRemoteIntegration},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			s := newBoundlessServer(t)
			s.on("/checkout/v2",
				`<checkoutResult>`+statusXML(tc.code, "nope")+`</checkoutResult>`)
			a := newAdapter(t, s)

			_, err := a.Checkout(context.Background(), testPatron, circ.Identifier{Type: "axis360", Value: "T-1"})

			require.Error(t, err)
			assert.Equal(t, tc.want, circ.KindOf(err))
		})
	}
}

func TestInvalidTokenStatusTriggersRefresh(t *testing.T) {
	s := newBoundlessServer(t)
	s.on("/checkout/v2",
		`<checkoutResult>`+statusXML("1001", "Invalid token")+`</checkoutResult>`)
	s.on("/checkout/v2",
		`<checkoutResult>`+statusXML("0000", "OK")+`<expirationDate>2024-06-22 12:00:00</expirationDate></checkoutResult>`)
	a := newAdapter(t, s)

	_, err := a.Checkout(context.Background(), testPatron, circ.Identifier{Type: "axis360", Value: "T-1"})

	require.NoError(t, err)
	assert.Equal(t, 2, s.tokenRequests)
}

func TestFulfillWithoutLoan(t *testing.T) {
	s := newBoundlessServer(t)
	s.on("/fulfill/v2",
		`<fulfillmentResult>`+statusXML("3112", "Not checked out")+`</fulfillmentResult>`)
	a := newAdapter(t, s)

	_, err := a.Fulfill(context.Background(), testPatron, circ.Identifier{Type: "axis360", Value: "T-1"})

	assert.True(t, circ.IsKind(err, circ.KindCannotFulfill))
}

func TestFulfillReturnsDownloadURL(t *testing.T) {
	s := newBoundlessServer(t)
	s.on("/fulfill/v2",
		`<fulfillmentResult>`+statusXML("0000", "OK")+
			`<downloadUrl>https://dl.example.com/T-1.acsm</downloadUrl><formatType>ePub</formatType></fulfillmentResult>`)
	a := newAdapter(t, s)

	f, err := a.Fulfill(context.Background(), testPatron, circ.Identifier{Type: "axis360", Value: "T-1"})

	require.NoError(t, err)
	assert.Equal(t, "https://dl.example.com/T-1.acsm", f.ContentLink)
	assert.Equal(t, "ePub", f.ContentType)
}

func TestPatronActivity(t *testing.T) {
	s := newBoundlessServer(t)
	s.on("/availability/v2/patron",
		`<patronActivityResult>`+statusXML("0000", "OK")+
			`<checkouts><checkout><titleId>T-1</titleId><expirationDate>2024-06-22 12:00:00</expirationDate></checkout></checkouts>`+
			`<holds><hold><titleId>T-2</titleId><holdsQueuePosition>3</holdsQueuePosition></hold></holds></patronActivityResult>`)
	a := newAdapter(t, s)

	activity, err := a.PatronActivity(context.Background(), testPatron)

	require.NoError(t, err)
	require.Len(t, activity, 2)
	require.NotNil(t, activity[0].Loan)
	assert.Equal(t, "T-1", activity[0].Loan.ExternalID)
	require.NotNil(t, activity[1].Hold)
	assert.Equal(t, 3, activity[1].Hold.Position)
}

func TestTitleAvailability(t *testing.T) {
	s := newBoundlessServer(t)
	s.on("/availability/v2",
		`<availabilityResult>`+statusXML("0000", "OK")+
			`<titles><title><titleId>T-1</titleId><totalCopies>5</totalCopies><availableCopies>2</availableCopies><holdsQueueSize>1</holdsQueueSize></title></titles></availabilityResult>`)
	a := newAdapter(t, s)

	snapshots, err := a.TitleAvailability(context.Background(), []circ.Identifier{{Type: "axis360", Value: "T-1"}})

	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, 5, snapshots[0].TotalCopies)
	assert.Equal(t, 2, snapshots[0].AvailableCopies)
	assert.Equal(t, 1, snapshots[0].HoldQueueSize)
}

func TestNewValidatesConfig(t *testing.T) {
	credSvc, err := credential.New(credential.NewMemoryStore())
	require.NoError(t, err)

	_, err = New(config.VendorConfig{Name: "x", URL: "http://example.com", ClientKey: "k", ClientSecret: "s"}, credSvc)

	require.Error(t, err)
	assert.True(t, circ.IsKind(err, circ.KindConfiguration))
}
