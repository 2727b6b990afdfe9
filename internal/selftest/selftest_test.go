package selftest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"circulation/internal/circ"
)

type stubPatrons struct {
	calls int
	err   error
}

func (s *stubPatrons) TestPatron(ctx context.Context, library string) (circ.PatronCredentials, error) {
	s.calls++
	if s.err != nil {
		return circ.PatronCredentials{}, s.err
	}
	return circ.PatronCredentials{PatronID: 1, Identifier: "test-0001"}, nil
}

type stubVendor struct {
	name        string
	activityErr error
	checkoutErr error
	fulfillErr  error

	ops []string
}

func (v *stubVendor) Vendor() string { return v.name }

func (v *stubVendor) Checkout(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) (*circ.LoanInfo, error) {
	v.ops = append(v.ops, "checkout")
	if v.checkoutErr != nil {
		return nil, v.checkoutErr
	}
	return &circ.LoanInfo{Identifier: id, End: time.Date(2024, 6, 22, 12, 0, 0, 0, time.UTC)}, nil
}

func (v *stubVendor) Checkin(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) error {
	v.ops = append(v.ops, "checkin")
	return nil
}

func (v *stubVendor) PlaceHold(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) (*circ.HoldInfo, error) {
	v.ops = append(v.ops, "placehold")
	return &circ.HoldInfo{Identifier: id}, nil
}

func (v *stubVendor) ReleaseHold(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) error {
	v.ops = append(v.ops, "releasehold")
	return nil
}

func (v *stubVendor) Fulfill(ctx context.Context, p circ.PatronCredentials, id circ.Identifier) (*circ.FulfillmentInfo, error) {
	v.ops = append(v.ops, "fulfill")
	if v.fulfillErr != nil {
		return nil, v.fulfillErr
	}
	return &circ.FulfillmentInfo{Identifier: id, ContentLink: "https://dl.example.com/x", ContentType: "application/epub+zip"}, nil
}

func (v *stubVendor) PatronActivity(ctx context.Context, p circ.PatronCredentials) ([]circ.Activity, error) {
	v.ops = append(v.ops, "activity")
	if v.activityErr != nil {
		return nil, v.activityErr
	}
	return []circ.Activity{
		{Loan: &circ.LoanInfo{}},
		{Hold: &circ.HoldInfo{}},
	}, nil
}

func newRunner(t *testing.T, patrons PatronSource) *Runner {
	t.Helper()
	clock := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r, err := New(patrons, WithClock(func() time.Time {
		clock = clock.Add(250 * time.Millisecond)
		return clock
	}))
	require.NoError(t, err)
	return r
}

func TestZeroCollectionsIsSingleFailureWithoutNetwork(t *testing.T) {
	patrons := &stubPatrons{}
	r := newRunner(t, patrons)

	results := r.Run(context.Background(), "empty-lib", nil)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.ErrorContains(t, results[0].Err, "no collections")
	assert.Zero(t, patrons.calls)
}

func TestActivityOnlyCollection(t *testing.T) {
	patrons := &stubPatrons{}
	vendor := &stubVendor{name: "overdrive"}
	r := newRunner(t, patrons)

	results := r.Run(context.Background(), "main", []Collection{{Name: "main-od", Adapter: vendor}})

	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.Contains(t, results[0].Result, "test-0001")
	assert.True(t, results[1].Success)
	assert.Equal(t, "1 loans, 1 holds", results[1].Result)
	assert.Equal(t, []string{"activity"}, vendor.ops)
	for _, res := range results {
		assert.Positive(t, res.Duration)
	}
}

func TestAuthFailureStopsEverything(t *testing.T) {
	patrons := &stubPatrons{err: errors.New("pin rejected")}
	vendor := &stubVendor{name: "overdrive"}
	r := newRunner(t, patrons)

	results := r.Run(context.Background(), "main", []Collection{{Name: "main-od", Adapter: vendor}})

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Empty(t, vendor.ops)
}

func TestLoanCycle(t *testing.T) {
	patrons := &stubPatrons{}
	vendor := &stubVendor{name: "overdrive"}
	title := circ.Identifier{Type: "overdrive", Value: "RES-1"}
	r := newRunner(t, patrons)

	results := r.Run(context.Background(), "main", []Collection{
		{Name: "main-od", Adapter: vendor, TestTitle: &title},
	})

	require.Len(t, results, 5)
	for _, res := range results {
		assert.True(t, res.Success, res.Name)
	}
	assert.Equal(t, []string{"activity", "checkout", "fulfill", "checkin"}, vendor.ops)
}

func TestFulfillFailureStillChecksIn(t *testing.T) {
	patrons := &stubPatrons{}
	vendor := &stubVendor{
		name:       "overdrive",
		fulfillErr: circ.NewError(circ.KindCannotFulfill, "overdrive", "no loan", nil),
	}
	title := circ.Identifier{Type: "overdrive", Value: "RES-1"}
	r := newRunner(t, patrons)

	results := r.Run(context.Background(), "main", []Collection{
		{Name: "main-od", Adapter: vendor, TestTitle: &title},
	})

	require.Len(t, results, 5)
	assert.False(t, results[3].Success)
	assert.True(t, results[4].Success)
	assert.Equal(t, []string{"activity", "checkout", "fulfill", "checkin"}, vendor.ops)
}

func TestCheckoutFailureSkipsRestOfCycle(t *testing.T) {
	patrons := &stubPatrons{}
	vendor := &stubVendor{
		name:        "overdrive",
		checkoutErr: circ.NewError(circ.KindNoAvailableCopies, "overdrive", "all out", nil),
	}
	title := circ.Identifier{Type: "overdrive", Value: "RES-1"}
	r := newRunner(t, patrons)

	results := r.Run(context.Background(), "main", []Collection{
		{Name: "main-od", Adapter: vendor, TestTitle: &title},
	})

	require.Len(t, results, 3)
	assert.False(t, results[2].Success)
	assert.Equal(t, []string{"activity", "checkout"}, vendor.ops)
}

func TestMultipleCollectionsRunInOrder(t *testing.T) {
	patrons := &stubPatrons{}
	first := &stubVendor{name: "overdrive"}
	second := &stubVendor{name: "axis360", activityErr: errors.New("down for maintenance")}
	r := newRunner(t, patrons)

	results := r.Run(context.Background(), "main", []Collection{
		{Name: "main-od", Adapter: first},
		{Name: "main-axis", Adapter: second},
	})

	require.Len(t, results, 3)
	assert.True(t, results[1].Success)
	assert.False(t, results[2].Success)
	assert.Contains(t, results[2].Name, "main-axis")
}

func TestNewRequiresPatronSource(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
