// Package circ defines the shared circulation contract: the operation set
// every vendor adapter implements, the transfer objects they produce, the
// normalized error taxonomy, and the dispatcher that routes each request to
// the adapter owning the requested title.
package circ

import (
	"context"
	"time"
)

// Identifier names a title within a vendor's catalog.
type Identifier struct {
	Type  string
	Value string
}

func (i Identifier) String() string {
	return i.Type + "/" + i.Value
}

// LoanInfo is a lightweight transfer object describing a loan as the vendor
// reported it. It is created per request and discarded after being applied to
// the persisted record.
type LoanInfo struct {
	Collection string
	Identifier Identifier
	Start      time.Time
	End        time.Time
	ExternalID string
}

// HoldInfo describes a hold queue entry. Position 0 means the hold is ready
// to borrow.
type HoldInfo struct {
	Collection string
	Identifier Identifier
	Start      time.Time
	End        time.Time
	Position   int
}

// Ready reports whether the hold has reached the front of the queue.
func (h *HoldInfo) Ready() bool {
	return h.Position == 0
}

// FulfillmentInfo carries either inline content or a redirect link plus media
// type. Exactly one of Content and ContentLink is set.
type FulfillmentInfo struct {
	Collection  string
	Identifier  Identifier
	ContentLink string
	ContentType string
	Content     []byte
}

// Activity is one entry in a patron's remote activity: a loan or a hold.
type Activity struct {
	Loan *LoanInfo
	Hold *HoldInfo
}

// PatronCredentials identifies the patron to a vendor. The secret is only
// forwarded to vendors whose protocol demands it.
type PatronCredentials struct {
	PatronID   int64
	Identifier string
	Secret     string
}

// VendorAPI is the contract every vendor adapter implements against one
// vendor's wire protocol. Implementations translate all vendor-specific error
// shapes into *Error before returning.
type VendorAPI interface {
	// Vendor returns the stable vendor key this adapter serves.
	Vendor() string

	// Checkout borrows the title. A checkout that would fail with "already has
	// this loan" transparently returns the existing loan instead.
	Checkout(ctx context.Context, p PatronCredentials, id Identifier) (*LoanInfo, error)

	// Checkin returns the title early.
	Checkin(ctx context.Context, p PatronCredentials, id Identifier) error

	// PlaceHold queues the patron for the title.
	PlaceHold(ctx context.Context, p PatronCredentials, id Identifier) (*HoldInfo, error)

	// ReleaseHold removes the patron from the queue.
	ReleaseHold(ctx context.Context, p PatronCredentials, id Identifier) error

	// Fulfill produces the content or a redirect link for an active loan.
	// Fulfilling without an active loan is always an error.
	Fulfill(ctx context.Context, p PatronCredentials, id Identifier) (*FulfillmentInfo, error)

	// PatronActivity lists the patron's current loans and holds with this
	// vendor.
	PatronActivity(ctx context.Context, p PatronCredentials) ([]Activity, error)
}
