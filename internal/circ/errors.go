package circ

import (
	"errors"
	"fmt"
)

// Kind is the normalized failure taxonomy shared by every vendor adapter.
// Adapters translate their vendor's own error vocabulary (HTTP statuses, XML
// error messages, JSON error codes) into these kinds at the boundary, so the
// dispatcher and its callers never see a vendor-specific error shape.
type Kind string

const (
	// KindRemoteIntegration covers transport errors, timeouts, unparsable
	// responses, and unrecognized error envelopes.
	KindRemoteIntegration Kind = "remote_integration"

	// KindVendorAuth means the vendor rejected this deployment's credentials
	// even after a token refresh.
	KindVendorAuth Kind = "vendor_authentication"

	// Licensing-state conflicts. Each is distinct because the caller renders
	// different user guidance for each.
	KindNoLicenses        Kind = "no_licenses"
	KindNoAvailableCopies Kind = "no_available_copies"
	KindAlreadyCheckedOut Kind = "already_checked_out"
	KindAlreadyOnHold     Kind = "already_on_hold"
	KindNotCheckedOut     Kind = "not_checked_out"
	KindNotOnHold         Kind = "not_on_hold"
	KindLoanLimitReached  Kind = "loan_limit_reached"
	KindHoldLimitReached  Kind = "hold_limit_reached"

	// KindCannotFulfill means fulfillment was attempted without an active loan.
	KindCannotFulfill Kind = "cannot_fulfill"

	// KindNotFound means the vendor does not know the requested title.
	KindNotFound Kind = "not_found"

	// KindPatronAuth means the vendor did not recognize the patron.
	KindPatronAuth Kind = "patron_authentication"

	// KindConfiguration marks a misconfigured integration. Raised at adapter
	// construction time, never mid-request.
	KindConfiguration Kind = "configuration"

	KindInternal Kind = "internal"
)

// Error is the shared error shape every adapter returns.
type Error struct {
	Kind       Kind
	Vendor     string
	Message    string
	Underlying error
	Retryable  bool
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Vendor, e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Vendor, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// NewError builds a taxonomy error. Remote-integration failures are the only
// retryable kind; everything else describes a definite state.
func NewError(kind Kind, vendor, message string, underlying error) *Error {
	return &Error{
		Kind:       kind,
		Vendor:     vendor,
		Message:    message,
		Underlying: underlying,
		Retryable:  kind == KindRemoteIntegration,
	}
}

// KindOf extracts the taxonomy kind from an error chain.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether retrying the operation could plausibly help.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}
