package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and protocol clients return
// these (optionally wrapped) so services can translate them into the shared
// circulation error taxonomy.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: record does not exist in store
// - ErrExpired: credential/session has expired
// - ErrConflict: a concurrent writer got there first
// - ErrInvalidState: record in wrong state for requested operation
// - ErrUnavailable: backing service temporarily unavailable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
