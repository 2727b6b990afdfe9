// Package patron defines the protocol-agnostic description of a patron as
// reported by a remote identity source, and the persisted record it is merged
// into. Data values are created per request by protocol adapters and discarded
// once applied; they never hold a database handle.
package patron

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Data is a transient snapshot of a patron as one remote system reported it.
type Data struct {
	PermanentID Field[string]

	// AuthorizationIdentifiers is ordered by preference. The identifier the
	// patron most recently presented sits at the front; identifiers are
	// promoted, never dropped, by UseAuthorizationIdentifier.
	AuthorizationIdentifiers []string

	Username             Field[string]
	PersonalName         Field[string]
	EmailAddress         Field[string]
	AuthorizationExpires Field[time.Time]
	Fines                Field[decimal.Decimal]
	ExternalType         Field[string]
	BlockReason          Field[string]
	LibraryIdentifier    Field[string]

	// Complete marks this snapshot as a merge-safe full picture rather than a
	// lookup stub. Incomplete snapshots only overwrite fields they carry.
	Complete bool
}

// AuthorizationIdentifier returns the preferred identifier, or "" if none are
// known.
func (d *Data) AuthorizationIdentifier() string {
	if len(d.AuthorizationIdentifiers) == 0 {
		return ""
	}
	return d.AuthorizationIdentifiers[0]
}

// UseAuthorizationIdentifier promotes the identifier the patron just presented
// to the front of the preference list. An identifier not already on the list
// is inserted at the front. Nothing is ever dropped.
func (d *Data) UseAuthorizationIdentifier(identifier string) {
	if identifier == "" {
		return
	}
	if i := slices.Index(d.AuthorizationIdentifiers, identifier); i > 0 {
		d.AuthorizationIdentifiers = slices.Delete(d.AuthorizationIdentifiers, i, i+1)
		d.AuthorizationIdentifiers = slices.Insert(d.AuthorizationIdentifiers, 0, identifier)
	} else if i < 0 {
		d.AuthorizationIdentifiers = slices.Insert(d.AuthorizationIdentifiers, 0, identifier)
	}
}

// Patron is the persisted record shape this core reads and writes. Schema
// ownership lives with the persistence layer.
type Patron struct {
	ID                      int64
	Library                 string
	ExternalIdentifier      string
	AuthorizationIdentifier string
	Username                string
	PersonalName            string
	EmailAddress            string
	AuthorizationExpires    *time.Time
	Fines                   decimal.Decimal
	ExternalType            string
	BlockReason             string
	LastExternalSync        time.Time
}

// ApplyTo merges the snapshot into a persisted record following the tri-state
// field rules. The preferred authorization identifier always wins when the
// snapshot carries any.
func (d *Data) ApplyTo(p *Patron, now time.Time) {
	if id, ok := d.PermanentID.Value(); ok {
		p.ExternalIdentifier = id
	}
	if len(d.AuthorizationIdentifiers) > 0 {
		p.AuthorizationIdentifier = d.AuthorizationIdentifiers[0]
	}
	p.Username = apply(d.Username, p.Username)
	p.PersonalName = apply(d.PersonalName, p.PersonalName)
	p.EmailAddress = apply(d.EmailAddress, p.EmailAddress)
	p.ExternalType = apply(d.ExternalType, p.ExternalType)
	p.BlockReason = apply(d.BlockReason, p.BlockReason)

	if exp, ok := d.AuthorizationExpires.Value(); ok {
		p.AuthorizationExpires = &exp
	} else if d.AuthorizationExpires.IsNone() {
		p.AuthorizationExpires = nil
	}
	if fines, ok := d.Fines.Value(); ok {
		p.Fines = fines
	} else if d.Fines.IsNone() {
		p.Fines = decimal.Zero
	}

	if d.Complete {
		p.LastExternalSync = now
	}
}

// NeedsSync reports whether the record is stale relative to the given window.
func (p *Patron) NeedsSync(now time.Time, window time.Duration) bool {
	return p.LastExternalSync.IsZero() || now.Sub(p.LastExternalSync) > window
}
