package patron

import "context"

// Store persists patron records. Implementations must make CreateOrFetch safe
// under the concurrent-first-login race: when two requests both try to create
// a never-seen-before patron, the loser resolves to the row the winner just
// created instead of surfacing a constraint violation.
type Store interface {
	FindByAuthorization(ctx context.Context, library, identifier string) (*Patron, error)
	FindByExternalIdentifier(ctx context.Context, library, externalID string) (*Patron, error)
	CreateOrFetch(ctx context.Context, p *Patron) (*Patron, error)
	Update(ctx context.Context, p *Patron) error
}
