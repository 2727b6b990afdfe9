package patron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"circulation/pkg/sentinel"
)

const uniqueViolation = "23505"

// PostgresStore persists patron records in PostgreSQL via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const patronColumns = `id, library, external_identifier, authorization_identifier,
	username, personal_name, email_address, authorization_expires, fines,
	external_type, block_reason, last_external_sync`

func (s *PostgresStore) FindByAuthorization(ctx context.Context, library, identifier string) (*Patron, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+patronColumns+` FROM patrons WHERE library = $1 AND authorization_identifier = $2`,
		library, identifier)
	return scanPatron(row)
}

func (s *PostgresStore) FindByExternalIdentifier(ctx context.Context, library, externalID string) (*Patron, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+patronColumns+` FROM patrons WHERE library = $1 AND external_identifier = $2`,
		library, externalID)
	return scanPatron(row)
}

// CreateOrFetch inserts the patron inside a nested transaction. A duplicate-key
// conflict on (library, external_identifier) means another request created the
// row concurrently; the conflict resolves to fetching that row.
func (s *PostgresStore) CreateOrFetch(ctx context.Context, p *Patron) (*Patron, error) {
	existing, err := s.FindByExternalIdentifier(ctx, p.Library, p.ExternalIdentifier)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create patron: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO patrons (library, external_identifier, authorization_identifier,
			username, personal_name, email_address, authorization_expires, fines,
			external_type, block_reason, last_external_sync)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		p.Library, p.ExternalIdentifier, p.AuthorizationIdentifier,
		p.Username, p.PersonalName, p.EmailAddress, p.AuthorizationExpires,
		p.Fines.String(), p.ExternalType, p.BlockReason, p.LastExternalSync,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return s.FindByExternalIdentifier(ctx, p.Library, p.ExternalIdentifier)
		}
		return nil, fmt.Errorf("insert patron: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create patron: %w", err)
	}

	created := *p
	created.ID = id
	return &created, nil
}

func (s *PostgresStore) Update(ctx context.Context, p *Patron) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE patrons SET authorization_identifier = $2, username = $3,
			personal_name = $4, email_address = $5, authorization_expires = $6,
			fines = $7, external_type = $8, block_reason = $9, last_external_sync = $10
		 WHERE id = $1`,
		p.ID, p.AuthorizationIdentifier, p.Username, p.PersonalName,
		p.EmailAddress, p.AuthorizationExpires, p.Fines.String(),
		p.ExternalType, p.BlockReason, p.LastExternalSync)
	if err != nil {
		return fmt.Errorf("update patron: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func scanPatron(row pgx.Row) (*Patron, error) {
	var (
		p       Patron
		fines   string
		expires *time.Time
	)
	err := row.Scan(&p.ID, &p.Library, &p.ExternalIdentifier, &p.AuthorizationIdentifier,
		&p.Username, &p.PersonalName, &p.EmailAddress, &expires, &fines,
		&p.ExternalType, &p.BlockReason, &p.LastExternalSync)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan patron: %w", err)
	}
	p.AuthorizationExpires = expires
	p.Fines, err = decimal.NewFromString(fines)
	if err != nil {
		p.Fines = decimal.Zero
	}
	return &p, nil
}
