package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"circulation/pkg/sentinel"
)

// PostgresStore persists credentials in PostgreSQL through database/sql.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, dataSource string, patronID int64) (*Credential, error) {
	var (
		c       Credential
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data_source, patron_id, token, expires
		 FROM credentials WHERE data_source = $1 AND patron_id = $2`,
		dataSource, patronID,
	).Scan(&c.DataSource, &c.PatronID, &c.Token, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		c.Expires = &t
	}
	return &c, nil
}

func (s *PostgresStore) Put(ctx context.Context, c *Credential) error {
	var expires *time.Time
	if c.Expires != nil {
		expires = c.Expires
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (data_source, patron_id, token, expires)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (data_source, patron_id)
		 DO UPDATE SET token = EXCLUDED.token, expires = EXCLUDED.expires`,
		c.DataSource, c.PatronID, c.Token, expires)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, dataSource string, patronID int64) error {
	tag, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE data_source = $1 AND patron_id = $2`,
		dataSource, patronID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if n, _ := tag.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
