package replay

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists nonces in PostgreSQL so replay protection survives
// process restarts.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed nonce store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the nonces table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS relay_nonces (
			value BIGINT PRIMARY KEY,
			actor TEXT NOT NULL,
			issued_at TIMESTAMPTZ NOT NULL,
			consumed BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_relay_nonces_issued_at ON relay_nonces(issued_at);
	`)
	return err
}

func (s *PostgresStore) Put(ctx context.Context, n *Nonce) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_nonces (value, actor, issued_at, consumed)
		VALUES ($1, $2, $3, $4)
	`, n.Value, n.Actor, n.IssuedAt, n.Consumed)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, value int64) (*Nonce, error) {
	n := &Nonce{}
	err := s.db.QueryRowContext(ctx, `
		SELECT value, actor, issued_at, consumed FROM relay_nonces WHERE value = $1
	`, value).Scan(&n.Value, &n.Actor, &n.IssuedAt, &n.Consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNonceNotFound
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *PostgresStore) MarkConsumed(ctx context.Context, value int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE relay_nonces SET consumed = TRUE WHERE value = $1
	`, value)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNonceNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM relay_nonces WHERE issued_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}
