package reserve

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
)

// PostgresStore persists reserve entries in PostgreSQL. Balances are stored
// as NUMERIC to keep integer smallest-unit precision.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed reserve store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the reserves table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reserves (
			chain TEXT NOT NULL,
			asset TEXT NOT NULL,
			available NUMERIC(40,0) NOT NULL CHECK (available >= 0),
			initial NUMERIC(40,0) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (chain, asset)
		);
	`)
	return err
}

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	e := &Entry{}
	var available, initial string
	if err := row.Scan(&e.Chain, &e.Asset, &available, &initial, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Available, _ = new(big.Int).SetString(available, 10)
	e.Initial, _ = new(big.Int).SetString(initial, 10)
	return e, nil
}

func (s *PostgresStore) Get(ctx context.Context, chainID, asset string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chain, asset, available::TEXT, initial::TEXT, updated_at
		FROM reserves WHERE chain = $1 AND asset = $2
	`, chainID, asset)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (s *PostgresStore) List(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chain, asset, available::TEXT, initial::TEXT, updated_at
		FROM reserves ORDER BY chain, asset
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Seed(ctx context.Context, chainID, asset string, initial *big.Int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reserves (chain, asset, available, initial, updated_at)
		VALUES ($1, $2, $3::NUMERIC, $3::NUMERIC, NOW())
		ON CONFLICT (chain, asset) DO UPDATE SET initial = EXCLUDED.initial, updated_at = NOW()
	`, chainID, asset, initial.String())
	return err
}

// ApplyDelta applies the delta in a single guarded UPDATE. The balance check
// and the write happen in one statement, so concurrent debits against the
// same key cannot both pass.
func (s *PostgresStore) ApplyDelta(ctx context.Context, chainID, asset string, delta *big.Int) (*Entry, bool, error) {
	if delta.Sign() > 0 {
		// First credit creates the position with a zero baseline.
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO reserves (chain, asset, available, initial, updated_at)
			VALUES ($1, $2, $3::NUMERIC, 0, NOW())
			ON CONFLICT (chain, asset) DO UPDATE
				SET available = reserves.available + EXCLUDED.available, updated_at = NOW()
			RETURNING chain, asset, available::TEXT, initial::TEXT, updated_at
		`, chainID, asset, delta.String())
		e, err := scanEntry(row)
		if err != nil {
			return nil, false, err
		}
		return e, true, nil
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE reserves SET available = available + $3::NUMERIC, updated_at = NOW()
		WHERE chain = $1 AND asset = $2 AND available + $3::NUMERIC >= 0
		RETURNING chain, asset, available::TEXT, initial::TEXT, updated_at
	`, chainID, asset, delta.String())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Rejected or missing; report the current position for the error.
		current, gerr := s.Get(ctx, chainID, asset)
		if errors.Is(gerr, ErrEntryNotFound) {
			return &Entry{Chain: chainID, Asset: asset, Available: big.NewInt(0), Initial: big.NewInt(0)}, false, nil
		}
		if gerr != nil {
			return nil, false, gerr
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}
