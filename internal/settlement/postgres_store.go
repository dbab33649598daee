package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math/big"

	"github.com/mbd888/crossbridge/internal/recovery"
)

// PostgresStore persists commitments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed commitment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the commitments table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS commitments (
			id TEXT PRIMARY KEY,
			source_chain TEXT NOT NULL,
			target_chain TEXT NOT NULL,
			asset TEXT NOT NULL,
			amount NUMERIC(40,0) NOT NULL CHECK (amount > 0),
			recipient TEXT NOT NULL,
			lock_tx_id TEXT,
			release_tx_id TEXT,
			status TEXT NOT NULL,
			findings JSONB,
			recovered_from TEXT REFERENCES commitments(id),
			error_detail TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_commitments_status ON commitments(status);
		CREATE INDEX IF NOT EXISTS idx_commitments_created ON commitments(created_at DESC);
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, c *Commitment) error {
	findings, err := json.Marshal(c.Findings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commitments
			(id, source_chain, target_chain, asset, amount, recipient, lock_tx_id,
			 release_tx_id, status, findings, recovered_from, error_detail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, NULLIF($7, ''), NULLIF($8, ''),
			$9, $10::JSONB, NULLIF($11, ''), NULLIF($12, ''), $13, $14)
	`, c.ID, c.SourceChain, c.TargetChain, c.Asset, c.Amount.String(), c.Recipient,
		c.LockTxID, c.ReleaseTxID, string(c.Status), string(findings),
		c.RecoveredFrom, c.ErrorDetail, c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Commitment, error) {
	row := s.db.QueryRowContext(ctx, selectCommitment+` WHERE id = $1`, id)
	c, err := scanCommitment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommitmentNotFound
	}
	return c, err
}

func (s *PostgresStore) Update(ctx context.Context, c *Commitment) error {
	findings, err := json.Marshal(c.Findings)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE commitments SET
			target_chain = $2, recipient = $3, lock_tx_id = NULLIF($4, ''),
			release_tx_id = NULLIF($5, ''), status = $6, findings = $7::JSONB,
			error_detail = NULLIF($8, ''), updated_at = $9
		WHERE id = $1
	`, c.ID, c.TargetChain, c.Recipient, c.LockTxID, c.ReleaseTxID,
		string(c.Status), string(findings), c.ErrorDetail, c.UpdatedAt)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrCommitmentNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Commitment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectCommitment+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const selectCommitment = `
	SELECT id, source_chain, target_chain, asset, amount::TEXT, recipient,
		COALESCE(lock_tx_id, ''), COALESCE(release_tx_id, ''), status,
		COALESCE(findings::TEXT, '[]'), COALESCE(recovered_from, ''),
		COALESCE(error_detail, ''), created_at, updated_at
	FROM commitments`

func scanCommitment(row interface{ Scan(...any) error }) (*Commitment, error) {
	c := &Commitment{}
	var amount, status, findings string
	if err := row.Scan(&c.ID, &c.SourceChain, &c.TargetChain, &c.Asset, &amount,
		&c.Recipient, &c.LockTxID, &c.ReleaseTxID, &status, &findings,
		&c.RecoveredFrom, &c.ErrorDetail, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Amount, _ = new(big.Int).SetString(amount, 10)
	c.Status = Status(status)
	var fs []recovery.Finding
	if err := json.Unmarshal([]byte(findings), &fs); err == nil {
		c.Findings = fs
	}
	return c, nil
}
