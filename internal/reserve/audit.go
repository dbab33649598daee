package reserve

import (
	"context"
	"database/sql"
	"math/big"
	"sync"
	"time"
)

// AuditEntry is one journaled reserve mutation.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Chain     string    `json:"chain"`
	Asset     string    `json:"asset"`
	Operation string    `json:"operation"`
	Delta     *big.Int  `json:"delta"`
	Balance   *big.Int  `json:"balance"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuditLogger persists the reserve journal.
type AuditLogger interface {
	Append(ctx context.Context, entry *AuditEntry) error
	Query(ctx context.Context, chainID, asset string, limit int) ([]*AuditEntry, error)
}

func auditFromMutation(m *Mutation) *AuditEntry {
	delta := new(big.Int).Set(m.Amount)
	if m.Op == OpDebit {
		delta.Neg(delta)
	}
	return &AuditEntry{
		Chain:     m.Chain,
		Asset:     m.Asset,
		Operation: string(m.Op),
		Delta:     delta,
		Balance:   new(big.Int).Set(m.Balance),
		Reason:    m.Reason,
		CreatedAt: m.At,
	}
}

// --- PostgresAuditLogger ---

// PostgresAuditLogger writes journal entries to PostgreSQL.
type PostgresAuditLogger struct {
	db *sql.DB
}

// NewPostgresAuditLogger creates a journal backed by PostgreSQL.
func NewPostgresAuditLogger(db *sql.DB) *PostgresAuditLogger {
	return &PostgresAuditLogger{db: db}
}

// Migrate creates the journal table if it does not exist.
func (l *PostgresAuditLogger) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reserve_audit_log (
			id BIGSERIAL PRIMARY KEY,
			chain TEXT NOT NULL,
			asset TEXT NOT NULL,
			operation TEXT NOT NULL,
			delta NUMERIC(40,0) NOT NULL,
			balance NUMERIC(40,0) NOT NULL,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_reserve_audit_key ON reserve_audit_log(chain, asset);
	`)
	return err
}

func (l *PostgresAuditLogger) Append(ctx context.Context, entry *AuditEntry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO reserve_audit_log (chain, asset, operation, delta, balance, reason, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)
	`, entry.Chain, entry.Asset, entry.Operation,
		entry.Delta.String(), entry.Balance.String(), entry.Reason, entry.CreatedAt)
	return err
}

func (l *PostgresAuditLogger) Query(ctx context.Context, chainID, asset string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, chain, asset, operation, delta::TEXT, balance::TEXT, COALESCE(reason, ''), created_at
		FROM reserve_audit_log WHERE chain = $1 AND asset = $2
		ORDER BY id DESC LIMIT $3
	`, chainID, asset, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var delta, balance string
		if err := rows.Scan(&e.ID, &e.Chain, &e.Asset, &e.Operation, &delta, &balance, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Delta, _ = new(big.Int).SetString(delta, 10)
		e.Balance, _ = new(big.Int).SetString(balance, 10)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- MemoryAuditLogger ---

// MemoryAuditLogger keeps the journal in memory for demo/testing.
type MemoryAuditLogger struct {
	mu      sync.RWMutex
	entries []*AuditEntry
	nextID  int64
}

// NewMemoryAuditLogger creates an in-memory journal.
func NewMemoryAuditLogger() *MemoryAuditLogger {
	return &MemoryAuditLogger{}
}

func (l *MemoryAuditLogger) Append(_ context.Context, entry *AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	cp := *entry
	cp.ID = l.nextID
	cp.Delta = new(big.Int).Set(entry.Delta)
	cp.Balance = new(big.Int).Set(entry.Balance)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	l.entries = append(l.entries, &cp)
	return nil
}

func (l *MemoryAuditLogger) Query(_ context.Context, chainID, asset string, limit int) ([]*AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var result []*AuditEntry
	for i := len(l.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := l.entries[i]
		if e.Chain != chainID || e.Asset != asset {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// Entries returns all journal entries (for testing).
func (l *MemoryAuditLogger) Entries() []*AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]*AuditEntry, len(l.entries))
	copy(result, l.entries)
	return result
}
