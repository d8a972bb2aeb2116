package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a durable Ledger backed by a local SQLite database. The
// insert-if-absent contract of MarkUsed maps onto a primary-key conflict,
// so concurrent marks of the same nonce resolve inside the database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the ledger database at path, creating the schema if
// needed. Pass ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	// SQLite allows one writer; a single pooled connection avoids
	// SQLITE_BUSY churn under concurrent marks.
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS used_nonces (
			nonce TEXT PRIMARY KEY,
			wallet_address TEXT NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			used_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_used_nonces_used_at ON used_nonces(used_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply ledger schema: %w", err)
		}
	}
	return nil
}

// IsUsed reports whether nonce has been marked.
func (s *SQLite) IsUsed(ctx context.Context, nonce string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM used_nonces WHERE nonce = ?`, nonce).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query nonce: %w", err)
	}
	return true, nil
}

// MarkUsed records nonce, failing with ErrNonceUsed if already present.
func (s *SQLite) MarkUsed(ctx context.Context, nonce string, meta Metadata) error {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO used_nonces(nonce, wallet_address, tx_hash, used_at)
        VALUES(?, ?, ?, ?)
        ON CONFLICT(nonce) DO NOTHING
    `, nonce, meta.Sender, meta.TransactionHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record nonce: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNonceUsed
	}
	return nil
}

// Prune deletes entries recorded before cutoff and returns how many rows
// were removed. Nonces only guard their authorization's validity window,
// so entries far past any plausible validBefore are dead weight.
func (s *SQLite) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM used_nonces WHERE used_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune nonces: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
