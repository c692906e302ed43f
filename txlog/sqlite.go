package txlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ineyio/creditledger"
)

// SQLiteLog is a TransactionLog stored in a SQLite database.
type SQLiteLog struct {
	db *sql.DB
}

var _ creditledger.TransactionLog = (*SQLiteLog)(nil)

const createTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	account_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	delta INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, seq);
`

// OpenSQLite opens (creating if needed) a SQLite log at path.
func OpenSQLite(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open txlog db: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	l, err := NewSQLite(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// NewSQLite wraps an open database and runs auto-migration.
func NewSQLite(db *sql.DB) (*SQLiteLog, error) {
	if _, err := db.Exec(createTransactions); err != nil {
		return nil, fmt.Errorf("migrate txlog db: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

// Append records tx. Appending the same transaction id twice is a no-op.
func (l *SQLiteLog) Append(ctx context.Context, tx creditledger.Transaction) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO transactions (id, account_id, kind, delta, reason, source, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.AccountID, string(tx.Kind), tx.Delta, tx.Reason, string(tx.Source), tx.IdempotencyKey,
		tx.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("creditledger/txlog: append: %w", err)
	}
	return nil
}

// History returns transactions most recent first.
func (l *SQLiteLog) History(ctx context.Context, accountID string, limit int) ([]creditledger.Transaction, error) {
	q := `SELECT id, account_id, kind, delta, reason, source, idempotency_key, created_at
		FROM transactions WHERE account_id = ? ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("creditledger/txlog: history: %w", err)
	}
	defer rows.Close()

	var out []creditledger.Transaction
	for rows.Next() {
		var (
			tx                  creditledger.Transaction
			kind, source, stamp string
		)
		if err := rows.Scan(&tx.ID, &tx.AccountID, &kind, &tx.Delta, &tx.Reason, &source, &tx.IdempotencyKey, &stamp); err != nil {
			return nil, fmt.Errorf("creditledger/txlog: scan: %w", err)
		}
		tx.Kind = creditledger.TxKind(kind)
		tx.Source = creditledger.Source(source)
		tx.CreatedAt, err = time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			return nil, fmt.Errorf("creditledger/txlog: parse created_at: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Close releases the database.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
