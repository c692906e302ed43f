package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/creditledger"
)

// Log is a PostgreSQL-backed TransactionLog sharing the store's tables.
type Log struct {
	pool  *pgxpool.Pool
	table string
}

var _ creditledger.TransactionLog = (*Log)(nil)

// Log returns the transaction log stored next to the accounts.
func (s *Store) Log() *Log {
	return &Log{pool: s.pool, table: s.transactionsTable()}
}

// Append inserts tx. Appending the same transaction id twice is a no-op.
func (l *Log) Append(ctx context.Context, tx creditledger.Transaction) error {
	_, err := l.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, account_id, kind, delta, reason, source, idempotency_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`, l.table),
		tx.ID, tx.AccountID, string(tx.Kind), tx.Delta, tx.Reason, string(tx.Source), tx.IdempotencyKey, tx.CreatedAt.UTC(),
	)
	if err != nil {
		return classify("append", err)
	}
	return nil
}

// History returns transactions most recent first.
func (l *Log) History(ctx context.Context, accountID string, limit int) ([]creditledger.Transaction, error) {
	q := fmt.Sprintf(`SELECT id, account_id, kind, delta, reason, source, idempotency_key, created_at
		FROM %s WHERE account_id = $1 ORDER BY seq DESC`, l.table)
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := l.pool.Query(ctx, q, accountID)
	if err != nil {
		return nil, classify("history", err)
	}
	defer rows.Close()

	var out []creditledger.Transaction
	for rows.Next() {
		var (
			tx           creditledger.Transaction
			kind, source string
		)
		if err := rows.Scan(&tx.ID, &tx.AccountID, &kind, &tx.Delta, &tx.Reason, &source, &tx.IdempotencyKey, &tx.CreatedAt); err != nil {
			return nil, classify("history scan", err)
		}
		tx.Kind = creditledger.TxKind(kind)
		tx.Source = creditledger.Source(source)
		tx.CreatedAt = tx.CreatedAt.UTC()
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("history", err)
	}
	return out, nil
}
