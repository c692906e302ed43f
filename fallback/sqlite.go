package fallback

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/ineyio/creditledger"
)

// SQLiteBackend persists entries in a local SQLite file so pending writes
// survive a process restart during an outage.
type SQLiteBackend struct {
	db *sql.DB
}

var _ Backend = (*SQLiteBackend)(nil)

const createEntries = `
CREATE TABLE IF NOT EXISTS fallback_entries (
	account_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	entry TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fallback_state ON fallback_entries(state);
`

// OpenSQLite opens (creating if needed) a SQLite backend at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open fallback db: %w", err)
	}
	db.SetMaxOpenConns(1)

	b, err := NewSQLite(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// NewSQLite wraps an open database and runs auto-migration.
func NewSQLite(db *sql.DB) (*SQLiteBackend, error) {
	if _, err := db.Exec(createEntries); err != nil {
		return nil, fmt.Errorf("migrate fallback db: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context, accountID string) (Entry, bool, error) {
	var data string
	err := b.db.QueryRowContext(ctx,
		`SELECT entry FROM fallback_entries WHERE account_id = ?`, accountID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("load fallback entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode fallback entry: %w", err)
	}
	return e, true, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode fallback entry: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO fallback_entries (account_id, state, entry) VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET state = excluded.state, entry = excluded.entry`,
		e.Account.ID, string(e.State), string(data),
	)
	if err != nil {
		return fmt.Errorf("save fallback entry: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) List(ctx context.Context, state creditledger.SyncState) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT entry FROM fallback_entries WHERE state = ? ORDER BY account_id`, string(state),
	)
	if err != nil {
		return nil, fmt.Errorf("list fallback entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan fallback entry: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decode fallback entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
