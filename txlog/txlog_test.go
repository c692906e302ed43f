package txlog_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/txlog"
)

func seed(t *testing.T, log cl.TransactionLog) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	entries := []struct {
		kind  cl.TxKind
		delta int64
	}{
		{cl.TxReset, 10},
		{cl.TxConsume, -3},
		{cl.TxBonus, 5},
		{cl.TxConsume, -2},
	}
	for i, e := range entries {
		require.NoError(t, log.Append(ctx, cl.Transaction{
			ID:        fmt.Sprintf("tx-%d", i),
			AccountID: "acc-1",
			Kind:      e.kind,
			Delta:     e.delta,
			Source:    cl.SourceStore,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, log.Append(ctx, cl.Transaction{ID: "other", AccountID: "acc-2", Kind: cl.TxReset, Delta: 1, CreatedAt: base}))
}

func testHistory(t *testing.T, log cl.TransactionLog) {
	seed(t, log)
	ctx := context.Background()

	all, err := log.History(ctx, "acc-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "tx-3", all[0].ID)
	assert.Equal(t, "tx-0", all[3].ID)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 3, 0, 0, time.UTC), all[0].CreatedAt.UTC())

	balance, ok := cl.ReconstructBalance(all)
	assert.True(t, ok)
	assert.Equal(t, int64(10), balance)

	limited, err := log.History(ctx, "acc-1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, cl.TxConsume, limited[0].Kind)
	assert.Equal(t, cl.TxBonus, limited[1].Kind)

	none, err := log.History(ctx, "missing", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryLog_History(t *testing.T) {
	testHistory(t, txlog.NewMemoryLog())
}

func TestSQLiteLog_History(t *testing.T) {
	log, err := txlog.OpenSQLite(filepath.Join(t.TempDir(), "txlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	testHistory(t, log)
}

func TestSQLiteLog_DuplicateIDIgnored(t *testing.T) {
	log, err := txlog.OpenSQLite(filepath.Join(t.TempDir(), "txlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	ctx := context.Background()

	tx := cl.Transaction{ID: "dup", AccountID: "acc-1", Kind: cl.TxBonus, Delta: 1, CreatedAt: time.Now()}
	require.NoError(t, log.Append(ctx, tx))
	require.NoError(t, log.Append(ctx, tx))

	txs, err := log.History(ctx, "acc-1", 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestSQLiteLog_AppendError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS transactions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT OR IGNORE INTO transactions").WillReturnError(errors.New("disk I/O error"))

	log, err := txlog.NewSQLite(db)
	require.NoError(t, err)

	err = log.Append(context.Background(), cl.Transaction{ID: "x", AccountID: "acc-1", Kind: cl.TxConsume, CreatedAt: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteLog_HistoryQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS transactions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, account_id").WithArgs("acc-1", 3).WillReturnError(errors.New("database is locked"))

	log, err := txlog.NewSQLite(db)
	require.NoError(t, err)

	_, err = log.History(context.Background(), "acc-1", 3)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
