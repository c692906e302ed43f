package fallback_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/fallback"
)

var freePlan = cl.Plan{Tier: "FREE", MonthlyAllowance: cl.Finite(5)}

func backends(t *testing.T) map[string]fallback.Backend {
	t.Helper()
	sqlite, err := fallback.OpenSQLite(filepath.Join(t.TempDir(), "fallback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]fallback.Backend{
		"memory": fallback.NewMemoryBackend(),
		"sqlite": sqlite,
	}
}

func TestCache_ObserveIsNotPending(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := fallback.New(b)

			require.NoError(t, c.Observe(ctx, cl.NewAccount("acc-1", freePlan, time.Now())))

			state, err := c.State(ctx, "acc-1")
			require.NoError(t, err)
			assert.Equal(t, cl.StateSynced, state)

			e, err := c.Entry(ctx, "acc-1")
			require.NoError(t, err)
			assert.Empty(t, e.Pending)
		})
	}
}

func TestCache_ConsumeDiverges(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := fallback.New(b)
			require.NoError(t, c.Observe(ctx, cl.NewAccount("acc-1", freePlan, time.Now())))

			acc, err := c.TryConsume(ctx, "acc-1", 2, "req-1")
			require.NoError(t, err)
			assert.Equal(t, int64(3), acc.Balance.Value())

			state, err := c.State(ctx, "acc-1")
			require.NoError(t, err)
			assert.Equal(t, cl.StateDiverged, state)

			_, err = c.TryConsume(ctx, "acc-1", 1, "req-1")
			require.ErrorIs(t, err, cl.ErrDuplicateRequest)

			_, err = c.TryConsume(ctx, "acc-1", 4, "")
			var ice *cl.InsufficientCreditsError
			require.ErrorAs(t, err, &ice)
			assert.Equal(t, int64(1), ice.Shortage)

			// Observe must not clobber pending writes.
			require.NoError(t, c.Observe(ctx, cl.NewAccount("acc-1", freePlan, time.Now())))
			got, err := c.GetAccount(ctx, "acc-1")
			require.NoError(t, err)
			assert.Equal(t, int64(3), got.Balance.Value())

			diverged, err := c.Entries(ctx, cl.StateDiverged)
			require.NoError(t, err)
			require.Len(t, diverged, 1)
			require.Len(t, diverged[0].Pending, 1)
			assert.Equal(t, cl.OpConsume, diverged[0].Pending[0].Kind)
			assert.Equal(t, "req-1", diverged[0].Pending[0].IdempotencyKey)
		})
	}
}

func TestCache_InitializeRecordsPlan(t *testing.T) {
	ctx := context.Background()
	c := fallback.New(nil)

	acc, created, err := c.Initialize(ctx, "new", freePlan, time.Now())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(5), acc.Balance.Value())

	_, created, err = c.Initialize(ctx, "new", freePlan, time.Now())
	require.NoError(t, err)
	assert.False(t, created)

	e, err := c.Entry(ctx, "new")
	require.NoError(t, err)
	require.Len(t, e.Pending, 1)
	assert.Equal(t, cl.OpInitialize, e.Pending[0].Kind)
	require.NotNil(t, e.Pending[0].Plan)
	assert.Equal(t, "FREE", e.Pending[0].Plan.Tier)
}

func TestCache_AckKeepsLaterOps(t *testing.T) {
	ctx := context.Background()
	c := fallback.New(nil)
	require.NoError(t, c.Observe(ctx, cl.NewAccount("acc-1", freePlan, time.Now())))

	_, err := c.TryConsume(ctx, "acc-1", 1, "")
	require.NoError(t, err)
	_, err = c.TryConsume(ctx, "acc-1", 1, "")
	require.NoError(t, err)

	authoritative := cl.NewAccount("acc-1", freePlan, time.Now())
	authoritative.Balance = cl.Finite(4)

	state, err := c.Ack(ctx, "acc-1", 1, authoritative)
	require.NoError(t, err)
	assert.Equal(t, cl.StateDiverged, state)

	acc, err := c.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), acc.Balance.Value())

	authoritative.Balance = cl.Finite(3)
	state, err = c.Ack(ctx, "acc-1", 1, authoritative)
	require.NoError(t, err)
	assert.Equal(t, cl.StateSynced, state)
}

func TestCache_ConflictOnlyLeftByDiscard(t *testing.T) {
	ctx := context.Background()
	c := fallback.New(nil)
	require.NoError(t, c.Observe(ctx, cl.NewAccount("acc-1", freePlan, time.Now())))
	_, err := c.TryConsume(ctx, "acc-1", 5, "")
	require.NoError(t, err)

	require.NoError(t, c.SetState(ctx, "acc-1", cl.StateConflict))
	require.Error(t, c.SetState(ctx, "acc-1", cl.StateReconciling))

	// Further outage writes keep the conflict flag.
	_, err = c.GrantBonus(ctx, "acc-1", 1, "")
	require.NoError(t, err)
	state, err := c.State(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, cl.StateConflict, state)

	dropped, err := c.Discard(ctx, "acc-1", cl.NewAccount("acc-1", freePlan, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)

	state, err = c.State(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, cl.StateSynced, state)
}

func TestCache_BackendFailureIsUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS fallback_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT entry FROM fallback_entries").WithArgs("acc-1").WillReturnError(errors.New("disk I/O error"))

	b, err := fallback.NewSQLite(db)
	require.NoError(t, err)
	c := fallback.New(b)

	_, err = c.TryConsume(context.Background(), "acc-1", 1, "")
	require.ErrorIs(t, err, cl.ErrFallbackUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_UnknownAccount(t *testing.T) {
	c := fallback.New(nil)
	_, err := c.TryConsume(context.Background(), "ghost", 1, "")
	require.ErrorIs(t, err, cl.ErrAccountNotFound)
}
