package creditledger_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cl "github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/fallback"
	"github.com/ineyio/creditledger/meter"
	"github.com/ineyio/creditledger/store/flaky"
	"github.com/ineyio/creditledger/store/memory"
	"github.com/ineyio/creditledger/txlog"
)

var (
	freePlan      = cl.Plan{Tier: "FREE", MonthlyAllowance: cl.Finite(5)}
	proPlan       = cl.Plan{Tier: "PRO", MonthlyAllowance: cl.Finite(100), RolloverEnabled: true, RolloverCap: 50}
	unlimitedPlan = cl.Plan{Tier: "UNLIMITED", MonthlyAllowance: cl.Unlimited()}
	starterPlan   = cl.Plan{Tier: "STARTER", MonthlyAllowance: cl.Finite(20), SignupBonus: 5}

	testCosts = cl.CostTable{"unit": 1, "api_call": 2, "export": 10, "ping": 0}
)

func newTestEngine(t *testing.T, store cl.LedgerStore, opts ...cl.Option) *cl.Engine {
	t.Helper()
	catalog, err := cl.NewStaticCatalog(freePlan, proPlan, unlimitedPlan, starterPlan)
	require.NoError(t, err)

	opts = append([]cl.Option{
		cl.WithDefaultTier("FREE"),
		cl.WithMeter(&meter.NoopMeter{}),
	}, opts...)
	eng, err := cl.NewEngine(store, catalog, testCosts, opts...)
	require.NoError(t, err)
	return eng
}

func balanceOf(t *testing.T, eng *cl.Engine, id string) cl.Credits {
	t.Helper()
	b, err := eng.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b.Balance
}

// recordingMeter captures events for assertions.
type recordingMeter struct {
	mu        sync.Mutex
	consumes  []cl.ConsumeEvent
	adjusts   []cl.AdjustEvent
	fallbacks []cl.FallbackEvent
}

func (m *recordingMeter) OnConsume(e cl.ConsumeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumes = append(m.consumes, e)
}

func (m *recordingMeter) OnAdjust(e cl.AdjustEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjusts = append(m.adjusts, e)
}

func (m *recordingMeter) OnFallback(e cl.FallbackEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks = append(m.fallbacks, e)
}

func (m *recordingMeter) OnReconcile(cl.ReconcileEvent) {}

// Test 1: Finite consume debits exactly the cost
func TestCheckAndConsume_DebitsCost(t *testing.T) {
	eng := newTestEngine(t, cl.NewLedgerStore(memory.New()))

	res, err := eng.CheckAndConsume(context.Background(), "acc-1", "api_call", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Cost)
	assert.Equal(t, cl.Finite(3), res.Remaining)
	assert.Equal(t, cl.SourceStore, res.Source)
	assert.False(t, res.Free)

	assert.Equal(t, cl.Finite(3), balanceOf(t, eng, "acc-1"))
}

// Test 2: Insufficient credits leave the balance untouched
func TestCheckAndConsume_InsufficientLeavesBalance(t *testing.T) {
	eng := newTestEngine(t, cl.NewLedgerStore(memory.New()))
	ctx := context.Background()

	_, err := eng.CheckAndConsume(ctx, "acc-1", "api_call", 2)
	require.NoError(t, err)

	_, err = eng.CheckAndConsume(ctx, "acc-1", "api_call", 1)
	require.ErrorIs(t, err, cl.ErrInsufficientCredits)

	var ice *cl.InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, int64(2), ice.Required)
	assert.Equal(t, int64(1), ice.Available)
	assert.Equal(t, int64(1), ice.Shortage)

	assert.Equal(t, cl.Finite(1), balanceOf(t, eng, "acc-1"))
}

// Test 3: Unlimited accounts are never debited
func TestCheckAndConsume_UnlimitedNeverDebited(t *testing.T) {
	log := txlog.NewMemoryLog()
	eng := newTestEngine(t, cl.NewLedgerStore(memory.New()), cl.WithTransactionLog(log))
	ctx := context.Background()

	_, err := eng.OpenAccount(ctx, "vip", "UNLIMITED")
	require.NoError(t, err)

	for range 10 {
		res, err := eng.CheckAndConsume(ctx, "vip", "export", 100_000)
		require.NoError(t, err)
		assert.True(t, res.Remaining.IsUnlimited())
	}

	b, err := eng.GetBalance(ctx, "vip")
	require.NoError(t, err)
	assert.True(t, b.Balance.IsUnlimited())
	assert.Zero(t, b.ConsumedLifetime)

	// Usage is still audited, with a zero delta.
	txs, err := eng.GetTransactionHistory(ctx, "vip", 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, cl.TxConsume, txs[0].Kind)
	assert.Zero(t, txs[0].Delta)
}

// Test 4: N concurrent consumes of cost C against balance N*C all succeed
func TestCheckAndConsume_ConcurrentExact(t *testing.T) {
	eng := newTestEngine(t, cl.NewLedgerStore(memory.New()))
	ctx := context.Background()
	_, err := eng.OpenAccount(ctx, "acc-1", "PRO")
	require.NoError(t, err)

	const n = 50
	var (
		wg        sync.WaitGroup
		successes atomic.Int64
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.CheckAndConsume(ctx, "acc-1", "api_call", 1); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), successes.Load())
	assert.Equal(t, cl.Finite(0), balanceOf(t, eng, "acc-1"))
}

// Test 5: Oversubscribed concurrent consumes never overdraw
func TestCheckAndConsume_ConcurrentNeverNegative(t *testing.T) {
	eng := newTestEngine(t, cl.NewLedgerStore(memory.New()))
	ctx := context.Background()
	_, err := eng.OpenAccount(ctx, "acc-1", "PRO")
	require.NoError(t, err)

	const n = 60
	var (
		wg           sync.WaitGroup
		successes    atomic.Int64
		insufficient atomic.Int64
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.CheckAndConsume(ctx, "acc-1", "api_call", 1)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, cl.ErrInsufficientCredits):
				insufficient.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), successes.Load())
	assert.Equal(t, int64(10), insufficient.Load())
	assert.Equal(t, cl.Finite(0), balanceOf(t, eng, "acc-1"))
}

// Test 6: Rollover reset carries min(leftover, cap) on top of allowance and bonus
func TestApplyMonthlyReset_Rollover(t *testing.T) {
	log := txlog.NewMemoryLog()
	eng := newTestEngine(t, cl.NewLedgerStore(memory.New()), cl.WithTransactionLog(log))
	ctx := context.Background()

	_, err := eng.OpenAccount(ctx, "acc-1", "PRO")
	require.NoError(t, err)
	_, err = eng.GrantBonus(ctx, "acc-1", 10, "referral")
	require.NoError(t, err)
	_, err = eng.CheckAndConsume(ctx, "acc-1", "export", 4) // 110 - 40 = 70 left
	require.NoError(t, err)

	acc, err := eng.ApplyMonthlyReset(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, cl.Finite(100+50+10), acc.Balance)

	txs, err := eng.GetTransactionHistory(ctx, "acc-1", 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, cl.TxRollover, txs[0].Kind)
	assert.Equal(t, int64(50), txs[0].Delta)
	assert.Equal(t, cl.TxReset, txs[1].Kind)
	assert.Equal(t, int64(110), txs[1].Delta)

	// Small leftovers carry in full.
	_, err = eng.CheckAndConsume(ctx, "acc-1", "export", 15) // 160 - 150 = 10 left
	require.NoError(t, err)
	acc, err = eng.ApplyMonthlyReset(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, cl.Finite(100+10+10), acc.Balance)
}

// Test 7: Non-rollover reset discards leftover
func TestApplyMonthlyReset_NoRollover(t *testing.T) {
	eng := newTestEngine(t, cl.NewLedgerStore(memory.New()))
	ctx := context.Background()

	_, err := eng.GrantBonus(ctx, "acc-1", 3, "apology")
	require.NoError(t, err)
	_, err = eng.CheckAndConsume(ctx, "acc-1", "unit", 6) // 8 - 6 = 2 left
	require.NoError(t, err)

	acc, err := eng.ApplyMonthlyReset(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, cl.Finite(5+3), acc.Balance)
}

// Test 8: Bonus then consume of the same amount round-trips the balance
func TestGrantBonus_RoundTrip(t *testing.T) {
	eng := newTestEngine(t, cl.NewLedgerStore(memory.New()))
	ctx := context.Background()

	before := balanceOf(t, eng, "acc-1")

	acc, err := eng.GrantBonus(ctx, "acc-1", 10, "promo")
	require.NoError(t, err)
	assert.Equal(t, cl.Finite(before.Value()+10), acc.Balance)
	assert.Equal(t, int64(10), acc.BonusBalance)

	_, err = eng.CheckAndConsume(ctx, "acc-1", "export", 1)
	require.NoError(t, err)
	assert.Equal(t, before, balanceOf(t, eng, "acc-1"))
}

// Test 9: FREE tier walk-through: five units, a failing sixth, reset restores
func TestScenario_FreeTier(t *testing.T) {
	eng := newTestEngine(t, cl.NewLedgerStore(memory.New()))
	ctx := context.Background()

	for want := int64(4); want >= 0; want-- {
		res, err := eng.CheckAndConsume(ctx, "acc-1", "unit", 1)
		require.NoError(t, err)
		assert.Equal(t, cl.Finite(want), res.Remaining)
	}

	_, err := eng.CheckAndConsume(ctx, "acc-1", "unit", 1)
	var ice *cl.InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, int64(1), ice.Shortage)

	acc, err := eng.ApplyMonthlyReset(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, cl.Finite(5), acc.Balance)
}

// Test 10: UNLIMITED tier absorbs a huge charge
func TestScenario_UnlimitedTier(t *testing.T) {
	eng := newTestEngine(t, cl.NewLedgerStore(memory.New()), cl.WithDefaultTier("UNLIMITED"))

	res, err := eng.CheckAndConsume(context.Background(), "acc-1", "unit", 1_000_000)
	require.NoError(t, err)
	assert.True(t, res.Remaining.IsUnlimited())
	assert.True(t, balanceOf(t, eng, "acc-1").IsUnlimited())

	acc, err := eng.ApplyMonthlyReset(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.True(t, acc.Balance.IsUnlimited())
}

// Test 11: Store outage is absorbed by the fallback cache
func TestOutage_FallbackAbsorbsConsume(t *testing.T) {
	backend := memory.New()
	cache := fallback.New(nil)
	m := &recordingMeter{}
	eng := newTestEngine(t, cl.NewLedgerStore(backend), cl.WithFallback(cache), cl.WithMeter(m))
	ctx := context.Background()

	assert.Equal(t, cl.Finite(5), balanceOf(t, eng, "acc-1"))

	backend.SetUnavailable(true)
	res, err := eng.CheckAndConsume(ctx, "acc-1", "api_call", 1)
	require.NoError(t, err)
	assert.Equal(t, cl.SourceFallback, res.Source)
	assert.Equal(t, cl.Finite(3), res.Remaining)

	b, err := eng.GetBalance(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, cl.Finite(3), b.Balance)
	assert.Equal(t, cl.SourceFallback, b.Source)
	assert.Equal(t, cl.StateDiverged, b.SyncState)

	// The fallback enforces the same limits.
	_, err = eng.CheckAndConsume(ctx, "acc-1", "export", 1)
	require.ErrorIs(t, err, cl.ErrInsufficientCredits)

	m.mu.Lock()
	assert.NotEmpty(t, m.fallbacks)
	assert.ErrorIs(t, m.fallbacks[0].Cause, cl.ErrStoreUnavailable)
	m.mu.Unlock()

	// The store still holds the pre-outage balance until reconciliation.
	backend.SetUnavailable(false)
	acc, err := backend.Load(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, cl.Finite(5), acc.Balance)
}

// Test 12: Free operations touch no ledger at all
func TestCheckAndConsume_FreeOperation(t *testing.T) {
	store := flaky.Wrap(memory.New())
	eng := newTestEngine(t, cl.NewLedgerStore(store))

	res, err := eng.CheckAndConsume(context.Background(), "acc-1", "ping", 100)
	require.NoError(t, err)
	assert.True(t, res.Free)
	assert.Zero(t, res.Cost)
	assert.Zero(t, store.CallCount())
}

// Test 13: A repeated idempotency key is rejected and charges once
func TestCheckAndConsume_IdempotencyKey(t *testing.T) {
	eng := newTestEngine(t, cl.NewLedgerStore(memory.New()))
	ctx := context.Background()

	_, err := eng.CheckAndConsume(ctx, "acc-1", "api_call", 1, cl.WithIdempotencyKey("req-42"))
	require.NoError(t, err)

	_, err = eng.CheckAndConsume(ctx, "acc-1", "api_call", 1, cl.WithIdempotencyKey("req-42"))
	require.ErrorIs(t, err, cl.ErrDuplicateRequest)

	_, err = eng.GrantBonus(ctx, "acc-1", 5, "promo", cl.WithIdempotencyKey("grant-1"))
	require.NoError(t, err)
	_, err = eng.GrantBonus(ctx, "acc-1", 5, "promo", cl.WithIdempotencyKey("grant-1"))
	require.ErrorIs(t, err, cl.ErrDuplicateRequest)

	assert.Equal(t, cl.Finite(5-2+5), balanceOf(t, eng, "acc-1"))
}

// Test 14: Unknown tiers fail without touching the account
func TestUnknownTier(t *testing.T) {
	store := cl.NewLedgerStore(memory.New())
	eng := newTestEngine(t, store)
	ctx := context.Background()

	_, err := eng.OpenAccount(ctx, "acc-1", "GOLD")
	require.ErrorIs(t, err, cl.ErrUnknownTier)

	// An account whose tier was retired from the catalog cannot be reset.
	legacy := cl.Plan{Tier: "LEGACY", MonthlyAllowance: cl.Finite(7)}
	_, _, err = store.Initialize(ctx, "old", legacy, time.Now().AddDate(0, -1, 0))
	require.NoError(t, err)
	_, err = store.TryConsume(ctx, "old", 3, "")
	require.NoError(t, err)

	_, err = eng.ApplyMonthlyReset(ctx, "old")
	require.ErrorIs(t, err, cl.ErrUnknownTier)

	acc, err := store.GetAccount(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, cl.Finite(4), acc.Balance)
}

// Test 15: Without a fallback an outage is ServiceUnavailable
func TestOutage_NoFallbackIsServiceUnavailable(t *testing.T) {
	backend := memory.New()
	eng := newTestEngine(t, cl.NewLedgerStore(backend))
	backend.SetUnavailable(true)

	_, err := eng.CheckAndConsume(context.Background(), "acc-1", "unit", 1)
	require.ErrorIs(t, err, cl.ErrServiceUnavailable)
	assert.True(t, cl.IsRetryable(err))

	var le *cl.LedgerError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "consume", le.Op)
	assert.Equal(t, "acc-1", le.AccountID)
}

// Test 16: The breaker stops calling a failing store
func TestOutage_BreakerSkipsStore(t *testing.T) {
	store := flaky.Wrap(memory.New())
	health := cl.NewHealthTracker(cl.HealthConfig{FailureThreshold: 2, UnhealthyPeriod: time.Hour})
	eng := newTestEngine(t, cl.NewLedgerStore(store),
		cl.WithFallback(fallback.New(nil)),
		cl.WithHealthTracker(health),
	)
	ctx := context.Background()

	_, err := eng.GetBalance(ctx, "acc-1")
	require.NoError(t, err)

	store.SetDown(true)
	_, err = eng.CheckAndConsume(ctx, "acc-1", "unit", 1)
	require.NoError(t, err)
	assert.Equal(t, cl.HealthUnhealthy, eng.Health().State())

	calls := store.CallCount()
	res, err := eng.CheckAndConsume(ctx, "acc-1", "unit", 1)
	require.NoError(t, err)
	assert.Equal(t, cl.SourceFallback, res.Source)
	assert.Equal(t, calls, store.CallCount())
}

// Test 17: A slow store is treated as unavailable
func TestOutage_StoreTimeout(t *testing.T) {
	store := flaky.Wrap(memory.New(), flaky.WithLatency(200*time.Millisecond))
	eng := newTestEngine(t, cl.NewLedgerStore(store),
		cl.WithFallback(fallback.New(nil)),
		cl.WithStoreTimeout(10*time.Millisecond),
	)

	res, err := eng.CheckAndConsume(context.Background(), "acc-1", "unit", 1)
	require.NoError(t, err)
	assert.Equal(t, cl.SourceFallback, res.Source)
	assert.Equal(t, cl.Finite(4), res.Remaining)
}

// Test 18: A cancelled caller does not fall back
func TestCancelledContext_NoFallback(t *testing.T) {
	store := flaky.Wrap(memory.New(), flaky.WithLatency(time.Second))
	cache := fallback.New(nil)
	eng := newTestEngine(t, cl.NewLedgerStore(store), cl.WithFallback(cache))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := eng.CheckAndConsume(ctx, "acc-1", "unit", 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = cache.GetAccount(context.Background(), "acc-1")
	assert.ErrorIs(t, err, cl.ErrAccountNotFound)
}

// Test 19: History reconstructs the balance
func TestTransactionHistory_ReconstructsBalance(t *testing.T) {
	eng := newTestEngine(t, cl.NewLedgerStore(memory.New()), cl.WithTransactionLog(txlog.NewMemoryLog()))
	ctx := context.Background()

	_, err := eng.OpenAccount(ctx, "acc-1", "STARTER")
	require.NoError(t, err)
	_, err = eng.CheckAndConsume(ctx, "acc-1", "export", 1)
	require.NoError(t, err)
	_, err = eng.GrantBonus(ctx, "acc-1", 4, "support")
	require.NoError(t, err)
	_, err = eng.CheckAndConsume(ctx, "acc-1", "api_call", 3)
	require.NoError(t, err)

	txs, err := eng.GetTransactionHistory(ctx, "acc-1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 5) // RESET, signup BONUS, CONSUME, BONUS, CONSUME

	got, ok := cl.ReconstructBalance(txs)
	require.True(t, ok)
	assert.Equal(t, balanceOf(t, eng, "acc-1").Value(), got)
	assert.Equal(t, int64(20+5-10+4-6), got)

	_, err = eng.ApplyMonthlyReset(ctx, "acc-1")
	require.NoError(t, err)
	txs, err = eng.GetTransactionHistory(ctx, "acc-1", 0)
	require.NoError(t, err)
	got, ok = cl.ReconstructBalance(txs)
	require.True(t, ok)
	assert.Equal(t, balanceOf(t, eng, "acc-1").Value(), got)
}

type failingLog struct{}

func (failingLog) Append(context.Context, cl.Transaction) error {
	return errors.New("disk full")
}

func (failingLog) History(context.Context, string, int) ([]cl.Transaction, error) {
	return nil, errors.New("disk full")
}

// Test 20: A failing transaction log does not undo a committed consume
func TestTransactionLogFailure_ConsumeStands(t *testing.T) {
	eng := newTestEngine(t, cl.NewLedgerStore(memory.New()), cl.WithTransactionLog(failingLog{}))
	ctx := context.Background()

	_, err := eng.CheckAndConsume(ctx, "acc-1", "unit", 1)
	require.NoError(t, err)
	assert.Equal(t, cl.Finite(4), balanceOf(t, eng, "acc-1"))

	_, err = eng.GetTransactionHistory(ctx, "acc-1", 10)
	require.Error(t, err)
}

// Test 21: Request validation
func TestCheckAndConsume_Validation(t *testing.T) {
	eng := newTestEngine(t, cl.NewLedgerStore(memory.New()))
	ctx := context.Background()

	_, err := eng.CheckAndConsume(ctx, "acc-1", "teleport", 1)
	require.ErrorIs(t, err, cl.ErrUnknownOperation)

	_, err = eng.CheckAndConsume(ctx, "acc-1", "unit", -1)
	require.ErrorIs(t, err, cl.ErrInvalidAmount)

	// Quantity 0 counts as one unit.
	res, err := eng.CheckAndConsume(ctx, "acc-1", "api_call", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Cost)

	_, err = eng.GrantBonus(ctx, "acc-1", 0, "nothing")
	require.ErrorIs(t, err, cl.ErrInvalidAmount)
	_, err = eng.GrantBonus(ctx, "acc-1", -5, "clawback")
	require.ErrorIs(t, err, cl.ErrInvalidAmount)
}

// Test 22: Signup bonus is part of the opening balance
func TestOpenAccount_SignupBonus(t *testing.T) {
	eng := newTestEngine(t, cl.NewLedgerStore(memory.New()))
	ctx := context.Background()

	acc, err := eng.OpenAccount(ctx, "acc-1", "STARTER")
	require.NoError(t, err)
	assert.Equal(t, cl.Finite(25), acc.Balance)
	assert.Equal(t, int64(5), acc.BonusBalance)

	// Opening twice returns the existing account.
	_, err = eng.CheckAndConsume(ctx, "acc-1", "unit", 1)
	require.NoError(t, err)
	acc, err = eng.OpenAccount(ctx, "acc-1", "PRO")
	require.NoError(t, err)
	assert.Equal(t, "STARTER", acc.Tier)
	assert.Equal(t, cl.Finite(24), acc.Balance)
}

// Test 23: Meter sees consumes and adjustments
func TestMeter_Events(t *testing.T) {
	m := &recordingMeter{}
	eng := newTestEngine(t, cl.NewLedgerStore(memory.New()), cl.WithMeter(m))
	ctx := context.Background()

	_, err := eng.CheckAndConsume(ctx, "acc-1", "unit", 1)
	require.NoError(t, err)
	_, err = eng.CheckAndConsume(ctx, "acc-1", "export", 1)
	require.Error(t, err)
	_, err = eng.GrantBonus(ctx, "acc-1", 2, "promo")
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.consumes, 2)
	assert.True(t, m.consumes[0].Success)
	assert.False(t, m.consumes[1].Success)
	assert.ErrorIs(t, m.consumes[1].Error, cl.ErrInsufficientCredits)
	require.Len(t, m.adjusts, 1)
	assert.Equal(t, cl.TxBonus, m.adjusts[0].Kind)
	assert.Equal(t, cl.Finite(6), m.adjusts[0].Balance)
}

// Test 24: Engine construction checks its dependencies
func TestNewEngine_Validation(t *testing.T) {
	catalog, err := cl.NewStaticCatalog(freePlan)
	require.NoError(t, err)
	store := cl.NewLedgerStore(memory.New())

	_, err = cl.NewEngine(nil, catalog, testCosts, cl.WithDefaultTier("FREE"))
	require.Error(t, err)

	_, err = cl.NewEngine(store, nil, testCosts, cl.WithDefaultTier("FREE"))
	require.Error(t, err)

	_, err = cl.NewEngine(store, catalog, testCosts)
	require.Error(t, err)

	_, err = cl.NewEngine(store, catalog, testCosts, cl.WithDefaultTier("GOLD"))
	require.ErrorIs(t, err, cl.ErrUnknownTier)
}

// Test 25: A bonus that would overflow the balance is rejected
func TestGrantBonus_Overflow(t *testing.T) {
	eng := newTestEngine(t, cl.NewLedgerStore(memory.New()))
	ctx := context.Background()

	_, err := eng.GrantBonus(ctx, "acc-1", math.MaxInt64, "promo")
	require.ErrorIs(t, err, cl.ErrInvalidAmount)
	assert.Equal(t, cl.Finite(5), balanceOf(t, eng, "acc-1"))

	_, err = eng.CheckAndConsume(ctx, "acc-1", "unit", 1)
	require.NoError(t, err)
	_, err = eng.GrantBonus(ctx, "acc-1", math.MaxInt64-4, "promo")
	require.NoError(t, err)
	assert.Equal(t, cl.Finite(math.MaxInt64), balanceOf(t, eng, "acc-1"))

	// allowance 5 + bonus MaxInt64-4 does not fit.
	_, err = eng.ApplyMonthlyReset(ctx, "acc-1")
	require.ErrorIs(t, err, cl.ErrInvalidAmount)
	assert.Equal(t, cl.Finite(math.MaxInt64), balanceOf(t, eng, "acc-1"))
}
