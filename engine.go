package creditledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultStoreTimeout = 2 * time.Second
	tracerName          = "github.com/ineyio/creditledger"
)

// Engine enforces credit quotas: check-and-consume, bonus grants and
// monthly resets against the ledger store, degrading to the fallback cache
// while the store is unavailable.
type Engine struct {
	store        LedgerStore
	fallback     FallbackCache
	catalog      PlanCatalog
	costs        CostTable
	txlog        TransactionLog
	meter        Meter
	logger       *slog.Logger
	health       *HealthTracker
	tracer       trace.Tracer
	storeTimeout time.Duration
	defaultTier  string
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithFallback sets the fallback cache. Without one, store outages fail
// with ErrServiceUnavailable.
func WithFallback(f FallbackCache) Option {
	return func(e *Engine) { e.fallback = f }
}

// WithTransactionLog sets the transaction log.
func WithTransactionLog(l TransactionLog) Option {
	return func(e *Engine) { e.txlog = l }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHealthTracker sets the store circuit breaker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(e *Engine) { e.health = h }
}

// WithStoreTimeout bounds each ledger store call. Exceeding it triggers fallback.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) { e.storeTimeout = d }
}

// WithDefaultTier sets the tier of lazily created accounts.
func WithDefaultTier(tier string) Option {
	return func(e *Engine) { e.defaultTier = tier }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// CallOption configures a single engine call.
type CallOption func(*callOptions)

type callOptions struct {
	idempotencyKey string
}

// WithIdempotencyKey deduplicates retried requests. A key that was already
// applied fails with ErrDuplicateRequest and changes nothing.
func WithIdempotencyKey(key string) CallOption {
	return func(o *callOptions) { o.idempotencyKey = key }
}

func newCallOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewEngine creates a new Engine. Default components (no fallback, no-op
// transaction log, no-op meter, default health tracker) are used unless
// overridden via options.
func NewEngine(store LedgerStore, catalog PlanCatalog, costs CostTable, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("creditledger: ledger store is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("creditledger: plan catalog is required")
	}

	e := &Engine{
		store:        store,
		catalog:      catalog,
		costs:        costs,
		storeTimeout: defaultStoreTimeout,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	// Apply defaults after options.
	if e.txlog == nil {
		e.txlog = noopLog{}
	}
	if e.meter == nil {
		e.meter = noopMeter{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.health == nil {
		e.health = NewHealthTracker(HealthConfig{})
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.costs == nil {
		e.costs = CostTable{}
	}

	if e.defaultTier == "" {
		return nil, fmt.Errorf("creditledger: default tier is required")
	}
	if _, err := catalog.Resolve(e.defaultTier); err != nil {
		return nil, fmt.Errorf("creditledger: default tier: %w", err)
	}

	return e, nil
}

// Health returns the store circuit breaker.
func (e *Engine) Health() *HealthTracker { return e.health }

// CheckAndConsume charges the cost of quantity units of operation to the
// account. A quantity of 0 counts as 1. Free operations succeed without
// touching the ledger.
func (e *Engine) CheckAndConsume(ctx context.Context, accountID, operation string, quantity int64, opts ...CallOption) (ConsumeResult, error) {
	ctx, span := e.tracer.Start(ctx, "creditledger.CheckAndConsume", trace.WithAttributes(
		attribute.String("account.id", accountID),
		attribute.String("operation", operation),
		attribute.Int64("quantity", quantity),
	))
	defer span.End()

	call := newCallOptions(opts)
	start := time.Now()

	cost, err := e.costs.Cost(operation, quantity)
	if err != nil {
		return ConsumeResult{}, e.fail(span, "consume", accountID, "", err)
	}

	res := ConsumeResult{AccountID: accountID, Operation: operation, Cost: cost}
	if cost == 0 {
		res.Free = true
		return res, nil
	}

	acc, src, err := e.load(ctx, "consume", accountID)
	if err != nil {
		return ConsumeResult{}, e.fail(span, "consume", accountID, src, err)
	}

	if acc.Unlimited() {
		res.Remaining = Unlimited()
		res.Source = src
		res.TransactionID = e.record(ctx, Transaction{
			AccountID:      accountID,
			Kind:           TxConsume,
			Delta:          0,
			Reason:         operation,
			Source:         src,
			IdempotencyKey: call.idempotencyKey,
		})
		e.meter.OnConsume(ConsumeEvent{
			AccountID: accountID,
			Operation: operation,
			Cost:      cost,
			Remaining: res.Remaining,
			Source:    src,
			Success:   true,
			Duration:  time.Since(start),
		})
		return res, nil
	}

	var next Account
	src, err = e.run(ctx, "consume", accountID, func(ctx context.Context, l Ledger) error {
		a, err := l.TryConsume(ctx, accountID, cost, call.idempotencyKey)
		next = a
		return err
	})
	e.meter.OnConsume(ConsumeEvent{
		AccountID: accountID,
		Operation: operation,
		Cost:      cost,
		Remaining: next.Balance,
		Source:    src,
		Success:   err == nil,
		Duration:  time.Since(start),
		Error:     err,
	})
	if err != nil {
		return ConsumeResult{}, e.fail(span, "consume", accountID, src, err)
	}

	e.observe(ctx, src, next)
	res.Remaining = next.Balance
	res.Source = src
	res.TransactionID = e.record(ctx, Transaction{
		AccountID:      accountID,
		Kind:           TxConsume,
		Delta:          -cost,
		Reason:         operation,
		Source:         src,
		IdempotencyKey: call.idempotencyKey,
	})
	span.SetAttributes(attribute.String("source", string(src)))
	return res, nil
}

// GetBalance returns the account's balance, creating the account if needed.
func (e *Engine) GetBalance(ctx context.Context, accountID string) (Balance, error) {
	ctx, span := e.tracer.Start(ctx, "creditledger.GetBalance", trace.WithAttributes(
		attribute.String("account.id", accountID),
	))
	defer span.End()

	acc, src, err := e.load(ctx, "balance", accountID)
	if err != nil {
		return Balance{}, e.fail(span, "balance", accountID, src, err)
	}

	state := StateSynced
	if e.fallback != nil {
		s, err := e.fallback.State(ctx, accountID)
		if err != nil {
			e.logger.Warn("fallback state lookup failed", "account", accountID, "error", err)
		} else {
			state = s
		}
	}

	return Balance{
		AccountID:        acc.ID,
		Tier:             acc.Tier,
		Balance:          acc.Balance,
		MonthlyAllowance: acc.MonthlyAllowance,
		BonusBalance:     acc.BonusBalance,
		ConsumedLifetime: acc.ConsumedLifetime,
		LastResetAt:      acc.LastResetAt,
		Source:           src,
		SyncState:        state,
	}, nil
}

// GrantBonus adds amount non-expiring credits to the account.
func (e *Engine) GrantBonus(ctx context.Context, accountID string, amount int64, reason string, opts ...CallOption) (Account, error) {
	ctx, span := e.tracer.Start(ctx, "creditledger.GrantBonus", trace.WithAttributes(
		attribute.String("account.id", accountID),
		attribute.Int64("amount", amount),
	))
	defer span.End()

	if amount <= 0 {
		return Account{}, e.fail(span, "bonus", accountID, "", fmt.Errorf("%w: bonus %d", ErrInvalidAmount, amount))
	}
	call := newCallOptions(opts)

	if _, src, err := e.load(ctx, "bonus", accountID); err != nil {
		return Account{}, e.fail(span, "bonus", accountID, src, err)
	}

	var next Account
	src, err := e.run(ctx, "bonus", accountID, func(ctx context.Context, l Ledger) error {
		a, err := l.GrantBonus(ctx, accountID, amount, call.idempotencyKey)
		next = a
		return err
	})
	if err != nil {
		return Account{}, e.fail(span, "bonus", accountID, src, err)
	}

	e.observe(ctx, src, next)
	e.record(ctx, Transaction{
		AccountID:      accountID,
		Kind:           TxBonus,
		Delta:          amount,
		Reason:         reason,
		Source:         src,
		IdempotencyKey: call.idempotencyKey,
	})
	e.meter.OnAdjust(AdjustEvent{AccountID: accountID, Kind: TxBonus, Delta: amount, Balance: next.Balance, Source: src})
	return next, nil
}

// ApplyMonthlyReset starts a new billing cycle for the account under its
// tier's current plan.
func (e *Engine) ApplyMonthlyReset(ctx context.Context, accountID string) (Account, error) {
	ctx, span := e.tracer.Start(ctx, "creditledger.ApplyMonthlyReset", trace.WithAttributes(
		attribute.String("account.id", accountID),
	))
	defer span.End()

	acc, src, err := e.load(ctx, "reset", accountID)
	if err != nil {
		return Account{}, e.fail(span, "reset", accountID, src, err)
	}

	plan, err := e.catalog.Resolve(acc.Tier)
	if err != nil {
		e.logger.Error("monthly reset skipped", "account", accountID, "tier", acc.Tier, "error", err)
		return Account{}, e.fail(span, "reset", accountID, src, err)
	}

	var (
		next Account
		out  ResetOutcome
	)
	// Microseconds survive every backend, so replay can match the reset exactly.
	at := e.now().UTC().Truncate(time.Microsecond)
	src, err = e.run(ctx, "reset", accountID, func(ctx context.Context, l Ledger) error {
		a, o, err := l.ApplyReset(ctx, accountID, plan, at)
		next, out = a, o
		return err
	})
	if err != nil {
		return Account{}, e.fail(span, "reset", accountID, src, err)
	}
	e.observe(ctx, src, next)

	if out.Unlimited {
		return next, nil
	}

	e.record(ctx, Transaction{
		AccountID: accountID,
		Kind:      TxReset,
		Delta:     out.Baseline,
		Reason:    "monthly reset",
		Source:    src,
	})
	if out.Carried > 0 {
		e.record(ctx, Transaction{
			AccountID: accountID,
			Kind:      TxRollover,
			Delta:     out.Carried,
			Reason:    "rollover",
			Source:    src,
		})
	}
	if out.Discarded > 0 {
		e.logger.Info("unspent credits discarded", "account", accountID, "discarded", out.Discarded)
	}
	e.meter.OnAdjust(AdjustEvent{AccountID: accountID, Kind: TxReset, Delta: out.Baseline + out.Carried, Balance: next.Balance, Source: src})
	return next, nil
}

// GetTransactionHistory returns up to limit transactions, most recent first.
// limit <= 0 returns the full history.
func (e *Engine) GetTransactionHistory(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	ctx, span := e.tracer.Start(ctx, "creditledger.GetTransactionHistory", trace.WithAttributes(
		attribute.String("account.id", accountID),
		attribute.Int("limit", limit),
	))
	defer span.End()

	txs, err := e.txlog.History(ctx, accountID, limit)
	if err != nil {
		return nil, e.fail(span, "history", accountID, "", err)
	}
	return txs, nil
}

// OpenAccount creates the account on an explicit tier. An existing account
// is returned unchanged.
func (e *Engine) OpenAccount(ctx context.Context, accountID, tier string) (Account, error) {
	ctx, span := e.tracer.Start(ctx, "creditledger.OpenAccount", trace.WithAttributes(
		attribute.String("account.id", accountID),
		attribute.String("tier", tier),
	))
	defer span.End()

	plan, err := e.catalog.Resolve(tier)
	if err != nil {
		e.logger.Error("open account rejected", "account", accountID, "tier", tier, "error", err)
		return Account{}, e.fail(span, "open", accountID, "", err)
	}

	var (
		acc     Account
		created bool
	)
	src, err := e.run(ctx, "open", accountID, func(ctx context.Context, l Ledger) error {
		a, c, err := l.Initialize(ctx, accountID, plan, e.now())
		acc, created = a, c
		return err
	})
	if err != nil {
		return Account{}, e.fail(span, "open", accountID, src, err)
	}
	if created {
		e.recordOpening(ctx, acc, src)
	}
	e.observe(ctx, src, acc)
	return acc, nil
}

// load returns the account, lazily initializing it on the default tier.
func (e *Engine) load(ctx context.Context, op, accountID string) (Account, Source, error) {
	var (
		acc     Account
		created bool
	)
	src, err := e.run(ctx, op, accountID, func(ctx context.Context, l Ledger) error {
		created = false
		a, err := l.GetAccount(ctx, accountID)
		if errors.Is(err, ErrAccountNotFound) {
			plan, perr := e.catalog.Resolve(e.defaultTier)
			if perr != nil {
				return perr
			}
			a, created, err = l.Initialize(ctx, accountID, plan, e.now())
		}
		acc = a
		return err
	})
	if err != nil {
		return Account{}, src, err
	}
	if created {
		e.recordOpening(ctx, acc, src)
	}
	e.observe(ctx, src, acc)
	return acc, src, nil
}

// run calls fn against the ledger store under the store timeout and, when
// the store is unavailable, against the fallback cache.
func (e *Engine) run(ctx context.Context, op, accountID string, fn func(context.Context, Ledger) error) (Source, error) {
	cause := ErrStoreUnavailable
	if e.health.Allow() {
		sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
		err := fn(sctx, e.store)
		cancel()

		switch {
		case err == nil:
			e.health.RecordSuccess()
			return SourceStore, nil
		case ctx.Err() != nil:
			// The caller gave up; that is not an outage.
			return SourceStore, ctx.Err()
		case !IsUnavailable(err):
			e.health.RecordSuccess()
			return SourceStore, err
		}

		e.health.RecordFailure()
		e.logger.Warn("ledger store unavailable, using fallback", "op", op, "account", accountID, "error", err)
		cause = err
	}

	if e.fallback == nil {
		return SourceFallback, fmt.Errorf("%w: %w", ErrServiceUnavailable, cause)
	}

	if err := fn(ctx, e.fallback); err != nil {
		if isCallerError(err) {
			return SourceFallback, err
		}
		if ctx.Err() != nil {
			return SourceFallback, ctx.Err()
		}
		e.logger.Error("fallback cache failed", "op", op, "account", accountID, "error", err)
		return SourceFallback, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}

	e.meter.OnFallback(FallbackEvent{Op: op, AccountID: accountID, Cause: cause})
	return SourceFallback, nil
}

func (e *Engine) observe(ctx context.Context, src Source, acc Account) {
	if e.fallback == nil || src != SourceStore {
		return
	}
	if err := e.fallback.Observe(ctx, acc); err != nil {
		e.logger.Warn("fallback refresh failed", "account", acc.ID, "error", err)
	}
}

// recordOpening logs the initial allowance and signup bonus of a new account
// so that its history reconstructs the opening balance.
func (e *Engine) recordOpening(ctx context.Context, acc Account, src Source) {
	e.record(ctx, Transaction{
		AccountID: acc.ID,
		Kind:      TxReset,
		Delta:     acc.MonthlyAllowance.Value(),
		Reason:    "account opened: " + acc.Tier,
		Source:    src,
	})
	if acc.BonusBalance > 0 {
		e.record(ctx, Transaction{
			AccountID: acc.ID,
			Kind:      TxBonus,
			Delta:     acc.BonusBalance,
			Reason:    "signup bonus",
			Source:    src,
		})
	}
}

// record appends tx to the transaction log. The balance change has already
// been committed, so a failed append is logged rather than returned.
func (e *Engine) record(ctx context.Context, tx Transaction) string {
	tx.ID = uuid.New().String()
	tx.CreatedAt = e.now().UTC()
	if err := e.txlog.Append(context.WithoutCancel(ctx), tx); err != nil {
		e.logger.Error("transaction log append failed",
			"account", tx.AccountID,
			"kind", tx.Kind,
			"delta", tx.Delta,
			"error", err,
		)
	}
	return tx.ID
}

func (e *Engine) fail(span trace.Span, op, accountID string, src Source, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if isCallerError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &LedgerError{Err: err, Op: op, AccountID: accountID, Source: src}
}

type noopLog struct{}

func (noopLog) Append(context.Context, Transaction) error { return nil }
func (noopLog) History(context.Context, string, int) ([]Transaction, error) {
	return nil, nil
}

type noopMeter struct{}

func (noopMeter) OnConsume(ConsumeEvent)     {}
func (noopMeter) OnAdjust(AdjustEvent)       {}
func (noopMeter) OnFallback(FallbackEvent)   {}
func (noopMeter) OnReconcile(ReconcileEvent) {}
