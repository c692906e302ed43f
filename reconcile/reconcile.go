// Package reconcile folds fallback-cache writes back into the ledger store.
//
// Every diverged account is replayed in one conditional write against the
// store's authoritative balance. A replay that would drive a balance
// negative is never applied: the account is flagged as a conflict and left
// for manual resolution.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/fallback"
)

const (
	defaultInterval    = 30 * time.Second
	defaultConcurrency = 4
)

// Source is the fallback-cache side of reconciliation.
type Source interface {
	Entry(ctx context.Context, accountID string) (fallback.Entry, error)
	Entries(ctx context.Context, state creditledger.SyncState) ([]fallback.Entry, error)
	SetState(ctx context.Context, accountID string, state creditledger.SyncState) error
	Ack(ctx context.Context, accountID string, n int, authoritative creditledger.Account) (creditledger.SyncState, error)
	Discard(ctx context.Context, accountID string, authoritative creditledger.Account) (int, error)
}

var _ Source = (*fallback.Cache)(nil)

// Report summarizes one reconciliation pass.
type Report struct {
	Synced    []string
	Diverged  []string // still diverged: store unavailable or new writes arrived
	Conflicts []string
	Failed    map[string]error
}

// Reconciler replays diverged accounts into the ledger store.
type Reconciler struct {
	store       creditledger.LedgerStore
	source      Source
	txlog       creditledger.TransactionLog
	logger      *slog.Logger
	meter       creditledger.Meter
	interval    time.Duration
	concurrency int
	limiter     *rate.Limiter

	locks   accountLocks
	trigger chan struct{}

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithInterval sets the period of the background loop (default 30s).
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) { r.interval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithTransactionLog sets the log that receives rebase records when the
// store's balance replaces a fallback view the log already describes.
func WithTransactionLog(l creditledger.TransactionLog) Option {
	return func(r *Reconciler) { r.txlog = l }
}

// WithMeter sets the meter.
func WithMeter(m creditledger.Meter) Option {
	return func(r *Reconciler) { r.meter = m }
}

// WithConcurrency bounds how many accounts are replayed at once (default 4).
func WithConcurrency(n int) Option {
	return func(r *Reconciler) { r.concurrency = n }
}

// WithRateLimit paces replays to at most perSecond per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Reconciler) { r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// New creates a Reconciler.
func New(store creditledger.LedgerStore, source Source, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       store,
		source:      source,
		interval:    defaultInterval,
		concurrency: defaultConcurrency,
		trigger:     make(chan struct{}, 1),
		locks:       accountLocks{held: make(map[string]*accountLock)},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.meter == nil {
		r.meter = noopMeter{}
	}
	if r.concurrency <= 0 {
		r.concurrency = defaultConcurrency
	}
	if r.limiter == nil {
		r.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return r
}

// Start runs reconciliation every interval and on Trigger until Stop.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	go r.loop(ctx, r.stop, r.done)
}

// Stop ends the background loop and waits for the pass in flight.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stop)
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger requests a pass as soon as possible. It never blocks.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Reconciler) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-r.trigger:
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Warn("reconciliation pass failed", "error", err)
		}
	}
}

// RunOnce reconciles every diverged account.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var ids []string
	// Accounts left reconciling by an interrupted pass are retried too.
	for _, state := range []creditledger.SyncState{creditledger.StateDiverged, creditledger.StateReconciling} {
		entries, err := r.source.Entries(ctx, state)
		if err != nil {
			return Report{}, fmt.Errorf("creditledger/reconcile: list %s: %w", state, err)
		}
		for _, e := range entries {
			ids = append(ids, e.Account.ID)
		}
	}

	var (
		mu     sync.Mutex
		report = Report{Failed: make(map[string]error)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, id := range ids {
		if err := r.limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			state, err := r.ReconcileAccount(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case state == creditledger.StateConflict:
				report.Conflicts = append(report.Conflicts, id)
			case err != nil:
				report.Failed[id] = err
			case state == creditledger.StateSynced:
				report.Synced = append(report.Synced, id)
			default:
				report.Diverged = append(report.Diverged, id)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(ids) > 0 {
		r.logger.Info("reconciliation pass",
			"accounts", len(ids),
			"synced", len(report.Synced),
			"diverged", len(report.Diverged),
			"conflicts", len(report.Conflicts),
			"failed", len(report.Failed),
		)
	}
	return report, ctx.Err()
}

// ReconcileAccount replays the account's pending writes. Calls for the same
// account, Resolve included, run one after another.
func (r *Reconciler) ReconcileAccount(ctx context.Context, accountID string) (creditledger.SyncState, error) {
	unlock := r.locks.lock(accountID)
	defer unlock()
	return r.reconcile(ctx, accountID)
}

func (r *Reconciler) reconcile(ctx context.Context, accountID string) (creditledger.SyncState, error) {
	start := time.Now()
	e, err := r.source.Entry(ctx, accountID)
	if errors.Is(err, creditledger.ErrAccountNotFound) {
		return creditledger.StateSynced, nil
	}
	if err != nil {
		return "", err
	}
	if e.State == creditledger.StateConflict {
		return creditledger.StateConflict, nil
	}
	if len(e.Pending) == 0 {
		return e.State, nil
	}

	if err := r.source.SetState(ctx, accountID, creditledger.StateReconciling); err != nil {
		return "", err
	}

	n := len(e.Pending)
	acc, created, err := r.store.Replay(ctx, accountID, e.Pending)
	switch {
	case errors.Is(err, creditledger.ErrReconciliationConflict):
		if serr := r.source.SetState(ctx, accountID, creditledger.StateConflict); serr != nil {
			return "", serr
		}
		r.logger.Error("reconciliation conflict, manual review required",
			"account", accountID,
			"pending_ops", n,
			"store_balance", acc.Balance.String(),
			"error", err,
		)
		r.meter.OnReconcile(creditledger.ReconcileEvent{
			AccountID: accountID, State: creditledger.StateConflict, Ops: n, Duration: time.Since(start), Error: err,
		})
		return creditledger.StateConflict, nil
	case err != nil:
		if serr := r.source.SetState(ctx, accountID, creditledger.StateDiverged); serr != nil {
			r.logger.Warn("reset state after failed replay", "account", accountID, "error", serr)
		}
		r.meter.OnReconcile(creditledger.ReconcileEvent{
			AccountID: accountID, State: creditledger.StateDiverged, Ops: n, Duration: time.Since(start), Error: err,
		})
		return creditledger.StateDiverged, err
	}

	state, err := r.source.Ack(ctx, accountID, n, acc)
	if err != nil {
		return "", err
	}
	// The fallback opened an account the store already had, and logged an
	// opening balance that never existed.
	if !created && opensAccount(e.Pending) {
		r.rebase(ctx, acc, "rebased on ledger store: account already existed")
	}
	r.meter.OnReconcile(creditledger.ReconcileEvent{
		AccountID: accountID, State: state, Ops: n, Duration: time.Since(start),
	})
	return state, nil
}

// Conflicts lists the accounts awaiting manual resolution.
func (r *Reconciler) Conflicts(ctx context.Context) ([]fallback.Entry, error) {
	return r.source.Entries(ctx, creditledger.StateConflict)
}

// Resolve settles a conflict in favor of the ledger store: pending fallback
// writes are dropped and the replica is rebased on the stored account.
func (r *Reconciler) Resolve(ctx context.Context, accountID string) (creditledger.Account, error) {
	unlock := r.locks.lock(accountID)
	defer unlock()

	acc, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return creditledger.Account{}, err
	}
	dropped, err := r.source.Discard(ctx, accountID, acc)
	if err != nil {
		return creditledger.Account{}, err
	}
	if dropped > 0 {
		r.rebase(ctx, acc, fmt.Sprintf("rebased on ledger store: %d fallback ops dropped", dropped))
	}
	r.logger.Warn("conflict resolved in favor of ledger store",
		"account", accountID,
		"dropped_ops", dropped,
		"balance", acc.Balance.String(),
	)
	return acc, nil
}

// rebase appends a RESET carrying the store balance, so the history
// reconstructs it again after fallback records the store never applied.
func (r *Reconciler) rebase(ctx context.Context, acc creditledger.Account, reason string) {
	if r.txlog == nil || acc.Unlimited() {
		return
	}
	tx := creditledger.Transaction{
		ID:        uuid.New().String(),
		AccountID: acc.ID,
		Kind:      creditledger.TxReset,
		Delta:     acc.Balance.Value(),
		Reason:    reason,
		Source:    creditledger.SourceStore,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.txlog.Append(context.WithoutCancel(ctx), tx); err != nil {
		r.logger.Error("transaction log append failed", "account", acc.ID, "kind", tx.Kind, "error", err)
	}
}

func opensAccount(ops []creditledger.PendingOp) bool {
	for _, op := range ops {
		if op.Kind == creditledger.OpInitialize {
			return true
		}
	}
	return false
}

// accountLocks serializes work per account without blocking other accounts.
type accountLocks struct {
	mu   sync.Mutex
	held map[string]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func (l *accountLocks) lock(accountID string) (unlock func()) {
	l.mu.Lock()
	al, ok := l.held[accountID]
	if !ok {
		al = &accountLock{}
		l.held[accountID] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()
	return func() {
		al.mu.Unlock()
		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.held, accountID)
		}
		l.mu.Unlock()
	}
}

type noopMeter struct{}

func (noopMeter) OnConsume(creditledger.ConsumeEvent)     {}
func (noopMeter) OnAdjust(creditledger.AdjustEvent)       {}
func (noopMeter) OnFallback(creditledger.FallbackEvent)   {}
func (noopMeter) OnReconcile(creditledger.ReconcileEvent) {}
