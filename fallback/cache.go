// Package fallback implements the degraded-mode replica used while the
// ledger store is unavailable.
//
// The cache is only written when the store cannot be reached. Each such
// write is kept as a pending operation and marks the account diverged until
// the reconciler folds it back into the store.
package fallback

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ineyio/creditledger"
)

// Entry is the replica state of one account.
type Entry struct {
	Account creditledger.Account     `json:"account"`
	Pending []creditledger.PendingOp `json:"pending,omitempty"`
	State   creditledger.SyncState   `json:"state"`
	Seen    []string                 `json:"seen,omitempty"` // idempotency keys of pending ops
}

// Backend persists entries.
type Backend interface {
	// Load returns ok=false for unknown accounts.
	Load(ctx context.Context, accountID string) (entry Entry, ok bool, err error)
	Save(ctx context.Context, entry Entry) error
	// List returns entries in the given state, ordered by account id.
	List(ctx context.Context, state creditledger.SyncState) ([]Entry, error)
}

// Cache is a FallbackCache over a Backend.
type Cache struct {
	mu      sync.Mutex
	backend Backend
}

var _ creditledger.FallbackCache = (*Cache)(nil)

// New creates a Cache. A nil backend uses NewMemoryBackend.
func New(backend Backend) *Cache {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Cache{backend: backend}
}

func (c *Cache) load(ctx context.Context, accountID string) (Entry, bool, error) {
	e, ok, err := c.backend.Load(ctx, accountID)
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %w", creditledger.ErrFallbackUnavailable, err)
	}
	return e, ok, nil
}

func (c *Cache) save(ctx context.Context, e Entry) error {
	if err := c.backend.Save(ctx, e); err != nil {
		return fmt.Errorf("%w: %w", creditledger.ErrFallbackUnavailable, err)
	}
	return nil
}

func (c *Cache) GetAccount(ctx context.Context, accountID string) (creditledger.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok, err := c.load(ctx, accountID)
	if err != nil {
		return creditledger.Account{}, err
	}
	if !ok {
		return creditledger.Account{}, creditledger.ErrAccountNotFound
	}
	return e.Account, nil
}

func (c *Cache) Initialize(ctx context.Context, accountID string, plan creditledger.Plan, at time.Time) (creditledger.Account, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok, err := c.load(ctx, accountID)
	if err != nil {
		return creditledger.Account{}, false, err
	}
	if ok {
		return e.Account, false, nil
	}

	e = Entry{Account: creditledger.NewAccount(accountID, plan, at)}
	p := plan
	if err := c.diverge(ctx, &e, creditledger.PendingOp{Kind: creditledger.OpInitialize, Plan: &p, At: at.UTC()}); err != nil {
		return creditledger.Account{}, false, err
	}
	return e.Account, true, nil
}

func (c *Cache) TryConsume(ctx context.Context, accountID string, amount int64, idempotencyKey string) (creditledger.Account, error) {
	return c.mutate(ctx, accountID, idempotencyKey, func(a *creditledger.Account) (creditledger.PendingOp, error) {
		op := creditledger.PendingOp{Kind: creditledger.OpConsume, Amount: amount}
		return op, a.Consume(amount)
	})
}

func (c *Cache) GrantBonus(ctx context.Context, accountID string, amount int64, idempotencyKey string) (creditledger.Account, error) {
	return c.mutate(ctx, accountID, idempotencyKey, func(a *creditledger.Account) (creditledger.PendingOp, error) {
		op := creditledger.PendingOp{Kind: creditledger.OpBonus, Amount: amount}
		return op, a.Grant(amount)
	})
}

func (c *Cache) ApplyReset(ctx context.Context, accountID string, plan creditledger.Plan, at time.Time) (creditledger.Account, creditledger.ResetOutcome, error) {
	var out creditledger.ResetOutcome
	acc, err := c.mutate(ctx, accountID, "", func(a *creditledger.Account) (creditledger.PendingOp, error) {
		p := plan
		o, err := a.Reset(plan, at)
		out = o
		return creditledger.PendingOp{Kind: creditledger.OpReset, Plan: &p, At: at.UTC()}, err
	})
	return acc, out, err
}

// Observe refreshes the replica from an authoritative read.
func (c *Cache) Observe(ctx context.Context, acc creditledger.Account) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok, err := c.load(ctx, acc.ID)
	if err != nil {
		return err
	}
	if ok && len(e.Pending) > 0 {
		return nil
	}
	return c.save(ctx, Entry{Account: acc, State: creditledger.StateSynced})
}

// State returns the account's sync state. Unknown accounts are synced.
func (c *Cache) State(ctx context.Context, accountID string) (creditledger.SyncState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok, err := c.load(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !ok {
		return creditledger.StateSynced, nil
	}
	return e.State, nil
}

// Entry returns the replica state of the account.
func (c *Cache) Entry(ctx context.Context, accountID string) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok, err := c.load(ctx, accountID)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, creditledger.ErrAccountNotFound
	}
	return e, nil
}

// Entries lists the accounts in state.
func (c *Cache) Entries(ctx context.Context, state creditledger.SyncState) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.backend.List(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", creditledger.ErrFallbackUnavailable, err)
	}
	return entries, nil
}

// SetState moves the account to state. Conflict is only left through Discard.
func (c *Cache) SetState(ctx context.Context, accountID string, state creditledger.SyncState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok, err := c.load(ctx, accountID)
	if err != nil {
		return err
	}
	if !ok {
		return creditledger.ErrAccountNotFound
	}
	if e.State == creditledger.StateConflict && state != creditledger.StateConflict {
		return fmt.Errorf("creditledger/fallback: account %q is in conflict", accountID)
	}
	e.State = state
	return c.save(ctx, e)
}

// Ack drops the first n pending operations, which the store has committed,
// and rebases the replica on authoritative. Operations recorded after the
// replay started stay pending and keep the account diverged.
func (c *Cache) Ack(ctx context.Context, accountID string, n int, authoritative creditledger.Account) (creditledger.SyncState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok, err := c.load(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", creditledger.ErrAccountNotFound
	}

	n = min(n, len(e.Pending))
	acked := e.Pending[:n]
	rest := slices.Clone(e.Pending[n:])
	for _, op := range acked {
		if op.IdempotencyKey != "" {
			e.Seen = slices.DeleteFunc(e.Seen, func(k string) bool { return k == op.IdempotencyKey })
		}
	}

	e.Pending = rest
	e.Account = authoritative
	if len(rest) == 0 {
		e.State = creditledger.StateSynced
		e.Seen = nil
	} else {
		e.State = creditledger.StateDiverged
		if view, err := creditledger.ApplyOps(authoritative, true, accountID, rest); err == nil {
			e.Account = view
		}
	}
	if err := c.save(ctx, e); err != nil {
		return "", err
	}
	return e.State, nil
}

// Discard drops all pending operations and rebases on authoritative. It is
// the manual resolution of a conflict.
func (c *Cache) Discard(ctx context.Context, accountID string, authoritative creditledger.Account) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok, err := c.load(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, creditledger.ErrAccountNotFound
	}
	dropped := len(e.Pending)
	return dropped, c.save(ctx, Entry{Account: authoritative, State: creditledger.StateSynced})
}

func (c *Cache) mutate(ctx context.Context, accountID, idempotencyKey string, fn func(*creditledger.Account) (creditledger.PendingOp, error)) (creditledger.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok, err := c.load(ctx, accountID)
	if err != nil {
		return creditledger.Account{}, err
	}
	if !ok {
		return creditledger.Account{}, creditledger.ErrAccountNotFound
	}
	if idempotencyKey != "" && slices.Contains(e.Seen, idempotencyKey) {
		return creditledger.Account{}, fmt.Errorf("%w: %q", creditledger.ErrDuplicateRequest, idempotencyKey)
	}

	next := e.Account
	op, err := fn(&next)
	if err != nil {
		return e.Account, err
	}
	op.IdempotencyKey = idempotencyKey
	if op.At.IsZero() {
		op.At = time.Now().UTC()
	}

	e.Account = next
	if err := c.diverge(ctx, &e, op); err != nil {
		return creditledger.Account{}, err
	}
	return e.Account, nil
}

// diverge records op as pending and saves e.
func (c *Cache) diverge(ctx context.Context, e *Entry, op creditledger.PendingOp) error {
	e.Pending = append(e.Pending, op)
	if op.IdempotencyKey != "" {
		e.Seen = append(e.Seen, op.IdempotencyKey)
	}
	if e.State != creditledger.StateConflict {
		e.State = creditledger.StateDiverged
	}
	return c.save(ctx, *e)
}
