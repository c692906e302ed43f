package creditledger

import (
	"context"
	"errors"
	"time"
)

// Ledger is the set of balance operations shared by the ledger store and
// the fallback cache.
type Ledger interface {
	// GetAccount returns ErrAccountNotFound for unknown accounts.
	GetAccount(ctx context.Context, accountID string) (Account, error)

	// Initialize creates the account from plan. If it already exists the
	// stored account is returned and created is false.
	Initialize(ctx context.Context, accountID string, plan Plan, at time.Time) (acc Account, created bool, err error)

	// TryConsume atomically debits amount or fails with *InsufficientCreditsError
	// without changing anything.
	TryConsume(ctx context.Context, accountID string, amount int64, idempotencyKey string) (Account, error)

	// GrantBonus credits a non-expiring bonus.
	GrantBonus(ctx context.Context, accountID string, amount int64, idempotencyKey string) (Account, error)

	// ApplyReset starts a new billing cycle under plan.
	ApplyReset(ctx context.Context, accountID string, plan Plan, at time.Time) (Account, ResetOutcome, error)
}

// LedgerStore is the authoritative ledger.
type LedgerStore interface {
	Ledger

	// Replay folds fallback operations onto the stored account in a single
	// conditional write. created reports whether the replay created the
	// account. It returns ErrReconciliationConflict and writes nothing if the
	// result would violate the balance invariant.
	Replay(ctx context.Context, accountID string, ops []PendingOp) (acc Account, created bool, err error)
}

// FallbackCache is the degraded-mode replica used while the ledger store
// is unavailable. Every write through Ledger marks the account diverged.
type FallbackCache interface {
	Ledger

	// Observe refreshes the replica from an authoritative read. It is
	// ignored while the account has pending writes.
	Observe(ctx context.Context, acc Account) error

	// State returns the reconciliation state of the account.
	State(ctx context.Context, accountID string) (SyncState, error)
}

// AccountStore is the persistence primitive behind a LedgerStore.
// Backends implement it; NewLedgerStore turns it into a LedgerStore.
type AccountStore interface {
	// Load returns ErrAccountNotFound for unknown accounts.
	Load(ctx context.Context, accountID string) (Account, error)

	// Create stores a new account or returns ErrAccountExists.
	Create(ctx context.Context, acc Account) error

	// CompareAndSwap replaces the account only if its stored version equals
	// expectedVersion, returning ErrVersionConflict otherwise. A non-empty
	// idempotencyKey is recorded in the same atomic step; a key seen before
	// yields ErrDuplicateRequest and nothing is written.
	CompareAndSwap(ctx context.Context, expectedVersion int64, next Account, idempotencyKey string) error
}

// AccountLister is implemented by backends that can enumerate accounts.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]Account, error)
}

// TransactionLog is the append-only audit trail.
type TransactionLog interface {
	Append(ctx context.Context, tx Transaction) error

	// History returns transactions most recent first. limit <= 0 means all.
	History(ctx context.Context, accountID string, limit int) ([]Transaction, error)
}

const defaultMaxRetries = 64

// VersionedStore is a LedgerStore built on optimistic concurrency over an
// AccountStore: read, compute, compare-and-swap, retry on conflict.
type VersionedStore struct {
	backend    AccountStore
	maxRetries int
}

var _ LedgerStore = (*VersionedStore)(nil)

// StoreOption configures a VersionedStore.
type StoreOption func(*VersionedStore)

// WithMaxRetries bounds the compare-and-swap attempts per operation.
func WithMaxRetries(n int) StoreOption {
	return func(s *VersionedStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// NewLedgerStore wraps backend as a LedgerStore.
func NewLedgerStore(backend AccountStore, opts ...StoreOption) *VersionedStore {
	s := &VersionedStore{
		backend:    backend,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying AccountStore.
func (s *VersionedStore) Backend() AccountStore { return s.backend }

func (s *VersionedStore) GetAccount(ctx context.Context, accountID string) (Account, error) {
	return s.backend.Load(ctx, accountID)
}

func (s *VersionedStore) Initialize(ctx context.Context, accountID string, plan Plan, at time.Time) (Account, bool, error) {
	acc := NewAccount(accountID, plan, at)
	acc.Version = 1
	err := s.backend.Create(ctx, acc)
	if err == nil {
		return acc, true, nil
	}
	if !errors.Is(err, ErrAccountExists) {
		return Account{}, false, err
	}
	existing, err := s.backend.Load(ctx, accountID)
	return existing, false, err
}

func (s *VersionedStore) TryConsume(ctx context.Context, accountID string, amount int64, idempotencyKey string) (Account, error) {
	return s.update(ctx, accountID, idempotencyKey, func(a *Account) error {
		return a.Consume(amount)
	})
}

func (s *VersionedStore) GrantBonus(ctx context.Context, accountID string, amount int64, idempotencyKey string) (Account, error) {
	return s.update(ctx, accountID, idempotencyKey, func(a *Account) error {
		return a.Grant(amount)
	})
}

func (s *VersionedStore) ApplyReset(ctx context.Context, accountID string, plan Plan, at time.Time) (Account, ResetOutcome, error) {
	var out ResetOutcome
	acc, err := s.update(ctx, accountID, "", func(a *Account) error {
		o, err := a.Reset(plan, at)
		out = o
		return err
	})
	return acc, out, err
}

func (s *VersionedStore) Replay(ctx context.Context, accountID string, ops []PendingOp) (Account, bool, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		cur, err := s.backend.Load(ctx, accountID)
		exists := true
		if errors.Is(err, ErrAccountNotFound) {
			exists = false
		} else if err != nil {
			return Account{}, false, err
		}

		next, err := ApplyOps(cur, exists, accountID, ops)
		if err != nil {
			return cur, false, err
		}

		if !exists {
			next.Version = 1
			err = s.backend.Create(ctx, next)
			if errors.Is(err, ErrAccountExists) {
				continue
			}
		} else {
			next.Version = cur.Version + 1
			err = s.backend.CompareAndSwap(ctx, cur.Version, next, "")
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
		}
		if err != nil {
			return Account{}, false, err
		}
		return next, !exists, nil
	}
	return Account{}, false, ErrContention
}

func (s *VersionedStore) update(ctx context.Context, accountID, idempotencyKey string, mutate func(*Account) error) (Account, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		cur, err := s.backend.Load(ctx, accountID)
		if err != nil {
			return Account{}, err
		}

		next := cur
		if err := mutate(&next); err != nil {
			return cur, err
		}
		next.Version = cur.Version + 1

		err = s.backend.CompareAndSwap(ctx, cur.Version, next, idempotencyKey)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Account{}, err
		}
		return next, nil
	}
	return Account{}, ErrContention
}
