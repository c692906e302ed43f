// Package memory provides an in-memory AccountStore for creditledger.
//
// It is safe for concurrent use within one process and is meant for tests,
// single-instance deployments and drills.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ineyio/creditledger"
)

const defaultIdempotencyWindow = 100_000

// Store is an in-memory AccountStore with versioned compare-and-swap.
type Store struct {
	mu          sync.RWMutex
	accounts    map[string]creditledger.Account
	seen        *lru.Cache[string, struct{}] // idempotency key dedup
	unavailable atomic.Bool
}

var (
	_ creditledger.AccountStore  = (*Store)(nil)
	_ creditledger.AccountLister = (*Store)(nil)
)

// Option configures Store.
type Option func(*storeConfig)

type storeConfig struct {
	idempotencyWindow int
}

// WithIdempotencyWindow sets how many idempotency keys are remembered
// (default 100000). The oldest keys are evicted first.
func WithIdempotencyWindow(n int) Option {
	return func(c *storeConfig) { c.idempotencyWindow = n }
}

// New creates a new in-memory account store.
func New(opts ...Option) *Store {
	cfg := storeConfig{idempotencyWindow: defaultIdempotencyWindow}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.idempotencyWindow <= 0 {
		cfg.idempotencyWindow = defaultIdempotencyWindow
	}
	seen, _ := lru.New[string, struct{}](cfg.idempotencyWindow)
	return &Store{
		accounts: make(map[string]creditledger.Account),
		seen:     seen,
	}
}

// SetUnavailable makes every call fail with ErrStoreUnavailable until reset.
func (s *Store) SetUnavailable(down bool) {
	s.unavailable.Store(down)
}

func (s *Store) check(op string) error {
	if s.unavailable.Load() {
		return fmt.Errorf("creditledger/memory: %s: %w", op, creditledger.ErrStoreUnavailable)
	}
	return nil
}

// Load returns the stored account.
func (s *Store) Load(_ context.Context, accountID string) (creditledger.Account, error) {
	if err := s.check("load"); err != nil {
		return creditledger.Account{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return creditledger.Account{}, creditledger.ErrAccountNotFound
	}
	return acc, nil
}

// Create stores a new account.
func (s *Store) Create(_ context.Context, acc creditledger.Account) error {
	if err := s.check("create"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acc.ID]; ok {
		return creditledger.ErrAccountExists
	}
	s.accounts[acc.ID] = acc
	return nil
}

// CompareAndSwap replaces the account if its version matches.
func (s *Store) CompareAndSwap(_ context.Context, expectedVersion int64, next creditledger.Account, idempotencyKey string) error {
	if err := s.check("compare-and-swap"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.accounts[next.ID]
	if !ok {
		return creditledger.ErrAccountNotFound
	}
	if cur.Version != expectedVersion {
		return creditledger.ErrVersionConflict
	}

	// Idempotency check.
	if idempotencyKey != "" {
		if s.seen.Contains(idempotencyKey) {
			return fmt.Errorf("%w: %q", creditledger.ErrDuplicateRequest, idempotencyKey)
		}
		s.seen.Add(idempotencyKey, struct{}{})
	}

	s.accounts[next.ID] = next
	return nil
}

// ListAccounts returns every account ordered by id.
func (s *Store) ListAccounts(_ context.Context) ([]creditledger.Account, error) {
	if err := s.check("list"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]creditledger.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
