// Package flaky wraps an AccountStore with injectable latency and outages,
// for tests and failover drills.
package flaky

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ineyio/creditledger"
)

// Store is an AccountStore that delegates to another one unless it is down.
type Store struct {
	inner     creditledger.AccountStore
	latency   time.Duration
	failAfter int
	staticErr error
	callCount atomic.Int64
	down      atomic.Bool
}

var (
	_ creditledger.AccountStore  = (*Store)(nil)
	_ creditledger.AccountLister = (*Store)(nil)
)

// Option configures a flaky Store.
type Option func(*Store)

// Wrap returns inner decorated with the given faults.
func Wrap(inner creditledger.AccountStore, opts ...Option) *Store {
	s := &Store{inner: inner}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(s *Store) { s.latency = d }
}

// WithFailAfter makes the store unavailable after N calls.
func WithFailAfter(n int) Option {
	return func(s *Store) { s.failAfter = n }
}

// WithError makes every call return this error.
func WithError(err error) Option {
	return func(s *Store) { s.staticErr = err }
}

// SetDown toggles a full outage.
func (s *Store) SetDown(down bool) { s.down.Store(down) }

// CallCount returns the number of calls made to the store.
func (s *Store) CallCount() int64 { return s.callCount.Load() }

func (s *Store) before(ctx context.Context, op string) error {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	count := s.callCount.Add(1)

	if s.staticErr != nil {
		return s.staticErr
	}
	if s.down.Load() || (s.failAfter > 0 && int(count) > s.failAfter) {
		return fmt.Errorf("creditledger/flaky: %s: %w", op, creditledger.ErrStoreUnavailable)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, accountID string) (creditledger.Account, error) {
	if err := s.before(ctx, "load"); err != nil {
		return creditledger.Account{}, err
	}
	return s.inner.Load(ctx, accountID)
}

func (s *Store) Create(ctx context.Context, acc creditledger.Account) error {
	if err := s.before(ctx, "create"); err != nil {
		return err
	}
	return s.inner.Create(ctx, acc)
}

func (s *Store) CompareAndSwap(ctx context.Context, expectedVersion int64, next creditledger.Account, idempotencyKey string) error {
	if err := s.before(ctx, "compare-and-swap"); err != nil {
		return err
	}
	return s.inner.CompareAndSwap(ctx, expectedVersion, next, idempotencyKey)
}

// ListAccounts delegates if the wrapped store can list accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]creditledger.Account, error) {
	if err := s.before(ctx, "list"); err != nil {
		return nil, err
	}
	l, ok := s.inner.(creditledger.AccountLister)
	if !ok {
		return nil, fmt.Errorf("creditledger/flaky: wrapped store cannot list accounts")
	}
	return l.ListAccounts(ctx)
}
