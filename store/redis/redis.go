// Package redis provides a Redis-backed AccountStore for creditledger.
//
// Each account is a hash holding its version and JSON state. Create and
// compare-and-swap run as Lua scripts, so concurrent writers across
// instances are serialized by Redis itself.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/creditledger"
)

// Store is a Redis-backed AccountStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	idemTTL   time.Duration
}

var (
	_ creditledger.AccountStore  = (*Store)(nil)
	_ creditledger.AccountLister = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "creditledger:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithIdempotencyTTL sets how long idempotency keys are remembered (default 24h).
func WithIdempotencyTTL(d time.Duration) Option {
	return func(s *Store) { s.idemTTL = d }
}

// New creates a new Redis-backed AccountStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "creditledger:",
		idemTTL:   24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountKey(accountID string) string {
	return s.keyPrefix + "acct:" + accountID
}

func (s *Store) idemKey(key string) string {
	return s.keyPrefix + "idem:" + key
}

// createScript stores a new account unless the key exists.
// KEYS[1] = account hash key
// ARGV[1] = version
// ARGV[2] = account JSON
//
// Returns 1 on create, 0 if the account exists.
var createScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[1], "data", ARGV[2])
return 1
`)

// casScript replaces the account only if the stored version matches.
// KEYS[1] = account hash key
// KEYS[2] = idempotency key
// ARGV[1] = expected version
// ARGV[2] = new version
// ARGV[3] = account JSON
// ARGV[4] = has_idem ("1" or "0")
// ARGV[5] = idempotency ttl (seconds)
//
// Returns:
//
//	1  = swapped
//	0  = version conflict
//	-1 = duplicate idempotency key
//	-2 = account not found
var casScript = goredis.NewScript(`
local version = redis.call("HGET", KEYS[1], "version")
if not version then
    return -2
end
if tonumber(version) ~= tonumber(ARGV[1]) then
    return 0
end

-- Idempotency check
if ARGV[4] == "1" then
    local set = redis.call("SET", KEYS[2], "1", "NX", "EX", tonumber(ARGV[5]))
    if not set then
        return -1
    end
end

redis.call("HSET", KEYS[1], "version", ARGV[2], "data", ARGV[3])
return 1
`)

// Load returns the stored account.
func (s *Store) Load(ctx context.Context, accountID string) (creditledger.Account, error) {
	data, err := s.client.HGet(ctx, s.accountKey(accountID), "data").Result()
	if errors.Is(err, goredis.Nil) {
		return creditledger.Account{}, creditledger.ErrAccountNotFound
	}
	if err != nil {
		return creditledger.Account{}, classify("load", err)
	}
	return decode(data)
}

// Create stores a new account.
func (s *Store) Create(ctx context.Context, acc creditledger.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("creditledger/redis: create: %w", err)
	}

	created, err := createScript.Run(ctx, s.client,
		[]string{s.accountKey(acc.ID)},
		acc.Version, string(data),
	).Int64()
	if err != nil {
		return classify("create", err)
	}
	if created == 0 {
		return creditledger.ErrAccountExists
	}
	return nil
}

// CompareAndSwap replaces the account if its version matches.
func (s *Store) CompareAndSwap(ctx context.Context, expectedVersion int64, next creditledger.Account, idempotencyKey string) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("creditledger/redis: compare-and-swap: %w", err)
	}

	hasIdem := "0"
	idemK := s.idemKey("_noop")
	if idempotencyKey != "" {
		hasIdem = "1"
		idemK = s.idemKey(idempotencyKey)
	}

	result, err := casScript.Run(ctx, s.client,
		[]string{s.accountKey(next.ID), idemK},
		expectedVersion, next.Version, string(data), hasIdem, int64(s.idemTTL.Seconds()),
	).Int64()
	if err != nil {
		return classify("compare-and-swap", err)
	}

	switch result {
	case 1:
		return nil
	case 0:
		return creditledger.ErrVersionConflict
	case -1:
		return fmt.Errorf("%w: %q", creditledger.ErrDuplicateRequest, idempotencyKey)
	case -2:
		return creditledger.ErrAccountNotFound
	default:
		return fmt.Errorf("creditledger/redis: unexpected compare-and-swap result: %d", result)
	}
}

// ListAccounts scans every account under the key prefix, ordered by id.
func (s *Store) ListAccounts(ctx context.Context) ([]creditledger.Account, error) {
	var (
		out    []creditledger.Account
		cursor uint64
	)
	prefix := s.accountKey("")
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, classify("list", err)
		}
		for _, key := range keys {
			acc, err := s.Load(ctx, strings.TrimPrefix(key, prefix))
			if errors.Is(err, creditledger.ErrAccountNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, acc)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func decode(data string) (creditledger.Account, error) {
	var acc creditledger.Account
	if err := json.Unmarshal([]byte(data), &acc); err != nil {
		return creditledger.Account{}, fmt.Errorf("creditledger/redis: decode account: %w", err)
	}
	return acc, nil
}

// classify marks connectivity failures as ErrStoreUnavailable.
func classify(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, goredis.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("creditledger/redis: %s: %w: %w", op, creditledger.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("creditledger/redis: %s: %w", op, err)
}
