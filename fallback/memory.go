package fallback

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/ineyio/creditledger"
)

// MemoryBackend keeps entries in process memory. It does not survive restarts.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

func (b *MemoryBackend) Load(_ context.Context, accountID string) (Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[accountID]
	return clone(e), ok, nil
}

func (b *MemoryBackend) Save(_ context.Context, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[e.Account.ID] = clone(e)
	return nil
}

func (b *MemoryBackend) List(_ context.Context, state creditledger.SyncState) ([]Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Entry
	for _, e := range b.entries {
		if e.State == state {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account.ID < out[j].Account.ID })
	return out, nil
}

func clone(e Entry) Entry {
	e.Pending = slices.Clone(e.Pending)
	e.Seen = slices.Clone(e.Seen)
	return e
}
