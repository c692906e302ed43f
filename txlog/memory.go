// Package txlog provides TransactionLog implementations for creditledger.
package txlog

import (
	"context"
	"sync"

	"github.com/ineyio/creditledger"
)

// MemoryLog is an in-memory TransactionLog.
type MemoryLog struct {
	mu       sync.RWMutex
	accounts map[string][]creditledger.Transaction
}

var _ creditledger.TransactionLog = (*MemoryLog)(nil)

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{accounts: make(map[string][]creditledger.Transaction)}
}

// Append records tx.
func (l *MemoryLog) Append(_ context.Context, tx creditledger.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[tx.AccountID] = append(l.accounts[tx.AccountID], tx)
	return nil
}

// History returns transactions most recent first.
func (l *MemoryLog) History(_ context.Context, accountID string, limit int) ([]creditledger.Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	txs := l.accounts[accountID]
	n := len(txs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]creditledger.Transaction, 0, n)
	for i := len(txs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, txs[i])
	}
	return out, nil
}
