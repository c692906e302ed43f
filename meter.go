package creditledger

import "time"

// Meter observes ledger events for monitoring/logging.
type Meter interface {
	// OnConsume is called after every CheckAndConsume that reached a ledger.
	OnConsume(event ConsumeEvent)

	// OnAdjust is called for bonus grants and resets.
	OnAdjust(event AdjustEvent)

	// OnFallback is called when an operation is served by the fallback cache.
	OnFallback(event FallbackEvent)

	// OnReconcile is called once per reconciled account.
	OnReconcile(event ReconcileEvent)
}

// ConsumeEvent describes a consume attempt.
type ConsumeEvent struct {
	AccountID string
	Operation string
	Cost      int64
	Remaining Credits
	Source    Source
	Success   bool
	Duration  time.Duration
	Error     error
}

// AdjustEvent describes a bonus grant or a reset.
type AdjustEvent struct {
	AccountID string
	Kind      TxKind
	Delta     int64
	Balance   Credits
	Source    Source
}

// FallbackEvent describes an operation rerouted to the fallback cache.
type FallbackEvent struct {
	Op        string
	AccountID string
	Cause     error
}

// ReconcileEvent describes the outcome of reconciling one account.
type ReconcileEvent struct {
	AccountID string
	State     SyncState
	Ops       int
	Duration  time.Duration
	Error     error
}
