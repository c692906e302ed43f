package creditledger

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrUnknownTier            = errors.New("creditledger: unknown tier")
	ErrUnknownOperation       = errors.New("creditledger: unknown operation")
	ErrInvalidAmount          = errors.New("creditledger: invalid amount")
	ErrAccountNotFound        = errors.New("creditledger: account not found")
	ErrAccountExists          = errors.New("creditledger: account already exists")
	ErrInsufficientCredits    = errors.New("creditledger: insufficient credits")
	ErrDuplicateRequest       = errors.New("creditledger: duplicate idempotency key")
	ErrVersionConflict        = errors.New("creditledger: version conflict")
	ErrContention             = errors.New("creditledger: too many concurrent writers")
	ErrStoreUnavailable       = errors.New("creditledger: ledger store unavailable")
	ErrFallbackUnavailable    = errors.New("creditledger: fallback cache unavailable")
	ErrServiceUnavailable     = errors.New("creditledger: service unavailable")
	ErrReconciliationConflict = errors.New("creditledger: reconciliation conflict")
)

// InsufficientCreditsError reports a consume that exceeds the balance.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
	Shortage  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("creditledger: insufficient credits: required=%d available=%d shortage=%d",
		e.Required, e.Available, e.Shortage)
}

// Is makes errors.Is(err, ErrInsufficientCredits) match.
func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// LedgerError wraps an error with operation context.
type LedgerError struct {
	Err       error
	Op        string
	AccountID string
	Source    Source
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("creditledger: op=%s account=%s source=%s: %v",
		e.Op, e.AccountID, e.Source, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// IsUnavailable returns true if err means a ledger backend could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrFallbackUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable returns true if the same request may succeed when retried unchanged.
func IsRetryable(err error) bool {
	return IsUnavailable(err) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrContention) ||
		errors.Is(err, ErrVersionConflict)
}

// isCallerError returns true for outcomes that any ledger answers the same way.
func isCallerError(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrDuplicateRequest) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrUnknownOperation) ||
		errors.Is(err, ErrUnknownTier)
}
