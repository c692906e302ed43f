package creditledger

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ResetOutcome describes how a monthly reset recomputed a balance.
type ResetOutcome struct {
	Baseline  int64 // allowance + bonus balance
	Carried   int64 // rolled-over leftover, already capped
	Discarded int64 // leftover that did not carry
	Unlimited bool
}

// NewAccount returns a freshly initialized account for plan.
func NewAccount(id string, plan Plan, at time.Time) Account {
	a := Account{
		ID:               id,
		Tier:             plan.Tier,
		MonthlyAllowance: plan.MonthlyAllowance,
		BonusBalance:     plan.SignupBonus,
		LastResetAt:      at.UTC(),
	}
	if plan.MonthlyAllowance.IsUnlimited() {
		a.Balance = Unlimited()
	} else {
		a.Balance = Finite(plan.MonthlyAllowance.Value() + plan.SignupBonus)
	}
	return a
}

// Unlimited reports whether the account bypasses consumption checks.
func (a Account) Unlimited() bool {
	return a.MonthlyAllowance.IsUnlimited() || a.Balance.IsUnlimited()
}

// Consume debits amount. Unlimited accounts are left unchanged.
func (a *Account) Consume(amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if a.Unlimited() {
		return nil
	}
	available := a.Balance.Value()
	if amount > available {
		return &InsufficientCreditsError{
			Required:  amount,
			Available: available,
			Shortage:  amount - available,
		}
	}
	a.Balance = Finite(available - amount)
	a.ConsumedLifetime += amount
	return nil
}

// Grant credits a non-expiring bonus.
func (a *Account) Grant(amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if amount > math.MaxInt64-a.BonusBalance {
		return fmt.Errorf("%w: bonus balance overflow", ErrInvalidAmount)
	}
	if !a.Balance.IsUnlimited() && amount > math.MaxInt64-a.Balance.Value() {
		return fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
	}
	a.BonusBalance += amount
	if !a.Balance.IsUnlimited() {
		a.Balance = Finite(a.Balance.Value() + amount)
	}
	return nil
}

// Reset starts a new billing cycle under plan. A baseline that does not fit
// in an int64 fails with ErrInvalidAmount and leaves the account unchanged.
func (a *Account) Reset(plan Plan, at time.Time) (ResetOutcome, error) {
	if plan.MonthlyAllowance.IsUnlimited() {
		a.MonthlyAllowance = plan.MonthlyAllowance
		a.LastResetAt = at.UTC()
		a.Balance = Unlimited()
		return ResetOutcome{Unlimited: true}, nil
	}

	var leftover int64
	if !a.Balance.IsUnlimited() {
		leftover = a.Balance.Value()
	}

	allowance := plan.MonthlyAllowance.Value()
	if a.BonusBalance > math.MaxInt64-allowance {
		return ResetOutcome{}, fmt.Errorf("%w: reset baseline overflow", ErrInvalidAmount)
	}
	out := ResetOutcome{Baseline: allowance + a.BonusBalance}
	if plan.RolloverEnabled {
		out.Carried = min(leftover, plan.RolloverCap)
	}
	if out.Carried > math.MaxInt64-out.Baseline {
		return ResetOutcome{}, fmt.Errorf("%w: reset balance overflow", ErrInvalidAmount)
	}
	out.Discarded = leftover - out.Carried

	a.MonthlyAllowance = plan.MonthlyAllowance
	a.LastResetAt = at.UTC()
	a.Balance = Finite(out.Baseline + out.Carried)
	return out, nil
}

// SameCycle reports whether a and b fall in the same monthly billing cycle (UTC).
func SameCycle(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.Month() == b.Month()
}

// ApplyOps folds pending operations onto acc in order. exists reports
// whether acc is a real stored account; an initialize op is only applied
// when it is not. A resulting negative balance is reported as
// ErrReconciliationConflict and acc is not modified.
func ApplyOps(acc Account, exists bool, id string, ops []PendingOp) (Account, error) {
	next := acc
	for i, op := range ops {
		switch op.Kind {
		case OpInitialize:
			if exists {
				continue
			}
			if op.Plan == nil {
				return acc, fmt.Errorf("creditledger: replay op %d: initialize without plan", i)
			}
			next = NewAccount(id, *op.Plan, op.At)
			exists = true
		case OpConsume:
			if !exists {
				return acc, fmt.Errorf("%w: op %d consumes from a missing account", ErrReconciliationConflict, i)
			}
			if err := next.Consume(op.Amount); err != nil {
				var ice *InsufficientCreditsError
				if errors.As(err, &ice) {
					return acc, fmt.Errorf("%w: op %d: %v", ErrReconciliationConflict, i, ice)
				}
				return acc, err
			}
		case OpBonus:
			if !exists {
				return acc, fmt.Errorf("%w: op %d grants to a missing account", ErrReconciliationConflict, i)
			}
			if err := next.Grant(op.Amount); err != nil {
				return acc, err
			}
		case OpReset:
			if !exists || op.Plan == nil {
				return acc, fmt.Errorf("creditledger: replay op %d: invalid reset", i)
			}
			// Already committed by a store call that timed out.
			if next.LastResetAt.Equal(op.At) {
				continue
			}
			if _, err := next.Reset(*op.Plan, op.At); err != nil {
				return acc, err
			}
		default:
			return acc, fmt.Errorf("creditledger: replay op %d: unknown kind %q", i, op.Kind)
		}
	}
	return next, nil
}

// ReconstructBalance sums transaction deltas back to, and including, the
// most recent RESET. history must be ordered most recent first. ok is false
// when no RESET is present.
func ReconstructBalance(history []Transaction) (balance int64, ok bool) {
	for _, tx := range history {
		balance += tx.Delta
		if tx.Kind == TxReset {
			return balance, true
		}
	}
	return balance, false
}
