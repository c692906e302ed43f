package creditledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const unlimitedLiteral = "unlimited"

// Credits is either a finite non-negative amount or unlimited.
// The zero value is Finite(0).
type Credits struct {
	n         int64
	unlimited bool
}

// Finite returns a finite credit amount.
func Finite(n int64) Credits { return Credits{n: n} }

// Unlimited returns the unlimited credit value.
func Unlimited() Credits { return Credits{unlimited: true} }

// IsUnlimited reports whether c is unlimited.
func (c Credits) IsUnlimited() bool { return c.unlimited }

// Value returns the finite amount. It is 0 for unlimited credits.
func (c Credits) Value() int64 {
	if c.unlimited {
		return 0
	}
	return c.n
}

func (c Credits) String() string {
	if c.unlimited {
		return unlimitedLiteral
	}
	return strconv.FormatInt(c.n, 10)
}

func (c Credits) MarshalJSON() ([]byte, error) {
	if c.unlimited {
		return json.Marshal(unlimitedLiteral)
	}
	return json.Marshal(c.n)
}

func (c *Credits) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return c.parse(s)
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("creditledger: credits: %w", err)
	}
	*c = Finite(n)
	return nil
}

func (c Credits) MarshalYAML() (any, error) {
	if c.unlimited {
		return unlimitedLiteral, nil
	}
	return c.n, nil
}

func (c *Credits) UnmarshalYAML(node *yaml.Node) error {
	return c.parse(node.Value)
}

func (c *Credits) parse(s string) error {
	if s == unlimitedLiteral {
		*c = Unlimited()
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("creditledger: credits: invalid value %q", s)
	}
	*c = Finite(n)
	return nil
}

// Plan defines the entitlement parameters of a tier.
type Plan struct {
	Tier             string  `yaml:"tier" json:"tier"`
	MonthlyAllowance Credits `yaml:"monthly_allowance" json:"monthly_allowance"`
	RolloverEnabled  bool    `yaml:"rollover_enabled" json:"rollover_enabled"`
	RolloverCap      int64   `yaml:"rollover_cap" json:"rollover_cap"`
	SignupBonus      int64   `yaml:"signup_bonus" json:"signup_bonus"`
}

// Account is the ledger record of a single account.
type Account struct {
	ID               string    `json:"id"`
	Tier             string    `json:"tier"`
	Balance          Credits   `json:"balance"`
	MonthlyAllowance Credits   `json:"monthly_allowance"`
	BonusBalance     int64     `json:"bonus_balance"`
	ConsumedLifetime int64     `json:"consumed_lifetime"`
	LastResetAt      time.Time `json:"last_reset_at"`
	Version          int64     `json:"version"`
}

// TxKind classifies a transaction record.
type TxKind string

const (
	TxConsume  TxKind = "CONSUME"
	TxBonus    TxKind = "BONUS"
	TxRollover TxKind = "ROLLOVER"
	TxReset    TxKind = "RESET"
)

// Source identifies which ledger served an operation.
type Source string

const (
	SourceStore    Source = "store"
	SourceFallback Source = "fallback"
)

// Transaction is an immutable balance-changing event.
type Transaction struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	Kind           TxKind    `json:"kind"`
	Delta          int64     `json:"delta"`
	Reason         string    `json:"reason"`
	Source         Source    `json:"source"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// SyncState is the reconciliation state of an account's fallback replica.
type SyncState string

const (
	StateSynced      SyncState = "synced"
	StateDiverged    SyncState = "diverged"
	StateReconciling SyncState = "reconciling"
	StateConflict    SyncState = "conflict"
)

// OpKind is the kind of a mutation recorded by the fallback cache.
type OpKind string

const (
	OpInitialize OpKind = "initialize"
	OpConsume    OpKind = "consume"
	OpBonus      OpKind = "bonus"
	OpReset      OpKind = "reset"
)

// PendingOp is a mutation applied to the fallback cache while the
// ledger store was unavailable.
type PendingOp struct {
	Kind           OpKind    `json:"kind"`
	Amount         int64     `json:"amount,omitempty"`
	Plan           *Plan     `json:"plan,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	At             time.Time `json:"at"`
}

// ConsumeResult is the outcome of a successful CheckAndConsume.
type ConsumeResult struct {
	AccountID     string  `json:"account_id"`
	Operation     string  `json:"operation"`
	Cost          int64   `json:"cost"`
	Remaining     Credits `json:"remaining"`
	Source        Source  `json:"source,omitempty"`
	Free          bool    `json:"free,omitempty"` // cost was zero, nothing was loaded or written
	TransactionID string  `json:"transaction_id,omitempty"`
}

// Balance is the externally visible view of an account.
type Balance struct {
	AccountID        string    `json:"account_id"`
	Tier             string    `json:"tier"`
	Balance          Credits   `json:"balance"`
	MonthlyAllowance Credits   `json:"monthly_allowance"`
	BonusBalance     int64     `json:"bonus_balance"`
	ConsumedLifetime int64     `json:"consumed_lifetime"`
	LastResetAt      time.Time `json:"last_reset_at"`
	Source           Source    `json:"source"`
	SyncState        SyncState `json:"sync_state"`
}
