package meter

import (
	"log/slog"

	"github.com/ineyio/creditledger"
)

// LogMeter logs ledger events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ creditledger.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnConsume(e creditledger.ConsumeEvent) {
	if e.Success {
		m.Logger.Info("consume",
			"account", e.AccountID,
			"operation", e.Operation,
			"cost", e.Cost,
			"remaining", e.Remaining.String(),
			"source", e.Source,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Warn("consume_rejected",
			"account", e.AccountID,
			"operation", e.Operation,
			"cost", e.Cost,
			"source", e.Source,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnAdjust(e creditledger.AdjustEvent) {
	m.Logger.Info("adjust",
		"account", e.AccountID,
		"kind", e.Kind,
		"delta", e.Delta,
		"balance", e.Balance.String(),
		"source", e.Source,
	)
}

func (m *LogMeter) OnFallback(e creditledger.FallbackEvent) {
	m.Logger.Warn("fallback",
		"op", e.Op,
		"account", e.AccountID,
		"cause", e.Cause,
	)
}

func (m *LogMeter) OnReconcile(e creditledger.ReconcileEvent) {
	if e.State == creditledger.StateConflict || e.Error != nil {
		m.Logger.Error("reconcile",
			"account", e.AccountID,
			"state", e.State,
			"ops", e.Ops,
			"error", e.Error,
		)
		return
	}
	m.Logger.Info("reconcile",
		"account", e.AccountID,
		"state", e.State,
		"ops", e.Ops,
		"duration_ms", e.Duration.Milliseconds(),
	)
}
