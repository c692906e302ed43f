package meter

import "github.com/ineyio/creditledger"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ creditledger.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnConsume(creditledger.ConsumeEvent)     {}
func (m *NoopMeter) OnAdjust(creditledger.AdjustEvent)       {}
func (m *NoopMeter) OnFallback(creditledger.FallbackEvent)   {}
func (m *NoopMeter) OnReconcile(creditledger.ReconcileEvent) {}
