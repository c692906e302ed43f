package meter

import "github.com/ineyio/creditledger"

// Multi fans every event out to each meter in order.
type Multi []creditledger.Meter

var _ creditledger.Meter = Multi(nil)

func (m Multi) OnConsume(e creditledger.ConsumeEvent) {
	for _, mm := range m {
		mm.OnConsume(e)
	}
}

func (m Multi) OnAdjust(e creditledger.AdjustEvent) {
	for _, mm := range m {
		mm.OnAdjust(e)
	}
}

func (m Multi) OnFallback(e creditledger.FallbackEvent) {
	for _, mm := range m {
		mm.OnFallback(e)
	}
}

func (m Multi) OnReconcile(e creditledger.ReconcileEvent) {
	for _, mm := range m {
		mm.OnReconcile(e)
	}
}
