package meter

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/creditledger"
)

// PromMeter exports ledger events as Prometheus metrics.
type PromMeter struct {
	ConsumeTotal      *prometheus.CounterVec
	ConsumeDuration   *prometheus.HistogramVec
	CreditsConsumed   *prometheus.CounterVec
	AdjustTotal       *prometheus.CounterVec
	FallbackTotal     *prometheus.CounterVec
	ReconcileTotal    *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
}

var _ creditledger.Meter = (*PromMeter)(nil)

// NewPromMeter creates and registers the ledger metrics on reg.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	m := &PromMeter{
		ConsumeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditledger_consume_total",
				Help: "Total number of consume attempts by outcome",
			},
			[]string{"operation", "source", "result"},
		),
		ConsumeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creditledger_consume_duration_seconds",
				Help:    "Consume latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		CreditsConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditledger_credits_consumed_total",
				Help: "Total credits debited",
			},
			[]string{"operation"},
		),
		AdjustTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditledger_adjust_total",
				Help: "Total number of bonus grants and resets",
			},
			[]string{"kind", "source"},
		),
		FallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditledger_fallback_total",
				Help: "Operations served by the fallback cache",
			},
			[]string{"op"},
		),
		ReconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditledger_reconcile_total",
				Help: "Reconciled accounts by resulting state",
			},
			[]string{"state"},
		),
		ReconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "creditledger_reconcile_duration_seconds",
				Help:    "Per-account reconciliation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	reg.MustRegister(
		m.ConsumeTotal,
		m.ConsumeDuration,
		m.CreditsConsumed,
		m.AdjustTotal,
		m.FallbackTotal,
		m.ReconcileTotal,
		m.ReconcileDuration,
	)
	return m
}

func (m *PromMeter) OnConsume(e creditledger.ConsumeEvent) {
	m.ConsumeTotal.WithLabelValues(e.Operation, string(e.Source), consumeResult(e)).Inc()
	m.ConsumeDuration.WithLabelValues(string(e.Source)).Observe(e.Duration.Seconds())
	if e.Success {
		m.CreditsConsumed.WithLabelValues(e.Operation).Add(float64(e.Cost))
	}
}

func (m *PromMeter) OnAdjust(e creditledger.AdjustEvent) {
	m.AdjustTotal.WithLabelValues(string(e.Kind), string(e.Source)).Inc()
}

func (m *PromMeter) OnFallback(e creditledger.FallbackEvent) {
	m.FallbackTotal.WithLabelValues(e.Op).Inc()
}

func (m *PromMeter) OnReconcile(e creditledger.ReconcileEvent) {
	m.ReconcileTotal.WithLabelValues(string(e.State)).Inc()
	m.ReconcileDuration.Observe(e.Duration.Seconds())
}

func consumeResult(e creditledger.ConsumeEvent) string {
	switch {
	case e.Success:
		return "ok"
	case errors.Is(e.Error, creditledger.ErrInsufficientCredits):
		return "insufficient"
	case errors.Is(e.Error, creditledger.ErrDuplicateRequest):
		return "duplicate"
	default:
		return "error"
	}
}
