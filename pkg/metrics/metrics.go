// Package metrics exposes engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/perp/pkg/perp"
)

// PerpMetrics implements perp.EventSink: every engine event increments the
// matching counter, so the engine stays free of any metrics dependency.
type PerpMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	marketsCreated      prometheus.Counter
	positionsOpened     *prometheus.CounterVec
	positionsClosed     *prometheus.CounterVec
	marginAdditions     prometheus.Counter
	liquidations        prometheus.Counter
	badDebtEvents       prometheus.Counter
	insuranceDraws      prometheus.Counter
	deferredSettlements prometheus.Counter
	indeterminate       prometheus.Counter

	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewPerpMetrics creates a metrics sink with its own registry.
func NewPerpMetrics(namespace string) (*PerpMetrics, error) {
	logger := log.Root().New("module", "metrics")
	registry := prometheus.NewRegistry()

	m := &PerpMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		marketsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "markets_created_total",
			Help:      "Total number of markets created",
		}),

		positionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_opened_total",
			Help:      "Total positions opened by kind",
		}, []string{"kind"}),

		positionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_closed_total",
			Help:      "Total positions closed by reason",
		}, []string{"reason"}),

		marginAdditions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "margin_additions_total",
			Help:      "Total margin top-ups",
		}),

		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total forced closes",
		}),

		badDebtEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bad_debt_socializations_total",
			Help:      "Total bad-debt socialization events",
		}),

		insuranceDraws: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insurance_draws_total",
			Help:      "Total insurance fund draws",
		}),

		deferredSettlements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_settlements_total",
			Help:      "Close payouts custody refused, held as market liabilities",
		}),

		indeterminate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_indeterminate_total",
			Help:      "Open positions the venue could not quote",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.marketsCreated,
		m.positionsOpened,
		m.positionsClosed,
		m.marginAdditions,
		m.liquidations,
		m.badDebtEvents,
		m.insuranceDraws,
		m.deferredSettlements,
		m.indeterminate,
		m.memoryUsage,
		m.goroutines,
	)

	return m, nil
}

// Publish implements perp.EventSink.
func (m *PerpMetrics) Publish(ev perp.Event) {
	switch e := ev.(type) {
	case perp.MarketCreated:
		m.marketsCreated.Inc()
	case perp.PositionOpened:
		kind := "long"
		if e.Maker {
			kind = "maker"
		} else if !e.Long {
			kind = "short"
		}
		m.positionsOpened.WithLabelValues(kind).Inc()
	case perp.MarginAdded:
		m.marginAdditions.Inc()
	case perp.PositionClosed:
		if e.Liquidation {
			m.liquidations.Inc()
			m.positionsClosed.WithLabelValues("liquidation").Inc()
		} else {
			m.positionsClosed.WithLabelValues("voluntary").Inc()
		}
	case perp.BadDebtSocialized:
		m.badDebtEvents.Inc()
	case perp.InsuranceDrawn:
		m.insuranceDraws.Inc()
	case perp.SettlementDeferred:
		m.deferredSettlements.Inc()
	case perp.QuoteIndeterminateEvent:
		m.indeterminate.Inc()
	}
}

// Registry exposes the underlying registry for tests.
func (m *PerpMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// StartServer serves the /metrics endpoint.
func (m *PerpMetrics) StartServer(port string) error {
	m.logger.Info("Starting Prometheus metrics server", "port", port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(":"+port, mux); err != nil {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()
	return nil
}

// CollectSystemMetrics samples runtime stats until ctx is cancelled.
func (m *PerpMetrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
