package consensus

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"

	"github.com/hybridchain/hybridchain/types"

	prometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "consensus"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Height of the best chain.
	Height metrics.Gauge
	// Height of the canonical irreversible point.
	IrreversibleHeight metrics.Gauge
	// Number of validators governing the next block.
	Validators metrics.Gauge
	// Number of times the best chain switched branch.
	Reorgs metrics.Counter
	// Number of rejected blocks, by reason.
	RejectedBlocks metrics.Counter
	// Number of blocks this node produced.
	ProducedBlocks metrics.Counter
	// Number of tip states rebuilt because they were not cached.
	TipCacheMisses metrics.Counter
	// Current BFT view.
	View metrics.Gauge
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Height: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "height",
			Help:      "Height of the best chain.",
		}, labels).With(labelsAndValues...),
		IrreversibleHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "irreversible_height",
			Help:      "Height of the canonical irreversible point.",
		}, labels).With(labelsAndValues...),
		Validators: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "validators",
			Help:      "Number of validators governing the next block.",
		}, labels).With(labelsAndValues...),
		Reorgs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reorgs",
			Help:      "Number of times the best chain switched branch.",
		}, labels).With(labelsAndValues...),
		RejectedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rejected_blocks",
			Help:      "Number of rejected blocks, by reason.",
		}, append(labels, "reason")).With(labelsAndValues...),
		ProducedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "produced_blocks",
			Help:      "Number of blocks this node produced.",
		}, labels).With(labelsAndValues...),
		TipCacheMisses: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tip_cache_misses",
			Help:      "Number of tip states rebuilt because they were not cached.",
		}, labels).With(labelsAndValues...),
		View: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "view",
			Help:      "Current BFT view.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Height:             discard.NewGauge(),
		IrreversibleHeight: discard.NewGauge(),
		Validators:         discard.NewGauge(),
		Reorgs:             discard.NewCounter(),
		RejectedBlocks:     discard.NewCounter(),
		ProducedBlocks:     discard.NewCounter(),
		TipCacheMisses:     discard.NewCounter(),
		View:               discard.NewGauge(),
	}
}

// MarkRejected counts a rejected block under its reason code.
func (m *Metrics) MarkRejected(code types.ReasonCode) {
	m.RejectedBlocks.With("reason", code.String()).Add(1)
}
