package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics exposes Prometheus collectors for the capture-to-settlement
// pipeline: uploads, reward settlements, referral settlements, and ledger
// round trips.
type PipelineMetrics struct {
	uploads       *prometheus.CounterVec
	rewards       *prometheus.CounterVec
	referrals     *prometheus.CounterVec
	ledgerLatency *prometheus.HistogramVec
	capRemaining  *prometheus.GaugeVec
}

var (
	pipelineOnce     sync.Once
	pipelineRegistry *PipelineMetrics
)

// Pipeline returns the lazily initialised pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	pipelineOnce.Do(func() {
		pipelineRegistry = &PipelineMetrics{
			uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "senscast",
				Subsystem: "pipeline",
				Name:      "uploads_total",
				Help:      "Count of recording uploads segmented by outcome.",
			}, []string{"outcome"}),
			rewards: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "senscast",
				Subsystem: "pipeline",
				Name:      "rewards_total",
				Help:      "Count of recording reward settlements segmented by reason.",
			}, []string{"reason"}),
			referrals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "senscast",
				Subsystem: "pipeline",
				Name:      "referral_settlements_total",
				Help:      "Count of referral settlement attempts segmented by reason.",
			}, []string{"reason"}),
			ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "senscast",
				Subsystem: "ledger",
				Name:      "call_seconds",
				Help:      "Latency of ledger settlement calls.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			}, []string{"method"}),
			capRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "senscast",
				Subsystem: "pipeline",
				Name:      "referral_cap_remaining",
				Help:      "Remaining daily referral allowance per referrer observed at last settlement.",
			}, []string{"referrer"}),
		}
		prometheus.MustRegister(
			pipelineRegistry.uploads,
			pipelineRegistry.rewards,
			pipelineRegistry.referrals,
			pipelineRegistry.ledgerLatency,
			pipelineRegistry.capRemaining,
		)
	})
	return pipelineRegistry
}

// RecordUpload increments the upload counter for the supplied outcome.
func (m *PipelineMetrics) RecordUpload(outcome string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// RecordReward increments the reward settlement counter for the reason code.
func (m *PipelineMetrics) RecordReward(reason string) {
	if m == nil {
		return
	}
	m.rewards.WithLabelValues(normalizeLabel(reason)).Inc()
}

// RecordReferral increments the referral settlement counter for the reason code.
func (m *PipelineMetrics) RecordReferral(reason string) {
	if m == nil {
		return
	}
	m.referrals.WithLabelValues(normalizeLabel(reason)).Inc()
}

// ObserveLedgerCall records the latency of a ledger round trip.
func (m *PipelineMetrics) ObserveLedgerCall(method string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ledgerLatency.WithLabelValues(normalizeLabel(method)).Observe(elapsed.Seconds())
}

// RecordCapRemaining publishes the remaining daily referral allowance.
func (m *PipelineMetrics) RecordCapRemaining(referrer string, remaining int64) {
	if m == nil {
		return
	}
	m.capRemaining.WithLabelValues(strings.ToLower(strings.TrimSpace(referrer))).Set(float64(remaining))
}

func normalizeLabel(v string) string {
	normalized := strings.ToLower(strings.TrimSpace(v))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
