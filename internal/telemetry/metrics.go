package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the dispatch service.
type Metrics struct {
	DispatchTotal       *prometheus.CounterVec
	AttemptTotal        *prometheus.CounterVec
	AttemptDurationMs   *prometheus.HistogramVec
	FallbackDepth       *prometheus.HistogramVec
	BreakerOpenTotal    *prometheus.CounterVec
	GraceWaitTotal      prometheus.Counter
	ConsensusRoundTotal *prometheus.CounterVec
	ConsensusVoteTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		DispatchTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_requests_total",
			Help: "Total dispatch calls by strategy and outcome.",
		}, []string{"strategy", "outcome"}),

		AttemptTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Total individual backend attempts by outcome and failure reason.",
		}, []string{"provider", "model", "outcome", "reason"}),

		AttemptDurationMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_attempt_duration_ms",
			Help:    "Backend attempt duration in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"provider", "model"}),

		FallbackDepth: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_fallback_depth",
			Help:    "Number of attempts used by successful dispatch calls.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}, []string{"strategy"}),

		BreakerOpenTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_breaker_open_total",
			Help: "Times a backend entered cooling, by failure reason.",
		}, []string{"provider", "model", "reason"}),

		GraceWaitTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_grace_wait_total",
			Help: "Times dispatch slept for the soonest-recovering backend.",
		}),

		ConsensusRoundTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_consensus_rounds_total",
			Help: "Consensus rounds by outcome (decision or no_consensus).",
		}, []string{"outcome"}),

		ConsensusVoteTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_consensus_votes_total",
			Help: "Individual consensus votes by backend and result.",
		}, []string{"provider", "model", "result"}),
	}
}

// RecordAttempt records one backend attempt. reason is empty on success.
func (m *Metrics) RecordAttempt(provider, model, outcome, reason string, durationMs float64) {
	if reason == "" {
		reason = "none"
	}
	m.AttemptTotal.WithLabelValues(provider, model, outcome, reason).Inc()
	m.AttemptDurationMs.WithLabelValues(provider, model).Observe(durationMs)
}

// RecordDispatch records the aggregate outcome of a dispatch call.
func (m *Metrics) RecordDispatch(strategy, outcome string, attempts int) {
	m.DispatchTotal.WithLabelValues(strategy, outcome).Inc()
	if outcome == "success" {
		m.FallbackDepth.WithLabelValues(strategy).Observe(float64(attempts))
	}
}

// RecordBreakerOpen records a backend entering cooling.
func (m *Metrics) RecordBreakerOpen(provider, model, reason string) {
	m.BreakerOpenTotal.WithLabelValues(provider, model, reason).Inc()
}

// RecordConsensusRound records a completed consensus round.
func (m *Metrics) RecordConsensusRound(outcome string) {
	m.ConsensusRoundTotal.WithLabelValues(outcome).Inc()
}

// RecordConsensusVote records one backend's vote result: win, loss, or abstain.
func (m *Metrics) RecordConsensusVote(provider, model, result string) {
	m.ConsensusVoteTotal.WithLabelValues(provider, model, result).Inc()
}
