package dispatch

import (
	"sort"

	"github.com/Linzell/BrokeAgent-sub001/internal/backend"
)

// Strategy selects how available candidates are ordered.
type Strategy string

const (
	StrategyPerformance Strategy = "performance"
	StrategyLatency     Strategy = "latency"
	StrategyCost        Strategy = "cost"
	StrategyBalanced    Strategy = "balanced"
)

// ParseStrategy maps a config/request string to a Strategy, defaulting to
// balanced.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyPerformance, StrategyLatency, StrategyCost, StrategyBalanced:
		return Strategy(s)
	default:
		return StrategyBalanced
	}
}

// Cost-strategy preference constants: local backends are free, hosted ones
// are metered.
const (
	costScoreLocal  = 100.0
	costScoreHosted = 10.0
)

// Selector orders candidate backends best-first among those whose breaker
// currently allows traffic. It returns IDs only; the dispatcher re-reads
// tracker state at call time.
type Selector struct {
	health *HealthTracker
	perf   *PerfTracker
	kindOf func(backend.ID) backend.Kind
}

// NewSelector creates a selector. kindOf resolves a backend's kind for the
// cost strategy; nil treats every backend as hosted.
func NewSelector(health *HealthTracker, perf *PerfTracker, kindOf func(backend.ID) backend.Kind) *Selector {
	if kindOf == nil {
		kindOf = func(backend.ID) backend.Kind { return backend.KindHosted }
	}
	return &Selector{health: health, perf: perf, kindOf: kindOf}
}

// Rank filters candidates down to the currently available ones and orders
// them descending by the strategy's sort score. The sort is stable, so
// equal-scoring candidates keep their input order.
func (s *Selector) Rank(candidates []backend.ID, strategy Strategy) []backend.ID {
	type scored struct {
		id    backend.ID
		score float64
	}

	available := make([]scored, 0, len(candidates))
	for _, id := range candidates {
		if !s.health.IsAvailable(id) {
			continue
		}
		available = append(available, scored{id: id, score: s.sortScore(id, strategy)})
	}

	sort.SliceStable(available, func(i, j int) bool {
		return available[i].score > available[j].score
	})

	out := make([]backend.ID, len(available))
	for i, c := range available {
		out[i] = c.id
	}
	return out
}

func (s *Selector) sortScore(id backend.ID, strategy Strategy) float64 {
	perf := s.perf.Snapshot(id)
	switch strategy {
	case StrategyPerformance:
		return perf.SuccessRate * 100
	case StrategyLatency:
		if perf.AvgLatencyMs > 0 {
			return 10000 / perf.AvgLatencyMs
		}
		return 50
	case StrategyCost:
		if s.kindOf(id) == backend.KindLocal {
			return costScoreLocal
		}
		return costScoreHosted
	default:
		return perf.RankScore
	}
}
