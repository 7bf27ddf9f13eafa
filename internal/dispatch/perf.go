package dispatch

import (
	"sync"
	"time"

	"github.com/Linzell/BrokeAgent-sub001/internal/backend"
)

// Performance is a point-in-time snapshot of one backend's rolling stats.
type Performance struct {
	Backend backend.ID `json:"backend"`

	TotalRequests      uint64 `json:"total_requests"`
	SuccessfulRequests uint64 `json:"successful_requests"`
	FailedRequests     uint64 `json:"failed_requests"`

	TotalLatencyMs uint64  `json:"total_latency_ms"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	SuccessRate    float64 `json:"success_rate"`
	AvgTokens      float64 `json:"avg_tokens"`

	ConsensusWins           uint64  `json:"consensus_wins"`
	ConsensusParticipations uint64  `json:"consensus_participations"`
	ConsensusWinRate        float64 `json:"consensus_win_rate"`

	RankScore   float64   `json:"rank_score"`
	LastUpdated time.Time `json:"last_updated"`
}

type perfRecord struct {
	mu sync.Mutex

	totalRequests      uint64
	successfulRequests uint64
	failedRequests     uint64

	totalLatencyMs uint64
	avgLatencyMs   float64
	successRate    float64

	avgTokens    float64
	tokenSamples uint64

	consensusWins           uint64
	consensusParticipations uint64
	consensusWinRate        float64

	rankScore   float64
	lastUpdated time.Time
}

// PerfTracker keeps rolling per-backend statistics and a derived rank score.
// Latency and token means cover successful calls only; failed calls count
// against the success rate but contribute no latency.
type PerfTracker struct {
	mu      sync.RWMutex
	records map[backend.ID]*perfRecord

	now func() time.Time
}

func NewPerfTracker() *PerfTracker {
	return &PerfTracker{
		records: make(map[backend.ID]*perfRecord),
		now:     time.Now,
	}
}

func (pt *PerfTracker) record(id backend.ID) *perfRecord {
	pt.mu.RLock()
	r, ok := pt.records[id]
	pt.mu.RUnlock()
	if ok {
		return r
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	if r, ok := pt.records[id]; ok {
		return r
	}
	// Optimistic prior: an untried backend ranks as if it always succeeds.
	r = &perfRecord{successRate: 1.0, lastUpdated: pt.now()}
	r.recomputeRank(r.lastUpdated)
	pt.records[id] = r
	return r
}

// RecordSuccess folds a successful call into the backend's stats.
// tokens <= 0 means the response carried no usable token count.
func (pt *PerfTracker) RecordSuccess(id backend.ID, latency time.Duration, tokens int) {
	now := pt.now()
	latencyMs := latency.Milliseconds()
	if latencyMs < 0 {
		latencyMs = 0
	}

	r := pt.record(id)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalRequests++
	r.successfulRequests++
	r.totalLatencyMs += uint64(latencyMs)
	// Incremental mean: newMean = oldMean + (value - oldMean) / n
	r.avgLatencyMs += (float64(latencyMs) - r.avgLatencyMs) / float64(r.successfulRequests)
	if tokens > 0 {
		r.tokenSamples++
		r.avgTokens += (float64(tokens) - r.avgTokens) / float64(r.tokenSamples)
	}
	r.successRate = float64(r.successfulRequests) / float64(r.totalRequests)
	r.lastUpdated = now
	r.recomputeRank(now)
}

// RecordFailure folds a failed call into the backend's stats. Latency and
// token means are untouched: only successful calls contribute to them.
func (pt *PerfTracker) RecordFailure(id backend.ID) {
	now := pt.now()

	r := pt.record(id)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalRequests++
	r.failedRequests++
	r.successRate = float64(r.successfulRequests) / float64(r.totalRequests)
	r.lastUpdated = now
	r.recomputeRank(now)
}

// RecordConsensusOutcome records one consensus-round participation.
func (pt *PerfTracker) RecordConsensusOutcome(id backend.ID, won bool) {
	now := pt.now()

	r := pt.record(id)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consensusParticipations++
	if won {
		r.consensusWins++
	}
	r.consensusWinRate = float64(r.consensusWins) / float64(r.consensusParticipations)
	r.lastUpdated = now
	r.recomputeRank(now)
}

// recomputeRank derives the 0-100 composite score. Weights: success 40,
// latency 20, consensus 30, recency 10. Must be called with mu held.
func (r *perfRecord) recomputeRank(now time.Time) {
	successScore := r.successRate * 100

	latencyScore := 50.0 // neutral prior until a success lands
	if r.avgLatencyMs > 0 {
		latencyScore = 100 - r.avgLatencyMs/100
		if latencyScore < 0 {
			latencyScore = 0
		}
	}

	// Blend win rate toward neutral until enough rounds accumulate.
	consensusScore := 50.0
	if r.consensusParticipations > 0 {
		confidence := float64(r.consensusParticipations) / 10
		if confidence > 1 {
			confidence = 1
		}
		consensusScore = r.consensusWinRate*100*confidence + 50*(1-confidence)
	}

	hoursSinceUpdate := now.Sub(r.lastUpdated).Hours()
	recencyScore := 100 - hoursSinceUpdate*2
	if recencyScore < 0 {
		recencyScore = 0
	}

	r.rankScore = (successScore*40 + latencyScore*20 + consensusScore*30 + recencyScore*10) / 100
}

// Snapshot returns the backend's current stats.
func (pt *PerfTracker) Snapshot(id backend.ID) Performance {
	r := pt.record(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	// Recency decays between updates, so the score is refreshed at read time.
	r.recomputeRank(pt.now())
	return Performance{
		Backend:                 id,
		TotalRequests:           r.totalRequests,
		SuccessfulRequests:      r.successfulRequests,
		FailedRequests:          r.failedRequests,
		TotalLatencyMs:          r.totalLatencyMs,
		AvgLatencyMs:            r.avgLatencyMs,
		SuccessRate:             r.successRate,
		AvgTokens:               r.avgTokens,
		ConsensusWins:           r.consensusWins,
		ConsensusParticipations: r.consensusParticipations,
		ConsensusWinRate:        r.consensusWinRate,
		RankScore:               r.rankScore,
		LastUpdated:             r.lastUpdated,
	}
}

// SnapshotAll returns stats for every backend seen so far.
func (pt *PerfTracker) SnapshotAll() []Performance {
	pt.mu.RLock()
	ids := make([]backend.ID, 0, len(pt.records))
	for id := range pt.records {
		ids = append(ids, id)
	}
	pt.mu.RUnlock()

	out := make([]Performance, 0, len(ids))
	for _, id := range ids {
		out = append(out, pt.Snapshot(id))
	}
	return out
}

// Clear drops all accumulated statistics.
func (pt *PerfTracker) Clear() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.records = make(map[backend.ID]*perfRecord)
}
