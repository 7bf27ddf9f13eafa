package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Linzell/BrokeAgent-sub001/internal/backend"
	"github.com/Linzell/BrokeAgent-sub001/internal/dispatch"
	"github.com/Linzell/BrokeAgent-sub001/internal/telemetry"
	"github.com/Linzell/BrokeAgent-sub001/internal/types"
)

// NoConsensus is the sentinel decision when requireMajority is set and no
// choice crosses 50% agreement.
const NoConsensus = "NO_CONSENSUS"

// Config holds the per-round parameters for one consensus vote.
type Config struct {
	// Timeout bounds each backend's single attempt. A backend that overruns
	// simply abstains; it does not block the others.
	Timeout time.Duration

	// MinConfidence discards votes below this confidence (0-100).
	MinConfidence float64

	// RequireMajority overrides the decision to NO_CONSENSUS when the
	// winning choice holds no more than half the valid votes.
	RequireMajority bool
}

// Vote is one backend's parsed answer.
type Vote struct {
	Backend    backend.ID `json:"backend"`
	Choice     string     `json:"choice"`
	Confidence float64    `json:"confidence"`
	Rationale  string     `json:"rationale,omitempty"`
	LatencyMs  int64      `json:"latency_ms"`
}

// Result is the aggregate of one consensus round.
type Result struct {
	Votes          []Vote   `json:"votes"`
	Decision       string   `json:"decision"`
	Confidence     float64  `json:"confidence"`
	AgreementRatio float64  `json:"agreement_ratio"`
	Dissenting     []string `json:"dissenting,omitempty"`
}

// AuditSink receives completed consensus rounds.
type AuditSink interface {
	RecordConsensus(ctx context.Context, question, decision string, votes int, agreementRatio float64)
}

// Coordinator fans one question out to every candidate in parallel and
// computes a plurality decision. Each backend gets exactly one attempt with
// no fallback; failures and unparsable answers abstain.
type Coordinator struct {
	registry *backend.Registry
	perf     *dispatch.PerfTracker
	metrics  *telemetry.Metrics
	audit    AuditSink
}

func NewCoordinator(registry *backend.Registry, perf *dispatch.PerfTracker, metrics *telemetry.Metrics, audit AuditSink) *Coordinator {
	return &Coordinator{
		registry: registry,
		perf:     perf,
		metrics:  metrics,
		audit:    audit,
	}
}

// Vote runs one consensus round over the candidates.
func (c *Coordinator) Vote(ctx context.Context, question string, options []string, candidates []backend.ID, cfg Config) (*Result, error) {
	if len(options) == 0 {
		return nil, fmt.Errorf("consensus requires at least one option")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	req := buildBallot(question, options)

	var mu sync.Mutex
	var votes []Vote
	var wg sync.WaitGroup

	for _, id := range candidates {
		client, ok := c.registry.Get(id)
		if !ok {
			slog.Warn("consensus candidate not registered", "backend", id.String())
			continue
		}

		wg.Add(1)
		go func(id backend.ID, client backend.Client) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			resp, err := client.Invoke(callCtx, req)
			elapsed := time.Since(start)

			if err != nil {
				slog.Warn("consensus backend abstained",
					"backend", id.String(),
					"error", err.Error(),
					"duration_ms", elapsed.Milliseconds(),
				)
				c.recordVoteMetric(id, "abstain")
				return
			}

			vote, ok := parseVote(resp.Content, options)
			if !ok {
				slog.Warn("consensus vote unparsable", "backend", id.String())
				c.recordVoteMetric(id, "abstain")
				return
			}
			vote.Backend = id
			vote.LatencyMs = elapsed.Milliseconds()

			mu.Lock()
			votes = append(votes, vote)
			mu.Unlock()
		}(id, client)
	}
	wg.Wait()

	result := tally(votes, options, cfg)

	outcome := "decision"
	if result.Decision == NoConsensus {
		outcome = "no_consensus"
	}
	if c.metrics != nil {
		c.metrics.RecordConsensusRound(outcome)
	}
	if c.audit != nil {
		c.audit.RecordConsensus(ctx, question, result.Decision, len(result.Votes), result.AgreementRatio)
	}
	slog.Info("consensus round completed",
		"decision", result.Decision,
		"votes", len(result.Votes),
		"agreement_ratio", result.AgreementRatio,
		"dissenting", len(result.Dissenting),
	)
	return result, nil
}

// RecordOutcomes writes each voter's win/loss into the performance tracker.
// Under NO_CONSENSUS every participant counts as a loss.
func (c *Coordinator) RecordOutcomes(result *Result) {
	for _, v := range result.Votes {
		won := result.Decision != NoConsensus && v.Choice == result.Decision
		c.perf.RecordConsensusOutcome(v.Backend, won)
		if won {
			c.recordVoteMetric(v.Backend, "win")
		} else {
			c.recordVoteMetric(v.Backend, "loss")
		}
	}
}

func (c *Coordinator) recordVoteMetric(id backend.ID, result string) {
	if c.metrics != nil {
		c.metrics.RecordConsensusVote(id.Provider, id.Model, result)
	}
}

// buildBallot frames the question so backends answer with a structured vote.
func buildBallot(question string, options []string) *types.ModelRequest {
	var b strings.Builder
	b.WriteString(question)
	b.WriteString("\n\nChoose exactly one of the following options: ")
	b.WriteString(strings.Join(options, ", "))
	b.WriteString("\nAnswer with JSON: {\"choice\": \"<option>\", \"confidence\": <0-100>, \"rationale\": \"<one sentence>\"}")

	return &types.ModelRequest{
		Messages: []types.Message{
			{Role: "user", Content: b.String()},
		},
	}
}

type ballotAnswer struct {
	Choice     string  `json:"choice"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// parseVote extracts a vote from the raw answer. Matching preserves
// first-match order deliberately: exact (case-insensitive) against the
// options first, then containment, then a best-effort substring search over
// the raw text. Overlapping option strings resolve to whichever option comes
// first, never to a guess.
func parseVote(content string, options []string) (Vote, bool) {
	if answer, ok := extractJSON(content); ok {
		choice := strings.TrimSpace(answer.Choice)
		for _, opt := range options {
			if strings.EqualFold(choice, opt) {
				return Vote{Choice: opt, Confidence: clampConfidence(answer.Confidence), Rationale: answer.Rationale}, true
			}
		}
		lower := strings.ToLower(choice)
		for _, opt := range options {
			if strings.Contains(lower, strings.ToLower(opt)) {
				return Vote{Choice: opt, Confidence: clampConfidence(answer.Confidence), Rationale: answer.Rationale}, true
			}
		}
	}

	raw := strings.ToLower(content)
	for _, opt := range options {
		if strings.Contains(raw, strings.ToLower(opt)) {
			return Vote{Choice: opt, Confidence: 50}, true
		}
	}
	return Vote{}, false
}

// extractJSON pulls the first JSON object out of an answer that may wrap it
// in prose or a code fence.
func extractJSON(content string) (ballotAnswer, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ballotAnswer{}, false
	}
	var answer ballotAnswer
	if err := json.Unmarshal([]byte(content[start:end+1]), &answer); err != nil {
		return ballotAnswer{}, false
	}
	if answer.Choice == "" {
		return ballotAnswer{}, false
	}
	if answer.Confidence == 0 {
		answer.Confidence = 50
	}
	return answer, true
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

// tally groups votes by choice, scores each group count x meanConfidence,
// and picks the highest-scoring choice.
func tally(votes []Vote, options []string, cfg Config) *Result {
	valid := make([]Vote, 0, len(votes))
	for _, v := range votes {
		if v.Confidence >= cfg.MinConfidence {
			valid = append(valid, v)
		}
	}

	result := &Result{Votes: valid}
	if len(valid) == 0 {
		result.Decision = NoConsensus
		return result
	}

	counts := make(map[string]int)
	confSums := make(map[string]float64)
	for _, v := range valid {
		counts[v.Choice]++
		confSums[v.Choice] += v.Confidence
	}

	// Iterate options in declaration order so score ties break deterministically.
	best := ""
	bestScore := -1.0
	for _, opt := range options {
		n := counts[opt]
		if n == 0 {
			continue
		}
		mean := confSums[opt] / float64(n)
		score := float64(n) * mean
		if score > bestScore {
			best = opt
			bestScore = score
		}
	}

	result.Decision = best
	result.Confidence = confSums[best] / float64(counts[best])
	result.AgreementRatio = float64(counts[best]) / float64(len(valid))

	if cfg.RequireMajority && result.AgreementRatio <= 0.5 {
		result.Decision = NoConsensus
	}

	for _, v := range valid {
		if v.Choice != best {
			result.Dissenting = append(result.Dissenting, fmt.Sprintf("%s: %s", v.Backend, v.Choice))
		}
	}
	return result
}
