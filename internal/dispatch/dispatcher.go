package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/Linzell/BrokeAgent-sub001/internal/backend"
	"github.com/Linzell/BrokeAgent-sub001/internal/config"
	"github.com/Linzell/BrokeAgent-sub001/internal/telemetry"
	"github.com/Linzell/BrokeAgent-sub001/internal/types"
)

// Config holds the per-call parameters for one dispatch.
type Config struct {
	Candidates []backend.ID
	Strategy   Strategy

	// Timeout bounds each individual attempt, not the whole fallback chain.
	// Callers wanting a bound on total latency should wrap Dispatch in an
	// outer context deadline.
	Timeout time.Duration

	// Overrides for breaker escalation; zero values use the tracker defaults.
	MaxConsecutiveFailures int
	ExtendedCooldown       time.Duration

	// ShapeRequests is forwarded to backend clients that apply
	// provider-specific request shaping. The dispatcher itself ignores it.
	ShapeRequests bool
}

// Result is the outcome of a successful dispatch.
type Result struct {
	Response     *types.ModelResponse `json:"response"`
	Backend      backend.ID           `json:"backend"`
	LatencyMs    int64                `json:"latency_ms"`
	Attempts     int                  `json:"attempts"`
	UsedFallback bool                 `json:"used_fallback"`

	// FailedAttempts is populated even on success so callers can see which
	// backends were skipped over.
	FailedAttempts []AttemptFailure `json:"failed_attempts,omitempty"`
}

// AdmissionPolicy decides whether a backend may serve a request at all,
// before health-based selection. Implemented by the OPA evaluator.
type AdmissionPolicy interface {
	Admit(ctx context.Context, id backend.ID, strategy string) (allowed bool, reason string, err error)
}

// AuditEvent describes one completed dispatch call for the audit sink.
type AuditEvent struct {
	RequestID string
	Strategy  string
	Backend   *backend.ID
	Outcome   string
	Reason    string
	LatencyMs int64
	Attempts  int
}

// AuditSink receives dispatch outcomes. Implementations must not block the
// dispatch path.
type AuditSink interface {
	RecordDispatch(ctx context.Context, event AuditEvent)
}

// Options carries the optional collaborators of a Dispatcher; any field may
// be zero.
type Options struct {
	Pacer          *Pacer
	Pacing         config.PacingConfig
	Policy         AdmissionPolicy
	Audit          AuditSink
	Metrics        *telemetry.Metrics
	GraceWait      time.Duration
	DefaultTimeout time.Duration
}

// Dispatcher executes a logical request against ranked candidate backends,
// falling back in order until one succeeds or all are exhausted, and writes
// every outcome back into the health and performance trackers.
type Dispatcher struct {
	registry *backend.Registry
	health   *HealthTracker
	perf     *PerfTracker
	selector *Selector

	pacer          *Pacer
	pacing         config.PacingConfig
	policy         AdmissionPolicy
	audit          AuditSink
	metrics        *telemetry.Metrics
	graceWait      time.Duration
	defaultTimeout time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(registry *backend.Registry, health *HealthTracker, perf *PerfTracker, selector *Selector, opts Options) *Dispatcher {
	graceWait := opts.GraceWait
	if graceWait <= 0 {
		graceWait = 10 * time.Second
	}
	defaultTimeout := opts.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Dispatcher{
		registry:       registry,
		health:         health,
		perf:           perf,
		selector:       selector,
		pacer:          opts.Pacer,
		pacing:         opts.Pacing,
		policy:         opts.Policy,
		audit:          opts.Audit,
		metrics:        opts.Metrics,
		graceWait:      graceWait,
		defaultTimeout: defaultTimeout,
		now:            time.Now,
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Health exposes the tracker for the ops surface.
func (d *Dispatcher) Health() *HealthTracker { return d.health }

// Performance exposes the tracker for the ops surface.
func (d *Dispatcher) Performance() *PerfTracker { return d.perf }

// Dispatch tries the ranked candidates in order until one succeeds.
// Bookkeeping is applied exactly once per attempted backend, and no backend
// is attempted twice within one call.
func (d *Dispatcher) Dispatch(ctx context.Context, req *types.ModelRequest, cfg Config) (*Result, error) {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyBalanced
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	candidates := d.admit(ctx, req.RequestID, cfg.Candidates, strategy)
	if len(candidates) == 0 {
		err := &AllBackendsUnavailableError{Candidates: d.snapshots(cfg.Candidates)}
		d.finish(ctx, req.RequestID, strategy, nil, "all_unavailable", "policy_denied", 0, 0)
		return nil, err
	}

	ranked := d.selector.Rank(candidates, strategy)
	if len(ranked) == 0 {
		ranked = d.graceRetry(ctx, candidates, strategy)
	}
	if len(ranked) == 0 {
		snapshots := d.snapshots(candidates)
		reason := soonestReason(snapshots)
		d.finish(ctx, req.RequestID, strategy, nil, "all_unavailable", string(reason), 0, 0)
		return nil, &AllBackendsUnavailableError{Candidates: snapshots}
	}

	var failed []AttemptFailure
	attempts := 0

	for _, id := range ranked {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		client, ok := d.registry.Get(id)
		if !ok {
			failed = append(failed, AttemptFailure{Backend: id, Reason: ReasonUnknown, Message: "backend not registered"})
			continue
		}

		if !d.allowPace(ctx, id) {
			slog.Debug("backend skipped by pacer", "backend", id.String(), "request_id", req.RequestID)
			failed = append(failed, AttemptFailure{Backend: id, Reason: ReasonRateLimited, Message: "client-side pacing limit reached"})
			continue
		}

		attempts++
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := client.Invoke(attemptCtx, req)
		cancel()
		elapsed := time.Since(start)

		if err != nil {
			reason, cooldown := d.health.RecordFailureWith(id, err, cfg.MaxConsecutiveFailures, cfg.ExtendedCooldown)
			d.perf.RecordFailure(id)
			if d.metrics != nil {
				d.metrics.RecordAttempt(id.Provider, id.Model, "failure", string(reason), float64(elapsed.Milliseconds()))
				d.metrics.RecordBreakerOpen(id.Provider, id.Model, string(reason))
			}
			slog.Warn("backend attempt failed",
				"request_id", req.RequestID,
				"backend", id.String(),
				"reason", string(reason),
				"cooldown", cooldown.String(),
				"error", err.Error(),
				"duration_ms", elapsed.Milliseconds(),
			)
			failed = append(failed, AttemptFailure{Backend: id, Reason: reason, Message: err.Error()})
			continue
		}

		d.perf.RecordSuccess(id, elapsed, resp.Usage.TotalTokens)
		d.health.RecordSuccess(id)
		if d.metrics != nil {
			d.metrics.RecordAttempt(id.Provider, id.Model, "success", "", float64(elapsed.Milliseconds()))
		}

		res := &Result{
			Response:       resp,
			Backend:        id,
			LatencyMs:      elapsed.Milliseconds(),
			Attempts:       attempts,
			UsedFallback:   attempts > 1,
			FailedAttempts: failed,
		}
		slog.Info("dispatch completed",
			"request_id", req.RequestID,
			"backend", id.String(),
			"strategy", string(strategy),
			"attempts", attempts,
			"used_fallback", res.UsedFallback,
			"duration_ms", res.LatencyMs,
			"total_tokens", resp.Usage.TotalTokens,
		)
		d.finish(ctx, req.RequestID, strategy, &id, "success", "", res.LatencyMs, attempts)
		return res, nil
	}

	reason := ReasonUnknown
	if len(failed) > 0 {
		reason = failed[len(failed)-1].Reason
	}
	d.finish(ctx, req.RequestID, strategy, nil, "all_failed", string(reason), 0, attempts)
	return nil, &AllBackendsFailedError{Attempts: failed}
}

// admit filters candidates through the admission policy. A policy error or
// denial removes the backend from this call only; it is not a health event.
func (d *Dispatcher) admit(ctx context.Context, requestID string, candidates []backend.ID, strategy Strategy) []backend.ID {
	if d.policy == nil {
		return candidates
	}
	admitted := make([]backend.ID, 0, len(candidates))
	for _, id := range candidates {
		allowed, reason, err := d.policy.Admit(ctx, id, string(strategy))
		if err != nil {
			slog.Error("admission policy error", "backend", id.String(), "error", err)
			continue
		}
		if !allowed {
			slog.Info("backend denied by policy", "request_id", requestID, "backend", id.String(), "reason", reason)
			continue
		}
		admitted = append(admitted, id)
	}
	return admitted
}

// graceRetry waits for the soonest-recovering candidate, but only when the
// wait is short, then re-ranks exactly once.
func (d *Dispatcher) graceRetry(ctx context.Context, candidates []backend.ID, strategy Strategy) []backend.ID {
	var soonest time.Time
	for _, h := range d.snapshots(candidates) {
		if h.UnavailableUntil == nil {
			continue
		}
		if soonest.IsZero() || h.UnavailableUntil.Before(soonest) {
			soonest = *h.UnavailableUntil
		}
	}
	if soonest.IsZero() {
		return nil
	}

	wait := soonest.Sub(d.now())
	if wait > d.graceWait {
		return nil
	}
	if wait > 0 {
		slog.Info("all backends cooling, waiting for soonest recovery", "wait", wait.String())
		if d.metrics != nil {
			d.metrics.GraceWaitTotal.Inc()
		}
		if err := d.sleep(ctx, wait); err != nil {
			return nil
		}
	}
	return d.selector.Rank(candidates, strategy)
}

func (d *Dispatcher) allowPace(ctx context.Context, id backend.ID) bool {
	if d.pacer == nil || !d.pacing.Enabled {
		return true
	}
	limit := d.pacing.DefaultRPM
	if spec, ok := d.registry.Spec(id); ok && spec.RPMLimit > 0 {
		limit = spec.RPMLimit
	}
	window := d.pacing.Window
	if window <= 0 {
		window = time.Minute
	}
	return d.pacer.Allow(ctx, id, limit, window)
}

func (d *Dispatcher) snapshots(candidates []backend.ID) []Health {
	out := make([]Health, 0, len(candidates))
	for _, id := range candidates {
		out = append(out, d.health.Snapshot(id))
	}
	return out
}

func (d *Dispatcher) finish(ctx context.Context, requestID string, strategy Strategy, id *backend.ID, outcome, reason string, latencyMs int64, attempts int) {
	if d.metrics != nil {
		d.metrics.RecordDispatch(string(strategy), outcome, attempts)
	}
	if d.audit != nil {
		d.audit.RecordDispatch(ctx, AuditEvent{
			RequestID: requestID,
			Strategy:  string(strategy),
			Backend:   id,
			Outcome:   outcome,
			Reason:    reason,
			LatencyMs: latencyMs,
			Attempts:  attempts,
		})
	}
}

func soonestReason(snapshots []Health) Reason {
	var soonest time.Time
	reason := ReasonUnknown
	for _, h := range snapshots {
		if h.UnavailableUntil == nil {
			continue
		}
		if soonest.IsZero() || h.UnavailableUntil.Before(soonest) {
			soonest = *h.UnavailableUntil
			reason = h.UnavailableReason
		}
	}
	return reason
}
