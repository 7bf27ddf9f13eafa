package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Linzell/BrokeAgent-sub001/internal/backend"
	"github.com/Linzell/BrokeAgent-sub001/internal/config"
	"github.com/Linzell/BrokeAgent-sub001/internal/types"
)

type fakeClient struct {
	id     backend.ID
	invoke func(ctx context.Context, req *types.ModelRequest) (*types.ModelResponse, error)
	calls  int
}

func (c *fakeClient) ID() backend.ID { return c.id }

func (c *fakeClient) Invoke(ctx context.Context, req *types.ModelRequest) (*types.ModelResponse, error) {
	c.calls++
	return c.invoke(ctx, req)
}

func succeeding(provider, model string) *fakeClient {
	id := backend.ID{Provider: provider, Model: model}
	return &fakeClient{
		id: id,
		invoke: func(ctx context.Context, req *types.ModelRequest) (*types.ModelResponse, error) {
			return &types.ModelResponse{
				RequestID: req.RequestID,
				Content:   "ok",
				Model:     model,
				Provider:  provider,
				Usage:     types.Usage{TotalTokens: 42},
			}, nil
		},
	}
}

func failing(provider, model, errText string) *fakeClient {
	return &fakeClient{
		id: backend.ID{Provider: provider, Model: model},
		invoke: func(ctx context.Context, req *types.ModelRequest) (*types.ModelResponse, error) {
			return nil, errors.New(errText)
		},
	}
}

type testDispatcher struct {
	d        *Dispatcher
	clock    *fakeClock
	health   *HealthTracker
	perf     *PerfTracker
	registry *backend.Registry
	slept    []time.Duration
}

func newTestDispatcher(opts Options, clients ...*fakeClient) *testDispatcher {
	clock := newFakeClock()
	registry := backend.NewRegistry()
	for _, c := range clients {
		registry.Register(c, config.BackendConfig{Provider: c.id.Provider, Model: c.id.Model})
	}

	health := newTestTracker(clock)
	perf := newTestPerfTracker(clock)
	selector := NewSelector(health, perf, registry.Kind)

	td := &testDispatcher{clock: clock, health: health, perf: perf, registry: registry}
	td.d = NewDispatcher(registry, health, perf, selector, opts)
	td.d.now = clock.Now
	td.d.sleep = func(ctx context.Context, d time.Duration) error {
		td.slept = append(td.slept, d)
		clock.Advance(d)
		return nil
	}
	return td
}

func ids(clients ...*fakeClient) []backend.ID {
	out := make([]backend.ID, len(clients))
	for i, c := range clients {
		out[i] = c.id
	}
	return out
}

func testRequest() *types.ModelRequest {
	return &types.ModelRequest{
		RequestID: "req_test",
		Messages:  []types.Message{{Role: "user", Content: "hello"}},
	}
}

func TestDispatchFirstBackendSucceeds(t *testing.T) {
	primary := succeeding("openai", "gpt-4o")
	secondary := succeeding("anthropic", "claude-sonnet-4-5")
	td := newTestDispatcher(Options{}, primary, secondary)

	res, err := td.d.Dispatch(context.Background(), testRequest(), Config{
		Candidates: ids(primary, secondary),
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Backend != primary.id {
		t.Errorf("Backend = %s, want %s", res.Backend, primary.id)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if res.UsedFallback {
		t.Error("UsedFallback = true, want false")
	}
	if secondary.calls != 0 {
		t.Errorf("secondary.calls = %d, want 0", secondary.calls)
	}
	if res.Response.Content != "ok" {
		t.Errorf("Content = %q, want ok", res.Response.Content)
	}
}

func TestDispatchFallsBackInOrder(t *testing.T) {
	primary := failing("openai", "gpt-4o", "HTTP 429 rate limit")
	secondary := succeeding("anthropic", "claude-sonnet-4-5")
	td := newTestDispatcher(Options{}, primary, secondary)

	res, err := td.d.Dispatch(context.Background(), testRequest(), Config{
		Candidates: ids(primary, secondary),
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Backend != secondary.id {
		t.Errorf("Backend = %s, want %s", res.Backend, secondary.id)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if !res.UsedFallback {
		t.Error("UsedFallback = false, want true")
	}
	if len(res.FailedAttempts) != 1 {
		t.Fatalf("len(FailedAttempts) = %d, want 1", len(res.FailedAttempts))
	}
	if res.FailedAttempts[0].Reason != ReasonRateLimited {
		t.Errorf("FailedAttempts[0].Reason = %s, want %s", res.FailedAttempts[0].Reason, ReasonRateLimited)
	}

	// The failure opened the primary's breaker.
	if td.health.IsAvailable(primary.id) {
		t.Error("primary should be cooling after its failure")
	}
}

func TestDispatchAllBackendsFail(t *testing.T) {
	a := failing("openai", "gpt-4o", "timeout")
	b := failing("anthropic", "claude-sonnet-4-5", "HTTP 500 server error")
	td := newTestDispatcher(Options{}, a, b)

	_, err := td.d.Dispatch(context.Background(), testRequest(), Config{Candidates: ids(a, b)})

	var allFailed *AllBackendsFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("error = %v, want AllBackendsFailedError", err)
	}
	if len(allFailed.Attempts) != 2 {
		t.Errorf("len(Attempts) = %d, want 2", len(allFailed.Attempts))
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1: no backend is tried twice", a.calls, b.calls)
	}
}

func TestDispatchSkipsCoolingBackend(t *testing.T) {
	primary := succeeding("openai", "gpt-4o")
	secondary := succeeding("anthropic", "claude-sonnet-4-5")
	td := newTestDispatcher(Options{}, primary, secondary)

	td.health.RecordFailure(primary.id, errors.New("quota exceeded"))

	res, err := td.d.Dispatch(context.Background(), testRequest(), Config{
		Candidates: ids(primary, secondary),
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Backend != secondary.id {
		t.Errorf("Backend = %s, want %s", res.Backend, secondary.id)
	}
	if primary.calls != 0 {
		t.Errorf("primary.calls = %d, want 0: cooling backends are never attempted", primary.calls)
	}
	// The skipped backend was never attempted, so it is not a failed attempt.
	if res.Attempts != 1 || res.UsedFallback {
		t.Errorf("Attempts = %d, UsedFallback = %v, want 1/false", res.Attempts, res.UsedFallback)
	}
}

func TestDispatchGraceWait(t *testing.T) {
	primary := succeeding("openai", "gpt-4o")
	td := newTestDispatcher(Options{GraceWait: 10 * time.Second}, primary)

	// Timeout cooldown is 30s; advance so only 5s remain.
	td.health.RecordFailure(primary.id, errors.New("timeout"))
	td.clock.Advance(25 * time.Second)

	res, err := td.d.Dispatch(context.Background(), testRequest(), Config{Candidates: ids(primary)})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Backend != primary.id {
		t.Errorf("Backend = %s, want %s", res.Backend, primary.id)
	}
	if len(td.slept) != 1 {
		t.Fatalf("slept %d times, want 1", len(td.slept))
	}
	if td.slept[0] > 10*time.Second {
		t.Errorf("slept %s, want at most the grace wait", td.slept[0])
	}
}

func TestDispatchAllUnavailableBeyondGrace(t *testing.T) {
	primary := succeeding("openai", "gpt-4o")
	td := newTestDispatcher(Options{GraceWait: 10 * time.Second}, primary)

	// Quota cooldown is an hour; far beyond any grace wait.
	td.health.RecordFailure(primary.id, errors.New("quota exceeded"))

	_, err := td.d.Dispatch(context.Background(), testRequest(), Config{Candidates: ids(primary)})

	var unavailable *AllBackendsUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %v, want AllBackendsUnavailableError", err)
	}
	if len(td.slept) != 0 {
		t.Errorf("slept %d times, want 0", len(td.slept))
	}
	if len(unavailable.Candidates) != 1 {
		t.Fatalf("len(Candidates) = %d, want 1", len(unavailable.Candidates))
	}
	if unavailable.Candidates[0].UnavailableReason != ReasonQuotaExhausted {
		t.Errorf("UnavailableReason = %s, want %s",
			unavailable.Candidates[0].UnavailableReason, ReasonQuotaExhausted)
	}
	if primary.calls != 0 {
		t.Errorf("primary.calls = %d, want 0", primary.calls)
	}
}

func TestDispatchUnregisteredCandidate(t *testing.T) {
	known := succeeding("openai", "gpt-4o")
	td := newTestDispatcher(Options{}, known)
	ghost := backend.ID{Provider: "ghost", Model: "none"}

	res, err := td.d.Dispatch(context.Background(), testRequest(), Config{
		Candidates: []backend.ID{ghost, known.id},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	// The ghost never produced a real attempt.
	if res.Attempts != 1 || res.UsedFallback {
		t.Errorf("Attempts = %d, UsedFallback = %v, want 1/false", res.Attempts, res.UsedFallback)
	}
	if len(res.FailedAttempts) != 1 {
		t.Fatalf("len(FailedAttempts) = %d, want 1", len(res.FailedAttempts))
	}
	if res.FailedAttempts[0].Backend != ghost {
		t.Errorf("FailedAttempts[0].Backend = %s, want %s", res.FailedAttempts[0].Backend, ghost)
	}
}

func TestDispatchSuccessClearsStreak(t *testing.T) {
	flaky := failing("openai", "gpt-4o", "HTTP 500 server error")
	td := newTestDispatcher(Options{}, flaky)

	// Two failures, then the backend recovers.
	for i := 0; i < 2; i++ {
		td.d.Dispatch(context.Background(), testRequest(), Config{Candidates: ids(flaky)})
		td.clock.Advance(2 * time.Minute)
	}
	flaky.invoke = succeeding("openai", "gpt-4o").invoke

	res, err := td.d.Dispatch(context.Background(), testRequest(), Config{Candidates: ids(flaky)})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if got := td.health.Snapshot(flaky.id).ConsecutiveFailures; got != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", got)
	}
}

type denyAllPolicy struct{}

func (denyAllPolicy) Admit(ctx context.Context, id backend.ID, strategy string) (bool, string, error) {
	return false, "blocked", nil
}

func TestDispatchPolicyDeniesAll(t *testing.T) {
	primary := succeeding("openai", "gpt-4o")
	td := newTestDispatcher(Options{Policy: denyAllPolicy{}}, primary)

	_, err := td.d.Dispatch(context.Background(), testRequest(), Config{Candidates: ids(primary)})

	var unavailable *AllBackendsUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %v, want AllBackendsUnavailableError", err)
	}
	if primary.calls != 0 {
		t.Errorf("primary.calls = %d, want 0", primary.calls)
	}
}

func TestDispatchContextCanceled(t *testing.T) {
	primary := succeeding("openai", "gpt-4o")
	td := newTestDispatcher(Options{}, primary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := td.d.Dispatch(ctx, testRequest(), Config{Candidates: ids(primary)})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if primary.calls != 0 {
		t.Errorf("primary.calls = %d, want 0", primary.calls)
	}
}

func TestDispatchRecordsPerformance(t *testing.T) {
	primary := succeeding("openai", "gpt-4o")
	td := newTestDispatcher(Options{}, primary)

	_, err := td.d.Dispatch(context.Background(), testRequest(), Config{Candidates: ids(primary)})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	p := td.perf.Snapshot(primary.id)
	if p.SuccessfulRequests != 1 {
		t.Errorf("SuccessfulRequests = %d, want 1", p.SuccessfulRequests)
	}
	if p.AvgTokens != 42 {
		t.Errorf("AvgTokens = %f, want 42", p.AvgTokens)
	}
}

func TestDispatchEscalationOverrides(t *testing.T) {
	flaky := failing("openai", "gpt-4o", "timeout")
	td := newTestDispatcher(Options{}, flaky)

	cfg := Config{
		Candidates:             ids(flaky),
		MaxConsecutiveFailures: 1,
		ExtendedCooldown:       20 * time.Minute,
	}
	td.d.Dispatch(context.Background(), testRequest(), cfg)

	h := td.health.Snapshot(flaky.id)
	if h.UnavailableUntil == nil {
		t.Fatal("UnavailableUntil should be set")
	}
	want := td.clock.Now().Add(20 * time.Minute)
	if !h.UnavailableUntil.Equal(want) {
		t.Errorf("UnavailableUntil = %s, want %s", h.UnavailableUntil, want)
	}
}

type captureAudit struct {
	events []AuditEvent
}

func (c *captureAudit) RecordDispatch(_ context.Context, e AuditEvent) {
	c.events = append(c.events, e)
}

func TestDispatchAuditsOutcome(t *testing.T) {
	sink := &captureAudit{}
	primary := succeeding("openai", "gpt-4o")
	td := newTestDispatcher(Options{Audit: sink}, primary)

	td.d.Dispatch(context.Background(), testRequest(), Config{
		Candidates: ids(primary),
		Strategy:   StrategyLatency,
	})

	if len(sink.events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(sink.events))
	}
	e := sink.events[0]
	if e.Outcome != "success" || e.Strategy != "latency" || e.Attempts != 1 {
		t.Errorf("event = %+v", e)
	}
	if e.Backend == nil || *e.Backend != primary.id {
		t.Errorf("event backend = %v, want %s", e.Backend, primary.id)
	}
}
