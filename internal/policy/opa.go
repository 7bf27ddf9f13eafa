package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/Linzell/BrokeAgent-sub001/internal/backend"
	"github.com/Linzell/BrokeAgent-sub001/internal/config"
)

// Input is the data sent to OPA for one admission decision.
type Input struct {
	Backend BackendInfo `json:"backend"`
	Request RequestInfo `json:"request"`
	Time    TimeInfo    `json:"time"`
}

type BackendInfo struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Kind     string `json:"kind"`
}

type RequestInfo struct {
	Strategy string `json:"strategy"`
}

type TimeInfo struct {
	Hour int    `json:"hour"`
	Day  string `json:"day"`
}

// Evaluator admits or rejects candidate backends using compiled Rego
// policies. With no policies loaded it admits everything; with policies
// loaded, evaluation errors fail closed.
type Evaluator struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	cfg      func() config.PolicyConfig
	kindOf   func(backend.ID) backend.Kind
}

// NewEvaluator creates a policy evaluator. Call Load() to compile policies.
// kindOf resolves a backend's kind for policy input; nil reports hosted.
func NewEvaluator(cfg func() config.PolicyConfig, kindOf func(backend.ID) backend.Kind) *Evaluator {
	if kindOf == nil {
		kindOf = func(backend.ID) backend.Kind { return backend.KindHosted }
	}
	return &Evaluator{cfg: cfg, kindOf: kindOf}
}

// Load compiles Rego modules from the bundle path.
func (e *Evaluator) Load() error {
	cfg := e.cfg()
	modules, err := LoadRegoFiles(cfg.BundlePath)
	if err != nil {
		return fmt.Errorf("load rego files: %w", err)
	}
	if len(modules) == 0 {
		slog.Warn("no rego files found", "path", cfg.BundlePath)
		return nil
	}
	if err := e.LoadFromModules(modules); err != nil {
		return err
	}
	slog.Info("admission policies loaded", "modules", len(modules))
	return nil
}

// LoadFromModules compiles policies from provided module sources (useful for testing).
func (e *Evaluator) LoadFromModules(modules map[string]string) error {
	r := rego.New(
		rego.Query("[data.dispatch.policy.allow, data.dispatch.policy.reason]"),
		func() func(*rego.Rego) {
			mods := make([]func(*rego.Rego), 0, len(modules))
			for name, src := range modules {
				mods = append(mods, rego.Module(name, src))
			}
			return func(r *rego.Rego) {
				for _, m := range mods {
					m(r)
				}
			}
		}(),
	)

	prepared, err := r.PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("prepare rego: %w", err)
	}

	e.mu.Lock()
	e.prepared = &prepared
	e.mu.Unlock()
	return nil
}

// Evaluate runs the policy against the given input.
func (e *Evaluator) Evaluate(ctx context.Context, input Input) (bool, string, error) {
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()

	if prepared == nil {
		// No policies loaded — admit everything
		return true, "", nil
	}

	cfg := e.cfg()
	timeout := cfg.EvaluationTimeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := prepared.Eval(evalCtx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Sprintf("policy evaluation error: %v", err), err
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "no policy result", nil
	}

	// Result is [allow, reason]
	arr, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok || len(arr) < 2 {
		return false, "unexpected policy result format", nil
	}

	allowed, _ := arr[0].(bool)
	reason, _ := arr[1].(string)

	return allowed, reason, nil
}

// Admit implements the dispatcher's admission hook.
func (e *Evaluator) Admit(ctx context.Context, id backend.ID, strategy string) (bool, string, error) {
	now := time.Now().UTC()
	input := Input{
		Backend: BackendInfo{
			Provider: id.Provider,
			Model:    id.Model,
			Kind:     string(e.kindOf(id)),
		},
		Request: RequestInfo{
			Strategy: strategy,
		},
		Time: TimeInfo{
			Hour: now.Hour(),
			Day:  now.Weekday().String(),
		},
	}
	return e.Evaluate(ctx, input)
}
