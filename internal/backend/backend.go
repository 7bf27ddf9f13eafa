package backend

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Linzell/BrokeAgent-sub001/internal/config"
	"github.com/Linzell/BrokeAgent-sub001/internal/types"
)

// ID identifies a (provider, model) pair. It is a value type so it can be
// used directly as a map key; two requests naming the same pair always hit
// the same health and performance records.
type ID struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (id ID) String() string {
	return id.Provider + "/" + id.Model
}

// Kind distinguishes local (free) backends from hosted (metered) ones.
type Kind string

const (
	KindLocal  Kind = "local"
	KindHosted Kind = "hosted"
)

// ParseKind maps a config string to a Kind, defaulting to hosted.
func ParseKind(s string) Kind {
	if s == string(KindLocal) {
		return KindLocal
	}
	return KindHosted
}

// Client invokes a single backend. Implementations must honor ctx
// cancellation; the dispatcher sets the per-attempt deadline on ctx.
type Client interface {
	ID() ID
	Invoke(ctx context.Context, req *types.ModelRequest) (*types.ModelResponse, error)
}

type entry struct {
	client Client
	spec   config.BackendConfig
}

// Registry manages backend clients and their configuration.
type Registry struct {
	mu      sync.RWMutex
	entries map[ID]entry
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[ID]entry),
	}
}

func (r *Registry) Register(client Client, spec config.BackendConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[client.ID()] = entry{client: client, spec: spec}
}

func (r *Registry) Get(id ID) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.client, ok
}

// Spec returns the configuration a backend was registered with.
func (r *Registry) Spec(id ID) (config.BackendConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e.spec, ok
}

// Kind returns the registered kind for a backend, hosted when unknown.
func (r *Registry) Kind(id ID) Kind {
	spec, ok := r.Spec(id)
	if !ok {
		return KindHosted
	}
	return ParseKind(spec.Kind)
}

// All returns the IDs of every registered backend.
func (r *Registry) All() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// BuildFromConfig builds backend clients from the backends config.
func BuildFromConfig(cfg *config.BackendsConfig) *Registry {
	registry := NewRegistry()
	for _, bc := range cfg.Backends {
		timeout := bc.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		client := &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		}

		var backend Client
		switch bc.Type {
		case "anthropic":
			backend = NewAnthropicClient(bc, client)
		case "ollama":
			backend = NewOllamaClient(bc, client)
		default:
			// OpenAI-compatible covers unknown types
			backend = NewOpenAIClient(bc, client)
		}
		registry.Register(backend, bc)
	}
	return registry
}
