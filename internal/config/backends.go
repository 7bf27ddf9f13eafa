package config

import "time"

// BackendsConfig is the registry of addressable (provider, model) backends,
// loaded from backends.yaml.
type BackendsConfig struct {
	Backends []BackendConfig `yaml:"backends"`
}

type BackendConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// Type selects the client implementation: openai, anthropic, ollama.
	// Unknown types fall back to the OpenAI-compatible client.
	Type string `yaml:"type"`

	// Kind is "local" or "hosted"; the cost strategy prefers local backends.
	Kind string `yaml:"kind"`

	BaseURL    string            `yaml:"base_url"`
	APIKey     string            `yaml:"api_key"`
	APIVersion string            `yaml:"api_version,omitempty"`
	Timeout    time.Duration     `yaml:"timeout"`
	Headers    map[string]string `yaml:"headers,omitempty"`

	// RPMLimit caps client-side request pacing for this backend.
	// Zero means the process-wide default applies.
	RPMLimit int64 `yaml:"rpm_limit,omitempty"`
}
