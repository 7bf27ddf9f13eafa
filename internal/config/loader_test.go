package config

import (
	"os"
	"testing"
)

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("TEST_VAR", "hello")
	defer os.Unsetenv("TEST_VAR")

	tests := []struct {
		input    string
		expected string
	}{
		{"${TEST_VAR}", "hello"},
		{"${TEST_VAR:default}", "hello"},
		{"${UNSET_VAR:fallback}", "fallback"},
		{"${UNSET_VAR}", ""},
		{"no vars here", "no vars here"},
		{"prefix-${TEST_VAR}-suffix", "prefix-hello-suffix"},
	}

	for _, tt := range tests {
		got := expandEnvVars(tt.input)
		if got != tt.expected {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestLoadFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	content := `
server:
  host: "0.0.0.0"
  port: 9999
dispatch:
  default_strategy: "latency"
  max_consecutive_failures: 5
`
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	var cfg Config
	if err := LoadFile(tmpFile.Name(), &cfg); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Dispatch.DefaultStrategy != "latency" {
		t.Errorf("expected strategy latency, got %s", cfg.Dispatch.DefaultStrategy)
	}
	if cfg.Dispatch.MaxConsecutiveFailures != 5 {
		t.Errorf("expected threshold 5, got %d", cfg.Dispatch.MaxConsecutiveFailures)
	}
}

func TestLoadFile_Backends(t *testing.T) {
	os.Setenv("TEST_API_KEY", "sk-test")
	defer os.Unsetenv("TEST_API_KEY")

	tmpFile, err := os.CreateTemp("", "test-backends-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpFile.Name())

	content := `
backends:
  - provider: openai
    model: gpt-4o-mini
    type: openai
    kind: hosted
    base_url: "https://api.openai.com/v1"
    api_key: "${TEST_API_KEY}"
    timeout: 30s
  - provider: ollama
    model: llama3
    type: ollama
    kind: local
    base_url: "${OLLAMA_URL:http://localhost:11434}"
`
	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()

	var cfg BackendsConfig
	if err := LoadFile(tmpFile.Name(), &cfg); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if len(cfg.Backends) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(cfg.Backends))
	}
	if cfg.Backends[0].APIKey != "sk-test" {
		t.Errorf("expected expanded api key, got %q", cfg.Backends[0].APIKey)
	}
	if cfg.Backends[1].BaseURL != "http://localhost:11434" {
		t.Errorf("expected default base url, got %q", cfg.Backends[1].BaseURL)
	}
	if cfg.Backends[1].Kind != "local" {
		t.Errorf("expected kind local, got %q", cfg.Backends[1].Kind)
	}
}
