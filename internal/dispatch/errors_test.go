package dispatch

import (
	"strings"
	"testing"
	"time"

	"github.com/Linzell/BrokeAgent-sub001/internal/backend"
)

func TestAllBackendsUnavailableErrorMessage(t *testing.T) {
	until := time.Date(2026, 1, 15, 12, 30, 0, 0, time.UTC)
	err := &AllBackendsUnavailableError{
		Candidates: []Health{
			{Backend: backend.ID{Provider: "openai", Model: "gpt-4o"}, UnavailableReason: ReasonQuotaExhausted, UnavailableUntil: &until},
			{Backend: backend.ID{Provider: "ollama", Model: "llama3.1"}, UnavailableReason: ReasonTimeout},
		},
	}

	msg := err.Error()
	for _, want := range []string{"all backends unavailable", "openai/gpt-4o", "quota_exhausted", "12:30:00", "ollama/llama3.1", "timeout"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestAllBackendsFailedErrorMessage(t *testing.T) {
	err := &AllBackendsFailedError{
		Attempts: []AttemptFailure{
			{Backend: backend.ID{Provider: "openai", Model: "gpt-4o"}, Reason: ReasonRateLimited, Message: "429 too many requests"},
		},
	}

	msg := err.Error()
	for _, want := range []string{"all backends failed", "openai/gpt-4o", "429 too many requests", "rate_limited"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}
