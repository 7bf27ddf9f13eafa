package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/Linzell/BrokeAgent-sub001/internal/backend"
)

func TestPacerFailsOpenWithoutRedis(t *testing.T) {
	p := NewPacer(nil)
	id := backend.ID{Provider: "openai", Model: "gpt-4o"}
	if !p.Allow(context.Background(), id, 1, time.Minute) {
		t.Error("pacer without redis must fail open")
	}
}

func TestPacerZeroLimitPasses(t *testing.T) {
	p := NewPacer(nil)
	id := backend.ID{Provider: "openai", Model: "gpt-4o"}
	if !p.Allow(context.Background(), id, 0, time.Minute) {
		t.Error("zero limit disables pacing")
	}
}

func TestDispatcherPacingDisabledByDefault(t *testing.T) {
	primary := succeeding("openai", "gpt-4o")
	td := newTestDispatcher(Options{Pacer: NewPacer(nil)}, primary)

	// Pacing carries a pacer but is not enabled; every attempt goes through.
	for i := 0; i < 3; i++ {
		if _, err := td.d.Dispatch(context.Background(), testRequest(), Config{Candidates: ids(primary)}); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}
	if primary.calls != 3 {
		t.Errorf("primary.calls = %d, want 3", primary.calls)
	}
}
