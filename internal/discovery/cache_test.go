package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Linzell/BrokeAgent-sub001/internal/backend"
)

type fakeSource struct {
	ids   []backend.ID
	err   error
	calls int
}

func (s *fakeSource) Discover(ctx context.Context) ([]backend.ID, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.ids, nil
}

var defaultSet = []backend.ID{
	{Provider: "openai", Model: "gpt-4o"},
	{Provider: "anthropic", Model: "claude-sonnet-4-5"},
}

func newTestCache(src *fakeSource, ttl time.Duration) (*Cache, *time.Time) {
	c := NewCache(src, ttl, nil)
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCacheServesWithinTTL(t *testing.T) {
	src := &fakeSource{ids: defaultSet}
	c, now := newTestCache(src, time.Minute)

	for i := 0; i < 3; i++ {
		ids, err := c.Candidates(context.Background())
		if err != nil {
			t.Fatalf("Candidates() error = %v", err)
		}
		if len(ids) != 2 {
			t.Fatalf("len(ids) = %d, want 2", len(ids))
		}
		*now = now.Add(10 * time.Second)
	}
	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1 within the TTL", src.calls)
	}
}

func TestCacheRefreshesAfterTTL(t *testing.T) {
	src := &fakeSource{ids: defaultSet}
	c, now := newTestCache(src, time.Minute)

	c.Candidates(context.Background())
	*now = now.Add(61 * time.Second)
	c.Candidates(context.Background())

	if src.calls != 2 {
		t.Errorf("source calls = %d, want 2 after the TTL lapses", src.calls)
	}
}

func TestCacheServesStaleOnFailure(t *testing.T) {
	src := &fakeSource{ids: defaultSet}
	c, now := newTestCache(src, time.Minute)

	if _, err := c.Candidates(context.Background()); err != nil {
		t.Fatalf("Candidates() error = %v", err)
	}

	src.err = errors.New("registry unreachable")
	*now = now.Add(2 * time.Minute)

	ids, err := c.Candidates(context.Background())
	if err != nil {
		t.Fatalf("Candidates() should serve stale, got error = %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("len(ids) = %d, want 2 stale entries", len(ids))
	}
}

func TestCacheErrorsWithNothingCached(t *testing.T) {
	src := &fakeSource{err: errors.New("registry unreachable")}
	c, _ := newTestCache(src, time.Minute)

	if _, err := c.Candidates(context.Background()); err == nil {
		t.Error("Candidates() with no cache and a failing source should error")
	}
}

func TestCacheInvalidate(t *testing.T) {
	src := &fakeSource{ids: defaultSet}
	c, _ := newTestCache(src, time.Hour)

	c.Candidates(context.Background())
	c.Invalidate(context.Background())
	c.Candidates(context.Background())

	if src.calls != 2 {
		t.Errorf("source calls = %d, want 2 after Invalidate", src.calls)
	}
}

func TestRegistrySource(t *testing.T) {
	registry := backend.NewRegistry()
	src := &RegistrySource{Registry: registry}

	ids, err := src.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("len(ids) = %d, want 0 for empty registry", len(ids))
	}
}
