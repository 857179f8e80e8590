package cache

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/merchcord/outbound/pkg/clock"
)

func newTestManager(opts Options) (*Manager, *clock.Fake) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	opts.Clock = fake
	opts.Logger = zerolog.Nop()
	return NewManager(opts), fake
}

func TestManager_MissThenFreshHit(t *testing.T) {
	m, _ := newTestManager(Options{TTL: time.Second})
	ctx := context.Background()

	if got := m.Get(ctx, "k"); got.Hit {
		t.Error("expected miss on empty cache")
	}

	m.Set(ctx, "k", "value", 0)
	got := m.Get(ctx, "k")
	if !got.Hit || got.Stale {
		t.Fatalf("Lookup = %+v, want fresh hit", got)
	}
	if got.Data != "value" {
		t.Errorf("Data = %v, want %q", got.Data, "value")
	}
}

func TestManager_StaleWindowTimeline(t *testing.T) {
	m, fake := newTestManager(Options{TTL: time.Second, StaleWhileRevalidate: true})
	ctx := context.Background()

	m.Set(ctx, "k", "value", time.Second)

	// Within the TTL: fresh.
	fake.Advance(500 * time.Millisecond)
	if got := m.Get(ctx, "k"); !got.Hit || got.Stale {
		t.Errorf("at 500ms Lookup = %+v, want fresh hit", got)
	}

	// Between one and two TTLs: stale but served.
	fake.Advance(time.Second)
	got := m.Get(ctx, "k")
	if !got.Hit || !got.Stale {
		t.Errorf("at 1500ms Lookup = %+v, want stale hit", got)
	}
	if got.Data != "value" {
		t.Errorf("stale Data = %v, want %q", got.Data, "value")
	}

	// Past twice the TTL: dead, purged on read.
	fake.Advance(time.Second)
	if got := m.Get(ctx, "k"); got.Hit {
		t.Errorf("at 2500ms Lookup = %+v, want miss", got)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d after purge, want 0", m.Len())
	}
}

func TestManager_StaleDisabledIsMiss(t *testing.T) {
	m, fake := newTestManager(Options{TTL: time.Second})
	ctx := context.Background()

	m.Set(ctx, "k", "value", time.Second)
	fake.Advance(1500 * time.Millisecond)

	if got := m.Get(ctx, "k"); got.Hit {
		t.Errorf("Lookup = %+v, want miss with stale serving disabled", got)
	}
}

func TestManager_EvictionPrefersIdleUnpopular(t *testing.T) {
	m, fake := newTestManager(Options{MaxSize: 3, TTL: time.Minute})
	ctx := context.Background()

	m.Set(ctx, "k1", 1, 0)
	fake.Advance(time.Second)
	m.Set(ctx, "k2", 2, 0)
	fake.Advance(time.Second)
	m.Set(ctx, "k3", 3, 0)
	fake.Advance(time.Second)

	// k1 is the oldest but was just read, so k2 is now the coldest.
	if got := m.Get(ctx, "k1"); !got.Hit {
		t.Fatal("expected hit for k1")
	}
	fake.Advance(time.Second)

	m.Set(ctx, "k4", 4, 0)

	if m.Len() != 3 {
		t.Fatalf("Len = %d, want 3", m.Len())
	}
	if m.Has("k2") {
		t.Error("k2 should have been evicted")
	}
	for _, key := range []string{"k1", "k3", "k4"} {
		if !m.Has(key) {
			t.Errorf("%s should have survived eviction", key)
		}
	}
}

func TestManager_UpdateExistingNeverEvicts(t *testing.T) {
	m, _ := newTestManager(Options{MaxSize: 2, TTL: time.Minute})
	ctx := context.Background()

	m.Set(ctx, "k1", 1, 0)
	m.Set(ctx, "k2", 2, 0)
	m.Set(ctx, "k1", 10, 0)

	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}
	if got := m.Get(ctx, "k1"); got.Data != 10 {
		t.Errorf("k1 = %v, want 10 after overwrite", got.Data)
	}
	if !m.Has("k2") {
		t.Error("overwriting k1 must not evict k2")
	}
}

func TestManager_SweepPurgesDeadEntries(t *testing.T) {
	m, fake := newTestManager(Options{TTL: time.Second, StaleWhileRevalidate: true})
	ctx := context.Background()

	m.Set(ctx, "old", 1, time.Second)
	fake.Advance(1500 * time.Millisecond)
	m.Set(ctx, "young", 2, time.Second)
	fake.Advance(time.Second)

	// "old" is now 2.5s past storage, "young" 1s.
	m.sweepOnce()

	if m.Has("old") {
		t.Error("dead entry should be swept")
	}
	if !m.Has("young") {
		t.Error("live entry should survive the sweep")
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestManager_Invalidate(t *testing.T) {
	m, _ := newTestManager(Options{TTL: time.Minute})
	ctx := context.Background()

	m.Set(ctx, "discord:guilds/1", 1, 0)
	m.Set(ctx, "discord:guilds/2", 2, 0)
	m.Set(ctx, "discord:users/1", 3, 0)

	removed := m.Invalidate(ctx, "discord:guilds/*")
	if removed != 2 {
		t.Errorf("Invalidate removed %d, want 2", removed)
	}
	if !m.Has("discord:users/1") {
		t.Error("non-matching key should survive invalidation")
	}
}

func TestManager_ConfigureShrinksToFit(t *testing.T) {
	m, _ := newTestManager(Options{MaxSize: 3, TTL: time.Minute})
	ctx := context.Background()

	m.Set(ctx, "k1", 1, 0)
	m.Set(ctx, "k2", 2, 0)
	m.Set(ctx, "k3", 3, 0)

	m.Configure(1, time.Minute, false)
	if m.Len() != 1 {
		t.Errorf("Len = %d after shrink, want 1", m.Len())
	}
}

// fakeStore is an in-memory Store for exercising the shared tier.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	getErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]*Entry)}
}

func (s *fakeStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *fakeStore) Set(_ context.Context, key string, entry *Entry, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
	return nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *fakeStore) Invalidate(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.entries {
		if ok, _ := path.Match(pattern, key); ok {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func TestManager_SharedWriteThroughAndHydration(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	writer, _ := newTestManager(Options{TTL: time.Minute, Shared: store})
	writer.Set(ctx, "k", map[string]string{"name": "widget"}, time.Minute)

	if len(store.entries) != 1 {
		t.Fatalf("shared store has %d entries, want 1", len(store.entries))
	}

	// A second manager sharing the store hydrates from it on a memory miss.
	reader, _ := newTestManager(Options{TTL: time.Minute, Shared: store})
	got := reader.Get(ctx, "k")
	if !got.Hit || got.Stale {
		t.Fatalf("Lookup = %+v, want fresh hit from shared store", got)
	}

	raw, ok := got.Data.(json.RawMessage)
	if !ok {
		t.Fatalf("hydrated Data is %T, want json.RawMessage", got.Data)
	}
	var decoded map[string]string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal hydrated data: %v", err)
	}
	if decoded["name"] != "widget" {
		t.Errorf("decoded name = %q, want widget", decoded["name"])
	}

	// The hydrated copy now serves from memory.
	if got := reader.Get(ctx, "k"); !got.Hit {
		t.Error("expected memory hit after hydration")
	}
}

func TestManager_SharedDeadEntryDeleted(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	m, fake := newTestManager(Options{TTL: time.Second, StaleWhileRevalidate: true, Shared: store})
	store.entries["k"] = &Entry{
		Data:     json.RawMessage(`1`),
		StoredAt: fake.Now().Add(-3 * time.Second),
		TTL:      time.Second,
	}

	if got := m.Get(ctx, "k"); got.Hit {
		t.Errorf("Lookup = %+v, want miss for dead shared entry", got)
	}
	if _, ok := store.entries["k"]; ok {
		t.Error("dead shared entry should be deleted")
	}
}

func TestManager_SharedErrorFallsBackToMiss(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("connection refused")

	m, _ := newTestManager(Options{TTL: time.Minute, Shared: store})
	if got := m.Get(context.Background(), "k"); got.Hit {
		t.Errorf("Lookup = %+v, want miss when shared store errors", got)
	}
}
