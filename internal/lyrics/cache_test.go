package lyrics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/logging"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]db.LyricsEntry
	puts    atomic.Int32
	getErr  error
	putErr  error
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]db.LyricsEntry)}
}

func (s *memStore) Get(_ context.Context, key string) (*db.LyricsEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	entry, ok := s.entries[key]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &entry, nil
}

func (s *memStore) Put(_ context.Context, entry db.LyricsEntry) error {
	s.puts.Add(1)
	if s.putErr != nil {
		return s.putErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
	return nil
}

func (s *memStore) entry(key string) (db.LyricsEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

type fakeProvider struct {
	name   string
	lyrics string
	err    error
	delay  time.Duration
	calls  atomic.Int32
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Fetch(ctx context.Context, _, _ string) (string, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return p.lyrics, p.err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(store Store, clk *clock, providers ...Provider) *Cache {
	return NewCache(store, providers, WithClock(clk.Now), WithLogger(logging.Discard()))
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestGetOrFetch_Idempotent(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{name: "lrclib", lyrics: "Amazing grace, how sweet the sound"}
	cache := newTestCache(store, newClock(), provider)
	ctx := context.Background()

	first, found, err := cache.GetOrFetch(ctx, "Amazing Grace", "Chris Tomlin")
	if err != nil || !found {
		t.Fatalf("first call = %q, %v, %v", first, found, err)
	}
	second, found, err := cache.GetOrFetch(ctx, "amazing grace ", " CHRIS TOMLIN")
	if err != nil || !found {
		t.Fatalf("second call = %q, %v, %v", second, found, err)
	}

	if first != second {
		t.Errorf("results differ: %q vs %q", first, second)
	}
	if provider.calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls.Load())
	}
	entry, ok := store.entry(Key("Chris Tomlin", "Amazing Grace"))
	if !ok || entry.Source != "lrclib" {
		t.Errorf("stored entry = %+v, %v; want source lrclib", entry, ok)
	}
}

func TestGetOrFetch_PriorityOrderStopsAtFirstSuccess(t *testing.T) {
	first := &fakeProvider{name: "first", err: ErrNotFound}
	second := &fakeProvider{name: "second", lyrics: "words"}
	third := &fakeProvider{name: "third", lyrics: "other words"}
	store := newMemStore()
	cache := newTestCache(store, newClock(), first, second, third)

	got, found, err := cache.GetOrFetch(context.Background(), "Song", "Artist")
	if err != nil || !found || got != "words" {
		t.Fatalf("GetOrFetch() = %q, %v, %v; want words", got, found, err)
	}
	if first.calls.Load() != 1 || second.calls.Load() != 1 || third.calls.Load() != 0 {
		t.Errorf("calls = %d/%d/%d, want 1/1/0", first.calls.Load(), second.calls.Load(), third.calls.Load())
	}
	if entry, _ := store.entry(Key("Artist", "Song")); entry.Source != "second" {
		t.Errorf("source = %q, want second", entry.Source)
	}
}

func TestGetOrFetch_NegativeCaching(t *testing.T) {
	store := newMemStore()
	clk := newClock()
	provider := &fakeProvider{name: "lrclib", err: ErrNotFound}
	cache := newTestCache(store, clk, provider)
	ctx := context.Background()

	for range 3 {
		got, found, err := cache.GetOrFetch(ctx, "Instrumental", "Band")
		if err != nil || found || got != "" {
			t.Fatalf("GetOrFetch() = %q, %v, %v; want not found", got, found, err)
		}
	}
	if provider.calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1 while negative entry is fresh", provider.calls.Load())
	}
	entry, ok := store.entry(Key("Band", "Instrumental"))
	if !ok || entry.Source != NegativeSource || entry.Lyrics != "" {
		t.Errorf("negative entry = %+v, %v", entry, ok)
	}
}

func TestGetOrFetch_NegativeEntryExpiry(t *testing.T) {
	store := newMemStore()
	clk := newClock()
	provider := &fakeProvider{name: "lrclib", err: ErrNotFound}
	cache := newTestCache(store, clk, provider)
	ctx := context.Background()

	if _, _, err := cache.GetOrFetch(ctx, "Song", "Artist"); err != nil {
		t.Fatal(err)
	}

	clk.Advance(DefaultNegativeTTL - time.Minute)
	if _, _, err := cache.GetOrFetch(ctx, "Song", "Artist"); err != nil {
		t.Fatal(err)
	}
	if provider.calls.Load() != 1 {
		t.Fatalf("provider calls = %d before expiry, want 1", provider.calls.Load())
	}

	clk.Advance(2 * time.Minute)
	provider.err = nil
	provider.lyrics = "found later"
	got, found, err := cache.GetOrFetch(ctx, "Song", "Artist")
	if err != nil || !found || got != "found later" {
		t.Fatalf("GetOrFetch() = %q, %v, %v after expiry", got, found, err)
	}
	if provider.calls.Load() != 2 {
		t.Errorf("provider calls = %d after expiry, want exactly 2", provider.calls.Load())
	}

	// The refreshed entry is positive and no longer expires.
	clk.Advance(365 * 24 * time.Hour)
	if _, _, err := cache.GetOrFetch(ctx, "Song", "Artist"); err != nil {
		t.Fatal(err)
	}
	if provider.calls.Load() != 2 {
		t.Errorf("provider calls = %d, positive entry should not expire", provider.calls.Load())
	}
}

func TestGetOrFetch_PositiveTTL(t *testing.T) {
	store := newMemStore()
	clk := newClock()
	provider := &fakeProvider{name: "lrclib", lyrics: "words"}
	cache := NewCache(store, []Provider{provider},
		WithClock(clk.Now), WithPositiveTTL(time.Hour), WithLogger(logging.Discard()))
	ctx := context.Background()

	cache.GetOrFetch(ctx, "Song", "Artist")
	clk.Advance(2 * time.Hour)
	cache.GetOrFetch(ctx, "Song", "Artist")
	if provider.calls.Load() != 2 {
		t.Errorf("provider calls = %d, want 2 after positive ttl", provider.calls.Load())
	}
}

func TestGetOrFetch_AllProvidersErroredIsNotCached(t *testing.T) {
	store := newMemStore()
	failing := &fakeProvider{name: "lrclib", err: errors.New("connection refused")}
	cache := newTestCache(store, newClock(), failing)

	_, found, err := cache.GetOrFetch(context.Background(), "Song", "Artist")
	if err == nil {
		t.Fatal("expected provider error")
	}
	if found {
		t.Error("found should be false")
	}
	if store.puts.Load() != 0 {
		t.Errorf("puts = %d, want 0 without a definitive answer", store.puts.Load())
	}
}

func TestGetOrFetch_MixedErrorAndNotFoundIsCached(t *testing.T) {
	store := newMemStore()
	failing := &fakeProvider{name: "lrclib", err: errors.New("timeout")}
	missing := &fakeProvider{name: "lyricsovh", err: ErrNotFound}
	cache := newTestCache(store, newClock(), failing, missing)

	_, found, err := cache.GetOrFetch(context.Background(), "Song", "Artist")
	if err != nil || found {
		t.Fatalf("GetOrFetch() found=%v err=%v, want not found without error", found, err)
	}
	if entry, ok := store.entry(Key("Artist", "Song")); !ok || !entry.Negative() {
		t.Errorf("expected negative entry, got %+v", entry)
	}
}

func TestGetOrFetch_StoreFailureDegrades(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("cache backend down")
	store.putErr = errors.New("cache backend down")
	provider := &fakeProvider{name: "lrclib", lyrics: "words"}
	cache := newTestCache(store, newClock(), provider)

	got, found, err := cache.GetOrFetch(context.Background(), "Song", "Artist")
	if err != nil || !found || got != "words" {
		t.Fatalf("GetOrFetch() = %q, %v, %v; store errors must not surface", got, found, err)
	}
}

func TestGetOrFetch_ConcurrentCallersShareFetch(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{name: "lrclib", lyrics: "words", delay: 50 * time.Millisecond}
	cache := newTestCache(store, newClock(), provider)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, found, err := cache.GetOrFetch(context.Background(), "Song", "Artist")
			if err != nil || !found || got != "words" {
				t.Errorf("GetOrFetch() = %q, %v, %v", got, found, err)
			}
		}()
	}
	wg.Wait()

	if provider.calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls.Load())
	}
}

func TestGetOrFetchWith_OverridesProviders(t *testing.T) {
	defaultProvider := &fakeProvider{name: "default", lyrics: "default"}
	override := &fakeProvider{name: "override", lyrics: "override"}
	cache := newTestCache(newMemStore(), newClock(), defaultProvider)

	got, _, _ := cache.GetOrFetchWith(context.Background(), "Song", "Artist", []Provider{override})
	if got != "override" || defaultProvider.calls.Load() != 0 {
		t.Errorf("got %q, default calls %d", got, defaultProvider.calls.Load())
	}
}
