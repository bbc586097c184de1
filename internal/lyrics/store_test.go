package lyrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/logging"
)

// unreachableRedis points at a port nothing listens on.
func unreachableRedis() redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       []string{"127.0.0.1:1"},
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestRedisStore_UnavailableReturnsError(t *testing.T) {
	client := unreachableRedis()
	defer client.Close()
	store := NewRedisStore(client, DefaultNegativeTTL, 0)

	_, err := store.Get(context.Background(), "artist::title")
	if err == nil || errors.Is(err, db.ErrNotFound) {
		t.Errorf("Get() error = %v, want connection error", err)
	}
	if err := store.Put(context.Background(), db.LyricsEntry{Key: "k", Lyrics: "x", CreatedAt: time.Now()}); err == nil {
		t.Error("Put() should fail when redis is down")
	}
}

func TestRedisStore_ExpiredNegativeEntryNotWritten(t *testing.T) {
	client := unreachableRedis()
	defer client.Close()
	store := NewRedisStore(client, time.Hour, 0)

	// An already-expired negative entry is skipped before touching redis.
	err := store.Put(context.Background(), db.LyricsEntry{Key: "k", CreatedAt: time.Now().Add(-2 * time.Hour)})
	if err != nil {
		t.Errorf("Put() error = %v, want nil for expired negative entry", err)
	}
}

func TestTieredStore_FastTierDownFallsBackToDurable(t *testing.T) {
	client := unreachableRedis()
	defer client.Close()
	durable := newMemStore()
	tiered := NewTieredStore(NewRedisStore(client, DefaultNegativeTTL, 0), durable, logging.Discard())
	ctx := context.Background()

	entry := db.LyricsEntry{Key: "artist::title", Lyrics: "words", Source: "lrclib", CreatedAt: time.Now()}
	if err := tiered.Put(ctx, entry); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := tiered.Get(ctx, "artist::title")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Lyrics != "words" {
		t.Errorf("Lyrics = %q", got.Lyrics)
	}
}

func TestTieredStore_BackfillsFastTier(t *testing.T) {
	fast := newMemStore()
	durable := newMemStore()
	tiered := NewTieredStore(fast, durable, logging.Discard())
	ctx := context.Background()

	durable.Put(ctx, db.LyricsEntry{Key: "k", Lyrics: "words", Source: "lrclib", CreatedAt: time.Now()})

	if _, err := tiered.Get(ctx, "k"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, ok := fast.entry("k"); !ok {
		t.Error("fast tier should be back-filled after durable hit")
	}

	if _, err := tiered.Get(ctx, "missing"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCache_WithUnavailableRedisTier(t *testing.T) {
	client := unreachableRedis()
	defer client.Close()
	durable := newMemStore()
	store := NewTieredStore(NewRedisStore(client, DefaultNegativeTTL, 0), durable, logging.Discard())
	provider := &fakeProvider{name: "lrclib", lyrics: "words"}
	cache := newTestCache(store, newClock(), provider)

	for range 2 {
		got, found, err := cache.GetOrFetch(context.Background(), "Song", "Artist")
		if err != nil || !found || got != "words" {
			t.Fatalf("GetOrFetch() = %q, %v, %v", got, found, err)
		}
	}
	if provider.calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1 with durable tier serving hits", provider.calls.Load())
	}
}
