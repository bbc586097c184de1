package lyrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
)

const (
	// DefaultNegativeTTL is how long a failed lookup suppresses new attempts.
	DefaultNegativeTTL = 7 * 24 * time.Hour

	// NegativeSource marks an entry recording that no provider had lyrics.
	NegativeSource = "negative_cache"
)

// Cache is a read-through lyrics cache with negative entries. Store failures
// degrade to fetching from providers and are never returned to callers.
type Cache struct {
	store       Store
	providers   []Provider
	negativeTTL time.Duration
	positiveTTL time.Duration
	now         func() time.Time
	logger      *log.Logger

	group singleflight.Group
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithNegativeTTL sets how long negative entries stay valid.
func WithNegativeTTL(d time.Duration) CacheOption {
	return func(c *Cache) {
		c.negativeTTL = d
	}
}

// WithPositiveTTL sets how long positive entries stay valid. Zero means forever.
func WithPositiveTTL(d time.Duration) CacheOption {
	return func(c *Cache) {
		c.positiveTTL = d
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = l
	}
}

// NewCache creates a Cache over store using providers in priority order.
func NewCache(store Store, providers []Provider, opts ...CacheOption) *Cache {
	c := &Cache{
		store:       store,
		providers:   providers,
		negativeTTL: DefaultNegativeTTL,
		now:         time.Now,
		logger:      log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type outcome struct {
	lyrics string
	found  bool
}

// GetOrFetch returns cached lyrics or fetches them with the default providers.
// found is false when no lyrics exist. err is non-nil only when every provider
// failed without a definitive answer, or ctx was cancelled.
func (c *Cache) GetOrFetch(ctx context.Context, title, artist string) (string, bool, error) {
	return c.GetOrFetchWith(ctx, title, artist, c.providers)
}

// GetOrFetchWith is GetOrFetch with an explicit provider list.
func (c *Cache) GetOrFetchWith(ctx context.Context, title, artist string, providers []Provider) (string, bool, error) {
	key := Key(artist, title)
	if entry, ok := c.lookup(ctx, key); ok {
		return entry.Lyrics, !entry.Negative(), nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		flightCtx := context.WithoutCancel(ctx)
		// Another flight may have filled the entry since our lookup.
		if entry, ok := c.lookup(flightCtx, key); ok {
			return outcome{lyrics: entry.Lyrics, found: !entry.Negative()}, nil
		}
		return c.fetch(flightCtx, key, title, artist, providers)
	})

	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case res := <-ch:
		out, _ := res.Val.(outcome)
		return out.lyrics, out.found, res.Err
	}
}

// lookup returns a usable cache entry. Expired entries and store errors are misses.
func (c *Cache) lookup(ctx context.Context, key string) (*db.LyricsEntry, bool) {
	entry, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			c.logger.Warn("lyrics cache read failed", "key", key, "err", err)
		}
		return nil, false
	}

	age := c.now().Sub(entry.CreatedAt)
	if entry.Negative() {
		return entry, age < c.negativeTTL
	}
	if c.positiveTTL > 0 && age >= c.positiveTTL {
		return entry, false
	}
	return entry, true
}

func (c *Cache) fetch(ctx context.Context, key, title, artist string, providers []Provider) (outcome, error) {
	var (
		errs       []error
		definitive int
	)
	for _, p := range providers {
		text, err := p.Fetch(ctx, title, artist)
		switch {
		case err == nil && strings.TrimSpace(text) != "":
			c.put(ctx, db.LyricsEntry{Key: key, Lyrics: text, Source: p.Name(), CreatedAt: c.now()})
			return outcome{lyrics: text, found: true}, nil
		case err == nil || errors.Is(err, ErrNotFound):
			definitive++
		default:
			c.logger.Warn("lyrics provider failed", "provider", p.Name(), "artist", artist, "title", title, "err", err)
			errs = append(errs, err)
		}
	}

	// Without a single definitive "not found" there is nothing to cache.
	if definitive == 0 {
		return outcome{}, errors.Join(errs...)
	}
	c.put(ctx, db.LyricsEntry{Key: key, Lyrics: "", Source: NegativeSource, CreatedAt: c.now()})
	return outcome{}, nil
}

func (c *Cache) put(ctx context.Context, entry db.LyricsEntry) {
	if err := c.store.Put(ctx, entry); err != nil {
		c.logger.Warn("lyrics cache write failed", "key", entry.Key, "err", err)
	}
}
