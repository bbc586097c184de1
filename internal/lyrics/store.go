package lyrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
)

// Store persists cache entries by key. Get returns db.ErrNotFound on a miss.
// db.LyricsRepository implements it.
type Store interface {
	Get(ctx context.Context, key string) (*db.LyricsEntry, error)
	Put(ctx context.Context, entry db.LyricsEntry) error
}

const redisKeyPrefix = "lyrics:"

// RedisStore is a shared cache tier backed by Redis. Negative entries expire
// with the negative TTL; positive entries use the positive TTL (0 = none).
type RedisStore struct {
	client      redis.UniversalClient
	negativeTTL time.Duration
	positiveTTL time.Duration
	now         func() time.Time
}

// NewRedisStore wraps a Redis client.
func NewRedisStore(client redis.UniversalClient, negativeTTL, positiveTTL time.Duration) *RedisStore {
	return &RedisStore{
		client:      client,
		negativeTTL: negativeTTL,
		positiveTTL: positiveTTL,
		now:         time.Now,
	}
}

// NewRedisClient builds a client for addr with short timeouts so an outage
// degrades quickly to the durable tier.
func NewRedisClient(addr, password string, database int) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{addr},
		Password:     password,
		DB:           database,
		DialTimeout:  500 * time.Millisecond,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		MaxRetries:   1,
	})
}

type redisEntry struct {
	Lyrics    string    `json:"lyrics"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *RedisStore) Get(ctx context.Context, key string) (*db.LyricsEntry, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry redisEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decoding redis entry: %w", err)
	}
	return &db.LyricsEntry{
		Key:       key,
		Lyrics:    entry.Lyrics,
		Source:    entry.Source,
		CreatedAt: entry.CreatedAt,
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, entry db.LyricsEntry) error {
	ttl := s.positiveTTL
	if entry.Negative() {
		ttl = s.negativeTTL - s.now().Sub(entry.CreatedAt)
		if ttl <= 0 {
			return nil
		}
	}

	data, err := json.Marshal(redisEntry{
		Lyrics:    entry.Lyrics,
		Source:    entry.Source,
		CreatedAt: entry.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding redis entry: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+entry.Key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// TieredStore reads a fast tier before a durable tier, writes through to both,
// and back-fills the fast tier on a durable hit. Fast tier failures are
// logged and never returned.
type TieredStore struct {
	fast    Store
	durable Store
	logger  *log.Logger
}

// NewTieredStore layers fast over durable.
func NewTieredStore(fast, durable Store, logger *log.Logger) *TieredStore {
	if logger == nil {
		logger = log.Default()
	}
	return &TieredStore{fast: fast, durable: durable, logger: logger}
}

func (s *TieredStore) Get(ctx context.Context, key string) (*db.LyricsEntry, error) {
	entry, err := s.fast.Get(ctx, key)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		s.logger.Warn("fast lyrics tier unavailable", "key", key, "err", err)
	}

	entry, err = s.durable.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.fast.Put(ctx, *entry); err != nil {
		s.logger.Debug("failed to back-fill fast lyrics tier", "key", key, "err", err)
	}
	return entry, nil
}

func (s *TieredStore) Put(ctx context.Context, entry db.LyricsEntry) error {
	if err := s.durable.Put(ctx, entry); err != nil {
		return err
	}
	if err := s.fast.Put(ctx, entry); err != nil {
		s.logger.Warn("failed to write fast lyrics tier", "key", entry.Key, "err", err)
	}
	return nil
}
