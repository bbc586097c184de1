package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
)

// LyricsRepository is the durable lyrics cache.
type LyricsRepository struct {
	pool *pgxpool.Pool
}

// Get retrieves a cache entry by normalized key.
func (r *LyricsRepository) Get(ctx context.Context, key string) (*LyricsEntry, error) {
	query := `SELECT key, lyrics, source, created_at FROM lyrics_cache WHERE key = $1`
	var entry LyricsEntry
	err := r.pool.QueryRow(ctx, query, key).Scan(&entry.Key, &entry.Lyrics, &entry.Source, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying lyrics cache: %w", err)
	}
	return &entry, nil
}

// Put upserts a cache entry by key.
func (r *LyricsRepository) Put(ctx context.Context, entry LyricsEntry) error {
	query := `
		INSERT INTO lyrics_cache (key, lyrics, source, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			lyrics = EXCLUDED.lyrics,
			source = EXCLUDED.source,
			created_at = EXCLUDED.created_at
	`
	if _, err := r.pool.Exec(ctx, query, entry.Key, entry.Lyrics, entry.Source, entry.CreatedAt); err != nil {
		return apperr.Persistence("upserting lyrics cache", err)
	}
	return nil
}
