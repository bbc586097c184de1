package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
)

// TrackRepository handles track database operations.
type TrackRepository struct {
	pool *pgxpool.Pool
}

const upsertTracksQuery = `
	INSERT INTO tracks (id, title, artist, album, duration_ms, created_at, updated_at)
	SELECT id, title, artist, album, duration_ms, NOW(), NOW()
	FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::int[]) AS t(id, title, artist, album, duration_ms)
	ON CONFLICT (id) DO UPDATE SET
		title = EXCLUDED.title,
		artist = EXCLUDED.artist,
		album = EXCLUDED.album,
		duration_ms = EXCLUDED.duration_ms,
		updated_at = NOW()
`

func upsertTracksArgs(tracks []Track) []any {
	ids := make([]string, len(tracks))
	titles := make([]string, len(tracks))
	artists := make([]string, len(tracks))
	albums := make([]string, len(tracks))
	durations := make([]int32, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID
		titles[i] = t.Title
		artists[i] = t.Artist
		albums[i] = t.Album
		durations[i] = int32(t.DurationMs)
	}
	return []any{ids, titles, artists, albums, durations}
}

// UpsertBatch inserts or updates multiple tracks in one statement.
// Stored lyrics are left untouched.
func (r *TrackRepository) UpsertBatch(ctx context.Context, tracks []Track) error {
	if len(tracks) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, upsertTracksQuery, upsertTracksArgs(tracks)...); err != nil {
		return apperr.Persistence("batch upserting tracks", err)
	}
	return nil
}

// Get retrieves a track by ID.
func (r *TrackRepository) Get(ctx context.Context, id string) (*Track, error) {
	query := `
		SELECT id, title, artist, album, duration_ms, lyrics, created_at, updated_at
		FROM tracks
		WHERE id = $1
	`
	var track Track
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&track.ID,
		&track.Title,
		&track.Artist,
		&track.Album,
		&track.DurationMs,
		&track.Lyrics,
		&track.CreatedAt,
		&track.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying track: %w", err)
	}
	return &track, nil
}

// GetMany retrieves tracks by ID. Unknown ids are absent from the result.
func (r *TrackRepository) GetMany(ctx context.Context, ids []string) (map[string]Track, error) {
	if len(ids) == 0 {
		return map[string]Track{}, nil
	}
	query := `
		SELECT id, title, artist, album, duration_ms, lyrics, created_at, updated_at
		FROM tracks
		WHERE id = ANY($1)
	`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("querying tracks: %w", err)
	}
	defer rows.Close()

	tracks := make(map[string]Track, len(ids))
	for rows.Next() {
		var track Track
		if err := rows.Scan(
			&track.ID,
			&track.Title,
			&track.Artist,
			&track.Album,
			&track.DurationMs,
			&track.Lyrics,
			&track.CreatedAt,
			&track.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning track: %w", err)
		}
		tracks[track.ID] = track
	}
	return tracks, rows.Err()
}

// UpdateLyrics stores fetched lyrics on a track.
func (r *TrackRepository) UpdateLyrics(ctx context.Context, id, lyrics string) error {
	query := `UPDATE tracks SET lyrics = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, id, lyrics)
	if err != nil {
		return apperr.Persistence("updating lyrics", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IDsForAccount returns the distinct track ids across an account's playlists.
func (r *TrackRepository) IDsForAccount(ctx context.Context, accountID string) ([]string, error) {
	query := `
		SELECT DISTINCT pt.track_id
		FROM playlist_tracks pt
		JOIN account_playlists ap ON ap.playlist_id = pt.playlist_id
		WHERE ap.account_id = $1
		ORDER BY pt.track_id
	`
	return collectStrings(ctx, r.pool, query, accountID)
}

func collectStrings(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]string, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collecting ids: %w", err)
	}
	return ids, nil
}
