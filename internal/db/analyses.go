package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
)

// AnalysisRepository handles analysis records. Each attempt is its own row.
type AnalysisRepository struct {
	pool *pgxpool.Pool
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Insert stores a new analysis attempt. A zero ID is filled in.
func (r *AnalysisRepository) Insert(ctx context.Context, a *Analysis) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Source == "" {
		a.Source = "scorer"
	}
	query := `
		INSERT INTO analyses (id, track_id, status, score, concern_level, themes, concerns, scripture_refs,
			explanation, error_message, retry_count, source, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), $13)
		RETURNING created_at
	`
	err := r.pool.QueryRow(ctx, query,
		a.ID,
		a.TrackID,
		string(a.Status),
		a.Score,
		a.ConcernLevel,
		nonNil(a.Themes),
		nonNil(a.Concerns),
		nonNil(a.ScriptureRefs),
		a.Explanation,
		a.ErrorMessage,
		a.RetryCount,
		a.Source,
		a.CompletedAt,
	).Scan(&a.CreatedAt)
	if err != nil {
		return apperr.Persistence("inserting analysis", err)
	}
	return nil
}

// Complete moves a pending attempt to completed with its result.
func (r *AnalysisRepository) Complete(ctx context.Context, a *Analysis) error {
	now := time.Now()
	query := `
		UPDATE analyses
		SET status = 'completed', score = $2, concern_level = $3, themes = $4, concerns = $5,
			scripture_refs = $6, explanation = $7, error_message = '', completed_at = $8
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.pool.Exec(ctx, query,
		a.ID,
		a.Score,
		a.ConcernLevel,
		nonNil(a.Themes),
		nonNil(a.Concerns),
		nonNil(a.ScriptureRefs),
		a.Explanation,
		now,
	)
	if err != nil {
		return apperr.Persistence("completing analysis", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	a.Status = AnalysisCompleted
	a.CompletedAt = &now
	return nil
}

// Fail moves a pending attempt to failed.
func (r *AnalysisRepository) Fail(ctx context.Context, id uuid.UUID, message string, retryCount int) error {
	query := `
		UPDATE analyses
		SET status = 'failed', error_message = $2, retry_count = $3, completed_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.pool.Exec(ctx, query, id, message, retryCount)
	if err != nil {
		return apperr.Persistence("failing analysis", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Latest returns the most recent analysis per track for the given ids.
// Tracks without any analysis are absent from the map.
func (r *AnalysisRepository) Latest(ctx context.Context, trackIDs []string) (map[string]Analysis, error) {
	latest := make(map[string]Analysis, len(trackIDs))
	if len(trackIDs) == 0 {
		return latest, nil
	}
	query := `
		SELECT DISTINCT ON (track_id)
			id, track_id, status, score, concern_level, themes, concerns, scripture_refs,
			explanation, error_message, retry_count, source, created_at, completed_at
		FROM analyses
		WHERE track_id = ANY($1)
		ORDER BY track_id, created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, trackIDs)
	if err != nil {
		return nil, fmt.Errorf("querying latest analyses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a Analysis
		var status string
		if err := rows.Scan(
			&a.ID,
			&a.TrackID,
			&status,
			&a.Score,
			&a.ConcernLevel,
			&a.Themes,
			&a.Concerns,
			&a.ScriptureRefs,
			&a.Explanation,
			&a.ErrorMessage,
			&a.RetryCount,
			&a.Source,
			&a.CreatedAt,
			&a.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning analysis: %w", err)
		}
		a.Status = AnalysisStatus(status)
		latest[a.TrackID] = a
	}
	return latest, rows.Err()
}

// StatusCounts counts the latest analysis status of every track in scope.
// Pending records created before staleBefore are not counted as in progress.
func (r *AnalysisRepository) StatusCounts(ctx context.Context, kind ScopeKind, id string, staleBefore time.Time) (StatusCounts, error) {
	var scope string
	switch kind {
	case ScopeAccount:
		scope = `
			SELECT DISTINCT pt.track_id
			FROM playlist_tracks pt
			JOIN account_playlists ap ON ap.playlist_id = pt.playlist_id
			WHERE ap.account_id = $1
		`
	case ScopePlaylist:
		scope = `SELECT DISTINCT track_id FROM playlist_tracks WHERE playlist_id = $1`
	default:
		return StatusCounts{}, fmt.Errorf("unknown scope kind %q", kind)
	}

	query := `
		WITH scope AS (` + scope + `),
		latest AS (
			SELECT DISTINCT ON (a.track_id) a.track_id, a.status, a.created_at
			FROM analyses a
			JOIN scope s ON s.track_id = a.track_id
			ORDER BY a.track_id, a.created_at DESC
		)
		SELECT
			(SELECT COUNT(*) FROM scope),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'pending' AND created_at >= $2)
		FROM latest
	`
	var counts StatusCounts
	err := r.pool.QueryRow(ctx, query, id, staleBefore).Scan(
		&counts.Total,
		&counts.Completed,
		&counts.Failed,
		&counts.InProgress,
	)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("counting analysis status: %w", err)
	}
	return counts, nil
}
