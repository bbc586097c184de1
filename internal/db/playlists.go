package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
)

// PlaylistRepository handles playlists and their track associations.
type PlaylistRepository struct {
	pool *pgxpool.Pool
}

const playlistColumns = `id, owner_account_id, display_name, snapshot_token, track_count, last_synced_at, created_at, updated_at`

const qualifiedPlaylistColumns = `p.id, p.owner_account_id, p.display_name, p.snapshot_token, p.track_count, p.last_synced_at, p.created_at, p.updated_at`

func scanPlaylist(row pgx.Row, p *Playlist) error {
	return row.Scan(
		&p.ID,
		&p.OwnerAccountID,
		&p.DisplayName,
		&p.SnapshotToken,
		&p.TrackCount,
		&p.LastSyncedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
}

// Get retrieves a playlist by ID.
func (r *PlaylistRepository) Get(ctx context.Context, id string) (*Playlist, error) {
	query := `SELECT ` + playlistColumns + ` FROM playlists WHERE id = $1`
	var playlist Playlist
	err := scanPlaylist(r.pool.QueryRow(ctx, query, id), &playlist)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying playlist: %w", err)
	}
	return &playlist, nil
}

// ListForAccount returns every stored playlist the account follows.
func (r *PlaylistRepository) ListForAccount(ctx context.Context, accountID string) ([]Playlist, error) {
	query := `
		SELECT ` + qualifiedPlaylistColumns + `
		FROM playlists p
		JOIN account_playlists ap ON ap.playlist_id = p.id
		WHERE ap.account_id = $1
		ORDER BY p.id
	`
	rows, err := r.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("querying playlists: %w", err)
	}
	defer rows.Close()

	var playlists []Playlist
	for rows.Next() {
		var playlist Playlist
		if err := scanPlaylist(rows, &playlist); err != nil {
			return nil, fmt.Errorf("scanning playlist: %w", err)
		}
		playlists = append(playlists, playlist)
	}
	return playlists, rows.Err()
}

// Associations returns a playlist's track associations ordered by position.
func (r *PlaylistRepository) Associations(ctx context.Context, playlistID string) ([]Association, error) {
	query := `
		SELECT playlist_id, track_id, position, added_at, added_by
		FROM playlist_tracks
		WHERE playlist_id = $1
		ORDER BY position
	`
	rows, err := r.pool.Query(ctx, query, playlistID)
	if err != nil {
		return nil, fmt.Errorf("querying associations: %w", err)
	}
	defer rows.Close()

	var assocs []Association
	for rows.Next() {
		var a Association
		if err := rows.Scan(&a.PlaylistID, &a.TrackID, &a.Position, &a.AddedAt, &a.AddedBy); err != nil {
			return nil, fmt.Errorf("scanning association: %w", err)
		}
		assocs = append(assocs, a)
	}
	return assocs, rows.Err()
}

// TrackIDs returns a playlist's track ids in position order.
func (r *PlaylistRepository) TrackIDs(ctx context.Context, playlistID string) ([]string, error) {
	query := `SELECT track_id FROM playlist_tracks WHERE playlist_id = $1 ORDER BY position`
	return collectStrings(ctx, r.pool, query, playlistID)
}

// ApplyPlaylistDiff writes a playlist diff in one transaction: playlist
// metadata, the syncing account's membership, track upserts, association
// deletes, then association upserts. The owner recorded on first import is
// kept. The snapshot token is not touched; callers advance it with
// UpdateSnapshot once this commits.
func (r *PlaylistRepository) ApplyPlaylistDiff(ctx context.Context, diff PlaylistDiff) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperr.Persistence("beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	p := diff.Playlist
	playlistQuery := `
		INSERT INTO playlists (id, owner_account_id, display_name, snapshot_token, track_count, created_at, updated_at)
		VALUES ($1, $2, $3, '', $4, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			track_count = EXCLUDED.track_count,
			updated_at = NOW()
	`
	if _, err := tx.Exec(ctx, playlistQuery, p.ID, p.OwnerAccountID, p.DisplayName, p.TrackCount); err != nil {
		return apperr.Persistence("upserting playlist", err)
	}

	accountID := diff.AccountID
	if accountID == "" {
		accountID = p.OwnerAccountID
	}
	memberQuery := `
		INSERT INTO account_playlists (account_id, playlist_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	if _, err := tx.Exec(ctx, memberQuery, accountID, p.ID); err != nil {
		return apperr.Persistence("linking playlist", err)
	}

	if len(diff.Tracks) > 0 {
		if _, err := tx.Exec(ctx, upsertTracksQuery, upsertTracksArgs(diff.Tracks)...); err != nil {
			return apperr.Persistence("batch upserting tracks", err)
		}
	}

	if len(diff.Removed) > 0 {
		deleteQuery := `DELETE FROM playlist_tracks WHERE playlist_id = $1 AND track_id = ANY($2)`
		if _, err := tx.Exec(ctx, deleteQuery, p.ID, diff.Removed); err != nil {
			return apperr.Persistence("deleting associations", err)
		}
	}

	if len(diff.Upserts) > 0 {
		upsertQuery := `
			INSERT INTO playlist_tracks (playlist_id, track_id, position, added_at, added_by)
			SELECT $1, track_id, position, added_at, added_by
			FROM unnest($2::text[], $3::int[], $4::timestamptz[], $5::text[]) AS a(track_id, position, added_at, added_by)
			ON CONFLICT (playlist_id, track_id) DO UPDATE SET
				position = EXCLUDED.position,
				added_at = EXCLUDED.added_at,
				added_by = EXCLUDED.added_by
		`
		trackIDs := make([]string, len(diff.Upserts))
		positions := make([]int32, len(diff.Upserts))
		addedAts := make([]*time.Time, len(diff.Upserts))
		addedBys := make([]string, len(diff.Upserts))
		for i, a := range diff.Upserts {
			trackIDs[i] = a.TrackID
			positions[i] = int32(a.Position)
			addedAts[i] = a.AddedAt
			addedBys[i] = a.AddedBy
		}
		if _, err := tx.Exec(ctx, upsertQuery, p.ID, trackIDs, positions, addedAts, addedBys); err != nil {
			return apperr.Persistence("upserting associations", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Persistence("committing playlist diff", err)
	}
	return nil
}

// UpdateSnapshot advances the stored snapshot token after a successful apply.
func (r *PlaylistRepository) UpdateSnapshot(ctx context.Context, playlistID, snapshot string, syncedAt time.Time) error {
	query := `
		UPDATE playlists
		SET snapshot_token = $2, last_synced_at = $3, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, playlistID, snapshot, syncedAt)
	if err != nil {
		return apperr.Persistence("updating snapshot", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Unlink removes an account's membership of a playlist. When no account
// follows the playlist anymore, it is deleted along with its associations.
// Tracks are kept since they may belong to other playlists and carry
// analyses. Reports whether the playlist itself was deleted.
func (r *PlaylistRepository) Unlink(ctx context.Context, accountID, playlistID string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, apperr.Persistence("beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	// Lock the playlist row so a concurrent link cannot slip in between the
	// membership count and the delete.
	var id string
	err = tx.QueryRow(ctx, `SELECT id FROM playlists WHERE id = $1 FOR UPDATE`, playlistID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Persistence("locking playlist", err)
	}

	unlinkQuery := `DELETE FROM account_playlists WHERE account_id = $1 AND playlist_id = $2`
	if _, err := tx.Exec(ctx, unlinkQuery, accountID, playlistID); err != nil {
		return false, apperr.Persistence("unlinking playlist", err)
	}

	var remaining int
	countQuery := `SELECT COUNT(*) FROM account_playlists WHERE playlist_id = $1`
	if err := tx.QueryRow(ctx, countQuery, playlistID).Scan(&remaining); err != nil {
		return false, apperr.Persistence("counting playlist members", err)
	}

	deleted := false
	if remaining == 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM playlist_tracks WHERE playlist_id = $1`, playlistID); err != nil {
			return false, apperr.Persistence("deleting associations", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM playlists WHERE id = $1`, playlistID); err != nil {
			return false, apperr.Persistence("deleting playlist", err)
		}
		deleted = true
	}
	if err := tx.Commit(ctx); err != nil {
		return false, apperr.Persistence("committing playlist unlink", err)
	}
	return deleted, nil
}
