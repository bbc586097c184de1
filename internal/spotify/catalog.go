package spotify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/zmb3/spotify/v2"
	"golang.org/x/oauth2"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/auth"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/syncer"
)

const (
	playlistPageSize = 50  // API maximum
	itemPageSize     = 100 // API maximum
)

// TokenSourceFunc returns the token source for an account.
type TokenSourceFunc func(ctx context.Context, accountID string) oauth2.TokenSource

// ManagerTokens serves tokens from the auth manager, refreshing as needed.
func ManagerTokens(m *auth.Manager) TokenSourceFunc {
	return func(ctx context.Context, accountID string) oauth2.TokenSource {
		return auth.TokenSource(ctx, m, accountID)
	}
}

// Catalog implements syncer.Catalog on the Spotify Web API. Cursors are
// page offsets.
type Catalog struct {
	tokens  TokenSourceFunc
	baseURL string
}

var _ syncer.Catalog = (*Catalog)(nil)

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithAPIBaseURL points the catalog at a different API root. The URL must end with a slash.
func WithAPIBaseURL(u string) CatalogOption {
	return func(c *Catalog) {
		c.baseURL = u
	}
}

// NewCatalog creates a catalog that authenticates each account with tokens.
func NewCatalog(tokens TokenSourceFunc, opts ...CatalogOption) *Catalog {
	c := &Catalog{tokens: tokens}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientFor returns an API client authenticated as accountID.
func (c *Catalog) ClientFor(ctx context.Context, accountID string) *Client {
	return New(c.api(ctx, accountID))
}

func (c *Catalog) api(ctx context.Context, accountID string) *spotify.Client {
	opts := []spotify.ClientOption{spotify.WithRetry(true)}
	if c.baseURL != "" {
		opts = append(opts, spotify.WithBaseURL(c.baseURL))
	}
	return spotify.New(oauth2.NewClient(ctx, c.tokens(ctx, accountID)), opts...)
}

// ListPlaylists returns one page of the account's playlists.
func (c *Catalog) ListPlaylists(ctx context.Context, accountID, cursor string) (*syncer.PlaylistPage, error) {
	offset, err := parseCursor(cursor)
	if err != nil {
		return nil, err
	}

	page, err := c.api(ctx, accountID).CurrentUsersPlaylists(ctx, spotify.Limit(playlistPageSize), spotify.Offset(offset))
	if err != nil {
		return nil, classifyError("listing playlists", err)
	}

	playlists := make([]syncer.RemotePlaylist, len(page.Playlists))
	for i, p := range page.Playlists {
		playlists[i] = convertPlaylist(p)
	}
	return &syncer.PlaylistPage{
		Playlists: playlists,
		Next:      nextCursor(offset, len(page.Playlists), page.Next),
	}, nil
}

// ListPlaylistTracks returns one page of a playlist's items.
func (c *Catalog) ListPlaylistTracks(ctx context.Context, accountID, playlistID, cursor string) (*syncer.TrackPage, error) {
	offset, err := parseCursor(cursor)
	if err != nil {
		return nil, err
	}

	page, err := c.api(ctx, accountID).GetPlaylistItems(ctx, spotify.ID(playlistID), spotify.Limit(itemPageSize), spotify.Offset(offset))
	if err != nil {
		return nil, classifyError("listing playlist tracks", err)
	}

	tracks := make([]syncer.RemoteTrack, len(page.Items))
	for i, item := range page.Items {
		tracks[i] = convertItem(item)
	}
	return &syncer.TrackPage{
		Tracks: tracks,
		Next:   nextCursor(offset, len(page.Items), page.Next),
	}, nil
}

func parseCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(cursor)
	if err != nil || offset < 0 {
		return 0, apperr.Validation("parsing cursor", fmt.Errorf("invalid cursor %q", cursor))
	}
	return offset, nil
}

// nextCursor returns the offset of the following page, or "" when the API
// reports no next page.
func nextCursor(offset, count int, next string) string {
	if next == "" || count == 0 {
		return ""
	}
	return strconv.Itoa(offset + count)
}

// convertPlaylist converts a Spotify SimplePlaylist to a remote playlist.
func convertPlaylist(p spotify.SimplePlaylist) syncer.RemotePlaylist {
	return syncer.RemotePlaylist{
		ID:            p.ID.String(),
		Name:          p.Name,
		OwnerID:       p.Owner.ID,
		SnapshotToken: p.SnapshotID,
		TrackCount:    int(p.Tracks.Total),
	}
}

// convertItem converts a playlist item to a remote track. Local files and
// podcast episodes keep an empty ID.
func convertItem(item spotify.PlaylistItem) syncer.RemoteTrack {
	rt := syncer.RemoteTrack{AddedBy: item.AddedBy.ID}
	if addedAt, err := time.Parse(time.RFC3339, item.AddedAt); err == nil {
		rt.AddedAt = &addedAt
	}

	full := item.Track.Track
	if full == nil {
		return rt
	}

	artists := make([]string, len(full.Artists))
	for i, a := range full.Artists {
		artists[i] = a.Name
	}
	rt.Title = full.Name
	rt.Artists = artists
	rt.Album = full.Album.Name
	rt.DurationMs = int(full.Duration)
	if !item.IsLocal {
		rt.ID = full.ID.String()
	}
	return rt
}

// classifyError maps Spotify API errors onto error kinds. Transport errors,
// including token refresh failures, keep their own classification. Only 401
// means the credential is bad; 403 and 404 concern the one resource asked
// for, such as a restricted editorial playlist, and are not retried.
func classifyError(op string, err error) error {
	var apiErr spotify.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", op, err)
	}

	switch status := apiErr.Status; {
	case status == http.StatusUnauthorized:
		return apperr.Auth(op, err)
	case status == http.StatusTooManyRequests:
		return apperr.RateLimited(op, 0, err)
	case status >= http.StatusInternalServerError:
		return apperr.Transient(op, err)
	case status == http.StatusBadRequest:
		return apperr.Validation(op, err)
	default:
		return apperr.New(apperr.KindUnknown, op, err)
	}
}
