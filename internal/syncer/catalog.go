package syncer

import (
	"context"
	"time"
)

// RemotePlaylist is a playlist as the catalog reports it.
type RemotePlaylist struct {
	ID            string
	Name          string
	OwnerID       string
	SnapshotToken string
	TrackCount    int
}

// RemoteTrack is one entry of a remote playlist listing. ID is empty for
// entries that are not catalog tracks (local files, podcast episodes).
type RemoteTrack struct {
	ID         string
	Title      string
	Artists    []string
	Album      string
	DurationMs int
	AddedAt    *time.Time
	AddedBy    string
}

// PlaylistPage is one page of an account's playlists. Next is empty on the last page.
type PlaylistPage struct {
	Playlists []RemotePlaylist
	Next      string
}

// TrackPage is one page of a playlist's tracks. Next is empty on the last page.
type TrackPage struct {
	Tracks []RemoteTrack
	Next   string
}

// Catalog is the paginated read API of the music catalog. An empty cursor
// requests the first page.
type Catalog interface {
	ListPlaylists(ctx context.Context, accountID, cursor string) (*PlaylistPage, error)
	ListPlaylistTracks(ctx context.Context, accountID, playlistID, cursor string) (*TrackPage, error)
}

// allPlaylists follows cursors until exhausted.
func allPlaylists(ctx context.Context, catalog Catalog, accountID string) ([]RemotePlaylist, error) {
	var (
		playlists []RemotePlaylist
		cursor    string
	)
	for {
		page, err := catalog.ListPlaylists(ctx, accountID, cursor)
		if err != nil {
			return nil, err
		}
		playlists = append(playlists, page.Playlists...)
		if page.Next == "" || page.Next == cursor {
			return playlists, nil
		}
		cursor = page.Next
	}
}

// allTracks follows cursors until exhausted.
func allTracks(ctx context.Context, catalog Catalog, accountID, playlistID string) ([]RemoteTrack, error) {
	var (
		tracks []RemoteTrack
		cursor string
	)
	for {
		page, err := catalog.ListPlaylistTracks(ctx, accountID, playlistID, cursor)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, page.Tracks...)
		if page.Next == "" || page.Next == cursor {
			return tracks, nil
		}
		cursor = page.Next
	}
}
