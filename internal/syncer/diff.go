package syncer

import (
	"strings"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
)

// Diff is the three-way comparison of a remote listing against stored associations.
type Diff struct {
	Added     []db.Association
	Removed   []string
	Reordered []db.Association
	// Tracks holds metadata for added tracks, upserted with the diff.
	Tracks []db.Track
	// Skipped counts remote entries without an id and repeated occurrences.
	Skipped int
}

// Empty reports whether applying the diff would change any association.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Reordered) == 0
}

// ComputeDiff compares the remote listing with the stored associations of
// playlistID. Remote entries without an id and later duplicates of a track
// are skipped; positions are assigned densely over the kept entries in
// remote order.
func ComputeDiff(playlistID string, remote []RemoteTrack, stored []db.Association) Diff {
	var diff Diff

	current := make(map[string]db.Association, len(stored))
	for _, a := range stored {
		current[a.TrackID] = a
	}

	seen := make(map[string]bool, len(remote))
	position := 0
	for _, rt := range remote {
		if rt.ID == "" || seen[rt.ID] {
			diff.Skipped++
			continue
		}
		seen[rt.ID] = true

		assoc := db.Association{
			PlaylistID: playlistID,
			TrackID:    rt.ID,
			Position:   position,
			AddedAt:    rt.AddedAt,
			AddedBy:    rt.AddedBy,
		}
		position++

		existing, ok := current[rt.ID]
		switch {
		case !ok:
			diff.Added = append(diff.Added, assoc)
			diff.Tracks = append(diff.Tracks, db.Track{
				ID:         rt.ID,
				Title:      rt.Title,
				Artist:     strings.Join(rt.Artists, ", "),
				Album:      rt.Album,
				DurationMs: rt.DurationMs,
			})
		case existing.Position != assoc.Position:
			diff.Reordered = append(diff.Reordered, assoc)
		}
	}

	for _, a := range stored {
		if !seen[a.TrackID] {
			diff.Removed = append(diff.Removed, a.TrackID)
		}
	}
	return diff
}

// AddedTrackIDs returns the ids of added associations in remote order.
func (d Diff) AddedTrackIDs() []string {
	ids := make([]string, len(d.Added))
	for i, a := range d.Added {
		ids[i] = a.TrackID
	}
	return ids
}
