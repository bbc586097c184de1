package syncer

import (
	"slices"
	"testing"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
)

func stored(ids ...string) []db.Association {
	out := make([]db.Association, len(ids))
	for i, id := range ids {
		out[i] = db.Association{PlaylistID: "p", TrackID: id, Position: i}
	}
	return out
}

func trackIDs(assocs []db.Association) []string {
	ids := make([]string, len(assocs))
	for i, a := range assocs {
		ids[i] = a.TrackID
	}
	return ids
}

func TestComputeDiff(t *testing.T) {
	tests := []struct {
		name          string
		remote        []RemoteTrack
		stored        []db.Association
		wantAdded     []string
		wantRemoved   []string
		wantReordered []string
		wantSkipped   int
	}{
		{
			name:      "new playlist",
			remote:    tracks("a", "b"),
			wantAdded: []string{"a", "b"},
		},
		{
			name:   "identical",
			remote: tracks("a", "b"),
			stored: stored("a", "b"),
		},
		{
			name:          "swap",
			remote:        tracks("b", "a"),
			stored:        stored("a", "b"),
			wantReordered: []string{"b", "a"},
		},
		{
			name:          "removal shifts later tracks",
			remote:        tracks("a", "c"),
			stored:        stored("a", "b", "c"),
			wantRemoved:   []string{"b"},
			wantReordered: []string{"c"},
		},
		{
			name:        "emptied",
			stored:      stored("a", "b"),
			wantRemoved: []string{"a", "b"},
		},
		{
			name:        "local entries and duplicates skipped",
			remote:      []RemoteTrack{{ID: "a"}, {ID: ""}, {ID: "a"}, {ID: "b"}},
			stored:      stored("a"),
			wantAdded:   []string{"b"},
			wantSkipped: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := ComputeDiff("p", tt.remote, tt.stored)

			if got := trackIDs(diff.Added); !slices.Equal(got, tt.wantAdded) && len(got)+len(tt.wantAdded) > 0 {
				t.Errorf("Added = %v, want %v", got, tt.wantAdded)
			}
			if !slices.Equal(diff.Removed, tt.wantRemoved) && len(diff.Removed)+len(tt.wantRemoved) > 0 {
				t.Errorf("Removed = %v, want %v", diff.Removed, tt.wantRemoved)
			}
			if got := trackIDs(diff.Reordered); !slices.Equal(got, tt.wantReordered) && len(got)+len(tt.wantReordered) > 0 {
				t.Errorf("Reordered = %v, want %v", got, tt.wantReordered)
			}
			if diff.Skipped != tt.wantSkipped {
				t.Errorf("Skipped = %d, want %d", diff.Skipped, tt.wantSkipped)
			}
			if len(diff.Tracks) != len(diff.Added) {
				t.Errorf("Tracks = %d, want one per added entry", len(diff.Tracks))
			}
		})
	}
}

func TestComputeDiff_DensePositions(t *testing.T) {
	remote := []RemoteTrack{{ID: "a"}, {ID: ""}, {ID: "b"}, {ID: "c"}}
	diff := ComputeDiff("p", remote, nil)
	for i, a := range diff.Added {
		if a.Position != i {
			t.Errorf("%s position = %d, want %d", a.TrackID, a.Position, i)
		}
	}
	if diff.Empty() {
		t.Error("diff should not be empty")
	}
	if !ComputeDiff("p", tracks("a"), stored("a")).Empty() {
		t.Error("identical listing should give an empty diff")
	}
}

func TestComputeDiff_JoinsArtists(t *testing.T) {
	remote := []RemoteTrack{{ID: "a", Title: "Song", Artists: []string{"One", "Two"}, DurationMs: 1000}}
	diff := ComputeDiff("p", remote, nil)
	if diff.Tracks[0].Artist != "One, Two" {
		t.Errorf("Artist = %q", diff.Tracks[0].Artist)
	}
}
