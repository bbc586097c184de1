package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
)

type fakeCounter struct {
	counts      db.StatusCounts
	err         error
	gotKind     db.ScopeKind
	gotID       string
	staleBefore time.Time
}

func (f *fakeCounter) StatusCounts(ctx context.Context, kind db.ScopeKind, id string, staleBefore time.Time) (db.StatusCounts, error) {
	f.gotKind, f.gotID, f.staleBefore = kind, id, staleBefore
	return f.counts, f.err
}

func TestTrackerStatus(t *testing.T) {
	tests := []struct {
		name   string
		counts db.StatusCounts
		want   Status
	}{
		{
			name:   "empty scope",
			counts: db.StatusCounts{},
			want:   Status{},
		},
		{
			name:   "mid run",
			counts: db.StatusCounts{Total: 8, Completed: 3, Failed: 1, InProgress: 2},
			want: Status{
				Total: 8, Completed: 3, Failed: 1, InProgress: 2, Pending: 2,
				ProgressPercentage: 37.5, HasActiveAnalysis: true,
			},
		},
		{
			name:   "done",
			counts: db.StatusCounts{Total: 3, Completed: 3},
			want:   Status{Total: 3, Completed: 3, ProgressPercentage: 100},
		},
		{
			name:   "rounds to one decimal",
			counts: db.StatusCounts{Total: 3, Completed: 1},
			want:   Status{Total: 3, Completed: 1, Pending: 2, ProgressPercentage: 33.3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := &fakeCounter{counts: tt.counts}
			tracker := NewTracker(counter, 0)
			got, err := tracker.Status(context.Background(), Scope{Kind: db.ScopePlaylist, ID: "p1"})
			if err != nil {
				t.Fatalf("Status() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Status() = %+v, want %+v", got, tt.want)
			}
			if counter.gotKind != db.ScopePlaylist || counter.gotID != "p1" {
				t.Errorf("counter called with %s/%s", counter.gotKind, counter.gotID)
			}
		})
	}
}

func TestTrackerStaleCutoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	counter := &fakeCounter{}
	tracker := NewTracker(counter, 10*time.Minute)
	tracker.now = func() time.Time { return now }

	if _, err := tracker.Status(context.Background(), Scope{Kind: db.ScopeAccount, ID: "acct"}); err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if want := now.Add(-10 * time.Minute); !counter.staleBefore.Equal(want) {
		t.Errorf("staleBefore = %v, want %v", counter.staleBefore, want)
	}
}

func TestTrackerError(t *testing.T) {
	boom := errors.New("db down")
	tracker := NewTracker(&fakeCounter{err: boom}, 0)
	if _, err := tracker.Status(context.Background(), Scope{Kind: db.ScopeAccount, ID: "acct"}); !errors.Is(err, boom) {
		t.Errorf("Status() error = %v", err)
	}
}

func TestParseScope(t *testing.T) {
	if s, err := ParseScope("playlist", "p1"); err != nil || s.Kind != db.ScopePlaylist {
		t.Errorf("ParseScope(playlist) = %+v, %v", s, err)
	}
	if _, err := ParseScope("album", "x"); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("ParseScope(album) error = %v", err)
	}
	if _, err := ParseScope("account", ""); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("ParseScope(empty id) error = %v", err)
	}
}
