// Package progress reports analysis progress for an account or playlist.
// Every figure is derived from stored analysis records.
package progress

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
)

// DefaultStalePending matches the scheduler's default.
const DefaultStalePending = 30 * time.Minute

// Scope selects the tracks a status covers.
type Scope struct {
	Kind db.ScopeKind
	ID   string
}

// ParseScope validates a scope kind given as text.
func ParseScope(kind, id string) (Scope, error) {
	switch k := db.ScopeKind(kind); k {
	case db.ScopeAccount, db.ScopePlaylist:
		if id == "" {
			return Scope{}, apperr.Validation("parsing scope", fmt.Errorf("empty %s id", kind))
		}
		return Scope{Kind: k, ID: id}, nil
	default:
		return Scope{}, apperr.Validation("parsing scope", fmt.Errorf("unknown scope kind %q", kind))
	}
}

// Status is a point-in-time view of analysis progress.
type Status struct {
	Total              int     `json:"total"`
	Completed          int     `json:"completed"`
	InProgress         int     `json:"in_progress"`
	Pending            int     `json:"pending"`
	Failed             int     `json:"failed"`
	ProgressPercentage float64 `json:"progress_percentage"`
	HasActiveAnalysis  bool    `json:"has_active_analysis"`
}

// Counter counts latest analysis statuses in a scope.
type Counter interface {
	StatusCounts(ctx context.Context, kind db.ScopeKind, id string, staleBefore time.Time) (db.StatusCounts, error)
}

// Tracker computes Status values. It holds no state of its own.
type Tracker struct {
	counter      Counter
	stalePending time.Duration
	now          func() time.Time
}

// NewTracker creates a tracker. Pending analyses older than stalePending are
// reported as pending rather than in progress.
func NewTracker(counter Counter, stalePending time.Duration) *Tracker {
	if stalePending <= 0 {
		stalePending = DefaultStalePending
	}
	return &Tracker{counter: counter, stalePending: stalePending, now: time.Now}
}

// Status returns progress for the scope.
func (t *Tracker) Status(ctx context.Context, scope Scope) (Status, error) {
	counts, err := t.counter.StatusCounts(ctx, scope.Kind, scope.ID, t.now().Add(-t.stalePending))
	if err != nil {
		return Status{}, fmt.Errorf("counting %s %s: %w", scope.Kind, scope.ID, err)
	}
	return fromCounts(counts), nil
}

func fromCounts(c db.StatusCounts) Status {
	s := Status{
		Total:             c.Total,
		Completed:         c.Completed,
		InProgress:        c.InProgress,
		Failed:            c.Failed,
		Pending:           max(c.Total-c.Completed-c.Failed-c.InProgress, 0),
		HasActiveAnalysis: c.InProgress > 0,
	}
	if c.Total > 0 {
		s.ProgressPercentage = math.Round(float64(c.Completed)/float64(c.Total)*1000) / 10
	}
	return s
}
