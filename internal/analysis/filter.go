package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
)

// FilterOptions tune GetTracksNeedingAnalysis. Zero values fall back to the
// scheduler's configuration.
type FilterOptions struct {
	FreshnessWindow time.Duration
	// RetryFailed includes failed tracks that are under the retry limit.
	RetryFailed bool
	// Force includes completed tracks regardless of freshness.
	Force bool
	// AccountID enables allow/deny prioritization when set.
	AccountID string
}

// FilterResult partitions the requested tracks.
type FilterResult struct {
	// Needed is the work list, rule-matched tracks first.
	Needed []string
	// Fresh tracks have a completed analysis inside the freshness window.
	Fresh []string
	// InProgress tracks have a pending analysis younger than the stale cutoff.
	InProgress []string
	// Failed tracks were skipped because RetryFailed was off.
	Failed []string
	// Exhausted tracks failed max_retries times in a row.
	Exhausted []string
}

// GetTracksNeedingAnalysis decides, per track, whether it should be analyzed
// now. Duplicate ids are collapsed.
func (s *Scheduler) GetTracksNeedingAnalysis(ctx context.Context, trackIDs []string, opts FilterOptions) (*FilterResult, error) {
	result := &FilterResult{}
	ids := dedupe(trackIDs)
	if len(ids) == 0 {
		return result, nil
	}

	freshness := opts.FreshnessWindow
	if freshness <= 0 {
		freshness = s.freshness
	}

	latest, err := s.analyses.Latest(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading latest analyses: %w", err)
	}

	now := s.now()
	for _, id := range ids {
		a, ok := latest[id]
		if !ok {
			result.Needed = append(result.Needed, id)
			continue
		}

		switch a.Status {
		case db.AnalysisPending:
			if now.Sub(a.CreatedAt) < s.stalePending {
				result.InProgress = append(result.InProgress, id)
			} else {
				result.Needed = append(result.Needed, id)
			}
		case db.AnalysisCompleted:
			if !opts.Force && now.Sub(a.CreatedAt) < freshness {
				result.Fresh = append(result.Fresh, id)
			} else {
				result.Needed = append(result.Needed, id)
			}
		case db.AnalysisFailed:
			switch {
			case opts.Force:
				result.Needed = append(result.Needed, id)
			case !opts.RetryFailed:
				result.Failed = append(result.Failed, id)
			case a.RetryCount < s.maxRetries:
				result.Needed = append(result.Needed, id)
			default:
				result.Exhausted = append(result.Exhausted, id)
			}
		default:
			result.Needed = append(result.Needed, id)
		}
	}

	if opts.AccountID != "" && len(result.Needed) > 0 && s.rules != nil {
		rules, err := s.rules.ForTracks(ctx, opts.AccountID, result.Needed)
		if err != nil {
			return nil, fmt.Errorf("loading track rules: %w", err)
		}
		result.Needed = prioritize(result.Needed, rules)
	}

	return result, nil
}

// prioritize moves rule-matched ids to the front, keeping relative order.
func prioritize(ids []string, rules map[string]db.Rule) []string {
	if len(rules) == 0 {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := rules[id]; ok {
			out = append(out, id)
		}
	}
	for _, id := range ids {
		if _, ok := rules[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
