// Package analysis decides which tracks need scoring and runs scoring in
// bounded batches.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/logging"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/scorer"
)

const (
	DefaultBatchSize       = 25
	DefaultWorkers         = 4
	DefaultMaxInFlight     = 4
	DefaultFreshnessWindow = 30 * 24 * time.Hour
	DefaultMaxRetries      = 3
	DefaultStalePending    = 30 * time.Minute

	// SourceScorer and SourceRule record where a completed analysis came from.
	SourceScorer = "scorer"
	SourceRule   = "rule"
)

var (
	// ErrNoLyrics is recorded when no provider has lyrics for a track.
	ErrNoLyrics = errors.New("no lyrics available")

	// ErrTrackNotFound is reported for ids that are not in the catalog.
	ErrTrackNotFound = errors.New("track not found")
)

// AnalysisStore persists analysis attempts.
type AnalysisStore interface {
	Insert(ctx context.Context, a *db.Analysis) error
	Complete(ctx context.Context, a *db.Analysis) error
	Fail(ctx context.Context, id uuid.UUID, message string, retryCount int) error
	Latest(ctx context.Context, trackIDs []string) (map[string]db.Analysis, error)
}

// TrackStore reads track metadata and stores fetched lyrics.
type TrackStore interface {
	GetMany(ctx context.Context, ids []string) (map[string]db.Track, error)
	UpdateLyrics(ctx context.Context, id, lyrics string) error
}

// RuleStore looks up an account's allow/deny decisions.
type RuleStore interface {
	ForTracks(ctx context.Context, accountID string, trackIDs []string) (map[string]db.Rule, error)
}

// LyricsSource resolves lyrics for a track, returning found=false when none exist.
type LyricsSource interface {
	GetOrFetch(ctx context.Context, title, artist string) (string, bool, error)
}

// Scorer scores one track's lyrics.
type Scorer interface {
	Score(ctx context.Context, req scorer.Request) (scorer.Result, error)
}

// ProgressFunc is called after each track with the running count.
type ProgressFunc func(current, total int, label string)

// BatchOptions tune one AnalyzeBatch call.
type BatchOptions struct {
	// BatchSize overrides the scheduler's chunk size when positive.
	BatchSize int
	// AccountID selects whose allow/deny rules apply.
	AccountID string
	Progress  ProgressFunc
}

// TrackError is one track's failure inside a batch.
type TrackError struct {
	TrackID string
	Err     error
}

func (e TrackError) Error() string {
	return fmt.Sprintf("track %s: %v", e.TrackID, e.Err)
}

func (e TrackError) Unwrap() error { return e.Err }

// BatchResult summarizes an AnalyzeBatch call.
type BatchResult struct {
	Requested     int
	TotalAnalyzed int
	Failed        int
	Errors        []TrackError
	// Cancelled is set when the context ended before every chunk ran.
	Cancelled bool
}

// Scheduler runs track analysis.
type Scheduler struct {
	analyses AnalysisStore
	tracks   TrackStore
	rules    RuleStore
	lyrics   LyricsSource
	scorer   Scorer

	batchSize    int
	workers      int
	inFlight     *semaphore.Weighted
	freshness    time.Duration
	maxRetries   int
	stalePending time.Duration
	now          func() time.Time
	logger       *log.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBatchSize sets the default chunk size.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithWorkers sets the number of workers per chunk.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithMaxInFlight bounds concurrent Scorer calls across all batches.
func WithMaxInFlight(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.inFlight = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithFreshnessWindow sets how long a completed analysis stays authoritative.
func WithFreshnessWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.freshness = d
		}
	}
}

// WithMaxRetries sets how many consecutive failures a track may have before
// it stops being retried.
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithStalePending sets how long a pending analysis counts as in progress.
func WithStalePending(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.stalePending = d
		}
	}
}

// WithRules enables allow/deny rules.
func WithRules(r RuleStore) Option {
	return func(s *Scheduler) {
		s.rules = r
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logging.Component(l, "analysis")
	}
}

// NewScheduler creates a scheduler.
func NewScheduler(analyses AnalysisStore, tracks TrackStore, lyrics LyricsSource, sc Scorer, opts ...Option) *Scheduler {
	s := &Scheduler{
		analyses:     analyses,
		tracks:       tracks,
		lyrics:       lyrics,
		scorer:       sc,
		batchSize:    DefaultBatchSize,
		workers:      DefaultWorkers,
		inFlight:     semaphore.NewWeighted(DefaultMaxInFlight),
		freshness:    DefaultFreshnessWindow,
		maxRetries:   DefaultMaxRetries,
		stalePending: DefaultStalePending,
		now:          time.Now,
		logger:       logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StalePending returns how long a pending analysis counts as in progress.
func (s *Scheduler) StalePending() time.Duration {
	return s.stalePending
}

// AnalyzeBatch scores trackIDs in chunks. Chunks run one after another and
// cancellation is checked between them; work already handed to a worker
// runs to completion. A track's failure is recorded in the result and does
// not stop the rest of its chunk.
func (s *Scheduler) AnalyzeBatch(ctx context.Context, trackIDs []string, opts BatchOptions) (*BatchResult, error) {
	ids := dedupe(trackIDs)
	result := &BatchResult{Requested: len(ids)}
	if len(ids) == 0 {
		return result, nil
	}

	size := opts.BatchSize
	if size <= 0 {
		size = s.batchSize
	}

	run := &batchRun{result: result, total: len(ids), progress: opts.Progress}
	for start := 0; start < len(ids); start += size {
		if ctx.Err() != nil {
			result.Cancelled = true
			s.logger.Info("analysis cancelled", "done", run.done, "total", run.total)
			break
		}
		chunk := ids[start:min(start+size, len(ids))]
		if err := s.runChunk(ctx, chunk, opts.AccountID, run); err != nil {
			return result, err
		}
	}

	s.logger.Info("analysis batch finished",
		"requested", result.Requested,
		"analyzed", result.TotalAnalyzed,
		"failed", result.Failed,
		"cancelled", result.Cancelled)
	return result, nil
}

// batchRun collects results across chunks. Its mutex also serializes
// progress callbacks.
type batchRun struct {
	mu       sync.Mutex
	result   *BatchResult
	done     int
	total    int
	progress ProgressFunc
}

func (r *batchRun) record(trackID, label string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done++
	if err != nil {
		r.result.Failed++
		r.result.Errors = append(r.result.Errors, TrackError{TrackID: trackID, Err: err})
	} else {
		r.result.TotalAnalyzed++
	}
	if r.progress != nil {
		r.progress(r.done, r.total, label)
	}
}

type job struct {
	id    string
	track db.Track
	found bool
	prior *db.Analysis
	rule  db.Rule
}

func (s *Scheduler) runChunk(ctx context.Context, chunk []string, accountID string, run *batchRun) error {
	tracks, err := s.tracks.GetMany(ctx, chunk)
	if err != nil {
		return fmt.Errorf("loading tracks: %w", err)
	}
	latest, err := s.analyses.Latest(ctx, chunk)
	if err != nil {
		return fmt.Errorf("loading latest analyses: %w", err)
	}
	var rules map[string]db.Rule
	if accountID != "" && s.rules != nil {
		rules, err = s.rules.ForTracks(ctx, accountID, chunk)
		if err != nil {
			return fmt.Errorf("loading track rules: %w", err)
		}
	}

	// In-flight work finishes even if the caller gives up mid-chunk.
	workCtx := context.WithoutCancel(ctx)

	jobs := make(chan job, s.workers)
	var wg sync.WaitGroup
	for range min(s.workers, len(chunk)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				label := j.id
				if j.found {
					label = j.track.Artist + " - " + j.track.Title
				}
				run.record(j.id, label, s.analyzeTrack(workCtx, j))
			}
		}()
	}

	for _, id := range chunk {
		j := job{id: id, rule: rules[id]}
		j.track, j.found = tracks[id]
		if a, ok := latest[id]; ok {
			j.prior = &a
		}
		jobs <- j
	}
	close(jobs)
	wg.Wait()
	return nil
}

// analyzeTrack produces one analysis record for a track.
func (s *Scheduler) analyzeTrack(ctx context.Context, j job) error {
	if !j.found {
		return ErrTrackNotFound
	}

	if j.rule != "" {
		return s.applyRule(ctx, j)
	}

	retryCount := 0
	if j.prior != nil && j.prior.Status != db.AnalysisCompleted {
		retryCount = j.prior.RetryCount
	}

	record := &db.Analysis{
		TrackID:    j.id,
		Status:     db.AnalysisPending,
		RetryCount: retryCount,
		Source:     SourceScorer,
	}
	if err := s.analyses.Insert(ctx, record); err != nil {
		return fmt.Errorf("recording pending analysis: %w", err)
	}

	res, err := s.score(ctx, j.track)
	if err != nil {
		if failErr := s.analyses.Fail(ctx, record.ID, err.Error(), retryCount+1); failErr != nil {
			s.logger.Error("failed to record analysis failure", "track", j.id, "err", failErr)
		}
		return err
	}

	score := res.Score
	record.Score = &score
	record.ConcernLevel = res.ConcernLevel
	record.Themes = res.Themes
	record.Concerns = res.Concerns
	record.ScriptureRefs = res.ScriptureRefs
	record.Explanation = res.Explanation
	if err := s.analyses.Complete(ctx, record); err != nil {
		return fmt.Errorf("recording completed analysis: %w", err)
	}
	return nil
}

// score fills in missing lyrics and calls the scorer under the shared
// in-flight limit.
func (s *Scheduler) score(ctx context.Context, track db.Track) (scorer.Result, error) {
	var lyrics string
	if track.Lyrics != nil {
		lyrics = *track.Lyrics
	}
	if lyrics == "" {
		text, found, err := s.lyrics.GetOrFetch(ctx, track.Title, track.Artist)
		if err != nil && !found {
			return scorer.Result{}, fmt.Errorf("fetching lyrics: %w", err)
		}
		if !found {
			return scorer.Result{}, ErrNoLyrics
		}
		lyrics = text
		if err := s.tracks.UpdateLyrics(ctx, track.ID, lyrics); err != nil {
			s.logger.Warn("failed to store lyrics", "track", track.ID, "err", err)
		}
	}

	if err := s.inFlight.Acquire(ctx, 1); err != nil {
		return scorer.Result{}, err
	}
	defer s.inFlight.Release(1)

	return s.scorer.Score(ctx, scorer.Request{Title: track.Title, Artist: track.Artist, Lyrics: lyrics})
}

// applyRule records a deterministic outcome without calling the scorer.
func (s *Scheduler) applyRule(ctx context.Context, j job) error {
	score, explanation := 0, "Denied by account rule."
	if j.rule == db.RuleAllow {
		score, explanation = 100, "Allowed by account rule."
	}
	now := s.now()
	record := &db.Analysis{
		TrackID:      j.id,
		Status:       db.AnalysisCompleted,
		Score:        &score,
		ConcernLevel: scorer.ConcernLevelFor(score),
		Explanation:  explanation,
		Source:       SourceRule,
		CompletedAt:  &now,
	}
	if err := s.analyses.Insert(ctx, record); err != nil {
		return fmt.Errorf("recording rule analysis: %w", err)
	}
	return nil
}
