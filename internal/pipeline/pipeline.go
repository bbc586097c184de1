// Package pipeline ties sync, analysis and progress together into the
// operations the CLI and web server expose.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/analysis"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/auth"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/logging"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/progress"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/syncer"
)

// DefaultConcurrency is how many accounts a periodic refresh syncs at once.
const DefaultConcurrency = 4

// Syncer syncs one account.
type Syncer interface {
	Sync(ctx context.Context, accountID string, force bool) (*syncer.SyncResult, error)
	CanSync(ctx context.Context, accountID string) (bool, time.Time, error)
}

// Analyzer filters and scores tracks.
type Analyzer interface {
	GetTracksNeedingAnalysis(ctx context.Context, trackIDs []string, opts analysis.FilterOptions) (*analysis.FilterResult, error)
	AnalyzeBatch(ctx context.Context, trackIDs []string, opts analysis.BatchOptions) (*analysis.BatchResult, error)
}

// StatusReader reports progress for a scope.
type StatusReader interface {
	Status(ctx context.Context, scope progress.Scope) (progress.Status, error)
}

// Catalog resolves the tracks an analysis request covers.
type Catalog interface {
	ListAccounts(ctx context.Context) ([]db.Account, error)
	PlaylistTrackIDs(ctx context.Context, playlistID string) ([]string, error)
	AccountTrackIDs(ctx context.Context, accountID string) ([]string, error)
}

// TokenStates reports whether an account's credential is usable.
type TokenStates interface {
	State(ctx context.Context, accountID string) (auth.State, error)
}

// Deps are the components a Pipeline drives.
type Deps struct {
	Syncer   Syncer
	Analyzer Analyzer
	Status   StatusReader
	Catalog  Catalog
	Tokens   TokenStates
}

// Pipeline exposes sync, analyze and status.
type Pipeline struct {
	deps        Deps
	autoAnalyze bool
	concurrency int
	logger      *log.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAutoAnalyze analyzes newly added tracks after each sync.
func WithAutoAnalyze(on bool) Option {
	return func(p *Pipeline) {
		p.autoAnalyze = on
	}
}

// WithConcurrency bounds how many accounts sync at once during a refresh.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logging.Component(l, "pipeline")
	}
}

// New creates a pipeline.
func New(deps Deps, opts ...Option) *Pipeline {
	p := &Pipeline{
		deps:        deps,
		concurrency: DefaultConcurrency,
		logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SyncReport is the outcome of Sync.
type SyncReport struct {
	Sync *syncer.SyncResult
	// Analysis is nil when auto-analyze is off or nothing was added.
	Analysis *AnalyzeReport
}

// Sync refreshes an account and, when enabled, analyzes the tracks it added.
// An analysis failure is logged; the sync result is still returned.
func (p *Pipeline) Sync(ctx context.Context, accountID string, force bool) (*SyncReport, error) {
	result, syncErr := p.deps.Syncer.Sync(ctx, accountID, force)
	if result == nil {
		return nil, syncErr
	}
	// An aborted sync still reports the playlists it applied; their added
	// tracks are analyzed now since the next sync sees an equal snapshot.
	report := &SyncReport{Sync: result}

	if !p.autoAnalyze || len(result.AddedTrackIDs) == 0 {
		return report, syncErr
	}
	analyzed, err := p.Analyze(ctx, AnalyzeRequest{AccountID: accountID, TrackIDs: result.AddedTrackIDs})
	if err != nil {
		p.logger.Error("analysis after sync failed", "account", accountID, "err", err)
		return report, syncErr
	}
	report.Analysis = analyzed
	return report, syncErr
}

// AnalyzeRequest selects tracks to analyze. TrackIDs wins over PlaylistID;
// with neither, every track of AccountID is considered.
type AnalyzeRequest struct {
	AccountID  string
	TrackIDs   []string
	PlaylistID string
	Force      bool
	BatchSize  int
	Progress   analysis.ProgressFunc
}

// AnalyzeReport is the outcome of Analyze.
type AnalyzeReport struct {
	Filter *analysis.FilterResult
	Batch  *analysis.BatchResult
}

// Analyze filters the requested tracks and scores the ones that need it.
func (p *Pipeline) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeReport, error) {
	ids, err := p.resolveTracks(ctx, req)
	if err != nil {
		return nil, err
	}

	filter, err := p.deps.Analyzer.GetTracksNeedingAnalysis(ctx, ids, analysis.FilterOptions{
		RetryFailed: true,
		Force:       req.Force,
		AccountID:   req.AccountID,
	})
	if err != nil {
		return nil, fmt.Errorf("filtering tracks: %w", err)
	}

	batch, err := p.deps.Analyzer.AnalyzeBatch(ctx, filter.Needed, analysis.BatchOptions{
		BatchSize: req.BatchSize,
		AccountID: req.AccountID,
		Progress:  req.Progress,
	})
	if err != nil {
		return nil, fmt.Errorf("analyzing tracks: %w", err)
	}
	return &AnalyzeReport{Filter: filter, Batch: batch}, nil
}

func (p *Pipeline) resolveTracks(ctx context.Context, req AnalyzeRequest) ([]string, error) {
	switch {
	case len(req.TrackIDs) > 0:
		return req.TrackIDs, nil
	case req.PlaylistID != "":
		ids, err := p.deps.Catalog.PlaylistTrackIDs(ctx, req.PlaylistID)
		if err != nil {
			return nil, fmt.Errorf("listing playlist tracks: %w", err)
		}
		return ids, nil
	case req.AccountID != "":
		ids, err := p.deps.Catalog.AccountTrackIDs(ctx, req.AccountID)
		if err != nil {
			return nil, fmt.Errorf("listing account tracks: %w", err)
		}
		return ids, nil
	default:
		return nil, apperr.Validation("analyze", errors.New("track ids, playlist id or account id required"))
	}
}

// GetAnalysisStatus reports analysis progress for a scope.
func (p *Pipeline) GetAnalysisStatus(ctx context.Context, scope progress.Scope) (progress.Status, error) {
	return p.deps.Status.Status(ctx, scope)
}

// RunPeriodic refreshes every account now and then once per interval until
// ctx ends.
func (p *Pipeline) RunPeriodic(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.RefreshAll(ctx); err != nil {
			p.logger.Error("periodic refresh failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RefreshAll syncs every account that is outside its cooldown and has a
// usable token. Per-account failures are logged and do not stop the others.
func (p *Pipeline) RefreshAll(ctx context.Context) error {
	accounts, err := p.deps.Catalog.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, account := range accounts {
		g.Go(func() error {
			p.refreshAccount(gctx, account.ID)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) refreshAccount(ctx context.Context, accountID string) {
	logger := p.logger.With("account", accountID)

	if p.deps.Tokens != nil {
		state, err := p.deps.Tokens.State(ctx, accountID)
		if err != nil {
			logger.Warn("skipping account, token unavailable", "err", err)
			return
		}
		if state == auth.StateInvalid {
			logger.Info("skipping account, re-authentication required")
			return
		}
	}

	canSync, next, err := p.deps.Syncer.CanSync(ctx, accountID)
	if err != nil {
		logger.Warn("skipping account, cooldown check failed", "err", err)
		return
	}
	if !canSync {
		logger.Debug("skipping account inside cooldown", "next", next)
		return
	}

	if _, err := p.Sync(ctx, accountID, false); err != nil {
		if errors.Is(err, syncer.ErrSyncTooRecent) {
			return
		}
		logger.Error("sync failed", "err", err)
	}
}

// DBCatalog adapts the repositories to Catalog.
type DBCatalog struct {
	DB *db.DB
}

func (c DBCatalog) ListAccounts(ctx context.Context) ([]db.Account, error) {
	return c.DB.Accounts().List(ctx)
}

func (c DBCatalog) PlaylistTrackIDs(ctx context.Context, playlistID string) ([]string, error) {
	return c.DB.Playlists().TrackIDs(ctx, playlistID)
}

func (c DBCatalog) AccountTrackIDs(ctx context.Context, accountID string) ([]string, error) {
	return c.DB.Tracks().IDsForAccount(ctx, accountID)
}
