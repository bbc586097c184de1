package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/analysis"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/auth"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/config"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/logging"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/lyrics"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/pipeline"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/progress"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/scorer"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/spotify"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/syncer"
)

// app holds the components built from a config.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	db       *db.DB
	redis    redis.UniversalClient
	tokens   *auth.Manager
	pipeline *pipeline.Pipeline
}

// loadConfig reads and validates the config at path.
func loadConfig(path string) (*config.Config, *log.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.Log.Level))
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openDB connects to Postgres.
func openDB(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	database, err := db.New(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return database, nil
}

// newApp wires every component. requireScorer fails fast when the scorer is
// not configured; otherwise auto-analysis is turned off.
func newApp(ctx context.Context, path string, requireScorer bool) (*app, error) {
	cfg, logger, err := loadConfig(path)
	if err != nil {
		return nil, err
	}

	scorerErr := cfg.ValidateScorer()
	if scorerErr != nil && requireScorer {
		return nil, scorerErr
	}

	database, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: database}

	cache, err := a.lyricsCache()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.tokens = auth.NewManager(
		database.Tokens(),
		auth.NewOAuthRefresher(cfg.Spotify.ClientID, cfg.Spotify.ClientSecret),
		auth.WithLogger(logging.Component(logger, "auth")),
	)

	catalog := spotify.NewCatalog(spotify.ManagerTokens(a.tokens))
	catalogSyncer := syncer.New(catalog, database.Playlists(), database.Accounts(),
		syncer.WithSyncCooldown(cfg.Sync.Cooldown.Duration),
		syncer.WithConcurrency(cfg.Sync.Concurrency),
		syncer.WithLogger(logger),
	)

	scorerClient := scorer.NewClient(scorer.Config{
		APIKey:            cfg.Scorer.APIKey,
		BaseURL:           cfg.Scorer.BaseURL,
		Model:             cfg.Scorer.Model,
		Timeout:           cfg.Scorer.Timeout.Duration,
		RequestsPerSecond: cfg.Scorer.RequestsPerSecond,
	})

	scheduler := analysis.NewScheduler(database.Analyses(), database.Tracks(), cache, scorerClient,
		analysis.WithBatchSize(cfg.Analysis.BatchSize),
		analysis.WithWorkers(cfg.Analysis.Workers),
		analysis.WithMaxInFlight(cfg.Analysis.MaxInFlight),
		analysis.WithFreshnessWindow(cfg.Analysis.FreshnessWindow.Duration),
		analysis.WithMaxRetries(cfg.Analysis.MaxRetries),
		analysis.WithStalePending(cfg.Analysis.StalePending.Duration),
		analysis.WithRules(database.Rules()),
		analysis.WithLogger(logger),
	)

	autoAnalyze := cfg.Sync.AutoAnalyze
	if autoAnalyze && scorerErr != nil {
		logger.Warn("auto-analysis disabled", "err", scorerErr)
		autoAnalyze = false
	}

	a.pipeline = pipeline.New(pipeline.Deps{
		Syncer:   catalogSyncer,
		Analyzer: scheduler,
		Status:   progress.NewTracker(database.Analyses(), cfg.Analysis.StalePending.Duration),
		Catalog:  pipeline.DBCatalog{DB: database},
		Tokens:   a.tokens,
	},
		pipeline.WithAutoAnalyze(autoAnalyze),
		pipeline.WithConcurrency(cfg.Sync.Concurrency),
		pipeline.WithLogger(logger),
	)
	return a, nil
}

// lyricsCache builds the provider chain on top of Postgres, fronted by Redis
// when an address is configured.
func (a *app) lyricsCache() (*lyrics.Cache, error) {
	cfg := a.cfg.Lyrics
	providers, err := lyrics.ProvidersByName(cfg.Providers,
		lyrics.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Duration}),
		lyrics.WithRateLimit(cfg.RequestsPerSecond),
	)
	if err != nil {
		return nil, err
	}

	var store lyrics.Store = a.db.Lyrics()
	if addr := a.cfg.Redis.Addr; addr != "" {
		a.redis = lyrics.NewRedisClient(addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
		fast := lyrics.NewRedisStore(a.redis, cfg.NegativeTTL.Duration, 0)
		store = lyrics.NewTieredStore(fast, store, logging.Component(a.logger, "lyrics"))
	}

	return lyrics.NewCache(store, providers,
		lyrics.WithNegativeTTL(cfg.NegativeTTL.Duration),
		lyrics.WithLogger(logging.Component(a.logger, "lyrics")),
	), nil
}

// Close releases connections.
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("closing redis", "err", err)
		}
	}
	a.db.Close()
}
