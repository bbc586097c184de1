// Command spotify-lyric-analyzer syncs Spotify playlists and scores their lyrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/auth"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/config"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/db"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/pipeline"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/progress"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/web"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "spotify-lyric-analyzer",
		Usage: "Sync Spotify playlists and analyze their lyrics",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Sources: cli.EnvVars("LYRIC_ANALYZER_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			initCommand(),
			serveCommand(),
			migrateCommand(),
			syncCommand(),
			analyzeCommand(),
			statusCommand(),
			rulesCommand(),
			tokenCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:      "init",
		Usage:     "Write an example configuration file",
		ArgsUsage: "[path]",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				path = "config.toml"
			}
			if err := config.CreateConfigFile(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the periodic account refresh",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-refresh",
				Usage: "Disable the periodic refresh of all accounts",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(ctx, cmd.String("config"), false)
			if err != nil {
				return err
			}
			defer a.Close()

			login, err := auth.NewAuthenticator(a.cfg.Spotify.ClientID, a.cfg.Spotify.ClientSecret, a.cfg.Spotify.RedirectURI)
			if err != nil {
				return err
			}

			server := web.NewServer(web.ServerConfig{
				Addr:   a.cfg.Server.Addr(),
				Logger: a.logger,
				Handlers: web.HandlersConfig{
					Service:  a.pipeline,
					Login:    login,
					Accounts: a.db.Accounts(),
					Tokens:   a.db.Tokens(),
				},
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.Run(gctx)
			})
			if !cmd.Bool("no-refresh") {
				g.Go(func() error {
					return a.pipeline.RunPeriodic(gctx, a.cfg.Sync.Interval.Duration)
				})
			}
			return g.Wait()
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "down",
				Usage: "Revert the most recent migration instead",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, _, err := loadConfig(cmd.String("config"))
			if err != nil {
				return err
			}
			database, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			if cmd.Bool("down") {
				version, err := database.Rollback(ctx)
				if err != nil {
					return err
				}
				if version == 0 {
					fmt.Println("Nothing to revert")
				} else {
					fmt.Printf("Reverted migration %d\n", version)
				}
				return nil
			}

			applied, err := database.Migrate(ctx)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Println("Database is up to date")
			}
			for _, v := range applied {
				fmt.Printf("Applied migration %d\n", v)
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Sync one account's playlists, or every account with --all",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Aliases: []string{"a"}, Usage: "Account id to sync"},
			&cli.BoolFlag{Name: "all", Usage: "Sync every account outside its cooldown"},
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "Bypass the sync cooldown"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			accountID := cmd.String("account")
			if accountID == "" && !cmd.Bool("all") {
				return errors.New("either --account or --all is required")
			}

			a, err := newApp(ctx, cmd.String("config"), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Bool("all") {
				return a.pipeline.RefreshAll(ctx)
			}

			report, err := a.pipeline.Sync(ctx, accountID, cmd.Bool("force"))
			if report != nil {
				printSyncReport(report)
			}
			return err
		},
	}
}

func printSyncReport(report *pipeline.SyncReport) {
	res := report.Sync
	for _, p := range res.Playlists {
		line := fmt.Sprintf("%-10s %s", p.Status, p.PlaylistID)
		if p.Name != "" {
			line += " (" + p.Name + ")"
		}
		if p.Added+p.Removed+p.Reordered > 0 {
			line += fmt.Sprintf(" +%d -%d ~%d", p.Added, p.Removed, p.Reordered)
		}
		if p.Err != nil {
			line += ": " + p.Err.Error()
		}
		fmt.Println(line)
	}
	fmt.Printf("\n%d playlists changed, %d failed, %d new tracks\n",
		len(res.ChangedPlaylists()), res.Failed(), len(res.AddedTrackIDs))
	if a := report.Analysis; a != nil {
		fmt.Printf("Analyzed %d tracks (%d failed)\n", a.Batch.TotalAnalyzed, a.Batch.Failed)
	}
}

func analyzeCommand() *cli.Command {
	return &cli.Command{
		Name:  "analyze",
		Usage: "Score tracks that need analysis",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Aliases: []string{"a"}, Usage: "Account whose tracks to analyze"},
			&cli.StringFlag{Name: "playlist", Aliases: []string{"p"}, Usage: "Playlist whose tracks to analyze"},
			&cli.StringSliceFlag{Name: "track", Aliases: []string{"t"}, Usage: "Track id to analyze (repeatable)"},
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "Re-analyze fresh and failed tracks"},
			&cli.IntFlag{Name: "batch-size", Usage: "Tracks per batch (0 uses the configured size)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(ctx, cmd.String("config"), true)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.pipeline.Analyze(ctx, pipeline.AnalyzeRequest{
				AccountID:  cmd.String("account"),
				PlaylistID: cmd.String("playlist"),
				TrackIDs:   cmd.StringSlice("track"),
				Force:      cmd.Bool("force"),
				BatchSize:  int(cmd.Int("batch-size")),
				Progress: func(current, total int, label string) {
					fmt.Printf("[%d/%d] %s\n", current, total, label)
				},
			})
			if err != nil {
				return err
			}

			f, b := report.Filter, report.Batch
			fmt.Printf("\nAnalyzed %d of %d (%d failed)", b.TotalAnalyzed, b.Requested, b.Failed)
			fmt.Printf("; skipped %d fresh, %d in progress, %d exhausted\n",
				len(f.Fresh), len(f.InProgress), len(f.Exhausted))
			for _, te := range b.Errors {
				fmt.Printf("  %s: %v\n", te.TrackID, te.Err)
			}
			if b.Cancelled {
				return ctx.Err()
			}
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show analysis progress for an account or playlist",
		ArgsUsage: "<account|playlist> <id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			scope, err := progress.ParseScope(cmd.Args().Get(0), cmd.Args().Get(1))
			if err != nil {
				return err
			}

			a, err := newApp(ctx, cmd.String("config"), false)
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.pipeline.GetAnalysisStatus(ctx, scope)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	}
}

func rulesCommand() *cli.Command {
	flags := func() []cli.Flag {
		return []cli.Flag{
			&cli.StringFlag{Name: "account", Aliases: []string{"a"}, Required: true, Usage: "Account id"},
			&cli.StringFlag{Name: "track", Aliases: []string{"t"}, Required: true, Usage: "Track id"},
		}
	}
	withRules := func(fn func(ctx context.Context, rules *db.RuleRepository, accountID, trackID string) error) cli.ActionFunc {
		return func(ctx context.Context, cmd *cli.Command) error {
			cfg, _, err := loadConfig(cmd.String("config"))
			if err != nil {
				return err
			}
			database, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer database.Close()
			return fn(ctx, database.Rules(), cmd.String("account"), cmd.String("track"))
		}
	}
	set := func(rule db.Rule) cli.ActionFunc {
		return withRules(func(ctx context.Context, rules *db.RuleRepository, accountID, trackID string) error {
			return rules.Set(ctx, db.TrackRule{AccountID: accountID, TrackID: trackID, Rule: rule})
		})
	}

	return &cli.Command{
		Name:  "rules",
		Usage: "Pin a track's outcome for an account",
		Commands: []*cli.Command{
			{Name: "allow", Usage: "Always treat the track as acceptable", Flags: flags(), Action: set(db.RuleAllow)},
			{Name: "deny", Usage: "Always treat the track as unacceptable", Flags: flags(), Action: set(db.RuleDeny)},
			{
				Name:  "clear",
				Usage: "Remove the rule for a track",
				Flags: flags(),
				Action: withRules(func(ctx context.Context, rules *db.RuleRepository, accountID, trackID string) error {
					return rules.Delete(ctx, accountID, trackID)
				}),
			},
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Manage stored Spotify credentials",
		Commands: []*cli.Command{
			{
				Name:  "import",
				Usage: "Copy a token saved on disk into the database",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account", Aliases: []string{"a"}, Required: true, Usage: "Account id"},
					&cli.StringFlag{Name: "dir", Usage: "Token directory (defaults to the user config dir)"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					files, err := fileStore(cmd.String("dir"))
					if err != nil {
						return err
					}
					rec, err := files.Load(ctx, cmd.String("account"))
					if err != nil {
						return fmt.Errorf("loading %s: %w", files.Path(cmd.String("account")), err)
					}

					cfg, _, err := loadConfig(cmd.String("config"))
					if err != nil {
						return err
					}
					database, err := openDB(ctx, cfg)
					if err != nil {
						return err
					}
					defer database.Close()

					if _, err := database.Accounts().Get(ctx, rec.AccountID); errors.Is(err, db.ErrNotFound) {
						if err := database.Accounts().Upsert(ctx, &db.Account{ID: rec.AccountID, DisplayName: rec.AccountID}); err != nil {
							return err
						}
					} else if err != nil {
						return err
					}
					if err := database.Tokens().Save(ctx, rec); err != nil {
						return err
					}
					fmt.Printf("Imported token for %s\n", rec.AccountID)
					return nil
				},
			},
			{
				Name:      "state",
				Usage:     "Show whether an account's credential is usable",
				ArgsUsage: "<account>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					accountID := cmd.Args().First()
					if accountID == "" {
						return errors.New("account id required")
					}
					a, err := newApp(ctx, cmd.String("config"), false)
					if err != nil {
						return err
					}
					defer a.Close()

					state, err := a.tokens.State(ctx, accountID)
					if err != nil {
						return err
					}
					fmt.Println(state)
					return nil
				},
			},
		},
	}
}

func fileStore(dir string) (*auth.FileStore, error) {
	if dir != "" {
		return auth.NewFileStore(dir), nil
	}
	return auth.DefaultFileStore()
}
