package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/deid/internal/config"
	"github.com/ehr/deid/internal/dd"
	"github.com/ehr/deid/internal/pipeline"
	"github.com/ehr/deid/internal/platform/db"
	"github.com/ehr/deid/internal/platform/status"
	"github.com/ehr/deid/internal/pseudo"
	"github.com/ehr/deid/internal/scrub"
	"github.com/ehr/deid/internal/transform"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "deid",
		Short: "Research database de-identification pipeline",
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(hashCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a de-identification run",
		RunE: func(cmd *cobra.Command, args []string) error {
			incremental, _ := cmd.Flags().GetBool("incremental")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			workers, _ := cmd.Flags().GetInt("workers")
			return runPipeline(incremental, dryRun, workers)
		},
	}
	cmd.Flags().Bool("incremental", false, "Skip source rows unchanged since the previous run")
	cmd.Flags().Bool("dry-run", false, "Transform without writing to the destination")
	cmd.Flags().Int("workers", 0, "Concurrent patients (overrides WORKERS)")
	return cmd
}

func runPipeline(incremental, dryRun bool, workers int) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("configuration is not safe to run")
	}
	if workers > 0 {
		cfg.Workers = workers
	}

	dict, err := dd.Load(cfg.DDPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("data dictionary rejected")
	}
	logger.Info().Int("entries", len(dict.Entries())).Str("path", cfg.DDPath).Msg("data dictionary loaded")

	// Graceful stop: first signal lets in-flight patients finish their
	// current phase; a second signal kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sources, err := connectSources(ctx, cfg, dict, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("source databases unavailable")
	}
	defer func() {
		for _, s := range sources {
			s.Close()
		}
	}()

	destPool, err := db.NewPoolWithRetry(ctx, cfg.DestDatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("destination database unavailable")
	}
	dest := pipeline.NewPGDest(destPool)
	defer dest.Close()
	logger.Info().Msg("connected to destination database")

	pidHasher, err := pseudo.NewHasher([]byte(cfg.PIDHashKey))
	if err != nil {
		logger.Fatal().Err(err).Msg("pid hash key rejected")
	}
	var mpidHasher *pseudo.Hasher
	if dictUsesMasterPID(dict) {
		if cfg.MPIDHashKey == "" {
			logger.Fatal().Msg("data dictionary declares mpid columns but MPID_HASH_KEY is not set")
		}
		mpidHasher, err = pseudo.NewHasher([]byte(cfg.MPIDHashKey))
		if err != nil {
			logger.Fatal().Err(err).Msg("mpid hash key rejected")
		}
	}

	builder := scrub.NewBuilder()
	if cfg.MinScrubLength > 0 {
		builder.MinLength = cfg.MinScrubLength
	}
	if cfg.ScrubPlaceholderFormat != "" {
		builder.PlaceholderFormat = cfg.ScrubPlaceholderFormat
	}
	if cfg.ExtraScrubWordsPath != "" {
		builder.ExtraWords, err = pipeline.LoadWordList(cfg.ExtraScrubWordsPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load extra scrub words")
		}
	}

	optOuts := map[string]bool{}
	if cfg.OptOutPIDsPath != "" {
		optOuts, err = pipeline.LoadPIDList(cfg.OptOutPIDsPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load opt-out list")
		}
		logger.Info().Int("patients", len(optOuts)).Msg("opt-out list loaded")
	}

	orch, err := pipeline.New(dict, sources, dest,
		transform.NewEngine(pidHasher, mpidHasher), builder, pidHasher, logger,
		pipeline.Options{
			Workers:     cfg.Workers,
			Incremental: incremental,
			DryRun:      dryRun,
			OptOutPIDs:  optOuts,
		})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to assemble pipeline")
	}

	if cfg.StatusPort != "" {
		srv := status.New(orch.Summary(), destPool, logger)
		srv.Start(":" + cfg.StatusPort)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if _, err := orch.Run(ctx); err != nil {
		return err
	}
	return nil
}

func connectSources(ctx context.Context, cfg *config.Config, dict *dd.Dictionary, logger zerolog.Logger) (map[string]pipeline.SourceReader, error) {
	sources := make(map[string]pipeline.SourceReader, len(cfg.Sources()))
	for _, src := range cfg.Sources() {
		pool, err := db.NewPoolWithRetry(ctx, src.URL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		reader := pipeline.NewPGSource(src.Name, pool)
		sources[src.Name] = reader

		// The dictionary must match the live schema before any row moves.
		cols, err := reader.Columns(ctx)
		if err != nil {
			return nil, err
		}
		if err := dict.CheckAgainstSchema(src.Name, cols); err != nil {
			return nil, err
		}
		logger.Info().Str("source", src.Name).Int("columns", len(cols)).Msg("source schema verified")
	}
	return sources, nil
}

func dictUsesMasterPID(dict *dd.Dictionary) bool {
	for _, e := range dict.Entries() {
		if e.Decision == dd.MasterPID {
			return true
		}
	}
	return false
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the data dictionary against the source schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			dict, err := dd.Load(cfg.DDPath)
			if err != nil {
				return err
			}

			ctx := context.Background()
			sources, err := connectSources(ctx, cfg, dict, logger)
			if err != nil {
				return err
			}
			for _, s := range sources {
				s.Close()
			}

			fmt.Printf("Data dictionary OK: %d entries across %d source database(s).\n",
				len(dict.Entries()), len(dict.SourceDBs()))
			return nil
		},
	}
}

func hashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash [identifier]",
		Short: "Print the research pseudonym for one identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, _ := cmd.Flags().GetString("scope")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			var key string
			switch scope {
			case "pid":
				key = cfg.PIDHashKey
			case "mpid":
				key = cfg.MPIDHashKey
			default:
				return fmt.Errorf("--scope must be pid or mpid, got %q", scope)
			}

			hasher, err := pseudo.NewHasher([]byte(key))
			if err != nil {
				return fmt.Errorf("%s key: %w", scope, err)
			}
			fmt.Println(hasher.Hash(args[0]))
			return nil
		},
	}
	cmd.Flags().String("scope", "pid", "Pseudonym scope: pid (RID) or mpid (MRID)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run destination admin-table migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPoolWithRetry(ctx, cfg.DestDatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPoolWithRetry(ctx, cfg.DestDatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				state := "pending"
				appliedAt := ""
				if s.Applied {
					state = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, state, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}
