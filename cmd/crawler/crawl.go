package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cuongbtq/harvester/internal/api/router"
	"github.com/cuongbtq/harvester/internal/config"
	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/internal/metrics"
	"github.com/cuongbtq/harvester/internal/pipeline"
	"github.com/cuongbtq/harvester/internal/spider"
	"github.com/cuongbtq/harvester/internal/spiders"
	"github.com/cuongbtq/harvester/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

// NewCrawlCmd creates the crawl command.
func NewCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl <spider>",
		Short: "Run a spider",
		Long: `Run a spider in parser or worker mode.

Examples:
  # Log in once and print the session cookies
  crawler crawl login --type=parser --arg username=jack --arg password=secret

  # Harvest likes of a profile
  crawler crawl timeline --arg module=retrieve_likes --arg profile_id=12 --arg username=jack

  # Consume timeline tasks from RabbitMQ
  crawler crawl timeline --type=worker`,
		Args: cobra.ExactArgs(1),
		RunE: runCrawlCmd,
	}

	cmd.Flags().StringP("type", "t", string(domain.ModeParser), "Run mode: parser or worker")
	cmd.Flags().StringArrayP("arg", "a", nil, "Spider argument as key=value (repeatable)")

	return cmd
}

func runCrawlCmd(cmd *cobra.Command, args []string) error {
	name := args[0]
	registry := spiders.Registry()
	if !registry.Has(name) {
		return fmt.Errorf("%w: %s (run 'crawler list')", domain.ErrUnknownSpider, name)
	}

	modeFlag, _ := cmd.Flags().GetString("type")
	mode, err := domain.ParseMode(modeFlag)
	if err != nil {
		return fmt.Errorf("%w: %q", err, modeFlag)
	}

	rawArgs, _ := cmd.Flags().GetStringArray("arg")
	spiderArgs, err := parseArgs(rawArgs)
	if err != nil {
		return err
	}

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if mode == domain.ModeWorker {
		if err := cfg.ValidateWorkerConfig(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	} else if cfg.Logging.Output == "stdout" {
		// stdout carries the items in parser mode
		cfg.Logging.Output = "stderr"
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	logger := appLogger.Service("crawler").Logger

	logger.Info("Starting crawler",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("mode", string(mode)),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	var db *sqlx.DB
	if cfg.Database.Enabled {
		dbClient, err := initPostgreSQL(&cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer dbClient.Close()
		if err := dbClient.Migrate(ctx, pipeline.ItemsSchema, pipeline.ItemsIndex); err != nil {
			return err
		}
		db = dbClient.GetDB()
	}

	deps := spider.Deps{
		Config:   cfg,
		Launcher: initBrowser(&cfg.Browser, logger),
		Logger:   logger,
		Observer: m,
	}
	initSolvers(&deps, &cfg.Solver, logger, m)

	if mode == domain.ModeParser {
		return runParser(ctx, cmd.OutOrStdout(), registry, name, deps, spiderArgs, db)
	}
	return runWorker(ctx, cfg, registry, name, deps, db, m)
}

// runParser processes the single input built from the --arg flags.
func runParser(ctx context.Context, out io.Writer, registry *spider.Registry, name string, deps spider.Deps, args map[string]string, db *sqlx.DB) error {
	s, err := registry.Build(name, deps)
	if err != nil {
		return err
	}
	input, err := s.Processor().FromArgs(args)
	if err != nil {
		return errors.Join(err, s.Close())
	}

	stages := []pipeline.Pipeline{pipeline.NewDedup(), pipeline.NewWriter(out)}
	if db != nil {
		stages = append(stages, pipeline.NewStore(db))
	}
	chain := pipeline.NewChain(deps.Logger, stages...)
	if err := chain.Open(ctx); err != nil {
		return errors.Join(err, s.Close())
	}
	defer chain.Close()

	return spider.RunParser(ctx, s, chain, []any{input})
}

// runWorker consumes tasks until a signal arrives, then waits for the
// running tasks up to the shutdown timeout.
func runWorker(ctx context.Context, cfg *config.Config, registry *spider.Registry, name string, deps spider.Deps, db *sqlx.DB, m *metrics.Metrics) error {
	logger := deps.Logger

	pool := initRabbitMQ(&cfg.RabbitMQ, logger)
	defer pool.Close()

	w := worker.NewWorker(&worker.Config{
		Logger:   logger,
		Config:   cfg,
		Pool:     pool,
		Spiders:  registry,
		Deps:     deps,
		Spider:   name,
		DB:       db,
		Observer: m,
	})

	if cfg.Metrics.Enabled {
		srv := startHealthServer(cfg, name, logger, m)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Health server forced to shutdown", slog.Any("error", err))
			}
		}()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received signal, shutting down gracefully")
	case err := <-errChan:
		if err != nil {
			logger.Error("Worker error", slog.Any("error", err))
		}
		return err
	}

	if err := w.Stop(cfg.Worker.ShutdownTimeout); err != nil {
		logger.Warn("Worker shutdown timeout exceeded, forcing exit")
		return err
	}
	return <-errChan
}

func startHealthServer(cfg *config.Config, name string, logger *slog.Logger, m *metrics.Metrics) *http.Server {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupHealthRouter(logger, "crawler-"+name, m.Handler()),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health server failed", slog.Any("error", err))
		}
	}()

	logger.Info("Health server started", slog.String("address", addr))
	return srv
}

// parseArgs turns repeated key=value flags into a map; later keys win.
func parseArgs(raw []string) (map[string]string, error) {
	args := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q: expected key=value", kv)
		}
		args[key] = value
	}
	return args, nil
}
