package main

import (
	"log/slog"
	"time"

	"github.com/cuongbtq/harvester/internal/browser"
	"github.com/cuongbtq/harvester/internal/config"
	"github.com/cuongbtq/harvester/internal/metrics"
	"github.com/cuongbtq/harvester/internal/solver"
	"github.com/cuongbtq/harvester/internal/spider"
	"github.com/cuongbtq/harvester/shared/logger"
	"github.com/cuongbtq/harvester/shared/postgresql"
	"github.com/cuongbtq/harvester/shared/rabbitmq"
)

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ creates the connection pool; it connects lazily
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) *rabbitmq.Pool {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		IdleBackoff:        cfg.Consumer.IdleBackoff,
		IdleLogInterval:    cfg.Consumer.IdleLogInterval,
	}

	return rabbitmq.NewPool(rabbitConfig, logger)
}

// initBrowser creates the headless browser launcher
func initBrowser(cfg *config.BrowserConfig, logger *slog.Logger) *browser.RodLauncher {
	return browser.NewRodLauncher(browser.Config{
		BinPath:           cfg.BinPath,
		Headless:          cfg.Headless,
		NoSandbox:         cfg.NoSandbox,
		Proxy:             cfg.Proxy,
		UserAgent:         cfg.UserAgent,
		ViewportWidth:     cfg.ViewportWidth,
		ViewportHeight:    cfg.ViewportHeight,
		NavigationTimeout: cfg.NavigationTimeout,
		NavigationRetries: cfg.NavigationRetries,
		BlockResources:    cfg.BlockResources,
		BlockURLs:         cfg.BlockURLs,
	}, logger)
}

// initSolvers wires the solving services that have credentials configured
func initSolvers(deps *spider.Deps, cfg *config.SolverConfig, logger *slog.Logger, m *metrics.Metrics) {
	pollConfig := solver.Config{Tick: cfg.Tick, MaxTicks: cfg.MaxTicks}

	if cfg.RuCaptcha.APIKey != "" {
		backend := solver.NewRuCaptcha(solver.RuCaptchaConfig{
			APIKey:  cfg.RuCaptcha.APIKey,
			BaseURL: cfg.RuCaptcha.BaseURL,
			Timeout: cfg.RuCaptcha.Timeout,
		})
		deps.Recaptcha = solver.NewPoller[solver.Recaptcha](backend, pollConfig,
			solver.WithLogger[solver.Recaptcha](logger),
			solver.WithTickHook[solver.Recaptcha](m.SolverTick),
		)
	}

	if cfg.Mailbox.Host != "" {
		fetcher := solver.NewIMAPFetcher(solver.IMAPConfig{
			Host:          cfg.Mailbox.Host,
			Port:          cfg.Mailbox.Port,
			User:          cfg.Mailbox.User,
			Password:      cfg.Mailbox.Password,
			Mailbox:       cfg.Mailbox.Mailbox,
			Timeout:       cfg.Mailbox.Timeout,
			SkipTLSVerify: cfg.Mailbox.SkipTLSVerify,
		})
		deps.Mail = solver.NewPoller[solver.MailQuery](solver.NewMailbox(fetcher, cfg.Mailbox.Limit, cfg.Mailbox.Skew), pollConfig,
			solver.WithLogger[solver.MailQuery](logger),
			solver.WithTickHook[solver.MailQuery](m.SolverTick),
		)
	}

	if cfg.Speech.AccessKey != "" {
		deps.Transcriber = solver.NewWitAI(solver.WitAIConfig{
			AccessKey: cfg.Speech.AccessKey,
			BaseURL:   cfg.Speech.BaseURL,
			Timeout:   cfg.Speech.Timeout,
		})
	}
}
