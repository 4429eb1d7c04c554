package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/harvester/internal/config"
	"github.com/cuongbtq/harvester/internal/control"
	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/internal/spider"
	"github.com/cuongbtq/harvester/shared/rabbitmq"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"
)

// ReplyObserver is told about every reply sent, typically to update metrics.
type ReplyObserver interface {
	Replied(spider string, code int)
}

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Config   *config.Config
	Pool     *rabbitmq.Pool
	Spiders  *spider.Registry
	Deps     spider.Deps
	Spider   string
	DB       *sqlx.DB // optional; items are stored when set
	Observer ReplyObserver
}

// Worker runs Concurrency slots of one spider, each with its own browser
// and broker client, plus a consumer for stop requests.
type Worker struct {
	logger      *slog.Logger
	cfg         *config.Config
	pool        *rabbitmq.Pool
	spiders     *spider.Registry
	deps        spider.Deps
	spiderName  string
	db          *sqlx.DB
	observer    ReplyObserver
	stops       *control.Registry
	concurrency int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Config.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		logger:      cfg.Logger.With(slog.String("spider", cfg.Spider)),
		cfg:         cfg.Config,
		pool:        cfg.Pool,
		spiders:     cfg.Spiders,
		deps:        cfg.Deps,
		spiderName:  cfg.Spider,
		db:          cfg.DB,
		observer:    cfg.Observer,
		stops:       control.NewRegistry(cfg.Config.Worker.StopTTL),
		concurrency: concurrency,
	}
}

// Stops returns the session stop registry shared by the slots.
func (w *Worker) Stops() *control.Registry { return w.stops }

// Start connects to the broker and processes tasks until ctx is cancelled,
// Stop is called or a slot fails to start.
func (w *Worker) Start(ctx context.Context) error {
	if !w.spiders.Has(w.spiderName) {
		return fmt.Errorf("failed to start worker: %w: %s", domain.ErrUnknownSpider, w.spiderName)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()
	defer close(done)
	defer cancel()

	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.String("task_queue", w.cfg.TaskQueue(w.spiderName)),
	)

	if err := w.pool.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	w.spawnSlots(gctx, g)
	g.Go(func() error { return w.consumeControl(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	w.logger.Info("Worker stopped")
	return err
}

// Stop cancels the running slots and waits for them to finish their
// current task, at most timeout.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}

	w.logger.Info("Stopping worker...")
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker did not stop within %s", timeout)
	}
}
