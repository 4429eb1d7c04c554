package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/harvester/internal/pipeline"
	"github.com/cuongbtq/harvester/shared/rabbitmq"
	"golang.org/x/sync/errgroup"
)

// spawnSlots starts one slot per configured concurrency level
func (w *Worker) spawnSlots(ctx context.Context, g *errgroup.Group) {
	w.logger.Info("Spawning worker slots",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error { return w.runSlot(ctx, i) })
	}
}

// runSlot owns one spider, one broker client and one pipeline chain, and
// processes tasks one at a time until ctx is cancelled
func (w *Worker) runSlot(ctx context.Context, slot int) (err error) {
	logger := w.logger.With(slog.Int("slot", slot))

	deps := w.deps
	deps.Logger = logger
	s, err := w.spiders.Build(w.spiderName, deps)
	if err != nil {
		return err
	}

	client := rabbitmq.NewClient(w.pool, logger)
	chain := w.newChain(client, logger)
	if err := chain.Open(ctx); err != nil {
		return errors.Join(err, s.Close(), client.Close(false))
	}

	defer func() {
		err = errors.Join(err, s.Close(), chain.Close(), client.Close(false))
	}()

	handler := NewTaskHandler(&HandlerConfig{
		Spider:     s,
		Chain:      chain,
		Client:     client,
		Stops:      w.stops,
		ReplyQueue: w.cfg.ReplyQueue(w.spiderName),
		Observer:   w.observer,
		Logger:     logger,
	})

	logger.Info("Worker slot started", slog.String("client_id", client.ID()))
	err = client.ConsumeLoop(ctx, w.cfg.TaskQueue(w.spiderName), handler.Handle, w.consumeOptions()...)
	if errors.Is(err, context.Canceled) || errors.Is(err, rabbitmq.ErrClientClosed) {
		err = nil
	}
	if err != nil {
		err = fmt.Errorf("slot %d stopped: %w", slot, err)
	}
	logger.Info("Worker slot stopped")
	return err
}

// newChain builds the pipeline of a slot: duplicates are dropped first,
// then items are stored when a database is configured, then published
func (w *Worker) newChain(client pipeline.Publisher, logger *slog.Logger) *pipeline.Chain {
	stages := []pipeline.Pipeline{pipeline.NewDedup()}
	if w.db != nil {
		stages = append(stages, pipeline.NewStore(w.db))
	}
	queues := w.cfg.RabbitMQ.Queues
	stages = append(stages, pipeline.NewPublish(client, queues.Result, queues.Error))
	return pipeline.NewChain(logger, stages...)
}

func (w *Worker) consumeOptions() []rabbitmq.ConsumeOption {
	if dlq := w.cfg.RabbitMQ.Queues.DeadLetter; dlq != "" {
		return []rabbitmq.ConsumeOption{rabbitmq.WithDeadLetter(dlq)}
	}
	return nil
}
