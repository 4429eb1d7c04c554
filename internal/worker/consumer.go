package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cuongbtq/harvester/internal/control"
	"github.com/cuongbtq/harvester/shared/rabbitmq"
)

// consumeControl listens for stop requests on the control queue and flags
// the sessions running in this process
func (w *Worker) consumeControl(ctx context.Context) error {
	queue := w.cfg.RabbitMQ.Queues.Control
	logger := w.logger.With(slog.String("queue", queue))

	client := rabbitmq.NewClient(w.pool, logger)
	defer func() {
		if err := client.Close(false); err != nil {
			logger.Warn("Failed to close control client", slog.Any("error", err))
		}
	}()

	handler := control.NewHandler(w.stops, client, queue, w.cfg.Worker.ControlHopLimit, logger)

	logger.Info("Control consumer started")
	err := client.ConsumeLoop(ctx, queue, handler.Handle)
	if errors.Is(err, context.Canceled) || errors.Is(err, rabbitmq.ErrClientClosed) {
		return nil
	}
	return err
}
