package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cuongbtq/harvester/internal/control"
	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/internal/pipeline"
	"github.com/cuongbtq/harvester/internal/spider"
	"github.com/cuongbtq/harvester/shared/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const replyTimeout = 10 * time.Second

// HandlerConfig holds the collaborators of a TaskHandler
type HandlerConfig struct {
	Spider     *spider.Spider
	Chain      *pipeline.Chain
	Client     pipeline.Publisher
	Stops      *control.Registry
	ReplyQueue string
	Observer   ReplyObserver
	Logger     *slog.Logger
}

// TaskHandler turns task deliveries into spider runs and replies with the
// outcome
type TaskHandler struct {
	spider     *spider.Spider
	chain      *pipeline.Chain
	client     pipeline.Publisher
	stops      *control.Registry
	replyQueue string
	observer   ReplyObserver
	logger     *slog.Logger
}

// NewTaskHandler creates a new TaskHandler instance
func NewTaskHandler(cfg *HandlerConfig) *TaskHandler {
	stops := cfg.Stops
	if stops == nil {
		stops = control.NewRegistry(0)
	}
	return &TaskHandler{
		spider:     cfg.Spider,
		chain:      cfg.Chain,
		client:     cfg.Client,
		stops:      stops,
		replyQueue: cfg.ReplyQueue,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
	}
}

// Handle processes one task. Bodies that are not tasks are returned as
// protocol errors without a reply; every other task gets exactly one reply
// carrying its status code. A task the spider cannot decode is answered
// with status 4 when it has a reply destination.
func (h *TaskHandler) Handle(ctx context.Context, d *rabbitmq.Delivery) error {
	task, err := domain.ParseTask(d.Body)
	if err != nil {
		return err
	}

	taskID := taskID(d)
	sessionID := task.SessionID()
	logger := h.logger.With(
		slog.String("task_id", taskID),
		slog.String("session_id", sessionID),
		slog.String("module", task.Module),
	)

	input, err := h.spider.Processor().Decode(task)
	if err != nil {
		if replyQueue(d, task, h.replyQueue) == "" {
			return err
		}
		logger.Warn("Can not process module", slog.Any("error", err))
		return h.reply(ctx, d, task, domain.TaskStatusFailed, fmt.Errorf("can not process module %q: %w", task.Module, err))
	}

	if h.stops.Stopped(sessionID) {
		logger.Info("Session was stopped, skipping task")
		h.stops.Clear(sessionID)
		return h.reply(ctx, d, task, domain.TaskStatusStopped, nil)
	}

	end := h.stops.Begin(sessionID)
	defer end()

	logger.Info("Processing task")
	start := time.Now()

	meta := pipeline.Meta{
		Spider: h.spider.Name(),
		TaskID: taskID,
		Mode:   domain.ModeWorker,
		Task:   task,
	}
	run := h.spider.Run(ctx, input, spider.RunOptions{
		Task:    task,
		Stopped: h.stops.Flag(sessionID),
	})
	outcome, runErr := spider.Drain(ctx, run, h.chain, meta, logger)
	end()
	if outcome.Status() == domain.TaskStatusStopped {
		h.stops.Clear(sessionID)
	}

	logger.Info("Task finished",
		slog.String("outcome", outcome.String()),
		slog.Duration("duration", time.Since(start)),
	)
	return h.reply(ctx, d, task, outcome.Status(), runErr)
}

// reply sends the task body back to its reply destination with status and
// exception merged into it and mirrored in the headers. The reply is sent
// even when ctx was cancelled during the run, so a shutdown still reports
// the task.
func (h *TaskHandler) reply(ctx context.Context, d *rabbitmq.Delivery, task *domain.Task, status domain.TaskStatus, cause error) error {
	queue := replyQueue(d, task, h.replyQueue)
	if queue == "" {
		h.logger.Debug("No reply destination", slog.Int("status", int(status)))
		return nil
	}

	headers := amqp.Table{domain.HeaderStatus: int32(status)}
	if cause != nil {
		headers[domain.HeaderException] = cause.Error()
	}
	opts := []rabbitmq.PublishOption{rabbitmq.WithHeaders(headers)}
	if d.CorrelationId != "" {
		opts = append(opts, rabbitmq.WithCorrelationID(d.CorrelationId))
	}

	replyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if err := h.client.Publish(replyCtx, queue, replyBody(d.Body, status, cause), opts...); err != nil {
		return fmt.Errorf("failed to publish reply: %w", err)
	}

	if h.observer != nil {
		h.observer.Replied(h.spider.Name(), int(status))
	}
	h.logger.Debug("Reply sent",
		slog.String("queue", queue),
		slog.Int("status", int(status)),
	)
	return nil
}

// replyBody sets "status" and "exception" on the task object. Other fields
// are kept as delivered.
func replyBody(body []byte, status domain.TaskStatus, cause error) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return body
	}

	fields["status"] = json.RawMessage(strconv.Itoa(int(status)))
	fields["exception"] = json.RawMessage("null")
	if cause != nil {
		msg, err := json.Marshal(cause.Error())
		if err != nil {
			return body
		}
		fields["exception"] = msg
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return body
	}
	return out
}

// replyQueue picks the task's reply_to, then the message property, then the
// configured fallback
func replyQueue(d *rabbitmq.Delivery, task *domain.Task, fallback string) string {
	if task.ReplyTo != "" {
		return task.ReplyTo
	}
	if d.ReplyTo != "" {
		return d.ReplyTo
	}
	return fallback
}

func taskID(d *rabbitmq.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	if d.CorrelationId != "" {
		return d.CorrelationId
	}
	return uuid.NewString()
}
