package handler

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/harvester/internal/api/dto"
	"github.com/cuongbtq/harvester/internal/control"
	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateTask handles POST /api/v1/tasks
// Publishes a task to the queue of the requested spider
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req dto.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if !h.known(req.Spider) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown spider: " + req.Spider,
		})
		return
	}

	task, err := domain.ParseTask(req.Task)
	if err != nil {
		h.logger.Error("Invalid task", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Task must be a JSON object",
		})
		return
	}

	taskID := uuid.NewString()
	queue := h.cfg.TaskQueue(req.Spider)
	err = h.publisher.Publish(c.Request.Context(), queue, []byte(req.Task),
		rabbitmq.WithMessageID(taskID),
		rabbitmq.WithCorrelationID(taskID),
	)
	if err != nil {
		h.logger.Error("Failed to publish task", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to publish task",
		})
		return
	}

	h.logger.Info("Task submitted",
		slog.String("task_id", taskID),
		slog.String("spider", req.Spider),
		slog.String("session_id", task.SessionID()),
	)

	c.JSON(http.StatusAccepted, dto.CreateTaskResponse{
		TaskID: taskID,
		Spider: req.Spider,
		Queue:  queue,
	})
}

// StopSession handles POST /api/v1/sessions/:session_id/stop
// Asks every worker to stop the tasks of a session
func (h *TaskHandler) StopSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "session_id is required",
		})
		return
	}

	queue := h.cfg.RabbitMQ.Queues.Control
	err := h.publisher.Publish(c.Request.Context(), queue, control.StopRequest{ID: sessionID})
	if err != nil {
		h.logger.Error("Failed to publish stop request",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to publish stop request",
		})
		return
	}

	h.logger.Info("Stop requested", slog.String("session_id", sessionID))
	c.JSON(http.StatusAccepted, dto.StopSessionResponse{
		SessionID: sessionID,
		Queue:     queue,
	})
}
