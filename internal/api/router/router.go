package router

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/harvester/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes.
// metrics is mounted on /metrics when not nil.
func SetupRouter(deps *handler.Dependencies, metrics http.Handler) *gin.Engine {
	r := newEngine(deps.Logger, "harvester-api", metrics)

	taskHandler := handler.NewTaskHandler(deps)
	itemHandler := handler.NewItemHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// POST /api/v1/tasks - Submit a task to a spider queue
		v1.POST("/tasks", taskHandler.CreateTask)

		// POST /api/v1/sessions/:session_id/stop - Stop every task of a session
		v1.POST("/sessions/:session_id/stop", taskHandler.StopSession)

		items := v1.Group("/items")
		{
			// GET /api/v1/items - List items with filtering and pagination
			items.GET("", itemHandler.ListItems)

			// GET /api/v1/items/:item_id - Get one item
			items.GET("/:item_id", itemHandler.GetItem)
		}
	}

	return r
}

// SetupHealthRouter serves only /health and /metrics, for worker processes.
func SetupHealthRouter(logger *slog.Logger, service string, metrics http.Handler) *gin.Engine {
	return newEngine(logger, service, metrics)
}

func newEngine(logger *slog.Logger, service string, metrics http.Handler) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": service,
		})
	})

	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	return r
}
