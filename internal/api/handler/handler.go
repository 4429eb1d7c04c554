package handler

import (
	"context"
	"log/slog"
	"slices"

	"github.com/cuongbtq/harvester/internal/api/model"
	"github.com/cuongbtq/harvester/internal/api/storage"
	"github.com/cuongbtq/harvester/internal/config"
	"github.com/cuongbtq/harvester/internal/pipeline"
)

// ItemStorage reads the items stored by the workers
type ItemStorage interface {
	GetItemByID(ctx context.Context, itemID string) (*model.Item, error)
	ListItems(ctx context.Context, filter storage.ItemFilter) ([]model.Item, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Config    *config.Config
	Storage   ItemStorage
	Publisher pipeline.Publisher
	// Spiders lists the spiders tasks may be submitted for; empty allows any.
	Spiders   []string
}

// TaskHandler submits tasks and stop requests to the broker
type TaskHandler struct {
	logger    *slog.Logger
	cfg       *config.Config
	publisher pipeline.Publisher
	spiders   []string
}

// NewTaskHandler creates a new TaskHandler instance
func NewTaskHandler(deps *Dependencies) *TaskHandler {
	return &TaskHandler{
		logger:    deps.Logger,
		cfg:       deps.Config,
		publisher: deps.Publisher,
		spiders:   deps.Spiders,
	}
}

func (h *TaskHandler) known(spider string) bool {
	return len(h.spiders) == 0 || slices.Contains(h.spiders, spider)
}

// ItemHandler serves the stored items
type ItemHandler struct {
	logger  *slog.Logger
	storage ItemStorage
}

// NewItemHandler creates a new ItemHandler instance
func NewItemHandler(deps *Dependencies) *ItemHandler {
	return &ItemHandler{
		logger:  deps.Logger,
		storage: deps.Storage,
	}
}
