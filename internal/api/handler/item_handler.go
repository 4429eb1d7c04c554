package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/harvester/internal/api/dto"
	"github.com/cuongbtq/harvester/internal/api/model"
	"github.com/cuongbtq/harvester/internal/api/storage"
	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GetItem handles GET /api/v1/items/:item_id
func (h *ItemHandler) GetItem(c *gin.Context) {
	itemID := c.Param("item_id")

	item, err := h.storage.GetItemByID(c.Request.Context(), itemID)
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Item not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get item", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get item",
		})
		return
	}

	c.JSON(http.StatusOK, toDTO(item))
}

// ListItems handles GET /api/v1/items
// Lists items newest first with optional filtering and cursor pagination
func (h *ItemHandler) ListItems(c *gin.Context) {
	var req dto.ListItemsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeItemCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	items, err := h.storage.ListItems(c.Request.Context(), storage.ItemFilter{
		Spider:    req.Spider,
		Kind:      req.Kind,
		TaskID:    req.TaskID,
		SessionID: req.SessionID,
		PageSize:  req.PageSize,
		Cursor:    cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list items", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list items",
		})
		return
	}

	hasMore := len(items) > req.PageSize
	if hasMore {
		items = items[:req.PageSize]
	}

	resp := dto.ListItemsResponse{Items: make([]dto.ItemDTO, len(items))}
	for i := range items {
		resp.Items[i] = toDTO(&items[i])
	}
	if hasMore {
		last := items[len(items)-1]
		resp.NextCursor = EncodeItemCursor(&storage.ItemCursor{
			CreatedAt: last.CreatedAt,
			ItemID:    last.ItemID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func toDTO(item *model.Item) dto.ItemDTO {
	return dto.ItemDTO{
		ItemID:    item.ItemID,
		Spider:    item.Spider,
		Kind:      item.Kind,
		TaskID:    item.TaskID,
		SessionID: item.SessionID,
		Payload:   json.RawMessage(item.Payload),
		CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
