package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/harvester/internal/api/model"
	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/jmoiron/sqlx"
)

type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{
		db: db,
	}
}

func (s *Storage) GetItemByID(ctx context.Context, itemID string) (*model.Item, error) {
	var item model.Item
	query := `
		SELECT
			item_id, spider, kind, task_id,
			session_id, payload, created_at
		FROM spider_items
		WHERE item_id = $1
	`

	err := s.db.GetContext(ctx, &item, query, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	return &item, nil
}

type ItemFilter struct {
	Spider    string
	Kind      string
	TaskID    string
	SessionID string
	PageSize  int
	Cursor    *ItemCursor
}

type ItemCursor struct {
	CreatedAt time.Time
	ItemID    string
}

// ListItems returns up to PageSize+1 items, newest first, so the caller can
// tell whether another page exists.
func (s *Storage) ListItems(ctx context.Context, filter ItemFilter) ([]model.Item, error) {
	query := `
		SELECT
			item_id, spider, kind, task_id,
			session_id, payload, created_at
		FROM spider_items
		WHERE 1=1
	`
	args := []any{}
	argIdx := 1

	for _, f := range []struct {
		column string
		value  string
	}{
		{"spider", filter.Spider},
		{"kind", filter.Kind},
		{"task_id", filter.TaskID},
		{"session_id", filter.SessionID},
	} {
		if f.value == "" {
			continue
		}
		query += fmt.Sprintf(" AND %s = $%d", f.column, argIdx)
		args = append(args, f.value)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, item_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt.UTC(), filter.Cursor.ItemID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, item_id DESC"

	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var items []model.Item
	err := s.db.SelectContext(ctx, &items, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}

	return items, nil
}
