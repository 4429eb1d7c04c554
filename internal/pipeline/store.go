package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ItemsSchema creates the table Store writes to and the API reads from.
const ItemsSchema = `
	CREATE TABLE IF NOT EXISTS spider_items (
		item_id     TEXT PRIMARY KEY,
		spider      TEXT NOT NULL,
		kind        TEXT NOT NULL,
		task_id     TEXT NOT NULL,
		session_id  TEXT NOT NULL DEFAULT '',
		payload     TEXT NOT NULL,
		created_at  TIMESTAMP NOT NULL
	)
`

// ItemsIndex supports the newest-first cursor listing.
const ItemsIndex = `
	CREATE INDEX IF NOT EXISTS spider_items_created_at_idx
		ON spider_items (created_at DESC, item_id DESC)
`

// Store persists every item into spider_items.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore creates the stage.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Name implements Pipeline.
func (s *Store) Name() string { return "store" }

// Process implements Pipeline.
func (s *Store) Process(ctx context.Context, item domain.Item, meta Meta) (domain.Item, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item: %w", err)
	}

	query := `
		INSERT INTO spider_items (
			item_id, spider, kind, task_id,
			session_id, payload, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7
		)
	`

	_, err = s.db.ExecContext(
		ctx,
		query,
		uuid.NewString(),
		meta.Spider,
		item.ItemKind(),
		meta.TaskID,
		meta.SessionID(),
		string(payload),
		s.now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store item: %w", err)
	}
	return item, nil
}
