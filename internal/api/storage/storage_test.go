package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/internal/pipeline"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(pipeline.ItemsSchema)
	require.NoError(t, err)
	return db
}

// seed inserts n items, one second apart, alternating between two tasks.
func seed(t *testing.T, db *sqlx.DB, n int) {
	t.Helper()
	for i := range n {
		task := "task-a"
		if i%2 == 1 {
			task = "task-b"
		}
		_, err := db.Exec(`
			INSERT INTO spider_items (item_id, spider, kind, task_id, session_id, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			fmt.Sprintf("item-%02d", i), "timeline", "tweet", task, "s-1",
			fmt.Sprintf(`{"n":%d}`, i), base.Add(time.Duration(i)*time.Second),
		)
		require.NoError(t, err)
	}
}

func TestStorage_GetItemByID(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, 2)
	s := NewStorage(db)

	item, err := s.GetItemByID(context.Background(), "item-01")
	require.NoError(t, err)
	assert.Equal(t, "timeline", item.Spider)
	assert.Equal(t, "task-b", item.TaskID)
	assert.JSONEq(t, `{"n":1}`, item.Payload)
	assert.True(t, base.Add(time.Second).Equal(item.CreatedAt))

	_, err = s.GetItemByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStorage_ListItems(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, 5)
	s := NewStorage(db)
	ctx := context.Background()

	itemIDs := func(filter ItemFilter) []string {
		items, err := s.ListItems(ctx, filter)
		require.NoError(t, err)
		out := make([]string, len(items))
		for i, it := range items {
			out[i] = it.ItemID
		}
		return out
	}

	t.Run("newest first with one extra row", func(t *testing.T) {
		assert.Equal(t, []string{"item-04", "item-03", "item-02"}, itemIDs(ItemFilter{PageSize: 2}))
	})

	t.Run("filters", func(t *testing.T) {
		assert.Equal(t, []string{"item-03", "item-01"}, itemIDs(ItemFilter{TaskID: "task-b", PageSize: 10}))
		assert.Empty(t, itemIDs(ItemFilter{Kind: "cookies", PageSize: 10}))
		assert.Len(t, itemIDs(ItemFilter{Spider: "timeline", SessionID: "s-1", PageSize: 10}), 5)
	})

	t.Run("cursor", func(t *testing.T) {
		cursor := &ItemCursor{CreatedAt: base.Add(3 * time.Second), ItemID: "item-03"}
		assert.Equal(t, []string{"item-02", "item-01", "item-00"}, itemIDs(ItemFilter{PageSize: 10, Cursor: cursor}))
	})
}
