package model

import "time"

type Item struct {
	ItemID    string    `db:"item_id"`
	Spider    string    `db:"spider"`
	Kind      string    `db:"kind"`
	TaskID    string    `db:"task_id"`
	SessionID string    `db:"session_id"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}
