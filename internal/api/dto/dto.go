package dto

import "encoding/json"

type CreateTaskRequest struct {
	Spider string          `json:"spider" binding:"required"`
	Task   json.RawMessage `json:"task" binding:"required"`
}

type CreateTaskResponse struct {
	TaskID string `json:"task_id"`
	Spider string `json:"spider"`
	Queue  string `json:"queue"`
}

type StopSessionResponse struct {
	SessionID string `json:"session_id"`
	Queue     string `json:"queue"`
}

type ListItemsRequest struct {
	Spider    string `form:"spider"`
	Kind      string `form:"kind"`
	TaskID    string `form:"task_id"`
	SessionID string `form:"session_id"`
	PageSize  int    `form:"page_size"`
	Cursor    string `form:"cursor"`
}

type ListItemsResponse struct {
	Items      []ItemDTO `json:"items"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

type ItemDTO struct {
	ItemID    string          `json:"item_id"`
	Spider    string          `json:"spider"`
	Kind      string          `json:"kind"`
	TaskID    string          `json:"task_id"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}
