package domain

import (
	"encoding/json"
	"fmt"
)

// TaskSession identifies the producer-side session a task belongs to.
type TaskSession struct {
	ID string `json:"id"`
}

// Task is a task message as received from the broker. Only the fields the
// engine routes on are typed; spiders decode the rest from Body.
type Task struct {
	Module     string          `json:"module"`
	Profile    json.RawMessage `json:"profile,omitempty"`
	Session    *TaskSession    `json:"session,omitempty"`
	MaxResults int             `json:"max_results,omitempty"`
	ReplyTo    string          `json:"reply_to,omitempty"`

	// Body is the message exactly as delivered.
	Body []byte `json:"-"`
}

// ParseTask decodes a task body. A body that is not a JSON object is a
// protocol error.
func ParseTask(body []byte) (*Task, error) {
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, Protocol("parse task", fmt.Errorf("%w: %v", ErrInvalidTask, err))
	}
	task.Body = body
	return &task, nil
}

// SessionID returns the session id, or "" when the task carries none.
func (t *Task) SessionID() string {
	if t.Session == nil {
		return ""
	}
	return t.Session.ID
}
