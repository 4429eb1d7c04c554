package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name      string
		err       error
		want      Kind
		retryable bool
	}{
		{name: "untagged counts as transient", err: base, want: KindTransientPage, retryable: true},
		{name: "transient page", err: TransientPage("navigate", base), want: KindTransientPage, retryable: true},
		{name: "unsolvable", err: ChallengeUnsolvable("solve captcha", base), want: KindChallengeUnsolvable},
		{name: "protocol", err: Protocol("parse task", base), want: KindProtocol},
		{name: "resource", err: ResourceAcquisition("launch browser", base), want: KindResourceAcquisition},
		{
			name: "wrapped keeps its tag",
			err:  fmt.Errorf("failed to login: %w", ChallengeUnsolvable("solve captcha", base)),
			want: KindChallengeUnsolvable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
			assert.Equal(t, tt.retryable, KindOf(tt.err).Retryable())
			assert.ErrorIs(t, tt.err, base)
		})
	}
}

func TestConstructorsKeepNil(t *testing.T) {
	assert.NoError(t, TransientPage("op", nil))
	assert.NoError(t, Protocol("op", nil))
}

func TestParseTask(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		check   func(t *testing.T, task *Task)
	}{
		{
			name: "full task",
			body: `{"module":"retrieve_likes","profile":{"id":7,"username":"jack"},"session":{"id":"s-1"},"max_results":200,"extra":true}`,
			check: func(t *testing.T, task *Task) {
				assert.Equal(t, "retrieve_likes", task.Module)
				assert.Equal(t, "s-1", task.SessionID())
				assert.Equal(t, 200, task.MaxResults)
				assert.JSONEq(t, `{"id":7,"username":"jack"}`, string(task.Profile))
				assert.Contains(t, string(task.Body), `"extra":true`)
			},
		},
		{
			name: "no session",
			body: `{"module":"retrieve_re_tweets"}`,
			check: func(t *testing.T, task *Task) {
				assert.Equal(t, "", task.SessionID())
			},
		},
		{name: "not json", body: `module=likes`, wantErr: true},
		{name: "array", body: `[1,2]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := ParseTask([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidTask)
				assert.True(t, IsKind(err, KindProtocol))
				return
			}
			require.NoError(t, err)
			tt.check(t, task)
		})
	}
}

func TestNewErrorItem(t *testing.T) {
	cause := errors.New("timeout waiting for selector")
	err := fmt.Errorf("failed to open likes: %w", TransientPage("navigate", cause))
	now := time.Date(2024, 3, 9, 21, 4, 5, 0, time.FixedZone("MSK", 3*3600))

	item := NewErrorItem(err, "https://twitter.com/jack/likes", 0, map[string]any{"module": "retrieve_likes"}, now)

	assert.Equal(t, ItemKindError, item.ItemKind())
	assert.Equal(t, "failed to open likes: navigate: timeout waiting for selector", item.Exception)
	assert.Equal(t, "transient_page", item.ErrorKind)
	assert.Equal(t, "2024-03-09 18:04:05", item.DatetimeUTC)
	assert.Equal(t, "https://twitter.com/jack/likes", item.PageURL)
	assert.Contains(t, item.Traceback, "timeout waiting for selector")
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("worker")
	require.NoError(t, err)
	assert.Equal(t, ModeWorker, mode)

	_, err = ParseMode("daemon")
	assert.ErrorIs(t, err, ErrUnknownMode)
}
