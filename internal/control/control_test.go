package control

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type republished struct {
	queue string
	body  []byte
	hops  int
}

type fakePublisher struct {
	sent []republished
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, queue string, payload any, opts ...rabbitmq.PublishOption) error {
	if p.err != nil {
		return p.err
	}
	var msg amqp.Publishing
	for _, opt := range opts {
		opt(&msg)
	}
	p.sent = append(p.sent, republished{queue: queue, body: payload.([]byte), hops: Hops(msg.Headers)})
	return nil
}

func delivery(body string, hops any) *rabbitmq.Delivery {
	d := &rabbitmq.Delivery{Queue: "spider_control"}
	d.Body = []byte(body)
	if hops != nil {
		d.Headers = amqp.Table{HeaderHops: hops}
	}
	return d
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(0)

	assert.False(t, r.Stop("s-1"), "sessions not running here are not flagged")
	assert.False(t, r.Stopped("s-1"))

	end := r.Begin("s-1")
	assert.True(t, r.Active("s-1"))
	assert.True(t, r.Stop("s-1"))
	assert.True(t, r.Stopped("s-1"))
	assert.True(t, r.Flag("s-1")())

	end()
	end()
	assert.False(t, r.Active("s-1"))
	assert.True(t, r.Stopped("s-1"), "the flag outlives the task")

	assert.False(t, r.Stopped(""))
	r.Begin("")()
}

func TestRegistry_NestedBegin(t *testing.T) {
	r := NewRegistry(0)
	endA := r.Begin("s-1")
	endB := r.Begin("s-1")

	endA()
	assert.True(t, r.Active("s-1"))
	endB()
	assert.False(t, r.Active("s-1"))
}

func TestRegistry_Clear(t *testing.T) {
	r := NewRegistry(0)
	endA := r.Begin("s-1")
	endB := r.Begin("s-1")
	require.True(t, r.Stop("s-1"))

	endA()
	r.Clear("s-1")
	assert.True(t, r.Stopped("s-1"), "kept while another task of the session runs")

	endB()
	r.Clear("s-1")
	assert.False(t, r.Stopped("s-1"))

	r.Clear("unknown")
}

func TestRegistry_TTL(t *testing.T) {
	r := NewRegistry(time.Hour)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	defer r.Begin("s-1")()
	require.True(t, r.Stop("s-1"))

	now = now.Add(30 * time.Minute)
	assert.True(t, r.Stopped("s-1"))

	now = now.Add(time.Hour)
	assert.False(t, r.Stopped("s-1"))
}

func TestHandler_Handle(t *testing.T) {
	tests := []struct {
		name       string
		active     string
		body       string
		hops       any
		wantKind   *domain.Kind
		wantStop   bool
		wantResent int
		wantHops   int
	}{
		{
			name:     "stops a session running here",
			active:   "s-1",
			body:     `{"id":"s-1"}`,
			wantStop: true,
		},
		{
			name:       "passes on a session running elsewhere",
			active:     "s-1",
			body:       `{"id":"s-2"}`,
			wantResent: 1,
			wantHops:   1,
		},
		{
			name:       "increments the hop counter",
			body:       `{"id":"s-2"}`,
			hops:       int32(3),
			wantResent: 1,
			wantHops:   4,
		},
		{
			name: "drops requests at the hop limit",
			body: `{"id":"s-2"}`,
			hops: int64(5),
		},
		{
			name:     "malformed body is a protocol error",
			body:     `not json`,
			wantKind: ptr(domain.KindProtocol),
		},
		{
			name:     "missing id is a protocol error",
			body:     `{}`,
			wantKind: ptr(domain.KindProtocol),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry(0)
			if tt.active != "" {
				defer registry.Begin(tt.active)()
			}
			pub := &fakePublisher{}
			h := NewHandler(registry, pub, "spider_control", 5, slog.New(slog.DiscardHandler))

			err := h.Handle(context.Background(), delivery(tt.body, tt.hops))
			if tt.wantKind != nil {
				require.Error(t, err)
				assert.True(t, domain.IsKind(err, *tt.wantKind))
			} else {
				require.NoError(t, err)
			}

			if tt.active != "" {
				assert.Equal(t, tt.wantStop, registry.Stopped(tt.active))
			}
			require.Len(t, pub.sent, tt.wantResent)
			if tt.wantResent > 0 {
				assert.Equal(t, "spider_control", pub.sent[0].queue)
				assert.Equal(t, tt.body, string(pub.sent[0].body))
				assert.Equal(t, tt.wantHops, pub.sent[0].hops)
			}
		})
	}
}

func TestHandler_RepublishFailure(t *testing.T) {
	h := NewHandler(NewRegistry(0), &fakePublisher{err: errors.New("channel closed")}, "spider_control", 5, slog.New(slog.DiscardHandler))

	err := h.Handle(context.Background(), delivery(`{"id":"s-2"}`, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to republish stop request")
}

func ptr[T any](v T) *T { return &v }
