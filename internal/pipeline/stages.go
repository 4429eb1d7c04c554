package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Headers set on published items
const (
	HeaderSpider    = "x-spider"
	HeaderItemKind  = "x-item-kind"
	HeaderSessionID = "x-session-id"
)

// Publisher is the part of rabbitmq.Client the Publish stage needs.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload any, opts ...rabbitmq.PublishOption) error
}

// Publish sends results to the result queue and error items to the error
// queue, one message per item.
type Publish struct {
	client      Publisher
	resultQueue string
	errorQueue  string
}

// NewPublish creates the stage.
func NewPublish(client Publisher, resultQueue, errorQueue string) *Publish {
	return &Publish{client: client, resultQueue: resultQueue, errorQueue: errorQueue}
}

// Name implements Pipeline.
func (p *Publish) Name() string { return "publish" }

// Process implements Pipeline.
func (p *Publish) Process(ctx context.Context, item domain.Item, meta Meta) (domain.Item, error) {
	queue := p.resultQueue
	if item.ItemKind() == domain.ItemKindError {
		queue = p.errorQueue
	}

	headers := amqp.Table{
		HeaderSpider:   meta.Spider,
		HeaderItemKind: item.ItemKind(),
	}
	if sid := meta.SessionID(); sid != "" {
		headers[HeaderSessionID] = sid
	}

	err := p.client.Publish(ctx, queue, item,
		rabbitmq.WithCorrelationID(meta.TaskID),
		rabbitmq.WithHeaders(headers),
	)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Dedup drops keyed items already seen in the current task.
type Dedup struct {
	mu     sync.Mutex
	taskID string
	seen   map[string]struct{}
}

// NewDedup creates the stage.
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]struct{})}
}

// Name implements Pipeline.
func (d *Dedup) Name() string { return "dedup" }

// Process implements Pipeline.
func (d *Dedup) Process(_ context.Context, item domain.Item, meta Meta) (domain.Item, error) {
	keyed, ok := item.(domain.Keyed)
	if !ok {
		return item, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if meta.TaskID != d.taskID {
		d.taskID = meta.TaskID
		clear(d.seen)
	}

	key := keyed.Key()
	if _, dup := d.seen[key]; dup {
		return nil, nil
	}
	d.seen[key] = struct{}{}
	return item, nil
}

// Line is the record the Writer stage prints.
type Line struct {
	Spider string      `json:"spider"`
	Kind   string      `json:"kind"`
	Item   domain.Item `json:"item"`
}

// Writer prints every item as one JSON line.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriter creates the stage.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// Name implements Pipeline.
func (w *Writer) Name() string { return "writer" }

// Process implements Pipeline.
func (w *Writer) Process(_ context.Context, item domain.Item, meta Meta) (domain.Item, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enc.Encode(Line{Spider: meta.Spider, Kind: item.ItemKind(), Item: item}); err != nil {
		return nil, fmt.Errorf("failed to write item: %w", err)
	}
	return item, nil
}
