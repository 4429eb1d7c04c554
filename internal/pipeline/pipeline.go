// Package pipeline forwards spider items through an ordered chain of stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/harvester/internal/domain"
)

// Meta describes the task an item belongs to.
type Meta struct {
	Spider string
	TaskID string
	Mode   domain.Mode
	Task   *domain.Task // nil in parser mode
}

// SessionID returns the task session id, or "".
func (m Meta) SessionID() string {
	if m.Task == nil {
		return ""
	}
	return m.Task.SessionID()
}

// Pipeline is one stage. Returning a nil item vetoes it for later stages.
type Pipeline interface {
	Name() string
	Process(ctx context.Context, item domain.Item, meta Meta) (domain.Item, error)
}

// Opener is implemented by stages that acquire resources before use.
type Opener interface {
	Open(ctx context.Context) error
}

// Closer is implemented by stages that hold resources.
type Closer interface {
	Close() error
}

// Chain runs stages in order.
type Chain struct {
	stages []Pipeline
	logger *slog.Logger
}

// NewChain creates a chain. Nil stages are skipped.
func NewChain(logger *slog.Logger, stages ...Pipeline) *Chain {
	c := &Chain{logger: logger}
	for _, s := range stages {
		if s != nil {
			c.stages = append(c.stages, s)
		}
	}
	return c
}

// Names lists the stages in order.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.stages))
	for _, s := range c.stages {
		names = append(names, s.Name())
	}
	return names
}

// Open opens every stage that needs it. Stages opened before a failure are
// closed again.
func (c *Chain) Open(ctx context.Context) error {
	for i, s := range c.stages {
		o, ok := s.(Opener)
		if !ok {
			continue
		}
		if err := o.Open(ctx); err != nil {
			c.closeStages(c.stages[:i])
			return fmt.Errorf("failed to open pipeline %s: %w", s.Name(), err)
		}
	}
	return nil
}

// Process passes item through every stage. It returns nil, with no error,
// when a stage vetoed the item.
func (c *Chain) Process(ctx context.Context, item domain.Item, meta Meta) (domain.Item, error) {
	for _, s := range c.stages {
		next, err := s.Process(ctx, item, meta)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", s.Name(), err)
		}
		if next == nil {
			c.logger.Debug("Item dropped",
				slog.String("pipeline", s.Name()),
				slog.String("kind", item.ItemKind()),
			)
			return nil, nil
		}
		item = next
	}
	return item, nil
}

// Close closes every stage, in reverse order.
func (c *Chain) Close() error {
	return c.closeStages(c.stages)
}

func (c *Chain) closeStages(stages []Pipeline) error {
	var errs []error
	for i := len(stages) - 1; i >= 0; i-- {
		if cl, ok := stages[i].(Closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close pipeline %s: %w", stages[i].Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
