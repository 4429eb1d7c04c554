package spider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/internal/pipeline"
	"github.com/google/uuid"
)

// ErrTasksFailed is returned by RunParser when at least one input ended in
// an error item.
var ErrTasksFailed = errors.New("one or more tasks failed")

// RunParser processes a finite set of inputs once each and closes the
// spider afterwards, whatever happened.
func RunParser(ctx context.Context, s *Spider, chain *pipeline.Chain, inputs []any) (err error) {
	defer func() {
		if cerr := s.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	if err := s.Open(ctx); err != nil {
		return fmt.Errorf("failed to open spider: %w", err)
	}

	failed := 0
	for i, input := range inputs {
		meta := pipeline.Meta{
			Spider: s.Name(),
			TaskID: uuid.NewString(),
			Mode:   domain.ModeParser,
		}

		outcome, runErr := Drain(ctx, s.Run(ctx, input, RunOptions{}), chain, meta, s.logger)
		if outcome == OutcomeFailed {
			failed++
			s.logger.Error("Input failed",
				slog.Int("input", i),
				slog.Any("error", runErr),
			)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrTasksFailed, failed, len(inputs))
	}
	return nil
}

// Drain forwards every item of run through chain and waits for the run to
// end. Chain failures are logged; they do not change the outcome.
func Drain(ctx context.Context, run *Run, chain *pipeline.Chain, meta pipeline.Meta, logger *slog.Logger) (Outcome, error) {
	for item := range run.Items() {
		if _, err := chain.Process(ctx, item, meta); err != nil {
			logger.Error("Failed to process item",
				slog.String("kind", item.ItemKind()),
				slog.String("task_id", meta.TaskID),
				slog.Any("error", err),
			)
		}
	}
	return run.Wait()
}
