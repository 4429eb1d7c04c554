// Package challenge clears the verification walls a site puts in front of a
// spider: reCAPTCHA, e-mail codes and "confirm your e-mail" prompts.
package challenge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/harvester/internal/browser"
	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/internal/solver"
)

// Resolver clears one kind of challenge. Resolve reports false, with no
// error, when the page does not show its challenge.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, page browser.Page) (bool, error)
}

// Solver is the part of solver.Poller the resolvers depend on.
type Solver[C any] interface {
	Solve(ctx context.Context, challenge C) (*solver.Session, error)
}

// Chain tries resolvers in order and stops at the first that handled the
// page or failed.
type Chain struct {
	resolvers []Resolver
	logger    *slog.Logger
}

// NewChain creates a chain. Nil resolvers are skipped.
func NewChain(logger *slog.Logger, resolvers ...Resolver) *Chain {
	c := &Chain{logger: logger}
	for _, r := range resolvers {
		if r != nil {
			c.resolvers = append(c.resolvers, r)
		}
	}
	return c
}

// Name implements Resolver.
func (c *Chain) Name() string { return "chain" }

// Resolve implements Resolver.
func (c *Chain) Resolve(ctx context.Context, page browser.Page) (bool, error) {
	for _, r := range c.resolvers {
		handled, err := r.Resolve(ctx, page)
		if err != nil {
			c.logger.Warn("Challenge not resolved",
				slog.String("resolver", r.Name()),
				slog.String("url", page.URL()),
				slog.Any("error", err),
			)
			return false, err
		}
		if handled {
			c.logger.Info("Challenge resolved",
				slog.String("resolver", r.Name()),
				slog.String("url", page.URL()),
			)
			return true, nil
		}
	}
	return false, nil
}

// solverError classifies a solver failure. An empty balance or a timeout
// means no retry can succeed; anything else is worth another attempt.
func solverError(op string, err error) error {
	if errors.Is(err, solver.ErrNoBalance) || errors.Is(err, solver.ErrSolutionTimeout) {
		return domain.ChallengeUnsolvable(op, err)
	}
	return domain.TransientPage(op, err)
}

const pollInterval = 250 * time.Millisecond

// waitUntil polls conds until one holds and returns its index, or -1 when
// timeout elapses first.
func waitUntil(ctx context.Context, timeout time.Duration, conds ...func() bool) int {
	deadline := time.Now().Add(timeout)
	for {
		for i, cond := range conds {
			if cond() {
				return i
			}
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return -1
		}
		if err := solver.Sleep(ctx, pollInterval); err != nil {
			return -1
		}
	}
}

func present(ctx context.Context, page browser.Page, selector string) func() bool {
	return func() bool { return page.Has(ctx, selector) }
}
