// Package harvest implements the scroll-and-fetch collection loop used when a
// task asks for an open-ended number of entities.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Defaults for Config fields left at zero.
const (
	DefaultMaxZeroStreak = 8
	DefaultPageTimeout   = 5 * time.Second
	DefaultMaxIterations = 500
)

// Status tells why a harvest stopped.
type Status int

const (
	StatusComplete Status = iota
	StatusExhausted
	StatusStalled
	StatusCancelled
	StatusIterationLimit
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusExhausted:
		return "exhausted"
	case StatusStalled:
		return "stalled"
	case StatusCancelled:
		return "cancelled"
	case StatusIterationLimit:
		return "iteration_limit"
	default:
		return "unknown"
	}
}

// Config bounds a single harvest.
type Config struct {
	MaxResults    int
	MaxZeroStreak int
	PageTimeout   time.Duration
	MaxIterations int
}

func (c Config) withDefaults() Config {
	if c.MaxZeroStreak <= 0 {
		c.MaxZeroStreak = DefaultMaxZeroStreak
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = DefaultPageTimeout
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	return c
}

// Page is the outcome of one fetch. Exhausted is set when the source
// reported an empty page.
type Page[T any] struct {
	Entities  []T
	Exhausted bool
}

// Fetcher produces pages. First consumes the response already in flight from
// the navigation that started the task; Next triggers and awaits another.
type Fetcher[T any] interface {
	First(ctx context.Context) (Page[T], error)
	Next(ctx context.Context) (Page[T], error)
}

// Result is the truncated accumulator and the reason the loop stopped.
type Result[T any] struct {
	Entities   []T
	Status     Status
	Iterations int
}

type options[T any] struct {
	key       func(T) string
	cancelled func() bool
	logger    *slog.Logger
}

// Option configures Run.
type Option[T any] func(*options[T])

// WithKey suppresses entities whose key was already collected. Duplicates do
// not count as growth.
func WithKey[T any](key func(T) string) Option[T] {
	return func(o *options[T]) { o.key = key }
}

// WithCancel installs the session stop flag, checked once per iteration.
func WithCancel[T any](cancelled func() bool) Option[T] {
	return func(o *options[T]) { o.cancelled = cancelled }
}

// WithLogger sets the logger used for per-page diagnostics.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(o *options[T]) { o.logger = logger }
}

type accumulator[T any] struct {
	entities []T
	seen     map[string]struct{}
	key      func(T) string
}

func (a *accumulator[T]) add(items []T) int {
	added := 0
	for _, item := range items {
		if a.key != nil {
			k := a.key(item)
			if _, dup := a.seen[k]; dup {
				continue
			}
			a.seen[k] = struct{}{}
		}
		a.entities = append(a.entities, item)
		added++
	}
	return added
}

// Run collects entities until MaxResults is reached, the source is
// exhausted, MaxZeroStreak pages in a row add nothing, the stop flag is set
// or MaxIterations is hit. Each Next call gets at most PageTimeout; a page
// that fails or times out counts as no growth.
func Run[T any](ctx context.Context, cfg Config, fetcher Fetcher[T], opts ...Option[T]) (Result[T], error) {
	cfg = cfg.withDefaults()
	o := options[T]{
		cancelled: func() bool { return false },
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}

	acc := &accumulator[T]{key: o.key, seen: make(map[string]struct{})}
	res := Result[T]{}

	first, err := fetcher.First(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to fetch first page: %w", err)
	}
	acc.add(first.Entities)
	status := StatusComplete
	if first.Exhausted {
		status = StatusExhausted
	}

	streak := 0
	for status != StatusExhausted && !reached(cfg, acc) {
		if o.cancelled() {
			status = StatusCancelled
			break
		}
		if res.Iterations >= cfg.MaxIterations {
			status = StatusIterationLimit
			break
		}
		res.Iterations++

		page, err := fetchNext(ctx, cfg.PageTimeout, fetcher)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			o.logger.Debug("Page yielded nothing",
				slog.Int("iteration", res.Iterations),
				slog.Any("error", err),
			)
		}

		added := acc.add(page.Entities)
		if page.Exhausted {
			status = StatusExhausted
			break
		}
		if added == 0 {
			streak++
		} else {
			streak = 0
		}
		o.logger.Debug("Harvest page",
			slog.Int("iteration", res.Iterations),
			slog.Int("added", added),
			slog.Int("total", len(acc.entities)),
			slog.Int("zero_streak", streak),
		)
		if streak >= cfg.MaxZeroStreak {
			status = StatusStalled
			break
		}
	}

	res.Entities = acc.entities
	if cfg.MaxResults > 0 && len(res.Entities) > cfg.MaxResults {
		res.Entities = res.Entities[:cfg.MaxResults]
	}
	res.Status = status
	return res, nil
}

func reached[T any](cfg Config, acc *accumulator[T]) bool {
	return cfg.MaxResults > 0 && len(acc.entities) >= cfg.MaxResults
}

func fetchNext[T any](ctx context.Context, timeout time.Duration, fetcher Fetcher[T]) (Page[T], error) {
	pageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page, err := fetcher.Next(pageCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return page, fmt.Errorf("no response within %s: %w", timeout, err)
	}
	return page, err
}
