// Package solver implements the submit-then-poll protocol shared by every
// external challenge solver: CAPTCHA tokens, mailbox verification codes.
package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrNoBalance is returned when the solving service refuses work for lack of funds.
	ErrNoBalance = errors.New("solver account has no balance")

	// ErrUnsolvable is returned by a backend that knows the challenge will never resolve.
	ErrUnsolvable = errors.New("challenge is unsolvable")

	// ErrSolutionTimeout is returned when no solution arrived within MaxTicks checks.
	ErrSolutionTimeout = errors.New("challenge solution timed out")
)

// Defaults for Config fields left at zero.
const (
	DefaultTick     = 5 * time.Second
	DefaultMaxTicks = 60
)

// Backend is one solving service. Submit registers a challenge and returns
// its id; Check reports whether a solution is ready.
type Backend[C any] interface {
	Name() string
	Submit(ctx context.Context, challenge C) (string, error)
	Check(ctx context.Context, id string) (token string, ready bool, err error)
}

// Forgetter is implemented by backends that hold state per challenge. The
// poller calls Forget once the challenge reached any outcome.
type Forgetter interface {
	Forget(id string)
}

// Outcome is the terminal state of a solve session.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeToken
	OutcomeExpired
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeToken:
		return "token"
	case OutcomeExpired:
		return "expired"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Session records one challenge from submission to outcome.
type Session struct {
	ChallengeID string
	Started     time.Time
	Ticks       int
	Outcome     Outcome
	Token       string
}

// Config controls the polling cadence.
type Config struct {
	Tick         time.Duration
	MaxTicks     int
	InitialDelay time.Duration
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Poller drives a Backend until it yields a token or runs out of ticks.
type Poller[C any] struct {
	backend Backend[C]
	config  Config
	logger  *slog.Logger
	sleep   SleepFunc
	now     func() time.Time
	onTick  func(backend string)
}

// Option configures a Poller.
type Option[C any] func(*Poller[C])

// WithSleep replaces the wait between checks.
func WithSleep[C any](sleep SleepFunc) Option[C] {
	return func(p *Poller[C]) { p.sleep = sleep }
}

// WithLogger sets the poller logger.
func WithLogger[C any](logger *slog.Logger) Option[C] {
	return func(p *Poller[C]) { p.logger = logger }
}

// WithTickHook is called once per check with the backend name.
func WithTickHook[C any](hook func(backend string)) Option[C] {
	return func(p *Poller[C]) { p.onTick = hook }
}

// NewPoller creates a poller for backend.
func NewPoller[C any](backend Backend[C], config Config, opts ...Option[C]) *Poller[C] {
	if config.Tick <= 0 {
		config.Tick = DefaultTick
	}
	if config.MaxTicks <= 0 {
		config.MaxTicks = DefaultMaxTicks
	}

	p := &Poller[C]{
		backend: backend,
		config:  config,
		logger:  slog.New(slog.DiscardHandler),
		sleep:   Sleep,
		now:     time.Now,
		onTick:  func(string) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("solver", backend.Name()))
	return p
}

// Solve submits challenge and polls for its solution. The first check happens
// on tick 1, and Tick elapses between consecutive checks. Check errors other
// than ErrUnsolvable and ErrNoBalance are logged and cost the tick.
func (p *Poller[C]) Solve(ctx context.Context, challenge C) (*Session, error) {
	s := &Session{Started: p.now()}

	id, err := p.backend.Submit(ctx, challenge)
	if err != nil {
		s.Outcome = OutcomeError
		return s, fmt.Errorf("failed to submit challenge: %w", err)
	}
	s.ChallengeID = id
	defer p.forget(id)
	p.logger.Info("Challenge submitted", slog.String("challenge_id", id))

	if p.config.InitialDelay > 0 {
		if err := p.sleep(ctx, p.config.InitialDelay); err != nil {
			s.Outcome = OutcomeError
			return s, err
		}
	}

	for tick := 1; tick <= p.config.MaxTicks; tick++ {
		if tick > 1 {
			if err := p.sleep(ctx, p.config.Tick); err != nil {
				s.Outcome = OutcomeError
				return s, err
			}
		}
		s.Ticks = tick
		p.onTick(p.backend.Name())

		token, ready, err := p.backend.Check(ctx, id)
		if err != nil {
			if errors.Is(err, ErrUnsolvable) || errors.Is(err, ErrNoBalance) || ctx.Err() != nil {
				s.Outcome = OutcomeError
				return s, fmt.Errorf("failed to check challenge %s: %w", id, err)
			}
			p.logger.Warn("Challenge check failed",
				slog.String("challenge_id", id),
				slog.Int("tick", tick),
				slog.Any("error", err),
			)
			continue
		}
		if ready {
			s.Outcome = OutcomeToken
			s.Token = token
			p.logger.Info("Challenge solved",
				slog.String("challenge_id", id),
				slog.Int("tick", tick),
				slog.Duration("elapsed", p.now().Sub(s.Started).Truncate(time.Millisecond)),
			)
			return s, nil
		}
		p.logger.Debug("Challenge not ready", slog.String("challenge_id", id), slog.Int("tick", tick))
	}

	s.Outcome = OutcomeExpired
	return s, fmt.Errorf("no solution for %s after %d checks: %w", id, p.config.MaxTicks, ErrSolutionTimeout)
}

func (p *Poller[C]) forget(id string) {
	if f, ok := p.backend.(Forgetter); ok {
		f.Forget(id)
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
