// Package spider runs site-specific processors inside a browser with a
// bounded retry-and-restart policy.
package spider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/harvester/internal/browser"
	"github.com/cuongbtq/harvester/internal/challenge"
	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/internal/harvest"
)

// DefaultAttempts is the attempt budget per task.
const DefaultAttempts = 3

var (
	// ErrClosed is returned by operations on a closed spider.
	ErrClosed = errors.New("spider is closed")

	// ErrBusy is returned when Run is called while another run is in progress.
	ErrBusy = errors.New("spider is already running a task")
)

// Emit hands an item to the run. Items emitted by a failed attempt are
// discarded.
type Emit func(domain.Item)

// Env is what a processor sees of the running spider.
type Env struct {
	Page     browser.Page
	Resolver challenge.Resolver
	Harvest  harvest.Config
	Task     *domain.Task // nil in parser mode
	Stopped  func() bool
	Logger   *slog.Logger
}

// ResolveChallenges runs the resolver chain until the page shows no known
// challenge, at most max times. It reports whether anything was resolved.
func (e *Env) ResolveChallenges(ctx context.Context, max int) (bool, error) {
	if e.Resolver == nil {
		return false, nil
	}
	resolved := false
	for i := 0; i < max; i++ {
		handled, err := e.Resolver.Resolve(ctx, e.Page)
		if err != nil {
			return resolved, err
		}
		if !handled {
			return resolved, nil
		}
		resolved = true
	}
	return resolved, nil
}

// Processor is the site logic of a spider.
type Processor interface {
	Name() string
	// Decode builds the typed input of a worker-mode task.
	Decode(task *domain.Task) (any, error)
	// FromArgs builds the typed input from parser-mode key=value arguments.
	FromArgs(args map[string]string) (any, error)
	Process(ctx context.Context, env *Env, input any, emit Emit) error
}

// Session prepares a freshly launched page before processing, e.g. by
// injecting cookies or logging in.
type Session interface {
	Prepare(ctx context.Context, env *Env, input any) error
}

// SessionFunc adapts a function to Session.
type SessionFunc func(ctx context.Context, env *Env, input any) error

// Prepare implements Session.
func (f SessionFunc) Prepare(ctx context.Context, env *Env, input any) error { return f(ctx, env, input) }

// Observer receives lifecycle events, typically to update metrics.
type Observer interface {
	ObserveAttempt(spider string, ok bool)
	ObserveItem(spider, kind string)
	ObserveTask(spider string, outcome Outcome)
}

type nopObserver struct{}

func (nopObserver) ObserveAttempt(string, bool) {}
func (nopObserver) ObserveItem(string, string)  {}
func (nopObserver) ObserveTask(string, Outcome) {}

// Spider composes a processor with a browser, an optional challenge
// resolver and an optional session capability.
type Spider struct {
	processor Processor
	launcher  browser.Launcher
	resolver  challenge.Resolver
	session   Session
	harvest   harvest.Config
	attempts  int
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	state   State
	page    browser.Page
	running bool
}

// Option configures a Spider.
type Option func(*Spider)

// WithResolver installs the challenge resolver handed to the processor.
func WithResolver(r challenge.Resolver) Option {
	return func(s *Spider) { s.resolver = r }
}

// WithSession installs the session capability.
func WithSession(session Session) Option {
	return func(s *Spider) { s.session = session }
}

// WithHarvest sets the harvest bounds handed to the processor.
func WithHarvest(cfg harvest.Config) Option {
	return func(s *Spider) { s.harvest = cfg }
}

// WithAttempts sets the attempt budget per task.
func WithAttempts(n int) Option {
	return func(s *Spider) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithObserver installs a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Spider) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithLogger sets the spider logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Spider) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a spider in StateCreated.
func New(p Processor, launcher browser.Launcher, opts ...Option) *Spider {
	s := &Spider{
		processor: p,
		launcher:  launcher,
		attempts:  DefaultAttempts,
		observer:  nopObserver{},
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
		state:     StateCreated,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("spider", p.Name()))
	return s
}

// Name returns the processor name.
func (s *Spider) Name() string { return s.processor.Name() }

// Processor returns the site logic.
func (s *Spider) Processor() Processor { return s.processor }

// State returns the current lifecycle state.
func (s *Spider) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Spider) setState(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return nil
	}
	if err := checkTransition(s.state, to); err != nil {
		return err
	}
	s.logger.Debug("State changed", slog.String("from", s.state.String()), slog.String("to", to.String()))
	s.state = to
	return nil
}

// Open launches the browser. Launch failures are resource acquisition errors.
func (s *Spider) Open(ctx context.Context) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	if err := s.ensurePage(ctx); err != nil {
		return err
	}
	if s.State() == StateCreated {
		return s.setState(StateOpened)
	}
	return nil
}

func (s *Spider) ensurePage(ctx context.Context) error {
	s.mu.Lock()
	has := s.page != nil
	s.mu.Unlock()
	if has {
		return nil
	}

	page, err := s.launcher.Launch(ctx)
	if err != nil {
		if domain.KindOf(err) != domain.KindResourceAcquisition {
			err = domain.ResourceAcquisition("launch browser", err)
		}
		return err
	}

	s.mu.Lock()
	s.page = page
	s.mu.Unlock()
	s.logger.Info("Browser opened")
	return nil
}

func (s *Spider) currentPage() browser.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

func (s *Spider) closePage() error {
	s.mu.Lock()
	page := s.page
	s.page = nil
	s.mu.Unlock()
	if page == nil {
		return nil
	}
	if err := page.Close(); err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}

// restart closes the browser and launches a new one.
func (s *Spider) restart(ctx context.Context) error {
	if err := s.closePage(); err != nil {
		s.logger.Warn("Failed to close browser before restart", slog.Any("error", err))
	}
	return s.ensurePage(ctx)
}

// Close releases the browser. It is safe to call more than once.
func (s *Spider) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	err := s.closePage()
	s.logger.Info("Spider closed")
	return err
}

// RunOptions carries the per-task context of a run.
type RunOptions struct {
	Task    *domain.Task
	Stopped func() bool
}

// Run processes one input. Items are streamed on Run.Items once the attempt
// that produced them has succeeded; a run that exhausts its attempts emits a
// single ErrorItem instead.
func (s *Spider) Run(ctx context.Context, input any, opts RunOptions) *Run {
	r := newRun()

	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.mu.Unlock()
		r.finish(OutcomeFailed, ErrClosed)
		return r
	case s.running:
		s.mu.Unlock()
		r.finish(OutcomeFailed, ErrBusy)
		return r
	}
	s.running = true
	s.mu.Unlock()

	if opts.Stopped == nil {
		opts.Stopped = func() bool { return false }
	}

	go func() {
		outcome, err := s.run(ctx, input, opts, r)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		r.finish(outcome, err)
	}()
	return r
}

func (s *Spider) run(ctx context.Context, input any, opts RunOptions, r *Run) (Outcome, error) {
	name := s.Name()
	if s.State() == StateCreated {
		if err := s.Open(ctx); err != nil {
			return s.fail(ctx, r, err, input, opts)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err := s.setState(StateProcessing); err != nil {
			return OutcomeFailed, err
		}

		items, err := s.attempt(ctx, input, opts)
		s.observer.ObserveAttempt(name, err == nil || errors.Is(err, domain.ErrSessionStopped))

		if err == nil || errors.Is(err, domain.ErrSessionStopped) {
			outcome := OutcomeDone
			if err != nil {
				outcome = OutcomeStopped
				s.logger.Info("Session stopped", slog.Int("items", len(items)))
			}
			commitErr := s.commit(ctx, r, items)
			_ = s.setState(StateOpened)
			s.observer.ObserveTask(name, outcome)
			return outcome, commitErr
		}

		lastErr = err
		kind := domain.KindOf(err)
		s.logger.Warn("Attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.attempts),
			slog.String("kind", kind.String()),
			slog.Any("error", err),
		)
		if ctx.Err() != nil || !kind.Retryable() {
			break
		}
		if attempt == s.attempts {
			break
		}

		_ = s.setState(StateRetrying)
		if err := s.restart(ctx); err != nil {
			lastErr = err
			break
		}
	}

	return s.fail(ctx, r, lastErr, input, opts)
}

// attempt runs the session and the processor once, buffering emitted items.
func (s *Spider) attempt(ctx context.Context, input any, opts RunOptions) ([]domain.Item, error) {
	if err := s.ensurePage(ctx); err != nil {
		return nil, err
	}

	env := &Env{
		Page:     s.currentPage(),
		Resolver: s.resolver,
		Harvest:  s.harvest,
		Task:     opts.Task,
		Stopped:  opts.Stopped,
		Logger:   s.logger,
	}

	var items []domain.Item
	emit := func(item domain.Item) {
		if item != nil {
			items = append(items, item)
		}
	}

	if s.session != nil {
		if err := s.session.Prepare(ctx, env, input); err != nil {
			return items, fmt.Errorf("failed to prepare session: %w", err)
		}
	}
	err := s.processor.Process(ctx, env, input, emit)
	return items, err
}

// fail emits the single error item of a failed task and restarts the
// browser for the next one.
func (s *Spider) fail(ctx context.Context, r *Run, err error, input any, opts RunOptions) (Outcome, error) {
	if err == nil {
		err = errors.New("no attempt was made")
	}

	pageURL, status := "", 0
	if page := s.currentPage(); page != nil {
		pageURL, status = page.URL(), page.StatusCode()
	}
	s.logger.Error("Task failed",
		slog.String("kind", domain.KindOf(err).String()),
		slog.String("page_url", pageURL),
		slog.Int("page_status", status),
		slog.Any("error", err),
	)

	item := domain.NewErrorItem(err, pageURL, status, inputMessage(input, opts.Task), s.now())
	commitErr := s.commit(ctx, r, []domain.Item{item})

	// the next task gets a fresh browser, launched on demand
	if cerr := s.closePage(); cerr != nil {
		s.logger.Warn("Failed to close browser", slog.Any("error", cerr))
	}
	if st := s.State(); st == StateProcessing || st == StateRetrying {
		_ = s.setState(StateOpened)
	}
	s.observer.ObserveTask(s.Name(), OutcomeFailed)
	return OutcomeFailed, errors.Join(err, commitErr)
}

func (s *Spider) commit(ctx context.Context, r *Run, items []domain.Item) error {
	for _, item := range items {
		select {
		case r.items <- item:
			s.observer.ObserveItem(s.Name(), item.ItemKind())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func inputMessage(input any, task *domain.Task) any {
	if task != nil && len(task.Body) > 0 {
		return json.RawMessage(task.Body)
	}
	return input
}
