package spider

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"github.com/cuongbtq/harvester/internal/browser"
	"github.com/cuongbtq/harvester/internal/challenge"
	"github.com/cuongbtq/harvester/internal/config"
	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/internal/harvest"
	"github.com/cuongbtq/harvester/internal/solver"
)

// Deps are the collaborators a factory wires into a spider. Optional
// solvers are nil when the matching service is not configured.
type Deps struct {
	Config      *config.Config
	Launcher    browser.Launcher
	Logger      *slog.Logger
	Observer    Observer
	Recaptcha   challenge.Solver[solver.Recaptcha]
	Mail        challenge.Solver[solver.MailQuery]
	Transcriber solver.Transcriber
}

// Options returns the spider options every factory shares.
func (d Deps) Options() []Option {
	opts := []Option{
		WithLogger(d.Logger),
		WithObserver(d.Observer),
	}
	if d.Config != nil {
		opts = append(opts,
			WithAttempts(d.Config.Worker.Attempts),
			WithHarvest(harvest.Config{
				MaxZeroStreak: d.Config.Harvest.MaxZeroStreak,
				PageTimeout:   d.Config.Harvest.PageTimeout,
				MaxIterations: d.Config.Harvest.MaxIterations,
			}),
		)
	}
	return opts
}

// Resolver builds the challenge chain from the configured solvers: a bought
// reCAPTCHA token first, then the mailed code, then the audio challenge.
// It returns nil when no solver is configured.
func (d Deps) Resolver() (challenge.Resolver, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var resolvers []challenge.Resolver
	if d.Recaptcha != nil {
		proxy := ""
		if d.Config != nil {
			proxy = d.Config.Browser.Proxy
		}
		resolvers = append(resolvers, challenge.NewRecaptchaToken(d.Recaptcha, proxy, logger))
	}
	if d.Mail != nil {
		query, err := d.mailQuery()
		if err != nil {
			return nil, err
		}
		resolvers = append(resolvers, challenge.NewEmailCode(d.Mail, query, logger))
	}
	if d.Transcriber != nil {
		var opts []challenge.AudioOption
		if d.Config != nil && d.Config.Solver.Speech.AudioDir != "" {
			opts = append(opts, challenge.WithAudioDir(d.Config.Solver.Speech.AudioDir))
		}
		resolvers = append(resolvers, challenge.NewRecaptchaAudio(d.Transcriber, logger, opts...))
	}

	if len(resolvers) == 0 {
		return nil, nil
	}
	return challenge.NewChain(logger, resolvers...), nil
}

func (d Deps) mailQuery() (solver.MailQuery, error) {
	if d.Config == nil {
		return solver.MailQuery{}, fmt.Errorf("mail solver needs a mailbox config")
	}
	mc := d.Config.Solver.Mailbox
	query := solver.MailQuery{
		Sender:   mc.Sender,
		Subject:  mc.Subject,
		Selector: mc.Selector,
	}
	if mc.Pattern != "" {
		pattern, err := regexp.Compile(mc.Pattern)
		if err != nil {
			return solver.MailQuery{}, fmt.Errorf("invalid mailbox pattern: %w", err)
		}
		query.Pattern = pattern
	}
	return query, nil
}

// Factory builds a spider.
type Factory func(deps Deps) (*Spider, error)

// Registry maps spider names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a name twice panics.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("spider %q registered twice", name))
	}
	r.factories[name] = f
}

// Build creates the named spider.
func (r *Registry) Build(name string, deps Deps) (*Spider, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSpider, name)
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}

	s, err := f(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to build spider %s: %w", name, err)
	}
	return s, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names lists registered spiders in alphabetical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
