// Package timeline harvests the likes and retweets of a profile from an
// authorized browser session.
package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cuongbtq/harvester/internal/browser"
	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/internal/harvest"
	"github.com/cuongbtq/harvester/internal/spider"
)

// Name is the registry name of the spider.
const Name = "timeline"

// Modules the spider serves
const (
	ModuleLikes    = "retrieve_likes"
	ModuleReTweets = "retrieve_re_tweets"
)

const (
	DefaultBaseURL = "https://twitter.com"

	likesResponse   = "timeline/favorites"
	profileResponse = "timeline/profile"
	loginLink       = `a[href="/login"]`
	homePath        = "/home"
)

var (
	// ErrUnknownModule is returned for a task module the spider does not serve.
	ErrUnknownModule = errors.New("can not process module")

	// ErrNotAuthorized is returned when the injected cookies do not log in.
	ErrNotAuthorized = errors.New("failed to auth user")
)

// Profile identifies the profile to harvest.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Input is the typed task of the spider.
type Input struct {
	Module     string           `json:"module"`
	Profile    Profile          `json:"profile"`
	MaxResults int              `json:"max_results"`
	Cookies    []browser.Cookie `json:"cookies,omitempty"`
	SessionID  string           `json:"-"`
}

func (in *Input) validate() error {
	switch in.Module {
	case ModuleLikes, ModuleReTweets:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownModule, in.Module)
	}
	if in.Profile.Username == "" {
		return errors.New("profile username is required")
	}
	return nil
}

type route struct {
	path     string
	response string
	reached  string
	retweets bool
}

func (in *Input) route() route {
	if in.Module == ModuleLikes {
		return route{
			path:     "/" + in.Profile.Username + "/likes",
			response: likesResponse,
			reached:  "/likes",
		}
	}
	return route{
		path:     "/" + in.Profile.Username,
		response: profileResponse,
		reached:  "/" + in.Profile.Username,
		retweets: true,
	}
}

// HarvestHook receives the size and stop reason of every finished harvest.
type HarvestHook func(spider, status string, entities int)

// Timeline is the processor.
type Timeline struct {
	baseURL string
	hook    HarvestHook
}

// Option configures Timeline.
type Option func(*Timeline)

// WithBaseURL points the spider at another host.
func WithBaseURL(u string) Option {
	return func(t *Timeline) { t.baseURL = strings.TrimRight(u, "/") }
}

// WithHarvestHook installs a harvest hook.
func WithHarvestHook(h HarvestHook) Option {
	return func(t *Timeline) { t.hook = h }
}

// New creates the processor.
func New(opts ...Option) *Timeline {
	t := &Timeline{baseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements spider.Processor.
func (t *Timeline) Name() string { return Name }

// Decode implements spider.Processor.
func (t *Timeline) Decode(task *domain.Task) (any, error) {
	var in Input
	if err := json.Unmarshal(task.Body, &in); err != nil {
		return nil, domain.Protocol("decode timeline task", err)
	}
	in.SessionID = task.SessionID()
	if err := in.validate(); err != nil {
		return nil, domain.Protocol("decode timeline task", err)
	}
	return &in, nil
}

// FromArgs implements spider.Processor.
func (t *Timeline) FromArgs(args map[string]string) (any, error) {
	in := Input{
		Module:  args["module"],
		Profile: Profile{ID: args["profile_id"], Username: args["username"]},
	}
	if v := args["max_results"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid max_results %q: %w", v, err)
		}
		in.MaxResults = n
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	return &in, nil
}

// Process implements spider.Processor.
func (t *Timeline) Process(ctx context.Context, env *spider.Env, input any, emit spider.Emit) error {
	in, ok := input.(*Input)
	if !ok {
		return domain.Protocol("process timeline task", fmt.Errorf("unexpected input %T", input))
	}
	r := in.route()
	page := env.Page

	first := page.ExpectResponse(ctx, r.response)
	if err := page.Navigate(ctx, t.baseURL+r.path); err != nil {
		return err
	}
	if !strings.Contains(page.URL(), r.reached) {
		return domain.TransientPage("open "+r.path, fmt.Errorf("page was not reached, landed on %s", page.URL()))
	}

	cfg := env.Harvest
	cfg.MaxResults = in.MaxResults
	res, err := harvest.Run(ctx, cfg, &fetcher{page: page, first: first, route: r},
		harvest.WithKey(func(e Entity) string { return e.TweetID }),
		harvest.WithCancel[Entity](env.Stopped),
		harvest.WithLogger[Entity](env.Logger),
	)
	if err != nil {
		return domain.TransientPage("harvest "+in.Module, err)
	}

	env.Logger.Info("Harvest finished",
		slog.String("module", in.Module),
		slog.String("username", in.Profile.Username),
		slog.String("status", res.Status.String()),
		slog.Int("entities", len(res.Entities)),
		slog.Int("iterations", res.Iterations),
	)
	if t.hook != nil {
		t.hook(Name, res.Status.String(), len(res.Entities))
	}

	for i := range res.Entities {
		e := res.Entities[i]
		e.Module = in.Module
		e.ProfileID = in.Profile.ID
		e.SessionID = in.SessionID
		emit(&e)
	}

	if res.Status == harvest.StatusCancelled {
		return domain.ErrSessionStopped
	}
	return nil
}

// fetcher turns timeline API responses into harvest pages.
type fetcher struct {
	page  browser.Page
	first browser.WaitFunc
	route route
}

func (f *fetcher) First(ctx context.Context) (harvest.Page[Entity], error) {
	return f.read(ctx, f.first)
}

func (f *fetcher) Next(ctx context.Context) (harvest.Page[Entity], error) {
	wait := f.page.ExpectResponse(ctx, f.route.response)
	if err := f.page.ScrollToBottom(ctx); err != nil {
		return harvest.Page[Entity]{}, err
	}
	return f.read(ctx, wait)
}

func (f *fetcher) read(ctx context.Context, wait browser.WaitFunc) (harvest.Page[Entity], error) {
	resp, err := wait(ctx)
	if err != nil {
		return harvest.Page[Entity]{}, err
	}
	entities, exhausted, err := parsePage(resp.Body, f.route.retweets)
	if err != nil {
		return harvest.Page[Entity]{}, err
	}
	return harvest.Page[Entity]{Entities: entities, Exhausted: exhausted}, nil
}

// CookieSession logs the page in with stored cookies before each attempt.
// Cookies carried by the task take precedence.
type CookieSession struct {
	baseURL string
	cookies []browser.Cookie
}

// NewCookieSession creates the session capability.
func NewCookieSession(baseURL string, cookies []browser.Cookie) *CookieSession {
	return &CookieSession{baseURL: strings.TrimRight(baseURL, "/"), cookies: cookies}
}

// Prepare implements spider.Session.
func (s *CookieSession) Prepare(ctx context.Context, env *spider.Env, input any) error {
	cookies := s.cookies
	if in, ok := input.(*Input); ok && len(in.Cookies) > 0 {
		cookies = in.Cookies
	}
	if len(cookies) == 0 {
		return domain.ChallengeUnsolvable("inject cookies", errors.New("no session cookies configured"))
	}

	page := env.Page
	if err := page.SetCookies(ctx, cookies); err != nil {
		return err
	}
	if err := page.Navigate(ctx, s.baseURL+"/"); err != nil {
		return err
	}
	if !strings.Contains(page.URL(), homePath) && page.Has(ctx, loginLink) {
		return domain.TransientPage("inject cookies", ErrNotAuthorized)
	}
	return nil
}

// LoadCookies reads a JSON cookie export.
func LoadCookies(path string) ([]browser.Cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies file: %w", err)
	}
	var cookies []browser.Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("failed to parse cookies file: %w", err)
	}
	return cookies, nil
}

// Factory builds the timeline spider.
func Factory(deps spider.Deps) (*spider.Spider, error) {
	var cookies []browser.Cookie
	if deps.Config != nil {
		if path := deps.Config.Spider(Name).Cookies; path != "" {
			var err error
			if cookies, err = LoadCookies(path); err != nil {
				return nil, err
			}
		}
	}

	var opts []Option
	if h, ok := deps.Observer.(interface {
		Harvested(spider, status string, entities int)
	}); ok {
		opts = append(opts, WithHarvestHook(h.Harvested))
	}
	proc := New(opts...)

	spiderOpts := append(deps.Options(), spider.WithSession(NewCookieSession(proc.baseURL, cookies)))
	return spider.New(proc, deps.Launcher, spiderOpts...), nil
}
