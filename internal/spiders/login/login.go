// Package login signs an account in and exports the session cookies for
// the spiders that need an authorized browser.
package login

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/harvester/internal/browser"
	"github.com/cuongbtq/harvester/internal/challenge"
	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/internal/solver"
	"github.com/cuongbtq/harvester/internal/spider"
)

// Name is the registry name of the spider.
const Name = "login"

// ItemKind is the kind of CookiesItem.
const ItemKind = "cookies"

const (
	DefaultBaseURL   = "https://twitter.com"
	MaxChallenges    = 3
	DefaultPause     = 3 * time.Second
	defaultTypePause = 500 * time.Millisecond

	usernameInput = `input[name="session[username_or_email]"]`
	passwordInput = `input[name="session[password]"]`
	loginButton   = `div[data-testid="LoginForm_Login_Button"]`
	loginLink     = `a[href="/login"]`
	homePath      = "/home"
)

// ErrLoginFailed is returned when the account is still not signed in after
// every challenge round.
var ErrLoginFailed = errors.New("failed to login")

// Credentials of the account to sign in.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

// CookiesItem is the session of a signed in account.
type CookiesItem struct {
	Username string           `json:"username"`
	Cookies  []browser.Cookie `json:"cookies"`
}

// ItemKind implements domain.Item.
func (*CookiesItem) ItemKind() string { return ItemKind }

// Key implements domain.Keyed.
func (c *CookiesItem) Key() string { return c.Username }

// Login is the processor.
type Login struct {
	baseURL  string
	defaults Credentials
	pause    time.Duration
	typing   time.Duration
}

// Option configures Login.
type Option func(*Login)

// WithBaseURL points the spider at another host.
func WithBaseURL(u string) Option {
	return func(l *Login) { l.baseURL = strings.TrimRight(u, "/") }
}

// WithCredentials sets the account used when a task names none.
func WithCredentials(c Credentials) Option {
	return func(l *Login) { l.defaults = c }
}

// WithPause sets the wait between challenge rounds and after typing.
func WithPause(round, typing time.Duration) Option {
	return func(l *Login) {
		l.pause = round
		l.typing = typing
	}
}

// New creates the processor.
func New(opts ...Option) *Login {
	l := &Login{baseURL: DefaultBaseURL, pause: DefaultPause, typing: defaultTypePause}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name implements spider.Processor.
func (l *Login) Name() string { return Name }

func (l *Login) complete(c Credentials) (*Credentials, error) {
	if c.Username == "" {
		c = l.defaults
	}
	if c.Email == "" {
		c.Email = l.defaults.Email
	}
	if c.Username == "" || c.Password == "" {
		return nil, errors.New("username and password are required")
	}
	return &c, nil
}

// Decode implements spider.Processor.
func (l *Login) Decode(task *domain.Task) (any, error) {
	var c Credentials
	if err := json.Unmarshal(task.Body, &c); err != nil {
		return nil, domain.Protocol("decode login task", err)
	}
	in, err := l.complete(c)
	if err != nil {
		return nil, domain.Protocol("decode login task", err)
	}
	return in, nil
}

// FromArgs implements spider.Processor.
func (l *Login) FromArgs(args map[string]string) (any, error) {
	return l.complete(Credentials{
		Username: args["username"],
		Password: args["password"],
		Email:    args["email"],
	})
}

// Process implements spider.Processor.
func (l *Login) Process(ctx context.Context, env *spider.Env, input any, emit spider.Emit) error {
	in, ok := input.(*Credentials)
	if !ok {
		return domain.Protocol("process login task", fmt.Errorf("unexpected input %T", input))
	}
	page := env.Page

	if err := page.Navigate(ctx, l.baseURL+"/"); err != nil {
		return err
	}
	if !signedIn(ctx, page) {
		if err := l.signIn(ctx, env, in); err != nil {
			return err
		}
	}

	cookies, err := page.Cookies(ctx)
	if err != nil {
		return domain.TransientPage("read cookies", err)
	}
	env.Logger.Info("Signed in", slog.String("username", in.Username), slog.Int("cookies", len(cookies)))
	emit(&CookiesItem{Username: in.Username, Cookies: cookies})
	return nil
}

func (l *Login) signIn(ctx context.Context, env *spider.Env, in *Credentials) error {
	page := env.Page
	if err := page.Navigate(ctx, l.baseURL+"/login"); err != nil {
		return err
	}
	if err := page.Type(ctx, usernameInput, in.Username); err != nil {
		return err
	}
	if err := page.Type(ctx, passwordInput, in.Password); err != nil {
		return err
	}
	if err := solver.Sleep(ctx, l.typing); err != nil {
		return err
	}
	// the button may be gone once the page starts reloading
	if err := page.ClickAndWait(ctx, loginButton); err != nil {
		env.Logger.Debug("Login submit did not settle", slog.Any("error", err))
	}

	resolver := challenge.NewChain(env.Logger, env.Resolver, challenge.NewRetypeEmail(in.Email))
	for round := 1; round <= MaxChallenges; round++ {
		if strings.Contains(page.URL(), homePath) {
			return nil
		}
		handled, err := resolver.Resolve(ctx, page)
		if err != nil {
			return err
		}
		env.Logger.Debug("Login challenge round",
			slog.Int("round", round),
			slog.Bool("handled", handled),
			slog.String("url", page.URL()),
		)
		if err := solver.Sleep(ctx, l.pause); err != nil {
			return err
		}
	}
	if strings.Contains(page.URL(), homePath) {
		return nil
	}
	return domain.TransientPage("sign in "+in.Username, ErrLoginFailed)
}

func signedIn(ctx context.Context, page browser.Page) bool {
	return strings.Contains(page.URL(), homePath) || !page.Has(ctx, loginLink)
}

// Factory builds the login spider.
func Factory(deps spider.Deps) (*spider.Spider, error) {
	resolver, err := deps.Resolver()
	if err != nil {
		return nil, err
	}

	var opts []Option
	if deps.Config != nil {
		sc := deps.Config.Spider(Name)
		opts = append(opts, WithCredentials(Credentials{
			Username: sc.Login,
			Password: sc.Password,
			Email:    sc.Email,
		}))
	}

	spiderOpts := deps.Options()
	if resolver != nil {
		spiderOpts = append(spiderOpts, spider.WithResolver(resolver))
	}
	return spider.New(New(opts...), deps.Launcher, spiderOpts...), nil
}
