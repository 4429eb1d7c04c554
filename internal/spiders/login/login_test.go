package login

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/cuongbtq/harvester/internal/browser"
	"github.com/cuongbtq/harvester/internal/browser/browsertest"
	"github.com/cuongbtq/harvester/internal/config"
	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/internal/solver"
	"github.com/cuongbtq/harvester/internal/spider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	challengeType     = `input[name="challenge_type"]`
	challengeResponse = `input[id="challenge_response"]`
	challengeSubmit   = `input[id="email_challenge_submit"]`
)

var jar = []browser.Cookie{{Name: "auth_token", Value: "secret", Domain: ".twitter.com", Path: "/"}}

type stubResolver struct {
	err   error
	calls int
}

func (r *stubResolver) Name() string { return "stub" }

func (r *stubResolver) Resolve(context.Context, browser.Page) (bool, error) {
	r.calls++
	return false, r.err
}

type nilMail struct{}

func (nilMail) Solve(context.Context, solver.MailQuery) (*solver.Session, error) {
	return nil, errors.New("not configured")
}

func loginPage() *browsertest.Page {
	p := browsertest.NewPage("about:blank")
	p.Jar = append(p.Jar, jar...)
	p.Set(loginLink, "Log in", nil).
		Set(usernameInput, "", nil).
		Set(passwordInput, "", nil).
		Set(loginButton, "Log in", nil)
	return p
}

func process(t *testing.T, p *browsertest.Page, resolver *stubResolver, in *Credentials) ([]domain.Item, error) {
	t.Helper()
	env := &spider.Env{Page: p, Logger: slog.New(slog.DiscardHandler)}
	if resolver != nil {
		env.Resolver = resolver
	}
	var items []domain.Item
	err := New(WithPause(0, 0)).Process(context.Background(), env, in, func(item domain.Item) {
		items = append(items, item)
	})
	return items, err
}

var creds = &Credentials{Username: "alice", Password: "pw", Email: "alice@example.com"}

func TestLogin_Process(t *testing.T) {
	t.Run("already signed in", func(t *testing.T) {
		p := browsertest.NewPage("about:blank")
		p.Jar = jar

		items, err := process(t, p, nil, creds)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, &CookiesItem{Username: "alice", Cookies: jar}, items[0])
		assert.Equal(t, []string{"https://twitter.com/"}, p.Navigations)
	})

	t.Run("signs in with credentials", func(t *testing.T) {
		p := loginPage()
		p.OnClick = func(selector string) error {
			if selector == loginButton {
				p.CurrentURL = "https://twitter.com/home"
			}
			return nil
		}

		items, err := process(t, p, nil, creds)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "alice", p.Typed[usernameInput])
		assert.Equal(t, "pw", p.Typed[passwordInput])
		assert.Equal(t, []string{"https://twitter.com/", "https://twitter.com/login"}, p.Navigations)
	})

	t.Run("answers the retype e-mail challenge", func(t *testing.T) {
		p := loginPage()
		p.OnClick = func(selector string) error {
			switch selector {
			case loginButton:
				p.CurrentURL = "https://twitter.com/account/login_challenge"
			case challengeSubmit:
				p.CurrentURL = "https://twitter.com/home"
			}
			return nil
		}
		p.Set(challengeType, "", map[string]string{"value": "RetypeEmail"}).
			Set(challengeResponse, "", nil).
			Set(challengeSubmit, "", nil)

		resolver := &stubResolver{}
		items, err := process(t, p, resolver, creds)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "alice@example.com", p.Typed[challengeResponse])
		assert.Equal(t, 1, resolver.calls, "configured resolvers run first")
	})

	t.Run("gives up after the challenge rounds", func(t *testing.T) {
		p := loginPage()
		resolver := &stubResolver{}

		items, err := process(t, p, resolver, creds)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrLoginFailed)
		assert.True(t, domain.IsKind(err, domain.KindTransientPage))
		assert.Equal(t, MaxChallenges, resolver.calls)
		assert.Empty(t, items)
	})

	t.Run("resolver failure is returned", func(t *testing.T) {
		p := loginPage()
		unsolvable := domain.ChallengeUnsolvable("solve", errors.New("zero balance"))

		_, err := process(t, p, &stubResolver{err: unsolvable}, creds)
		require.Error(t, err)
		assert.True(t, domain.IsKind(err, domain.KindChallengeUnsolvable))
	})

	t.Run("missing form field", func(t *testing.T) {
		p := loginPage()
		p.Remove(passwordInput)

		_, err := process(t, p, nil, creds)
		require.Error(t, err)
		assert.True(t, domain.IsKind(err, domain.KindTransientPage))
	})
}

func TestLogin_Decode(t *testing.T) {
	l := New(WithCredentials(Credentials{Username: "bot", Password: "bot-pw", Email: "bot@example.com"}))

	tests := []struct {
		name    string
		body    string
		want    *Credentials
		wantErr bool
	}{
		{
			name: "task credentials",
			body: `{"username":"alice","password":"pw"}`,
			want: &Credentials{Username: "alice", Password: "pw", Email: "bot@example.com"},
		},
		{
			name: "configured account",
			body: `{}`,
			want: &Credentials{Username: "bot", Password: "bot-pw", Email: "bot@example.com"},
		},
		{
			name:    "username without password",
			body:    `{"username":"alice"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := domain.ParseTask([]byte(tt.body))
			require.NoError(t, err)

			got, err := l.Decode(task)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, domain.IsKind(err, domain.KindProtocol))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := New().FromArgs(map[string]string{"username": "alice"})
	require.Error(t, err)
}

func TestFactory(t *testing.T) {
	cfg := &config.Config{Spiders: map[string]config.SpiderConfig{
		Name: {Login: "bot", Password: "bot-pw"},
	}}
	s, err := Factory(spider.Deps{Config: cfg, Launcher: &browsertest.Launcher{}})
	require.NoError(t, err)
	assert.Equal(t, Name, s.Name())

	in, err := s.Processor().FromArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, "bot", in.(*Credentials).Username)

	cfg.Solver.Mailbox.Pattern = "("
	_, err = Factory(spider.Deps{Config: cfg, Launcher: &browsertest.Launcher{}, Mail: nilMail{}})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid mailbox pattern"))
}
