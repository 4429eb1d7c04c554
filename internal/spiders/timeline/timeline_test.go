package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/harvester/internal/browser"
	"github.com/cuongbtq/harvester/internal/browser/browsertest"
	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/internal/harvest"
	"github.com/cuongbtq/harvester/internal/spider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCookies = []browser.Cookie{{Name: "auth_token", Value: "t", Domain: ".twitter.com", Path: "/"}}

func page(tweets map[string]tweet, users map[string]user) *browser.Response {
	var resp timelineResponse
	resp.GlobalObjects.Tweets = tweets
	resp.GlobalObjects.Users = users
	body, _ := json.Marshal(resp)
	return &browser.Response{Status: 200, Body: body}
}

func emptyPage() *browser.Response {
	return &browser.Response{Status: 200, Body: []byte(`{"globalObjects":{"tweets":{},"users":{}}}`)}
}

var users = map[string]user{
	"1": {ScreenName: "alice", Name: "Alice", Verified: true},
	"2": {ScreenName: "bob", Name: "Bob"},
}

func TestParsePage(t *testing.T) {
	tweets := map[string]tweet{
		"100":  {ID: "100", UserID: "1", FullText: "older", RetweetCount: 1, FavoriteCount: 2},
		"1000": {ID: "1000", UserID: "1", FullText: "rt", RetweetedStatus: "200"},
		"200":  {ID: "200", UserID: "2", FullText: "original", RetweetCount: 5, FavoriteCount: 9},
	}
	body, err := json.Marshal(map[string]any{"globalObjects": map[string]any{"tweets": tweets, "users": users}})
	require.NoError(t, err)

	t.Run("likes keep every tweet newest first", func(t *testing.T) {
		entities, exhausted, err := parsePage(body, false)
		require.NoError(t, err)
		assert.False(t, exhausted)
		require.Len(t, entities, 3)
		assert.Equal(t, []string{"1000", "200", "100"}, []string{entities[0].TweetID, entities[1].TweetID, entities[2].TweetID})
		assert.Equal(t, "/alice/status/100", entities[2].Permalink)
		assert.True(t, entities[2].AuthorIsVerified)
		assert.Empty(t, entities[0].RefTweetID)
	})

	t.Run("retweets only fills the referenced tweet", func(t *testing.T) {
		entities, _, err := parsePage(body, true)
		require.NoError(t, err)
		require.Len(t, entities, 1)
		e := entities[0]
		assert.Equal(t, "1000", e.TweetID)
		assert.Equal(t, "200", e.RefTweetID)
		assert.Equal(t, "bob", e.RefAuthorUsername)
		assert.Equal(t, "original", e.RefText)
		assert.Equal(t, "/bob/status/200", e.RefPermalink)
		assert.Equal(t, 9, e.RefLikesCount)
	})

	t.Run("empty page is exhausted", func(t *testing.T) {
		entities, exhausted, err := parsePage(emptyPage().Body, false)
		require.NoError(t, err)
		assert.True(t, exhausted)
		assert.Empty(t, entities)
	})

	t.Run("invalid body", func(t *testing.T) {
		_, _, err := parsePage([]byte("<html>"), false)
		require.Error(t, err)
	})
}

func TestTimeline_Decode(t *testing.T) {
	tl := New()

	tests := []struct {
		name    string
		body    string
		wantErr bool
		want    *Input
	}{
		{
			name: "likes task",
			body: `{"module":"retrieve_likes","profile":{"id":"7","username":"alice"},"session":{"id":"s-1"},"max_results":50}`,
			want: &Input{Module: ModuleLikes, Profile: Profile{ID: "7", Username: "alice"}, MaxResults: 50, SessionID: "s-1"},
		},
		{
			name: "retweets task",
			body: `{"module":"retrieve_re_tweets","profile":{"username":"bob"}}`,
			want: &Input{Module: ModuleReTweets, Profile: Profile{Username: "bob"}},
		},
		{
			name:    "unknown module",
			body:    `{"module":"retrieve_followers","profile":{"username":"bob"}}`,
			wantErr: true,
		},
		{
			name:    "missing username",
			body:    `{"module":"retrieve_likes","profile":{}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := domain.ParseTask([]byte(tt.body))
			require.NoError(t, err)

			got, err := tl.Decode(task)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, domain.IsKind(err, domain.KindProtocol))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTimeline_FromArgs(t *testing.T) {
	got, err := New().FromArgs(map[string]string{"module": ModuleLikes, "username": "alice", "max_results": "10"})
	require.NoError(t, err)
	assert.Equal(t, &Input{Module: ModuleLikes, Profile: Profile{Username: "alice"}, MaxResults: 10}, got)

	_, err = New().FromArgs(map[string]string{"module": ModuleLikes, "username": "alice", "max_results": "ten"})
	require.Error(t, err)

	_, err = New().FromArgs(map[string]string{"module": "nope", "username": "alice"})
	require.ErrorIs(t, err, ErrUnknownModule)
}

func newSpider(t *testing.T, launcher *browsertest.Launcher, hook HarvestHook) *spider.Spider {
	t.Helper()
	var opts []Option
	if hook != nil {
		opts = append(opts, WithHarvestHook(hook))
	}
	proc := New(opts...)
	return spider.New(proc, launcher,
		spider.WithSession(NewCookieSession(DefaultBaseURL, testCookies)),
		spider.WithHarvest(harvest.Config{MaxZeroStreak: 2}),
	)
}

func collect(t *testing.T, run *spider.Run) ([]domain.Item, spider.Outcome, error) {
	t.Helper()
	var items []domain.Item
	for item := range run.Items() {
		items = append(items, item)
	}
	outcome, err := run.Wait()
	return items, outcome, err
}

func TestTimeline_Run(t *testing.T) {
	launcher := &browsertest.Launcher{NewPage: func(int) *browsertest.Page {
		p := browsertest.NewPage("about:blank")
		p.QueueResponse(likesResponse, page(map[string]tweet{
			"11": {ID: "11", UserID: "1", FullText: "b"},
			"10": {ID: "10", UserID: "1", FullText: "a"},
		}, users))
		p.QueueResponse(likesResponse, page(map[string]tweet{
			"11": {ID: "11", UserID: "1", FullText: "b"},
			"9":  {ID: "9", UserID: "2", FullText: "c"},
		}, users))
		p.QueueResponse(likesResponse, emptyPage())
		return p
	}}

	var hooked []string
	s := newSpider(t, launcher, func(name, status string, n int) {
		hooked = append(hooked, fmt.Sprintf("%s:%s:%d", name, status, n))
	})
	defer s.Close()

	input := &Input{Module: ModuleLikes, Profile: Profile{ID: "7", Username: "alice"}, SessionID: "s-1"}
	items, outcome, err := collect(t, s.Run(context.Background(), input, spider.RunOptions{}))

	require.NoError(t, err)
	assert.Equal(t, spider.OutcomeDone, outcome)
	require.Len(t, items, 3)
	for i, id := range []string{"11", "10", "9"} {
		e := items[i].(*Entity)
		assert.Equal(t, id, e.TweetID)
		assert.Equal(t, ModuleLikes, e.Module)
		assert.Equal(t, "7", e.ProfileID)
		assert.Equal(t, "s-1", e.SessionID)
	}
	assert.Equal(t, []string{"timeline:exhausted:3"}, hooked)

	p := launcher.Pages[0]
	assert.Equal(t, []string{"https://twitter.com/", "https://twitter.com/alice/likes"}, p.Navigations)
	assert.Equal(t, testCookies, p.Jar)
	assert.Equal(t, 2, p.Scrolls)
}

func TestTimeline_RunStopped(t *testing.T) {
	launcher := &browsertest.Launcher{NewPage: func(int) *browsertest.Page {
		p := browsertest.NewPage("about:blank")
		p.QueueResponse(profileResponse, page(map[string]tweet{
			"5": {ID: "5", UserID: "1", RetweetedStatus: "4"},
			"4": {ID: "4", UserID: "2"},
		}, users))
		return p
	}}
	s := newSpider(t, launcher, nil)
	defer s.Close()

	input := &Input{Module: ModuleReTweets, Profile: Profile{Username: "alice"}}
	items, outcome, err := collect(t, s.Run(context.Background(), input, spider.RunOptions{Stopped: func() bool { return true }}))

	require.NoError(t, err)
	assert.Equal(t, spider.OutcomeStopped, outcome)
	require.Len(t, items, 1)
	assert.Equal(t, "4", items[0].(*Entity).RefTweetID)
}

func TestTimeline_RunFailures(t *testing.T) {
	input := &Input{Module: ModuleLikes, Profile: Profile{Username: "alice"}}

	t.Run("no timeline response", func(t *testing.T) {
		launcher := &browsertest.Launcher{}
		s := newSpider(t, launcher, nil)
		defer s.Close()

		items, outcome, err := collect(t, s.Run(context.Background(), input, spider.RunOptions{}))
		require.Error(t, err)
		assert.ErrorIs(t, err, browsertest.ErrNoResponse)
		assert.Equal(t, spider.OutcomeFailed, outcome)
		assert.Equal(t, spider.DefaultAttempts, launcher.Launches)
		require.Len(t, items, 1)
		assert.Equal(t, domain.ItemKindError, items[0].ItemKind())
	})

	t.Run("cookies that do not log in", func(t *testing.T) {
		launcher := &browsertest.Launcher{NewPage: func(int) *browsertest.Page {
			return browsertest.NewPage("about:blank").Set(loginLink, "Log in", nil)
		}}
		s := newSpider(t, launcher, nil)
		defer s.Close()

		items, _, err := collect(t, s.Run(context.Background(), input, spider.RunOptions{}))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotAuthorized)
		assert.Equal(t, spider.DefaultAttempts, launcher.Launches)
		require.Len(t, items, 1)
	})

	t.Run("no cookies configured", func(t *testing.T) {
		launcher := &browsertest.Launcher{}
		s := spider.New(New(), launcher, spider.WithSession(NewCookieSession(DefaultBaseURL, nil)))
		defer s.Close()

		_, _, err := collect(t, s.Run(context.Background(), input, spider.RunOptions{}))
		assert.True(t, domain.IsKind(err, domain.KindChallengeUnsolvable))
		assert.Equal(t, 1, launcher.Launches, "unsolvable errors are not retried")
	})
}

func TestCookieSession_TaskCookiesWin(t *testing.T) {
	p := browsertest.NewPage("about:blank")
	taskCookies := []browser.Cookie{{Name: "auth_token", Value: "from-task"}}
	session := NewCookieSession(DefaultBaseURL, testCookies)

	err := session.Prepare(context.Background(), &spider.Env{Page: p}, &Input{Cookies: taskCookies})
	require.NoError(t, err)
	assert.Equal(t, taskCookies, p.Jar)
}

func TestLoadCookies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cookies.json")
	data, err := json.Marshal(testCookies)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	got, err := LoadCookies(path)
	require.NoError(t, err)
	assert.Equal(t, testCookies, got)

	_, err = LoadCookies(filepath.Join(dir, "missing.json"))
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o600))
	_, err = LoadCookies(path)
	require.Error(t, err)
}
