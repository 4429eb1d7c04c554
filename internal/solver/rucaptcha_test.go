package solver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ruCaptchaServer struct {
	mu       sync.Mutex
	inReply  string
	answers  []string
	checks   int
	inParams url.Values
}

func (s *ruCaptchaServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// rucaptcha answers with text/html even for json=1
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	switch r.URL.Path {
	case "/in.php":
		s.inParams = r.URL.Query()
		fmt.Fprint(w, s.inReply)
	case "/res.php":
		answer := `{"status":0,"request":"CAPCHA_NOT_READY"}`
		if s.checks < len(s.answers) {
			answer = s.answers[s.checks]
		}
		s.checks++
		fmt.Fprint(w, answer)
	default:
		http.NotFound(w, r)
	}
}

func newRuCaptchaServer(t *testing.T, s *ruCaptchaServer) *RuCaptcha {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(s.handler))
	t.Cleanup(srv.Close)
	return NewRuCaptcha(RuCaptchaConfig{APIKey: "secret", BaseURL: srv.URL, Timeout: 5 * time.Second})
}

func TestRuCaptcha_Submit(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		proxy   string
		wantID  string
		wantErr error
	}{
		{name: "accepted", reply: `{"status":1,"request":"2122988149"}`, wantID: "2122988149"},
		{name: "with proxy", reply: `{"status":1,"request":"7"}`, proxy: "u:p@10.0.0.1:3128", wantID: "7"},
		{name: "zero balance", reply: `{"status":0,"request":"ERROR_ZERO_BALANCE"}`, wantErr: ErrNoBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &ruCaptchaServer{inReply: tt.reply}
			rc := newRuCaptchaServer(t, srv)

			id, err := rc.Submit(context.Background(), Recaptcha{
				SiteKey: "6Le-site",
				PageURL: "https://example.com/login",
				Proxy:   tt.proxy,
			})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)

			assert.Equal(t, "secret", srv.inParams.Get("key"))
			assert.Equal(t, "userrecaptcha", srv.inParams.Get("method"))
			assert.Equal(t, "6Le-site", srv.inParams.Get("googlekey"))
			assert.Equal(t, "https://example.com/login", srv.inParams.Get("pageurl"))
			assert.Equal(t, "1", srv.inParams.Get("json"))
			if tt.proxy != "" {
				assert.Equal(t, tt.proxy, srv.inParams.Get("proxy"))
				assert.Equal(t, "HTTP", srv.inParams.Get("proxytype"))
			} else {
				assert.False(t, srv.inParams.Has("proxy"))
			}
		})
	}
}

func TestRuCaptcha_Check(t *testing.T) {
	tests := []struct {
		name      string
		answer    string
		wantToken string
		wantReady bool
		wantErr   error
	}{
		{name: "not ready", answer: `{"status":0,"request":"CAPCHA_NOT_READY"}`},
		{name: "solved", answer: `{"status":1,"request":"03AGdBq2"}`, wantToken: "03AGdBq2", wantReady: true},
		{name: "unsolvable", answer: `{"status":0,"request":"ERROR_CAPTCHA_UNSOLVABLE"}`, wantErr: ErrUnsolvable},
		{name: "balance ran out", answer: `{"status":0,"request":"ERROR_ZERO_BALANCE"}`, wantErr: ErrNoBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := newRuCaptchaServer(t, &ruCaptchaServer{answers: []string{tt.answer}})

			token, ready, err := rc.Check(context.Background(), "2122988149")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantReady, ready)
			assert.Equal(t, tt.wantToken, token)
		})
	}
}

func TestRuCaptcha_WithPoller(t *testing.T) {
	srv := &ruCaptchaServer{
		inReply: `{"status":1,"request":"99"}`,
		answers: []string{
			`{"status":0,"request":"CAPCHA_NOT_READY"}`,
			`{"status":0,"request":"CAPCHA_NOT_READY"}`,
			`{"status":1,"request":"token-value"}`,
		},
	}
	rc := newRuCaptchaServer(t, srv)
	rec := &sleepRecorder{}
	p := NewPoller[Recaptcha](rc, Config{Tick: 5 * time.Second, MaxTicks: 10}, WithSleep[Recaptcha](rec.sleep))

	s, err := p.Solve(context.Background(), Recaptcha{SiteKey: "k", PageURL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "token-value", s.Token)
	assert.Equal(t, "99", s.ChallengeID)
	assert.Equal(t, 3, s.Ticks)
	assert.Len(t, rec.waits, 2)
}

func TestRuCaptcha_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rc := NewRuCaptcha(RuCaptchaConfig{BaseURL: srv.URL})
	_, _, err := rc.Check(context.Background(), "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
