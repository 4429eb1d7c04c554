package solver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultRuCaptchaURL = "http://rucaptcha.com"

	ruCaptchaNotReady    = "CAPCHA_NOT_READY"
	ruCaptchaZeroBalance = "ERROR_ZERO_BALANCE"
)

// Recaptcha is a reCAPTCHA v2 challenge as the page presents it.
type Recaptcha struct {
	SiteKey   string
	PageURL   string
	Proxy     string // user:password@host:port
	ProxyType string
}

// RuCaptchaConfig configures the rucaptcha.com client.
type RuCaptchaConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// RuCaptcha submits reCAPTCHA challenges to rucaptcha.com.
type RuCaptcha struct {
	apiKey string
	http   *resty.Client
}

type ruCaptchaResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// NewRuCaptcha creates a RuCaptcha backend.
func NewRuCaptcha(cfg RuCaptchaConfig) *RuCaptcha {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultRuCaptchaURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout)

	return &RuCaptcha{apiKey: cfg.APIKey, http: client}
}

// Name implements Backend.
func (r *RuCaptcha) Name() string { return "rucaptcha" }

// Submit implements Backend.
func (r *RuCaptcha) Submit(ctx context.Context, c Recaptcha) (string, error) {
	params := map[string]string{
		"key":       r.apiKey,
		"method":    "userrecaptcha",
		"googlekey": c.SiteKey,
		"pageurl":   c.PageURL,
		"here":      "now",
		"json":      "1",
	}
	if c.Proxy != "" {
		params["proxy"] = c.Proxy
		params["proxytype"] = strings.ToUpper(c.ProxyType)
		if params["proxytype"] == "" {
			params["proxytype"] = "HTTP"
		}
	}

	res, err := r.get(ctx, "/in.php", params)
	if err != nil {
		return "", err
	}
	if res.Status != 1 {
		if res.Request == ruCaptchaZeroBalance {
			return "", ErrNoBalance
		}
		return "", fmt.Errorf("rucaptcha rejected challenge: %s", res.Request)
	}
	return res.Request, nil
}

// Check implements Backend.
func (r *RuCaptcha) Check(ctx context.Context, id string) (string, bool, error) {
	res, err := r.get(ctx, "/res.php", map[string]string{
		"key":    r.apiKey,
		"action": "get",
		"id":     id,
		"json":   "1",
	})
	if err != nil {
		return "", false, err
	}

	switch {
	case res.Status == 1:
		return res.Request, true, nil
	case res.Request == ruCaptchaNotReady:
		return "", false, nil
	case res.Request == ruCaptchaZeroBalance:
		return "", false, ErrNoBalance
	case strings.HasPrefix(res.Request, "ERROR_"):
		return "", false, fmt.Errorf("%w: %s", ErrUnsolvable, res.Request)
	default:
		return "", false, fmt.Errorf("unexpected rucaptcha answer: %q", res.Request)
	}
}

func (r *RuCaptcha) get(ctx context.Context, path string, params map[string]string) (*ruCaptchaResponse, error) {
	var out ruCaptchaResponse
	resp, err := r.http.R().
		SetContext(ctx).
		// res.php answers text/html even with json=1
		ForceContentType("application/json").
		SetQueryParams(params).
		SetResult(&out).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("failed to call rucaptcha %s: %w", path, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("rucaptcha %s returned %s", path, resp.Status())
	}
	if out.Request == "" && out.Status == 0 {
		return nil, errors.New("empty rucaptcha response")
	}
	return &out, nil
}
