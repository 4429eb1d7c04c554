// Package recaptcha solves a reCAPTCHA v2 widget for any site key and
// returns the response token.
package recaptcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"

	"github.com/cuongbtq/harvester/internal/browser"
	"github.com/cuongbtq/harvester/internal/challenge"
	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/internal/spider"
)

// Name is the registry name of the spider.
const Name = "recaptcha"

// ItemKind is the kind of TokenItem.
const ItemKind = "recaptcha_token"

// ErrNoTranscriber is returned by Factory when no speech service is configured.
var ErrNoTranscriber = errors.New("recaptcha spider needs a speech-to-text service")

const stubPage = `<html>
<head>
<title>reCAPTCHA</title>
<script src="https://www.google.com/recaptcha/api.js" async></script>
</head>
<body>
<form action="?" method="POST">
<div class="g-recaptcha" data-sitekey="%s"></div>
<br/>
<input type="submit" value="Submit">
</form>
</body>
</html>`

// Input is the page the token is issued for.
type Input struct {
	URL     string `json:"url"`
	SiteKey string `json:"sitekey"`
}

func (in *Input) validate() error {
	if in.URL == "" || in.SiteKey == "" {
		return errors.New("url and sitekey are required")
	}
	return nil
}

// TokenItem is a solved challenge.
type TokenItem struct {
	Response string `json:"g_recaptcha_response"`
}

// ItemKind implements domain.Item.
func (*TokenItem) ItemKind() string { return ItemKind }

// TokenSolver produces a token for the widget on a page.
type TokenSolver interface {
	Solve(ctx context.Context, page browser.Page) (string, error)
}

// Recaptcha is the processor.
type Recaptcha struct {
	solver TokenSolver
}

// New creates the processor.
func New(s TokenSolver) *Recaptcha {
	return &Recaptcha{solver: s}
}

// Name implements spider.Processor.
func (r *Recaptcha) Name() string { return Name }

// Decode implements spider.Processor.
func (r *Recaptcha) Decode(task *domain.Task) (any, error) {
	var in Input
	if err := json.Unmarshal(task.Body, &in); err != nil {
		return nil, domain.Protocol("decode recaptcha task", err)
	}
	if err := in.validate(); err != nil {
		return nil, domain.Protocol("decode recaptcha task", err)
	}
	return &in, nil
}

// FromArgs implements spider.Processor.
func (r *Recaptcha) FromArgs(args map[string]string) (any, error) {
	in := Input{URL: args["url"], SiteKey: args["sitekey"]}
	if err := in.validate(); err != nil {
		return nil, err
	}
	return &in, nil
}

// Process serves a page holding only the widget at the target origin and
// solves it there.
func (r *Recaptcha) Process(ctx context.Context, env *spider.Env, input any, emit spider.Emit) error {
	in, ok := input.(*Input)
	if !ok {
		return domain.Protocol("process recaptcha task", fmt.Errorf("unexpected input %T", input))
	}
	env.Logger.Info("Solving recaptcha", slog.String("url", in.URL))

	page := env.Page
	if err := page.Navigate(ctx, in.URL); err != nil {
		return err
	}
	if err := page.SetContent(ctx, fmt.Sprintf(stubPage, html.EscapeString(in.SiteKey))); err != nil {
		return domain.TransientPage("render recaptcha", err)
	}

	token, err := r.solver.Solve(ctx, page)
	if err != nil {
		return err
	}
	emit(&TokenItem{Response: token})
	return nil
}

// Factory builds the recaptcha spider around the audio challenge solver.
func Factory(deps spider.Deps) (*spider.Spider, error) {
	if deps.Transcriber == nil {
		return nil, ErrNoTranscriber
	}
	var opts []challenge.AudioOption
	if deps.Config != nil && deps.Config.Solver.Speech.AudioDir != "" {
		opts = append(opts, challenge.WithAudioDir(deps.Config.Solver.Speech.AudioDir))
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	audio := challenge.NewRecaptchaAudio(deps.Transcriber, logger, opts...)
	return spider.New(New(audio), deps.Launcher, deps.Options()...), nil
}
