package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cuongbtq/harvester/internal/browser"
	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/internal/solver"
)

const (
	accessPath          = "account/access"
	recaptchaContainer  = `div[id="recaptcha_element"]`
	recaptchaFrame      = `div[id="recaptcha_element"] iframe`
	accessSubmit        = `input[type="submit"]`
	accessContinue      = `input[id="continue_button"]`
	anchorFrame         = `iframe[src*="google.com/recaptcha/"][src*="/anchor"]`
	challengeFrame      = `iframe[src*="google.com/recaptcha/"][src*="/bframe"]`
	checkbox            = `.recaptcha-checkbox-border`
	checkboxChecked     = `.recaptcha-checkbox-checked`
	audioButton         = `#recaptcha-audio-button`
	audioResponse       = `#audio-response`
	verifyButton        = `#recaptcha-verify-button`
	audioError          = `.rc-audiochallenge-error-message`
	blockedNotice       = `.rc-doscaptcha-body-text`
	audioPayload        = "recaptcha/api2/payload"
	defaultFrameTimeout = 15 * time.Second
)

var siteKeyPattern = regexp.MustCompile(`[?&]k=([A-Za-z0-9_-]+)`)

// SiteKey extracts the reCAPTCHA site key from an anchor iframe src.
func SiteKey(src string) (string, error) {
	if u, err := url.Parse(src); err == nil {
		if k := u.Query().Get("k"); k != "" {
			return k, nil
		}
	}
	if m := siteKeyPattern.FindStringSubmatch(src); len(m) > 1 {
		return m[1], nil
	}
	return "", fmt.Errorf("no site key in %q", src)
}

// RecaptchaToken clears an account access wall by buying a token from a
// solving service and submitting it with the form.
type RecaptchaToken struct {
	solver Solver[solver.Recaptcha]
	proxy  string
	logger *slog.Logger
}

// NewRecaptchaToken creates the resolver. proxy, if set, is forwarded to the
// solving service as user:password@host:port.
func NewRecaptchaToken(s Solver[solver.Recaptcha], proxy string, logger *slog.Logger) *RecaptchaToken {
	return &RecaptchaToken{solver: s, proxy: proxy, logger: logger}
}

// Name implements Resolver.
func (r *RecaptchaToken) Name() string { return "recaptcha_token" }

// Resolve implements Resolver.
func (r *RecaptchaToken) Resolve(ctx context.Context, page browser.Page) (bool, error) {
	if !strings.Contains(page.URL(), accessPath) {
		return false, nil
	}
	if !page.Has(ctx, recaptchaContainer) {
		if !page.Has(ctx, accessSubmit) {
			return false, nil
		}
		// intro screen, the widget is one click away
		if err := page.ClickAndWait(ctx, accessSubmit); err != nil {
			return false, err
		}
		if !page.Has(ctx, recaptchaContainer) {
			return true, nil
		}
	}

	src, err := page.Attribute(ctx, recaptchaFrame, "src")
	if err != nil {
		return false, err
	}
	siteKey, err := SiteKey(src)
	if err != nil {
		return false, domain.TransientPage("read site key", err)
	}

	session, err := r.solver.Solve(ctx, solver.Recaptcha{
		SiteKey: siteKey,
		PageURL: page.URL(),
		Proxy:   r.proxy,
	})
	if err != nil {
		return false, solverError("solve recaptcha", err)
	}
	r.logger.Debug("Recaptcha token received",
		slog.String("challenge_id", session.ChallengeID),
		slog.Int("ticks", session.Ticks),
	)

	if err := page.Eval(ctx, injectTokenJS(session.Token), nil); err != nil {
		return false, err
	}
	if err := page.ClickAndWait(ctx, accessContinue); err != nil {
		return false, err
	}
	return true, nil
}

func injectTokenJS(token string) string {
	quoted, _ := json.Marshal(token)
	return fmt.Sprintf(`() => {
	const token = %s;
	const response = document.querySelector('textarea[id="g-recaptcha-response"]');
	if (response) response.value = token;
	const verification = document.querySelector('input[id="verification_string"]');
	if (verification) verification.value = token;
	const button = document.getElementById("continue_button");
	if (button) button.style.display = "block";
}`, quoted)
}

// RecaptchaAudio solves a reCAPTCHA widget in the page by switching it to
// the audio challenge and transcribing the clip.
type RecaptchaAudio struct {
	transcriber  solver.Transcriber
	frameTimeout time.Duration
	audioDir     string
	logger       *slog.Logger
}

// AudioOption configures RecaptchaAudio.
type AudioOption func(*RecaptchaAudio)

// WithFrameTimeout bounds each wait for a widget state change.
func WithFrameTimeout(d time.Duration) AudioOption {
	return func(r *RecaptchaAudio) { r.frameTimeout = d }
}

// WithAudioDir saves every downloaded clip under dir, named after its transcript.
func WithAudioDir(dir string) AudioOption {
	return func(r *RecaptchaAudio) { r.audioDir = dir }
}

// NewRecaptchaAudio creates the resolver.
func NewRecaptchaAudio(t solver.Transcriber, logger *slog.Logger, opts ...AudioOption) *RecaptchaAudio {
	r := &RecaptchaAudio{transcriber: t, frameTimeout: defaultFrameTimeout, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements Resolver.
func (r *RecaptchaAudio) Name() string { return "recaptcha_audio" }

// Resolve implements Resolver.
func (r *RecaptchaAudio) Resolve(ctx context.Context, page browser.Page) (bool, error) {
	if !page.Has(ctx, anchorFrame) {
		return false, nil
	}
	if _, err := r.Solve(ctx, page); err != nil {
		return false, err
	}
	return true, nil
}

// Solve runs the audio challenge and returns the g-recaptcha-response token.
func (r *RecaptchaAudio) Solve(ctx context.Context, page browser.Page) (string, error) {
	anchor, err := page.Frame(ctx, anchorFrame)
	if err != nil {
		return "", err
	}
	if waitUntil(ctx, r.frameTimeout, present(ctx, anchor, checkbox)) < 0 {
		return "", domain.TransientPage("open recaptcha", errors.New("checkbox did not appear"))
	}

	if err := anchor.Click(ctx, checkbox); err != nil {
		return "", err
	}

	switch waitUntil(ctx, r.frameTimeout, present(ctx, anchor, checkboxChecked), present(ctx, page, challengeFrame)) {
	case 0:
		r.logger.Info("Recaptcha passed without challenge")
		return r.token(ctx, page)
	case -1:
		return "", domain.TransientPage("open recaptcha", errors.New("challenge frame did not appear"))
	}

	bframe, err := page.Frame(ctx, challengeFrame)
	if err != nil {
		return "", err
	}
	// the clip is requested as soon as the audio tab opens
	awaitAudio := page.ExpectResponse(ctx, audioPayload)
	if bframe.Has(ctx, audioButton) {
		if err := bframe.Click(ctx, audioButton); err != nil {
			return "", err
		}
	}
	if bframe.Has(ctx, blockedNotice) {
		msg, _ := bframe.Text(ctx, blockedNotice)
		return "", domain.TransientPage("open audio challenge", fmt.Errorf("recaptcha refused: %q", strings.TrimSpace(msg)))
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.frameTimeout)
	audio, err := awaitAudio(waitCtx)
	cancel()
	if err != nil {
		return "", domain.TransientPage("download audio challenge", err)
	}

	answer, err := r.transcriber.Transcribe(ctx, audio.Body)
	r.saveAudio(page.URL(), answer, audio.Body)
	if err != nil {
		return "", domain.TransientPage("transcribe audio challenge", err)
	}

	if err := bframe.Type(ctx, audioResponse, answer); err != nil {
		return "", err
	}
	if err := bframe.Click(ctx, verifyButton); err != nil {
		return "", err
	}

	if waitUntil(ctx, r.frameTimeout, present(ctx, anchor, checkboxChecked)) < 0 {
		msg, _ := bframe.Text(ctx, audioError)
		return "", domain.TransientPage("verify audio challenge",
			fmt.Errorf("answer %q rejected: %q", answer, strings.TrimSpace(msg)))
	}
	return r.token(ctx, page)
}

func (r *RecaptchaAudio) token(ctx context.Context, page browser.Page) (string, error) {
	var token string
	if err := page.Eval(ctx, `() => {
	const el = document.querySelector(".g-recaptcha-response");
	return el ? el.value : "";
}`, &token); err != nil {
		return "", err
	}
	if token == "" {
		return "", domain.TransientPage("read recaptcha token", errors.New("g-recaptcha-response is empty"))
	}
	return token, nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func (r *RecaptchaAudio) saveAudio(pageURL, answer string, audio []byte) {
	if r.audioDir == "" {
		return
	}
	host := "unknown"
	if u, err := url.Parse(pageURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	if answer == "" {
		answer = "error"
	}
	name := fmt.Sprintf("%s %d %s", host, time.Now().UnixMilli(), answer)
	name = strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(name), "-"), "-") + ".mp3"

	if err := os.WriteFile(filepath.Join(r.audioDir, name), audio, 0o644); err != nil {
		r.logger.Warn("Failed to save audio challenge", slog.Any("error", err))
	}
}
