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
	DefaultWitAIURL = "https://api.wit.ai"

	witAIAccept = "application/vnd.wit.20200513+json"
)

// ErrEmptyTranscript is returned when speech recognition heard nothing.
var ErrEmptyTranscript = errors.New("empty transcript")

// Transcriber turns an mp3 clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// WitAIConfig configures the wit.ai speech client.
type WitAIConfig struct {
	AccessKey string
	BaseURL   string
	Timeout   time.Duration
}

// WitAI is a Transcriber backed by the wit.ai /speech endpoint.
type WitAI struct {
	http *resty.Client
}

type witAIResponse struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

// NewWitAI creates a wit.ai client.
func NewWitAI(cfg WitAIConfig) *WitAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultWitAIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.AccessKey).
		SetHeader("Accept", witAIAccept)

	return &WitAI{http: client}
}

// Transcribe implements Transcriber.
func (w *WitAI) Transcribe(ctx context.Context, audio []byte) (string, error) {
	var out witAIResponse
	resp, err := w.http.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetHeader("Content-Type", "audio/mpeg").
		SetBody(audio).
		SetResult(&out).
		SetError(&out).
		Post("/speech")
	if err != nil {
		return "", fmt.Errorf("wit.ai request failed: %w", err)
	}
	if resp.IsError() {
		msg := out.Error
		if msg == "" {
			msg = resp.Status()
		}
		return "", fmt.Errorf("wit.ai exception: %s", msg)
	}

	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", ErrEmptyTranscript
	}
	return text, nil
}
