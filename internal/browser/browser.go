// Package browser wraps the headless browser behind the small surface the
// spiders and challenge resolvers need.
package browser

import (
	"context"
	"time"
)

// Response is a captured network response.
type Response struct {
	URL    string
	Status int
	Body   []byte
}

// WaitFunc blocks until an armed response has been fully received.
type WaitFunc func(ctx context.Context) (*Response, error)

// Cookie is a browser cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"http_only"`
	Secure   bool      `json:"secure"`
}

// Page is one browser tab, or a frame inside it. A page is never shared
// between goroutines.
type Page interface {
	// Navigate opens url, retrying up to the configured number of times.
	Navigate(ctx context.Context, url string) error
	// StatusCode is the HTTP status of the document last loaded by
	// Navigate, 0 when none was seen.
	StatusCode() int
	URL() string
	Has(ctx context.Context, selector string) bool
	Text(ctx context.Context, selector string) (string, error)
	Attribute(ctx context.Context, selector, name string) (string, error)
	Type(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	// ClickAndWait clicks selector and waits for the navigation it triggers.
	ClickAndWait(ctx context.Context, selector string) error
	// Eval runs a JS function and decodes its JSON result into out, which may be nil.
	Eval(ctx context.Context, js string, out any) error
	ScrollToBottom(ctx context.Context) error
	// SetContent replaces the current document, keeping its origin.
	SetContent(ctx context.Context, html string) error
	// ExpectResponse arms a listener for the first response whose URL
	// contains match. Call it before the action that triggers the request.
	ExpectResponse(ctx context.Context, match string) WaitFunc
	Frame(ctx context.Context, selector string) (Page, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	Cookies(ctx context.Context) ([]Cookie, error)
	Close() error
}

// Launcher starts a fresh browser and returns its first page.
type Launcher interface {
	Launch(ctx context.Context) (Page, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Page, error)

// Launch implements Launcher.
func (f LauncherFunc) Launch(ctx context.Context) (Page, error) { return f(ctx) }
