// Package browsertest provides a scriptable in-memory browser.Page for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cuongbtq/harvester/internal/browser"
	"github.com/cuongbtq/harvester/internal/domain"
)

// ErrNoResponse is returned by a WaitFunc when no response was queued for
// its match.
var ErrNoResponse = errors.New("no response queued")

// Element is a fake DOM node.
type Element struct {
	Text  string
	Attrs map[string]string
}

// Page is a fake browser.Page. Zero value is usable; fill the exported maps
// to script it.
type Page struct {
	mu sync.Mutex

	CurrentURL string
	Status     int
	Elements   map[string]*Element
	Frames     map[string]*Page
	Responses  map[string][]*browser.Response

	// Hooks run before the recorded action; a non-nil error fails it.
	OnNavigate func(url string) error
	OnClick    func(selector string) error
	OnEval     func(js string) (any, error)
	OnScroll   func() error

	Navigations []string
	Content     string
	Clicks      []string
	Typed       map[string]string
	Scrolls     int
	Jar         []browser.Cookie
	Closed      int
}

// NewPage returns a page at url.
func NewPage(url string) *Page {
	return &Page{
		CurrentURL: url,
		Elements:   make(map[string]*Element),
		Frames:     make(map[string]*Page),
		Responses:  make(map[string][]*browser.Response),
		Typed:      make(map[string]string),
	}
}

// Set adds or replaces the element at selector.
func (p *Page) Set(selector, text string, attrs map[string]string) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Elements == nil {
		p.Elements = make(map[string]*Element)
	}
	p.Elements[selector] = &Element{Text: text, Attrs: attrs}
	return p
}

// Remove deletes the element at selector.
func (p *Page) Remove(selector string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.Elements, selector)
}

// QueueResponse appends a response for listeners matching match.
func (p *Page) QueueResponse(match string, resp *browser.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Responses == nil {
		p.Responses = make(map[string][]*browser.Response)
	}
	p.Responses[match] = append(p.Responses[match], resp)
}

func (p *Page) Navigate(_ context.Context, url string) error {
	if p.OnNavigate != nil {
		if err := p.OnNavigate(url); err != nil {
			return domain.TransientPage("navigate "+url, err)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Navigations = append(p.Navigations, url)
	p.CurrentURL = url
	return nil
}

func (p *Page) StatusCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Status
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CurrentURL
}

func (p *Page) Has(_ context.Context, selector string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.Elements[selector]
	if !ok {
		_, ok = p.Frames[selector]
	}
	return ok
}

func (p *Page) element(selector string) (*Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.Elements[selector]
	if !ok {
		return nil, domain.TransientPage("find "+selector, fmt.Errorf("element %q not found", selector))
	}
	return el, nil
}

func (p *Page) Text(_ context.Context, selector string) (string, error) {
	el, err := p.element(selector)
	if err != nil {
		return "", err
	}
	return el.Text, nil
}

func (p *Page) Attribute(_ context.Context, selector, name string) (string, error) {
	el, err := p.element(selector)
	if err != nil {
		return "", err
	}
	return el.Attrs[name], nil
}

func (p *Page) Type(_ context.Context, selector, text string) error {
	if _, err := p.element(selector); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Typed == nil {
		p.Typed = make(map[string]string)
	}
	p.Typed[selector] += text
	return nil
}

func (p *Page) Click(_ context.Context, selector string) error {
	if _, err := p.element(selector); err != nil {
		return err
	}
	if p.OnClick != nil {
		if err := p.OnClick(selector); err != nil {
			return domain.TransientPage("click "+selector, err)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Clicks = append(p.Clicks, selector)
	return nil
}

func (p *Page) ClickAndWait(ctx context.Context, selector string) error {
	return p.Click(ctx, selector)
}

func (p *Page) Eval(_ context.Context, js string, out any) error {
	if p.OnEval == nil {
		return nil
	}
	v, err := p.OnEval(js)
	if err != nil {
		return domain.TransientPage("eval", err)
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (p *Page) ScrollToBottom(context.Context) error {
	if p.OnScroll != nil {
		if err := p.OnScroll(); err != nil {
			return domain.TransientPage("scroll", err)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Scrolls++
	return nil
}

func (p *Page) SetContent(_ context.Context, html string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Content = html
	return nil
}

// ExpectResponse pops the next queued response for match when the returned
// WaitFunc is called.
func (p *Page) ExpectResponse(_ context.Context, match string) browser.WaitFunc {
	return func(ctx context.Context) (*browser.Response, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		queue := p.Responses[match]
		if len(queue) == 0 {
			return nil, domain.TransientPage("await response "+match, ErrNoResponse)
		}
		p.Responses[match] = queue[1:]
		return queue[0], nil
	}
}

func (p *Page) Frame(_ context.Context, selector string) (browser.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.Frames[selector]
	if !ok {
		return nil, domain.TransientPage("enter frame "+selector, fmt.Errorf("frame %q not found", selector))
	}
	return f, nil
}

func (p *Page) SetCookies(_ context.Context, cookies []browser.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Jar = append(p.Jar, cookies...)
	return nil
}

func (p *Page) Cookies(context.Context) ([]browser.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Cookie(nil), p.Jar...), nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed++
	return nil
}

// Launcher hands out pages built by NewPage, or fails with Err.
type Launcher struct {
	mu       sync.Mutex
	NewPage  func(n int) *Page
	Err      error
	Launches int
	Pages    []*Page
}

// Launch implements browser.Launcher.
func (l *Launcher) Launch(context.Context) (browser.Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Launches++
	if l.Err != nil {
		return nil, domain.ResourceAcquisition("launch browser", l.Err)
	}
	var p *Page
	if l.NewPage != nil {
		p = l.NewPage(l.Launches)
	} else {
		p = NewPage("about:blank")
	}
	l.Pages = append(l.Pages, p)
	return p, nil
}
