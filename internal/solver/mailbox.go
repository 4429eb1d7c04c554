package solver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
)

const (
	DefaultMailLimit = 10
	DefaultMailSkew  = time.Minute
)

// Message is one mail as the mailbox backend sees it.
type Message struct {
	From    string
	Subject string
	Date    time.Time
	HTML    string
}

// MailFetcher reads the newest messages of a mailbox.
type MailFetcher interface {
	Fetch(ctx context.Context, limit int) ([]Message, error)
}

// MailQuery describes the verification mail to wait for. Exactly one of
// Pattern and Selector extracts the code: Pattern by its first group,
// Selector by the text of the first matching element.
type MailQuery struct {
	Sender   string
	Subject  string
	Pattern  *regexp.Regexp
	Selector string
}

func (q MailQuery) validate() error {
	if q.Pattern == nil && q.Selector == "" {
		return errors.New("mail query needs a pattern or a selector")
	}
	if q.Pattern != nil && q.Pattern.NumSubexp() < 1 {
		return fmt.Errorf("pattern %q has no capture group", q.Pattern)
	}
	return nil
}

type mailRequest struct {
	query  MailQuery
	issued time.Time
}

// Mailbox solves "enter the code we sent you" challenges by polling a
// mailbox for the matching message.
type Mailbox struct {
	fetcher MailFetcher
	limit   int
	skew    time.Duration
	now     func() time.Time

	mu       sync.Mutex
	requests map[string]mailRequest
}

// NewMailbox creates a Mailbox backend over fetcher.
func NewMailbox(fetcher MailFetcher, limit int, skew time.Duration) *Mailbox {
	if limit <= 0 {
		limit = DefaultMailLimit
	}
	if skew <= 0 {
		skew = DefaultMailSkew
	}
	return &Mailbox{
		fetcher:  fetcher,
		limit:    limit,
		skew:     skew,
		now:      time.Now,
		requests: make(map[string]mailRequest),
	}
}

// Name implements Backend.
func (m *Mailbox) Name() string { return "mailbox" }

// Submit implements Backend. Nothing is sent; the issue time bounds which
// messages are accepted.
func (m *Mailbox) Submit(_ context.Context, q MailQuery) (string, error) {
	if err := q.validate(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	m.mu.Lock()
	m.requests[id] = mailRequest{query: q, issued: m.now()}
	m.mu.Unlock()
	return id, nil
}

// Check implements Backend.
func (m *Mailbox) Check(ctx context.Context, id string) (string, bool, error) {
	m.mu.Lock()
	req, ok := m.requests[id]
	m.mu.Unlock()
	if !ok {
		return "", false, fmt.Errorf("%w: unknown mail request %s", ErrUnsolvable, id)
	}

	messages, err := m.fetcher.Fetch(ctx, m.limit)
	if err != nil {
		return "", false, fmt.Errorf("failed to fetch mail: %w", err)
	}

	notBefore := req.issued.Add(-m.skew)
	var matched []Message
	for _, msg := range messages {
		if !msg.Date.After(notBefore) {
			continue
		}
		if !containsFold(msg.From, req.query.Sender) || !containsFold(msg.Subject, req.query.Subject) {
			continue
		}
		matched = append(matched, msg)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Date.After(matched[j].Date) })

	for _, msg := range matched {
		code, err := extractCode(msg.HTML, req.query)
		if err != nil {
			return "", false, err
		}
		if code != "" {
			m.mu.Lock()
			delete(m.requests, id)
			m.mu.Unlock()
			return code, true, nil
		}
	}
	return "", false, nil
}

// Forget implements Forgetter.
func (m *Mailbox) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, id)
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(strings.TrimSpace(s)), strings.ToLower(strings.TrimSpace(substr)))
}

func extractCode(html string, q MailQuery) (string, error) {
	if q.Pattern != nil {
		m := q.Pattern.FindStringSubmatch(html)
		if len(m) < 2 {
			return "", nil
		}
		return strings.TrimSpace(m[1]), nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse mail body: %w", err)
	}
	return strings.TrimSpace(doc.Find(q.Selector).First().Text()), nil
}
