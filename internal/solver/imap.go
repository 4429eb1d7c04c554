package solver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// IMAPConfig configures IMAPFetcher.
type IMAPConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	Mailbox       string
	Timeout       time.Duration
	SkipTLSVerify bool
}

// IMAPFetcher reads messages over IMAPS. Every Fetch opens its own session.
type IMAPFetcher struct {
	config IMAPConfig
}

// NewIMAPFetcher creates an IMAPFetcher.
func NewIMAPFetcher(cfg IMAPConfig) *IMAPFetcher {
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &IMAPFetcher{config: cfg}
}

// Fetch implements MailFetcher. The mailbox is opened read-only so nothing
// gets marked as seen.
func (f *IMAPFetcher) Fetch(ctx context.Context, limit int) ([]Message, error) {
	addr := net.JoinHostPort(f.config.Host, strconv.Itoa(f.config.Port))
	c, err := client.DialTLS(addr, &tls.Config{
		ServerName:         f.config.Host,
		InsecureSkipVerify: f.config.SkipTLSVerify, //nolint:gosec // some mail hosts serve self-signed certs
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial imap %s: %w", addr, err)
	}
	c.Timeout = f.config.Timeout
	defer c.Logout() //nolint:errcheck

	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer stop()

	if err := c.Login(f.config.User, f.config.Password); err != nil {
		return nil, fmt.Errorf("failed to login to imap: %w", err)
	}

	mbox, err := c.Select(f.config.Mailbox, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", f.config.Mailbox, err)
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	from := uint32(1)
	if mbox.Messages > uint32(limit) {
		from = mbox.Messages - uint32(limit) + 1
	}
	seqset := new(imap.SeqSet)
	seqset.AddRange(from, mbox.Messages)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}

	fetched := make(chan *imap.Message, limit)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, fetched)
	}()

	var out []Message
	var parseErrs []error
	for msg := range fetched {
		m, err := toMessage(msg, section)
		if err != nil {
			parseErrs = append(parseErrs, err)
			continue
		}
		out = append(out, m)
	}
	if err := <-done; err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	if len(out) == 0 && len(parseErrs) > 0 {
		return nil, errors.Join(parseErrs...)
	}
	return out, nil
}

func toMessage(msg *imap.Message, section *imap.BodySectionName) (Message, error) {
	if msg.Envelope == nil {
		return Message{}, fmt.Errorf("message %d has no envelope", msg.SeqNum)
	}
	m := Message{
		Subject: msg.Envelope.Subject,
		Date:    msg.Envelope.Date,
		From:    formatAddresses(msg.Envelope.From),
	}

	body := msg.GetBody(section)
	if body == nil {
		return m, fmt.Errorf("message %d has no body", msg.SeqNum)
	}
	html, err := htmlPart(body)
	if err != nil {
		return m, fmt.Errorf("message %d: %w", msg.SeqNum, err)
	}
	m.HTML = html
	return m, nil
}

func formatAddresses(addrs []*imap.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.PersonalName != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.PersonalName, a.Address()))
			continue
		}
		parts = append(parts, a.Address())
	}
	return strings.Join(parts, ", ")
}

// htmlPart returns the first text/html part of a RFC 5322 message, decoded.
// Transfer encodings (quoted-printable, base64) are undone by go-message.
func htmlPart(r io.Reader) (string, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", fmt.Errorf("failed to read message: %w", err)
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return "", errors.New("message has no html part")
		}
		if err != nil {
			return "", fmt.Errorf("failed to read message part: %w", err)
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		if ct != "text/html" {
			continue
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return "", fmt.Errorf("failed to read html part: %w", err)
		}
		return string(b), nil
	}
}
