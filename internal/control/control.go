// Package control carries stop requests to the slot running a session.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/harvester/internal/domain"
	"github.com/cuongbtq/harvester/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// HeaderHops counts how many times a stop request was republished.
const HeaderHops = "x-hops"

// StopRequest asks the workers to stop a session.
type StopRequest struct {
	ID string `json:"id"`
}

// Registry tracks the sessions running in this process and the ones asked
// to stop. A stop flag lasts until a task reports the session stopped and
// no other task of it runs here, or until it is older than the ttl.
type Registry struct {
	mu      sync.Mutex
	active  map[string]int
	stopped map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewRegistry creates a registry whose stop flags expire after ttl; zero
// keeps them for the life of the process.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		active:  make(map[string]int),
		stopped: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Begin marks a session as running here. The returned func ends it.
func (r *Registry) Begin(sessionID string) func() {
	if sessionID == "" {
		return func() {}
	}
	r.mu.Lock()
	r.active[sessionID]++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.active[sessionID]--; r.active[sessionID] <= 0 {
				delete(r.active, sessionID)
			}
		})
	}
}

// Active reports whether a session is running here.
func (r *Registry) Active(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[sessionID] > 0
}

// Stop flags a session if it runs here and reports whether it did.
func (r *Registry) Stop(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[sessionID] == 0 {
		return false
	}
	r.stopped[sessionID] = r.now()
	return true
}

// Stopped reports whether a session was flagged.
func (r *Registry) Stopped(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.stopped[sessionID]
	if !ok {
		return false
	}
	if r.ttl > 0 && r.now().Sub(at) > r.ttl {
		delete(r.stopped, sessionID)
		return false
	}
	return true
}

// Clear drops the stop flag of a session that no longer runs here.
func (r *Registry) Clear(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[sessionID] > 0 {
		return
	}
	delete(r.stopped, sessionID)
}

// Flag returns the check a spider polls for sessionID.
func (r *Registry) Flag(sessionID string) func() bool {
	return func() bool { return r.Stopped(sessionID) }
}

// Publisher is the part of rabbitmq.Client the handler needs.
type Publisher interface {
	Publish(ctx context.Context, queue string, payload any, opts ...rabbitmq.PublishOption) error
}

// Handler consumes the control queue. Requests for sessions not running
// here are put back for the other workers, up to hopLimit times.
type Handler struct {
	registry *Registry
	client   Publisher
	queue    string
	hopLimit int
	logger   *slog.Logger
}

// NewHandler creates the control-queue handler.
func NewHandler(registry *Registry, client Publisher, queue string, hopLimit int, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		client:   client,
		queue:    queue,
		hopLimit: hopLimit,
		logger:   logger,
	}
}

// Handle implements rabbitmq.Handler.
func (h *Handler) Handle(ctx context.Context, d *rabbitmq.Delivery) error {
	var req StopRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		return domain.Protocol("parse stop request", err)
	}
	if req.ID == "" {
		return domain.Protocol("parse stop request", errors.New("missing session id"))
	}

	if h.registry.Stop(req.ID) {
		h.logger.Info("Session stop requested", slog.String("session_id", req.ID))
		return nil
	}

	hops := Hops(d.Headers)
	if hops >= h.hopLimit {
		h.logger.Warn("Dropping stop request, hop limit reached",
			slog.String("session_id", req.ID),
			slog.Int("hops", hops),
		)
		return nil
	}

	err := h.client.Publish(ctx, h.queue, d.Body,
		rabbitmq.WithHeaders(amqp.Table{HeaderHops: int32(hops + 1)}),
	)
	if err != nil {
		return fmt.Errorf("failed to republish stop request: %w", err)
	}
	h.logger.Debug("Stop request passed on",
		slog.String("session_id", req.ID),
		slog.Int("hops", hops+1),
	)
	return nil
}

// Hops reads the hop counter from message headers.
func Hops(headers amqp.Table) int {
	switch v := headers[HeaderHops].(type) {
	case int:
		return v
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}
