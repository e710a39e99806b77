// Package notify fans pipeline events out to registered handlers after a
// store transaction commits. Delivery is best effort everywhere: handler
// errors are logged and swallowed, and Publish never surfaces an error to
// the operation that emitted the event.
package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jotworks/jot/internal/debug"
)

// EventType names a pipeline event. Types are dotted lowercase and double
// as NATS subject suffixes under events.>.
type EventType string

const (
	EventNoteProcessed EventType = "note.processed"
	EventNoteFailed    EventType = "note.failed"

	EventEntityCreated EventType = "entity.created"
	EventEntityUpdated EventType = "entity.updated"

	EventReviewCreated  EventType = "review.created"
	EventReviewResolved EventType = "review.resolved"

	EventProjectCreated EventType = "project.created"
	EventEpicCreated    EventType = "epic.created"

	EventProjectStatsUpdated EventType = "project.stats-updated"
)

// Event is the payload delivered to handlers. Only the fields relevant to
// the event type are set.
type Event struct {
	Type       EventType `json:"type"`
	NoteID     string    `json:"note_id,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	ProjectID  string    `json:"project_id,omitempty"`
	EpicID     string    `json:"epic_id,omitempty"`
	ReviewID   string    `json:"review_id,omitempty"`
	ReviewType string    `json:"review_type,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Handler receives published events. A handler whose Handles returns nil
// receives every event type.
type Handler interface {
	// ID identifies the handler in logs and status output.
	ID() string

	// Handles returns the event types this handler wants, nil for all.
	Handles() []EventType

	// Priority orders dispatch; lower runs first.
	Priority() int

	// Handle processes one event. Errors are logged by the notifier and
	// never propagate to the publisher.
	Handle(ctx context.Context, event *Event) error
}

// Notifier dispatches events to registered handlers in priority order.
type Notifier struct {
	mu       sync.RWMutex
	handlers []Handler
}

// New creates an empty notifier. Publishing with no handlers is a no-op,
// which is the inline CLI pipeline's default.
func New() *Notifier {
	return &Notifier{}
}

// Register adds a handler. Handlers are sorted by priority on each Publish
// call, so registration order does not matter.
func (n *Notifier) Register(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, h)
}

// Handlers returns all registered handlers for status reporting.
func (n *Notifier) Handlers() []Handler {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Handler, len(n.handlers))
	copy(out, n.handlers)
	return out
}

// Publish sends the event to all matching handlers sequentially in priority
// order. Handler errors are logged but do not stop the chain, and nothing
// is reported back to the caller.
func (n *Notifier) Publish(ctx context.Context, event *Event) {
	if event == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	n.mu.RLock()
	matching := n.matchingHandlers(event.Type)
	n.mu.RUnlock()

	for _, h := range matching {
		if ctx.Err() != nil {
			return
		}
		if err := h.Handle(ctx, event); err != nil {
			debug.Logf("notify: handler %q error for %s: %v", h.ID(), event.Type, err)
		}
	}
}

// matchingHandlers returns handlers for the event type sorted by priority,
// lowest first. Caller holds at least a read lock.
func (n *Notifier) matchingHandlers(eventType EventType) []Handler {
	var matched []Handler
	for _, h := range n.handlers {
		if handlerWants(h, eventType) {
			matched = append(matched, h)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}

func handlerWants(h Handler, eventType EventType) bool {
	types := h.Handles()
	if types == nil {
		return true
	}
	for _, t := range types {
		if t == eventType {
			return true
		}
	}
	return false
}

// LogHandler prints every event through the debug logger. Registered by the
// worker in verbose mode.
type LogHandler struct{}

func (LogHandler) ID() string           { return "log" }
func (LogHandler) Handles() []EventType { return nil }
func (LogHandler) Priority() int        { return 0 }

func (LogHandler) Handle(_ context.Context, event *Event) error {
	debug.Logf("event %s note=%s entity=%s project=%s review=%s",
		event.Type, event.NoteID, event.EntityID, event.ProjectID, event.ReviewID)
	return nil
}
