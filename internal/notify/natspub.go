package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// StreamEvents is the JetStream stream retaining published events so
// late-joining subscribers can catch up.
const StreamEvents = "JOT_EVENTS"

const eventSubjectPrefix = "events."

// NATSSink publishes each event to JetStream on events.<type>, e.g.
// events.note.processed. Watchers subscribe with events.> wildcards.
type NATSSink struct {
	js nats.JetStreamContext
}

// NewNATSSink wraps an existing NATS connection and creates the events
// stream when it does not exist yet.
func NewNATSSink(nc *nats.Conn) (*NATSSink, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(StreamEvents); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     StreamEvents,
			Subjects: []string{eventSubjectPrefix + ">"},
			Storage:  nats.FileStorage,
			MaxMsgs:  10000,
			MaxBytes: 100 << 20, // 100MB
		})
		if err != nil {
			return nil, fmt.Errorf("create stream %s: %w", StreamEvents, err)
		}
	}

	return &NATSSink{js: js}, nil
}

func (s *NATSSink) ID() string           { return "nats" }
func (s *NATSSink) Handles() []EventType { return nil }
func (s *NATSSink) Priority() int        { return 10 }

func (s *NATSSink) Handle(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := eventSubjectPrefix + string(event.Type)
	if _, err := s.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
