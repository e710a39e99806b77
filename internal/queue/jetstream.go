package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jotworks/jot/internal/debug"
)

// StreamJobs is the JetStream stream holding all pipeline jobs, dead
// letters included.
const StreamJobs = "JOT_JOBS"

const (
	subjectPrefix = "jobs."

	// dedupeWindow is how long a published dedupe key suppresses
	// re-publishes of the same key.
	dedupeWindow = 10 * time.Minute
)

// Dead-letter headers describing the parked job.
const (
	headerJobKind  = "Jot-Job-Kind"
	headerJobKey   = "Jot-Job-Key"
	headerAttempts = "Jot-Attempts"
	headerError    = "Jot-Error"
)

// JetStream is a durable Queue backed by NATS JetStream. Dedupe keys ride
// as Nats-Msg-Id so the stream's duplicate window collapses re-enqueues.
// Consumers are durable queue groups with explicit acks; the server
// redelivers unacked jobs on the backoff schedule, and jobs that fail
// deterministically or exhaust their attempts are copied to DeadSubject
// and terminated.
type JetStream struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	maxDeliver int

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewJetStream wraps an existing NATS connection. The connection stays
// owned by the caller. The jobs stream is created if missing.
func NewJetStream(nc *nats.Conn) (*JetStream, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	q := &JetStream{
		conn:       nc,
		js:         js,
		maxDeliver: DefaultMaxDeliver,
	}
	if err := q.ensureStream(); err != nil {
		return nil, err
	}
	return q, nil
}

var _ Queue = (*JetStream)(nil)

// ensureStream creates the jobs stream when it does not exist yet.
// Existing streams are left untouched so operator tuning survives restarts.
func (q *JetStream) ensureStream() error {
	if _, err := q.js.StreamInfo(StreamJobs); err == nil {
		return nil
	}
	_, err := q.js.AddStream(&nats.StreamConfig{
		Name:       StreamJobs,
		Subjects:   []string{subjectPrefix + ">"},
		Storage:    nats.FileStorage,
		MaxMsgs:    10000,
		MaxBytes:   100 << 20, // 100MB
		Duplicates: dedupeWindow,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamJobs, err)
	}
	return nil
}

// Enqueue publishes the job to jobs.<kind>. A duplicate key inside the
// dedupe window is accepted and dropped by the stream, which is the
// collapse the caller wants, so no error is reported.
func (q *JetStream) Enqueue(ctx context.Context, job *Job) error {
	opts := []nats.PubOpt{nats.Context(ctx)}
	if job.Key != "" {
		opts = append(opts, nats.MsgId(job.Key))
	}
	ack, err := q.js.Publish(subjectPrefix+job.Kind, job.Payload, opts...)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Kind, err)
	}
	if ack.Duplicate {
		debug.Logf("queue: collapsed duplicate %s job %s", job.Kind, job.Key)
	}
	return nil
}

// Consume binds a durable queue-group consumer for the kind. Multiple
// workers consuming the same kind share one group, so each job is handled
// by exactly one of them per delivery.
func (q *JetStream) Consume(ctx context.Context, kind string, fn HandlerFunc) error {
	durable := "jot-" + kind
	sub, err := q.js.QueueSubscribe(
		subjectPrefix+kind,
		durable,
		func(msg *nats.Msg) { q.dispatch(ctx, kind, fn, msg) },
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(q.maxDeliver),
		nats.BackOff(defaultRedeliveryDelays),
		nats.DeliverAll(),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", kind, err)
	}
	q.mu.Lock()
	q.subs = append(q.subs, sub)
	q.mu.Unlock()
	return nil
}

// Close drains all subscriptions. The NATS connection belongs to the
// caller and stays open.
func (q *JetStream) Close() error {
	q.mu.Lock()
	subs := q.subs
	q.subs = nil
	q.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			debug.Logf("queue: drain subscription: %v", err)
		}
	}
	return nil
}

func (q *JetStream) dispatch(ctx context.Context, kind string, fn HandlerFunc, msg *nats.Msg) {
	job := &Job{
		Kind:    kind,
		Key:     msg.Header.Get(nats.MsgIdHdr),
		Payload: msg.Data,
	}

	err := fn(ctx, job)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			debug.Logf("queue: ack %s job %s: %v", kind, job.Key, ackErr)
		}
		return
	}

	deliveries := 1
	if md, mdErr := msg.Metadata(); mdErr == nil {
		deliveries = int(md.NumDelivered)
	}

	if IsPermanent(err) || deliveries >= q.maxDeliver {
		q.deadLetter(job, deliveries, err)
		if termErr := msg.Term(); termErr != nil {
			debug.Logf("queue: term %s job %s: %v", kind, job.Key, termErr)
		}
		return
	}

	// No ack: the consumer backoff schedule owns the redelivery timing.
	debug.Logf("queue: %s job %s attempt %d/%d failed: %v",
		kind, job.Key, deliveries, q.maxDeliver, err)
}

// deadLetter copies the job to DeadSubject for operator inspection. The
// copy carries no Nats-Msg-Id, otherwise the duplicate window would
// swallow repeated parks of the same key.
func (q *JetStream) deadLetter(job *Job, attempts int, cause error) {
	msg := nats.NewMsg(DeadSubject)
	msg.Data = job.Payload
	msg.Header.Set(headerJobKind, job.Kind)
	msg.Header.Set(headerJobKey, job.Key)
	msg.Header.Set(headerAttempts, strconv.Itoa(attempts))
	msg.Header.Set(headerError, cause.Error())
	if _, err := q.js.PublishMsg(msg); err != nil {
		debug.Logf("queue: dead-letter %s job %s: %v", job.Kind, job.Key, err)
	}
}
