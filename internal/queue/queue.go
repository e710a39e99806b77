// Package queue provides at-least-once job delivery for the pipeline stages.
// Jobs carry a dedupe key so re-enqueuing the same logical unit of work while
// one is pending collapses to a single job. Failed jobs are redelivered on a
// backoff schedule up to a bounded attempt count, then parked on a dead-letter
// subject for operator inspection. Deterministic failures are wrapped with
// Permanent by the handler and parked without further redelivery.
package queue

import (
	"context"
	"errors"
	"time"
)

// Job kinds understood by the worker. Kinds double as subject suffixes, so
// they must not contain dots.
const (
	KindExtract   = "extract"
	KindOrganize  = "organize"
	KindReprocess = "reprocess"
)

// DefaultMaxDeliver bounds delivery attempts per job, first try included.
const DefaultMaxDeliver = 5

// DeadSubject receives jobs that exhausted their retries or failed
// deterministically.
const DeadSubject = "jobs.dead"

// defaultRedeliveryDelays spaces out redelivery attempts. The last entry
// repeats when attempts outnumber entries. Must stay shorter than
// DefaultMaxDeliver entries long or JetStream rejects the consumer config.
var defaultRedeliveryDelays = []time.Duration{
	time.Second,
	15 * time.Second,
	time.Minute,
}

// Job is one unit of pipeline work.
type Job struct {
	// Kind routes the job to a consumer (KindExtract, KindOrganize, ...).
	Kind string
	// Key deduplicates: enqueues sharing a key collapse while one is pending.
	// Empty disables deduplication for this job.
	Key string
	// Payload is an opaque body owned by the handler, typically JSON.
	Payload []byte
}

// HandlerFunc processes one job delivery. Returning nil acknowledges the job.
// A plain error triggers redelivery on the backoff schedule; wrap with
// Permanent to park the job immediately.
type HandlerFunc func(ctx context.Context, job *Job) error

// Queue is an at-least-once job queue with per-key deduplication.
type Queue interface {
	// Enqueue submits a job. Duplicate keys within the dedupe window are
	// dropped silently.
	Enqueue(ctx context.Context, job *Job) error

	// Consume registers fn for the given job kind and returns once the
	// consumer is running. Deliveries stop when ctx is cancelled or the
	// queue is closed.
	Consume(ctx context.Context, kind string, fn HandlerFunc) error

	// Close stops all consumers and waits for in-flight handlers.
	Close() error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as deterministic so the job is parked instead of
// redelivered. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err or anything it wraps was marked Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// DeadLetter records a parked job and why it was parked.
type DeadLetter struct {
	Job      *Job
	Attempts int
	Err      error
}

// retryDelay returns how long to wait before redelivering attempt+1.
func retryDelay(delays []time.Duration, attempt int) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	if attempt > len(delays) {
		attempt = len(delays)
	}
	return delays[attempt-1]
}
