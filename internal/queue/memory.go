package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jotworks/jot/internal/debug"
)

const memoryBuffer = 256

// Memory is an in-process Queue for tests and single-process pipelines.
// Delivery semantics match the JetStream implementation: at-least-once,
// key dedupe while a job is pending, bounded retries with delays, parked
// dead letters on permanent failure or retry exhaustion.
type Memory struct {
	maxDeliver int
	delays     []time.Duration
	workers    int

	mu      sync.Mutex
	pending map[string]bool
	chans   map[string]chan *Job
	dead    []DeadLetter
	closed  bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// MemoryOption adjusts a Memory queue at construction.
type MemoryOption func(*Memory)

// WithMaxDeliver bounds delivery attempts per job.
func WithMaxDeliver(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.maxDeliver = n
		}
	}
}

// WithRetryDelays replaces the redelivery schedule. Calling it with no
// arguments removes all delays, which keeps retry tests fast.
func WithRetryDelays(delays ...time.Duration) MemoryOption {
	return func(m *Memory) {
		m.delays = delays
	}
}

// WithWorkers sets the goroutine pool size per consumed kind.
func WithWorkers(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.workers = n
		}
	}
}

// NewMemory creates an in-process queue.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		maxDeliver: DefaultMaxDeliver,
		delays:     defaultRedeliveryDelays,
		workers:    1,
		pending:    make(map[string]bool),
		chans:      make(map[string]chan *Job),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Queue = (*Memory)(nil)

// Enqueue submits a job. A job whose key is already pending for the same
// kind collapses silently.
func (m *Memory) Enqueue(ctx context.Context, job *Job) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("queue: closed")
	}
	key := dedupeKey(job)
	if key != "" {
		if m.pending[key] {
			m.mu.Unlock()
			debug.Logf("queue: collapsed duplicate %s job %s", job.Kind, job.Key)
			return nil
		}
		m.pending[key] = true
	}
	ch := m.channel(job.Kind)
	m.mu.Unlock()

	select {
	case ch <- job:
		return nil
	case <-m.done:
		m.release(job)
		return errors.New("queue: closed")
	case <-ctx.Done():
		m.release(job)
		return ctx.Err()
	}
}

// Consume starts the worker pool for the given kind and returns immediately.
func (m *Memory) Consume(ctx context.Context, kind string, fn HandlerFunc) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("queue: closed")
	}
	ch := m.channel(kind)
	m.mu.Unlock()

	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case <-m.done:
					return
				case <-ctx.Done():
					return
				case job := <-ch:
					m.deliver(ctx, job, fn)
				}
			}
		}()
	}
	return nil
}

// Close stops all workers and waits for in-flight deliveries.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}

// Dead returns a snapshot of parked jobs.
func (m *Memory) Dead() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetter, len(m.dead))
	copy(out, m.dead)
	return out
}

// deliver runs the retry loop for one job. The dedupe key stays held until
// the final outcome so concurrent enqueues of the same work collapse.
func (m *Memory) deliver(ctx context.Context, job *Job, fn HandlerFunc) {
	defer m.release(job)

	var lastErr error
	for attempt := 1; attempt <= m.maxDeliver; attempt++ {
		err := fn(ctx, job)
		if err == nil {
			return
		}
		lastErr = err
		if IsPermanent(err) {
			m.park(job, attempt, err)
			return
		}
		debug.Logf("queue: %s job %s attempt %d/%d failed: %v",
			job.Kind, job.Key, attempt, m.maxDeliver, err)
		if attempt == m.maxDeliver {
			break
		}
		select {
		case <-time.After(retryDelay(m.delays, attempt)):
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
	}
	m.park(job, m.maxDeliver, lastErr)
}

func (m *Memory) park(job *Job, attempts int, err error) {
	m.mu.Lock()
	m.dead = append(m.dead, DeadLetter{Job: job, Attempts: attempts, Err: err})
	m.mu.Unlock()
	debug.Logf("queue: parked %s job %s after %d attempts: %v",
		job.Kind, job.Key, attempts, err)
}

func (m *Memory) release(job *Job) {
	key := dedupeKey(job)
	if key == "" {
		return
	}
	m.mu.Lock()
	delete(m.pending, key)
	m.mu.Unlock()
}

// channel returns the buffered channel for kind, creating it on first use
// from either the producer or consumer side. Caller holds m.mu.
func (m *Memory) channel(kind string) chan *Job {
	ch, ok := m.chans[kind]
	if !ok {
		ch = make(chan *Job, memoryBuffer)
		m.chans[kind] = ch
	}
	return ch
}

func dedupeKey(job *Job) string {
	if job.Key == "" {
		return ""
	}
	return job.Kind + "/" + job.Key
}
