package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryDeliversJob(t *testing.T) {
	q := NewMemory(WithRetryDelays())
	defer q.Close()

	got := make(chan *Job, 1)
	err := q.Consume(context.Background(), KindExtract, func(ctx context.Context, job *Job) error {
		got <- job
		return nil
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	in := &Job{Kind: KindExtract, Key: "note-1", Payload: []byte(`{"note_id":"note-1"}`)}
	if err := q.Enqueue(context.Background(), in); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case job := <-got:
		if job.Key != "note-1" {
			t.Errorf("expected key note-1, got %q", job.Key)
		}
		if string(job.Payload) != `{"note_id":"note-1"}` {
			t.Errorf("unexpected payload: %s", job.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job was not delivered")
	}
}

func TestMemoryCollapsesInFlightKey(t *testing.T) {
	q := NewMemory(WithRetryDelays())
	defer q.Close()

	var count atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	finished := make(chan struct{}, 1)

	err := q.Consume(context.Background(), KindOrganize, func(ctx context.Context, job *Job) error {
		count.Add(1)
		started <- struct{}{}
		<-release
		finished <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	job := &Job{Kind: KindOrganize, Key: "note-7"}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery did not start")
	}

	// Both collapse against the in-flight job.
	if err := q.Enqueue(context.Background(), &Job{Kind: KindOrganize, Key: "note-7"}); err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}
	if err := q.Enqueue(context.Background(), &Job{Kind: KindOrganize, Key: "note-7"}); err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}

	close(release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery did not finish")
	}

	if got := count.Load(); got != 1 {
		t.Errorf("expected 1 delivery, got %d", got)
	}
}

func TestMemoryKeyReleasedAfterDelivery(t *testing.T) {
	q := NewMemory(WithRetryDelays())
	defer q.Close()

	delivered := make(chan struct{}, 16)
	err := q.Consume(context.Background(), KindExtract, func(ctx context.Context, job *Job) error {
		delivered <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if err := q.Enqueue(context.Background(), &Job{Kind: KindExtract, Key: "note-3"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery missing")
	}

	// The key is released after the delivery completes, so a later
	// enqueue of the same key must go through again.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := q.Enqueue(context.Background(), &Job{Kind: KindExtract, Key: "note-3"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		select {
		case <-delivered:
			return
		case <-time.After(20 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("key was never released after delivery")
		}
	}
}

func TestMemoryRetriesUntilSuccess(t *testing.T) {
	q := NewMemory(WithRetryDelays())
	defer q.Close()

	var attempts atomic.Int32
	done := make(chan struct{}, 1)
	err := q.Consume(context.Background(), KindExtract, func(ctx context.Context, job *Job) error {
		if attempts.Add(1) < 3 {
			return errors.New("store busy")
		}
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if err := q.Enqueue(context.Background(), &Job{Kind: KindExtract, Key: "note-5"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded")
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if dead := q.Dead(); len(dead) != 0 {
		t.Errorf("expected no dead letters, got %d", len(dead))
	}
}

func TestMemoryParksPermanentFailure(t *testing.T) {
	q := NewMemory(WithRetryDelays())
	defer q.Close()

	sentinel := errors.New("oracle output failed validation")
	var attempts atomic.Int32
	err := q.Consume(context.Background(), KindOrganize, func(ctx context.Context, job *Job) error {
		attempts.Add(1)
		return Permanent(sentinel)
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if err := q.Enqueue(context.Background(), &Job{Kind: KindOrganize, Key: "note-2"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	dead := waitDead(t, q, 1)
	if dead[0].Attempts != 1 {
		t.Errorf("expected 1 attempt before parking, got %d", dead[0].Attempts)
	}
	if !errors.Is(dead[0].Err, sentinel) {
		t.Errorf("dead letter lost the cause: %v", dead[0].Err)
	}
	if dead[0].Job.Key != "note-2" {
		t.Errorf("dead letter has wrong job: %q", dead[0].Job.Key)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("permanent failure must not be retried, got %d attempts", got)
	}
}

func TestMemoryParksAfterMaxDeliver(t *testing.T) {
	q := NewMemory(WithRetryDelays(), WithMaxDeliver(3))
	defer q.Close()

	var attempts atomic.Int32
	err := q.Consume(context.Background(), KindExtract, func(ctx context.Context, job *Job) error {
		attempts.Add(1)
		return errors.New("store unavailable")
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if err := q.Enqueue(context.Background(), &Job{Kind: KindExtract, Key: "note-8"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	dead := waitDead(t, q, 1)
	if dead[0].Attempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", dead[0].Attempts)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected exactly 3 handler calls, got %d", got)
	}
}

func TestMemoryWorkerPool(t *testing.T) {
	q := NewMemory(WithRetryDelays(), WithWorkers(3))
	defer q.Close()

	var wg sync.WaitGroup
	wg.Add(5)
	var count atomic.Int32
	err := q.Consume(context.Background(), KindExtract, func(ctx context.Context, job *Job) error {
		count.Add(1)
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	for i := 0; i < 5; i++ {
		job := &Job{Kind: KindExtract, Key: string(rune('a' + i))}
		if err := q.Enqueue(context.Background(), job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pool delivered %d of 5 jobs", count.Load())
	}
}

func TestMemoryEnqueueAfterClose(t *testing.T) {
	q := NewMemory()
	q.Close()
	if err := q.Enqueue(context.Background(), &Job{Kind: KindExtract, Key: "x"}); err == nil {
		t.Error("expected error after Close")
	}
}

// waitDead polls until the queue has parked at least want jobs.
func waitDead(t *testing.T, q *Memory, want int) []DeadLetter {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		dead := q.Dead()
		if len(dead) >= want {
			return dead
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d dead letters, have %d", want, len(dead))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
