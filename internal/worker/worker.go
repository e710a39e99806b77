// Package worker runs the pipeline stages off the job queue. Each job kind
// gets a consumer that decodes the payload, runs the stage, and classifies
// the outcome for the queue: transient failures are returned as-is so the
// redelivery schedule retries them, deterministic failures are marked
// permanent so the job parks instead of burning retries on something that
// can never succeed.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/jotworks/jot/internal/debug"
	"github.com/jotworks/jot/internal/extract"
	"github.com/jotworks/jot/internal/notify"
	"github.com/jotworks/jot/internal/oracle"
	"github.com/jotworks/jot/internal/organize"
	"github.com/jotworks/jot/internal/pipeline"
	"github.com/jotworks/jot/internal/queue"
	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/types"
)

// Worker consumes pipeline jobs.
type Worker struct {
	store    storage.Storage
	jobs     queue.Queue
	extract  *extract.Stage
	organize *organize.Stage
}

// New wires the stages. The notifier may be nil.
func New(store storage.Storage, client oracle.Client, jobs queue.Queue, notifier *notify.Notifier, cfg pipeline.Config) *Worker {
	return &Worker{
		store: store,
		jobs:  jobs,
		extract: &extract.Stage{
			Store:    store,
			Oracle:   client,
			Jobs:     jobs,
			Notifier: notifier,
			Config:   cfg,
		},
		organize: &organize.Stage{
			Store:    store,
			Oracle:   client,
			Notifier: notifier,
			Config:   cfg,
		},
	}
}

// Start registers the consumers and returns once they are running.
// Deliveries stop when ctx is cancelled or the queue is closed.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.jobs.Consume(ctx, queue.KindExtract, w.handleExtract); err != nil {
		return fmt.Errorf("start extract consumer: %w", err)
	}
	if err := w.jobs.Consume(ctx, queue.KindOrganize, w.handleOrganize); err != nil {
		return fmt.Errorf("start organize consumer: %w", err)
	}
	if err := w.jobs.Consume(ctx, queue.KindReprocess, w.handleReprocess); err != nil {
		return fmt.Errorf("start reprocess consumer: %w", err)
	}
	return nil
}

// EnqueueExtract submits an extract job keyed by note id.
func EnqueueExtract(ctx context.Context, jobs queue.Queue, noteID string) error {
	return jobs.Enqueue(ctx, &queue.Job{
		Kind:    queue.KindExtract,
		Key:     noteID,
		Payload: pipeline.Encode(pipeline.ExtractJob{NoteID: noteID}),
	})
}

// EnqueueReprocess submits a reprocess job keyed by note id.
func EnqueueReprocess(ctx context.Context, jobs queue.Queue, noteID string) error {
	return jobs.Enqueue(ctx, &queue.Job{
		Kind:    queue.KindReprocess,
		Key:     noteID,
		Payload: pipeline.Encode(pipeline.ExtractJob{NoteID: noteID}),
	})
}

func (w *Worker) handleExtract(ctx context.Context, job *queue.Job) error {
	var payload pipeline.ExtractJob
	if err := pipeline.Decode(job.Payload, &payload); err != nil {
		return queue.Permanent(err)
	}
	res, err := w.extract.ProcessNote(ctx, payload.NoteID)
	if err != nil {
		return classify(fmt.Errorf("note %s: %w", payload.NoteID, err))
	}
	if res.AlreadyProcessed {
		debug.Logf("worker: note %s already processed, extract was a no-op", payload.NoteID)
	}
	return nil
}

func (w *Worker) handleOrganize(ctx context.Context, job *queue.Job) error {
	var payload pipeline.OrganizeJob
	if err := pipeline.Decode(job.Payload, &payload); err != nil {
		return queue.Permanent(err)
	}
	if _, err := w.organize.OrganizeNote(ctx, payload.NoteID, payload.EntityIDs); err != nil {
		return classify(fmt.Errorf("note %s: %w", payload.NoteID, err))
	}
	return nil
}

// handleReprocess clears the note's processed flag, stamps the reprocess on
// every previously extracted entity's trail, and runs extraction again.
func (w *Worker) handleReprocess(ctx context.Context, job *queue.Job) error {
	var payload pipeline.ExtractJob
	if err := pipeline.Decode(job.Payload, &payload); err != nil {
		return queue.Permanent(err)
	}

	entities, err := w.store.GetNoteEntities(ctx, payload.NoteID)
	if err != nil {
		return classify(err)
	}
	err = w.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.ResetNote(ctx, payload.NoteID); err != nil {
			return err
		}
		for _, e := range entities {
			err := tx.AddEntityEvent(ctx, &types.EntityEvent{
				EntityID: e.ID,
				Type:     types.EventReprocessed,
				Actor:    extract.DefaultActor,
				Comment:  types.StrPtr("source note " + payload.NoteID + " queued for reprocessing"),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return classify(fmt.Errorf("reset note %s: %w", payload.NoteID, err))
	}

	if _, err := w.extract.ProcessNote(ctx, payload.NoteID); err != nil {
		return classify(fmt.Errorf("note %s: %w", payload.NoteID, err))
	}
	return nil
}

// classify decides whether an error is worth redelivering. Schema violations
// are deterministic by contract, and missing rows or invalid payloads will
// not heal with time either; everything else is assumed transient.
func classify(err error) error {
	var sv *oracle.SchemaViolation
	if errors.As(err, &sv) {
		return queue.Permanent(err)
	}
	if storage.IsNotFound(err) || storage.IsValidation(err) {
		return queue.Permanent(err)
	}
	return err
}
