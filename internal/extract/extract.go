// Package extract implements the first pipeline stage: one captured note in,
// structured entities, relationships, tags, and review items out. Everything
// the stage writes lands in a single store transaction, so a failure anywhere
// leaves no partial entities behind. The stage is idempotent against
// duplicate deliveries: an already-processed note is a no-op.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jotworks/jot/internal/debug"
	"github.com/jotworks/jot/internal/notify"
	"github.com/jotworks/jot/internal/oracle"
	"github.com/jotworks/jot/internal/pipeline"
	"github.com/jotworks/jot/internal/queue"
	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/types"
)

// DefaultActor is recorded on audit events written by the stage.
const DefaultActor = "oracle"

// Stage runs extraction for one note at a time. Jobs and Notifier may be nil:
// without Jobs the caller owns running organization (the CLI's synchronous
// path); without Notifier no events are emitted.
type Stage struct {
	Store    storage.Storage
	Oracle   oracle.Client
	Jobs     queue.Queue
	Notifier *notify.Notifier
	Config   pipeline.Config
	Actor    string
}

// Result summarizes one extraction run.
type Result struct {
	NoteID string
	// EntityIDs are the created entities in batch index order.
	EntityIDs []string
	// ReviewIDs are the low-confidence items raised during extraction.
	ReviewIDs []string
	// AlreadyProcessed is true when the note was processed before this run
	// and nothing was extracted.
	AlreadyProcessed bool
}

// ProcessNote extracts entities from the note and persists them in one
// transaction, then enqueues organization. Re-running on a processed note
// creates nothing; it only re-enqueues organization (deduplicated by note
// id), which closes the gap where a prior run committed but crashed before
// its enqueue.
//
// On failure the note's processing error is recorded and the error is
// returned for the job runner's retry policy. A *oracle.SchemaViolation is
// deterministic and must not be retried; callers map it to a permanent
// job failure.
func (s *Stage) ProcessNote(ctx context.Context, noteID string) (*Result, error) {
	note, err := s.Store.GetNote(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if note.Processed {
		return s.noopProcessed(ctx, noteID)
	}

	res, err := s.Oracle.Extract(ctx, &oracle.ExtractionRequest{
		NoteID:     note.ID,
		Content:    note.Content,
		Source:     note.Source,
		SourceRef:  note.SourceRef,
		CapturedAt: note.CapturedAt,
	})
	if err != nil {
		s.recordFailure(ctx, noteID, err)
		return nil, fmt.Errorf("extract note %s: %w", noteID, err)
	}

	result := &Result{NoteID: noteID}
	err = s.Store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		ids, err := s.createEntities(ctx, tx, noteID, res.Entities)
		if err != nil {
			return err
		}
		result.EntityIDs = ids

		s.materializeRelationships(ctx, tx, ids, res.Relationships)

		reviewIDs, err := s.raiseReviews(ctx, tx, ids, res.Entities)
		if err != nil {
			return err
		}
		result.ReviewIDs = reviewIDs

		return tx.MarkNoteProcessed(ctx, noteID)
	})
	if err != nil {
		s.recordFailure(ctx, noteID, err)
		return nil, fmt.Errorf("extract note %s: %w", noteID, err)
	}

	s.publishEvents(ctx, result)

	if len(result.EntityIDs) > 0 {
		if err := s.enqueueOrganize(ctx, noteID, result.EntityIDs); err != nil {
			// The transaction committed; returning the error hands the job
			// back to the queue, whose redelivery lands in noopProcessed and
			// repairs the missing enqueue.
			return result, fmt.Errorf("enqueue organization for note %s: %w", noteID, err)
		}
	}
	return result, nil
}

// noopProcessed handles redelivery of an already-processed note. No entities
// are created; organization is re-enqueued when the note has any, in case the
// prior run committed but never got its enqueue out. The note-id dedupe key
// collapses this with any organization job already pending.
func (s *Stage) noopProcessed(ctx context.Context, noteID string) (*Result, error) {
	result := &Result{NoteID: noteID, AlreadyProcessed: true}
	if s.Jobs == nil {
		return result, nil
	}
	entities, err := s.Store.GetNoteEntities(ctx, noteID)
	if err != nil || len(entities) == 0 {
		return result, err
	}
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	if err := s.enqueueOrganize(ctx, noteID, ids); err != nil {
		return result, fmt.Errorf("enqueue organization for note %s: %w", noteID, err)
	}
	return result, nil
}

// createEntities inserts the batch in index order, linking each entity to the
// note and attaching its tags.
func (s *Stage) createEntities(ctx context.Context, tx storage.Transaction, noteID string, extracted []oracle.ExtractedEntity) ([]string, error) {
	ids := make([]string, 0, len(extracted))
	for i, ee := range extracted {
		entity := &types.Entity{
			Type:       ee.Type,
			Content:    ee.Content,
			Status:     ee.Status,
			Confidence: ee.Confidence,
			Attributes: ee.Attributes,
			Evidence:   ee.Evidence,
		}
		if err := tx.CreateEntity(ctx, entity, s.actor()); err != nil {
			return nil, fmt.Errorf("entity %d: %w", i, err)
		}
		if err := tx.LinkEntityToNote(ctx, entity.ID, noteID); err != nil {
			return nil, err
		}
		for _, tag := range ee.Tags {
			if err := tx.AddTag(ctx, entity.ID, tag); err != nil {
				return nil, err
			}
		}
		ids = append(ids, entity.ID)
	}
	return ids, nil
}

// materializeRelationships resolves intra-batch indices to the freshly
// created ids. Out-of-range indices are hallucinated edges and are skipped,
// not failed: the rest of the batch is still good.
func (s *Stage) materializeRelationships(ctx context.Context, tx storage.Transaction, ids []string, rels []oracle.ExtractedRelationship) {
	for _, rel := range rels {
		if rel.SourceIndex < 0 || rel.SourceIndex >= len(ids) ||
			rel.TargetIndex < 0 || rel.TargetIndex >= len(ids) {
			debug.Logf("extract: skipping hallucinated relationship [%d -> %d] (batch size %d)",
				rel.SourceIndex, rel.TargetIndex, len(ids))
			continue
		}
		created, err := tx.AddRelationship(ctx, &types.Relationship{
			SourceID: ids[rel.SourceIndex],
			TargetID: ids[rel.TargetIndex],
			Type:     rel.Type,
		})
		if err != nil {
			debug.Logf("extract: skipping relationship %s -> %s (%s): %v",
				ids[rel.SourceIndex], ids[rel.TargetIndex], rel.Type, err)
			continue
		}
		if !created {
			debug.Logf("extract: relationship %s -> %s (%s) already exists",
				ids[rel.SourceIndex], ids[rel.TargetIndex], rel.Type)
		}
	}
}

// raiseReviews creates review items for every below-threshold field reading
// and for entities whose overall confidence is below threshold.
func (s *Stage) raiseReviews(ctx context.Context, tx storage.Transaction, ids []string, extracted []oracle.ExtractedEntity) ([]string, error) {
	var reviewIDs []string
	add := func(item *types.ReviewItem) error {
		created, err := tx.CreateReviewItem(ctx, item)
		if err != nil {
			return err
		}
		if created {
			reviewIDs = append(reviewIDs, item.ID)
		}
		return nil
	}

	for i, ee := range extracted {
		entityID := ids[i]
		for _, f := range ee.Fields {
			if f.Confidence >= s.Config.ConfidenceThreshold {
				continue
			}
			item, err := fieldReviewItem(entityID, f)
			if err != nil {
				return nil, err
			}
			if err := add(item); err != nil {
				return nil, err
			}
		}
		if ee.Confidence < s.Config.ConfidenceThreshold {
			suggestion, err := json.Marshal(types.FieldSuggestion{})
			if err != nil {
				return nil, err
			}
			err = add(&types.ReviewItem{
				Type:       types.ReviewLowConfidence,
				EntityID:   &entityID,
				Suggestion: suggestion,
				Confidence: ee.Confidence,
				Reason:     "overall extraction confidence below threshold",
			})
			if err != nil {
				return nil, err
			}
		}
	}
	return reviewIDs, nil
}

// fieldReviewItem maps one low-confidence reading to its review item. The
// type field gets a type_classification item and the owner field an
// assignee_suggestion; everything else lands in a generic low_confidence
// item. A type reading whose value is not a known entity type is demoted to
// the generic item rather than carrying a suggestion no one can accept.
func fieldReviewItem(entityID string, f oracle.FieldReading) (*types.ReviewItem, error) {
	item := &types.ReviewItem{
		EntityID:   &entityID,
		Confidence: f.Confidence,
		Reason:     f.Reason,
	}

	switch {
	case f.Field == oracle.FieldType && types.EntityType(f.Value).IsValid():
		item.Type = types.ReviewTypeClassification
		suggestion, err := json.Marshal(types.TypeSuggestion{Type: types.EntityType(f.Value)})
		if err != nil {
			return nil, err
		}
		item.Suggestion = suggestion
	case f.Field == oracle.FieldOwner:
		item.Type = types.ReviewAssigneeSuggestion
		suggestion, err := json.Marshal(types.AssignmentSuggestion{Name: f.Value})
		if err != nil {
			return nil, err
		}
		item.Suggestion = suggestion
	default:
		item.Type = types.ReviewLowConfidence
		suggestion, err := json.Marshal(types.FieldSuggestion{Field: f.Field, Value: f.Value})
		if err != nil {
			return nil, err
		}
		item.Suggestion = suggestion
	}
	return item, nil
}

// enqueueOrganize hands the batch to the organization stage, deduplicated by
// note id.
func (s *Stage) enqueueOrganize(ctx context.Context, noteID string, entityIDs []string) error {
	if s.Jobs == nil {
		return nil
	}
	return s.Jobs.Enqueue(ctx, &queue.Job{
		Kind:    queue.KindOrganize,
		Key:     noteID,
		Payload: pipeline.Encode(pipeline.OrganizeJob{NoteID: noteID, EntityIDs: entityIDs}),
	})
}

// publishEvents emits post-commit notifications. Best effort by contract.
func (s *Stage) publishEvents(ctx context.Context, result *Result) {
	if s.Notifier == nil {
		return
	}
	s.Notifier.Publish(ctx, &notify.Event{Type: notify.EventNoteProcessed, NoteID: result.NoteID})
	for _, id := range result.EntityIDs {
		s.Notifier.Publish(ctx, &notify.Event{Type: notify.EventEntityCreated, NoteID: result.NoteID, EntityID: id})
	}
	for _, id := range result.ReviewIDs {
		s.Notifier.Publish(ctx, &notify.Event{Type: notify.EventReviewCreated, NoteID: result.NoteID, ReviewID: id})
	}
}

// recordFailure writes the failure message onto the note for operator
// diagnosis. Best effort: the original error is what matters.
func (s *Stage) recordFailure(ctx context.Context, noteID string, cause error) {
	if errors.Is(cause, context.Canceled) {
		return
	}
	err := s.Store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetNoteError(ctx, noteID, cause.Error())
	})
	if err != nil {
		debug.Logf("extract: could not record failure on note %s: %v", noteID, err)
	}
	if s.Notifier != nil {
		s.Notifier.Publish(ctx, &notify.Event{
			Type:   notify.EventNoteFailed,
			NoteID: noteID,
			Error:  cause.Error(),
		})
	}
}

func (s *Stage) actor() string {
	if s.Actor != "" {
		return s.Actor
	}
	return DefaultActor
}
