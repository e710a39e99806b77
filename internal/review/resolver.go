// Package review implements the review queue state machine: a human resolves
// a pending item to accepted, rejected, or modified, exactly once, and the
// deferred decision the item carries is applied (or discarded) in the same
// transaction. Resolution can cascade: a type change auto-rejects every other
// pending suggestion for the entity, and creation resolutions synthesize
// follow-up items so bulk assignments still pass through confirmation.
package review

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jotworks/jot/internal/notify"
	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/types"
)

// Resolver applies human review decisions.
type Resolver struct {
	Store    storage.Storage
	Notifier *notify.Notifier
}

// Request is one resolution: the target item, the terminal status, and for
// modified resolutions the replacement suggestion payload (same shape as the
// item's AI suggestion).
type Request struct {
	ItemID     string
	Status     types.ReviewStatus
	Resolution json.RawMessage
	Comment    string
	ResolvedBy string
}

// Validate checks the request before any store work.
func (r *Request) Validate() error {
	if r.ItemID == "" {
		return fmt.Errorf("%w: item id is required", storage.ErrValidation)
	}
	if !r.Status.IsTerminal() {
		return fmt.Errorf("%w: status must be accepted, rejected, or modified (got %q)", storage.ErrValidation, r.Status)
	}
	if r.Status == types.ReviewModified && len(r.Resolution) == 0 {
		return fmt.Errorf("%w: modified resolutions require a replacement suggestion", storage.ErrValidation)
	}
	if r.Status != types.ReviewModified && len(r.Resolution) > 0 {
		return fmt.Errorf("%w: only modified resolutions carry a replacement suggestion", storage.ErrValidation)
	}
	if r.ResolvedBy == "" {
		return fmt.Errorf("%w: resolved_by is required", storage.ErrValidation)
	}
	return nil
}

// Effects is the structured summary of everything one resolution changed,
// returned so callers can notify without re-querying. Cascading side effects
// are listed explicitly rather than happening behind the caller's back.
type Effects struct {
	UpdatedEntityIDs []string `json:"updated_entity_ids,omitempty"`

	CreatedProject      *types.Project      `json:"created_project,omitempty"`
	CreatedEpic         *types.Epic         `json:"created_epic,omitempty"`
	CreatedRelationship *types.Relationship `json:"created_relationship,omitempty"`

	// AutoRejectedReviewIDs are pending items rejected by a type change.
	AutoRejectedReviewIDs []string `json:"auto_rejected_review_ids,omitempty"`
	// CreatedReviews are follow-up items synthesized by creation resolutions.
	CreatedReviews []*types.ReviewItem `json:"created_reviews,omitempty"`
	// SupersededReviews counts stale pending items deleted in favor of
	// fresh ones.
	SupersededReviews int `json:"superseded_reviews,omitempty"`
}

// Resolution is the outcome of one request: the item in its terminal state
// plus everything the resolution did.
type Resolution struct {
	Item    *types.ReviewItem `json:"item"`
	Effects Effects           `json:"effects"`
}

// Resolve applies a single resolution in its own transaction and publishes
// the resulting events after commit.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	results, err := r.ResolveBatch(ctx, []Request{req})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// ResolveBatch applies the requests sequentially inside one transaction.
// All-or-nothing: any individual failure rolls back every resolution in the
// batch. Events for all resolutions are published after the single commit.
func (r *Resolver) ResolveBatch(ctx context.Context, reqs []Request) ([]*Resolution, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: empty resolution batch", storage.ErrValidation)
	}
	for i := range reqs {
		if err := reqs[i].Validate(); err != nil {
			return nil, err
		}
	}

	results := make([]*Resolution, 0, len(reqs))
	err := r.Store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		for _, req := range reqs {
			res, err := r.resolveInTx(ctx, tx, req)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, res := range results {
		r.publishEvents(ctx, res)
	}
	return results, nil
}

// resolveInTx runs the resolution algorithm for one item:
//
//  1. load, require pending
//  2. compute the effective suggestion (AI's, the user's, or none)
//  3. dispatch the per-type apply, collecting effects
//  4. audit every mutated entity
//  5. persist the terminal state
func (r *Resolver) resolveInTx(ctx context.Context, tx storage.Transaction, req Request) (*Resolution, error) {
	item, err := tx.GetReviewItem(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	if item.Status != types.ReviewPending {
		return nil, fmt.Errorf("review item %s already %s: %w", item.ID, item.Status, storage.ErrConflict)
	}

	a := &applier{resolver: r, tx: tx, item: item, req: req}
	if err := a.apply(ctx); err != nil {
		return nil, err
	}

	err = tx.ResolveReviewItem(ctx, item.ID, req.Status, req.Resolution, req.Comment, req.ResolvedBy)
	if err != nil {
		return nil, err
	}

	// Re-read so the returned item carries the persisted terminal state.
	resolved, err := tx.GetReviewItem(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	return &Resolution{Item: resolved, Effects: a.effects}, nil
}

// effectiveSuggestion returns the payload the resolution applies: the AI
// suggestion verbatim for accepted, the user's replacement for modified, and
// nothing for rejected.
func effectiveSuggestion(item *types.ReviewItem, req Request) json.RawMessage {
	switch req.Status {
	case types.ReviewAccepted:
		return item.Suggestion
	case types.ReviewModified:
		return req.Resolution
	}
	return nil
}

// publishEvents emits post-commit notifications for one resolution.
func (r *Resolver) publishEvents(ctx context.Context, res *Resolution) {
	if r.Notifier == nil {
		return
	}
	base := notify.Event{
		Type:       notify.EventReviewResolved,
		ReviewID:   res.Item.ID,
		ReviewType: string(res.Item.Type),
	}
	if res.Item.EntityID != nil {
		base.EntityID = *res.Item.EntityID
	}
	r.Notifier.Publish(ctx, &base)

	for _, id := range res.Effects.AutoRejectedReviewIDs {
		r.Notifier.Publish(ctx, &notify.Event{Type: notify.EventReviewResolved, ReviewID: id})
	}
	for _, id := range res.Effects.UpdatedEntityIDs {
		r.Notifier.Publish(ctx, &notify.Event{Type: notify.EventEntityUpdated, EntityID: id})
	}
	if p := res.Effects.CreatedProject; p != nil {
		r.Notifier.Publish(ctx, &notify.Event{Type: notify.EventProjectCreated, ProjectID: p.ID})
		r.Notifier.Publish(ctx, &notify.Event{Type: notify.EventProjectStatsUpdated, ProjectID: p.ID})
	}
	if e := res.Effects.CreatedEpic; e != nil {
		r.Notifier.Publish(ctx, &notify.Event{Type: notify.EventEpicCreated, ProjectID: e.ProjectID, EpicID: e.ID})
		r.Notifier.Publish(ctx, &notify.Event{Type: notify.EventProjectStatsUpdated, ProjectID: e.ProjectID})
	}
	for _, item := range res.Effects.CreatedReviews {
		ev := &notify.Event{
			Type:       notify.EventReviewCreated,
			ReviewID:   item.ID,
			ReviewType: string(item.Type),
		}
		if item.EntityID != nil {
			ev.EntityID = *item.EntityID
		}
		r.Notifier.Publish(ctx, ev)
	}
}

// auditComment describes a resolution on an entity's audit trail.
func auditComment(item *types.ReviewItem, req Request, detail string) *string {
	s := fmt.Sprintf("review %s (%s) %s: %s", item.ID, item.Type, req.Status, detail)
	return &s
}
