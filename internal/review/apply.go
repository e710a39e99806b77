package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jotworks/jot/internal/debug"
	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/types"
)

// applier runs the per-type apply for one resolution inside the enclosing
// transaction, accumulating the effects summary as it goes.
type applier struct {
	resolver *Resolver
	tx       storage.Transaction
	item     *types.ReviewItem
	req      Request
	effects  Effects
}

// apply dispatches on the item's review type. The human has already judged
// the suggestion, so unlike the organization stage nothing here is gated on
// confidence; the only branches are the terminal status and referential
// validity.
func (a *applier) apply(ctx context.Context) error {
	switch a.item.Type {
	case types.ReviewTypeClassification:
		return a.applyTypeChange(ctx)
	case types.ReviewProjectAssignment:
		return a.applyAssignment(ctx, "project_id")
	case types.ReviewEpicAssignment:
		return a.applyAssignment(ctx, "epic_id")
	case types.ReviewAssigneeSuggestion:
		return a.applyAssignment(ctx, "assignee_id")
	case types.ReviewDuplicateDetection:
		return a.applyDuplicate(ctx)
	case types.ReviewEpicCreation:
		return a.applyEpicCreation(ctx)
	case types.ReviewProjectCreation:
		return a.applyProjectCreation(ctx)
	case types.ReviewLowConfidence:
		// Informational only; resolving it records the judgment without
		// mutating the entity.
		return a.audit(ctx, *a.item.EntityID, "low-confidence flag reviewed")
	}
	return fmt.Errorf("%w: unknown review type %q", storage.ErrValidation, a.item.Type)
}

// applyTypeChange reclassifies the entity and normalizes its status to the
// new type's default. Attributes that no longer match the type are dropped
// rather than carried across variants. Every other pending item for the
// entity is then auto-rejected: a suggestion made against the old type says
// nothing about the new one.
func (a *applier) applyTypeChange(ctx context.Context) error {
	if a.req.Status == types.ReviewRejected {
		return a.audit(ctx, *a.item.EntityID, "classification kept")
	}

	var s types.TypeSuggestion
	if err := json.Unmarshal(effectiveSuggestion(a.item, a.req), &s); err != nil {
		return fmt.Errorf("%w: decode type suggestion: %v", storage.ErrValidation, err)
	}
	if !s.Type.IsValid() {
		return fmt.Errorf("%w: unknown entity type %q", storage.ErrValidation, s.Type)
	}

	entity, err := a.tx.GetEntity(ctx, *a.item.EntityID)
	if err != nil {
		return err
	}
	if entity.Type == s.Type {
		return a.audit(ctx, entity.ID, fmt.Sprintf("already classified as %s", s.Type))
	}

	updates := map[string]interface{}{
		"type":   s.Type,
		"status": s.Type.DefaultStatus(),
	}
	if !entity.Attributes.MatchesType(s.Type) {
		updates["attributes"] = types.AttributeBag{}
	}
	if err := a.updateEntity(ctx, entity.ID, updates); err != nil {
		return err
	}
	if err := a.audit(ctx, entity.ID, fmt.Sprintf("reclassified %s as %s", entity.Type, s.Type)); err != nil {
		return err
	}

	return a.cascadeReject(ctx, entity.ID, s.Type)
}

// cascadeReject auto-rejects every other pending item for the entity.
func (a *applier) cascadeReject(ctx context.Context, entityID string, newType types.EntityType) error {
	pending, err := a.tx.ListPendingReviewsForEntity(ctx, entityID)
	if err != nil {
		return err
	}
	note := fmt.Sprintf("auto-rejected: entity reclassified as %s, suggestion no longer applies", newType)
	for _, other := range pending {
		if other.ID == a.item.ID {
			continue
		}
		err := a.tx.ResolveReviewItem(ctx, other.ID, types.ReviewRejected, nil, note, a.req.ResolvedBy)
		if err != nil {
			return err
		}
		a.effects.AutoRejectedReviewIDs = append(a.effects.AutoRejectedReviewIDs, other.ID)
	}
	return nil
}

// applyAssignment sets or clears one reference field. Accepting applies the
// AI suggestion (a null id clears), modifying applies the user's value, and
// rejecting clears the field.
func (a *applier) applyAssignment(ctx context.Context, field string) error {
	entityID := *a.item.EntityID

	var target *string
	detail := "cleared"
	if a.req.Status != types.ReviewRejected {
		var s types.AssignmentSuggestion
		if err := json.Unmarshal(effectiveSuggestion(a.item, a.req), &s); err != nil {
			return fmt.Errorf("%w: decode assignment suggestion: %v", storage.ErrValidation, err)
		}
		resolved, err := a.resolveAssignmentTarget(ctx, field, s)
		if err != nil {
			return err
		}
		target = resolved
		if target != nil {
			detail = "set to " + *target
		}
	}

	updates := map[string]interface{}{field: target}
	if field == "epic_id" && target != nil {
		// Keep the entity inside the epic's project.
		epic, err := a.tx.GetEpic(ctx, *target)
		if err != nil {
			return err
		}
		updates["project_id"] = epic.ProjectID
	}
	if err := a.updateEntity(ctx, entityID, updates); err != nil {
		return err
	}
	return a.audit(ctx, entityID, fmt.Sprintf("%s %s", field, detail))
}

// resolveAssignmentTarget validates the suggested reference. Assignee items
// raised at extraction time carry only the person's name as written in the
// note; accepting one resolves the name against known users and fails
// validation when nobody matches, steering the reviewer toward a modified
// resolution with an explicit user id.
func (a *applier) resolveAssignmentTarget(ctx context.Context, field string, s types.AssignmentSuggestion) (*string, error) {
	if s.ID == nil {
		if field == "assignee_id" && s.Name != "" {
			user, err := a.tx.GetUserByName(ctx, s.Name)
			if storage.IsNotFound(err) {
				return nil, fmt.Errorf("%w: no user matches %q; resolve with modify and a user id", storage.ErrValidation, s.Name)
			}
			if err != nil {
				return nil, err
			}
			return &user.ID, nil
		}
		return nil, nil
	}

	switch field {
	case "project_id":
		if _, err := a.tx.GetProject(ctx, *s.ID); err != nil {
			return nil, err
		}
	case "epic_id":
		if _, err := a.tx.GetEpic(ctx, *s.ID); err != nil {
			return nil, err
		}
	case "assignee_id":
		if _, err := a.tx.GetUser(ctx, *s.ID); err != nil {
			return nil, err
		}
	}
	return s.ID, nil
}

// applyDuplicate creates the duplicate_of edge named by the suggestion.
// Idempotent: an existing identical edge is fine.
func (a *applier) applyDuplicate(ctx context.Context) error {
	entityID := *a.item.EntityID
	if a.req.Status == types.ReviewRejected {
		return a.audit(ctx, entityID, "duplicate suggestion discarded")
	}

	var s types.DuplicateSuggestion
	if err := json.Unmarshal(effectiveSuggestion(a.item, a.req), &s); err != nil {
		return fmt.Errorf("%w: decode duplicate suggestion: %v", storage.ErrValidation, err)
	}
	if s.Best.EntityID == "" {
		return fmt.Errorf("%w: duplicate suggestion names no entity", storage.ErrValidation)
	}
	if _, err := a.tx.GetEntity(ctx, s.Best.EntityID); err != nil {
		return err
	}

	rel := &types.Relationship{
		SourceID: entityID,
		TargetID: s.Best.EntityID,
		Type:     types.RelDuplicateOf,
	}
	created, err := a.tx.AddRelationship(ctx, rel)
	if err != nil {
		return err
	}
	if created {
		a.effects.CreatedRelationship = rel
	} else {
		debug.Logf("review: duplicate edge %s -> %s already exists", entityID, s.Best.EntityID)
	}
	return a.audit(ctx, entityID, "confirmed duplicate of "+s.Best.EntityID)
}

// applyEpicCreation creates the suggested epic and synthesizes a pending
// epic_assignment item per candidate entity, so each assignment still passes
// through human or automatic confirmation instead of being bulk-applied.
func (a *applier) applyEpicCreation(ctx context.Context) error {
	if a.req.Status == types.ReviewRejected {
		return nil
	}

	var s types.EpicCreationSuggestion
	if err := json.Unmarshal(effectiveSuggestion(a.item, a.req), &s); err != nil {
		return fmt.Errorf("%w: decode epic creation suggestion: %v", storage.ErrValidation, err)
	}
	projectID := s.ProjectID
	if projectID == "" && a.item.ProjectID != nil {
		projectID = *a.item.ProjectID
	}
	project, err := a.tx.GetProject(ctx, projectID)
	if err != nil {
		return err
	}

	epic := &types.Epic{
		ProjectID:   project.ID,
		Name:        strings.TrimSpace(s.Name),
		Description: s.Description,
		Origin:      types.OriginSuggested,
	}
	if err := a.tx.CreateEpic(ctx, epic, a.req.ResolvedBy); err != nil {
		return err
	}
	a.effects.CreatedEpic = epic

	for _, entityID := range s.EntityIDs {
		if _, err := a.tx.GetEntity(ctx, entityID); err != nil {
			if storage.IsNotFound(err) {
				debug.Logf("review: epic candidate %s is gone, skipping follow-up", entityID)
				continue
			}
			return err
		}
		suggestion, err := json.Marshal(types.AssignmentSuggestion{ID: &epic.ID})
		if err != nil {
			return err
		}
		if err := a.createFollowUp(ctx, &types.ReviewItem{
			Type:       types.ReviewEpicAssignment,
			EntityID:   types.StrPtr(entityID),
			Suggestion: suggestion,
			Confidence: a.item.Confidence,
			Reason:     fmt.Sprintf("epic %q created from review %s", epic.Name, a.item.ID),
		}); err != nil {
			return err
		}
	}
	return nil
}

// applyProjectCreation creates the suggested project; for every candidate
// entity, any stale pending project_assignment item is superseded by a fresh
// one pointing at the new project.
func (a *applier) applyProjectCreation(ctx context.Context) error {
	if a.req.Status == types.ReviewRejected {
		return nil
	}

	var s types.ProjectCreationSuggestion
	if err := json.Unmarshal(effectiveSuggestion(a.item, a.req), &s); err != nil {
		return fmt.Errorf("%w: decode project creation suggestion: %v", storage.ErrValidation, err)
	}

	name := strings.TrimSpace(s.Name)
	existing, err := a.tx.GetProjectByName(ctx, name)
	if err != nil && !storage.IsNotFound(err) {
		return err
	}
	if existing != nil {
		return fmt.Errorf("project %q already exists as %s: %w", name, existing.ID, storage.ErrConflict)
	}

	project := &types.Project{
		Name:        name,
		Description: s.Description,
		Origin:      types.OriginSuggested,
	}
	if err := a.tx.CreateProject(ctx, project, a.req.ResolvedBy); err != nil {
		return err
	}
	a.effects.CreatedProject = project

	for _, entityID := range s.EntityIDs {
		if _, err := a.tx.GetEntity(ctx, entityID); err != nil {
			if storage.IsNotFound(err) {
				debug.Logf("review: project candidate %s is gone, skipping follow-up", entityID)
				continue
			}
			return err
		}
		deleted, err := a.tx.DeletePendingReviews(ctx, entityID, types.ReviewProjectAssignment)
		if err != nil {
			return err
		}
		a.effects.SupersededReviews += deleted

		suggestion, err := json.Marshal(types.AssignmentSuggestion{ID: &project.ID})
		if err != nil {
			return err
		}
		if err := a.createFollowUp(ctx, &types.ReviewItem{
			Type:       types.ReviewProjectAssignment,
			EntityID:   types.StrPtr(entityID),
			Suggestion: suggestion,
			Confidence: a.item.Confidence,
			Reason:     fmt.Sprintf("project %q created from review %s", name, a.item.ID),
		}); err != nil {
			return err
		}
	}
	return nil
}

// updateEntity applies field updates and tracks the entity as touched.
func (a *applier) updateEntity(ctx context.Context, entityID string, updates map[string]interface{}) error {
	if err := a.tx.UpdateEntity(ctx, entityID, updates, a.req.ResolvedBy); err != nil {
		return err
	}
	for _, id := range a.effects.UpdatedEntityIDs {
		if id == entityID {
			return nil
		}
	}
	a.effects.UpdatedEntityIDs = append(a.effects.UpdatedEntityIDs, entityID)
	return nil
}

// createFollowUp inserts a synthesized pending item, tolerating collapse
// into an equivalent one.
func (a *applier) createFollowUp(ctx context.Context, item *types.ReviewItem) error {
	created, err := a.tx.CreateReviewItem(ctx, item)
	if err != nil {
		return err
	}
	if created {
		a.effects.CreatedReviews = append(a.effects.CreatedReviews, item)
	}
	return nil
}

// audit appends a review_resolution event describing the change and its
// cause to the entity's trail.
func (a *applier) audit(ctx context.Context, entityID, detail string) error {
	return a.tx.AddEntityEvent(ctx, &types.EntityEvent{
		EntityID: entityID,
		Type:     types.EventReviewResolution,
		Actor:    a.req.ResolvedBy,
		Comment:  auditComment(a.item, a.req, detail),
	})
}
