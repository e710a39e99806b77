// Package organize implements the second pipeline stage: placing freshly
// extracted entities into the existing workspace. The oracle proposes a
// project, epic, assignee, and duplicate candidates per entity, plus epic and
// project creation suggestions; every dimension is gated independently on the
// confidence threshold and either applied directly or deferred to the review
// queue. The whole batch applies in one transaction: a partial apply would
// leave the queue and the entity state telling different stories.
package organize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jotworks/jot/internal/debug"
	"github.com/jotworks/jot/internal/notify"
	"github.com/jotworks/jot/internal/oracle"
	"github.com/jotworks/jot/internal/pipeline"
	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/types"
)

// DefaultActor is recorded on audit events written by the stage.
const DefaultActor = "oracle"

// Stage runs organization for one extracted batch at a time.
type Stage struct {
	Store    storage.Storage
	Oracle   oracle.Client
	Notifier *notify.Notifier
	Config   pipeline.Config
	Actor    string
}

// Result summarizes one organization run.
type Result struct {
	NoteID           string
	UpdatedEntityIDs []string
	CreatedReviews   []*types.ReviewItem
	CreatedProjects  []*types.Project
	CreatedEpics     []*types.Epic
	NewRelationships int
	// AffectedProjectIDs are projects whose aggregate counts may have
	// changed, for stats-updated events.
	AffectedProjectIDs []string
}

// OrganizeNote assembles workspace context, asks the oracle for a placement
// plan, and applies it under the confidence policy in a single transaction.
// An empty id list is a no-op. Safe to re-run: direct writes skip unchanged
// values, relationship inserts tolerate existing edges, and review items
// collapse into any equivalent pending item.
func (s *Stage) OrganizeNote(ctx context.Context, noteID string, entityIDs []string) (*Result, error) {
	if len(entityIDs) == 0 {
		return &Result{NoteID: noteID}, nil
	}

	req, err := s.assembleContext(ctx, noteID, entityIDs)
	if err != nil {
		return nil, fmt.Errorf("organize note %s: %w", noteID, err)
	}
	if len(req.Entities) == 0 {
		debug.Logf("organize: note %s batch is gone, nothing to place", noteID)
		return &Result{NoteID: noteID}, nil
	}

	plan, err := s.Oracle.Organize(ctx, req)
	if err != nil {
		s.recordFailure(ctx, noteID, err)
		return nil, fmt.Errorf("organize note %s: %w", noteID, err)
	}

	result := &Result{NoteID: noteID}
	a := &applier{stage: s, noteID: noteID, batch: req.Entities, result: result}
	err = s.Store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		a.tx = tx
		if err := a.applyPlacements(ctx, plan.Placements); err != nil {
			return err
		}
		if err := a.applyEpicProposals(ctx, plan.EpicSuggestions); err != nil {
			return err
		}
		return a.applyProjectProposals(ctx, plan.ProjectSuggestions)
	})
	if err != nil {
		s.recordFailure(ctx, noteID, err)
		return nil, fmt.Errorf("organize note %s: %w", noteID, err)
	}

	a.finish()
	s.publishEvents(ctx, result)
	return result, nil
}

// assembleContext loads everything the oracle needs, read-only and outside
// any transaction: the batch with tags, active projects and their epics, the
// recent-entity sample for duplicate comparison, and the known users.
// Batch entities that vanished since extraction are dropped here, so request
// indices and response indices always refer to the same compacted list.
func (s *Stage) assembleContext(ctx context.Context, noteID string, entityIDs []string) (*oracle.OrganizationRequest, error) {
	req := &oracle.OrganizationRequest{NoteID: noteID}

	for _, id := range entityIDs {
		entity, err := s.Store.GetEntity(ctx, id)
		if err != nil {
			if storage.IsNotFound(err) {
				debug.Logf("organize: note %s entity %s is gone, dropping from batch", noteID, id)
				continue
			}
			return nil, err
		}
		if entity.IsDeleted() {
			continue
		}
		tags, err := s.Store.GetEntityTags(ctx, id)
		if err != nil {
			return nil, err
		}
		entity.Tags = tags
		req.Entities = append(req.Entities, entity)
	}

	projects, err := s.Store.ListProjects(ctx, false)
	if err != nil {
		return nil, err
	}
	req.Projects = projects
	for _, p := range projects {
		epics, err := s.Store.ListEpics(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		req.Epics = append(req.Epics, epics...)
	}

	limit := s.Config.RecentSampleLimit
	if limit <= 0 {
		limit = pipeline.DefaultRecentSampleLimit
	}
	recent, err := s.Store.ListRecentEntities(ctx, limit, entityIDs)
	if err != nil {
		return nil, err
	}
	req.Recent = recent

	users, err := s.Store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	req.Users = users

	return req, nil
}

// publishEvents emits post-commit notifications. Best effort by contract.
func (s *Stage) publishEvents(ctx context.Context, result *Result) {
	if s.Notifier == nil {
		return
	}
	for _, id := range result.UpdatedEntityIDs {
		s.Notifier.Publish(ctx, &notify.Event{Type: notify.EventEntityUpdated, NoteID: result.NoteID, EntityID: id})
	}
	for _, item := range result.CreatedReviews {
		ev := &notify.Event{
			Type:       notify.EventReviewCreated,
			NoteID:     result.NoteID,
			ReviewID:   item.ID,
			ReviewType: string(item.Type),
		}
		if item.EntityID != nil {
			ev.EntityID = *item.EntityID
		}
		s.Notifier.Publish(ctx, ev)
	}
	for _, p := range result.CreatedProjects {
		s.Notifier.Publish(ctx, &notify.Event{Type: notify.EventProjectCreated, NoteID: result.NoteID, ProjectID: p.ID})
	}
	for _, e := range result.CreatedEpics {
		s.Notifier.Publish(ctx, &notify.Event{Type: notify.EventEpicCreated, NoteID: result.NoteID, ProjectID: e.ProjectID, EpicID: e.ID})
	}
	for _, id := range result.AffectedProjectIDs {
		s.Notifier.Publish(ctx, &notify.Event{Type: notify.EventProjectStatsUpdated, ProjectID: id})
	}
}

// recordFailure writes the failure message onto the note for operator
// diagnosis. The note is already extracted, so the processed flag stays set:
// only organization needs to run again. Best effort: the original error is
// what matters.
func (s *Stage) recordFailure(ctx context.Context, noteID string, cause error) {
	if errors.Is(cause, context.Canceled) {
		return
	}
	err := s.Store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.RecordNoteError(ctx, noteID, cause.Error())
	})
	if err != nil {
		debug.Logf("organize: could not record failure on note %s: %v", noteID, err)
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

// applier carries the per-run apply state through the transaction.
type applier struct {
	stage  *Stage
	tx     storage.Transaction
	noteID string
	batch  []*types.Entity
	result *Result

	updated          map[string]bool
	affectedProjects map[string]bool
}

// dimension is one confidence-gated reference field.
type dimension struct {
	name       string // update key: project_id, epic_id, assignee_id
	reviewType types.ReviewType
}

var (
	dimProject  = dimension{"project_id", types.ReviewProjectAssignment}
	dimEpic     = dimension{"epic_id", types.ReviewEpicAssignment}
	dimAssignee = dimension{"assignee_id", types.ReviewAssigneeSuggestion}
)

// applyPlacements walks the per-entity plan. Placement indices outside the
// batch are hallucinated and skipped.
func (a *applier) applyPlacements(ctx context.Context, placements []oracle.EntityPlacement) error {
	for _, p := range placements {
		if p.Index < 0 || p.Index >= len(a.batch) {
			debug.Logf("organize: note %s placement index %d outside batch of %d, skipping",
				a.noteID, p.Index, len(a.batch))
			continue
		}
		entity := a.batch[p.Index]

		if err := a.applyAssignment(ctx, entity, dimProject, p.Project); err != nil {
			return err
		}
		if err := a.applyAssignment(ctx, entity, dimEpic, p.Epic); err != nil {
			return err
		}
		if err := a.applyAssignment(ctx, entity, dimAssignee, p.Assignee); err != nil {
			return err
		}
		if err := a.applyDuplicates(ctx, entity, p.Duplicates); err != nil {
			return err
		}
	}
	return nil
}

// applyAssignment applies one reference suggestion under the confidence
// policy:
//
//   - non-null at or above threshold: write the field when it differs
//   - non-null below threshold: defer to a review item
//   - null with nonzero confidence: still review-worthy, the oracle is
//     saying "I looked and found no fit"
//   - null with exactly zero confidence: noise, suppressed
//
// A suggestion naming an id that does not exist in the workspace is
// hallucinated and skipped entirely; a review item pointing at nothing
// would be unresolvable.
func (a *applier) applyAssignment(ctx context.Context, entity *types.Entity, dim dimension, sug oracle.Assignment) error {
	if sug.ID == nil {
		if sug.Confidence == 0 {
			return nil
		}
		return a.deferAssignment(ctx, entity, dim, sug)
	}

	updates, err := a.resolveAssignment(ctx, entity, dim, *sug.ID)
	if err != nil {
		return err
	}
	if updates == nil {
		// hallucinated reference, already logged
		return nil
	}

	if sug.Confidence < a.threshold() {
		return a.deferAssignment(ctx, entity, dim, sug)
	}
	if len(updates) == 0 {
		// already holds the suggested value
		return nil
	}
	return a.updateEntity(ctx, entity, updates, fmt.Sprintf("%s set by organization (confidence %.2f)", dim.name, sug.Confidence))
}

// resolveAssignment verifies the referenced row exists and builds the update
// map. Returns nil for hallucinated references and an empty map when the
// entity already carries the value. Assigning an epic also pulls the entity
// into the epic's project so the two fields cannot disagree.
func (a *applier) resolveAssignment(ctx context.Context, entity *types.Entity, dim dimension, id string) (map[string]interface{}, error) {
	switch dim.name {
	case "project_id":
		project, err := a.tx.GetProject(ctx, id)
		if err != nil {
			return a.skipHallucinated(dim, id, err)
		}
		if project.IsDeleted() {
			return a.skipHallucinated(dim, id, nil)
		}
		if entity.ProjectID != nil && *entity.ProjectID == id {
			return map[string]interface{}{}, nil
		}
		a.trackProject(entity.ProjectID)
		a.trackProject(&id)
		return map[string]interface{}{"project_id": id}, nil
	case "epic_id":
		epic, err := a.tx.GetEpic(ctx, id)
		if err != nil {
			return a.skipHallucinated(dim, id, err)
		}
		if entity.EpicID != nil && *entity.EpicID == id {
			return map[string]interface{}{}, nil
		}
		updates := map[string]interface{}{"epic_id": id}
		if entity.ProjectID == nil || *entity.ProjectID != epic.ProjectID {
			updates["project_id"] = epic.ProjectID
			a.trackProject(entity.ProjectID)
		}
		a.trackProject(&epic.ProjectID)
		return updates, nil
	case "assignee_id":
		if _, err := a.tx.GetUser(ctx, id); err != nil {
			return a.skipHallucinated(dim, id, err)
		}
		if entity.AssigneeID != nil && *entity.AssigneeID == id {
			return map[string]interface{}{}, nil
		}
		return map[string]interface{}{"assignee_id": id}, nil
	}
	return nil, fmt.Errorf("unknown assignment dimension %q", dim.name)
}

func (a *applier) skipHallucinated(dim dimension, id string, err error) (map[string]interface{}, error) {
	if err != nil && !storage.IsNotFound(err) {
		return nil, err
	}
	debug.Logf("organize: note %s suggested %s %q does not exist, skipping", a.noteID, dim.name, id)
	return nil, nil
}

// deferAssignment raises the review item for a low-confidence or no-match
// suggestion.
func (a *applier) deferAssignment(ctx context.Context, entity *types.Entity, dim dimension, sug oracle.Assignment) error {
	suggestion, err := json.Marshal(types.AssignmentSuggestion{ID: sug.ID})
	if err != nil {
		return err
	}
	return a.createReview(ctx, &types.ReviewItem{
		Type:       dim.reviewType,
		EntityID:   &entity.ID,
		Suggestion: suggestion,
		Confidence: sug.Confidence,
		Reason:     sug.Reason,
	})
}

// applyDuplicates acts on the highest-similarity valid candidate: at or
// above threshold the duplicate_of edge is created directly (tolerating an
// existing edge), below it the full candidate list goes to review.
// Candidates naming unknown or deleted entities, or the entity itself, are
// hallucinated and dropped.
func (a *applier) applyDuplicates(ctx context.Context, entity *types.Entity, candidates []types.DuplicateCandidate) error {
	var valid []types.DuplicateCandidate
	for _, c := range candidates {
		if c.EntityID == entity.ID {
			continue
		}
		target, err := a.tx.GetEntity(ctx, c.EntityID)
		if err != nil {
			if storage.IsNotFound(err) {
				debug.Logf("organize: note %s duplicate candidate %q does not exist, skipping", a.noteID, c.EntityID)
				continue
			}
			return err
		}
		if target.IsDeleted() {
			continue
		}
		valid = append(valid, c)
	}
	if len(valid) == 0 {
		return nil
	}

	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Similarity > valid[j].Similarity })
	best := valid[0]

	if best.Similarity >= a.threshold() {
		created, err := a.tx.AddRelationship(ctx, &types.Relationship{
			SourceID: entity.ID,
			TargetID: best.EntityID,
			Type:     types.RelDuplicateOf,
		})
		if err != nil {
			return err
		}
		if created {
			a.result.NewRelationships++
			err := a.tx.AddEntityEvent(ctx, &types.EntityEvent{
				EntityID: entity.ID,
				Type:     types.EventOrganized,
				Actor:    a.stage.actor(),
				Comment:  types.StrPtr(fmt.Sprintf("marked duplicate of %s (similarity %.2f)", best.EntityID, best.Similarity)),
			})
			if err != nil {
				return err
			}
		}
		return nil
	}

	suggestion, err := json.Marshal(types.DuplicateSuggestion{Best: best, Candidates: valid})
	if err != nil {
		return err
	}
	return a.createReview(ctx, &types.ReviewItem{
		Type:       types.ReviewDuplicateDetection,
		EntityID:   &entity.ID,
		Suggestion: suggestion,
		Confidence: best.Similarity,
		Reason:     best.Reason,
	})
}

// applyEpicProposals creates or defers suggested epics. A proposal naming an
// unknown or deleted project is hallucinated and skipped; a name collision
// with an existing epic in the project is skipped the way project creation
// skips existing names. Auto-creation requires threshold confidence and at
// least one surviving candidate entity, which are reassigned directly.
func (a *applier) applyEpicProposals(ctx context.Context, proposals []oracle.EpicProposal) error {
	for _, prop := range proposals {
		project, err := a.tx.GetProject(ctx, prop.ProjectID)
		if err != nil {
			if storage.IsNotFound(err) {
				debug.Logf("organize: note %s epic proposal names unknown project %q, skipping", a.noteID, prop.ProjectID)
				continue
			}
			return err
		}
		if project.IsDeleted() {
			continue
		}

		candidates := a.resolveIndices(prop.Indices)

		if prop.Confidence >= a.threshold() && len(candidates) > 0 {
			existing, err := a.tx.GetEpicByName(ctx, project.ID, prop.Name)
			if err != nil && !storage.IsNotFound(err) {
				return err
			}
			if existing != nil {
				debug.Logf("organize: note %s epic %q already exists in project %s, skipping proposal",
					a.noteID, prop.Name, project.ID)
				continue
			}
			epic := &types.Epic{
				ProjectID:    project.ID,
				Name:         strings.TrimSpace(prop.Name),
				Description:  prop.Description,
				Origin:       types.OriginSuggested,
				SourceNoteID: &a.noteID,
			}
			if err := a.tx.CreateEpic(ctx, epic, a.stage.actor()); err != nil {
				return err
			}
			a.result.CreatedEpics = append(a.result.CreatedEpics, epic)
			a.trackProject(&project.ID)

			for _, entity := range candidates {
				updates := map[string]interface{}{"epic_id": epic.ID}
				if entity.ProjectID == nil || *entity.ProjectID != project.ID {
					updates["project_id"] = project.ID
					a.trackProject(entity.ProjectID)
				}
				reason := fmt.Sprintf("moved into new epic %q (confidence %.2f)", epic.Name, prop.Confidence)
				if err := a.updateEntity(ctx, entity, updates, reason); err != nil {
					return err
				}
			}
			continue
		}

		suggestion, err := json.Marshal(types.EpicCreationSuggestion{
			ProjectID:   project.ID,
			Name:        strings.TrimSpace(prop.Name),
			Description: prop.Description,
			EntityIDs:   entityIDs(candidates),
		})
		if err != nil {
			return err
		}
		err = a.createReview(ctx, &types.ReviewItem{
			Type:       types.ReviewEpicCreation,
			ProjectID:  &project.ID,
			Suggestion: suggestion,
			Confidence: prop.Confidence,
			Reason:     prop.Reason,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// applyProjectProposals creates or defers suggested projects. Proposals
// colliding case-insensitively with an existing live project are dropped
// outright, and a proposal with no surviving candidate entities is dropped
// too: a project nothing would live in is not worth creating or reviewing.
// Deferred proposals dedupe against pending project_creation items by
// lowercased name inside the store.
func (a *applier) applyProjectProposals(ctx context.Context, proposals []oracle.ProjectProposal) error {
	for _, prop := range proposals {
		name := strings.TrimSpace(prop.Name)

		existing, err := a.tx.GetProjectByName(ctx, name)
		if err != nil && !storage.IsNotFound(err) {
			return err
		}
		if existing != nil {
			debug.Logf("organize: note %s project %q already exists as %s, skipping proposal",
				a.noteID, name, existing.ID)
			continue
		}

		candidates := a.resolveIndices(prop.Indices)
		if len(candidates) == 0 {
			debug.Logf("organize: note %s project proposal %q has no candidate entities, skipping", a.noteID, name)
			continue
		}

		if prop.Confidence >= a.threshold() {
			project := &types.Project{
				Name:         name,
				Description:  prop.Description,
				Origin:       types.OriginSuggested,
				SourceNoteID: &a.noteID,
			}
			if err := a.tx.CreateProject(ctx, project, a.stage.actor()); err != nil {
				return err
			}
			a.result.CreatedProjects = append(a.result.CreatedProjects, project)
			a.trackProject(&project.ID)

			for _, entity := range candidates {
				a.trackProject(entity.ProjectID)
				reason := fmt.Sprintf("assigned to new project %q (confidence %.2f)", name, prop.Confidence)
				err := a.updateEntity(ctx, entity, map[string]interface{}{"project_id": project.ID}, reason)
				if err != nil {
					return err
				}
			}
			continue
		}

		suggestion, err := json.Marshal(types.ProjectCreationSuggestion{
			Name:        name,
			Description: prop.Description,
			EntityIDs:   entityIDs(candidates),
		})
		if err != nil {
			return err
		}
		err = a.createReview(ctx, &types.ReviewItem{
			Type:       types.ReviewProjectCreation,
			EntityID:   &candidates[0].ID,
			Suggestion: suggestion,
			Confidence: prop.Confidence,
			Reason:     prop.Reason,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// resolveIndices maps batch indices to entities, dropping out-of-range ones.
func (a *applier) resolveIndices(indices []int) []*types.Entity {
	var out []*types.Entity
	seen := make(map[int]bool)
	for _, idx := range indices {
		if idx < 0 || idx >= len(a.batch) || seen[idx] {
			if !seen[idx] {
				debug.Logf("organize: note %s proposal index %d outside batch of %d, skipping",
					a.noteID, idx, len(a.batch))
			}
			continue
		}
		seen[idx] = true
		out = append(out, a.batch[idx])
	}
	return out
}

// updateEntity applies the field updates, refreshes the in-memory copy so
// later steps see them, and records one organized audit event.
func (a *applier) updateEntity(ctx context.Context, entity *types.Entity, updates map[string]interface{}, reason string) error {
	if err := a.tx.UpdateEntity(ctx, entity.ID, updates, a.stage.actor()); err != nil {
		return err
	}
	for key, value := range updates {
		id, _ := value.(string)
		switch key {
		case "project_id":
			entity.ProjectID = &id
		case "epic_id":
			entity.EpicID = &id
		case "assignee_id":
			entity.AssigneeID = &id
		}
	}
	err := a.tx.AddEntityEvent(ctx, &types.EntityEvent{
		EntityID: entity.ID,
		Type:     types.EventOrganized,
		Actor:    a.stage.actor(),
		Comment:  &reason,
	})
	if err != nil {
		return err
	}
	if a.updated == nil {
		a.updated = make(map[string]bool)
	}
	if !a.updated[entity.ID] {
		a.updated[entity.ID] = true
		a.result.UpdatedEntityIDs = append(a.result.UpdatedEntityIDs, entity.ID)
	}
	return nil
}

// createReview inserts the item unless it collapsed into an existing pending
// one.
func (a *applier) createReview(ctx context.Context, item *types.ReviewItem) error {
	created, err := a.tx.CreateReviewItem(ctx, item)
	if err != nil {
		return err
	}
	if created {
		a.result.CreatedReviews = append(a.result.CreatedReviews, item)
	}
	return nil
}

// trackProject marks a project's aggregates as possibly changed.
func (a *applier) trackProject(id *string) {
	if id == nil || *id == "" {
		return
	}
	if a.affectedProjects == nil {
		a.affectedProjects = make(map[string]bool)
	}
	a.affectedProjects[*id] = true
}

// finish materializes the affected-project set in stable order.
func (a *applier) finish() {
	for id := range a.affectedProjects {
		a.result.AffectedProjectIDs = append(a.result.AffectedProjectIDs, id)
	}
	sort.Strings(a.result.AffectedProjectIDs)
}

func (a *applier) threshold() float64 {
	return a.stage.Config.ConfidenceThreshold
}

func entityIDs(entities []*types.Entity) []string {
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	return ids
}
