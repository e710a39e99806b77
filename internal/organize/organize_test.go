package organize

import (
	"context"
	"errors"
	"testing"

	"github.com/jotworks/jot/internal/oracle"
	"github.com/jotworks/jot/internal/pipeline"
	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/storage/sqlite"
	"github.com/jotworks/jot/internal/types"
)

type fixture struct {
	store *sqlite.Store
	note  *types.RawNote
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, ":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.SetConfig(ctx, "id_prefix", "jot"); err != nil {
		t.Fatalf("Failed to set id prefix: %v", err)
	}
	note := &types.RawNote{Content: "organize me", Source: types.SourceCLI}
	if err := store.CreateNote(ctx, note); err != nil {
		t.Fatalf("Failed to create note: %v", err)
	}
	return &fixture{store: store, note: note}
}

func (f *fixture) entity(t *testing.T, content string) *types.Entity {
	t.Helper()
	entity := &types.Entity{Type: types.TypeTask, Content: content, Confidence: 0.9}
	err := f.store.RunInTransaction(context.Background(), func(tx storage.Transaction) error {
		if err := tx.CreateEntity(context.Background(), entity, "test"); err != nil {
			return err
		}
		return tx.LinkEntityToNote(context.Background(), entity.ID, f.note.ID)
	})
	if err != nil {
		t.Fatalf("Failed to create entity: %v", err)
	}
	return entity
}

func (f *fixture) project(t *testing.T, name string) *types.Project {
	t.Helper()
	project := &types.Project{Name: name, Origin: types.OriginHuman}
	err := f.store.RunInTransaction(context.Background(), func(tx storage.Transaction) error {
		return tx.CreateProject(context.Background(), project, "test")
	})
	if err != nil {
		t.Fatalf("Failed to create project: %v", err)
	}
	return project
}

func (f *fixture) epic(t *testing.T, projectID, name string) *types.Epic {
	t.Helper()
	epic := &types.Epic{ProjectID: projectID, Name: name, Origin: types.OriginHuman}
	err := f.store.RunInTransaction(context.Background(), func(tx storage.Transaction) error {
		return tx.CreateEpic(context.Background(), epic, "test")
	})
	if err != nil {
		t.Fatalf("Failed to create epic: %v", err)
	}
	return epic
}

func (f *fixture) user(t *testing.T, name string) *types.User {
	t.Helper()
	user := &types.User{Name: name}
	err := f.store.RunInTransaction(context.Background(), func(tx storage.Transaction) error {
		return tx.CreateUser(context.Background(), user)
	})
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	return user
}

func (f *fixture) stage(plan *oracle.OrganizationResult) *Stage {
	return &Stage{
		Store: f.store,
		Oracle: oracle.Func{OrganizeFunc: func(context.Context, *oracle.OrganizationRequest) (*oracle.OrganizationResult, error) {
			return plan, nil
		}},
		Config: pipeline.Default(),
	}
}

func pendingReviews(t *testing.T, store *sqlite.Store, entityID string) []*types.ReviewItem {
	t.Helper()
	status := types.ReviewPending
	items, err := store.ListReviewItems(context.Background(), types.ReviewFilter{Status: &status, EntityID: entityID})
	if err != nil {
		t.Fatalf("ListReviewItems failed: %v", err)
	}
	return items
}

func TestOrganizeAppliesConfidentAssignments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entity := f.entity(t, "Wire up the payments webhook")
	project := f.project(t, "Payments")
	epic := f.epic(t, project.ID, "Webhooks")
	user := f.user(t, "dana")

	plan := &oracle.OrganizationResult{
		Placements: []oracle.EntityPlacement{{
			Index:    0,
			Project:  oracle.Assignment{ID: &project.ID, Confidence: 0.95},
			Epic:     oracle.Assignment{ID: &epic.ID, Confidence: 0.9},
			Assignee: oracle.Assignment{ID: &user.ID, Confidence: 0.85},
		}},
	}
	result, err := f.stage(plan).OrganizeNote(ctx, f.note.ID, []string{entity.ID})
	if err != nil {
		t.Fatalf("OrganizeNote failed: %v", err)
	}
	if len(result.UpdatedEntityIDs) != 1 || result.UpdatedEntityIDs[0] != entity.ID {
		t.Errorf("Expected entity updated, got %v", result.UpdatedEntityIDs)
	}
	if len(result.CreatedReviews) != 0 {
		t.Errorf("Expected no review items, got %d", len(result.CreatedReviews))
	}

	got, err := f.store.GetEntity(ctx, entity.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.ProjectID == nil || *got.ProjectID != project.ID {
		t.Errorf("Expected project %s, got %v", project.ID, got.ProjectID)
	}
	if got.EpicID == nil || *got.EpicID != epic.ID {
		t.Errorf("Expected epic %s, got %v", epic.ID, got.EpicID)
	}
	if got.AssigneeID == nil || *got.AssigneeID != user.ID {
		t.Errorf("Expected assignee %s, got %v", user.ID, got.AssigneeID)
	}
}

func TestOrganizeDefersLowConfidenceAssignment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entity := f.entity(t, "Investigate login latency")
	project := f.project(t, "Auth")

	plan := &oracle.OrganizationResult{
		Placements: []oracle.EntityPlacement{{
			Index:   0,
			Project: oracle.Assignment{ID: &project.ID, Confidence: 0.6, Reason: "loosely related"},
		}},
	}
	result, err := f.stage(plan).OrganizeNote(ctx, f.note.ID, []string{entity.ID})
	if err != nil {
		t.Fatalf("OrganizeNote failed: %v", err)
	}
	if len(result.UpdatedEntityIDs) != 0 {
		t.Errorf("Expected no direct updates, got %v", result.UpdatedEntityIDs)
	}
	if len(result.CreatedReviews) != 1 {
		t.Fatalf("Expected 1 review item, got %d", len(result.CreatedReviews))
	}

	got, err := f.store.GetEntity(ctx, entity.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.ProjectID != nil {
		t.Errorf("Expected project unset, got %v", *got.ProjectID)
	}

	items := pendingReviews(t, f.store, entity.ID)
	if len(items) != 1 || items[0].Type != types.ReviewProjectAssignment {
		t.Fatalf("Expected pending project_assignment, got %+v", items)
	}
	var s types.AssignmentSuggestion
	if err := items[0].DecodeSuggestion(&s); err != nil {
		t.Fatalf("DecodeSuggestion failed: %v", err)
	}
	if s.ID == nil || *s.ID != project.ID {
		t.Errorf("Expected suggested project %s, got %+v", project.ID, s)
	}
}

func TestOrganizeNullSuggestionPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entity := f.entity(t, "Standalone chore")

	plan := &oracle.OrganizationResult{
		Placements: []oracle.EntityPlacement{{
			Index:    0,
			Project:  oracle.Assignment{Confidence: 0},                               // noise: suppressed
			Assignee: oracle.Assignment{Confidence: 0.5, Reason: "several contenders"}, // review-worthy
		}},
	}
	result, err := f.stage(plan).OrganizeNote(ctx, f.note.ID, []string{entity.ID})
	if err != nil {
		t.Fatalf("OrganizeNote failed: %v", err)
	}
	if len(result.CreatedReviews) != 1 {
		t.Fatalf("Expected exactly 1 review item, got %d", len(result.CreatedReviews))
	}
	if result.CreatedReviews[0].Type != types.ReviewAssigneeSuggestion {
		t.Errorf("Expected assignee_suggestion, got %s", result.CreatedReviews[0].Type)
	}
}

func TestOrganizeSkipsHallucinatedReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entity := f.entity(t, "Phantom placement")

	ghost := "proj-nope"
	plan := &oracle.OrganizationResult{
		Placements: []oracle.EntityPlacement{{
			Index:   0,
			Project: oracle.Assignment{ID: &ghost, Confidence: 0.95},
		}},
	}
	result, err := f.stage(plan).OrganizeNote(ctx, f.note.ID, []string{entity.ID})
	if err != nil {
		t.Fatalf("OrganizeNote failed: %v", err)
	}
	if len(result.UpdatedEntityIDs) != 0 || len(result.CreatedReviews) != 0 {
		t.Errorf("Expected hallucinated reference skipped entirely, got %+v", result)
	}
}

func TestOrganizeEpicAssignmentPullsProject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entity := f.entity(t, "Belongs in the epic")
	project := f.project(t, "Platform")
	epic := f.epic(t, project.ID, "Migrations")

	plan := &oracle.OrganizationResult{
		Placements: []oracle.EntityPlacement{{
			Index: 0,
			Epic:  oracle.Assignment{ID: &epic.ID, Confidence: 0.9},
		}},
	}
	if _, err := f.stage(plan).OrganizeNote(ctx, f.note.ID, []string{entity.ID}); err != nil {
		t.Fatalf("OrganizeNote failed: %v", err)
	}

	got, err := f.store.GetEntity(ctx, entity.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.EpicID == nil || *got.EpicID != epic.ID {
		t.Errorf("Expected epic %s, got %v", epic.ID, got.EpicID)
	}
	if got.ProjectID == nil || *got.ProjectID != project.ID {
		t.Errorf("Expected epic assignment to set project %s, got %v", project.ID, got.ProjectID)
	}
}

func TestOrganizeDuplicateBestCandidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entity := f.entity(t, "Fix the flaky login test")
	older := f.entity(t, "Login test is flaky")
	oldest := f.entity(t, "Tests are flaky sometimes")

	plan := &oracle.OrganizationResult{
		Placements: []oracle.EntityPlacement{{
			Index: 0,
			Duplicates: []types.DuplicateCandidate{
				{EntityID: oldest.ID, Similarity: 0.82},
				{EntityID: older.ID, Similarity: 0.93},
				{EntityID: "gone-id", Similarity: 0.99},
				{EntityID: entity.ID, Similarity: 1.0}, // self, dropped
			},
		}},
	}
	result, err := f.stage(plan).OrganizeNote(ctx, f.note.ID, []string{entity.ID})
	if err != nil {
		t.Fatalf("OrganizeNote failed: %v", err)
	}
	if result.NewRelationships != 1 {
		t.Fatalf("Expected 1 new edge, got %d", result.NewRelationships)
	}

	rels, err := f.store.GetRelationships(ctx, entity.ID)
	if err != nil {
		t.Fatalf("GetRelationships failed: %v", err)
	}
	if len(rels) != 1 || rels[0].Type != types.RelDuplicateOf || rels[0].TargetID != older.ID {
		t.Fatalf("Expected single duplicate_of edge to best valid candidate, got %+v", rels)
	}

	// Redelivery must not duplicate the edge.
	again, err := f.stage(plan).OrganizeNote(ctx, f.note.ID, []string{entity.ID})
	if err != nil {
		t.Fatalf("Second OrganizeNote failed: %v", err)
	}
	if again.NewRelationships != 0 {
		t.Errorf("Expected no new edges on rerun, got %d", again.NewRelationships)
	}
	rels, err = f.store.GetRelationships(ctx, entity.ID)
	if err != nil {
		t.Fatalf("GetRelationships failed: %v", err)
	}
	if len(rels) != 1 {
		t.Errorf("Expected edge count unchanged, got %d", len(rels))
	}
}

func TestOrganizeDuplicateBelowThresholdGoesToReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entity := f.entity(t, "Maybe a repeat")
	other := f.entity(t, "Possibly the same thing")

	plan := &oracle.OrganizationResult{
		Placements: []oracle.EntityPlacement{{
			Index: 0,
			Duplicates: []types.DuplicateCandidate{
				{EntityID: other.ID, Similarity: 0.74, Reason: "similar phrasing"},
			},
		}},
	}
	result, err := f.stage(plan).OrganizeNote(ctx, f.note.ID, []string{entity.ID})
	if err != nil {
		t.Fatalf("OrganizeNote failed: %v", err)
	}
	if result.NewRelationships != 0 {
		t.Errorf("Expected no direct edge, got %d", result.NewRelationships)
	}

	items := pendingReviews(t, f.store, entity.ID)
	if len(items) != 1 || items[0].Type != types.ReviewDuplicateDetection {
		t.Fatalf("Expected pending duplicate_detection, got %+v", items)
	}
	var s types.DuplicateSuggestion
	if err := items[0].DecodeSuggestion(&s); err != nil {
		t.Fatalf("DecodeSuggestion failed: %v", err)
	}
	if s.Best.EntityID != other.ID || len(s.Candidates) != 1 {
		t.Errorf("Unexpected suggestion %+v", s)
	}
}

func TestOrganizeEpicProposal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.entity(t, "Add exporter metrics")
	second := f.entity(t, "Document exporter setup")
	project := f.project(t, "Observability")

	t.Run("AutoCreate", func(t *testing.T) {
		plan := &oracle.OrganizationResult{
			EpicSuggestions: []oracle.EpicProposal{{
				ProjectID:  project.ID,
				Name:       "Exporter",
				Indices:    []int{0, 1, 9}, // 9 hallucinated
				Confidence: 0.9,
			}},
		}
		result, err := f.stage(plan).OrganizeNote(ctx, f.note.ID, []string{first.ID, second.ID})
		if err != nil {
			t.Fatalf("OrganizeNote failed: %v", err)
		}
		if len(result.CreatedEpics) != 1 {
			t.Fatalf("Expected 1 epic created, got %d", len(result.CreatedEpics))
		}
		epic := result.CreatedEpics[0]
		if epic.Origin != types.OriginSuggested || epic.SourceNoteID == nil || *epic.SourceNoteID != f.note.ID {
			t.Errorf("Expected suggested origin with note provenance, got %+v", epic)
		}
		for _, id := range []string{first.ID, second.ID} {
			got, err := f.store.GetEntity(ctx, id)
			if err != nil {
				t.Fatalf("GetEntity failed: %v", err)
			}
			if got.EpicID == nil || *got.EpicID != epic.ID {
				t.Errorf("Expected entity %s in epic, got %v", id, got.EpicID)
			}
			if got.ProjectID == nil || *got.ProjectID != project.ID {
				t.Errorf("Expected entity %s pulled into project, got %v", id, got.ProjectID)
			}
		}
	})

	t.Run("NameCollisionSkipped", func(t *testing.T) {
		plan := &oracle.OrganizationResult{
			EpicSuggestions: []oracle.EpicProposal{{
				ProjectID:  project.ID,
				Name:       "exporter", // case-insensitive clash with the epic above
				Indices:    []int{0},
				Confidence: 0.95,
			}},
		}
		result, err := f.stage(plan).OrganizeNote(ctx, f.note.ID, []string{first.ID})
		if err != nil {
			t.Fatalf("OrganizeNote failed: %v", err)
		}
		if len(result.CreatedEpics) != 0 || len(result.CreatedReviews) != 0 {
			t.Errorf("Expected colliding proposal dropped, got %+v", result)
		}
	})

	t.Run("BelowThresholdDefers", func(t *testing.T) {
		plan := &oracle.OrganizationResult{
			EpicSuggestions: []oracle.EpicProposal{{
				ProjectID:  project.ID,
				Name:       "Dashboards",
				Indices:    []int{0},
				Confidence: 0.5,
			}},
		}
		result, err := f.stage(plan).OrganizeNote(ctx, f.note.ID, []string{first.ID})
		if err != nil {
			t.Fatalf("OrganizeNote failed: %v", err)
		}
		if len(result.CreatedEpics) != 0 {
			t.Errorf("Expected no epic created, got %d", len(result.CreatedEpics))
		}
		if len(result.CreatedReviews) != 1 || result.CreatedReviews[0].Type != types.ReviewEpicCreation {
			t.Fatalf("Expected epic_creation review, got %+v", result.CreatedReviews)
		}
		item := result.CreatedReviews[0]
		if item.ProjectID == nil || *item.ProjectID != project.ID {
			t.Errorf("Expected review anchored to project, got %+v", item)
		}
		var s types.EpicCreationSuggestion
		if err := item.DecodeSuggestion(&s); err != nil {
			t.Fatalf("DecodeSuggestion failed: %v", err)
		}
		if s.Name != "Dashboards" || len(s.EntityIDs) != 1 || s.EntityIDs[0] != first.ID {
			t.Errorf("Unexpected suggestion %+v", s)
		}
	})
}

func TestOrganizeProjectProposal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.entity(t, "Spike the billing rewrite")
	second := f.entity(t, "List billing invariants")

	t.Run("AutoCreate", func(t *testing.T) {
		plan := &oracle.OrganizationResult{
			ProjectSuggestions: []oracle.ProjectProposal{{
				Name:       "Billing Rewrite",
				Indices:    []int{0, 1},
				Confidence: 0.9,
			}},
		}
		result, err := f.stage(plan).OrganizeNote(ctx, f.note.ID, []string{first.ID, second.ID})
		if err != nil {
			t.Fatalf("OrganizeNote failed: %v", err)
		}
		if len(result.CreatedProjects) != 1 {
			t.Fatalf("Expected 1 project created, got %d", len(result.CreatedProjects))
		}
		project := result.CreatedProjects[0]
		if project.Origin != types.OriginSuggested {
			t.Errorf("Expected suggested origin, got %s", project.Origin)
		}
		got, err := f.store.GetEntity(ctx, first.ID)
		if err != nil {
			t.Fatalf("GetEntity failed: %v", err)
		}
		if got.ProjectID == nil || *got.ProjectID != project.ID {
			t.Errorf("Expected entity assigned, got %v", got.ProjectID)
		}
	})

	t.Run("CaseInsensitiveCollisionSkipped", func(t *testing.T) {
		plan := &oracle.OrganizationResult{
			ProjectSuggestions: []oracle.ProjectProposal{{
				Name:       "billing rewrite",
				Indices:    []int{0},
				Confidence: 0.95,
			}},
		}
		result, err := f.stage(plan).OrganizeNote(ctx, f.note.ID, []string{first.ID})
		if err != nil {
			t.Fatalf("OrganizeNote failed: %v", err)
		}
		if len(result.CreatedProjects) != 0 || len(result.CreatedReviews) != 0 {
			t.Errorf("Expected colliding proposal dropped, got %+v", result)
		}
	})

	t.Run("NoCandidatesSkipped", func(t *testing.T) {
		plan := &oracle.OrganizationResult{
			ProjectSuggestions: []oracle.ProjectProposal{{
				Name:       "Orphan Project",
				Indices:    []int{42},
				Confidence: 0.99,
			}},
		}
		result, err := f.stage(plan).OrganizeNote(ctx, f.note.ID, []string{first.ID})
		if err != nil {
			t.Fatalf("OrganizeNote failed: %v", err)
		}
		if len(result.CreatedProjects) != 0 || len(result.CreatedReviews) != 0 {
			t.Errorf("Expected candidate-less proposal dropped, got %+v", result)
		}
	})

	t.Run("BelowThresholdDefers", func(t *testing.T) {
		plan := &oracle.OrganizationResult{
			ProjectSuggestions: []oracle.ProjectProposal{{
				Name:       "Maybe Later",
				Indices:    []int{0},
				Confidence: 0.4,
			}},
		}
		result, err := f.stage(plan).OrganizeNote(ctx, f.note.ID, []string{first.ID})
		if err != nil {
			t.Fatalf("OrganizeNote failed: %v", err)
		}
		if len(result.CreatedReviews) != 1 || result.CreatedReviews[0].Type != types.ReviewProjectCreation {
			t.Fatalf("Expected project_creation review, got %+v", result.CreatedReviews)
		}

		// Same proposal again collapses into the pending item.
		again, err := f.stage(plan).OrganizeNote(ctx, f.note.ID, []string{first.ID})
		if err != nil {
			t.Fatalf("Second OrganizeNote failed: %v", err)
		}
		if len(again.CreatedReviews) != 0 {
			t.Errorf("Expected rerun to dedupe against pending item, got %d", len(again.CreatedReviews))
		}
	})
}

func TestOrganizeEmptyBatch(t *testing.T) {
	f := newFixture(t)
	calls := 0
	stage := &Stage{
		Store: f.store,
		Oracle: oracle.Func{OrganizeFunc: func(context.Context, *oracle.OrganizationRequest) (*oracle.OrganizationResult, error) {
			calls++
			return &oracle.OrganizationResult{}, nil
		}},
		Config: pipeline.Default(),
	}

	result, err := stage.OrganizeNote(context.Background(), f.note.ID, nil)
	if err != nil {
		t.Fatalf("OrganizeNote failed: %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no oracle call for empty batch, got %d", calls)
	}
	if len(result.UpdatedEntityIDs) != 0 {
		t.Errorf("Expected empty result, got %+v", result)
	}

	// A batch whose entities all vanished is also a no-op.
	result, err = stage.OrganizeNote(context.Background(), f.note.ID, []string{"gone-1", "gone-2"})
	if err != nil {
		t.Fatalf("OrganizeNote failed: %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no oracle call for vanished batch, got %d", calls)
	}
}

func TestOrganizeCompactsVanishedEntities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	survivor := f.entity(t, "Still here")
	project := f.project(t, "Core")

	var batchSize int
	stage := &Stage{
		Store: f.store,
		Oracle: oracle.Func{OrganizeFunc: func(_ context.Context, req *oracle.OrganizationRequest) (*oracle.OrganizationResult, error) {
			batchSize = len(req.Entities)
			// Index 0 is the survivor after compaction.
			return &oracle.OrganizationResult{
				Placements: []oracle.EntityPlacement{{
					Index:   0,
					Project: oracle.Assignment{ID: &project.ID, Confidence: 0.9},
				}},
			}, nil
		}},
		Config: pipeline.Default(),
	}

	_, err := stage.OrganizeNote(ctx, f.note.ID, []string{"vanished-id", survivor.ID})
	if err != nil {
		t.Fatalf("OrganizeNote failed: %v", err)
	}
	if batchSize != 1 {
		t.Fatalf("Expected compacted batch of 1, got %d", batchSize)
	}
	got, err := f.store.GetEntity(ctx, survivor.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.ProjectID == nil || *got.ProjectID != project.ID {
		t.Errorf("Expected survivor placed in project, got %v", got.ProjectID)
	}
}

func TestOrganizeFailureRecordedOnNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entity := f.entity(t, "Ship the importer")

	// The note is extracted by the time organization runs.
	err := f.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.MarkNoteProcessed(ctx, f.note.ID)
	})
	if err != nil {
		t.Fatalf("Failed to mark note processed: %v", err)
	}

	cause := errors.New("placement model returned garbage")
	stage := &Stage{
		Store: f.store,
		Oracle: oracle.Func{OrganizeFunc: func(context.Context, *oracle.OrganizationRequest) (*oracle.OrganizationResult, error) {
			return nil, cause
		}},
		Config: pipeline.Default(),
	}

	if _, err := stage.OrganizeNote(ctx, f.note.ID, []string{entity.ID}); !errors.Is(err, cause) {
		t.Fatalf("Expected the oracle failure back, got %v", err)
	}

	note, err := f.store.GetNote(ctx, f.note.ID)
	if err != nil {
		t.Fatalf("GetNote failed: %v", err)
	}
	if note.ProcessingError != cause.Error() {
		t.Errorf("ProcessingError = %q, want %q", note.ProcessingError, cause.Error())
	}
	if !note.Processed {
		t.Error("Recording an organize failure must not clear the processed flag")
	}
}
