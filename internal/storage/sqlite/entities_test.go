package sqlite

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/types"
)

func TestCreateEntity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, ":memory:")

	entity := &types.Entity{
		Type:       types.TypeTask,
		Content:    "rotate the staging credentials",
		Confidence: 0.87,
		Evidence: []types.EvidenceSpan{
			{Quote: "rotate the staging credentials", Start: 10, End: 40},
		},
		Attributes: types.AttributeBag{
			Task: &types.TaskAttributes{Priority: 1},
		},
	}
	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CreateEntity(ctx, entity, "extract")
	})
	if err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}

	if !strings.HasPrefix(entity.ID, "jot-") {
		t.Errorf("Expected workspace-prefixed id, got %s", entity.ID)
	}
	if entity.Status != types.StatusCaptured {
		t.Errorf("Expected default status captured, got %s", entity.Status)
	}

	got, err := store.GetEntity(ctx, entity.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.Content != entity.Content {
		t.Errorf("Content mismatch: got %q", got.Content)
	}
	if got.Attributes.Task == nil || got.Attributes.Task.Priority != 1 {
		t.Errorf("Expected task attributes to round-trip, got %+v", got.Attributes)
	}
	if len(got.Evidence) != 1 || got.Evidence[0].Quote != "rotate the staging credentials" {
		t.Errorf("Expected evidence to round-trip, got %+v", got.Evidence)
	}

	events, err := store.GetEntityEvents(ctx, entity.ID, 0)
	if err != nil {
		t.Fatalf("GetEntityEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != types.EventCreated {
		t.Fatalf("Expected one created event, got %+v", events)
	}
	if events[0].Actor != "extract" {
		t.Errorf("Expected actor extract, got %s", events[0].Actor)
	}
}

func TestCreateEntityDecisionDefaults(t *testing.T) {
	store := newTestStore(t, ":memory:")

	entity := createTestEntity(t, store, types.TypeDecision, "we will use sqlite for local storage")
	if entity.Status != types.StatusPending {
		t.Errorf("Expected decision default status pending, got %s", entity.Status)
	}
}

func TestEntityIDsUnique(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, ":memory:")

	seen := make(map[string]bool)
	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		for i := 0; i < 20; i++ {
			e := &types.Entity{Type: types.TypeTask, Content: "identical content"}
			if err := tx.CreateEntity(ctx, e, "test"); err != nil {
				return err
			}
			if seen[e.ID] {
				t.Fatalf("Duplicate id generated: %s", e.ID)
			}
			seen[e.ID] = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("CreateEntity loop failed: %v", err)
	}
}

func TestUpdateEntity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, ":memory:")
	entity := createTestEntity(t, store, types.TypeTask, "follow up with the infra team")

	t.Run("status change records event", func(t *testing.T) {
		err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return tx.UpdateEntity(ctx, entity.ID, map[string]interface{}{
				"status": types.StatusInProgress,
			}, "alice")
		})
		if err != nil {
			t.Fatalf("UpdateEntity failed: %v", err)
		}

		got, _ := store.GetEntity(ctx, entity.ID)
		if got.Status != types.StatusInProgress {
			t.Errorf("Expected in_progress, got %s", got.Status)
		}

		events, _ := store.GetEntityEvents(ctx, entity.ID, 1)
		if len(events) != 1 || events[0].Type != types.EventStatusChanged {
			t.Fatalf("Expected status_change event, got %+v", events)
		}
		if events[0].OldValue == nil || *events[0].OldValue != string(types.StatusCaptured) {
			t.Errorf("Expected old value captured, got %v", events[0].OldValue)
		}
		if events[0].NewValue == nil || *events[0].NewValue != string(types.StatusInProgress) {
			t.Errorf("Expected new value in_progress, got %v", events[0].NewValue)
		}
	})

	t.Run("type change must keep status valid", func(t *testing.T) {
		err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return tx.UpdateEntity(ctx, entity.ID, map[string]interface{}{
				"type": types.TypeDecision,
			}, "alice")
		})
		if !errors.Is(err, storage.ErrValidation) {
			t.Fatalf("Expected validation error for in_progress decision, got %v", err)
		}

		err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return tx.UpdateEntity(ctx, entity.ID, map[string]interface{}{
				"type":       types.TypeDecision,
				"status":     types.StatusPending,
				"attributes": types.AttributeBag{},
			}, "alice")
		})
		if err != nil {
			t.Fatalf("Combined type+status update failed: %v", err)
		}

		got, _ := store.GetEntity(ctx, entity.ID)
		if got.Type != types.TypeDecision || got.Status != types.StatusPending {
			t.Errorf("Expected decision/pending, got %s/%s", got.Type, got.Status)
		}
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return tx.UpdateEntity(ctx, entity.ID, map[string]interface{}{"priority": 1}, "alice")
		})
		if !errors.Is(err, storage.ErrValidation) {
			t.Errorf("Expected validation error for unknown field, got %v", err)
		}
	})

	t.Run("missing entity", func(t *testing.T) {
		err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return tx.UpdateEntity(ctx, "jot-zzzz", map[string]interface{}{
				"status": types.StatusDecided,
			}, "alice")
		})
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("no-op update records no event", func(t *testing.T) {
		before, _ := store.GetEntityEvents(ctx, entity.ID, 0)
		err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return tx.UpdateEntity(ctx, entity.ID, map[string]interface{}{
				"status": types.StatusPending,
			}, "alice")
		})
		if err != nil {
			t.Fatalf("No-op update failed: %v", err)
		}
		after, _ := store.GetEntityEvents(ctx, entity.ID, 0)
		if len(after) != len(before) {
			t.Errorf("Expected no new events, got %d -> %d", len(before), len(after))
		}
	})
}

func TestUpdateEntityAssignment(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, ":memory:")
	entity := createTestEntity(t, store, types.TypeTask, "wire the webhook sink")

	var project types.Project
	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		project = types.Project{Name: "Platform Cleanup"}
		return tx.CreateProject(ctx, &project, "test")
	})
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}

	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.UpdateEntity(ctx, entity.ID, map[string]interface{}{
			"project_id": project.ID,
		}, "organize")
	})
	if err != nil {
		t.Fatalf("Assignment failed: %v", err)
	}

	got, _ := store.GetEntity(ctx, entity.ID)
	if got.ProjectID == nil || *got.ProjectID != project.ID {
		t.Fatalf("Expected project %s, got %v", project.ID, got.ProjectID)
	}

	// Clearing with nil unsets the column.
	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.UpdateEntity(ctx, entity.ID, map[string]interface{}{
			"project_id": nil,
		}, "organize")
	})
	if err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	got, _ = store.GetEntity(ctx, entity.ID)
	if got.ProjectID != nil {
		t.Errorf("Expected cleared project, got %v", *got.ProjectID)
	}
}

func TestEntityTags(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, ":memory:")
	entity := createTestEntity(t, store, types.TypeInsight, "deploys on friday fail twice as often")

	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.AddTag(ctx, entity.ID, "Deploy Risk"); err != nil {
			return err
		}
		if err := tx.AddTag(ctx, entity.ID, "deploy-risk"); err != nil { // same after normalize
			return err
		}
		if err := tx.AddTag(ctx, entity.ID, "  "); err != nil { // drops to nothing
			return err
		}
		return tx.AddTag(ctx, entity.ID, "ops")
	})
	if err != nil {
		t.Fatalf("AddTag failed: %v", err)
	}

	tags, err := store.GetEntityTags(ctx, entity.ID)
	if err != nil {
		t.Fatalf("GetEntityTags failed: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("Expected 2 tags, got %v", tags)
	}
	if tags[0] != "deploy-risk" || tags[1] != "ops" {
		t.Errorf("Expected [deploy-risk ops], got %v", tags)
	}
}

func TestRelationships(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, ":memory:")
	a := createTestEntity(t, store, types.TypeTask, "first task")
	b := createTestEntity(t, store, types.TypeTask, "second task")

	rel := &types.Relationship{SourceID: a.ID, TargetID: b.ID, Type: types.RelDuplicateOf}

	var created bool
	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		var err error
		created, err = tx.AddRelationship(ctx, rel)
		return err
	})
	if err != nil {
		t.Fatalf("AddRelationship failed: %v", err)
	}
	if !created {
		t.Error("Expected first insert to report created")
	}

	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		var err error
		created, err = tx.AddRelationship(ctx, rel)
		return err
	})
	if err != nil {
		t.Fatalf("Second AddRelationship failed: %v", err)
	}
	if created {
		t.Error("Expected duplicate edge to report not created")
	}

	rels, err := store.GetRelationships(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetRelationships failed: %v", err)
	}
	if len(rels) != 1 || rels[0].SourceID != a.ID {
		t.Errorf("Expected one edge from %s, got %+v", a.ID, rels)
	}

	t.Run("self edge rejected", func(t *testing.T) {
		err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			_, err := tx.AddRelationship(ctx, &types.Relationship{
				SourceID: a.ID, TargetID: a.ID, Type: types.RelRelatedTo,
			})
			return err
		})
		if !errors.Is(err, storage.ErrValidation) {
			t.Errorf("Expected validation error for self edge, got %v", err)
		}
	})
}

func TestLinkEntityToNote(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, ":memory:")

	note := &types.RawNote{Content: "note with a task inside"}
	if err := store.CreateNote(ctx, note); err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}
	entity := createTestEntity(t, store, types.TypeTask, "task inside")

	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.LinkEntityToNote(ctx, entity.ID, note.ID); err != nil {
			return err
		}
		return tx.LinkEntityToNote(ctx, entity.ID, note.ID) // idempotent
	})
	if err != nil {
		t.Fatalf("LinkEntityToNote failed: %v", err)
	}

	entities, err := store.GetNoteEntities(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetNoteEntities failed: %v", err)
	}
	if len(entities) != 1 || entities[0].ID != entity.ID {
		t.Errorf("Expected one linked entity, got %+v", entities)
	}

	byNote, err := store.ListEntities(ctx, types.EntityFilter{NoteID: note.ID})
	if err != nil {
		t.Fatalf("ListEntities by note failed: %v", err)
	}
	if len(byNote) != 1 {
		t.Errorf("Expected one entity via note filter, got %d", len(byNote))
	}
}

func TestListEntitiesFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, ":memory:")

	task := createTestEntity(t, store, types.TypeTask, "one task")
	createTestEntity(t, store, types.TypeDecision, "one decision")
	insight := createTestEntity(t, store, types.TypeInsight, "one insight")

	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.AddTag(ctx, insight.ID, "perf")
	})
	if err != nil {
		t.Fatalf("AddTag failed: %v", err)
	}

	t.Run("by type", func(t *testing.T) {
		typ := types.TypeTask
		got, err := store.ListEntities(ctx, types.EntityFilter{Type: &typ})
		if err != nil {
			t.Fatalf("ListEntities failed: %v", err)
		}
		if len(got) != 1 || got[0].ID != task.ID {
			t.Errorf("Expected just the task, got %d entities", len(got))
		}
	})

	t.Run("by tag", func(t *testing.T) {
		got, err := store.ListEntities(ctx, types.EntityFilter{Tag: "PERF"})
		if err != nil {
			t.Fatalf("ListEntities failed: %v", err)
		}
		if len(got) != 1 || got[0].ID != insight.ID {
			t.Errorf("Expected just the tagged insight, got %d entities", len(got))
		}
	})

	t.Run("unassigned project", func(t *testing.T) {
		none := ""
		got, err := store.ListEntities(ctx, types.EntityFilter{ProjectID: &none})
		if err != nil {
			t.Fatalf("ListEntities failed: %v", err)
		}
		if len(got) != 3 {
			t.Errorf("Expected all 3 unassigned entities, got %d", len(got))
		}
	})
}

func TestListRecentEntities(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, ":memory:")

	var ids []string
	for _, content := range []string{"oldest", "middle", "newest"} {
		ids = append(ids, createTestEntity(t, store, types.TypeTask, content).ID)
	}

	got, err := store.ListRecentEntities(ctx, 10, []string{ids[2]})
	if err != nil {
		t.Fatalf("ListRecentEntities failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 entities after exclusion, got %d", len(got))
	}
	for _, e := range got {
		if e.ID == ids[2] {
			t.Errorf("Excluded id %s still present", ids[2])
		}
	}

	limited, err := store.ListRecentEntities(ctx, 1, nil)
	if err != nil {
		t.Fatalf("ListRecentEntities failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected limit of 1, got %d", len(limited))
	}
}
