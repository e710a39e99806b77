package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jotworks/jot/internal/oracle"
	"github.com/jotworks/jot/internal/pipeline"
	"github.com/jotworks/jot/internal/queue"
	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/storage/sqlite"
	"github.com/jotworks/jot/internal/types"
)

func newTestStore(t *testing.T) *sqlite.Store {
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
	return store
}

func captureNote(t *testing.T, store *sqlite.Store, content string) *types.RawNote {
	t.Helper()
	note := &types.RawNote{Content: content, Source: types.SourceCLI}
	if err := store.CreateNote(context.Background(), note); err != nil {
		t.Fatalf("Failed to create note: %v", err)
	}
	return note
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

func TestClassify(t *testing.T) {
	transient := errors.New("store locked")
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"schema violation", &oracle.SchemaViolation{Operation: "extract"}, true},
		{"wrapped schema violation", fmt.Errorf("note u-1: %w", &oracle.SchemaViolation{Operation: "extract"}), true},
		{"not found", fmt.Errorf("note u-1: %w", storage.ErrNotFound), true},
		{"validation", fmt.Errorf("bad input: %w", storage.ErrValidation), true},
		{"transient", transient, false},
		{"oracle unavailable", fmt.Errorf("extract: %w", oracle.ErrUnavailable), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if queue.IsPermanent(got) != tt.permanent {
				t.Errorf("classify(%v) permanent = %v, want %v", tt.err, queue.IsPermanent(got), tt.permanent)
			}
			// Permanent wrapping must preserve the cause chain.
			if !errors.Is(got, tt.err) {
				t.Errorf("classify(%v) lost the original error: %v", tt.err, got)
			}
		})
	}
}

func TestWorkerRunsFullPipeline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore(t)
	note := captureNote(t, store, "Ship the importer. Probably owned by the data team.")

	client := oracle.Func{
		ExtractFunc: func(context.Context, *oracle.ExtractionRequest) (*oracle.ExtractionResult, error) {
			return &oracle.ExtractionResult{
				Entities: []oracle.ExtractedEntity{
					{Type: types.TypeTask, Content: "Ship the importer", Confidence: 0.9},
				},
			}, nil
		},
		OrganizeFunc: func(context.Context, *oracle.OrganizationRequest) (*oracle.OrganizationResult, error) {
			return &oracle.OrganizationResult{
				ProjectSuggestions: []oracle.ProjectProposal{{
					Name:       "Importer",
					Indices:    []int{0},
					Confidence: 0.95,
				}},
			}, nil
		},
	}

	jobs := queue.NewMemory(queue.WithRetryDelays(time.Millisecond))
	t.Cleanup(func() { _ = jobs.Close() })

	w := New(store, client, jobs, nil, pipeline.Default())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := EnqueueExtract(ctx, jobs, note.ID); err != nil {
		t.Fatalf("EnqueueExtract failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		projects, err := store.ListProjects(ctx, false)
		return err == nil && len(projects) == 1
	})

	entities, err := store.GetNoteEntities(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetNoteEntities failed: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("Expected 1 entity, got %d", len(entities))
	}
	projects, err := store.ListProjects(ctx, false)
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if projects[0].Name != "Importer" {
		t.Errorf("Expected project Importer, got %q", projects[0].Name)
	}
	got, err := store.GetEntity(ctx, entities[0].ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.ProjectID == nil || *got.ProjectID != projects[0].ID {
		t.Errorf("Expected entity placed in project, got %v", got.ProjectID)
	}
	if len(jobs.Dead()) != 0 {
		t.Errorf("Expected no dead letters, got %+v", jobs.Dead())
	}
}

func TestWorkerParksSchemaViolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore(t)
	note := captureNote(t, store, "Unparseable ramble")

	calls := 0
	client := oracle.Func{
		ExtractFunc: func(context.Context, *oracle.ExtractionRequest) (*oracle.ExtractionResult, error) {
			calls++
			return nil, &oracle.SchemaViolation{Operation: "extract", Violations: []string{"entities: not an array"}}
		},
	}

	jobs := queue.NewMemory(queue.WithRetryDelays(time.Millisecond))
	t.Cleanup(func() { _ = jobs.Close() })

	w := New(store, client, jobs, nil, pipeline.Default())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := EnqueueExtract(ctx, jobs, note.ID); err != nil {
		t.Fatalf("EnqueueExtract failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return len(jobs.Dead()) == 1 })

	if calls != 1 {
		t.Errorf("Expected no retry of a deterministic failure, got %d calls", calls)
	}
	updated, err := store.GetNote(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetNote failed: %v", err)
	}
	if updated.ProcessingError == "" {
		t.Error("Expected processing error recorded on the note")
	}
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore(t)
	note := captureNote(t, store, "Eventually fine")

	calls := 0
	client := oracle.Func{
		ExtractFunc: func(context.Context, *oracle.ExtractionRequest) (*oracle.ExtractionResult, error) {
			calls++
			if calls < 3 {
				return nil, fmt.Errorf("extract: %w", oracle.ErrUnavailable)
			}
			return &oracle.ExtractionResult{
				Entities: []oracle.ExtractedEntity{
					{Type: types.TypeInsight, Content: "Third time lucky", Confidence: 0.9},
				},
			}, nil
		},
	}

	jobs := queue.NewMemory(queue.WithRetryDelays(time.Millisecond))
	t.Cleanup(func() { _ = jobs.Close() })

	w := New(store, client, jobs, nil, pipeline.Default())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := EnqueueExtract(ctx, jobs, note.ID); err != nil {
		t.Fatalf("EnqueueExtract failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		n, err := store.GetNote(ctx, note.ID)
		return err == nil && n.Processed
	})
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
	if len(jobs.Dead()) != 0 {
		t.Errorf("Expected no dead letters, got %+v", jobs.Dead())
	}
}

func TestWorkerReprocess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore(t)
	note := captureNote(t, store, "Reprocess me")

	extractions := 0
	client := oracle.Func{
		ExtractFunc: func(context.Context, *oracle.ExtractionRequest) (*oracle.ExtractionResult, error) {
			extractions++
			return &oracle.ExtractionResult{
				Entities: []oracle.ExtractedEntity{
					{Type: types.TypeTask, Content: fmt.Sprintf("Extraction %d", extractions), Confidence: 0.9},
				},
			}, nil
		},
	}

	jobs := queue.NewMemory(queue.WithRetryDelays(time.Millisecond))
	t.Cleanup(func() { _ = jobs.Close() })

	w := New(store, client, jobs, nil, pipeline.Default())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := EnqueueExtract(ctx, jobs, note.ID); err != nil {
		t.Fatalf("EnqueueExtract failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		n, err := store.GetNote(ctx, note.ID)
		return err == nil && n.Processed
	})

	if err := EnqueueReprocess(ctx, jobs, note.ID); err != nil {
		t.Fatalf("EnqueueReprocess failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return extractions == 2 })

	entities, err := store.GetNoteEntities(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetNoteEntities failed: %v", err)
	}
	// The first extraction's entities remain; reprocessing appends.
	if len(entities) != 2 {
		t.Fatalf("Expected 2 entities after reprocess, got %d", len(entities))
	}
	var stamped bool
	for _, e := range entities {
		events, err := store.GetEntityEvents(ctx, e.ID, 0)
		if err != nil {
			t.Fatalf("GetEntityEvents failed: %v", err)
		}
		for _, ev := range events {
			if ev.Type == types.EventReprocessed {
				stamped = true
			}
		}
	}
	if !stamped {
		t.Error("Expected reprocessed event on the prior entity's trail")
	}
}

func TestWorkerPermanentOnBadPayload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestStore(t)
	jobs := queue.NewMemory(queue.WithRetryDelays(time.Millisecond))
	t.Cleanup(func() { _ = jobs.Close() })

	w := New(store, oracle.Func{}, jobs, nil, pipeline.Default())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := jobs.Enqueue(ctx, &queue.Job{Kind: queue.KindExtract, Key: "junk", Payload: []byte("not json")})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return len(jobs.Dead()) == 1 })
}
