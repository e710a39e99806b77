package extract

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jotworks/jot/internal/notify"
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

// captureJobs records enqueued jobs instead of delivering them.
type captureJobs struct {
	mu   sync.Mutex
	jobs []*queue.Job
}

func (q *captureJobs) Enqueue(_ context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *captureJobs) Consume(context.Context, string, queue.HandlerFunc) error { return nil }
func (q *captureJobs) Close() error                                             { return nil }

func (q *captureJobs) all() []*queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*queue.Job(nil), q.jobs...)
}

// countEvents records published event types.
type countEvents struct {
	mu     sync.Mutex
	counts map[notify.EventType]int
}

func (h *countEvents) ID() string                  { return "count" }
func (h *countEvents) Handles() []notify.EventType { return nil }
func (h *countEvents) Priority() int               { return 0 }

func (h *countEvents) Handle(_ context.Context, event *notify.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.counts == nil {
		h.counts = make(map[notify.EventType]int)
	}
	h.counts[event.Type]++
	return nil
}

func (h *countEvents) count(t notify.EventType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[t]
}

func twoEntityResult() *oracle.ExtractionResult {
	return &oracle.ExtractionResult{
		Entities: []oracle.ExtractedEntity{
			{
				Type:       types.TypeTask,
				Content:    "Add rate limiting to the API",
				Confidence: 0.95,
				Tags:       []string{"API", "Infra"},
				Evidence:   []types.EvidenceSpan{{Quote: "rate limiting", Start: 4, End: 17}},
			},
			{
				Type:       types.TypeDecision,
				Content:    "Use a token bucket per client",
				Confidence: 0.9,
			},
		},
		Relationships: []oracle.ExtractedRelationship{
			{SourceIndex: 1, TargetIndex: 0, Type: types.RelDerivedFrom},
		},
	}
}

func TestProcessNote(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	note := captureNote(t, store, "Add rate limiting to the API. Decided on token buckets.")

	jobs := &captureJobs{}
	events := &countEvents{}
	notifier := notify.New()
	notifier.Register(events)

	stage := &Stage{
		Store:    store,
		Oracle:   oracle.Func{ExtractFunc: func(context.Context, *oracle.ExtractionRequest) (*oracle.ExtractionResult, error) { return twoEntityResult(), nil }},
		Jobs:     jobs,
		Notifier: notifier,
		Config:   pipeline.Default(),
	}

	result, err := stage.ProcessNote(ctx, note.ID)
	if err != nil {
		t.Fatalf("ProcessNote failed: %v", err)
	}
	if len(result.EntityIDs) != 2 {
		t.Fatalf("Expected 2 entities, got %d", len(result.EntityIDs))
	}

	entities, err := store.GetNoteEntities(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetNoteEntities failed: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("Expected 2 linked entities, got %d", len(entities))
	}

	tags, err := store.GetEntityTags(ctx, result.EntityIDs[0])
	if err != nil {
		t.Fatalf("GetEntityTags failed: %v", err)
	}
	if len(tags) != 2 || tags[0] != "api" || tags[1] != "infra" {
		t.Errorf("Expected normalized tags [api infra], got %v", tags)
	}

	rels, err := store.GetRelationships(ctx, result.EntityIDs[1])
	if err != nil {
		t.Fatalf("GetRelationships failed: %v", err)
	}
	if len(rels) != 1 || rels[0].Type != types.RelDerivedFrom || rels[0].TargetID != result.EntityIDs[0] {
		t.Errorf("Expected derived_from edge to first entity, got %+v", rels)
	}

	updated, err := store.GetNote(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetNote failed: %v", err)
	}
	if !updated.Processed {
		t.Error("Expected note marked processed")
	}

	enqueued := jobs.all()
	if len(enqueued) != 1 {
		t.Fatalf("Expected 1 organize job, got %d", len(enqueued))
	}
	if enqueued[0].Kind != queue.KindOrganize || enqueued[0].Key != note.ID {
		t.Errorf("Unexpected organize job %+v", enqueued[0])
	}
	var payload pipeline.OrganizeJob
	if err := pipeline.Decode(enqueued[0].Payload, &payload); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if payload.NoteID != note.ID || len(payload.EntityIDs) != 2 {
		t.Errorf("Unexpected organize payload %+v", payload)
	}

	if got := events.count(notify.EventNoteProcessed); got != 1 {
		t.Errorf("Expected 1 note.processed event, got %d", got)
	}
	if got := events.count(notify.EventEntityCreated); got != 2 {
		t.Errorf("Expected 2 entity.created events, got %d", got)
	}
}

func TestProcessNoteIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	note := captureNote(t, store, "Ship the beta")

	calls := 0
	jobs := &captureJobs{}
	stage := &Stage{
		Store: store,
		Oracle: oracle.Func{ExtractFunc: func(context.Context, *oracle.ExtractionRequest) (*oracle.ExtractionResult, error) {
			calls++
			return twoEntityResult(), nil
		}},
		Jobs:   jobs,
		Config: pipeline.Default(),
	}

	if _, err := stage.ProcessNote(ctx, note.ID); err != nil {
		t.Fatalf("First ProcessNote failed: %v", err)
	}
	second, err := stage.ProcessNote(ctx, note.ID)
	if err != nil {
		t.Fatalf("Second ProcessNote failed: %v", err)
	}
	if !second.AlreadyProcessed {
		t.Error("Expected second run to report already processed")
	}
	if calls != 1 {
		t.Errorf("Expected 1 oracle call, got %d", calls)
	}

	entities, err := store.GetNoteEntities(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetNoteEntities failed: %v", err)
	}
	if len(entities) != 2 {
		t.Errorf("Expected 2 entities after duplicate run, got %d", len(entities))
	}

	// Redelivery re-enqueues organization (deduped downstream by note id).
	if got := len(jobs.all()); got != 2 {
		t.Errorf("Expected organize enqueued on both runs, got %d jobs", got)
	}
}

func TestProcessNoteLowConfidenceReviews(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	note := captureNote(t, store, "Maybe Dana should look at the flaky tests")

	result := &oracle.ExtractionResult{
		Entities: []oracle.ExtractedEntity{
			{
				Type:       types.TypeTask,
				Content:    "Investigate flaky tests",
				Confidence: 0.6, // below threshold: overall flag
				Fields: []oracle.FieldReading{
					{Field: oracle.FieldType, Value: "insight", Confidence: 0.5, Reason: "could be an observation"},
					{Field: oracle.FieldOwner, Value: "Dana", Confidence: 0.4, Reason: "name mentioned in passing"},
					{Field: "priority", Value: "2", Confidence: 0.3},
					{Field: "status", Value: "captured", Confidence: 0.99},
				},
			},
		},
	}
	stage := &Stage{
		Store:  store,
		Oracle: oracle.Func{ExtractFunc: func(context.Context, *oracle.ExtractionRequest) (*oracle.ExtractionResult, error) { return result, nil }},
		Config: pipeline.Default(),
	}

	run, err := stage.ProcessNote(ctx, note.ID)
	if err != nil {
		t.Fatalf("ProcessNote failed: %v", err)
	}
	// type + owner + priority + overall; the 0.99 status reading passes.
	if len(run.ReviewIDs) != 4 {
		t.Fatalf("Expected 4 review items, got %d", len(run.ReviewIDs))
	}

	items, err := store.ListReviewItems(ctx, types.ReviewFilter{EntityID: run.EntityIDs[0]})
	if err != nil {
		t.Fatalf("ListReviewItems failed: %v", err)
	}
	byType := make(map[types.ReviewType]int)
	for _, item := range items {
		byType[item.Type]++
	}
	if byType[types.ReviewTypeClassification] != 1 {
		t.Errorf("Expected 1 type_classification item, got %d", byType[types.ReviewTypeClassification])
	}
	if byType[types.ReviewAssigneeSuggestion] != 1 {
		t.Errorf("Expected 1 assignee_suggestion item, got %d", byType[types.ReviewAssigneeSuggestion])
	}
	if byType[types.ReviewLowConfidence] != 2 {
		t.Errorf("Expected 2 low_confidence items (field + overall), got %d", byType[types.ReviewLowConfidence])
	}

	for _, item := range items {
		if item.Type == types.ReviewTypeClassification {
			var s types.TypeSuggestion
			if err := item.DecodeSuggestion(&s); err != nil {
				t.Fatalf("DecodeSuggestion failed: %v", err)
			}
			if s.Type != types.TypeInsight {
				t.Errorf("Expected insight suggestion, got %s", s.Type)
			}
		}
		if item.Type == types.ReviewAssigneeSuggestion {
			var s types.AssignmentSuggestion
			if err := item.DecodeSuggestion(&s); err != nil {
				t.Fatalf("DecodeSuggestion failed: %v", err)
			}
			if s.ID != nil || s.Name != "Dana" {
				t.Errorf("Expected name-only assignee suggestion, got %+v", s)
			}
		}
	}
}

func TestProcessNoteSkipsHallucinatedRelationship(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	note := captureNote(t, store, "One task only")

	result := &oracle.ExtractionResult{
		Entities: []oracle.ExtractedEntity{
			{Type: types.TypeTask, Content: "Do the thing", Confidence: 0.9},
		},
		Relationships: []oracle.ExtractedRelationship{
			{SourceIndex: 0, TargetIndex: 7, Type: types.RelRelatedTo},
		},
	}
	stage := &Stage{
		Store:  store,
		Oracle: oracle.Func{ExtractFunc: func(context.Context, *oracle.ExtractionRequest) (*oracle.ExtractionResult, error) { return result, nil }},
		Config: pipeline.Default(),
	}

	run, err := stage.ProcessNote(ctx, note.ID)
	if err != nil {
		t.Fatalf("ProcessNote failed: %v", err)
	}
	rels, err := store.GetRelationships(ctx, run.EntityIDs[0])
	if err != nil {
		t.Fatalf("GetRelationships failed: %v", err)
	}
	if len(rels) != 0 {
		t.Errorf("Expected hallucinated edge skipped, got %+v", rels)
	}
}

func TestProcessNoteOracleFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	note := captureNote(t, store, "This one breaks")

	oracleErr := &oracle.SchemaViolation{Operation: "extract", Violations: []string{"entities[0].type: unknown"}}
	stage := &Stage{
		Store: store,
		Oracle: oracle.Func{ExtractFunc: func(context.Context, *oracle.ExtractionRequest) (*oracle.ExtractionResult, error) {
			return nil, oracleErr
		}},
		Config: pipeline.Default(),
	}

	_, err := stage.ProcessNote(ctx, note.ID)
	var sv *oracle.SchemaViolation
	if !errors.As(err, &sv) {
		t.Fatalf("Expected SchemaViolation to propagate, got %v", err)
	}

	updated, err := store.GetNote(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetNote failed: %v", err)
	}
	if updated.Processed {
		t.Error("Expected note left unprocessed")
	}
	if !strings.Contains(updated.ProcessingError, "failed validation") {
		t.Errorf("Expected processing error recorded, got %q", updated.ProcessingError)
	}

	entities, err := store.GetNoteEntities(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetNoteEntities failed: %v", err)
	}
	if len(entities) != 0 {
		t.Errorf("Expected no entities after failure, got %d", len(entities))
	}
}

func TestProcessNoteMissingNote(t *testing.T) {
	store := newTestStore(t)
	stage := &Stage{Store: store, Oracle: oracle.Func{}, Config: pipeline.Default()}

	_, err := stage.ProcessNote(context.Background(), "no-such-note")
	if !storage.IsNotFound(err) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}
