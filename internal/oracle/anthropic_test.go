package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/jotworks/jot/internal/audit"
	"github.com/jotworks/jot/internal/types"
)

const testNote = "Ship the beta by Friday."

const validExtractionJSON = `{
  "entities": [
    {
      "type": "task",
      "content": "Ship the beta",
      "tags": ["release"],
      "evidence": [{"quote": "Ship the beta by Friday.", "start": 0, "end": 24}],
      "confidence": 0.9,
      "fields": [{"field": "type", "value": "task", "confidence": 0.95, "reason": "imperative"}]
    }
  ]
}`

const invalidExtractionJSON = `{
  "entities": [
    {"type": "chore", "content": "Ship the beta", "confidence": 0.9}
  ]
}`

func newTestClient(t *testing.T, opts Options) *AnthropicClient {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func extractReq() *ExtractionRequest {
	return &ExtractionRequest{
		NoteID:     "note-1",
		Content:    testNote,
		Source:     types.SourceCLI,
		CapturedAt: time.Date(2025, 11, 4, 9, 0, 0, 0, time.UTC),
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := New(Options{}); !errors.Is(err, ErrAPIKeyRequired) {
		t.Fatalf("expected ErrAPIKeyRequired, got %v", err)
	}
}

func TestExtractFirstAttemptValid(t *testing.T) {
	c := newTestClient(t, Options{})

	var prompts []string
	c.complete = func(_ context.Context, op, prompt string) (completion, error) {
		if op != opExtract {
			t.Errorf("op = %q, want extract", op)
		}
		prompts = append(prompts, prompt)
		// Fenced output exercises the JSON extraction path.
		return completion{text: "```json\n" + validExtractionJSON + "\n```"}, nil
	}

	result, err := c.Extract(context.Background(), extractReq())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(prompts) != 1 {
		t.Fatalf("expected 1 model round, got %d", len(prompts))
	}
	if !strings.Contains(prompts[0], testNote) {
		t.Error("prompt should carry the note content")
	}
	if len(result.Entities) != 1 || result.Entities[0].Type != types.TypeTask {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Entities[0].Fields[0].Field != FieldType {
		t.Errorf("field reading lost in decode: %+v", result.Entities[0].Fields)
	}
}

func TestExtractRetriesOnceWithFeedback(t *testing.T) {
	c := newTestClient(t, Options{})

	var prompts []string
	c.complete = func(_ context.Context, _, prompt string) (completion, error) {
		prompts = append(prompts, prompt)
		if len(prompts) == 1 {
			return completion{text: invalidExtractionJSON}, nil
		}
		return completion{text: validExtractionJSON}, nil
	}

	result, err := c.Extract(context.Background(), extractReq())
	if err != nil {
		t.Fatalf("Extract after feedback retry: %v", err)
	}
	if len(prompts) != 2 {
		t.Fatalf("expected 2 model rounds, got %d", len(prompts))
	}

	retry := prompts[1]
	if !strings.Contains(retry, "failed validation") {
		t.Error("retry prompt should name the failure")
	}
	if !strings.Contains(retry, `"chore"`) {
		t.Error("retry prompt should carry the violation detail")
	}
	if !strings.Contains(retry, testNote) {
		t.Error("retry prompt should still carry the original note")
	}
	if len(result.Entities) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExtractSchemaViolationAfterRetry(t *testing.T) {
	c := newTestClient(t, Options{})

	calls := 0
	c.complete = func(_ context.Context, _, _ string) (completion, error) {
		calls++
		return completion{text: invalidExtractionJSON}, nil
	}

	_, err := c.Extract(context.Background(), extractReq())
	if err == nil {
		t.Fatal("expected SchemaViolation")
	}
	var sv *SchemaViolation
	if !errors.As(err, &sv) {
		t.Fatalf("expected *SchemaViolation, got %T: %v", err, err)
	}
	if calls != 2 {
		t.Errorf("expected exactly 2 model rounds, got %d", calls)
	}
	if sv.Operation != opExtract {
		t.Errorf("Operation = %q, want extract", sv.Operation)
	}
	if len(sv.Violations) == 0 || sv.Raw == "" {
		t.Errorf("violation should carry details: %+v", sv)
	}
}

func TestExtractNonJSONCountsAsViolation(t *testing.T) {
	c := newTestClient(t, Options{})

	calls := 0
	c.complete = func(_ context.Context, _, _ string) (completion, error) {
		calls++
		return completion{text: "I could not find any work items in this note."}, nil
	}

	_, err := c.Extract(context.Background(), extractReq())
	var sv *SchemaViolation
	if !errors.As(err, &sv) {
		t.Fatalf("expected *SchemaViolation, got %v", err)
	}
	if calls != 2 {
		t.Errorf("prose response should get the one feedback retry, got %d rounds", calls)
	}
	if !strings.Contains(strings.Join(sv.Violations, " "), "not valid JSON") {
		t.Errorf("violations should name the JSON failure: %v", sv.Violations)
	}
}

func TestExtractTransportErrorSkipsRetry(t *testing.T) {
	c := newTestClient(t, Options{})

	calls := 0
	transportErr := fmt.Errorf("%w: connect timeout", ErrUnavailable)
	c.complete = func(_ context.Context, _, _ string) (completion, error) {
		calls++
		return completion{}, transportErr
	}

	_, err := c.Extract(context.Background(), extractReq())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if calls != 1 {
		t.Errorf("transport errors must not trigger the feedback retry, got %d rounds", calls)
	}
}

func TestOrganizeDecodesPlacements(t *testing.T) {
	c := newTestClient(t, Options{})

	c.complete = func(_ context.Context, op, _ string) (completion, error) {
		if op != opOrganize {
			t.Errorf("op = %q, want organize", op)
		}
		return completion{text: `{
  "placements": [
    {
      "index": 0,
      "project": {"id": "proj-1", "confidence": 0.92, "reason": "platform work"},
      "epic": {"id": null, "confidence": 0.2, "reason": "no epic fits"},
      "assignee": {"id": null, "confidence": 0},
      "duplicates": [{"entity_id": "jot-old", "similarity": 0.88, "reason": "same key rotation"}]
    }
  ],
  "epic_suggestions": [
    {"project_id": "proj-1", "name": "Security hardening", "indices": [0], "confidence": 0.75, "reason": "cluster"}
  ]
}`}, nil
	}

	result, err := c.Organize(context.Background(), &OrganizationRequest{
		NoteID: "note-1",
		Entities: []*types.Entity{
			{ID: "jot-a1", Type: types.TypeTask, Status: types.StatusCaptured, Content: "Rotate the API keys"},
		},
	})
	if err != nil {
		t.Fatalf("Organize: %v", err)
	}
	if len(result.Placements) != 1 {
		t.Fatalf("expected 1 placement, got %+v", result)
	}
	p := result.Placements[0]
	if p.Project.ID == nil || *p.Project.ID != "proj-1" {
		t.Errorf("project assignment lost: %+v", p.Project)
	}
	if p.Epic.ID != nil {
		t.Errorf("null epic id should decode to nil, got %v", *p.Epic.ID)
	}
	if len(p.Duplicates) != 1 || p.Duplicates[0].Similarity != 0.88 {
		t.Errorf("duplicates lost: %+v", p.Duplicates)
	}
	if len(result.EpicSuggestions) != 1 || result.EpicSuggestions[0].Name != "Security hardening" {
		t.Errorf("epic suggestions lost: %+v", result.EpicSuggestions)
	}
}

func TestAuditTrailPerAttempt(t *testing.T) {
	log := audit.New(t.TempDir())
	c := newTestClient(t, Options{Audit: log})

	c.complete = func(_ context.Context, _, _ string) (completion, error) {
		return completion{text: invalidExtractionJSON, latencyMS: 12}, nil
	}

	_, err := c.Extract(context.Background(), extractReq())
	var sv *SchemaViolation
	if !errors.As(err, &sv) {
		t.Fatalf("expected schema violation, got %v", err)
	}

	entries, err := log.Tail(10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected one audit entry per attempt, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Kind != "llm_call" || e.Operation != opExtract || e.NoteID != "note-1" {
			t.Errorf("entry %d mislabeled: %+v", i, e)
		}
		if e.Attempt != i+1 {
			t.Errorf("entry %d attempt = %d", i, e.Attempt)
		}
		if e.Response == "" || e.LatencyMS != 12 {
			t.Errorf("entry %d should carry response and latency: %+v", i, e)
		}
	}
	if !strings.Contains(entries[1].Prompt, "failed validation") {
		t.Error("second entry should carry the feedback prompt")
	}
}

func TestAuditRecordsTransportError(t *testing.T) {
	log := audit.New(t.TempDir())
	c := newTestClient(t, Options{Audit: log})

	c.complete = func(_ context.Context, _, _ string) (completion, error) {
		return completion{}, fmt.Errorf("%w: boom", ErrUnavailable)
	}

	if _, err := c.Extract(context.Background(), extractReq()); err == nil {
		t.Fatal("expected error")
	}
	entries, _ := log.Tail(10)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Error == "" {
		t.Error("failed call should record its error")
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose wrapped", "Here you go:\n{\"a\": 1}\nHope that helps!", `{"a": 1}`},
		{"no object", "nothing here", "nothing here"},
		{"nested braces", `{"a": {"b": 2}}`, `{"a": {"b": 2}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSON(tt.in); got != tt.want {
				t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"network timeout", timeoutError{}, true},
		{"rate limited", &anthropic.Error{StatusCode: 429}, true},
		{"server error", &anthropic.Error{StatusCode: 500}, true},
		{"bad request", &anthropic.Error{StatusCode: 400}, false},
		{"unauthorized", &anthropic.Error{StatusCode: 401}, false},
		{"unclassified", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestFuncFake(t *testing.T) {
	var c Client = Func{}
	r, err := c.Extract(context.Background(), extractReq())
	if err != nil || len(r.Entities) != 0 {
		t.Fatalf("nil fake should return an empty result, got %+v, %v", r, err)
	}

	c = Func{
		ExtractFunc: func(_ context.Context, _ *ExtractionRequest) (*ExtractionResult, error) {
			return nil, errors.New("boom")
		},
	}
	if _, err := c.Extract(context.Background(), extractReq()); err == nil {
		t.Fatal("fake should pass through errors")
	}
}
