// Package oracle wraps the LLM behind the pipeline: extraction of work items
// from a raw note, and organization of freshly extracted entities into the
// existing workspace. Both calls demand strict JSON from the model, validate
// it in Go, and retry exactly once with the validation errors embedded in the
// prompt before failing with SchemaViolation. Every field in a result is
// untrusted until it has passed validation; callers still gate application on
// the per-field confidences.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jotworks/jot/internal/types"
)

// Client is the oracle surface the pipeline stages depend on.
type Client interface {
	Extract(ctx context.Context, req *ExtractionRequest) (*ExtractionResult, error)
	Organize(ctx context.Context, req *OrganizationRequest) (*OrganizationResult, error)
}

// DuplicateFloor is the minimum similarity a duplicate candidate may carry.
// The model is told to omit weaker matches; anything below the floor in a
// response is a schema violation, not a judgment call.
const DuplicateFloor = 0.7

// Field names the model reports confidence readings under. FieldType and
// FieldOwner get dedicated review types downstream; everything else lands in
// a generic low-confidence item.
const (
	FieldType  = "type"
	FieldOwner = "owner"
)

// ExtractionRequest carries one captured note and its channel context.
type ExtractionRequest struct {
	NoteID     string
	Content    string
	Source     types.NoteSource
	SourceRef  string
	CapturedAt time.Time
}

// ExtractionResult is the model's reading of one note.
type ExtractionResult struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships,omitempty"`
}

// ExtractedEntity is one work item pulled out of a note. It has no id yet;
// relationships reference entities by their index in the batch.
type ExtractedEntity struct {
	Type       types.EntityType     `json:"type"`
	Content    string               `json:"content"`
	Status     types.EntityStatus   `json:"status,omitempty"`
	Attributes types.AttributeBag   `json:"attributes,omitempty"`
	Tags       []string             `json:"tags,omitempty"`
	Evidence   []types.EvidenceSpan `json:"evidence,omitempty"`
	Confidence float64              `json:"confidence"`
	Fields     []FieldReading       `json:"fields,omitempty"`
}

// FieldReading is the model's confidence in one field it filled in, with the
// value restated as a string and a brief reason. The extraction stage turns
// below-threshold readings into review items.
type FieldReading struct {
	Field      string  `json:"field"`
	Value      string  `json:"value,omitempty"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// ExtractedRelationship is a typed edge between two entities of the same
// batch, by index. Out-of-range indices are hallucinated edges and are
// skipped at materialization, not rejected.
type ExtractedRelationship struct {
	SourceIndex int                    `json:"source_index"`
	TargetIndex int                    `json:"target_index"`
	Type        types.RelationshipType `json:"type"`
}

// OrganizationRequest carries a batch of extracted entities plus the
// workspace context the model places them against.
type OrganizationRequest struct {
	NoteID   string
	Entities []*types.Entity // the batch, in index order, tags populated
	Projects []*types.Project
	Epics    []*types.Epic
	Recent   []*types.Entity // recent sample for duplicate comparison
	Users    []*types.User
}

// OrganizationResult is the model's placement plan for one batch.
type OrganizationResult struct {
	Placements         []EntityPlacement `json:"placements"`
	EpicSuggestions    []EpicProposal    `json:"epic_suggestions,omitempty"`
	ProjectSuggestions []ProjectProposal `json:"project_suggestions,omitempty"`
}

// Assignment is one suggested value for a reference field. A nil ID with
// nonzero confidence means "no confident match" and is still review-worthy;
// a nil ID with zero confidence is noise and is dropped downstream.
type Assignment struct {
	ID         *string `json:"id"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// EntityPlacement is the per-entity slice of the plan, keyed by batch index.
type EntityPlacement struct {
	Index      int                        `json:"index"`
	Project    Assignment                 `json:"project"`
	Epic       Assignment                 `json:"epic"`
	Assignee   Assignment                 `json:"assignee"`
	Duplicates []types.DuplicateCandidate `json:"duplicates,omitempty"`
}

// EpicProposal suggests a new epic under an existing project, clustering the
// batch entities at the given indices.
type EpicProposal struct {
	ProjectID   string  `json:"project_id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Indices     []int   `json:"indices"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason,omitempty"`
}

// ProjectProposal suggests a new project clustering the batch entities at the
// given indices.
type ProjectProposal struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Indices     []int   `json:"indices"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason,omitempty"`
}

// ErrAPIKeyRequired is returned when no API key is configured.
var ErrAPIKeyRequired = errors.New("oracle API key required")

// ErrUnavailable wraps transport failures that outlived the retry budget.
// Callers may retry the whole job later.
var ErrUnavailable = errors.New("oracle unavailable")

// SchemaViolation reports model output that failed validation on the initial
// attempt and again on the feedback retry. Deterministic: re-running the call
// is not expected to help, so job runners must not back off and retry it.
type SchemaViolation struct {
	Operation  string   // "extract" or "organize"
	Violations []string // one entry per validation failure
	Raw        string   // the final raw model output
}

func (e *SchemaViolation) Error() string {
	return fmt.Sprintf("%s output failed validation after retry: %s",
		e.Operation, strings.Join(e.Violations, "; "))
}
