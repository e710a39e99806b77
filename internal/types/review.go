package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ReviewType tags the kind of deferred decision a review item carries. The
// suggestion payload shape depends on this tag.
type ReviewType string

// Review type constants
const (
	ReviewTypeClassification ReviewType = "type_classification"
	ReviewProjectAssignment  ReviewType = "project_assignment"
	ReviewEpicAssignment     ReviewType = "epic_assignment"
	ReviewEpicCreation       ReviewType = "epic_creation"
	ReviewProjectCreation    ReviewType = "project_creation"
	ReviewDuplicateDetection ReviewType = "duplicate_detection"
	ReviewAssigneeSuggestion ReviewType = "assignee_suggestion"
	ReviewLowConfidence      ReviewType = "low_confidence"
)

// IsValid checks if the review type value is valid.
func (t ReviewType) IsValid() bool {
	switch t {
	case ReviewTypeClassification, ReviewProjectAssignment, ReviewEpicAssignment,
		ReviewEpicCreation, ReviewProjectCreation, ReviewDuplicateDetection,
		ReviewAssigneeSuggestion, ReviewLowConfidence:
		return true
	}
	return false
}

// NeedsEntity reports whether items of this type anchor to an entity.
func (t ReviewType) NeedsEntity() bool {
	switch t {
	case ReviewTypeClassification, ReviewProjectAssignment, ReviewEpicAssignment,
		ReviewDuplicateDetection, ReviewAssigneeSuggestion, ReviewLowConfidence,
		ReviewProjectCreation:
		return true
	}
	return false
}

// NeedsProject reports whether items of this type anchor to a project.
func (t ReviewType) NeedsProject() bool {
	return t == ReviewEpicCreation
}

// ReviewStatus is the state of a review item. pending is the only non-terminal
// state; resolution moves an item to exactly one terminal state, once.
type ReviewStatus string

// Review status constants
const (
	ReviewPending  ReviewStatus = "pending"
	ReviewAccepted ReviewStatus = "accepted"
	ReviewRejected ReviewStatus = "rejected"
	ReviewModified ReviewStatus = "modified"
)

// IsValid checks if the review status value is valid.
func (s ReviewStatus) IsValid() bool {
	switch s {
	case ReviewPending, ReviewAccepted, ReviewRejected, ReviewModified:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends the item's lifecycle.
func (s ReviewStatus) IsTerminal() bool {
	return s == ReviewAccepted || s == ReviewRejected || s == ReviewModified
}

// ReviewItem is a deferred decision awaiting human confirmation. Created by
// the extraction and organization stages (and by resolution cascades), and
// resolved exactly once.
type ReviewItem struct {
	ID         string          `json:"id"`
	Type       ReviewType      `json:"type"`
	Status     ReviewStatus    `json:"status"`
	EntityID   *string         `json:"entity_id,omitempty"`
	ProjectID  *string         `json:"project_id,omitempty"`
	Suggestion json.RawMessage `json:"suggestion,omitempty"` // shape depends on Type
	Confidence float64         `json:"confidence"`
	Reason     string          `json:"reason,omitempty"`    // oracle's stated reason
	Resolution json.RawMessage `json:"resolution,omitempty"` // user replacement payload when modified
	Comment    string          `json:"comment,omitempty"`    // free-text training feedback
	ResolvedBy string          `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Validate checks the item has valid field values and the anchor its type
// requires.
func (r *ReviewItem) Validate() error {
	if !r.Type.IsValid() {
		return fmt.Errorf("invalid review type: %s", r.Type)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid review status: %s", r.Status)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence must be between 0 and 1 (got %g)", r.Confidence)
	}
	if r.Type.NeedsEntity() && (r.EntityID == nil || *r.EntityID == "") {
		return fmt.Errorf("%s items require an entity anchor", r.Type)
	}
	if r.Type.NeedsProject() && (r.ProjectID == nil || *r.ProjectID == "") {
		return fmt.Errorf("%s items require a project anchor", r.Type)
	}
	if r.Status.IsTerminal() && r.ResolvedAt == nil {
		return fmt.Errorf("resolved items must have resolved_at timestamp")
	}
	if r.Status == ReviewPending && r.ResolvedAt != nil {
		return fmt.Errorf("pending items cannot have resolved_at timestamp")
	}
	return nil
}

// SetDefaults applies default values for omitted fields.
func (r *ReviewItem) SetDefaults() {
	if r.Status == "" {
		r.Status = ReviewPending
	}
}

// DedupeKey identifies the logical decision this item represents. Two pending
// items with the same key are the same question asked twice, so stores
// collapse them. Entity-anchored items dedupe per entity (low_confidence per
// entity and field); creation proposals dedupe on the proposed name, so the
// same project suggested from two notes yields one item.
func (r *ReviewItem) DedupeKey() (string, error) {
	switch r.Type {
	case ReviewEpicCreation:
		var s EpicCreationSuggestion
		if err := r.DecodeSuggestion(&s); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s:%s:%s", r.Type, s.ProjectID, strings.ToLower(s.Name)), nil
	case ReviewProjectCreation:
		var s ProjectCreationSuggestion
		if err := r.DecodeSuggestion(&s); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s:%s", r.Type, strings.ToLower(s.Name)), nil
	case ReviewLowConfidence:
		var s FieldSuggestion
		if err := r.DecodeSuggestion(&s); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s:%s:%s", r.Type, deref(r.EntityID), s.Field), nil
	default:
		return fmt.Sprintf("%s:%s", r.Type, deref(r.EntityID)), nil
	}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// DecodeSuggestion unmarshals the AI suggestion payload into v.
func (r *ReviewItem) DecodeSuggestion(v any) error {
	if len(r.Suggestion) == 0 {
		return fmt.Errorf("review item %s has no suggestion payload", r.ID)
	}
	if err := json.Unmarshal(r.Suggestion, v); err != nil {
		return fmt.Errorf("decode %s suggestion: %w", r.Type, err)
	}
	return nil
}

// DecodeResolution unmarshals the user-supplied replacement payload into v.
func (r *ReviewItem) DecodeResolution(v any) error {
	if len(r.Resolution) == 0 {
		return fmt.Errorf("review item %s has no resolution payload", r.ID)
	}
	if err := json.Unmarshal(r.Resolution, v); err != nil {
		return fmt.Errorf("decode %s resolution: %w", r.Type, err)
	}
	return nil
}

// Suggestion payloads, one shape per review type. These marshal into
// ReviewItem.Suggestion and, for modified resolutions, ReviewItem.Resolution.

// TypeSuggestion proposes reclassifying an entity (type_classification).
type TypeSuggestion struct {
	Type EntityType `json:"type"`
}

// AssignmentSuggestion proposes a project/epic/assignee value for an entity
// (project_assignment, epic_assignment, assignee_suggestion). A nil ID means
// the oracle found no confident match; accepting it clears the field. Name is
// set instead of ID on assignee suggestions raised during extraction, where
// only the person's name as written in the note is known.
type AssignmentSuggestion struct {
	ID   *string `json:"id"`
	Name string  `json:"name,omitempty"`
}

// DuplicateCandidate is one possible duplicate of an entity.
type DuplicateCandidate struct {
	EntityID   string  `json:"entity_id"`
	Similarity float64 `json:"similarity"`
	Reason     string  `json:"reason,omitempty"`
}

// DuplicateSuggestion carries the full candidate list plus the best match
// (duplicate_detection).
type DuplicateSuggestion struct {
	Best       DuplicateCandidate   `json:"best"`
	Candidates []DuplicateCandidate `json:"candidates,omitempty"`
}

// EpicCreationSuggestion proposes a new epic under an existing project,
// clustering the named entities (epic_creation).
type EpicCreationSuggestion struct {
	ProjectID   string   `json:"project_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	EntityIDs   []string `json:"entity_ids,omitempty"`
}

// ProjectCreationSuggestion proposes a new project clustering the named
// entities (project_creation).
type ProjectCreationSuggestion struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	EntityIDs   []string `json:"entity_ids,omitempty"`
}

// FieldSuggestion carries a low-confidence field value the oracle produced
// (low_confidence). Field is "" when the flag covers the whole entity.
type FieldSuggestion struct {
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`
}
