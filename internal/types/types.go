// Package types defines core data structures for the jot pipeline.
package types

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MaxNoteBytes caps raw note content. Anything larger should be split at
// capture time.
const MaxNoteBytes = 65536

// MaxEntityContentLen caps extracted entity content.
const MaxEntityContentLen = 4000

// RawNote is a unit of captured, unprocessed input.
type RawNote struct {
	ID              string     `json:"id"`
	Content         string     `json:"content"`
	Source          NoteSource `json:"source,omitempty"`
	SourceRef       string     `json:"source_ref,omitempty"`  // file path, channel name, etc.
	ExternalID      *string    `json:"external_id,omitempty"` // source-side dedup handle; (source, external_id) unique
	CapturedAt      time.Time  `json:"captured_at"`
	Processed       bool       `json:"processed,omitempty"`
	ProcessingError string     `json:"processing_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Validate checks the note has valid field values.
func (n *RawNote) Validate() error {
	if strings.TrimSpace(n.Content) == "" {
		return fmt.Errorf("content is required")
	}
	if len(n.Content) > MaxNoteBytes {
		return fmt.Errorf("content must be %d bytes or less (got %d)", MaxNoteBytes, len(n.Content))
	}
	if !n.Source.IsValid() {
		return fmt.Errorf("invalid source: %s", n.Source)
	}
	if n.ExternalID != nil && *n.ExternalID == "" {
		return fmt.Errorf("external_id cannot be empty when present")
	}
	return nil
}

// SetDefaults applies default values for fields omitted at capture time.
func (n *RawNote) SetDefaults() {
	if n.Source == "" {
		n.Source = SourceCLI
	}
}

// ContentFingerprint returns a stable hash of the note content, used as a
// synthetic external id for file-based capture channels.
func (n *RawNote) ContentFingerprint() string {
	h := sha256.Sum256([]byte(n.Content))
	return fmt.Sprintf("%x", h[:16])
}

// NoteSource identifies the capture channel a note arrived through.
type NoteSource string

// Capture channel constants
const (
	SourceCLI        NoteSource = "cli"
	SourceInbox      NoteSource = "inbox" // watched drop directory
	SourceChat       NoteSource = "chat"
	SourceTranscript NoteSource = "transcript"
	SourceVoice      NoteSource = "voice"
	SourceAPI        NoteSource = "api"
)

// IsValid checks if the source value is valid.
func (s NoteSource) IsValid() bool {
	switch s {
	case SourceCLI, SourceInbox, SourceChat, SourceTranscript, SourceVoice, SourceAPI:
		return true
	}
	return false
}

// Entity is a structured work item derived from one or more notes: a task,
// a decision, or an insight. The attribute bag is variant-specific and must
// validate against the schema for the entity's type.
type Entity struct {
	ID         string         `json:"id"`
	Type       EntityType     `json:"type"`
	Content    string         `json:"content"`
	Status     EntityStatus   `json:"status,omitempty"`
	Confidence float64        `json:"confidence"` // oracle confidence for the entity as a whole
	Attributes AttributeBag   `json:"attributes,omitempty"`
	Evidence   []EvidenceSpan `json:"evidence,omitempty"`
	ProjectID  *string        `json:"project_id,omitempty"`
	EpicID     *string        `json:"epic_id,omitempty"`
	AssigneeID *string        `json:"assignee_id,omitempty"`
	Tags       []string       `json:"tags,omitempty"` // populated for export/display
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  *time.Time     `json:"deleted_at,omitempty"`
}

// Validate checks the entity has valid field values.
func (e *Entity) Validate() error {
	if strings.TrimSpace(e.Content) == "" {
		return fmt.Errorf("content is required")
	}
	if len(e.Content) > MaxEntityContentLen {
		return fmt.Errorf("content must be %d characters or less (got %d)", MaxEntityContentLen, len(e.Content))
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("invalid entity type: %s", e.Type)
	}
	if !e.Type.ValidStatus(e.Status) {
		return fmt.Errorf("invalid status %q for type %s", e.Status, e.Type)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence must be between 0 and 1 (got %g)", e.Confidence)
	}
	if err := e.Attributes.Validate(e.Type); err != nil {
		return err
	}
	for i, ev := range e.Evidence {
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("evidence[%d]: %w", i, err)
		}
	}
	return nil
}

// SetDefaults applies default values for fields the oracle may omit.
func (e *Entity) SetDefaults() {
	if e.Status == "" {
		e.Status = e.Type.DefaultStatus()
	}
}

// IsDeleted returns true if the entity has been soft-deleted.
func (e *Entity) IsDeleted() bool {
	return e.DeletedAt != nil
}

// EntityType tags the variant of an entity.
type EntityType string

// Entity type constants
const (
	TypeTask     EntityType = "task"
	TypeDecision EntityType = "decision"
	TypeInsight  EntityType = "insight"
)

// IsValid checks if the entity type value is valid.
func (t EntityType) IsValid() bool {
	switch t {
	case TypeTask, TypeDecision, TypeInsight:
		return true
	}
	return false
}

// EntityStatus is the workflow state of an entity. The legal set depends on
// the entity type; use EntityType.ValidStatus.
type EntityStatus string

// Entity status constants, grouped by the types they apply to
const (
	// task
	StatusCaptured    EntityStatus = "captured"
	StatusNeedsAction EntityStatus = "needs_action"
	StatusInProgress  EntityStatus = "in_progress"
	StatusDone        EntityStatus = "done"

	// decision
	StatusPending EntityStatus = "pending"
	StatusDecided EntityStatus = "decided"

	// insight (shares "captured")
	StatusAcknowledged EntityStatus = "acknowledged"
)

// Statuses returns the legal status set for the type, defaults first.
func (t EntityType) Statuses() []EntityStatus {
	switch t {
	case TypeTask:
		return []EntityStatus{StatusCaptured, StatusNeedsAction, StatusInProgress, StatusDone}
	case TypeDecision:
		return []EntityStatus{StatusPending, StatusDecided}
	case TypeInsight:
		return []EntityStatus{StatusCaptured, StatusAcknowledged}
	}
	return nil
}

// DefaultStatus returns the initial status for a freshly created entity of
// this type, and the status an entity is normalized to when its type changes.
func (t EntityType) DefaultStatus() EntityStatus {
	switch t {
	case TypeDecision:
		return StatusPending
	default:
		return StatusCaptured
	}
}

// ValidStatus checks whether s belongs to the type's status enum.
func (t EntityType) ValidStatus(s EntityStatus) bool {
	for _, v := range t.Statuses() {
		if s == v {
			return true
		}
	}
	return false
}

// AttributeBag is the variant payload of an entity. At most one field may be
// set and it must match the entity's type; a fully empty bag is legal for
// every type.
type AttributeBag struct {
	Task     *TaskAttributes     `json:"task,omitempty"`
	Decision *DecisionAttributes `json:"decision,omitempty"`
	Insight  *InsightAttributes  `json:"insight,omitempty"`
}

// IsZero returns true if no variant payload is set.
func (a AttributeBag) IsZero() bool {
	return a.Task == nil && a.Decision == nil && a.Insight == nil
}

// Validate checks that the bag carries at most the payload matching t and
// that the payload itself is valid.
func (a AttributeBag) Validate(t EntityType) error {
	count := 0
	if a.Task != nil {
		count++
	}
	if a.Decision != nil {
		count++
	}
	if a.Insight != nil {
		count++
	}
	if count > 1 {
		return fmt.Errorf("attributes must carry a single variant payload")
	}
	switch {
	case a.Task != nil:
		if t != TypeTask {
			return fmt.Errorf("task attributes on %s entity", t)
		}
		return a.Task.Validate()
	case a.Decision != nil:
		if t != TypeDecision {
			return fmt.Errorf("decision attributes on %s entity", t)
		}
		return a.Decision.Validate()
	case a.Insight != nil:
		if t != TypeInsight {
			return fmt.Errorf("insight attributes on %s entity", t)
		}
		return a.Insight.Validate()
	}
	return nil
}

// MatchesType reports whether the bag is empty or carries the payload for t.
// Used when an entity changes type: attributes that no longer match are
// dropped rather than carried across variants.
func (a AttributeBag) MatchesType(t EntityType) bool {
	if a.IsZero() {
		return true
	}
	switch t {
	case TypeTask:
		return a.Task != nil
	case TypeDecision:
		return a.Decision != nil
	case TypeInsight:
		return a.Insight != nil
	}
	return false
}

// TaskAttributes is the attribute schema for task entities.
type TaskAttributes struct {
	Priority         int        `json:"priority"` // 0 (critical) to 4 (someday); no omitempty, 0 is valid
	DueAt            *time.Time `json:"due_at,omitempty"`
	EstimatedMinutes *int       `json:"estimated_minutes,omitempty"`
}

// Validate checks the task attribute values.
func (t *TaskAttributes) Validate() error {
	if t.Priority < 0 || t.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", t.Priority)
	}
	if t.EstimatedMinutes != nil && *t.EstimatedMinutes < 0 {
		return fmt.Errorf("estimated_minutes cannot be negative")
	}
	return nil
}

// DecisionAttributes is the attribute schema for decision entities.
type DecisionAttributes struct {
	Rationale    string     `json:"rationale,omitempty"`
	Alternatives []string   `json:"alternatives,omitempty"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
}

// Validate checks the decision attribute values.
func (d *DecisionAttributes) Validate() error {
	for i, alt := range d.Alternatives {
		if strings.TrimSpace(alt) == "" {
			return fmt.Errorf("alternatives[%d] cannot be blank", i)
		}
	}
	return nil
}

// InsightAttributes is the attribute schema for insight entities.
type InsightAttributes struct {
	Category string `json:"category,omitempty"`
	Impact   int    `json:"impact,omitempty"` // 1 (minor) to 3 (major); 0 = unrated
}

// Validate checks the insight attribute values.
func (i *InsightAttributes) Validate() error {
	if i.Impact < 0 || i.Impact > 3 {
		return fmt.Errorf("impact must be between 0 and 3 (got %d)", i.Impact)
	}
	return nil
}

// EvidenceSpan is a quoted span of source note text supporting an extracted
// entity, with byte offsets into the note content.
type EvidenceSpan struct {
	Quote string `json:"quote"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Validate checks the span offsets are coherent.
func (e EvidenceSpan) Validate() error {
	if e.Quote == "" {
		return fmt.Errorf("quote is required")
	}
	if e.Start < 0 || e.End < e.Start {
		return fmt.Errorf("invalid span offsets [%d, %d)", e.Start, e.End)
	}
	return nil
}

// Origin records whether a container was created by a human or suggested by
// the oracle.
type Origin string

// Origin constants
const (
	OriginHuman     Origin = "human"
	OriginSuggested Origin = "suggested"
)

// IsValid checks if the origin value is valid.
func (o Origin) IsValid() bool {
	return o == OriginHuman || o == OriginSuggested
}

// ContainerStatus is the lifecycle state of a project or epic.
type ContainerStatus string

// Container status constants
const (
	ContainerActive   ContainerStatus = "active"
	ContainerArchived ContainerStatus = "archived"
)

// IsValid checks if the container status value is valid.
func (s ContainerStatus) IsValid() bool {
	return s == ContainerActive || s == ContainerArchived
}

// Project is a top-level organizational container.
type Project struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Status       ContainerStatus `json:"status,omitempty"`
	Origin       Origin          `json:"origin,omitempty"`
	SourceNoteID *string         `json:"source_note_id,omitempty"` // provenance when origin is suggested
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	DeletedAt    *time.Time      `json:"deleted_at,omitempty"`
}

// Validate checks the project has valid field values.
func (p *Project) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(p.Name) > 200 {
		return fmt.Errorf("name must be 200 characters or less (got %d)", len(p.Name))
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", p.Status)
	}
	if !p.Origin.IsValid() {
		return fmt.Errorf("invalid origin: %s", p.Origin)
	}
	return nil
}

// SetDefaults applies default values for omitted fields.
func (p *Project) SetDefaults() {
	if p.Status == "" {
		p.Status = ContainerActive
	}
	if p.Origin == "" {
		p.Origin = OriginHuman
	}
}

// IsDeleted returns true if the project has been soft-deleted.
func (p *Project) IsDeleted() bool {
	return p.DeletedAt != nil
}

// Epic is a grouping of entities under exactly one project.
type Epic struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Status       ContainerStatus `json:"status,omitempty"`
	Origin       Origin          `json:"origin,omitempty"`
	SourceNoteID *string         `json:"source_note_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	DeletedAt    *time.Time      `json:"deleted_at,omitempty"`
}

// Validate checks the epic has valid field values.
func (e *Epic) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(e.Name) > 200 {
		return fmt.Errorf("name must be 200 characters or less (got %d)", len(e.Name))
	}
	if e.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if !e.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", e.Status)
	}
	if !e.Origin.IsValid() {
		return fmt.Errorf("invalid origin: %s", e.Origin)
	}
	return nil
}

// SetDefaults applies default values for omitted fields.
func (e *Epic) SetDefaults() {
	if e.Status == "" {
		e.Status = ContainerActive
	}
	if e.Origin == "" {
		e.Origin = OriginHuman
	}
}

// User is a known assignee. The pipeline only reads this set; account
// management lives elsewhere.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the user has valid field values.
func (u *User) Validate() error {
	if strings.TrimSpace(u.Name) == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// RelationshipType classifies a directed edge between two entities.
type RelationshipType string

// Relationship type constants
const (
	RelDerivedFrom RelationshipType = "derived_from"
	RelRelatedTo   RelationshipType = "related_to"
	RelPromotedTo  RelationshipType = "promoted_to"
	RelDuplicateOf RelationshipType = "duplicate_of"
)

// IsValid checks if the relationship type value is valid.
func (r RelationshipType) IsValid() bool {
	switch r {
	case RelDerivedFrom, RelRelatedTo, RelPromotedTo, RelDuplicateOf:
		return true
	}
	return false
}

// Relationship is a directed typed edge between two entities. At most one
// edge of a given type exists per ordered pair.
type Relationship struct {
	SourceID  string           `json:"source_id"`
	TargetID  string           `json:"target_id"`
	Type      RelationshipType `json:"type"`
	CreatedAt time.Time        `json:"created_at"`
}

// Validate checks the relationship has valid field values.
func (r *Relationship) Validate() error {
	if r.SourceID == "" || r.TargetID == "" {
		return fmt.Errorf("source_id and target_id are required")
	}
	if r.SourceID == r.TargetID {
		return fmt.Errorf("relationship cannot be self-referential")
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("invalid relationship type: %s", r.Type)
	}
	return nil
}

// Tag is a normalized lowercase label, many-to-many with entities.
type Tag struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeTag lowercases and trims a label and collapses internal
// whitespace to single hyphens. Returns "" for labels that normalize away.
func NormalizeTag(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), "-")
}

// EntityEventType categorizes audit trail events on an entity.
type EntityEventType string

// Entity event type constants
const (
	EventCreated          EntityEventType = "created"
	EventCommented        EntityEventType = "comment"
	EventStatusChanged    EntityEventType = "status_change"
	EventFieldChanged     EntityEventType = "field_change"
	EventTypeChanged      EntityEventType = "type_change"
	EventOrganized        EntityEventType = "organized"
	EventReviewResolution EntityEventType = "review_resolution"
	EventReprocessed      EntityEventType = "reprocess"
)

// IsValid checks if the event type value is valid.
func (t EntityEventType) IsValid() bool {
	switch t {
	case EventCreated, EventCommented, EventStatusChanged, EventFieldChanged,
		EventTypeChanged, EventOrganized, EventReviewResolution, EventReprocessed:
		return true
	}
	return false
}

// EntityEvent is an append-only audit log entry for an entity.
type EntityEvent struct {
	ID        int64           `json:"id"`
	EntityID  string          `json:"entity_id"`
	Type      EntityEventType `json:"type"`
	Actor     string          `json:"actor,omitempty"`
	OldValue  *string         `json:"old_value,omitempty"`
	NewValue  *string         `json:"new_value,omitempty"`
	Comment   *string         `json:"comment,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ProjectStats provides aggregate counts for one project.
type ProjectStats struct {
	ProjectID     string `json:"project_id"`
	TotalEntities int    `json:"total_entities"`
	OpenTasks     int    `json:"open_tasks"`
	DoneTasks     int    `json:"done_tasks"`
	Decisions     int    `json:"decisions"`
	Insights      int    `json:"insights"`
	Epics         int    `json:"epics"`
}

// Statistics provides aggregate metrics across the workspace.
type Statistics struct {
	TotalNotes       int `json:"total_notes"`
	UnprocessedNotes int `json:"unprocessed_notes"`
	FailedNotes      int `json:"failed_notes"`
	TotalEntities    int `json:"total_entities"`
	Tasks            int `json:"tasks"`
	Decisions        int `json:"decisions"`
	Insights         int `json:"insights"`
	PendingReviews   int `json:"pending_reviews"`
	Projects         int `json:"projects"`
	Epics            int `json:"epics"`
}

// TagCount pairs a tag name with how many live entities carry it.
type TagCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// StrPtr returns a pointer to s. Convenience for optional string columns.
func StrPtr(s string) *string {
	return &s
}

// JSONString marshals v for storage in a JSON-valued column.
func JSONString(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}
