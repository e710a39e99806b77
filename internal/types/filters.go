package types

// NoteFilter narrows note listings.
type NoteFilter struct {
	Processed *bool      // nil = any
	Failed    bool       // only notes with a processing error
	Source    NoteSource // "" = any
	Limit     int        // 0 = no limit
}

// EntityFilter narrows entity listings. Soft-deleted entities are excluded
// unless IncludeDeleted is set.
type EntityFilter struct {
	Type           *EntityType
	Status         *EntityStatus
	ProjectID      *string // pointer to "" matches entities with no project
	EpicID         *string
	AssigneeID     *string
	NoteID         string // entities extracted from this note
	Tag            string
	IncludeDeleted bool
	Limit          int
}

// ReviewFilter narrows review queue listings.
type ReviewFilter struct {
	Status   *ReviewStatus
	Type     *ReviewType
	EntityID string
	Limit    int
}
