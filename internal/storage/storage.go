// Package storage defines the transactional contract the jot pipeline
// requires from its relational store.
//
// The concrete implementation lives in the sqlite sub-package. Consumers
// depend on these interfaces rather than the concrete type so tests can
// substitute fakes and so every stage's atomicity requirements are explicit:
// any stage that mutates more than one row does so through RunInTransaction.
package storage

import (
	"context"
	"errors"

	"github.com/jotworks/jot/internal/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned on a unique-constraint collision for an
// expected-unique insert, or when resolving an already-resolved review item.
var ErrConflict = errors.New("conflict")

// ErrNotInitialized is returned when the database has no id_prefix config
// (workspace was never initialized).
var ErrNotInitialized = errors.New("database not initialized")

// ErrValidation is returned for malformed caller input.
var ErrValidation = errors.New("validation error")

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err wraps ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsValidation reports whether err wraps ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// Storage is the read surface plus transaction entry point.
type Storage interface {
	// Notes
	CreateNote(ctx context.Context, note *types.RawNote) error
	GetNote(ctx context.Context, id string) (*types.RawNote, error)
	GetNoteByExternalID(ctx context.Context, source types.NoteSource, externalID string) (*types.RawNote, error)
	ListNotes(ctx context.Context, filter types.NoteFilter) ([]*types.RawNote, error)

	// Entities
	GetEntity(ctx context.Context, id string) (*types.Entity, error)
	ListEntities(ctx context.Context, filter types.EntityFilter) ([]*types.Entity, error)
	// ListRecentEntities returns the most recently created live entities,
	// newest first, excluding the given ids. Used to build the duplicate
	// comparison sample for organization.
	ListRecentEntities(ctx context.Context, limit int, exclude []string) ([]*types.Entity, error)
	GetEntityTags(ctx context.Context, entityID string) ([]string, error)
	// ListTags returns all tags with live-entity usage counts, most used
	// first.
	ListTags(ctx context.Context) ([]types.TagCount, error)
	GetEntityEvents(ctx context.Context, entityID string, limit int) ([]*types.EntityEvent, error)
	GetNoteEntities(ctx context.Context, noteID string) ([]*types.Entity, error)
	GetRelationships(ctx context.Context, entityID string) ([]*types.Relationship, error)

	// Projects, epics, users
	GetProject(ctx context.Context, id string) (*types.Project, error)
	// GetProjectByName matches case-insensitively among non-deleted projects.
	GetProjectByName(ctx context.Context, name string) (*types.Project, error)
	ListProjects(ctx context.Context, includeArchived bool) ([]*types.Project, error)
	GetEpic(ctx context.Context, id string) (*types.Epic, error)
	ListEpics(ctx context.Context, projectID string) ([]*types.Epic, error)
	GetUser(ctx context.Context, id string) (*types.User, error)
	ListUsers(ctx context.Context) ([]*types.User, error)

	// Review queue
	GetReviewItem(ctx context.Context, id string) (*types.ReviewItem, error)
	ListReviewItems(ctx context.Context, filter types.ReviewFilter) ([]*types.ReviewItem, error)

	// Aggregates
	GetProjectStats(ctx context.Context, projectID string) (*types.ProjectStats, error)
	GetStatistics(ctx context.Context) (*types.Statistics, error)

	// Configuration
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
}

// Transaction is the mutation surface. All operations share one database
// transaction: if the callback passed to RunInTransaction returns an error
// or panics, every change rolls back; on nil return everything commits.
//
// Reads here see the transaction's own writes, which the pipeline relies on
// (e.g. linking relationships to entities created moments earlier).
type Transaction interface {
	// Notes
	GetNote(ctx context.Context, id string) (*types.RawNote, error)
	CreateNote(ctx context.Context, note *types.RawNote) error
	// MarkNoteProcessed sets processed and clears any processing error.
	MarkNoteProcessed(ctx context.Context, id string) error
	// SetNoteError records a processing failure without marking processed.
	SetNoteError(ctx context.Context, id, message string) error
	// RecordNoteError records a failure message without touching the
	// processed flag. For stages that run after extraction committed: the
	// note must not flip back to unprocessed and re-extract.
	RecordNoteError(ctx context.Context, id, message string) error
	// ResetNote clears processed and processing error so the note can be
	// extracted again.
	ResetNote(ctx context.Context, id string) error

	// Entities
	CreateEntity(ctx context.Context, entity *types.Entity, actor string) error
	UpdateEntity(ctx context.Context, id string, updates map[string]interface{}, actor string) error
	GetEntity(ctx context.Context, id string) (*types.Entity, error)
	LinkEntityToNote(ctx context.Context, entityID, noteID string) error
	AddTag(ctx context.Context, entityID, tag string) error
	GetEntityTags(ctx context.Context, entityID string) ([]string, error)
	// AddRelationship inserts the edge if absent. Returns false when the
	// identical edge already existed.
	AddRelationship(ctx context.Context, rel *types.Relationship) (bool, error)
	AddEntityEvent(ctx context.Context, event *types.EntityEvent) error

	// Projects, epics, users
	CreateProject(ctx context.Context, project *types.Project, actor string) error
	CreateEpic(ctx context.Context, epic *types.Epic, actor string) error
	GetProject(ctx context.Context, id string) (*types.Project, error)
	GetProjectByName(ctx context.Context, name string) (*types.Project, error)
	GetEpic(ctx context.Context, id string) (*types.Epic, error)
	GetEpicByName(ctx context.Context, projectID, name string) (*types.Epic, error)
	GetUser(ctx context.Context, id string) (*types.User, error)
	// GetUserByName matches case-insensitively.
	GetUserByName(ctx context.Context, name string) (*types.User, error)
	CreateUser(ctx context.Context, user *types.User) error

	// Review queue
	// CreateReviewItem inserts the item unless an equivalent pending item
	// already exists (same type, anchor, and discriminator). Returns false
	// when the insert collapsed into an existing pending item.
	CreateReviewItem(ctx context.Context, item *types.ReviewItem) (bool, error)
	GetReviewItem(ctx context.Context, id string) (*types.ReviewItem, error)
	// ResolveReviewItem moves a pending item to a terminal status. Returns
	// ErrConflict if the item is already resolved.
	ResolveReviewItem(ctx context.Context, id string, status types.ReviewStatus, resolution []byte, comment, resolvedBy string) error
	ListPendingReviewsForEntity(ctx context.Context, entityID string) ([]*types.ReviewItem, error)
	// DeletePendingReviews removes pending items of one type anchored to an
	// entity, returning how many were removed.
	DeletePendingReviews(ctx context.Context, entityID string, typ types.ReviewType) (int, error)

	// Configuration
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}
