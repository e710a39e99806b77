// Package jot provides a minimal public API for embedding jot's pipeline in
// other Go programs.
//
// Most integrations should use the CLI or the worker's event feed. This
// package exports only the types and constructors needed to run captures
// through the extraction and organization stages programmatically.
package jot

import (
	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/storage/sqlite"
	"github.com/jotworks/jot/internal/types"
)

// Core types for working with captured notes and extracted entities.
type (
	RawNote    = types.RawNote
	Entity     = types.Entity
	EntityType = types.EntityType
	ReviewItem = types.ReviewItem
	Project    = types.Project
	Epic       = types.Epic
)

// Entity type constants.
const (
	TypeTask     = types.TypeTask
	TypeDecision = types.TypeDecision
	TypeInsight  = types.TypeInsight
)

// Storage is the read surface plus transaction entry point.
type Storage = storage.Storage

// Open opens (or creates) a jot database at path.
var Open = sqlite.New

// Error helpers for branching on failure categories.
var (
	IsNotFound   = storage.IsNotFound
	IsConflict   = storage.IsConflict
	IsValidation = storage.IsValidation
)
