package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/types"
)

const noteColumns = `id, content, source, source_ref, external_id, captured_at,
	processed, processing_error, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanNote(s scanner) (*types.RawNote, error) {
	var n types.RawNote
	var externalID sql.NullString
	var processed int
	err := s.Scan(&n.ID, &n.Content, &n.Source, &n.SourceRef, &externalID,
		&n.CapturedAt, &processed, &n.ProcessingError, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if externalID.Valid {
		n.ExternalID = &externalID.String
	}
	n.Processed = processed != 0
	return &n, nil
}

func insertNote(ctx context.Context, q dbq, note *types.RawNote) error {
	if err := note.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}

	now := time.Now().UTC()
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	if note.CapturedAt.IsZero() {
		note.CapturedAt = now
	}
	note.CreatedAt = now
	note.UpdatedAt = now

	var externalID any
	if note.ExternalID != nil {
		externalID = *note.ExternalID
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO raw_notes (id, content, source, source_ref, external_id,
			captured_at, processed, processing_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?)
	`, note.ID, note.Content, note.Source, note.SourceRef, externalID,
		note.CapturedAt, note.CreatedAt, note.UpdatedAt)
	if err != nil {
		return wrapDBError("insert note", err)
	}
	return nil
}

func getNote(ctx context.Context, q dbq, id string) (*types.RawNote, error) {
	row := q.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM raw_notes WHERE id = ?`, id)
	note, err := scanNote(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("note %s", id), err)
	}
	return note, nil
}

// CreateNote persists a captured note. A (source, external_id) collision
// returns storage.ErrConflict; callers that want reuse semantics should look
// the note up first.
func (s *Store) CreateNote(ctx context.Context, note *types.RawNote) error {
	note.SetDefaults()
	return insertNote(ctx, s.db, note)
}

// GetNote retrieves a note by id.
func (s *Store) GetNote(ctx context.Context, id string) (*types.RawNote, error) {
	return getNote(ctx, s.db, id)
}

// GetNoteByExternalID retrieves a note by its capture-channel dedup handle.
func (s *Store) GetNoteByExternalID(ctx context.Context, source types.NoteSource, externalID string) (*types.RawNote, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+noteColumns+` FROM raw_notes WHERE source = ? AND external_id = ?
	`, source, externalID)
	note, err := scanNote(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("note %s/%s", source, externalID), err)
	}
	return note, nil
}

// ListNotes returns notes matching the filter, newest capture first.
func (s *Store) ListNotes(ctx context.Context, filter types.NoteFilter) ([]*types.RawNote, error) {
	var conds []string
	var args []any
	if filter.Processed != nil {
		conds = append(conds, "processed = ?")
		if *filter.Processed {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if filter.Failed {
		conds = append(conds, "processing_error != ''")
	}
	if filter.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, filter.Source)
	}

	query := `SELECT ` + noteColumns + ` FROM raw_notes`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY captured_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list notes", err)
	}
	defer rows.Close()

	var notes []*types.RawNote
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, wrapDBError("scan note", err)
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

func (t *sqliteTx) GetNote(ctx context.Context, id string) (*types.RawNote, error) {
	return getNote(ctx, t.conn, id)
}

func (t *sqliteTx) CreateNote(ctx context.Context, note *types.RawNote) error {
	note.SetDefaults()
	return insertNote(ctx, t.conn, note)
}

// MarkNoteProcessed sets the processed flag and clears any prior error.
func (t *sqliteTx) MarkNoteProcessed(ctx context.Context, id string) error {
	return t.updateNoteProcessing(ctx, id, 1, "")
}

// SetNoteError records a processing failure for operator inspection.
func (t *sqliteTx) SetNoteError(ctx context.Context, id, message string) error {
	return t.updateNoteProcessing(ctx, id, 0, message)
}

// ResetNote clears processing state so extraction runs again.
func (t *sqliteTx) ResetNote(ctx context.Context, id string) error {
	return t.updateNoteProcessing(ctx, id, 0, "")
}

// RecordNoteError writes the failure message but leaves the processed flag
// alone. An organization failure on an extracted note stays visible without
// retriggering extraction.
func (t *sqliteTx) RecordNoteError(ctx context.Context, id, message string) error {
	res, err := t.conn.ExecContext(ctx, `
		UPDATE raw_notes SET processing_error = ?, updated_at = ?
		WHERE id = ?
	`, message, time.Now().UTC(), id)
	if err != nil {
		return wrapDBError("record note error", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("note %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) updateNoteProcessing(ctx context.Context, id string, processed int, errMsg string) error {
	res, err := t.conn.ExecContext(ctx, `
		UPDATE raw_notes SET processed = ?, processing_error = ?, updated_at = ?
		WHERE id = ?
	`, processed, errMsg, time.Now().UTC(), id)
	if err != nil {
		return wrapDBError("update note processing state", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("note %s: %w", id, storage.ErrNotFound)
	}
	return nil
}
