package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jotworks/jot/internal/idgen"
	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/types"
)

const reviewColumns = `id, type, status, entity_id, project_id, suggestion,
	confidence, reason, resolution, comment, resolved_by, resolved_at,
	created_at, updated_at`

func scanReviewItem(s scanner) (*types.ReviewItem, error) {
	var r types.ReviewItem
	var entityID, projectID, resolution sql.NullString
	var suggestion string
	var resolvedAt sql.NullTime
	err := s.Scan(&r.ID, &r.Type, &r.Status, &entityID, &projectID, &suggestion,
		&r.Confidence, &r.Reason, &resolution, &r.Comment, &r.ResolvedBy,
		&resolvedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if entityID.Valid {
		r.EntityID = &entityID.String
	}
	if projectID.Valid {
		r.ProjectID = &projectID.String
	}
	if suggestion != "" && suggestion != "{}" {
		r.Suggestion = json.RawMessage(suggestion)
	}
	if resolution.Valid && resolution.String != "" {
		r.Resolution = json.RawMessage(resolution.String)
	}
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	return &r, nil
}

func getReviewItem(ctx context.Context, q dbq, id string) (*types.ReviewItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM review_queue WHERE id = ?`, id)
	item, err := scanReviewItem(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("review item %s", id), err)
	}
	return item, nil
}

// CreateReviewItem inserts a pending item unless one with the same dedupe key
// is already pending, in which case the existing item's id is copied back and
// created is false. Anchors must reference live rows.
func (t *sqliteTx) CreateReviewItem(ctx context.Context, item *types.ReviewItem) (bool, error) {
	item.SetDefaults()
	if err := item.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	if item.Status != types.ReviewPending {
		return false, fmt.Errorf("%w: new review items must be pending", storage.ErrValidation)
	}

	key, err := item.DedupeKey()
	if err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}

	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now

	if item.ID == "" {
		id, err := generateContainerID(ctx, t.conn, "review_queue", idgen.PrefixReview, key)
		if err != nil {
			return false, wrapDBError("generate review id", err)
		}
		item.ID = id
	}

	suggestion := "{}"
	if len(item.Suggestion) > 0 {
		suggestion = string(item.Suggestion)
	}

	res, err := t.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO review_queue (id, type, status, entity_id, project_id,
			suggestion, confidence, reason, comment, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.Type, item.Status, nullableStr(item.EntityID), nullableStr(item.ProjectID),
		suggestion, item.Confidence, item.Reason, item.Comment, key, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return false, wrapDBError("insert review item", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}

	// Collapsed into the existing pending item; report its id.
	var existingID string
	err = t.conn.QueryRowContext(ctx, `
		SELECT id FROM review_queue WHERE dedupe_key = ? AND status = 'pending'
	`, key).Scan(&existingID)
	if err != nil {
		return false, wrapDBError("find deduped review item", err)
	}
	item.ID = existingID
	return false, nil
}

func (t *sqliteTx) GetReviewItem(ctx context.Context, id string) (*types.ReviewItem, error) {
	return getReviewItem(ctx, t.conn, id)
}

// ResolveReviewItem moves a pending item to a terminal status. A second
// resolution attempt returns ErrConflict and leaves the first outcome intact.
func (t *sqliteTx) ResolveReviewItem(ctx context.Context, id string, status types.ReviewStatus, resolution []byte, comment, resolvedBy string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: resolution status must be terminal (got %s)", storage.ErrValidation, status)
	}

	var res any
	if len(resolution) > 0 {
		res = string(resolution)
	}
	now := time.Now().UTC()
	out, err := t.conn.ExecContext(ctx, `
		UPDATE review_queue
		SET status = ?, resolution = ?, comment = ?, resolved_by = ?, resolved_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, status, res, comment, resolvedBy, now, now, id)
	if err != nil {
		return wrapDBError("resolve review item", err)
	}
	rows, err := out.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var current string
	err = t.conn.QueryRowContext(ctx, `SELECT status FROM review_queue WHERE id = ?`, id).Scan(&current)
	if err != nil {
		return wrapDBError(fmt.Sprintf("review item %s", id), err)
	}
	return fmt.Errorf("review item %s already %s: %w", id, current, storage.ErrConflict)
}

// ListPendingReviewsForEntity returns pending items anchored to the entity,
// oldest first.
func (t *sqliteTx) ListPendingReviewsForEntity(ctx context.Context, entityID string) ([]*types.ReviewItem, error) {
	rows, err := t.conn.QueryContext(ctx, `
		SELECT `+reviewColumns+` FROM review_queue
		WHERE entity_id = ? AND status = 'pending'
		ORDER BY created_at ASC, id ASC
	`, entityID)
	if err != nil {
		return nil, wrapDBError("list pending reviews", err)
	}
	defer rows.Close()
	return collectReviewItems(rows)
}

// DeletePendingReviews drops pending items of one type anchored to an entity.
// Used when a fresher decision supersedes the queued one.
func (t *sqliteTx) DeletePendingReviews(ctx context.Context, entityID string, typ types.ReviewType) (int, error) {
	res, err := t.conn.ExecContext(ctx, `
		DELETE FROM review_queue
		WHERE entity_id = ? AND type = ? AND status = 'pending'
	`, entityID, typ)
	if err != nil {
		return 0, wrapDBError("delete pending reviews", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(rows), nil
}

func (s *Store) GetReviewItem(ctx context.Context, id string) (*types.ReviewItem, error) {
	return getReviewItem(ctx, s.db, id)
}

// ListReviewItems returns items matching the filter in queue order (oldest
// first).
func (s *Store) ListReviewItems(ctx context.Context, filter types.ReviewFilter) ([]*types.ReviewItem, error) {
	conds := []string{"1=1"}
	var args []any
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.Type != nil {
		conds = append(conds, "type = ?")
		args = append(args, *filter.Type)
	}
	if filter.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, filter.EntityID)
	}

	query := `SELECT ` + reviewColumns + ` FROM review_queue WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list review items", err)
	}
	defer rows.Close()
	return collectReviewItems(rows)
}

func collectReviewItems(rows *sql.Rows) ([]*types.ReviewItem, error) {
	var items []*types.ReviewItem
	for rows.Next() {
		item, err := scanReviewItem(rows)
		if err != nil {
			return nil, wrapDBError("scan review item", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
