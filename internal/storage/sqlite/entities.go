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

const entityColumns = `id, type, content, status, confidence, attributes, evidence,
	project_id, epic_id, assignee_id, created_at, updated_at, deleted_at`

func scanEntity(s scanner) (*types.Entity, error) {
	var e types.Entity
	var attributes, evidence string
	var projectID, epicID, assigneeID sql.NullString
	var deletedAt sql.NullTime
	err := s.Scan(&e.ID, &e.Type, &e.Content, &e.Status, &e.Confidence,
		&attributes, &evidence, &projectID, &epicID, &assigneeID,
		&e.CreatedAt, &e.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if attributes != "" && attributes != "{}" {
		if err := json.Unmarshal([]byte(attributes), &e.Attributes); err != nil {
			return nil, fmt.Errorf("entity %s: corrupt attributes: %w", e.ID, err)
		}
	}
	if evidence != "" && evidence != "[]" {
		if err := json.Unmarshal([]byte(evidence), &e.Evidence); err != nil {
			return nil, fmt.Errorf("entity %s: corrupt evidence: %w", e.ID, err)
		}
	}
	if projectID.Valid {
		e.ProjectID = &projectID.String
	}
	if epicID.Valid {
		e.EpicID = &epicID.String
	}
	if assigneeID.Valid {
		e.AssigneeID = &assigneeID.String
	}
	if deletedAt.Valid {
		e.DeletedAt = &deletedAt.Time
	}
	return &e, nil
}

func getEntity(ctx context.Context, q dbq, id string) (*types.Entity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	entity, err := scanEntity(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("entity %s", id), err)
	}
	return entity, nil
}

// generateEntityID produces an unused hash id for the entity, widening the id
// on repeated collisions.
func generateEntityID(ctx context.Context, q dbq, prefix string, entity *types.Entity) (string, error) {
	var count int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&count); err != nil {
		return "", fmt.Errorf("failed to count entities: %w", err)
	}
	length := idgen.AdaptiveLength(count)

	now := time.Now()
	for {
		for nonce := 0; nonce < 10; nonce++ {
			id := idgen.New(prefix, entity.Content, now, length, nonce)
			var exists int
			err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE id = ?`, id).Scan(&exists)
			if err != nil {
				return "", fmt.Errorf("failed to check id collision: %w", err)
			}
			if exists == 0 {
				return id, nil
			}
		}
		if length >= 8 {
			return "", fmt.Errorf("exhausted id space at length %d", length)
		}
		length++
	}
}

func nullableStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// CreateEntity inserts a new entity and its creation event. The id is
// generated from the workspace prefix unless the caller supplied one.
func (t *sqliteTx) CreateEntity(ctx context.Context, entity *types.Entity, actor string) error {
	entity.SetDefaults()
	if err := entity.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}

	now := time.Now().UTC()
	entity.CreatedAt = now
	entity.UpdatedAt = now

	if entity.ID == "" {
		prefix, err := idPrefix(ctx, t.conn)
		if err != nil {
			return err
		}
		id, err := generateEntityID(ctx, t.conn, prefix, entity)
		if err != nil {
			return wrapDBError("generate entity id", err)
		}
		entity.ID = id
	}

	attributes, err := types.JSONString(entity.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	evidence := "[]"
	if len(entity.Evidence) > 0 {
		evidence, err = types.JSONString(entity.Evidence)
		if err != nil {
			return fmt.Errorf("encode evidence: %w", err)
		}
	}

	_, err = t.conn.ExecContext(ctx, `
		INSERT INTO entities (id, type, content, status, confidence, attributes,
			evidence, project_id, epic_id, assignee_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entity.ID, entity.Type, entity.Content, entity.Status, entity.Confidence,
		attributes, evidence, nullableStr(entity.ProjectID), nullableStr(entity.EpicID),
		nullableStr(entity.AssigneeID), entity.CreatedAt, entity.UpdatedAt)
	if err != nil {
		return wrapDBError("insert entity", err)
	}

	return t.AddEntityEvent(ctx, &types.EntityEvent{
		EntityID: entity.ID,
		Type:     types.EventCreated,
		Actor:    actor,
	})
}

// UpdateEntity applies a set of field updates and records one audit event per
// changed field. Allowed keys: content, status, type, confidence, project_id,
// epic_id, assignee_id, attributes, evidence. Nullable fields accept nil,
// string, or *string values.
func (t *sqliteTx) UpdateEntity(ctx context.Context, id string, updates map[string]interface{}, actor string) error {
	current, err := getEntity(ctx, t.conn, id)
	if err != nil {
		return err
	}
	if current.IsDeleted() {
		return fmt.Errorf("entity %s is deleted: %w", id, storage.ErrNotFound)
	}

	next := *current
	var events []*types.EntityEvent

	record := func(evType types.EntityEventType, oldVal, newVal string) {
		ev := &types.EntityEvent{EntityID: id, Type: evType, Actor: actor}
		if oldVal != "" {
			ev.OldValue = types.StrPtr(oldVal)
		}
		if newVal != "" {
			ev.NewValue = types.StrPtr(newVal)
		}
		events = append(events, ev)
	}

	for key, value := range updates {
		switch key {
		case "content":
			v, ok := value.(string)
			if !ok {
				return fmt.Errorf("%w: content must be a string", storage.ErrValidation)
			}
			if v != next.Content {
				events = append(events, &types.EntityEvent{
					EntityID: id,
					Type:     types.EventFieldChanged,
					Actor:    actor,
					Comment:  types.StrPtr("content rewritten"),
				})
				next.Content = v
			}
		case "status":
			v, err := toStatus(value)
			if err != nil {
				return err
			}
			if v != next.Status {
				record(types.EventStatusChanged, string(next.Status), string(v))
				next.Status = v
			}
		case "type":
			v, err := toEntityType(value)
			if err != nil {
				return err
			}
			if v != next.Type {
				record(types.EventTypeChanged, string(next.Type), string(v))
				next.Type = v
			}
		case "confidence":
			v, ok := value.(float64)
			if !ok {
				return fmt.Errorf("%w: confidence must be a float64", storage.ErrValidation)
			}
			next.Confidence = v
		case "project_id":
			v, err := toNullableID(value)
			if err != nil {
				return fmt.Errorf("%w: project_id: %v", storage.ErrValidation, err)
			}
			if !sameID(next.ProjectID, v) {
				record(types.EventFieldChanged, "project:"+derefOr(next.ProjectID, "none"), "project:"+derefOr(v, "none"))
				next.ProjectID = v
			}
		case "epic_id":
			v, err := toNullableID(value)
			if err != nil {
				return fmt.Errorf("%w: epic_id: %v", storage.ErrValidation, err)
			}
			if !sameID(next.EpicID, v) {
				record(types.EventFieldChanged, "epic:"+derefOr(next.EpicID, "none"), "epic:"+derefOr(v, "none"))
				next.EpicID = v
			}
		case "assignee_id":
			v, err := toNullableID(value)
			if err != nil {
				return fmt.Errorf("%w: assignee_id: %v", storage.ErrValidation, err)
			}
			if !sameID(next.AssigneeID, v) {
				record(types.EventFieldChanged, "assignee:"+derefOr(next.AssigneeID, "none"), "assignee:"+derefOr(v, "none"))
				next.AssigneeID = v
			}
		case "attributes":
			v, ok := value.(types.AttributeBag)
			if !ok {
				return fmt.Errorf("%w: attributes must be a types.AttributeBag", storage.ErrValidation)
			}
			next.Attributes = v
		case "evidence":
			v, ok := value.([]types.EvidenceSpan)
			if !ok {
				return fmt.Errorf("%w: evidence must be []types.EvidenceSpan", storage.ErrValidation)
			}
			next.Evidence = v
		default:
			return fmt.Errorf("%w: unknown update field %q", storage.ErrValidation, key)
		}
	}

	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	next.UpdatedAt = time.Now().UTC()

	attributes, err := types.JSONString(next.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	evidence := "[]"
	if len(next.Evidence) > 0 {
		evidence, err = types.JSONString(next.Evidence)
		if err != nil {
			return fmt.Errorf("encode evidence: %w", err)
		}
	}

	_, err = t.conn.ExecContext(ctx, `
		UPDATE entities SET type = ?, content = ?, status = ?, confidence = ?,
			attributes = ?, evidence = ?, project_id = ?, epic_id = ?,
			assignee_id = ?, updated_at = ?
		WHERE id = ?
	`, next.Type, next.Content, next.Status, next.Confidence, attributes, evidence,
		nullableStr(next.ProjectID), nullableStr(next.EpicID), nullableStr(next.AssigneeID),
		next.UpdatedAt, id)
	if err != nil {
		return wrapDBError("update entity", err)
	}

	for _, ev := range events {
		if err := t.AddEntityEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func toStatus(v any) (types.EntityStatus, error) {
	switch s := v.(type) {
	case types.EntityStatus:
		return s, nil
	case string:
		return types.EntityStatus(s), nil
	}
	return "", fmt.Errorf("%w: status must be a string", storage.ErrValidation)
}

func toEntityType(v any) (types.EntityType, error) {
	switch s := v.(type) {
	case types.EntityType:
		return s, nil
	case string:
		return types.EntityType(s), nil
	}
	return "", fmt.Errorf("%w: type must be a string", storage.ErrValidation)
}

func toNullableID(v any) (*string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case *string:
		return s, nil
	case string:
		if s == "" {
			return nil, nil
		}
		return &s, nil
	}
	return nil, fmt.Errorf("must be nil or a string")
}

func sameID(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func derefOr(p *string, fallback string) string {
	if p == nil {
		return fallback
	}
	return *p
}

func (t *sqliteTx) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	return getEntity(ctx, t.conn, id)
}

// LinkEntityToNote records provenance in the entity_sources join. Idempotent.
func (t *sqliteTx) LinkEntityToNote(ctx context.Context, entityID, noteID string) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO entity_sources (entity_id, note_id) VALUES (?, ?)
	`, entityID, noteID)
	if err != nil {
		return wrapDBError("link entity to note", err)
	}
	return nil
}

// AddTag normalizes and attaches a tag. Labels that normalize to "" are
// dropped. Idempotent on conflict.
func (t *sqliteTx) AddTag(ctx context.Context, entityID, tag string) error {
	name := types.NormalizeTag(tag)
	if name == "" {
		return nil
	}
	if _, err := t.conn.ExecContext(ctx, `INSERT OR IGNORE INTO tags (name) VALUES (?)`, name); err != nil {
		return wrapDBError("upsert tag", err)
	}
	var tagID int64
	if err := t.conn.QueryRowContext(ctx, `SELECT id FROM tags WHERE name = ?`, name).Scan(&tagID); err != nil {
		return wrapDBError("get tag id", err)
	}
	if _, err := t.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO entity_tags (entity_id, tag_id) VALUES (?, ?)
	`, entityID, tagID); err != nil {
		return wrapDBError("attach tag", err)
	}
	return nil
}

func getEntityTags(ctx context.Context, q dbq, entityID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT t.name FROM tags t
		JOIN entity_tags et ON et.tag_id = t.id
		WHERE et.entity_id = ?
		ORDER BY t.name
	`, entityID)
	if err != nil {
		return nil, wrapDBError("get entity tags", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapDBError("scan tag", err)
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

func (t *sqliteTx) GetEntityTags(ctx context.Context, entityID string) ([]string, error) {
	return getEntityTags(ctx, t.conn, entityID)
}

// AddRelationship inserts the edge unless the identical edge already exists.
func (t *sqliteTx) AddRelationship(ctx context.Context, rel *types.Relationship) (bool, error) {
	if err := rel.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}
	res, err := t.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO entity_relationships (source_id, target_id, type, created_at)
		VALUES (?, ?, ?, ?)
	`, rel.SourceID, rel.TargetID, rel.Type, rel.CreatedAt)
	if err != nil {
		return false, wrapDBError("insert relationship", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows > 0, nil
}

// AddEntityEvent appends to the entity's audit trail.
func (t *sqliteTx) AddEntityEvent(ctx context.Context, event *types.EntityEvent) error {
	if !event.Type.IsValid() {
		return fmt.Errorf("%w: invalid event type %q", storage.ErrValidation, event.Type)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO entity_events (entity_id, type, actor, old_value, new_value, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.EntityID, event.Type, event.Actor, event.OldValue, event.NewValue,
		event.Comment, event.CreatedAt)
	if err != nil {
		return wrapDBError("insert entity event", err)
	}
	return nil
}

// GetEntity retrieves a live or soft-deleted entity by id.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	return getEntity(ctx, s.db, id)
}

// ListEntities returns entities matching the filter, newest first.
func (s *Store) ListEntities(ctx context.Context, filter types.EntityFilter) ([]*types.Entity, error) {
	conds := []string{"1=1"}
	var args []any
	if !filter.IncludeDeleted {
		conds = append(conds, "e.deleted_at IS NULL")
	}
	if filter.Type != nil {
		conds = append(conds, "e.type = ?")
		args = append(args, *filter.Type)
	}
	if filter.Status != nil {
		conds = append(conds, "e.status = ?")
		args = append(args, *filter.Status)
	}
	if filter.ProjectID != nil {
		if *filter.ProjectID == "" {
			conds = append(conds, "e.project_id IS NULL")
		} else {
			conds = append(conds, "e.project_id = ?")
			args = append(args, *filter.ProjectID)
		}
	}
	if filter.EpicID != nil {
		if *filter.EpicID == "" {
			conds = append(conds, "e.epic_id IS NULL")
		} else {
			conds = append(conds, "e.epic_id = ?")
			args = append(args, *filter.EpicID)
		}
	}
	if filter.AssigneeID != nil {
		if *filter.AssigneeID == "" {
			conds = append(conds, "e.assignee_id IS NULL")
		} else {
			conds = append(conds, "e.assignee_id = ?")
			args = append(args, *filter.AssigneeID)
		}
	}

	query := `SELECT ` + prefixedEntityColumns + ` FROM entities e`
	if filter.NoteID != "" {
		query += ` JOIN entity_sources es ON es.entity_id = e.id`
		conds = append(conds, "es.note_id = ?")
		args = append(args, filter.NoteID)
	}
	if filter.Tag != "" {
		query += ` JOIN entity_tags et ON et.entity_id = e.id JOIN tags tg ON tg.id = et.tag_id`
		conds = append(conds, "tg.name = ?")
		args = append(args, types.NormalizeTag(filter.Tag))
	}
	query += " WHERE " + strings.Join(conds, " AND ") + " ORDER BY e.created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return s.queryEntities(ctx, query, args...)
}

const prefixedEntityColumns = `e.id, e.type, e.content, e.status, e.confidence,
	e.attributes, e.evidence, e.project_id, e.epic_id, e.assignee_id,
	e.created_at, e.updated_at, e.deleted_at`

func (s *Store) queryEntities(ctx context.Context, query string, args ...any) ([]*types.Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list entities", err)
	}
	defer rows.Close()

	var entities []*types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, wrapDBError("scan entity", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// ListRecentEntities returns the newest live entities excluding the given
// ids, for the organization stage's duplicate comparison sample.
func (s *Store) ListRecentEntities(ctx context.Context, limit int, exclude []string) ([]*types.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE deleted_at IS NULL`
	var args []any
	if len(exclude) > 0 {
		placeholders := strings.Repeat("?, ", len(exclude))
		query += ` AND id NOT IN (` + placeholders[:len(placeholders)-2] + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	return s.queryEntities(ctx, query, args...)
}

// GetEntityTags returns the entity's tags, sorted.
func (s *Store) GetEntityTags(ctx context.Context, entityID string) ([]string, error) {
	return getEntityTags(ctx, s.db, entityID)
}

// ListTags returns every tag with its live-entity count, most used first,
// ties broken by name.
func (s *Store) ListTags(ctx context.Context) ([]types.TagCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.name, COUNT(e.id) FROM tags t
		LEFT JOIN entity_tags et ON et.tag_id = t.id
		LEFT JOIN entities e ON e.id = et.entity_id AND e.deleted_at IS NULL
		GROUP BY t.id
		ORDER BY COUNT(e.id) DESC, t.name
	`)
	if err != nil {
		return nil, wrapDBError("list tags", err)
	}
	defer rows.Close()

	var tags []types.TagCount
	for rows.Next() {
		var tc types.TagCount
		if err := rows.Scan(&tc.Name, &tc.Count); err != nil {
			return nil, wrapDBError("scan tag", err)
		}
		tags = append(tags, tc)
	}
	return tags, rows.Err()
}

// GetNoteEntities returns the entities extracted from a note, oldest first.
func (s *Store) GetNoteEntities(ctx context.Context, noteID string) ([]*types.Entity, error) {
	query := `SELECT ` + prefixedEntityColumns + ` FROM entities e
		JOIN entity_sources es ON es.entity_id = e.id
		WHERE es.note_id = ? ORDER BY e.created_at ASC`
	return s.queryEntities(ctx, query, noteID)
}

// GetRelationships returns edges where the entity is source or target.
func (s *Store) GetRelationships(ctx context.Context, entityID string) ([]*types.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, target_id, type, created_at FROM entity_relationships
		WHERE source_id = ? OR target_id = ?
		ORDER BY created_at ASC
	`, entityID, entityID)
	if err != nil {
		return nil, wrapDBError("get relationships", err)
	}
	defer rows.Close()

	var rels []*types.Relationship
	for rows.Next() {
		var r types.Relationship
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.Type, &r.CreatedAt); err != nil {
			return nil, wrapDBError("scan relationship", err)
		}
		rels = append(rels, &r)
	}
	return rels, rows.Err()
}

// GetEntityEvents returns the entity's audit trail, newest first.
func (s *Store) GetEntityEvents(ctx context.Context, entityID string, limit int) ([]*types.EntityEvent, error) {
	query := `
		SELECT id, entity_id, type, actor, old_value, new_value, comment, created_at
		FROM entity_events WHERE entity_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{entityID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("get entity events", err)
	}
	defer rows.Close()

	var events []*types.EntityEvent
	for rows.Next() {
		var ev types.EntityEvent
		if err := rows.Scan(&ev.ID, &ev.EntityID, &ev.Type, &ev.Actor,
			&ev.OldValue, &ev.NewValue, &ev.Comment, &ev.CreatedAt); err != nil {
			return nil, wrapDBError("scan entity event", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
