package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jotworks/jot/internal/idgen"
	"github.com/jotworks/jot/internal/storage"
	"github.com/jotworks/jot/internal/types"
)

// generateContainerID hashes the name into an unused id for the table,
// widening on repeated collisions.
func generateContainerID(ctx context.Context, q dbq, table, prefix, name string) (string, error) {
	var count int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&count); err != nil {
		return "", fmt.Errorf("failed to count %s: %w", table, err)
	}
	length := idgen.AdaptiveLength(count)

	now := time.Now()
	for {
		for nonce := 0; nonce < 10; nonce++ {
			id := idgen.New(prefix, name, now, length, nonce)
			var exists int
			err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&exists)
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

const projectColumns = `id, name, description, status, origin, source_note_id, created_at, updated_at, deleted_at`

func scanProject(s scanner) (*types.Project, error) {
	var p types.Project
	var sourceNoteID sql.NullString
	var deletedAt sql.NullTime
	err := s.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &p.Origin,
		&sourceNoteID, &p.CreatedAt, &p.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if sourceNoteID.Valid {
		p.SourceNoteID = &sourceNoteID.String
	}
	if deletedAt.Valid {
		p.DeletedAt = &deletedAt.Time
	}
	return &p, nil
}

func getProject(ctx context.Context, q dbq, id string) (*types.Project, error) {
	row := q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("project %s", id), err)
	}
	return p, nil
}

func getProjectByName(ctx context.Context, q dbq, name string) (*types.Project, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE lower(name) = lower(?) AND deleted_at IS NULL
	`, name)
	p, err := scanProject(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("project %q", name), err)
	}
	return p, nil
}

// CreateProject inserts a project. Names collide case-insensitively with
// existing live projects, surfacing as ErrConflict.
func (t *sqliteTx) CreateProject(ctx context.Context, project *types.Project, actor string) error {
	project.SetDefaults()
	if err := project.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}

	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	if project.ID == "" {
		id, err := generateContainerID(ctx, t.conn, "projects", idgen.PrefixProject, project.Name)
		if err != nil {
			return wrapDBError("generate project id", err)
		}
		project.ID = id
	}

	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, status, origin, source_note_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, project.ID, project.Name, project.Description, project.Status, project.Origin,
		nullableStr(project.SourceNoteID), project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return wrapDBError("insert project", err)
	}
	return nil
}

func (t *sqliteTx) GetProject(ctx context.Context, id string) (*types.Project, error) {
	return getProject(ctx, t.conn, id)
}

func (t *sqliteTx) GetProjectByName(ctx context.Context, name string) (*types.Project, error) {
	return getProjectByName(ctx, t.conn, name)
}

func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	return getProject(ctx, s.db, id)
}

func (s *Store) GetProjectByName(ctx context.Context, name string) (*types.Project, error) {
	return getProjectByName(ctx, s.db, name)
}

// ListProjects returns live projects sorted by name. Archived projects are
// included only when requested.
func (s *Store) ListProjects(ctx context.Context, includeArchived bool) ([]*types.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE deleted_at IS NULL`
	if !includeArchived {
		query += ` AND status = ?`
	}
	query += ` ORDER BY lower(name)`

	var args []any
	if !includeArchived {
		args = append(args, types.ContainerActive)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list projects", err)
	}
	defer rows.Close()

	var projects []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, wrapDBError("scan project", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

const epicColumns = `id, project_id, name, description, status, origin, source_note_id, created_at, updated_at, deleted_at`

func scanEpic(s scanner) (*types.Epic, error) {
	var e types.Epic
	var sourceNoteID sql.NullString
	var deletedAt sql.NullTime
	err := s.Scan(&e.ID, &e.ProjectID, &e.Name, &e.Description, &e.Status, &e.Origin,
		&sourceNoteID, &e.CreatedAt, &e.UpdatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	if sourceNoteID.Valid {
		e.SourceNoteID = &sourceNoteID.String
	}
	if deletedAt.Valid {
		e.DeletedAt = &deletedAt.Time
	}
	return &e, nil
}

func getEpic(ctx context.Context, q dbq, id string) (*types.Epic, error) {
	row := q.QueryRowContext(ctx, `SELECT `+epicColumns+` FROM epics WHERE id = ?`, id)
	e, err := scanEpic(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("epic %s", id), err)
	}
	return e, nil
}

// CreateEpic inserts an epic under its project. Names collide
// case-insensitively within the project.
func (t *sqliteTx) CreateEpic(ctx context.Context, epic *types.Epic, actor string) error {
	epic.SetDefaults()
	if err := epic.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	if _, err := getProject(ctx, t.conn, epic.ProjectID); err != nil {
		return err
	}

	now := time.Now().UTC()
	epic.CreatedAt = now
	epic.UpdatedAt = now

	if epic.ID == "" {
		id, err := generateContainerID(ctx, t.conn, "epics", idgen.PrefixEpic, epic.ProjectID+"/"+epic.Name)
		if err != nil {
			return wrapDBError("generate epic id", err)
		}
		epic.ID = id
	}

	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO epics (id, project_id, name, description, status, origin, source_note_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, epic.ID, epic.ProjectID, epic.Name, epic.Description, epic.Status, epic.Origin,
		nullableStr(epic.SourceNoteID), epic.CreatedAt, epic.UpdatedAt)
	if err != nil {
		return wrapDBError("insert epic", err)
	}
	return nil
}

func (t *sqliteTx) GetEpic(ctx context.Context, id string) (*types.Epic, error) {
	return getEpic(ctx, t.conn, id)
}

// GetEpicByName matches case-insensitively among the project's live epics.
func (t *sqliteTx) GetEpicByName(ctx context.Context, projectID, name string) (*types.Epic, error) {
	row := t.conn.QueryRowContext(ctx, `
		SELECT `+epicColumns+` FROM epics
		WHERE project_id = ? AND lower(name) = lower(?) AND deleted_at IS NULL
	`, projectID, name)
	e, err := scanEpic(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("epic %q", name), err)
	}
	return e, nil
}

func (s *Store) GetEpic(ctx context.Context, id string) (*types.Epic, error) {
	return getEpic(ctx, s.db, id)
}

// ListEpics returns a project's live epics sorted by name.
func (s *Store) ListEpics(ctx context.Context, projectID string) ([]*types.Epic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+epicColumns+` FROM epics
		WHERE project_id = ? AND deleted_at IS NULL
		ORDER BY lower(name)
	`, projectID)
	if err != nil {
		return nil, wrapDBError("list epics", err)
	}
	defer rows.Close()

	var epics []*types.Epic
	for rows.Next() {
		e, err := scanEpic(rows)
		if err != nil {
			return nil, wrapDBError("scan epic", err)
		}
		epics = append(epics, e)
	}
	return epics, rows.Err()
}

const userColumns = `id, name, email, created_at`

func scanUser(s scanner) (*types.User, error) {
	var u types.User
	if err := s.Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func getUser(ctx context.Context, q dbq, id string) (*types.User, error) {
	row := q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("user %s", id), err)
	}
	return u, nil
}

// CreateUser inserts a user. Names collide case-insensitively.
func (t *sqliteTx) CreateUser(ctx context.Context, user *types.User) error {
	if err := user.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.ID == "" {
		id, err := generateContainerID(ctx, t.conn, "users", idgen.PrefixUser, user.Name)
		if err != nil {
			return wrapDBError("generate user id", err)
		}
		user.ID = id
	}

	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO users (id, name, email, created_at) VALUES (?, ?, ?, ?)
	`, user.ID, user.Name, user.Email, user.CreatedAt)
	if err != nil {
		return wrapDBError("insert user", err)
	}
	return nil
}

func (t *sqliteTx) GetUser(ctx context.Context, id string) (*types.User, error) {
	return getUser(ctx, t.conn, id)
}

// GetUserByName matches case-insensitively.
func (t *sqliteTx) GetUserByName(ctx context.Context, name string) (*types.User, error) {
	row := t.conn.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE lower(name) = lower(?)
	`, name)
	u, err := scanUser(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("user %q", name), err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	return getUser(ctx, s.db, id)
}

// ListUsers returns all users sorted by name.
func (s *Store) ListUsers(ctx context.Context) ([]*types.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY lower(name)`)
	if err != nil {
		return nil, wrapDBError("list users", err)
	}
	defer rows.Close()

	var users []*types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, wrapDBError("scan user", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
