package sqlite

import (
	"context"

	"github.com/jotworks/jot/internal/types"
)

// GetProjectStats aggregates entity and epic counts for one project.
func (s *Store) GetProjectStats(ctx context.Context, projectID string) (*types.ProjectStats, error) {
	if _, err := getProject(ctx, s.db, projectID); err != nil {
		return nil, err
	}

	stats := &types.ProjectStats{ProjectID: projectID}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN type = 'task' AND status != 'done' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN type = 'task' AND status = 'done' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN type = 'decision' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN type = 'insight' THEN 1 ELSE 0 END), 0)
		FROM entities
		WHERE project_id = ? AND deleted_at IS NULL
	`, projectID).Scan(&stats.TotalEntities, &stats.OpenTasks, &stats.DoneTasks,
		&stats.Decisions, &stats.Insights)
	if err != nil {
		return nil, wrapDBError("project stats", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM epics WHERE project_id = ? AND deleted_at IS NULL
	`, projectID).Scan(&stats.Epics)
	if err != nil {
		return nil, wrapDBError("project epic count", err)
	}
	return stats, nil
}

// GetStatistics aggregates workspace-wide counts for status output.
func (s *Store) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	stats := &types.Statistics{}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN processed = 0 AND processing_error = '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed = 0 AND processing_error != '' THEN 1 ELSE 0 END), 0)
		FROM raw_notes
	`).Scan(&stats.TotalNotes, &stats.UnprocessedNotes, &stats.FailedNotes)
	if err != nil {
		return nil, wrapDBError("note stats", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN type = 'task' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN type = 'decision' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN type = 'insight' THEN 1 ELSE 0 END), 0)
		FROM entities
		WHERE deleted_at IS NULL
	`).Scan(&stats.TotalEntities, &stats.Tasks, &stats.Decisions, &stats.Insights)
	if err != nil {
		return nil, wrapDBError("entity stats", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM review_queue WHERE status = 'pending'
	`).Scan(&stats.PendingReviews)
	if err != nil {
		return nil, wrapDBError("review stats", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM projects WHERE deleted_at IS NULL),
			(SELECT COUNT(*) FROM epics WHERE deleted_at IS NULL)
	`).Scan(&stats.Projects, &stats.Epics)
	if err != nil {
		return nil, wrapDBError("container stats", err)
	}
	return stats, nil
}
