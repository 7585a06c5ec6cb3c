package repo

import (
	"context"
	"database/sql"

	"taskboard/internal/domain"
)

const eventColumns = `id,ts,type,task_id,COALESCE(payload_json,'{}')`

// LatestEvents returns the most recent audit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// EventsAfter returns events with id greater than afterID, oldest
// first, for cursor-style catch-up reads.
func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// TaskEvents returns the audit trail for one task, oldest first.
func (r Repo) TaskEvents(ctx context.Context, taskID int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var taskID sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &taskID, &e.Payload); err != nil {
			return nil, err
		}
		if taskID.Valid {
			e.TaskID = &taskID.Int64
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
