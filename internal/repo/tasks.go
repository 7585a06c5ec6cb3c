package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"taskboard/internal/domain"
)

const taskColumns = `id,epic_id,name,description,status,lock_holder,lock_expires_at,assumption_tags,complexity,metadata,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var desc, holder, expires, tags, meta sql.NullString
	var complexity sql.NullInt64
	err := scan(&t.ID, &t.EpicID, &t.Name, &desc, &t.Status, &holder, &expires, &tags, &complexity, &meta, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if desc.Valid {
		t.Description = desc.String
	}
	if holder.Valid {
		t.LockHolder = &holder.String
	}
	if expires.Valid {
		t.LockExpiresAt = &expires.String
	}
	if complexity.Valid {
		c := int(complexity.Int64)
		t.Complexity = &c
	}
	decodedTags, err := decodeTags(tags)
	if err != nil {
		return t, fmt.Errorf("task %d: %w", t.ID, err)
	}
	t.AssumptionTags = decodedTags
	decodedMeta, err := decodeMetadata(meta)
	if err != nil {
		return t, fmt.Errorf("task %d: %w", t.ID, err)
	}
	t.Metadata = decodedMeta
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, error) {
	tags, err := encodeTags(t.AssumptionTags)
	if err != nil {
		return domain.Task{}, err
	}
	meta, err := encodeMetadata(t.Metadata)
	if err != nil {
		return domain.Task{}, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(epic_id,name,description,status,assumption_tags,complexity,metadata,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		t.EpicID, t.Name, nullable(t.Description), t.Status, tags, nullableIntPtr(t.Complexity), meta, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return domain.Task{}, refViolation(err)
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	EpicID    *int64
	ProjectID *int64
	Statuses  []string
	// OnlyUnlocked excludes tasks whose lock is still live at Now.
	// An expired lock row counts as unlocked.
	OnlyUnlocked bool
	Now          string
	Limit        int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.EpicID != nil {
		clauses = append(clauses, "epic_id=?")
		args = append(args, *f.EpicID)
	}
	if f.ProjectID != nil {
		clauses = append(clauses, "epic_id IN (SELECT id FROM epics WHERE project_id=?)")
		args = append(args, *f.ProjectID)
	}
	if len(f.Statuses) > 0 {
		placeholders := strings.Repeat("?,", len(f.Statuses))
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", placeholders[:len(placeholders)-1]))
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.OnlyUnlocked {
		clauses = append(clauses, "(lock_holder IS NULL OR lock_expires_at <= ?)")
		args = append(args, f.Now)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TaskPatch carries partial task updates; nil fields are left untouched.
type TaskPatch struct {
	Name           *string
	Description    *string
	AssumptionTags *[]string
	Complexity     *int
	Metadata       *map[string]any
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, id int64, p TaskPatch, now string) error {
	fields := []string{"updated_at=?"}
	args := []any{now}
	if p.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *p.Name)
	}
	if p.Description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*p.Description))
	}
	if p.AssumptionTags != nil {
		tags, err := encodeTags(*p.AssumptionTags)
		if err != nil {
			return err
		}
		fields = append(fields, "assumption_tags=?")
		args = append(args, tags)
	}
	if p.Complexity != nil {
		fields = append(fields, "complexity=?")
		args = append(args, *p.Complexity)
	}
	if p.Metadata != nil {
		meta, err := encodeMetadata(*p.Metadata)
		if err != nil {
			return err
		}
		fields = append(fields, "metadata=?")
		args = append(args, meta)
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateTaskStatusTx(ctx context.Context, tx *sql.Tx, id int64, status, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AcquireLockTx attempts the lock in one conditional write. The WHERE
// clause is the entire decision: the row updates only when unlocked or
// expired, and rows-affected is the verdict. Concurrent acquirers are
// serialized by SQLite's single writer, so exactly one of them matches.
func (r Repo) AcquireLockTx(ctx context.Context, tx *sql.Tx, id int64, holder, expiresAt, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET lock_holder=?, lock_expires_at=?, updated_at=? WHERE id=? AND (lock_holder IS NULL OR lock_expires_at <= ?)`,
		holder, expiresAt, now, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseLockTx clears the lock only when holder matches; rows-affected
// reports whether anything was released.
func (r Repo) ReleaseLockTx(ctx context.Context, tx *sql.Tx, id int64, holder, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET lock_holder=NULL, lock_expires_at=NULL, updated_at=? WHERE id=? AND lock_holder=?`,
		now, id, holder)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type ExpiredLock struct {
	TaskID int64
	Holder string
}

// SweepExpiredTx clears every lock whose expiry has passed and reports
// what it cleared. Select and update share the predicate inside one
// transaction, so the reported holders are exactly the cleared rows.
func (r Repo) SweepExpiredTx(ctx context.Context, tx *sql.Tx, now string) ([]ExpiredLock, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, lock_holder FROM tasks WHERE lock_holder IS NOT NULL AND lock_expires_at <= ?`, now)
	if err != nil {
		return nil, err
	}
	var expired []ExpiredLock
	for rows.Next() {
		var e ExpiredLock
		if err := rows.Scan(&e.TaskID, &e.Holder); err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET lock_holder=NULL, lock_expires_at=NULL, updated_at=? WHERE lock_holder IS NOT NULL AND lock_expires_at <= ?`,
		now, now)
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// AppendLogTx inserts a log entry with the next per-task sequence
// number. The INSERT..SELECT assigns MAX(seq)+1 in the same statement,
// and UNIQUE(task_id,seq) backstops it against a concurrent writer.
func (r Repo) AppendLogTx(ctx context.Context, tx *sql.Tx, taskID int64, author, body, now string) (domain.TaskLog, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO task_logs(task_id,seq,author,body,created_at)
SELECT ?, COALESCE(MAX(seq),0)+1, ?, ?, ? FROM task_logs WHERE task_id=?`,
		taskID, author, body, now, taskID)
	if err != nil {
		return domain.TaskLog{}, refViolation(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.TaskLog{}, err
	}
	var entry domain.TaskLog
	err = tx.QueryRowContext(ctx, `SELECT id,task_id,seq,author,body,created_at FROM task_logs WHERE id=?`, id).
		Scan(&entry.ID, &entry.TaskID, &entry.Seq, &entry.Author, &entry.Body, &entry.CreatedAt)
	return entry, err
}

func (r Repo) ListLogs(ctx context.Context, taskID int64) ([]domain.TaskLog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,seq,author,body,created_at FROM task_logs WHERE task_id=? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskLog
	for rows.Next() {
		var l domain.TaskLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Seq, &l.Author, &l.Body, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
