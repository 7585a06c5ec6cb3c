package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"taskboard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound             = errors.New("not found")
	ErrReferentialViolation = errors.New("referential violation")
	ErrMalformedMetadata    = errors.New("malformed metadata")
	ErrDuplicateName        = errors.New("duplicate name")
)

// refViolation maps SQLite constraint failures onto the repo sentinels.
func refViolation(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "FOREIGN KEY constraint failed") {
		return ErrReferentialViolation
	}
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return ErrDuplicateName
	}
	return err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, name, description, now string) (domain.Project, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO projects(name,description,created_at,updated_at) VALUES (?,?,?,?)`,
		name, nullable(description), now, now)
	if err != nil {
		return domain.Project{}, refViolation(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Project{}, err
	}
	return domain.Project{ID: id, Name: name, Description: description, CreatedAt: now, UpdatedAt: now}, nil
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description,created_at,updated_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &desc, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,'') AS description,created_at,updated_at FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertEpic(ctx context.Context, tx *sql.Tx, projectID int64, name, description, now string) (domain.Epic, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO epics(project_id,name,description,status,created_at,updated_at) VALUES (?,?,?,'ACTIVE',?,?)`,
		projectID, name, nullable(description), now, now)
	if err != nil {
		return domain.Epic{}, refViolation(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Epic{}, err
	}
	return domain.Epic{ID: id, ProjectID: projectID, Name: name, Description: description, Status: "ACTIVE", CreatedAt: now, UpdatedAt: now}, nil
}

func (r Repo) GetEpic(ctx context.Context, id int64) (domain.Epic, error) {
	var e domain.Epic
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,description,status,created_at,updated_at FROM epics WHERE id=?`, id).
		Scan(&e.ID, &e.ProjectID, &e.Name, &desc, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if desc.Valid {
		e.Description = desc.String
	}
	return e, err
}

func (r Repo) ListEpics(ctx context.Context, projectID int64) ([]domain.Epic, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,COALESCE(description,'') AS description,status,created_at,updated_at FROM epics WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Epic
	for rows.Next() {
		var e domain.Epic
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Name, &e.Description, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
