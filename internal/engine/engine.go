package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskboard/internal/broadcast"
	"taskboard/internal/config"
	"taskboard/internal/domain"
	"taskboard/internal/events"
	"taskboard/internal/repo"
)

// Notifier receives events after their transaction has committed.
type Notifier interface {
	Publish(evt broadcast.Event)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Broadcast Notifier
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, notifier Notifier) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{},
		Config:    cfg,
		Broadcast: notifier,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// nowString is the persisted clock form: RFC3339 UTC at second
// precision, so string comparison orders instants correctly.
func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// audit appends the durable event row and queues the matching live
// notification for delivery after commit.
func (e Engine) audit(ctx context.Context, tx *sql.Tx, pending *[]broadcast.Event, evtType string, taskID int64, payload events.Payload) error {
	if err := e.Events.Append(ctx, tx, evtType, taskID, payload); err != nil {
		return err
	}
	*pending = append(*pending, broadcast.Event{
		Type:      evtType,
		Timestamp: e.nowString(),
		TaskID:    taskID,
		Payload:   payload,
	})
	return nil
}

func (e Engine) publish(pending []broadcast.Event) {
	if e.Broadcast == nil {
		return
	}
	for _, evt := range pending {
		e.Broadcast.Publish(evt)
	}
}

func (e Engine) CreateProject(ctx context.Context, name, description string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, errors.New("project name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	var pending []broadcast.Event
	p, err := e.Repo.InsertProject(ctx, tx, name, description, e.nowString())
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.audit(ctx, tx, &pending, "project.created", 0, events.Payload{"project_id": p.ID, "name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.publish(pending)
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx)
}

func (e Engine) CreateEpic(ctx context.Context, projectID int64, name, description string) (domain.Epic, error) {
	if name == "" {
		return domain.Epic{}, errors.New("epic name is required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Epic{}, repo.ErrReferentialViolation
		}
		return domain.Epic{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Epic{}, err
	}
	defer tx.Rollback()

	var pending []broadcast.Event
	ep, err := e.Repo.InsertEpic(ctx, tx, projectID, name, description, e.nowString())
	if err != nil {
		return domain.Epic{}, err
	}
	if err := e.audit(ctx, tx, &pending, "epic.created", 0, events.Payload{"epic_id": ep.ID, "project_id": projectID, "name": ep.Name}); err != nil {
		return domain.Epic{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Epic{}, err
	}
	e.publish(pending)
	return ep, nil
}

func (e Engine) GetEpic(ctx context.Context, id int64) (domain.Epic, error) {
	return e.Repo.GetEpic(ctx, id)
}

func (e Engine) ListEpics(ctx context.Context, projectID int64) ([]domain.Epic, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListEpics(ctx, projectID)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	EpicID         int64
	Name           string
	Description    string
	Status         string
	AssumptionTags []string
	Complexity     *int
	Metadata       map[string]any
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Name == "" {
		return domain.Task{}, errors.New("task name is required")
	}
	status := StatusPending
	if opts.Status != "" {
		canonical, err := CanonicalStatus(opts.Status)
		if err != nil {
			return domain.Task{}, err
		}
		status = canonical
	}
	if _, err := e.Repo.GetEpic(ctx, opts.EpicID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, repo.ErrReferentialViolation
		}
		return domain.Task{}, err
	}
	now := e.nowString()
	t := domain.Task{
		EpicID:         opts.EpicID,
		Name:           opts.Name,
		Description:    opts.Description,
		Status:         status,
		AssumptionTags: opts.AssumptionTags,
		Complexity:     opts.Complexity,
		Metadata:       opts.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	var pending []broadcast.Event
	t, err = e.Repo.InsertTask(ctx, tx, t)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.audit(ctx, tx, &pending, "task.created", t.ID, events.Payload{
		"epic_id": t.EpicID,
		"name":    t.Name,
		"status":  StatusAlias(t.Status),
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.publish(pending)
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

// LockState evaluates the live lock view of a task at the current
// instant. An expired row reads as unlocked.
func (e Engine) LockState(t domain.Task) domain.LockState {
	s := domain.LockState{TaskID: t.ID}
	if t.Locked(e.nowString()) {
		s.Holder = t.LockHolder
		s.ExpiresAt = t.LockExpiresAt
		s.Locked = true
	}
	return s
}

// TaskListOptions filter task listings. Status accepts aliases.
type TaskListOptions struct {
	Status       string
	EpicID       *int64
	ProjectID    *int64
	OnlyUnlocked bool
	Limit        int
}

func (e Engine) ListTasks(ctx context.Context, opts TaskListOptions) ([]domain.Task, error) {
	var statuses []string
	if opts.Status != "" {
		canonical, err := CanonicalStatus(opts.Status)
		if err != nil {
			return nil, err
		}
		statuses = []string{canonical}
	}
	return e.Repo.ListTasks(ctx, repo.TaskFilters{
		EpicID:       opts.EpicID,
		ProjectID:    opts.ProjectID,
		Statuses:     statuses,
		OnlyUnlocked: opts.OnlyUnlocked,
		Now:          e.nowString(),
		Limit:        opts.Limit,
	})
}

// ListAvailable returns claimable work: pending tasks whose lock is
// absent or expired. Blocked tasks never appear here.
func (e Engine) ListAvailable(ctx context.Context, epicID *int64, limit int) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, repo.TaskFilters{
		EpicID:       epicID,
		Statuses:     []string{StatusPending},
		OnlyUnlocked: true,
		Now:          e.nowString(),
		Limit:        limit,
	})
}

// UpdateTaskDetails applies a partial update. While the task is live-
// locked by someone else the update is rejected with NotHolderError.
func (e Engine) UpdateTaskDetails(ctx context.Context, taskID int64, patch repo.TaskPatch, agent string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.nowString()
	if t.Locked(now) && *t.LockHolder != agent {
		return domain.Task{}, NotHolderError{TaskID: taskID, Agent: agent, Holder: *t.LockHolder}
	}
	if err := e.Repo.UpdateTaskTx(ctx, tx, taskID, patch, now); err != nil {
		return domain.Task{}, err
	}
	var pending []broadcast.Event
	if err := e.audit(ctx, tx, &pending, "task.updated", taskID, events.Payload{"agent": agent}); err != nil {
		return domain.Task{}, err
	}
	updated, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.publish(pending)
	return updated, nil
}

// AcquireLock claims a task for an agent. The decision is a single
// conditional write; this function never decides from a prior read.
func (e Engine) AcquireLock(ctx context.Context, taskID int64, agent string, timeout time.Duration) (domain.Task, error) {
	if agent == "" {
		return domain.Task{}, errors.New("agent identity is required")
	}
	timeout = e.Config.ClampTimeout(timeout)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTaskTx(ctx, tx, taskID); err != nil {
		return domain.Task{}, err
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	expires := now.Add(timeout).Format(time.RFC3339)
	ok, err := e.Repo.AcquireLockTx(ctx, tx, taskID, agent, expires, nowStr)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		held, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return domain.Task{}, err
		}
		lockErr := AlreadyLockedError{TaskID: taskID}
		if held.LockHolder != nil {
			lockErr.Holder = *held.LockHolder
		}
		if held.LockExpiresAt != nil {
			lockErr.ExpiresAt = *held.LockExpiresAt
		}
		return domain.Task{}, lockErr
	}
	var pending []broadcast.Event
	if err := e.audit(ctx, tx, &pending, "task.locked", taskID, events.Payload{
		"agent":      agent,
		"expires_at": expires,
	}); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.publish(pending)
	return t, nil
}

// ReleaseLock gives a task back. Releasing an already-unlocked task is
// a no-op success; a mismatched holder is NotHolderError.
func (e Engine) ReleaseLock(ctx context.Context, taskID int64, agent string) (domain.Task, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, false, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, false, err
	}
	if t.LockHolder == nil {
		return t, false, nil
	}
	if *t.LockHolder != agent {
		return domain.Task{}, false, NotHolderError{TaskID: taskID, Agent: agent, Holder: *t.LockHolder}
	}
	released, err := e.Repo.ReleaseLockTx(ctx, tx, taskID, agent, e.nowString())
	if err != nil {
		return domain.Task{}, false, err
	}
	var pending []broadcast.Event
	if released {
		if err := e.audit(ctx, tx, &pending, "task.unlocked", taskID, events.Payload{
			"agent":  agent,
			"reason": "released",
		}); err != nil {
			return domain.Task{}, false, err
		}
	}
	t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, false, err
	}
	e.publish(pending)
	return t, released, nil
}

// OwnershipState describes who holds a task right now, distinguishing
// a lapsed claim from an active one.
type OwnershipState struct {
	Held      bool
	Reason    string // held, unlocked, expired, other_holder
	Holder    string
	ExpiresAt string
}

func (e Engine) Ownership(ctx context.Context, taskID int64, agent string) (OwnershipState, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return OwnershipState{}, err
	}
	if t.LockHolder == nil {
		return OwnershipState{Reason: "unlocked"}, nil
	}
	state := OwnershipState{Holder: *t.LockHolder, ExpiresAt: *t.LockExpiresAt}
	if !t.Locked(e.nowString()) {
		state.Reason = "expired"
		return state, nil
	}
	if *t.LockHolder == agent {
		state.Held = true
		state.Reason = "held"
		return state, nil
	}
	state.Reason = "other_holder"
	return state, nil
}
