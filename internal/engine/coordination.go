package engine

import (
	"context"
	"errors"
	"time"

	"taskboard/internal/broadcast"
	"taskboard/internal/domain"
	"taskboard/internal/events"
	"taskboard/internal/repo"
)

// StatusChange is the outcome of a status update. From and To are
// canonical; LockReleased reports the side-effect on the task's lock.
type StatusChange struct {
	Task         domain.Task
	From         string
	To           string
	LockReleased bool
	NoOp         bool
}

// UpdateStatus moves a task through the state machine, applying the
// lock side-effects in the same transaction as the status write.
func (e Engine) UpdateStatus(ctx context.Context, taskID int64, status, agent string) (StatusChange, error) {
	to, err := CanonicalStatus(status)
	if err != nil {
		return StatusChange{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StatusChange{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return StatusChange{}, err
	}
	from := t.Status
	if from == to {
		return StatusChange{Task: t, From: from, To: to, NoOp: true}, nil
	}
	if err := ensureTransition(from, to); err != nil {
		return StatusChange{}, err
	}

	nowT := e.now().UTC()
	now := nowT.Format(time.RFC3339)
	live := t.Locked(now)
	lockReleased := false
	var pending []broadcast.Event

	switch to {
	case StatusInProgress:
		if live && *t.LockHolder != agent {
			return StatusChange{}, NotHolderError{TaskID: taskID, Agent: agent, Holder: *t.LockHolder}
		}
		if !live {
			if agent == "" {
				return StatusChange{}, errors.New("agent identity is required to start a task")
			}
			expires := nowT.Add(e.Config.ClampTimeout(0)).Format(time.RFC3339)
			ok, err := e.Repo.AcquireLockTx(ctx, tx, taskID, agent, expires, now)
			if err != nil {
				return StatusChange{}, err
			}
			if !ok {
				// A concurrent acquirer won between our read and the
				// conditional write.
				held, err := e.Repo.GetTaskTx(ctx, tx, taskID)
				if err != nil {
					return StatusChange{}, err
				}
				holder := ""
				if held.LockHolder != nil {
					holder = *held.LockHolder
				}
				return StatusChange{}, NotHolderError{TaskID: taskID, Agent: agent, Holder: holder}
			}
			if err := e.audit(ctx, tx, &pending, "task.locked", taskID, events.Payload{
				"agent":      agent,
				"expires_at": expires,
				"reason":     "status_in_progress",
			}); err != nil {
				return StatusChange{}, err
			}
		}
	case StatusReview:
		if from == StatusInProgress && t.LockHolder != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET lock_holder=NULL, lock_expires_at=NULL, updated_at=? WHERE id=?`, now, taskID); err != nil {
				return StatusChange{}, err
			}
			lockReleased = true
			if err := e.audit(ctx, tx, &pending, "task.unlocked", taskID, events.Payload{
				"agent":  agent,
				"reason": "status_review",
			}); err != nil {
				return StatusChange{}, err
			}
		}
	case StatusCompleted:
		if live && *t.LockHolder != agent {
			return StatusChange{}, NotHolderError{TaskID: taskID, Agent: agent, Holder: *t.LockHolder}
		}
		if t.LockHolder != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET lock_holder=NULL, lock_expires_at=NULL, updated_at=? WHERE id=?`, now, taskID); err != nil {
				return StatusChange{}, err
			}
			if live {
				lockReleased = true
				if err := e.audit(ctx, tx, &pending, "task.unlocked", taskID, events.Payload{
					"agent":  agent,
					"reason": "completed",
				}); err != nil {
					return StatusChange{}, err
				}
			}
		}
	case StatusBlocked, StatusPending:
		// No lock action. Blocked tasks stay lockable, and a reopened
		// task keeps whatever claim it carries.
	}

	if err := e.Repo.UpdateTaskStatusTx(ctx, tx, taskID, to, now); err != nil {
		return StatusChange{}, err
	}
	if err := e.audit(ctx, tx, &pending, "task.status_changed", taskID, events.Payload{
		"from":          StatusAlias(from),
		"to":            StatusAlias(to),
		"agent":         agent,
		"lock_released": lockReleased,
	}); err != nil {
		return StatusChange{}, err
	}
	updated, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return StatusChange{}, err
	}
	if err := tx.Commit(); err != nil {
		return StatusChange{}, err
	}
	e.publish(pending)
	return StatusChange{Task: updated, From: from, To: to, LockReleased: lockReleased}, nil
}

// AppendLog records an audit note against a task. Sequence numbers are
// assigned per task and never reused.
func (e Engine) AppendLog(ctx context.Context, taskID int64, author, body string) (domain.TaskLog, error) {
	if body == "" {
		return domain.TaskLog{}, errors.New("log body is required")
	}
	if author == "" {
		author = "unknown"
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskLog{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTaskTx(ctx, tx, taskID); err != nil {
		return domain.TaskLog{}, err
	}
	entry, err := e.Repo.AppendLogTx(ctx, tx, taskID, author, body, e.nowString())
	if err != nil {
		return domain.TaskLog{}, err
	}
	var pending []broadcast.Event
	if err := e.audit(ctx, tx, &pending, "task.log_appended", taskID, events.Payload{
		"seq":    entry.Seq,
		"author": entry.Author,
	}); err != nil {
		return domain.TaskLog{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskLog{}, err
	}
	e.publish(pending)
	return entry, nil
}

func (e Engine) ListLogs(ctx context.Context, taskID int64) ([]domain.TaskLog, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListLogs(ctx, taskID)
}

func (e Engine) ListEvents(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	if afterID > 0 {
		return e.Repo.EventsAfter(ctx, afterID, limit)
	}
	return e.Repo.LatestEvents(ctx, limit)
}

// BoardTask is a task annotated with its live lock state.
type BoardTask struct {
	domain.Task
	Lock domain.LockState `json:"lock"`
}

type BoardEpic struct {
	domain.Epic
	Tasks []BoardTask `json:"tasks"`
}

type BoardProject struct {
	domain.Project
	Epics []BoardEpic `json:"epics"`
}

// Board assembles the full hierarchy snapshot for the dashboard, lock
// state evaluated at read time.
func (e Engine) Board(ctx context.Context) ([]BoardProject, error) {
	projects, err := e.Repo.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	now := e.nowString()
	var board []BoardProject
	for _, p := range projects {
		bp := BoardProject{Project: p}
		epics, err := e.Repo.ListEpics(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		for _, ep := range epics {
			be := BoardEpic{Epic: ep}
			tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{EpicID: &ep.ID})
			if err != nil {
				return nil, err
			}
			for _, t := range tasks {
				bt := BoardTask{Task: t, Lock: domain.LockState{TaskID: t.ID}}
				if t.Locked(now) {
					bt.Lock.Holder = t.LockHolder
					bt.Lock.ExpiresAt = t.LockExpiresAt
					bt.Lock.Locked = true
				}
				be.Tasks = append(be.Tasks, bt)
			}
			bp.Epics = append(bp.Epics, be)
		}
		board = append(board, bp)
	}
	return board, nil
}

// SweepExpired clears every lapsed lock and emits task.unlocked per
// task cleared. It is liveness only: acquire treats expired rows as
// free whether or not the sweeper has run.
func (e Engine) SweepExpired(ctx context.Context) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	expired, err := e.Repo.SweepExpiredTx(ctx, tx, e.nowString())
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	var pending []broadcast.Event
	for _, ex := range expired {
		if err := e.audit(ctx, tx, &pending, "task.unlocked", ex.TaskID, events.Payload{
			"agent":  ex.Holder,
			"reason": "lock_expired",
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.publish(pending)
	return len(expired), nil
}
