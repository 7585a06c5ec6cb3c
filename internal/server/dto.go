package server

import (
	"taskboard/internal/domain"
	"taskboard/internal/engine"
)

type CreateProjectRequest struct {
	Name        string `json:"name" minLength:"1" maxLength:"200"`
	Description string `json:"description,omitempty" maxLength:"4000"`
}

type CreateEpicRequest struct {
	Name        string `json:"name" minLength:"1" maxLength:"200"`
	Description string `json:"description,omitempty" maxLength:"4000"`
}

type CreateTaskRequest struct {
	Name           string         `json:"name" minLength:"1" maxLength:"200"`
	Description    string         `json:"description,omitempty" maxLength:"4000"`
	Status         string         `json:"status,omitempty" example:"TODO"`
	AssumptionTags []string       `json:"assumption_tags,omitempty"`
	Complexity     *int           `json:"complexity,omitempty" minimum:"0" maximum:"100"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type UpdateTaskRequest struct {
	AgentID        string          `json:"agent_id,omitempty"`
	Name           *string         `json:"name,omitempty"`
	Description    *string         `json:"description,omitempty"`
	AssumptionTags *[]string       `json:"assumption_tags,omitempty"`
	Complexity     *int            `json:"complexity,omitempty"`
	Metadata       *map[string]any `json:"metadata,omitempty"`
}

type AcquireLockRequest struct {
	AgentID        string `json:"agent_id" minLength:"1"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" minimum:"0"`
}

type ReleaseLockRequest struct {
	AgentID string `json:"agent_id" minLength:"1"`
}

type UpdateStatusRequest struct {
	Status  string `json:"status" minLength:"1" example:"IN_PROGRESS"`
	AgentID string `json:"agent_id,omitempty"`
}

type AppendLogRequest struct {
	Author string `json:"author,omitempty"`
	Body   string `json:"body" minLength:"1"`
}

// TaskResponse is the wire form of a task: alias status, live lock
// state already evaluated.
type TaskResponse struct {
	ID             int64          `json:"id"`
	EpicID         int64          `json:"epic_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Status         string         `json:"status" example:"TODO"`
	Locked         bool           `json:"locked"`
	LockHolder     *string        `json:"lock_holder,omitempty"`
	LockExpiresAt  *string        `json:"lock_expires_at,omitempty"`
	AssumptionTags []string       `json:"assumption_tags,omitempty"`
	Complexity     *int           `json:"complexity,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

type StatusChangeResponse struct {
	Task         TaskResponse `json:"task"`
	From         string       `json:"from"`
	To           string       `json:"to"`
	LockReleased bool         `json:"lock_released"`
	Changed      bool         `json:"changed"`
}

type ReleaseResponse struct {
	Task     TaskResponse `json:"task"`
	Released bool         `json:"released"`
}

func toTaskResponse(e engine.Engine, t domain.Task) TaskResponse {
	lock := e.LockState(t)
	resp := TaskResponse{
		ID:             t.ID,
		EpicID:         t.EpicID,
		Name:           t.Name,
		Description:    t.Description,
		Status:         engine.StatusAlias(t.Status),
		Locked:         lock.Locked,
		AssumptionTags: t.AssumptionTags,
		Complexity:     t.Complexity,
		Metadata:       t.Metadata,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	if lock.Locked {
		resp.LockHolder = lock.Holder
		resp.LockExpiresAt = lock.ExpiresAt
	}
	return resp
}

func toTaskResponses(e engine.Engine, tasks []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, toTaskResponse(e, t))
	}
	return res
}

type projectBody struct {
	Project domain.Project `json:"project"`
}

type projectsBody struct {
	Projects []domain.Project `json:"projects"`
}

type epicBody struct {
	Epic domain.Epic `json:"epic"`
}

type epicsBody struct {
	Epics []domain.Epic `json:"epics"`
}

type tasksBody struct {
	Tasks []TaskResponse `json:"tasks"`
}

type logBody struct {
	Log domain.TaskLog `json:"log"`
}

type logsBody struct {
	Logs []domain.TaskLog `json:"logs"`
}

type eventsBody struct {
	Events []domain.Event `json:"events"`
}

type boardEpic struct {
	domain.Epic
	Tasks []TaskResponse `json:"tasks"`
}

type boardProject struct {
	domain.Project
	Epics []boardEpic `json:"epics"`
}

type boardBody struct {
	Projects []boardProject `json:"projects"`
}

func toBoardBody(e engine.Engine, board []engine.BoardProject) boardBody {
	var body boardBody
	for _, bp := range board {
		p := boardProject{Project: bp.Project}
		for _, be := range bp.Epics {
			ep := boardEpic{Epic: be.Epic}
			for _, bt := range be.Tasks {
				ep.Tasks = append(ep.Tasks, toTaskResponse(e, bt.Task))
			}
			p.Epics = append(p.Epics, ep)
		}
		body.Projects = append(body.Projects, p)
	}
	return body
}
