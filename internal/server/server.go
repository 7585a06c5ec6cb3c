package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskboard/internal/broadcast"
	"taskboard/internal/engine"
	"taskboard/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Hub      *broadcast.Hub
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_locked"`
	Message string         `json:"message" example:"task 7 already locked by agent-a until 2026-01-01T00:05:00Z"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Taskboard API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Taskboard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerEpics(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerLocks(group, cfg.Engine)
	registerStatus(group, cfg.Engine)
	registerLogs(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerBoard(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	if cfg.Hub != nil {
		router.Get(path.Join(basePath, "ws/updates"), cfg.Hub.ServeHTTP)
	}

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var locked engine.AlreadyLockedError
	if errors.As(err, &locked) {
		return newAPIError(http.StatusConflict, "already_locked", err.Error(), map[string]any{
			"holder":     locked.Holder,
			"expires_at": locked.ExpiresAt,
		})
	}
	var notHolder engine.NotHolderError
	if errors.As(err, &notHolder) {
		details := map[string]any{}
		if notHolder.Holder != "" {
			details["holder"] = notHolder.Holder
		}
		return newAPIError(http.StatusConflict, "not_holder", err.Error(), details)
	}
	var badTransition engine.InvalidTransitionError
	if errors.As(err, &badTransition) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"from": engine.StatusAlias(badTransition.From),
			"to":   engine.StatusAlias(badTransition.To),
		})
	}
	var badStatus engine.UnknownStatusError
	if errors.As(err, &badStatus) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrReferentialViolation) {
		return newAPIError(http.StatusUnprocessableEntity, "referential_violation", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrMalformedMetadata) {
		return newAPIError(http.StatusBadRequest, "malformed_metadata", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrDuplicateName) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "database is locked"),
		strings.Contains(lowered, "unable to open database"):
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", "store unavailable", nil)
	case strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "store_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Taskboard API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body projectBody `json:"body"`
	}, error) {
		p, err := e.CreateProject(ctx, input.Body.Name, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body projectBody `json:"body"`
		}{Body: projectBody{Project: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body projectsBody `json:"body"`
	}, error) {
		projects, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body projectsBody `json:"body"`
		}{Body: projectsBody{Projects: projects}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body projectBody `json:"body"`
	}, error) {
		p, err := e.GetProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body projectBody `json:"body"`
		}{Body: projectBody{Project: p}}, nil
	})
}

func registerEpics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-epic",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/epics",
		Summary:       "Create epic",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body CreateEpicRequest `json:"body"`
	}) (*struct {
		Body epicBody `json:"body"`
	}, error) {
		ep, err := e.CreateEpic(ctx, input.ID, input.Body.Name, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body epicBody `json:"body"`
		}{Body: epicBody{Epic: ep}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-epics",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/epics",
		Summary:     "List epics in a project",
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body epicsBody `json:"body"`
	}, error) {
		epics, err := e.ListEpics(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body epicsBody `json:"body"`
		}{Body: epicsBody{Epics: epics}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/epics/{id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			EpicID:         input.ID,
			Name:           input.Body.Name,
			Description:    input.Body.Description,
			Status:         input.Body.Status,
			AssumptionTags: input.Body.AssumptionTags,
			Complexity:     input.Body.Complexity,
			Metadata:       input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: toTaskResponse(e, t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Description: "Filter by status alias, epic or project. available=true narrows to claimable pending tasks.",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		EpicID    int64  `query:"epic_id"`
		ProjectID int64  `query:"project_id"`
		Available bool   `query:"available"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body tasksBody `json:"body"`
	}, error) {
		var epicID, projectID *int64
		if input.EpicID > 0 {
			epicID = &input.EpicID
		}
		if input.ProjectID > 0 {
			projectID = &input.ProjectID
		}
		var tasks []TaskResponse
		if input.Available {
			available, err := e.ListAvailable(ctx, epicID, input.Limit)
			if err != nil {
				return nil, handleError(err)
			}
			tasks = toTaskResponses(e, available)
		} else {
			listed, err := e.ListTasks(ctx, engine.TaskListOptions{
				Status:    input.Status,
				EpicID:    epicID,
				ProjectID: projectID,
				Limit:     input.Limit,
			})
			if err != nil {
				return nil, handleError(err)
			}
			tasks = toTaskResponses(e, listed)
		}
		return &struct {
			Body tasksBody `json:"body"`
		}{Body: tasksBody{Tasks: tasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: toTaskResponse(e, t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task details",
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.UpdateTaskDetails(ctx, input.ID, repo.TaskPatch{
			Name:           input.Body.Name,
			Description:    input.Body.Description,
			AssumptionTags: input.Body.AssumptionTags,
			Complexity:     input.Body.Complexity,
			Metadata:       input.Body.Metadata,
		}, input.Body.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: toTaskResponse(e, t)}, nil
	})
}

func registerLocks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "acquire-lock",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/lock",
		Summary:     "Acquire task lock",
	}, func(ctx context.Context, input *struct {
		ID   int64              `path:"id"`
		Body AcquireLockRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		timeout := time.Duration(input.Body.TimeoutSeconds) * time.Second
		t, err := e.AcquireLock(ctx, input.ID, input.Body.AgentID, timeout)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: toTaskResponse(e, t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-lock",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}/lock",
		Summary:     "Release task lock",
	}, func(ctx context.Context, input *struct {
		ID   int64              `path:"id"`
		Body ReleaseLockRequest `json:"body"`
	}) (*struct {
		Body ReleaseResponse `json:"body"`
	}, error) {
		t, released, err := e.ReleaseLock(ctx, input.ID, input.Body.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReleaseResponse `json:"body"`
		}{Body: ReleaseResponse{Task: toTaskResponse(e, t), Released: released}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "update-status",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/status",
		Summary:     "Update task status",
	}, func(ctx context.Context, input *struct {
		ID   int64               `path:"id"`
		Body UpdateStatusRequest `json:"body"`
	}) (*struct {
		Body StatusChangeResponse `json:"body"`
	}, error) {
		change, err := e.UpdateStatus(ctx, input.ID, input.Body.Status, input.Body.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusChangeResponse `json:"body"`
		}{Body: StatusChangeResponse{
			Task:         toTaskResponse(e, change.Task),
			From:         engine.StatusAlias(change.From),
			To:           engine.StatusAlias(change.To),
			LockReleased: change.LockReleased,
			Changed:      !change.NoOp,
		}}, nil
	})
}

func registerLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "append-log",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/logs",
		Summary:       "Append task log entry",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ID   int64            `path:"id"`
		Body AppendLogRequest `json:"body"`
	}) (*struct {
		Body logBody `json:"body"`
	}, error) {
		entry, err := e.AppendLog(ctx, input.ID, input.Body.Author, input.Body.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body logBody `json:"body"`
		}{Body: logBody{Log: entry}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/logs",
		Summary:     "List task log entries",
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body logsBody `json:"body"`
	}, error) {
		logs, err := e.ListLogs(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body logsBody `json:"body"`
		}{Body: logsBody{Logs: logs}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Description: "Without after_id, returns the most recent events newest first. With after_id, returns events past the cursor oldest first.",
	}, func(ctx context.Context, input *struct {
		AfterID int64 `query:"after_id"`
		Limit   int   `query:"limit"`
	}) (*struct {
		Body eventsBody `json:"body"`
	}, error) {
		evts, err := e.ListEvents(ctx, input.AfterID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body eventsBody `json:"body"`
		}{Body: eventsBody{Events: evts}}, nil
	})
}

func registerBoard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "board",
		Method:      http.MethodGet,
		Path:        "/board",
		Summary:     "Full board snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body boardBody `json:"body"`
	}, error) {
		board, err := e.Board(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body boardBody `json:"body"`
		}{Body: toBoardBody(e, board)}, nil
	})
}
