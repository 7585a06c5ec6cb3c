package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"taskboard/internal/broadcast"
	"taskboard/internal/config"
	"taskboard/internal/db"
	"taskboard/internal/engine"
	"taskboard/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	Hub    *broadcast.Hub
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	hub := broadcast.NewHub(nil)
	e := engine.New(conn, config.Default(), hub)
	handler, err := New(Config{Engine: e, Hub: hub, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Hub:    hub,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			hub.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	var decoded map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("%s %s: bad json %q", method, path, data)
		}
	}
	return resp.StatusCode, decoded
}

// seedTask builds project -> epic -> task over HTTP and returns the
// task id path segment.
func (s *testServer) seedTask(t *testing.T) string {
	t.Helper()
	code, body := s.do(t, http.MethodPost, "/v0/projects", map[string]any{"name": "platform"})
	if code != http.StatusCreated {
		t.Fatalf("create project: %d %v", code, body)
	}
	projectID := int64(body["project"].(map[string]any)["id"].(float64))
	code, body = s.do(t, http.MethodPost, fmt.Sprintf("/v0/projects/%d/epics", projectID), map[string]any{"name": "auth"})
	if code != http.StatusCreated {
		t.Fatalf("create epic: %d %v", code, body)
	}
	epicID := int64(body["epic"].(map[string]any)["id"].(float64))
	code, body = s.do(t, http.MethodPost, fmt.Sprintf("/v0/epics/%d/tasks", epicID), map[string]any{"name": "wire login"})
	if code != http.StatusCreated {
		t.Fatalf("create task: %d %v", code, body)
	}
	return fmt.Sprintf("%d", int64(body["id"].(float64)))
}

func TestCreateHierarchyAndGetTask(t *testing.T) {
	s := newTestServer(t)
	taskID := s.seedTask(t)
	code, body := s.do(t, http.MethodGet, "/v0/tasks/"+taskID, nil)
	if code != http.StatusOK {
		t.Fatalf("get task: %d %v", code, body)
	}
	if body["status"] != "TODO" {
		t.Fatalf("status alias = %v, want TODO", body["status"])
	}
	if body["locked"] != false {
		t.Fatalf("locked = %v", body["locked"])
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(t, http.MethodGet, "/v0/tasks/999", nil)
	if code != http.StatusNotFound {
		t.Fatalf("code = %d", code)
	}
	errBody := body["error"].(map[string]any)
	if errBody["code"] != "not_found" {
		t.Fatalf("error = %v", errBody)
	}
}

func TestLockConflictEnvelope(t *testing.T) {
	s := newTestServer(t)
	taskID := s.seedTask(t)

	code, _ := s.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/lock", map[string]any{"agent_id": "agent-a"})
	if code != http.StatusOK {
		t.Fatalf("acquire: %d", code)
	}
	code, body := s.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/lock", map[string]any{"agent_id": "agent-b"})
	if code != http.StatusConflict {
		t.Fatalf("conflict code = %d %v", code, body)
	}
	errBody := body["error"].(map[string]any)
	if errBody["code"] != "already_locked" {
		t.Fatalf("error code = %v", errBody["code"])
	}
	details := errBody["details"].(map[string]any)
	if details["holder"] != "agent-a" || details["expires_at"] == "" {
		t.Fatalf("details = %v", details)
	}
}

func TestReleaseByNonHolder(t *testing.T) {
	s := newTestServer(t)
	taskID := s.seedTask(t)
	s.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/lock", map[string]any{"agent_id": "agent-a"})

	code, body := s.do(t, http.MethodDelete, "/v0/tasks/"+taskID+"/lock", map[string]any{"agent_id": "agent-b"})
	if code != http.StatusConflict {
		t.Fatalf("code = %d %v", code, body)
	}
	if body["error"].(map[string]any)["code"] != "not_holder" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestStatusUpdateCouplesLock(t *testing.T) {
	s := newTestServer(t)
	taskID := s.seedTask(t)

	code, body := s.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/status",
		map[string]any{"status": "IN_PROGRESS", "agent_id": "agent-a"})
	if code != http.StatusOK {
		t.Fatalf("start: %d %v", code, body)
	}
	task := body["task"].(map[string]any)
	if task["locked"] != true || task["lock_holder"] != "agent-a" {
		t.Fatalf("auto-acquire missing: %v", task)
	}

	code, body = s.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/status",
		map[string]any{"status": "REVIEW", "agent_id": "agent-a"})
	if code != http.StatusOK {
		t.Fatalf("review: %d %v", code, body)
	}
	if body["lock_released"] != true {
		t.Fatalf("review must release: %v", body)
	}
	if body["from"] != "IN_PROGRESS" || body["to"] != "REVIEW" {
		t.Fatalf("aliases on the wire: %v", body)
	}
}

func TestInvalidTransitionEnvelope(t *testing.T) {
	s := newTestServer(t)
	taskID := s.seedTask(t)
	s.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/status", map[string]any{"status": "DONE", "agent_id": "agent-a"})

	code, body := s.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/status",
		map[string]any{"status": "REVIEW", "agent_id": "agent-a"})
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("code = %d %v", code, body)
	}
	if body["error"].(map[string]any)["code"] != "invalid_transition" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestAvailableListingFilter(t *testing.T) {
	s := newTestServer(t)
	taskID := s.seedTask(t)
	s.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/lock", map[string]any{"agent_id": "agent-a"})

	code, body := s.do(t, http.MethodGet, "/v0/tasks?available=true", nil)
	if code != http.StatusOK {
		t.Fatalf("list: %d", code)
	}
	if tasks, ok := body["tasks"].([]any); ok && len(tasks) != 0 {
		t.Fatalf("locked task listed as available: %v", tasks)
	}
}

func TestLogsEndpoint(t *testing.T) {
	s := newTestServer(t)
	taskID := s.seedTask(t)
	code, body := s.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/logs",
		map[string]any{"author": "agent-a", "body": "starting"})
	if code != http.StatusCreated {
		t.Fatalf("append: %d %v", code, body)
	}
	if body["log"].(map[string]any)["seq"] != float64(1) {
		t.Fatalf("seq = %v", body["log"])
	}
	code, body = s.do(t, http.MethodGet, "/v0/tasks/"+taskID+"/logs", nil)
	if code != http.StatusOK || len(body["logs"].([]any)) != 1 {
		t.Fatalf("list logs: %d %v", code, body)
	}
}

func TestBoardSnapshot(t *testing.T) {
	s := newTestServer(t)
	taskID := s.seedTask(t)
	s.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/lock", map[string]any{"agent_id": "agent-a"})

	code, body := s.do(t, http.MethodGet, "/v0/board", nil)
	if code != http.StatusOK {
		t.Fatalf("board: %d", code)
	}
	projects := body["projects"].([]any)
	if len(projects) != 1 {
		t.Fatalf("projects = %v", projects)
	}
	epics := projects[0].(map[string]any)["epics"].([]any)
	tasks := epics[0].(map[string]any)["tasks"].([]any)
	task := tasks[0].(map[string]any)
	if task["locked"] != true || task["lock_holder"] != "agent-a" {
		t.Fatalf("board lock annotation: %v", task)
	}
}

func TestWebsocketFeedDeliversCommittedEvents(t *testing.T) {
	s := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/v0/ws/updates"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	for deadline := time.Now().Add(2 * time.Second); s.Hub.Count() == 0; {
		if time.Now().After(deadline) {
			t.Fatal("observer never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	taskID := s.seedTask(t)
	s.do(t, http.MethodPost, "/v0/tasks/"+taskID+"/lock", map[string]any{"agent_id": "agent-a"})

	want := map[string]bool{
		"project.created": false,
		"epic.created":    false,
		"task.created":    false,
		"task.locked":     false,
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for remaining := len(want); remaining > 0; {
		var evt broadcast.Event
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("missing events %v: %v", want, err)
		}
		if seen, ok := want[evt.Type]; ok && !seen {
			want[evt.Type] = true
			remaining--
		}
	}
}
