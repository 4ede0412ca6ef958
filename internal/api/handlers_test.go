package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/redpilot/redpilot/internal/common/config"
	"github.com/redpilot/redpilot/internal/common/logger"
	"github.com/redpilot/redpilot/internal/scheduler"
	"github.com/redpilot/redpilot/internal/task/agent"
	v1 "github.com/redpilot/redpilot/pkg/api/v1"
)

// stubAgent completes every round and reports a logged-in session.
type stubAgent struct{}

func (a *stubAgent) RunOnce(ctx context.Context, rc agent.RunContext) (bool, error) {
	return true, nil
}

func (a *stubAgent) LoginStatus(ctx context.Context) (v1.LoginState, error) {
	return v1.LoginStateLoggedIn, nil
}

func (a *stubAgent) BeginLogin(ctx context.Context) (*agent.LoginPayload, error) {
	return &agent.LoginPayload{QRCode: "qr-data", ExpiresIn: 120}, nil
}

func (a *stubAgent) ConfirmLogin(ctx context.Context) (bool, error) {
	return true, nil
}

// stubGate is an activated license unless fields say otherwise.
type stubGate struct {
	max     int
	forced  int
	canNow  bool
	expired bool
}

func (g *stubGate) MaxTasks() int              { return g.max }
func (g *stubGate) ForcedIntervalSeconds() int { return g.forced }
func (g *stubGate) CanExecuteNow() bool        { return g.canNow }
func (g *stubGate) IsExpired() bool            { return g.expired }

func setupTestRouter(t *testing.T, gate *stubGate) (*gin.Engine, *scheduler.Scheduler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	creds := agent.NewCredentialStore(filepath.Join(dir, "workspaces"), filepath.Join(dir, "cookies.json"), log)

	factory := agent.FactoryFunc(func(taskType, sysType, accountID string) (agent.Agent, error) {
		return &stubAgent{}, nil
	})

	s, err := scheduler.New(scheduler.Options{
		Config: config.SchedulerConfig{
			MaxPollSeconds:        60,
			ShutdownGraceSeconds:  2,
			ExecuteNowWaitSeconds: 1,
		},
		Snapshot: filepath.Join(dir, "dispatch_config.json"),
		MetaDir:  filepath.Join(dir, "meta"),
		Factory:  factory,
		Creds:    creds,
		Gate:     gate,
		Logger:   log,
	})
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}
	t.Cleanup(func() {
		if s.Running() {
			_ = s.Stop(context.Background())
		}
		_ = s.Close()
	})

	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), s, log)
	return router, s
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		buf = bytes.NewBuffer(raw)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal error response: %v", err)
	}
	return resp.Code
}

func createTask(t *testing.T, router *gin.Engine, accountID string) v1.Task {
	t.Helper()

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{
		AccountID:       accountID,
		AccountName:     "Account " + accountID,
		IntervalSeconds: 3600,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var task v1.Task
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("failed to unmarshal task: %v", err)
	}
	return task
}

func TestHandler_CreateTask(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	task := createTask(t, router, "acc-1")
	if task.AccountID != "acc-1" {
		t.Errorf("expected account acc-1, got %s", task.AccountID)
	}
	if task.Status != v1.TaskStatusPending {
		t.Errorf("expected status pending, got %s", task.Status)
	}
	if task.NextExecutionTime == nil {
		t.Error("expected a scheduled next execution time")
	}
}

func TestHandler_CreateTaskMissingAccount(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{
		IntervalSeconds: 3600,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "INVALID" {
		t.Errorf("expected code INVALID, got %s", code)
	}
}

func TestHandler_CreateTaskBadEndDate(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{
		AccountID: "acc-1",
		EndDate:   "not-a-date",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_WindowNullMeansUnrestricted(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	// Explicit null registers the task without an hour restriction
	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", map[string]any{
		"account_id":       "acc-1",
		"valid_time_range": nil,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var task v1.Task
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("failed to unmarshal task: %v", err)
	}
	if task.ValidHourRange != nil {
		t.Errorf("expected no hour range, got %v", task.ValidHourRange)
	}

	// An update can impose a window and a later null lifts it again
	w = doJSON(t, router, http.MethodPut, "/api/v1/tasks/"+task.TaskID, map[string]any{
		"valid_time_range": []int{9, 18},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("failed to unmarshal task: %v", err)
	}
	if task.ValidHourRange == nil || task.ValidHourRange[0] != 9 || task.ValidHourRange[1] != 18 {
		t.Errorf("expected window [9, 18], got %v", task.ValidHourRange)
	}

	w = doJSON(t, router, http.MethodPut, "/api/v1/tasks/"+task.TaskID, map[string]any{
		"valid_time_range": nil,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	task = v1.Task{}
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("failed to unmarshal task: %v", err)
	}
	if task.ValidHourRange != nil {
		t.Errorf("expected null to clear the window, got %v", task.ValidHourRange)
	}

	// Absence on create still selects the default window
	w = doJSON(t, router, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{AccountID: "acc-2"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("failed to unmarshal task: %v", err)
	}
	if task.ValidHourRange == nil {
		t.Error("absent field should select the default window")
	}
}

func TestHandler_CreateTaskDuplicateAccount(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	createTask(t, router, "acc-1")
	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{
		AccountID: "acc-1",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "ACCOUNT_TAKEN" {
		t.Errorf("expected code ACCOUNT_TAKEN, got %s", code)
	}
}

func TestHandler_CreateTaskLimit(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 1, forced: 7200})

	createTask(t, router, "acc-1")
	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{
		AccountID: "acc-2",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "TASK_LIMIT_REACHED" {
		t.Errorf("expected code TASK_LIMIT_REACHED, got %s", code)
	}
}

func TestHandler_GetTask(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	created := createTask(t, router, "acc-1")

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+created.TaskID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var task v1.Task
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("failed to unmarshal task: %v", err)
	}
	if task.TaskID != created.TaskID {
		t.Errorf("expected task %s, got %s", created.TaskID, task.TaskID)
	}
}

func TestHandler_GetTaskNotFound(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "NOT_FOUND" {
		t.Errorf("expected code NOT_FOUND, got %s", code)
	}
}

func TestHandler_UpdateTask(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	created := createTask(t, router, "acc-1")

	name := "Renamed"
	interval := 1800
	w := doJSON(t, router, http.MethodPut, "/api/v1/tasks/"+created.TaskID, UpdateTaskRequest{
		AccountName:     &name,
		IntervalSeconds: &interval,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var task v1.Task
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("failed to unmarshal task: %v", err)
	}
	if task.AccountName != "Renamed" {
		t.Errorf("expected account name Renamed, got %s", task.AccountName)
	}
	if task.IntervalSeconds != 1800 {
		t.Errorf("expected interval 1800, got %d", task.IntervalSeconds)
	}
}

func TestHandler_UpdateTaskBadInterval(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	created := createTask(t, router, "acc-1")

	interval := 100
	w := doJSON(t, router, http.MethodPut, "/api/v1/tasks/"+created.TaskID, UpdateTaskRequest{
		IntervalSeconds: &interval,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_DeleteTask(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	created := createTask(t, router, "acc-1")

	w := doJSON(t, router, http.MethodDelete, "/api/v1/tasks/"+created.TaskID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+created.TaskID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 after delete, got %d", w.Code)
	}
}

func TestHandler_ListTasks(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	createTask(t, router, "acc-1")
	createTask(t, router, "acc-2")

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp TasksListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Total != 2 {
		t.Errorf("expected 2 tasks, got %d", resp.Total)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/tasks?account_id=acc-1", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Total != 1 {
		t.Errorf("expected 1 task for acc-1, got %d", resp.Total)
	}
}

func TestHandler_ListTasksBadStatus(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks?status=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_PauseAndResume(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	created := createTask(t, router, "acc-1")

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+created.TaskID+"/pause", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var task v1.Task
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("failed to unmarshal task: %v", err)
	}
	if task.Status != v1.TaskStatusPaused {
		t.Errorf("expected status paused, got %s", task.Status)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+created.TaskID+"/resume", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("failed to unmarshal task: %v", err)
	}
	if task.Status != v1.TaskStatusPending {
		t.Errorf("expected status pending, got %s", task.Status)
	}
}

func TestHandler_ResumeNonPausedTask(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	created := createTask(t, router, "acc-1")

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+created.TaskID+"/resume", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "ILLEGAL_STATE" {
		t.Errorf("expected code ILLEGAL_STATE, got %s", code)
	}
}

func TestHandler_ReorderTask(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	created := createTask(t, router, "acc-1")

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+created.TaskID+"/reorder", ReorderTaskRequest{
		OffsetSeconds: 3600,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var task v1.Task
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("failed to unmarshal task: %v", err)
	}
	if task.NextExecutionTime == nil {
		t.Fatal("expected a next execution time after reorder")
	}
	if created.NextExecutionTime != nil && !task.NextExecutionTime.After(*created.NextExecutionTime) {
		t.Errorf("expected next execution after %v, got %v",
			created.NextExecutionTime, task.NextExecutionTime)
	}
}

func TestHandler_ReorderZeroOffset(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	created := createTask(t, router, "acc-1")

	// A zero offset is a valid no-op shift
	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+created.TaskID+"/reorder",
		map[string]any{"offset_seconds": 0})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var task v1.Task
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("failed to unmarshal task: %v", err)
	}
	if task.NextExecutionTime == nil || created.NextExecutionTime == nil ||
		!task.NextExecutionTime.Equal(*created.NextExecutionTime) {
		t.Errorf("zero offset should leave the schedule at %v, got %v",
			created.NextExecutionTime, task.NextExecutionTime)
	}
}

func TestHandler_ExecuteNow(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	created := createTask(t, router, "acc-1")

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+created.TaskID+"/execute", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var result v1.ExecutionResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result.TaskID != created.TaskID {
		t.Errorf("expected result for task %s, got %s", created.TaskID, result.TaskID)
	}
	if result.Error != "" {
		t.Errorf("expected a clean run, got error %q", result.Error)
	}
}

func TestHandler_ExecuteNowTrialForbidden(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 1, forced: 7200})

	created := createTask(t, router, "acc-1")

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+created.TaskID+"/execute", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "LICENSE_FORBIDDEN" {
		t.Errorf("expected code LICENSE_FORBIDDEN, got %s", code)
	}
}

func TestHandler_LoginEndpoints(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	created := createTask(t, router, "acc-1")

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+created.TaskID+"/login", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var status LoginStatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if status.State != v1.LoginStateLoggedIn {
		t.Errorf("expected state logged_in, got %s", status.State)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+created.TaskID+"/login", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var ticket v1.LoginTicket
	if err := json.Unmarshal(w.Body.Bytes(), &ticket); err != nil {
		t.Fatalf("failed to unmarshal ticket: %v", err)
	}
	if ticket.QRCode != "qr-data" {
		t.Errorf("expected QR payload, got %q", ticket.QRCode)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/tasks/"+created.TaskID+"/login/confirm", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var confirm ConfirmLoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &confirm); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if !confirm.LoggedIn {
		t.Error("expected logged_in true")
	}
}

func TestHandler_TaskLogEmpty(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	created := createTask(t, router, "acc-1")

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+created.TaskID+"/log", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp TaskLogResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(resp.Lines) != 0 {
		t.Errorf("expected no log lines, got %d", len(resp.Lines))
	}
}

func TestHandler_TaskLogBadLines(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	created := createTask(t, router, "acc-1")

	w := doJSON(t, router, http.MethodGet, "/api/v1/tasks/"+created.TaskID+"/log?lines=zero", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_DispatcherLifecycle(t *testing.T) {
	router, _ := setupTestRouter(t, &stubGate{max: 10, canNow: true})

	w := doJSON(t, router, http.MethodGet, "/api/v1/dispatcher/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var status v1.DispatcherStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to unmarshal status: %v", err)
	}
	if status.Running {
		t.Error("expected dispatcher stopped initially")
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/dispatcher/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to unmarshal status: %v", err)
	}
	if !status.Running {
		t.Error("expected dispatcher running after start")
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/dispatcher/start", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409 on double start, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/dispatcher/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
}
