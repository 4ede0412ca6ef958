package api

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/redpilot/redpilot/internal/common/errors"
	"github.com/redpilot/redpilot/internal/common/logger"
	"github.com/redpilot/redpilot/internal/scheduler"
	"github.com/redpilot/redpilot/internal/task/clock"
	v1 "github.com/redpilot/redpilot/pkg/api/v1"
)

// Handler contains HTTP handlers for the scheduler API
type Handler struct {
	scheduler *scheduler.Scheduler
	logger    *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(s *scheduler.Scheduler, log *logger.Logger) *Handler {
	return &Handler{
		scheduler: s,
		logger:    log,
	}
}

// respondError maps a service error onto the wire, preserving AppError
// codes and falling back to an internal error otherwise.
func (h *Handler) respondError(c *gin.Context, err error, msg string) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError(msg, err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// parseHourRange decodes a raw valid_time_range field. Absent returns
// (nil, false), explicit null returns (nil, true), and a two-element
// array returns the window.
func parseHourRange(raw json.RawMessage) (*clock.HourRange, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, true, nil
	}
	var pair [2]int
	if err := json.Unmarshal(raw, &pair); err != nil {
		return nil, false, err
	}
	return &clock.HourRange{Start: pair[0], End: pair[1]}, false, nil
}

// Task endpoints

// CreateTask registers a new task
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.Invalid("body", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	params := scheduler.CreateTaskParams{
		AccountID:       req.AccountID,
		AccountName:     req.AccountName,
		TaskType:        req.TaskType,
		SysType:         req.SysType,
		Mode:            v1.TaskMode(req.Mode),
		IntervalSeconds: req.IntervalSeconds,
		Kwargs:          req.Kwargs,
	}
	window, noWindow, err := parseHourRange(req.ValidHourRange)
	if err != nil {
		appErr := errors.Invalid("valid_time_range", "expected [start, end] hours or null")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	params.Window = window
	params.NoWindow = noWindow
	if req.EndDate != "" {
		end, err := clock.ParseDate(req.EndDate)
		if err != nil {
			appErr := errors.Invalid("task_end_time", "expected YYYY-MM-DD")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		params.EndDate = end
	}

	task, err := h.scheduler.CreateTask(c.Request.Context(), params)
	if err != nil {
		h.respondError(c, err, "failed to create task")
		return
	}

	c.JSON(http.StatusCreated, task)
}

// GetTask retrieves a task by ID
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	taskID := c.Param("taskId")

	task, err := h.scheduler.GetTask(taskID)
	if err != nil {
		h.respondError(c, err, "failed to get task")
		return
	}

	c.JSON(http.StatusOK, task)
}

// UpdateTask applies a partial update to a task
// PUT /api/v1/tasks/:taskId
func (h *Handler) UpdateTask(c *gin.Context) {
	taskID := c.Param("taskId")

	var req UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.Invalid("body", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	params := scheduler.UpdateTaskParams{
		AccountName:     req.AccountName,
		IntervalSeconds: req.IntervalSeconds,
		Kwargs:          req.Kwargs,
	}
	if req.Mode != nil {
		mode := v1.TaskMode(*req.Mode)
		params.Mode = &mode
	}
	window, clearWindow, err := parseHourRange(req.ValidHourRange)
	if err != nil {
		appErr := errors.Invalid("valid_time_range", "expected [start, end] hours or null")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	params.Window = window
	params.ClearWindow = clearWindow
	if req.EndDate != nil {
		end, err := clock.ParseDate(*req.EndDate)
		if err != nil {
			appErr := errors.Invalid("task_end_time", "expected YYYY-MM-DD")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		params.EndDate = &end
	}

	task, err := h.scheduler.UpdateTask(c.Request.Context(), taskID, params)
	if err != nil {
		h.respondError(c, err, "failed to update task")
		return
	}

	c.JSON(http.StatusOK, task)
}

// DeleteTask removes a task
// DELETE /api/v1/tasks/:taskId
func (h *Handler) DeleteTask(c *gin.Context) {
	taskID := c.Param("taskId")

	if err := h.scheduler.DeleteTask(c.Request.Context(), taskID); err != nil {
		h.respondError(c, err, "failed to delete task")
		return
	}

	c.Status(http.StatusNoContent)
}

// ListTasks returns tasks, optionally filtered by account or status
// GET /api/v1/tasks?account_id=&status=
func (h *Handler) ListTasks(c *gin.Context) {
	status := v1.TaskStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		appErr := errors.Invalid("status", "unknown status '"+string(status)+"'")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	tasks := h.scheduler.ListTasks(c.Query("account_id"), status)
	c.JSON(http.StatusOK, TasksListResponse{Tasks: tasks, Total: len(tasks)})
}

// PauseTask takes a task out of scheduling
// POST /api/v1/tasks/:taskId/pause
func (h *Handler) PauseTask(c *gin.Context) {
	task, err := h.scheduler.PauseTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err, "failed to pause task")
		return
	}
	c.JSON(http.StatusOK, task)
}

// ResumeTask puts a paused task back into scheduling
// POST /api/v1/tasks/:taskId/resume
func (h *Handler) ResumeTask(c *gin.Context) {
	task, err := h.scheduler.ResumeTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err, "failed to resume task")
		return
	}
	c.JSON(http.StatusOK, task)
}

// ReorderTask shifts a task's next execution time
// POST /api/v1/tasks/:taskId/reorder
func (h *Handler) ReorderTask(c *gin.Context) {
	var req ReorderTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.Invalid("body", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	task, err := h.scheduler.ReorderTask(c.Request.Context(), c.Param("taskId"), req.OffsetSeconds)
	if err != nil {
		h.respondError(c, err, "failed to reorder task")
		return
	}
	c.JSON(http.StatusOK, task)
}

// ExecuteNow runs a task immediately
// POST /api/v1/tasks/:taskId/execute
func (h *Handler) ExecuteNow(c *gin.Context) {
	result, err := h.scheduler.ExecuteNow(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err, "failed to execute task")
		return
	}
	c.JSON(http.StatusOK, result)
}

// Login endpoints

// LoginStatus probes the account session of a task
// GET /api/v1/tasks/:taskId/login
func (h *Handler) LoginStatus(c *gin.Context) {
	taskID := c.Param("taskId")
	state, err := h.scheduler.LoginStatus(c.Request.Context(), taskID)
	if err != nil {
		h.respondError(c, err, "failed to probe login status")
		return
	}
	c.JSON(http.StatusOK, LoginStatusResponse{TaskID: taskID, State: state})
}

// BeginLogin starts an interactive login
// POST /api/v1/tasks/:taskId/login
func (h *Handler) BeginLogin(c *gin.Context) {
	ticket, err := h.scheduler.BeginLogin(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err, "failed to begin login")
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// ConfirmLogin checks a pending interactive login
// POST /api/v1/tasks/:taskId/login/confirm
func (h *Handler) ConfirmLogin(c *gin.Context) {
	taskID := c.Param("taskId")
	loggedIn, err := h.scheduler.ConfirmLogin(c.Request.Context(), taskID)
	if err != nil {
		h.respondError(c, err, "failed to confirm login")
		return
	}
	c.JSON(http.StatusOK, ConfirmLoginResponse{TaskID: taskID, LoggedIn: loggedIn})
}

// TaskLog returns trailing lines of a task's log
// GET /api/v1/tasks/:taskId/log?lines=
func (h *Handler) TaskLog(c *gin.Context) {
	taskID := c.Param("taskId")

	n := 100
	if raw := c.Query("lines"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			appErr := errors.Invalid("lines", "must be a positive integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		n = parsed
	}

	lines, err := h.scheduler.TailLog(taskID, n)
	if err != nil {
		h.respondError(c, err, "failed to read task log")
		return
	}
	c.JSON(http.StatusOK, TaskLogResponse{TaskID: taskID, Lines: lines})
}

// Dispatcher endpoints

// StartDispatcher launches the dispatch loop
// POST /api/v1/dispatcher/start
func (h *Handler) StartDispatcher(c *gin.Context) {
	if err := h.scheduler.Start(c.Request.Context()); err != nil {
		h.respondError(c, err, "failed to start dispatcher")
		return
	}
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// StopDispatcher halts the dispatch loop
// POST /api/v1/dispatcher/stop
func (h *Handler) StopDispatcher(c *gin.Context) {
	if err := h.scheduler.Stop(c.Request.Context()); err != nil {
		h.respondError(c, err, "failed to stop dispatcher")
		return
	}
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// DispatcherStatus reports the state of the dispatch loop
// GET /api/v1/dispatcher/status
func (h *Handler) DispatcherStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// Health is the liveness endpoint
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:     "ok",
		Dispatcher: h.scheduler.Running(),
	})
}
