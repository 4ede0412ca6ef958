package api

import (
	"encoding/json"

	v1 "github.com/redpilot/redpilot/pkg/api/v1"
)

// CreateTaskRequest is the payload for task registration. The hour range
// is raw JSON because absent, explicit null and [start, end] all mean
// different things: default window, no restriction, and that window.
type CreateTaskRequest struct {
	AccountID       string          `json:"account_id" binding:"required"`
	AccountName     string          `json:"account_name"`
	TaskType        string          `json:"task_type"`
	SysType         string          `json:"sys_type"`
	Mode            string          `json:"mode"`
	IntervalSeconds int             `json:"interval_seconds"`
	ValidHourRange  json.RawMessage `json:"valid_time_range,omitempty"`
	EndDate         string          `json:"task_end_time"`
	Kwargs          map[string]any  `json:"kwargs"`
}

// UpdateTaskRequest is the payload for a partial task update. Absent
// fields are left unchanged; an explicit null hour range lifts the
// restriction.
type UpdateTaskRequest struct {
	AccountName     *string         `json:"account_name"`
	Mode            *string         `json:"mode"`
	IntervalSeconds *int            `json:"interval_seconds"`
	ValidHourRange  json.RawMessage `json:"valid_time_range,omitempty"`
	EndDate         *string         `json:"task_end_time"`
	Kwargs          map[string]any  `json:"kwargs"`
}

// ReorderTaskRequest shifts a task's next execution time. A zero offset
// is valid, so the field carries no required binding.
type ReorderTaskRequest struct {
	OffsetSeconds int `json:"offset_seconds"`
}

// TasksListResponse wraps a task listing.
type TasksListResponse struct {
	Tasks []*v1.Task `json:"tasks"`
	Total int        `json:"total"`
}

// LoginStatusResponse reports the account session state.
type LoginStatusResponse struct {
	TaskID string        `json:"task_id"`
	State  v1.LoginState `json:"state"`
}

// ConfirmLoginResponse reports whether an interactive login completed.
type ConfirmLoginResponse struct {
	TaskID   string `json:"task_id"`
	LoggedIn bool   `json:"logged_in"`
}

// TaskLogResponse carries trailing task log lines.
type TaskLogResponse struct {
	TaskID string   `json:"task_id"`
	Lines  []string `json:"lines"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status     string `json:"status"`
	Dispatcher bool   `json:"dispatcher_running"`
}
