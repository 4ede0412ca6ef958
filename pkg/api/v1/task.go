// Package v1 contains the shared API types exchanged between the scheduler
// service and its clients.
package v1

import "time"

// TaskStatus represents the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusError     TaskStatus = "error"
)

// IsTerminal returns true for statuses the dispatcher never schedules again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted
}

// Valid reports whether the status is one of the known values.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusPaused, TaskStatusCompleted, TaskStatusError:
		return true
	}
	return false
}

// TaskMode selects the behavior profile an agent runs a task with.
type TaskMode string

const (
	TaskModeStandard    TaskMode = "standard"
	TaskModeInteraction TaskMode = "interaction"
	TaskModePublish     TaskMode = "publish"
)

// Valid reports whether the mode is one of the known values.
func (m TaskMode) Valid() bool {
	switch m {
	case TaskModeStandard, TaskModeInteraction, TaskModePublish:
		return true
	}
	return false
}

// TaskTypeOperator is the browser-automation operator task type. Further
// task types register through the agent factory.
const TaskTypeOperator = "social-account-operator"

// LoginState describes the session state of an account on the target platform.
type LoginState string

const (
	LoginStateLoggedIn    LoginState = "logged_in"
	LoginStateNotLoggedIn LoginState = "not_logged_in"
	LoginStateUnknown     LoginState = "unknown"
)

// Task is the wire representation of a scheduled task.
type Task struct {
	TaskID            string         `json:"task_id"`
	AccountID         string         `json:"account_id"`
	AccountName       string         `json:"account_name"`
	TaskType          string         `json:"task_type"`
	SysType           string         `json:"sys_type,omitempty"`
	Status            TaskStatus     `json:"status"`
	Mode              TaskMode       `json:"mode"`
	IntervalSeconds   int            `json:"interval_seconds"`
	ValidHourRange    *[2]int        `json:"valid_time_range,omitempty"`
	EndDate           string         `json:"task_end_time,omitempty"`
	LastExecutionTime *time.Time     `json:"last_execution_time,omitempty"`
	NextExecutionTime *time.Time     `json:"next_execution_time,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	RoundNum          int            `json:"round_num"`
	Kwargs            map[string]any `json:"kwargs,omitempty"`
}

// DispatcherStatus is a point-in-time view of the dispatch loop.
type DispatcherStatus struct {
	Running       bool       `json:"running"`
	TotalTasks    int        `json:"total_tasks"`
	StatusCounts  map[TaskStatus]int `json:"status_counts"`
	CurrentTaskID string     `json:"current_task_id,omitempty"`
	NextWakeup    *time.Time `json:"next_wakeup,omitempty"`
}

// ExecutionResult reports the outcome of a single on-demand run.
type ExecutionResult struct {
	TaskID     string     `json:"task_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Completed  bool       `json:"completed"`
	Status     TaskStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
}

// LoginTicket carries the payload a client needs to complete an interactive
// login, typically a QR code image.
type LoginTicket struct {
	TaskID    string     `json:"task_id"`
	AccountID string     `json:"account_id"`
	State     LoginState `json:"state"`
	QRCode    string     `json:"qr_code,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
