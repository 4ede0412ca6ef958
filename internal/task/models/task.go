// Package models holds the scheduler's in-memory task record.
package models

import (
	"time"

	"github.com/redpilot/redpilot/internal/task/agent"
	"github.com/redpilot/redpilot/internal/task/clock"
	"github.com/redpilot/redpilot/internal/task/meta"
	v1 "github.com/redpilot/redpilot/pkg/api/v1"
)

// Interval bounds in seconds for scheduled tasks.
const (
	MinIntervalSeconds = 900
	MaxIntervalSeconds = 10800
)

// Task is the authoritative in-memory record for one scheduled task.
// The scheduler's mutex guards all access; nothing outside the scheduler
// holds a *Task.
type Task struct {
	ID          string
	AccountID   string
	AccountName string
	Type        string
	SysType     string
	Mode        v1.TaskMode
	Status      v1.TaskStatus

	IntervalSeconds int
	Window          *clock.HourRange
	EndDate         clock.Date

	LastExecutionTime *time.Time
	NextExecutionTime *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time

	RoundNum int
	Kwargs   map[string]any

	Agent agent.Agent
	Meta  *meta.Store
}

// Interval returns the execution cadence as a duration.
func (t *Task) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds) * time.Second
}

// Schedulable reports whether the dispatcher may consider the task.
// Error tasks keep their recomputed next execution time and are picked
// up again on the next tick.
func (t *Task) Schedulable() bool {
	if t.NextExecutionTime == nil {
		return false
	}
	return t.Status == v1.TaskStatusPending || t.Status == v1.TaskStatusError
}

// DueAt reports whether the task is due at the given instant.
func (t *Task) DueAt(now time.Time) bool {
	return t.Schedulable() && !t.NextExecutionTime.After(now)
}

// Snapshot returns a deep copy of the record in wire form.
func (t *Task) Snapshot() *v1.Task {
	out := &v1.Task{
		TaskID:          t.ID,
		AccountID:       t.AccountID,
		AccountName:     t.AccountName,
		TaskType:        t.Type,
		SysType:         t.SysType,
		Status:          t.Status,
		Mode:            t.Mode,
		IntervalSeconds: t.IntervalSeconds,
		EndDate:         t.EndDate.String(),
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		RoundNum:        t.RoundNum,
	}
	if t.Window != nil {
		pair := [2]int{t.Window.Start, t.Window.End}
		out.ValidHourRange = &pair
	}
	if t.LastExecutionTime != nil {
		last := *t.LastExecutionTime
		out.LastExecutionTime = &last
	}
	if t.NextExecutionTime != nil {
		next := *t.NextExecutionTime
		out.NextExecutionTime = &next
	}
	if t.Kwargs != nil {
		out.Kwargs = make(map[string]any, len(t.Kwargs))
		for k, v := range t.Kwargs {
			out.Kwargs[k] = v
		}
	}
	return out
}

// Clone returns a deep copy of the record for rollback on failed persists.
// The agent and meta store references are shared.
func (t *Task) Clone() *Task {
	out := *t
	if t.Window != nil {
		w := *t.Window
		out.Window = &w
	}
	if t.LastExecutionTime != nil {
		last := *t.LastExecutionTime
		out.LastExecutionTime = &last
	}
	if t.NextExecutionTime != nil {
		next := *t.NextExecutionTime
		out.NextExecutionTime = &next
	}
	if t.Kwargs != nil {
		out.Kwargs = make(map[string]any, len(t.Kwargs))
		for k, v := range t.Kwargs {
			out.Kwargs[k] = v
		}
	}
	return &out
}

// Restore copies the scheduling state of src back into t. Used to undo
// an in-memory mutation whose persist failed.
func (t *Task) Restore(src *Task) {
	t.Status = src.Status
	t.IntervalSeconds = src.IntervalSeconds
	t.Window = src.Window
	t.EndDate = src.EndDate
	t.LastExecutionTime = src.LastExecutionTime
	t.NextExecutionTime = src.NextExecutionTime
	t.UpdatedAt = src.UpdatedAt
	t.RoundNum = src.RoundNum
	t.Kwargs = src.Kwargs
	t.Mode = src.Mode
}
