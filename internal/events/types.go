// Package events provides event types and utilities for the scheduler event system.
package events

// Event types for tasks
const (
	TaskCreated   = "task.created"
	TaskUpdated   = "task.updated"
	TaskPaused    = "task.paused"
	TaskResumed   = "task.resumed"
	TaskReordered = "task.reordered"
	TaskDeleted   = "task.deleted"
)

// Event types for task runs
const (
	TaskRunStarted   = "task.run_started"
	TaskRunCompleted = "task.run_completed"
	TaskRunFailed    = "task.run_failed"
)

// Event types for the dispatch loop
const (
	DispatcherStarted = "dispatcher.started"
	DispatcherStopped = "dispatcher.stopped"
)

// Subject patterns for subscribers
const (
	TaskSubjects       = "task.>"
	DispatcherSubjects = "dispatcher.>"
)
