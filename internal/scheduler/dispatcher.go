package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/redpilot/redpilot/internal/common/errors"
	"github.com/redpilot/redpilot/internal/events"
	"github.com/redpilot/redpilot/internal/task/agent"
	"github.com/redpilot/redpilot/internal/task/clock"
	"github.com/redpilot/redpilot/internal/task/meta"
	"github.com/redpilot/redpilot/internal/task/models"
	v1 "github.com/redpilot/redpilot/pkg/api/v1"
)

// loop is the dispatch cycle: run whatever is due, one task at a time,
// then sleep until the next schedulable instant, a registry mutation or
// the poll cap, whichever comes first.
func (s *Scheduler) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		taskID, wait := s.nextDue()
		if taskID != "" {
			if err := s.run.Acquire(ctx); err != nil {
				return
			}
			if _, err := s.runTask(ctx, taskID, false); err != nil {
				s.logger.Warn("Dispatch failed",
					zap.String("task_id", taskID),
					zap.Error(err))
			}
			s.run.Release()
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nextDue picks the most overdue schedulable task, or the time to sleep
// when nothing is due. Due tasks order by next execution time ascending,
// ties broken by creation time.
func (s *Scheduler) nextDue() (string, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	maxPoll := s.cfg.MaxPoll()
	if maxPoll <= 0 {
		maxPoll = 60 * time.Second
	}

	var due []*models.Task
	var earliest *time.Time
	for _, t := range s.tasks {
		if !t.Schedulable() {
			continue
		}
		if t.DueAt(now) {
			due = append(due, t)
		} else if earliest == nil || t.NextExecutionTime.Before(*earliest) {
			next := *t.NextExecutionTime
			earliest = &next
		}
	}

	if len(due) > 0 {
		sort.Slice(due, func(i, j int) bool {
			a, b := due[i], due[j]
			if !a.NextExecutionTime.Equal(*b.NextExecutionTime) {
				return a.NextExecutionTime.Before(*b.NextExecutionTime)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		})
		return due[0].ID, 0
	}

	wait := maxPoll
	if earliest != nil {
		if d := earliest.Sub(now); d < wait {
			wait = d
		}
		if wait < time.Second {
			wait = time.Second
		}
	}
	return "", wait
}

// runTask executes one round for a task. The caller holds the execution
// lock. Loop dispatches re-verify the task is still due; on-demand runs
// (manual) only require the task to exist and not be completed.
func (s *Scheduler) runTask(ctx context.Context, taskID string, manual bool) (*v1.ExecutionResult, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, apperrors.NotFound("task", taskID)
	}
	if t.Status == v1.TaskStatusCompleted {
		s.mu.Unlock()
		return nil, apperrors.IllegalState(fmt.Sprintf("task %s is completed", taskID))
	}
	if !t.EndDate.IsZero() && !clock.DateOf(s.now()).Before(t.EndDate) {
		// Became stale while waiting for the lock, or the clock crossed
		// the end date since the next execution time was computed.
		t.Status = v1.TaskStatusCompleted
		t.NextExecutionTime = nil
		t.UpdatedAt = s.now().UTC()
		if err := s.persistLocked(); err != nil {
			s.logger.Warn("Failed to persist end-date completion", zap.String("task_id", taskID), zap.Error(err))
		}
		s.mu.Unlock()
		s.publish(events.TaskUpdated, map[string]interface{}{
			"task_id": taskID,
			"status":  string(v1.TaskStatusCompleted),
		})
		s.logger.WithTaskID(taskID).Info("Task reached its end date, marked completed")
		if manual {
			return nil, apperrors.IllegalState(fmt.Sprintf("task %s reached its end date", taskID))
		}
		return nil, nil
	}
	if !manual && !t.DueAt(s.now()) {
		// Mutated while the loop waited for the lock
		s.mu.Unlock()
		return nil, nil
	}

	prevStatus := t.Status
	t.Status = v1.TaskStatusRunning
	s.runningID = taskID

	rc := agent.RunContext{
		TaskID:      t.ID,
		AccountID:   t.AccountID,
		AccountName: t.AccountName,
		Mode:        t.Mode,
		RoundNum:    t.RoundNum + 1,
		Kwargs:      t.Kwargs,
	}
	ag := t.Agent

	if err := s.persistLocked(); err != nil {
		s.logger.Warn("Failed to persist running state", zap.String("task_id", taskID), zap.Error(err))
	}
	s.mu.Unlock()

	s.publish(events.TaskRunStarted, map[string]interface{}{
		"task_id":   taskID,
		"round_num": rc.RoundNum,
		"manual":    manual,
	})

	log := s.logger.WithTaskID(taskID).WithAccountID(rc.AccountID)
	log.Info("Round started", zap.Int("round_num", rc.RoundNum), zap.Bool("manual", manual))

	start := s.now()
	var cont bool
	runErr := s.creds.Stage(taskID)
	if runErr == nil {
		cont, runErr = ag.RunOnce(ctx, rc)
	}
	s.collectAndClear(taskID)
	finished := s.now()

	s.mu.Lock()
	s.runningID = ""

	last := finished
	t.LastExecutionTime = &last
	t.RoundNum++

	step := meta.Step{
		Round:      t.RoundNum,
		StartedAt:  start.UTC(),
		FinishedAt: ptrTime(finished.UTC()),
		OK:         runErr == nil,
	}
	if runErr != nil {
		step.Error = runErr.Error()
	}
	if err := t.Meta.Update(func(m *meta.Meta) {
		m.RoundNum = t.RoundNum
		m.Steps = append(m.Steps, step)
	}); err != nil {
		log.Warn("Failed to record execution step", zap.Error(err))
	}

	res := &v1.ExecutionResult{
		TaskID:     taskID,
		StartedAt:  start.UTC(),
		FinishedAt: finished.UTC(),
		Completed:  runErr == nil,
	}
	if runErr != nil {
		res.Error = runErr.Error()
	}

	// A delete issued mid-run finalizes here
	if s.pendingDel[taskID] {
		s.removeTaskLocked(t)
		if err := s.persistLocked(); err != nil {
			log.Warn("Failed to persist after deferred delete", zap.Error(err))
		}
		s.mu.Unlock()

		res.Status = v1.TaskStatusCompleted
		s.publish(events.TaskDeleted, map[string]interface{}{"task_id": taskID})
		s.publishRunOutcome(taskID, rc.RoundNum, runErr)
		log.Info("Task deleted after round")
		return res, nil
	}

	switch {
	case t.Status == v1.TaskStatusPaused:
		// Paused mid-run: the pause wins, no reschedule
	case manual && prevStatus == v1.TaskStatusPaused:
		t.Status = v1.TaskStatusPaused
		t.NextExecutionTime = nil
	case runErr != nil:
		t.Status = v1.TaskStatusError
		t.NextExecutionTime = clock.NextExecution(finished, &last, t.Interval(), t.Window, t.EndDate)
		if t.NextExecutionTime == nil {
			t.Status = v1.TaskStatusCompleted
		}
	case !cont:
		t.Status = v1.TaskStatusCompleted
		t.NextExecutionTime = nil
	default:
		t.Status = v1.TaskStatusPending
		t.NextExecutionTime = clock.NextExecution(finished, &last, t.Interval(), t.Window, t.EndDate)
		if t.NextExecutionTime == nil {
			t.Status = v1.TaskStatusCompleted
		}
	}
	t.UpdatedAt = finished.UTC()

	if err := s.persistLocked(); err != nil {
		log.Warn("Failed to persist after round", zap.Error(err))
	}
	res.Status = t.Status
	next := t.NextExecutionTime
	s.mu.Unlock()

	s.publishRunOutcome(taskID, rc.RoundNum, runErr)

	fields := []zap.Field{
		zap.Int("round_num", rc.RoundNum),
		zap.String("status", string(res.Status)),
		zap.Duration("elapsed", finished.Sub(start)),
	}
	if next != nil {
		fields = append(fields, zap.Time("next_execution", *next))
	}
	if runErr != nil {
		log.Error("Round failed", append(fields, zap.Error(runErr))...)
	} else {
		log.Info("Round finished", fields...)
	}

	return res, nil
}

func (s *Scheduler) publishRunOutcome(taskID string, round int, runErr error) {
	data := map[string]interface{}{
		"task_id":   taskID,
		"round_num": round,
	}
	if runErr != nil {
		data["error"] = runErr.Error()
		s.publish(events.TaskRunFailed, data)
		return
	}
	s.publish(events.TaskRunCompleted, data)
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
