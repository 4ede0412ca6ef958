package scheduler

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/redpilot/redpilot/internal/common/errors"
	"github.com/redpilot/redpilot/internal/events"
	"github.com/redpilot/redpilot/internal/license"
	"github.com/redpilot/redpilot/internal/task/agent"
	"github.com/redpilot/redpilot/internal/task/clock"
	"github.com/redpilot/redpilot/internal/task/meta"
	"github.com/redpilot/redpilot/internal/task/models"
	v1 "github.com/redpilot/redpilot/pkg/api/v1"
)

// Registration defaults applied when the caller leaves fields unset.
const (
	DefaultIntervalSeconds = 3600
	DefaultWindowStart     = 8
	DefaultWindowEnd       = 22
	DefaultEndDateDays     = 30
)

// CreateTaskParams carries a task registration.
type CreateTaskParams struct {
	AccountID   string
	AccountName string
	TaskType    string
	SysType     string
	Mode        v1.TaskMode
	// IntervalSeconds of 0 selects the default cadence.
	IntervalSeconds int
	// A nil Window selects the default window unless NoWindow is set,
	// which registers the task with no hour restriction.
	Window   *clock.HourRange
	NoWindow bool
	// EndDate zero selects the default horizon.
	EndDate clock.Date
	Kwargs  map[string]any
}

// UpdateTaskParams carries a partial task update. Nil fields are left
// unchanged. Identity fields (account, task type) are immutable.
type UpdateTaskParams struct {
	AccountName     *string
	Mode            *v1.TaskMode
	IntervalSeconds *int
	// A nil Window leaves the window unchanged; ClearWindow removes it,
	// lifting the hour restriction.
	Window      *clock.HourRange
	ClearWindow bool
	EndDate     *clock.Date
	Kwargs      map[string]any
}

// CreateTask validates, licenses and registers a new task.
func (s *Scheduler) CreateTask(ctx context.Context, p CreateTaskParams) (*v1.Task, error) {
	if p.AccountID == "" {
		return nil, apperrors.Invalid("account_id", "must not be empty")
	}
	if p.TaskType == "" {
		p.TaskType = v1.TaskTypeOperator
	}
	if p.Mode == "" {
		p.Mode = v1.TaskModeStandard
	}
	if !p.Mode.Valid() {
		return nil, apperrors.Invalid("mode", fmt.Sprintf("unknown mode '%s'", p.Mode))
	}
	if p.IntervalSeconds == 0 {
		p.IntervalSeconds = DefaultIntervalSeconds
	}
	if p.IntervalSeconds < models.MinIntervalSeconds || p.IntervalSeconds > models.MaxIntervalSeconds {
		return nil, apperrors.Invalid("interval_seconds",
			fmt.Sprintf("must be between %d and %d", models.MinIntervalSeconds, models.MaxIntervalSeconds))
	}
	if p.Window == nil && !p.NoWindow {
		p.Window = &clock.HourRange{Start: DefaultWindowStart, End: DefaultWindowEnd}
	}
	if p.Window != nil && !p.Window.Valid() {
		return nil, apperrors.Invalid("valid_time_range",
			fmt.Sprintf("[%d, %d] is not a valid hour range", p.Window.Start, p.Window.End))
	}

	now := s.now()
	if p.EndDate.IsZero() {
		p.EndDate = clock.DateOf(now).AddDays(DefaultEndDateDays)
	}
	if !clock.DateOf(now).Before(p.EndDate) {
		return nil, apperrors.Invalid("task_end_time", "must be after today")
	}

	if s.gate.IsExpired() {
		return nil, apperrors.LicenseExpired()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if limit := s.gate.MaxTasks(); len(s.tasks) >= limit {
		return nil, apperrors.TaskLimitReached(limit)
	}

	// One task per (task type, account)
	for _, id := range s.accountTasks[p.AccountID] {
		if existing, ok := s.tasks[id]; ok && existing.Type == p.TaskType {
			return nil, apperrors.AccountTaken(p.TaskType, p.AccountID)
		}
	}

	// The free trial pins the cadence regardless of the request
	if forced := s.gate.ForcedIntervalSeconds(); forced > 0 && p.IntervalSeconds != forced {
		s.logger.Info("Coercing task interval to licensed cadence",
			zap.Int("requested", p.IntervalSeconds),
			zap.Int("forced", forced))
		p.IntervalSeconds = forced
	}

	ag, err := s.factory.New(p.TaskType, p.SysType, p.AccountID)
	if err != nil {
		return nil, err
	}

	taskID := uuid.New().String()

	if err := s.creds.EnsureWorkspace(taskID); err != nil {
		return nil, err
	}

	store, err := meta.LoadOrInit(s.metaDir, taskID, meta.Meta{
		AccountID:       p.AccountID,
		AccountName:     p.AccountName,
		TaskType:        p.TaskType,
		SysType:         p.SysType,
		Mode:            p.Mode,
		IntervalSeconds: p.IntervalSeconds,
		ValidHourRange:  p.Window,
		EndDate:         p.EndDate,
		Kwargs:          p.Kwargs,
	}, s.logger)
	if err != nil {
		_ = s.creds.RemoveWorkspace(taskID)
		return nil, err
	}

	t := &models.Task{
		ID:              taskID,
		AccountID:       p.AccountID,
		AccountName:     p.AccountName,
		Type:            p.TaskType,
		SysType:         p.SysType,
		Mode:            p.Mode,
		Status:          v1.TaskStatusPending,
		IntervalSeconds: p.IntervalSeconds,
		Window:          p.Window,
		EndDate:         p.EndDate,
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
		Kwargs:          p.Kwargs,
		Agent:           ag,
		Meta:            store,
	}
	t.NextExecutionTime = clock.NextExecution(now, nil, t.Interval(), t.Window, t.EndDate)
	if t.NextExecutionTime == nil {
		t.Status = v1.TaskStatusCompleted
	}

	s.tasks[taskID] = t
	s.accountTasks[p.AccountID] = append(s.accountTasks[p.AccountID], taskID)

	if err := s.persistLocked(); err != nil {
		delete(s.tasks, taskID)
		s.dropFromAccountIndexLocked(t)
		_ = store.Remove()
		_ = s.creds.RemoveWorkspace(taskID)
		return nil, err
	}

	s.logger.Info("Task created",
		zap.String("task_id", taskID),
		zap.String("account_id", p.AccountID),
		zap.Int("interval_seconds", t.IntervalSeconds))

	snap := t.Snapshot()
	s.publish(events.TaskCreated, map[string]interface{}{
		"task_id":    taskID,
		"account_id": p.AccountID,
		"status":     string(t.Status),
	})
	s.notifyWake()
	return snap, nil
}

// UpdateTask applies a partial update and reschedules when cadence,
// window or end date changed.
func (s *Scheduler) UpdateTask(ctx context.Context, taskID string, p UpdateTaskParams) (*v1.Task, error) {
	if p.Mode != nil && !p.Mode.Valid() {
		return nil, apperrors.Invalid("mode", fmt.Sprintf("unknown mode '%s'", *p.Mode))
	}
	if p.IntervalSeconds != nil &&
		(*p.IntervalSeconds < models.MinIntervalSeconds || *p.IntervalSeconds > models.MaxIntervalSeconds) {
		return nil, apperrors.Invalid("interval_seconds",
			fmt.Sprintf("must be between %d and %d", models.MinIntervalSeconds, models.MaxIntervalSeconds))
	}
	if p.Window != nil && !p.Window.Valid() {
		return nil, apperrors.Invalid("valid_time_range",
			fmt.Sprintf("[%d, %d] is not a valid hour range", p.Window.Start, p.Window.End))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}

	prev := t.Clone()
	rescheduled := false

	if p.AccountName != nil {
		t.AccountName = *p.AccountName
	}
	if p.Mode != nil {
		t.Mode = *p.Mode
	}
	if p.IntervalSeconds != nil {
		interval := *p.IntervalSeconds
		if forced := s.gate.ForcedIntervalSeconds(); forced > 0 {
			interval = forced
		}
		if interval != t.IntervalSeconds {
			t.IntervalSeconds = interval
			rescheduled = true
		}
	}
	if p.ClearWindow {
		t.Window = nil
		rescheduled = true
	} else if p.Window != nil {
		w := *p.Window
		t.Window = &w
		rescheduled = true
	}
	if p.EndDate != nil {
		t.EndDate = *p.EndDate
		rescheduled = true
	}
	if p.Kwargs != nil {
		t.Kwargs = p.Kwargs
	}

	now := s.now()
	t.UpdatedAt = now.UTC()

	// Running tasks pick up the new schedule when the round finishes;
	// paused and completed tasks stay unscheduled.
	if rescheduled && (t.Status == v1.TaskStatusPending || t.Status == v1.TaskStatusError) {
		t.NextExecutionTime = clock.NextExecution(now, t.LastExecutionTime, t.Interval(), t.Window, t.EndDate)
		if t.NextExecutionTime == nil {
			t.Status = v1.TaskStatusCompleted
		}
	}

	if err := s.persistLocked(); err != nil {
		t.Restore(prev)
		return nil, err
	}

	if err := t.Meta.Update(func(m *meta.Meta) {
		m.AccountName = t.AccountName
		m.Mode = t.Mode
		m.IntervalSeconds = t.IntervalSeconds
		m.ValidHourRange = t.Window
		m.EndDate = t.EndDate
		m.Kwargs = t.Kwargs
	}); err != nil {
		s.logger.Warn("Failed to update task meta", zap.String("task_id", taskID), zap.Error(err))
	}

	snap := t.Snapshot()
	s.publish(events.TaskUpdated, map[string]interface{}{
		"task_id": taskID,
		"status":  string(t.Status),
	})
	s.notifyWake()
	return snap, nil
}

// PauseTask takes a task out of scheduling. Pausing a running task lets
// the current round finish but prevents further ones. Pausing a paused
// or completed task is a no-op.
func (s *Scheduler) PauseTask(ctx context.Context, taskID string) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}

	if t.Status == v1.TaskStatusPaused || t.Status == v1.TaskStatusCompleted {
		return t.Snapshot(), nil
	}

	prev := t.Clone()
	t.Status = v1.TaskStatusPaused
	t.NextExecutionTime = nil
	t.UpdatedAt = s.now().UTC()

	if err := s.persistLocked(); err != nil {
		t.Restore(prev)
		return nil, err
	}

	s.logger.Info("Task paused", zap.String("task_id", taskID))
	snap := t.Snapshot()
	s.publish(events.TaskPaused, map[string]interface{}{"task_id": taskID})
	return snap, nil
}

// ResumeTask puts a paused task back into scheduling.
func (s *Scheduler) ResumeTask(ctx context.Context, taskID string) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}
	if t.Status != v1.TaskStatusPaused {
		return nil, apperrors.IllegalState(
			fmt.Sprintf("task %s is %s, only paused tasks can be resumed", taskID, t.Status))
	}

	prev := t.Clone()
	now := s.now()
	t.Status = v1.TaskStatusPending
	t.NextExecutionTime = clock.NextExecution(now, t.LastExecutionTime, t.Interval(), t.Window, t.EndDate)
	if t.NextExecutionTime == nil {
		t.Status = v1.TaskStatusCompleted
	}
	t.UpdatedAt = now.UTC()

	if err := s.persistLocked(); err != nil {
		t.Restore(prev)
		return nil, err
	}

	s.logger.Info("Task resumed",
		zap.String("task_id", taskID),
		zap.String("status", string(t.Status)))
	snap := t.Snapshot()
	s.publish(events.TaskResumed, map[string]interface{}{
		"task_id": taskID,
		"status":  string(t.Status),
	})
	s.notifyWake()
	return snap, nil
}

// ReorderTask shifts a pending task's next execution by offset seconds.
// The shifted time is pulled into the execution window; landing on or
// past the end date completes the task instead.
func (s *Scheduler) ReorderTask(ctx context.Context, taskID string, offsetSeconds int) (*v1.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}
	if t.Status != v1.TaskStatusPending || t.NextExecutionTime == nil {
		return nil, apperrors.IllegalState(
			fmt.Sprintf("task %s is %s, only scheduled pending tasks can be reordered", taskID, t.Status))
	}

	prev := t.Clone()
	shifted := t.NextExecutionTime.Add(time.Duration(offsetSeconds) * time.Second)
	adjusted := clock.AdvanceToNextValid(shifted, t.Window)

	if !t.EndDate.IsZero() && !clock.DateOf(adjusted).Before(t.EndDate) {
		t.Status = v1.TaskStatusCompleted
		t.NextExecutionTime = nil
	} else {
		t.NextExecutionTime = &adjusted
	}
	t.UpdatedAt = s.now().UTC()

	if err := s.persistLocked(); err != nil {
		t.Restore(prev)
		return nil, err
	}

	s.logger.Info("Task reordered",
		zap.String("task_id", taskID),
		zap.Int("offset_seconds", offsetSeconds),
		zap.String("status", string(t.Status)))
	snap := t.Snapshot()
	s.publish(events.TaskReordered, map[string]interface{}{
		"task_id": taskID,
		"offset":  offsetSeconds,
		"status":  string(t.Status),
	})
	s.notifyWake()
	return snap, nil
}

// DeleteTask removes a task. Deleting the running task defers removal to
// the end of the current round.
func (s *Scheduler) DeleteTask(ctx context.Context, taskID string) error {
	s.mu.Lock()

	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return apperrors.NotFound("task", taskID)
	}

	if s.runningID == taskID {
		s.pendingDel[taskID] = true
		s.mu.Unlock()
		s.logger.Info("Task delete deferred until round finishes",
			zap.String("task_id", taskID))
		return nil
	}

	s.removeTaskLocked(t)
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.logger.Info("Task deleted", zap.String("task_id", taskID))
	s.publish(events.TaskDeleted, map[string]interface{}{"task_id": taskID})
	s.notifyWake()
	return nil
}

// removeTaskLocked drops a task from the registry and its durable traces.
func (s *Scheduler) removeTaskLocked(t *models.Task) {
	delete(s.tasks, t.ID)
	delete(s.pendingDel, t.ID)
	s.dropFromAccountIndexLocked(t)

	if err := t.Meta.Remove(); err != nil {
		s.logger.Warn("Failed to remove task meta", zap.String("task_id", t.ID), zap.Error(err))
	}
	if err := s.creds.RemoveWorkspace(t.ID); err != nil {
		s.logger.Warn("Failed to remove task workspace", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (s *Scheduler) dropFromAccountIndexLocked(t *models.Task) {
	ids := s.accountTasks[t.AccountID]
	for i, id := range ids {
		if id == t.ID {
			s.accountTasks[t.AccountID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.accountTasks[t.AccountID]) == 0 {
		delete(s.accountTasks, t.AccountID)
	}
}

// ExecuteNow runs a task immediately, bypassing its schedule. The call
// is synchronous and serialized with the dispatch loop through the
// execution lock.
func (s *Scheduler) ExecuteNow(ctx context.Context, taskID string) (*v1.ExecutionResult, error) {
	if !s.gate.CanExecuteNow() {
		if s.gate.IsExpired() {
			return nil, apperrors.LicenseExpired()
		}
		return nil, apperrors.LicenseForbidden("on-demand execution")
	}

	s.mu.RLock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.RUnlock()
		return nil, apperrors.NotFound("task", taskID)
	}
	if t.Status == v1.TaskStatusCompleted {
		s.mu.RUnlock()
		return nil, apperrors.IllegalState(fmt.Sprintf("task %s is completed", taskID))
	}
	s.mu.RUnlock()

	wait := s.cfg.ExecuteNowWait()
	if wait <= 0 {
		wait = 5 * time.Second
	}
	if !s.run.TryAcquire(ctx, wait) {
		return nil, apperrors.Busy("another task is currently executing")
	}
	defer s.run.Release()

	return s.runTask(ctx, taskID, true)
}

// GetTask returns one task in wire form.
func (s *Scheduler) GetTask(taskID string) (*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}
	return t.Snapshot(), nil
}

// ListTasks returns tasks filtered by account and status, ordered by next
// execution time ascending with unscheduled tasks last, ties broken by
// creation time.
func (s *Scheduler) ListTasks(accountID string, status v1.TaskStatus) []*v1.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*v1.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if accountID != "" && t.AccountID != accountID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.Snapshot())
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.NextExecutionTime != nil && b.NextExecutionTime != nil:
			if !a.NextExecutionTime.Equal(*b.NextExecutionTime) {
				return a.NextExecutionTime.Before(*b.NextExecutionTime)
			}
		case a.NextExecutionTime != nil:
			return true
		case b.NextExecutionTime != nil:
			return false
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}

// TasksByAccount returns all tasks registered for an account.
func (s *Scheduler) TasksByAccount(accountID string) []*v1.Task {
	return s.ListTasks(accountID, "")
}

// LoginStatus probes the platform session of the task's account. The
// probe stages the task's credentials, so it serializes with execution.
func (s *Scheduler) LoginStatus(ctx context.Context, taskID string) (v1.LoginState, error) {
	t, err := s.taskForLogin(taskID)
	if err != nil {
		return v1.LoginStateUnknown, err
	}

	if !s.run.TryAcquire(ctx, s.loginWait()) {
		return v1.LoginStateUnknown, apperrors.Busy("another task is currently executing")
	}
	defer s.run.Release()

	if err := s.creds.Stage(taskID); err != nil {
		return v1.LoginStateUnknown, err
	}
	defer s.collectAndClear(taskID)

	return t.Agent.LoginStatus(ctx)
}

// BeginLogin starts an interactive login for the task's account and
// returns the QR payload. The staged credentials stay live until
// ConfirmLogin collects them.
func (s *Scheduler) BeginLogin(ctx context.Context, taskID string) (*v1.LoginTicket, error) {
	t, err := s.taskForLogin(taskID)
	if err != nil {
		return nil, err
	}

	if !s.run.TryAcquire(ctx, s.loginWait()) {
		return nil, apperrors.Busy("another task is currently executing")
	}
	defer s.run.Release()

	if err := s.creds.Stage(taskID); err != nil {
		return nil, err
	}

	payload, err := t.Agent.BeginLogin(ctx)
	if err != nil {
		s.collectAndClear(taskID)
		return nil, err
	}

	ticket := &v1.LoginTicket{
		TaskID:    taskID,
		AccountID: t.AccountID,
		State:     v1.LoginStateNotLoggedIn,
		QRCode:    payload.QRCode,
	}
	if payload.ExpiresIn > 0 {
		exp := s.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
		ticket.ExpiresAt = &exp
	}
	return ticket, nil
}

// ConfirmLogin checks a pending interactive login and, once completed,
// collects the fresh session cookies into the task's workspace.
func (s *Scheduler) ConfirmLogin(ctx context.Context, taskID string) (bool, error) {
	t, err := s.taskForLogin(taskID)
	if err != nil {
		return false, err
	}

	if !s.run.TryAcquire(ctx, s.loginWait()) {
		return false, apperrors.Busy("another task is currently executing")
	}
	defer s.run.Release()

	loggedIn, err := t.Agent.ConfirmLogin(ctx)
	if err != nil {
		return false, err
	}
	if loggedIn {
		s.collectAndClear(taskID)
	}
	return loggedIn, nil
}

func (s *Scheduler) taskForLogin(taskID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}
	return t, nil
}

func (s *Scheduler) loginWait() time.Duration {
	wait := s.cfg.ExecuteNowWait()
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return wait
}

func (s *Scheduler) collectAndClear(taskID string) {
	if err := s.creds.Collect(taskID); err != nil {
		s.logger.Warn("Failed to collect task cookies", zap.String("task_id", taskID), zap.Error(err))
	}
	if err := s.creds.Clear(); err != nil {
		s.logger.Warn("Failed to clear shared cookies", zap.String("task_id", taskID), zap.Error(err))
	}
}

// TailLog returns up to n trailing lines of the task's log file. A task
// that has not logged yet yields an empty slice.
func (s *Scheduler) TailLog(taskID string, n int) ([]string, error) {
	s.mu.RLock()
	_, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("task", taskID)
	}
	if n <= 0 {
		n = 100
	}

	data, err := os.ReadFile(s.creds.TaskLogPath(taskID))
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, apperrors.Persistence("reading task log", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return []string{}, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Gate exposes the license gate for read-only checks.
func (s *Scheduler) Gate() license.Gate {
	return s.gate
}

// Credentials exposes the credential store for read-only path queries.
func (s *Scheduler) Credentials() *agent.CredentialStore {
	return s.creds
}
