// Package scheduler owns the task registry, the serial dispatch loop and
// the durable state of the operator task scheduler.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/redpilot/redpilot/internal/common/config"
	apperrors "github.com/redpilot/redpilot/internal/common/errors"
	"github.com/redpilot/redpilot/internal/common/logger"
	"github.com/redpilot/redpilot/internal/events"
	"github.com/redpilot/redpilot/internal/events/bus"
	"github.com/redpilot/redpilot/internal/license"
	"github.com/redpilot/redpilot/internal/task/agent"
	"github.com/redpilot/redpilot/internal/task/clock"
	"github.com/redpilot/redpilot/internal/task/meta"
	"github.com/redpilot/redpilot/internal/task/models"
	v1 "github.com/redpilot/redpilot/pkg/api/v1"
)

const eventSource = "scheduler"

// Scheduler manages the task registry and drives execution. All registry
// access goes through mu; actual rounds run outside the mutex but under
// the global execution lock.
type Scheduler struct {
	mu           sync.RWMutex
	tasks        map[string]*models.Task
	accountTasks map[string][]string // account_id -> task IDs
	runningID    string
	pendingDel   map[string]bool

	run  *runLock
	wake chan struct{}

	loopCancel context.CancelFunc
	loopDone   chan struct{}
	loopOn     bool

	snap    *snapshotStore
	metaDir string
	factory agent.Factory
	creds   *agent.CredentialStore
	gate    license.Gate
	bus     bus.EventBus
	logger  *logger.Logger
	cfg     config.SchedulerConfig

	// now is replaceable in tests
	now func() time.Time
}

// Options collects the dependencies of a Scheduler.
type Options struct {
	Config    config.SchedulerConfig
	Snapshot  string // state file path
	MetaDir   string
	Factory   agent.Factory
	Creds     *agent.CredentialStore
	Gate      license.Gate
	Bus       bus.EventBus
	Logger    *logger.Logger
}

// New builds a Scheduler and restores durable state from the snapshot.
func New(opts Options) (*Scheduler, error) {
	s := &Scheduler{
		tasks:        make(map[string]*models.Task),
		accountTasks: make(map[string][]string),
		pendingDel:   make(map[string]bool),
		run:          newRunLock(),
		wake:         make(chan struct{}, 1),
		snap:         newSnapshotStore(opts.Snapshot, opts.Logger),
		metaDir:      opts.MetaDir,
		factory:      opts.Factory,
		creds:        opts.Creds,
		gate:         opts.Gate,
		bus:          opts.Bus,
		logger:       opts.Logger,
		cfg:          opts.Config,
		now:          time.Now,
	}

	if err := s.restore(); err != nil {
		return nil, err
	}
	return s, nil
}

// restore loads the snapshot and rebuilds the in-memory registry.
func (s *Scheduler) restore() error {
	entries, _, err := s.snap.Load()
	if err != nil {
		return err
	}

	now := s.now()
	for _, e := range entries {
		ag, err := s.factory.New(e.TaskType, e.SysType, e.AccountID)
		if err != nil {
			s.logger.Warn("Skipping snapshot task with unbuildable agent",
				zap.String("task_id", e.TaskID),
				zap.String("task_type", e.TaskType),
				zap.Error(err))
			continue
		}

		store, err := meta.LoadOrInit(s.metaDir, e.TaskID, meta.Meta{
			AccountID:       e.AccountID,
			AccountName:     e.AccountName,
			TaskType:        e.TaskType,
			SysType:         e.SysType,
			Mode:            e.Mode,
			IntervalSeconds: e.IntervalSeconds,
			ValidHourRange:  e.ValidHourRange,
			EndDate:         e.EndDate,
			RoundNum:        e.RoundNum,
			Kwargs:          e.Kwargs,
		}, s.logger)
		if err != nil {
			s.logger.Warn("Skipping snapshot task with unreadable meta",
				zap.String("task_id", e.TaskID),
				zap.Error(err))
			continue
		}

		t := &models.Task{
			ID:                e.TaskID,
			AccountID:         e.AccountID,
			AccountName:       e.AccountName,
			Type:              e.TaskType,
			SysType:           e.SysType,
			Mode:              e.Mode,
			Status:            e.Status,
			IntervalSeconds:   e.IntervalSeconds,
			Window:            e.ValidHourRange,
			EndDate:           e.EndDate,
			LastExecutionTime: e.LastExecutionTime,
			NextExecutionTime: e.NextExecutionTime,
			CreatedAt:         e.CreatedAt,
			UpdatedAt:         e.UpdatedAt,
			RoundNum:          e.RoundNum,
			Kwargs:            e.Kwargs,
			Agent:             ag,
			Meta:              store,
		}

		// The process died mid-run; the round never finished
		if t.Status == v1.TaskStatusRunning {
			t.Status = v1.TaskStatusPending
		}

		// Refresh scheduling for tasks the loop should pick up again
		if t.Status == v1.TaskStatusPending || t.Status == v1.TaskStatusError {
			stale := t.NextExecutionTime == nil || t.NextExecutionTime.Before(now)
			if stale {
				t.NextExecutionTime = clock.NextExecution(now, t.LastExecutionTime, t.Interval(), t.Window, t.EndDate)
				if t.NextExecutionTime == nil {
					t.Status = v1.TaskStatusCompleted
				}
			}
		}

		s.tasks[t.ID] = t
		s.accountTasks[t.AccountID] = append(s.accountTasks[t.AccountID], t.ID)
	}

	s.logger.Info("Restored scheduler state", zap.Int("tasks", len(s.tasks)))
	return nil
}

// persistLocked writes the registry to the snapshot file. Callers hold mu.
func (s *Scheduler) persistLocked() error {
	snaps := make([]taskSnapshot, 0, len(s.tasks))
	for _, t := range s.tasks {
		snaps = append(snaps, taskSnapshot{
			TaskID:            t.ID,
			AccountID:         t.AccountID,
			AccountName:       t.AccountName,
			TaskType:          t.Type,
			SysType:           t.SysType,
			Status:            t.Status,
			Mode:              t.Mode,
			IntervalSeconds:   t.IntervalSeconds,
			ValidHourRange:    t.Window,
			EndDate:           t.EndDate,
			LastExecutionTime: t.LastExecutionTime,
			NextExecutionTime: t.NextExecutionTime,
			CreatedAt:         t.CreatedAt,
			UpdatedAt:         t.UpdatedAt,
			RoundNum:          t.RoundNum,
			Kwargs:            t.Kwargs,
		})
	}

	index := make(map[string][]string, len(s.accountTasks))
	for acc, ids := range s.accountTasks {
		index[acc] = append([]string(nil), ids...)
	}

	return s.snap.Save(snaps, index)
}

// publish emits an event on the bus, logging instead of failing.
func (s *Scheduler) publish(eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, eventSource, data)
	if err := s.bus.Publish(context.Background(), eventType, ev); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// notifyWake nudges the dispatch loop after a registry mutation.
func (s *Scheduler) notifyWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start launches the dispatch loop. Starting twice is an error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.loopOn {
		s.mu.Unlock()
		return apperrors.IllegalState("dispatcher already running")
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	s.loopOn = true
	done := s.loopDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.loop(loopCtx)
	}()

	s.logger.Info("Dispatcher started")
	s.publish(events.DispatcherStarted, map[string]interface{}{})
	return nil
}

// Stop halts the dispatch loop, waiting up to the configured grace period
// for an in-flight round.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.loopOn {
		s.mu.Unlock()
		return apperrors.IllegalState("dispatcher not running")
	}
	cancel := s.loopCancel
	done := s.loopDone
	s.loopOn = false
	s.mu.Unlock()

	cancel()

	grace := s.cfg.ShutdownGrace()
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warn("Dispatcher did not stop within grace period",
			zap.Duration("grace", grace))
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("Dispatcher stopped")
	s.publish(events.DispatcherStopped, map[string]interface{}{})
	return nil
}

// Running reports whether the dispatch loop is active.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loopOn
}

// Status returns a point-in-time view of the scheduler.
func (s *Scheduler) Status() *v1.DispatcherStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &v1.DispatcherStatus{
		Running:      s.loopOn,
		TotalTasks:   len(s.tasks),
		StatusCounts: make(map[v1.TaskStatus]int),
	}
	var earliest *time.Time
	for _, t := range s.tasks {
		st.StatusCounts[t.Status]++
		if t.Schedulable() {
			if earliest == nil || t.NextExecutionTime.Before(*earliest) {
				next := *t.NextExecutionTime
				earliest = &next
			}
		}
	}
	st.CurrentTaskID = s.runningID
	st.NextWakeup = earliest
	return st
}

// Close persists state a final time. Call after Stop.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}
