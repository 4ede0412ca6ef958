// Package meta persists per-task metadata and the append-only step log
// as a JSON file next to the task's workspace.
package meta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redpilot/redpilot/internal/common/errors"
	"github.com/redpilot/redpilot/internal/common/logger"
	"github.com/redpilot/redpilot/internal/task/clock"
	v1 "github.com/redpilot/redpilot/pkg/api/v1"
)

// Step is one entry in a task's execution log.
type Step struct {
	Round      int        `json:"round"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	OK         bool       `json:"ok"`
	Notes      string     `json:"notes,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Meta is the durable per-task record. Steps grow without bound; rotation
// is left to operators.
type Meta struct {
	TaskID          string            `json:"task_id"`
	AccountID       string            `json:"account_id"`
	AccountName     string            `json:"account_name"`
	TaskType        string            `json:"task_type"`
	SysType         string            `json:"sys_type,omitempty"`
	Mode            v1.TaskMode       `json:"mode"`
	IntervalSeconds int               `json:"interval_seconds"`
	ValidHourRange  *clock.HourRange  `json:"valid_time_range,omitempty"`
	EndDate         clock.Date        `json:"task_end_time,omitempty"`
	RoundNum        int               `json:"round_num"`
	Kwargs          map[string]any    `json:"kwargs,omitempty"`
	Steps           []Step            `json:"step"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Store owns the meta file for a single task. All writes go through a
// temp file followed by rename so readers never observe partial state.
type Store struct {
	path   string
	mu     sync.Mutex
	meta   Meta
	logger *logger.Logger
}

// FilePath returns the meta file location for a task inside dir.
func FilePath(dir, taskID string) string {
	return filepath.Join(dir, fmt.Sprintf("meta_%s.json", taskID))
}

// LoadOrInit opens the meta store for a task, creating the file from
// defaults when it does not exist yet.
func LoadOrInit(dir, taskID string, defaults Meta, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Persistence("creating meta directory", err)
	}

	s := &Store{
		path:   FilePath(dir, taskID),
		logger: log.WithTaskID(taskID),
	}

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.meta); err != nil {
			return nil, errors.Persistence("parsing meta file", err)
		}
	case os.IsNotExist(err):
		defaults.TaskID = taskID
		defaults.UpdatedAt = time.Now().UTC()
		s.meta = defaults
		if err := s.writeLocked(); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Persistence("reading meta file", err)
	}

	return s, nil
}

// Meta returns a copy of the current record.
func (s *Store) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.meta
	out.Steps = append([]Step(nil), s.meta.Steps...)
	if s.meta.Kwargs != nil {
		out.Kwargs = make(map[string]any, len(s.meta.Kwargs))
		for k, v := range s.meta.Kwargs {
			out.Kwargs[k] = v
		}
	}
	return out
}

// Update applies mut to the record and persists the result.
func (s *Store) Update(mut func(*Meta)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mut(&s.meta)
	s.meta.UpdatedAt = time.Now().UTC()
	return s.writeLocked()
}

// AppendStep appends one execution log entry and persists.
func (s *Store) AppendStep(step Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.meta.Steps = append(s.meta.Steps, step)
	s.meta.UpdatedAt = time.Now().UTC()
	return s.writeLocked()
}

// Remove deletes the meta file. Missing files are not an error.
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Persistence("removing meta file", err)
	}
	return nil
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) writeLocked() error {
	data, err := json.MarshalIndent(&s.meta, "", "  ")
	if err != nil {
		return errors.Persistence("encoding meta", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Persistence("writing meta temp file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return errors.Persistence("replacing meta file", err)
	}
	return nil
}
