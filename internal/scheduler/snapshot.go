package scheduler

import (
	"encoding/json"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/redpilot/redpilot/internal/common/errors"
	"github.com/redpilot/redpilot/internal/common/logger"
	"github.com/redpilot/redpilot/internal/task/clock"
	v1 "github.com/redpilot/redpilot/pkg/api/v1"
)

// snapshotVersion stamps the on-disk format.
const snapshotVersion = "1.0"

// taskSnapshot is the durable form of one task. Field names match the
// historical file layout so existing state files keep loading.
type taskSnapshot struct {
	TaskID            string           `json:"task_id"`
	AccountID         string           `json:"account_id"`
	AccountName       string           `json:"account_name"`
	TaskType          string           `json:"task_type"`
	SysType           string           `json:"sys_type,omitempty"`
	Status            v1.TaskStatus    `json:"status"`
	Mode              v1.TaskMode      `json:"mode"`
	IntervalSeconds   int              `json:"interval"`
	ValidHourRange    *clock.HourRange `json:"valid_time_range,omitempty"`
	EndDate           clock.Date       `json:"task_end_time"`
	LastExecutionTime *time.Time       `json:"last_execution_time,omitempty"`
	NextExecutionTime *time.Time       `json:"next_execution_time,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	RoundNum          int              `json:"round_num"`
	Kwargs            map[string]any   `json:"kwargs,omitempty"`
}

// snapshotFile is the full durable scheduler state.
type snapshotFile struct {
	Version      string              `json:"version"`
	SavedAt      time.Time           `json:"saved_at"`
	Tasks        []json.RawMessage   `json:"tasks"`
	AccountTasks map[string][]string `json:"account_tasks"`
}

// snapshotStore reads and writes the scheduler state file.
type snapshotStore struct {
	path   string
	logger *logger.Logger
}

func newSnapshotStore(path string, log *logger.Logger) *snapshotStore {
	return &snapshotStore{path: path, logger: log}
}

// Save writes all tasks and the account index atomically.
func (s *snapshotStore) Save(tasks []taskSnapshot, accountTasks map[string][]string) error {
	raw := make([]json.RawMessage, 0, len(tasks))
	for i := range tasks {
		data, err := json.Marshal(&tasks[i])
		if err != nil {
			return errors.Persistence("encoding task snapshot", err)
		}
		raw = append(raw, data)
	}

	file := snapshotFile{
		Version:      snapshotVersion,
		SavedAt:      time.Now().UTC(),
		Tasks:        raw,
		AccountTasks: accountTasks,
	}

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return errors.Persistence("encoding snapshot", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Persistence("writing snapshot temp file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return errors.Persistence("replacing snapshot file", err)
	}
	return nil
}

// Load reads the state file. A missing file yields empty state. A corrupt
// file is logged and also yields empty state so the service can still
// boot; individual unparseable task entries are skipped.
func (s *snapshotStore) Load() ([]taskSnapshot, map[string][]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, errors.Persistence("reading snapshot", err)
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.Warn("Snapshot file is corrupt, starting with empty state",
			zap.String("path", s.path),
			zap.Error(errors.CorruptSnapshot(s.path, err)))
		return nil, nil, nil
	}

	if file.Version != snapshotVersion {
		s.logger.Warn("Snapshot version mismatch, attempting to load anyway",
			zap.String("found", file.Version),
			zap.String("expected", snapshotVersion))
	}

	tasks := make([]taskSnapshot, 0, len(file.Tasks))
	for i, raw := range file.Tasks {
		var ts taskSnapshot
		if err := json.Unmarshal(raw, &ts); err != nil {
			s.logger.Warn("Skipping unparseable task entry in snapshot",
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		if ts.TaskID == "" {
			s.logger.Warn("Skipping task entry without task_id", zap.Int("index", i))
			continue
		}
		tasks = append(tasks, ts)
	}

	return tasks, file.AccountTasks, nil
}
