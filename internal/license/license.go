// Package license enforces the feature limits of the current license.
// Without an activated license the service runs as a free trial: one
// task, a forced two-hour cadence and no on-demand execution.
package license

import (
	"encoding/json"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/redpilot/redpilot/internal/common/logger"
	"github.com/redpilot/redpilot/internal/task/clock"
)

// Free-trial limits applied when no valid license is present.
const (
	TrialMaxTasks              = 1
	TrialForcedIntervalSeconds = 7200
)

// Gate answers the licensing questions the scheduler asks.
type Gate interface {
	// MaxTasks returns the licensed task count.
	MaxTasks() int

	// ForcedIntervalSeconds returns the cadence tasks are coerced to,
	// or 0 when the license does not restrict it.
	ForcedIntervalSeconds() int

	// CanExecuteNow reports whether on-demand execution is allowed.
	CanExecuteNow() bool

	// IsExpired reports whether an activation exists but has lapsed.
	IsExpired() bool
}

// licenseFile is the decoded activation record. Signature verification
// happens upstream in the activation tooling; the scheduler only reads
// the resulting JSON.
type licenseFile struct {
	Activated bool       `json:"activated"`
	TaskNum   int        `json:"task_num"`
	ExpiresAt clock.Date `json:"expires_at"`
}

// Manager is the file-backed Gate.
type Manager struct {
	lic    *licenseFile
	now    func() time.Time
	logger *logger.Logger
}

// NewManager loads the license file at path. A missing or unreadable file
// leaves the service in free-trial mode.
func NewManager(path string, log *logger.Logger) *Manager {
	m := &Manager{now: time.Now, logger: log}

	if path == "" {
		log.Info("No license configured, running in free-trial mode")
		return m
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("License file unreadable, running in free-trial mode",
			zap.String("path", path), zap.Error(err))
		return m
	}

	var lic licenseFile
	if err := json.Unmarshal(data, &lic); err != nil {
		log.Warn("License file unparseable, running in free-trial mode",
			zap.String("path", path), zap.Error(err))
		return m
	}

	m.lic = &lic
	if m.IsExpired() {
		log.Warn("License has expired", zap.String("expires_at", lic.ExpiresAt.String()))
	} else if lic.Activated {
		log.Info("License activated",
			zap.Int("task_num", lic.TaskNum),
			zap.String("expires_at", lic.ExpiresAt.String()))
	}
	return m
}

// activated reports whether a live, unexpired activation exists.
func (m *Manager) activated() bool {
	return m.lic != nil && m.lic.Activated && !m.IsExpired()
}

// MaxTasks implements Gate.
func (m *Manager) MaxTasks() int {
	if !m.activated() {
		return TrialMaxTasks
	}
	if m.lic.TaskNum <= 0 {
		return TrialMaxTasks
	}
	return m.lic.TaskNum
}

// ForcedIntervalSeconds implements Gate.
func (m *Manager) ForcedIntervalSeconds() int {
	if !m.activated() {
		return TrialForcedIntervalSeconds
	}
	return 0
}

// CanExecuteNow implements Gate.
func (m *Manager) CanExecuteNow() bool {
	return m.activated()
}

// IsExpired implements Gate. A free trial never expires; only an
// activation with a lapsed end date does.
func (m *Manager) IsExpired() bool {
	if m.lic == nil || !m.lic.Activated || m.lic.ExpiresAt.IsZero() {
		return false
	}
	today := clock.DateOf(m.now())
	return !today.Before(m.lic.ExpiresAt)
}
