// Package agent defines the contract between the scheduler and the
// browser-automation workers that execute task rounds.
package agent

import (
	"context"

	"github.com/redpilot/redpilot/internal/common/errors"
	v1 "github.com/redpilot/redpilot/pkg/api/v1"
)

// RunContext carries everything an agent needs for one round.
type RunContext struct {
	TaskID      string
	AccountID   string
	AccountName string
	Mode        v1.TaskMode
	RoundNum    int
	Kwargs      map[string]any
}

// LoginPayload is the material a client needs to complete an interactive
// login, typically a QR code.
type LoginPayload struct {
	QRCode    string
	ExpiresIn int // seconds, 0 when the backend did not report one
}

// Agent executes rounds for a single task. Implementations are not
// required to be safe for concurrent use; the scheduler serializes all
// calls through its execution lock.
type Agent interface {
	// RunOnce performs one round. The boolean reports whether the task
	// wants further rounds; false marks the task completed.
	RunOnce(ctx context.Context, rc RunContext) (bool, error)

	// LoginStatus probes the account's session on the target platform.
	LoginStatus(ctx context.Context) (v1.LoginState, error)

	// BeginLogin starts an interactive login and returns the material
	// the user needs to complete it.
	BeginLogin(ctx context.Context) (*LoginPayload, error)

	// ConfirmLogin checks whether a login started with BeginLogin has
	// completed.
	ConfirmLogin(ctx context.Context) (bool, error)
}

// Factory builds agents for registered task types.
type Factory interface {
	New(taskType, sysType, accountID string) (Agent, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(taskType, sysType, accountID string) (Agent, error)

// New implements Factory.
func (f FactoryFunc) New(taskType, sysType, accountID string) (Agent, error) {
	return f(taskType, sysType, accountID)
}

// UnknownTaskType returns the error a factory reports for an unregistered
// task type.
func UnknownTaskType(taskType string) error {
	return errors.Invalid("task_type", "unknown task type '"+taskType+"'")
}
