package agent

import (
	"io"
	"os"
	"path/filepath"

	"github.com/redpilot/redpilot/internal/common/errors"
	"github.com/redpilot/redpilot/internal/common/logger"
)

const (
	cookieFileName = "cookies.json"
	logDirName     = "logs"
	taskLogName    = "task.log"
)

// CredentialStore manages per-task workspaces and the shared cookie file
// the automation service reads. The dispatcher stages the running task's
// cookies before a round and collects them back afterwards; both happen
// under the execution lock, so only one task's credentials are ever live.
type CredentialStore struct {
	workspaceRoot string
	sharedPath    string
	logger        *logger.Logger
}

// NewCredentialStore creates a store rooted at workspaceRoot with the
// shared cookie file at sharedPath.
func NewCredentialStore(workspaceRoot, sharedPath string, log *logger.Logger) *CredentialStore {
	return &CredentialStore{
		workspaceRoot: workspaceRoot,
		sharedPath:    sharedPath,
		logger:        log,
	}
}

// WorkspacePath returns the workspace directory for a task.
func (c *CredentialStore) WorkspacePath(taskID string) string {
	return filepath.Join(c.workspaceRoot, taskID)
}

// CookiePath returns the task's private cookie file location.
func (c *CredentialStore) CookiePath(taskID string) string {
	return filepath.Join(c.WorkspacePath(taskID), cookieFileName)
}

// TaskLogPath returns the task's log file location.
func (c *CredentialStore) TaskLogPath(taskID string) string {
	return filepath.Join(c.WorkspacePath(taskID), logDirName, taskLogName)
}

// EnsureWorkspace creates the task's workspace directory tree.
func (c *CredentialStore) EnsureWorkspace(taskID string) error {
	if err := os.MkdirAll(filepath.Join(c.WorkspacePath(taskID), logDirName), 0o755); err != nil {
		return errors.Persistence("creating task workspace", err)
	}
	return nil
}

// RemoveWorkspace deletes the task's workspace directory tree.
func (c *CredentialStore) RemoveWorkspace(taskID string) error {
	if err := os.RemoveAll(c.WorkspacePath(taskID)); err != nil {
		return errors.Persistence("removing task workspace", err)
	}
	return nil
}

// Stage makes the task's cookies the live credentials. A task with no
// saved cookies clears the shared file so the previous task's session
// cannot leak into this run.
func (c *CredentialStore) Stage(taskID string) error {
	src := c.CookiePath(taskID)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return c.Clear()
	} else if err != nil {
		return errors.Persistence("checking task cookies", err)
	}
	return copyFile(src, c.sharedPath)
}

// Collect copies the live credentials back into the task's workspace.
// Nothing happens when the automation service left no cookie file.
func (c *CredentialStore) Collect(taskID string) error {
	if _, err := os.Stat(c.sharedPath); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.Persistence("checking shared cookies", err)
	}
	if err := c.EnsureWorkspace(taskID); err != nil {
		return err
	}
	return copyFile(c.sharedPath, c.CookiePath(taskID))
}

// Clear removes the shared cookie file.
func (c *CredentialStore) Clear() error {
	if err := os.Remove(c.sharedPath); err != nil && !os.IsNotExist(err) {
		return errors.Persistence("clearing shared cookies", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Persistence("opening cookie file", err)
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Persistence("creating cookie directory", err)
	}

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Persistence("creating cookie temp file", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return errors.Persistence("copying cookies", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Persistence("flushing cookies", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return errors.Persistence("replacing cookie file", err)
	}
	return nil
}
