package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/redpilot/redpilot/internal/common/config"
	"github.com/redpilot/redpilot/internal/common/errors"
	"github.com/redpilot/redpilot/internal/common/logger"
	v1 "github.com/redpilot/redpilot/pkg/api/v1"
)

// OperatorAgent drives one social-media account through the local
// browser-automation service over HTTP.
type OperatorAgent struct {
	baseURL   string
	sysType   string
	accountID string
	client    *http.Client
	logger    *logger.Logger
}

// NewOperatorAgent creates an agent bound to a single account.
func NewOperatorAgent(cfg config.AutomationConfig, sysType, accountID string, log *logger.Logger) *OperatorAgent {
	return &OperatorAgent{
		baseURL:   cfg.BaseURL,
		sysType:   sysType,
		accountID: accountID,
		client: &http.Client{
			Timeout: cfg.RequestTimeout(),
		},
		logger: log.WithAccountID(accountID),
	}
}

// NewOperatorFactory returns a Factory producing operator agents for the
// operator task type.
func NewOperatorFactory(cfg config.AutomationConfig, log *logger.Logger) Factory {
	return FactoryFunc(func(taskType, sysType, accountID string) (Agent, error) {
		if taskType != v1.TaskTypeOperator {
			return nil, UnknownTaskType(taskType)
		}
		return NewOperatorAgent(cfg, sysType, accountID, log), nil
	})
}

type runRequest struct {
	TaskID      string         `json:"task_id"`
	AccountID   string         `json:"account_id"`
	AccountName string         `json:"account_name"`
	SysType     string         `json:"sys_type,omitempty"`
	Mode        v1.TaskMode    `json:"mode"`
	RoundNum    int            `json:"round_num"`
	Kwargs      map[string]any `json:"kwargs,omitempty"`
}

type runResponse struct {
	ShouldContinue bool   `json:"should_continue"`
	Message        string `json:"message,omitempty"`
}

// RunOnce asks the automation service to execute one round for the account.
func (a *OperatorAgent) RunOnce(ctx context.Context, rc RunContext) (bool, error) {
	req := runRequest{
		TaskID:      rc.TaskID,
		AccountID:   rc.AccountID,
		AccountName: rc.AccountName,
		SysType:     a.sysType,
		Mode:        rc.Mode,
		RoundNum:    rc.RoundNum,
		Kwargs:      rc.Kwargs,
	}

	a.logger.Debug("Dispatching operator round",
		zap.String("task_id", rc.TaskID),
		zap.Int("round_num", rc.RoundNum),
		zap.String("mode", string(rc.Mode)))

	var resp runResponse
	if err := a.post(ctx, "/api/operator/run", req, &resp); err != nil {
		return false, err
	}
	return resp.ShouldContinue, nil
}

type loginStatusResponse struct {
	State v1.LoginState `json:"state"`
}

// LoginStatus probes the account's session state.
func (a *OperatorAgent) LoginStatus(ctx context.Context) (v1.LoginState, error) {
	var resp loginStatusResponse
	err := a.get(ctx, fmt.Sprintf("/api/operator/login/status?account_id=%s", a.accountID), &resp)
	if err != nil {
		return v1.LoginStateUnknown, err
	}
	if resp.State == "" {
		return v1.LoginStateUnknown, nil
	}
	return resp.State, nil
}

type beginLoginRequest struct {
	AccountID string `json:"account_id"`
	SysType   string `json:"sys_type,omitempty"`
}

type beginLoginResponse struct {
	QRCode    string `json:"qr_code"`
	ExpiresIn int    `json:"expires_in,omitempty"`
}

// BeginLogin starts an interactive login and returns the QR payload.
func (a *OperatorAgent) BeginLogin(ctx context.Context) (*LoginPayload, error) {
	var resp beginLoginResponse
	req := beginLoginRequest{AccountID: a.accountID, SysType: a.sysType}
	if err := a.post(ctx, "/api/operator/login/begin", req, &resp); err != nil {
		return nil, err
	}
	return &LoginPayload{QRCode: resp.QRCode, ExpiresIn: resp.ExpiresIn}, nil
}

type confirmLoginResponse struct {
	LoggedIn bool `json:"logged_in"`
}

// ConfirmLogin checks whether the pending interactive login completed.
func (a *OperatorAgent) ConfirmLogin(ctx context.Context) (bool, error) {
	var resp confirmLoginResponse
	req := beginLoginRequest{AccountID: a.accountID, SysType: a.sysType}
	if err := a.post(ctx, "/api/operator/login/confirm", req, &resp); err != nil {
		return false, err
	}
	return resp.LoggedIn, nil
}

func (a *OperatorAgent) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.AgentError("encoding automation request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.AgentError("building automation request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return a.do(req, out)
}

func (a *OperatorAgent) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return errors.AgentError("building automation request", err)
	}
	return a.do(req, out)
}

func (a *OperatorAgent) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return errors.AgentError("automation service unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.AgentError("reading automation response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.AgentError(
			fmt.Sprintf("automation service returned %d: %s", resp.StatusCode, truncate(data, 512)),
			nil,
		)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.AgentError("parsing automation response", err)
		}
	}

	a.logger.Debug("Automation request completed",
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	return nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
