// Package simrunner implements a simulated runner client for integration
// tests: it speaks the same HTTP protocol a real execution host speaks
// against the Runner API (register, heartbeat, drain, and session/approval/
// terminal event reporting), sourcing its heartbeat load figures from the
// host gopsutil reports rather than hand-rolled fixtures so tests exercise
// the same JSON shapes a real runner would send.
package simrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/r3e-network/fleetctl/internal/domain"
)

// Client drives a simulated runner against a Runner API base URL.
type Client struct {
	baseURL  string
	http     *http.Client
	runnerID string
}

// New builds a simulated runner client pointed at a running Runner API.
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}}
}

// RunnerID returns the runner ID assigned at Register, empty before that.
func (c *Client) RunnerID() string { return c.runnerID }

// Register calls POST /v1/runners/register and records the assigned ID.
func (c *Client) Register(ctx context.Context, hostname string, caps domain.Capabilities, metadata map[string]string) (domain.Runner, error) {
	var runner domain.Runner
	err := c.doJSON(ctx, http.MethodPost, "/v1/runners/register", map[string]any{
		"hostname":     hostname,
		"capabilities": caps,
		"metadata":     metadata,
	}, &runner)
	if err == nil {
		c.runnerID = runner.RunnerID
	}
	return runner, err
}

// Heartbeat samples real host CPU/memory/disk usage via gopsutil and posts
// it alongside the given active session IDs and runtime versions.
func (c *Client) Heartbeat(ctx context.Context, activeSessions []string, runtimeVersions map[domain.ProviderID]string) error {
	load, err := SampleLoad(ctx, len(activeSessions))
	if err != nil {
		return fmt.Errorf("sample load: %w", err)
	}
	path := fmt.Sprintf("/v1/runners/%s/heartbeat", c.runnerID)
	return c.doJSON(ctx, http.MethodPost, path, map[string]any{
		"load":            load,
		"activeSessions":  activeSessions,
		"runtimeVersions": runtimeVersions,
	}, nil)
}

// Drain calls POST /v1/runners/{id}/drain.
func (c *Client) Drain(ctx context.Context) error {
	path := fmt.Sprintf("/v1/runners/%s/drain", c.runnerID)
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// ReportSessionState posts a session's observed state, as a runner would
// after advancing a session's execution.
func (c *Client) ReportSessionState(ctx context.Context, sessionID string, state domain.SessionState) error {
	path := fmt.Sprintf("/v1/sessions/%s/state-report", sessionID)
	return c.doJSON(ctx, http.MethodPost, path, map[string]any{"state": state}, nil)
}

// ReportSessionUsage posts a session's accumulated usage figures.
func (c *Client) ReportSessionUsage(ctx context.Context, sessionID string, usage domain.Usage) error {
	path := fmt.Sprintf("/v1/sessions/%s/usage-report", sessionID)
	return c.doJSON(ctx, http.MethodPost, path, map[string]any{"usage": usage}, nil)
}

// ReportApprovalNeeded simulates a runner surfacing an approval gate.
func (c *Client) ReportApprovalNeeded(ctx context.Context, sessionID string, action domain.ApprovalAction, description string, runnerContext map[string]any) error {
	path := fmt.Sprintf("/v1/sessions/%s/approval-needed", sessionID)
	return c.doJSON(ctx, http.MethodPost, path, map[string]any{
		"action":      action,
		"description": description,
		"context":     runnerContext,
	}, nil)
}

// ReportTerminalOutput simulates a runner streaming terminal output.
func (c *Client) ReportTerminalOutput(ctx context.Context, sessionID, data string) error {
	path := fmt.Sprintf("/v1/sessions/%s/terminal-output", sessionID)
	return c.doJSON(ctx, http.MethodPost, path, map[string]any{"data": data}, nil)
}

// SampleLoad reads the host's current CPU/memory/disk usage via gopsutil
// and packs it into a domain.Load. activeSessions is the caller's own count
// since the Runner API has no way to ask a runner for it.
func SampleLoad(ctx context.Context, activeSessions int) (domain.Load, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return domain.Load{}, fmt.Errorf("cpu percent: %w", err)
	}
	cpuPct := 0.0
	if len(cpuPercents) > 0 {
		cpuPct = cpuPercents[0]
	}

	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return domain.Load{}, fmt.Errorf("virtual memory: %w", err)
	}

	diskStat, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return domain.Load{}, fmt.Errorf("disk usage: %w", err)
	}

	return domain.Load{
		ActiveSessions: activeSessions,
		CPUPercent:     cpuPct,
		MemPercent:     vmStat.UsedPercent,
		DiskPercent:    diskStat.UsedPercent,
	}, nil
}

// envelope mirrors internal/envelope's wire shape, decoded loosely here
// since simrunner only needs the data/error halves.
type envelopeResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelopeResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		if env.Error != nil {
			return fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
