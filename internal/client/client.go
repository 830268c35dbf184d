// ABOUTME: HTTP JSON-RPC client for the loomd coordination surface
// ABOUTME: Used by loomctl and by agent-side tooling; bearer-token authenticated

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client talks JSON-RPC 2.0 to a loomd instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the given base URL (e.g. "http://localhost:7171").
// token may be empty for open methods like agent registration.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// RPCError is a JSON-RPC error returned by the daemon.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call invokes one RPC method, decoding the result into out (which may be
// nil to discard the result).
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = params
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
	}
	return nil
}

// Agent mirrors the daemon's agent DTO.
type Agent struct {
	ID             string    `json:"id"`
	Role           string    `json:"role"`
	Capabilities   []string  `json:"capabilities"`
	Status         string    `json:"status"`
	AssignedTaskID *string   `json:"assigned_task_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
}

// Task mirrors the daemon's task DTO.
type Task struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Status          string    `json:"status"`
	Dependencies    []string  `json:"dependencies,omitempty"`
	RequiredTags    []string  `json:"required_tags,omitempty"`
	AssignedAgentID *string   `json:"assigned_agent_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LockInfo is one held file lock.
type LockInfo struct {
	Path       string     `json:"path"`
	AgentID    string     `json:"agent_id"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Alert is one security scanner finding.
type Alert struct {
	ID        string          `json:"id"`
	Severity  string          `json:"severity"`
	AgentID   string          `json:"agent_id,omitempty"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Register creates an agent and returns it with its bearer token.
func (c *Client) Register(ctx context.Context, role string, capabilities []string) (*Agent, string, error) {
	var out struct {
		Agent Agent  `json:"agent"`
		Token string `json:"token"`
	}
	err := c.Call(ctx, "create_agent", map[string]any{
		"role":         role,
		"capabilities": capabilities,
	}, &out)
	if err != nil {
		return nil, "", err
	}
	return &out.Agent, out.Token, nil
}

// Agents lists agents.
func (c *Client) Agents(ctx context.Context, includeTerminated bool) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	err := c.Call(ctx, "list_agents", map[string]any{"include_terminated": includeTerminated}, &out)
	return out.Agents, err
}

// TerminateAgent runs the termination cascade for an agent.
func (c *Client) TerminateAgent(ctx context.Context, agentID string) error {
	return c.Call(ctx, "terminate_agent", map[string]any{"agent_id": agentID}, nil)
}

// Tasks lists tasks, optionally by status.
func (c *Client) Tasks(ctx context.Context, status string) ([]Task, error) {
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.Call(ctx, "list_tasks", map[string]any{"status": status}, &out)
	return out.Tasks, err
}

// CreateTask submits a new task.
func (c *Client) CreateTask(ctx context.Context, title, description string, deps, tags []string) (*Task, error) {
	var out struct {
		Task Task `json:"task"`
	}
	err := c.Call(ctx, "create_task", map[string]any{
		"title":         title,
		"description":   description,
		"dependencies":  deps,
		"required_tags": tags,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Task, nil
}

// Locks lists currently held file locks.
func (c *Client) Locks(ctx context.Context) ([]LockInfo, error) {
	var out struct {
		Locks []LockInfo `json:"locks"`
	}
	err := c.Call(ctx, "list_locks", nil, &out)
	return out.Locks, err
}

// Alerts lists recent security alerts (admin only).
func (c *Client) Alerts(ctx context.Context, limit int) ([]Alert, error) {
	var out struct {
		Alerts []Alert `json:"alerts"`
	}
	err := c.Call(ctx, "get_security_alerts", map[string]any{"limit": limit}, &out)
	return out.Alerts, err
}

// Health checks the daemon's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
