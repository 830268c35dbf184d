// ABOUTME: JSON-RPC method handlers for agents, tasks, locks, knowledge, and security
// ABOUTME: Translates wire DTOs to service calls; payloads pass the security scanner first

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/knowledge"
	"github.com/loomworks/loom/internal/lock"
	"github.com/loomworks/loom/internal/security"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/taskgraph"
)

// Wire DTOs

type agentDTO struct {
	ID             string    `json:"id"`
	Role           string    `json:"role"`
	Capabilities   []string  `json:"capabilities"`
	Status         string    `json:"status"`
	AssignedTaskID *string   `json:"assigned_task_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
}

func toAgentDTO(a *store.Agent) agentDTO {
	return agentDTO{
		ID:             a.ID,
		Role:           a.Role,
		Capabilities:   a.Capabilities,
		Status:         a.Status,
		AssignedTaskID: a.AssignedTaskID,
		CreatedAt:      a.CreatedAt,
		LastActiveAt:   a.LastActiveAt,
	}
}

type taskDTO struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Status          string    `json:"status"`
	Dependencies    []string  `json:"dependencies,omitempty"`
	RequiredTags    []string  `json:"required_tags,omitempty"`
	AssignedAgentID *string   `json:"assigned_agent_id,omitempty"`
	ParentID        *string   `json:"parent_id,omitempty"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toTaskDTO(t *store.Task) taskDTO {
	return taskDTO{
		ID:              t.ID,
		Title:           t.Title,
		Description:     t.Description,
		Status:          t.Status,
		Dependencies:    t.Dependencies,
		RequiredTags:    t.RequiredTags,
		AssignedAgentID: t.AssignedAgentID,
		ParentID:        t.ParentID,
		CreatedBy:       t.CreatedBy,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

// Agent methods

func (s *Server) handleCreateAgent(ctx context.Context, _ *auth.Identity, params json.RawMessage) (any, error) {
	var p struct {
		Role         string   `json:"role"`
		Capabilities []string `json:"capabilities"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Role == "" {
		p.Role = store.RoleWorker
	}

	agent, err := s.lifecycle.Register(ctx, p.Role, p.Capabilities)
	if err != nil {
		return nil, err
	}
	token, err := s.tokens.Issue(agent.ID, agent.Role)
	if err != nil {
		return nil, fmt.Errorf("issuing token: %w", err)
	}
	return map[string]any{
		"agent": toAgentDTO(agent),
		"token": token,
	}, nil
}

func (s *Server) handleListAgents(ctx context.Context, _ *auth.Identity, params json.RawMessage) (any, error) {
	var p struct {
		IncludeTerminated bool `json:"include_terminated"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	agents, err := s.lifecycle.List(ctx, p.IncludeTerminated)
	if err != nil {
		return nil, err
	}
	out := make([]agentDTO, 0, len(agents))
	for _, a := range agents {
		out = append(out, toAgentDTO(a))
	}
	return map[string]any{"agents": out}, nil
}

func (s *Server) handleGetAgent(ctx context.Context, ident *auth.Identity, params json.RawMessage) (any, error) {
	var p struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.AgentID == "" {
		p.AgentID = ident.AgentID
	}
	agent, err := s.lifecycle.Get(ctx, p.AgentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agent": toAgentDTO(agent)}, nil
}

func (s *Server) handleTerminateAgent(ctx context.Context, ident *auth.Identity, params json.RawMessage) (any, error) {
	var p struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.AgentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", errInvalidParams)
	}
	// Agents may terminate themselves; terminating anyone else is admin-only
	if p.AgentID != ident.AgentID && ident.Role != store.RoleAdmin {
		return nil, fmt.Errorf("%w: only admin may terminate other agents", taskgraph.ErrNotPermitted)
	}
	if err := s.lifecycle.Terminate(ctx, p.AgentID); err != nil {
		return nil, err
	}
	return map[string]any{"terminated": p.AgentID}, nil
}

func (s *Server) handleHeartbeat(ctx context.Context, ident *auth.Identity, _ json.RawMessage) (any, error) {
	if err := s.lifecycle.Heartbeat(ctx, ident.AgentID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// Task methods

func (s *Server) handleCreateTask(ctx context.Context, ident *auth.Identity, params json.RawMessage) (any, error) {
	var p struct {
		Title          string   `json:"title"`
		Description    string   `json:"description"`
		Dependencies   []string `json:"dependencies"`
		ParentID       *string  `json:"parent_id"`
		RequiredTags   []string `json:"required_tags"`
		AllowDuplicate bool     `json:"allow_duplicate"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	task, err := s.graph.Create(ctx, taskgraph.CreateParams{
		Title:          p.Title,
		Description:    p.Description,
		Dependencies:   p.Dependencies,
		ParentID:       p.ParentID,
		RequiredTags:   p.RequiredTags,
		RequestedBy:    ident.AgentID,
		RequesterRole:  ident.Role,
		AllowDuplicate: p.AllowDuplicate,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": toTaskDTO(task)}, nil
}

func (s *Server) handleGetTask(ctx context.Context, _ *auth.Identity, params json.RawMessage) (any, error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, fmt.Errorf("%w: task_id is required", errInvalidParams)
	}
	task, err := s.graph.Get(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	notes, err := s.graph.Notes(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	noteDTOs := make([]map[string]any, 0, len(notes))
	for _, n := range notes {
		noteDTOs = append(noteDTOs, map[string]any{
			"author":     n.Author,
			"text":       n.Text,
			"created_at": n.CreatedAt,
		})
	}
	return map[string]any{"task": toTaskDTO(task), "notes": noteDTOs}, nil
}

func (s *Server) handleListTasks(ctx context.Context, _ *auth.Identity, params json.RawMessage) (any, error) {
	var p struct {
		Status string `json:"status"`
		Limit  int    `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	tasks, err := s.graph.List(ctx, p.Status, p.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]taskDTO, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskDTO(t))
	}
	return map[string]any{"tasks": out}, nil
}

func (s *Server) handleClaimTask(ctx context.Context, ident *auth.Identity, _ json.RawMessage) (any, error) {
	agent, err := s.lifecycle.Get(ctx, ident.AgentID)
	if err != nil {
		return nil, err
	}
	task, err := s.graph.ClaimNext(ctx, agent)
	if err != nil {
		return nil, err
	}
	if task == nil {
		// No eligible task is a normal empty result, not an error
		return map[string]any{"task": nil}, nil
	}
	if err := s.lifecycle.SetAssignment(ctx, ident.AgentID, &task.ID); err != nil {
		return nil, err
	}
	return map[string]any{"task": toTaskDTO(task)}, nil
}

func (s *Server) handleUpdateTaskStatus(ctx context.Context, ident *auth.Identity, params json.RawMessage) (any, error) {
	var p struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" || p.Status == "" {
		return nil, fmt.Errorf("%w: task_id and status are required", errInvalidParams)
	}

	// The transition may clear the task's assignee, so capture it first.
	var assignee *string
	if prev, err := s.graph.Get(ctx, p.TaskID); err == nil {
		assignee = prev.AssignedAgentID
	}

	task, err := s.graph.UpdateStatus(ctx, p.TaskID, p.Status, ident.AgentID, ident.Role)
	if err != nil {
		return nil, err
	}

	// A finished or blocked task no longer occupies its agent's slot
	if task.Status == store.TaskCompleted || task.Status == store.TaskCancelled || task.Status == store.TaskBlocked {
		if assignee != nil {
			if err := s.lifecycle.SetAssignment(ctx, *assignee, nil); err != nil {
				s.logger.Warn("failed to clear agent assignment", "agent_id", *assignee, "error", err)
			}
		}
	}
	return map[string]any{"task": toTaskDTO(task)}, nil
}

func (s *Server) handleAddTaskNote(ctx context.Context, ident *auth.Identity, params json.RawMessage) (any, error) {
	var p struct {
		TaskID string `json:"task_id"`
		Text   string `json:"text"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	note, err := s.graph.AddNote(ctx, p.TaskID, ident.AgentID, p.Text)
	if err != nil {
		return nil, err
	}
	return map[string]any{"note_id": note.ID}, nil
}

func (s *Server) handleAddDependency(ctx context.Context, ident *auth.Identity, params json.RawMessage) (any, error) {
	var p struct {
		TaskID    string `json:"task_id"`
		DependsOn string `json:"depends_on"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" || p.DependsOn == "" {
		return nil, fmt.Errorf("%w: task_id and depends_on are required", errInvalidParams)
	}
	if err := s.graph.AddDependency(ctx, p.TaskID, p.DependsOn, ident.AgentID, ident.Role); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleArchiveTask(ctx context.Context, ident *auth.Identity, params json.RawMessage) (any, error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, fmt.Errorf("%w: task_id is required", errInvalidParams)
	}
	if err := s.graph.Archive(ctx, p.TaskID, ident.Role); err != nil {
		return nil, err
	}
	return map[string]any{"archived": p.TaskID}, nil
}

// Lock methods

func (s *Server) handleAcquireLock(ctx context.Context, ident *auth.Identity, params json.RawMessage) (any, error) {
	var p struct {
		Path       string `json:"path"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, fmt.Errorf("%w: path is required", errInvalidParams)
	}
	if ident.Role == store.RoleResearcher {
		return nil, fmt.Errorf("%w: %s", lock.ErrReadOnlyRole, ident.Role)
	}

	l, err := s.locks.Acquire(ctx, p.Path, ident.AgentID, time.Duration(p.TTLSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"path":        l.Path,
		"agent_id":    l.AgentID,
		"acquired_at": l.AcquiredAt,
	}
	if l.ExpiresAt != nil {
		out["expires_at"] = *l.ExpiresAt
	}
	return out, nil
}

func (s *Server) handleReleaseLock(ctx context.Context, ident *auth.Identity, params json.RawMessage) (any, error) {
	var p struct {
		Path string `json:"path"`
		All  bool   `json:"all"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.All {
		released := s.locks.ReleaseAll(ctx, ident.AgentID)
		return map[string]any{"released": released}, nil
	}
	if p.Path == "" {
		return nil, fmt.Errorf("%w: path is required", errInvalidParams)
	}
	if err := s.locks.Release(ctx, p.Path, ident.AgentID); err != nil {
		return nil, err
	}
	return map[string]any{"released": []string{p.Path}}, nil
}

func (s *Server) handleListLocks(ctx context.Context, _ *auth.Identity, _ json.RawMessage) (any, error) {
	locks := s.locks.List()
	out := make([]map[string]any, 0, len(locks))
	for _, l := range locks {
		entry := map[string]any{
			"path":        l.Path,
			"agent_id":    l.AgentID,
			"acquired_at": l.AcquiredAt,
		}
		if l.ExpiresAt != nil {
			entry["expires_at"] = *l.ExpiresAt
		}
		out = append(out, entry)
	}
	return map[string]any{"locks": out}, nil
}

// Knowledge methods

func (s *Server) handleIndexContent(ctx context.Context, ident *auth.Identity, params json.RawMessage) (any, error) {
	var p struct {
		SourceRef string   `json:"source_ref"`
		Content   string   `json:"content"`
		Tags      []string `json:"tags"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SourceRef == "" || p.Content == "" {
		return nil, fmt.Errorf("%w: source_ref and content are required", errInvalidParams)
	}

	content := p.Content
	if s.scanner != nil {
		sanitized, _, err := s.scanner.Inspect(ctx, security.ClassToolResponse, content, s.sanitize,
			security.Origin{AgentID: ident.AgentID})
		if err != nil {
			return nil, err
		}
		content = sanitized
	}

	count, err := s.knowledge.Index(ctx, p.SourceRef, content, p.Tags)
	if err != nil {
		return nil, err
	}
	return map[string]any{"chunks": count}, nil
}

func (s *Server) handleQueryKnowledge(ctx context.Context, _ *auth.Identity, params json.RawMessage) (any, error) {
	var p struct {
		Text      string   `json:"text"`
		K         int      `json:"k"`
		Tags      []string `json:"tags"`
		SourceRef string   `json:"source_ref"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Text == "" {
		return nil, fmt.Errorf("%w: text is required", errInvalidParams)
	}

	results, err := s.knowledge.Query(ctx, p.Text, p.K, knowledge.QueryFilter{Tags: p.Tags, SourceRef: p.SourceRef})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]any{
			"source_ref": r.Chunk.SourceRef,
			"content":    r.Chunk.Content,
			"score":      r.Score,
			"tags":       r.Chunk.Tags,
		})
	}
	return map[string]any{"results": out}, nil
}

// Security methods

func (s *Server) handleGetSecurityAlerts(ctx context.Context, ident *auth.Identity, params json.RawMessage) (any, error) {
	if ident.Role != store.RoleAdmin {
		return nil, fmt.Errorf("%w: only admin may read security alerts", taskgraph.ErrNotPermitted)
	}
	var p struct {
		Limit int `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	alerts, err := s.store.ListSecurityAlerts(ctx, p.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(alerts))
	for _, a := range alerts {
		entry := map[string]any{
			"id":         a.ID,
			"severity":   a.Severity,
			"message":    a.Message,
			"details":    json.RawMessage(a.Details),
			"created_at": a.CreatedAt,
		}
		if a.AgentID != nil {
			entry["agent_id"] = *a.AgentID
		}
		if a.Tool != nil {
			entry["tool"] = *a.Tool
		}
		out = append(out, entry)
	}
	return map[string]any{"alerts": out}, nil
}

// Messaging methods

func (s *Server) handleSendAgentMessage(ctx context.Context, ident *auth.Identity, params json.RawMessage) (any, error) {
	var p struct {
		To      string `json:"to"`
		Content string `json:"content"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.To == "" || p.Content == "" {
		return nil, fmt.Errorf("%w: to and content are required", errInvalidParams)
	}
	if _, err := s.lifecycle.Get(ctx, p.To); err != nil {
		return nil, err
	}

	content := p.Content
	if s.scanner != nil {
		sanitized, _, err := s.scanner.Inspect(ctx, security.ClassAgentMessage, content, s.sanitize,
			security.Origin{AgentID: ident.AgentID})
		if err != nil {
			return nil, err
		}
		content = sanitized
	}

	msg := &store.AgentMessage{
		ID:          uuid.New().String(),
		FromAgentID: ident.AgentID,
		ToAgentID:   p.To,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.SaveAgentMessage(ctx, msg); err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(events.TypeAgentMessage, map[string]any{
			"from": ident.AgentID,
			"to":   p.To,
		})
	}
	return map[string]any{"message_id": msg.ID}, nil
}

func (s *Server) handleReadMessages(ctx context.Context, ident *auth.Identity, params json.RawMessage) (any, error) {
	var p struct {
		UnreadOnly bool `json:"unread_only"`
		Limit      int  `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListInbox(ctx, ident.AgentID, p.UnreadOnly, p.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"id":         m.ID,
			"from":       m.FromAgentID,
			"content":    m.Content,
			"created_at": m.CreatedAt,
			"read":       m.ReadAt != nil,
		})
		if m.ReadAt == nil {
			if err := s.store.MarkMessageRead(ctx, m.ID); err != nil {
				s.logger.Warn("failed to mark message read", "message_id", m.ID, "error", err)
			}
		}
	}
	return map[string]any{"messages": out}, nil
}
