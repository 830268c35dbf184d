// ABOUTME: Store interface and data types for loom persistence
// ABOUTME: Defines Agent, Task, FileLock, KnowledgeChunk, SecurityAlert structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateID is returned when inserting an entity whose ID already exists
var ErrDuplicateID = errors.New("entity already exists")

// Agent roles. The set is closed: behavior differences between roles are
// explicit guards in the task graph and lock coordinator.
const (
	RoleAdmin      = "admin"
	RoleWorker     = "worker"
	RoleResearcher = "researcher" // read-only: may query knowledge, never acquires write locks
)

// Agent statuses
const (
	AgentActive     = "active"
	AgentIdle       = "idle"
	AgentTerminated = "terminated"
)

// Agent represents a registered autonomous worker known to the core.
type Agent struct {
	ID             string
	Role           string
	Capabilities   []string
	Status         string
	AssignedTaskID *string
	CreatedAt      time.Time
	LastActiveAt   time.Time
}

// Task statuses
const (
	TaskPending    = "pending"
	TaskAssigned   = "assigned"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskBlocked    = "blocked"
	TaskCancelled  = "cancelled"
)

// Task represents a unit of work in the dependency graph.
type Task struct {
	ID              string
	Title           string
	Description     string
	Status          string
	Dependencies    []string
	RequiredTags    []string
	AssignedAgentID *string
	ParentID        *string
	CreatedBy       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TaskEdge is one dependency edge: TaskID depends on DependsOn.
type TaskEdge struct {
	TaskID    string
	DependsOn string
}

// TaskNote is one entry in a task's append-only notes log.
type TaskNote struct {
	ID        string
	TaskID    string
	Author    string
	Text      string
	CreatedAt time.Time
}

// FileLockRecord mirrors an advisory file lock for the pull APIs.
// The in-memory lock table is authoritative; these rows exist so
// disconnected subscribers can reconcile.
type FileLockRecord struct {
	Path       string
	AgentID    string
	AcquiredAt time.Time
	ExpiresAt  *time.Time
}

// KnowledgeChunk is an embedded fragment of indexed project text.
type KnowledgeChunk struct {
	ID         string
	SourceRef  string
	Seq        int
	Content    string
	SourceHash string
	Embedding  []float32
	Tags       []string
	IndexedAt  time.Time
}

// Alert severities, ordered weakest to strongest.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// SecurityAlert is one append-only record of a scanner finding.
type SecurityAlert struct {
	ID        string
	Severity  string
	AgentID   *string
	Tool      *string
	Message   string
	Details   string // JSON-encoded match list
	CreatedAt time.Time
}

// AgentMessage is a persisted inter-agent message. Content is stored
// post-sanitization; blocked payloads are never stored.
type AgentMessage struct {
	ID          string
	FromAgentID string
	ToAgentID   string
	Content     string
	ReadAt      *time.Time
	CreatedAt   time.Time
}

// AgentFilter narrows ListAgents.
type AgentFilter struct {
	IncludeTerminated bool
	Status            string // optional exact match
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status string // optional exact match
	Limit  int
}

// ChunkFilter narrows ListChunks.
type ChunkFilter struct {
	SourceRef string   // optional exact match
	Tags      []string // chunk must carry every listed tag
}

// Store defines the interface for loom persistence.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error)

	// Tasks and dependency edges
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	ListTaskEdges(ctx context.Context) ([]TaskEdge, error)
	AddTaskEdge(ctx context.Context, edge TaskEdge) error
	DeleteTask(ctx context.Context, id string) error

	// Task notes (append-only)
	AddTaskNote(ctx context.Context, note *TaskNote) error
	ListTaskNotes(ctx context.Context, taskID string) ([]*TaskNote, error)

	// File lock mirror
	SaveFileLock(ctx context.Context, lock *FileLockRecord) error
	DeleteFileLock(ctx context.Context, path string) error
	DeleteFileLocksByAgent(ctx context.Context, agentID string) error
	ListFileLocks(ctx context.Context) ([]*FileLockRecord, error)

	// Knowledge chunks
	ReplaceChunks(ctx context.Context, sourceRef string, chunks []*KnowledgeChunk) error
	ListChunks(ctx context.Context, filter ChunkFilter) ([]*KnowledgeChunk, error)
	GetSourceHash(ctx context.Context, sourceRef string) (string, error)
	ListChunkSources(ctx context.Context) ([]string, error)
	DeleteChunksBySource(ctx context.Context, sourceRef string) error

	// Security alerts (append-only)
	SaveSecurityAlert(ctx context.Context, alert *SecurityAlert) error
	ListSecurityAlerts(ctx context.Context, limit int) ([]*SecurityAlert, error)

	// Agent messages
	SaveAgentMessage(ctx context.Context, msg *AgentMessage) error
	ListInbox(ctx context.Context, agentID string, unreadOnly bool, limit int) ([]*AgentMessage, error)
	MarkMessageRead(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}
