// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/task/lock/chunk/alert persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists for file-backed databases
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id               TEXT PRIMARY KEY,
			role             TEXT NOT NULL,
			capabilities     TEXT NOT NULL DEFAULT '[]',
			status           TEXT NOT NULL,
			assigned_task_id TEXT,
			created_at       TEXT NOT NULL,
			last_active_at   TEXT NOT NULL,

			CHECK (role IN ('admin', 'worker', 'researcher')),
			CHECK (status IN ('active', 'idle', 'terminated'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS tasks (
			id                TEXT PRIMARY KEY,
			title             TEXT NOT NULL,
			description       TEXT NOT NULL,
			status            TEXT NOT NULL,
			required_tags     TEXT NOT NULL DEFAULT '[]',
			assigned_agent_id TEXT,
			parent_id         TEXT,
			created_by        TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (status IN ('pending', 'assigned', 'in_progress', 'completed', 'blocked', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);

		CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id    TEXT NOT NULL,
			depends_on TEXT NOT NULL,

			PRIMARY KEY (task_id, depends_on),
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_task_deps_task ON task_dependencies(task_id);

		CREATE TABLE IF NOT EXISTS task_notes (
			id         TEXT PRIMARY KEY,
			task_id    TEXT NOT NULL,
			author     TEXT NOT NULL,
			text       TEXT NOT NULL,
			created_at TEXT NOT NULL,

			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_task_notes_task ON task_notes(task_id, created_at);

		CREATE TABLE IF NOT EXISTS file_locks (
			path        TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at  TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_file_locks_agent ON file_locks(agent_id);

		CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id          TEXT PRIMARY KEY,
			source_ref  TEXT NOT NULL,
			seq         INTEGER NOT NULL,
			content     TEXT NOT NULL,
			source_hash TEXT NOT NULL,
			embedding   BLOB NOT NULL,
			tags        TEXT NOT NULL DEFAULT '[]',
			indexed_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chunks_source ON knowledge_chunks(source_ref);

		CREATE TABLE IF NOT EXISTS security_alerts (
			id           TEXT PRIMARY KEY,
			severity     TEXT NOT NULL,
			agent_id     TEXT,
			tool         TEXT,
			message      TEXT NOT NULL,
			details_json TEXT,
			created_at   TEXT NOT NULL,

			CHECK (severity IN ('LOW', 'MEDIUM', 'HIGH', 'CRITICAL'))
		);

		CREATE INDEX IF NOT EXISTS idx_alerts_created ON security_alerts(created_at DESC);

		CREATE TABLE IF NOT EXISTS agent_messages (
			id            TEXT PRIMARY KEY,
			from_agent_id TEXT NOT NULL,
			to_agent_id   TEXT NOT NULL,
			content       TEXT NOT NULL,
			read_at       TEXT,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_to ON agent_messages(to_agent_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// encodeTags serializes a tag list as JSON for a TEXT column
func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// decodeTags parses a JSON tag list from a TEXT column
func decodeTags(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}

// encodeVector packs an embedding as little-endian float32 bytes
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks little-endian float32 bytes into an embedding
func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", raw, err)
	}
	return t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// CreateAgent inserts a new agent row.
// Returns ErrDuplicateID if an agent with the same ID exists.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	query := `
		INSERT INTO agents (id, role, capabilities, status, assigned_task_id, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Role,
		encodeTags(agent.Capabilities),
		agent.Status,
		nullableString(agent.AssignedTaskID),
		formatTime(agent.CreatedAt),
		formatTime(agent.LastActiveAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "role", agent.Role)
	return nil
}

func scanAgent(scan func(dest ...any) error) (*Agent, error) {
	var a Agent
	var caps, createdAt, lastActive string
	var assignedTask sql.NullString

	if err := scan(&a.ID, &a.Role, &caps, &a.Status, &assignedTask, &createdAt, &lastActive); err != nil {
		return nil, err
	}

	a.Capabilities = decodeTags(caps)
	if assignedTask.Valid {
		a.AssignedTaskID = &assignedTask.String
	}

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.LastActiveAt, err = parseTime(lastActive); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `
		SELECT id, role, capabilities, status, assigned_task_id, created_at, last_active_at
		FROM agents
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	agent, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// UpdateAgent updates an existing agent row.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	query := `
		UPDATE agents
		SET role = ?, capabilities = ?, status = ?, assigned_task_id = ?, last_active_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		agent.Role,
		encodeTags(agent.Capabilities),
		agent.Status,
		nullableString(agent.AssignedTaskID),
		formatTime(agent.LastActiveAt),
		agent.ID,
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated agent", "id", agent.ID, "status", agent.Status)
	return nil
}

// ListAgents returns agents matching the filter, newest first.
func (s *SQLiteStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	query := `
		SELECT id, role, capabilities, status, assigned_task_id, created_at, last_active_at
		FROM agents
		WHERE 1=1
	`
	var args []any

	if !filter.IncludeTerminated {
		query += ` AND status != 'terminated'`
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// CreateTask inserts a task and its dependency edges in one transaction.
// Returns ErrDuplicateID if a task with the same ID exists.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, required_tags, assigned_agent_id, parent_id, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID,
		task.Title,
		task.Description,
		task.Status,
		encodeTags(task.RequiredTags),
		nullableString(task.AssignedAgentID),
		nullableString(task.ParentID),
		task.CreatedBy,
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("inserting task: %w", err)
	}

	for _, dep := range task.Dependencies {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on) VALUES (?, ?)
		`, task.ID, dep); err != nil {
			return fmt.Errorf("inserting dependency edge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing task insert: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "deps", len(task.Dependencies))
	return nil
}

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var t Task
	var tags, createdAt, updatedAt string
	var assignedAgent, parentID sql.NullString

	if err := scan(&t.ID, &t.Title, &t.Description, &t.Status, &tags,
		&assignedAgent, &parentID, &t.CreatedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	t.RequiredTags = decodeTags(tags)
	if assignedAgent.Valid {
		t.AssignedAgentID = &assignedAgent.String
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// loadDependencies fills in the Dependencies slice for a task.
func (s *SQLiteStore) loadDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on FROM task_dependencies WHERE task_id = ? ORDER BY depends_on
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying dependencies: %w", err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scanning dependency: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// GetTask retrieves a task by ID, including its dependency list.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `
		SELECT id, title, description, status, required_tags, assigned_agent_id, parent_id, created_by, created_at, updated_at
		FROM tasks
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	task, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}

	if task.Dependencies, err = s.loadDependencies(ctx, id); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTask updates a task's mutable fields. Dependency edges are immutable
// after creation. Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *Task) error {
	query := `
		UPDATE tasks
		SET title = ?, description = ?, status = ?, required_tags = ?, assigned_agent_id = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		task.Title,
		task.Description,
		task.Status,
		encodeTags(task.RequiredTags),
		nullableString(task.AssignedAgentID),
		formatTime(task.UpdatedAt),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated task", "id", task.ID, "status", task.Status)
	return nil
}

// ListTasks returns tasks matching the filter in creation order (oldest first),
// with dependency lists populated.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `
		SELECT id, title, description, status, required_tags, assigned_agent_id, parent_id, created_by, created_at, updated_at
		FROM tasks
	`
	var args []any

	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}

	for _, task := range tasks {
		if task.Dependencies, err = s.loadDependencies(ctx, task.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// ListTaskEdges returns every dependency edge in the graph.
func (s *SQLiteStore) ListTaskEdges(ctx context.Context) ([]TaskEdge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, depends_on FROM task_dependencies`)
	if err != nil {
		return nil, fmt.Errorf("querying task edges: %w", err)
	}
	defer rows.Close()

	var edges []TaskEdge
	for rows.Next() {
		var e TaskEdge
		if err := rows.Scan(&e.TaskID, &e.DependsOn); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// AddTaskEdge inserts one dependency edge. Callers validate acyclicity
// before inserting; the store only enforces referential integrity.
func (s *SQLiteStore) AddTaskEdge(ctx context.Context, edge TaskEdge) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_dependencies (task_id, depends_on) VALUES (?, ?)`,
		edge.TaskID, edge.DependsOn)
	if err != nil {
		return fmt.Errorf("inserting task edge: %w", err)
	}
	return nil
}

// DeleteTask removes a task and (via cascade) its edges and notes.
// Used only by explicit archival. Returns ErrNotFound if absent.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted task", "id", id)
	return nil
}

// AddTaskNote appends one note to a task's log.
func (s *SQLiteStore) AddTaskNote(ctx context.Context, note *TaskNote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_notes (id, task_id, author, text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, note.ID, note.TaskID, note.Author, note.Text, formatTime(note.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting task note: %w", err)
	}
	return nil
}

// ListTaskNotes returns a task's notes in chronological order.
func (s *SQLiteStore) ListTaskNotes(ctx context.Context, taskID string) ([]*TaskNote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author, text, created_at
		FROM task_notes
		WHERE task_id = ?
		ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying task notes: %w", err)
	}
	defer rows.Close()

	var notes []*TaskNote
	for rows.Next() {
		var n TaskNote
		var createdAt string
		if err := rows.Scan(&n.ID, &n.TaskID, &n.Author, &n.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning note row: %w", err)
		}
		if n.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		notes = append(notes, &n)
	}
	return notes, rows.Err()
}

// SaveFileLock upserts a lock mirror row for a path.
func (s *SQLiteStore) SaveFileLock(ctx context.Context, lock *FileLockRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO file_locks (path, agent_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, lock.Path, lock.AgentID, formatTime(lock.AcquiredAt), nullableTime(lock.ExpiresAt))
	if err != nil {
		return fmt.Errorf("saving file lock: %w", err)
	}
	return nil
}

// DeleteFileLock removes the lock mirror row for a path.
func (s *SQLiteStore) DeleteFileLock(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_locks WHERE path = ?`, path); err != nil {
		return fmt.Errorf("deleting file lock: %w", err)
	}
	return nil
}

// DeleteFileLocksByAgent removes every lock mirror row held by an agent.
func (s *SQLiteStore) DeleteFileLocksByAgent(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_locks WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("deleting agent file locks: %w", err)
	}
	return nil
}

// ListFileLocks returns all lock mirror rows ordered by path.
func (s *SQLiteStore) ListFileLocks(ctx context.Context) ([]*FileLockRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, agent_id, acquired_at, expires_at FROM file_locks ORDER BY path
	`)
	if err != nil {
		return nil, fmt.Errorf("querying file locks: %w", err)
	}
	defer rows.Close()

	var locks []*FileLockRecord
	for rows.Next() {
		var l FileLockRecord
		var acquiredAt string
		var expiresAt sql.NullString
		if err := rows.Scan(&l.Path, &l.AgentID, &acquiredAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scanning lock row: %w", err)
		}
		if l.AcquiredAt, err = parseTime(acquiredAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			t, err := parseTime(expiresAt.String)
			if err != nil {
				return nil, err
			}
			l.ExpiresAt = &t
		}
		locks = append(locks, &l)
	}
	return locks, rows.Err()
}

// ReplaceChunks atomically swaps all chunks for a source: prior chunks are
// deleted and the new set inserted in one transaction.
func (s *SQLiteStore) ReplaceChunks(ctx context.Context, sourceRef string, chunks []*KnowledgeChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_chunks WHERE source_ref = ?`, sourceRef); err != nil {
		return fmt.Errorf("deleting prior chunks: %w", err)
	}

	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO knowledge_chunks (id, source_ref, seq, content, source_hash, embedding, tags, indexed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.SourceRef, c.Seq, c.Content, c.SourceHash,
			encodeVector(c.Embedding), encodeTags(c.Tags), formatTime(c.IndexedAt)); err != nil {
			return fmt.Errorf("inserting chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing chunk replace: %w", err)
	}

	s.logger.Debug("replaced chunks", "source_ref", sourceRef, "count", len(chunks))
	return nil
}

// ListChunks returns chunks matching the filter. Tag filtering happens in Go
// since tags are stored as JSON text.
func (s *SQLiteStore) ListChunks(ctx context.Context, filter ChunkFilter) ([]*KnowledgeChunk, error) {
	query := `
		SELECT id, source_ref, seq, content, source_hash, embedding, tags, indexed_at
		FROM knowledge_chunks
	`
	var args []any
	if filter.SourceRef != "" {
		query += ` WHERE source_ref = ?`
		args = append(args, filter.SourceRef)
	}
	query += ` ORDER BY source_ref, seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*KnowledgeChunk
	for rows.Next() {
		var c KnowledgeChunk
		var embedding []byte
		var tags, indexedAt string
		if err := rows.Scan(&c.ID, &c.SourceRef, &c.Seq, &c.Content, &c.SourceHash, &embedding, &tags, &indexedAt); err != nil {
			return nil, fmt.Errorf("scanning chunk row: %w", err)
		}
		c.Embedding = decodeVector(embedding)
		c.Tags = decodeTags(tags)
		if c.IndexedAt, err = parseTime(indexedAt); err != nil {
			return nil, err
		}
		if !hasAllTags(c.Tags, filter.Tags) {
			continue
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// hasAllTags reports whether have contains every tag in want.
func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// GetSourceHash returns the content hash recorded for a source.
// Returns ErrNotFound if the source has never been indexed.
func (s *SQLiteStore) GetSourceHash(ctx context.Context, sourceRef string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT source_hash FROM knowledge_chunks WHERE source_ref = ? LIMIT 1
	`, sourceRef).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying source hash: %w", err)
	}
	return hash, nil
}

// ListChunkSources returns the distinct source refs present in the store.
func (s *SQLiteStore) ListChunkSources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT source_ref FROM knowledge_chunks ORDER BY source_ref`)
	if err != nil {
		return nil, fmt.Errorf("querying chunk sources: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, fmt.Errorf("scanning source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// DeleteChunksBySource removes every chunk for a source.
func (s *SQLiteStore) DeleteChunksBySource(ctx context.Context, sourceRef string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_chunks WHERE source_ref = ?`, sourceRef); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	return nil
}

// SaveSecurityAlert appends an alert to the log. Alerts are never updated.
func (s *SQLiteStore) SaveSecurityAlert(ctx context.Context, alert *SecurityAlert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_alerts (id, severity, agent_id, tool, message, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, alert.ID, alert.Severity, nullableString(alert.AgentID), nullableString(alert.Tool),
		alert.Message, alert.Details, formatTime(alert.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting security alert: %w", err)
	}
	return nil
}

// ListSecurityAlerts returns the most recent alerts, newest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListSecurityAlerts(ctx context.Context, limit int) ([]*SecurityAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, severity, agent_id, tool, message, details_json, created_at
		FROM security_alerts
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying security alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*SecurityAlert
	for rows.Next() {
		var a SecurityAlert
		var agentID, tool, details sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Severity, &agentID, &tool, &a.Message, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning alert row: %w", err)
		}
		if agentID.Valid {
			a.AgentID = &agentID.String
		}
		if tool.Valid {
			a.Tool = &tool.String
		}
		if details.Valid {
			a.Details = details.String
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// SaveAgentMessage persists an inter-agent message.
func (s *SQLiteStore) SaveAgentMessage(ctx context.Context, msg *AgentMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_messages (id, from_agent_id, to_agent_id, content, read_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.FromAgentID, msg.ToAgentID, msg.Content,
		nullableTime(msg.ReadAt), formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting agent message: %w", err)
	}
	return nil
}

// ListInbox returns messages addressed to an agent, newest first.
func (s *SQLiteStore) ListInbox(ctx context.Context, agentID string, unreadOnly bool, limit int) ([]*AgentMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, from_agent_id, to_agent_id, content, read_at, created_at
		FROM agent_messages
		WHERE to_agent_id = ?
	`
	args := []any{agentID}
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying inbox: %w", err)
	}
	defer rows.Close()

	var msgs []*AgentMessage
	for rows.Next() {
		var m AgentMessage
		var readAt sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.FromAgentID, &m.ToAgentID, &m.Content, &readAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if readAt.Valid {
			t, err := parseTime(readAt.String)
			if err != nil {
				return nil, err
			}
			m.ReadAt = &t
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// MarkMessageRead stamps a message's read marker.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) MarkMessageRead(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_messages SET read_at = ? WHERE id = ? AND read_at IS NULL
	`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("marking message read: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Either unknown ID or already read; distinguish for the caller
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM agent_messages WHERE id = ?`, id).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		}
	}
	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
