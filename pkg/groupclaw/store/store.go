// Package store implements the persistence layer on SQLite: registered
// groups, scheduled tasks, agent sessions, the inbound message log, and
// the per-group "last processed" cursor. The orchestration core never
// touches the database directly; everything goes through this narrow
// interface.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Task statuses.
const (
	TaskStatusActive    = "active"
	TaskStatusPaused    = "paused"
	TaskStatusCancelled = "cancelled"
	TaskStatusCompleted = "completed"
)

// Group is one conversation context with its own workspace and process
// lifecycle.
type Group struct {
	// ID is the chat/group identifier on the messaging platform.
	ID string

	// Folder is the workspace directory name under groups/.
	Folder string

	// IsMain marks the privileged admin group.
	IsMain bool

	// RequiresTrigger requires messages to carry the trigger word.
	RequiresTrigger bool

	// AdminUsers lists platform user ids allowed to administer the group.
	AdminUsers []string
}

// Task is a scheduled prompt owned by a group.
type Task struct {
	// ID is a random, non-sequential identifier.
	ID string

	// Prompt is the text handed to the agent when the task fires.
	Prompt string

	// ScheduleType is "cron", "interval" or "once".
	ScheduleType string

	// ScheduleValue is the cron expression, duration, or timestamp.
	ScheduleValue string

	// Status is one of the TaskStatus constants.
	Status string

	// NextRun is when the task next fires; nil when it never will.
	NextRun *time.Time

	// GroupFolder is the owning group's workspace folder.
	GroupFolder string

	CreatedAt time.Time
}

// Message is one logged inbound chat message.
type Message struct {
	RowID     int64
	GroupID   string
	Sender    string
	Content   string
	CreatedAt time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS groups (
		id               TEXT PRIMARY KEY,
		folder           TEXT NOT NULL UNIQUE,
		is_main          INTEGER NOT NULL DEFAULT 0,
		requires_trigger INTEGER NOT NULL DEFAULT 1,
		admin_users      TEXT NOT NULL DEFAULT '[]'
	);
	CREATE TABLE IF NOT EXISTS tasks (
		id             TEXT PRIMARY KEY,
		prompt         TEXT NOT NULL,
		schedule_type  TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		status         TEXT NOT NULL,
		next_run       TEXT,
		group_folder   TEXT NOT NULL,
		created_at     TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sessions (
		group_id   TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id   TEXT NOT NULL,
		sender     TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, id);
	CREATE TABLE IF NOT EXISTS cursors (
		group_id  TEXT PRIMARY KEY,
		last_row  INTEGER NOT NULL DEFAULT 0
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// ---------- Groups ----------

// UpsertGroup inserts or replaces a group registration.
func (s *Store) UpsertGroup(g *Group) error {
	admins, err := json.Marshal(g.AdminUsers)
	if err != nil {
		return fmt.Errorf("encoding admin users: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO groups (id, folder, is_main, requires_trigger, admin_users)
		VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.Folder, boolToInt(g.IsMain), boolToInt(g.RequiresTrigger), string(admins))
	if err != nil {
		return fmt.Errorf("upsert group %q: %w", g.ID, err)
	}
	return nil
}

// GetGroup returns the group by chat id, or nil when unknown.
func (s *Store) GetGroup(id string) (*Group, error) {
	return s.scanGroup(s.db.QueryRow(`
		SELECT id, folder, is_main, requires_trigger, admin_users
		FROM groups WHERE id = ?`, id))
}

// GetGroupByFolder returns the group by workspace folder, or nil.
func (s *Store) GetGroupByFolder(folder string) (*Group, error) {
	return s.scanGroup(s.db.QueryRow(`
		SELECT id, folder, is_main, requires_trigger, admin_users
		FROM groups WHERE folder = ?`, folder))
}

// ListGroups returns all registered groups.
func (s *Store) ListGroups() ([]*Group, error) {
	rows, err := s.db.Query(`
		SELECT id, folder, is_main, requires_trigger, admin_users
		FROM groups ORDER BY folder`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g, err := s.scanGroupRow(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func (s *Store) scanGroup(row *sql.Row) (*Group, error) {
	g, err := s.scanGroupRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return g, err
}

func (s *Store) scanGroupRow(row rowScanner) (*Group, error) {
	var (
		g       Group
		isMain  int
		trigger int
		admins  string
	)
	if err := row.Scan(&g.ID, &g.Folder, &isMain, &trigger, &admins); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan group: %w", err)
	}
	g.IsMain = isMain != 0
	g.RequiresTrigger = trigger != 0
	if err := json.Unmarshal([]byte(admins), &g.AdminUsers); err != nil {
		return nil, fmt.Errorf("decoding admin users: %w", err)
	}
	return &g, nil
}

// ---------- Tasks ----------

// CreateTask persists a new task.
func (s *Store) CreateTask(t *Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, prompt, schedule_type, schedule_value, status, next_run, group_folder, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Prompt, t.ScheduleType, t.ScheduleValue, t.Status,
		timePtrToString(t.NextRun), t.GroupFolder, t.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("create task %q: %w", t.ID, err)
	}
	return nil
}

// GetTaskByID returns a task, or nil when unknown.
func (s *Store) GetTaskByID(id string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT id, prompt, schedule_type, schedule_value, status, next_run, group_folder, created_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// UpdateTask rewrites a task's mutable fields.
func (s *Store) UpdateTask(t *Task) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET prompt = ?, schedule_type = ?, schedule_value = ?,
			status = ?, next_run = ?, group_folder = ?
		WHERE id = ?`,
		t.Prompt, t.ScheduleType, t.ScheduleValue, t.Status,
		timePtrToString(t.NextRun), t.GroupFolder, t.ID)
	if err != nil {
		return fmt.Errorf("update task %q: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update task %q: not found", t.ID)
	}
	return nil
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %q: %w", id, err)
	}
	return nil
}

// ListTasks returns tasks, filtered to one group folder when non-empty.
func (s *Store) ListTasks(groupFolder string) ([]*Task, error) {
	query := `
		SELECT id, prompt, schedule_type, schedule_value, status, next_run, group_folder, created_at
		FROM tasks`
	args := []any{}
	if groupFolder != "" {
		query += ` WHERE group_folder = ?`
		args = append(args, groupFolder)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DueTasks returns active tasks whose next_run is at or before now.
func (s *Store) DueTasks(now time.Time) ([]*Task, error) {
	rows, err := s.db.Query(`
		SELECT id, prompt, schedule_type, schedule_value, status, next_run, group_folder, created_at
		FROM tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run`,
		TaskStatusActive, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t         Task
		nextRun   sql.NullString
		createdAt string
	)
	if err := row.Scan(&t.ID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
		&t.Status, &nextRun, &t.GroupFolder, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if nextRun.Valid {
		ts, err := time.Parse(time.RFC3339, nextRun.String)
		if err != nil {
			return nil, fmt.Errorf("parsing next_run: %w", err)
		}
		t.NextRun = &ts
	}
	ts, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	t.CreatedAt = ts
	return &t, nil
}

// ---------- Sessions ----------

// SaveSession stores the agent session id for a group, enabling later
// resumption of the same conversation context.
func (s *Store) SaveSession(groupID, sessionID string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sessions (group_id, session_id, updated_at)
		VALUES (?, ?, ?)`,
		groupID, sessionID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save session for %q: %w", groupID, err)
	}
	return nil
}

// GetSession returns the stored session id for a group, or "".
func (s *Store) GetSession(groupID string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT session_id FROM sessions WHERE group_id = ?`, groupID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session for %q: %w", groupID, err)
	}
	return id, nil
}

// ---------- Messages & cursor ----------

// AppendMessage logs an inbound message and returns its rowid.
func (s *Store) AppendMessage(m *Message) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO messages (group_id, sender, content, created_at)
		VALUES (?, ?, ?, ?)`,
		m.GroupID, m.Sender, m.Content, m.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append message id: %w", err)
	}
	m.RowID = id
	return id, nil
}

// MessagesAfter returns messages for a group with rowid greater than
// cursor, in insertion order.
func (s *Store) MessagesAfter(groupID string, cursor int64) ([]*Message, error) {
	rows, err := s.db.Query(`
		SELECT id, group_id, sender, content, created_at
		FROM messages WHERE group_id = ? AND id > ? ORDER BY id`,
		groupID, cursor)
	if err != nil {
		return nil, fmt.Errorf("messages after %d: %w", cursor, err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var (
			m         Message
			createdAt string
		)
		if err := rows.Scan(&m.RowID, &m.GroupID, &m.Sender, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing message time: %w", err)
		}
		m.CreatedAt = ts
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// GetCursor returns the last-processed message rowid for a group.
func (s *Store) GetCursor(groupID string) (int64, error) {
	var last int64
	err := s.db.QueryRow(`SELECT last_row FROM cursors WHERE group_id = ?`, groupID).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor for %q: %w", groupID, err)
	}
	return last, nil
}

// SetCursor records the last-processed message rowid for a group. Used
// both to advance past a processed batch and to roll back after a
// failed run that delivered nothing.
func (s *Store) SetCursor(groupID string, last int64) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO cursors (group_id, last_row) VALUES (?, ?)`,
		groupID, last)
	if err != nil {
		return fmt.Errorf("set cursor for %q: %w", groupID, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtrToString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
