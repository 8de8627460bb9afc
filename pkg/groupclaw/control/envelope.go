// Package control implements the file-based control protocol between
// the host and the sandboxed agent process. Each event is one immutable
// JSON file in a watched directory; files are written atomically
// (temp file + rename) so a reader never observes a partial write, and
// named {epoch-millis}-{uuid}.json so lexical order is chronological
// and concurrent writers never collide.
package control

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type discriminates control envelopes.
type Type string

const (
	// TypeMessage asks the host to deliver text to a chat.
	TypeMessage Type = "message"

	// TypeScheduleTask asks the host to create a scheduled task.
	TypeScheduleTask Type = "schedule_task"

	// TypePauseTask suspends a task by id.
	TypePauseTask Type = "pause_task"

	// TypeResumeTask reactivates a paused task by id.
	TypeResumeTask Type = "resume_task"

	// TypeCancelTask permanently cancels a task by id.
	TypeCancelTask Type = "cancel_task"

	// TypeRegisterGroup registers a new group. Only honored when issued
	// by the main group.
	TypeRegisterGroup Type = "register_group"
)

// Envelope is one cross-boundary event. Fields beyond Type are populated
// according to the envelope type; unknown fields from newer agents are
// ignored on read.
type Envelope struct {
	Type Type `json:"type"`

	// GroupFolder identifies the issuing group's workspace folder. Used
	// both as the sender identity for permission checks and as the
	// owning group for schedule_task.
	GroupFolder string `json:"groupFolder,omitempty"`

	// ChatID and Text carry an outbound message (TypeMessage).
	ChatID string `json:"chatId,omitempty"`
	Text   string `json:"text,omitempty"`

	// TaskID targets an existing task (pause/resume/cancel).
	TaskID string `json:"taskId,omitempty"`

	// Prompt, ScheduleType and ScheduleValue describe a new task
	// (TypeScheduleTask). ScheduleType is "cron", "interval" or "once".
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"scheduleType,omitempty"`
	ScheduleValue string `json:"scheduleValue,omitempty"`

	// Group carries a registration request (TypeRegisterGroup).
	Group *GroupRegistration `json:"group,omitempty"`

	// Timestamp is when the envelope was written.
	Timestamp time.Time `json:"timestamp"`
}

// GroupRegistration describes a group to register.
type GroupRegistration struct {
	ID              string   `json:"id"`
	Folder          string   `json:"folder"`
	RequiresTrigger bool     `json:"requiresTrigger"`
	AdminUsers      []string `json:"adminUsers,omitempty"`
}

// Filename builds an envelope filename for the given instant:
// {epoch-millis}-{random-uuid}.json. Millisecond prefix gives
// chronological lexical ordering, the uuid makes concurrent writers
// collision-free.
func Filename(t time.Time) string {
	return fmt.Sprintf("%d-%s.json", t.UnixMilli(), uuid.NewString())
}

// Write atomically persists an envelope into dir and returns the final
// filename. The file appears in the directory fully written or not at
// all: the content goes to a dot-prefixed temp path first, then a
// rename publishes it.
func Write(dir string, env *Envelope) (string, error) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating control dir: %w", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshaling envelope: %w", err)
	}

	name := Filename(env.Timestamp)
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("writing envelope: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publishing envelope: %w", err)
	}
	return name, nil
}

// Read parses one envelope file.
func Read(path string) (*Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading envelope: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope %s: %w", filepath.Base(path), err)
	}
	return &env, nil
}

// List returns the published envelope filenames in dir, sorted
// ascending (chronological). Temp files and non-json entries are
// skipped. A missing directory lists as empty.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing control dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
