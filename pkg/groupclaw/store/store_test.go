package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGroupRoundTrip(t *testing.T) {
	s := openTestStore(t)

	g := &Group{
		ID:              "123@g.us",
		Folder:          "family",
		IsMain:          false,
		RequiresTrigger: true,
		AdminUsers:      []string{"555@c.us"},
	}
	if err := s.UpsertGroup(g); err != nil {
		t.Fatalf("UpsertGroup: %v", err)
	}

	got, err := s.GetGroup("123@g.us")
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if got == nil || got.Folder != "family" || !got.RequiresTrigger || len(got.AdminUsers) != 1 {
		t.Errorf("unexpected group: %+v", got)
	}

	byFolder, err := s.GetGroupByFolder("family")
	if err != nil || byFolder == nil || byFolder.ID != "123@g.us" {
		t.Errorf("GetGroupByFolder: %v %+v", err, byFolder)
	}

	missing, err := s.GetGroup("nope")
	if err != nil || missing != nil {
		t.Errorf("unknown group should be nil, nil; got %+v, %v", missing, err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)

	next := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	task := &Task{
		ID:            uuid.NewString(),
		Prompt:        "check the weather",
		ScheduleType:  "cron",
		ScheduleValue: "0 8 * * *",
		Status:        TaskStatusActive,
		NextRun:       &next,
		GroupFolder:   "family",
	}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.GetTaskByID(task.ID)
	if err != nil || got == nil {
		t.Fatalf("GetTaskByID: %v %+v", err, got)
	}
	if got.NextRun == nil || !got.NextRun.Equal(next) {
		t.Errorf("next_run round trip: got %v want %v", got.NextRun, next)
	}

	due, err := s.DueTasks(time.Now())
	if err != nil || len(due) != 1 {
		t.Fatalf("DueTasks: %v, %d due", err, len(due))
	}

	got.Status = TaskStatusPaused
	if err := s.UpdateTask(got); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	due, _ = s.DueTasks(time.Now())
	if len(due) != 0 {
		t.Error("paused task must not be due")
	}

	byGroup, err := s.ListTasks("family")
	if err != nil || len(byGroup) != 1 {
		t.Errorf("ListTasks(family): %v, %d", err, len(byGroup))
	}
	other, err := s.ListTasks("other")
	if err != nil || len(other) != 0 {
		t.Errorf("ListTasks(other): %v, %d", err, len(other))
	}

	if err := s.DeleteTask(task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	gone, err := s.GetTaskByID(task.ID)
	if err != nil || gone != nil {
		t.Errorf("deleted task should be gone: %+v, %v", gone, err)
	}
}

func TestUpdateTaskNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateTask(&Task{ID: "missing", Status: TaskStatusActive})
	if err == nil {
		t.Fatal("expected error updating unknown task")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	id, err := s.GetSession("g1")
	if err != nil || id != "" {
		t.Fatalf("empty session: %q, %v", id, err)
	}
	if err := s.SaveSession("g1", "sess-abc"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSession("g1", "sess-def"); err != nil {
		t.Fatal(err)
	}
	id, err = s.GetSession("g1")
	if err != nil || id != "sess-def" {
		t.Errorf("session = %q, %v; want sess-def", id, err)
	}
}

func TestMessagesAndCursor(t *testing.T) {
	s := openTestStore(t)

	var last int64
	for _, text := range []string{"one", "two", "three"} {
		id, err := s.AppendMessage(&Message{GroupID: "g1", Sender: "u1", Content: text})
		if err != nil {
			t.Fatal(err)
		}
		last = id
	}
	// A message for another group must not leak in.
	if _, err := s.AppendMessage(&Message{GroupID: "g2", Sender: "u2", Content: "other"}); err != nil {
		t.Fatal(err)
	}

	cursor, err := s.GetCursor("g1")
	if err != nil || cursor != 0 {
		t.Fatalf("fresh cursor: %d, %v", cursor, err)
	}

	msgs, err := s.MessagesAfter("g1", cursor)
	if err != nil || len(msgs) != 3 {
		t.Fatalf("MessagesAfter: %v, %d msgs", err, len(msgs))
	}
	if msgs[0].Content != "one" || msgs[2].Content != "three" {
		t.Errorf("order wrong: %+v", msgs)
	}

	// Advance, then roll back as after a failed undelivered run.
	if err := s.SetCursor("g1", last); err != nil {
		t.Fatal(err)
	}
	msgs, _ = s.MessagesAfter("g1", last)
	if len(msgs) != 0 {
		t.Error("no messages expected past the cursor")
	}

	if err := s.SetCursor("g1", 0); err != nil {
		t.Fatal(err)
	}
	msgs, _ = s.MessagesAfter("g1", 0)
	if len(msgs) != 3 {
		t.Errorf("rollback should re-expose 3 messages, got %d", len(msgs))
	}
}
