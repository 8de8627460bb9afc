package scheduler

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/store"
)

func TestNextRunCron(t *testing.T) {
	from := time.Date(2026, 3, 10, 8, 15, 0, 0, time.UTC)

	next, err := NextRun(TypeCron, "0 9 * * *", from)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	// Already past today's fire time rolls to tomorrow.
	next, err = NextRun(TypeCron, "0 9 * * *", want.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(want.AddDate(0, 0, 1)) {
		t.Errorf("next = %v, want next day", next)
	}

	if _, err := NextRun(TypeCron, "not a cron", from); err == nil {
		t.Error("invalid cron expression must error")
	}
}

func TestNextRunInterval(t *testing.T) {
	from := time.Now()
	next, err := NextRun(TypeInterval, "45m", from)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if got := next.Sub(from); got != 45*time.Minute {
		t.Errorf("offset = %v, want 45m", got)
	}

	for _, bad := range []string{"0s", "-5m", "tomorrow"} {
		if _, err := NextRun(TypeInterval, bad, from); err == nil {
			t.Errorf("interval %q must be rejected", bad)
		}
	}
}

func TestNextRunOnce(t *testing.T) {
	from := time.Now()
	stamp := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	next, err := NextRun(TypeOnce, stamp.Format(time.RFC3339), from)
	if err != nil {
		t.Fatalf("RFC 3339: %v", err)
	}
	if !next.Equal(stamp) {
		t.Errorf("next = %v, want %v", next, stamp)
	}

	next, err = NextRun(TypeOnce, fmt.Sprintf("%d", stamp.UnixMilli()), from)
	if err != nil {
		t.Fatalf("epoch millis: %v", err)
	}
	if !next.Equal(stamp) {
		t.Errorf("next = %v, want %v", next, stamp)
	}

	// A past one-shot parses unchanged; the poller fires it at once.
	past := from.Add(-time.Hour).UTC().Format(time.RFC3339)
	if _, err := NextRun(TypeOnce, past, from); err != nil {
		t.Errorf("past one-shot must still parse: %v", err)
	}

	if _, err := NextRun(TypeOnce, "next tuesday", from); err == nil {
		t.Error("unparseable one-shot must error")
	}
}

func TestNextRunUnknownType(t *testing.T) {
	if _, err := NextRun("weekly", "x", time.Now()); err == nil {
		t.Error("unknown schedule type must error")
	}
}

// ---------- poller ----------

type fakeSource struct {
	due    []*store.Task
	groups map[string]*store.Group
	err    error
}

func (f *fakeSource) DueTasks(now time.Time) ([]*store.Task, error) {
	return f.due, f.err
}

func (f *fakeSource) GetGroupByFolder(folder string) (*store.Group, error) {
	return f.groups[folder], nil
}

func TestPollerCollapsesDueTasksPerGroup(t *testing.T) {
	src := &fakeSource{
		due: []*store.Task{
			{ID: "t1", GroupFolder: "family"},
			{ID: "t2", GroupFolder: "family"},
			{ID: "t3", GroupFolder: "work"},
			{ID: "t4", GroupFolder: "ghost"}, // unregistered
		},
		groups: map[string]*store.Group{
			"family": {ID: "g-family", Folder: "family"},
			"work":   {ID: "g-work", Folder: "work"},
		},
	}

	var enqueued []string
	p := NewPoller(src, func(groupID string) {
		enqueued = append(enqueued, groupID)
	}, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	p.checkOnce(time.Now())

	if len(enqueued) != 2 {
		t.Fatalf("enqueued %v, want one check per known group", enqueued)
	}
	if enqueued[0] != "g-family" || enqueued[1] != "g-work" {
		t.Errorf("enqueued %v", enqueued)
	}
}

func TestPollerSourceErrorIsSwallowed(t *testing.T) {
	src := &fakeSource{err: fmt.Errorf("db locked")}
	called := false
	p := NewPoller(src, func(string) { called = true }, time.Second,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	p.checkOnce(time.Now())
	if called {
		t.Error("no checks may be enqueued when the store errors")
	}
}
