package control

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	name, err := Write(dir, &Envelope{
		Type:        TypeMessage,
		GroupFolder: "family",
		ChatID:      "123@g.us",
		Text:        "hello",
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	env, err := Read(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if env.Type != TypeMessage || env.ChatID != "123@g.us" || env.Text != "hello" {
		t.Errorf("round trip mismatch: %+v", env)
	}
	if env.Timestamp.IsZero() {
		t.Error("Write must stamp the envelope")
	}
}

func TestFilenameFormat(t *testing.T) {
	now := time.Now()
	name := Filename(now)

	re := regexp.MustCompile(`^(\d+)-[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.json$`)
	m := re.FindStringSubmatch(name)
	if m == nil {
		t.Fatalf("filename %q does not match {epoch-millis}-{uuid}.json", name)
	}
	if !strings.HasPrefix(name, "1") {
		t.Errorf("epoch prefix looks wrong: %q", name)
	}
}

func TestListSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()

	// Out-of-order writes with forced timestamps.
	for _, ms := range []int64{3000, 1000, 2000} {
		env := &Envelope{Type: TypeMessage, Timestamp: time.UnixMilli(ms)}
		if _, err := Write(dir, env); err != nil {
			t.Fatal(err)
		}
	}
	// Noise the watcher must ignore.
	if err := os.WriteFile(filepath.Join(dir, ".123-x.json.tmp"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	names, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("expected 3 envelopes, got %d: %v", len(names), names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("names not ascending: %v", names)
		}
	}
	if !strings.HasPrefix(names[0], "1000-") || !strings.HasPrefix(names[2], "3000-") {
		t.Errorf("lexical order is not chronological: %v", names)
	}
}

func TestListMissingDir(t *testing.T) {
	names, err := List(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir should list as empty, got error %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no names, got %v", names)
	}
}

// Concurrent writers must never publish a file a reader can open as
// partial or invalid JSON: every listed file parses.
func TestConcurrentWritersProduceOnlyValidFiles(t *testing.T) {
	dir := t.TempDir()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := Write(dir, &Envelope{
					Type: TypeScheduleTask,
					Text: strings.Repeat("payload ", 50),
				})
				if err != nil {
					t.Errorf("writer %d: %v", n, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	names, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 200 {
		t.Fatalf("expected 200 envelopes, got %d", len(names))
	}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("file %s is not valid JSON: %v", name, err)
		}
	}
}
