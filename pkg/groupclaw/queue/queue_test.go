package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// ---------- fakes ----------

type fakeHandle struct {
	mu      sync.Mutex
	piped   [][2]string
	pipeErr error
	closed  int
	stopped int
}

func (f *fakeHandle) PipeMessage(sender, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pipeErr != nil {
		return f.pipeErr
	}
	f.piped = append(f.piped, [2]string{sender, text})
	return nil
}

func (f *fakeHandle) CloseInput() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeHandle) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeHandle) pipeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.piped)
}

// ---------- tests ----------

func TestConcurrencyCap(t *testing.T) {
	var inFlight, peak, total atomic.Int32
	release := make(chan struct{})

	q := New(2, func(ctx context.Context, groupID string) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		total.Add(1)
		return nil
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	for _, g := range []string{"g1", "g2", "g3", "g4", "g5"} {
		q.EnqueueMessageCheck(g)
	}

	if !waitFor(t, time.Second, func() bool { return inFlight.Load() == 2 }) {
		t.Fatalf("expected 2 in-flight runs, got %d", inFlight.Load())
	}
	close(release)

	if !waitFor(t, time.Second, func() bool { return total.Load() == 5 }) {
		t.Fatalf("processed %d of 5 groups", total.Load())
	}
	if peak.Load() > 2 {
		t.Errorf("concurrency peaked at %d, cap is 2", peak.Load())
	}
}

func TestPerGroupSerialization(t *testing.T) {
	var inFlight, overlap, runs atomic.Int32
	started := make(chan struct{}, 8)
	release := make(chan struct{})

	q := New(4, func(ctx context.Context, groupID string) error {
		if inFlight.Add(1) > 1 {
			overlap.Add(1)
		}
		started <- struct{}{}
		<-release
		inFlight.Add(-1)
		runs.Add(1)
		return nil
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.EnqueueMessageCheck("g1")
	<-started

	// Work arriving mid-run must re-queue, not double-spawn.
	q.EnqueueMessageCheck("g1")
	q.EnqueueTaskCheck("g1")

	time.Sleep(20 * time.Millisecond)
	if got := inFlight.Load(); got != 1 {
		t.Fatalf("group has %d concurrent runs, want 1", got)
	}
	close(release)

	// Exactly one follow-up run drains both re-queued flags.
	if !waitFor(t, time.Second, func() bool { return runs.Load() == 2 }) {
		t.Fatalf("got %d runs, want 2", runs.Load())
	}
	if overlap.Load() != 0 {
		t.Errorf("observed %d overlapping runs for one group", overlap.Load())
	}
}

func TestTaskOutranksMessage(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	started := make(chan struct{})
	release := make(chan struct{})
	first := true

	q := New(1, func(ctx context.Context, groupID string) error {
		mu.Lock()
		seen = append(seen, groupID)
		blocker := first
		first = false
		mu.Unlock()
		if blocker {
			started <- struct{}{}
			<-release
		}
		return nil
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.EnqueueMessageCheck("blocker")
	<-started

	// Arrival order says message first, priority says task first.
	q.EnqueueMessageCheck("msg-group")
	q.EnqueueTaskCheck("task-group")
	close(release)

	if !waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}) {
		t.Fatalf("expected 3 runs, got %v", seen)
	}

	mu.Lock()
	defer mu.Unlock()
	if seen[1] != "task-group" || seen[2] != "msg-group" {
		t.Errorf("dispatch order = %v, task work must go first", seen)
	}
}

func TestSendMessageRouting(t *testing.T) {
	q := New(1, func(ctx context.Context, groupID string) error { return nil }, testLogger())

	if q.SendMessage("g1", "alice", "hi") {
		t.Fatal("no registered process, SendMessage must return false")
	}

	h := &fakeHandle{}
	q.RegisterProcess("g1", h, "container-1", "family")
	if !q.SendMessage("g1", "alice", "hi") {
		t.Fatal("registered process must accept the message")
	}
	if h.pipeCount() != 1 {
		t.Fatalf("piped %d messages, want 1", h.pipeCount())
	}

	// A broken pipe downgrades to false so the caller can respawn.
	h.pipeErr = errors.New("stdin closed")
	if q.SendMessage("g1", "alice", "again") {
		t.Fatal("pipe failure must return false")
	}

	q.UnregisterProcess("g1")
	if q.SendMessage("g1", "alice", "gone") {
		t.Fatal("unregistered process must not receive messages")
	}
}

// Two messages arriving while a process is live are both piped into it;
// no second process is spawned for the group.
func TestPipingAvoidsSecondSpawn(t *testing.T) {
	var spawns atomic.Int32

	q := New(2, func(ctx context.Context, groupID string) error {
		spawns.Add(1)
		return nil
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	h := &fakeHandle{}
	q.RegisterProcess("g1", h, "container-1", "family")

	if !q.SendMessage("g1", "alice", "first") || !q.SendMessage("g1", "bob", "second") {
		t.Fatal("both messages must pipe into the live process")
	}
	if h.pipeCount() != 2 {
		t.Fatalf("piped %d messages, want 2", h.pipeCount())
	}

	time.Sleep(30 * time.Millisecond)
	if spawns.Load() != 0 {
		t.Errorf("piping must not trigger a spawn, got %d", spawns.Load())
	}
}

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 80 * time.Second,
	}
	for i, w := range want {
		if got := retryDelay(i+1, defaultBackoffBase); got != w {
			t.Errorf("retryDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
	for n := 1; n < maxAttempts; n++ {
		if !shouldRetry(n) {
			t.Errorf("shouldRetry(%d) = false before exhaustion", n)
		}
	}
	if shouldRetry(maxAttempts) {
		t.Error("no automatic attempt may follow the final failure")
	}
}

func TestRetryExhaustionAndRearm(t *testing.T) {
	var attempts atomic.Int32

	q := New(1, func(ctx context.Context, groupID string) error {
		attempts.Add(1)
		return errors.New("agent crashed")
	}, testLogger())
	q.backoffBase = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.EnqueueMessageCheck("g1")

	if !waitFor(t, 2*time.Second, func() bool { return attempts.Load() == maxAttempts }) {
		t.Fatalf("got %d attempts, want %d", attempts.Load(), maxAttempts)
	}

	// Past the final failure the group idles: no sixth attempt.
	time.Sleep(100 * time.Millisecond)
	if got := attempts.Load(); got != maxAttempts {
		t.Fatalf("attempt count grew to %d after exhaustion", got)
	}

	// New inbound activity re-arms the group.
	q.EnqueueMessageCheck("g1")
	if !waitFor(t, time.Second, func() bool { return attempts.Load() > maxAttempts }) {
		t.Fatal("new activity must restart processing after exhaustion")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	var attempts atomic.Int32
	failFirst := int32(2)

	q := New(1, func(ctx context.Context, groupID string) error {
		if attempts.Add(1) <= failFirst {
			return errors.New("transient")
		}
		return nil
	}, testLogger())
	q.backoffBase = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.EnqueueMessageCheck("g1")
	if !waitFor(t, time.Second, func() bool { return attempts.Load() == 3 }) {
		t.Fatalf("got %d attempts, want 2 failures then success", attempts.Load())
	}

	q.mu.Lock()
	n := q.failures["g1"]
	q.mu.Unlock()
	if n != 0 {
		t.Errorf("failure count = %d after success, want 0", n)
	}
}

func TestCloseStdin(t *testing.T) {
	q := New(1, func(ctx context.Context, groupID string) error { return nil }, testLogger())

	q.CloseStdin("missing") // no-op

	h := &fakeHandle{}
	q.RegisterProcess("g1", h, "c1", "family")
	q.CloseStdin("g1")

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed != 1 {
		t.Errorf("CloseInput called %d times, want 1", h.closed)
	}
}

func TestShutdownForceStopsStragglers(t *testing.T) {
	hang := make(chan struct{})
	q := New(1, func(ctx context.Context, groupID string) error {
		<-hang
		return nil
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	h := &fakeHandle{}
	q.RegisterProcess("g1", h, "c1", "family")
	q.EnqueueMessageCheck("g1")

	if !waitFor(t, time.Second, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.running["g1"]
	}) {
		t.Fatal("run never started")
	}

	done := make(chan struct{})
	go func() {
		q.Shutdown(50 * time.Millisecond)
		close(done)
	}()

	// The straggler is force-stopped once the grace period lapses.
	if !waitFor(t, time.Second, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.stopped == 1
	}) {
		t.Fatal("straggler was not force-stopped")
	}
	close(hang)
	<-done

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed == 0 {
		t.Error("graceful CloseInput must precede force-stop")
	}

	// Post-shutdown enqueues are dropped.
	q.EnqueueMessageCheck("g2")
	q.mu.Lock()
	pending := len(q.pending)
	q.mu.Unlock()
	if pending != 0 {
		t.Errorf("%d pending entries accepted after shutdown", pending)
	}
}
