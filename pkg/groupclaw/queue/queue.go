// Package queue implements the per-group work queue that coordinates
// agent runs: a global concurrency cap across groups, strict
// serialization within a group, message piping into already-running
// processes, and bounded retry with exponential backoff on failure.
//
// Per-group state machine: IDLE → QUEUED → RUNNING → IDLE or QUEUED
// (re-queued when new work arrived during the run).
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// maxAttempts is the total number of processing attempts per group
// before the queue gives up and waits for new inbound activity.
const maxAttempts = 5

// defaultBackoffBase is the delay after the first failure; it doubles
// per failure (5s, 10s, 20s, 40s, 80s).
const defaultBackoffBase = 5 * time.Second

// ProcessFunc is the processing callback supplied by the orchestrator.
// It drives the container runner for one group and reports success or
// failure.
type ProcessFunc func(ctx context.Context, groupID string) error

// ProcessHandle is the live handle for a spawned agent process.
// container.Process implements it.
type ProcessHandle interface {
	// PipeMessage delivers a follow-up message over the process input
	// stream.
	PipeMessage(sender, text string) error

	// CloseInput signals that no further input is forthcoming.
	CloseInput() error

	// Stop force-terminates the process.
	Stop()
}

// EntryKind tags pending work.
type EntryKind int

const (
	// KindMessage marks pending inbound chat activity.
	KindMessage EntryKind = iota

	// KindTask marks a due scheduled task. Task entries outrank
	// message entries when picking the next group.
	KindTask
)

type pendingWork struct {
	message bool
	task    bool
}

type activeProcess struct {
	handle ProcessHandle
	name   string
	folder string
}

// Queue is the group work queue.
type Queue struct {
	maxConcurrent int
	process       ProcessFunc
	logger        *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingWork
	order    []string // arrival order of groups with pending work
	running  map[string]bool
	active   map[string]*activeProcess
	failures map[string]int
	stopped  bool

	// backoffBase is the first retry delay; doubles per failure.
	backoffBase time.Duration

	wake   chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a queue with the given concurrency cap and processing
// callback.
func New(maxConcurrent int, process ProcessFunc, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		maxConcurrent: maxConcurrent,
		process:       process,
		logger:        logger.With("component", "queue"),
		pending:       make(map[string]*pendingWork),
		running:       make(map[string]bool),
		active:        make(map[string]*activeProcess),
		failures:      make(map[string]int),
		backoffBase:   defaultBackoffBase,
		wake:          make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	go q.dispatchLoop()
	q.logger.Info("queue started", "max_concurrent", q.maxConcurrent)
}

// EnqueueMessageCheck marks pending inbound-message work for a group.
func (q *Queue) EnqueueMessageCheck(groupID string) {
	q.enqueue(groupID, KindMessage)
}

// EnqueueTaskCheck marks pending due-task work for a group. Task work
// is drained before message work.
func (q *Queue) EnqueueTaskCheck(groupID string) {
	q.enqueue(groupID, KindTask)
}

func (q *Queue) enqueue(groupID string, kind EntryKind) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.setPending(groupID, kind)
	// New inbound activity re-arms a group whose retries were
	// exhausted.
	if q.failures[groupID] >= maxAttempts {
		q.failures[groupID] = 0
	}
	q.mu.Unlock()
	q.wakeUp()
}

// setPending must be called with q.mu held.
func (q *Queue) setPending(groupID string, kind EntryKind) {
	work := q.pending[groupID]
	if work == nil {
		work = &pendingWork{}
		q.pending[groupID] = work
		q.order = append(q.order, groupID)
	}
	if kind == KindTask {
		work.task = true
	} else {
		work.message = true
	}
}

// RegisterProcess records the live process handle for a group, making
// it eligible for message piping. At most one process per group.
func (q *Queue) RegisterProcess(groupID string, handle ProcessHandle, name, folder string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if old := q.active[groupID]; old != nil {
		// Should never happen: per-group serialization forbids two
		// live processes. Stop the stale one rather than leak it.
		q.logger.Error("replacing stale process registration", "group", groupID, "container", old.name)
		old.handle.Stop()
	}
	q.active[groupID] = &activeProcess{handle: handle, name: name, folder: folder}
	q.logger.Debug("process registered", "group", groupID, "container", name)
}

// UnregisterProcess removes the process handle after exit or stop.
func (q *Queue) UnregisterProcess(groupID string) {
	q.mu.Lock()
	delete(q.active, groupID)
	q.mu.Unlock()
	q.wakeUp()
}

// SendMessage delivers text to the group's registered process. Returns
// false when no process is registered (or piping failed): the caller
// must enqueue a fresh check instead, which spawns a new process.
func (q *Queue) SendMessage(groupID, sender, text string) bool {
	q.mu.Lock()
	proc := q.active[groupID]
	q.mu.Unlock()

	if proc == nil {
		return false
	}
	if err := proc.handle.PipeMessage(sender, text); err != nil {
		q.logger.Warn("piping message to live process failed",
			"group", groupID, "container", proc.name, "error", err)
		return false
	}
	q.logger.Debug("message piped to live process", "group", groupID, "container", proc.name)
	return true
}

// CloseStdin signals the group's active process that no further input
// is forthcoming.
func (q *Queue) CloseStdin(groupID string) {
	q.mu.Lock()
	proc := q.active[groupID]
	q.mu.Unlock()
	if proc != nil {
		_ = proc.handle.CloseInput()
	}
}

// ActiveCount returns the number of live processes.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// Shutdown stops accepting work, signals all active processes to stop,
// waits up to timeout for graceful exit, then force-terminates
// stragglers.
func (q *Queue) Shutdown(timeout time.Duration) {
	q.mu.Lock()
	q.stopped = true
	var handles []*activeProcess
	for _, p := range q.active {
		handles = append(handles, p)
	}
	q.mu.Unlock()

	for _, p := range handles {
		_ = p.handle.CloseInput()
	}
	if q.cancel != nil {
		q.cancel()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("queue shut down cleanly")
	case <-time.After(timeout):
		q.mu.Lock()
		var stragglers []*activeProcess
		for _, p := range q.active {
			stragglers = append(stragglers, p)
		}
		q.mu.Unlock()
		for _, p := range stragglers {
			q.logger.Warn("force-terminating straggler", "container", p.name)
			p.handle.Stop()
		}
		<-done
		q.logger.Warn("queue shut down after force-terminating stragglers", "count", len(stragglers))
	}
}

// ---------- Dispatch ----------

func (q *Queue) dispatchLoop() {
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}
		q.dispatch()
	}
}

// dispatch starts runs for eligible groups until the concurrency cap
// is reached or no group is eligible. Groups with pending task work
// outrank groups with only message work; ties break by arrival order.
func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.stopped && len(q.running) < q.maxConcurrent {
		groupID, ok := q.nextEligible()
		if !ok {
			return
		}

		// The run drains every kind of pending work for the group;
		// flags set after this point mean re-queue.
		delete(q.pending, groupID)
		q.removeFromOrder(groupID)
		q.running[groupID] = true

		q.wg.Add(1)
		go q.runGroup(groupID)
	}
}

// nextEligible must be called with q.mu held.
func (q *Queue) nextEligible() (string, bool) {
	// Task pass first, then message pass.
	for _, wantTask := range []bool{true, false} {
		for _, g := range q.order {
			if q.running[g] {
				continue
			}
			work := q.pending[g]
			if work == nil {
				continue
			}
			if wantTask && !work.task {
				continue
			}
			return g, true
		}
	}
	return "", false
}

// removeFromOrder must be called with q.mu held.
func (q *Queue) removeFromOrder(groupID string) {
	for i, g := range q.order {
		if g == groupID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

func (q *Queue) runGroup(groupID string) {
	defer q.wg.Done()

	q.logger.Info("processing group", "group", groupID)
	err := q.process(q.ctx, groupID)

	q.mu.Lock()
	delete(q.running, groupID)
	if err == nil {
		q.failures[groupID] = 0
		q.mu.Unlock()
		q.wakeUp()
		return
	}

	q.failures[groupID]++
	n := q.failures[groupID]
	stopped := q.stopped
	q.mu.Unlock()

	if stopped {
		return
	}

	if !shouldRetry(n) {
		q.logger.Error("group processing failed, retries exhausted; waiting for new activity",
			"group", groupID, "failures", n, "error", err)
		q.wakeUp()
		return
	}

	delay := retryDelay(n, q.backoffBase)
	q.logger.Warn("group processing failed, scheduling retry",
		"group", groupID, "failures", n, "retry_in", delay, "error", err)

	time.AfterFunc(delay, func() {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return
		}
		q.setPending(groupID, KindMessage)
		q.mu.Unlock()
		q.wakeUp()
	})
	q.wakeUp()
}

func (q *Queue) wakeUp() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// ---------- Backoff schedule ----------

// retryDelay returns the delay after the nth consecutive failure:
// base, 2*base, 4*base, ... (5s, 10s, 20s, 40s, 80s at the default).
func retryDelay(failures int, base time.Duration) time.Duration {
	if failures < 1 {
		failures = 1
	}
	return base << (failures - 1)
}

// shouldRetry reports whether another automatic attempt follows the
// nth consecutive failure. After the 5th failure the group goes idle
// until new inbound activity re-arms it.
func shouldRetry(failures int) bool {
	return failures < maxAttempts
}
