// Package watcher polls the control directories of every registered
// group and dispatches the envelopes it finds: outbound messages to the
// channel manager, task operations to the store. Files are processed in
// filename order (chronological by construction), deleted once handled.
// A malformed file is logged and deleted so it cannot wedge the
// directory; a message that cannot be routed yet is kept for the next
// scan.
//
// The issuing group is identified by the directory the file appeared
// in, never by a field inside the envelope: an agent can only write to
// its own mounted control subdirectory, so the identity cannot be
// forged.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/channels"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/container"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/control"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/scheduler"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/store"
)

// Control subdirectory names inside each group workspace.
const (
	messagesDir = "messages"
	tasksDir    = "tasks"
)

// errKeepFile marks a dispatch failure that may succeed on a later
// scan; the envelope file is left in place.
var errKeepFile = errors.New("keep envelope for retry")

// Watcher scans the per-group control directories.
type Watcher struct {
	store    *store.Store
	channels *channels.Manager
	// groupsDir is the directory holding per-group workspaces.
	groupsDir string
	interval  time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a watcher over the given groups directory.
func New(st *store.Store, ch *channels.Manager, groupsDir string, interval time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Watcher{
		store:     st,
		channels:  ch,
		groupsDir: groupsDir,
		interval:  interval,
		logger:    logger.With("component", "watcher"),
		ctx:       context.Background(),
		done:      make(chan struct{}),
	}
}

// Start launches the polling loop.
func (w *Watcher) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)
	go w.loop()
	w.logger.Info("control watcher started", "interval", w.interval)
}

// Stop terminates the polling loop. A no-op when Start was never
// called.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.ScanOnce()
		}
	}
}

// ScanOnce processes all pending envelopes across every registered
// group's control directories.
func (w *Watcher) ScanOnce() {
	groups, err := w.store.ListGroups()
	if err != nil {
		w.logger.Error("listing groups failed", "error", err)
		return
	}

	for _, g := range groups {
		controlDir := filepath.Join(w.groupsDir, g.Folder, container.ControlSubdir)
		w.scanDir(g, filepath.Join(controlDir, messagesDir))
		w.scanDir(g, filepath.Join(controlDir, tasksDir))
	}
}

func (w *Watcher) scanDir(g *store.Group, dir string) {
	names, err := control.List(dir)
	if err != nil {
		w.logger.Error("listing control dir failed", "dir", dir, "error", err)
		return
	}

	for _, name := range names {
		path := filepath.Join(dir, name)

		env, err := control.Read(path)
		if err != nil {
			// A malformed file never becomes valid; remove it so it
			// cannot wedge the directory.
			w.logger.Warn("malformed control file, removing",
				"group_folder", g.Folder, "file", name, "error", err)
			w.remove(path)
			continue
		}

		if err := w.dispatch(g, env); err != nil {
			if errors.Is(err, errKeepFile) {
				w.logger.Warn("envelope not deliverable yet, keeping",
					"group_folder", g.Folder, "file", name, "error", err)
				// Stop this directory scan: later files must not
				// overtake an undelivered message.
				return
			}
			w.logger.Warn("envelope rejected, removing",
				"group_folder", g.Folder, "file", name, "type", env.Type, "error", err)
		}
		w.remove(path)
	}
}

func (w *Watcher) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Error("removing control file failed", "path", path, "error", err)
	}
}

// ---------- Dispatch ----------

func (w *Watcher) dispatch(g *store.Group, env *control.Envelope) error {
	switch env.Type {
	case control.TypeMessage:
		return w.handleMessage(g, env)
	case control.TypeScheduleTask:
		return w.handleScheduleTask(g, env)
	case control.TypePauseTask:
		return w.handleTaskStatus(g, env, store.TaskStatusPaused)
	case control.TypeResumeTask:
		return w.handleTaskStatus(g, env, store.TaskStatusActive)
	case control.TypeCancelTask:
		return w.handleTaskStatus(g, env, store.TaskStatusCancelled)
	case control.TypeRegisterGroup:
		return w.handleRegisterGroup(g, env)
	default:
		return fmt.Errorf("unknown envelope type %q", env.Type)
	}
}

func (w *Watcher) handleMessage(g *store.Group, env *control.Envelope) error {
	if env.ChatID == "" || env.Text == "" {
		return fmt.Errorf("message envelope missing chatId or text")
	}
	if err := w.channels.Route(w.ctx, env.ChatID, env.Text); err != nil {
		// Routing can recover (channel reconnect), so the file stays.
		return fmt.Errorf("%w: %v", errKeepFile, err)
	}
	w.logger.Info("outbound message delivered",
		"group_folder", g.Folder, "chat_id", env.ChatID)
	return nil
}

func (w *Watcher) handleScheduleTask(g *store.Group, env *control.Envelope) error {
	if env.Prompt == "" {
		return fmt.Errorf("schedule_task envelope missing prompt")
	}

	// Non-main groups schedule only for themselves; main may target any
	// folder it names.
	target := g.Folder
	if g.IsMain && env.GroupFolder != "" {
		target = env.GroupFolder
	}

	next, err := scheduler.NextRun(env.ScheduleType, env.ScheduleValue, time.Now())
	if err != nil {
		return err
	}

	task := &store.Task{
		ID:            uuid.NewString(),
		Prompt:        env.Prompt,
		ScheduleType:  env.ScheduleType,
		ScheduleValue: env.ScheduleValue,
		Status:        store.TaskStatusActive,
		NextRun:       &next,
		GroupFolder:   target,
		CreatedAt:     time.Now(),
	}
	if err := w.store.CreateTask(task); err != nil {
		return err
	}
	w.logger.Info("task scheduled",
		"task", task.ID, "group_folder", target,
		"schedule_type", task.ScheduleType, "next_run", next)
	return nil
}

func (w *Watcher) handleTaskStatus(g *store.Group, env *control.Envelope, status string) error {
	if env.TaskID == "" {
		return fmt.Errorf("task envelope missing taskId")
	}

	task, err := w.store.GetTaskByID(env.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %q not found", env.TaskID)
	}
	// Sender identity comes from the directory owner, so a non-main
	// group can only touch its own tasks.
	if !g.IsMain && task.GroupFolder != g.Folder {
		return fmt.Errorf("group %q may not modify task %q owned by %q",
			g.Folder, task.ID, task.GroupFolder)
	}

	task.Status = status
	if status == store.TaskStatusActive {
		// Resuming recomputes the due time from now.
		next, err := scheduler.NextRun(task.ScheduleType, task.ScheduleValue, time.Now())
		if err != nil {
			return err
		}
		task.NextRun = &next
	}
	if err := w.store.UpdateTask(task); err != nil {
		return err
	}
	w.logger.Info("task status changed", "task", task.ID, "status", status,
		"by_group", g.Folder)
	return nil
}

func (w *Watcher) handleRegisterGroup(g *store.Group, env *control.Envelope) error {
	if !g.IsMain {
		return fmt.Errorf("group %q may not register groups", g.Folder)
	}
	if env.Group == nil || env.Group.ID == "" || env.Group.Folder == "" {
		return fmt.Errorf("register_group envelope missing group id or folder")
	}

	// Re-registration may update trigger and admin settings, but main
	// status is assigned by the operator, never by an envelope: without
	// this, the main group re-registering itself (say, to change admin
	// users) would demote itself and lock out all administration.
	existing, err := w.store.GetGroup(env.Group.ID)
	if err != nil {
		return err
	}

	if err := w.store.UpsertGroup(&store.Group{
		ID:              env.Group.ID,
		Folder:          env.Group.Folder,
		IsMain:          existing != nil && existing.IsMain,
		RequiresTrigger: env.Group.RequiresTrigger,
		AdminUsers:      env.Group.AdminUsers,
	}); err != nil {
		return err
	}

	// Pre-create the workspace and control directories so the group is
	// immediately watchable.
	controlDir := filepath.Join(w.groupsDir, env.Group.Folder, container.ControlSubdir)
	for _, sub := range []string{messagesDir, tasksDir} {
		if err := os.MkdirAll(filepath.Join(controlDir, sub), 0o755); err != nil {
			return fmt.Errorf("creating control dir: %w", err)
		}
	}

	w.logger.Info("group registered", "group", env.Group.ID,
		"group_folder", env.Group.Folder)
	return nil
}
