// Package orchestrator ties the core together: inbound chat messages
// become queue work, queue work becomes supervised container runs, and
// container results flow back out through the channel manager. It owns
// the per-group message cursor and the due-task completion bookkeeping.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/channels"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/config"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/container"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/queue"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/scheduler"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/secrets"
	"github.com/jholhewres/groupclaw/pkg/groupclaw/store"
)

// Orchestrator coordinates the store, the queue, the container backend
// and the channel manager.
type Orchestrator struct {
	cfg      *config.Config
	store    *store.Store
	channels *channels.Manager
	backend  container.Backend
	queue    *queue.Queue
	logger   *slog.Logger
}

// New wires the orchestrator and its queue. The queue's processing
// callback is ProcessGroup.
func New(cfg *config.Config, st *store.Store, ch *channels.Manager, backend container.Backend, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:      cfg,
		store:    st,
		channels: ch,
		backend:  backend,
		logger:   logger.With("component", "orchestrator"),
	}
	o.queue = queue.New(cfg.Queue.MaxConcurrent, o.ProcessGroup, logger)
	return o
}

// Queue exposes the group queue for wiring (scheduler poller, shutdown).
func (o *Orchestrator) Queue() *queue.Queue { return o.queue }

// Start launches the queue dispatch loop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.queue.Start(ctx)
}

// InboundMessage is one chat message arriving from a connector.
type InboundMessage struct {
	// GroupID is the platform chat id the message arrived in.
	GroupID string

	Sender    string
	Text      string
	Timestamp time.Time
}

// HandleInbound logs the message and either pipes it into the group's
// live process or enqueues a message check. Messages for unregistered
// groups are dropped; messages that lack a required trigger word are
// recorded for context but start no run, unless the sender is one of
// the group's admin users, who are always heard.
func (o *Orchestrator) HandleInbound(msg InboundMessage) error {
	group, err := o.store.GetGroup(msg.GroupID)
	if err != nil {
		return err
	}
	if group == nil {
		o.logger.Debug("message for unregistered group dropped", "group", msg.GroupID)
		return nil
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if _, err := o.store.AppendMessage(&store.Message{
		GroupID:   group.ID,
		Sender:    msg.Sender,
		Content:   msg.Text,
		CreatedAt: ts,
	}); err != nil {
		return fmt.Errorf("logging inbound message: %w", err)
	}

	if group.RequiresTrigger && !o.hasTrigger(msg.Text) && !isAdmin(group, msg.Sender) {
		return nil
	}

	// A live process takes the message directly; otherwise a queued
	// check picks it up through the cursor.
	if o.queue.SendMessage(group.ID, msg.Sender, msg.Text) {
		return nil
	}
	o.queue.EnqueueMessageCheck(group.ID)
	return nil
}

func (o *Orchestrator) hasTrigger(text string) bool {
	trigger := o.cfg.Agent.TriggerWord
	if trigger == "" {
		return true
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(trigger))
}

// isAdmin reports whether sender is in the group's admin user list.
func isAdmin(g *store.Group, sender string) bool {
	for _, u := range g.AdminUsers {
		if u == sender {
			return true
		}
	}
	return false
}

// ProcessGroup is the queue's processing callback: it gathers the
// group's unprocessed messages and due tasks, runs the agent over them,
// and routes results back to the chat. The message cursor advances
// before the run and rolls back only when the run fails without
// delivering anything, so messages are processed at least once but a
// partially-successful run is never replayed.
func (o *Orchestrator) ProcessGroup(ctx context.Context, groupID string) error {
	group, err := o.store.GetGroup(groupID)
	if err != nil {
		return err
	}
	if group == nil {
		o.logger.Warn("queued group no longer registered", "group", groupID)
		return nil
	}

	cursor, err := o.store.GetCursor(group.ID)
	if err != nil {
		return err
	}
	messages, err := o.store.MessagesAfter(group.ID, cursor)
	if err != nil {
		return err
	}
	dueTasks, err := o.dueTasksFor(group)
	if err != nil {
		return err
	}
	if len(messages) == 0 && len(dueTasks) == 0 {
		return nil
	}

	newCursor := cursor
	if len(messages) > 0 {
		newCursor = messages[len(messages)-1].RowID
		if err := o.store.SetCursor(group.ID, newCursor); err != nil {
			return err
		}
	}

	sessionID, err := o.store.GetSession(group.ID)
	if err != nil {
		return err
	}
	snaps, err := o.buildSnapshots(group)
	if err != nil {
		return err
	}

	req := &container.RunRequest{
		GroupID:     group.ID,
		GroupFolder: group.Folder,
		IsMain:      group.IsMain,
		Prompt:      buildPrompt(dueTasks, messages),
		SessionID:   sessionID,
		Secrets:     secrets.ResolveAgentEnv(o.logger),
		Snapshots:   snaps,
		OnEvent:     o.eventHandler(ctx, group),
		OnStart: func(p *container.Process) {
			o.queue.RegisterProcess(group.ID, p, p.ContainerName(), p.Folder())
		},
	}
	defer o.queue.UnregisterProcess(group.ID)

	result, err := o.backend.Run(ctx, req)
	if err != nil {
		if (result == nil || result.Delivered == 0) && len(messages) > 0 {
			// Nothing reached the chat: roll the cursor back so the
			// retry sees the same messages again.
			if rbErr := o.store.SetCursor(group.ID, cursor); rbErr != nil {
				o.logger.Error("cursor rollback failed", "group", group.ID, "error", rbErr)
			}
		}
		return err
	}

	return o.completeDueTasks(group, dueTasks)
}

// eventHandler routes container protocol events: init persists the
// session id, non-error results go back to the chat. Synthesized error
// results (timeout, overflow) are internal markers and never reach the
// chat.
func (o *Orchestrator) eventHandler(ctx context.Context, group *store.Group) func(container.Event) {
	return func(ev container.Event) {
		switch {
		case ev.Type == container.EventInit && ev.SessionID != "":
			if err := o.store.SaveSession(group.ID, ev.SessionID); err != nil {
				o.logger.Error("saving session failed", "group", group.ID, "error", err)
			}
		case ev.Type == container.EventResult && ev.Result != nil && !ev.IsError:
			if err := o.channels.Route(ctx, group.ID, *ev.Result); err != nil {
				o.logger.Warn("routing agent result failed", "group", group.ID, "error", err)
			}
		}
	}
}

func (o *Orchestrator) dueTasksFor(group *store.Group) ([]*store.Task, error) {
	due, err := o.store.DueTasks(time.Now())
	if err != nil {
		return nil, err
	}
	var own []*store.Task
	for _, t := range due {
		if t.GroupFolder == group.Folder {
			own = append(own, t)
		}
	}
	return own, nil
}

// completeDueTasks advances recurring tasks and completes one-shots
// after a successful run.
func (o *Orchestrator) completeDueTasks(group *store.Group, tasks []*store.Task) error {
	for _, t := range tasks {
		if t.ScheduleType == scheduler.TypeOnce {
			t.Status = store.TaskStatusCompleted
			t.NextRun = nil
		} else {
			next, err := scheduler.NextRun(t.ScheduleType, t.ScheduleValue, time.Now())
			if err != nil {
				// The schedule was valid at creation; treat corruption
				// as fatal for this task rather than the whole run.
				o.logger.Error("recomputing task schedule failed", "task", t.ID, "error", err)
				t.Status = store.TaskStatusCancelled
				t.NextRun = nil
			} else {
				t.NextRun = &next
			}
		}
		if err := o.store.UpdateTask(t); err != nil {
			return fmt.Errorf("updating task %s: %w", t.ID, err)
		}
		o.logger.Info("task fired", "task", t.ID, "group_folder", group.Folder,
			"status", t.Status)
	}
	return nil
}

// buildSnapshots assembles the state files written into the workspace:
// main sees every task and the full group listing with chat ids,
// non-main sees only its own tasks and its own entry without the id.
func (o *Orchestrator) buildSnapshots(group *store.Group) (container.Snapshots, error) {
	if group.IsMain {
		tasks, err := o.store.ListTasks("")
		if err != nil {
			return container.Snapshots{}, err
		}
		groups, err := o.store.ListGroups()
		if err != nil {
			return container.Snapshots{}, err
		}
		summaries := make([]container.GroupSummary, 0, len(groups))
		for _, g := range groups {
			summaries = append(summaries, container.GroupSummary{
				ID: g.ID, Folder: g.Folder, IsMain: g.IsMain,
			})
		}
		return container.Snapshots{Tasks: tasks, Groups: summaries}, nil
	}

	tasks, err := o.store.ListTasks(group.Folder)
	if err != nil {
		return container.Snapshots{}, err
	}
	return container.Snapshots{
		Tasks:  tasks,
		Groups: []container.GroupSummary{{Folder: group.Folder}},
	}, nil
}

// buildPrompt renders due tasks and unprocessed messages as the opening
// turn for the agent.
func buildPrompt(tasks []*store.Task, messages []*store.Message) string {
	var b strings.Builder
	for _, t := range tasks {
		b.WriteString("Scheduled task due: ")
		b.WriteString(t.Prompt)
		b.WriteString("\n")
	}
	if len(tasks) > 0 && len(messages) > 0 {
		b.WriteString("\n")
	}
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n",
			m.CreatedAt.Format("15:04"), m.Sender, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
