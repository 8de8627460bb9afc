// Package scheduler computes task due times and polls the store for
// tasks whose next run has arrived, handing them to the queue as task
// checks. Cron expressions use the standard 5-field format via
// robfig/cron; intervals use Go duration syntax; one-shot tasks take
// RFC 3339 or epoch milliseconds.
package scheduler

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/groupclaw/pkg/groupclaw/store"
)

// Schedule types accepted for tasks.
const (
	TypeCron     = "cron"
	TypeInterval = "interval"
	TypeOnce     = "once"
)

// defaultPollInterval is how often the poller checks for due tasks.
const defaultPollInterval = 30 * time.Second

// NextRun computes the next execution time for a schedule strictly
// after from. For one-shot schedules already in the past it returns
// the parsed time unchanged; the poller fires it immediately and the
// orchestrator completes it.
func NextRun(scheduleType, value string, from time.Time) (time.Time, error) {
	switch scheduleType {
	case TypeCron:
		sched, err := cron.ParseStandard(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		return sched.Next(from), nil

	case TypeInterval:
		d, err := time.ParseDuration(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid interval %q: %w", value, err)
		}
		if d <= 0 {
			return time.Time{}, fmt.Errorf("interval must be positive, got %q", value)
		}
		return from.Add(d), nil

	case TypeOnce:
		return parseOnce(value)

	default:
		return time.Time{}, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// parseOnce accepts RFC 3339 timestamps and epoch milliseconds.
func parseOnce(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, fmt.Errorf("invalid one-shot time %q: want RFC 3339 or epoch milliseconds", value)
}

// Validate checks a schedule without computing anything.
func Validate(scheduleType, value string) error {
	_, err := NextRun(scheduleType, value, time.Now())
	return err
}

// ---------- Due-task poller ----------

// TaskSource is the slice of the store the poller needs. *store.Store
// implements it.
type TaskSource interface {
	DueTasks(now time.Time) ([]*store.Task, error)
	GetGroupByFolder(folder string) (*store.Group, error)
}

// EnqueueFunc hands a due group to the queue as a task check.
type EnqueueFunc func(groupID string)

// Poller wakes periodically and enqueues task checks for every group
// with a due task. Firing the task itself (running the agent, advancing
// NextRun) is the orchestrator's job.
type Poller struct {
	source   TaskSource
	enqueue  EnqueueFunc
	interval time.Duration
	logger   *slog.Logger
	done     chan struct{}
}

// NewPoller creates a poller. A non-positive interval falls back to
// the default.
func NewPoller(source TaskSource, enqueue EnqueueFunc, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{
		source:   source,
		enqueue:  enqueue,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop in its own goroutine.
func (p *Poller) Start() {
	go p.loop()
	p.logger.Info("task poller started", "interval", p.interval)
}

// Stop terminates the polling loop.
func (p *Poller) Stop() {
	close(p.done)
}

func (p *Poller) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.checkOnce(time.Now())
		}
	}
}

// checkOnce enqueues one task check per group with due work; duplicate
// due tasks for the same group collapse into a single check.
func (p *Poller) checkOnce(now time.Time) {
	due, err := p.source.DueTasks(now)
	if err != nil {
		p.logger.Error("listing due tasks failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	seen := make(map[string]bool, len(due))
	for _, task := range due {
		if seen[task.GroupFolder] {
			continue
		}
		seen[task.GroupFolder] = true

		group, err := p.source.GetGroupByFolder(task.GroupFolder)
		if err != nil {
			p.logger.Error("resolving group for due task failed",
				"task", task.ID, "group_folder", task.GroupFolder, "error", err)
			continue
		}
		if group == nil {
			p.logger.Warn("due task references unknown group, skipping",
				"task", task.ID, "group_folder", task.GroupFolder)
			continue
		}

		p.logger.Info("task due", "task", task.ID, "group_folder", task.GroupFolder)
		p.enqueue(group.ID)
	}
}
