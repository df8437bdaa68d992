// Package dispatch drives the scheduler: a 1 Hz tick that fires due cron
// tasks, per-task condition pollers for script-event tasks, and the
// synthetic boot/shutdown fires around process lifecycle.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/fnlabs/fn-scheduler/internal/cron"
	"github.com/fnlabs/fn-scheduler/internal/runner"
	"github.com/fnlabs/fn-scheduler/internal/store"
)

// Defaults for Options zero values.
const (
	DefaultTick          = time.Second
	DefaultProbeTimeout  = 60 * time.Second
	DefaultShutdownGrace = 30 * time.Second
)

// Options tunes the dispatcher.
type Options struct {
	Tick          time.Duration
	ProbeTimeout  time.Duration
	ShutdownGrace time.Duration
}

// Dispatcher owns the tick loop and the poller set. Run it on exactly one
// goroutine.
type Dispatcher struct {
	store  *store.Store
	runner *runner.Runner
	opts   Options

	pollers map[int64]*poller
	// badExpr remembers schedule tasks whose stored expression failed to
	// parse, so the error is logged once and the task left dormant.
	badExpr map[int64]bool
}

// New builds a dispatcher over the store and runner.
func New(st *store.Store, rn *runner.Runner, opts Options) *Dispatcher {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	return &Dispatcher{
		store:   st,
		runner:  rn,
		opts:    opts,
		pollers: make(map[int64]*poller),
		badExpr: make(map[int64]bool),
	}
}

// Run executes the dispatch loop until ctx is cancelled, then performs
// the shutdown sequence: stop the tick, stop pollers, cancel pending
// fires, emit shutdown-event fires, and drain the runner within the
// grace period.
func (d *Dispatcher) Run(ctx context.Context) {
	if n, err := d.store.FailOrphanedRunning("[interrupted by scheduler restart]"); err != nil {
		slog.Error("orphan sweep", "error", err)
	} else if n > 0 {
		slog.Warn("closed results orphaned by previous process", "count", n)
	}

	d.emitLifecycle(store.EventBoot, store.ReasonBoot)
	d.syncPollers(ctx)

	ticker := time.NewTicker(d.opts.Tick)
	defer ticker.Stop()

	slog.Info("dispatcher running", "tick", d.opts.Tick)
	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return
		case <-ticker.C:
			d.tick(ctx, time.Now())
		}
	}
}

// tick fires every due schedule task once and recomputes its next fire
// time, then reconciles the poller set. Multiple missed slots collapse
// into a single fire because the recompute is anchored at now.
func (d *Dispatcher) tick(ctx context.Context, now time.Time) {
	due, err := d.store.DueTasks(now)
	if err != nil {
		slog.Error("scan due tasks", "error", err)
		return
	}
	for _, task := range due {
		d.runner.Enqueue(runner.NewFire(task.ID, store.ReasonCron))
		d.reschedule(task, now)
	}
	d.syncPollers(ctx)
}

// reschedule writes the next fire time strictly after now. A stored
// expression that no longer parses leaves the task dormant.
func (d *Dispatcher) reschedule(task *store.Task, now time.Time) {
	if task.ScheduleExpression == nil {
		return
	}
	expr, err := cron.Parse(*task.ScheduleExpression)
	if err != nil {
		if !d.badExpr[task.ID] {
			d.badExpr[task.ID] = true
			slog.Error("stored cron expression no longer parses, task dormant",
				"task_id", task.ID, "expression", *task.ScheduleExpression, "error", err)
		}
		d.store.SetNextRun(task.ID, nil)
		return
	}
	delete(d.badExpr, task.ID)
	next, ok := expr.NextAfter(now)
	if !ok {
		slog.Warn("no next fire time within horizon, task dormant", "task_id", task.ID)
		d.store.SetNextRun(task.ID, nil)
		return
	}
	formatted := store.FormatTime(next)
	if err := d.store.SetNextRun(task.ID, &formatted); err != nil {
		slog.Error("persist next run", "task_id", task.ID, "error", err)
	}
}

func (d *Dispatcher) emitLifecycle(eventType, reason string) {
	tasks, err := d.store.EventTasks(eventType)
	if err != nil {
		slog.Error("scan lifecycle tasks", "event_type", eventType, "error", err)
		return
	}
	for _, task := range tasks {
		slog.Info("lifecycle fire", "task_id", task.ID, "reason", reason)
		d.runner.Enqueue(runner.NewFire(task.ID, reason))
	}
}

func (d *Dispatcher) shutdown() {
	slog.Info("dispatcher stopping")
	for id, p := range d.pollers {
		p.stop()
		delete(d.pollers, id)
	}
	if dropped := d.runner.CancelPending(); dropped > 0 {
		slog.Info("cancelled pending fires", "count", dropped)
	}
	d.emitLifecycle(store.EventShutdown, store.ReasonShutdown)
	d.runner.Drain(d.opts.ShutdownGrace)
}
