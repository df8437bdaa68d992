package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fnlabs/fn-scheduler/internal/runner"
	"github.com/fnlabs/fn-scheduler/internal/store"
)

// poller is one condition-script worker. It probes on its own interval so
// a 3-second condition does not force a faster global tick.
type poller struct {
	sig    string
	cancel context.CancelFunc
	done   chan struct{}
}

// pollerSignature captures the fields whose change requires restarting a
// poller.
func pollerSignature(t *store.Task) string {
	script := ""
	if t.ConditionScript != nil {
		script = *t.ConditionScript
	}
	return fmt.Sprintf("%d|%s|%s", t.ConditionInterval, t.Account, script)
}

// syncPollers reconciles the running poller set against the active
// script-event tasks: spawn for new or changed tasks, reap for tasks that
// became inactive, changed, or were deleted.
func (d *Dispatcher) syncPollers(ctx context.Context) {
	tasks, err := d.store.EventTasks(store.EventScript)
	if err != nil {
		slog.Error("scan script-event tasks", "error", err)
		return
	}
	want := make(map[int64]*store.Task, len(tasks))
	for _, t := range tasks {
		want[t.ID] = t
	}

	for id, p := range d.pollers {
		t, ok := want[id]
		if ok && p.sig == pollerSignature(t) {
			continue
		}
		p.stop()
		delete(d.pollers, id)
	}
	for id, t := range want {
		if _, ok := d.pollers[id]; ok {
			continue
		}
		d.pollers[id] = d.spawnPoller(ctx, t)
	}
}

func (d *Dispatcher) spawnPoller(ctx context.Context, t *store.Task) *poller {
	pctx, cancel := context.WithCancel(ctx)
	p := &poller{sig: pollerSignature(t), cancel: cancel, done: make(chan struct{})}
	interval := time.Duration(t.ConditionInterval) * time.Second
	script := *t.ConditionScript

	slog.Info("condition poller started", "task_id", t.ID, "interval", interval)
	go func() {
		defer close(p.done)
		// First probe immediately; a condition that already holds at
		// startup should not wait a full interval.
		for {
			d.probe(pctx, t.ID, t.Account, script)
			select {
			case <-pctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}()
	return p
}

// probe runs the condition script once and fires the task when it exits
// zero. Probes never write result records; only the check timestamp.
func (d *Dispatcher) probe(ctx context.Context, taskID int64, account, script string) {
	if ctx.Err() != nil {
		return
	}
	if err := d.store.SetConditionChecked(taskID); err != nil {
		slog.Error("stamp condition check", "task_id", taskID, "error", err)
	}
	if runner.RunProbe(ctx, account, script, d.opts.ProbeTimeout) {
		slog.Info("condition signalled", "task_id", taskID)
		d.runner.Enqueue(runner.NewFire(taskID, store.ReasonScript))
	}
}

func (p *poller) stop() {
	p.cancel()
	<-p.done
}
