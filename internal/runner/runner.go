// Package runner executes task fire-requests: it gates each request on
// single-flight and prerequisite rules, runs the script under the task's
// account with a wall-clock timeout, and records the outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fnlabs/fn-scheduler/internal/store"
)

// Submit outcomes, also surfaced by batch runs.
const (
	OutcomeQueued  = "queued"
	OutcomeRunning = "running"
	OutcomeBlocked = "blocked"
	OutcomeMissing = "missing"
)

// Defaults for Options zero values.
const (
	DefaultTaskTimeout = 900 * time.Second
	DefaultWorkers     = 8
)

// FireRequest asks the runner to execute one task once.
type FireRequest struct {
	ID     string
	TaskID int64
	Reason string
	// Chain holds the task ids already fired along a cascade so a
	// prerequisite cycle cannot loop forever.
	Chain []int64
}

// NewFire builds a request with a fresh time-ordered id.
func NewFire(taskID int64, reason string) FireRequest {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return FireRequest{ID: id.String(), TaskID: taskID, Reason: reason}
}

// Options tunes the runner. Zero values take the defaults above.
type Options struct {
	TaskTimeout time.Duration
	LogCap      int
	Workers     int
}

// Runner is a worker pool draining an unbounded in-process fire queue.
type Runner struct {
	store *store.Store
	opts  Options

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []FireRequest
	closed bool

	ctx      context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup
	inflight sync.WaitGroup
}

// New builds a runner over the store. Call Start before enqueuing.
func New(st *store.Store, opts Options) *Runner {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	if opts.LogCap <= 0 {
		opts.LogCap = DefaultLogCap
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	r := &Runner{store: st, opts: opts}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Start launches the worker pool.
func (r *Runner) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < r.opts.Workers; i++ {
		r.workers.Add(1)
		go r.work()
	}
	slog.Info("runner started", "workers", r.opts.Workers, "timeout", r.opts.TaskTimeout)
}

// Enqueue appends a request. Requests enqueued after shutdown began are
// dropped.
func (r *Runner) Enqueue(req FireRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		slog.Debug("fire dropped, runner closed", "task_id", req.TaskID, "reason", req.Reason)
		return
	}
	r.queue = append(r.queue, req)
	r.cond.Signal()
}

// Submit classifies a request against the gates as of now and enqueues it
// only when it would run. This is the entry point for manual and batch
// runs, which need the classification surfaced to the caller.
func (r *Runner) Submit(taskID int64, reason string) (string, error) {
	task, err := r.store.GetTask(taskID)
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeMissing, nil
	}
	if err != nil {
		return "", err
	}
	running, err := r.store.HasRunning(taskID)
	if err != nil {
		return "", err
	}
	if running {
		return OutcomeRunning, nil
	}
	ok, err := r.prerequisitesMet(task)
	if err != nil {
		return "", err
	}
	if !ok {
		return OutcomeBlocked, nil
	}
	r.Enqueue(NewFire(taskID, reason))
	return OutcomeQueued, nil
}

// CancelPending drops queued requests that are not shutdown-event fires.
func (r *Runner) CancelPending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.queue[:0]
	dropped := 0
	for _, req := range r.queue {
		if req.Reason == store.ReasonShutdown {
			kept = append(kept, req)
		} else {
			dropped++
		}
	}
	r.queue = kept
	return dropped
}

// Drain stops intake and waits up to grace for queued and in-flight work
// to finish. When the grace expires, running children are terminated and
// their results finalized as failed.
func (r *Runner) Drain(grace time.Duration) {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		r.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("runner drained")
	case <-time.After(grace):
		slog.Warn("shutdown grace expired, terminating running tasks")
		r.cancel()
		<-done
	}
}

func (r *Runner) work() {
	defer r.workers.Done()
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		req := r.queue[0]
		r.queue = r.queue[1:]
		r.inflight.Add(1)
		r.mu.Unlock()

		r.process(req)
		r.inflight.Done()
	}
}

// process re-checks the gates and runs the task. The gates ran at submit
// time for manual fires but time has passed in the queue.
func (r *Runner) process(req FireRequest) {
	log := slog.With("fire_id", req.ID, "task_id", req.TaskID, "reason", req.Reason)

	task, err := r.store.GetTask(req.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("task gone before execution")
		return
	}
	if err != nil {
		log.Error("load task", "error", err)
		return
	}

	ok, err := r.prerequisitesMet(task)
	if err != nil {
		log.Error("prerequisite check", "error", err)
		return
	}
	if !ok {
		log.Info("blocked on prerequisites", "pre_task_ids", task.PreTaskIDs)
		return
	}

	// Check-and-insert is atomic in the store, so concurrent workers
	// holding fires for the same task cannot both open a result.
	resultID, opened, err := r.store.TryInsertResult(task.ID, req.Reason)
	if err != nil {
		log.Error("open result", "error", err)
		return
	}
	if !opened {
		log.Info("skipped, already running")
		return
	}

	out := runScript(r.ctx, execSpec{
		Script:  task.ScriptBody,
		Account: task.Account,
		Timeout: r.opts.TaskTimeout,
		LogCap:  r.opts.LogCap,
		Env: map[string]string{
			"SCHEDULER_TASK_ID":      strconv.FormatInt(task.ID, 10),
			"SCHEDULER_TASK_NAME":    task.Name,
			"SCHEDULER_TASK_ACCOUNT": task.Account,
			"SCHEDULER_TRIGGER":      req.Reason,
		},
	})

	status := store.StatusFailed
	logText := out.Log
	switch {
	case out.SpawnErr != nil:
		logText += fmt.Sprintf("\n[spawn failed: %v]", out.SpawnErr)
	case out.TimedOut, out.Interrupted:
		// exit_code stays null, markers already appended.
	case out.ExitCode != nil && *out.ExitCode == 0:
		status = store.StatusSuccess
	}

	if err := r.store.FinalizeResult(resultID, status, logText, out.ExitCode); err != nil {
		log.Error("finalize result", "error", err)
	}
	if err := r.store.UpdateLastRun(task.ID, status); err != nil {
		log.Error("update last run", "error", err)
	}
	log.Info("task finished", "status", status, "timed_out", out.TimedOut)

	if status == store.StatusSuccess {
		r.cascade(task, req.Chain)
	}
}

// cascade fires active dependents of a just-succeeded task. The chain of
// already-fired ids breaks prerequisite cycles.
func (r *Runner) cascade(parent *store.Task, chain []int64) {
	deps, err := r.store.Dependents(parent.ID)
	if err != nil {
		slog.Error("list dependents", "task_id", parent.ID, "error", err)
		return
	}
	fired := make(map[int64]bool, len(chain)+1)
	for _, id := range chain {
		fired[id] = true
	}
	fired[parent.ID] = true

	for _, dep := range deps {
		if fired[dep.ID] {
			continue
		}
		running, err := r.store.HasRunning(dep.ID)
		if err != nil || running {
			continue
		}
		req := NewFire(dep.ID, fmt.Sprintf("prerequisite:%d", parent.ID))
		req.Chain = append(append([]int64{}, chain...), parent.ID)
		slog.Info("cascading to dependent", "task_id", dep.ID, "parent_id", parent.ID)
		r.Enqueue(req)
	}
}

// prerequisitesMet reports whether every prerequisite has at least one
// historical success.
func (r *Runner) prerequisitesMet(task *store.Task) (bool, error) {
	for _, pre := range task.PreTaskIDs {
		ts, err := r.store.LatestSuccess(pre)
		if err != nil {
			return false, err
		}
		if ts == nil {
			return false, nil
		}
	}
	return true, nil
}

// RunProbe executes a condition script under the task's account and
// reports whether it signalled (exit code 0). Timeouts and spawn failures
// are non-triggers.
func RunProbe(ctx context.Context, account, script string, timeout time.Duration) bool {
	out := runScript(ctx, execSpec{
		Script:  script,
		Account: account,
		Timeout: timeout,
		LogCap:  4 * 1024,
	})
	return out.SpawnErr == nil && !out.TimedOut && !out.Interrupted &&
		out.ExitCode != nil && *out.ExitCode == 0
}
