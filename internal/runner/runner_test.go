//go:build unix

package runner

import (
	"context"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fnlabs/fn-scheduler/internal/accounts"
	"github.com/fnlabs/fn-scheduler/internal/store"
)

func testAccount(t *testing.T) string {
	t.Helper()
	u, err := user.Current()
	if err != nil {
		t.Fatalf("current user: %v", err)
	}
	return u.Username
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "scheduler.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask(t *testing.T, s *store.Store, name, script string, pre ...int64) *store.Task {
	t.Helper()
	account := testAccount(t)
	expr := "* * * * *"
	in := store.TaskInput{
		Name:               &name,
		Account:            &account,
		ScheduleExpression: &expr,
		ScriptBody:         &script,
	}
	if len(pre) > 0 {
		in.PreTaskIDs = &pre
	}
	task, err := s.InsertTask(in)
	if err != nil {
		t.Fatalf("insert task %s: %v", name, err)
	}
	return task
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startRunner(t *testing.T, s *store.Store, opts Options) *Runner {
	t.Helper()
	r := New(s, opts)
	r.Start(context.Background())
	t.Cleanup(func() { r.Drain(5 * time.Second) })
	return r
}

func TestRunScriptCapturesMergedOutput(t *testing.T) {
	out := runScript(context.Background(), execSpec{
		Script:  "echo out; echo err 1>&2",
		Account: testAccount(t),
		Timeout: 10 * time.Second,
	})
	if out.SpawnErr != nil {
		t.Fatalf("spawn: %v", out.SpawnErr)
	}
	if out.ExitCode == nil || *out.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %v", out.ExitCode)
	}
	if !strings.Contains(out.Log, "out") || !strings.Contains(out.Log, "err") {
		t.Fatalf("stdout and stderr must be merged, got %q", out.Log)
	}
}

func TestRunScriptNonZeroExit(t *testing.T) {
	out := runScript(context.Background(), execSpec{
		Script:  "exit 3",
		Account: testAccount(t),
		Timeout: 10 * time.Second,
	})
	if out.ExitCode == nil || *out.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %v", out.ExitCode)
	}
}

func TestRunScriptTimeout(t *testing.T) {
	start := time.Now()
	out := runScript(context.Background(), execSpec{
		Script:  "sleep 30",
		Account: testAccount(t),
		Timeout: 1 * time.Second,
	})
	if !out.TimedOut {
		t.Fatal("expected timeout")
	}
	if out.ExitCode != nil {
		t.Fatalf("timeout must leave exit code null, got %d", *out.ExitCode)
	}
	if !strings.Contains(out.Log, "[timed out after") {
		t.Fatalf("missing timeout marker in %q", out.Log)
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Fatalf("terminate did not stop the child promptly, took %s", elapsed)
	}
}

func TestRootCredentialRechecksGroups(t *testing.T) {
	cred, err := rootCredential("alice", accounts.Identity{UID: 1000, GID: 1000})
	if err != nil || cred == nil || cred.Uid != 1000 {
		t.Fatalf("allowed identity must yield a credential: %v / %v", cred, err)
	}
	_, err = rootCredential("nobody", accounts.Identity{UID: 65534, GID: 65534, Groups: []uint32{65534}})
	if err == nil {
		t.Fatal("identity outside the allowed groups must be rejected at execution time")
	}
}

func TestRunScriptRootGroupRecheck(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("privilege drop requires root")
	}
	out := runScript(context.Background(), execSpec{
		Script:  "id",
		Account: "nobody",
		Timeout: 5 * time.Second,
	})
	if out.SpawnErr == nil {
		t.Fatalf("account outside the allowed groups executed: %q", out.Log)
	}
}

func TestRunScriptEnvInjection(t *testing.T) {
	out := runScript(context.Background(), execSpec{
		Script:  "echo task=$SCHEDULER_TASK_NAME trigger=$SCHEDULER_TRIGGER",
		Account: testAccount(t),
		Timeout: 10 * time.Second,
		Env: map[string]string{
			"SCHEDULER_TASK_NAME": "probe",
			"SCHEDULER_TRIGGER":   "manual",
		},
	})
	if !strings.Contains(out.Log, "task=probe trigger=manual") {
		t.Fatalf("env not injected, got %q", out.Log)
	}
}

func TestCaptureWriterTruncates(t *testing.T) {
	w := newCaptureWriter(10)
	w.Write([]byte("0123456789abcdef"))
	got := w.String()
	if !strings.HasPrefix(got, "0123456789") {
		t.Fatalf("prefix lost: %q", got)
	}
	if !strings.Contains(got, "[log truncated at 10 bytes]") {
		t.Fatalf("missing truncation marker: %q", got)
	}

	w2 := newCaptureWriter(10)
	w2.Write([]byte("short"))
	if w2.String() != "short" {
		t.Fatalf("unexpected output %q", w2.String())
	}
}

func TestSubmitAndRun(t *testing.T) {
	s := openTestStore(t)
	r := startRunner(t, s, Options{TaskTimeout: 10 * time.Second})
	task := newTask(t, s, "hello", "echo hello")

	outcome, err := r.Submit(task.ID, store.ReasonManual)
	if err != nil || outcome != OutcomeQueued {
		t.Fatalf("submit: %s / %v", outcome, err)
	}

	waitFor(t, "result success", 5*time.Second, func() bool {
		res, _ := s.LatestResult(task.ID)
		return res != nil && res.Status == store.StatusSuccess
	})
	res, _ := s.LatestResult(task.ID)
	if res.TriggerReason != store.ReasonManual {
		t.Fatalf("reason = %q", res.TriggerReason)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("exit code = %v", res.ExitCode)
	}
	got, _ := s.GetTask(task.ID)
	if got.LastStatus == nil || *got.LastStatus != store.StatusSuccess {
		t.Fatal("last_status not denormalized onto the task")
	}
}

func TestSubmitTimeoutFailsResult(t *testing.T) {
	s := openTestStore(t)
	r := startRunner(t, s, Options{TaskTimeout: 1 * time.Second})
	task := newTask(t, s, "slow", "sleep 30")

	if outcome, _ := r.Submit(task.ID, store.ReasonManual); outcome != OutcomeQueued {
		t.Fatal("must queue")
	}
	waitFor(t, "timed-out run to finalize", 15*time.Second, func() bool {
		res, _ := s.LatestResult(task.ID)
		return res != nil && res.Status != store.StatusRunning
	})

	res, _ := s.LatestResult(task.ID)
	if res.Status != store.StatusFailed {
		t.Fatalf("status = %q, want failed", res.Status)
	}
	if res.ExitCode != nil {
		t.Fatalf("timeout must leave exit code null, got %d", *res.ExitCode)
	}
	if !strings.Contains(res.Log, "[timed out after") {
		t.Fatalf("missing timeout marker in %q", res.Log)
	}
	got, _ := s.GetTask(task.ID)
	if got.LastStatus == nil || *got.LastStatus != store.StatusFailed {
		t.Fatal("last_status must record the timeout as a failure")
	}
}

func TestSubmitMissingTask(t *testing.T) {
	s := openTestStore(t)
	r := startRunner(t, s, Options{})
	outcome, err := r.Submit(9999, store.ReasonManual)
	if err != nil || outcome != OutcomeMissing {
		t.Fatalf("got %s / %v", outcome, err)
	}
}

func TestSingleFlight(t *testing.T) {
	s := openTestStore(t)
	r := startRunner(t, s, Options{TaskTimeout: 30 * time.Second})
	task := newTask(t, s, "sleeper", "sleep 2")

	if outcome, _ := r.Submit(task.ID, store.ReasonManual); outcome != OutcomeQueued {
		t.Fatalf("first submit: %s", outcome)
	}
	waitFor(t, "first run to start", 5*time.Second, func() bool {
		running, _ := s.HasRunning(task.ID)
		return running
	})
	if outcome, _ := r.Submit(task.ID, store.ReasonManual); outcome != OutcomeRunning {
		t.Fatalf("duplicate submit: want running, got %s", outcome)
	}

	waitFor(t, "run to finish", 10*time.Second, func() bool {
		running, _ := s.HasRunning(task.ID)
		return !running
	})
	results, _ := s.ListResults(task.ID, 10, 0)
	if len(results) != 1 {
		t.Fatalf("single-flight violated, %d results", len(results))
	}
}

func TestPrerequisiteGate(t *testing.T) {
	s := openTestStore(t)
	r := startRunner(t, s, Options{TaskTimeout: 10 * time.Second})
	a := newTask(t, s, "a", "true")
	b := newTask(t, s, "b", "true", a.ID)

	if outcome, _ := r.Submit(b.ID, store.ReasonManual); outcome != OutcomeBlocked {
		t.Fatalf("b before a succeeded: want blocked, got %s", outcome)
	}
	results, _ := s.ListResults(b.ID, 10, 0)
	if len(results) != 0 {
		t.Fatal("blocked submit must not create a result record")
	}

	// b was created after a, so a's success cascades into b as well.
	if outcome, _ := r.Submit(a.ID, store.ReasonManual); outcome != OutcomeQueued {
		t.Fatal("a must queue")
	}
	waitFor(t, "a and cascaded b to finish", 5*time.Second, func() bool {
		res, _ := s.LatestResult(b.ID)
		return res != nil && res.Status == store.StatusSuccess
	})

	if outcome, _ := r.Submit(b.ID, store.ReasonManual); outcome != OutcomeQueued {
		t.Fatal("b must queue once a has succeeded")
	}
}

func TestCascadeFiresDependents(t *testing.T) {
	s := openTestStore(t)
	r := startRunner(t, s, Options{TaskTimeout: 10 * time.Second})
	parent := newTask(t, s, "parent", "true")
	child := newTask(t, s, "child", "true", parent.ID)

	r.Enqueue(NewFire(parent.ID, store.ReasonCron))
	waitFor(t, "cascade into child", 5*time.Second, func() bool {
		res, _ := s.LatestResult(child.ID)
		return res != nil && res.Status == store.StatusSuccess
	})

	childRes, _ := s.LatestResult(child.ID)
	wantReason := "prerequisite:" + itoa(parent.ID)
	if childRes.TriggerReason != wantReason {
		t.Fatalf("child reason = %q, want %q", childRes.TriggerReason, wantReason)
	}
	parentRes, _ := s.LatestResult(parent.ID)
	if store.ParseTime(childRes.StartedAt).Before(store.ParseTime(*parentRes.FinishedAt)) {
		t.Fatal("child must start only after the parent's success is finalized")
	}
}

func TestCascadeCycleDoesNotLoop(t *testing.T) {
	s := openTestStore(t)
	r := startRunner(t, s, Options{TaskTimeout: 10 * time.Second})
	a := newTask(t, s, "cyc-a", "true")
	b := newTask(t, s, "cyc-b", "true", a.ID)
	// Close the loop: a depends on b.
	if _, err := s.UpdateTask(a.ID, store.TaskInput{PreTaskIDs: &[]int64{b.ID}}); err != nil {
		t.Fatal(err)
	}
	// Seed a success for b so a's gate opens.
	rid, _ := s.InsertResult(b.ID, store.ReasonManual)
	s.FinalizeResult(rid, store.StatusSuccess, "", intPtr(0))

	r.Enqueue(NewFire(a.ID, store.ReasonManual))
	waitFor(t, "b to run once via cascade", 5*time.Second, func() bool {
		results, _ := s.ListResults(b.ID, 10, 0)
		return len(results) == 2
	})
	// Give a potential loop time to manifest, then assert it did not.
	time.Sleep(500 * time.Millisecond)
	aResults, _ := s.ListResults(a.ID, 10, 0)
	if len(aResults) != 1 {
		t.Fatalf("cycle dedupe failed, a ran %d times", len(aResults))
	}
}

func TestCancelPendingKeepsShutdownFires(t *testing.T) {
	s := openTestStore(t)
	r := New(s, Options{})
	r.Enqueue(NewFire(1, store.ReasonCron))
	r.Enqueue(NewFire(2, store.ReasonShutdown))
	r.Enqueue(NewFire(3, store.ReasonManual))
	if dropped := r.CancelPending(); dropped != 2 {
		t.Fatalf("dropped %d, want 2", dropped)
	}
	if len(r.queue) != 1 || r.queue[0].Reason != store.ReasonShutdown {
		t.Fatalf("unexpected queue %+v", r.queue)
	}
}

func TestRunProbe(t *testing.T) {
	ctx := context.Background()
	account := testAccount(t)
	if !RunProbe(ctx, account, "true", 5*time.Second) {
		t.Fatal("exit 0 probe must trigger")
	}
	if RunProbe(ctx, account, "false", 5*time.Second) {
		t.Fatal("exit 1 probe must not trigger")
	}
	if RunProbe(ctx, account, "sleep 30", 500*time.Millisecond) {
		t.Fatal("timed-out probe must not trigger")
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func intPtr(n int) *int { return &n }
