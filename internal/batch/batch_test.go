//go:build unix

package batch

import (
	"context"
	"os/user"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/fnlabs/fn-scheduler/internal/runner"
	"github.com/fnlabs/fn-scheduler/internal/store"
)

func setup(t *testing.T) (*store.Store, *Service) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "scheduler.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	r := runner.New(s, runner.Options{TaskTimeout: 10 * time.Second})
	r.Start(context.Background())
	t.Cleanup(func() { r.Drain(5 * time.Second) })
	return s, New(s, r)
}

func insertTask(t *testing.T, s *store.Store, name, script string, pre ...int64) *store.Task {
	t.Helper()
	u, err := user.Current()
	if err != nil {
		t.Fatal(err)
	}
	expr := "* * * * *"
	in := store.TaskInput{
		Name:               &name,
		Account:            &u.Username,
		ScheduleExpression: &expr,
		ScriptBody:         &script,
	}
	if len(pre) > 0 {
		in.PreTaskIDs = &pre
	}
	task, err := s.InsertTask(in)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestBatchDelete(t *testing.T) {
	s, svc := setup(t)
	a := insertTask(t, s, "a", "true")
	b := insertTask(t, s, "b", "true")

	out, err := svc.Delete([]int64{a.ID, 9999, b.ID})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out.Deleted, []int64{a.ID, b.ID}) {
		t.Fatalf("deleted = %v", out.Deleted)
	}
	if !reflect.DeepEqual(out.Missing, []int64{9999}) {
		t.Fatalf("missing = %v", out.Missing)
	}
	tasks, _ := s.ListTasks()
	if len(tasks) != 0 {
		t.Fatalf("tasks left after delete: %d", len(tasks))
	}
}

func TestBatchSetActive(t *testing.T) {
	s, svc := setup(t)
	a := insertTask(t, s, "a", "true")
	b := insertTask(t, s, "b", "true")
	inactive := false
	if _, err := s.UpdateTask(b.ID, store.TaskInput{IsActive: &inactive}); err != nil {
		t.Fatal(err)
	}

	out, err := svc.SetActive([]int64{a.ID, b.ID, 555}, false)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out.Updated, []int64{a.ID}) {
		t.Fatalf("updated = %v", out.Updated)
	}
	if !reflect.DeepEqual(out.Unchanged, []int64{b.ID}) {
		t.Fatalf("unchanged = %v", out.Unchanged)
	}
	if !reflect.DeepEqual(out.Missing, []int64{555}) {
		t.Fatalf("missing = %v", out.Missing)
	}

	got, _ := s.GetTask(a.ID)
	if got.IsActive {
		t.Fatal("a must be disabled")
	}
	if got.NextRunAt != nil {
		t.Fatal("disabling a schedule task must clear next_run_at")
	}

	out, err = svc.SetActive([]int64{a.ID}, true)
	if err != nil || len(out.Updated) != 1 {
		t.Fatalf("re-enable: %+v / %v", out, err)
	}
	got, _ = s.GetTask(a.ID)
	if got.NextRunAt == nil {
		t.Fatal("re-enabling a schedule task must recompute next_run_at")
	}
}

func TestBatchRunPartitions(t *testing.T) {
	s, svc := setup(t)
	sleeper := insertTask(t, s, "sleeper", "sleep 2")
	gated := insertTask(t, s, "gated", "true", sleeper.ID)

	out, err := svc.Run([]int64{sleeper.ID, gated.ID, 777})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out.Queued, []int64{sleeper.ID}) {
		t.Fatalf("queued = %v", out.Queued)
	}
	if !reflect.DeepEqual(out.Blocked, []int64{gated.ID}) {
		t.Fatalf("blocked = %v", out.Blocked)
	}
	if !reflect.DeepEqual(out.Missing, []int64{777}) {
		t.Fatalf("missing = %v", out.Missing)
	}

	// Duplicate submit while the first run is in flight is classified
	// running.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if running, _ := s.HasRunning(sleeper.ID); running {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	out, err = svc.Run([]int64{sleeper.ID})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out.Running, []int64{sleeper.ID}) {
		t.Fatalf("running = %v", out.Running)
	}
}
