// Package batch applies one operation across many task ids, partitioning
// the ids by outcome instead of failing the whole request on the first
// miss.
package batch

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fnlabs/fn-scheduler/internal/runner"
	"github.com/fnlabs/fn-scheduler/internal/store"
)

// Service runs batch operations over the store and runner.
type Service struct {
	store  *store.Store
	runner *runner.Runner
}

// New builds the batch service.
func New(st *store.Store, rn *runner.Runner) *Service {
	return &Service{store: st, runner: rn}
}

// DeleteResult partitions ids by delete outcome.
type DeleteResult struct {
	Deleted []int64 `json:"deleted"`
	Missing []int64 `json:"missing"`
}

// Delete removes each task and, via cascade, its results.
func (s *Service) Delete(ids []int64) (DeleteResult, error) {
	out := DeleteResult{Deleted: []int64{}, Missing: []int64{}}
	for _, id := range ids {
		err := s.store.DeleteTask(id)
		switch {
		case err == nil:
			out.Deleted = append(out.Deleted, id)
		case errors.Is(err, store.ErrNotFound):
			out.Missing = append(out.Missing, id)
		default:
			return out, fmt.Errorf("delete task %d: %w", id, err)
		}
	}
	slog.Info("batch delete", "deleted", len(out.Deleted), "missing", len(out.Missing))
	return out, nil
}

// ActivateResult partitions ids by enable/disable outcome.
type ActivateResult struct {
	Updated   []int64 `json:"updated"`
	Unchanged []int64 `json:"unchanged"`
	Missing   []int64 `json:"missing"`
}

// SetActive enables or disables each task. Ids already in the requested
// state are reported unchanged; enabling a schedule task recomputes its
// next fire time.
func (s *Service) SetActive(ids []int64, active bool) (ActivateResult, error) {
	out := ActivateResult{Updated: []int64{}, Unchanged: []int64{}, Missing: []int64{}}
	for _, id := range ids {
		task, err := s.store.GetTask(id)
		if errors.Is(err, store.ErrNotFound) {
			out.Missing = append(out.Missing, id)
			continue
		}
		if err != nil {
			return out, fmt.Errorf("load task %d: %w", id, err)
		}
		if task.IsActive == active {
			out.Unchanged = append(out.Unchanged, id)
			continue
		}
		if _, err := s.store.UpdateTask(id, store.TaskInput{IsActive: &active}); err != nil {
			return out, fmt.Errorf("toggle task %d: %w", id, err)
		}
		out.Updated = append(out.Updated, id)
	}
	slog.Info("batch toggle", "active", active, "updated", len(out.Updated),
		"unchanged", len(out.Unchanged), "missing", len(out.Missing))
	return out, nil
}

// RunResult partitions ids by the runner's submit classification.
type RunResult struct {
	Queued  []int64 `json:"queued"`
	Running []int64 `json:"running"`
	Blocked []int64 `json:"blocked"`
	Missing []int64 `json:"missing"`
}

// Run submits a manual fire for each task. Single-flight rejections land
// in Running, prerequisite rejections in Blocked.
func (s *Service) Run(ids []int64) (RunResult, error) {
	out := RunResult{Queued: []int64{}, Running: []int64{}, Blocked: []int64{}, Missing: []int64{}}
	for _, id := range ids {
		outcome, err := s.runner.Submit(id, store.ReasonManual)
		if err != nil {
			return out, fmt.Errorf("submit task %d: %w", id, err)
		}
		switch outcome {
		case runner.OutcomeQueued:
			out.Queued = append(out.Queued, id)
		case runner.OutcomeRunning:
			out.Running = append(out.Running, id)
		case runner.OutcomeBlocked:
			out.Blocked = append(out.Blocked, id)
		default:
			out.Missing = append(out.Missing, id)
		}
	}
	slog.Info("batch run", "queued", len(out.Queued), "running", len(out.Running),
		"blocked", len(out.Blocked), "missing", len(out.Missing))
	return out, nil
}
