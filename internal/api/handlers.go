package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/fnlabs/fn-scheduler/internal/cron"
	"github.com/fnlabs/fn-scheduler/internal/runner"
	"github.com/fnlabs/fn-scheduler/internal/store"
)

// envelope is the response shape for every JSON endpoint.
type envelope struct {
	Data   any            `json:"data,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
	Result any            `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError maps service errors onto status codes: validation 400,
// not-found 404, conflict 409, everything else 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case store.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, envelope{Error: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, envelope{Error: "not found"})
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, envelope{Error: err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Error: "internal error"})
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: map[string]any{
		"status":     "ok",
		"os":         runtime.GOOS,
		"time":       store.FormatTime(time.Now()),
		"task_count": len(tasks),
	}})
}

// handleCronPreview validates an expression and returns its next fire
// times, so the UI can show a schedule before the task is saved.
func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	expression := r.URL.Query().Get("expression")
	if expression == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "expression is required"})
		return
	}
	expr, err := cron.Parse(expression)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: err.Error()})
		return
	}
	count, _ := strconv.Atoi(r.URL.Query().Get("count"))
	if count <= 0 || count > 20 {
		count = 5
	}
	times := expr.NextTimes(time.Now(), count)
	formatted := make([]string, len(times))
	for i, ts := range times {
		formatted[i] = store.FormatTime(ts)
	}
	writeJSON(w, http.StatusOK, envelope{Data: formatted})
}

// --- Tasks ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		writeError(w, err)
		return
	}
	for _, t := range tasks {
		latest, err := s.store.LatestResult(t.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		t.LatestResult = latest
	}
	writeJSON(w, http.StatusOK, envelope{Data: tasks, Meta: map[string]any{"count": len(tasks)}})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid task id"})
		return
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	task.LatestResult, err = s.store.LatestResult(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: task})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in store.TaskInput
	if err := decodeBody(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid JSON body"})
		return
	}
	task, err := s.store.InsertTask(in)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("task created", "task_id", task.ID, "name", task.Name)
	writeJSON(w, http.StatusCreated, envelope{Data: task})
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid task id"})
		return
	}
	var in store.TaskInput
	if err := decodeBody(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid JSON body"})
		return
	}
	task, err := s.store.UpdateTask(id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: task})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid task id"})
		return
	}
	if err := s.store.DeleteTask(id); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("task deleted", "task_id", id)
	writeJSON(w, http.StatusOK, envelope{Result: "deleted"})
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid task id"})
		return
	}
	outcome, err := s.runner.Submit(id, store.ReasonManual)
	if err != nil {
		writeError(w, err)
		return
	}
	switch outcome {
	case runner.OutcomeMissing:
		writeError(w, store.ErrNotFound)
	case runner.OutcomeRunning:
		writeJSON(w, http.StatusConflict, envelope{Result: outcome})
	default:
		writeJSON(w, http.StatusAccepted, envelope{Result: outcome})
	}
}

func (s *Server) handleToggleTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid task id"})
		return
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	// An explicit is_active in the body wins; an empty body flips.
	target := !task.IsActive
	var body struct {
		IsActive *bool `json:"is_active"`
	}
	if err := decodeBody(r, &body); err == nil && body.IsActive != nil {
		target = *body.IsActive
	}
	task, err = s.store.UpdateTask(id, store.TaskInput{IsActive: &target})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: task})
}

// --- Results ---

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid task id"})
		return
	}
	if _, err := s.store.GetTask(id); err != nil {
		writeError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	results, err := s.store.ListResults(id, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: results, Meta: map[string]any{"count": len(results)}})
}

func (s *Server) handleDeleteResult(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	rid, ok2 := pathID(r, "rid")
	if !ok || !ok2 {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid id"})
		return
	}
	if err := s.store.DeleteResult(id, rid); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Result: "deleted"})
}

func (s *Server) handleClearResults(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid task id"})
		return
	}
	if _, err := s.store.GetTask(id); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.store.ClearResults(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Result: "cleared", Meta: map[string]any{"count": n}})
}

// --- Batch ---

type batchRequest struct {
	Action  string  `json:"action"`
	TaskIDs []int64 `json:"task_ids"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid JSON body"})
		return
	}
	if len(req.TaskIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "task_ids is required"})
		return
	}

	var (
		result any
		err    error
	)
	switch req.Action {
	case "delete":
		result, err = s.batch.Delete(req.TaskIDs)
	case "enable":
		result, err = s.batch.SetActive(req.TaskIDs, true)
	case "disable":
		result, err = s.batch.SetActive(req.TaskIDs, false)
	case "run":
		result, err = s.batch.Run(req.TaskIDs)
	default:
		writeJSON(w, http.StatusBadRequest, envelope{Error: "unknown batch action " + strconv.Quote(req.Action)})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Result: result})
}

// --- Accounts ---

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	names, err := s.accounts.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Data: names,
		Meta: map[string]any{
			"posix_supported": runtime.GOOS != "windows",
			"default_account": s.accounts.Current(),
		},
	})
}
