// Package store persists tasks and their execution results in a local
// SQLite database. All timestamps are stored as local wall-clock strings
// (see TimeFormat); schema changes are additive migrations.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fnlabs/fn-scheduler/internal/cron"
)

// AccountValidator normalizes and checks an OS account name at write time.
// It returns the canonical account name or an error describing why the
// account may not own tasks.
type AccountValidator func(account string) (string, error)

// Store wraps the SQLite database behind the scheduler.
type Store struct {
	db              *sql.DB
	mu              sync.RWMutex
	validateAccount AccountValidator
}

// Open creates or opens the database at path, runs migrations, and returns
// the store. The validator is consulted on every task write; pass nil to
// accept any non-empty account (tests).
func Open(path string, validator AccountValidator) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under the 1s dispatcher tick.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, validateAccount: validator}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

const taskColumns = `id, name, account, trigger_type, schedule_expression, condition_script,
	condition_interval, event_type, is_active, pre_task_ids, script_body,
	last_run_at, last_status, next_run_at, last_condition_check_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var active int
	var preJSON string
	err := row.Scan(&t.ID, &t.Name, &t.Account, &t.TriggerType, &t.ScheduleExpression,
		&t.ConditionScript, &t.ConditionInterval, &t.EventType, &active, &preJSON,
		&t.ScriptBody, &t.LastRunAt, &t.LastStatus, &t.NextRunAt,
		&t.LastConditionCheckAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.IsActive = active != 0
	t.PreTaskIDs = []int64{}
	if preJSON != "" {
		if err := json.Unmarshal([]byte(preJSON), &t.PreTaskIDs); err != nil {
			return nil, fmt.Errorf("task %d: decode pre_task_ids: %w", t.ID, err)
		}
	}
	return &t, nil
}

func scanResult(row rowScanner) (*TaskResult, error) {
	var r TaskResult
	var log sql.NullString
	err := row.Scan(&r.ID, &r.TaskID, &r.Status, &r.TriggerReason,
		&r.StartedAt, &r.FinishedAt, &log, &r.ExitCode)
	if err != nil {
		return nil, err
	}
	r.Log = log.String
	return &r, nil
}

const resultColumns = `id, task_id, status, trigger_reason, started_at, finished_at, log, exit_code`

// --- Task writes ---

// InsertTask validates the definition and inserts it. Prerequisite ids are
// verified against existing tasks inside the insert transaction.
func (s *Store) InsertTask(in TaskInput) (*Task, error) {
	t, err := s.prepareTask(in, nil)
	if err != nil {
		return nil, err
	}
	now := FormatTime(time.Now())
	t.CreatedAt, t.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := checkPreTaskRefs(tx, t.PreTaskIDs, 0); err != nil {
		return nil, err
	}
	if err := checkNameFree(tx, t.Name, 0); err != nil {
		return nil, err
	}

	preJSON, _ := json.Marshal(t.PreTaskIDs)
	res, err := tx.Exec(`INSERT INTO tasks (name, account, trigger_type, schedule_expression,
		condition_script, condition_interval, event_type, is_active, pre_task_ids, script_body,
		last_run_at, last_status, next_run_at, last_condition_check_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.Account, t.TriggerType, t.ScheduleExpression, t.ConditionScript,
		t.ConditionInterval, t.EventType, boolInt(t.IsActive), string(preJSON), t.ScriptBody,
		t.LastRunAt, t.LastStatus, t.NextRunAt, t.LastConditionCheckAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert task id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.getTaskLocked(id)
}

// UpdateTask merges the input over the stored definition and persists it.
// A changed cron expression forces next_run_at to be recomputed.
func (s *Store) UpdateTask(id int64, in TaskInput) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getTaskLocked(id)
	if err != nil {
		return nil, err
	}
	t, err := s.prepareTask(in, existing)
	if err != nil {
		return nil, err
	}
	t.UpdatedAt = FormatTime(time.Now())

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := checkPreTaskRefs(tx, t.PreTaskIDs, id); err != nil {
		return nil, err
	}
	if t.Name != existing.Name {
		if err := checkNameFree(tx, t.Name, id); err != nil {
			return nil, err
		}
	}

	preJSON, _ := json.Marshal(t.PreTaskIDs)
	_, err = tx.Exec(`UPDATE tasks SET name=?, account=?, trigger_type=?, schedule_expression=?,
		condition_script=?, condition_interval=?, event_type=?, is_active=?, pre_task_ids=?,
		script_body=?, next_run_at=?, last_condition_check_at=?, updated_at=? WHERE id=?`,
		t.Name, t.Account, t.TriggerType, t.ScheduleExpression, t.ConditionScript,
		t.ConditionInterval, t.EventType, boolInt(t.IsActive), string(preJSON),
		t.ScriptBody, t.NextRunAt, t.LastConditionCheckAt, t.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.getTaskLocked(id)
}

// DeleteTask removes the task and, via foreign keys, every result it owns.
func (s *Store) DeleteTask(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM tasks WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetNextRun persists a recomputed next fire time (nil marks the task
// dormant). Written only by the dispatcher.
func (s *Store) SetNextRun(id int64, next *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("UPDATE tasks SET next_run_at=?, updated_at=? WHERE id=?",
		next, FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set next_run_at: %w", err)
	}
	return nil
}

// SetConditionChecked stamps the last probe time for a script-event task.
func (s *Store) SetConditionChecked(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := FormatTime(time.Now())
	_, err := s.db.Exec("UPDATE tasks SET last_condition_check_at=?, updated_at=? WHERE id=?", now, now, id)
	if err != nil {
		return fmt.Errorf("set last_condition_check_at: %w", err)
	}
	return nil
}

// UpdateLastRun denormalizes the latest outcome onto the task row. Written
// only by the runner.
func (s *Store) UpdateLastRun(id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := FormatTime(time.Now())
	_, err := s.db.Exec("UPDATE tasks SET last_run_at=?, last_status=?, updated_at=? WHERE id=?",
		now, status, now, id)
	if err != nil {
		return fmt.Errorf("update last_run: %w", err)
	}
	return nil
}

// --- Task reads ---

// GetTask returns one task or ErrNotFound.
func (s *Store) GetTask(id int64) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTaskLocked(id)
}

func (s *Store) getTaskLocked(id int64) (*Task, error) {
	t, err := scanTask(s.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id=?", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// ListTasks returns all tasks ordered by id.
func (s *Store) ListTasks() ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTasks("SELECT " + taskColumns + " FROM tasks ORDER BY id ASC")
}

// DueTasks returns active schedule tasks whose next_run_at is at or before
// the given moment.
func (s *Store) DueTasks(now time.Time) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks
		WHERE trigger_type='schedule' AND is_active=1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`, FormatTime(now))
}

// EventTasks returns active event tasks, optionally filtered by event type.
func (s *Store) EventTasks(eventType string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if eventType == "" {
		return s.queryTasks(`SELECT ` + taskColumns + ` FROM tasks
			WHERE trigger_type='event' AND is_active=1 ORDER BY id ASC`)
	}
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks
		WHERE trigger_type='event' AND is_active=1 AND event_type=? ORDER BY id ASC`, eventType)
}

// Dependents returns active tasks that list id among their prerequisites.
func (s *Store) Dependents(id int64) ([]*Task, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, t := range tasks {
		if !t.IsActive {
			continue
		}
		for _, pre := range t.PreTaskIDs {
			if pre == id {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

func (s *Store) queryTasks(query string, args ...any) ([]*Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Results ---

// InsertResult opens a result record in status=running and returns its id.
func (s *Store) InsertResult(taskID int64, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`INSERT INTO task_results (task_id, status, trigger_reason, started_at)
		VALUES (?, 'running', ?, ?)`, taskID, reason, FormatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("insert result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert result id: %w", err)
	}
	return id, nil
}

// TryInsertResult opens a running result only when the task has no other
// open result. The check and insert run under the store lock, so two
// concurrent fires for one task can never both pass the single-flight
// gate.
func (s *Store) TryInsertResult(taskID int64, reason string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int
	err := s.db.QueryRow("SELECT COUNT(1) FROM task_results WHERE task_id=? AND status='running'", taskID).Scan(&count)
	if err != nil {
		return 0, false, fmt.Errorf("count running: %w", err)
	}
	if count > 0 {
		return 0, false, nil
	}
	res, err := s.db.Exec(`INSERT INTO task_results (task_id, status, trigger_reason, started_at)
		VALUES (?, 'running', ?, ?)`, taskID, reason, FormatTime(time.Now()))
	if err != nil {
		return 0, false, fmt.Errorf("insert result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("insert result id: %w", err)
	}
	return id, true, nil
}

// FinalizeResult closes a running result exactly once.
func (s *Store) FinalizeResult(resultID int64, status, log string, exitCode *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE task_results SET status=?, finished_at=?, log=?, exit_code=? WHERE id=?`,
		status, FormatTime(time.Now()), log, exitCode, resultID)
	if err != nil {
		return fmt.Errorf("finalize result %d: %w", resultID, err)
	}
	return nil
}

// ListResults returns results for a task, newest first.
func (s *Store) ListResults(taskID int64, limit, offset int) ([]*TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.Query("SELECT "+resultColumns+` FROM task_results
		WHERE task_id=? ORDER BY id DESC LIMIT ? OFFSET ?`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()
	var out []*TaskResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestResult returns the most recent result for a task, or nil.
func (s *Store) LatestResult(taskID int64) (*TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := scanResult(s.db.QueryRow("SELECT "+resultColumns+` FROM task_results
		WHERE task_id=? ORDER BY id DESC LIMIT 1`, taskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest result: %w", err)
	}
	return r, nil
}

// LatestSuccess returns the finished_at of the most recent successful run,
// or nil when the task has never succeeded.
func (s *Store) LatestSuccess(taskID int64) (*string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var finished sql.NullString
	err := s.db.QueryRow(`SELECT finished_at FROM task_results
		WHERE task_id=? AND status='success' ORDER BY id DESC LIMIT 1`, taskID).Scan(&finished)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest success: %w", err)
	}
	if !finished.Valid {
		return nil, nil
	}
	return &finished.String, nil
}

// HasRunning reports whether the task has an open result (single-flight
// check).
func (s *Store) HasRunning(taskID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int
	err := s.db.QueryRow("SELECT COUNT(1) FROM task_results WHERE task_id=? AND status='running'", taskID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count running: %w", err)
	}
	return count > 0, nil
}

// DeleteResult removes one result. ErrNotFound when no row matched.
func (s *Store) DeleteResult(taskID, resultID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM task_results WHERE task_id=? AND id=?", taskID, resultID)
	if err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearResults removes every result for a task, returning the count.
func (s *Store) ClearResults(taskID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM task_results WHERE task_id=?", taskID)
	if err != nil {
		return 0, fmt.Errorf("clear results: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// FailOrphanedRunning closes results left in status=running by a previous
// process (crash or kill -9). Without this sweep the single-flight gate
// would block those tasks forever.
func (s *Store) FailOrphanedRunning(marker string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE task_results SET status='failed', finished_at=?, log=?
		WHERE status='running'`, FormatTime(time.Now()), marker)
	if err != nil {
		return 0, fmt.Errorf("fail orphaned results: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Validation ---

// prepareTask merges in over existing (nil on create), applies defaults, and
// validates the definition per the data-model rules.
func (s *Store) prepareTask(in TaskInput, existing *Task) (*Task, error) {
	t := Task{ConditionInterval: 60, IsActive: true, EventType: EventScript}
	if existing != nil {
		t = *existing
		t.LatestResult = nil
	}

	if in.Name != nil {
		t.Name = trimmed(*in.Name)
	}
	if in.Account != nil {
		t.Account = trimmed(*in.Account)
	}
	if in.TriggerType != nil {
		t.TriggerType = trimmed(*in.TriggerType)
	}
	if t.TriggerType == "" {
		t.TriggerType = TriggerSchedule
	}
	if in.ScheduleExpression != nil {
		t.ScheduleExpression = trimmedPtr(*in.ScheduleExpression)
	}
	if in.ConditionScript != nil {
		t.ConditionScript = trimmedPtr(*in.ConditionScript)
	}
	if in.ConditionInterval != nil {
		t.ConditionInterval = *in.ConditionInterval
	}
	if in.EventType != nil {
		t.EventType = trimmed(*in.EventType)
	}
	if in.IsActive != nil {
		t.IsActive = *in.IsActive
	}
	if in.ScriptBody != nil {
		t.ScriptBody = trimmed(*in.ScriptBody)
	}
	if in.PreTaskIDs != nil {
		t.PreTaskIDs = *in.PreTaskIDs
	}

	if t.Name == "" {
		return nil, validationf("task name is required")
	}
	if t.ScriptBody == "" {
		return nil, validationf("script body is required")
	}
	if t.Account == "" {
		return nil, validationf("account is required")
	}
	if s.validateAccount != nil {
		account, err := s.validateAccount(t.Account)
		if err != nil {
			return nil, validationf("account: %v", err)
		}
		t.Account = account
	}
	if t.TriggerType != TriggerSchedule && t.TriggerType != TriggerEvent {
		return nil, validationf("trigger_type must be %q or %q", TriggerSchedule, TriggerEvent)
	}
	if t.ConditionInterval < 10 {
		t.ConditionInterval = 10
	}

	// Dedupe prerequisite ids and drop any self-reference.
	var selfID int64
	if existing != nil {
		selfID = existing.ID
	}
	cleaned := make([]int64, 0, len(t.PreTaskIDs))
	seen := make(map[int64]bool, len(t.PreTaskIDs))
	for _, id := range t.PreTaskIDs {
		if id <= 0 || id == selfID || seen[id] {
			continue
		}
		seen[id] = true
		cleaned = append(cleaned, id)
	}
	t.PreTaskIDs = cleaned

	switch t.TriggerType {
	case TriggerSchedule:
		if t.ScheduleExpression == nil || *t.ScheduleExpression == "" {
			return nil, validationf("schedule tasks require a cron expression")
		}
		expr, err := cron.Parse(*t.ScheduleExpression)
		if err != nil {
			return nil, validationf("invalid cron expression: %v", err)
		}
		t.ConditionScript = nil
		t.EventType = EventScript
		t.LastConditionCheckAt = nil
		exprChanged := existing == nil ||
			existing.ScheduleExpression == nil ||
			*existing.ScheduleExpression != *t.ScheduleExpression
		reactivated := existing != nil && !existing.IsActive && t.IsActive
		if !t.IsActive {
			t.NextRunAt = nil
		} else if exprChanged || reactivated || t.NextRunAt == nil {
			next, ok := expr.NextAfter(time.Now())
			if !ok {
				t.NextRunAt = nil
			} else {
				formatted := FormatTime(next)
				t.NextRunAt = &formatted
			}
		}
	case TriggerEvent:
		switch t.EventType {
		case EventScript:
			if t.ConditionScript == nil || *t.ConditionScript == "" {
				return nil, validationf("script-event tasks require a condition script")
			}
		case EventBoot, EventShutdown:
			t.ConditionScript = nil
			t.LastConditionCheckAt = nil
		default:
			return nil, validationf("unsupported event type %q", t.EventType)
		}
		t.ScheduleExpression = nil
		t.NextRunAt = nil
	}
	return &t, nil
}

func checkPreTaskRefs(tx *sql.Tx, ids []int64, selfID int64) error {
	for _, id := range ids {
		if id == selfID {
			return validationf("task cannot be its own prerequisite")
		}
		var count int
		if err := tx.QueryRow("SELECT COUNT(1) FROM tasks WHERE id=?", id).Scan(&count); err != nil {
			return fmt.Errorf("check prerequisite %d: %w", id, err)
		}
		if count == 0 {
			return validationf("prerequisite task %d does not exist", id)
		}
	}
	return nil
}

func checkNameFree(tx *sql.Tx, name string, selfID int64) error {
	var count int
	if err := tx.QueryRow("SELECT COUNT(1) FROM tasks WHERE name=? AND id<>?", name, selfID).Scan(&count); err != nil {
		return fmt.Errorf("check name: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("task name %q already exists: %w", name, ErrConflict)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func trimmed(s string) string { return strings.TrimSpace(s) }

func trimmedPtr(s string) *string {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return &v
}
