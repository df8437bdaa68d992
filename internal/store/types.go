package store

import "time"

// Trigger types.
const (
	TriggerSchedule = "schedule"
	TriggerEvent    = "event"
)

// Event types for trigger_type=event tasks.
const (
	EventScript   = "script"
	EventBoot     = "system_boot"
	EventShutdown = "system_shutdown"
)

// Result statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Trigger reasons recorded on results.
const (
	ReasonCron     = "cron"
	ReasonManual   = "manual"
	ReasonScript   = "event:script"
	ReasonBoot     = "event:boot"
	ReasonShutdown = "event:shutdown"
)

// TimeFormat is the wall-clock layout used for every persisted timestamp.
// Local time, no zone suffix — matches what existing databases contain.
const TimeFormat = "2006-01-02 15:04:05"

// FormatTime renders t in the store's timestamp layout.
func FormatTime(t time.Time) string {
	return t.Local().Format(TimeFormat)
}

// ParseTime parses a stored timestamp. Returns the zero time on empty or
// malformed input.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(TimeFormat, s, time.Local)
	if err != nil {
		// Tolerate the ISO 'T' separator from older rows.
		t, err = time.ParseInLocation("2006-01-02T15:04:05", s, time.Local)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

// Task is a registered unit of scheduled or event-driven work.
type Task struct {
	ID                   int64   `json:"id"`
	Name                 string  `json:"name"`
	Account              string  `json:"account"`
	TriggerType          string  `json:"trigger_type"`
	ScheduleExpression   *string `json:"schedule_expression"`
	ConditionScript      *string `json:"condition_script"`
	ConditionInterval    int     `json:"condition_interval"`
	EventType            string  `json:"event_type"`
	IsActive             bool    `json:"is_active"`
	PreTaskIDs           []int64 `json:"pre_task_ids"`
	ScriptBody           string  `json:"script_body"`
	LastRunAt            *string `json:"last_run_at"`
	LastStatus           *string `json:"last_status"`
	NextRunAt            *string `json:"next_run_at"`
	LastConditionCheckAt *string `json:"last_condition_check_at"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`

	// LatestResult is populated by list/get projections, not stored.
	LatestResult *TaskResult `json:"latest_result,omitempty"`
}

// TaskResult is one execution record.
type TaskResult struct {
	ID            int64   `json:"id"`
	TaskID        int64   `json:"task_id"`
	Status        string  `json:"status"`
	TriggerReason string  `json:"trigger_reason"`
	StartedAt     string  `json:"started_at"`
	FinishedAt    *string `json:"finished_at"`
	Log           string  `json:"log"`
	ExitCode      *int    `json:"exit_code"`
}

// Template is a reusable script body.
type Template struct {
	ID         int64  `json:"id"`
	Key        string `json:"key"`
	Name       string `json:"name"`
	ScriptBody string `json:"script_body"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// TaskInput is the mutable task definition accepted from the API. Pointer
// fields distinguish "absent" from zero on update.
type TaskInput struct {
	Name               *string  `json:"name"`
	Account            *string  `json:"account"`
	TriggerType        *string  `json:"trigger_type"`
	ScheduleExpression *string  `json:"schedule_expression"`
	ConditionScript    *string  `json:"condition_script"`
	ConditionInterval  *int     `json:"condition_interval"`
	EventType          *string  `json:"event_type"`
	IsActive           *bool    `json:"is_active"`
	PreTaskIDs         *[]int64 `json:"pre_task_ids"`
	ScriptBody         *string  `json:"script_body"`
}
