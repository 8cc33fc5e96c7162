package dispatch

import (
	"time"

	"tunesmith/internal/intent"
	"tunesmith/internal/knowledge"
)

// TaskState tracks a task through the pipeline.
type TaskState string

const (
	StatePending   TaskState = "pending"
	StateRunning   TaskState = "running"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateExpired   TaskState = "expired"
)

// Task is one queued recommendation request. A task is owned by exactly
// one worker after it leaves the queue, so its fields are not locked.
type Task struct {
	ID          string
	SessionID   string
	UserText    string
	Query       intent.Query
	State       TaskState
	SubmittedAt time.Time
	Deadline    time.Time

	// Filled by the worker.
	Songs          []knowledge.Song
	Recommendation string
	Err            string
}

// Outcome is the terminal record kept in the recent-task ring.
type Outcome struct {
	TaskID     string        `json:"task_id"`
	SessionID  string        `json:"session_id"`
	State      TaskState     `json:"state"`
	Songs      int           `json:"songs"`
	Elapsed    time.Duration `json:"elapsed"`
	FinishedAt time.Time     `json:"finished_at"`
	Err        string        `json:"error,omitempty"`
}
