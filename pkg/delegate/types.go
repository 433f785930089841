package delegate

import (
	"errors"
	"time"
)

// RunStatus is the lifecycle state of one delegation run
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status is final
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Errors surfaced by the delegation router
var (
	ErrRunNotFound = errors.New("delegation run not found")
	ErrMaxDepth    = errors.New("max delegation depth exceeded")
	ErrNoMatch     = errors.New("no agent matches the task's required capabilities")
)

// Run is one unit of routed work, tracked independently of the underlying
// protocol session.
type Run struct {
	ID              string     `json:"id"`
	AgentName       string     `json:"agent_name"`
	ParentSessionID string     `json:"parent_session_id,omitempty"`
	Task            string     `json:"task"`
	Status          RunStatus  `json:"status"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`

	// SessionID is the protocol session bound to this run once known
	SessionID string `json:"session_id,omitempty"`
	// SubSessionID identifies an internal run, enabling cancellation
	SubSessionID string `json:"sub_session_id,omitempty"`
	// ACPRunID and BaseURL enable status polling for remote runs
	ACPRunID string `json:"acp_run_id,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

// Request asks the router to run a task
type Request struct {
	Task            string `json:"task"`
	AgentName       string `json:"agent_name,omitempty"` // empty = pick best match
	ParentSessionID string `json:"parent_session_id,omitempty"`
	Async           bool   `json:"async,omitempty"`
	Cwd             string `json:"cwd,omitempty"`
	Depth           int    `json:"-"`
}

// Result is what a delegation returns to its caller. Failures are carried
// in the structure rather than thrown, since delegation is advisory.
type Result struct {
	RunID      string    `json:"run_id"`
	AgentName  string    `json:"agent_name,omitempty"`
	Status     RunStatus `json:"status"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	Note       string    `json:"note,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
}
