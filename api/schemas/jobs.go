package schemas

import "time"

// JobStatus is the supervisor-owned lifecycle state of a job.
type JobStatus string

const (
	JobStatusIdle        JobStatus = "IDLE"
	JobStatusPlanning    JobStatus = "PLANNING"
	JobStatusActive      JobStatus = "ACTIVE"
	JobStatusPaused      JobStatus = "PAUSED"
	JobStatusWaitingUser JobStatus = "WAITING_USER"
	JobStatusCompleted   JobStatus = "COMPLETED"
	JobStatusFailed      JobStatus = "FAILED"
	JobStatusStopped     JobStatus = "STOPPED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusStopped:
		return true
	}
	return false
}

// RunMode is the operator-controlled gate on execution.
type RunMode string

const (
	RunModeActive RunMode = "ACTIVE"
	RunModePaused RunMode = "PAUSED"
	RunModeStop   RunMode = "STOP"
)

// LogStatus is the per-entry progression within the append-only job log.
// Valid transitions per entry: pending -> (retrying)* -> ok|fail|needs_human.
type LogStatus string

const (
	LogStatusPending    LogStatus = "pending"
	LogStatusOK         LogStatus = "ok"
	LogStatusFail       LogStatus = "fail"
	LogStatusRetrying   LogStatus = "retrying"
	LogStatusNeedsHuman LogStatus = "needs_human"
)

// AgentLogEntry is one entry of a job's append-only log. Timestamps are
// monotonic within a job.
type AgentLogEntry struct {
	ID           string     `json:"id"`
	TS           time.Time  `json:"ts"`
	ActionType   ActionType `json:"action_type"`
	Details      string     `json:"details"`
	Status       LogStatus  `json:"status"`
	RetryAttempt int        `json:"retry_attempt,omitempty"`
	Error        string     `json:"error,omitempty"`
	Confidence   float64    `json:"confidence,omitempty"`
	Concerns     []string   `json:"concerns,omitempty"`
}

// UserInputType constrains how the frontend renders an input prompt.
type UserInputType string

const (
	UserInputText     UserInputType = "text"
	UserInputNumber   UserInputType = "number"
	UserInputPassword UserInputType = "password"
	UserInputChoice   UserInputType = "choice"
)

// UserInputRequest describes the single outstanding question a job may ask.
type UserInputRequest struct {
	ID        string        `json:"id"`
	Question  string        `json:"question"`
	InputType UserInputType `json:"input_type"`
	Choices   []string      `json:"choices,omitempty"`
	Required  bool          `json:"required"`
	// Field names the slot the executor injects the answer into.
	Field string `json:"field"`
}

// UnifiedStepResult is the validator's verdict for one step attempt.
// Invariant: NeedsHuman implies !Success and !ShouldRetry.
type UnifiedStepResult struct {
	Success         bool      `json:"success"`
	Confidence      float64   `json:"confidence"`
	Concerns        []string  `json:"concerns,omitempty"`
	NeedsHuman      bool      `json:"needs_human"`
	ShouldRetry     bool      `json:"should_retry"`
	StepName        string    `json:"step_name"`
	ScreenshotAfter string    `json:"screenshot_after,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Details         string    `json:"details,omitempty"`
}

// ExecutionResult is the terminal outcome stored when a job finishes.
type ExecutionResult struct {
	Success         bool           `json:"success"`
	Message         string         `json:"message"`
	Payload         map[string]any `json:"payload,omitempty"`
	FinalScreenshot string         `json:"finalScreenshot,omitempty"`
	CompletedSteps  int            `json:"completedSteps"`
	TotalSteps      int            `json:"totalSteps"`
}

// Job is the supervisor's record for one submitted goal. Only the
// supervisor's state machine mutates it; readers get snapshot copies.
type Job struct {
	JobID            string            `json:"job_id"`
	Goal             string            `json:"goal"`
	Plan             *ActionPlan       `json:"plan,omitempty"`
	Status           JobStatus         `json:"status"`
	RunMode          RunMode           `json:"run_mode"`
	SessionID        string            `json:"session_id,omitempty"`
	ProfileID        string            `json:"profile_id,omitempty"`
	CurrentStepIndex int               `json:"current_step_index"`
	CompletedSteps   int               `json:"completed_steps"`
	Log              []AgentLogEntry   `json:"log"`
	Observation      *Observation      `json:"observation,omitempty"`
	RequiredUserData map[string]string `json:"required_user_data,omitempty"`
	AskUser          *UserInputRequest `json:"ask_user,omitempty"`
	Result           *ExecutionResult  `json:"result,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	EndedAt          *time.Time        `json:"ended_at,omitempty"`
	FailureReason    string            `json:"failure_reason,omitempty"`
}
