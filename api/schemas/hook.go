package schemas

// Wire shapes for the hook and automation HTTP surfaces. Field names are
// snake_case to match the polling frontend.

// ExecStatus is the immediate verdict on a submitted goal.
type ExecStatus string

const (
	ExecAccepted      ExecStatus = "ACCEPTED"
	ExecNeedsUserData ExecStatus = "NEEDS_USER_DATA"
)

type ExecRequest struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp,omitempty"`
	NoCache   bool   `json:"nocache,omitempty"`
}

type ExecResponse struct {
	Status         ExecStatus `json:"status"`
	JobID          string     `json:"job_id"`
	RequiredFields []string   `json:"required_fields,omitempty"`
}

// LogResponse is the long-poll snapshot read by GET /hook/log.
type LogResponse struct {
	Logs        []AgentLogEntry   `json:"logs"`
	Status      JobStatus         `json:"status"`
	SessionID   string            `json:"session_id,omitempty"`
	Observation *Observation      `json:"observation,omitempty"`
	AskUser     *UserInputRequest `json:"ask_user,omitempty"`
	ProfileID   string            `json:"profile_id,omitempty"`
}

type ControlRequest struct {
	JobID string  `json:"job_id,omitempty"`
	Mode  RunMode `json:"mode"`
}

type ControlResponse struct {
	RunMode     RunMode   `json:"run_mode"`
	AgentStatus JobStatus `json:"agent_status"`
}

type UserInputSubmission struct {
	JobID string `json:"job_id"`
	Field string `json:"field"`
	Value string `json:"value"`
}

type UserInputResponse struct {
	Accepted bool `json:"accepted"`
}

type StatusResponse struct {
	Status      JobStatus `json:"status"`
	CurrentTask string    `json:"current_task"`
	Active      bool      `json:"active"`
	RunMode     RunMode   `json:"run_mode"`
}

type TextResponse struct {
	Text  string `json:"text"`
	JobID string `json:"job_id"`
}

type ResultResponse struct {
	Result *ExecutionResult `json:"result"`
}

type RefreshResponse struct {
	Status string `json:"status"`
}

// Automation primitive shapes.

type SessionCreateRequest struct {
	SessionID string `json:"session_id,omitempty"`
	UseProxy  bool   `json:"use_proxy,omitempty"`
}

type SessionCreateResponse struct {
	SessionID string `json:"session_id"`
}

type NavigateRequest struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// NavigateResponse flattens the post-load observation with a success flag.
type NavigateResponse struct {
	Success    bool            `json:"success"`
	URL        string          `json:"url"`
	Screenshot string          `json:"screenshot"`
	Title      string          `json:"title"`
	Viewport   Viewport        `json:"viewport"`
	Grid       GridSpec        `json:"grid"`
	Vision     []VisionElement `json:"vision,omitempty"`
}

type ClickCellRequest struct {
	SessionID string `json:"session_id"`
	Cell      string `json:"cell"`
}

type TypeAtCellRequest struct {
	SessionID string `json:"session_id"`
	Cell      string `json:"cell"`
	Text      string `json:"text"`
}

type HoldDragRequest struct {
	SessionID string `json:"session_id"`
	FromCell  string `json:"from_cell"`
	ToCell    string `json:"to_cell"`
}

type ScrollRequest struct {
	SessionID string `json:"session_id"`
	DX        int    `json:"dx"`
	DY        int    `json:"dy"`
}

type SmokeCheckRequest struct {
	URL      string `json:"url"`
	UseProxy bool   `json:"use_proxy,omitempty"`
}
