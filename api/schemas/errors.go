package schemas

import "errors"

// Sentinel errors for the structural failure kinds that surface over HTTP.
// Transient step failures never use these; they stay inside the executor's
// retry loop and manifest as log entries.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrBusy         = errors.New("busy")
	ErrNotFound     = errors.New("not found")
	ErrNotWaiting   = errors.New("job is not waiting for input")
	ErrOutOfBounds  = errors.New("cell projects outside viewport")
	ErrInvalidURL   = errors.New("invalid url")
	ErrSessionGone  = errors.New("session gone")
)

// Failure reasons recorded on a job's terminal result.
const (
	ReasonDeadline      = "DEADLINE"
	ReasonSessionGone   = "SESSION_GONE"
	ReasonStopRequested = "STOP_REQUESTED"
)
