// internal/supervisor/jobstate.go
package supervisor

import (
	"context"
	"sync"

	"github.com/vortexops/webpilot/api/schemas"
	"github.com/vortexops/webpilot/internal/executor"
)

// jobState is the supervisor-owned runtime record for one job. It implements
// executor.JobController; every mutation happens under mu and is announced
// through the notify channel so waiters re-check state.
type jobState struct {
	mu  sync.Mutex
	job schemas.Job

	// notify is closed and replaced on every state change.
	notify chan struct{}

	// answers holds user-supplied values keyed by field name.
	answers map[string]string

	// cancelRun aborts the executor's context; set once the run starts.
	cancelRun context.CancelFunc
}

func newJobState(job schemas.Job) *jobState {
	return &jobState{
		job:     job,
		notify:  make(chan struct{}),
		answers: make(map[string]string),
	}
}

// broadcastLocked wakes every waiter. Caller holds mu.
func (js *jobState) broadcastLocked() {
	close(js.notify)
	js.notify = make(chan struct{})
}

func (js *jobState) RunMode() schemas.RunMode {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.job.RunMode
}

// WaitWhilePaused blocks while the operator has the job paused.
func (js *jobState) WaitWhilePaused(ctx context.Context) error {
	for {
		js.mu.Lock()
		switch js.job.RunMode {
		case schemas.RunModeStop:
			js.mu.Unlock()
			return executor.ErrStopped
		case schemas.RunModeActive:
			if js.job.Status == schemas.JobStatusPaused {
				js.job.Status = schemas.JobStatusActive
				js.broadcastLocked()
			}
			js.mu.Unlock()
			return nil
		}

		if js.job.Status != schemas.JobStatusPaused {
			js.job.Status = schemas.JobStatusPaused
			js.broadcastLocked()
		}
		ch := js.notify
		js.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// AskUser parks the job in WAITING_USER until the answer for req.Field
// arrives or the job is stopped.
func (js *jobState) AskUser(ctx context.Context, req schemas.UserInputRequest) (string, error) {
	js.mu.Lock()
	reqCopy := req
	js.job.Status = schemas.JobStatusWaitingUser
	js.job.AskUser = &reqCopy
	js.broadcastLocked()
	js.mu.Unlock()

	for {
		js.mu.Lock()
		if value, ok := js.answers[req.Field]; ok {
			delete(js.answers, req.Field)
			if js.job.RequiredUserData == nil {
				js.job.RequiredUserData = make(map[string]string)
			}
			js.job.RequiredUserData[req.Field] = value
			js.job.AskUser = nil
			js.job.Status = schemas.JobStatusActive
			js.broadcastLocked()
			js.mu.Unlock()
			return value, nil
		}
		if js.job.RunMode == schemas.RunModeStop {
			js.job.AskUser = nil
			js.mu.Unlock()
			return "", executor.ErrStopped
		}
		ch := js.notify
		js.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ch:
		}
	}
}

func (js *jobState) AppendLog(entry schemas.AgentLogEntry) string {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.job.Log = append(js.job.Log, entry)
	js.broadcastLocked()
	return entry.ID
}

// ResolveLog updates the entry with the given id in place. Unknown ids are
// ignored.
func (js *jobState) ResolveLog(id string, status schemas.LogStatus, attempt int, errText string, confidence float64, concerns []string) {
	js.mu.Lock()
	defer js.mu.Unlock()
	for i := len(js.job.Log) - 1; i >= 0; i-- {
		if js.job.Log[i].ID != id {
			continue
		}
		js.job.Log[i].Status = status
		js.job.Log[i].RetryAttempt = attempt
		js.job.Log[i].Error = errText
		js.job.Log[i].Confidence = confidence
		js.job.Log[i].Concerns = concerns
		js.broadcastLocked()
		return
	}
}

func (js *jobState) PublishObservation(obs *schemas.Observation) {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.job.Observation = obs
	js.broadcastLocked()
}

func (js *jobState) SetProgress(stepIndex, completedSteps int) {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.job.CurrentStepIndex = stepIndex
	js.job.CompletedSteps = completedSteps
	js.broadcastLocked()
}

func (js *jobState) UserValue(field string) (string, bool) {
	js.mu.Lock()
	defer js.mu.Unlock()
	if v, ok := js.answers[field]; ok {
		return v, true
	}
	v, ok := js.job.RequiredUserData[field]
	if ok && v != "" {
		return v, true
	}
	return "", false
}

// snapshot returns a copy safe to hand to HTTP readers. The log slice is
// copied; the observation pointer is immutable once published.
func (js *jobState) snapshot() schemas.Job {
	js.mu.Lock()
	defer js.mu.Unlock()

	out := js.job
	out.Log = make([]schemas.AgentLogEntry, len(js.job.Log))
	copy(out.Log, js.job.Log)
	if js.job.AskUser != nil {
		askCopy := *js.job.AskUser
		out.AskUser = &askCopy
	}
	if js.job.RequiredUserData != nil {
		out.RequiredUserData = make(map[string]string, len(js.job.RequiredUserData))
		for k, v := range js.job.RequiredUserData {
			out.RequiredUserData[k] = v
		}
	}
	return out
}

// mutate runs fn under the state lock and broadcasts afterwards.
func (js *jobState) mutate(fn func(job *schemas.Job)) {
	js.mu.Lock()
	defer js.mu.Unlock()
	fn(&js.job)
	js.broadcastLocked()
}
