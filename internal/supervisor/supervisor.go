// internal/supervisor/supervisor.go
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/vortexops/webpilot/api/schemas"
	"github.com/vortexops/webpilot/internal/config"
	"github.com/vortexops/webpilot/internal/executor"
	"github.com/vortexops/webpilot/internal/store"
)

// destroyGrace bounds session cleanup after a run ends.
const destroyGrace = 10 * time.Second

// PlannerClient is the supervisor's view of the planner.
type PlannerClient interface {
	CreatePlan(ctx context.Context, goal string) (*schemas.PlanResult, error)
	RequiredFields(goal string) []string
}

// PlanRunner executes one plan against one session.
type PlanRunner interface {
	Run(ctx context.Context, jc executor.JobController, sessionID string, plan schemas.ActionPlan) (*schemas.ExecutionResult, error)
}

// SessionPool is the slice of the browser manager the supervisor drives.
type SessionPool interface {
	Create(ctx context.Context, sessionID string, useProxy bool) (string, error)
	Destroy(ctx context.Context, sessionID string) error
	ProfileID(sessionID string) (string, error)
	Screenshot(ctx context.Context, sessionID string) (*schemas.Observation, error)
}

// Supervisor owns the jobs map and every lifecycle transition. One worker
// goroutine per active job runs the executor; HTTP handlers read snapshots.
type Supervisor struct {
	cfg      config.SupervisorConfig
	planner  PlannerClient
	runner   PlanRunner
	sessions SessionPool
	store    store.Store
	logger   *zap.Logger

	mu    sync.Mutex
	jobs  map[string]*jobState
	order []string

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc

	janitorStop chan struct{}
	janitorDone chan struct{}
}

func New(cfg config.SupervisorConfig, planner PlannerClient, runner PlanRunner, sessions SessionPool, st store.Store, logger *zap.Logger) *Supervisor {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:         cfg,
		planner:     planner,
		runner:      runner,
		sessions:    sessions,
		store:       st,
		logger:      logger.Named("supervisor"),
		jobs:        make(map[string]*jobState),
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go s.evictExpiredJobs()
	return s
}

// Submit validates the goal and either starts a job or reports the user
// data it cannot proceed without.
func (s *Supervisor) Submit(ctx context.Context, text string) (*schemas.ExecResponse, error) {
	goal := strings.TrimSpace(text)
	if goal == "" {
		return nil, fmt.Errorf("%w: goal text is empty", schemas.ErrInvalidInput)
	}
	if s.cfg.MaxGoalLength > 0 && len(goal) > s.cfg.MaxGoalLength {
		return nil, fmt.Errorf("%w: goal exceeds %d characters", schemas.ErrInvalidInput, s.cfg.MaxGoalLength)
	}

	jobID := uuid.New().String()
	job := schemas.Job{
		JobID:     jobID,
		Goal:      goal,
		Status:    schemas.JobStatusIdle,
		RunMode:   schemas.RunModeActive,
		StartedAt: time.Now(),
	}

	// Credentialed goals without embedded values park until the client
	// either re-issues exec or supplies the fields via user_input.
	if missing := s.planner.RequiredFields(goal); len(missing) > 0 {
		job.RequiredUserData = make(map[string]string, len(missing))
		for _, f := range missing {
			job.RequiredUserData[f] = ""
		}
		js := newJobState(job)
		s.register(jobID, js)
		s.logger.Info("Job needs user data before it can start.",
			zap.String("job_id", jobID),
			zap.Strings("required_fields", missing),
		)
		return &schemas.ExecResponse{
			Status:         schemas.ExecNeedsUserData,
			JobID:          jobID,
			RequiredFields: missing,
		}, nil
	}

	js := newJobState(job)
	s.register(jobID, js)
	if err := s.start(js); err != nil {
		s.unregister(jobID)
		return nil, err
	}

	return &schemas.ExecResponse{Status: schemas.ExecAccepted, JobID: jobID}, nil
}

func (s *Supervisor) register(jobID string, js *jobState) {
	s.mu.Lock()
	s.jobs[jobID] = js
	s.order = append(s.order, jobID)
	s.mu.Unlock()
}

func (s *Supervisor) unregister(jobID string) {
	s.mu.Lock()
	delete(s.jobs, jobID)
	for i, id := range s.order {
		if id == jobID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// start claims a concurrency slot and launches the worker goroutine.
func (s *Supervisor) start(js *jobState) error {
	if !s.sem.TryAcquire(1) {
		return fmt.Errorf("%w: %d jobs already active", schemas.ErrBusy, s.cfg.MaxConcurrentJobs)
	}
	js.mutate(func(job *schemas.Job) {
		job.Status = schemas.JobStatusPlanning
	})
	s.wg.Add(1)
	go s.run(js)
	return nil
}

// run is the per-job worker: session, plan, execute, finalize.
func (s *Supervisor) run(js *jobState) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	jobID := js.snapshot().JobID
	log := s.logger.With(zap.String("job_id", jobID))

	sessionID, err := s.sessions.Create(s.baseCtx, "", false)
	if err != nil {
		log.Error("Failed to allocate a browser session.", zap.Error(err))
		s.finalize(js, nil, fmt.Errorf("session allocation failed: %w", err))
		return
	}
	// Teardown precedes the terminal transition: a job that reads as
	// finished never holds a live session.
	destroySession := func() {
		destroyCtx, cancel := context.WithTimeout(context.Background(), destroyGrace)
		defer cancel()
		if err := s.sessions.Destroy(destroyCtx, sessionID); err != nil {
			log.Warn("Session cleanup failed.", zap.Error(err))
		}
	}

	profileID, _ := s.sessions.ProfileID(sessionID)
	js.mutate(func(job *schemas.Job) {
		job.SessionID = sessionID
		job.ProfileID = profileID
	})

	goal := js.snapshot().Goal
	planResult, err := s.planner.CreatePlan(s.baseCtx, goal)
	if err != nil {
		log.Error("Planning failed.", zap.Error(err))
		destroySession()
		s.finalize(js, nil, fmt.Errorf("planning failed: %w", err))
		return
	}
	log.Info("Plan ready.",
		zap.Int("steps", len(planResult.Plan.Steps)),
		zap.String("complexity", string(planResult.Complexity)),
	)

	runCtx, cancel := context.WithTimeout(s.baseCtx, s.cfg.PlanDeadline)
	defer cancel()
	js.mu.Lock()
	js.cancelRun = cancel
	js.job.Plan = &planResult.Plan
	js.job.Status = schemas.JobStatusActive
	js.broadcastLocked()
	js.mu.Unlock()

	result, runErr := s.runner.Run(runCtx, js, sessionID, planResult.Plan)
	destroySession()
	s.finalize(js, result, runErr)
}

// finalize applies the terminal transition and persists the outcome.
func (s *Supervisor) finalize(js *jobState, result *schemas.ExecutionResult, runErr error) {
	status := schemas.JobStatusCompleted
	reason := ""

	switch {
	case runErr == nil:
	case errors.Is(runErr, executor.ErrStopped):
		status = schemas.JobStatusStopped
		reason = schemas.ReasonStopRequested
	case errors.Is(runErr, schemas.ErrSessionGone):
		status = schemas.JobStatusFailed
		reason = schemas.ReasonSessionGone
	case errors.Is(runErr, context.DeadlineExceeded):
		status = schemas.JobStatusFailed
		reason = schemas.ReasonDeadline
	case errors.Is(runErr, context.Canceled):
		// Base context cancellation during shutdown; treat as stop.
		status = schemas.JobStatusStopped
		reason = schemas.ReasonStopRequested
	default:
		status = schemas.JobStatusFailed
	}

	if result == nil {
		result = &schemas.ExecutionResult{Success: false, Message: "job did not produce a result"}
		if runErr != nil {
			result.Message = runErr.Error()
		}
	}

	now := time.Now()
	js.mutate(func(job *schemas.Job) {
		job.Status = status
		job.Result = result
		job.EndedAt = &now
		job.FailureReason = reason
	})

	snap := js.snapshot()
	s.logger.Info("Job finished.",
		zap.String("job_id", snap.JobID),
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Bool("success", result.Success),
	)
	s.persist(snap)
}

// persist writes the terminal job, its result, and the profile pointer to
// the durable store. Store failures are logged, never surfaced.
func (s *Supervisor) persist(job schemas.Job) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.Put(ctx, store.JobKey(job.JobID), job); err != nil {
		s.logger.Warn("Failed to persist job.", zap.String("job_id", job.JobID), zap.Error(err))
	}
	if job.Result != nil {
		if err := s.store.Put(ctx, store.ResultKey(job.JobID), job.Result); err != nil {
			s.logger.Warn("Failed to persist result.", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}
	if job.ProfileID != "" {
		profile := map[string]string{"profile_id": job.ProfileID, "job_id": job.JobID, "goal": job.Goal}
		if err := s.store.Put(ctx, store.ProfileKey(job.ProfileID), profile); err != nil {
			s.logger.Warn("Failed to persist profile.", zap.String("profile_id", job.ProfileID), zap.Error(err))
		}
	}
}

// lookup resolves a job id; an empty id means the foreground job.
func (s *Supervisor) lookup(jobID string) (*jobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if jobID != "" {
		js, ok := s.jobs[jobID]
		if !ok {
			return nil, fmt.Errorf("%w: job %s", schemas.ErrNotFound, jobID)
		}
		return js, nil
	}

	// Foreground job: the most recently submitted non-terminal job, else
	// the most recent job of any status.
	for i := len(s.order) - 1; i >= 0; i-- {
		js := s.jobs[s.order[i]]
		if js != nil && !js.snapshotStatus().IsTerminal() {
			return js, nil
		}
	}
	if len(s.order) > 0 {
		if js := s.jobs[s.order[len(s.order)-1]]; js != nil {
			return js, nil
		}
	}
	return nil, fmt.Errorf("%w: no jobs", schemas.ErrNotFound)
}

func (js *jobState) snapshotStatus() schemas.JobStatus {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.job.Status
}

// Control applies a run-mode change. Changes on terminal jobs are no-ops.
func (s *Supervisor) Control(jobID string, mode schemas.RunMode) (*schemas.ControlResponse, error) {
	switch mode {
	case schemas.RunModeActive, schemas.RunModePaused, schemas.RunModeStop:
	default:
		return nil, fmt.Errorf("%w: unknown run mode %q", schemas.ErrInvalidInput, mode)
	}

	js, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}

	js.mu.Lock()
	if !js.job.Status.IsTerminal() {
		js.job.RunMode = mode
		js.broadcastLocked()
	}
	status := js.job.Status
	runMode := js.job.RunMode
	cancel := js.cancelRun
	js.mu.Unlock()

	// STOP must interrupt an in-flight primitive promptly; cancelling the
	// run context tears through any blocking browser call.
	if mode == schemas.RunModeStop && cancel != nil {
		cancel()
	}

	return &schemas.ControlResponse{RunMode: runMode, AgentStatus: status}, nil
}

// SubmitUserInput answers an outstanding ask_user question or fills a
// pre-start required field. Filling the last required field starts the job.
func (s *Supervisor) SubmitUserInput(sub schemas.UserInputSubmission) (*schemas.UserInputResponse, error) {
	if sub.Field == "" {
		return nil, fmt.Errorf("%w: field is required", schemas.ErrInvalidInput)
	}
	js, err := s.lookup(sub.JobID)
	if err != nil {
		return nil, err
	}

	js.mu.Lock()
	if js.job.Status.IsTerminal() {
		js.mu.Unlock()
		return nil, fmt.Errorf("%w: job already finished", schemas.ErrNotWaiting)
	}

	// A live ask_user question takes priority.
	if js.job.AskUser != nil && js.job.AskUser.Field == sub.Field {
		js.answers[sub.Field] = sub.Value
		js.broadcastLocked()
		js.mu.Unlock()
		return &schemas.UserInputResponse{Accepted: true}, nil
	}

	// Pre-start required fields.
	if js.job.Status == schemas.JobStatusIdle {
		if _, ok := js.job.RequiredUserData[sub.Field]; !ok {
			js.mu.Unlock()
			return nil, fmt.Errorf("%w: job is not waiting for field %q", schemas.ErrNotWaiting, sub.Field)
		}
		js.job.RequiredUserData[sub.Field] = sub.Value
		ready := true
		for _, v := range js.job.RequiredUserData {
			if v == "" {
				ready = false
				break
			}
		}
		js.broadcastLocked()
		js.mu.Unlock()

		if ready {
			if err := s.start(js); err != nil {
				return nil, err
			}
		}
		return &schemas.UserInputResponse{Accepted: true}, nil
	}

	js.mu.Unlock()
	return nil, fmt.Errorf("%w: job is not waiting for input", schemas.ErrNotWaiting)
}

// Snapshot returns a copy of the job record. An empty id means the
// foreground job.
func (s *Supervisor) Snapshot(jobID string) (*schemas.Job, error) {
	js, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	snap := js.snapshot()
	return &snap, nil
}

// Status summarises the foreground job for the status endpoint.
func (s *Supervisor) Status() *schemas.StatusResponse {
	js, err := s.lookup("")
	if err != nil {
		return &schemas.StatusResponse{
			Status:  schemas.JobStatusIdle,
			Active:  false,
			RunMode: schemas.RunModeActive,
		}
	}
	snap := js.snapshot()
	return &schemas.StatusResponse{
		Status:      snap.Status,
		CurrentTask: snap.Goal,
		Active:      !snap.Status.IsTerminal(),
		RunMode:     snap.RunMode,
	}
}

// Result returns the terminal result, nil while the job is still running.
func (s *Supervisor) Result(jobID string) (*schemas.ExecutionResult, error) {
	js, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	snap := js.snapshot()
	return snap.Result, nil
}

// Text renders the job's log as plain text for the text endpoint.
func (s *Supervisor) Text(jobID string) (*schemas.TextResponse, error) {
	js, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	snap := js.snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "goal: %s\nstatus: %s\n", snap.Goal, snap.Status)
	for _, entry := range snap.Log {
		fmt.Fprintf(&b, "[%s] %s %s", entry.TS.Format(time.TimeOnly), entry.ActionType, entry.Status)
		if entry.Details != "" {
			fmt.Fprintf(&b, " - %s", entry.Details)
		}
		if entry.Error != "" {
			fmt.Fprintf(&b, " (%s)", entry.Error)
		}
		b.WriteByte('\n')
	}
	return &schemas.TextResponse{Text: b.String(), JobID: snap.JobID}, nil
}

// Refresh re-observes the job's session and republishes the observation
// buffer. target is a best-effort hint; every target resolves to a fresh
// screenshot today.
func (s *Supervisor) Refresh(ctx context.Context, jobID, target string) (*schemas.RefreshResponse, error) {
	js, err := s.lookup(jobID)
	if err != nil {
		return nil, err
	}
	if target != "" {
		s.logger.Debug("Refresh requested.", zap.String("target", target))
	}
	snap := js.snapshot()
	if snap.SessionID == "" || snap.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job has no live session", schemas.ErrNotFound)
	}

	obs, err := s.sessions.Screenshot(ctx, snap.SessionID)
	if err != nil {
		return nil, err
	}
	js.PublishObservation(obs)
	return &schemas.RefreshResponse{Status: "refreshed"}, nil
}

// evictExpiredJobs drops terminal jobs once they outlive the retention
// window. The durable store copy survives eviction.
func (s *Supervisor) evictExpiredJobs() {
	defer close(s.janitorDone)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.janitorStop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.JobRetention)

			s.mu.Lock()
			var keep []string
			for _, id := range s.order {
				js := s.jobs[id]
				if js == nil {
					continue
				}
				snap := js.snapshot()
				if snap.Status.IsTerminal() && snap.EndedAt != nil && snap.EndedAt.Before(cutoff) {
					delete(s.jobs, id)
					s.logger.Debug("Evicted expired job.", zap.String("job_id", id))
					continue
				}
				keep = append(keep, id)
			}
			s.order = keep
			s.mu.Unlock()
		}
	}
}

// Shutdown stops all active jobs and waits for their workers.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down supervisor.")

	close(s.janitorStop)
	<-s.janitorDone

	s.mu.Lock()
	for _, js := range s.jobs {
		js.mu.Lock()
		if !js.job.Status.IsTerminal() {
			js.job.RunMode = schemas.RunModeStop
			js.broadcastLocked()
		}
		cancel := js.cancelRun
		js.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All job workers finished.")
	case <-ctx.Done():
		s.logger.Warn("Timeout waiting for job workers.", zap.Error(ctx.Err()))
	}

	s.baseCancel()
	return nil
}
