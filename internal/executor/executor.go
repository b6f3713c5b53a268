// internal/executor/executor.go
package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vortexops/webpilot/api/schemas"
	"github.com/vortexops/webpilot/internal/config"
	"github.com/vortexops/webpilot/internal/grid"
)

// ErrStopped signals a cooperative abort via runMode STOP.
var ErrStopped = errors.New("stop requested")

// ErrStepFailed signals that a step exhausted its retry budget.
var ErrStepFailed = errors.New("step failed")

// smartNeedsHumanThreshold is the locate confidence below which a smart
// action escalates instead of retrying blindly.
const smartNeedsHumanThreshold = 0.5

// settleDelay is the minimum pause for WAIT steps before re-observing.
const settleDelay = 2 * time.Second

// defaultScrollDelta is the vertical scroll applied when a SCROLL step
// carries no explicit distance.
const defaultScrollDelta = 600

// BrowserDriver is the slice of the session manager the executor composes.
type BrowserDriver interface {
	Navigate(ctx context.Context, sessionID, targetURL string) (*schemas.Observation, error)
	Screenshot(ctx context.Context, sessionID string) (*schemas.Observation, error)
	ClickCell(ctx context.Context, sessionID, cell string) (*schemas.Observation, error)
	TypeAtCell(ctx context.Context, sessionID, cell, text string) (*schemas.Observation, error)
	HoldDrag(ctx context.Context, sessionID, fromCell, toCell string) (*schemas.Observation, error)
	Scroll(ctx context.Context, sessionID string, dx, dy int) (*schemas.Observation, error)
	Grid() schemas.GridSpec
}

// ElementLocator resolves natural-language hints to grid cells. Locate
// annotates obs.Vision with the candidates it considered.
type ElementLocator interface {
	Locate(ctx context.Context, obs *schemas.Observation, hint string) (*schemas.VisionElement, error)
	Threshold() float64
}

// StepValidator judges step outcomes.
type StepValidator interface {
	ValidateStep(ctx context.Context, obs *schemas.Observation, step schemas.ActionStep, attempt int, preAction time.Time) schemas.UnifiedStepResult
	ValidateFinalResult(ctx context.Context, obs *schemas.Observation, goal string) schemas.UnifiedStepResult
}

// JobController is the executor's view of the job owner. The supervisor
// implements it; the executor never touches Job fields directly.
type JobController interface {
	// RunMode returns the operator-controlled gate.
	RunMode() schemas.RunMode
	// WaitWhilePaused blocks while the job is PAUSED. It returns ErrStopped
	// when STOP arrives and ctx.Err() on cancellation.
	WaitWhilePaused(ctx context.Context) error
	// AskUser transitions the job to WAITING_USER and blocks until the
	// answer arrives or the job is stopped.
	AskUser(ctx context.Context, req schemas.UserInputRequest) (string, error)
	// AppendLog adds a pending entry and returns its id.
	AppendLog(entry schemas.AgentLogEntry) string
	// ResolveLog updates the entry's status in place.
	ResolveLog(id string, status schemas.LogStatus, attempt int, errText string, confidence float64, concerns []string)
	// PublishObservation atomically replaces the job's observation buffer.
	PublishObservation(obs *schemas.Observation)
	// SetProgress records the current step index and completed count.
	SetProgress(stepIndex, completedSteps int)
	// UserValue returns a previously supplied user-data value.
	UserValue(field string) (string, bool)
}

// Executor runs one ActionPlan against one browser session. It is stateless
// across runs; one goroutine per active job calls Run.
type Executor struct {
	browser   BrowserDriver
	locator   ElementLocator
	validator StepValidator
	cfg       config.ExecutorConfig
	logger    *zap.Logger

	// sleep is swapped for a no-op in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(browser BrowserDriver, locator ElementLocator, validator StepValidator, cfg config.ExecutorConfig, logger *zap.Logger) *Executor {
	return &Executor{
		browser:   browser,
		locator:   locator,
		validator: validator,
		cfg:       cfg,
		logger:    logger.Named("executor"),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffDelay is min(2^attempt * base, max).
func (e *Executor) backoffDelay(attempt int) time.Duration {
	base := e.cfg.BackoffBase
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	max := e.cfg.BackoffMax
	if max <= 0 {
		max = 5 * time.Second
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// Run executes the plan. The returned result reflects however far the run
// got; err is nil only for a clean completion. Callers map ErrStopped,
// context.DeadlineExceeded, schemas.ErrSessionGone and ErrStepFailed to
// terminal statuses.
func (e *Executor) Run(ctx context.Context, jc JobController, sessionID string, plan schemas.ActionPlan) (*schemas.ExecutionResult, error) {
	log := e.logger.With(zap.String("session_id", sessionID))
	log.Info("Starting plan execution.", zap.Int("steps", len(plan.Steps)), zap.String("goal", plan.Goal))

	completed := 0
	budget := plan.RetryBudget()
	var lastObs *schemas.Observation

	result := func(success bool, message string) *schemas.ExecutionResult {
		r := &schemas.ExecutionResult{
			Success:        success,
			Message:        message,
			CompletedSteps: completed,
			TotalSteps:     len(plan.Steps),
		}
		if lastObs != nil {
			r.FinalScreenshot = lastObs.Screenshot
		}
		return r
	}

	for i, step := range plan.Steps {
		if jc.RunMode() == schemas.RunModeStop {
			return result(false, "stopped by operator"), ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return result(false, "execution cancelled"), err
		}
		if err := jc.WaitWhilePaused(ctx); err != nil {
			return result(false, "stopped while paused"), err
		}

		jc.SetProgress(i, completed)
		logID := jc.AppendLog(schemas.AgentLogEntry{
			ID:         uuid.New().String(),
			TS:         time.Now(),
			ActionType: step.ActionType,
			Details:    step.TargetDescription,
			Status:     schemas.LogStatusPending,
		})

		obs, stepErr := e.runStep(ctx, jc, sessionID, step, logID, &budget)
		if obs != nil {
			lastObs = obs
		}
		if stepErr != nil {
			switch {
			case errors.Is(stepErr, schemas.ErrSessionGone):
				jc.ResolveLog(logID, schemas.LogStatusFail, 0, stepErr.Error(), 0, nil)
				return result(false, "browser session lost"), stepErr
			case errors.Is(stepErr, ErrStopped), errors.Is(stepErr, context.Canceled), errors.Is(stepErr, context.DeadlineExceeded):
				// The entry keeps whatever status it had when the
				// interruption landed.
				return result(false, "execution interrupted"), stepErr
			default:
				return result(false, fmt.Sprintf("failed at step %d: %s", i+1, step.TargetDescription)), fmt.Errorf("%w: %s: %v", ErrStepFailed, step.ID, stepErr)
			}
		}

		completed++
		jc.SetProgress(i+1, completed)
	}

	// Holistic end-of-plan check. A negative verdict degrades the message,
	// it never fails the run.
	final := e.validator.ValidateFinalResult(ctx, lastObs, plan.Goal)
	if !final.Success {
		log.Warn("Final validation degraded the result.", zap.Strings("concerns", final.Concerns))
		r := result(false, "Completed but validation found issues")
		return r, nil
	}

	log.Info("Plan execution complete.", zap.Int("completed_steps", completed))
	return result(true, "goal completed"), nil
}

// runStep drives the retry loop for one step. A nil error means the step
// validated successfully; the returned observation is the freshest one.
func (e *Executor) runStep(ctx context.Context, jc JobController, sessionID string, step schemas.ActionStep, logID string, budget *int) (*schemas.Observation, error) {
	maxRetries := step.Retries()
	var lastObs *schemas.Observation
	var lastDetail string

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if jc.RunMode() == schemas.RunModeStop {
			return lastObs, ErrStopped
		}
		// A pause arriving mid-step holds before the next primitive, not
		// just before the next step.
		if err := jc.WaitWhilePaused(ctx); err != nil {
			return lastObs, err
		}
		if err := ctx.Err(); err != nil {
			return lastObs, err
		}

		preAction := time.Now()
		obs, result, primErr := e.attempt(ctx, jc, sessionID, step)
		if obs != nil {
			lastObs = obs
			jc.PublishObservation(obs)
		}

		if primErr != nil {
			if errors.Is(primErr, schemas.ErrSessionGone) ||
				errors.Is(primErr, context.Canceled) {
				return lastObs, primErr
			}
			// Primitive errors count as an attempt failure.
			result = &schemas.UnifiedStepResult{
				Success:     false,
				ShouldRetry: true,
				Confidence:  0,
				Details:     primErr.Error(),
			}
		}

		if result == nil {
			verdict := e.validator.ValidateStep(ctx, obs, step, attempt, preAction)
			result = &verdict
		}
		lastDetail = result.Details

		if result.NeedsHuman {
			value, err := e.escalate(ctx, jc, step, logID)
			if err != nil {
				return lastObs, err
			}
			if isCaptcha(step.ActionType) {
				// The human cleared the obstacle; re-observe and move on.
				jc.ResolveLog(logID, schemas.LogStatusOK, attempt, "", 0.5, []string{"resolved by human"})
				if fresh, obsErr := e.browser.Screenshot(ctx, sessionID); obsErr == nil {
					lastObs = fresh
					jc.PublishObservation(fresh)
				}
				return lastObs, nil
			}
			if value != "" {
				step.InputValue = value
			}
			// Re-attempt with the injected value without consuming a retry.
			attempt--
			continue
		}

		if result.Success {
			jc.ResolveLog(logID, schemas.LogStatusOK, attempt, "", result.Confidence, result.Concerns)
			return lastObs, nil
		}

		canRetry := result.ShouldRetry &&
			attempt < maxRetries &&
			*budget > 0 &&
			step.ActionType != schemas.ActionTypeCaptchaChallenge

		if !canRetry {
			jc.ResolveLog(logID, schemas.LogStatusFail, attempt, result.Details, result.Confidence, result.Concerns)
			return lastObs, fmt.Errorf("exhausted retries: %s", lastDetail)
		}

		*budget--
		jc.ResolveLog(logID, schemas.LogStatusRetrying, attempt, result.Details, result.Confidence, result.Concerns)
		if err := e.sleep(ctx, e.backoffDelay(attempt)); err != nil {
			return lastObs, err
		}
	}

	return lastObs, fmt.Errorf("exhausted retries: %s", lastDetail)
}

// escalate parks the job in WAITING_USER and returns the supplied value.
func (e *Executor) escalate(ctx context.Context, jc JobController, step schemas.ActionStep, logID string) (string, error) {
	jc.ResolveLog(logID, schemas.LogStatusNeedsHuman, 0, "", 0, nil)

	field := "input"
	inputType := schemas.UserInputText
	question := fmt.Sprintf("The automation needs help with: %s", step.TargetDescription)
	if isCaptcha(step.ActionType) {
		field = "captcha"
		question = "A captcha is blocking the run. Solve it in the browser, then confirm."
	} else if strings.Contains(strings.ToLower(step.TargetDescription), "password") {
		field = "password"
		inputType = schemas.UserInputPassword
	}

	value, err := jc.AskUser(ctx, schemas.UserInputRequest{
		ID:        uuid.New().String(),
		Question:  question,
		InputType: inputType,
		Required:  true,
		Field:     field,
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// attempt performs the primitive once. A non-nil result short-circuits
// validation (used by smart actions that already know the verdict).
func (e *Executor) attempt(ctx context.Context, jc JobController, sessionID string, step schemas.ActionStep) (*schemas.Observation, *schemas.UnifiedStepResult, error) {
	switch step.ActionType {
	case schemas.ActionTypeNavigate:
		return e.doNavigate(ctx, sessionID, step)

	case schemas.ActionTypeWait:
		if err := e.sleep(ctx, settleDelay); err != nil {
			return nil, nil, err
		}
		obs, err := e.browser.Screenshot(ctx, sessionID)
		return obs, nil, err

	case schemas.ActionTypeClick:
		if cell, ok := cellTarget(step, e.browser.Grid()); ok {
			opCtx, cancel := context.WithTimeout(ctx, e.cfg.ClickTimeout)
			defer cancel()
			obs, err := e.browser.ClickCell(opCtx, sessionID, cell)
			return obs, nil, err
		}
		return e.doSmartClick(ctx, jc, sessionID, step)

	case schemas.ActionTypeType:
		text := e.expandValue(jc, step.InputValue)
		if cell, ok := cellTarget(step, e.browser.Grid()); ok {
			opCtx, cancel := context.WithTimeout(ctx, e.cfg.TypeTimeout)
			defer cancel()
			obs, err := e.browser.TypeAtCell(opCtx, sessionID, cell, text)
			return obs, nil, err
		}
		return e.doSmartType(ctx, jc, sessionID, step)

	case schemas.ActionTypeSmartClick, schemas.ActionTypeSelect:
		return e.doSmartClick(ctx, jc, sessionID, step)

	case schemas.ActionTypeSmartType:
		return e.doSmartType(ctx, jc, sessionID, step)

	case schemas.ActionTypeSubmit:
		if step.TargetHint == "" && step.TargetDescription == "" {
			step.TargetHint = "submit button"
		}
		return e.doSmartClick(ctx, jc, sessionID, step)

	case schemas.ActionTypeScroll:
		dy := defaultScrollDelta
		if n, err := strconv.Atoi(strings.TrimSpace(step.InputValue)); err == nil && n != 0 {
			dy = n
		}
		opCtx, cancel := context.WithTimeout(ctx, e.cfg.ScrollTimeout)
		defer cancel()
		obs, err := e.browser.Scroll(opCtx, sessionID, 0, dy)
		return obs, nil, err

	case schemas.ActionTypeCaptcha, schemas.ActionTypeCaptchaChallenge:
		// Observe only; the validator escalates.
		obs, err := e.browser.Screenshot(ctx, sessionID)
		return obs, nil, err

	default:
		return nil, nil, fmt.Errorf("unsupported action type %s", step.ActionType)
	}
}

func (e *Executor) doNavigate(ctx context.Context, sessionID string, step schemas.ActionStep) (*schemas.Observation, *schemas.UnifiedStepResult, error) {
	targetURL := step.TargetSelector
	if targetURL == "" {
		targetURL = step.InputValue
	}
	var concerns []string
	if targetURL == "" {
		targetURL = e.cfg.DefaultURL
		concerns = append(concerns, "navigate step named no URL; using the default page")
	}

	opCtx, cancel := context.WithTimeout(ctx, e.cfg.NavigateTimeout)
	defer cancel()
	obs, err := e.browser.Navigate(opCtx, sessionID, targetURL)
	if err != nil {
		return obs, nil, err
	}
	if len(concerns) > 0 {
		return obs, &schemas.UnifiedStepResult{
			Success:    true,
			Confidence: 0.5,
			Concerns:   concerns,
			Details:    "navigated to default URL",
		}, nil
	}
	return obs, nil, nil
}

// doSmartClick locates the hint and clicks the winning cell. Low locate
// confidence escalates rather than retrying blindly.
func (e *Executor) doSmartClick(ctx context.Context, jc JobController, sessionID string, step schemas.ActionStep) (*schemas.Observation, *schemas.UnifiedStepResult, error) {
	obs, best, result, err := e.locate(ctx, sessionID, step)
	if result != nil || err != nil {
		return obs, result, err
	}

	opCtx, cancel := context.WithTimeout(ctx, e.cfg.ClickTimeout)
	defer cancel()
	after, err := e.browser.ClickCell(opCtx, sessionID, best.Cell)
	if err != nil {
		return obs, nil, err
	}
	// The published post-action snapshot keeps the elements acted upon.
	after.Vision = obs.Vision
	return after, nil, nil
}

func (e *Executor) doSmartType(ctx context.Context, jc JobController, sessionID string, step schemas.ActionStep) (*schemas.Observation, *schemas.UnifiedStepResult, error) {
	obs, best, result, err := e.locate(ctx, sessionID, step)
	if result != nil || err != nil {
		return obs, result, err
	}

	text := e.expandValue(jc, step.InputValue)
	opCtx, cancel := context.WithTimeout(ctx, e.cfg.TypeTimeout)
	defer cancel()
	after, err := e.browser.TypeAtCell(opCtx, sessionID, best.Cell, text)
	if err != nil {
		return obs, nil, err
	}
	after.Vision = obs.Vision
	return after, nil, nil
}

// locate observes the page and asks the vision locator for the step's hint.
// It returns a needs_human result when nothing clears the threshold.
func (e *Executor) locate(ctx context.Context, sessionID string, step schemas.ActionStep) (*schemas.Observation, *schemas.VisionElement, *schemas.UnifiedStepResult, error) {
	obs, err := e.browser.Screenshot(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, err
	}

	hint := step.TargetHint
	if hint == "" {
		hint = step.TargetDescription
	}

	best, err := e.locator.Locate(ctx, obs, hint)
	if err != nil {
		return obs, nil, nil, fmt.Errorf("element locate failed: %w", err)
	}

	threshold := e.locator.Threshold()
	if threshold < smartNeedsHumanThreshold {
		threshold = smartNeedsHumanThreshold
	}
	if best == nil || best.Confidence < threshold {
		conf := 0.0
		if best != nil {
			conf = best.Confidence
		}
		return obs, nil, &schemas.UnifiedStepResult{
			Success:    false,
			Confidence: conf,
			NeedsHuman: true,
			Concerns:   []string{fmt.Sprintf("could not confidently locate %q", hint)},
			Details:    "element locate below confidence threshold",
		}, nil
	}
	return obs, best, nil, nil
}

// expandValue substitutes {{field}} placeholders with user-supplied data.
func (e *Executor) expandValue(jc JobController, value string) string {
	if !strings.Contains(value, "{{") {
		return value
	}
	out := value
	for {
		start := strings.Index(out, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(out[start:], "}}")
		if end < 0 {
			break
		}
		field := out[start+2 : start+end]
		replacement := ""
		if v, ok := jc.UserValue(strings.TrimSpace(field)); ok {
			replacement = v
		}
		out = out[:start] + replacement + out[start+end+2:]
	}
	return out
}

func isCaptcha(t schemas.ActionType) bool {
	return t == schemas.ActionTypeCaptcha || t == schemas.ActionTypeCaptchaChallenge
}

// cellTarget reports whether the step's selector is a valid cell label on
// the current grid.
func cellTarget(step schemas.ActionStep, g schemas.GridSpec) (string, bool) {
	sel := strings.TrimSpace(step.TargetSelector)
	if sel == "" {
		return "", false
	}
	cell, err := grid.ParseLabel(sel)
	if err != nil || !cell.In(g) {
		return "", false
	}
	return cell.Label(), true
}
