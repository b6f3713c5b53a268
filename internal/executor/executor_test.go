// internal/executor/executor_test.go
package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vortexops/webpilot/api/schemas"
	"github.com/vortexops/webpilot/internal/config"
)

// -- Fakes --

type fakeBrowser struct {
	mu       sync.Mutex
	grid     schemas.GridSpec
	url      string
	navErr   error
	clickErr error
	clicked  []string
	typed    []string
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{grid: schemas.DefaultGrid}
}

func (b *fakeBrowser) observation() *schemas.Observation {
	return &schemas.Observation{
		CurrentURL: b.url,
		PageTitle:  "page",
		Screenshot: "cG5n",
		Viewport:   schemas.Viewport{Width: 1280, Height: 800},
		Grid:       b.grid,
		Timestamp:  time.Now(),
	}
}

func (b *fakeBrowser) Navigate(ctx context.Context, sessionID, targetURL string) (*schemas.Observation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.navErr != nil {
		return nil, b.navErr
	}
	b.url = targetURL
	return b.observation(), nil
}

func (b *fakeBrowser) Screenshot(ctx context.Context, sessionID string) (*schemas.Observation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.observation(), nil
}

func (b *fakeBrowser) ClickCell(ctx context.Context, sessionID, cell string) (*schemas.Observation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clickErr != nil {
		return nil, b.clickErr
	}
	b.clicked = append(b.clicked, cell)
	return b.observation(), nil
}

func (b *fakeBrowser) TypeAtCell(ctx context.Context, sessionID, cell, text string) (*schemas.Observation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.typed = append(b.typed, cell+"="+text)
	return b.observation(), nil
}

func (b *fakeBrowser) HoldDrag(ctx context.Context, sessionID, fromCell, toCell string) (*schemas.Observation, error) {
	return b.observation(), nil
}

func (b *fakeBrowser) Scroll(ctx context.Context, sessionID string, dx, dy int) (*schemas.Observation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.observation(), nil
}

func (b *fakeBrowser) Grid() schemas.GridSpec { return b.grid }

type fakeLocator struct {
	element *schemas.VisionElement
	err     error
}

func (l *fakeLocator) Locate(ctx context.Context, obs *schemas.Observation, hint string) (*schemas.VisionElement, error) {
	if l.element != nil && obs != nil {
		obs.Vision = []schemas.VisionElement{*l.element}
	}
	return l.element, l.err
}

func (l *fakeLocator) Threshold() float64 { return 0.55 }

// scriptedValidator returns queued verdicts, then the fallback verdict.
type scriptedValidator struct {
	mu       sync.Mutex
	verdicts []schemas.UnifiedStepResult
	fallback schemas.UnifiedStepResult
	final    schemas.UnifiedStepResult
	calls    int
}

func passingValidator() *scriptedValidator {
	return &scriptedValidator{
		fallback: schemas.UnifiedStepResult{Success: true, Confidence: 0.9},
		final:    schemas.UnifiedStepResult{Success: true, Confidence: 0.9},
	}
}

func (v *scriptedValidator) ValidateStep(ctx context.Context, obs *schemas.Observation, step schemas.ActionStep, attempt int, preAction time.Time) schemas.UnifiedStepResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if len(v.verdicts) > 0 {
		out := v.verdicts[0]
		v.verdicts = v.verdicts[1:]
		return out
	}
	return v.fallback
}

func (v *scriptedValidator) ValidateFinalResult(ctx context.Context, obs *schemas.Observation, goal string) schemas.UnifiedStepResult {
	return v.final
}

type logRecord struct {
	status   schemas.LogStatus
	attempt  int
	errText  string
	conf     float64
	concerns []string
}

type fakeJob struct {
	mu          sync.Mutex
	runMode     schemas.RunMode
	logs        map[string][]logRecord
	logOrder    []string
	asked       []schemas.UserInputRequest
	answer      string
	askErr      error
	userData    map[string]string
	observation *schemas.Observation
	progress    [][2]int

	// stopOnWait ends the run at the Nth pause-gate check.
	waitCalls  int
	stopOnWait int
}

func newFakeJob() *fakeJob {
	return &fakeJob{
		runMode:  schemas.RunModeActive,
		logs:     make(map[string][]logRecord),
		userData: make(map[string]string),
	}
}

func (j *fakeJob) RunMode() schemas.RunMode {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runMode
}

func (j *fakeJob) WaitWhilePaused(ctx context.Context) error {
	j.mu.Lock()
	j.waitCalls++
	stopped := j.stopOnWait > 0 && j.waitCalls >= j.stopOnWait
	j.mu.Unlock()
	if stopped || j.RunMode() == schemas.RunModeStop {
		return ErrStopped
	}
	return nil
}

func (j *fakeJob) AskUser(ctx context.Context, req schemas.UserInputRequest) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.asked = append(j.asked, req)
	return j.answer, j.askErr
}

func (j *fakeJob) AppendLog(entry schemas.AgentLogEntry) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.logs[entry.ID] = []logRecord{{status: entry.Status}}
	j.logOrder = append(j.logOrder, entry.ID)
	return entry.ID
}

func (j *fakeJob) ResolveLog(id string, status schemas.LogStatus, attempt int, errText string, confidence float64, concerns []string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.logs[id] = append(j.logs[id], logRecord{status: status, attempt: attempt, errText: errText, conf: confidence, concerns: concerns})
}

func (j *fakeJob) PublishObservation(obs *schemas.Observation) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.observation = obs
}

func (j *fakeJob) SetProgress(stepIndex, completedSteps int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress = append(j.progress, [2]int{stepIndex, completedSteps})
}

func (j *fakeJob) UserValue(field string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, ok := j.userData[field]
	return v, ok
}

func (j *fakeJob) lastStatus(t *testing.T, idx int) logRecord {
	t.Helper()
	j.mu.Lock()
	defer j.mu.Unlock()
	require.Greater(t, len(j.logOrder), idx)
	records := j.logs[j.logOrder[idx]]
	return records[len(records)-1]
}

func testConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		NavigateTimeout: 30 * time.Second,
		ClickTimeout:    10 * time.Second,
		TypeTimeout:     10 * time.Second,
		ScrollTimeout:   5 * time.Second,
		BackoffBase:     250 * time.Millisecond,
		BackoffMax:      5 * time.Second,
		DefaultURL:      "https://www.google.com",
	}
}

func newTestExecutor(b BrowserDriver, l ElementLocator, v StepValidator) *Executor {
	e := New(b, l, v, testConfig(), zap.NewNop())
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e
}

func simplePlan(steps ...schemas.ActionStep) schemas.ActionPlan {
	return schemas.ActionPlan{Goal: "test goal", Steps: steps}
}

// -- Tests --

func TestRunCompletesPlan(t *testing.T) {
	b := newFakeBrowser()
	e := newTestExecutor(b, &fakeLocator{}, passingValidator())
	jc := newFakeJob()

	plan := simplePlan(
		schemas.ActionStep{ID: "s1", ActionType: schemas.ActionTypeNavigate, TargetSelector: "https://example.org"},
		schemas.ActionStep{ID: "s2", ActionType: schemas.ActionTypeClick, TargetSelector: "C5"},
	)

	result, err := e.Run(context.Background(), jc, "sess", plan)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.CompletedSteps)
	assert.Equal(t, 2, result.TotalSteps)
	assert.NotEmpty(t, result.FinalScreenshot)
	assert.Equal(t, []string{"C5"}, b.clicked)
	assert.Equal(t, schemas.LogStatusOK, jc.lastStatus(t, 0).status)
	assert.Equal(t, schemas.LogStatusOK, jc.lastStatus(t, 1).status)
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	b := newFakeBrowser()
	v := passingValidator()
	v.verdicts = []schemas.UnifiedStepResult{
		{Success: false, ShouldRetry: true, Details: "stale"},
		{Success: true, Confidence: 0.8},
	}
	e := newTestExecutor(b, &fakeLocator{}, v)
	jc := newFakeJob()

	plan := simplePlan(schemas.ActionStep{ID: "s1", ActionType: schemas.ActionTypeClick, TargetSelector: "A1"})
	result, err := e.Run(context.Background(), jc, "sess", plan)
	require.NoError(t, err)
	assert.True(t, result.Success)

	jc.mu.Lock()
	records := jc.logs[jc.logOrder[0]]
	jc.mu.Unlock()
	// pending -> retrying -> ok
	require.Len(t, records, 3)
	assert.Equal(t, schemas.LogStatusRetrying, records[1].status)
	assert.Equal(t, schemas.LogStatusOK, records[2].status)
}

func TestRunFailsAfterRetryExhaustion(t *testing.T) {
	b := newFakeBrowser()
	v := &scriptedValidator{
		fallback: schemas.UnifiedStepResult{Success: false, ShouldRetry: true, Details: "never settles"},
		final:    schemas.UnifiedStepResult{Success: true},
	}
	e := newTestExecutor(b, &fakeLocator{}, v)
	jc := newFakeJob()

	plan := simplePlan(schemas.ActionStep{ID: "s1", ActionType: schemas.ActionTypeClick, TargetSelector: "A1", MaxRetries: 2})
	result, err := e.Run(context.Background(), jc, "sess", plan)
	require.ErrorIs(t, err, ErrStepFailed)
	assert.False(t, result.Success)
	assert.Equal(t, 0, result.CompletedSteps)
	assert.Equal(t, schemas.LogStatusFail, jc.lastStatus(t, 0).status)
}

func TestRunStopsBeforeStep(t *testing.T) {
	b := newFakeBrowser()
	e := newTestExecutor(b, &fakeLocator{}, passingValidator())
	jc := newFakeJob()
	jc.runMode = schemas.RunModeStop

	plan := simplePlan(schemas.ActionStep{ID: "s1", ActionType: schemas.ActionTypeWait})
	result, err := e.Run(context.Background(), jc, "sess", plan)
	require.ErrorIs(t, err, ErrStopped)
	assert.False(t, result.Success)
}

func TestRunSessionGoneIsFatal(t *testing.T) {
	b := newFakeBrowser()
	b.navErr = schemas.ErrSessionGone
	e := newTestExecutor(b, &fakeLocator{}, passingValidator())
	jc := newFakeJob()

	plan := simplePlan(
		schemas.ActionStep{ID: "s1", ActionType: schemas.ActionTypeNavigate, TargetSelector: "https://example.org", MaxRetries: 3},
	)
	result, err := e.Run(context.Background(), jc, "sess", plan)
	require.ErrorIs(t, err, schemas.ErrSessionGone)
	assert.False(t, result.Success)
}

func TestRunPrimitiveErrorFeedsRetryLoop(t *testing.T) {
	b := newFakeBrowser()
	b.clickErr = errors.New("nav timeout")
	v := passingValidator()
	e := newTestExecutor(b, &fakeLocator{}, v)
	jc := newFakeJob()

	plan := simplePlan(schemas.ActionStep{ID: "s1", ActionType: schemas.ActionTypeClick, TargetSelector: "A1", MaxRetries: 2})
	_, err := e.Run(context.Background(), jc, "sess", plan)
	require.ErrorIs(t, err, ErrStepFailed)
	// Validator is never consulted when the primitive itself errors.
	assert.Zero(t, v.calls)
}

func TestSmartClickBelowThresholdEscalates(t *testing.T) {
	b := newFakeBrowser()
	loc := &fakeLocator{element: &schemas.VisionElement{Cell: "B2", Confidence: 0.4}}
	v := passingValidator()
	e := newTestExecutor(b, loc, v)
	jc := newFakeJob()
	jc.answer = "ok"

	plan := simplePlan(schemas.ActionStep{ID: "s1", ActionType: schemas.ActionTypeSmartClick, TargetHint: "buy button"})

	// The low-confidence locate asks the user; once answered, the same low
	// confidence asks again. Stop after the first ask to end the test.
	jc.askErr = ErrStopped
	result, err := e.Run(context.Background(), jc, "sess", plan)
	require.ErrorIs(t, err, ErrStopped)
	assert.False(t, result.Success)

	jc.mu.Lock()
	asked := len(jc.asked)
	jc.mu.Unlock()
	require.Equal(t, 1, asked)
	assert.Empty(t, b.clicked, "no click is issued below the confidence threshold")
	assert.Equal(t, schemas.LogStatusNeedsHuman, func() schemas.LogStatus {
		jc.mu.Lock()
		defer jc.mu.Unlock()
		records := jc.logs[jc.logOrder[0]]
		return records[len(records)-1].status
	}())
}

func TestSmartClickConfidentTarget(t *testing.T) {
	b := newFakeBrowser()
	loc := &fakeLocator{element: &schemas.VisionElement{Cell: "D7", Confidence: 0.9}}
	e := newTestExecutor(b, loc, passingValidator())
	jc := newFakeJob()

	plan := simplePlan(schemas.ActionStep{ID: "s1", ActionType: schemas.ActionTypeSmartClick, TargetHint: "buy button"})
	result, err := e.Run(context.Background(), jc, "sess", plan)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"D7"}, b.clicked)

	// The published post-click observation carries the located elements.
	jc.mu.Lock()
	published := jc.observation
	jc.mu.Unlock()
	require.NotNil(t, published)
	require.Len(t, published.Vision, 1)
	assert.Equal(t, "D7", published.Vision[0].Cell)
}

func TestPauseGatesEachAttempt(t *testing.T) {
	b := newFakeBrowser()
	v := &scriptedValidator{
		fallback: schemas.UnifiedStepResult{Success: false, ShouldRetry: true, Details: "not yet"},
		final:    schemas.UnifiedStepResult{Success: true},
	}
	e := newTestExecutor(b, &fakeLocator{}, v)
	jc := newFakeJob()
	// Gate checks: one before the step, one per attempt. Stopping at the
	// third models an operator pausing during the first backoff.
	jc.stopOnWait = 3

	plan := simplePlan(schemas.ActionStep{ID: "s1", ActionType: schemas.ActionTypeClick, TargetSelector: "A1", MaxRetries: 3})
	_, err := e.Run(context.Background(), jc, "sess", plan)
	require.ErrorIs(t, err, ErrStopped)

	// No primitive fires once the gate holds.
	assert.Equal(t, []string{"A1"}, b.clicked)
	jc.mu.Lock()
	waits := jc.waitCalls
	jc.mu.Unlock()
	assert.Equal(t, 3, waits)
}

func TestProgressTracksCompletedSteps(t *testing.T) {
	b := newFakeBrowser()
	e := newTestExecutor(b, &fakeLocator{}, passingValidator())
	jc := newFakeJob()

	plan := simplePlan(
		schemas.ActionStep{ID: "s1", ActionType: schemas.ActionTypeNavigate, TargetSelector: "https://example.org"},
		schemas.ActionStep{ID: "s2", ActionType: schemas.ActionTypeClick, TargetSelector: "C5"},
	)
	_, err := e.Run(context.Background(), jc, "sess", plan)
	require.NoError(t, err)

	jc.mu.Lock()
	progress := jc.progress
	jc.mu.Unlock()
	require.NotEmpty(t, progress)
	for _, p := range progress {
		assert.LessOrEqual(t, p[1], p[0], "completed count never exceeds the step index")
	}
	assert.Equal(t, [2]int{2, 2}, progress[len(progress)-1])
}

func TestCaptchaEscalatesAndResumesAfterHuman(t *testing.T) {
	b := newFakeBrowser()
	v := &scriptedValidator{
		fallback: schemas.UnifiedStepResult{Success: false, NeedsHuman: true, Details: "captcha"},
		final:    schemas.UnifiedStepResult{Success: true},
	}
	e := newTestExecutor(b, &fakeLocator{}, v)
	jc := newFakeJob()
	jc.answer = "done"

	plan := simplePlan(schemas.ActionStep{ID: "s1", ActionType: schemas.ActionTypeCaptchaChallenge})
	result, err := e.Run(context.Background(), jc, "sess", plan)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.CompletedSteps)

	jc.mu.Lock()
	defer jc.mu.Unlock()
	require.Len(t, jc.asked, 1)
	assert.Equal(t, "captcha", jc.asked[0].Field)
}

func TestNeedsHumanInjectsValueAndReattempts(t *testing.T) {
	b := newFakeBrowser()
	loc := &fakeLocator{element: &schemas.VisionElement{Cell: "E3", Confidence: 0.9}}
	v := &scriptedValidator{
		verdicts: []schemas.UnifiedStepResult{
			{Success: false, NeedsHuman: true, Details: "password needed"},
			{Success: true, Confidence: 0.8},
		},
		final: schemas.UnifiedStepResult{Success: true},
	}
	e := newTestExecutor(b, loc, v)
	jc := newFakeJob()
	jc.answer = "hunter2"

	plan := simplePlan(schemas.ActionStep{
		ID:                "s1",
		ActionType:        schemas.ActionTypeSmartType,
		TargetDescription: "password field",
		TargetHint:        "password field",
	})
	result, err := e.Run(context.Background(), jc, "sess", plan)
	require.NoError(t, err)
	assert.True(t, result.Success)

	jc.mu.Lock()
	defer jc.mu.Unlock()
	require.Len(t, jc.asked, 1)
	assert.Equal(t, "password", jc.asked[0].Field)
	assert.Equal(t, schemas.UserInputPassword, jc.asked[0].InputType)
	// The injected value is typed on the re-attempt.
	require.Len(t, b.typed, 2)
	assert.Equal(t, "E3=hunter2", b.typed[1])
}

func TestNavigateWithoutURLUsesDefault(t *testing.T) {
	b := newFakeBrowser()
	e := newTestExecutor(b, &fakeLocator{}, passingValidator())
	jc := newFakeJob()

	plan := simplePlan(schemas.ActionStep{ID: "s1", ActionType: schemas.ActionTypeNavigate})
	result, err := e.Run(context.Background(), jc, "sess", plan)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "https://www.google.com", b.url)

	rec := jc.lastStatus(t, 0)
	require.NotEmpty(t, rec.concerns)
}

func TestExpandValueSubstitutesUserData(t *testing.T) {
	e := newTestExecutor(newFakeBrowser(), &fakeLocator{}, passingValidator())
	jc := newFakeJob()
	jc.userData["email"] = "bob@example.org"

	assert.Equal(t, "bob@example.org", e.expandValue(jc, "{{email}}"))
	assert.Equal(t, "hi bob@example.org!", e.expandValue(jc, "hi {{email}}!"))
	assert.Equal(t, "", e.expandValue(jc, "{{missing}}"))
	assert.Equal(t, "plain", e.expandValue(jc, "plain"))
}

func TestFinalValidationDegradesResult(t *testing.T) {
	b := newFakeBrowser()
	v := passingValidator()
	v.final = schemas.UnifiedStepResult{Success: false, Concerns: []string{"error banner"}}
	e := newTestExecutor(b, &fakeLocator{}, v)
	jc := newFakeJob()

	plan := simplePlan(schemas.ActionStep{ID: "s1", ActionType: schemas.ActionTypeWait})
	result, err := e.Run(context.Background(), jc, "sess", plan)
	require.NoError(t, err, "a degraded final check never fails the run")
	assert.False(t, result.Success)
	assert.Equal(t, "Completed but validation found issues", result.Message)
	assert.Equal(t, 1, result.CompletedSteps)
}

func TestDeadlineAbortsRun(t *testing.T) {
	b := newFakeBrowser()
	e := newTestExecutor(b, &fakeLocator{}, passingValidator())
	jc := newFakeJob()

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	plan := simplePlan(schemas.ActionStep{ID: "s1", ActionType: schemas.ActionTypeWait})
	_, err := e.Run(ctx, jc, "sess", plan)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackoffDelayFormula(t *testing.T) {
	e := newTestExecutor(newFakeBrowser(), &fakeLocator{}, passingValidator())

	assert.Equal(t, 500*time.Millisecond, e.backoffDelay(1))
	assert.Equal(t, 1*time.Second, e.backoffDelay(2))
	assert.Equal(t, 2*time.Second, e.backoffDelay(3))
	assert.Equal(t, 4*time.Second, e.backoffDelay(4))
	assert.Equal(t, 5*time.Second, e.backoffDelay(5), "capped at the maximum")
	assert.Equal(t, 5*time.Second, e.backoffDelay(20))
}
