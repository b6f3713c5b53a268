// internal/planner/planner_test.go
package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vortexops/webpilot/api/schemas"
)

const defaultSearchURL = "https://www.google.com"

type stubLLM struct {
	response string
	err      error
	calls    int
}

func (s *stubLLM) GenerateResponse(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	s.calls++
	return s.response, s.err
}

func newTestPlanner(llm schemas.LLMClient) *Planner {
	return NewPlanner(llm, defaultSearchURL, zap.NewNop())
}

func TestCreatePlanFromLLM(t *testing.T) {
	llm := &stubLLM{response: `{
		"steps": [
			{"id": "step-1", "action_type": "NAVIGATE", "target_description": "open site", "target_selector": "https://example.org", "expected_outcome": "page loaded"},
			{"id": "step-2", "action_type": "SMART_CLICK", "target_description": "accept cookies", "target_hint": "accept button", "expected_outcome": "banner dismissed", "max_retries": 2}
		],
		"complexity": "simple",
		"estimated_steps": 2,
		"confidence": 0.85,
		"concerns": ["cookie banner may not appear"]
	}`}
	p := newTestPlanner(llm)

	result, err := p.CreatePlan(context.Background(), "open example.org and accept cookies")
	require.NoError(t, err)
	require.Len(t, result.Plan.Steps, 2)
	assert.Equal(t, schemas.ComplexitySimple, result.Complexity)
	assert.Equal(t, 0.85, result.Confidence)
	assert.Equal(t, 2, result.Plan.Steps[1].MaxRetries)
	assert.Empty(t, result.RequiredFields)
}

func TestCreatePlanFallsBackOnLLMError(t *testing.T) {
	p := newTestPlanner(&stubLLM{err: errors.New("network down")})

	result, err := p.CreatePlan(context.Background(), "search for mechanical keyboards")
	require.NoError(t, err, "LLM failures never surface as hard errors")
	require.NotEmpty(t, result.Plan.Steps)
	assert.Equal(t, schemas.ActionTypeNavigate, result.Plan.Steps[0].ActionType)

	found := false
	for _, c := range result.Concerns {
		if len(c) >= len("PLAN_GENERATION_FAILURE") && c[:len("PLAN_GENERATION_FAILURE")] == "PLAN_GENERATION_FAILURE" {
			found = true
		}
	}
	assert.True(t, found, "fallback use must be flagged as a concern")
}

func TestCreatePlanFallsBackOnInvalidResponse(t *testing.T) {
	cases := map[string]string{
		"not json":            "sure, here is a plan",
		"empty steps":         `{"steps": []}`,
		"unknown action type": `{"steps": [{"id": "s1", "action_type": "TELEPORT"}]}`,
		"duplicate ids":       `{"steps": [{"id": "s1", "action_type": "WAIT"}, {"id": "s1", "action_type": "WAIT"}]}`,
	}

	for name, response := range cases {
		t.Run(name, func(t *testing.T) {
			p := newTestPlanner(&stubLLM{response: response})
			result, err := p.CreatePlan(context.Background(), "visit https://example.org")
			require.NoError(t, err)
			require.NotEmpty(t, result.Plan.Steps)
			assert.Equal(t, "https://example.org", result.Plan.Steps[0].TargetSelector)
		})
	}
}

func TestFallbackGenericPlan(t *testing.T) {
	p := newTestPlanner(&stubLLM{err: errors.New("down")})

	result, err := p.CreatePlan(context.Background(), "do the thing")
	require.NoError(t, err)
	require.Len(t, result.Plan.Steps, 3)
	assert.Equal(t, schemas.ActionTypeNavigate, result.Plan.Steps[0].ActionType)
	assert.Equal(t, defaultSearchURL, result.Plan.Steps[0].TargetSelector)
	assert.Equal(t, schemas.ActionTypeWait, result.Plan.Steps[1].ActionType)
	assert.Equal(t, schemas.ActionTypeClick, result.Plan.Steps[2].ActionType)
	assert.Equal(t, 0.3, result.Confidence)
}

func TestFallbackGmailRegisterWithCaptcha(t *testing.T) {
	p := newTestPlanner(&stubLLM{err: errors.New("down")})

	result, err := p.CreatePlan(context.Background(), "register a new gmail account, expect a captcha")
	require.NoError(t, err)

	steps := result.Plan.Steps
	assert.Equal(t, gmailSignupURL, steps[0].TargetSelector)

	// CAPTCHA sits immediately before the final submit.
	last := steps[len(steps)-1]
	assert.Equal(t, schemas.ActionTypeSubmit, last.ActionType)
	assert.Equal(t, schemas.ActionTypeCaptcha, steps[len(steps)-2].ActionType)

	assert.ElementsMatch(t, []string{"email", "password"}, result.RequiredFields)
}

func TestFallbackGmailRegisterWithoutCaptcha(t *testing.T) {
	p := newTestPlanner(&stubLLM{err: errors.New("down")})

	result, err := p.CreatePlan(context.Background(), "sign up for gmail")
	require.NoError(t, err)
	for _, s := range result.Plan.Steps {
		assert.NotEqual(t, schemas.ActionTypeCaptcha, s.ActionType)
	}
}

func TestFallbackLoginRequiredFields(t *testing.T) {
	p := newTestPlanner(&stubLLM{err: errors.New("down")})

	result, err := p.CreatePlan(context.Background(), "log in to https://app.example.org")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"email", "password"}, result.RequiredFields)

	// Credentials embedded in the goal satisfy the template.
	result, err = p.CreatePlan(context.Background(), "log in to https://app.example.org as bob@example.org password: hunter2")
	require.NoError(t, err)
	assert.Empty(t, result.RequiredFields)
}

func TestFallbackShoppingTemplate(t *testing.T) {
	p := newTestPlanner(&stubLLM{err: errors.New("down")})

	result, err := p.CreatePlan(context.Background(), "buy a phone case on shop.example.org")
	require.NoError(t, err)

	var types []schemas.ActionType
	for _, s := range result.Plan.Steps {
		types = append(types, s.ActionType)
	}
	assert.Contains(t, types, schemas.ActionTypeSmartClick)
	assert.Equal(t, "https://shop.example.org", result.Plan.Steps[0].TargetSelector)
	assert.Empty(t, result.RequiredFields)
}

func TestClassifyGoal(t *testing.T) {
	cases := []struct {
		goal string
		want goalTemplate
	}{
		{"create a gmail account", templateGmailRegister},
		{"buy socks", templateShopping},
		{"sign in to my bank", templateLogin},
		{"search for cheap flights", templateSearch},
		{"fill out the contact form", templateForm},
		{"look at cat pictures", templateGeneric},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyGoal(tc.goal), tc.goal)
	}
}

func TestExtractURL(t *testing.T) {
	assert.Equal(t, "https://example.org/a", extractURL("go to https://example.org/a, then wait"))
	assert.Equal(t, "https://www.example.org", extractURL("open www.example.org"))
	assert.Equal(t, "", extractURL("no site here"))
	assert.Equal(t, "", extractURL("email bob@example.org about it"))
}

func TestValidatePlanClampsRetries(t *testing.T) {
	plan := schemas.ActionPlan{Steps: []schemas.ActionStep{
		{ID: "a", ActionType: schemas.ActionTypeWait, MaxRetries: 99},
		{ActionType: schemas.ActionTypeWait},
	}}
	require.NoError(t, validatePlan(&plan))
	assert.Equal(t, schemas.DefaultMaxRetries, plan.Steps[0].MaxRetries)
	assert.Equal(t, "step-2", plan.Steps[1].ID)
}
