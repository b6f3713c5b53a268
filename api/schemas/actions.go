package schemas

import "time"

// ActionType is the closed set of primitive step kinds a plan may contain.
type ActionType string

const (
	ActionTypeNavigate         ActionType = "NAVIGATE"
	ActionTypeClick            ActionType = "CLICK"
	ActionTypeType             ActionType = "TYPE"
	ActionTypeWait             ActionType = "WAIT"
	ActionTypeScroll           ActionType = "SCROLL"
	ActionTypeSubmit           ActionType = "SUBMIT"
	ActionTypeCaptcha          ActionType = "CAPTCHA"
	ActionTypeCaptchaChallenge ActionType = "CAPTCHA_CHALLENGE"
	ActionTypeSmartClick       ActionType = "SMART_CLICK"
	ActionTypeSmartType        ActionType = "SMART_TYPE"
	ActionTypeSelect           ActionType = "SELECT"
)

// ValidActionTypes is consulted when validating planner output.
var ValidActionTypes = map[ActionType]bool{
	ActionTypeNavigate:         true,
	ActionTypeClick:            true,
	ActionTypeType:             true,
	ActionTypeWait:             true,
	ActionTypeScroll:           true,
	ActionTypeSubmit:           true,
	ActionTypeCaptcha:          true,
	ActionTypeCaptchaChallenge: true,
	ActionTypeSmartClick:       true,
	ActionTypeSmartType:        true,
	ActionTypeSelect:           true,
}

// DefaultMaxRetries applies when a step does not specify its own budget.
const DefaultMaxRetries = 3

// ActionStep is a single executable unit of an ActionPlan.
// TargetSelector carries the URL for NAVIGATE steps. TargetHint is a
// natural-language anchor consumed by the vision locator.
type ActionStep struct {
	ID                string     `json:"id"`
	ActionType        ActionType `json:"action_type"`
	TargetDescription string     `json:"target_description"`
	TargetSelector    string     `json:"target_selector,omitempty"`
	TargetHint        string     `json:"target_hint,omitempty"`
	InputValue        string     `json:"input_value,omitempty"`
	ExpectedOutcome   string     `json:"expected_outcome"`
	MaxRetries        int        `json:"max_retries,omitempty"`
}

// Retries returns the effective retry budget for the step.
func (s ActionStep) Retries() int {
	if s.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return s.MaxRetries
}

// PlanComplexity is the planner's coarse classification of a goal.
type PlanComplexity string

const (
	ComplexitySimple   PlanComplexity = "simple"
	ComplexityModerate PlanComplexity = "moderate"
	ComplexityComplex  PlanComplexity = "complex"
)

// ActionPlan is an ordered sequence of steps that, executed successfully,
// achieves the goal. Steps is never empty and step IDs are unique.
type ActionPlan struct {
	Goal              string        `json:"goal"`
	Steps             []ActionStep  `json:"steps"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	Confidence        float64       `json:"confidence,omitempty"`
	Concerns          []string      `json:"concerns,omitempty"`
}

// RetryBudget is the plan-wide ceiling on the sum of per-step retry budgets.
func (p ActionPlan) RetryBudget() int {
	return DefaultMaxRetries * len(p.Steps)
}

// PlanResult is what the planner returns to the supervisor.
type PlanResult struct {
	Plan           ActionPlan     `json:"plan"`
	Complexity     PlanComplexity `json:"complexity"`
	EstimatedSteps int            `json:"estimated_steps"`
	Confidence     float64        `json:"confidence,omitempty"`
	Concerns       []string       `json:"concerns,omitempty"`
	// RequiredFields lists user data the plan cannot proceed without
	// (e.g. login credentials). Empty for self-contained goals.
	RequiredFields []string `json:"required_fields,omitempty"`
}
