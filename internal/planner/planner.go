// internal/planner/planner.go
package planner

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vortexops/webpilot/api/schemas"
	"github.com/vortexops/webpilot/internal/llmutil"
)

const (
	planTimeout = 30 * time.Second

	gmailSignupURL = "https://accounts.google.com/signup"
)

const plannerSystemPrompt = `You are a web automation planner. Decompose the user's goal into an ordered sequence of browser actions.

Respond with ONLY a JSON object:
{
  "steps": [
    {
      "id": "step-1",
      "action_type": "NAVIGATE|CLICK|TYPE|WAIT|SCROLL|SUBMIT|CAPTCHA|SMART_CLICK|SMART_TYPE|SELECT",
      "target_description": "<what the step targets>",
      "target_selector": "<URL for NAVIGATE, otherwise omit>",
      "target_hint": "<visual description for SMART_CLICK/SMART_TYPE>",
      "input_value": "<text for TYPE/SMART_TYPE, otherwise omit>",
      "expected_outcome": "<observable result>",
      "max_retries": 3
    }
  ],
  "complexity": "simple|moderate|complex",
  "estimated_steps": <int>,
  "confidence": <0.0 to 1.0>,
  "concerns": ["<anything that could go wrong>"]
}

Prefer SMART_CLICK and SMART_TYPE with a target_hint over bare CLICK/TYPE. The first step is almost always NAVIGATE. Keep plans short.`

var (
	urlPattern   = regexp.MustCompile(`https?://[^\s"'<>]+`)
	bareDomainRe = regexp.MustCompile(`\b(?:www\.)?[a-zA-Z0-9][a-zA-Z0-9-]*(?:\.[a-zA-Z0-9-]+)+\b`)
	emailRe      = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	passwordRe   = regexp.MustCompile(`(?i)password[:=\s]+\S+`)
)

// goalTemplate is the fallback classifier's bucket.
type goalTemplate string

const (
	templateGmailRegister goalTemplate = "gmail-register"
	templateShopping      goalTemplate = "shopping"
	templateLogin         goalTemplate = "login"
	templateSearch        goalTemplate = "search"
	templateForm          goalTemplate = "form"
	templateGeneric       goalTemplate = "generic"
)

// Planner turns a natural-language goal into an ActionPlan. The LLM path is
// best-effort: any failure there routes to the deterministic fallback, never
// to the caller.
type Planner struct {
	llm        schemas.LLMClient
	defaultURL string
	logger     *zap.Logger
}

func NewPlanner(llm schemas.LLMClient, defaultURL string, logger *zap.Logger) *Planner {
	return &Planner{
		llm:        llm,
		defaultURL: defaultURL,
		logger:     logger.Named("planner"),
	}
}

// RequiredFields reports the user-data fields the goal cannot proceed
// without. It runs the deterministic classifier only, so callers can answer
// NEEDS_USER_DATA synchronously before any planning happens.
func (p *Planner) RequiredFields(goal string) []string {
	return missingCredentialFields(classifyGoal(goal), goal)
}

// llmPlanResponse mirrors the JSON shape requested from the model.
type llmPlanResponse struct {
	Steps          []schemas.ActionStep `json:"steps"`
	Complexity     string               `json:"complexity"`
	EstimatedSteps int                  `json:"estimated_steps"`
	Confidence     float64              `json:"confidence"`
	Concerns       []string             `json:"concerns"`
}

// CreatePlan produces a plan for the goal. LLM errors degrade to the
// deterministic fallback and are reported only through concerns.
func (p *Planner) CreatePlan(ctx context.Context, goal string) (*schemas.PlanResult, error) {
	result, err := p.planWithLLM(ctx, goal)
	if err == nil {
		return result, nil
	}

	p.logger.Warn("LLM planning failed, using fallback planner.",
		zap.String("goal", goal),
		zap.Error(err),
	)
	fallback := p.fallbackPlan(goal)
	fallback.Concerns = append(fallback.Concerns, "PLAN_GENERATION_FAILURE: deterministic fallback plan in use")
	return fallback, nil
}

func (p *Planner) planWithLLM(ctx context.Context, goal string) (*schemas.PlanResult, error) {
	if p.llm == nil {
		return nil, fmt.Errorf("no planner model configured")
	}

	llmCtx, cancel := context.WithTimeout(ctx, planTimeout)
	defer cancel()

	raw, err := p.llm.GenerateResponse(llmCtx, schemas.GenerationRequest{
		SystemPrompt: plannerSystemPrompt,
		UserPrompt:   fmt.Sprintf("Goal: %s", goal),
		Options: schemas.GenerationOptions{
			Temperature:     0.2,
			ForceJSONFormat: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("planning request failed: %w", err)
	}

	parsed, err := llmutil.ParseJSONResponse[llmPlanResponse](raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan response: %w", err)
	}

	plan := schemas.ActionPlan{
		Goal:       goal,
		Steps:      parsed.Steps,
		Confidence: parsed.Confidence,
		Concerns:   parsed.Concerns,
	}
	if err := validatePlan(&plan); err != nil {
		return nil, fmt.Errorf("plan validation failed: %w", err)
	}

	complexity := schemas.PlanComplexity(parsed.Complexity)
	switch complexity {
	case schemas.ComplexitySimple, schemas.ComplexityModerate, schemas.ComplexityComplex:
	default:
		complexity = complexityForSteps(len(plan.Steps))
	}

	estimated := parsed.EstimatedSteps
	if estimated <= 0 {
		estimated = len(plan.Steps)
	}

	return &schemas.PlanResult{
		Plan:           plan,
		Complexity:     complexity,
		EstimatedSteps: estimated,
		Confidence:     parsed.Confidence,
		Concerns:       parsed.Concerns,
		RequiredFields: missingCredentialFields(classifyGoal(goal), goal),
	}, nil
}

// validatePlan enforces the structural contract: non-empty steps, known
// action types, unique ids, and per-step retry budgets clamped so the sum
// stays within the plan-wide ceiling.
func validatePlan(plan *schemas.ActionPlan) error {
	if len(plan.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}

	seen := make(map[string]bool, len(plan.Steps))
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.ID == "" {
			step.ID = fmt.Sprintf("step-%d", i+1)
		}
		if seen[step.ID] {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		seen[step.ID] = true

		if !schemas.ValidActionTypes[step.ActionType] {
			return fmt.Errorf("step %q has unknown action type %q", step.ID, step.ActionType)
		}
		if step.MaxRetries < 0 || step.MaxRetries > schemas.DefaultMaxRetries {
			step.MaxRetries = schemas.DefaultMaxRetries
		}
	}
	return nil
}

func complexityForSteps(n int) schemas.PlanComplexity {
	switch {
	case n <= 3:
		return schemas.ComplexitySimple
	case n <= 6:
		return schemas.ComplexityModerate
	default:
		return schemas.ComplexityComplex
	}
}

// classifyGoal buckets a goal by keyword match.
func classifyGoal(goal string) goalTemplate {
	g := strings.ToLower(goal)

	registerIntent := strings.Contains(g, "register") || strings.Contains(g, "sign up") ||
		strings.Contains(g, "signup") || strings.Contains(g, "create account") ||
		strings.Contains(g, "create an account")

	switch {
	case strings.Contains(g, "gmail") && registerIntent:
		return templateGmailRegister
	case strings.Contains(g, "buy") || strings.Contains(g, "shop") || strings.Contains(g, "cart") ||
		strings.Contains(g, "purchase") || strings.Contains(g, "order"):
		return templateShopping
	case strings.Contains(g, "log in") || strings.Contains(g, "login") || strings.Contains(g, "sign in"):
		return templateLogin
	case strings.Contains(g, "search"):
		return templateSearch
	case strings.Contains(g, "form") || strings.Contains(g, "fill"):
		return templateForm
	default:
		return templateGeneric
	}
}

// extractURL pulls the first URL-looking token from the goal, normalising
// bare domains to https. Returns "" when the goal names no site.
func extractURL(goal string) string {
	if m := urlPattern.FindString(goal); m != "" {
		return strings.TrimRight(m, ".,;)")
	}
	for _, m := range bareDomainRe.FindAllString(goal, -1) {
		// Skip things that are clearly email addresses.
		if strings.Contains(goal, "@"+m) || emailRe.MatchString(m) {
			continue
		}
		return "https://" + strings.TrimRight(m, ".,;)")
	}
	return ""
}

// missingCredentialFields reports the user-data fields a credentialed
// template needs that the goal text does not already carry.
func missingCredentialFields(tpl goalTemplate, goal string) []string {
	if tpl != templateLogin && tpl != templateGmailRegister {
		return nil
	}
	var missing []string
	if !emailRe.MatchString(goal) {
		missing = append(missing, "email")
	}
	if !passwordRe.MatchString(goal) {
		missing = append(missing, "password")
	}
	return missing
}

// injectCredentials replaces credential placeholders with values the goal
// text already carries, so self-contained goals run without user input.
func injectCredentials(steps []schemas.ActionStep, goal string) {
	email := emailRe.FindString(goal)
	password := ""
	if m := passwordRe.FindString(goal); m != "" {
		parts := strings.Fields(strings.NewReplacer(":", " ", "=", " ").Replace(m))
		if len(parts) >= 2 {
			password = parts[len(parts)-1]
		}
	}
	for i := range steps {
		if email != "" {
			steps[i].InputValue = strings.ReplaceAll(steps[i].InputValue, "{{email}}", email)
		}
		if password != "" {
			steps[i].InputValue = strings.ReplaceAll(steps[i].InputValue, "{{password}}", password)
		}
	}
}

// fallbackPlan emits a canned template plan without touching the network.
func (p *Planner) fallbackPlan(goal string) *schemas.PlanResult {
	tpl := classifyGoal(goal)
	targetURL := extractURL(goal)

	if targetURL == "" && tpl == templateGmailRegister {
		targetURL = gmailSignupURL
	}

	// No URL and no template match: minimal generic plan.
	if targetURL == "" && tpl == templateGeneric {
		plan := schemas.ActionPlan{
			Goal: goal,
			Steps: []schemas.ActionStep{
				navigateStep(1, p.defaultURL),
				waitStep(2),
				{
					ID:                "step-3",
					ActionType:        schemas.ActionTypeClick,
					TargetDescription: "most relevant element for the goal",
					TargetHint:        goal,
					ExpectedOutcome:   "page reacts to the click",
					MaxRetries:        schemas.DefaultMaxRetries,
				},
			},
			Confidence: 0.3,
			Concerns:   []string{"generic fallback plan; goal named no site and matched no template"},
		}
		return &schemas.PlanResult{
			Plan:           plan,
			Complexity:     schemas.ComplexitySimple,
			EstimatedSteps: len(plan.Steps),
			Confidence:     0.3,
			Concerns:       plan.Concerns,
		}
	}

	if targetURL == "" {
		targetURL = p.defaultURL
	}

	steps := []schemas.ActionStep{
		navigateStep(1, targetURL),
		waitStep(2),
	}
	steps = append(steps, p.templateSteps(tpl, goal, len(steps))...)
	injectCredentials(steps, goal)

	plan := schemas.ActionPlan{
		Goal:       goal,
		Steps:      steps,
		Confidence: 0.5,
	}

	return &schemas.PlanResult{
		Plan:           plan,
		Complexity:     complexityForSteps(len(steps)),
		EstimatedSteps: len(steps),
		Confidence:     0.5,
		RequiredFields: missingCredentialFields(tpl, goal),
	}
}

// templateSteps emits the domain-specific tail of a fallback plan. offset is
// the number of steps already emitted.
func (p *Planner) templateSteps(tpl goalTemplate, goal string, offset int) []schemas.ActionStep {
	n := offset
	next := func() int { n++; return n }

	switch tpl {
	case templateGmailRegister:
		steps := []schemas.ActionStep{
			smartTypeStep(next(), "first name field", "{{first_name}}"),
			smartTypeStep(next(), "username or email field", "{{email}}"),
			smartTypeStep(next(), "password field", "{{password}}"),
		}
		if strings.Contains(strings.ToLower(goal), "captcha") {
			steps = append(steps, schemas.ActionStep{
				ID:                fmt.Sprintf("step-%d", next()),
				ActionType:        schemas.ActionTypeCaptcha,
				TargetDescription: "captcha challenge",
				ExpectedOutcome:   "captcha solved or escalated",
				MaxRetries:        1,
			})
		}
		return append(steps, submitStep(next(), "create account button"))

	case templateLogin:
		return []schemas.ActionStep{
			smartTypeStep(next(), "username or email field", "{{email}}"),
			smartTypeStep(next(), "password field", "{{password}}"),
			smartClickStep(next(), "sign in button"),
		}

	case templateShopping:
		return []schemas.ActionStep{
			smartClickStep(next(), "product matching the goal"),
			smartClickStep(next(), "add to cart button"),
			smartClickStep(next(), "checkout button"),
		}

	case templateSearch:
		return []schemas.ActionStep{
			smartTypeStep(next(), "search input", searchQuery(goal)),
			submitStep(next(), "search button"),
		}

	case templateForm:
		return []schemas.ActionStep{
			smartTypeStep(next(), "first form field", goal),
			submitStep(next(), "submit button"),
		}

	default:
		return []schemas.ActionStep{
			smartClickStep(next(), "most relevant element for the goal"),
		}
	}
}

// searchQuery strips search phrasing and the site name from the goal so the
// residue can be typed into a search box.
func searchQuery(goal string) string {
	q := goal
	for _, noise := range []string{"search for", "search", "on google", "on bing", "look up"} {
		q = strings.ReplaceAll(strings.ToLower(q), noise, "")
	}
	q = strings.TrimSpace(q)
	if q == "" {
		return goal
	}
	return q
}

func navigateStep(n int, targetURL string) schemas.ActionStep {
	return schemas.ActionStep{
		ID:                fmt.Sprintf("step-%d", n),
		ActionType:        schemas.ActionTypeNavigate,
		TargetDescription: targetURL,
		TargetSelector:    targetURL,
		ExpectedOutcome:   "page loaded",
		MaxRetries:        schemas.DefaultMaxRetries,
	}
}

func waitStep(n int) schemas.ActionStep {
	return schemas.ActionStep{
		ID:                fmt.Sprintf("step-%d", n),
		ActionType:        schemas.ActionTypeWait,
		TargetDescription: "page settle",
		ExpectedOutcome:   "page is interactive",
		MaxRetries:        1,
	}
}

func smartTypeStep(n int, hint, value string) schemas.ActionStep {
	return schemas.ActionStep{
		ID:                fmt.Sprintf("step-%d", n),
		ActionType:        schemas.ActionTypeSmartType,
		TargetDescription: hint,
		TargetHint:        hint,
		InputValue:        value,
		ExpectedOutcome:   "value entered into " + hint,
		MaxRetries:        schemas.DefaultMaxRetries,
	}
}

func smartClickStep(n int, hint string) schemas.ActionStep {
	return schemas.ActionStep{
		ID:                fmt.Sprintf("step-%d", n),
		ActionType:        schemas.ActionTypeSmartClick,
		TargetDescription: hint,
		TargetHint:        hint,
		ExpectedOutcome:   hint + " activated",
		MaxRetries:        schemas.DefaultMaxRetries,
	}
}

func submitStep(n int, hint string) schemas.ActionStep {
	return schemas.ActionStep{
		ID:                fmt.Sprintf("step-%d", n),
		ActionType:        schemas.ActionTypeSubmit,
		TargetDescription: hint,
		TargetHint:        hint,
		ExpectedOutcome:   "form submitted",
		MaxRetries:        schemas.DefaultMaxRetries,
	}
}
