// internal/validator/validator.go
package validator

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vortexops/webpilot/api/schemas"
	"github.com/vortexops/webpilot/internal/llmutil"
)

// heuristicFreshness is how recent an observation must be for the fallback
// validator to treat it as reflecting the action just performed.
const heuristicFreshness = 10 * time.Second

const validatorSystemPrompt = `You are a web automation validator. You receive a screenshot taken after a browser action, plus the action's description and expected outcome. Judge whether the action achieved its outcome.

Respond with ONLY a JSON object:
{
  "success": <bool>,
  "confidence": <0.0 to 1.0>,
  "should_retry": <bool, true only when success is false and retrying could help>,
  "needs_human": <bool, true only for obstacles automation cannot clear: captchas, 2FA prompts, consent walls>,
  "concerns": ["<anything suspicious>"],
  "details": "<one sentence verdict>"
}`

// Validator judges step outcomes from observations. The vision LLM path is
// best-effort; when it fails the heuristic rule set produces the same shape.
type Validator struct {
	llm    schemas.LLMClient
	logger *zap.Logger
}

func New(llm schemas.LLMClient, logger *zap.Logger) *Validator {
	return &Validator{
		llm:    llm,
		logger: logger.Named("validator"),
	}
}

// llmVerdict mirrors the JSON shape requested from the model.
type llmVerdict struct {
	Success     bool     `json:"success"`
	Confidence  float64  `json:"confidence"`
	ShouldRetry bool     `json:"should_retry"`
	NeedsHuman  bool     `json:"needs_human"`
	Concerns    []string `json:"concerns"`
	Details     string   `json:"details"`
}

// ValidateStep returns the verdict for one attempt of a step. preAction is
// when the primitive was dispatched; observations older than that cannot
// confirm anything.
func (v *Validator) ValidateStep(ctx context.Context, obs *schemas.Observation, step schemas.ActionStep, attempt int, preAction time.Time) schemas.UnifiedStepResult {
	result, err := v.validateWithLLM(ctx, obs, step)
	if err != nil {
		v.logger.Debug("LLM validation unavailable, using heuristics.",
			zap.String("step_id", step.ID),
			zap.Error(err),
		)
		result = v.heuristicVerdict(obs, step, preAction)
	}

	result.StepName = step.ID
	result.Timestamp = time.Now()
	if obs != nil {
		result.ScreenshotAfter = obs.Screenshot
	}
	return normalize(result)
}

// normalize enforces the result invariants regardless of which path
// produced the verdict.
func normalize(r schemas.UnifiedStepResult) schemas.UnifiedStepResult {
	if r.NeedsHuman {
		r.Success = false
		r.ShouldRetry = false
	}
	if r.Success {
		r.ShouldRetry = false
	}
	if r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 1 {
		r.Confidence = 1
	}
	return r
}

func (v *Validator) validateWithLLM(ctx context.Context, obs *schemas.Observation, step schemas.ActionStep) (schemas.UnifiedStepResult, error) {
	if v.llm == nil {
		return schemas.UnifiedStepResult{}, fmt.Errorf("no validator model configured")
	}
	if obs == nil || obs.Screenshot == "" {
		return schemas.UnifiedStepResult{}, fmt.Errorf("no screenshot to validate against")
	}

	userPrompt := fmt.Sprintf(
		"Action: %s\nTarget: %s\nExpected outcome: %s\nCurrent URL: %s\nPage title: %s",
		step.ActionType, step.TargetDescription, step.ExpectedOutcome, obs.CurrentURL, obs.PageTitle,
	)

	raw, err := v.llm.GenerateResponse(ctx, schemas.GenerationRequest{
		SystemPrompt: validatorSystemPrompt,
		UserPrompt:   userPrompt,
		Images: []schemas.InlineImage{
			{MimeType: "image/png", Data: obs.Screenshot},
		},
		Options: schemas.GenerationOptions{
			Temperature:     0.1,
			ForceJSONFormat: true,
		},
	})
	if err != nil {
		return schemas.UnifiedStepResult{}, fmt.Errorf("validation request failed: %w", err)
	}

	verdict, err := llmutil.ParseJSONResponse[llmVerdict](raw)
	if err != nil {
		return schemas.UnifiedStepResult{}, fmt.Errorf("failed to parse validation response: %w", err)
	}

	return schemas.UnifiedStepResult{
		Success:     verdict.Success,
		Confidence:  verdict.Confidence,
		ShouldRetry: verdict.ShouldRetry,
		NeedsHuman:  verdict.NeedsHuman,
		Concerns:    verdict.Concerns,
		Details:     verdict.Details,
	}, nil
}

// heuristicVerdict applies the per-action rule set when the vision model is
// unreachable.
func (v *Validator) heuristicVerdict(obs *schemas.Observation, step schemas.ActionStep, preAction time.Time) schemas.UnifiedStepResult {
	fresh := obs != nil && obs.Screenshot != "" &&
		obs.Timestamp.After(preAction) &&
		time.Since(obs.Timestamp) < heuristicFreshness

	switch step.ActionType {
	case schemas.ActionTypeNavigate:
		if obs == nil || obs.CurrentURL == "" || obs.Screenshot == "" {
			return schemas.UnifiedStepResult{
				Success:     false,
				Confidence:  0.3,
				ShouldRetry: true,
				Details:     "no usable observation after navigation",
			}
		}
		if step.TargetSelector != "" && !hostsMatch(step.TargetSelector, obs.CurrentURL) {
			return schemas.UnifiedStepResult{
				Success:     false,
				Confidence:  0.3,
				ShouldRetry: true,
				Concerns:    []string{fmt.Sprintf("landed on %s instead of %s", obs.CurrentURL, step.TargetSelector)},
				Details:     "observed host does not match navigation target",
			}
		}
		return schemas.UnifiedStepResult{
			Success:    true,
			Confidence: 0.8,
			Details:    "page loaded with a non-empty URL and screenshot",
		}

	case schemas.ActionTypeWait:
		return schemas.UnifiedStepResult{
			Success:    true,
			Confidence: 1.0,
			Details:    "wait elapsed",
		}

	case schemas.ActionTypeClick, schemas.ActionTypeSmartClick, schemas.ActionTypeScroll, schemas.ActionTypeSelect:
		if fresh {
			return schemas.UnifiedStepResult{
				Success:    true,
				Confidence: 0.6,
				Details:    "fresh screenshot after interaction",
			}
		}
		return schemas.UnifiedStepResult{
			Success:     false,
			Confidence:  0.3,
			ShouldRetry: true,
			Details:     "no fresh screenshot after interaction",
		}

	case schemas.ActionTypeType, schemas.ActionTypeSmartType:
		if fresh {
			return schemas.UnifiedStepResult{
				Success:    true,
				Confidence: 0.6,
				Details:    "fresh screenshot after typing",
			}
		}
		return schemas.UnifiedStepResult{
			Success:     false,
			Confidence:  0.3,
			ShouldRetry: true,
			Details:     "no fresh screenshot after typing",
		}

	case schemas.ActionTypeSubmit:
		if fresh {
			return schemas.UnifiedStepResult{
				Success:    true,
				Confidence: 0.6,
				Details:    "fresh screenshot after submit",
			}
		}
		return schemas.UnifiedStepResult{
			Success:     false,
			Confidence:  0.3,
			ShouldRetry: true,
			Details:     "cannot confirm submission without a fresh screenshot",
		}

	case schemas.ActionTypeCaptcha, schemas.ActionTypeCaptchaChallenge:
		return schemas.UnifiedStepResult{
			Success:    false,
			Confidence: 0.2,
			NeedsHuman: true,
			Concerns:   []string{"captcha cannot be verified without vision"},
			Details:    "captcha requires human review",
		}

	default:
		return schemas.UnifiedStepResult{
			Success:     false,
			Confidence:  0.3,
			ShouldRetry: true,
			Details:     fmt.Sprintf("no heuristic for action type %s", step.ActionType),
		}
	}
}

// hostsMatch compares the host of the navigation target with the host of
// the observed URL, tolerating a www prefix on either side.
func hostsMatch(targetURL, observedURL string) bool {
	t, err := url.Parse(targetURL)
	if err != nil {
		return true
	}
	o, err := url.Parse(observedURL)
	if err != nil {
		return false
	}
	th := strings.TrimPrefix(strings.ToLower(t.Host), "www.")
	oh := strings.TrimPrefix(strings.ToLower(o.Host), "www.")
	if th == "" {
		return true
	}
	return th == oh
}

// ValidateFinalResult performs the holistic end-of-plan check. A negative
// verdict degrades the result message, it never fails the run.
func (v *Validator) ValidateFinalResult(ctx context.Context, obs *schemas.Observation, goal string) schemas.UnifiedStepResult {
	result, err := v.finalWithLLM(ctx, obs, goal)
	if err != nil {
		v.logger.Debug("LLM final validation unavailable, using heuristics.", zap.Error(err))
		ok := obs != nil && obs.Screenshot != "" && obs.CurrentURL != ""
		result = schemas.UnifiedStepResult{
			Success:    ok,
			Confidence: 0.5,
			Details:    "final state checked heuristically",
		}
		if !ok {
			result.Details = "no usable final observation"
		}
	}

	result.StepName = "final"
	result.Timestamp = time.Now()
	if obs != nil {
		result.ScreenshotAfter = obs.Screenshot
	}
	return normalize(result)
}

func (v *Validator) finalWithLLM(ctx context.Context, obs *schemas.Observation, goal string) (schemas.UnifiedStepResult, error) {
	if v.llm == nil {
		return schemas.UnifiedStepResult{}, fmt.Errorf("no validator model configured")
	}
	if obs == nil || obs.Screenshot == "" {
		return schemas.UnifiedStepResult{}, fmt.Errorf("no screenshot to validate against")
	}

	userPrompt := fmt.Sprintf(
		"The automation goal was: %q\nAll plan steps completed. Current URL: %s\nPage title: %s\nJudge from the screenshot whether the goal appears achieved.",
		goal, obs.CurrentURL, obs.PageTitle,
	)

	raw, err := v.llm.GenerateResponse(ctx, schemas.GenerationRequest{
		SystemPrompt: validatorSystemPrompt,
		UserPrompt:   userPrompt,
		Images: []schemas.InlineImage{
			{MimeType: "image/png", Data: obs.Screenshot},
		},
		Options: schemas.GenerationOptions{
			Temperature:     0.1,
			ForceJSONFormat: true,
		},
	})
	if err != nil {
		return schemas.UnifiedStepResult{}, fmt.Errorf("final validation request failed: %w", err)
	}

	verdict, err := llmutil.ParseJSONResponse[llmVerdict](raw)
	if err != nil {
		return schemas.UnifiedStepResult{}, fmt.Errorf("failed to parse final validation response: %w", err)
	}

	return schemas.UnifiedStepResult{
		Success:    verdict.Success,
		Confidence: verdict.Confidence,
		Concerns:   verdict.Concerns,
		Details:    verdict.Details,
	}, nil
}
