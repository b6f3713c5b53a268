// internal/llmclient/factory.go
package llmclient

import (
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vortexops/webpilot/api/schemas"
	"github.com/vortexops/webpilot/internal/config"
)

// NewPlannerClient builds the text client the planner uses. Planning calls
// are infrequent, so no throttle is applied.
func NewPlannerClient(cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	return NewGeminiClient(cfg, cfg.PlannerModel, nil, logger)
}

// NewValidatorClient builds the vision client used for step validation and
// element location. Validation runs once per step attempt, so the client is
// throttled to keep retry storms off the model endpoint.
func NewValidatorClient(cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return NewGeminiClient(cfg, cfg.ValidatorModel, limiter, logger)
}
