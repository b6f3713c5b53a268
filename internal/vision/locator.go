// internal/vision/locator.go
package vision

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/vortexops/webpilot/api/schemas"
	"github.com/vortexops/webpilot/internal/config"
	"github.com/vortexops/webpilot/internal/grid"
	"github.com/vortexops/webpilot/internal/llmutil"
)

const locatorSystemPrompt = `You are a visual UI locator. You receive a screenshot of a web page with a coordinate grid overlay and a description of a target element. Identify every on-screen element that could match the description.

Respond with ONLY a JSON array. Each entry must have this shape:
{
  "label": "<short description of the element>",
  "type": "<button|link|input|checkbox|image|text|other>",
  "confidence": <0.0 to 1.0>,
  "bbox": {"x": <px>, "y": <px>, "w": <px>, "h": <px>}
}

The bbox is in screenshot pixel coordinates. Report confidence honestly: use low values when the match is uncertain. Return an empty array if nothing matches.`

// Locator resolves natural-language element hints to grid cells using the
// vision model. It never raises page state errors itself; a hint that
// resolves to nothing is an empty result, not a failure.
type Locator struct {
	llm    schemas.LLMClient
	cfg    config.VisionConfig
	logger *zap.Logger
}

func NewLocator(llm schemas.LLMClient, cfg config.VisionConfig, logger *zap.Logger) *Locator {
	return &Locator{
		llm:    llm,
		cfg:    cfg,
		logger: logger.Named("vision_locator"),
	}
}

// Threshold returns the minimum confidence for an automatic action on a
// located element.
func (l *Locator) Threshold() float64 {
	return l.cfg.ConfidenceThreshold
}

// rawCandidate is the shape the model returns before cell binding.
type rawCandidate struct {
	Label      string        `json:"label"`
	Type       string        `json:"type"`
	Confidence float64       `json:"confidence"`
	BBox       *schemas.BBox `json:"bbox"`
}

// FindElements asks the vision model for every element matching the hint
// and binds each bounding box centre to the grid cell containing it.
// Results are sorted by confidence, best first, and attached to obs.Vision
// so downstream snapshots carry the annotations.
func (l *Locator) FindElements(ctx context.Context, obs *schemas.Observation, hint string) ([]schemas.VisionElement, error) {
	if obs == nil || obs.Screenshot == "" {
		return nil, fmt.Errorf("%w: observation has no screenshot", schemas.ErrInvalidInput)
	}

	userPrompt := fmt.Sprintf(
		"Target element: %q\nPage URL: %s\nViewport: %dx%d px, grid %d columns x %d rows.",
		hint, obs.CurrentURL, obs.Viewport.Width, obs.Viewport.Height, obs.Grid.Cols, obs.Grid.Rows,
	)

	raw, err := l.llm.GenerateResponse(ctx, schemas.GenerationRequest{
		SystemPrompt: locatorSystemPrompt,
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
		return nil, fmt.Errorf("vision locate failed: %w", err)
	}

	candidates, err := llmutil.ParseJSONResponse[[]rawCandidate](raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse locator response: %w", err)
	}

	elements := make([]schemas.VisionElement, 0, len(*candidates))
	for _, c := range *candidates {
		if c.BBox == nil || c.BBox.W <= 0 || c.BBox.H <= 0 {
			l.logger.Debug("Dropping candidate without usable bbox.", zap.String("label", c.Label))
			continue
		}
		if c.Confidence < 0 {
			c.Confidence = 0
		}
		if c.Confidence > 1 {
			c.Confidence = 1
		}

		cx := c.BBox.X + c.BBox.W/2
		cy := c.BBox.Y + c.BBox.H/2
		cell := grid.CellForPoint(cx, cy, obs.Grid, obs.Viewport)

		elements = append(elements, schemas.VisionElement{
			Cell:       cell.Label(),
			Label:      strings.TrimSpace(c.Label),
			Type:       strings.ToLower(strings.TrimSpace(c.Type)),
			Confidence: c.Confidence,
			BBox:       c.BBox,
		})
	}

	sort.SliceStable(elements, func(i, j int) bool {
		return elements[i].Confidence > elements[j].Confidence
	})
	obs.Vision = elements

	l.logger.Debug("Vision locate complete.",
		zap.String("hint", hint),
		zap.Int("candidates", len(elements)),
	)
	return elements, nil
}

// Locate returns the best match for the hint, or nil when the page shows
// nothing matching it.
func (l *Locator) Locate(ctx context.Context, obs *schemas.Observation, hint string) (*schemas.VisionElement, error) {
	elements, err := l.FindElements(ctx, obs, hint)
	if err != nil {
		return nil, err
	}
	if len(elements) == 0 {
		return nil, nil
	}
	best := elements[0]
	return &best, nil
}
