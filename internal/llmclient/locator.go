package llmclient

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/airport/api/schemas"
	"github.com/xkilldash9x/airport/internal/agent"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const locatorPrompt = `Find the UI element described below on the screenshot.
Respond with a single JSON object: {"found": true|false, "x": <pixel x>, "y": <pixel y>, "confidence": <0..1>}.
Coordinates are the element's center in screenshot pixels with (0,0) at the top left.

Element: %q`

var objectRegex = regexp.MustCompile(`(?s)\{.*\}`)

type locateResponse struct {
	Found      bool    `json:"found"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
}

// VisionLocator resolves element descriptions to screen points with a
// vision model.
type VisionLocator struct {
	model       agent.VisionModel
	temperature float32
	logger      *zap.Logger
}

var _ schemas.Locator = (*VisionLocator)(nil)

// NewVisionLocator wraps model.
func NewVisionLocator(model agent.VisionModel, logger *zap.Logger) *VisionLocator {
	return &VisionLocator{model: model, temperature: 0, logger: logger.Named("locator")}
}

// Locate returns the element center and the model's confidence. An element
// that was not found yields zero confidence and no error.
func (l *VisionLocator) Locate(ctx context.Context, image []byte, instruction string) (float64, float64, float64, error) {
	text, err := l.model.Generate(ctx, agent.VisionRequest{
		Prompt:      fmt.Sprintf(locatorPrompt, instruction),
		Image:       image,
		ImageMIME:   "image/png",
		Temperature: l.temperature,
		ForceJSON:   true,
	})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("locate %q: %w", instruction, err)
	}

	body := objectRegex.FindString(strings.TrimSpace(text))
	if body == "" {
		return 0, 0, 0, fmt.Errorf("locate %q: no JSON object in response", instruction)
	}
	var resp locateResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return 0, 0, 0, fmt.Errorf("locate %q: %w", instruction, err)
	}
	if !resp.Found {
		l.logger.Debug("Element not found", zap.String("instruction", instruction))
		return 0, 0, 0, nil
	}
	if resp.Confidence <= 0 {
		resp.Confidence = 1
	}
	l.logger.Debug("Element located",
		zap.String("instruction", instruction),
		zap.Float64("x", resp.X), zap.Float64("y", resp.Y),
		zap.Float64("confidence", resp.Confidence))
	return resp.X, resp.Y, resp.Confidence, nil
}
