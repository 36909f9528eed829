// internal/agent/oracle.go
package agent

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/airport/api/schemas"
	"github.com/xkilldash9x/airport/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// VisionRequest is a single multimodal generation call.
type VisionRequest struct {
	SystemPrompt string
	Prompt       string
	Image        []byte
	ImageMIME    string
	Temperature  float32
	ForceJSON    bool
}

// VisionModel is an image+text model. Implementations should mark errors
// that retrying cannot fix with backoff.Permanent.
type VisionModel interface {
	Generate(ctx context.Context, req VisionRequest) (string, error)
}

// DecisionRequest is everything the oracle sees for one step.
type DecisionRequest struct {
	Goal           string
	HistorySummary string
	Image          []byte
	Step           int
	Budget         int
	Mode           schemas.SurfaceMode
	DesktopEnabled bool
}

// Oracle chooses the next action. Decide returns an error only when ctx is
// done; every other failure degrades to schemas.DefaultDecision.
type Oracle interface {
	Decide(ctx context.Context, req DecisionRequest) (schemas.Decision, error)
}

// OracleAdapter wraps a VisionModel with rate limiting, bounded retries,
// and output validation.
type OracleAdapter struct {
	logger     *zap.Logger
	model      VisionModel
	cfg        config.OracleConfig
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff
}

// NewOracleAdapter creates an adapter for model.
func NewOracleAdapter(logger *zap.Logger, model VisionModel, cfg config.OracleConfig) *OracleAdapter {
	o := &OracleAdapter{
		logger:  logger.Named("oracle"),
		model:   model,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
	o.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.InitialInterval
		b.MaxInterval = cfg.MaxInterval
		// Attempts are bounded by MaxRetries and each call by CallTimeout.
		b.MaxElapsedTime = 0
		return backoff.WithMaxRetries(b, uint64(cfg.MaxRetries))
	}
	return o
}

// Decide asks the model for the next action.
func (o *OracleAdapter) Decide(ctx context.Context, req DecisionRequest) (schemas.Decision, error) {
	vreq := VisionRequest{
		SystemPrompt: systemPrompt,
		Prompt:       buildPrompt(req),
		Image:        req.Image,
		ImageMIME:    "image/png",
		Temperature:  o.cfg.Temperature,
		ForceJSON:    true,
	}

	var decision schemas.Decision
	attempt := 0
	operation := func() error {
		attempt++
		if err := o.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()

		start := time.Now()
		text, err := o.model.Generate(callCtx, vreq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}

		d, err := ParseDecision(text)
		if err != nil {
			o.logger.Warn("Oracle returned an unusable decision",
				zap.Int("attempt", attempt),
				zap.String("raw_response", excerpt(text, 500)),
				zap.Error(err))
			return err
		}
		o.logger.Debug("Oracle decided",
			zap.Int("step", req.Step),
			zap.String("action", string(d.Action)),
			zap.Duration("duration", time.Since(start)))
		decision = d
		return nil
	}

	notify := func(err error, wait time.Duration) {
		o.logger.Warn("Oracle call failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(o.newBackOff(), ctx), notify)
	if err != nil {
		if ctx.Err() != nil {
			return schemas.Decision{}, ctx.Err()
		}
		o.logger.Error("Oracle exhausted retries, falling back to wait", zap.Int("attempts", attempt), zap.Error(err))
		return schemas.DefaultDecision(fmt.Sprintf("Error: %v", err)), nil
	}
	return decision, nil
}

// jsonBlockRegex extracts the body of a fenced code block.
var jsonBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

type rawDecision struct {
	Observation string              `json:"observation"`
	Reasoning   string              `json:"reasoning"`
	Action      string              `json:"action"`
	Params      jsoniter.RawMessage `json:"params"`
}

// ParseDecision extracts and validates a decision from model output that may
// be wrapped in a code fence or surrounded by prose.
func ParseDecision(text string) (schemas.Decision, error) {
	body := extractJSON(text)
	if body == "" {
		return schemas.Decision{}, fmt.Errorf("%w: no JSON object in response", ErrInvalidDecision)
	}

	var raw rawDecision
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return schemas.Decision{}, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}

	kind, err := schemas.ParseActionKind(raw.Action)
	if err != nil {
		return schemas.Decision{}, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}

	trimmed := bytes.TrimSpace(raw.Params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return schemas.Decision{}, fmt.Errorf("%w: params missing for %s", ErrInvalidDecision, kind)
	}
	var params schemas.Params
	if err := json.Unmarshal(trimmed, &params); err != nil {
		return schemas.Decision{}, fmt.Errorf("%w: params must be an object: %v", ErrInvalidDecision, err)
	}
	if params == nil {
		params = schemas.Params{}
	}

	return schemas.Decision{
		Observation: raw.Observation,
		Reasoning:   raw.Reasoning,
		Action:      kind,
		Params:      params,
	}, nil
}

func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if m := jsonBlockRegex.FindStringSubmatch(text); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first != -1 && last > first {
		return text[first : last+1]
	}
	return ""
}

// OfflineOracle is a scripted oracle used when no model is configured. It
// searches for the goal and declares success.
type OfflineOracle struct{}

// Decide returns the scripted decision for req.Step.
func (OfflineOracle) Decide(ctx context.Context, req DecisionRequest) (schemas.Decision, error) {
	if err := ctx.Err(); err != nil {
		return schemas.Decision{}, err
	}
	switch req.Step {
	case 1:
		return schemas.Decision{
			Observation: "Offline: starting browser",
			Reasoning:   "Navigate to the search page first",
			Action:      schemas.ActionGoto,
			Params:      schemas.Params{"url": defaultGotoURL},
		}, nil
	case 2:
		return schemas.Decision{
			Observation: "Offline: on the search page",
			Reasoning:   "Search for the goal",
			Action:      schemas.ActionType,
			Params:      schemas.Params{"text": req.Goal},
		}, nil
	case 3:
		return schemas.Decision{
			Observation: "Offline: text entered",
			Reasoning:   "Press Enter to search",
			Action:      schemas.ActionKey,
			Params:      schemas.Params{"key": "Enter"},
		}, nil
	case 4:
		return schemas.Decision{
			Observation: "Offline: search results visible",
			Reasoning:   "The goal appears to be reached",
			Action:      schemas.ActionDone,
			Params:      schemas.Params{"result": fmt.Sprintf("Searched for: %s", req.Goal)},
		}, nil
	default:
		return schemas.Decision{
			Observation: "Offline: unknown state",
			Reasoning:   "Ending offline session",
			Action:      schemas.ActionDone,
			Params:      schemas.Params{"result": "Mock completed"},
		}, nil
	}
}
