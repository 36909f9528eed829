// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/airport/internal/agent"
	"github.com/xkilldash9x/airport/internal/config"
)

// GeminiClient implements agent.VisionModel on top of the Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

var _ agent.VisionModel = (*GeminiClient)(nil)

// NewGeminiClient initializes the client. cfg.Endpoint overrides the API base
// URL, which is mostly useful for tests.
func NewGeminiClient(ctx context.Context, cfg config.OracleConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.CallTimeout},
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client: client,
		model:  cfg.Model,
		logger: logger.Named("llm_client.gemini"),
	}, nil
}

// Generate sends one multimodal request. Retrying is left to the caller;
// errors that retrying cannot fix are wrapped with backoff.Permanent.
func (c *GeminiClient) Generate(ctx context.Context, req agent.VisionRequest) (string, error) {
	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	if len(req.Image) > 0 {
		mime := req.ImageMIME
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, genai.NewPartFromBytes(req.Image, mime))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.ForceJSON {
		genCfg.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, genCfg)
	duration := time.Since(start)
	if err != nil {
		return "", c.classifyError(err)
	}

	if len(resp.Candidates) == 0 {
		return "", backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
	}
	candidate := resp.Candidates[0]
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		reason := string(candidate.FinishReason)
		if reason == string(genai.FinishReasonSafety) || reason == string(genai.FinishReasonBlocklist) {
			return "", backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", reason))
		}
		return "", fmt.Errorf("gemini API returned empty content (Reason: %s)", reason)
	}

	fields := []zap.Field{zap.Duration("duration", duration), zap.String("model", c.model)}
	if u := resp.UsageMetadata; u != nil {
		fields = append(fields,
			zap.Int32("prompt_tokens", u.PromptTokenCount),
			zap.Int32("completion_tokens", u.CandidatesTokenCount),
			zap.Int32("total_tokens", u.TotalTokenCount))
	}
	c.logger.Info("LLM generation complete (Gemini)", fields...)
	return text, nil
}

// classifyError marks everything except rate limiting, server errors and
// network failures as permanent.
func (c *GeminiClient) classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	code := 0
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	default:
		c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
		return fmt.Errorf("gemini request failed: %w", err)
	}

	c.logger.Error("Gemini API returned error status", zap.Int("status", code), zap.Error(err))
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("gemini API error: %w", err)
	default:
		return backoff.Permanent(fmt.Errorf("gemini API error: %w", err))
	}
}
