// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/airport/api/schemas"
	"github.com/xkilldash9x/airport/internal/agent"
	"github.com/xkilldash9x/airport/internal/config"
)

// NewOracle builds the decision oracle and, when a model is available, a
// locator for the desktop surface. Without an API key it falls back to the
// scripted offline oracle and a nil locator.
func NewOracle(ctx context.Context, cfg config.OracleConfig, logger *zap.Logger) (agent.Oracle, schemas.Locator, error) {
	switch cfg.Provider {
	case config.ProviderMock:
		logger.Info("Using offline oracle (provider=mock)")
		return agent.OfflineOracle{}, nil, nil
	case config.ProviderGemini:
		if cfg.APIKey == "" {
			logger.Warn("No Gemini API key configured; using offline oracle")
			return agent.OfflineOracle{}, nil, nil
		}
		client, err := NewGeminiClient(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return agent.NewOracleAdapter(logger, client, cfg), NewVisionLocator(client, logger), nil
	default:
		return nil, nil, fmt.Errorf("unknown or unsupported oracle provider configured: '%s'. Supported: [%s, %s]", cfg.Provider, config.ProviderGemini, config.ProviderMock)
	}
}
