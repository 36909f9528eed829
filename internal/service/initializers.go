// File: internal/service/initializers.go
package service

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/xkilldash9x/airport/internal/config"
	"github.com/xkilldash9x/airport/internal/flight"
)

// InitializeResultsTree creates the directories every run writes into.
func InitializeResultsTree(cfg config.ResultsConfig) error {
	for _, dir := range []string{cfg.Root, cfg.FlightsDir(), cfg.ScreenshotsDir(), cfg.VideosDir(), cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create results directory %s: %w", dir, err)
		}
	}
	return nil
}

// InitializeRunManager prepares the results tree and flight recorder and
// returns a manager backed by the production factory.
func InitializeRunManager(cfg config.Interface, logger *zap.Logger) (*RunManager, *flight.Recorder, error) {
	return InitializeRunManagerWithFactory(cfg, NewRunFactory(cfg, logger), logger)
}

// InitializeRunManagerWithFactory is InitializeRunManager with a caller
// supplied factory.
func InitializeRunManagerWithFactory(cfg config.Interface, factory RunFactory, logger *zap.Logger) (*RunManager, *flight.Recorder, error) {
	if err := InitializeResultsTree(cfg.Results()); err != nil {
		return nil, nil, err
	}
	recorder, err := flight.NewRecorder(cfg.Results().FlightsDir(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize flight recorder: %w", err)
	}
	logger.Debug("Flight recorder ready.", zap.String("root", recorder.Root()))
	return NewRunManager(cfg, factory, recorder, logger), recorder, nil
}
