// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/airport/internal/browser"
	"github.com/xkilldash9x/airport/internal/config"
	"github.com/xkilldash9x/airport/internal/desktop"
	"github.com/xkilldash9x/airport/internal/llmclient"
)

// RunFactory creates the components for one run. It is the seam that
// makes the RunManager testable without a browser or a model.
type RunFactory interface {
	NewRun(ctx context.Context, goal string) (*RunComponents, error)
}

// concreteFactory is the production implementation of RunFactory.
type concreteFactory struct {
	cfg    config.Interface
	logger *zap.Logger
}

// NewRunFactory creates a production factory.
func NewRunFactory(cfg config.Interface, logger *zap.Logger) RunFactory {
	return &concreteFactory{cfg: cfg, logger: logger}
}

// NewRun builds the oracle, launches the browser, and attaches the desktop
// when it is enabled and its tools are installed.
func (f *concreteFactory) NewRun(ctx context.Context, goal string) (*RunComponents, error) {
	components := &RunComponents{}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			f.logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	oracle, locator, err := llmclient.NewOracle(ctx, f.cfg.Oracle(), f.logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize oracle: %w", err)
		return nil, initializationErr
	}
	components.Oracle = oracle
	f.logger.Debug("Oracle initialized.", zap.String("provider", string(f.cfg.Oracle().Provider)))

	web, err := browser.Launch(ctx, f.cfg.Browser(), f.logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to launch browser: %w", err)
		return nil, initializationErr
	}
	components.Web = web

	if f.cfg.Agent().EnableDesktop {
		if err := desktop.CheckTools(); err != nil {
			f.logger.Warn("Desktop surface disabled.", zap.Error(err))
		} else {
			components.Desktop = desktop.New(f.cfg.Desktop(), locator, f.logger)
			f.logger.Debug("Desktop surface attached.", zap.String("display", f.cfg.Desktop().Display))
		}
	}

	f.logger.Info("Run components initialized.", zap.String("goal", goal))
	return components, nil
}
