// File: internal/service/components.go
package service

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/airport/api/schemas"
	"github.com/xkilldash9x/airport/internal/agent"
	"github.com/xkilldash9x/airport/internal/observability"
)

// RunComponents holds the collaborators created for one run. The run owns
// them and releases them through Shutdown when it ends.
type RunComponents struct {
	Web     schemas.Surface
	Desktop schemas.DesktopSurface
	Oracle  agent.Oracle
	// Runner executes run_terminal commands. Nil selects the shell runner.
	Runner agent.CommandRunner
}

// Shutdown closes the surfaces. It is safe on a partially built value.
func (c *RunComponents) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning run components shutdown sequence.")

	if c.Desktop != nil {
		if err := c.Desktop.Close(); err != nil {
			logger.Warn("Error closing desktop surface.", zap.Error(err))
		}
	}
	if c.Web != nil {
		if err := c.Web.Close(); err != nil {
			logger.Warn("Error closing browser.", zap.Error(err))
		} else {
			logger.Debug("Browser closed.")
		}
	}
}
