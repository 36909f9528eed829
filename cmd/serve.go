// File: cmd/serve.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/airport/internal/observability"
	"github.com/xkilldash9x/airport/internal/server"
	"github.com/xkilldash9x/airport/internal/service"
)

func newServeCmd() *cobra.Command {
	var addr string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run-control API and live step feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.SetServerListenAddr(addr)
			}
			logger := observability.GetLogger()

			manager, recorder, err := service.InitializeRunManagerWithFactory(cfg, newRunFactory(cfg, logger), logger)
			if err != nil {
				return err
			}
			srv := server.New(cfg.Server(), cfg.Results(), manager, recorder, logger)

			fmt.Fprintf(cmd.OutOrStdout(), "airport listening on %s\n", cfg.Server().ListenAddr)
			serveErr := srv.ListenAndServe(cmd.Context())

			// Stop any active run so its flight is closed out before exit.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server().ShutdownTimeout)
			defer cancel()
			if err := manager.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Run manager shutdown incomplete", zap.Error(err))
			}
			return serveErr
		},
	}

	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.listen_addr)")
	return serveCmd
}
