package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/opentlog/tlogd/internal/server"
)

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the transparency log HTTP server",
		Long: `Start the transparency log HTTP server.

The server exposes the registration and read protocol:
  - POST /entries                 - register a signed statement
  - GET  /entries/{position}      - fetch registered statement bytes
  - GET  /entries/{position}/receipt - fetch the inclusion receipt
  - GET  /checkpoint              - latest signed tree head
  - GET  /tile/...                - raw Merkle tree tiles
  - GET  /.well-known/transparency-configuration

Example:
  tlogd serve --config tlogd.yaml
  tlogd serve --host 0.0.0.0 --port 8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetConfig()
			if cfg == nil {
				return fmt.Errorf("no configuration loaded - use --config flag or create tlogd.yaml")
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			slog.Info("starting transparency log service",
				"origin", cfg.Origin,
				"database", cfg.Database.Path,
				"storage", cfg.Storage.Type,
				"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			)

			srv, err := server.NewServer(cfg)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			defer srv.Close()

			return srv.Start()
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "host to bind to (overrides config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")

	return cmd
}
