package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meridiancrm/gatekeep/bootstrap"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admission gate server",
	Long: `Start the Gatekeep server.

The server will:
  - Load configuration from gatekeep.yaml (or --config)
  - Or load configuration from GATEKEEP_* environment variables
  - Connect to the database (and Redis, if configured)
  - Gate incoming requests on rate windows and prepaid credits
  - Record usage and raise quota alerts

Environment variables (for Docker deployments):
  GATEKEEP_DATABASE_DSN         - Database path (default: gatekeep.db)
  GATEKEEP_SERVER_PORT          - Server port (default: 8080)
  GATEKEEP_UPSTREAM_URL         - Forward admitted requests to this URL
  GATEKEEP_COUNTERS_BACKEND     - Counting backend: records, sqlite, redis
  GATEKEEP_CREDITS_BYPASS       - Emergency credit bypass (default: false)
  GATEKEEP_LOG_LEVEL            - Log level: debug, info, warn, error

Examples:
  gatekeep serve
  gatekeep serve --config /etc/gatekeep/config.yaml
  gatekeep serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := bootstrap.New(cfgFile)
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	if hotReload {
		if err := app.EnableHotReload(); err != nil {
			return fmt.Errorf("error enabling hot reload: %w", err)
		}
	}

	// Run (blocks until shutdown)
	return app.Run()
}
