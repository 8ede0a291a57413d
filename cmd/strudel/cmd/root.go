// Package cmd contains the strudel CLI commands.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-strudel-bridge/pkg/config"
	"github.com/sirosfoundation/go-strudel-bridge/pkg/logging"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type globalFlags struct {
	configFile string
	logLevel   string
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "strudel",
		Short: "Drive a Strudel live-coding session from the terminal",
		Long: `strudel runs a local web server that serves the Strudel browser client
and pushes code and playback changes to every open tab.

Examples:
  # Start the console and the server, then open the browser
  strudel serve --start --open

  # Inspect a running server
  strudel status --url http://localhost:40123

Environment Variables:
  STRUDEL_SERVER_BIND_PORT   Fixed port instead of an ephemeral one
  STRUDEL_ASSETS_DIR         Directory of the compiled browser client
  STRUDEL_LOGGING_LEVEL      debug, info, warn or error`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", getEnvOrDefault("STRUDEL_CONFIG", ""), "Path to configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(
		serveCmd(flags),
		statusCmd(),
		versionCmd(),
	)
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

// load reads configuration and builds the logger the flags ask for
func (f *globalFlags) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, nil, err
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
