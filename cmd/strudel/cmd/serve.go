package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-strudel-bridge/internal/host"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var (
		autoStart bool
		autoOpen  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the interactive console",
		Long: `Run a console that reads one command per line from stdin. Type help for
the list of commands. The server is stopped on exit, end of input, SIGINT or
SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			logger.Info("Starting strudel console",
				zap.String("version", version),
				zap.String("assets", cfg.Assets.Dir))

			h := host.New(cfg, nil, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if autoStart || autoOpen {
				if err := h.Start(); err != nil {
					return err
				}
			}
			if autoOpen {
				if err := h.Open(ctx); err != nil {
					logger.Warn("Failed to open browser", zap.Error(err))
				}
			}

			console := host.NewConsole(h, cmd.InOrStdin(), cmd.OutOrStdout())
			done := make(chan error, 1)
			go func() { done <- console.Run(ctx) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				// The console may be blocked reading stdin; stop the server
				// without waiting for it.
				logger.Info("Shutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownDuration()*2)
				defer cancel()
				h.Exit(shutdownCtx)
				return nil
			}
		},
	}

	cmd.Flags().BoolVar(&autoStart, "start", false, "Start the server before reading commands")
	cmd.Flags().BoolVar(&autoOpen, "open", false, "Start the server and open the browser client")

	return cmd
}
