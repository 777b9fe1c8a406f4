package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nursefi/nursefi/internal/config"
	"github.com/nursefi/nursefi/internal/metrics"
	"github.com/nursefi/nursefi/internal/observability"
	"github.com/nursefi/nursefi/internal/server"
	"github.com/nursefi/nursefi/ledger"
)

var (
	serverPort int
	serverHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server with graceful shutdown support.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown

Edits to the config file change the admission limits of the running server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = serverPort
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = serverHost
		}

		if err := observability.InitServerLogger("nursefi", cfg.Logging.Level, cfg.Logging.Format); err != nil {
			return err
		}
		logger := observability.ServerLogger
		defer func() { _ = logger.Sync() }()

		if err := ledger.RegisterValidators(); err != nil {
			return err
		}

		verifier, err := server.BuildVerifier(cfg.Auth)
		if err != nil {
			return err
		}
		counters, err := server.BuildCounterStore(cfg.RateLimitStore)
		if err != nil {
			return err
		}
		defer func() { _ = counters.Close() }()

		srv := server.New(cfg, server.Options{
			Verifier: verifier,
			Counters: counters,
			Repo:     ledger.NewMemoryRepository(),
			Metrics:  metrics.New(),
			Logger:   logger,
		})

		loader.Watch(func(next *config.Config) {
			srv.ApplyAdmission(next.Admission)
		}, func(err error) {
			logger.Warn("Ignoring invalid config reload", zap.Error(err))
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("Initializing server",
			zap.String("version", versionInfo.Version),
			zap.String("ratelimit_store", cfg.RateLimitStore.Driver),
			zap.Int("ip_limit", cfg.Admission.IPLimit),
			zap.Int("user_limit", cfg.Admission.UserLimit),
			zap.Duration("window", cfg.Admission.Window))

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.Info("HTTP server stopped gracefully")
		return <-errCh
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "Server port (overrides config)")
	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "Server host (overrides config)")
}
