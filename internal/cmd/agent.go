package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nursefi/nursefi/internal/metrics"
	"github.com/nursefi/nursefi/internal/observability"
	"github.com/nursefi/nursefi/offline"
)

var agentListen string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the offline replay agent",
	Long: `Run the client-side replay agent.

The agent replays the durable offline queue to the sync endpoint on a fixed interval.
With --listen it also serves a local proxy to the API: writes that cannot reach the
server are queued and answered with 202 {"offline":true}, and any delivered request
triggers an immediate replay pass.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: stop after the current pass`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := observability.InitServerLogger("nursefi-agent", cfg.Logging.Level, cfg.Logging.Format); err != nil {
			return err
		}
		logger := observability.ServerLogger
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		registry := prometheus.NewRegistry()
		m := metrics.NewWithRegistry(registry)

		queue, st, err := openQueue(ctx, cfg.Offline, offline.WithQueueObserver(m))
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		replayer := offline.NewReplayer(queue, cfg.Offline.SyncURL,
			append(replayerOptions(cfg.Offline),
				offline.WithLogger(logger),
				offline.WithObserver(m),
			)...)

		logger.Info("Starting replay agent",
			zap.String("queue_path", cfg.Offline.QueuePath),
			zap.String("sync_url", cfg.Offline.SyncURL),
			zap.Duration("flush_interval", cfg.Offline.FlushInterval),
			zap.Int("max_queue_length", queue.MaxLength()))

		if agentListen == "" {
			return ignoreCanceled(replayer.Run(ctx))
		}

		proxy, err := newAgentProxy(cfg.Offline.SyncURL, queue, replayer, logger)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.Handle("/", proxy)

		srv := &http.Server{Addr: agentListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		errCh := make(chan error, 2)
		go func() { errCh <- replayer.Run(ctx) }()
		go func() {
			logger.Info("Starting agent proxy", zap.String("addr", agentListen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			stop()
			_ = srv.Close()
			return ignoreCanceled(err)
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ignoreCanceled(<-errCh)
	},
}

// newAgentProxy forwards every request to the API host of syncURL through the
// offline transport.
func newAgentProxy(syncURL string, queue *offline.Queue, replayer *offline.Replayer, logger *zap.Logger) (*httputil.ReverseProxy, error) {
	u, err := url.Parse(syncURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid offline.sync_url %q", syncURL)
	}

	proxy := httputil.NewSingleHostReverseProxy(&url.URL{Scheme: u.Scheme, Host: u.Host})
	proxy.Transport = offline.NewTransport(http.DefaultTransport, queue,
		offline.WithSyncPath(u.Path),
		offline.WithOnDelivered(replayer.Trigger),
		offline.WithOnQueued(func(cause error) {
			logger.Warn("Request queued for replay", zap.Error(cause))
		}),
	)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("Proxy request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func init() {
	rootCmd.AddCommand(agentCmd)

	agentCmd.Flags().StringVar(&agentListen, "listen", "", "serve a local API proxy on this address (e.g. 127.0.0.1:8787)")
}
