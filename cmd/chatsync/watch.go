package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/adhocore/gronx"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchListen   string
	watchSchedule string
	watchNoSocket bool
)

func init() {
	watchCmd.Flags().StringVar(&watchListen, "listen", "", "Serve /metrics and /webhook on this address (e.g. :9464)")
	watchCmd.Flags().StringVar(&watchSchedule, "schedule", "", "Cron expression for periodic catch-up (e.g. \"*/15 * * * *\")")
	watchCmd.Flags().BoolVar(&watchNoSocket, "no-socket", false, "Do not open the websocket; rely on webhook and schedule")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the local view in sync until interrupted",
	Long:  "Run catch-up, subscribe to live updates, and optionally serve metrics and a webhook endpoint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		if watchListen == "" {
			watchListen = cfg.Watch.Listen
		}
		if watchSchedule == "" {
			watchSchedule = cfg.Watch.Schedule
		}
		if watchSchedule != "" {
			if err := validateSchedule(watchSchedule); err != nil {
				return err
			}
		}
		logger := newLogger(cfg.Default.LogLevel)

		st, err := openState(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		var sub chatsync.Subscriber
		if !watchNoSocket {
			sub = getClient(cfg).Realtime(chatsync.RealtimeConfig{
				AutoReconnect:        true,
				MaxReconnectAttempts: -1,
				Logger:               logger,
			})
		}

		reg := prometheus.NewRegistry()
		engine, err := newEngine(cfg, st, sub, reg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := engine.Start(ctx); err != nil {
			return err
		}
		logger.Info("watch_started", "socket", sub != nil, "listen", watchListen, "schedule", watchSchedule)

		if watchSchedule != "" {
			go runSchedule(ctx, engine, watchSchedule, logger)
		}

		var srv *http.Server
		if watchListen != "" {
			srv, err = serveWatch(engine, reg, cfg.Watch.WebhookSecret, logger)
			if err != nil {
				return err
			}
		}

		<-ctx.Done()
		logger.Info("watch_stopping")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if srv != nil {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("watch_http_shutdown_failed", "error", err)
			}
		}
		return engine.Stop(shutdownCtx)
	},
}

// validateSchedule rejects cron expressions gronx cannot parse.
func validateSchedule(expr string) error {
	if !gronx.IsValid(expr) {
		return fmt.Errorf("invalid schedule expression: %s", expr)
	}
	return nil
}

// serveWatch starts the local HTTP server. The webhook route is only
// mounted when a secret is configured.
func serveWatch(engine *chatsync.Engine, reg *prometheus.Registry, secret string, logger *slog.Logger) (*http.Server, error) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)
	if secret != "" {
		wh, err := chatsync.NewWebhook(secret, engine.Live().Handle)
		if err != nil {
			return nil, err
		}
		r.Handle("/webhook", wh.WithLogger(logger).HTTPHandler()).Methods(http.MethodPost)
	}

	srv := &http.Server{
		Addr:              watchListen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("watch_http_failed", "error", err)
		}
	}()
	return srv, nil
}

// runSchedule triggers a catch-up at every tick of expr until ctx ends.
func runSchedule(ctx context.Context, engine *chatsync.Engine, expr string, logger *slog.Logger) {
	for {
		next, err := gronx.NextTickAfter(expr, time.Now(), false)
		if err != nil {
			logger.Error("schedule_nexttick_failed", "cron", expr, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		if _, err := engine.Sync(ctx); err != nil && !errors.Is(err, chatsync.ErrSyncInProgress) {
			logger.Warn("scheduled_sync_failed", "error", err)
		}
	}
}
