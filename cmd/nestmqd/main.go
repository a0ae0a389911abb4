// Command nestmqd runs the nestmq delivery engine as a standalone
// daemon: a websocket packet transport, optional badger persistence,
// and a prometheus /metrics endpoint.
//
// Usage:
//
//	nestmqd serve --config nestmqd.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nestmq/nestmq"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "nestmqd",
	Short:        "MQTT v5 message delivery engine",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := DefaultConfig()
		if configPath != "" {
			loaded, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		return run(cmd.Context(), cfg)
	},
}

func main() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	rootCmd.AddCommand(serveCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config) error {
	logger := nestmq.NewStdLogger(os.Stderr, logLevel(cfg.LogLevel))

	opts := []nestmq.BrokerOption{
		nestmq.WithLogger(logger),
	}

	if cfg.Metrics {
		opts = append(opts, nestmq.WithMetrics(
			nestmq.NewPrometheusMetrics(prometheus.DefaultRegisterer)))
	}

	var store *nestmq.BadgerStore
	if cfg.DataDir != "" {
		var err error
		store, err = nestmq.OpenBadgerStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts,
			nestmq.WithSessionStore(store.Sessions()),
			nestmq.WithRetainedStore(store.Retained()),
		)
	}

	if cfg.Limits.MaxConnections > 0 {
		opts = append(opts, nestmq.WithMaxConnections(cfg.Limits.MaxConnections))
	}
	if cfg.Limits.ReceiveMaximum > 0 {
		opts = append(opts, nestmq.WithReceiveMaximum(cfg.Limits.ReceiveMaximum))
	}
	if cfg.Limits.MaxQueuedMessages > 0 {
		opts = append(opts, nestmq.WithMaxQueuedMessages(cfg.Limits.MaxQueuedMessages))
	}
	if cfg.Limits.KeepAliveOverride > 0 {
		opts = append(opts, nestmq.WithKeepAliveOverride(cfg.Limits.KeepAliveOverride))
	}
	if cfg.Limits.ConnectRate > 0 {
		burst := cfg.Limits.ConnectBurst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, nestmq.WithConnectRateLimit(cfg.Limits.ConnectRate, burst))
	}
	if cfg.Retry.Timeout > 0 {
		opts = append(opts, nestmq.WithRetry(cfg.Retry.Timeout, cfg.Retry.MaxRetries))
	}

	broker := nestmq.NewBroker(opts...)
	if err := broker.Start(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, nestmq.NewWSHandler(broker))
	if cfg.Metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("listening", nestmq.LogFields{"addr": cfg.Listen, "path": cfg.Path})
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return broker.Close()
	})

	return group.Wait()
}

func logLevel(name string) nestmq.LogLevel {
	switch name {
	case "debug":
		return nestmq.LogLevelDebug
	case "warn":
		return nestmq.LogLevelWarn
	case "error":
		return nestmq.LogLevelError
	case "none":
		return nestmq.LogLevelNone
	default:
		return nestmq.LogLevelInfo
	}
}
