package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"codee-relay/config"
	"codee-relay/discovery"
	"codee-relay/relay"
	"codee-relay/tracing"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := config.Load()

	cmd := &cobra.Command{
		Use:   "codee-relay",
		Short: "Real-time collaboration relay for shared documents",
		Long: `codee-relay partitions WebSocket clients into rooms and relays
document updates and presence between room members.

Clients connect to /ws?room=<id>. Operational endpoints are /health,
/stats and /metrics.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfg.Port, "port", "p", cfg.Port, "listen port (PORT)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (LOG_LEVEL)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json (LOG_FORMAT)")
	flags.StringVar(&cfg.DefaultRoom, "default-room", cfg.DefaultRoom, "room for clients that name none (DEFAULT_ROOM)")
	flags.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "liveness sweep interval (PING_INTERVAL)")
	flags.DurationVar(&cfg.StatusInterval, "status-interval", cfg.StatusInterval, "room status log interval (STATUS_INTERVAL)")
	flags.IntVar(&cfg.SendBuffer, "send-buffer", cfg.SendBuffer, "outbound frames queued per client (SEND_BUFFER)")
	flags.Int64Var(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "inbound frame limit in bytes (MAX_MESSAGE_SIZE)")
	flags.BoolVar(&cfg.MDNSEnabled, "mdns", cfg.MDNSEnabled, "advertise the relay over mDNS (MDNS_ENABLED)")
	flags.StringVar(&cfg.MDNSInstance, "mdns-instance", cfg.MDNSInstance, "mDNS instance name (MDNS_INSTANCE)")
	flags.DurationVar(&cfg.WriteWait, "write-wait", cfg.WriteWait, "deadline for each outbound write (WRITE_WAIT)")
	flags.BoolVar(&cfg.TraceEnabled, "trace", cfg.TraceEnabled, "export dispatch spans to stderr (OTEL_ENABLED)")
	flags.StringVar(&cfg.MetricsPrefix, "metrics-namespace", cfg.MetricsPrefix, "Prometheus metric namespace (METRICS_NAMESPACE)")

	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(cfg.TraceEnabled, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("trace flush error", "error", err)
		}
	}()

	if cfg.MDNSEnabled {
		port, _ := strconv.Atoi(cfg.Port)
		go func() {
			if err := discovery.Advertise(ctx, cfg.MDNSInstance, port); err != nil {
				slog.Warn("mdns advertisement disabled", "error", err)
			}
		}()
	}

	return relay.New(cfg).Run(ctx)
}

func setupLogger(cfg config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
