package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"webhookrelay/internal/config"
	"webhookrelay/internal/forwarder"
	"webhookrelay/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := config.DefaultClientConfig()
	root := &cobra.Command{
		Use:          "relay-client",
		Short:        "Open a tunnel to the relay server and replay webhooks against a local server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	f := root.Flags()
	f.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "relay server URL [$"+config.EnvServerURL+"]")
	f.StringVar(&cfg.Token, "token", cfg.Token, "shared tunnel token [$"+config.EnvToken+"]")
	f.StringVar(&cfg.RelayID, "relay-id", cfg.RelayID, "identifier shown in server logs [$"+config.EnvRelayID+"]")
	f.StringVar(&cfg.TargetURL, "target", cfg.TargetURL, "local base URL to forward to [$"+config.EnvTargetURL+"]")
	f.DurationVar(&cfg.LocalTimeout, "local-timeout", cfg.LocalTimeout, "timeout for each local request [$"+config.EnvLocalTimeout+"]")
	f.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "keep-alive ping interval [$"+config.EnvPingInterval+"]")
	f.DurationVar(&cfg.MaxBackoff, "max-backoff", cfg.MaxBackoff, "longest wait between reconnect attempts")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error [$"+config.EnvLogLevel+"]")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json [$"+config.EnvLogFormat+"]")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ClientConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: logging.ParseFormat(cfg.LogFormat),
	})

	client, err := forwarder.NewClient(forwarder.Config{
		ServerURL:    cfg.ServerURL,
		Token:        cfg.Token,
		RelayID:      cfg.RelayID,
		TargetURL:    cfg.TargetURL,
		LocalTimeout: cfg.LocalTimeout,
		PingInterval: cfg.PingInterval,
		MaxBackoff:   cfg.MaxBackoff,
	}, log)
	if err != nil {
		return err
	}

	err = client.Run(ctx)
	st := client.Stats()
	log.Info("relay client stopped", "served", st.Served, "failed", st.Failed, "reconnects", st.Reconnects)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if errors.Is(err, forwarder.ErrSuperseded) {
		log.Warn("another relay client took over the tunnel; not reconnecting")
	}
	return err
}
