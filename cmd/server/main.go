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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"webhookrelay/internal/auth"
	"webhookrelay/internal/caddysetup"
	"webhookrelay/internal/config"
	"webhookrelay/internal/logging"
	"webhookrelay/internal/logstore"
	"webhookrelay/internal/metrics"
	"webhookrelay/internal/relay"
)

func main() {
	_ = godotenv.Load()

	cfg := config.DefaultServerConfig()
	root := &cobra.Command{
		Use:          "relay-server",
		Short:        "Accept a tunnel client and relay inbound webhooks to it",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	f := root.Flags()
	f.BoolVar(&cfg.Enabled, "enabled", cfg.Enabled, "accept tunnel connections [$"+config.EnvEnabled+"]")
	f.StringVar(&cfg.Token, "token", cfg.Token, "shared tunnel token [$"+config.EnvToken+"]")
	f.StringVar(&cfg.AuthFile, "auth-file", cfg.AuthFile, "YAML token file [$"+config.EnvAuthFile+"]")
	f.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "per-request relay timeout [$"+config.EnvTimeout+"]")
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address [$"+config.EnvAddr+"]")
	f.StringVar(&cfg.SessionDB, "session-db", cfg.SessionDB, "SQLite file recording tunnel sessions [$"+config.EnvSessionDB+"]")
	f.IntVar(&cfg.LogBufferSize, "log-buffer", cfg.LogBufferSize, "relayed request summaries kept in memory")
	f.BoolVar(&cfg.UseCaddy, "use-caddy", cfg.CaddyDomain != "", "terminate TLS with embedded Caddy")
	f.StringVar(&cfg.CaddyDomain, "caddy-domain", cfg.CaddyDomain, "domain to get a TLS certificate for [$"+config.EnvCaddyDomain+"]")
	f.StringVar(&cfg.CaddyEmail, "caddy-email", cfg.CaddyEmail, "ACME account email [$"+config.EnvCaddyEmail+"]")
	f.StringVar(&cfg.CaddyUpstream, "caddy-upstream", cfg.CaddyUpstream, "address the relay listens on behind Caddy [$"+config.EnvCaddyUpstream+"]")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error [$"+config.EnvLogLevel+"]")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json [$"+config.EnvLogFormat+"]")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: logging.ParseFormat(cfg.LogFormat),
	})

	mgr := auth.NewManager(cfg.Token)
	if cfg.AuthFile != "" {
		fileMgr, err := auth.NewManagerFromFile(cfg.AuthFile)
		if err != nil {
			return err
		}
		if cfg.Token != "" {
			fileMgr.Add(auth.TokenEntry{Token: cfg.Token, Name: "shared", Role: auth.RoleAdmin})
		}
		mgr = fileMgr
		log.Info("auth file loaded", "path", cfg.AuthFile)
	}

	m := metrics.New()
	opts := []relay.Option{
		relay.WithLogger(log),
		relay.WithAuth(mgr),
		relay.WithMetrics(m),
		relay.WithRequestLog(logstore.New(cfg.LogBufferSize)),
	}
	if cfg.SessionDB != "" {
		sessions, err := logstore.NewSessionLog(cfg.SessionDB)
		if err != nil {
			return err
		}
		defer sessions.Shutdown()
		opts = append(opts, relay.WithSessionLog(sessions))
	}

	srv := relay.New(relay.Config{
		Enabled:        cfg.Enabled,
		RequestTimeout: cfg.RequestTimeout,
	}, opts...)
	if !cfg.Enabled {
		log.Warn("relay disabled; tunnel connections will be refused")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(config.DefaultConnectPath, srv.ServeTunnel)
	mux.Handle("/api/", srv.APIHandler())
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	mux.Handle("/", srv)

	listenAddr := cfg.Addr
	if cfg.UseCaddy {
		// Caddy takes the public address; the relay moves behind it.
		listenAddr = cfg.CaddyUpstream
		err := caddysetup.Start(ctx, caddysetup.Options{
			ListenAddr: cfg.Addr,
			Upstream:   listenAddr,
			Domain:     cfg.CaddyDomain,
			Email:      cfg.CaddyEmail,
		}, log)
		if err != nil {
			return err
		}
	}

	httpSrv := &http.Server{Addr: listenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		_ = srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("relay server listening", "addr", listenAddr, "enabled", cfg.Enabled, "timeout", cfg.RequestTimeout)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}
