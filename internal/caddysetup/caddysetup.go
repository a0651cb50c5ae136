// Package caddysetup runs an embedded Caddy instance that terminates TLS for
// the relay server and reverse-proxies to it.
package caddysetup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	caddy "github.com/caddyserver/caddy/v2"
	// Register standard modules (http, tls, reverse_proxy, file storage, etc.)
	_ "github.com/caddyserver/caddy/v2/modules/standard"
)

// Options configures the TLS front.
type Options struct {
	// ListenAddr is the public address Caddy binds, e.g. ":443".
	ListenAddr string
	// Upstream is the relay server's internal address, e.g. "127.0.0.1:8081".
	Upstream string
	// Domain gets a certificate; "localhost" uses Caddy's internal issuer.
	Domain string
	// Email is the ACME account email.
	Email string
}

// Config builds the Caddy JSON configuration for opts.
func Config(opts Options) ([]byte, error) {
	if opts.Domain == "" {
		return nil, errors.New("caddy: domain is required")
	}
	if opts.Upstream == "" || opts.ListenAddr == "" {
		return nil, errors.New("caddy: listen address and upstream are required")
	}

	policy := map[string]any{
		"subjects": []string{opts.Domain},
	}
	if opts.Domain == "localhost" {
		policy["issuers"] = []any{
			map[string]any{"module": "internal"},
		}
	} else if opts.Email != "" {
		policy["issuers"] = []any{
			map[string]any{"module": "acme", "email": opts.Email},
		}
	}

	cfg := map[string]any{
		"apps": map[string]any{
			"tls": map[string]any{
				"automation": map[string]any{
					"policies": []any{policy},
				},
			},
			"http": map[string]any{
				"servers": map[string]any{
					"relay": map[string]any{
						"listen": []string{opts.ListenAddr},
						"routes": []any{
							map[string]any{
								"match": []any{map[string]any{"host": []string{opts.Domain}}},
								"handle": []any{
									map[string]any{
										"handler": "reverse_proxy",
										// tunnel frames and webhook bodies must not be buffered
										"flush_interval": -1,
										"upstreams": []any{
											map[string]any{"dial": opts.Upstream},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
	return json.Marshal(cfg)
}

// Start loads the configuration into Caddy and stops it when ctx is done.
func Start(ctx context.Context, opts Options, log *slog.Logger) error {
	raw, err := Config(opts)
	if err != nil {
		return err
	}

	var conf caddy.Config
	if err := json.Unmarshal(raw, &conf); err != nil {
		return fmt.Errorf("caddy config: %w", err)
	}
	if err := caddy.Run(&conf); err != nil {
		return fmt.Errorf("caddy run: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := caddy.Stop(); err != nil {
			log.Warn("caddy stop", "error", err)
		}
	}()

	log.Info("caddy started", "listen", opts.ListenAddr, "upstream", opts.Upstream, "domain", opts.Domain)
	return nil
}
