package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/renqiu/framenet"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a framed TCP listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := framenet.LoadConfig(configPath)
			if err != nil {
				return err
			}

			logger := framenet.NewLogger("framenet")
			framenet.RegisterMetrics()

			if cfg.MetricsListen != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
						logger.Error().Err(err).Msg("metrics endpoint failed")
					}
				}()
			}

			router, err := framenet.NewRouter("serve", cfg.Layout())
			if err != nil {
				return err
			}
			router.SetLogger(logger)
			// Demo handler: protocol 1 echoes its payload back.
			if err := router.Register(1, func(ctx *framenet.Context, payload []byte) {
				logger.Info().Str("peer", ctx.Identity).Int("bytes", len(payload)).Msg("echo")
				if err := ctx.Conn.Write(1, payload); err != nil {
					logger.Warn().Err(err).Msg("echo reply failed")
				}
			}); err != nil {
				return err
			}

			var resolverOpts []framenet.ResolverOption
			if cfg.RedisURL != "" {
				rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
				resolverOpts = append(resolverOpts, framenet.WithResolverCache(rdb, 0))
			}
			resolver := framenet.NewIdentityResolver(cfg.ResolverURL, resolverOpts...)

			serverOpts := []framenet.ServerOption{
				framenet.WithServerLogger(logger),
				framenet.WithWorkers(cfg.Workers),
				framenet.WithIdentityFunc(resolver.Resolve),
			}
			if cfg.NATSURL != "" {
				nc, err := nats.Connect(cfg.NATSURL)
				if err != nil {
					return err
				}
				defer nc.Close()
				serverOpts = append(serverOpts, framenet.WithUplinkTap(nc, cfg.TapSubject))
			}

			registry := framenet.NewRegistry(framenet.WithRegistryLogger(logger))
			defer registry.Close()

			if err := registry.AddServer("main", framenet.ServerConfig{
				Address: cfg.Listen,
				Server:  framenet.NewServer(router, serverOpts...),
			}); err != nil {
				return err
			}
			if cfg.HeartbeatSeconds > 0 {
				registry.StartHeartbeat(time.Duration(cfg.HeartbeatSeconds) * time.Second)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			logger.Info().Msg("shutting down")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to TOML config file")

	return cmd
}
