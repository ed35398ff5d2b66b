package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/HsiangNianian/lightstack-agent/internal/api"
	"github.com/HsiangNianian/lightstack-agent/internal/config"
	"github.com/HsiangNianian/lightstack-agent/internal/coordinator"
	"github.com/HsiangNianian/lightstack-agent/internal/store"
	"github.com/HsiangNianian/lightstack-agent/internal/ws"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent: keep every entry connected and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}
			log, err := g.logger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, g.configPath, log)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address override")
	return cmd
}

func openStore(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (store.Store, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info().Msg("use memory store")
		return store.NewMemoryStore(), func() {}, nil
	}
	rs := store.NewRedisStore(cfg.RedisAddr)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		_ = rs.Close()
		return nil, nil, fmt.Errorf("connect redis %s failed: %w", cfg.RedisAddr, err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("use redis store")
	return rs, func() { _ = rs.Close() }, nil
}

func runServe(ctx context.Context, cfg config.Config, configPath string, log zerolog.Logger) error {
	st, closeStore, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := ws.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics failed: %w", err)
	}

	registry := coordinator.NewRegistry(st, coordinator.NewFactory(cfg.Client, metrics, log), log)
	defer registry.Close(context.Background())
	for _, entry := range cfg.Entries {
		if _, err := registry.Add(ctx, entry); err != nil {
			return err
		}
	}
	if len(cfg.Entries) == 0 {
		log.Warn().Msg("no entries configured")
	}

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, log, func(next config.Config) {
				if err := registry.Reload(ctx, next.Entries); err != nil {
					log.Warn().Err(err).Msg("apply reloaded entries failed")
				}
			})
			if err != nil {
				log.Warn().Err(err).Msg("config watch stopped")
			}
		}()
	}

	handler := api.NewHandler(api.Options{
		Registry:   registry,
		Store:      st,
		AuthToken:  cfg.Server.AuthToken,
		RequestTTL: cfg.Store.RequestTTL(),
		Gatherer:   reg,
		Logger:     log,
	})
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Int("entries", len(cfg.Entries)).Msg("agent listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("agent server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("agent shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown agent server failed: %w", err)
	}
	return nil
}
