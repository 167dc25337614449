package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sugartalk/meet/internal/config"
	"github.com/sugartalk/meet/internal/gateway"
	"github.com/sugartalk/meet/internal/hub"
	"github.com/sugartalk/meet/internal/meeting"
	"github.com/sugartalk/meet/internal/session"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	gw, err := gateway.Dial(ctx, cfg.GatewayURL, cfg.GatewayTimeout)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.GatewayURL).Msg("failed to reach media gateway")
	}
	defer gw.Close()

	store := session.NewMemoryStore()
	registry := session.NewRegistry(store, gw)

	h := hub.NewHub(cfg, hub.NewGuestResolver())
	svc := meeting.NewService(registry, store, gw, h)
	h.SetService(svc)

	r := hub.SetupRouter(ctx, cfg, h)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("meet server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
}
