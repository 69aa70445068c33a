package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/meshmon/meshmon/internal/config"
	"github.com/meshmon/meshmon/internal/gateway"
	"github.com/meshmon/meshmon/internal/logging"
	"github.com/meshmon/meshmon/internal/mesh"
	"github.com/meshmon/meshmon/internal/mesh/feed"
	"github.com/meshmon/meshmon/internal/radio"
)

func main() {
	configPath := flag.String("config", "meshmon.toml", "path to the TOML config file")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := config.LoadAppConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("meshmon exited with error")
	}
}

func run(cfg config.AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := feed.New()
	defer events.Close()

	store, err := mesh.Open(mesh.Options{Path: cfg.Store.Path, Feed: events})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("store close failed")
		}
	}()

	session := radio.NewSession(store)
	client, err := radio.NewClient(cfg.RadioConfig(), session, events)
	if err != nil {
		return err
	}
	session.BindTransport(client)

	server := gateway.New(cfg.HTTP.Addr, store, session, client, events, cfg.HTTP.CorsOrigins)

	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Serve)
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	nodes, channels, messages := store.Counts()
	log.Info().
		Str("radio", cfg.Radio.Address).
		Str("http", cfg.HTTP.Addr).
		Int("nodes", nodes).
		Int("channels", channels).
		Int("messages", messages).
		Msg("meshmon started")

	err = g.Wait()
	if err != nil {
		return err
	}
	log.Info().Msg("meshmon stopped")
	return nil
}
