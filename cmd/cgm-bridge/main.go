package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/glucolink/cgm-engine/internal/config"
	"github.com/glucolink/cgm-engine/internal/gateway"
	"github.com/glucolink/cgm-engine/internal/logging"
	"github.com/glucolink/cgm-engine/internal/server"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config/cgm-bridge.yml", "Configuration file path")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if closer, err := logging.Setup(cfg.Log); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	} else if closer != nil {
		defer closer.Close()
	}

	nc, err := server.Connect(cfg.NATS, "cgm-bridge")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	subjects := server.Subjects{Prefix: cfg.Engine.SubjectPrefix}
	bridge, err := gateway.NewUDPBridge(cfg.Bridge, cfg.Engine, nc, subjects)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create hub bridge")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("addr", bridge.Addr().String()).Msg("Hub bridge listening")
	if err := bridge.Start(ctx, nc); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Hub bridge stopped with error")
		return
	}

	stats := bridge.Stats()
	log.Info().Interface("stats", stats).Msg("Hub bridge stopped")
}
