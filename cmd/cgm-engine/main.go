package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/glucolink/cgm-engine/internal/config"
	"github.com/glucolink/cgm-engine/internal/integration"
	"github.com/glucolink/cgm-engine/internal/logging"
	"github.com/glucolink/cgm-engine/internal/server"
	"github.com/glucolink/cgm-engine/internal/storage"
	"github.com/glucolink/cgm-engine/pkg/engine"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config/cgm-engine.yml", "Configuration file path")
	validateOnly := flag.Bool("validate", false, "Validate the configuration and exit")
	showConfig := flag.Bool("show-config", false, "Print the configuration and exit")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *showConfig || *validateOnly {
		cfg.PrintConfigSummary()
		if *validateOnly {
			fmt.Println("Configuration is valid")
		}
		return
	}
	if closer, err := logging.Setup(cfg.Log); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	} else if closer != nil {
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	settings, settingsCloser, err := storage.OpenSettings(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open settings")
	}
	defer settingsCloser.Close()

	nc, err := server.Connect(cfg.NATS, "cgm-engine")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()
	log.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")

	subjects := server.Subjects{Prefix: cfg.Engine.SubjectPrefix}

	var sink engine.Sink = server.NewPublisher(nc, subjects)
	var recorder *server.Recorder
	if cfg.Engine.Record {
		recorder = server.NewRecorder(sink, store)
		sink = recorder
	}
	eng := engine.New(sink, settings, engine.Options{}, logging.Component("engine"))
	if recorder != nil {
		recorder.Serials = eng
	}

	g, ctx := errgroup.WithContext(ctx)

	subscriber := server.NewNATSSubscriber(nc, eng, store, subjects)
	g.Go(func() error {
		return subscriber.Start(ctx)
	})

	if cfg.Integration.MQTT.Enabled || cfg.Integration.HTTP.Enabled {
		forwarder := integration.NewForwarderService(nc, store, subjects, cfg.Integration)
		g.Go(func() error {
			return forwarder.Start(ctx)
		})
	}

	log.Info().
		Str("settings", cfg.Engine.SettingsBackend).
		Bool("record", cfg.Engine.Record).
		Msg("CGM engine started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("CGM engine stopped with error")
		return
	}
	log.Info().Msg("CGM engine stopped")
}
