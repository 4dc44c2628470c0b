package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/glucolink/cgm-engine/internal/api"
	"github.com/glucolink/cgm-engine/internal/config"
	"github.com/glucolink/cgm-engine/internal/logging"
	"github.com/glucolink/cgm-engine/internal/server"
	"github.com/glucolink/cgm-engine/internal/storage"
	"github.com/glucolink/cgm-engine/pkg/libre2"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "config/cgm-api.yml", "Configuration file path")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	opts := []api.Option{api.WithDecrypter(libre2.Unavailable{})}

	// The API works without NATS; only event injection needs it.
	nc, err := server.Connect(cfg.NATS, "cgm-api")
	if err != nil {
		log.Warn().Err(err).Msg("Failed to connect to NATS, event injection disabled")
	} else {
		defer nc.Close()
		opts = append(opts, api.WithBus(nc))
	}

	apiServer := api.NewRESTServer(cfg, store, opts...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("REST API server stopped with error")
		return
	}
	log.Info().Msg("REST API server stopped")
}
