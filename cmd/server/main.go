package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Brownie44l1/crop-disease-api/internal/config"
	"github.com/Brownie44l1/crop-disease-api/internal/logging"
	"github.com/Brownie44l1/crop-disease-api/internal/server"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := config.LoadEnvFile(); err != nil {
		log.Fatal().Err(err).Msg("failed to read environment file")
	}
	cfg := config.Load()
	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.Pretty)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := srv.Run(ctx)
	if err := srv.Close(); err != nil {
		log.Error().Err(err).Msg("failed to release resources")
	}
	if runErr != nil {
		log.Fatal().Err(runErr).Msg("server failed")
	}
}
