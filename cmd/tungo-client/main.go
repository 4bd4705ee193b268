package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tungo-go/tungo"
)

func main() {
	configPath := flag.String("config", "configs/tungo-client.yaml", "path to client configuration file")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := tungo.New(cfg.toOptions(), tungo.Events{
		OnConnect: func(info tungo.TunnelInfo) {
			log.Info().Str("url", info.URL).Str("subdomain", info.Subdomain).Msg("tunnel connected")
		},
		OnDisconnect: func(reason string) {
			log.Warn().Str("reason", reason).Msg("tunnel disconnected")
		},
		OnReconnect: func(attempt int) {
			log.Info().Int("attempt", attempt).Msg("reconnecting")
		},
		OnStatus: func(status string) {
			log.Debug().Str("status", status).Msg("status changed")
		},
		OnError: func(err error) {
			log.Error().Err(err).Msg("tunnel error")
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create client")
		os.Exit(1)
	}

	log.Info().Msg("tungo-client starting")
	info, err := c.Start(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to start tunnel")
		os.Exit(1)
	}
	log.Info().Str("url", info.URL).Msg("tunnel established")

	<-ctx.Done()
	c.Stop()
	log.Info().Msg("tungo-client stopped")
}
