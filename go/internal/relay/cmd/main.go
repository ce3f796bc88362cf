package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/questsync/go/internal/relay"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	port := getEnv("RELAY_PORT", "8082")
	backboneKind := getEnv("RELAY_BACKBONE", "nats")

	var backbone relay.Backbone
	switch backboneKind {
	case "local":
		backbone = relay.NewLocalBackbone()
	case "nats":
		natsConfig := relay.DefaultNATSBackboneConfig()
		natsConfig.URL = getEnv("NATS_URL", natsConfig.URL)
		nb, err := relay.NewNATSBackbone(natsConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect relay backbone")
		}
		backbone = nb
	default:
		log.Fatal().Str("backbone", backboneKind).Msg("unknown RELAY_BACKBONE")
	}

	log.Info().
		Str("backbone", backboneKind).
		Str("port", port).
		Msg("starting channel relay")

	relayService := relay.NewService(relay.DefaultConfig(), backbone)

	mux := http.NewServeMux()
	relayService.RegisterRoutes(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		stats := relayService.GetStats()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"service":"channel-relay","version":"1.0.0","channels":%d}`,
			stats["active_channels"])
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", port),
		Handler:     h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := relayService.Start(ctx); err != nil {
			log.Error().Err(err).Msg("relay service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()

	// Give the relay time to close sockets
	time.Sleep(1 * time.Second)

	log.Info().Msg("channel relay shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
