package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/questsync/go/internal/device"
	"github.com/mcdev12/questsync/go/internal/teamsync"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	config, err := loadConfig(getEnv("QUESTSYNC_CONFIG", "questsync.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := setupDeviceStore(ctx, config)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open device store")
	}
	defer closeStore()

	deviceID, err := device.NewIdentity(store).DeviceID(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve device id")
	}

	client, closeClient, err := setupTransport(ctx, config)
	if err != nil {
		log.Fatal().Err(err).Str("transport", config.Transport.Kind).Msg("failed to open transport")
	}
	defer closeClient()

	svc := teamsync.New(client, deviceID,
		teamsync.WithHeartbeatInterval(config.heartbeat()),
		teamsync.WithMinConsensusVoters(config.Sync.MinConsensus),
		teamsync.WithRole(config.Game.Role),
		teamsync.WithDeviceType(config.Game.DeviceType),
	)
	defer svc.Disconnect()

	if config.Game.Team != "" {
		err = svc.Connect(config.Game.ID, config.Game.Team, config.Game.User)
	} else {
		err = svc.ConnectGlobal(config.Game.ID)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to join game")
	}

	readyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := svc.WaitGlobalReady(readyCtx); err != nil {
		log.Warn().Err(err).Msg("global channel not ready yet, chat will be queued")
	}
	cancel()

	log.Info().
		Str("device_id", deviceID).
		Str("game_id", config.Game.ID).
		Str("team", config.Game.Team).
		Str("channel", svc.TeamChannel()).
		Msg("agent ready, type help for commands")

	console := newConsole(svc, config, os.Stdout)
	unwatch := console.watch()
	defer unwatch()

	if err := console.run(ctx, os.Stdin); err != nil {
		log.Error().Err(err).Msg("reading commands failed")
	}
	log.Info().Msg("agent shutting down")
}
