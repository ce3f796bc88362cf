package main

import (
	"context"
	"fmt"

	"github.com/mcdev12/questsync/go/internal/dbconfig"
	"github.com/mcdev12/questsync/go/internal/device"
	"github.com/mcdev12/questsync/go/internal/pubsub"
	"github.com/rs/zerolog/log"
)

// setupTransport opens the broadcast client named by the profile. The
// returned func releases it.
func setupTransport(ctx context.Context, config *Config) (pubsub.Client, func(), error) {
	switch config.Transport.Kind {
	case "nats":
		natsConfig := pubsub.DefaultNATSConfig()
		natsConfig.URL = config.Transport.NATSURL
		client, err := pubsub.ConnectNATS(natsConfig)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("url", natsConfig.URL).Msg("connected to NATS")
		return client, client.Close, nil

	case "relay":
		client, err := pubsub.DialRelay(ctx, config.Transport.RelayURL, nil)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("url", config.Transport.RelayURL).Msg("connected to channel relay")
		return client, func() {
			if err := client.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close relay connection")
			}
		}, nil

	case "memory":
		log.Warn().Msg("in-memory transport only reaches devices in this process")
		return pubsub.NewMemoryHub().Client(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", config.Transport.Kind)
	}
}

// setupDeviceStore opens the store that keeps the device id between runs
func setupDeviceStore(ctx context.Context, config *Config) (device.Store, func(), error) {
	switch config.Device.Store {
	case "file":
		return device.NewFileStore(config.Device.Path), func() {}, nil

	case "postgres":
		dbConfig := dbconfig.NewConfigFromEnv()
		pool, err := device.OpenPgPool(ctx, dbConfig.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open device database: %w", err)
		}
		store, err := device.NewPgStore(ctx, pool, config.Device.Profile)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info().
			Str("host", dbConfig.Host).
			Str("database", dbConfig.Database).
			Str("profile", config.Device.Profile).
			Msg("using postgres device store")
		return store, pool.Close, nil

	case "memory":
		return device.NewMemoryStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown device store %q", config.Device.Store)
	}
}
