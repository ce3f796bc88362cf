package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent profile. Every field can be overridden from the
// environment after the YAML file is read.
type Config struct {
	Game struct {
		ID         string `yaml:"id"`
		Team       string `yaml:"team"`
		TeamID     string `yaml:"team_id"`
		User       string `yaml:"user"`
		Role       string `yaml:"role"`
		DeviceType string `yaml:"device_type"`
	} `yaml:"game"`

	Transport struct {
		Kind     string `yaml:"kind"`
		NATSURL  string `yaml:"nats_url"`
		RelayURL string `yaml:"relay_url"`
	} `yaml:"transport"`

	Device struct {
		Store   string `yaml:"store"`
		Path    string `yaml:"path"`
		Profile string `yaml:"profile"`
	} `yaml:"device"`

	Sync struct {
		MinConsensus     int `yaml:"min_consensus"`
		HeartbeatSeconds int `yaml:"heartbeat_seconds"`
	} `yaml:"sync"`
}

func defaultConfig() *Config {
	var c Config
	c.Transport.Kind = "nats"
	c.Transport.NATSURL = "nats://localhost:4222"
	c.Transport.RelayURL = "ws://localhost:8082/ws"
	c.Device.Store = "file"
	c.Device.Path = "questsync-device.yaml"
	c.Device.Profile = "default"
	c.Sync.MinConsensus = 2
	c.Sync.HeartbeatSeconds = 5
	return &c
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadConfig reads the profile at path. A missing file yields the defaults.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.applyEnv()
	return config, config.validate()
}

func (c *Config) applyEnv() {
	c.Game.ID = getEnv("QUESTSYNC_GAME", c.Game.ID)
	c.Game.Team = getEnv("QUESTSYNC_TEAM", c.Game.Team)
	c.Game.TeamID = getEnv("QUESTSYNC_TEAM_ID", c.Game.TeamID)
	c.Game.User = getEnv("QUESTSYNC_USER", c.Game.User)
	c.Game.Role = getEnv("QUESTSYNC_ROLE", c.Game.Role)
	c.Transport.Kind = getEnv("QUESTSYNC_TRANSPORT", c.Transport.Kind)
	c.Transport.NATSURL = getEnv("NATS_URL", c.Transport.NATSURL)
	c.Transport.RelayURL = getEnv("RELAY_URL", c.Transport.RelayURL)
	c.Device.Store = getEnv("DEVICE_STORE", c.Device.Store)
	c.Device.Path = getEnv("DEVICE_FILE", c.Device.Path)
	c.Device.Profile = getEnv("DEVICE_PROFILE", c.Device.Profile)
	c.Sync.MinConsensus = getEnvAsInt("MIN_CONSENSUS", c.Sync.MinConsensus)
	c.Sync.HeartbeatSeconds = getEnvAsInt("HEARTBEAT_SECONDS", c.Sync.HeartbeatSeconds)

	if c.Game.TeamID == "" {
		c.Game.TeamID = c.Game.Team
	}
}

func (c *Config) validate() error {
	if c.Game.ID == "" {
		return errors.New("game id is required (game.id or QUESTSYNC_GAME)")
	}
	if c.Game.Team != "" && c.Game.User == "" {
		return errors.New("user name is required when joining a team")
	}
	if c.Sync.HeartbeatSeconds <= 0 {
		return fmt.Errorf("heartbeat_seconds must be positive, got %d", c.Sync.HeartbeatSeconds)
	}
	return nil
}

func (c *Config) heartbeat() time.Duration {
	return time.Duration(c.Sync.HeartbeatSeconds) * time.Second
}
