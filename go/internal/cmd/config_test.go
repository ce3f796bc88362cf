package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "questsync.yaml")
	profile := `
game:
  id: g1
  team: Red Team
  user: Ann
transport:
  kind: relay
sync:
  min_consensus: 1
`
	if err := os.WriteFile(path, []byte(profile), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QUESTSYNC_USER", "Annie")
	t.Setenv("HEARTBEAT_SECONDS", "10")

	config, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if config.Game.User != "Annie" {
		t.Errorf("user = %q, want env override", config.Game.User)
	}
	if config.Game.TeamID != "Red Team" {
		t.Errorf("team id = %q, want team name fallback", config.Game.TeamID)
	}
	if config.Transport.Kind != "relay" || config.Sync.MinConsensus != 1 {
		t.Errorf("file values not applied: %+v", config)
	}
	if config.heartbeat() != 10*time.Second {
		t.Errorf("heartbeat = %s", config.heartbeat())
	}
	if config.Device.Store != "file" {
		t.Errorf("device store default lost: %q", config.Device.Store)
	}
}

func TestLoadConfigRequiresGame(t *testing.T) {
	t.Setenv("QUESTSYNC_GAME", "")
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error without a game id")
	}
}

func TestLoadConfigMissingFileUsesEnv(t *testing.T) {
	t.Setenv("QUESTSYNC_GAME", "g9")
	config, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if config.Game.ID != "g9" || config.Transport.Kind != "nats" {
		t.Fatalf("unexpected config %+v", config)
	}
}
