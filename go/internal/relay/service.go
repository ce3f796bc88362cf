package relay

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Service is the channel relay: websocket clients join named broadcast
// channels and the backbone spreads their traffic across relay nodes.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	backbone          Backbone
}

// Config holds configuration for the relay service
type Config struct {
	ConnectionConfig ConnectionConfig
}

// DefaultConfig returns default configuration for the relay
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
	}
}

// NewService creates a relay service on top of backbone
func NewService(config Config, backbone Backbone) *Service {
	connectionManager := NewConnectionManager(config.ConnectionConfig, backbone)

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
		backbone:          backbone,
	}
}

// Start runs the relay until ctx is cancelled
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting channel relay service")

	s.connectionManager.Start(ctx)

	log.Info().Msg("channel relay service shutting down")
	return s.Stop()
}

// Stop releases the backbone
func (s *Service) Stop() error {
	if err := s.backbone.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close backbone")
		return err
	}
	log.Info().Msg("channel relay service stopped")
	return nil
}

// RegisterRoutes registers the relay HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	log.Info().Msg("channel relay routes registered")
}

// GetStats returns statistics about the relay
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "channel_relay"
	if nb, ok := s.backbone.(*NATSBackbone); ok {
		stats["nats_connected"] = nb.Connected()
	}
	return stats
}
