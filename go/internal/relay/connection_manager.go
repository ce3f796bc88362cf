package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/questsync/go/internal/pubsub"
	"github.com/rs/zerolog/log"
)

// ConnectionManager manages relay websocket connections grouped by channel
type ConnectionManager struct {
	// Connection pools organized by channel name
	channels map[string]map[*Connection]bool
	// Backbone subscriptions, one per channel with local members
	backboneSubs map[string]func() error
	mu           sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	backbone Backbone

	deliverCh chan delivery
}

// Connection represents a websocket connection to one sync client
type Connection struct {
	ID         string
	RemoteAddr string
	Conn       *websocket.Conn
	Send       chan []byte
	Manager    *ConnectionManager

	// guarded by Manager.mu
	joined map[string]bool

	ConnectedAt time.Time
}

// ConnectionConfig holds configuration for relay websocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// relayEnvelope is what travels over the backbone
type relayEnvelope struct {
	Origin  string         `json:"origin"`
	Message pubsub.Message `json:"message"`
}

type delivery struct {
	Channel string
	Origin  string
	Frame   []byte
}

// DefaultConnectionConfig returns default relay websocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  8 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			// Game clients are served from arbitrary hosts
			return true
		},
	}
}

// NewConnectionManager creates a new relay connection manager
func NewConnectionManager(config ConnectionConfig, backbone Backbone) *ConnectionManager {
	return &ConnectionManager{
		channels:     make(map[string]map[*Connection]bool),
		backboneSubs: make(map[string]func() error),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:    config,
		backbone:  backbone,
		deliverCh: make(chan delivery, 1000),
	}
}

// Start processes deliveries until ctx is cancelled
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("relay connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay connection manager shutting down")
			cm.closeAll()
			return
		case d := <-cm.deliverCh:
			cm.handleDelivery(d)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a relay websocket
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		RemoteAddr:  r.RemoteAddr,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBufferSize),
		Manager:     cm,
		joined:      make(map[string]bool),
		ConnectedAt: time.Now(),
	}

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("remote_addr", connection.RemoteAddr).
		Msg("relay connection established")

	return nil
}

// join adds conn to channel, subscribing the backbone for the first local member
func (cm *ConnectionManager) join(conn *Connection, channel string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conn.joined[channel] {
		return nil
	}

	if _, ok := cm.backboneSubs[channel]; !ok {
		unsub, err := cm.backbone.Subscribe(channel, func(data []byte) {
			cm.onBackbone(channel, data)
		})
		if err != nil {
			return err
		}
		cm.backboneSubs[channel] = unsub
	}

	if cm.channels[channel] == nil {
		cm.channels[channel] = make(map[*Connection]bool)
	}
	cm.channels[channel][conn] = true
	conn.joined[channel] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("channel", channel).
		Int("channel_connections", len(cm.channels[channel])).
		Msg("connection joined channel")
	return nil
}

// leave removes conn from channel
func (cm *ConnectionManager) leave(conn *Connection, channel string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.leaveLocked(conn, channel)
}

func (cm *ConnectionManager) leaveLocked(conn *Connection, channel string) {
	if !conn.joined[channel] {
		return
	}
	delete(conn.joined, channel)
	delete(cm.channels[channel], conn)

	// Clean up empty channel pools and their backbone subscription
	if len(cm.channels[channel]) == 0 {
		delete(cm.channels, channel)
		if unsub, ok := cm.backboneSubs[channel]; ok {
			delete(cm.backboneSubs, channel)
			if err := unsub(); err != nil {
				log.Warn().Err(err).Str("channel", channel).Msg("failed to drop backbone subscription")
			}
		}
	}
}

// unregisterConnection removes a connection from every channel it joined
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conn.joined == nil {
		return
	}
	for channel := range conn.joined {
		cm.leaveLocked(conn, channel)
	}
	conn.joined = nil
	close(conn.Send)

	log.Info().
		Str("connection_id", conn.ID).
		Str("remote_addr", conn.RemoteAddr).
		Msg("relay connection unregistered")
}

// publish forwards a client broadcast to the backbone
func (cm *ConnectionManager) publish(conn *Connection, channel string, msg pubsub.Message) error {
	cm.mu.RLock()
	joined := conn.joined[channel]
	cm.mu.RUnlock()
	if !joined {
		return pubsub.ErrNotSubscribed
	}

	data, err := json.Marshal(relayEnvelope{Origin: conn.ID, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}
	return cm.backbone.Publish(channel, data)
}

// onBackbone queues backbone traffic for local fan-out
func (cm *ConnectionManager) onBackbone(channel string, data []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("dropping malformed relay envelope")
		return
	}

	frame, err := json.Marshal(pubsub.RelayFrame{Op: pubsub.OpBroadcast, Channel: channel, Message: &env.Message})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal broadcast frame")
		return
	}

	select {
	case cm.deliverCh <- delivery{Channel: channel, Origin: env.Origin, Frame: frame}:
	default:
		log.Warn().Str("channel", channel).Msg("delivery channel full, dropping message")
	}
}

// handleDelivery sends a broadcast frame to every local member except the sender
func (cm *ConnectionManager) handleDelivery(d delivery) {
	cm.mu.RLock()
	var targets []*Connection
	for conn := range cm.channels[d.Channel] {
		if conn.ID == d.Origin {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		if !conn.trySend(d.Frame) {
			// Connection is slow/dead, close it
			log.Warn().
				Str("connection_id", conn.ID).
				Str("channel", d.Channel).
				Msg("connection send buffer full, closing connection")
			conn.Conn.Close()
		}
	}

	log.Debug().
		Str("channel", d.Channel).
		Int("connections", len(targets)).
		Msg("broadcast relayed")
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	var all []*Connection
	seen := make(map[*Connection]bool)
	for _, conns := range cm.channels {
		for conn := range conns {
			if !seen[conn] {
				seen[conn] = true
				all = append(all, conn)
			}
		}
	}
	cm.mu.RUnlock()

	for _, conn := range all {
		conn.Conn.Close()
	}
}

// GetConnectionStats returns statistics about active channels
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	members := 0
	channelCounts := make(map[string]int)
	for name, conns := range cm.channels {
		members += len(conns)
		channelCounts[name] = len(conns)
	}

	return map[string]interface{}{
		"channel_members":     members,
		"active_channels":     len(cm.channels),
		"channel_connections": channelCounts,
	}
}

// trySend queues frame without blocking; false means the buffer is full
// or the connection is already gone.
func (c *Connection) trySend(frame []byte) bool {
	c.Manager.mu.RLock()
	defer c.Manager.mu.RUnlock()
	if c.joined == nil {
		return true
	}
	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}

func (c *Connection) reply(frame pubsub.RelayFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal relay reply")
		return
	}
	if !c.trySend(data) {
		log.Warn().Str("connection_id", c.ID).Msg("reply dropped, send buffer full")
	}
}

// writePump handles sending frames to the websocket
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading frames from the websocket
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage processes one relay frame received from the client
func (c *Connection) handleClientMessage(message []byte) {
	var frame pubsub.RelayFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.reply(pubsub.RelayFrame{Op: pubsub.OpError, Error: "malformed frame"})
		return
	}
	if frame.Channel == "" {
		c.reply(pubsub.RelayFrame{Op: pubsub.OpError, Error: "channel is required"})
		return
	}

	switch frame.Op {
	case pubsub.OpJoin:
		if err := c.Manager.join(c, frame.Channel); err != nil {
			log.Error().Err(err).Str("channel", frame.Channel).Msg("failed to join channel")
			c.reply(pubsub.RelayFrame{Op: pubsub.OpError, Channel: frame.Channel, Error: "join failed"})
			return
		}
		c.reply(pubsub.RelayFrame{Op: pubsub.OpJoined, Channel: frame.Channel})

	case pubsub.OpLeave:
		c.Manager.leave(c, frame.Channel)

	case pubsub.OpBroadcast:
		if frame.Message == nil {
			c.reply(pubsub.RelayFrame{Op: pubsub.OpError, Channel: frame.Channel, Error: "message is required"})
			return
		}
		if err := c.Manager.publish(c, frame.Channel, *frame.Message); err != nil {
			log.Warn().Err(err).Str("connection_id", c.ID).Str("channel", frame.Channel).Msg("broadcast rejected")
			c.reply(pubsub.RelayFrame{Op: pubsub.OpError, Channel: frame.Channel, Error: err.Error()})
		}

	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("op", frame.Op).
			Msg("ignoring unknown relay op")
	}
}
