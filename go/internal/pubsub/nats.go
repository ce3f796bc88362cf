package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds connection settings for the NATS adapter
type NATSConfig struct {
	URL              string
	SubjectPrefix    string
	MaxReconnects    int
	ReconnectWait    time.Duration
	SubscribeTimeout time.Duration
}

// DefaultNATSConfig returns default NATS adapter configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:              nats.DefaultURL,
		SubjectPrefix:    "questsync.channel",
		MaxReconnects:    -1, // Infinite
		ReconnectWait:    2 * time.Second,
		SubscribeTimeout: 5 * time.Second,
	}
}

// natsEnvelope tags a broadcast with the publishing client so the client can
// drop its own echo.
type natsEnvelope struct {
	Sender string `json:"sender"`
	Message
}

// NATSClient maps broadcast channels onto core NATS subjects
type NATSClient struct {
	nc       *nats.Conn
	config   NATSConfig
	senderID string
	owned    bool
}

// ConnectNATS dials NATS and returns a client that owns the connection
func ConnectNATS(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name("questsync"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	client := NewNATSClient(nc, config)
	client.owned = true
	return client, nil
}

// NewNATSClient wraps an existing connection. The caller keeps ownership.
func NewNATSClient(nc *nats.Conn, config NATSConfig) *NATSClient {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = DefaultNATSConfig().SubjectPrefix
	}
	if config.SubscribeTimeout == 0 {
		config.SubscribeTimeout = DefaultNATSConfig().SubscribeTimeout
	}
	return &NATSClient{
		nc:       nc,
		config:   config,
		senderID: uuid.New().String(),
	}
}

// Subject returns the NATS subject used for a channel name
func (c *NATSClient) Subject(name string) string {
	return c.config.SubjectPrefix + "." + name
}

func (c *NATSClient) Channel(name string) Channel {
	return &natsChannel{
		client:   c,
		name:     name,
		subject:  c.Subject(name),
		handlers: make(handlerSet),
	}
}

// Close closes the underlying connection when the client owns it
func (c *NATSClient) Close() {
	if c.owned && c.nc != nil {
		c.nc.Close()
	}
}

type natsChannel struct {
	client  *NATSClient
	name    string
	subject string

	mu       sync.RWMutex
	handlers handlerSet
	sub      *nats.Subscription
	closed   bool
}

func (c *natsChannel) Name() string { return c.name }

func (c *natsChannel) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers.add(event, h)
}

func (c *natsChannel) Subscribe(cb StatusFunc) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	sub, err := c.client.nc.Subscribe(c.subject, c.handleMsg)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", c.subject, err)
	}
	c.sub = sub
	c.mu.Unlock()

	// The flush round-trip confirms the server registered interest
	go func() {
		status, err := StatusSubscribed, c.client.nc.FlushTimeout(c.client.config.SubscribeTimeout)
		if errors.Is(err, nats.ErrTimeout) {
			status = StatusTimedOut
		} else if err != nil {
			status = StatusChannelError
		}
		if cb != nil {
			cb(status, err)
		}
	}()
	return nil
}

func (c *natsChannel) Send(msg Message) error {
	c.mu.RLock()
	closed, sub := c.closed, c.sub
	c.mu.RUnlock()
	if closed {
		return ErrChannelClosed
	}
	if sub == nil {
		return ErrNotSubscribed
	}

	data, err := json.Marshal(natsEnvelope{Sender: c.client.senderID, Message: msg})
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	if err := c.client.nc.Publish(c.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", c.subject, err)
	}
	return nil
}

func (c *natsChannel) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.sub == nil {
		return nil
	}
	if err := c.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("unsubscribe %s: %w", c.subject, err)
	}
	return nil
}

func (c *natsChannel) handleMsg(m *nats.Msg) {
	var env natsEnvelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		log.Warn().Err(err).Str("subject", m.Subject).Msg("dropping malformed broadcast")
		return
	}
	if env.Sender == c.client.senderID || env.Type != TypeBroadcast {
		return
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	handlers := c.handlers.forEvent(env.Event)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(env.Message)
	}
}
