package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Backbone carries relay traffic between relay nodes. A channel subscription
// on the backbone exists while at least one local connection joined it.
type Backbone interface {
	Publish(channel string, data []byte) error
	Subscribe(channel string, fn func(data []byte)) (unsubscribe func() error, err error)
	Close() error
}

// LocalBackbone serves a single relay node without any broker
type LocalBackbone struct {
	mu   sync.RWMutex
	subs map[string]map[int]func([]byte)
	next int
}

// NewLocalBackbone creates an in-process backbone
func NewLocalBackbone() *LocalBackbone {
	return &LocalBackbone{subs: make(map[string]map[int]func([]byte))}
}

func (b *LocalBackbone) Publish(channel string, data []byte) error {
	b.mu.RLock()
	fns := make([]func([]byte), 0, len(b.subs[channel]))
	for _, fn := range b.subs[channel] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(data)
	}
	return nil
}

func (b *LocalBackbone) Subscribe(channel string, fn func([]byte)) (func() error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]func([]byte))
	}
	b.subs[channel][id] = fn

	return func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[channel], id)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
		return nil
	}, nil
}

func (b *LocalBackbone) Close() error { return nil }

// NATSBackboneConfig holds configuration for the NATS backbone
type NATSBackboneConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSBackboneConfig returns default NATS backbone configuration
func DefaultNATSBackboneConfig() NATSBackboneConfig {
	return NATSBackboneConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "questsync.relay",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSBackbone fans relay traffic out to every relay node over core NATS
type NATSBackbone struct {
	nc     *nats.Conn
	config NATSBackboneConfig
}

// NewNATSBackbone connects to NATS
func NewNATSBackbone(config NATSBackboneConfig) (*NATSBackbone, error) {
	opts := []nats.Option{
		nats.Name("questsync-relay"),
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
	return &NATSBackbone{nc: nc, config: config}, nil
}

func (b *NATSBackbone) subject(channel string) string {
	return b.config.SubjectPrefix + "." + channel
}

func (b *NATSBackbone) Publish(channel string, data []byte) error {
	if err := b.nc.Publish(b.subject(channel), data); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (b *NATSBackbone) Subscribe(channel string, fn func([]byte)) (func() error, error) {
	sub, err := b.nc.Subscribe(b.subject(channel), func(m *nats.Msg) {
		fn(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return sub.Unsubscribe, nil
}

// Connected reports whether the NATS connection is currently up
func (b *NATSBackbone) Connected() bool {
	return b.nc.IsConnected()
}

func (b *NATSBackbone) Close() error {
	b.nc.Close()
	return nil
}
