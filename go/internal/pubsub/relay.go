package pubsub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const relayWriteTimeout = 10 * time.Second

// RelayClient multiplexes broadcast channels over one websocket to the relay
// server. There is no automatic redial; a dropped socket reports
// StatusChannelError to every open channel.
type RelayClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[string]*relayChannel
	err      error
	done     chan struct{}
}

// DialRelay connects to a relay server websocket endpoint (ws://host/ws)
func DialRelay(ctx context.Context, url string, header http.Header) (*RelayClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	c := &RelayClient{
		conn:     conn,
		channels: make(map[string]*relayChannel),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *RelayClient) Channel(name string) Channel {
	return &relayChannel{
		client:   c,
		name:     name,
		handlers: make(handlerSet),
	}
}

// Close closes the websocket and waits for the read loop to exit
func (c *RelayClient) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(relayWriteTimeout),
	)
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

func (c *RelayClient) write(frame RelayFrame) error {
	c.mu.Lock()
	broken := c.err
	c.mu.Unlock()
	if broken != nil {
		return fmt.Errorf("relay connection lost: %w", broken)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Op, err)
	}
	return nil
}

func (c *RelayClient) readLoop() {
	defer close(c.done)

	for {
		var frame RelayFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.fail(err)
			return
		}

		c.mu.Lock()
		ch := c.channels[frame.Channel]
		c.mu.Unlock()
		if ch == nil {
			continue
		}

		switch frame.Op {
		case OpJoined:
			ch.reportStatus(StatusSubscribed, nil)
		case OpBroadcast:
			if frame.Message != nil {
				ch.deliver(*frame.Message)
			}
		case OpError:
			ch.reportStatus(StatusChannelError, errors.New(frame.Error))
		default:
			log.Debug().Str("op", frame.Op).Str("channel", frame.Channel).Msg("ignoring relay frame")
		}
	}
}

func (c *RelayClient) fail(err error) {
	c.mu.Lock()
	c.err = err
	channels := make([]*relayChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = make(map[string]*relayChannel)
	c.mu.Unlock()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Error().Err(err).Msg("relay connection lost")
	}
	for _, ch := range channels {
		ch.reportStatus(StatusChannelError, err)
	}
}

type relayChannel struct {
	client *RelayClient
	name   string

	mu       sync.RWMutex
	handlers handlerSet
	statusCb StatusFunc
	joined   bool
	closed   bool
}

func (c *relayChannel) Name() string { return c.name }

func (c *relayChannel) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers.add(event, h)
}

func (c *relayChannel) Subscribe(cb StatusFunc) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.statusCb = cb
	c.joined = true
	c.mu.Unlock()

	c.client.mu.Lock()
	c.client.channels[c.name] = c
	c.client.mu.Unlock()

	return c.client.write(RelayFrame{Op: OpJoin, Channel: c.name})
}

func (c *relayChannel) Send(msg Message) error {
	c.mu.RLock()
	closed, joined := c.closed, c.joined
	c.mu.RUnlock()
	if closed {
		return ErrChannelClosed
	}
	if !joined {
		return ErrNotSubscribed
	}
	return c.client.write(RelayFrame{Op: OpBroadcast, Channel: c.name, Message: &msg})
}

func (c *relayChannel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	joined := c.joined
	c.mu.Unlock()

	c.client.mu.Lock()
	if c.client.channels[c.name] == c {
		delete(c.client.channels, c.name)
	}
	c.client.mu.Unlock()

	if !joined {
		return nil
	}
	return c.client.write(RelayFrame{Op: OpLeave, Channel: c.name})
}

func (c *relayChannel) reportStatus(status Status, err error) {
	c.mu.RLock()
	cb, closed := c.statusCb, c.closed
	c.mu.RUnlock()
	if cb != nil && !closed {
		cb(status, err)
	}
}

func (c *relayChannel) deliver(msg Message) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	handlers := c.handlers.forEvent(msg.Event)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}
