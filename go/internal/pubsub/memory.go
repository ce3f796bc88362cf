package pubsub

import (
	"sync"
)

// MemoryHub is an in-process broadcast hub keyed by channel name.
// Delivery is synchronous on the sender's goroutine, which keeps tests and
// single-process demos deterministic.
type MemoryHub struct {
	mu       sync.RWMutex
	channels map[string]map[*memoryChannel]struct{}

	hold    bool
	pending []*memoryChannel
}

// NewMemoryHub creates an empty hub
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		channels: make(map[string]map[*memoryChannel]struct{}),
	}
}

// Client returns a new client of the hub. Broadcasts never echo back to
// channels opened by the same client.
func (h *MemoryHub) Client() Client {
	return &memoryClient{hub: h}
}

// HoldSubscriptions makes subsequent Subscribe calls wait for
// ConfirmSubscriptions before reporting StatusSubscribed.
func (h *MemoryHub) HoldSubscriptions() {
	h.mu.Lock()
	h.hold = true
	h.mu.Unlock()
}

// ConfirmSubscriptions completes every held subscription and stops holding
func (h *MemoryHub) ConfirmSubscriptions() {
	h.mu.Lock()
	h.hold = false
	pending := h.pending
	h.pending = nil
	for _, ch := range pending {
		h.attachLocked(ch)
	}
	h.mu.Unlock()

	for _, ch := range pending {
		ch.reportStatus(StatusSubscribed, nil)
	}
}

// Subscribers returns how many subscribed handles exist for name
func (h *MemoryHub) Subscribers(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[name])
}

func (h *MemoryHub) attachLocked(ch *memoryChannel) {
	if ch.closed {
		return
	}
	if h.channels[ch.name] == nil {
		h.channels[ch.name] = make(map[*memoryChannel]struct{})
	}
	h.channels[ch.name][ch] = struct{}{}
	ch.subscribed = true
}

func (h *MemoryHub) detach(ch *memoryChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch.closed = true
	ch.subscribed = false
	delete(h.channels[ch.name], ch)
	if len(h.channels[ch.name]) == 0 {
		delete(h.channels, ch.name)
	}
	for i, p := range h.pending {
		if p == ch {
			h.pending = append(h.pending[:i], h.pending[i+1:]...)
			break
		}
	}
}

func (h *MemoryHub) publish(from *memoryChannel, msg Message) error {
	h.mu.RLock()
	if from.closed {
		h.mu.RUnlock()
		return ErrChannelClosed
	}
	if !from.joining {
		h.mu.RUnlock()
		return ErrNotSubscribed
	}
	var targets []*memoryChannel
	for ch := range h.channels[from.name] {
		if ch.client == from.client {
			continue
		}
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	for _, ch := range targets {
		ch.deliver(msg)
	}
	return nil
}

type memoryClient struct {
	hub *MemoryHub
}

func (c *memoryClient) Channel(name string) Channel {
	return &memoryChannel{
		name:     name,
		hub:      c.hub,
		client:   c,
		handlers: make(handlerSet),
	}
}

type memoryChannel struct {
	name   string
	hub    *MemoryHub
	client *memoryClient

	mu       sync.RWMutex
	handlers handlerSet
	statusCb StatusFunc

	// guarded by hub.mu
	joining    bool
	subscribed bool
	closed     bool
}

func (c *memoryChannel) Name() string { return c.name }

func (c *memoryChannel) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers.add(event, h)
}

func (c *memoryChannel) Subscribe(cb StatusFunc) error {
	c.mu.Lock()
	c.statusCb = cb
	c.mu.Unlock()

	c.hub.mu.Lock()
	if c.closed {
		c.hub.mu.Unlock()
		return ErrChannelClosed
	}
	c.joining = true
	if c.hub.hold {
		c.hub.pending = append(c.hub.pending, c)
		c.hub.mu.Unlock()
		return nil
	}
	c.hub.attachLocked(c)
	c.hub.mu.Unlock()

	c.reportStatus(StatusSubscribed, nil)
	return nil
}

func (c *memoryChannel) Send(msg Message) error {
	return c.hub.publish(c, msg)
}

func (c *memoryChannel) Unsubscribe() error {
	c.hub.detach(c)
	c.reportStatus(StatusClosed, nil)
	return nil
}

func (c *memoryChannel) reportStatus(status Status, err error) {
	c.mu.RLock()
	cb := c.statusCb
	c.mu.RUnlock()
	if cb != nil {
		cb(status, err)
	}
}

func (c *memoryChannel) deliver(msg Message) {
	c.mu.RLock()
	handlers := c.handlers.forEvent(msg.Event)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}
