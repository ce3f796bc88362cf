// Package pubsub defines the broadcast channel contract the team sync core
// runs on, plus adapters for NATS, the websocket relay and an in-process hub.
//
// Delivery is best effort: messages reach peers that are subscribed when the
// message is published. There is no durable log and no acknowledgement.
package pubsub

import (
	"encoding/json"
	"errors"
)

// TypeBroadcast is the only envelope type the core sends
const TypeBroadcast = "broadcast"

// Status is reported to the Subscribe callback as the channel changes state
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

var (
	// ErrChannelClosed is returned when using a channel after Unsubscribe
	ErrChannelClosed = errors.New("channel closed")
	// ErrNotSubscribed is returned when sending before Subscribe was called
	ErrNotSubscribed = errors.New("channel not subscribed")
)

// Message is the broadcast envelope
type Message struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NewBroadcast marshals payload into a broadcast envelope for event
func NewBroadcast(event string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeBroadcast, Event: event, Payload: data}, nil
}

// Handler receives broadcasts for one event name
type Handler func(msg Message)

// StatusFunc receives subscription status changes. err is set for
// StatusChannelError and StatusTimedOut.
type StatusFunc func(status Status, err error)

// Channel is a named broadcast channel handle.
// Handlers must be registered with On before Subscribe.
type Channel interface {
	Name() string
	On(event string, h Handler)
	Subscribe(cb StatusFunc) error
	Send(msg Message) error
	Unsubscribe() error
}

// Client opens channel handles
type Client interface {
	Channel(name string) Channel
}

// handlerSet maps event names to handlers. Shared by the adapters.
type handlerSet map[string][]Handler

func (hs handlerSet) add(event string, h Handler) {
	hs[event] = append(hs[event], h)
}

// forEvent returns a copy so callers can dispatch without holding a lock
func (hs handlerSet) forEvent(event string) []Handler {
	return append([]Handler(nil), hs[event]...)
}
