package teamsync

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/questsync/go/internal/pubsub"
	"github.com/rs/zerolog"
)

var quiet = []Option{WithLogger(zerolog.Nop()), WithHeartbeatInterval(time.Hour)}

// newDevice returns a Service on hub that is disconnected when the test ends
func newDevice(t *testing.T, hub *pubsub.MemoryHub, deviceID string, clock *clockwork.FakeClock, opts ...Option) *Service {
	t.Helper()
	all := append([]Option{WithClock(clock)}, quiet...)
	s := New(hub.Client(), deviceID, append(all, opts...)...)
	t.Cleanup(s.Disconnect)
	return s
}

// rawPeer is a bare channel on the hub used to inject or observe broadcasts
func rawPeer(t *testing.T, hub *pubsub.MemoryHub, name string) pubsub.Channel {
	t.Helper()
	ch := hub.Client().Channel(name)
	t.Cleanup(func() { ch.Unsubscribe() })
	return ch
}

func mustSubscribe(t *testing.T, ch pubsub.Channel) {
	t.Helper()
	if err := ch.Subscribe(nil); err != nil {
		t.Fatalf("subscribe %s: %v", ch.Name(), err)
	}
}

func mustSend(t *testing.T, ch pubsub.Channel, event string, payload any) {
	t.Helper()
	msg, err := pubsub.NewBroadcast(event, payload)
	if err != nil {
		t.Fatalf("NewBroadcast: %v", err)
	}
	if err := ch.Send(msg); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

func decode[T any](t *testing.T, msg pubsub.Message) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		t.Fatalf("decode %s: %v", msg.Event, err)
	}
	return v
}

var errNetworkDown = errors.New("network down")

// brokenClient confirms every subscription but fails every send
type brokenClient struct{}

func (brokenClient) Channel(name string) pubsub.Channel { return &brokenChannel{name: name} }

type brokenChannel struct{ name string }

func (c *brokenChannel) Name() string { return c.name }
func (c *brokenChannel) On(string, pubsub.Handler) {}
func (c *brokenChannel) Send(pubsub.Message) error { return errNetworkDown }
func (c *brokenChannel) Unsubscribe() error { return nil }
func (c *brokenChannel) Subscribe(cb pubsub.StatusFunc) error {
	if cb != nil {
		cb(pubsub.StatusSubscribed, nil)
	}
	return nil
}

var errSubscribeRefused = errors.New("subscribe refused")

// refusingClient fails Subscribe on the channels refuse matches and
// confirms the rest
type refusingClient struct{ refuse func(name string) bool }

func (c refusingClient) Channel(name string) pubsub.Channel {
	return &refusingChannel{brokenChannel: brokenChannel{name: name}, refused: c.refuse(name)}
}

type refusingChannel struct {
	brokenChannel
	refused bool
}

func (c *refusingChannel) Subscribe(cb pubsub.StatusFunc) error {
	if c.refused {
		return errSubscribeRefused
	}
	return c.brokenChannel.Subscribe(cb)
}
