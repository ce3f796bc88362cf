package pubsub

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type statusLog []Status

func (l *statusLog) record(s Status, _ error) { *l = append(*l, s) }

func TestMemoryHubBroadcast(t *testing.T) {
	hub := NewMemoryHub()
	a := hub.Client().Channel("room")
	b := hub.Client().Channel("room")
	other := hub.Client().Channel("elsewhere")

	var gotB, gotOther []string
	b.On("ping", func(m Message) { gotB = append(gotB, string(m.Payload)) })
	other.On("ping", func(m Message) { gotOther = append(gotOther, string(m.Payload)) })

	var aSelf int
	a.On("ping", func(Message) { aSelf++ })

	for _, ch := range []Channel{a, b, other} {
		if err := ch.Subscribe(nil); err != nil {
			t.Fatalf("Subscribe %s: %v", ch.Name(), err)
		}
	}

	msg, err := NewBroadcast("ping", map[string]int{"n": 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if diff := cmp.Diff([]string{`{"n":1}`}, gotB); diff != "" {
		t.Fatalf("b received (-want +got):\n%s", diff)
	}
	if len(gotOther) != 0 {
		t.Fatal("broadcast leaked to another channel")
	}
	if aSelf != 0 {
		t.Fatal("sender received its own broadcast")
	}
}

func TestMemoryHubNoEchoWithinClient(t *testing.T) {
	hub := NewMemoryHub()
	client := hub.Client()
	first := client.Channel("room")
	second := client.Channel("room")

	var n int
	second.On("ping", func(Message) { n++ })
	first.Subscribe(nil)
	second.Subscribe(nil)

	msg, _ := NewBroadcast("ping", 1)
	if err := first.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != 0 {
		t.Fatal("handles of the same client should not receive each other's broadcasts")
	}
}

func TestMemoryHubSendRequiresSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ch := hub.Client().Channel("room")
	msg, _ := NewBroadcast("ping", 1)

	if err := ch.Send(msg); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed, got %v", err)
	}

	var statuses statusLog
	if err := ch.Subscribe(statuses.record); err != nil {
		t.Fatal(err)
	}
	if err := ch.Unsubscribe(); err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(msg); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if err := ch.Subscribe(nil); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed on resubscribe, got %v", err)
	}
	if diff := cmp.Diff(statusLog{StatusSubscribed, StatusClosed}, statuses); diff != "" {
		t.Fatalf("status sequence (-want +got):\n%s", diff)
	}
	if hub.Subscribers("room") != 0 {
		t.Fatal("closed channel still counted")
	}
}

func TestMemoryHubHeldSubscriptions(t *testing.T) {
	hub := NewMemoryHub()
	listener := hub.Client().Channel("room")
	var got int
	listener.On("ping", func(Message) { got++ })
	listener.Subscribe(nil)

	hub.HoldSubscriptions()
	held := hub.Client().Channel("room")
	var statuses statusLog
	if err := held.Subscribe(statuses.record); err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 0 {
		t.Fatalf("status reported while held: %v", statuses)
	}
	if hub.Subscribers("room") != 1 {
		t.Fatal("held channel attached before confirmation")
	}

	hub.ConfirmSubscriptions()
	if diff := cmp.Diff(statusLog{StatusSubscribed}, statuses); diff != "" {
		t.Fatalf("status after confirm (-want +got):\n%s", diff)
	}

	msg, _ := NewBroadcast("ping", 1)
	if err := held.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got != 1 {
		t.Fatalf("listener got %d messages, want 1", got)
	}
}

func TestMemoryHubUnsubscribeWhileHeld(t *testing.T) {
	hub := NewMemoryHub()
	hub.HoldSubscriptions()
	ch := hub.Client().Channel("room")
	var statuses statusLog
	ch.Subscribe(statuses.record)
	ch.Unsubscribe()
	hub.ConfirmSubscriptions()

	if diff := cmp.Diff(statusLog{StatusClosed}, statuses); diff != "" {
		t.Fatalf("statuses (-want +got):\n%s", diff)
	}
	if hub.Subscribers("room") != 0 {
		t.Fatal("unsubscribed channel attached on confirm")
	}
}
