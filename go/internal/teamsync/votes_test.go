package teamsync

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/questsync/go/internal/pubsub"
)

func TestCastVoteEndToEnd(t *testing.T) {
	hub := pubsub.NewMemoryHub()
	clock := clockwork.NewFakeClock()
	a := newDevice(t, hub, "device-a", clock)

	if err := a.Connect("g1", "Red Team", "Ann"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var calls [][]TaskVote
	a.SubscribeToVotes("p1", func(votes []TaskVote) { calls = append(calls, votes) })

	if err := a.CastVote("p1", TextAnswer("42")); err != nil {
		t.Fatalf("CastVote: %v", err)
	}

	want := []TaskVote{{
		DeviceID:  "device-a",
		UserName:  "Ann",
		PointID:   "p1",
		Answer:    TextAnswer("42"),
		Timestamp: clock.Now().UnixMilli(),
	}}
	if diff := cmp.Diff(want, a.GetVotesForTask("p1")); diff != "" {
		t.Fatalf("votes mismatch (-want +got):\n%s", diff)
	}
	if len(calls) != 1 {
		t.Fatalf("expected one subscriber call, got %d", len(calls))
	}
	if diff := cmp.Diff(want, calls[0]); diff != "" {
		t.Fatalf("subscriber payload mismatch (-want +got):\n%s", diff)
	}
}

func TestVoteReachesTeammatesAndFormsConsensus(t *testing.T) {
	hub := pubsub.NewMemoryHub()
	clock := clockwork.NewFakeClock()
	a := newDevice(t, hub, "device-a", clock)
	b := newDevice(t, hub, "device-b", clock)

	for _, s := range []*Service{a, b} {
		if err := s.Connect("g1", "Red Team", s.DeviceID()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}

	if err := a.CastVote("p1", TextAnswer("X")); err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	if _, ok := b.TeamConsensus("p1"); ok {
		t.Fatal("a lone vote must not be consensus by default")
	}

	if err := b.CastVote("p1", TextAnswer("X")); err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	for _, s := range []*Service{a, b} {
		got, ok := s.TeamConsensus("p1")
		if !ok || !got.Equal(TextAnswer("X")) {
			t.Fatalf("%s: expected consensus on X, got %v (%v)", s.DeviceID(), got, ok)
		}
	}

	// b changes its mind
	clock.Advance(time.Second)
	if err := b.CastVote("p1", TextAnswer("Y")); err != nil {
		t.Fatalf("CastVote: %v", err)
	}
	if _, ok := a.TeamConsensus("p1"); ok {
		t.Fatal("expected consensus to break after a differing vote")
	}
}

func TestVoteFromSameDeviceReplacesPrevious(t *testing.T) {
	hub := pubsub.NewMemoryHub()
	clock := clockwork.NewFakeClock()
	a := newDevice(t, hub, "device-a", clock)
	if err := a.Connect("g1", "Red", "Ann"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	a.CastVote("p1", TextAnswer("A"))
	clock.Advance(time.Millisecond)
	a.CastVote("p1", TextAnswer("B"))

	votes := a.GetVotesForTask("p1")
	if len(votes) != 1 {
		t.Fatalf("expected 1 vote, got %d", len(votes))
	}
	if !votes[0].Answer.Equal(TextAnswer("B")) {
		t.Fatalf("expected latest answer B, got %v", votes[0].Answer)
	}
}

func TestStaleVoteIsDiscarded(t *testing.T) {
	hub := pubsub.NewMemoryHub()
	a := newDevice(t, hub, "device-a", clockwork.NewFakeClock())
	if err := a.Connect("g1", "Red", "Ann"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	peer := rawPeer(t, hub, TeamChannelName("g1", "Red"))
	mustSubscribe(t, peer)

	fresh := TaskVote{DeviceID: "device-b", UserName: "Bo", PointID: "p1", Answer: TextAnswer("new"), Timestamp: 100}
	stale := TaskVote{DeviceID: "device-b", UserName: "Bo", PointID: "p1", Answer: TextAnswer("old"), Timestamp: 50}

	var notified int
	a.SubscribeToVotes("p1", func([]TaskVote) { notified++ })

	mustSend(t, peer, EventVote, fresh)
	mustSend(t, peer, EventVote, stale)

	if diff := cmp.Diff([]TaskVote{fresh}, a.GetVotesForTask("p1")); diff != "" {
		t.Fatalf("ledger changed by stale vote (-want +got):\n%s", diff)
	}
	if notified != 1 {
		t.Fatalf("expected one notification, got %d", notified)
	}

	// an equal timestamp from the same device still replaces
	same := fresh
	same.Answer = TextAnswer("retry")
	mustSend(t, peer, EventVote, same)
	if got := a.GetVotesForTask("p1"); len(got) != 1 || !got[0].Answer.Equal(TextAnswer("retry")) {
		t.Fatalf("expected equal-timestamp vote to replace, got %v", got)
	}
}

func TestStaleCheckIsPerTaskAndDevice(t *testing.T) {
	hub := pubsub.NewMemoryHub()
	a := newDevice(t, hub, "device-a", clockwork.NewFakeClock())
	if err := a.Connect("g1", "Red", "Ann"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer := rawPeer(t, hub, TeamChannelName("g1", "Red"))
	mustSubscribe(t, peer)

	mustSend(t, peer, EventVote, TaskVote{DeviceID: "b", PointID: "p1", Answer: TextAnswer("x"), Timestamp: 100})
	// older timestamps for another task or another device are unrelated
	mustSend(t, peer, EventVote, TaskVote{DeviceID: "b", PointID: "p2", Answer: TextAnswer("y"), Timestamp: 10})
	mustSend(t, peer, EventVote, TaskVote{DeviceID: "c", PointID: "p1", Answer: TextAnswer("z"), Timestamp: 10})

	if n := len(a.GetVotesForTask("p1")); n != 2 {
		t.Fatalf("expected 2 votes on p1, got %d", n)
	}
	if n := len(a.GetVotesForTask("p2")); n != 1 {
		t.Fatalf("expected 1 vote on p2, got %d", n)
	}
}

func TestVoteFromUnknownDeviceAddsMember(t *testing.T) {
	hub := pubsub.NewMemoryHub()
	clock := clockwork.NewFakeClock()
	a := newDevice(t, hub, "device-a", clock)
	if err := a.Connect("g1", "Red", "Ann"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer := rawPeer(t, hub, TeamChannelName("g1", "Red"))
	mustSubscribe(t, peer)

	mustSend(t, peer, EventVote, TaskVote{DeviceID: "device-z", UserName: "Zed", PointID: "p1", Answer: NumberAnswer(7), Timestamp: 1})

	var found *TeamMember
	for _, m := range a.Members() {
		if m.DeviceID == "device-z" {
			m := m
			found = &m
		}
	}
	if found == nil {
		t.Fatal("voting device missing from member list")
	}
	if found.UserName != "Zed" || found.LastSeen != clock.Now().UnixMilli() {
		t.Fatalf("unexpected member entry %+v", *found)
	}
}

func TestVoteKeepsMemberLocationAndStatus(t *testing.T) {
	hub := pubsub.NewMemoryHub()
	clock := clockwork.NewFakeClock()
	a := newDevice(t, hub, "device-a", clock)
	if err := a.Connect("g1", "Red", "Ann"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer := rawPeer(t, hub, TeamChannelName("g1", "Red"))
	mustSubscribe(t, peer)

	loc := &Coordinate{Lat: 52.37, Lng: 4.89}
	mustSend(t, peer, EventPresence, TeamMember{DeviceID: "b", UserName: "Bo", Location: loc, IsSolving: true, Role: RoleCaptain})
	clock.Advance(10 * time.Second)
	mustSend(t, peer, EventVote, TaskVote{DeviceID: "b", UserName: "Bo", PointID: "p1", Answer: TextAnswer("x"), Timestamp: 1})

	for _, m := range a.Members() {
		if m.DeviceID != "b" {
			continue
		}
		want := TeamMember{DeviceID: "b", UserName: "Bo", Location: loc, IsSolving: true, Role: RoleCaptain, LastSeen: clock.Now().UnixMilli()}
		if diff := cmp.Diff(want, m); diff != "" {
			t.Fatalf("member clobbered by vote (-want +got):\n%s", diff)
		}
		return
	}
	t.Fatal("member b missing")
}

func TestVoteSubscribersAreIsolated(t *testing.T) {
	hub := pubsub.NewMemoryHub()
	clock := clockwork.NewFakeClock()
	a := newDevice(t, hub, "device-a", clock)
	if err := a.Connect("g1", "Red", "Ann"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var first, second int
	unsubFirst := a.SubscribeToVotes("p1", func([]TaskVote) { first++ })
	a.SubscribeToVotes("p1", func([]TaskVote) { second++ })

	a.CastVote("p1", TextAnswer("x"))
	unsubFirst()
	clock.Advance(time.Millisecond)
	a.CastVote("p1", TextAnswer("y"))

	if first != 1 {
		t.Fatalf("unsubscribed listener called %d times, want 1", first)
	}
	if second != 2 {
		t.Fatalf("remaining listener called %d times, want 2", second)
	}
}

func TestGetVotesForUnknownTaskIsEmpty(t *testing.T) {
	a := newDevice(t, pubsub.NewMemoryHub(), "device-a", clockwork.NewFakeClock())
	votes := a.GetVotesForTask("nope")
	if votes == nil || len(votes) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", votes)
	}
}

func TestCastVoteWhileDisconnectedIsNoop(t *testing.T) {
	a := newDevice(t, pubsub.NewMemoryHub(), "device-a", clockwork.NewFakeClock())
	if err := a.CastVote("p1", TextAnswer("x")); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(a.GetVotesForTask("p1")) != 0 {
		t.Fatal("vote recorded while disconnected")
	}
}

func TestCastVoteReturnsTransportError(t *testing.T) {
	s := New(brokenClient{}, "device-a", quiet...)
	defer s.Disconnect()

	if err := s.Connect("g1", "Red", "Ann"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err := s.CastVote("p1", TextAnswer("x"))
	if !errors.Is(err, errNetworkDown) {
		t.Fatalf("expected transport error, got %v", err)
	}
	// the optimistic local apply still happened
	if len(s.GetVotesForTask("p1")) != 1 {
		t.Fatal("expected local vote despite send failure")
	}
}

func TestClearTask(t *testing.T) {
	hub := pubsub.NewMemoryHub()
	a := newDevice(t, hub, "device-a", clockwork.NewFakeClock())
	if err := a.Connect("g1", "Red", "Ann"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	peer := rawPeer(t, hub, TeamChannelName("g1", "Red"))
	mustSubscribe(t, peer)

	mustSend(t, peer, EventVote, TaskVote{DeviceID: "b", PointID: "p1", Answer: TextAnswer("x"), Timestamp: 100})

	var last []TaskVote
	a.SubscribeToVotes("p1", func(v []TaskVote) { last = v })
	a.ClearTask("p1")

	if len(a.GetVotesForTask("p1")) != 0 || last == nil || len(last) != 0 {
		t.Fatalf("expected cleared votes, got %v / %v", a.GetVotesForTask("p1"), last)
	}

	// timestamps are forgotten too, so an older vote is accepted again
	mustSend(t, peer, EventVote, TaskVote{DeviceID: "b", PointID: "p1", Answer: TextAnswer("x"), Timestamp: 50})
	if len(a.GetVotesForTask("p1")) != 1 {
		t.Fatal("expected vote after clearing the task")
	}
}

func TestUnencodableVoteIsNotRecorded(t *testing.T) {
	hub := pubsub.NewMemoryHub()
	a := newDevice(t, hub, "device-a", clockwork.NewFakeClock())
	if err := a.Connect("g1", "Red", "Ann"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var notified int
	a.SubscribeToVotes("p1", func([]TaskVote) { notified++ })

	if err := a.CastVote("p1", NumberAnswer(math.NaN())); err == nil {
		t.Fatal("expected an encode error")
	}
	if n := len(a.GetVotesForTask("p1")); n != 0 {
		t.Fatalf("unsent vote recorded locally: %d", n)
	}
	if notified != 0 {
		t.Fatal("subscribers told about a vote that was never sent")
	}
}
