package teamsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/questsync/go/internal/pubsub"
	"github.com/rs/zerolog"
)

// ErrGlobalNotOpen is returned by WaitGlobalReady when no global channel is open
var ErrGlobalNotOpen = errors.New("global channel not open")

type locationRecord struct {
	entry      GlobalLocationEntry
	receivedAt time.Time
}

// globalBridge owns the game-wide channel carrying instructor chat and live
// team locations. Sends issued before the subscription is confirmed are
// queued and flushed in order once the transport reports SUBSCRIBED.
type globalBridge struct {
	client pubsub.Client
	clock  Clock
	ttl    time.Duration
	logger zerolog.Logger

	// sendMu keeps queued and direct sends in issue order
	sendMu sync.Mutex

	mu        sync.Mutex
	session   uint64
	gameID    string
	channel   pubsub.Channel
	ready     bool
	readyCh   chan struct{}
	pending   []pubsub.Message
	locations map[string]locationRecord
	chatSubs  listeners[ChatMessage]
	locSubs   listeners[[]GlobalLocationEntry]
}

func newGlobalBridge(client pubsub.Client, clock Clock, ttl time.Duration, logger zerolog.Logger) *globalBridge {
	return &globalBridge{
		client:    client,
		clock:     clock,
		ttl:       ttl,
		logger:    logger,
		locations: make(map[string]locationRecord),
	}
}

// open (re)opens the global channel for gameID, replacing any previous one
func (b *globalBridge) open(gameID string) error {
	ch := b.client.Channel(GlobalChannelName(gameID))

	b.mu.Lock()
	old := b.channel
	b.session++
	session := b.session
	b.gameID = gameID
	b.channel = ch
	b.ready = false
	b.readyCh = make(chan struct{})
	b.pending = nil
	b.locations = make(map[string]locationRecord)
	b.mu.Unlock()

	if old != nil {
		if err := old.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Str("channel", old.Name()).Msg("failed to leave previous global channel")
		}
	}

	ch.On(EventChat, func(msg pubsub.Message) { b.onChat(session, msg) })
	ch.On(EventGlobalLocation, func(msg pubsub.Message) { b.onLocation(session, msg) })

	if err := ch.Subscribe(func(status pubsub.Status, err error) {
		b.onStatus(session, status, err)
	}); err != nil {
		b.close()
		return fmt.Errorf("subscribe %s: %w", ch.Name(), err)
	}

	b.logger.Debug().Str("game_id", gameID).Str("channel", ch.Name()).Msg("global channel opening")
	return nil
}

// ensure opens the channel for gameID unless it is already open
func (b *globalBridge) ensure(gameID string) error {
	b.mu.Lock()
	open := b.channel != nil && b.gameID == gameID
	b.mu.Unlock()
	if open {
		return nil
	}
	return b.open(gameID)
}

// close leaves the channel and clears locations and queued sends
func (b *globalBridge) close() {
	b.mu.Lock()
	ch := b.channel
	b.session++
	b.gameID = ""
	b.channel = nil
	b.ready = false
	b.readyCh = nil
	b.pending = nil
	b.locations = make(map[string]locationRecord)
	b.mu.Unlock()

	if ch != nil {
		if err := ch.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Str("channel", ch.Name()).Msg("failed to leave global channel")
		}
	}
}

func (b *globalBridge) onStatus(session uint64, status pubsub.Status, err error) {
	switch status {
	case pubsub.StatusSubscribed:
		b.flush(session)
	case pubsub.StatusChannelError, pubsub.StatusTimedOut:
		b.logger.Warn().Err(err).Str("status", string(status)).Msg("global channel not ready")
	default:
		b.logger.Debug().Str("status", string(status)).Msg("global channel status")
	}
}

func (b *globalBridge) flush(session uint64) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	b.mu.Lock()
	if session != b.session || b.ready {
		b.mu.Unlock()
		return
	}
	b.ready = true
	close(b.readyCh)
	pending, ch := b.pending, b.channel
	b.pending = nil
	b.mu.Unlock()

	for _, msg := range pending {
		if err := ch.Send(msg); err != nil {
			b.logger.Error().Err(err).Str("event", msg.Event).Msg("failed to flush queued global broadcast")
		}
	}
	if len(pending) > 0 {
		b.logger.Debug().Int("count", len(pending)).Msg("flushed queued global broadcasts")
	}
}

// send broadcasts on the global channel for gameID, queueing until ready
func (b *globalBridge) send(gameID, event string, payload any) error {
	if err := b.ensure(gameID); err != nil {
		return err
	}
	msg, err := pubsub.NewBroadcast(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	b.mu.Lock()
	if !b.ready {
		b.pending = append(b.pending, msg)
		b.mu.Unlock()
		return nil
	}
	ch := b.channel
	b.mu.Unlock()

	if err := ch.Send(msg); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

func (b *globalBridge) sendChat(gameID, message string, targetTeamID *string, isUrgent bool, sender string) (ChatMessage, error) {
	now := b.clock.Now()
	chat := ChatMessage{
		ID:           fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.New().String()[:8]),
		GameID:       gameID,
		TargetTeamID: targetTeamID,
		Message:      message,
		Sender:       sender,
		Timestamp:    now.UnixMilli(),
		IsUrgent:     isUrgent,
	}
	return chat, b.send(gameID, EventChat, chat)
}

func (b *globalBridge) onChat(session uint64, msg pubsub.Message) {
	var chat ChatMessage
	if err := json.Unmarshal(msg.Payload, &chat); err != nil {
		b.logger.Warn().Err(err).Msg("dropping malformed chat message")
		return
	}

	b.mu.Lock()
	if session != b.session {
		b.mu.Unlock()
		return
	}
	fns := b.chatSubs.snapshot()
	b.mu.Unlock()

	notifyAll(fns, chat)
}

func (b *globalBridge) onLocation(session uint64, msg pubsub.Message) {
	var entry GlobalLocationEntry
	if err := json.Unmarshal(msg.Payload, &entry); err != nil || entry.TeamID == "" {
		b.logger.Warn().Err(err).Msg("dropping malformed global location")
		return
	}

	b.mu.Lock()
	if session != b.session {
		b.mu.Unlock()
		return
	}
	b.locations[entry.TeamID] = locationRecord{entry: entry, receivedAt: b.clock.Now()}
	active, fns := b.activeLocked(), b.locSubs.snapshot()
	b.mu.Unlock()

	notifyAll(fns, active)
}

// activeLocked returns entries received within ttl and evicts the rest
func (b *globalBridge) activeLocked() []GlobalLocationEntry {
	cutoff := b.clock.Now().Add(-b.ttl)

	out := make([]GlobalLocationEntry, 0, len(b.locations))
	for teamID, rec := range b.locations {
		if rec.receivedAt.Before(cutoff) {
			delete(b.locations, teamID)
			continue
		}
		out = append(out, rec.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TeamID < out[j].TeamID })
	return out
}

func (b *globalBridge) activeLocations() []GlobalLocationEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeLocked()
}

func (b *globalBridge) subscribeChat(fn func(ChatMessage)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.chatSubs.add(fn)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.chatSubs.remove(id)
	}
}

func (b *globalBridge) subscribeLocations(fn func([]GlobalLocationEntry)) func() {
	b.mu.Lock()
	id := b.locSubs.add(fn)
	active := b.activeLocked()
	b.mu.Unlock()

	fn(active)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.locSubs.remove(id)
	}
}

func (b *globalBridge) waitReady(ctx context.Context) error {
	b.mu.Lock()
	readyCh := b.readyCh
	b.mu.Unlock()
	if readyCh == nil {
		return ErrGlobalNotOpen
	}

	select {
	case <-readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *globalBridge) currentGame() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gameID
}
