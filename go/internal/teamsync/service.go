// Package teamsync keeps the devices of one team in sync during a game:
// presence heartbeats, per-task voting with team consensus, and a game-wide
// channel for instructor chat and live team locations.
package teamsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/questsync/go/internal/pubsub"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultMemberTTL         = 60 * time.Second
	DefaultLocationTTL       = 2 * time.Minute
	DefaultMinConsensus      = 2
	DefaultSenderName        = "Instructor"
)

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) clockwork.Ticker
}

// Option configures a Service
type Option func(*Service)

func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Service) { s.heartbeatInterval = d }
}

func WithMemberTTL(d time.Duration) Option { return func(s *Service) { s.memberTTL = d } }

func WithLocationTTL(d time.Duration) Option { return func(s *Service) { s.locationTTL = d } }

// WithMinConsensusVoters sets how many agreeing votes TeamConsensus needs.
// Use 1 for single-player teams.
func WithMinConsensusVoters(n int) Option { return func(s *Service) { s.minVoters = n } }

func WithRole(role string) Option { return func(s *Service) { s.role = role } }

func WithDeviceType(deviceType string) Option {
	return func(s *Service) { s.deviceType = deviceType }
}

// WithSenderName sets the chat sender used while no team session is active
func WithSenderName(name string) Option { return func(s *Service) { s.senderName = name } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

// Service is the team sync façade for one device. Create one per device;
// instances share nothing.
type Service struct {
	client   pubsub.Client
	deviceID string

	clock             Clock
	logger            zerolog.Logger
	heartbeatInterval time.Duration
	memberTTL         time.Duration
	locationTTL       time.Duration
	minVoters         int
	role              string
	deviceType        string
	senderName        string

	mu          sync.Mutex
	session     uint64
	gameID      string
	teamName    string
	userName    string
	teamChannel pubsub.Channel
	heartbeat   clockwork.Ticker
	stopBeat    chan struct{}
	location    *Coordinate
	isSolving   bool
	isRetired   bool

	presence *presenceTracker
	votes    *voteLedger
	global   *globalBridge
}

// New creates a disconnected Service for deviceID on top of client
func New(client pubsub.Client, deviceID string, opts ...Option) *Service {
	s := &Service{
		client:            client,
		deviceID:          deviceID,
		clock:             clockwork.NewRealClock(),
		logger:            log.Logger,
		heartbeatInterval: DefaultHeartbeatInterval,
		memberTTL:         DefaultMemberTTL,
		locationTTL:       DefaultLocationTTL,
		minVoters:         DefaultMinConsensus,
		senderName:        DefaultSenderName,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "teamsync").Str("device_id", deviceID).Logger()

	s.presence = newPresenceTracker(s.clock, s.memberTTL)
	s.votes = newVoteLedger(s.logger)
	s.global = newGlobalBridge(client, s.clock, s.locationTTL, s.logger)
	return s
}

// DeviceID returns the local device id
func (s *Service) DeviceID() string { return s.deviceID }

// Connected reports whether a team channel is open
func (s *Service) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teamChannel != nil
}

// GameID returns the game of the open team channel, or "" when disconnected
func (s *Service) GameID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gameID
}

// TeamChannel returns the open team channel name, or "" when disconnected
func (s *Service) TeamChannel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.teamChannel == nil {
		return ""
	}
	return s.teamChannel.Name()
}

// Connect joins the team channel for gameID/teamName and the game's global
// channel. Any existing connection is torn down first, and the service is
// left disconnected when either subscription fails. The presence heartbeat
// starts once the transport confirms the team subscription.
func (s *Service) Connect(gameID, teamName, userName string) error {
	s.Disconnect()

	ch := s.client.Channel(TeamChannelName(gameID, teamName))

	s.mu.Lock()
	s.session++
	session := s.session
	s.gameID = gameID
	s.teamName = teamName
	s.userName = userName
	s.teamChannel = ch
	s.mu.Unlock()

	s.presence.reset(session)
	s.votes.reset(session)

	ch.On(EventVote, func(msg pubsub.Message) { s.onVote(session, msg) })
	ch.On(EventPresence, func(msg pubsub.Message) { s.onPresence(session, msg) })

	if err := ch.Subscribe(func(status pubsub.Status, err error) {
		s.onTeamStatus(session, status, err)
	}); err != nil {
		s.Disconnect()
		return fmt.Errorf("subscribe %s: %w", ch.Name(), err)
	}

	if err := s.global.open(gameID); err != nil {
		s.Disconnect()
		return err
	}

	s.logger.Info().
		Str("game_id", gameID).
		Str("channel", ch.Name()).
		Str("user_name", userName).
		Msg("team sync connecting")
	return nil
}

// ConnectGlobal opens only the game-wide channel, for instructor consoles
// that never join a team.
func (s *Service) ConnectGlobal(gameID string) error {
	return s.global.open(gameID)
}

// Disconnect leaves both channels, stops the heartbeat and clears all
// votes, members and global locations. Safe to call at any time.
func (s *Service) Disconnect() {
	s.mu.Lock()
	ch := s.teamChannel
	s.stopHeartbeatLocked()
	s.session++
	session := s.session
	s.teamChannel = nil
	s.gameID = ""
	s.teamName = ""
	s.mu.Unlock()

	s.presence.reset(session)
	s.votes.reset(session)
	s.global.close()

	if ch == nil {
		return
	}
	if err := ch.Unsubscribe(); err != nil {
		s.logger.Warn().Err(err).Str("channel", ch.Name()).Msg("failed to leave team channel")
	}
	s.logger.Info().Str("channel", ch.Name()).Msg("team sync disconnected")
}

func (s *Service) onTeamStatus(session uint64, status pubsub.Status, err error) {
	switch status {
	case pubsub.StatusSubscribed:
		if !s.startHeartbeat(session) {
			return
		}
		if err := s.sendPresence(session); err != nil {
			s.logger.Error().Err(err).Msg("failed to announce presence")
		}
	case pubsub.StatusChannelError, pubsub.StatusTimedOut:
		s.logger.Warn().Err(err).Str("status", string(status)).Msg("team channel not ready")
	default:
		s.logger.Debug().Str("status", string(status)).Msg("team channel status")
	}
}

// startHeartbeat replaces any running heartbeat so tickers never stack
func (s *Service) startHeartbeat(session uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session != s.session {
		return false
	}
	s.stopHeartbeatLocked()

	ticker := s.clock.NewTicker(s.heartbeatInterval)
	stop := make(chan struct{})
	s.heartbeat = ticker
	s.stopBeat = stop

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				if err := s.sendPresence(session); err != nil {
					s.logger.Error().Err(err).Msg("heartbeat presence failed")
				}
			}
		}
	}()

	s.logger.Debug().Dur("interval", s.heartbeatInterval).Msg("presence heartbeat started")
	return true
}

func (s *Service) stopHeartbeatLocked() {
	if s.heartbeat == nil {
		return
	}
	s.heartbeat.Stop()
	close(s.stopBeat)
	s.heartbeat = nil
	s.stopBeat = nil
}

// SendPresence announces the local device on the team channel.
// It is a no-op while disconnected.
func (s *Service) SendPresence() error {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	return s.sendPresence(session)
}

func (s *Service) sendPresence(session uint64) error {
	s.mu.Lock()
	if session != s.session || s.teamChannel == nil {
		s.mu.Unlock()
		return nil
	}
	ch := s.teamChannel
	me := TeamMember{
		DeviceID:   s.deviceID,
		UserName:   s.userName,
		LastSeen:   s.clock.Now().UnixMilli(),
		IsSolving:  s.isSolving,
		IsRetired:  s.isRetired,
		Role:       s.role,
		DeviceType: s.deviceType,
	}
	if s.location != nil {
		loc := *s.location
		me.Location = &loc
	}
	s.mu.Unlock()

	// Self is present without waiting for an echo
	s.presence.upsert(session, me)

	msg, err := pubsub.NewBroadcast(EventPresence, me)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	if err := ch.Send(msg); err != nil {
		return fmt.Errorf("send presence: %w", err)
	}
	return nil
}

func (s *Service) onPresence(session uint64, msg pubsub.Message) {
	var m TeamMember
	if err := json.Unmarshal(msg.Payload, &m); err != nil || m.DeviceID == "" {
		s.logger.Warn().Err(err).Msg("dropping malformed presence")
		return
	}
	s.presence.upsert(session, m)
}

// UpdateLocation records the device position for the next presence broadcast
func (s *Service) UpdateLocation(coord Coordinate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.location = &coord
}

// UpdateStatus flags whether this device is answering a task and tells the
// team right away.
func (s *Service) UpdateStatus(isSolving bool) error {
	s.mu.Lock()
	s.isSolving = isSolving
	s.mu.Unlock()
	return s.SendPresence()
}

// UpdateRetired flags the device as retired from play and tells the team
func (s *Service) UpdateRetired(isRetired bool) error {
	s.mu.Lock()
	s.isRetired = isRetired
	s.mu.Unlock()
	return s.SendPresence()
}

// SubscribeToMembers calls fn with the active member list now and after
// every change. The returned func unsubscribes.
func (s *Service) SubscribeToMembers(fn func([]TeamMember)) func() {
	return s.presence.subscribe(fn)
}

// Members returns the active member list
func (s *Service) Members() []TeamMember {
	return s.presence.active()
}

// CastVote records the local answer for pointID and broadcasts it.
// It is a no-op while disconnected.
func (s *Service) CastVote(pointID string, answer Answer) error {
	s.mu.Lock()
	if s.teamChannel == nil {
		s.mu.Unlock()
		return nil
	}
	session, ch := s.session, s.teamChannel
	vote := TaskVote{
		DeviceID:  s.deviceID,
		UserName:  s.userName,
		PointID:   pointID,
		Answer:    answer,
		Timestamp: s.clock.Now().UnixMilli(),
	}
	s.mu.Unlock()

	msg, err := pubsub.NewBroadcast(EventVote, vote)
	if err != nil {
		return fmt.Errorf("encode vote: %w", err)
	}

	s.applyVote(session, vote)

	if err := ch.Send(msg); err != nil {
		return fmt.Errorf("send vote: %w", err)
	}
	return nil
}

func (s *Service) onVote(session uint64, msg pubsub.Message) {
	var v TaskVote
	if err := json.Unmarshal(msg.Payload, &v); err != nil || v.PointID == "" || v.DeviceID == "" {
		s.logger.Warn().Err(err).Msg("dropping malformed vote")
		return
	}
	s.applyVote(session, v)
}

// applyVote is shared by local and remote votes
func (s *Service) applyVote(session uint64, v TaskVote) {
	if s.votes.apply(session, v) {
		s.presence.touch(session, v.DeviceID, v.UserName)
	}
}

// GetVotesForTask returns the current votes for pointID, empty when none
func (s *Service) GetVotesForTask(pointID string) []TaskVote {
	return s.votes.forTask(pointID)
}

// SubscribeToVotes calls fn with the full vote list for pointID after every
// accepted vote. The returned func unsubscribes.
func (s *Service) SubscribeToVotes(pointID string, fn func([]TaskVote)) func() {
	return s.votes.subscribe(pointID, fn)
}

// TeamConsensus reports the agreed answer for pointID using the configured
// minimum number of voters.
func (s *Service) TeamConsensus(pointID string) (Answer, bool) {
	return Consensus(s.votes.forTask(pointID), s.minVoters)
}

// ClearTask forgets the local votes for a finalized task. Peers are not told.
func (s *Service) ClearTask(pointID string) {
	s.votes.clearTask(pointID)
}

// SendChatMessage broadcasts a chat message on the global channel of gameID,
// opening it if needed. Messages sent before the channel is ready are queued.
func (s *Service) SendChatMessage(gameID, message string, targetTeamID *string, isUrgent bool) (ChatMessage, error) {
	s.mu.Lock()
	sender := s.userName
	if sender == "" || s.teamChannel == nil {
		sender = s.senderName
	}
	s.mu.Unlock()

	return s.global.sendChat(gameID, message, targetTeamID, isUrgent, sender)
}

// BroadcastGlobalLocation shares a team position with every team in gameID.
// The sender does not receive its own broadcast.
func (s *Service) BroadcastGlobalLocation(gameID, teamID, name string, location Coordinate, photoURL string) error {
	entry := GlobalLocationEntry{
		TeamID:    teamID,
		Name:      name,
		Location:  location,
		PhotoURL:  photoURL,
		Timestamp: s.clock.Now().UnixMilli(),
	}
	return s.global.send(gameID, EventGlobalLocation, entry)
}

// SubscribeToChat calls fn for every chat message on the global channel.
// Messages are not filtered by target team; see ChatMessage.IsFor.
func (s *Service) SubscribeToChat(fn func(ChatMessage)) func() {
	return s.global.subscribeChat(fn)
}

// SubscribeToGlobalLocations calls fn with the fresh team locations now and
// after every update.
func (s *Service) SubscribeToGlobalLocations(fn func([]GlobalLocationEntry)) func() {
	return s.global.subscribeLocations(fn)
}

// GlobalLocations returns the fresh team locations
func (s *Service) GlobalLocations() []GlobalLocationEntry {
	return s.global.activeLocations()
}

// WaitGlobalReady blocks until the global channel subscription is confirmed
func (s *Service) WaitGlobalReady(ctx context.Context) error {
	return s.global.waitReady(ctx)
}

// GlobalGame returns the game id of the open global channel, or ""
func (s *Service) GlobalGame() string {
	return s.global.currentGame()
}
