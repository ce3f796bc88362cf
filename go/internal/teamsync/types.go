package teamsync

import (
	"regexp"
)

// Broadcast event names
const (
	EventVote           = "vote"
	EventPresence       = "presence"
	EventChat           = "chat"
	EventGlobalLocation = "global_location"
)

// RoleCaptain marks the member that finalizes answers for the team
const RoleCaptain = "captain"

// Coordinate is a WGS84 position
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// TeamMember is one device known to the presence tracker.
// LastSeen is epoch milliseconds on the local clock.
type TeamMember struct {
	DeviceID   string      `json:"deviceId"`
	UserName   string      `json:"userName"`
	LastSeen   int64       `json:"lastSeen"`
	Location   *Coordinate `json:"location,omitempty"`
	IsSolving  bool        `json:"isSolving"`
	IsRetired  bool        `json:"isRetired"`
	Role       string      `json:"role,omitempty"`
	DeviceType string      `json:"deviceType,omitempty"`
}

// TaskVote is a device's current answer for a task (point).
// Timestamp is epoch milliseconds on the voting device's clock.
type TaskVote struct {
	DeviceID  string `json:"deviceId"`
	UserName  string `json:"userName"`
	PointID   string `json:"pointId"`
	Answer    Answer `json:"answer"`
	Timestamp int64  `json:"timestamp"`
}

// ChatMessage is an instructor or team message on the global channel.
// A nil TargetTeamID addresses every team.
type ChatMessage struct {
	ID           string  `json:"id"`
	GameID       string  `json:"gameId"`
	TargetTeamID *string `json:"targetTeamId"`
	Message      string  `json:"message"`
	Sender       string  `json:"sender"`
	Timestamp    int64   `json:"timestamp"`
	IsUrgent     bool    `json:"isUrgent"`
}

// IsFor reports whether the message is addressed to teamID.
// Subscribers apply this themselves; the bridge fans out every message.
func (m ChatMessage) IsFor(teamID string) bool {
	return m.TargetTeamID == nil || *m.TargetTeamID == teamID
}

// GlobalLocationEntry is the latest live position a team shared
type GlobalLocationEntry struct {
	TeamID    string     `json:"teamId"`
	Name      string     `json:"name"`
	Location  Coordinate `json:"location"`
	PhotoURL  string     `json:"photoUrl,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

var unsafeChannelChars = regexp.MustCompile(`[^A-Za-z0-9]`)

// SanitizeTeamName replaces every character outside [A-Za-z0-9] with '_'
func SanitizeTeamName(teamName string) string {
	return unsafeChannelChars.ReplaceAllString(teamName, "_")
}

// TeamChannelName returns the per-team channel for a game
func TeamChannelName(gameID, teamName string) string {
	return "game_" + gameID + "_team_" + SanitizeTeamName(teamName)
}

// GlobalChannelName returns the game-wide channel
func GlobalChannelName(gameID string) string {
	return "game_" + gameID + "_global"
}
