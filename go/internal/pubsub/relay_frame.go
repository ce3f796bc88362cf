package pubsub

// Relay frame operations exchanged with the relay server over a websocket
const (
	OpJoin      = "join"
	OpLeave     = "leave"
	OpBroadcast = "broadcast"
	OpJoined    = "joined"
	OpError     = "error"
)

// RelayFrame is one websocket text frame of the relay protocol.
// Message is set for OpBroadcast, Error for OpError.
type RelayFrame struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}
