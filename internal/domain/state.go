package domain

import "fmt"

// ConnectionPhase is the coarse state of the live channel.
type ConnectionPhase int

const (
	Disconnected ConnectionPhase = iota
	Connecting
	Connected
	Subscribed
)

func (p ConnectionPhase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected-unsubscribed"
	case Subscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ConnectionState is the live channel state. ConversationID is only set in
// the Subscribed phase.
type ConnectionState struct {
	Phase          ConnectionPhase
	ConversationID string
}

func (s ConnectionState) String() string {
	if s.Phase == Subscribed {
		return fmt.Sprintf("subscribed(%s)", s.ConversationID)
	}
	return s.Phase.String()
}

// Up reports whether frames can be written to the channel.
func (s ConnectionState) Up() bool {
	return s.Phase == Connected || s.Phase == Subscribed
}
