package live

import "vibechat/internal/domain"

// Event is one item of the supervisor's event stream.
type Event interface {
	liveEvent()
}

// StateChanged reports a connection state transition. Err is the cause of
// a drop, if any.
type StateChanged struct {
	State domain.ConnectionState
	Err   error
}

// MessageReceived carries a newMessage frame.
type MessageReceived struct {
	Message domain.Message
}

// AuthFailed is emitted once; the supervisor stops afterwards.
type AuthFailed struct {
	Err error
}

// ServerError carries a non-fatal error frame.
type ServerError struct {
	Code    string
	Message string
}

func (StateChanged) liveEvent()    {}
func (MessageReceived) liveEvent() {}
func (AuthFailed) liveEvent()      {}
func (ServerError) liveEvent()     {}
