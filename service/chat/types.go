package chat

import "fmt"

// SessionState is the singleton connection state. Transitions drive all side
// effects; every transition is observable as exactly one lifecycle event.
type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "Unauthenticated"
	case StateAuthenticating:
		return "Authenticating"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateDisconnected:
		return "Disconnected"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// ConnectionEvent is emitted on every state transition. Err is set on
// terminal failures; Code/Reason carry the close status when the transport
// closed.
type ConnectionEvent struct {
	State  SessionState
	Code   int
	Reason string
	Err    error
}
