package timeflip

import "time"

// EventType classifies out-of-band session events.
type EventType int

const (
	EventConnected EventType = iota
	EventAuthenticated
	EventReady
	EventDisconnected
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// SessionEvent is emitted on every observable state transition and for
// every surfaced error. Err is set for EventError only.
type SessionEvent struct {
	Type EventType
	Time time.Time
	Err  error
}
