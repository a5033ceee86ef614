package relay

import "time"

// EventType distinguishes connection lifecycle notifications.
type EventType string

const (
	EventConnect    EventType = "connect"
	EventDisconnect EventType = "disconnect"
)

// Reason is why a connection was closed.
type Reason string

const (
	ReasonTimeout  Reason = "timeout"
	ReasonIOError  Reason = "io-error"
	ReasonShutdown Reason = "shutdown"
)

// Event is a connect or disconnect notification.
type Event struct {
	Type       EventType `json:"type"`
	ConnID     string    `json:"conn_id"`
	RemoteAddr string    `json:"remote_addr"`
	Transport  string    `json:"transport"`
	Reason     Reason    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// Observer receives connection events. It is called synchronously from the
// accept and broadcast paths and must not block.
type Observer func(Event)
