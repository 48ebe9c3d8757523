package model

import (
	"fmt"
	"strings"
	"time"
)

// TransportKind identifies which carrier a session runs over.
type TransportKind string

const (
	TransportSocket TransportKind = "socket"
	TransportBroker TransportKind = "broker"
)

// ParseTransportKind maps a mode string to a TransportKind.
// The page values "ws" and "mqtt" are accepted as aliases.
func ParseTransportKind(s string) (TransportKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "socket", "ws", "websocket":
		return TransportSocket, true
	case "broker", "mqtt":
		return TransportBroker, true
	}
	return "", false
}

// ConnectionState is the lifecycle state of a session's connection.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// CanConnect reports whether a fresh connect may start from this state.
func (s ConnectionState) CanConnect() bool {
	return s == StateIdle || s == StateClosed || s == StateFailed
}

// Geometry is a terminal size in character cells.
type Geometry struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Valid reports whether both dimensions are positive.
func (g Geometry) Valid() bool {
	return g.Rows > 0 && g.Cols > 0
}

// Session represents one logical remote-shell instance.
// It is owned and mutated by the connection manager only; other packages
// receive copies.
type Session struct {
	ID         string          `json:"id"`
	Kind       TransportKind   `json:"kind"`
	AgentID    string          `json:"agentId,omitempty"`
	State      ConnectionState `json:"state"`
	Reconnects int             `json:"reconnects"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// SessionRecord is the persisted history entry for one terminal session.
type SessionRecord struct {
	ID          string        `json:"id"`
	RemoteID    string        `json:"remoteId,omitempty"`
	Mode        TransportKind `json:"mode"`
	AgentID     string        `json:"agentId,omitempty"`
	State       string        `json:"state"`
	Reconnects  int           `json:"reconnects"`
	LastError   string        `json:"lastError,omitempty"`
	PreviewLine string        `json:"previewLine,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Validate validates the record before it is persisted.
func (r *SessionRecord) Validate() error {
	if r.ID == "" {
		return ErrRecordIDRequired
	}
	if _, ok := ParseTransportKind(string(r.Mode)); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMode, r.Mode)
	}
	return nil
}
