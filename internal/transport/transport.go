// Package transport provides the two interchangeable carriers a terminal
// session runs over: a WebSocket connection and an MQTT broker.
package transport

import (
	"context"
	"fmt"

	"github.com/remote-agent-terminal/dualterm/internal/frame"
	"github.com/remote-agent-terminal/dualterm/internal/model"
)

// WebSocket close codes that count as a normal closure.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
)

// EventKind identifies a transport event.
type EventKind int

const (
	// EventFrame carries a decoded inbound frame.
	EventFrame EventKind = iota + 1

	// EventError reports a failure. It is always followed by EventClosed when
	// the failure ends the connection.
	EventError

	// EventClosed reports that the connection is gone.
	EventClosed

	// EventReconnecting reports that the carrier lost its connection and is
	// resuming it on its own.
	EventReconnecting

	// EventOpen reports that a resumed connection is usable again.
	EventOpen
)

// Event is one notification from a transport.
type Event struct {
	Kind     EventKind
	Frame    frame.Frame
	Err      error
	Code     int
	Abnormal bool
}

// Target holds the addressing parameters a transport needs to open.
type Target struct {
	// SocketURL is the ws:// or wss:// terminal address.
	SocketURL string

	// BrokerConnectURL is the HTTP endpoint returning broker connection info.
	BrokerConnectURL string

	// AgentID selects the remote agent.
	AgentID string

	// SessionID is used by transports that do not get one from a handshake.
	SessionID string
}

// OpenInfo is what a transport learned while opening.
type OpenInfo struct {
	SessionID string
	AgentID   string
}

// Transport is a uniform contract over the socket and broker carriers.
type Transport interface {
	// Kind returns the carrier kind.
	Kind() model.TransportKind

	// Codec returns the frame codec bound to the open session.
	Codec() frame.Codec

	// Open connects and blocks until the transport is usable or has failed.
	// Failures wrap ErrAddressUnreachable, ErrHandshakeRejected or ErrTimeout.
	Open(ctx context.Context, target Target) (OpenInfo, error)

	// Send writes one native frame. Sends are delivered in call order.
	Send(w frame.Wire) error

	// SendData encodes and sends terminal input.
	SendData(p []byte) error

	// SendControl encodes and sends a control message.
	SendControl(kind frame.ControlKind, data any) error

	// Close shuts the transport down. Safe to call multiple times.
	Close(reason string) error

	// Events returns the channel of inbound events.
	Events() <-chan Event
}

// Factory creates a fresh transport of the given kind.
type Factory func(kind model.TransportKind) (Transport, error)

// NewFactory returns a Factory building socket and broker transports with
// the given options.
func NewFactory(socket SocketOptions, broker BrokerOptions) Factory {
	return func(kind model.TransportKind) (Transport, error) {
		switch kind {
		case model.TransportSocket:
			return NewSocket(socket), nil
		case model.TransportBroker:
			return NewBroker(broker), nil
		}
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownMode, kind)
	}
}
