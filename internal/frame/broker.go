package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/remote-agent-terminal/dualterm/internal/model"
)

const (
	// BrokerCommand is the command name every terminal envelope carries.
	BrokerCommand = "terminal"

	// brokerInput is the envelope type for terminal bytes.
	brokerInput = "input"

	// brokerClose is the agent's verb for ending a terminal session.
	brokerClose = "close"
)

// BrokerEnvelope is the JSON message published to the agent's command topic.
type BrokerEnvelope struct {
	Command   string          `json:"command"`
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"requestId"`
	ClientID  string          `json:"clientId"`
}

// brokerReply is the JSON message the agent publishes on the response topic.
type brokerReply struct {
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
}

// BrokerCodec encodes frames for the broker transport.
// Every outbound message is a JSON envelope bound to SessionID.
type BrokerCodec struct {
	SessionID string
	ClientID  string

	// NewRequestID generates request ids; defaults to "req_" plus 8 hex chars.
	NewRequestID func() string
}

// NewBrokerCodec creates a codec bound to one broker session.
func NewBrokerCodec(sessionID, clientID string) *BrokerCodec {
	return &BrokerCodec{
		SessionID: sessionID,
		ClientID:  clientID,
	}
}

// RequestID returns a fresh request id in the agent's format.
func RequestID() string {
	return "req_" + uuid.NewString()[:8]
}

func (c *BrokerCodec) requestID() string {
	if c.NewRequestID != nil {
		return c.NewRequestID()
	}
	return RequestID()
}

func (c *BrokerCodec) envelope(typ string, data any) (Wire, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Wire{}, fmt.Errorf("encode %s data: %w", typ, err)
	}
	if raw == nil {
		raw = json.RawMessage(`""`)
	}
	payload, err := json.Marshal(BrokerEnvelope{
		Command:   BrokerCommand,
		Type:      typ,
		SessionID: c.SessionID,
		Data:      raw,
		RequestID: c.requestID(),
		ClientID:  c.ClientID,
	})
	if err != nil {
		return Wire{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return Wire{Type: WireText, Payload: payload}, nil
}

// EncodeInput wraps terminal input in an input envelope.
func (c *BrokerCodec) EncodeInput(p []byte) (Wire, error) {
	return c.envelope(brokerInput, string(p))
}

// EncodeResize encodes a resize envelope.
func (c *BrokerCodec) EncodeResize(rows, cols int) (Wire, error) {
	return c.envelope(string(KindResize), ResizeData{Rows: rows, Cols: cols})
}

// EncodeInterrupt returns a single input envelope carrying 0x03.
func (c *BrokerCodec) EncodeInterrupt() ([]Wire, error) {
	w, err := c.envelope(brokerInput, string([]byte{InterruptByte}))
	if err != nil {
		return nil, err
	}
	return []Wire{w}, nil
}

// EncodePing encodes a keepalive ping envelope.
func (c *BrokerCodec) EncodePing() (Wire, error) {
	return c.envelope(string(KindPing), nil)
}

// EncodeControl encodes a control envelope. Terminate is sent with the
// agent's "close" verb.
func (c *BrokerCodec) EncodeControl(kind ControlKind, data any) (Wire, error) {
	typ := string(kind)
	if kind == KindTerminate {
		typ = brokerClose
	}
	return c.envelope(typ, data)
}

// Decode decodes an envelope received on the response topic.
// Envelopes for any other session, or without a session id, return
// ErrStaleSession and must be dropped.
func (c *BrokerCodec) Decode(w Wire) (Frame, error) {
	var reply brokerReply
	if err := json.Unmarshal(w.Payload, &reply); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", model.ErrDecodeFailure, err)
	}
	if reply.SessionID == "" || reply.SessionID != c.SessionID {
		return Frame{}, fmt.Errorf("%w: %q", model.ErrStaleSession, reply.SessionID)
	}

	if reply.Type == brokerClose {
		reply.Type = string(KindClosed)
	}
	kind, ok := ParseControlKind(reply.Type)
	if !ok {
		return ControlFrame(Control{Kind: KindUnknown, SessionID: reply.SessionID, Raw: w.Payload}),
			fmt.Errorf("%w: unrecognized type %q", model.ErrDecodeFailure, reply.Type)
	}

	switch kind {
	case KindOutput:
		return DataFrame([]byte(errorText("", reply.Data))), nil
	case KindError:
		return ControlFrame(Control{
			Kind:      KindError,
			SessionID: reply.SessionID,
			Data:      reply.Data,
			Message:   errorText(reply.Message, reply.Data),
		}), nil
	}
	return ControlFrame(Control{Kind: kind, SessionID: reply.SessionID, Data: reply.Data}), nil
}

// DecodeReader drains r and decodes the envelope.
func (c *BrokerCodec) DecodeReader(t WireType, r io.Reader) (Frame, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return Frame{}, fmt.Errorf("read %s frame: %w", t, err)
	}
	return c.Decode(Wire{Type: t, Payload: buf.Bytes()})
}
