package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/remote-agent-terminal/dualterm/internal/model"
)

// InterruptByte is the ETX byte a terminal sends for Ctrl+C.
const InterruptByte = 0x03

// Envelope is the JSON shape of a socket control message.
type Envelope struct {
	Type      ControlKind     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// SocketCodec encodes frames for the WebSocket transport.
type SocketCodec struct {
	// SessionID is stamped on outbound control messages when set.
	SessionID string
}

// NewSocketCodec creates a codec for the given session.
func NewSocketCodec(sessionID string) *SocketCodec {
	return &SocketCodec{SessionID: sessionID}
}

// EncodeInput wraps terminal input in a binary frame.
func (c *SocketCodec) EncodeInput(p []byte) (Wire, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	return Wire{Type: WireBinary, Payload: buf}, nil
}

// EncodeResize encodes a resize control.
func (c *SocketCodec) EncodeResize(rows, cols int) (Wire, error) {
	return c.EncodeControl(KindResize, ResizeData{Rows: rows, Cols: cols})
}

// EncodeInterrupt returns the control frame and the raw 0x03 byte, in send order.
// Either may be swallowed depending on how the server reads, so both are sent.
func (c *SocketCodec) EncodeInterrupt() ([]Wire, error) {
	ctrl, err := c.EncodeControl(KindInterrupt, nil)
	if err != nil {
		return nil, err
	}
	return []Wire{
		ctrl,
		{Type: WireBinary, Payload: []byte{InterruptByte}},
	}, nil
}

// EncodePing encodes a keepalive ping.
func (c *SocketCodec) EncodePing() (Wire, error) {
	return c.EncodeControl(KindPing, nil)
}

// EncodeControl encodes an arbitrary control message as a text frame.
func (c *SocketCodec) EncodeControl(kind ControlKind, data any) (Wire, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Wire{}, fmt.Errorf("encode %s data: %w", kind, err)
	}
	payload, err := json.Marshal(Envelope{Type: kind, SessionID: c.SessionID, Data: raw})
	if err != nil {
		return Wire{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	return Wire{Type: WireText, Payload: payload}, nil
}

// Decode decodes a buffered inbound frame.
// Binary frames are terminal data. Text frames are JSON controls; text that
// is not JSON, or JSON of an unrecognized type, decodes to a KindUnknown
// control carrying the raw payload together with ErrDecodeFailure.
func (c *SocketCodec) Decode(w Wire) (Frame, error) {
	if w.Type == WireBinary {
		return DataFrame(w.Payload), nil
	}

	var env Envelope
	if err := json.Unmarshal(w.Payload, &env); err != nil {
		return unknownFrame(w.Payload), fmt.Errorf("%w: %v", model.ErrDecodeFailure, err)
	}

	kind, ok := ParseControlKind(string(env.Type))
	if !ok {
		return unknownFrame(w.Payload), fmt.Errorf("%w: unrecognized type %q", model.ErrDecodeFailure, env.Type)
	}

	ctrl := Control{
		Kind:      kind,
		SessionID: env.SessionID,
		Data:      env.Data,
	}
	switch kind {
	case KindError:
		ctrl.Message = errorText(env.Message, env.Data)
	case KindOutput:
		// Some servers send output as a text control instead of a binary frame.
		return DataFrame([]byte(errorText("", env.Data))), nil
	}
	return ControlFrame(ctrl), nil
}

// DecodeReader drains a streamed frame incrementally and decodes it.
// It yields the same frame shape as Decode for the same bytes.
func (c *SocketCodec) DecodeReader(t WireType, r io.Reader) (Frame, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return Frame{}, fmt.Errorf("read %s frame: %w", t, err)
	}
	return c.Decode(Wire{Type: t, Payload: buf.Bytes()})
}

func unknownFrame(raw []byte) Frame {
	return ControlFrame(Control{Kind: KindUnknown, Raw: raw})
}
