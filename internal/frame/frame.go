// Package frame translates session-level intents into transport-native wire
// frames and decodes inbound wire frames back into session frames.
//
// Two codecs are provided:
//   - SocketCodec: binary WebSocket frames carry terminal bytes, text frames carry JSON control messages
//   - BrokerCodec: every message is a JSON envelope published to the agent's command topic
//
// Interrupt delivery differs between them on purpose. The socket codec emits a
// control frame followed by a raw 0x03 byte; the broker codec has no raw byte
// channel and emits a single input envelope carrying "\x03".
package frame

import (
	"encoding/json"
	"io"
)

// WireType is the native frame type of a transport message.
type WireType int

const (
	WireText WireType = iota + 1
	WireBinary
)

func (t WireType) String() string {
	switch t {
	case WireText:
		return "text"
	case WireBinary:
		return "binary"
	}
	return "unknown"
}

// Wire is one transport-native message.
type Wire struct {
	Type    WireType
	Payload []byte
}

// FrameType tags the Frame union.
type FrameType int

const (
	TypeData FrameType = iota + 1
	TypeControl
)

// ControlKind is the type of a control message.
type ControlKind string

const (
	KindPing      ControlKind = "ping"
	KindPong      ControlKind = "pong"
	KindResize    ControlKind = "resize"
	KindInterrupt ControlKind = "interrupt"
	KindTerminate ControlKind = "terminate"
	KindError     ControlKind = "error"
	KindClosed    ControlKind = "closed"
	KindCreate    ControlKind = "create"
	KindOutput    ControlKind = "output"

	// KindUnknown marks an inbound message whose shape was not recognized.
	// Its raw payload is kept so it can be shown instead of dropped.
	KindUnknown ControlKind = "unknown"
)

// ParseControlKind returns the kind for a wire type string.
func ParseControlKind(s string) (ControlKind, bool) {
	switch k := ControlKind(s); k {
	case KindPing, KindPong, KindResize, KindInterrupt, KindTerminate,
		KindError, KindClosed, KindCreate, KindOutput:
		return k, true
	}
	return KindUnknown, false
}

// Control is a structured, typed message distinct from terminal bytes.
type Control struct {
	Kind      ControlKind
	SessionID string
	Data      json.RawMessage
	Message   string
	Raw       []byte
}

// Frame is either terminal data or a control message.
type Frame struct {
	Type    FrameType
	Data    []byte
	Control Control
}

// DataFrame returns a data frame carrying p.
func DataFrame(p []byte) Frame {
	return Frame{Type: TypeData, Data: p}
}

// ControlFrame returns a control frame.
func ControlFrame(c Control) Frame {
	return Frame{Type: TypeControl, Control: c}
}

// ResizeData is the payload of a resize control.
type ResizeData struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Codec encodes outbound intents and decodes inbound frames for one transport.
type Codec interface {
	EncodeInput(p []byte) (Wire, error)
	EncodeResize(rows, cols int) (Wire, error)
	EncodeInterrupt() ([]Wire, error)
	EncodePing() (Wire, error)
	EncodeControl(kind ControlKind, data any) (Wire, error)
	Decode(w Wire) (Frame, error)
	DecodeReader(t WireType, r io.Reader) (Frame, error)
}

// errorText extracts the human readable text of an error control.
// Servers put it either in "message" or in "data" as a JSON string.
func errorText(message string, data json.RawMessage) string {
	if message != "" {
		return message
	}
	if len(data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return string(data)
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	return json.Marshal(data)
}
