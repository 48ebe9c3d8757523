package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/remote-agent-terminal/dualterm/internal/model"
)

func TestSocketCodecInterruptIsDualPath(t *testing.T) {
	c := NewSocketCodec("s-1")

	wires, err := c.EncodeInterrupt()
	if err != nil {
		t.Fatalf("EncodeInterrupt: %v", err)
	}
	if len(wires) != 2 {
		t.Fatalf("expected 2 wires, got %d", len(wires))
	}

	if wires[0].Type != WireText {
		t.Errorf("first wire should be text control, got %s", wires[0].Type)
	}
	var env Envelope
	if err := json.Unmarshal(wires[0].Payload, &env); err != nil {
		t.Fatalf("control payload is not JSON: %v", err)
	}
	if env.Type != KindInterrupt {
		t.Errorf("expected interrupt control, got %q", env.Type)
	}

	if wires[1].Type != WireBinary || !bytes.Equal(wires[1].Payload, []byte{0x03}) {
		t.Errorf("second wire should be binary 0x03, got %s %v", wires[1].Type, wires[1].Payload)
	}
}

func TestSocketCodecResize(t *testing.T) {
	c := NewSocketCodec("")

	w, err := c.EncodeResize(24, 80)
	if err != nil {
		t.Fatalf("EncodeResize: %v", err)
	}

	got := string(w.Payload)
	if got != `{"type":"resize","data":{"rows":24,"cols":80}}` {
		t.Errorf("unexpected resize payload: %s", got)
	}
}

func TestSocketCodecDecode(t *testing.T) {
	c := NewSocketCodec("s-1")

	tests := []struct {
		name    string
		wire    Wire
		typ     FrameType
		kind    ControlKind
		message string
		wantErr error
	}{
		{name: "binary output", wire: Wire{Type: WireBinary, Payload: []byte("ls\r\n")}, typ: TypeData},
		{name: "pong", wire: Wire{Type: WireText, Payload: []byte(`{"type":"pong"}`)}, typ: TypeControl, kind: KindPong},
		{name: "error in data", wire: Wire{Type: WireText, Payload: []byte(`{"type":"error","data":"no shell"}`)}, typ: TypeControl, kind: KindError, message: "no shell"},
		{name: "error in message", wire: Wire{Type: WireText, Payload: []byte(`{"type":"error","message":"denied"}`)}, typ: TypeControl, kind: KindError, message: "denied"},
		{name: "plain text", wire: Wire{Type: WireText, Payload: []byte("Failed to create terminal")}, typ: TypeControl, kind: KindUnknown, wantErr: model.ErrDecodeFailure},
		{name: "unknown type", wire: Wire{Type: WireText, Payload: []byte(`{"type":"history"}`)}, typ: TypeControl, kind: KindUnknown, wantErr: model.ErrDecodeFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := c.Decode(tt.wire)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if f.Type != tt.typ {
				t.Fatalf("expected frame type %d, got %d", tt.typ, f.Type)
			}
			if f.Type == TypeControl && f.Control.Kind != tt.kind {
				t.Errorf("expected kind %q, got %q", tt.kind, f.Control.Kind)
			}
			if f.Control.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, f.Control.Message)
			}
			if f.Control.Kind == KindUnknown && !bytes.Equal(f.Control.Raw, tt.wire.Payload) {
				t.Errorf("unknown frame should keep raw payload, got %q", f.Control.Raw)
			}
		})
	}
}

func TestBrokerCodecEnvelope(t *testing.T) {
	c := NewBrokerCodec("mqtty-1", "web_terminal")
	c.NewRequestID = func() string { return "req_00000000" }

	w, err := c.EncodeInput([]byte("ls\r"))
	if err != nil {
		t.Fatalf("EncodeInput: %v", err)
	}

	var env BrokerEnvelope
	if err := json.Unmarshal(w.Payload, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Command != "terminal" || env.Type != "input" || env.SessionID != "mqtty-1" {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if env.RequestID != "req_00000000" || env.ClientID != "web_terminal" {
		t.Errorf("unexpected ids: %+v", env)
	}
	if string(env.Data) != `"ls\r"` {
		t.Errorf("unexpected data: %s", env.Data)
	}
}

func TestBrokerCodecInterruptIsSingleInput(t *testing.T) {
	c := NewBrokerCodec("mqtty-1", "web_terminal")

	wires, err := c.EncodeInterrupt()
	if err != nil {
		t.Fatalf("EncodeInterrupt: %v", err)
	}
	if len(wires) != 1 {
		t.Fatalf("expected 1 wire, got %d", len(wires))
	}

	var env BrokerEnvelope
	if err := json.Unmarshal(wires[0].Payload, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var data string
	json.Unmarshal(env.Data, &data)
	if env.Type != "input" || data != "\x03" {
		t.Errorf("expected input envelope with 0x03, got type=%s data=%q", env.Type, data)
	}
}

func TestBrokerCodecTerminateUsesCloseVerb(t *testing.T) {
	c := NewBrokerCodec("mqtty-1", "web_terminal")

	w, err := c.EncodeControl(KindTerminate, nil)
	if err != nil {
		t.Fatalf("EncodeControl: %v", err)
	}
	if !strings.Contains(string(w.Payload), `"type":"close"`) {
		t.Errorf("expected close verb, got %s", w.Payload)
	}
}

func TestBrokerCodecDecode(t *testing.T) {
	c := NewBrokerCodec("mqtty-1", "web_terminal")

	f, err := c.Decode(Wire{Type: WireText, Payload: []byte(`{"sessionId":"mqtty-1","type":"output","data":"hello"}`)})
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if f.Type != TypeData || string(f.Data) != "hello" {
		t.Errorf("expected data frame 'hello', got %+v", f)
	}

	f, err = c.Decode(Wire{Type: WireText, Payload: []byte(`{"sessionId":"mqtty-1","type":"error","message":"boom"}`)})
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if f.Control.Kind != KindError || f.Control.Message != "boom" {
		t.Errorf("expected error control 'boom', got %+v", f.Control)
	}

	f, err = c.Decode(Wire{Type: WireText, Payload: []byte(`{"sessionId":"mqtty-1","type":"closed"}`)})
	if err != nil || f.Control.Kind != KindClosed {
		t.Errorf("expected closed control, got %+v, %v", f.Control, err)
	}

	_, err = c.Decode(Wire{Type: WireText, Payload: []byte(`{"command":"terminal","success":false,"message":"x"}`)})
	if !errors.Is(err, model.ErrStaleSession) {
		t.Errorf("reply without session id should be stale, got %v", err)
	}

	_, err = c.Decode(Wire{Type: WireText, Payload: []byte(`not json`)})
	if !errors.Is(err, model.ErrDecodeFailure) {
		t.Errorf("expected decode failure, got %v", err)
	}
}

func TestDecodeReaderMatchesBufferedDecode(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	c := NewSocketCodec("")

	properties.Property("streamed binary frames decode to the buffered data frame", prop.ForAll(
		func(data string) bool {
			buffered, err := c.Decode(Wire{Type: WireBinary, Payload: []byte(data)})
			if err != nil {
				return false
			}
			streamed, err := c.DecodeReader(WireBinary, iotest.OneByteReader(strings.NewReader(data)))
			if err != nil {
				return false
			}
			return streamed.Type == TypeData && bytes.Equal(buffered.Data, streamed.Data)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestBrokerStaleSessionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	c := NewBrokerCodec("active-session", "web_terminal")

	properties.Property("envelopes for another session are rejected as stale", prop.ForAll(
		func(other string, kind string) bool {
			if other == "active-session" {
				return true
			}
			payload, _ := json.Marshal(map[string]string{"sessionId": other, "type": kind, "data": "x"})
			_, err := c.Decode(Wire{Type: WireText, Payload: payload})
			return errors.Is(err, model.ErrStaleSession)
		},
		gen.AlphaString(),
		gen.OneConstOf("output", "error", "closed", "pong", "resize"),
	))

	properties.TestingRun(t)
}
