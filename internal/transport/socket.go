package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/dualterm/internal/frame"
	"github.com/remote-agent-terminal/dualterm/internal/model"
)

const (
	// DefaultSocketOpenTimeout bounds the WebSocket dial.
	DefaultSocketOpenTimeout = 10 * time.Second

	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to write the close frame on shutdown.
	closeWait = time.Second

	eventBufferSize = 64
)

// SocketOptions configures a SocketTransport.
type SocketOptions struct {
	OpenTimeout time.Duration
	Header      http.Header
	Dialer      *websocket.Dialer
	Logger      zerolog.Logger
}

// SocketTransport runs a terminal session over one full-duplex WebSocket.
// Binary frames carry terminal bytes and text frames carry JSON controls.
type SocketTransport struct {
	opts   SocketOptions
	dialer *websocket.Dialer
	log    zerolog.Logger

	conn  *websocket.Conn
	codec *frame.SocketCodec

	mu        sync.Mutex
	events    chan Event
	doneCh    chan struct{}
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	manual    atomic.Bool
}

// NewSocket creates an unopened socket transport.
func NewSocket(opts SocketOptions) *SocketTransport {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultSocketOpenTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.OpenTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		}
	}
	return &SocketTransport{
		opts:   opts,
		dialer: dialer,
		log:    opts.Logger.With().Str("transport", string(model.TransportSocket)).Logger(),
		events: make(chan Event, eventBufferSize),
		doneCh: make(chan struct{}),
	}
}

// Kind returns model.TransportSocket.
func (t *SocketTransport) Kind() model.TransportKind {
	return model.TransportSocket
}

// Codec returns the socket codec, or nil before Open.
func (t *SocketTransport) Codec() frame.Codec {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.codec == nil {
		return nil
	}
	return t.codec
}

// Open dials the terminal address and starts the read loop.
func (t *SocketTransport) Open(ctx context.Context, target Target) (OpenInfo, error) {
	if target.SocketURL == "" {
		return OpenInfo{}, fmt.Errorf("%w: empty socket address", model.ErrAddressUnreachable)
	}

	ctx, cancel := context.WithTimeout(ctx, t.opts.OpenTimeout)
	defer cancel()

	t.log.Debug().Str("url", target.SocketURL).Msg("dialing terminal socket")
	conn, resp, err := t.dialer.DialContext(ctx, target.SocketURL, t.opts.Header)
	if err != nil {
		return OpenInfo{}, classifyDialError(ctx, resp, err)
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		conn.Close()
		return OpenInfo{}, model.ErrTransportClosed
	}
	t.conn = conn
	t.codec = frame.NewSocketCodec(target.SessionID)
	t.mu.Unlock()

	go t.readLoop()

	return OpenInfo{SessionID: target.SessionID, AgentID: target.AgentID}, nil
}

func classifyDialError(ctx context.Context, resp *http.Response, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", model.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", model.ErrTimeout, err)
	}
	if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
		return fmt.Errorf("%w: server answered %s", model.ErrHandshakeRejected, resp.Status)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrAddressUnreachable, err)
}

// readLoop drains inbound messages and publishes them on the events channel.
func (t *SocketTransport) readLoop() {
	defer close(t.events)

	for {
		msgType, r, err := t.conn.NextReader()
		if err != nil {
			t.finish(err)
			return
		}

		wt := frame.WireText
		if msgType == websocket.BinaryMessage {
			wt = frame.WireBinary
		}

		f, err := t.codec.DecodeReader(wt, r)
		if err != nil {
			if f.Type == 0 {
				// The read itself failed; NextReader reports the cause.
				continue
			}
			t.log.Warn().Err(err).Msg("undecodable socket frame")
		}

		if !t.emit(Event{Kind: EventFrame, Frame: f}) {
			return
		}
	}
}

// finish reports the end of the connection.
func (t *SocketTransport) finish(err error) {
	code := websocket.CloseAbnormalClosure
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
	}

	abnormal := !t.manual.Load() && code != CloseNormal && code != CloseGoingAway
	if abnormal {
		t.log.Warn().Err(err).Int("code", code).Msg("socket closed abnormally")
		if !t.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: %v", model.ErrAbnormalClosure, err)}) {
			return
		}
	} else {
		t.log.Debug().Int("code", code).Msg("socket closed")
	}
	t.emit(Event{Kind: EventClosed, Code: code, Abnormal: abnormal})
}

func (t *SocketTransport) emit(ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.doneCh:
		return false
	}
}

// Send writes one frame with a write deadline.
func (t *SocketTransport) Send(w frame.Wire) error {
	if t.conn == nil || t.closed.Load() {
		return model.ErrTransportClosed
	}

	msgType := websocket.TextMessage
	if w.Type == frame.WireBinary {
		msgType = websocket.BinaryMessage
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(msgType, w.Payload)
}

// SendData sends terminal input as a binary frame.
func (t *SocketTransport) SendData(p []byte) error {
	if t.codec == nil {
		return model.ErrTransportClosed
	}
	w, err := t.codec.EncodeInput(p)
	if err != nil {
		return err
	}
	return t.Send(w)
}

// SendControl sends a JSON control message as a text frame.
func (t *SocketTransport) SendControl(kind frame.ControlKind, data any) error {
	if t.codec == nil {
		return model.ErrTransportClosed
	}
	w, err := t.codec.EncodeControl(kind, data)
	if err != nil {
		return err
	}
	return t.Send(w)
}

// Close sends a normal close frame and closes the connection.
// A close requested here is never reported as abnormal.
func (t *SocketTransport) Close(reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.manual.Store(true)
		t.closed.Store(true)
		conn := t.conn
		t.mu.Unlock()
		close(t.doneCh)

		if conn == nil {
			return
		}

		// WriteControl may run alongside a stalled WriteMessage; the
		// Close below unblocks that writer.
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))

		err = conn.Close()
	})
	return err
}

// Events returns the inbound event channel.
// It is closed when the read loop exits.
func (t *SocketTransport) Events() <-chan Event {
	return t.events
}
