// Package session bridges the local terminal widget and the connection
// manager: keystrokes go out, output and connection notices come back in as
// terminal text.
package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/dualterm/internal/buffer"
	"github.com/remote-agent-terminal/dualterm/internal/frame"
	"github.com/remote-agent-terminal/dualterm/internal/lifecycle"
	"github.com/remote-agent-terminal/dualterm/internal/manager"
	"github.com/remote-agent-terminal/dualterm/internal/model"
	"github.com/remote-agent-terminal/dualterm/internal/transport"
)

// Inline texts written to the widget.
const (
	interruptEcho  = "^C\r\n"
	closedText     = "\r\n\nTerminal session closed\r\n"
	terminatedText = "\r\n\nConnection has been terminated. Press Enter to reconnect.\r\n"
	reconnectText  = "\r\nReconnecting...\r\n"
)

// DefaultScrollback is the scrollback size used when none is given.
const DefaultScrollback = 64 * 1024

const journalTimeout = 2 * time.Second

func errorText(msg string) string {
	return "\r\n\nError: " + msg + "\r\n"
}

// Connection is the connection manager as seen by a session.
type Connection interface {
	lifecycle.Closer
	Connect(kind model.TransportKind, target transport.Target) error
	SendData(p []byte) error
	Interrupt() error
	Resize(g model.Geometry) error
	Events() <-chan manager.Event
	Session() model.Session
}

// Recorder receives a copy of the session's traffic.
type Recorder interface {
	WriteOutput(data []byte) error
	WriteInput(data []byte) error
	WriteResize(g model.Geometry) error
	WriteMarker(label string) error
	Close() error
}

// Journal persists one history record per connect.
type Journal interface {
	Create(ctx context.Context, rec *model.SessionRecord) error
	Update(ctx context.Context, rec *model.SessionRecord) error
}

// Options configures a TerminalSession. Every field is optional.
type Options struct {
	Widget     io.Writer
	Scrollback *buffer.RingBuffer
	Recorder   Recorder
	Journal    Journal
	Grace      time.Duration
	Logger     zerolog.Logger
}

// TerminalSession runs one terminal over a Connection.
type TerminalSession struct {
	conn  Connection
	opts  Options
	log   zerolog.Logger
	coord *lifecycle.Coordinator
	done  chan struct{}

	mu       sync.Mutex
	started  bool
	kind     model.TransportKind
	target   transport.Target
	state    model.ConnectionState
	ended    bool
	record   *model.SessionRecord
	geometry model.Geometry
}

// New returns a session over conn. Start begins it.
func New(conn Connection, opts Options) *TerminalSession {
	if opts.Widget == nil {
		opts.Widget = io.Discard
	}
	if opts.Scrollback == nil {
		opts.Scrollback = buffer.NewRingBuffer(DefaultScrollback)
	}
	s := &TerminalSession{
		conn: conn,
		opts: opts,
		log:  opts.Logger.With().Str("component", "session").Logger(),
		done: make(chan struct{}),
	}
	s.coord = lifecycle.New(conn, opts.Grace, opts.Logger)
	return s
}

// Start connects and pumps connection events to the widget until teardown.
// Cancelling ctx tears the session down.
func (s *TerminalSession) Start(ctx context.Context, kind model.TransportKind, target transport.Target) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("%w: session already started", model.ErrInvalidState)
	}
	s.started = true
	s.kind = kind
	s.target = target
	s.mu.Unlock()

	if s.opts.Recorder != nil {
		s.coord.OnRelease("recorder", s.opts.Recorder.Close)
	}
	if s.opts.Journal != nil {
		s.coord.OnRelease("journal", s.finishRecord)
	}

	s.beginRecord()
	if err := s.conn.Connect(kind, target); err != nil {
		s.coord.Teardown()
		close(s.done)
		return err
	}

	go s.pump()
	go func() {
		select {
		case <-ctx.Done():
			s.log.Debug().Msg("context cancelled")
			s.Close(context.Background())
		case <-s.done:
		}
	}()
	return nil
}

func (s *TerminalSession) pump() {
	defer close(s.done)
	for ev := range s.conn.Events() {
		if s.handle(ev) {
			s.coord.Teardown()
		}
	}
}

// handle applies one manager event and reports whether the session ended.
func (s *TerminalSession) handle(ev manager.Event) bool {
	switch ev.Kind {
	case manager.EventData:
		s.output(ev.Data)

	case manager.EventControl:
		return s.handleControl(ev.Control)

	case manager.EventStatus:
		s.log.Info().Str("status", ev.Message).Int("attempt", ev.Attempt).Msg("connection status")
		s.write("\r\n" + ev.Message + "\r\n")

	case manager.EventError:
		s.log.Warn().Err(ev.Err).Str("session", ev.Session.ID).Msg("connection error")
		s.mu.Lock()
		if s.record != nil {
			s.record.LastError = ev.Err.Error()
		}
		s.mu.Unlock()
		if !s.isEnded() {
			s.write(errorText(ev.Err.Error()))
		}

	case manager.EventState:
		return s.handleState(ev)
	}
	return false
}

func (s *TerminalSession) handleControl(ctrl frame.Control) bool {
	switch ctrl.Kind {
	case frame.KindError:
		s.write(errorText(ctrl.Message))
	case frame.KindClosed:
		if s.markEnded() {
			s.write(closedText)
		}
		return true
	case frame.KindPong:
		s.log.Debug().Msg("pong")
	case frame.KindUnknown:
		s.log.Debug().Int("bytes", len(ctrl.Raw)).Msg("writing unrecognized message through")
		s.output(ctrl.Raw)
	default:
		s.log.Debug().Str("kind", string(ctrl.Kind)).Msg("ignoring control")
	}
	return false
}

func (s *TerminalSession) handleState(ev manager.Event) bool {
	s.mu.Lock()
	s.state = ev.State
	if s.record != nil {
		if !(ev.State == model.StateClosed && s.record.State == model.StateFailed.String()) {
			s.record.State = ev.State.String()
		}
		s.record.Reconnects = ev.Session.Reconnects
		if ev.Session.ID != "" {
			s.record.RemoteID = ev.Session.ID
		}
		if ev.State == model.StateOpen {
			s.record.LastError = ""
		}
	}
	ended := s.ended
	s.mu.Unlock()

	s.log.Info().Str("session", ev.Session.ID).Stringer("state", ev.State).Msg("connection state")
	if s.opts.Recorder != nil {
		s.opts.Recorder.WriteMarker(ev.State.String())
	}
	s.updateRecord()

	switch ev.State {
	case model.StateFailed:
		if !ended {
			s.write(terminatedText)
		}
	case model.StateClosed:
		if s.markEnded() {
			s.write(closedText)
			return true
		}
	}
	return false
}

// HandleInput forwards keystrokes. A lone 0x03 is sent as an interrupt and
// echoed as ^C locally whatever the connection state. Enter after a failure
// starts a fresh connection.
func (s *TerminalSession) HandleInput(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if s.opts.Recorder != nil {
		s.opts.Recorder.WriteInput(p)
	}

	if len(p) == 1 && p[0] == frame.InterruptByte {
		s.write(interruptEcho)
		return s.conn.Interrupt()
	}

	s.mu.Lock()
	failed := s.state == model.StateFailed && !s.ended
	s.mu.Unlock()
	if failed && (bytes.Equal(p, []byte{'\r'}) || bytes.Equal(p, []byte{'\n'})) {
		return s.reconnect()
	}

	return s.conn.SendData(p)
}

func (s *TerminalSession) reconnect() error {
	s.mu.Lock()
	kind, target := s.kind, s.target
	s.mu.Unlock()

	s.write(reconnectText)
	s.beginRecord()
	return s.conn.Connect(kind, target)
}

// HandleResize forwards a geometry change. While not Open the latest size is
// kept and sent once the connection opens.
func (s *TerminalSession) HandleResize(rows, cols int) error {
	g := model.Geometry{Rows: rows, Cols: cols}
	if !g.Valid() {
		return fmt.Errorf("%w: geometry %dx%d", model.ErrInvalidState, cols, rows)
	}

	s.mu.Lock()
	s.geometry = g
	s.mu.Unlock()

	if s.opts.Recorder != nil {
		s.opts.Recorder.WriteResize(g)
	}
	return s.conn.Resize(g)
}

// Close tears the session down without printing the remote-close notice.
// It returns ctx.Err() if ctx ends first; teardown still completes.
func (s *TerminalSession) Close(ctx context.Context) error {
	s.markEnded()
	go s.coord.Teardown()

	select {
	case <-s.coord.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the session has been torn down and its events drained.
func (s *TerminalSession) Done() <-chan struct{} {
	return s.done
}

// SessionID returns the active remote session id.
func (s *TerminalSession) SessionID() string {
	return s.conn.Session().ID
}

// State returns the last connection state the session observed.
func (s *TerminalSession) State() model.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Scrollback returns the buffered terminal output.
func (s *TerminalSession) Scrollback() *buffer.RingBuffer {
	return s.opts.Scrollback
}

// Coordinator returns the session's lifecycle coordinator.
func (s *TerminalSession) Coordinator() *lifecycle.Coordinator {
	return s.coord
}

func (s *TerminalSession) output(p []byte) {
	if len(p) == 0 {
		return
	}
	s.opts.Scrollback.Write(p)
	if s.opts.Recorder != nil {
		s.opts.Recorder.WriteOutput(p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.opts.Widget.Write(p); err != nil {
		s.log.Debug().Err(err).Msg("widget write")
	}
}

// write shows a local notice. Notices are not part of the scrollback.
func (s *TerminalSession) write(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.opts.Widget, text); err != nil {
		s.log.Debug().Err(err).Msg("widget write")
	}
}

// markEnded reports whether this call ended the session.
func (s *TerminalSession) markEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.ended = true
	return true
}

func (s *TerminalSession) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *TerminalSession) beginRecord() {
	if s.opts.Journal == nil {
		return
	}

	s.mu.Lock()
	prev := s.record
	rec := &model.SessionRecord{
		ID:      uuid.NewString(),
		Mode:    s.kind,
		AgentID: s.target.AgentID,
		State:   model.StateConnecting.String(),
	}
	s.record = rec
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if prev != nil {
		s.saveRecord(ctx, prev)
	}
	if err := s.opts.Journal.Create(ctx, copyRecord(rec)); err != nil {
		s.log.Warn().Err(err).Msg("failed to record connection")
	}
}

func (s *TerminalSession) updateRecord() {
	if s.opts.Journal == nil {
		return
	}
	s.mu.Lock()
	rec := s.record
	s.mu.Unlock()
	if rec == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	s.saveRecord(ctx, rec)
}

func (s *TerminalSession) finishRecord() error {
	s.mu.Lock()
	rec := s.record
	if rec != nil && rec.State != model.StateFailed.String() {
		rec.State = model.StateClosed.String()
	}
	s.mu.Unlock()
	if rec == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	s.mu.Lock()
	rec.PreviewLine = s.opts.Scrollback.LastLine()
	snapshot := copyRecord(rec)
	s.mu.Unlock()
	return s.opts.Journal.Update(ctx, snapshot)
}

func (s *TerminalSession) saveRecord(ctx context.Context, rec *model.SessionRecord) {
	s.mu.Lock()
	snapshot := copyRecord(rec)
	s.mu.Unlock()
	if err := s.opts.Journal.Update(ctx, snapshot); err != nil {
		s.log.Warn().Err(err).Str("record", snapshot.ID).Msg("failed to update connection record")
	}
}

func copyRecord(rec *model.SessionRecord) *model.SessionRecord {
	c := *rec
	return &c
}
