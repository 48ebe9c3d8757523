// Package manager owns one terminal connection: it opens the transport,
// keeps it alive, reconnects it and tears it down.
//
// A single goroutine owns all connection state. Public methods post closures
// to that goroutine and wait for their result, so Manager needs no locks and
// transport events, timers and caller commands are applied in one order.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/dualterm/internal/frame"
	"github.com/remote-agent-terminal/dualterm/internal/model"
	"github.com/remote-agent-terminal/dualterm/internal/transport"
)

// DefaultKeepAlive is the ping period while Open.
const DefaultKeepAlive = 30 * time.Second

// EventKind identifies a manager event.
type EventKind int

const (
	// EventState reports a ConnectionState transition.
	EventState EventKind = iota + 1

	// EventData carries terminal output.
	EventData

	// EventControl carries an inbound control message.
	EventControl

	// EventStatus carries a progress message such as a reconnect countdown.
	EventStatus

	// EventError reports a user-visible failure.
	EventError
)

// Event is one notification for the session layer.
type Event struct {
	Kind    EventKind
	State   model.ConnectionState
	Session model.Session
	Data    []byte
	Control frame.Control
	Message string
	Err     error

	// Reconnect progress, set on EventStatus.
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
}

// Options configures a Manager.
type Options struct {
	Factory   transport.Factory
	Retry     RetryPolicy
	KeepAlive time.Duration
	Logger    zerolog.Logger
}

// Snapshot is a consistent view of the manager's state.
type Snapshot struct {
	Session   model.Session
	Geometry  model.Geometry
	Attempt   int
	KeepAlive bool
	Active    bool
}

type openResult struct {
	gen  uint64
	tr   transport.Transport
	info transport.OpenInfo
	err  error
}

// Manager drives one Session over one Transport at a time.
type Manager struct {
	opts Options
	log  zerolog.Logger

	cmds        chan func()
	openResults chan openResult
	events      chan Event
	done        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc

	// Owned by the loop goroutine.
	session      *model.Session
	target       transport.Target
	tr           transport.Transport
	trEvents     <-chan transport.Event
	gen          uint64
	cancelOpen   context.CancelFunc
	attempt      int
	lastErr      error
	keepalive    *time.Ticker
	keepaliveC   <-chan time.Time
	retryTimer   *time.Timer
	retryC       <-chan time.Time
	geometry     model.Geometry
	haveGeometry bool
	closeAck     chan struct{}
	pending      []Event
	stopped      bool
}

// New starts a manager loop. Release stops it.
func New(opts Options) *Manager {
	if opts.Retry.MaxAttempts == 0 && opts.Retry.BaseDelay == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:        opts,
		log:         opts.Logger.With().Str("component", "manager").Logger(),
		cmds:        make(chan func()),
		openResults: make(chan openResult),
		events:      make(chan Event, 64),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	go m.loop()
	return m
}

// Events returns the event stream. It is closed by Release.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Done is closed once the loop has stopped.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// exec runs fn on the loop goroutine and returns its error.
func (m *Manager) exec(fn func() error) error {
	result := make(chan error, 1)
	select {
	case m.cmds <- func() { result <- fn() }:
	case <-m.done:
		return model.ErrTransportClosed
	}
	return <-result
}

func (m *Manager) loop() {
	defer func() {
		m.cancel()
		close(m.events)
		close(m.done)
	}()

	for !m.stopped {
		var out chan<- Event
		var next Event
		if len(m.pending) > 0 {
			out = m.events
			next = m.pending[0]
		}

		select {
		case cmd := <-m.cmds:
			cmd()
		case r := <-m.openResults:
			m.handleOpenResult(r)
		case ev, ok := <-m.trEvents:
			if !ok {
				m.trEvents = nil
				continue
			}
			m.handleTransportEvent(ev)
		case <-m.keepaliveC:
			m.sendPing()
		case <-m.retryC:
			m.retryC = nil
			m.retryTimer = nil
			if m.session != nil && m.session.State == model.StateConnecting {
				m.startOpen()
			}
		case out <- next:
			m.pending[0] = Event{}
			m.pending = m.pending[1:]
		}
	}
}

func (m *Manager) publish(ev Event) {
	m.pending = append(m.pending, ev)
}

func (m *Manager) snapshot() model.Session {
	if m.session == nil {
		return model.Session{State: model.StateIdle}
	}
	return *m.session
}

func (m *Manager) setState(state model.ConnectionState) {
	if m.session == nil || m.session.State == state {
		return
	}
	m.log.Debug().
		Str("session", m.session.ID).
		Stringer("from", m.session.State).
		Stringer("to", state).
		Msg("state change")
	m.session.State = state
	m.publish(Event{Kind: EventState, State: state, Session: *m.session})
}

func (m *Manager) publishError(err error) {
	m.publish(Event{Kind: EventError, Err: err, Session: m.snapshot()})
}

// Connect starts a new Session from Idle, Failed or Closed.
func (m *Manager) Connect(kind model.TransportKind, target transport.Target) error {
	return m.exec(func() error {
		if m.session != nil && !m.session.State.CanConnect() {
			return fmt.Errorf("%w: connect while %s", model.ErrInvalidState, m.session.State)
		}
		if m.opts.Factory == nil {
			return errors.New("manager: no transport factory")
		}

		m.stopTimers()
		m.dropTransport("replaced")

		sess := &model.Session{
			Kind:      kind,
			AgentID:   target.AgentID,
			State:     model.StateIdle,
			CreatedAt: time.Now(),
		}
		if kind == model.TransportSocket {
			sess.ID = uuid.NewString()
			target.SessionID = sess.ID
		}
		m.session = sess
		m.target = target
		m.attempt = 0
		m.lastErr = nil
		m.closeAck = nil

		m.log.Info().Str("mode", string(kind)).Str("agent", target.AgentID).Msg("connecting")
		m.setState(model.StateConnecting)
		m.startOpen()
		return nil
	})
}

// startOpen creates a transport and opens it on a helper goroutine.
func (m *Manager) startOpen() {
	m.gen++
	gen := m.gen

	tr, err := m.opts.Factory(m.session.Kind)
	if err != nil {
		m.publishError(err)
		m.setState(model.StateFailed)
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelOpen = cancel
	target := m.target

	go func() {
		info, err := tr.Open(ctx, target)
		select {
		case m.openResults <- openResult{gen: gen, tr: tr, info: info, err: err}:
		case <-m.done:
			tr.Close("released")
		}
	}()
}

func (m *Manager) handleOpenResult(r openResult) {
	if r.gen != m.gen || m.session == nil || m.session.State != model.StateConnecting {
		m.log.Debug().Uint64("gen", r.gen).Msg("discarding superseded open result")
		r.tr.Close("superseded")
		return
	}
	if m.cancelOpen != nil {
		m.cancelOpen()
		m.cancelOpen = nil
	}

	if r.err != nil {
		r.tr.Close("open failed")
		m.log.Warn().Err(r.err).Msg("open failed")
		m.publishError(r.err)
		m.connectionLost(r.err)
		return
	}

	m.tr = r.tr
	m.trEvents = r.tr.Events()
	if r.info.SessionID != "" {
		m.session.ID = r.info.SessionID
	}
	if r.info.AgentID != "" {
		m.session.AgentID = r.info.AgentID
	}
	m.enterOpen()
}

// enterOpen resets the retry counter, restarts keepalive and re-sends the
// current geometry once.
func (m *Manager) enterOpen() {
	m.attempt = 0
	m.lastErr = nil
	m.setState(model.StateOpen)
	m.startKeepalive()
	if m.haveGeometry {
		m.sendResize()
	}
}

// connectionLost schedules a socket reconnect for retryable failures while
// attempts remain; anything else ends in Failed.
func (m *Manager) connectionLost(cause error) {
	m.stopKeepalive()

	if m.session.Kind == model.TransportSocket && model.Retryable(cause) {
		if !m.opts.Retry.Allows(m.attempt) {
			err := fmt.Errorf("%w after %d attempts: %v", model.ErrReconnectExhausted, m.attempt, cause)
			m.log.Error().Err(err).Msg("giving up")
			m.publishError(err)
			m.setState(model.StateFailed)
			return
		}

		delay := m.opts.Retry.Delay(m.attempt)
		m.attempt++
		m.session.Reconnects++
		m.setState(model.StateConnecting)
		m.publish(Event{
			Kind:        EventStatus,
			Message:     fmt.Sprintf("Reconnecting in %s (attempt %d/%d)...", delay, m.attempt, m.opts.Retry.MaxAttempts),
			Session:     *m.session,
			Attempt:     m.attempt,
			MaxAttempts: m.opts.Retry.MaxAttempts,
			Delay:       delay,
		})
		m.retryTimer = time.NewTimer(delay)
		m.retryC = m.retryTimer.C
		return
	}

	m.setState(model.StateFailed)
}

func (m *Manager) handleTransportEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventFrame:
		m.handleFrame(ev.Frame)

	case transport.EventError:
		m.lastErr = ev.Err
		if m.session.State != model.StateClosing {
			m.publishError(ev.Err)
		}

	case transport.EventClosed:
		m.dropTransport("remote closed")
		if m.session.State == model.StateClosing {
			m.ack()
			return
		}
		if ev.Abnormal {
			cause := m.lastErr
			if cause == nil {
				cause = fmt.Errorf("%w: code %d", model.ErrAbnormalClosure, ev.Code)
				m.publishError(cause)
			}
			m.connectionLost(cause)
			return
		}
		m.stopTimers()
		m.setState(model.StateClosed)

	case transport.EventReconnecting:
		if m.session.State != model.StateOpen {
			return
		}
		m.stopKeepalive()
		m.setState(model.StateConnecting)
		m.publish(Event{Kind: EventStatus, Message: "Connection lost, waiting for the broker to resume...", Session: *m.session})

	case transport.EventOpen:
		if m.session.State == model.StateConnecting {
			m.enterOpen()
		}
	}
}

func (m *Manager) handleFrame(f frame.Frame) {
	if m.session == nil {
		return
	}
	if f.Type == frame.TypeControl {
		if id := f.Control.SessionID; id != "" && id != m.session.ID {
			m.log.Debug().Str("frame_session", id).Str("session", m.session.ID).Msg("dropping stale control frame")
			return
		}
		if f.Control.Kind == frame.KindClosed && m.session.State == model.StateClosing {
			m.ack()
		}
		m.publish(Event{Kind: EventControl, Control: f.Control, Session: *m.session})
		return
	}
	m.publish(Event{Kind: EventData, Data: f.Data, Session: *m.session})
}

func (m *Manager) startKeepalive() {
	m.stopKeepalive()
	m.keepalive = time.NewTicker(m.opts.KeepAlive)
	m.keepaliveC = m.keepalive.C
}

func (m *Manager) stopKeepalive() {
	if m.keepalive != nil {
		m.keepalive.Stop()
		m.keepalive = nil
	}
	m.keepaliveC = nil
}

func (m *Manager) stopTimers() {
	m.stopKeepalive()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.retryC = nil
}

func (m *Manager) sendPing() {
	if m.tr == nil || m.session.State != model.StateOpen {
		return
	}
	if err := m.sendWith(func(c frame.Codec) ([]frame.Wire, error) {
		w, err := c.EncodePing()
		return []frame.Wire{w}, err
	}); err != nil {
		m.log.Warn().Err(err).Msg("keepalive ping failed")
		cause := fmt.Errorf("%w: keepalive: %v", model.ErrAbnormalClosure, err)
		m.dropTransport("keepalive failed")
		m.publishError(cause)
		m.connectionLost(cause)
	}
}

func (m *Manager) sendResize() {
	g := m.geometry
	if err := m.sendWith(func(c frame.Codec) ([]frame.Wire, error) {
		w, err := c.EncodeResize(g.Rows, g.Cols)
		return []frame.Wire{w}, err
	}); err != nil {
		m.log.Warn().Err(err).Msg("resize failed")
	}
}

// sendWith encodes with the open transport's codec and sends every wire in order.
func (m *Manager) sendWith(encode func(frame.Codec) ([]frame.Wire, error)) error {
	if m.tr == nil {
		return model.ErrNotOpen
	}
	codec := m.tr.Codec()
	if codec == nil {
		return model.ErrNotOpen
	}
	wires, err := encode(codec)
	if err != nil {
		return err
	}
	for _, w := range wires {
		if err := m.tr.Send(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) requireOpen() error {
	if m.session == nil || m.session.State != model.StateOpen || m.tr == nil {
		state := model.StateIdle
		if m.session != nil {
			state = m.session.State
		}
		return fmt.Errorf("%w: state is %s", model.ErrNotOpen, state)
	}
	return nil
}

// SendData forwards terminal input.
func (m *Manager) SendData(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)
	return m.exec(func() error {
		if err := m.requireOpen(); err != nil {
			return err
		}
		return m.tr.SendData(buf)
	})
}

// Interrupt sends the transport's interrupt sequence. No other send can
// interleave with it.
func (m *Manager) Interrupt() error {
	return m.exec(func() error {
		if err := m.requireOpen(); err != nil {
			return err
		}
		return m.sendWith(func(c frame.Codec) ([]frame.Wire, error) {
			return c.EncodeInterrupt()
		})
	})
}

// Ping sends one keepalive ping.
func (m *Manager) Ping() error {
	return m.exec(func() error {
		if err := m.requireOpen(); err != nil {
			return err
		}
		m.sendPing()
		return nil
	})
}

// Resize records the terminal geometry. It is sent immediately when Open;
// otherwise only the latest geometry is kept and sent on the next Open.
func (m *Manager) Resize(g model.Geometry) error {
	if !g.Valid() {
		return fmt.Errorf("invalid geometry %dx%d", g.Cols, g.Rows)
	}
	return m.exec(func() error {
		m.geometry = g
		m.haveGeometry = true
		if m.session != nil && m.session.State == model.StateOpen && m.tr != nil {
			m.sendResize()
		}
		return nil
	})
}

// BeginClose stops timers, starts a best-effort terminate when Open and moves
// to Closing without waiting for the send. The returned channel is closed when the remote acknowledges.
func (m *Manager) BeginClose() (<-chan struct{}, error) {
	var ack chan struct{}
	err := m.exec(func() error {
		if m.session == nil || m.session.State == model.StateClosed || m.session.State == model.StateIdle {
			ack = closedChan()
			return nil
		}
		if m.session.State == model.StateClosing {
			ack = m.closeAck
			return nil
		}

		m.stopTimers()
		if m.cancelOpen != nil {
			m.cancelOpen()
			m.cancelOpen = nil
		}
		m.gen++

		wasOpen := m.session.State == model.StateOpen && m.tr != nil
		m.closeAck = make(chan struct{})
		ack = m.closeAck
		m.setState(model.StateClosing)

		if !wasOpen {
			m.ack()
			return nil
		}
		m.sendTerminate(m.tr, m.gen)
		return nil
	})
	return ack, err
}

// sendTerminate sends the terminate control off the loop. A failed send
// counts as the acknowledgment.
func (m *Manager) sendTerminate(tr transport.Transport, gen uint64) {
	go func() {
		err := tr.SendControl(frame.KindTerminate, nil)
		if err == nil {
			return
		}
		select {
		case m.cmds <- func() {
			if gen != m.gen || m.session == nil || m.session.State != model.StateClosing {
				return
			}
			m.log.Debug().Err(err).Msg("terminate not delivered")
			m.ack()
		}:
		case <-m.done:
		}
	}()
}

func (m *Manager) ack() {
	if m.closeAck == nil {
		return
	}
	select {
	case <-m.closeAck:
	default:
		close(m.closeAck)
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// ForceClose closes the transport and moves to Closed.
func (m *Manager) ForceClose() error {
	return m.exec(func() error {
		m.forceClose()
		return nil
	})
}

func (m *Manager) forceClose() {
	m.stopTimers()
	if m.cancelOpen != nil {
		m.cancelOpen()
		m.cancelOpen = nil
	}
	m.gen++
	m.dropTransport("client closed")
	m.ack()
	if m.session != nil {
		m.setState(model.StateClosed)
	}
}

// dropTransport closes the current transport, if any.
func (m *Manager) dropTransport(reason string) {
	if m.tr == nil {
		return
	}
	if err := m.tr.Close(reason); err != nil {
		m.log.Debug().Err(err).Msg("transport close")
	}
	m.tr = nil
	m.trEvents = nil
}

// Release force-closes the session if needed and stops the loop.
// Events still queued are discarded.
func (m *Manager) Release() {
	m.exec(func() error {
		if m.session != nil && m.session.State != model.StateClosed {
			m.forceClose()
		}
		m.session = nil
		m.pending = nil
		m.stopped = true
		return nil
	})
	<-m.done
}

// Session returns a copy of the active Session.
func (m *Manager) Session() model.Session {
	var s model.Session
	m.exec(func() error {
		s = m.snapshot()
		return nil
	})
	return s
}

// State returns the current connection state.
func (m *Manager) State() model.ConnectionState {
	return m.Session().State
}

// Snapshot returns the session together with retry and keepalive state.
func (m *Manager) Snapshot() Snapshot {
	var s Snapshot
	m.exec(func() error {
		s = Snapshot{
			Session:   m.snapshot(),
			Geometry:  m.geometry,
			Attempt:   m.attempt,
			KeepAlive: m.keepalive != nil,
			Active:    m.session != nil,
		}
		return nil
	})
	return s
}
