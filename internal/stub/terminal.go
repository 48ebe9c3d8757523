package stub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/dualterm/internal/frame"
	"github.com/remote-agent-terminal/dualterm/internal/model"
	"github.com/remote-agent-terminal/dualterm/internal/pty"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is one message a stub terminal received.
type Message struct {
	Binary  bool
	Payload []byte

	// Control is set for text messages.
	Control frame.Control
}

type outbound struct {
	msgType int
	data    []byte
}

// terminal is one connected client running the echo shell or a real one.
type terminal struct {
	server  *Server
	conn    *websocket.Conn
	agentID string
	codec   *frame.SocketCodec
	send    chan outbound

	proc     *pty.Process
	stopOnce sync.Once

	mu       sync.Mutex
	closed   bool
	geometry model.Geometry
	line     []byte
}

// handleTerminal handles GET /admin/ws/terminal and upgrades it to WebSocket.
func (s *Server) handleTerminal(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	t := &terminal{
		server:  s,
		conn:    conn,
		agentID: s.agentFor(c),
		codec:   frame.NewSocketCodec(""),
		send:    make(chan outbound, 256),
	}
	if s.cfg.Shell != "" {
		proc, err := pty.Start(pty.StartOptions{Command: s.cfg.Shell})
		if err != nil {
			s.log.Warn().Err(err).Str("shell", s.cfg.Shell).Msg("shell unavailable, using echo shell")
		} else {
			t.proc = proc
		}
	}
	s.register(t)

	go t.writePump()
	go t.readPump()

	if t.proc != nil {
		go t.shellPump()
		return
	}
	t.output("Connected to stub terminal\r\n" + s.cfg.Prompt)
}

func (s *Server) register(t *terminal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminals[t] = true
	s.log.Info().Str("agent", t.agentID).Int("terminals", len(s.terminals)).Msg("terminal attached")
}

func (s *Server) unregister(t *terminal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.terminals[t]; ok {
		delete(s.terminals, t)
		s.log.Info().Str("agent", t.agentID).Int("terminals", len(s.terminals)).Msg("terminal detached")
	}
}

func (s *Server) notify(agentID string, msg Message) {
	s.mu.RLock()
	fn := s.observer
	s.mu.RUnlock()
	if fn != nil {
		fn(agentID, msg)
	}
}

func (s *Server) each(fn func(t *terminal)) {
	s.mu.RLock()
	list := make([]*terminal, 0, len(s.terminals))
	for t := range s.terminals {
		list = append(list, t)
	}
	s.mu.RUnlock()
	for _, t := range list {
		fn(t)
	}
}

// Terminals returns the number of attached terminals.
func (s *Server) Terminals() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.terminals)
}

// Broadcast writes output to every attached terminal.
func (s *Server) Broadcast(text string) {
	s.each(func(t *terminal) { t.output(text) })
}

// CloseAll ends every terminal with a going-away close frame.
func (s *Server) CloseAll() {
	s.each(func(t *terminal) { t.closeWith(websocket.CloseGoingAway) })
}

// DropAll cuts every connection without a close frame, as a crashed server would.
func (s *Server) DropAll() {
	s.each(func(t *terminal) {
		t.conn.UnderlyingConn().Close()
	})
}

// enqueue queues a message for the write pump.
func (t *terminal) enqueue(msg outbound) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	select {
	case t.send <- msg:
	default:
		// Buffer full, close the client
		t.closeLocked()
	}
}

func (t *terminal) closeLocked() {
	if t.closed {
		return
	}
	t.closed = true
	close(t.send)
}

func (t *terminal) output(text string) {
	t.enqueue(outbound{msgType: websocket.BinaryMessage, data: []byte(text)})
}

// stopShell kills the shell process, if any.
func (t *terminal) stopShell() {
	if t.proc == nil {
		return
	}
	t.stopOnce.Do(func() {
		t.proc.Kill()
		t.proc.Close()
	})
}

// shellPump forwards shell output until the shell exits, then ends the
// session with a normal close.
func (t *terminal) shellPump() {
	buf := make([]byte, 4096)
	for {
		n, err := t.proc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.enqueue(outbound{msgType: websocket.BinaryMessage, data: data})
		}
		if err != nil {
			break
		}
	}

	code, err := t.proc.Wait()
	t.server.log.Info().Str("agent", t.agentID).Int("code", code).AnErr("wait", err).Msg("shell exited")
	t.stopShell()
	t.control(frame.KindClosed, nil)
	t.closeWith(websocket.CloseNormalClosure)
}

func (t *terminal) control(kind frame.ControlKind, data any) {
	w, err := t.codec.EncodeControl(kind, data)
	if err != nil {
		t.server.log.Warn().Err(err).Msg("encode control")
		return
	}
	t.enqueue(outbound{msgType: websocket.TextMessage, data: w.Payload})
}

// closeWith sends a close frame with code and stops the pumps.
func (t *terminal) closeWith(code int) {
	t.enqueue(outbound{msgType: websocket.CloseMessage, data: websocket.FormatCloseMessage(code, "")})
	t.mu.Lock()
	t.closeLocked()
	t.mu.Unlock()
}

// readPump pumps messages from the WebSocket connection into the echo shell.
// After a clean exit the write pump flushes the goodbye and closes the conn.
func (t *terminal) readPump() {
	ended := false
	defer func() {
		t.server.unregister(t)
		t.stopShell()
		if !ended {
			t.mu.Lock()
			t.closeLocked()
			t.mu.Unlock()
			t.conn.Close()
		}
	}()

	t.conn.SetReadLimit(maxMessageSize)
	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.server.log.Debug().Err(err).Msg("terminal read error")
			}
			return
		}
		t.conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType == websocket.BinaryMessage {
			t.server.notify(t.agentID, Message{Binary: true, Payload: data})
			if t.proc != nil {
				if _, err := t.proc.Write(data); err != nil {
					t.server.log.Debug().Err(err).Msg("shell write failed")
				}
				continue
			}
			if ended = t.input(data); ended {
				return
			}
			continue
		}

		f, err := t.codec.Decode(frame.Wire{Type: frame.WireText, Payload: data})
		t.server.notify(t.agentID, Message{Payload: data, Control: f.Control})
		if err != nil {
			t.server.log.Debug().Err(err).Msg("ignoring unrecognized control")
			continue
		}
		if ended = t.handleControl(f.Control); ended {
			return
		}
	}
}

// handleControl reports whether the session ended.
func (t *terminal) handleControl(ctrl frame.Control) bool {
	switch ctrl.Kind {
	case frame.KindPing:
		t.control(frame.KindPong, nil)
	case frame.KindResize:
		var g model.Geometry
		if err := json.Unmarshal(ctrl.Data, &g); err != nil || !g.Valid() {
			t.control(frame.KindError, "invalid resize")
			return false
		}
		t.mu.Lock()
		t.geometry = g
		t.mu.Unlock()
		if t.proc != nil {
			if err := t.proc.Resize(g); err != nil {
				t.server.log.Debug().Err(err).Msg("shell resize failed")
			}
		}
		t.server.log.Debug().Int("rows", g.Rows).Int("cols", g.Cols).Msg("terminal resized")
	case frame.KindTerminate:
		t.stopShell()
		t.control(frame.KindClosed, nil)
		t.closeWith(websocket.CloseNormalClosure)
		return true
	}
	return false
}

// input runs the echo shell over keystrokes and reports whether it exited.
func (t *terminal) input(data []byte) bool {
	prompt := t.server.cfg.Prompt
	for _, b := range data {
		switch b {
		case frame.InterruptByte:
			t.line = t.line[:0]
			t.output("\r\n" + prompt)
		case '\r', '\n':
			cmd := string(t.line)
			t.line = t.line[:0]
			if cmd == "exit" {
				t.output("\r\nlogout\r\n")
				t.control(frame.KindClosed, nil)
				t.closeWith(websocket.CloseNormalClosure)
				return true
			}
			if cmd == "" {
				t.output("\r\n" + prompt)
			} else {
				t.output("\r\n" + cmd + "\r\n" + prompt)
			}
		case 0x7f, '\b':
			if len(t.line) > 0 {
				t.line = t.line[:len(t.line)-1]
				t.output("\b \b")
			}
		default:
			t.line = append(t.line, b)
			t.output(string([]byte{b}))
		}
	}
	return false
}

// writePump pumps queued messages to the WebSocket connection.
func (t *terminal) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The terminal closed the channel
				t.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := t.conn.WriteMessage(msg.msgType, msg.data); err != nil {
				return
			}
			if msg.msgType == websocket.CloseMessage {
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
