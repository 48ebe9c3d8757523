package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/dualterm/internal/frame"
	"github.com/remote-agent-terminal/dualterm/internal/manager"
	"github.com/remote-agent-terminal/dualterm/internal/model"
	"github.com/remote-agent-terminal/dualterm/internal/transport"
	"github.com/remote-agent-terminal/dualterm/internal/transport/transporttest"
)

// screen is a widget safe to read while the session writes to it.
type screen struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *screen) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

type memoryJournal struct {
	mu      sync.Mutex
	records map[string]model.SessionRecord
	order   []string
}

func newJournal() *memoryJournal {
	return &memoryJournal{records: make(map[string]model.SessionRecord)}
}

func (j *memoryJournal) Create(_ context.Context, rec *model.SessionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[rec.ID] = *rec
	j.order = append(j.order, rec.ID)
	return nil
}

func (j *memoryJournal) Update(_ context.Context, rec *model.SessionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.records[rec.ID]; !ok {
		return model.ErrSessionNotFound
	}
	j.records[rec.ID] = *rec
	return nil
}

func (j *memoryJournal) all() []model.SessionRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]model.SessionRecord, 0, len(j.order))
	for _, id := range j.order {
		out = append(out, j.records[id])
	}
	return out
}

type memoryRecorder struct {
	mu     sync.Mutex
	events []string
	closed int
}

func (r *memoryRecorder) add(ev string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *memoryRecorder) WriteOutput(p []byte) error { return r.add("o:" + string(p)) }
func (r *memoryRecorder) WriteInput(p []byte) error  { return r.add("i:" + string(p)) }
func (r *memoryRecorder) WriteResize(g model.Geometry) error {
	return r.add(fmt.Sprintf("r:%dx%d", g.Cols, g.Rows))
}
func (r *memoryRecorder) WriteMarker(label string) error { return r.add("m:" + label) }

func (r *memoryRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *memoryRecorder) snapshot() ([]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), r.closed
}

type fixture struct {
	session  *TerminalSession
	factory  *transporttest.Factory
	screen   *screen
	journal  *memoryJournal
	recorder *memoryRecorder
}

func newFixture(t *testing.T, f *transporttest.Factory) *fixture {
	t.Helper()
	m := manager.New(manager.Options{
		Factory:   f.New,
		Retry:     manager.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		KeepAlive: time.Hour,
		Logger:    zerolog.Nop(),
	})
	fx := &fixture{
		factory:  f,
		screen:   &screen{},
		journal:  newJournal(),
		recorder: &memoryRecorder{},
	}
	fx.session = New(m, Options{
		Widget:   fx.screen,
		Recorder: fx.recorder,
		Journal:  fx.journal,
		Grace:    50 * time.Millisecond,
		Logger:   zerolog.Nop(),
	})
	t.Cleanup(func() { fx.session.Close(context.Background()) })
	return fx
}

func (fx *fixture) start(t *testing.T, kind model.TransportKind) {
	t.Helper()
	if err := fx.session.Start(context.Background(), kind, transport.Target{AgentID: "agent-1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (fx *fixture) open(t *testing.T, kind model.TransportKind) *transporttest.Fake {
	t.Helper()
	fx.start(t, kind)
	waitFor(t, "Open", func() bool { return fx.session.State() == model.StateOpen })
	created := fx.factory.Created()
	return created[len(created)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitDone(t *testing.T, s *TerminalSession) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestInputIsForwardedVerbatim(t *testing.T) {
	fx := newFixture(t, transporttest.NewFactory())
	fake := fx.open(t, model.TransportSocket)

	if err := fx.session.HandleInput([]byte("ls -la\r")); err != nil {
		t.Fatalf("HandleInput: %v", err)
	}

	sent := fake.Sent()
	last := sent[len(sent)-1]
	if last.Type != frame.WireBinary || string(last.Payload) != "ls -la\r" {
		t.Errorf("expected a binary frame with the keystrokes, got %s %q", last.Type, last.Payload)
	}
}

func TestSocketInterruptSendsBothPaths(t *testing.T) {
	fx := newFixture(t, transporttest.NewFactory())
	fake := fx.open(t, model.TransportSocket)
	before := len(fake.Sent())

	if err := fx.session.HandleInput([]byte{0x03}); err != nil {
		t.Fatalf("HandleInput: %v", err)
	}
	fx.session.HandleInput([]byte("q"))

	sent := fake.Sent()[before:]
	if len(sent) != 3 {
		t.Fatalf("expected interrupt control, raw byte and the next key, got %d frames", len(sent))
	}
	if sent[0].Type != frame.WireText || !bytes.Contains(sent[0].Payload, []byte(`"interrupt"`)) {
		t.Errorf("first frame should be the interrupt control, got %q", sent[0].Payload)
	}
	if sent[1].Type != frame.WireBinary || !bytes.Equal(sent[1].Payload, []byte{0x03}) {
		t.Errorf("second frame should be raw 0x03, got %q", sent[1].Payload)
	}
	if string(sent[2].Payload) != "q" {
		t.Errorf("input after the interrupt should follow it, got %q", sent[2].Payload)
	}
	if !strings.Contains(fx.screen.String(), "^C\r\n") {
		t.Errorf("expected local ^C echo, got %q", fx.screen.String())
	}
}

func TestInterruptEchoesWhileNotOpen(t *testing.T) {
	fx := newFixture(t, transporttest.NewFactory())

	err := fx.session.HandleInput([]byte{0x03})
	if !errors.Is(err, model.ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
	if fx.screen.String() != "^C\r\n" {
		t.Errorf("expected the local ^C echo, got %q", fx.screen.String())
	}
}

func TestInboundTraffic(t *testing.T) {
	fx := newFixture(t, transporttest.NewFactory())
	fake := fx.open(t, model.TransportSocket)

	fake.Emit(transport.Event{Kind: transport.EventFrame, Frame: frame.DataFrame([]byte("hello\r\n"))})
	fake.Emit(transport.Event{Kind: transport.EventFrame, Frame: frame.ControlFrame(frame.Control{Kind: frame.KindError, Message: "disk full"})})
	fake.Emit(transport.Event{Kind: transport.EventFrame, Frame: frame.ControlFrame(frame.Control{Kind: frame.KindPong})})
	fake.Emit(transport.Event{Kind: transport.EventFrame, Frame: frame.ControlFrame(frame.Control{Kind: frame.KindUnknown, Raw: []byte(`{"type":"weird"}`)})})

	want := "hello\r\n" + "\r\n\nError: disk full\r\n" + `{"type":"weird"}`
	waitFor(t, "inbound text", func() bool { return strings.Contains(fx.screen.String(), want) })

	if got := string(fx.session.Scrollback().ReadAll()); got != "hello\r\n"+`{"type":"weird"}` {
		t.Errorf("scrollback should hold remote output only, got %q", got)
	}
	events, _ := fx.recorder.snapshot()
	var outputs int
	for _, ev := range events {
		if strings.HasPrefix(ev, "o:") {
			outputs++
		}
	}
	if outputs != 2 {
		t.Errorf("expected 2 recorded outputs, got %v", events)
	}
}

func TestStaleControlHasNoEffect(t *testing.T) {
	fx := newFixture(t, transporttest.NewFactory())
	fake := fx.open(t, model.TransportBroker)

	fake.Emit(transport.Event{Kind: transport.EventFrame, Frame: frame.ControlFrame(frame.Control{Kind: frame.KindClosed, SessionID: "someone-else"})})
	fake.Emit(transport.Event{Kind: transport.EventFrame, Frame: frame.DataFrame([]byte("still here"))})

	waitFor(t, "output", func() bool { return strings.Contains(fx.screen.String(), "still here") })
	if strings.Contains(fx.screen.String(), "closed") {
		t.Errorf("stale closed control must not end the session: %q", fx.screen.String())
	}
	if fx.session.State() != model.StateOpen {
		t.Errorf("expected Open, got %s", fx.session.State())
	}
}

func TestRemoteClosedEndsSession(t *testing.T) {
	fx := newFixture(t, transporttest.NewFactory())
	fake := fx.open(t, model.TransportSocket)
	fake.Emit(transport.Event{Kind: transport.EventFrame, Frame: frame.DataFrame([]byte("bye\r\n"))})
	waitFor(t, "output", func() bool { return strings.Contains(fx.screen.String(), "bye") })

	fake.Emit(transport.Event{Kind: transport.EventFrame, Frame: frame.ControlFrame(frame.Control{Kind: frame.KindClosed})})
	fake.Emit(transport.Event{Kind: transport.EventClosed, Code: transport.CloseNormal})
	waitDone(t, fx.session)

	if n := strings.Count(fx.screen.String(), "Terminal session closed"); n != 1 {
		t.Errorf("expected one closed notice, got %d in %q", n, fx.screen.String())
	}
	if fake.Closes() != 1 {
		t.Errorf("expected one transport close, got %d", fake.Closes())
	}
	if _, closed := fx.recorder.snapshot(); closed != 1 {
		t.Errorf("recorder should be closed once, got %d", closed)
	}

	records := fx.journal.all()
	if len(records) != 1 {
		t.Fatalf("expected one history record, got %d", len(records))
	}
	rec := records[0]
	if rec.State != "closed" || rec.Mode != model.TransportSocket || rec.AgentID != "agent-1" || rec.PreviewLine != "bye" {
		t.Errorf("unexpected final record %+v", rec)
	}
}

func TestFailureThenEnterReconnects(t *testing.T) {
	f := transporttest.NewFactory()
	f.OpenErr = func(n int) error {
		if n == 0 {
			return fmt.Errorf("%w: agent is not available", model.ErrHandshakeRejected)
		}
		return nil
	}
	fx := newFixture(t, f)
	fx.start(t, model.TransportBroker)

	waitFor(t, "Failed", func() bool { return fx.session.State() == model.StateFailed })
	waitFor(t, "failure text", func() bool {
		return strings.Contains(fx.screen.String(), "Connection has been terminated")
	})
	if !strings.Contains(fx.screen.String(), "\r\n\nError: handshake rejected: agent is not available\r\n") {
		t.Errorf("expected inline error, got %q", fx.screen.String())
	}
	if n := len(f.Created()); n != 1 {
		t.Fatalf("broker handshake rejection must not be retried, got %d transports", n)
	}

	if err := fx.session.HandleInput([]byte("\r")); err != nil {
		t.Fatalf("HandleInput: %v", err)
	}
	waitFor(t, "Open", func() bool { return fx.session.State() == model.StateOpen })

	records := fx.journal.all()
	if len(records) != 2 {
		t.Fatalf("expected a record per connect, got %d", len(records))
	}
	if records[0].State != "failed" || !strings.Contains(records[0].LastError, "handshake rejected") {
		t.Errorf("unexpected first record %+v", records[0])
	}
	if records[1].State != "open" || records[1].RemoteID != "fake-session" {
		t.Errorf("unexpected second record %+v", records[1])
	}
}

func TestCloseIsQuiet(t *testing.T) {
	fx := newFixture(t, transporttest.NewFactory())
	fake := fx.open(t, model.TransportSocket)

	if err := fx.session.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitDone(t, fx.session)

	if strings.Contains(fx.screen.String(), "Terminal session closed") {
		t.Errorf("a local close should not print the remote close notice")
	}
	var terminates int
	for _, w := range fake.Sent() {
		if bytes.Contains(w.Payload, []byte(`"terminate"`)) {
			terminates++
		}
	}
	if terminates != 1 || fake.Closes() != 1 {
		t.Errorf("expected one terminate and one close, got %d and %d", terminates, fake.Closes())
	}
}

func TestContextCancelTearsDown(t *testing.T) {
	fx := newFixture(t, transporttest.NewFactory())
	ctx, cancel := context.WithCancel(context.Background())
	if err := fx.session.Start(ctx, model.TransportSocket, transport.Target{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "Open", func() bool { return fx.session.State() == model.StateOpen })

	cancel()
	waitDone(t, fx.session)
	if fx.factory.Created()[0].Closes() != 1 {
		t.Error("transport should be closed once")
	}
}

func TestStartTwiceFails(t *testing.T) {
	fx := newFixture(t, transporttest.NewFactory())
	fx.start(t, model.TransportSocket)

	err := fx.session.Start(context.Background(), model.TransportSocket, transport.Target{})
	if !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestResizeIsRecordedAndValidated(t *testing.T) {
	fx := newFixture(t, transporttest.NewFactory())
	fx.open(t, model.TransportSocket)

	if err := fx.session.HandleResize(0, 80); err == nil {
		t.Error("expected an error for zero rows")
	}
	if err := fx.session.HandleResize(40, 120); err != nil {
		t.Fatalf("HandleResize: %v", err)
	}
	events, _ := fx.recorder.snapshot()
	var found bool
	for _, ev := range events {
		if ev == "r:120x40" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a recorded resize, got %v", events)
	}
}
