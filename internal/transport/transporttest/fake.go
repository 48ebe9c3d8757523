// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/remote-agent-terminal/dualterm/internal/frame"
	"github.com/remote-agent-terminal/dualterm/internal/model"
	"github.com/remote-agent-terminal/dualterm/internal/transport"
)

// Fake records every outbound frame and lets tests inject inbound events.
type Fake struct {
	kind model.TransportKind

	// OpenFunc, when set, decides the result of Open.
	OpenFunc func(ctx context.Context, target transport.Target) (transport.OpenInfo, error)

	// SendFunc, when set, runs before every send; a non-nil error fails the
	// send and the frame is not recorded. It may block.
	SendFunc func(w frame.Wire) error

	mu     sync.Mutex
	codec  frame.Codec
	target transport.Target
	sent   []frame.Wire
	opens  int
	closes int
	opened chan struct{}
	events chan transport.Event
}

// New returns an unopened fake of the given kind.
func New(kind model.TransportKind) *Fake {
	return &Fake{
		kind:   kind,
		opened: make(chan struct{}),
		events: make(chan transport.Event, 64),
	}
}

func (f *Fake) Kind() model.TransportKind { return f.kind }

func (f *Fake) Codec() frame.Codec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.codec
}

// Open succeeds unless OpenFunc says otherwise. Broker fakes without an
// OpenFunc report "fake-session" as the handshake session id.
func (f *Fake) Open(ctx context.Context, target transport.Target) (transport.OpenInfo, error) {
	info := transport.OpenInfo{SessionID: target.SessionID, AgentID: target.AgentID}
	if f.kind == model.TransportBroker && info.SessionID == "" {
		info.SessionID = "fake-session"
	}

	var err error
	if f.OpenFunc != nil {
		info, err = f.OpenFunc(ctx, target)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.target = target
	if err != nil {
		return transport.OpenInfo{}, err
	}
	if f.kind == model.TransportBroker {
		f.codec = frame.NewBrokerCodec(info.SessionID, transport.ClientName)
	} else {
		f.codec = frame.NewSocketCodec(info.SessionID)
	}
	close(f.opened)
	return info, nil
}

func (f *Fake) Send(w frame.Wire) error {
	if f.SendFunc != nil {
		if err := f.SendFunc(w); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes > 0 {
		return model.ErrTransportClosed
	}
	f.sent = append(f.sent, w)
	return nil
}

func (f *Fake) SendData(p []byte) error {
	codec := f.Codec()
	if codec == nil {
		return model.ErrTransportClosed
	}
	w, err := codec.EncodeInput(p)
	if err != nil {
		return err
	}
	return f.Send(w)
}

func (f *Fake) SendControl(kind frame.ControlKind, data any) error {
	codec := f.Codec()
	if codec == nil {
		return model.ErrTransportClosed
	}
	w, err := codec.EncodeControl(kind, data)
	if err != nil {
		return err
	}
	return f.Send(w)
}

func (f *Fake) Close(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *Fake) Events() <-chan transport.Event { return f.events }

// Emit injects an inbound event.
func (f *Fake) Emit(ev transport.Event) {
	f.events <- ev
}

// Opened is closed once Open has succeeded.
func (f *Fake) Opened() <-chan struct{} { return f.opened }

// Sent returns a copy of every frame sent so far.
func (f *Fake) Sent() []frame.Wire {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]frame.Wire, len(f.sent))
	copy(out, f.sent)
	return out
}

// Target returns the target passed to the last Open call.
func (f *Fake) Target() transport.Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target
}

// Closes returns how many times Close was called.
func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// Factory hands out a new Fake for every transport the code under test creates.
type Factory struct {
	// OpenErr, when set, returns the Open error for the nth fake (0-based).
	OpenErr func(n int) error

	// Configure, when set, adjusts the nth fake before it is handed out.
	Configure func(n int, fake *Fake)

	mu      sync.Mutex
	created []*Fake
	notify  chan *Fake
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{notify: make(chan *Fake, 16)}
}

// New implements transport.Factory.
func (f *Factory) New(kind model.TransportKind) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.created)
	fake := New(kind)
	if f.OpenErr != nil {
		if err := f.OpenErr(n); err != nil {
			fake.OpenFunc = func(context.Context, transport.Target) (transport.OpenInfo, error) {
				return transport.OpenInfo{}, err
			}
		}
	}
	if f.Configure != nil {
		f.Configure(n, fake)
	}
	f.created = append(f.created, fake)
	select {
	case f.notify <- fake:
	default:
	}
	return fake, nil
}

// Created returns every fake handed out so far.
func (f *Factory) Created() []*Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Fake, len(f.created))
	copy(out, f.created)
	return out
}

// Next returns a channel that receives each fake as it is created.
func (f *Factory) Next() <-chan *Fake { return f.notify }
