package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/dualterm/internal/frame"
	"github.com/remote-agent-terminal/dualterm/internal/model"
)

const (
	// DefaultBrokerOpenTimeout bounds handshake, connect and subscribe together.
	DefaultBrokerOpenTimeout = 15 * time.Second

	// DefaultNamespace prefixes the command and response topics.
	DefaultNamespace = "uranus"

	// ClientName is stamped on every envelope as clientId.
	ClientName = "web_terminal"

	// QoS 1 gives at-least-once delivery, in order per topic.
	brokerQoS = 1

	brokerKeepAlive     = 30 * time.Second
	brokerMaxReconnect  = 30 * time.Second
	publishWait         = 10 * time.Second
	disconnectQuiesceMs = 250
	unsubscribeWait     = 250 * time.Millisecond
)

// ClientFactory builds the MQTT client for a broker transport.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// BrokerOptions configures a BrokerTransport.
type BrokerOptions struct {
	OpenTimeout time.Duration
	Namespace   string
	HTTPClient  *http.Client
	NewClient   ClientFactory
	Logger      zerolog.Logger
}

// Topics returns the input (command) and output (response) topics for an agent.
func Topics(namespace, agentID string) (input, output string) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + "/command/" + agentID, namespace + "/response/" + agentID
}

// BrokerTransport runs a terminal session through an MQTT broker.
// Every message is a JSON envelope; reconnection is left to the MQTT client.
type BrokerTransport struct {
	opts BrokerOptions
	log  zerolog.Logger

	mu          sync.Mutex
	client      mqtt.Client
	codec       *frame.BrokerCodec
	inputTopic  string
	outputTopic string

	events    chan Event
	doneCh    chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	connects  atomic.Int32
}

// NewBroker creates an unopened broker transport.
func NewBroker(opts BrokerOptions) *BrokerTransport {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultBrokerOpenTimeout
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.NewClient == nil {
		opts.NewClient = func(o *mqtt.ClientOptions) mqtt.Client { return mqtt.NewClient(o) }
	}
	return &BrokerTransport{
		opts:   opts,
		log:    opts.Logger.With().Str("transport", string(model.TransportBroker)).Logger(),
		events: make(chan Event, eventBufferSize),
		doneCh: make(chan struct{}),
	}
}

// Kind returns model.TransportBroker.
func (t *BrokerTransport) Kind() model.TransportKind {
	return model.TransportBroker
}

// Codec returns the broker codec, or nil before the handshake completed.
func (t *BrokerTransport) Codec() frame.Codec {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.codec == nil {
		return nil
	}
	return t.codec
}

// Open runs the handshake, connects to the broker, subscribes to the output
// topic and announces the session with a create envelope. Nothing is
// subscribed when the handshake is rejected.
func (t *BrokerTransport) Open(ctx context.Context, target Target) (OpenInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.OpenTimeout)
	defer cancel()

	info, err := FetchBrokerInfo(ctx, t.opts.HTTPClient, target.BrokerConnectURL)
	if err != nil {
		return OpenInfo{}, err
	}

	agentID := firstNonEmpty(info.AgentID, target.AgentID)
	input, output := Topics(t.opts.Namespace, agentID)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(info.BrokerAddress)
	opts.SetClientID(ClientName + "_" + uuid.NewString()[:8])
	opts.SetKeepAlive(brokerKeepAlive)
	opts.SetConnectTimeout(t.opts.OpenTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(brokerMaxReconnect)
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(t.onConnect)
	opts.SetConnectionLostHandler(t.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		t.log.Debug().Msg("broker reconnecting")
	})

	client := t.opts.NewClient(opts)

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		return OpenInfo{}, model.ErrTransportClosed
	}
	t.client = client
	t.codec = frame.NewBrokerCodec(info.SessionID, ClientName)
	t.inputTopic = input
	t.outputTopic = output
	t.mu.Unlock()

	t.log.Debug().Str("broker", info.BrokerAddress).Str("session", info.SessionID).Msg("connecting to broker")
	if err := waitToken(ctx, client.Connect()); err != nil {
		return OpenInfo{}, classifyBrokerError(ctx, "connect", err)
	}

	if err := waitToken(ctx, client.Subscribe(output, brokerQoS, t.onMessage)); err != nil {
		client.Disconnect(disconnectQuiesceMs)
		return OpenInfo{}, classifyBrokerError(ctx, "subscribe", err)
	}

	if err := t.SendControl(frame.KindCreate, nil); err != nil {
		client.Disconnect(disconnectQuiesceMs)
		return OpenInfo{}, classifyBrokerError(ctx, "create session", err)
	}

	t.log.Info().Str("topic", output).Msg("broker session open")
	return OpenInfo{SessionID: info.SessionID, AgentID: agentID}, nil
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classifyBrokerError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: broker %s: %v", model.ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: broker %s: %v", model.ErrAddressUnreachable, op, err)
}

// onConnect re-subscribes after the MQTT client resumed a lost connection.
// The client also calls it for the first connect, which Open handles.
func (t *BrokerTransport) onConnect(client mqtt.Client) {
	if t.connects.Add(1) == 1 || t.closed.Load() {
		return
	}

	t.mu.Lock()
	output := t.outputTopic
	t.mu.Unlock()

	tok := client.Subscribe(output, brokerQoS, t.onMessage)
	if !tok.WaitTimeout(publishWait) || tok.Error() != nil {
		t.log.Warn().Err(tok.Error()).Str("topic", output).Msg("resubscribe failed")
		return
	}
	t.log.Info().Msg("broker connection resumed")
	t.emit(Event{Kind: EventOpen})
}

func (t *BrokerTransport) onConnectionLost(_ mqtt.Client, err error) {
	if t.closed.Load() {
		return
	}
	t.log.Warn().Err(err).Msg("broker connection lost")
	t.emit(Event{Kind: EventReconnecting, Err: err})
}

func (t *BrokerTransport) onMessage(_ mqtt.Client, msg mqtt.Message) {
	t.mu.Lock()
	codec := t.codec
	t.mu.Unlock()

	f, err := codec.Decode(frame.Wire{Type: frame.WireText, Payload: msg.Payload()})
	if err != nil {
		switch {
		case errors.Is(err, model.ErrStaleSession):
			return
		case f.Type == 0:
			t.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("dropping undecodable envelope")
			return
		default:
			t.log.Warn().Err(err).Msg("unrecognized envelope")
		}
	}
	t.emit(Event{Kind: EventFrame, Frame: f})
}

func (t *BrokerTransport) emit(ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.doneCh:
		return false
	}
}

// Send publishes one envelope to the input topic with QoS 1.
func (t *BrokerTransport) Send(w frame.Wire) error {
	t.mu.Lock()
	client, topic := t.client, t.inputTopic
	t.mu.Unlock()

	if client == nil || t.closed.Load() {
		return model.ErrTransportClosed
	}

	tok := client.Publish(topic, brokerQoS, false, w.Payload)
	if !tok.WaitTimeout(publishWait) {
		return fmt.Errorf("%w: publish to %s", model.ErrTimeout, topic)
	}
	return tok.Error()
}

// SendData publishes terminal input as an input envelope.
func (t *BrokerTransport) SendData(p []byte) error {
	codec := t.Codec()
	if codec == nil {
		return model.ErrTransportClosed
	}
	w, err := codec.EncodeInput(p)
	if err != nil {
		return err
	}
	return t.Send(w)
}

// SendControl publishes a control envelope.
func (t *BrokerTransport) SendControl(kind frame.ControlKind, data any) error {
	codec := t.Codec()
	if codec == nil {
		return model.ErrTransportClosed
	}
	w, err := codec.EncodeControl(kind, data)
	if err != nil {
		return err
	}
	return t.Send(w)
}

// Close unsubscribes and disconnects from the broker.
func (t *BrokerTransport) Close(reason string) error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed.Store(true)
		client, output := t.client, t.outputTopic
		t.mu.Unlock()
		close(t.doneCh)

		if client == nil {
			return
		}
		if client.IsConnected() {
			client.Unsubscribe(output).WaitTimeout(unsubscribeWait)
		}
		client.Disconnect(disconnectQuiesceMs)
		t.log.Debug().Str("reason", reason).Msg("broker transport closed")
	})
	return nil
}

// Events returns the inbound event channel.
func (t *BrokerTransport) Events() <-chan Event {
	return t.events
}
