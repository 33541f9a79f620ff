package adapters

import (
	"fmt"
	"mqtt-link/application"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	PahoDefaultConnectTimeout    = 30 * time.Second
	PahoDefaultSubscribeTimeout  = 5 * time.Second
	PahoDefaultKeepAlive         = 60 * time.Second
	PahoDefaultDisconnectQuiesce = 250 // milliseconds

	// pahoRefusalLimit separates CONNACK refusal codes from paho's internal
	// network error codes (0xFE, 0xFF).
	pahoRefusalLimit = 0x80
)

type PahoTransportParams struct {
	ClientID     string
	CleanSession bool

	ConnectTimeout    time.Duration
	SubscribeTimeout  time.Duration
	KeepAlive         time.Duration
	DisconnectQuiesce uint

	// Store keeps in-flight messages; nil uses paho's memory store.
	Store mqtt.Store

	NewClientFunc func(options *mqtt.ClientOptions) mqtt.Client

	Log zerolog.Logger
}

func (p *PahoTransportParams) EnsureDefaults() {
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = PahoDefaultConnectTimeout
	}

	if p.SubscribeTimeout == 0 {
		p.SubscribeTimeout = PahoDefaultSubscribeTimeout
	}

	if p.KeepAlive == 0 {
		p.KeepAlive = PahoDefaultKeepAlive
	}

	if p.DisconnectQuiesce == 0 {
		p.DisconnectQuiesce = PahoDefaultDisconnectQuiesce
	}

	if p.NewClientFunc == nil {
		p.NewClientFunc = mqtt.NewClient
	}
}

// PahoTransport implements application.Transport with paho.mqtt.golang.
// Paho's own reconnect logic is disabled; the retry task owns reconnection.
// The connect outcome is reported from Connect itself, not from paho's
// OnConnect handler, which runs on its own goroutine.
type PahoTransport struct {
	params   PahoTransportParams
	listener application.TransportListener

	client mqtt.Client
	mu     sync.Mutex

	log zerolog.Logger
}

func NewPahoTransport(params PahoTransportParams, listener application.TransportListener) *PahoTransport {
	params.EnsureDefaults()
	return &PahoTransport{params: params, listener: listener, log: params.Log}
}

// NewPahoTransportFunc returns a factory creating one PahoTransport per connection.
func NewPahoTransportFunc(params PahoTransportParams) application.NewTransportFunc {
	return func(listener application.TransportListener) application.Transport {
		return NewPahoTransport(params, listener)
	}
}

func (p *PahoTransport) Connect(cp application.TransportConnectParams) error {
	client := p.params.NewClientFunc(p.clientOptions(cp))

	p.mu.Lock()
	prev := p.client
	p.client = client
	p.mu.Unlock()

	if prev != nil {
		prev.Disconnect(0)
	}

	token := client.Connect()
	if !token.WaitTimeout(p.params.ConnectTimeout) {
		client.Disconnect(0)
		return fmt.Errorf("%w: connect timeout after %v", application.ErrTransportFailure, p.params.ConnectTimeout)
	}

	if err := token.Error(); err != nil {
		if code, ok := refusalCode(token); ok {
			p.listener.OnConnect(code)
			return nil
		}
		return fmt.Errorf("%w: %w", application.ErrTransportFailure, err)
	}

	p.listener.OnConnect(application.ConnectAccepted)
	return nil
}

func (p *PahoTransport) Disconnect() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		client.Disconnect(p.params.DisconnectQuiesce)
	}
}

func (p *PahoTransport) Publish(topic string, payload []byte, qos byte, retain bool) (application.PublishHandle, error) {
	client := p.currentClient()
	if client == nil {
		return nil, application.ErrNotConnected
	}

	return pahoPublishHandle{token: client.Publish(topic, qos, retain, payload)}, nil
}

func (p *PahoTransport) Subscribe(topic string, qos byte) error {
	client := p.currentClient()
	if client == nil {
		return application.ErrNotConnected
	}

	token := client.Subscribe(topic, qos, p.handleMessage)
	if !token.WaitTimeout(p.params.SubscribeTimeout) {
		return fmt.Errorf("subscribe timeout after %v", p.params.SubscribeTimeout)
	}
	return token.Error()
}

func (p *PahoTransport) currentClient() mqtt.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

func (p *PahoTransport) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	p.listener.OnMessage(msg.Topic(), msg.Payload())
}

func (p *PahoTransport) handleConnectionLost(_ mqtt.Client, err error) {
	p.log.Info().Msgf("connect lost: %v", err)
	p.listener.OnDisconnect(application.DisconnectConnectionLost)
}

func (p *PahoTransport) clientOptions(cp application.TransportConnectParams) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()

	scheme := "tcp"
	if cp.TLSConfig != nil {
		scheme = "ssl"
		opts.SetTLSConfig(cp.TLSConfig)
	}
	opts.AddBroker(fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(cp.Host, strconv.Itoa(cp.Port))))

	opts.SetClientID(p.params.ClientID)
	opts.SetCleanSession(p.params.CleanSession)
	opts.SetUsername(cp.Username)
	if cp.Password != nil {
		opts.SetPassword(*cp.Password)
	}

	if cp.Will != nil {
		opts.SetBinaryWill(cp.Will.Topic, cp.Will.Message, cp.Will.QoS, cp.Will.Retained)
	}

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(p.params.ConnectTimeout)
	opts.SetKeepAlive(p.params.KeepAlive)

	if p.params.Store != nil {
		opts.SetStore(p.params.Store)
	}

	opts.SetDefaultPublishHandler(p.handleMessage)
	opts.SetConnectionLostHandler(p.handleConnectionLost)

	return opts
}

// refusalCode extracts a broker refusal from a completed connect token.
func refusalCode(token mqtt.Token) (application.ConnectCode, bool) {
	ct, ok := token.(interface{ ReturnCode() byte })
	if !ok {
		return 0, false
	}
	rc := ct.ReturnCode()
	if rc == 0 || rc >= pahoRefusalLimit {
		return 0, false
	}
	return application.ConnectCode(rc), true
}

type pahoPublishHandle struct {
	token mqtt.Token
}

func (h pahoPublishHandle) IsPublished() bool {
	select {
	case <-h.token.Done():
		return h.token.Error() == nil
	default:
		return false
	}
}

var _ application.Transport = &PahoTransport{}
