package application

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultPublishTimeout      = 2 * time.Second
	DefaultPublishPollInterval = 100 * time.Millisecond
)

// ConnectionListener is the owner of an AsyncConnection.
type ConnectionListener interface {
	OnConnect()
	OnDisconnect(reason DisconnectReason)
	OnMessage(topic string, payload []byte)
}

type AsyncConnectionParams struct {
	Host string

	NewTransportFunc NewTransportFunc
	Listener         ConnectionListener

	PublishTimeout      time.Duration
	PublishPollInterval time.Duration

	Log zerolog.Logger
}

func (p *AsyncConnectionParams) EnsureDefaults() {
	if p.PublishTimeout == 0 {
		p.PublishTimeout = DefaultPublishTimeout
	}

	if p.PublishPollInterval == 0 {
		p.PublishPollInterval = DefaultPublishPollInterval
	}

	if p.Listener == nil {
		p.Listener = nopConnectionListener{}
	}
}

// AsyncConnection owns one Transport at a time. The Transport is created on
// Connect and discarded on Disconnect; a torn-down Transport is never reused.
type AsyncConnection struct {
	params AsyncConnectionParams

	// mu serializes Connect and Disconnect over the transport handle.
	mu        sync.Mutex
	transport Transport
	// generation identifies the current transport; events from older ones are dropped.
	generation atomic.Uint64

	state              atomic.Int32
	msgCount           atomic.Uint64
	msgCountUpdateTime atomic.Pointer[time.Time]

	log zerolog.Logger
}

func NewAsyncConnection(params AsyncConnectionParams) (*AsyncConnection, error) {
	if params.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if params.NewTransportFunc == nil {
		return nil, fmt.Errorf("NewTransportFunc is nil")
	}
	params.EnsureDefaults()

	c := &AsyncConnection{params: params, log: params.Log}

	t := time.Unix(0, 0)
	c.msgCountUpdateTime.Store(&t)

	return c, nil
}

// Connect validates opts and issues one connect attempt. A nil error means
// the attempt was issued; the outcome arrives through the listener.
func (c *AsyncConnection) Connect(opts ConnectOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	tlsConfig, err := opts.TLSConfig()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		gen := c.generation.Add(1)
		c.transport = c.params.NewTransportFunc(&transportEvents{conn: c, generation: gen})
	}

	params := TransportConnectParams{
		Host:      c.params.Host,
		Port:      opts.Port(),
		Username:  opts.Username,
		Password:  opts.password(),
		TLSConfig: tlsConfig,
	}
	if opts.Will != nil {
		will := *opts.Will
		params.Will = &will
	}

	c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting))

	c.log.Debug().
		Str("host", params.Host).
		Int("port", params.Port).
		Bool("tls", tlsConfig != nil).
		Msg("connecting")

	if err := c.transport.Connect(params); err != nil {
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
		if !errors.Is(err, ErrTransportFailure) {
			err = fmt.Errorf("%w: %w", ErrTransportFailure, err)
		}
		return err
	}
	return nil
}

// Disconnect tears down the transport. Calling it without a transport is a no-op.
func (c *AsyncConnection) Disconnect() {
	c.state.Store(int32(StateDisconnected))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil {
		return
	}
	c.generation.Add(1)
	c.transport.Disconnect()
	c.transport = nil
}

// IsConnected returns the last known state. It is not synchronized with an
// in-flight Connect or Disconnect.
func (c *AsyncConnection) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *AsyncConnection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *AsyncConnection) Status() ConnectionStatus {
	return ConnectionStatus{
		MessageCount:      c.msgCount.Load(),
		LastTimePublished: *c.msgCountUpdateTime.Load(),
		Connected:         c.IsConnected(),
	}
}

// Publish sends a message and waits up to PublishTimeout for the transport to
// acknowledge it. It returns false without an error when the wait times out.
func (c *AsyncConnection) Publish(topic string, payload []byte, qos byte, retain bool) (bool, error) {
	if !c.IsConnected() {
		return false, ErrNotConnected
	}

	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return false, ErrNotConnected
	}

	h, err := t.Publish(topic, payload, qos, retain)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	if !c.waitPublished(h) {
		c.log.Warn().Str("topic", topic).Msg("publish not acknowledged in time")
		return false, nil
	}

	now := time.Now()
	c.msgCountUpdateTime.Store(&now)
	c.msgCount.Add(1)
	return true, nil
}

func (c *AsyncConnection) waitPublished(h PublishHandle) bool {
	if h.IsPublished() {
		return true
	}

	deadline := time.NewTimer(c.params.PublishTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(c.params.PublishPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-deadline.C:
			return h.IsPublished()
		case <-poll.C:
			if h.IsPublished() {
				return true
			}
		}
	}
}

func (c *AsyncConnection) Subscribe(topic string, qos byte) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}

	if err := t.Subscribe(topic, qos); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

func (c *AsyncConnection) handleConnect(code ConnectCode) {
	if code == ConnectAccepted {
		c.state.Store(int32(StateConnected))
		c.log.Info().Msg("connection to broker established")
		c.params.Listener.OnConnect()
		return
	}

	c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnected))
	c.log.Error().Uint8("code", uint8(code)).Msg(code.String())
}

func (c *AsyncConnection) handleDisconnect(reason DisconnectReason) {
	c.log.Info().Stringer("reason", reason).Msg("disconnected")

	c.Disconnect()
	c.params.Listener.OnDisconnect(reason)
}

// transportEvents binds the events of one transport to its connection.
type transportEvents struct {
	conn       *AsyncConnection
	generation uint64
}

func (e *transportEvents) current() bool {
	return e.conn.generation.Load() == e.generation
}

func (e *transportEvents) OnConnect(code ConnectCode) {
	if e.current() {
		e.conn.handleConnect(code)
	}
}

func (e *transportEvents) OnDisconnect(reason DisconnectReason) {
	if e.current() {
		e.conn.handleDisconnect(reason)
	}
}

func (e *transportEvents) OnMessage(topic string, payload []byte) {
	if e.current() {
		e.conn.params.Listener.OnMessage(topic, payload)
	}
}

type nopConnectionListener struct{}

func (nopConnectionListener) OnConnect()                    {}
func (nopConnectionListener) OnDisconnect(DisconnectReason) {}
func (nopConnectionListener) OnMessage(string, []byte)      {}
