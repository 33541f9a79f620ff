package application

import (
	"sync"
	"sync/atomic"
)

// fakeBroker creates fakeTransports and scripts their connect outcome.
type fakeBroker struct {
	mu         sync.Mutex
	transports []*fakeTransport
	params     []TransportConnectParams

	// connect decides the outcome of the n-th connect call (1-based).
	// A nil connect accepts the connection synchronously.
	connect func(t *fakeTransport, attempt int) error

	publishHandle PublishHandle
	publishErr    error
	subscribeErr  error
	subscribed    []string
}

func (b *fakeBroker) newTransport(listener TransportListener) Transport {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := &fakeTransport{broker: b, listener: listener}
	b.transports = append(b.transports, t)
	return t
}

func (b *fakeBroker) attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.params)
}

func (b *fakeBroker) transport(i int) *fakeTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transports[i]
}

func (b *fakeBroker) transportCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.transports)
}

func (b *fakeBroker) lastParams() TransportConnectParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.params[len(b.params)-1]
}

func acceptConnect(t *fakeTransport, _ int) error {
	t.listener.OnConnect(ConnectAccepted)
	return nil
}

type fakeTransport struct {
	broker   *fakeBroker
	listener TransportListener

	disconnects atomic.Int32
}

func (t *fakeTransport) Connect(params TransportConnectParams) error {
	b := t.broker

	b.mu.Lock()
	b.params = append(b.params, params)
	attempt := len(b.params)
	connect := b.connect
	b.mu.Unlock()

	if connect == nil {
		connect = acceptConnect
	}
	return connect(t, attempt)
}

func (t *fakeTransport) Disconnect() {
	t.disconnects.Add(1)
}

func (t *fakeTransport) Publish(topic string, payload []byte, qos byte, retain bool) (PublishHandle, error) {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishErr != nil {
		return nil, b.publishErr
	}
	if b.publishHandle == nil {
		return &fakePublishHandle{published: true}, nil
	}
	return b.publishHandle, nil
}

func (t *fakeTransport) Subscribe(topic string, qos byte) error {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribeErr != nil {
		return b.subscribeErr
	}
	b.subscribed = append(b.subscribed, topic)
	return nil
}

type fakePublishHandle struct {
	mu        sync.Mutex
	published bool
}

func (h *fakePublishHandle) IsPublished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.published
}

func (h *fakePublishHandle) set() {
	h.mu.Lock()
	h.published = true
	h.mu.Unlock()
}

// connectionRecorder records ConnectionListener events.
type connectionRecorder struct {
	mu       sync.Mutex
	connects int
	reasons  []DisconnectReason
	messages []string
}

func (r *connectionRecorder) OnConnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
}

func (r *connectionRecorder) OnDisconnect(reason DisconnectReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *connectionRecorder) OnMessage(topic string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, topic+"="+string(payload))
}

func (r *connectionRecorder) snapshot() (int, []DisconnectReason, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, append([]DisconnectReason(nil), r.reasons...), append([]string(nil), r.messages...)
}

// observerRecorder records Observer notifications.
type observerRecorder struct {
	connected atomic.Int32
	finished  atomic.Int32

	mu      sync.Mutex
	reasons []DisconnectReason
}

func (o *observerRecorder) Connected() {
	o.connected.Add(1)
}

func (o *observerRecorder) ConnectionThreadFinished() {
	o.finished.Add(1)
}

func (o *observerRecorder) Disconnected(reason DisconnectReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reasons = append(o.reasons, reason)
}

func (o *observerRecorder) disconnects() []DisconnectReason {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]DisconnectReason(nil), o.reasons...)
}
