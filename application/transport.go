package application

import "crypto/tls"

// TransportConnectParams is everything a Transport needs for one connect call.
type TransportConnectParams struct {
	Host string
	Port int

	Username string
	// Password is nil when no password should be sent.
	Password *string

	// TLSConfig is nil for plaintext connections.
	TLSConfig *tls.Config

	Will *Will
}

// Transport is the wire-level broker connection. A Transport is used for a
// single connection attempt and is discarded after Disconnect.
type Transport interface {
	// Connect opens the network connection and starts the transport's
	// network loop. A broker refusal is not an error. When Connect returns
	// nil the outcome, accepted or refused, has already been reported through
	// TransportListener.OnConnect. Network failures are returned.
	Connect(params TransportConnectParams) error
	// Disconnect stops the network loop and closes the connection.
	Disconnect()
	Publish(topic string, payload []byte, qos byte, retain bool) (PublishHandle, error)
	Subscribe(topic string, qos byte) error
}

// PublishHandle tracks one outgoing message.
type PublishHandle interface {
	// IsPublished reports, without blocking, whether the message was acknowledged.
	IsPublished() bool
}

// TransportListener receives transport events. Calls may arrive on any
// goroutine. OnDisconnect must not be delivered synchronously from inside
// Connect or Disconnect.
type TransportListener interface {
	OnConnect(code ConnectCode)
	OnDisconnect(reason DisconnectReason)
	OnMessage(topic string, payload []byte)
}

// NewTransportFunc creates a Transport that reports its events to listener.
type NewTransportFunc func(listener TransportListener) Transport

// MessageHandler receives inbound messages.
type MessageHandler func(topic string, payload []byte)
