package application

import "fmt"

// ConnectionState is the last known state of an AsyncConnection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnectCode is the CONNACK return code reported by the broker.
type ConnectCode byte

const (
	ConnectAccepted ConnectCode = iota
	ConnectRefusedProtocolVersion
	ConnectRefusedIdentifierRejected
	ConnectRefusedServerUnavailable
	ConnectRefusedBadCredentials
	ConnectRefusedNotAuthorized
)

func (c ConnectCode) String() string {
	switch c {
	case ConnectAccepted:
		return "connection accepted"
	case ConnectRefusedProtocolVersion:
		return "connection refused - incorrect protocol version"
	case ConnectRefusedIdentifierRejected:
		return "connection refused - invalid client identifier"
	case ConnectRefusedServerUnavailable:
		return "connection refused - server unavailable"
	case ConnectRefusedBadCredentials:
		return "connection refused - bad username or password"
	case ConnectRefusedNotAuthorized:
		return "connection refused - not authorised"
	default:
		return "connection refused - unknown reason"
	}
}

// Err returns nil for ConnectAccepted and a *ConnectionRefusedError otherwise.
func (c ConnectCode) Err() error {
	if c == ConnectAccepted {
		return nil
	}
	return &ConnectionRefusedError{Code: c}
}

// DisconnectReason is forwarded to the owner when the transport drops.
type DisconnectReason int

const (
	// DisconnectRequested is reported when the client itself asked to disconnect.
	DisconnectRequested DisconnectReason = iota
	// DisconnectConnectionLost is reported for any unsolicited loss of the network connection.
	DisconnectConnectionLost
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectRequested:
		return "requested"
	case DisconnectConnectionLost:
		return "connection lost"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}
