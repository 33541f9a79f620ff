package application

import "time"

type ConnectionStatus struct {
	MessageCount      uint64
	LastTimePublished time.Time
	Connected         bool
}

// MQTTClient is the connection surface the gateway service drives.
type MQTTClient interface {
	Start()
	Stop()

	Publish(topic string, payload []byte, qos byte, retain bool) (bool, error)
	Subscribe(topic string, qos byte) error

	IsConnected() bool
	// Retrying reports whether a retry task is still running.
	Retrying() bool
	Status() ConnectionStatus
}

// Observer receives lifecycle notifications from a ReconnectingConnection.
//
// Notifications run on the retry goroutine or on a transport goroutine.
// They must not block and must not call Start or Stop synchronously.
type Observer interface {
	// Connected is called once per successful (re)connection.
	Connected()
	// ConnectionThreadFinished is called exactly once per retry task,
	// whether it connected, gave up or was stopped.
	ConnectionThreadFinished()
	Disconnected(reason DisconnectReason)
}
