package application

import (
	"errors"
	"fmt"
)

// Errors returned by connections and persistence stores.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConfig is returned when connect options are malformed or reference
	// files that do not exist. Nothing is sent over the network in that case.
	ErrConfig = errors.New("mqtt: invalid connect options")

	// ErrTransportFailure is returned when the network-level connect fails.
	ErrTransportFailure = errors.New("mqtt: transport failure")

	// ErrConnectionRefused matches every *ConnectionRefusedError.
	ErrConnectionRefused = errors.New("mqtt: connection refused")

	// ErrNotConnected is returned when publishing or subscribing without a transport.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrPublishFailed is returned when the transport rejects a publish.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when the transport rejects a subscription.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrKeyNotFound is returned by PersistenceStore.Get for a missing key.
	ErrKeyNotFound = errors.New("persistence: key not found")

	// ErrStoreClosed is returned when a store is used before Open or after Close.
	ErrStoreClosed = errors.New("persistence: store not open")
)

// ConnectionRefusedError carries the broker's refusal code.
type ConnectionRefusedError struct {
	Code ConnectCode
}

func (e *ConnectionRefusedError) Error() string {
	return fmt.Sprintf("mqtt: %s (code %d)", e.Code, byte(e.Code))
}

func (e *ConnectionRefusedError) Is(target error) bool {
	return target == ErrConnectionRefused
}
