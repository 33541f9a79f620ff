package application

// PersistenceStore keeps queued and in-flight protocol state across
// reconnects, addressed by key.
//
// Put, Get and Remove are idempotent. Removing a missing key is not an error.
type PersistenceStore interface {
	// Open initialises the store for the given client and server. Opening an
	// already open store is a no-op.
	Open(clientID, serverURI string) error
	Close() error

	Put(key string, payload []byte) error
	// Get returns ErrKeyNotFound when nothing is stored under key.
	Get(key string) ([]byte, error)
	ContainsKey(key string) (bool, error)
	Remove(key string) error
	Keys() ([]string, error)
	Clear() error
}
