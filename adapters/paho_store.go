package adapters

import (
	"bytes"
	"errors"
	"mqtt-link/application"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/rs/zerolog"
)

// PahoStore lets paho keep its in-flight packets in an application.PersistenceStore.
//
// Paho opens and closes its store on every connect and disconnect. The
// underlying store outlives those calls so that queued messages survive a
// reconnect; whoever created it closes it.
type PahoStore struct {
	store     application.PersistenceStore
	clientID  string
	serverURI string

	log zerolog.Logger
}

func NewPahoStore(store application.PersistenceStore, clientID, serverURI string, log zerolog.Logger) *PahoStore {
	return &PahoStore{store: store, clientID: clientID, serverURI: serverURI, log: log}
}

func (s *PahoStore) Open() {
	if err := s.store.Open(s.clientID, s.serverURI); err != nil {
		s.log.Error().Err(err).Msg("failed to open persistence store")
	}
}

func (s *PahoStore) Put(key string, message packets.ControlPacket) {
	var buf bytes.Buffer
	if err := message.Write(&buf); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("failed to encode packet")
		return
	}
	if err := s.store.Put(key, buf.Bytes()); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("failed to persist packet")
	}
}

func (s *PahoStore) Get(key string) packets.ControlPacket {
	payload, err := s.store.Get(key)
	if err != nil {
		if !errors.Is(err, application.ErrKeyNotFound) {
			s.log.Error().Err(err).Str("key", key).Msg("failed to read packet")
		}
		return nil
	}

	cp, err := packets.ReadPacket(bytes.NewReader(payload))
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("failed to decode packet")
		return nil
	}
	return cp
}

func (s *PahoStore) All() []string {
	keys, err := s.store.Keys()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list persisted packets")
		return nil
	}
	return keys
}

func (s *PahoStore) Del(key string) {
	if err := s.store.Remove(key); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("failed to remove packet")
	}
}

func (s *PahoStore) Close() {}

func (s *PahoStore) Reset() {
	if err := s.store.Clear(); err != nil {
		s.log.Error().Err(err).Msg("failed to clear persistence store")
	}
}

var _ mqtt.Store = &PahoStore{}
