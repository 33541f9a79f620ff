package adapters

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"mqtt-link/application"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	sqliteBusyTimeoutMS = 5000
	sqliteOpTimeout     = 5 * time.Second
	sqliteDirPerm       = 0750
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS persisted_entries (
	client_id  TEXT NOT NULL,
	server_uri TEXT NOT NULL,
	key        TEXT NOT NULL,
	payload    BLOB NOT NULL,
	stored_at  INTEGER NOT NULL,
	PRIMARY KEY (client_id, server_uri, key)
)`

// SQLiteStore persists entries in a SQLite database. Several clients may
// share one database file; rows are scoped by client ID and server URI.
type SQLiteStore struct {
	path string

	db        *sql.DB
	clientID  string
	serverURI string
	mu        sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	return &SQLiteStore{path: path}, nil
}

func (s *SQLiteStore) Open(clientID, serverURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), sqliteDirPerm); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=%d", s.path, sqliteBusyTimeoutMS))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids "database is locked".
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("creating schema: %w", err)
	}

	s.db = db
	s.clientID = clientID
	s.serverURI = serverURI
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) Put(key string, payload []byte) error {
	if payload == nil {
		payload = []byte{}
	}
	return s.exec(`INSERT INTO persisted_entries (key, payload, stored_at, client_id, server_uri)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (client_id, server_uri, key) DO UPDATE SET payload = excluded.payload, stored_at = excluded.stored_at`,
		key, payload, time.Now().Unix())
}

func (s *SQLiteStore) Get(key string) ([]byte, error) {
	db, clientID, serverURI, err := s.handle()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()

	var payload []byte
	err = db.QueryRowContext(ctx,
		`SELECT payload FROM persisted_entries WHERE client_id = ? AND server_uri = ? AND key = ?`,
		clientID, serverURI, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, application.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading entry: %w", err)
	}
	if payload == nil {
		payload = []byte{}
	}
	return payload, nil
}

func (s *SQLiteStore) ContainsKey(key string) (bool, error) {
	db, clientID, serverURI, err := s.handle()
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()

	var n int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM persisted_entries WHERE client_id = ? AND server_uri = ? AND key = ?`,
		clientID, serverURI, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("reading entry: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Remove(key string) error {
	return s.exec(`DELETE FROM persisted_entries WHERE key = ? AND client_id = ? AND server_uri = ?`, key)
}

func (s *SQLiteStore) Keys() ([]string, error) {
	db, clientID, serverURI, err := s.handle()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()

	rows, err := db.QueryContext(ctx,
		`SELECT key FROM persisted_entries WHERE client_id = ? AND server_uri = ? ORDER BY key`,
		clientID, serverURI)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("listing entries: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Clear() error {
	return s.exec(`DELETE FROM persisted_entries WHERE client_id = ? AND server_uri = ?`)
}

// exec runs a statement whose trailing parameters are client_id and server_uri.
func (s *SQLiteStore) exec(query string, args ...any) error {
	db, clientID, serverURI, err := s.handle()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqliteOpTimeout)
	defer cancel()

	if _, err := db.ExecContext(ctx, query, append(args, clientID, serverURI)...); err != nil {
		return fmt.Errorf("writing entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) handle() (*sql.DB, string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, "", "", application.ErrStoreClosed
	}
	return s.db, s.clientID, s.serverURI, nil
}

var _ application.PersistenceStore = &SQLiteStore{}
