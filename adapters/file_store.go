package adapters

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mqtt-link/application"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	fileStoreEntryExt = ".entry"
	// fileStoreMaxName keeps entry file names, ".tmp" included, under the
	// usual 255 byte limit. Longer names are replaced by a hash.
	fileStoreMaxName   = 200
	fileStoreHashedPfx = "h-"
)

// fileEntry is the on-disk record, CBOR encoded with integer keys.
type fileEntry struct {
	Key      string `cbor:"1,keyasint"`
	Payload  []byte `cbor:"2,keyasint"`
	StoredAt int64  `cbor:"3,keyasint"`
}

// FileStore persists entries on disk, one file per key.
//
// File organization:
//
//	baseDir/
//	  <clientID>-<serverURI>/
//	    <hex(key)>.entry
//	    h-<sha256(key)>.entry   (keys too long for a file name)
//
// Entries written before a restart are visible again after Open with the
// same client ID and server URI.
type FileStore struct {
	baseDir     string
	permissions os.FileMode

	dir string
	mu  sync.Mutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory cannot be empty")
	}
	return &FileStore{baseDir: baseDir, permissions: 0600}, nil
}

func (f *FileStore) Open(clientID, serverURI string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dir != "" {
		return nil
	}

	dir := filepath.Join(f.baseDir, storeDirName(clientID, serverURI))
	if err := os.MkdirAll(dir, f.permissions|0100); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	f.dir = dir
	return nil
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	f.dir = ""
	f.mu.Unlock()
	return nil
}

func (f *FileStore) Put(key string, payload []byte) error {
	dir, err := f.openDir()
	if err != nil {
		return err
	}

	data, err := cbor.Marshal(fileEntry{Key: key, Payload: payload, StoredAt: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}

	path := entryPath(dir, key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, f.permissions); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return nil
}

func (f *FileStore) Get(key string) ([]byte, error) {
	dir, err := f.openDir()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(entryPath(dir, key))
	if os.IsNotExist(err) {
		return nil, application.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}

	var entry fileEntry
	if err := cbor.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode entry %q: %w", key, err)
	}
	if entry.Payload == nil {
		entry.Payload = []byte{}
	}
	return entry.Payload, nil
}

func (f *FileStore) ContainsKey(key string) (bool, error) {
	dir, err := f.openDir()
	if err != nil {
		return false, err
	}

	_, err = os.Stat(entryPath(dir, key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (f *FileStore) Remove(key string) error {
	dir, err := f.openDir()
	if err != nil {
		return err
	}

	err = os.Remove(entryPath(dir, key))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to remove entry: %w", err)
	}
	return nil
}

func (f *FileStore) Keys() ([]string, error) {
	dir, err := f.openDir()
	if err != nil {
		return nil, err
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	keys := make([]string, 0, len(files))
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasSuffix(name, fileStoreEntryExt) {
			continue
		}
		stem := strings.TrimSuffix(name, fileStoreEntryExt)
		if strings.HasPrefix(stem, fileStoreHashedPfx) {
			key, err := readEntryKey(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			keys = append(keys, key)
			continue
		}
		key, err := hex.DecodeString(stem)
		if err != nil {
			continue // Skip foreign files
		}
		keys = append(keys, string(key))
	}

	sort.Strings(keys)
	return keys, nil
}

func (f *FileStore) Clear() error {
	dir, err := f.openDir()
	if err != nil {
		return err
	}

	files, err := filepath.Glob(filepath.Join(dir, "*"+fileStoreEntryExt))
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}
	for _, file := range files {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove entry: %w", err)
		}
	}
	return nil
}

func (f *FileStore) openDir() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dir == "" {
		return "", application.ErrStoreClosed
	}
	return f.dir, nil
}

func entryPath(dir, key string) string {
	return filepath.Join(dir, entryFileName(key))
}

func entryFileName(key string) string {
	name := hex.EncodeToString([]byte(key))
	if len(name) > fileStoreMaxName {
		sum := sha256.Sum256([]byte(key))
		name = fileStoreHashedPfx + hex.EncodeToString(sum[:])
	}
	return name + fileStoreEntryExt
}

// readEntryKey recovers the key of a hashed entry from its content.
func readEntryKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var entry fileEntry
	if err := cbor.Unmarshal(data, &entry); err != nil {
		return "", err
	}
	return entry.Key, nil
}

// storeDirName keeps only characters that are safe in a directory name.
func storeDirName(clientID, serverURI string) string {
	var b strings.Builder
	for _, r := range clientID + "-" + serverURI {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		}
	}
	name := strings.Trim(b.String(), "-.")
	if name == "" {
		return "default"
	}
	if len(name) > fileStoreMaxName {
		sum := sha256.Sum256([]byte(clientID + "-" + serverURI))
		name = name[:fileStoreMaxName-len(fileStoreHashedPfx)-17] + "-" + fileStoreHashedPfx + hex.EncodeToString(sum[:8])
	}
	return name
}

var _ application.PersistenceStore = &FileStore{}
