// Package kvstore persists the handful of small values the recorder needs between runs:
// the homeserver URL, credentials and the sync cursor.
package kvstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/matrix-org/matrix-recorder/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Well known keys.
const (
	KeyBaseURL     = "baseUrl"
	KeyUserID      = "userId"
	KeyAccessToken = "accessToken"
	KeyDeviceID    = "deviceId"
	KeySyncToken   = "syncToken"
)

// Filename of the store within the recorder directory.
const Filename = "localstorage.cbor"

// Store is a string to string map which survives restarts. Get returns "" for missing keys.
type Store interface {
	Get(key string) string
	Set(key, value string) error
	Delete(key string) error
}

// FileStore keeps every value in memory and rewrites the whole file on each change. The file
// is replaced atomically so a crash leaves either the old or the new contents.
type FileStore struct {
	path string
	mu   sync.Mutex
	kv   map[string]string
}

// Open loads the store at path, creating an empty one if the file does not exist.
func Open(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		kv:   make(map[string]string),
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info().Str("path", path).Msg("no local storage found, starting fresh")
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err = cbor.Unmarshal(data, &s.kv); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if s.kv == nil {
		s.kv = make(map[string]string)
	}
	keys := maps.Keys(s.kv)
	slices.Sort(keys)
	logger.Debug().Strs("keys", keys).Msg("loaded local storage")
	return s, nil
}

func (s *FileStore) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv[key]
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.kv[key]
	if existed && prev == value {
		return nil
	}
	s.kv[key] = value
	if err := s.flush(); err != nil {
		if existed {
			s.kv[key] = prev
		} else {
			delete(s.kv, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.kv[key]
	if !existed {
		return nil
	}
	delete(s.kv, key)
	if err := s.flush(); err != nil {
		s.kv[key] = prev
		return err
	}
	return nil
}

func (s *FileStore) flush() error {
	opts := cbor.CanonicalEncOptions()
	em, err := opts.EncMode()
	if err != nil {
		return internal.StorageError("encode local storage", err)
	}
	data, err := em.Marshal(s.kv)
	if err != nil {
		return internal.StorageError("encode local storage", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return internal.StorageError("write local storage", err)
	}
	defer os.Remove(tmp.Name()) // no-op once renamed
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return internal.StorageError("write local storage", err)
	}
	if err = os.Rename(tmp.Name(), s.path); err != nil {
		return internal.StorageError("write local storage", err)
	}
	return nil
}

// MemoryStore is a Store which forgets everything when the process exits.
type MemoryStore struct {
	mu sync.Mutex
	kv map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{kv: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv[key]
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}
