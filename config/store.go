// Package config implements the persistent store for the paired monitor's
// BLE address and the upstream name-map key. It stands in for the board's
// non-volatile key/value storage (out of scope per the spec, an external
// collaborator) by keeping one small TOML-encoded record on disk, written
// atomically, the same encoding the teacher uses for its own config file
// (tve/devices/cmd/mqttradio/main.go uses BurntSushi/toml to decode; here
// we use it both ways).
package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ErrNotFound is returned by the Get* accessors when no value has ever been
// stored. It is not surfaced to the user; callers substitute a default.
var ErrNotFound = errors.New("config: not found")

// record is the on-disk representation of the store.
type record struct {
	PairedAddr [6]byte `toml:"paired_addr"`
	HasAddr    bool    `toml:"has_addr"`
	NameMapKey uint8   `toml:"name_map_key"`
	HasKey     bool    `toml:"has_key"`
}

// Store is the persistent config backing store. The zero value is not
// usable; construct with New and call Init before use.
type Store struct {
	path string
	mu   sync.Mutex
	rec  record
}

// New returns a Store that will persist to path.
func New(path string) *Store {
	return &Store{path: path}
}

// Init loads the backing file if it exists, or leaves the store at its
// first-boot defaults (no paired address, name_map_key=0) if it does not.
// It is idempotent. It fails only on unrecoverable medium errors -- callers
// at boot must treat a non-nil error as fatal per the spec's error policy.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.rec = record{}
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "config: cannot read %s", s.path)
	}
	var rec record
	if _, err := toml.Decode(string(data), &rec); err != nil {
		return errors.Wrapf(err, "config: cannot parse %s", s.path)
	}
	s.rec = rec
	return nil
}

// GetAddr returns the paired BLE address, or ErrNotFound if none is stored.
func (s *Store) GetAddr() ([6]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rec.HasAddr {
		return [6]byte{}, ErrNotFound
	}
	return s.rec.PairedAddr, nil
}

// SetAddr persists a new paired address.
func (s *Store) SetAddr(addr [6]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.rec
	s.rec.PairedAddr = addr
	s.rec.HasAddr = true
	if err := s.save(); err != nil {
		s.rec = prev
		return err
	}
	return nil
}

// ClearAddr removes the paired address from the store (unpair).
func (s *Store) ClearAddr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.rec
	s.rec.PairedAddr = [6]byte{}
	s.rec.HasAddr = false
	if err := s.save(); err != nil {
		s.rec = prev
		return err
	}
	return nil
}

// GetNameMapKey returns the stored name-map key, or ErrNotFound if none has
// ever been set.
func (s *Store) GetNameMapKey() (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.rec.HasKey {
		return 0, ErrNotFound
	}
	return s.rec.NameMapKey, nil
}

// SetNameMapKey persists a new name-map key.
func (s *Store) SetNameMapKey(key uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.rec
	s.rec.NameMapKey = key
	s.rec.HasKey = true
	if err := s.save(); err != nil {
		s.rec = prev
		return err
	}
	return nil
}

// save writes the current record to disk atomically: write to a temp file
// in the same directory, then rename over the target. Caller must hold mu.
func (s *Store) save() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return errors.Wrap(err, "config: cannot create temp file")
	}
	tmpName := tmp.Name()
	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(s.rec); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "config: cannot encode record")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "config: cannot close temp file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "config: cannot install store file")
	}
	return nil
}
