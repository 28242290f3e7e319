// Package rotation persists the key exchange progress across restarts.
//
// The record is the single source of truth for the rotation sequence: it
// is loaded once at startup and rewritten, atomically, after every fully
// applied rotation. The persisted sequence therefore never exceeds the
// sequence actually applied to the tunnel.
package rotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrCorruptState marks an unreadable or malformed state file. Fatal at
// startup: silently restarting at sequence 0 would reopen replay windows.
var ErrCorruptState = errors.New("corrupt rotation state")

const stateVersion = 1

// Record tracks exchange progress. LastKeyID is the most recently
// consumed QKD key id; PSKFingerprint is a digest of the applied PSK,
// never the PSK itself.
type Record struct {
	Version        int       `json:"version"`
	Sequence       uint64    `json:"sequence"`
	LastKeyID      string    `json:"last_key_id,omitempty"`
	PSKFingerprint string    `json:"psk_fingerprint,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store reads and writes the rotation record at a fixed path, holding an
// advisory lock for its lifetime so a second daemon instance cannot
// interleave writes.
type Store struct {
	path string
	lock *flock.Flock
}

// Open locks the state file location and returns a store. The lock is
// non-blocking: a held lock means another instance is already running,
// which is a configuration error.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock state file: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("state file %s is locked by another instance", path)
	}

	return &Store{path: path, lock: lock}, nil
}

// Close releases the state file lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

// Load reads the persisted record, returning a zero record when no state
// file exists yet and ErrCorruptState when the content cannot be trusted.
func (s *Store) Load() (*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Record{Version: stateVersion}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if rec.Version != stateVersion {
		return nil, fmt.Errorf("%w: unsupported state version %d", ErrCorruptState, rec.Version)
	}
	return &rec, nil
}

// Store writes the record via temp file plus rename so a crash mid-write
// never leaves a torn record behind.
func (s *Store) Store(rec *Record) error {
	rec.Version = stateVersion

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rotation record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
