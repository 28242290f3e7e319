package psk

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FileApplier writes the base64-encoded PSK to a file with restrictive
// permissions. Used to validate rotation without a live tunnel.
type FileApplier struct {
	path string
	log  *slog.Logger
}

// NewFileApplier returns an applier writing to path.
func NewFileApplier(path string, log *slog.Logger) *FileApplier {
	return &FileApplier{path: path, log: log}
}

// Apply replaces the output file atomically with the encoded key.
func (f *FileApplier) Apply(_ context.Context, key [KeySize]byte, reason Reason) error {
	switch reason {
	case ReasonFresh:
		f.log.Info("writing fresh PSK", "path", f.path)
	case ReasonErase:
		f.log.Warn("erasing stale PSK file with a random key", "path", f.path)
	}

	encoded := base64.StdEncoding.EncodeToString(key[:]) + "\n"

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp PSK file: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod PSK file: %w", err)
	}
	if _, err := tmp.WriteString(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write PSK file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close PSK file: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace PSK file: %w", err)
	}
	return nil
}

// Close is a no-op for file output.
func (f *FileApplier) Close() error {
	return nil
}
