package psk

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// LoadKeyFile reads a base64-encoded 32-byte key from path, tolerating a
// trailing newline. Used for the optional initial PSK seeding the
// derivation.
func LoadKeyFile(path string) ([KeySize]byte, error) {
	var key [KeySize]byte

	data, err := os.ReadFile(path)
	if err != nil {
		return key, fmt.Errorf("read key file: %w", err)
	}

	encoded := strings.TrimRight(string(data), "\r\n")
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return key, fmt.Errorf("decode key file %s: %w", path, err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("key file %s: expected %d bytes, got %d", path, KeySize, len(raw))
	}

	copy(key[:], raw)
	zero(raw)
	return key, nil
}
