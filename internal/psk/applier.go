// Package psk applies derived pre-shared keys to their destination:
// a live WireGuard peer or, for validation without a kernel interface,
// a plain file.
package psk

import (
	"context"
	"crypto/rand"
	"fmt"
)

// KeySize is the WireGuard pre-shared key length in bytes.
const KeySize = 32

// Reason distinguishes why a key is being applied.
type Reason int

const (
	// ReasonFresh marks a newly negotiated, secure key.
	ReasonFresh Reason = iota
	// ReasonErase marks a random throwaway key written solely to
	// invalidate the previous one.
	ReasonErase
)

// Applier is the one-way sink for derived PSKs.
type Applier interface {
	// Apply installs key. The key is consumed immediately; callers zero
	// their copy afterwards.
	Apply(ctx context.Context, key [KeySize]byte, reason Reason) error
	Close() error
}

// Erase overwrites the current key at a with fresh random bytes,
// invalidating whatever was applied before.
func Erase(ctx context.Context, a Applier) error {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("generate erase key: %w", err)
	}
	defer zero(key[:])
	return a.Apply(ctx, key, ReasonErase)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
