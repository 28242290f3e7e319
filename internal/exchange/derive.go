package exchange

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/sha3"

	"github.com/qkdtun/qkdtun/internal/etsi"
	"github.com/qkdtun/qkdtun/internal/psk"
)

// derivationDomain separates this KDF from any other SHAKE256 use. It is
// part of the wire-compatible protocol surface: both peers must agree.
const derivationDomain = "qkdtun v1 psk derivation with SHAKE256"

// Params holds the static inputs of the PSK derivation. They are fixed
// at startup and identical on both peers.
//
// The derivation policy is deliberately history-free: every PSK is
// computed from the static initial PSK, the rotation sequence and the
// QKD key alone. Mixing in the previously derived PSK instead would
// chain forward secrecy tighter, but one missed cycle on either side
// would then desynchronize the chain permanently.
type Params struct {
	initialPSK [psk.KeySize]byte
	connID     [64]byte
}

// NewParams builds derivation parameters. The two WireGuard public keys
// are ordered lexicographically so both peers compute the same
// connection id regardless of which role they play.
func NewParams(initialPSK, selfPublicKey, peerPublicKey [32]byte) Params {
	p := Params{initialPSK: initialPSK}

	first, second := selfPublicKey, peerPublicKey
	if bytes.Compare(first[:], second[:]) > 0 {
		first, second = second, first
	}
	copy(p.connID[:32], first[:])
	copy(p.connID[32:], second[:])
	return p
}

// DerivePSK computes the PSK for one rotation:
//
//	SHAKE256(domain || initialPSK || sequence || keyID || material || connID)
//
// Both roles feed the same inputs, so the results are bit-identical.
func DerivePSK(p Params, sequence uint64, key *etsi.Key) [psk.KeySize]byte {
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], sequence)

	h := sha3.NewShake256()
	h.Write([]byte(derivationDomain))
	h.Write(p.initialPSK[:])
	h.Write(seqBytes[:])
	h.Write(key.ID[:])
	h.Write(key.Material[:])
	h.Write(p.connID[:])

	var out [psk.KeySize]byte
	h.Read(out[:])
	return out
}

// Fingerprint returns a hex digest of a derived PSK, suitable for
// persisting at rest in place of the key itself.
func Fingerprint(key [psk.KeySize]byte) string {
	sum := sha3.Sum256(key[:])
	return hex.EncodeToString(sum[:])
}
