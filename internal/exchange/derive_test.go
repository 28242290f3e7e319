package exchange

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/qkdtun/qkdtun/internal/etsi"
)

func testKey(id byte) *etsi.Key {
	var raw [16]byte
	raw[15] = id
	k := &etsi.Key{ID: uuid.UUID(raw)}
	for i := range k.Material {
		k.Material[i] = id
	}
	return k
}

func TestDeriveSymmetricAcrossRoles(t *testing.T) {
	var initial, keyA, keyB [32]byte
	keyA[0] = 1
	keyB[0] = 2

	// Each side passes its own key first: the sorted connection id must
	// make the result identical.
	master := NewParams(initial, keyA, keyB)
	slave := NewParams(initial, keyB, keyA)

	key := testKey(7)
	assert.Equal(t, DerivePSK(master, 1, key), DerivePSK(slave, 1, key))
}

func TestDeriveChangesWithEveryInput(t *testing.T) {
	var initial, keyA, keyB [32]byte
	keyA[0] = 1
	keyB[0] = 2
	params := NewParams(initial, keyA, keyB)

	base := DerivePSK(params, 1, testKey(7))

	// Different sequence.
	assert.NotEqual(t, base, DerivePSK(params, 2, testKey(7)))

	// Different key material.
	assert.NotEqual(t, base, DerivePSK(params, 1, testKey(8)))

	// Different initial PSK.
	var otherInitial [32]byte
	otherInitial[0] = 0xff
	other := NewParams(otherInitial, keyA, keyB)
	assert.NotEqual(t, base, DerivePSK(other, 1, testKey(7)))

	// Different peer pair.
	var keyC [32]byte
	keyC[0] = 3
	assert.NotEqual(t, base, DerivePSK(NewParams(initial, keyA, keyC), 1, testKey(7)))
}

func TestDeriveIsDeterministic(t *testing.T) {
	var initial, keyA, keyB [32]byte
	params := NewParams(initial, keyA, keyB)

	assert.Equal(t, DerivePSK(params, 5, testKey(9)), DerivePSK(params, 5, testKey(9)))
}

func TestFingerprintDoesNotLeakKey(t *testing.T) {
	var key [32]byte
	key[0] = 0xab

	fp := Fingerprint(key)
	assert.Len(t, fp, 64)

	var other [32]byte
	assert.NotEqual(t, fp, Fingerprint(other))
}
