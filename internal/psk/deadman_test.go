package psk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureApplier struct {
	mu      sync.Mutex
	reasons []Reason
}

func (c *captureApplier) Apply(_ context.Context, _ [KeySize]byte, reason Reason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
	return nil
}

func (c *captureApplier) Close() error { return nil }

func (c *captureApplier) seen() []Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Reason(nil), c.reasons...)
}

func TestDeadmanErasesAfterLifetime(t *testing.T) {
	inner := &captureApplier{}
	d := NewDeadman(inner, 50*time.Millisecond, testLogger())

	require.NoError(t, d.Apply(context.Background(), [KeySize]byte{1}, ReasonFresh))

	assert.Eventually(t, func() bool {
		for _, r := range inner.seen() {
			if r == ReasonErase {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "stale key must be erased")
}

func TestDeadmanRearmedByFreshKeys(t *testing.T) {
	inner := &captureApplier{}
	d := NewDeadman(inner, 200*time.Millisecond, testLogger())

	// Keep feeding fresh keys faster than the lifetime.
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Apply(context.Background(), [KeySize]byte{byte(i)}, ReasonFresh))
		time.Sleep(50 * time.Millisecond)
	}

	for _, r := range inner.seen() {
		assert.NotEqual(t, ReasonErase, r, "watchdog must not fire while rotation is healthy")
	}
}

func TestDeadmanCloseErases(t *testing.T) {
	inner := &captureApplier{}
	d := NewDeadman(inner, time.Hour, testLogger())

	require.NoError(t, d.Apply(context.Background(), [KeySize]byte{1}, ReasonFresh))
	require.NoError(t, d.Close())

	seen := inner.seen()
	require.NotEmpty(t, seen)
	assert.Equal(t, ReasonErase, seen[len(seen)-1])
}
