package psk

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Deadman wraps an Applier and erases the key when no fresh one arrives
// within the configured lifetime. A rotation stall then invalidates the
// old key instead of letting it serve indefinitely.
//
// This trades availability for freshness, so it is opt-in: without it a
// stalled daemon simply keeps the last good PSK in place.
type Deadman struct {
	inner    Applier
	lifetime time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewDeadman starts the watchdog around inner. The current key is erased
// whenever lifetime elapses without a fresh Apply.
func NewDeadman(inner Applier, lifetime time.Duration, log *slog.Logger) *Deadman {
	d := &Deadman{
		inner:    inner,
		lifetime: lifetime,
		log:      log,
	}
	d.timer = time.AfterFunc(lifetime, d.expire)
	return d
}

// Apply forwards to the wrapped applier and, for fresh keys, rearms the
// watchdog.
func (d *Deadman) Apply(ctx context.Context, key [KeySize]byte, reason Reason) error {
	if err := d.inner.Apply(ctx, key, reason); err != nil {
		return err
	}
	if reason == ReasonFresh {
		d.mu.Lock()
		if !d.stopped {
			d.timer.Reset(d.lifetime)
		}
		d.mu.Unlock()
	}
	return nil
}

func (d *Deadman) expire() {
	d.log.Warn("key lifetime ended without rotation, erasing PSK")
	if err := Erase(context.Background(), d.inner); err != nil {
		d.log.Error("failed to erase expired PSK", "error", err)
	}
}

// Close stops the watchdog, erases the current key and closes the
// wrapped applier.
func (d *Deadman) Close() error {
	d.mu.Lock()
	d.stopped = true
	d.timer.Stop()
	d.mu.Unlock()

	if err := Erase(context.Background(), d.inner); err != nil {
		d.log.Error("failed to erase PSK on shutdown", "error", err)
	}
	return d.inner.Close()
}
