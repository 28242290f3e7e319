// Package exchange implements the rotation state machine that
// coordinates QKD key retrieval between the two peers of a tunnel and
// applies the derived pre-shared keys.
//
// The master allocates a fresh key from its QKD device on every tick and
// announces its id; the slave retrieves the same key from its own device
// by id, acknowledges, and both sides derive and apply an identical PSK.
// A failed cycle leaves the previously applied PSK and the persisted
// record untouched: a stale-but-valid PSK beats no tunnel.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/qkdtun/qkdtun/internal/config"
	"github.com/qkdtun/qkdtun/internal/etsi"
	"github.com/qkdtun/qkdtun/internal/metrics"
	"github.com/qkdtun/qkdtun/internal/peerlink"
	"github.com/qkdtun/qkdtun/internal/psk"
	"github.com/qkdtun/qkdtun/internal/rotation"
)

// QKD is the subset of the ETSI014 client the engine depends on.
type QKD interface {
	GetKey(ctx context.Context) (*etsi.Key, error)
	GetKeyByID(ctx context.Context, id uuid.UUID) (*etsi.Key, error)
}

// Channel is the peer link surface the engine drives.
type Channel interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, m *peerlink.Message) error
	Receive(ctx context.Context) (*peerlink.Message, error)
	Reset()
}

// RecordStore persists rotation progress.
type RecordStore interface {
	Load() (*rotation.Record, error)
	Store(rec *rotation.Record) error
}

const (
	// fetchRetryInitial is the first delay when the slave's QKD device
	// has not yet materialized an announced key id.
	fetchRetryInitial = 250 * time.Millisecond
	fetchRetryMax     = 5 * time.Second
)

// Options configures an Engine.
type Options struct {
	Role     config.Role
	Params   Params
	QKD      QKD
	Link     Channel
	Applier  psk.Applier
	Store    RecordStore
	Metrics  *metrics.Metrics
	Interval time.Duration

	// FetchTimeout bounds the slave's retry loop for a not-yet-available
	// key id. Defaults to half the rotation interval.
	FetchTimeout time.Duration

	// FetchRetryInterval is the first delay between retries of a
	// not-yet-available key id. Defaults to 250ms.
	FetchRetryInterval time.Duration

	Log *slog.Logger
}

// Engine owns the rotation loop of one daemon instance. It is the sole
// writer of the rotation record and the sole user of the peer channel;
// rotation cycles execute strictly one at a time.
type Engine struct {
	role          config.Role
	params        Params
	qkd           QKD
	link          Channel
	applier       psk.Applier
	store         RecordStore
	metrics       *metrics.Metrics
	interval      time.Duration
	fetchTimeout  time.Duration
	fetchInterval time.Duration
	log           *slog.Logger

	record  rotation.Record
	pending *pendingRotation
}

// pendingRotation is a master-side announcement that has not completed
// yet. It is retransmitted verbatim on the next cycle: the slave may
// already have applied it, in which case it re-acknowledges the
// duplicate and both sides converge instead of livelocking.
type pendingRotation struct {
	seq uint64
	key *etsi.Key
}

// New builds an engine; Run does the work.
func New(opts Options) *Engine {
	fetchTimeout := opts.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = opts.Interval / 2
	}
	fetchInterval := opts.FetchRetryInterval
	if fetchInterval <= 0 {
		fetchInterval = fetchRetryInitial
	}
	return &Engine{
		role:          opts.Role,
		params:        opts.Params,
		qkd:           opts.QKD,
		link:          opts.Link,
		applier:       opts.Applier,
		store:         opts.Store,
		metrics:       opts.Metrics,
		interval:      opts.Interval,
		fetchTimeout:  fetchTimeout,
		fetchInterval: fetchInterval,
		log:           opts.Log,
	}
}

// Run loads the persisted record and drives rotations until the context
// is cancelled. Only corrupt state and fatal misconfiguration abort it.
func (e *Engine) Run(ctx context.Context) error {
	rec, err := e.store.Load()
	if err != nil {
		return fmt.Errorf("load rotation state: %w", err)
	}
	e.record = *rec
	e.log.Info("rotation state loaded",
		"sequence", e.record.Sequence, "last_key_id", e.record.LastKeyID)

	if err := e.link.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("establish peer channel: %w", err)
	}

	switch e.role {
	case config.RoleMaster:
		return e.runMaster(ctx)
	default:
		return e.runSlave(ctx)
	}
}

// runMaster rotates once immediately, then on every tick. time.Ticker
// drops missed ticks, so a cycle still in flight is never backlogged.
func (e *Engine) runMaster(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if err := e.rotateMaster(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.log.Warn("rotation cycle abandoned", "sequence", e.record.Sequence+1, "error", err)
			e.metrics.RotationFailures.Inc()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// rotateMaster runs one master cycle: allocate key, announce, await ack,
// derive, apply, persist. The whole cycle is bounded by the rotation
// interval so it can never overlap the next one.
func (e *Engine) rotateMaster(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, e.interval)
	defer cancel()

	if err := e.reconnect(cctx); err != nil {
		return err
	}

	if e.pending == nil {
		key, err := e.qkd.GetKey(cctx)
		if err != nil {
			return fmt.Errorf("allocate QKD key: %w", err)
		}
		e.pending = &pendingRotation{seq: e.record.Sequence + 1, key: key}
	} else {
		e.log.Info("retransmitting unacknowledged rekey", "sequence", e.pending.seq)
	}
	seq, key := e.pending.seq, e.pending.key

	msg := &peerlink.Message{Type: peerlink.MessageRekey, Sequence: seq, KeyID: key.ID}
	if err := e.link.Send(cctx, msg); err != nil {
		if errors.Is(err, peerlink.ErrDisconnected) {
			e.metrics.PeerReconnects.Inc()
		}
		return fmt.Errorf("announce key id: %w", err)
	}

	ack, err := e.link.Receive(cctx)
	if err != nil {
		if errors.Is(err, peerlink.ErrDisconnected) {
			e.metrics.PeerReconnects.Inc()
		}
		return fmt.Errorf("await acknowledgement: %w", err)
	}
	if ack.Type != peerlink.MessageAck || ack.Sequence != seq {
		// The peer is out of step; drop the connection and resync on the
		// next cycle.
		e.link.Reset()
		e.metrics.PeerReconnects.Inc()
		return fmt.Errorf("unexpected acknowledgement (type=%d sequence=%d, want sequence=%d)",
			ack.Type, ack.Sequence, seq)
	}

	if err := e.applyAndPersist(cctx, seq, key); err != nil {
		return err
	}
	key.Zero()
	e.pending = nil
	return nil
}

// runSlave follows the master: each received rekey message starts one
// cycle. The master's tick schedule sets the cadence.
func (e *Engine) runSlave(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := e.reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		msg, err := e.link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.log.Warn("peer channel lost, reconnecting", "error", err)
			e.metrics.PeerReconnects.Inc()
			continue
		}

		if err := e.rotateSlave(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.log.Warn("rotation cycle abandoned", "sequence", msg.Sequence, "error", err)
			e.metrics.RotationFailures.Inc()
		}
	}
}

// rotateSlave runs one slave cycle for a received rekey message.
func (e *Engine) rotateSlave(ctx context.Context, msg *peerlink.Message) error {
	if msg.Type != peerlink.MessageRekey {
		return fmt.Errorf("unexpected message type %d", msg.Type)
	}

	// Replay and duplicate protection: the sequence must advance. The
	// one exception is an exact duplicate of the rotation already
	// applied here, which means the master never saw our acknowledgement
	// (it was lost in transit). Re-acking it, without reapplying, lets
	// the master catch up instead of livelocking on a stale record.
	if msg.Sequence <= e.record.Sequence {
		if msg.Sequence == e.record.Sequence && msg.KeyID.String() == e.record.LastKeyID {
			e.log.Info("re-acknowledging duplicate rekey message", "sequence", msg.Sequence)
			return e.link.Send(ctx, &peerlink.Message{Type: peerlink.MessageAck, Sequence: msg.Sequence})
		}
		e.log.Warn("rejecting stale rekey message",
			"sequence", msg.Sequence, "current", e.record.Sequence)
		e.metrics.StaleMessages.Inc()
		return nil
	}

	key, err := e.fetchWithRetry(ctx, msg.KeyID)
	if err != nil {
		return fmt.Errorf("retrieve QKD key %s: %w", msg.KeyID, err)
	}
	defer key.Zero()

	ack := &peerlink.Message{Type: peerlink.MessageAck, Sequence: msg.Sequence}
	if err := e.link.Send(ctx, ack); err != nil {
		// Without the ack the master abandons the cycle and keeps its old
		// PSK; applying ours would split the tunnel.
		return fmt.Errorf("send acknowledgement: %w", err)
	}

	return e.applyAndPersist(ctx, msg.Sequence, key)
}

// fetchWithRetry polls dec_keys until the key id materializes on the
// local device, with bounded exponential backoff. The race is expected:
// the master's device hands out ids slightly ahead of the slave's.
func (e *Engine) fetchWithRetry(ctx context.Context, id uuid.UUID) (*etsi.Key, error) {
	fctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.fetchInterval
	policy.MaxInterval = fetchRetryMax
	policy.MaxElapsedTime = e.fetchTimeout

	return backoff.RetryWithData(func() (*etsi.Key, error) {
		key, err := e.qkd.GetKeyByID(fctx, id)
		if err != nil {
			if errors.Is(err, etsi.ErrKeyNotFound) {
				e.log.Debug("QKD key not yet available, retrying", "key_id", id)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return key, nil
	}, backoff.WithContext(policy, fctx))
}

// applyAndPersist finishes a cycle on either role: derive the PSK, apply
// it, then record the new sequence. Persisting strictly after applying
// keeps the stored sequence from ever exceeding what is on the tunnel.
func (e *Engine) applyAndPersist(ctx context.Context, seq uint64, key *etsi.Key) error {
	derived := DerivePSK(e.params, seq, key)
	fingerprint := Fingerprint(derived)

	err := e.applier.Apply(ctx, derived, psk.ReasonFresh)
	for i := range derived {
		derived[i] = 0
	}
	if err != nil {
		return fmt.Errorf("apply PSK: %w", err)
	}

	rec := rotation.Record{
		Sequence:       seq,
		LastKeyID:      key.ID.String(),
		PSKFingerprint: fingerprint,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := e.store.Store(&rec); err != nil {
		return fmt.Errorf("persist rotation record: %w", err)
	}
	e.record = rec

	e.metrics.Rotations.Inc()
	e.metrics.LastRotation.SetToCurrentTime()
	e.log.Info("rotation complete", "sequence", seq, "key_id", key.ID)
	return nil
}

// reconnect re-establishes the channel if it is down, counting the event.
func (e *Engine) reconnect(ctx context.Context) error {
	if err := e.link.Connect(ctx); err != nil {
		return fmt.Errorf("reconnect peer channel: %w", err)
	}
	return nil
}
