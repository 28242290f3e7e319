// Package peerlink maintains the ordered message channel between the two
// qkdtun instances of one tunnel.
//
// The channel carries no key material and performs no authentication of
// its own: it is assumed to run over an already-trusted transport. The
// rotation protocol tolerates an observer on this channel, since the key
// ids it carries are useless without access to one of the QKD devices.
package peerlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrDisconnected reports that the channel to the peer is down. The
// exchange engine reconnects before the next rotation attempt rather
// than treating this as fatal.
var ErrDisconnected = errors.New("peer channel disconnected")

const (
	dialInitialInterval = 500 * time.Millisecond
	dialMaxInterval     = 15 * time.Second
)

// Link is a long-lived, ordered, message-oriented duplex channel between
// the two daemon instances. The master side listens, the slave side
// dials. Not safe for concurrent use; the exchange engine owns it
// exclusively.
type Link struct {
	log      *slog.Logger
	listener *net.TCPListener
	endpoint string

	mu   sync.Mutex
	conn net.Conn
}

// Listen binds the master side of the channel. A bind failure is fatal
// configuration trouble and is returned immediately.
func Listen(addr string, log *slog.Logger) (*Link, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %s: %w", addr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	log.Info("listening for peer", "addr", addr)
	return &Link{log: log, listener: ln}, nil
}

// Dial prepares the slave side of the channel. The actual connection is
// established by Connect, with backoff on refusal.
func Dial(endpoint string, log *slog.Logger) *Link {
	return &Link{log: log, endpoint: endpoint}
}

// Connect establishes the channel according to role: accept one
// connection on the listening side, dial with bounded exponential
// backoff on the connecting side. A connection already in place is kept.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return nil
	}

	if l.listener != nil {
		return l.accept(ctx)
	}
	return l.dial(ctx)
}

func (l *Link) accept(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		l.listener.SetDeadline(time.Now())
	})
	defer stop()
	defer l.listener.SetDeadline(time.Time{})

	conn, err := l.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("accept peer connection: %w", err)
	}

	l.log.Info("peer connected", "remote", conn.RemoteAddr())
	l.conn = conn
	return nil
}

func (l *Link) dial(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = dialInitialInterval
	policy.MaxInterval = dialMaxInterval
	policy.MaxElapsedTime = 0 // retry until the context is cancelled

	var dialer net.Dialer
	conn, err := backoff.RetryWithData(func() (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, "tcp", l.endpoint)
		if err != nil {
			l.log.Warn("peer dial failed, retrying", "endpoint", l.endpoint, "error", err)
			return nil, err
		}
		return conn, nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("dial peer %s: %w", l.endpoint, err)
	}

	l.log.Info("connected to peer", "endpoint", l.endpoint)
	l.conn = conn
	return nil
}

// Send writes one message to the peer. On failure the connection is torn
// down and ErrDisconnected is returned.
func (l *Link) Send(ctx context.Context, m *Message) error {
	conn := l.current()
	if conn == nil {
		return ErrDisconnected
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetWriteDeadline(time.Now())
	})
	defer stop()
	defer conn.SetWriteDeadline(time.Time{})

	if err := WriteMessage(conn, m); err != nil {
		l.Reset()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// Receive blocks until one message arrives from the peer or the context
// is done. On read failure the connection is torn down and
// ErrDisconnected is returned.
func (l *Link) Receive(ctx context.Context) (*Message, error) {
	conn := l.current()
	if conn == nil {
		return nil, ErrDisconnected
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()
	defer conn.SetReadDeadline(time.Time{})

	m, err := ReadMessage(conn)
	if err != nil {
		l.Reset()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return m, nil
}

// Reset drops the current connection so the next Connect establishes a
// fresh one.
func (l *Link) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
}

// Close tears down the connection and, on the master side, the listener.
func (l *Link) Close() error {
	l.Reset()
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

func (l *Link) current() net.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}
