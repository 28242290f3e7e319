package psk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Fatal misconfiguration errors: proceeding would risk applying a PSK to
// the wrong tunnel.
var (
	ErrInterfaceNotFound = errors.New("wireguard interface not found")
	ErrPeerNotFound      = errors.New("wireguard peer not found")
)

// WireGuardApplier sets the pre-shared key of one peer entry on a
// WireGuard interface through the kernel/userspace control socket.
type WireGuardApplier struct {
	client  *wgctrl.Client
	device  string
	peerKey wgtypes.Key
	log     *slog.Logger
}

// NewWireGuardApplier connects to the WireGuard control interface and
// verifies that the named device carries the configured peer. Both
// checks are fatal when they fail.
func NewWireGuardApplier(device, peerPublicKey string, log *slog.Logger) (*WireGuardApplier, error) {
	peerKey, err := wgtypes.ParseKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}

	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wireguard control socket: %w", err)
	}

	dev, err := client.Device(device)
	if err != nil {
		client.Close()
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrInterfaceNotFound, device)
		}
		return nil, fmt.Errorf("access wireguard interface %s: %w", device, err)
	}

	found := false
	for _, p := range dev.Peers {
		if p.PublicKey == peerKey {
			found = true
			break
		}
	}
	if !found {
		client.Close()
		return nil, fmt.Errorf("%w: %s on interface %s", ErrPeerNotFound, peerPublicKey, device)
	}

	return &WireGuardApplier{
		client:  client,
		device:  device,
		peerKey: peerKey,
		log:     log,
	}, nil
}

// Apply installs key as the preshared key of the configured peer. The
// tunnel keeps running; WireGuard picks the key up on its next handshake.
func (w *WireGuardApplier) Apply(_ context.Context, key [KeySize]byte, reason Reason) error {
	switch reason {
	case ReasonFresh:
		w.log.Info("injecting fresh PSK", "interface", w.device)
	case ReasonErase:
		w.log.Warn("erasing stale PSK with a random key", "interface", w.device)
	}

	psk := wgtypes.Key(key)
	cfg := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey:    w.peerKey,
			UpdateOnly:   true,
			PresharedKey: &psk,
		}},
	}

	if err := w.client.ConfigureDevice(w.device, cfg); err != nil {
		return fmt.Errorf("set preshared key on %s: %w", w.device, err)
	}
	return nil
}

// Close releases the control socket.
func (w *WireGuardApplier) Close() error {
	return w.client.Close()
}
