package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qkdtun/qkdtun/internal/config"
	"github.com/qkdtun/qkdtun/internal/etsi"
	"github.com/qkdtun/qkdtun/internal/exchange"
	"github.com/qkdtun/qkdtun/internal/metrics"
	"github.com/qkdtun/qkdtun/internal/peerlink"
	"github.com/qkdtun/qkdtun/internal/psk"
	"github.com/qkdtun/qkdtun/internal/rotation"
)

var configPath string

var exchangeCmd = &cobra.Command{
	Use:   "exchange",
	Short: "Run the key exchange daemon with the given configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runExchange(ctx, cfg, log)
	},
}

func init() {
	exchangeCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")
	exchangeCmd.MarkFlagRequired("config")
}

// runExchange assembles the components from configuration and runs the
// engine until the context is cancelled.
func runExchange(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	role := cfg.Role()
	log.Info("starting qkdtun", "version", version, "role", role.String())

	store, err := rotation.Open(cfg.StateFile)
	if err != nil {
		return err
	}
	defer store.Close()

	qkd, err := etsi.New(cfg.ETSI014)
	if err != nil {
		return fmt.Errorf("configure QKD client: %w", err)
	}

	applier, err := buildApplier(cfg, log)
	if err != nil {
		return err
	}
	defer applier.Close()

	params, err := buildParams(cfg)
	if err != nil {
		return err
	}

	var link *peerlink.Link
	if role == config.RoleMaster {
		link, err = peerlink.Listen(cfg.Peer.Listen, log)
		if err != nil {
			return err
		}
	} else {
		link = peerlink.Dial(cfg.Peer.Endpoint, log)
	}
	defer link.Close()

	m := metrics.New()
	if cfg.MetricsListen != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsListen); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	engine := exchange.New(exchange.Options{
		Role:     role,
		Params:   params,
		QKD:      qkd,
		Link:     link,
		Applier:  applier,
		Store:    store,
		Metrics:  m,
		Interval: cfg.RotationInterval(),
		Log:      log,
	})
	return engine.Run(ctx)
}

// buildApplier selects the key sink: a live WireGuard peer or a plain
// file, optionally wrapped in the deadman watchdog.
func buildApplier(cfg *config.Config, log *slog.Logger) (psk.Applier, error) {
	var (
		applier psk.Applier
		err     error
	)
	if cfg.WireGuard.Interface != "" {
		applier, err = psk.NewWireGuardApplier(cfg.WireGuard.Interface, cfg.WireGuard.PeerPublicKey, log)
		if err != nil {
			return nil, err
		}
		log.Info("applying keys to WireGuard interface", "interface", cfg.WireGuard.Interface)
	} else {
		applier = psk.NewFileApplier(cfg.Outfile.Path, log)
		log.Info("writing keys to output file", "path", cfg.Outfile.Path)
	}

	if cfg.Deadman.Enabled {
		lifetime := cfg.RotationInterval() + cfg.DeadmanGrace()
		log.Info("deadman enabled", "lifetime", lifetime)
		applier = psk.NewDeadman(applier, lifetime, log)
	}
	return applier, nil
}

// buildParams assembles the derivation parameters: the optional initial
// PSK and the two WireGuard public keys (zero in file output mode, where
// no tunnel identity exists).
func buildParams(cfg *config.Config) (exchange.Params, error) {
	var initial [psk.KeySize]byte
	if cfg.Peer.PSKFile != "" {
		var err error
		initial, err = psk.LoadKeyFile(cfg.Peer.PSKFile)
		if err != nil {
			return exchange.Params{}, fmt.Errorf("load initial PSK: %w", err)
		}
	}

	var selfKey, peerKey [32]byte
	if cfg.WireGuard.Interface != "" {
		s, err := decodeKey(cfg.WireGuard.SelfPublicKey)
		if err != nil {
			return exchange.Params{}, fmt.Errorf("decode self public key: %w", err)
		}
		p, err := decodeKey(cfg.WireGuard.PeerPublicKey)
		if err != nil {
			return exchange.Params{}, fmt.Errorf("decode peer public key: %w", err)
		}
		selfKey, peerKey = s, p
	}

	return exchange.NewParams(initial, selfKey, peerKey), nil
}

func decodeKey(encoded string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return key, err
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
