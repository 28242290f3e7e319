// Package config loads and validates the qkdtun daemon configuration.
package config

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRotationInterval is used when etsi014.interval_secs is not set.
const DefaultRotationInterval = 120 * time.Second

// Config holds all configuration for the qkdtun daemon
type Config struct {
	Peer      PeerConfig      `yaml:"peer"`
	ETSI014   ETSI014Config   `yaml:"etsi014"`
	WireGuard WireGuardConfig `yaml:"wireguard"`
	Outfile   *OutfileConfig  `yaml:"outfile,omitempty"`
	Deadman   DeadmanConfig   `yaml:"deadman"`

	// StateFile is where the rotation record is persisted.
	StateFile string `yaml:"state_file"`

	// MetricsListen, when set, exposes Prometheus metrics on this address.
	MetricsListen string `yaml:"metrics_listen,omitempty"`
}

// PeerConfig describes the channel to the remote qkdtun instance.
// Exactly one of Listen or Endpoint must be set: the listening side
// acts as the master of the key exchange, the connecting side as slave.
type PeerConfig struct {
	Listen   string `yaml:"listen,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`

	// PSKFile optionally seeds the derivation chain with an initial
	// base64-encoded 32-byte key. A zero key is used when absent.
	PSKFile string `yaml:"psk_file,omitempty"`
}

// ETSI014Config holds the connection parameters for the local QKD device.
type ETSI014Config struct {
	URL          string `yaml:"url"`
	RemoteSAEID  string `yaml:"remote_sae_id"`
	IntervalSecs int    `yaml:"interval_secs,omitempty"`

	TLSCACert string `yaml:"tls_cacert,omitempty"`
	TLSCert   string `yaml:"tls_cert,omitempty"`
	TLSKey    string `yaml:"tls_key,omitempty"`

	// DangerAllowInsecureNoServerName waives the TLS server name check
	// while still validating the certificate chain. Only intended for
	// test fixtures whose certificate subject does not match the URL.
	DangerAllowInsecureNoServerName bool `yaml:"danger_allow_insecure_no_server_name,omitempty"`
}

// WireGuardConfig identifies the PSK slot to rotate: the peer entry
// matching PeerPublicKey on the named interface.
type WireGuardConfig struct {
	Interface     string `yaml:"interface,omitempty"`
	SelfPublicKey string `yaml:"self_public_key"`
	PeerPublicKey string `yaml:"peer_public_key"`
}

// OutfileConfig selects file output mode instead of a live WireGuard
// interface; used for validation without a kernel interface.
type OutfileConfig struct {
	Path string `yaml:"path"`
}

// DeadmanConfig enables erasing the PSK with a random key when no fresh
// key has been applied within interval+grace. Disabled by default: a
// stale-but-valid PSK normally beats no tunnel.
type DeadmanConfig struct {
	Enabled   bool `yaml:"enabled,omitempty"`
	GraceSecs int  `yaml:"grace_secs,omitempty"`
}

// Role describes which side of the exchange protocol this instance plays.
type Role int

const (
	// RoleMaster binds the peer listen address and drives rotation.
	RoleMaster Role = iota
	// RoleSlave connects to the master and follows its rotations.
	RoleSlave
)

func (r Role) String() string {
	if r == RoleMaster {
		return "master"
	}
	return "slave"
}

// Load reads and validates the configuration file at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if (c.Peer.Listen == "") == (c.Peer.Endpoint == "") {
		return fmt.Errorf("exactly one of peer.listen and peer.endpoint must be set")
	}

	if c.ETSI014.URL == "" {
		return fmt.Errorf("etsi014.url is required")
	}
	u, err := url.Parse(c.ETSI014.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("etsi014.url must be an http(s) URL, got %q", c.ETSI014.URL)
	}
	if c.ETSI014.RemoteSAEID == "" {
		return fmt.Errorf("etsi014.remote_sae_id is required")
	}
	if c.ETSI014.IntervalSecs < 0 {
		return fmt.Errorf("etsi014.interval_secs must not be negative")
	}
	if (c.ETSI014.TLSCert == "") != (c.ETSI014.TLSKey == "") {
		return fmt.Errorf("etsi014.tls_cert and etsi014.tls_key must be set together")
	}

	hasInterface := c.WireGuard.Interface != ""
	hasOutfile := c.Outfile != nil && c.Outfile.Path != ""
	if hasInterface == hasOutfile {
		return fmt.Errorf("exactly one of wireguard.interface and outfile.path must be set")
	}

	if hasInterface {
		if err := validatePublicKey(c.WireGuard.SelfPublicKey); err != nil {
			return fmt.Errorf("wireguard.self_public_key: %w", err)
		}
		if err := validatePublicKey(c.WireGuard.PeerPublicKey); err != nil {
			return fmt.Errorf("wireguard.peer_public_key: %w", err)
		}
	}

	if c.StateFile == "" {
		return fmt.Errorf("state_file is required")
	}
	return nil
}

// Role derives the protocol role from the peer channel configuration
func (c *Config) Role() Role {
	if c.Peer.Listen != "" {
		return RoleMaster
	}
	return RoleSlave
}

// RotationInterval returns the configured rotation interval or the default
func (c *Config) RotationInterval() time.Duration {
	if c.ETSI014.IntervalSecs > 0 {
		return time.Duration(c.ETSI014.IntervalSecs) * time.Second
	}
	return DefaultRotationInterval
}

// DeadmanGrace returns the configured deadman grace period or a default
// of 30 seconds.
func (c *Config) DeadmanGrace() time.Duration {
	if c.Deadman.GraceSecs > 0 {
		return time.Duration(c.Deadman.GraceSecs) * time.Second
	}
	return 30 * time.Second
}

func validatePublicKey(key string) error {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return fmt.Errorf("invalid base64: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	return nil
}
