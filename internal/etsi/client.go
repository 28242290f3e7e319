// Package etsi implements a client for the ETSI GS QKD 014 REST API,
// through which a co-located QKD device hands out key material.
package etsi

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qkdtun/qkdtun/internal/config"
)

// KeySize is the QKD key material length in bytes. The client always
// requests 256-bit keys, matching the WireGuard PSK size.
const KeySize = 32

const defaultRequestTimeout = 10 * time.Second

// Sentinel errors for the QKD error taxonomy. Callers discriminate with
// errors.Is; only ErrKeyNotFound is retryable within a rotation cycle.
var (
	// ErrKeyNotFound means the device has not (yet) materialized the
	// requested key id. Expected under clock or latency skew between the
	// two QKD endpoints, so callers retry it with backoff.
	ErrKeyNotFound = errors.New("qkd key not found")

	// ErrUnavailable means the device returned no key material, typically
	// because key generation is slower than consumption.
	ErrUnavailable = errors.New("qkd device has no key material available")
)

// TransportError wraps network and TLS level failures.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("qkd transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unexpected device response.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("qkd protocol: %s", e.Reason) }

// Key is one unit of QKD key material. The same ID refers to the same
// Material on both ends of a QKD link. A key must be consumed exactly
// once; callers zero Material when done with it.
type Key struct {
	ID       uuid.UUID
	Material [KeySize]byte
}

// Zero overwrites the key material in place.
func (k *Key) Zero() {
	for i := range k.Material {
		k.Material[i] = 0
	}
}

// Client talks to one QKD device's ETSI014 endpoint.
type Client struct {
	baseURL     string
	remoteSAEID string
	httpClient  *http.Client
}

// New builds a Client from the etsi014 configuration section, including
// the TLS/mTLS transport setup.
func New(cfg config.ETSI014Config) (*Client, error) {
	transport := &http.Transport{}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.URL, "/"),
		remoteSAEID: cfg.RemoteSAEID,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   defaultRequestTimeout,
		},
	}, nil
}

// buildTLSConfig assembles the client TLS configuration: optional pinned
// CA, optional client certificate, optional server name check bypass.
func buildTLSConfig(cfg config.ETSI014Config) (*tls.Config, error) {
	if cfg.TLSCACert == "" && cfg.TLSCert == "" && !cfg.DangerAllowInsecureNoServerName {
		return nil, nil
	}

	tlsConfig := &tls.Config{}

	var roots *x509.CertPool
	if cfg.TLSCACert != "" {
		pem, err := os.ReadFile(cfg.TLSCACert)
		if err != nil {
			return nil, fmt.Errorf("read TLS CA certificate: %w", err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLSCACert)
		}
		tlsConfig.RootCAs = roots
	}

	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load TLS client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.DangerAllowInsecureNoServerName {
		// The chain is still verified against the configured roots; only
		// the hostname check is waived. InsecureSkipVerify disables Go's
		// built-in verification so the custom callback runs instead.
		tlsConfig.InsecureSkipVerify = true
		tlsConfig.VerifyPeerCertificate = verifyChainIgnoringName(roots)
	}

	return tlsConfig, nil
}

func verifyChainIgnoringName(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("server presented no certificate")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("parse server certificate: %w", err)
			}
			certs = append(certs, cert)
		}

		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}

		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			// DNSName left empty: chain validity without a name check.
		}
		if _, err := certs[0].Verify(opts); err != nil {
			return fmt.Errorf("verify server certificate chain: %w", err)
		}
		return nil
	}
}

// responseKey matches the ETSI014 JSON wire format.
type responseKey struct {
	ID  string `json:"key_ID"`
	Key string `json:"key"`
}

type responseKeys struct {
	Keys []responseKey `json:"keys"`
}

// GetKey allocates a fresh key from the device (enc_keys). Master role only.
func (c *Client) GetKey(ctx context.Context) (*Key, error) {
	uri := fmt.Sprintf("%s/api/v1/keys/%s/enc_keys?number=1&key_length=256",
		c.baseURL, url.PathEscape(c.remoteSAEID))
	key, err := c.fetch(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("fetch new key: %w", err)
	}
	return key, nil
}

// GetKeyByID retrieves the key matching an identifier announced by the
// remote peer (dec_keys). Slave role only.
func (c *Client) GetKeyByID(ctx context.Context, id uuid.UUID) (*Key, error) {
	uri := fmt.Sprintf("%s/api/v1/keys/%s/dec_keys?key_ID=%s",
		c.baseURL, url.PathEscape(c.remoteSAEID), id)
	key, err := c.fetch(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("fetch key %s: %w", id, err)
	}
	return key, nil
}

func (c *Client) fetch(ctx context.Context, uri string) (*Key, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrKeyNotFound
	case resp.StatusCode == http.StatusServiceUnavailable:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrUnavailable
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, body),
		}
	}

	var keys responseKeys
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("decode response: %v", err)}
	}

	if len(keys.Keys) == 0 {
		return nil, ErrUnavailable
	}
	if len(keys.Keys) != 1 {
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("expected exactly one key, got %d", len(keys.Keys)),
		}
	}

	return parseKey(keys.Keys[0])
}

func parseKey(rk responseKey) (*Key, error) {
	id, err := uuid.Parse(rk.ID)
	if err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid key_ID %q: %v", rk.ID, err)}
	}

	raw, err := base64.StdEncoding.DecodeString(rk.Key)
	if err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid base64 key material: %v", err)}
	}
	if len(raw) != KeySize {
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("expected %d bytes of key material, got %d", KeySize, len(raw)),
		}
	}

	key := &Key{ID: id}
	copy(key.Material[:], raw)
	for i := range raw {
		raw[i] = 0
	}
	return key, nil
}
