// Package simulator provides a minimal ETSI GS QKD 014 compatible server
// for testing rotation without QKD hardware.
//
// Key material is derived deterministically from the key id (the 16 id
// bytes, doubled), so two independent simulator instances hand out
// correlated keys for the same id — exactly the property a real QKD link
// provides.
package simulator

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type keyResponse struct {
	ID  string `json:"key_ID"`
	Key string `json:"key"`
}

type keysResponse struct {
	Keys []keyResponse `json:"keys"`
}

// Server implements the two ETSI014 endpoints the daemon consumes.
type Server struct {
	counter  atomic.Uint64
	withhold atomic.Int64
	log      *slog.Logger
}

// New returns a simulator with its key counter starting at 1.
func New(log *slog.Logger) *Server {
	s := &Server{log: log}
	s.counter.Store(1)
	return s
}

// Withhold makes the next n dec_keys requests report the key as not yet
// materialized, simulating the latency skew between two real QKD
// endpoints. Clients see the retryable not-found condition.
func (s *Server) Withhold(n int64) {
	s.withhold.Store(n)
}

// Router mounts the ETSI014 routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/api/v1/keys/{saeID}/enc_keys", s.handleEncKeys)
	r.Get("/api/v1/keys/{saeID}/dec_keys", s.handleDecKeys)
	return r
}

// handleEncKeys allocates the next key: a fresh counter-derived UUID.
func (s *Server) handleEncKeys(w http.ResponseWriter, r *http.Request) {
	count := s.counter.Add(1) - 1

	// The counter value becomes the low bytes of the id, mirroring how
	// the id embeds an allocation order that materialized() can check.
	var raw [16]byte
	for i := 0; i < 8; i++ {
		raw[15-i] = byte(count >> (8 * i))
	}
	id := uuid.UUID(raw)

	s.log.Debug("allocated key", "key_id", id, "sae", chi.URLParam(r, "saeID"))
	writeKey(w, id)
}

// handleDecKeys returns the key for any valid id. The id was allocated
// by the peer's simulator instance, so it is served unconditionally:
// this instance materializes it on first request, advancing its own
// counter past the id's embedded sequence so a later enc_keys never
// re-allocates it. Withhold injects the retryable 404.
func (s *Server) handleDecKeys(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Query().Get("key_ID")
	if param == "" {
		http.Error(w, "key_ID parameter is required", http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(param)
	if err != nil {
		http.Error(w, "invalid key_ID format", http.StatusBadRequest)
		return
	}

	if s.withhold.Load() > 0 && s.withhold.Add(-1) >= 0 {
		s.log.Debug("key not yet materialized", "key_id", id)
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}

	s.materialize(id)
	writeKey(w, id)
}

// materialize advances the counter past the id's embedded sequence
// number.
func (s *Server) materialize(id uuid.UUID) {
	var seq uint64
	for i := 0; i < 8; i++ {
		seq |= uint64(id[15-i]) << (8 * i)
	}
	for {
		cur := s.counter.Load()
		if cur > seq || s.counter.CompareAndSwap(cur, seq+1) {
			return
		}
	}
}

// writeKey emits the ETSI014 JSON body for id, with material derived
// from the id bytes.
func writeKey(w http.ResponseWriter, id uuid.UUID) {
	material := Material(id)

	body := keysResponse{Keys: []keyResponse{{
		ID:  id.String(),
		Key: base64.StdEncoding.EncodeToString(material[:]),
	}}}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// Material derives the 32 bytes of key material for an id: the id bytes
// doubled. Deterministic so independent simulator instances agree.
func Material(id uuid.UUID) [32]byte {
	var material [32]byte
	copy(material[:16], id[:])
	copy(material[16:], id[:])
	return material
}

// TLSConfig builds the server TLS setup: certificate plus optional
// client CA for mutual TLS.
func TLSConfig(certPath, keyPath, caPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caPath)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}
