package etsi

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qkdtun/qkdtun/internal/config"
	"github.com/qkdtun/qkdtun/internal/simulator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSimClient(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(simulator.New(testLogger()).Router())
	t.Cleanup(srv.Close)

	client, err := New(config.ETSI014Config{URL: srv.URL, RemoteSAEID: "sae-test"})
	require.NoError(t, err)
	return client
}

func TestGetKey(t *testing.T) {
	client := newSimClient(t)

	key, err := client.GetKey(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, key.ID)
	assert.Equal(t, simulator.Material(key.ID), key.Material)
}

func TestGetKeyByID(t *testing.T) {
	client := newSimClient(t)

	allocated, err := client.GetKey(context.Background())
	require.NoError(t, err)

	fetched, err := client.GetKeyByID(context.Background(), allocated.ID)
	require.NoError(t, err)
	assert.Equal(t, allocated.ID, fetched.ID)
	assert.Equal(t, allocated.Material, fetched.Material)
}

func TestGetKeyByIDNotFound(t *testing.T) {
	sim := simulator.New(testLogger())
	srv := httptest.NewServer(sim.Router())
	t.Cleanup(srv.Close)

	client, err := New(config.ETSI014Config{URL: srv.URL, RemoteSAEID: "sae-test"})
	require.NoError(t, err)

	// A key the device has not materialized yet.
	sim.Withhold(1)
	var raw [16]byte
	raw[15] = 200
	_, err = client.GetKeyByID(context.Background(), uuid.UUID(raw))
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	// Once materialized, the same id resolves.
	key, err := client.GetKeyByID(context.Background(), uuid.UUID(raw))
	require.NoError(t, err)
	assert.Equal(t, uuid.UUID(raw), key.ID)
}

func newStubClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(config.ETSI014Config{URL: srv.URL, RemoteSAEID: "sae-test"})
	require.NoError(t, err)
	return client
}

func TestGetKeyUnavailable(t *testing.T) {
	client := newStubClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"keys": []}`))
	})

	_, err := client.GetKey(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestGetKeyServiceUnavailableStatus(t *testing.T) {
	client := newStubClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := client.GetKey(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestGetKeyProtocolErrors(t *testing.T) {
	shortKey := base64.StdEncoding.EncodeToString(make([]byte, 16))

	tests := []struct {
		name string
		body string
	}{
		{"not json", `garbage`},
		{"bad uuid", `{"keys":[{"key_ID":"nope","key":"AAAA"}]}`},
		{"bad base64", `{"keys":[{"key_ID":"00000000-0000-0000-0000-000000000001","key":"!!"}]}`},
		{"short key", `{"keys":[{"key_ID":"00000000-0000-0000-0000-000000000001","key":"` + shortKey + `"}]}`},
		{"too many keys", `{"keys":[{"key_ID":"00000000-0000-0000-0000-000000000001","key":"AAAA"},{"key_ID":"00000000-0000-0000-0000-000000000002","key":"AAAA"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newStubClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.body))
			})

			_, err := client.GetKey(context.Background())
			var perr *ProtocolError
			assert.True(t, errors.As(err, &perr), "expected protocol error, got %v", err)
		})
	}
}

func TestGetKeyTransportError(t *testing.T) {
	// Server that is immediately closed: connection refused.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := New(config.ETSI014Config{URL: url, RemoteSAEID: "sae-test"})
	require.NoError(t, err)

	_, err = client.GetKey(context.Background())
	var terr *TransportError
	assert.True(t, errors.As(err, &terr), "expected transport error, got %v", err)
}

func TestRequestPaths(t *testing.T) {
	var gotPath, gotQuery string
	client := newStubClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusNotFound)
	})

	client.GetKey(context.Background())
	assert.Equal(t, "/api/v1/keys/sae-test/enc_keys", gotPath)
	assert.Equal(t, "number=1&key_length=256", gotQuery)

	id := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	client.GetKeyByID(context.Background(), id)
	assert.Equal(t, "/api/v1/keys/sae-test/dec_keys", gotPath)
	assert.Contains(t, gotQuery, "key_ID=00000000-0000-0000-0000-000000000001")
}

func TestTrailingSlashBaseURL(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	client, err := New(config.ETSI014Config{URL: srv.URL + "/", RemoteSAEID: "sae-test"})
	require.NoError(t, err)

	client.GetKey(context.Background())
	assert.Equal(t, "/api/v1/keys/sae-test/enc_keys", gotPath)
}

func TestKeyZero(t *testing.T) {
	key := &Key{ID: uuid.New()}
	for i := range key.Material {
		key.Material[i] = 0xff
	}
	key.Zero()
	assert.Equal(t, [KeySize]byte{}, key.Material)
}
