package simulator

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, keysResponse) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var body keysResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp, body
}

func TestEncThenDecReturnsSameKey(t *testing.T) {
	srv := httptest.NewServer(New(testLogger()).Router())
	defer srv.Close()

	resp, enc := get(t, srv, "/api/v1/keys/sae-b/enc_keys?number=1&key_length=256")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, enc.Keys, 1)

	resp, dec := get(t, srv, "/api/v1/keys/sae-b/dec_keys?key_ID="+enc.Keys[0].ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, dec.Keys, 1)

	assert.Equal(t, enc.Keys[0].ID, dec.Keys[0].ID)
	assert.Equal(t, enc.Keys[0].Key, dec.Keys[0].Key)
}

func TestTwoInstancesAgreeOnMaterial(t *testing.T) {
	// Two independent simulators stand in for the two ends of a QKD
	// link: the slave-side instance must serve an id it never allocated
	// itself, on the first request, with the same material.
	a := httptest.NewServer(New(testLogger()).Router())
	defer a.Close()
	b := httptest.NewServer(New(testLogger()).Router())
	defer b.Close()

	resp, enc := get(t, a, "/api/v1/keys/sae-b/enc_keys?number=1&key_length=256")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, dec := get(t, b, "/api/v1/keys/sae-a/dec_keys?key_ID="+enc.Keys[0].ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, enc.Keys[0].Key, dec.Keys[0].Key)
}

func TestDecKeysDoesNotCollideWithLaterAllocations(t *testing.T) {
	// Serving a foreign id advances the counter, so a subsequent
	// enc_keys hands out a fresh id.
	srv := httptest.NewServer(New(testLogger()).Router())
	defer srv.Close()

	foreign := "00000000-0000-0000-0000-000000000005"
	resp, dec := get(t, srv, "/api/v1/keys/sae-b/dec_keys?key_ID="+foreign)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, dec.Keys, 1)

	resp, enc := get(t, srv, "/api/v1/keys/sae-b/enc_keys?number=1&key_length=256")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, foreign, enc.Keys[0].ID)
}

func TestDecKeysWithheld(t *testing.T) {
	sim := New(testLogger())
	srv := httptest.NewServer(sim.Router())
	defer srv.Close()

	sim.Withhold(2)
	id := "00000000-0000-0000-0000-000000000001"

	for i := 0; i < 2; i++ {
		resp, _ := get(t, srv, "/api/v1/keys/sae-b/dec_keys?key_ID="+id)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "attempt %d", i+1)
	}

	resp, _ := get(t, srv, "/api/v1/keys/sae-b/dec_keys?key_ID="+id)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDecKeysValidation(t *testing.T) {
	srv := httptest.NewServer(New(testLogger()).Router())
	defer srv.Close()

	resp, _ := get(t, srv, "/api/v1/keys/sae-b/dec_keys")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = get(t, srv, "/api/v1/keys/sae-b/dec_keys?key_ID=not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMaterialIsKeySizeAndDeterministic(t *testing.T) {
	srv := httptest.NewServer(New(testLogger()).Router())
	defer srv.Close()

	_, enc := get(t, srv, "/api/v1/keys/sae-b/enc_keys?number=1&key_length=256")
	raw, err := base64.StdEncoding.DecodeString(enc.Keys[0].Key)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	assert.Equal(t, raw[:16], raw[16:], "material is the id bytes doubled")
}
