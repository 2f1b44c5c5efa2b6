package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGateway(t *testing.T, handler http.Handler) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, strings.TrimPrefix(srv.URL, "http://")
}

func writeOK(w http.ResponseWriter, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "OK",
		"result": result,
	})
}

// TestParameters verifies envelope decoding.
func TestParameters(t *testing.T) {
	_, host := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/bounties/parameters", r.URL.Path)
		require.Equal(t, "side", r.URL.Query().Get("chain"))
		writeOK(w, map[string]uint64{
			"assertion_reveal_window": 25,
			"arbiter_vote_window":     25,
		})
	}))

	client := NewClient(host, "0xdeadbeef", "side")
	params, err := client.Parameters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(25), params.AssertionRevealWindow)
	assert.Equal(t, uint64(25), params.ArbiterVoteWindow)
}

// TestVoteFlow verifies the signed-call sequence: nonce, vote, forward
// transactions.
func TestVoteFlow(t *testing.T) {
	var calls []string
	_, host := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		switch r.URL.Path {
		case "/nonce":
			writeOK(w, 42)
		case "/bounties/guid-1/vote":
			require.Equal(t, "42", r.URL.Query().Get("base_nonce"))
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, false, body["valid_bloom"])
			assert.Len(t, body["votes"], 2)
			writeOK(w, map[string]interface{}{"transactions": []string{"0xf00"}})
		case "/transactions":
			var body map[string][]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, []string{"0xf00"}, body["transactions"])
			writeOK(w, map[string]interface{}{})
		default:
			t.Fatalf("unexpected call %s", r.URL.Path)
		}
	}))

	client := NewClient(host, "0xdeadbeef", "side")
	err := client.Vote(context.Background(), "guid-1", []bool{true, false})
	require.NoError(t, err)
	assert.Equal(t, []string{"/nonce", "/bounties/guid-1/vote", "/transactions"}, calls)
}

// TestErrorClassification verifies the NotFound and Transient classes.
func TestErrorClassification(t *testing.T) {
	var status atomic.Int64
	_, host := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		fmt.Fprint(w, `{"status":"ERROR"}`)
	}))

	client := NewClient(host, "0xdeadbeef", "side")

	status.Store(http.StatusNotFound)
	err := client.Settle(context.Background(), "gone")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsTransient(err))

	status.Store(http.StatusServiceUnavailable)
	err = client.Settle(context.Background(), "gone")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsNotFound(err))

	status.Store(http.StatusBadRequest)
	err = client.Settle(context.Background(), "gone")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.False(t, IsNotFound(err))

	// Plain IO errors are transient.
	assert.True(t, IsTransient(errors.New("connection reset")))
}

// TestManifestNotFound verifies 404 surfaces as the NotFound class.
func TestManifestNotFound(t *testing.T) {
	_, host := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	store, err := NewArtifactStore(host, t.TempDir())
	require.NoError(t, err)

	_, err = store.Manifest(context.Background(), "QmMissing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

// TestArtifactFetchCaches verifies bodies are fetched once per hash.
func TestArtifactFetchCaches(t *testing.T) {
	var hits atomic.Int64
	_, host := testGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "MZ payload")
	}))

	store, err := NewArtifactStore(host, t.TempDir())
	require.NoError(t, err)

	path, err := store.Fetch(context.Background(), "QmUri", 0, "QmHash")
	require.NoError(t, err)
	again, err := store.Fetch(context.Background(), "QmUri", 0, "QmHash")
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, int64(1), hits.Load())
}
