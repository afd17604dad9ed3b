package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJito(t *testing.T, handler http.HandlerFunc) *JitoClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewJitoClient(JitoConfig{Enabled: true, BlockEngineURL: server.URL})
}

func TestJitoClient_SendBundle(t *testing.T) {
	var got rpcRequest
	client := newJito(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bundles", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&got)
		writeResult(w, "bundle-id-12345")
	})

	status, err := client.SendBundle(context.Background(), []string{"tx1", "tx2"}, 100_000)
	require.NoError(t, err)
	assert.Equal(t, "bundle-id-12345", status.BundleID)
	assert.Equal(t, "pending", status.Status)
	assert.Equal(t, "sendBundle", got.Method)

	stats := client.Stats()
	assert.Equal(t, int64(1), stats.BundlesSent)
	assert.Equal(t, "0.0001", stats.TotalTipSOL)
}

func TestJitoClient_SendBundle_Guards(t *testing.T) {
	disabled := NewJitoClient(JitoConfig{})
	_, err := disabled.SendBundle(context.Background(), []string{"tx1"}, 1)
	assert.ErrorContains(t, err, "not enabled")

	enabled := NewJitoClient(JitoConfig{Enabled: true})
	_, err = enabled.SendBundle(context.Background(), nil, 1)
	assert.ErrorContains(t, err, "empty bundle")
}

func TestJitoClient_SendBundle_ServerError(t *testing.T) {
	client := newJito(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": 1,
			"error": map[string]any{"code": -32000, "message": "Bundle simulation failed"},
		})
	})

	_, err := client.SendBundle(context.Background(), []string{"tx1"}, 1)
	assert.ErrorContains(t, err, "simulation failed")
	assert.Equal(t, int64(1), client.Stats().BundlesFailed)
}

func TestJitoClient_WaitForBundle(t *testing.T) {
	calls := 0
	client := newJito(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			writeResult(w, map[string]any{"value": []any{}})
			return
		}
		writeResult(w, map[string]any{"value": []map[string]any{
			{"bundle_id": "b1", "confirmation_status": "confirmed", "slot": 12345, "err": map[string]any{"Ok": nil}},
		}})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := client.WaitForBundle(ctx, "b1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "landed", st.Status)
	assert.Equal(t, uint64(12345), st.Slot)
	assert.Equal(t, int64(1), client.Stats().BundlesLanded)
}

func TestRandomTipAccount(t *testing.T) {
	valid := make(map[string]bool)
	for _, a := range JitoTipAccounts {
		valid[a] = true
	}
	seen := make(map[string]bool)
	for i := 0; i < 400; i++ {
		a := RandomTipAccount()
		require.True(t, valid[a])
		seen[a] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestBuildTipTransaction(t *testing.T) {
	key := solanago.NewWallet().PrivateKey
	tx, err := BuildTipTransaction(key, JitoTipAccounts[0], 10_000, "11111111111111111111111111111111")
	require.NoError(t, err)

	// Re-signing the decoded transaction yields the same signer.
	_, sig, err := SignBase64Transaction(tx, key)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)

	_, _, err = SignBase64Transaction(tx, solanago.NewWallet().PrivateKey)
	assert.Error(t, err, "foreign key cannot sign")
}
