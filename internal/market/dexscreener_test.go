package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, 2*time.Second, 100)
}

func pairsFixture() map[string]any {
	return map[string]any{"pairs": []map[string]any{
		{
			"chainId": "solana", "dexId": "raydium", "pairAddress": "pair1",
			"baseToken":     map[string]any{"address": "mintA", "symbol": "AAA"},
			"quoteToken":    map[string]any{"address": "So11111111111111111111111111111111111111112", "symbol": "SOL"},
			"priceUsd":      "0.0021",
			"liquidity":     map[string]any{"usd": 12000.5},
			"pairCreatedAt": 1700000000000,
		},
		{
			"chainId": "solana", "dexId": "orca", "pairAddress": "pair2",
			"baseToken":  map[string]any{"address": "mintA", "symbol": "AAA"},
			"quoteToken": map[string]any{"address": "USDC", "symbol": "USDC"},
			"priceUsd":   "0.0020",
			"liquidity":  map[string]any{"usd": 3000},
		},
		{
			"chainId": "ethereum", "dexId": "uniswap", "pairAddress": "pair3",
			"baseToken": map[string]any{"address": "mintA"},
			"liquidity": map[string]any{"usd": 99999},
		},
	}}
}

func TestTokenPairsAndLiquidity(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/latest/dex/tokens/mintA", r.URL.Path)
		json.NewEncoder(w).Encode(pairsFixture())
	})
	ctx := context.Background()

	pairs, err := c.TokenPairs(ctx, "mintA")
	require.NoError(t, err)
	require.Len(t, pairs, 2, "other chains are dropped")
	assert.Equal(t, "SOL", pairs[0].Other("mintA").Symbol)

	liq, err := c.LiquidityUSD(ctx, "mintA")
	require.NoError(t, err)
	assert.InDelta(t, 15000.5, liq, 0.001)

	price, err := c.PriceUSD(ctx, "mintA")
	require.NoError(t, err)
	assert.InDelta(t, 0.0021, price, 1e-9, "deepest pair wins")
}

func TestLiquidity_NoPairs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pairs":null}`))
	})
	_, err := c.LiquidityUSD(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoPairs)
}

func TestNewPairs_BareArray(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/v1/solana", r.URL.Path)
		w.Write([]byte(`[{"chainId":"solana","baseToken":{"address":"m1"},"pairCreatedAt":1}]`))
	})
	pairs, err := c.NewPairs(context.Background(), "/orders/v1/solana")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "m1", pairs[0].BaseToken.Address)
}

func TestHTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.TokenPairs(context.Background(), "x")
	assert.ErrorContains(t, err, "HTTP 429")
	assert.Equal(t, int64(1), c.Stats().Errors)
}
