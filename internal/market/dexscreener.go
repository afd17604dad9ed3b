// Package market is the DEX market-data client: pairs, liquidity and USD
// prices per mint from the DexScreener API.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.dexscreener.com"
	chainSolana    = "solana"
)

// ErrNoPairs is returned when a mint has no pairs on the chain.
var ErrNoPairs = errors.New("market: no pairs")

// Token is one side of a pair.
type Token struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

// Pair is a DEX pair as reported by DexScreener.
type Pair struct {
	ChainID     string `json:"chainId"`
	DexID       string `json:"dexId"`
	PairAddress string `json:"pairAddress"`
	BaseToken   Token  `json:"baseToken"`
	QuoteToken  Token  `json:"quoteToken"`
	PriceUSD    string `json:"priceUsd"`
	Liquidity   struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	Volume struct {
		H24 float64 `json:"h24"`
	} `json:"volume"`
	PairCreatedAt int64 `json:"pairCreatedAt"` // unix ms
}

// Price returns the USD price of the base token, if reported.
func (p Pair) Price() (float64, bool) {
	if p.PriceUSD == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(p.PriceUSD, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// Other returns the token on the opposite side of mint.
func (p Pair) Other(mint string) Token {
	if p.BaseToken.Address == mint {
		return p.QuoteToken
	}
	return p.BaseToken
}

// Client is the DexScreener HTTP client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	requests atomic.Int64
	errors   atomic.Int64
}

// NewClient creates a DexScreener client paced at rps requests per second.
func NewClient(baseURL string, timeout time.Duration, rps float64) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

// TokenPairs returns the chain's pairs that include mint.
func (c *Client) TokenPairs(ctx context.Context, mint string) ([]Pair, error) {
	body, err := c.get(ctx, "/latest/dex/tokens/"+url.PathEscape(mint))
	if err != nil {
		return nil, err
	}
	pairs, err := decodePairs(body)
	if err != nil {
		return nil, err
	}
	return onChain(pairs), nil
}

// NewPairs fetches a pair feed at path, e.g. "/orders/v1/solana".
// The endpoint may answer with a bare array or a {"pairs": [...]} object.
func (c *Client) NewPairs(ctx context.Context, path string) ([]Pair, error) {
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	pairs, err := decodePairs(body)
	if err != nil {
		return nil, err
	}
	return onChain(pairs), nil
}

// LiquidityUSD sums pool liquidity across the mint's pairs.
func (c *Client) LiquidityUSD(ctx context.Context, mint string) (float64, error) {
	pairs, err := c.TokenPairs(ctx, mint)
	if err != nil {
		return 0, err
	}
	if len(pairs) == 0 {
		return 0, ErrNoPairs
	}
	total := 0.0
	for _, p := range pairs {
		total += p.Liquidity.USD
	}
	return total, nil
}

// PriceUSD returns the price reported by the deepest pair where mint is the base token.
func (c *Client) PriceUSD(ctx context.Context, mint string) (float64, error) {
	pairs, err := c.TokenPairs(ctx, mint)
	if err != nil {
		return 0, err
	}
	best, bestLiq := 0.0, -1.0
	for _, p := range pairs {
		if p.BaseToken.Address != mint {
			continue
		}
		if price, ok := p.Price(); ok && p.Liquidity.USD > bestLiq {
			best, bestLiq = price, p.Liquidity.USD
		}
	}
	if bestLiq < 0 {
		return 0, ErrNoPairs
	}
	return best, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("market: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.requests.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("market: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("market: read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.errors.Add(1)
		log.Debug().Int("status", resp.StatusCode).Str("path", path).Msg("market: non-200 response")
		return nil, fmt.Errorf("market: GET %s: HTTP %d", path, resp.StatusCode)
	}
	return body, nil
}

func decodePairs(body []byte) ([]Pair, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var pairs []Pair
		if err := json.Unmarshal(body, &pairs); err != nil {
			return nil, fmt.Errorf("market: parse pairs: %w", err)
		}
		return pairs, nil
	}
	var wrapped struct {
		Pairs []Pair `json:"pairs"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("market: parse pairs: %w", err)
	}
	return wrapped.Pairs, nil
}

func onChain(pairs []Pair) []Pair {
	out := pairs[:0]
	for _, p := range pairs {
		if p.ChainID == "" || p.ChainID == chainSolana {
			out = append(out, p)
		}
	}
	return out
}

// ClientStats returns request counters.
type ClientStats struct {
	Requests int64 `json:"requests"`
	Errors   int64 `json:"errors"`
}

func (c *Client) Stats() ClientStats {
	return ClientStats{Requests: c.requests.Load(), Errors: c.errors.Load()}
}
