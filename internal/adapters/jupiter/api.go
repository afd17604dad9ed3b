package jupiter

import (
	"bytes"
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
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/solana"
)

// ---------------------------------------------------------------------------
// Jupiter V6 API Client: quote, swap, price and token-list endpoints
// ---------------------------------------------------------------------------

const (
	maxRetries   = 2
	retryBackoff = 500 * time.Millisecond

	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

var (
	ErrCircuitOpen = errors.New("jupiter: circuit breaker open")
	ErrNoRoute     = errors.New("jupiter: no route")
)

// APIConfig holds the endpoint URLs.
type APIConfig struct {
	QuoteURL string
	SwapURL  string
	PriceURL string
	TokenURL string
	Timeout  time.Duration
}

// APIClient is the Jupiter V6 HTTP client.
type APIClient struct {
	config     APIConfig
	httpClient *http.Client

	quoteCount   atomic.Int64
	swapCount    atomic.Int64
	priceCount   atomic.Int64
	errorCount   atomic.Int64
	avgLatencyMs atomic.Int64

	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool
}

// NewAPIClient creates a new Jupiter API client.
func NewAPIClient(config APIConfig) *APIClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &APIClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// ---------------------------------------------------------------------------
// Quote API
// ---------------------------------------------------------------------------

// QuoteRequest asks for the best route for a swap.
type QuoteRequest struct {
	InputMint        string
	OutputMint       string
	Amount           uint64 // smallest unit of InputMint
	SlippageBps      int
	OnlyDirectRoutes bool
}

// Quote is a routed quote. Raw is the verbatim response and is what /swap receives.
type Quote struct {
	InputMint      string
	OutputMint     string
	InAmount       uint64
	OutAmount      uint64
	MinOutAmount   uint64
	PriceImpactPct float64
	SlippageBps    int
	OutDecimals    *uint8
	Venues         []string
	Raw            json.RawMessage
}

type quoteWire struct {
	InputMint            string `json:"inputMint"`
	OutputMint           string `json:"outputMint"`
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	PriceImpactPct       string `json:"priceImpactPct"`
	SlippageBps          int    `json:"slippageBps"`
	OutDecimals          *uint8 `json:"outDecimals,omitempty"`
	RoutePlan            []struct {
		Percent  int `json:"percent"`
		SwapInfo struct {
			AmmKey string `json:"ammKey"`
			Label  string `json:"label"`
		} `json:"swapInfo"`
	} `json:"routePlan"`
}

func parseQuote(body []byte) (*Quote, error) {
	var w quoteWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("jupiter: parse quote: %w", err)
	}
	in, err := strconv.ParseUint(w.InAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("jupiter: parse inAmount %q: %w", w.InAmount, err)
	}
	out, err := strconv.ParseUint(w.OutAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("jupiter: parse outAmount %q: %w", w.OutAmount, err)
	}
	if out == 0 || len(w.RoutePlan) == 0 {
		return nil, ErrNoRoute
	}
	minOut, _ := strconv.ParseUint(w.OtherAmountThreshold, 10, 64)
	impact, _ := strconv.ParseFloat(w.PriceImpactPct, 64)

	q := &Quote{
		InputMint:      w.InputMint,
		OutputMint:     w.OutputMint,
		InAmount:       in,
		OutAmount:      out,
		MinOutAmount:   minOut,
		PriceImpactPct: impact,
		SlippageBps:    w.SlippageBps,
		OutDecimals:    w.OutDecimals,
		Raw:            json.RawMessage(append([]byte(nil), body...)),
	}
	for _, r := range w.RoutePlan {
		q.Venues = append(q.Venues, r.SwapInfo.Label)
	}
	return q, nil
}

// GetQuote fetches the best swap route.
func (c *APIClient) GetQuote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if req.Amount == 0 {
		return nil, fmt.Errorf("jupiter: zero amount")
	}

	queryURL, err := url.Parse(c.config.QuoteURL)
	if err != nil {
		return nil, fmt.Errorf("jupiter: parse URL: %w", err)
	}
	q := queryURL.Query()
	q.Set("inputMint", req.InputMint)
	q.Set("outputMint", req.OutputMint)
	q.Set("amount", strconv.FormatUint(req.Amount, 10))
	q.Set("slippageBps", strconv.Itoa(req.SlippageBps))
	q.Set("onlyDirectRoutes", strconv.FormatBool(req.OnlyDirectRoutes))
	queryURL.RawQuery = q.Encode()

	start := time.Now()
	body, err := c.do(ctx, http.MethodGet, queryURL.String(), nil, "quote")
	if err != nil {
		return nil, err
	}
	quote, err := parseQuote(body)
	if err != nil {
		return nil, err
	}

	latency := time.Since(start).Milliseconds()
	c.quoteCount.Add(1)
	c.avgLatencyMs.Store(latency)

	log.Debug().
		Str("in", short(quote.InputMint)).
		Str("out", short(quote.OutputMint)).
		Uint64("in_amount", quote.InAmount).
		Uint64("out_amount", quote.OutAmount).
		Float64("price_impact", quote.PriceImpactPct).
		Int64("latency_ms", latency).
		Msg("jupiter: quote received")

	return quote, nil
}

// ---------------------------------------------------------------------------
// Swap API
// ---------------------------------------------------------------------------

// SwapOptions tune the /swap transaction build.
type SwapOptions struct {
	WrapUnwrapSOL       bool
	FeeAccount          string
	PriorityFeeLamports uint64
}

type swapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSOL          bool            `json:"wrapAndUnwrapSol"`
	FeeAccount                string          `json:"feeAccount,omitempty"`
	PrioritizationFeeLamports uint64          `json:"prioritizationFeeLamports,omitempty"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
}

// GetSwapTransaction builds an unsigned base64 swap transaction for userPubkey.
func (c *APIClient) GetSwapTransaction(ctx context.Context, quote *Quote, userPubkey string, opts SwapOptions) (string, error) {
	if quote == nil || len(quote.Raw) == 0 {
		return "", fmt.Errorf("jupiter: swap without quote")
	}
	body, err := json.Marshal(swapRequest{
		QuoteResponse:             quote.Raw,
		UserPublicKey:             userPubkey,
		WrapAndUnwrapSOL:          opts.WrapUnwrapSOL,
		FeeAccount:                opts.FeeAccount,
		PrioritizationFeeLamports: opts.PriorityFeeLamports,
		DynamicComputeUnitLimit:   true,
	})
	if err != nil {
		return "", fmt.Errorf("jupiter: marshal swap request: %w", err)
	}

	respBody, err := c.do(ctx, http.MethodPost, c.config.SwapURL, body, "swap")
	if err != nil {
		return "", err
	}
	var swapResp struct {
		SwapTransaction      string `json:"swapTransaction"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	}
	if err := json.Unmarshal(respBody, &swapResp); err != nil {
		return "", fmt.Errorf("jupiter: parse swap response: %w", err)
	}
	if swapResp.SwapTransaction == "" {
		return "", fmt.Errorf("jupiter: empty swap transaction")
	}
	c.swapCount.Add(1)
	return swapResp.SwapTransaction, nil
}

// ---------------------------------------------------------------------------
// Price and token-list APIs
// ---------------------------------------------------------------------------

// GetTokenPrice returns USD prices for mints. Mints without a price are absent from the map.
func (c *APIClient) GetTokenPrice(ctx context.Context, mints []string) (map[string]decimal.Decimal, error) {
	if len(mints) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	queryURL, err := url.Parse(c.config.PriceURL)
	if err != nil {
		return nil, fmt.Errorf("jupiter: parse URL: %w", err)
	}
	q := queryURL.Query()
	q.Set("ids", strings.Join(mints, ","))
	queryURL.RawQuery = q.Encode()

	body, err := c.do(ctx, http.MethodGet, queryURL.String(), nil, "price")
	if err != nil {
		return nil, err
	}
	var priceResp struct {
		Data map[string]struct {
			ID    string          `json:"id"`
			Price json.RawMessage `json:"price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &priceResp); err != nil {
		return nil, fmt.Errorf("jupiter: parse price: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(priceResp.Data))
	for mint, d := range priceResp.Data {
		// Price arrives either as a number or a string depending on API version.
		p, err := decimal.NewFromString(strings.Trim(string(d.Price), `"`))
		if err != nil || !p.IsPositive() {
			continue
		}
		out[mint] = p
	}
	c.priceCount.Add(1)
	return out, nil
}

// GetPriceInSOL returns the price of one whole token in SOL.
func (c *APIClient) GetPriceInSOL(ctx context.Context, mint string) (decimal.Decimal, error) {
	prices, err := c.GetTokenPrice(ctx, []string{mint, solana.SOLMint})
	if err != nil {
		return decimal.Zero, err
	}
	tokenUSD, ok := prices[mint]
	if !ok {
		return decimal.Zero, fmt.Errorf("jupiter: price not found for %s", mint)
	}
	solUSD, ok := prices[solana.SOLMint]
	if !ok {
		return decimal.Zero, fmt.Errorf("jupiter: SOL price unavailable")
	}
	return tokenUSD.Div(solUSD), nil
}

// TokenInfo is token-list metadata.
type TokenInfo struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

// GetTokenInfo fetches metadata for mint from the token-list endpoint.
func (c *APIClient) GetTokenInfo(ctx context.Context, mint string) (*TokenInfo, error) {
	body, err := c.do(ctx, http.MethodGet, strings.TrimRight(c.config.TokenURL, "/")+"/"+url.PathEscape(mint), nil, "token")
	if err != nil {
		return nil, err
	}
	var info TokenInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("jupiter: parse token info: %w", err)
	}
	if info.Address == "" {
		return nil, fmt.Errorf("jupiter: token %s not listed", mint)
	}
	return &info, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// do runs one request with retry and breaker accounting. 4xx other than 429 is not retried.
func (c *APIClient) do(ctx context.Context, method, target string, body []byte, op string) ([]byte, error) {
	if c.circuitOpen.Load() {
		return nil, ErrCircuitOpen
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rdr)
		if err != nil {
			return nil, fmt.Errorf("jupiter: create %s request: %w", op, err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("jupiter: %s HTTP error: %w", op, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("jupiter: read %s response: %w", op, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			c.resetErrors()
			return respBody, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("jupiter: %s rate limited (429)", op)
			c.errorCount.Add(1)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			c.errorCount.Add(1)
			if op == "quote" && bytes.Contains(respBody, []byte("ROUTE")) {
				return nil, fmt.Errorf("%w: %s", ErrNoRoute, string(respBody))
			}
			return nil, fmt.Errorf("jupiter: %s HTTP %d: %s", op, resp.StatusCode, string(respBody))
		default:
			lastErr = fmt.Errorf("jupiter: %s HTTP %d: %s", op, resp.StatusCode, string(respBody))
			c.errorCount.Add(1)
			c.recordError()
		}
	}
	return nil, fmt.Errorf("jupiter: %s failed after %d attempts: %w", op, maxRetries+1, lastErr)
}

func (c *APIClient) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= breakerThreshold {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Int64("errors", count).Msg("jupiter: CIRCUIT BREAKER OPEN")
			go func() {
				time.Sleep(breakerCooldown)
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Msg("jupiter: circuit breaker reset")
			}()
		}
	}
}

func (c *APIClient) resetErrors() {
	c.consecutiveErrors.Store(0)
}

// APIStats returns Jupiter API client stats.
type APIStats struct {
	QuoteCount   int64 `json:"quote_count"`
	SwapCount    int64 `json:"swap_count"`
	PriceCount   int64 `json:"price_count"`
	ErrorCount   int64 `json:"error_count"`
	AvgLatencyMs int64 `json:"avg_latency_ms"`
	CircuitOpen  bool  `json:"circuit_open"`
}

func (c *APIClient) APIStats() APIStats {
	return APIStats{
		QuoteCount:   c.quoteCount.Load(),
		SwapCount:    c.swapCount.Load(),
		PriceCount:   c.priceCount.Load(),
		ErrorCount:   c.errorCount.Load(),
		AvgLatencyMs: c.avgLatencyMs.Load(),
		CircuitOpen:  c.circuitOpen.Load(),
	}
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
