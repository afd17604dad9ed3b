package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ---------------------------------------------------------------------------
// Live RPC Client: Solana JSON-RPC with rate limiting, retry and a breaker
// ---------------------------------------------------------------------------

// LiveRPCClient connects to a real Solana RPC endpoint.
type LiveRPCClient struct {
	config     RPCConfig
	httpClient *http.Client
	limiter    *rate.Limiter

	nextID atomic.Int64

	// Circuit breaker.
	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool

	// Stats.
	requestCount  atomic.Int64
	errorCount    atomic.Int64
	latencySum    atomic.Int64 // cumulative microseconds
	lastRequestAt atomic.Int64
}

const (
	circuitBreakerThreshold = 10 // open after 10 consecutive errors
	circuitBreakerCooldown  = 30 * time.Second
)

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsRevert reports whether err is a preflight/simulation failure caused by a program error.
// Reverts are deterministic and must not be retried.
func IsRevert(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	blob := rpcErr.Message + string(rpcErr.Data)
	return strings.Contains(blob, "InstructionError") || strings.Contains(blob, "custom program error")
}

// NewLiveRPCClient creates a live Solana RPC client.
func NewLiveRPCClient(config RPCConfig) *LiveRPCClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 10
	}
	burst := int(config.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	return &LiveRPCClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimitRPS), burst),
	}
}

// Endpoint returns the configured HTTP endpoint.
func (c *LiveRPCClient) Endpoint() string {
	return c.config.Endpoint
}

// Close releases idle connections.
func (c *LiveRPCClient) Close() {
	c.httpClient.CloseIdleConnections()
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// call makes a rate-limited, retried JSON-RPC call.
func (c *LiveRPCClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if c.circuitOpen.Load() {
		return nil, fmt.Errorf("rpc: circuit breaker open for %s (too many consecutive errors)", method)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		start := time.Now()
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("rpc: create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("rpc: %s http error: %w", method, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("rpc: %s read response: %w", method, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		c.requestCount.Add(1)
		c.latencySum.Add(time.Since(start).Microseconds())
		c.lastRequestAt.Store(time.Now().UnixMilli())

		if resp.StatusCode == http.StatusTooManyRequests {
			// Not a breaker error; back off harder.
			lastErr = fmt.Errorf("rpc: %s rate limited (429)", method)
			c.errorCount.Add(1)
			select {
			case <-time.After(time.Duration(2<<uint(attempt)) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("rpc: %s HTTP %d: %s", method, resp.StatusCode, string(respBody))
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("rpc: %s unmarshal response: %w", method, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		c.resetErrors()
		if rpcResp.Error != nil {
			return nil, fmt.Errorf("rpc: %s: %w", method, rpcResp.Error)
		}
		return rpcResp.Result, nil
	}

	return nil, fmt.Errorf("rpc: %s failed after %d attempts: %w", method, c.config.MaxRetries+1, lastErr)
}

func (c *LiveRPCClient) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= circuitBreakerThreshold {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Int64("errors", count).Str("endpoint", c.config.Endpoint).Msg("rpc: CIRCUIT BREAKER OPEN - too many consecutive errors")
			go func() {
				time.Sleep(circuitBreakerCooldown)
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Msg("rpc: circuit breaker reset")
			}()
		}
	}
}

func (c *LiveRPCClient) resetErrors() {
	c.consecutiveErrors.Store(0)
}

// ---------------------------------------------------------------------------
// RPCClient interface implementation
// ---------------------------------------------------------------------------

// GetTokenInfo reads the mint account in jsonParsed encoding.
func (c *LiveRPCClient) GetTokenInfo(ctx context.Context, mint string) (*TokenInfo, error) {
	result, err := c.call(ctx, "getAccountInfo", []any{
		mint,
		map[string]any{"encoding": "jsonParsed"},
	})
	if err != nil {
		return nil, err
	}

	var accountResp struct {
		Value *struct {
			Owner string `json:"owner"`
			Data  struct {
				Parsed struct {
					Type string `json:"type"`
					Info struct {
						Decimals        uint8  `json:"decimals"`
						Supply          string `json:"supply"`
						MintAuthority   string `json:"mintAuthority"`
						FreezeAuthority string `json:"freezeAuthority"`
						Extensions      []struct {
							Extension string `json:"extension"`
						} `json:"extensions"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &accountResp); err != nil {
		return nil, fmt.Errorf("rpc: parse token info: %w", err)
	}
	if accountResp.Value == nil {
		return nil, fmt.Errorf("rpc: token %s not found", mint)
	}

	info := accountResp.Value.Data.Parsed.Info
	supply, _ := decimal.NewFromString(info.Supply)
	out := &TokenInfo{
		Mint:            mint,
		Decimals:        info.Decimals,
		Supply:          supply,
		MintAuthority:   info.MintAuthority,
		FreezeAuthority: info.FreezeAuthority,
		ProgramID:       accountResp.Value.Owner,
	}
	for _, e := range info.Extensions {
		out.Extensions = append(out.Extensions, e.Extension)
	}
	return out, nil
}

// GetTopHolders returns the largest token accounts for a mint with their supply share.
func (c *LiveRPCClient) GetTopHolders(ctx context.Context, mint string, limit int) ([]HolderInfo, error) {
	result, err := c.call(ctx, "getTokenLargestAccounts", []any{mint})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value []struct {
			Address string `json:"address"`
			Amount  string `json:"amount"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("rpc: parse holders: %w", err)
	}

	totalSupply := decimal.Zero
	if info, err := c.GetTokenInfo(ctx, mint); err == nil && info.Supply.IsPositive() {
		totalSupply = info.Supply
	}

	holders := make([]HolderInfo, 0, limit)
	for i, h := range resp.Value {
		if i >= limit {
			break
		}
		balance, _ := decimal.NewFromString(h.Amount)
		pct := 0.0
		if totalSupply.IsPositive() {
			pct, _ = balance.Div(totalSupply).Mul(decimal.NewFromInt(100)).Float64()
		}
		holders = append(holders, HolderInfo{Address: h.Address, Balance: balance, Percentage: pct})
	}
	return holders, nil
}

// GetBalance returns the native balance of wallet in SOL.
func (c *LiveRPCClient) GetBalance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	result, err := c.call(ctx, "getBalance", []any{wallet, map[string]any{"commitment": "confirmed"}})
	if err != nil {
		return decimal.Zero, err
	}
	var balResp struct {
		Value uint64 `json:"value"`
	}
	if err := json.Unmarshal(result, &balResp); err != nil {
		return decimal.Zero, fmt.Errorf("rpc: parse balance: %w", err)
	}
	return LamportsToSOL(balResp.Value), nil
}

// GetSignaturesForAddress returns newest-first signatures touching address.
func (c *LiveRPCClient) GetSignaturesForAddress(ctx context.Context, address string, opts SignatureOpts) ([]SignatureInfo, error) {
	cfg := map[string]any{"commitment": "confirmed"}
	if opts.Limit > 0 {
		cfg["limit"] = opts.Limit
	}
	if opts.Before != "" {
		cfg["before"] = opts.Before
	}
	if opts.Until != "" {
		cfg["until"] = opts.Until
	}
	result, err := c.call(ctx, "getSignaturesForAddress", []any{address, cfg})
	if err != nil {
		return nil, err
	}

	var sigs []struct {
		Signature string          `json:"signature"`
		Slot      uint64          `json:"slot"`
		BlockTime *int64          `json:"blockTime"`
		Err       json.RawMessage `json:"err"`
	}
	if err := json.Unmarshal(result, &sigs); err != nil {
		return nil, fmt.Errorf("rpc: parse signatures: %w", err)
	}

	out := make([]SignatureInfo, 0, len(sigs))
	for _, s := range sigs {
		info := SignatureInfo{
			Signature: s.Signature,
			Slot:      s.Slot,
			Failed:    len(s.Err) > 0 && string(s.Err) != "null",
		}
		if s.BlockTime != nil {
			t := time.Unix(*s.BlockTime, 0).UTC()
			info.BlockTime = &t
		}
		out = append(out, info)
	}
	return out, nil
}

// GetTransaction fetches a confirmed transaction in jsonParsed encoding.
func (c *LiveRPCClient) GetTransaction(ctx context.Context, sig string) (*TransactionView, error) {
	result, err := c.call(ctx, "getTransaction", []any{
		sig,
		map[string]any{
			"encoding":                       "jsonParsed",
			"commitment":                     "confirmed",
			"maxSupportedTransactionVersion": 0,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, fmt.Errorf("rpc: transaction %s not found", sig)
	}
	var view TransactionView
	if err := json.Unmarshal(result, &view); err != nil {
		return nil, fmt.Errorf("rpc: parse transaction: %w", err)
	}
	return &view, nil
}

// GetLatestBlockhash returns a recent blockhash at confirmed commitment.
func (c *LiveRPCClient) GetLatestBlockhash(ctx context.Context) (string, error) {
	result, err := c.call(ctx, "getLatestBlockhash", []any{map[string]any{"commitment": "confirmed"}})
	if err != nil {
		return "", err
	}
	var resp struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("rpc: parse blockhash: %w", err)
	}
	return resp.Value.Blockhash, nil
}

// SimulateTransaction simulates a signed or unsigned base64 transaction.
func (c *LiveRPCClient) SimulateTransaction(ctx context.Context, txBase64 string) (*SimulationResult, error) {
	result, err := c.call(ctx, "simulateTransaction", []any{
		txBase64,
		map[string]any{
			"encoding":               "base64",
			"sigVerify":              false,
			"replaceRecentBlockhash": true,
			"commitment":             "processed",
		},
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Value struct {
			Err           json.RawMessage `json:"err"`
			Logs          []string        `json:"logs"`
			UnitsConsumed uint64          `json:"unitsConsumed"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("rpc: parse simulation: %w", err)
	}
	out := &SimulationResult{Logs: resp.Value.Logs, UnitsConsumed: resp.Value.UnitsConsumed}
	if e := resp.Value.Err; len(e) > 0 && string(e) != "null" {
		out.Err = string(e)
	}
	return out, nil
}

// SendTransaction submits a signed base64 transaction with preflight.
func (c *LiveRPCClient) SendTransaction(ctx context.Context, txBase64 string) (string, error) {
	result, err := c.call(ctx, "sendTransaction", []any{
		txBase64,
		map[string]any{
			"encoding":            "base64",
			"skipPreflight":       false,
			"preflightCommitment": "confirmed",
			"maxRetries":          0,
		},
	})
	if err != nil {
		return "", err
	}
	var sig string
	if err := json.Unmarshal(result, &sig); err != nil {
		return "", fmt.Errorf("rpc: parse signature: %w", err)
	}
	return sig, nil
}

// GetSignatureStatus returns the confirmation status of sig.
func (c *LiveRPCClient) GetSignatureStatus(ctx context.Context, sig string) (*SignatureStatus, error) {
	result, err := c.call(ctx, "getSignatureStatuses", []any{
		[]string{sig},
		map[string]any{"searchTransactionHistory": false},
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Value []*struct {
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("rpc: parse status: %w", err)
	}
	if len(resp.Value) == 0 || resp.Value[0] == nil {
		return &SignatureStatus{}, nil
	}
	st := &SignatureStatus{Confirmation: resp.Value[0].ConfirmationStatus}
	if e := resp.Value[0].Err; len(e) > 0 && string(e) != "null" {
		st.Err = string(e)
	}
	return st, nil
}

// GetRecentPrioritizationFees returns the non-zero fees of recent slots.
func (c *LiveRPCClient) GetRecentPrioritizationFees(ctx context.Context) ([]uint64, error) {
	result, err := c.call(ctx, "getRecentPrioritizationFees", nil)
	if err != nil {
		return nil, err
	}
	var fees []struct {
		Slot              uint64 `json:"slot"`
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	if err := json.Unmarshal(result, &fees); err != nil {
		return nil, fmt.Errorf("rpc: parse fees: %w", err)
	}
	values := make([]uint64, 0, len(fees))
	for _, f := range fees {
		if f.PrioritizationFee > 0 {
			values = append(values, f.PrioritizationFee)
		}
	}
	return values, nil
}

// Health checks the RPC endpoint health.
func (c *LiveRPCClient) Health(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.call(healthCtx, "getHealth", nil)
	return err
}

// RPCStats returns RPC client statistics.
type RPCStats struct {
	RequestCount  int64 `json:"request_count"`
	ErrorCount    int64 `json:"error_count"`
	AvgLatencyUs  int64 `json:"avg_latency_us"`
	LastRequestAt int64 `json:"last_request_at"`
	CircuitOpen   bool  `json:"circuit_open"`
	ConsecErrors  int64 `json:"consecutive_errors"`
}

func (c *LiveRPCClient) Stats() RPCStats {
	reqCount := c.requestCount.Load()
	avgLatency := int64(0)
	if reqCount > 0 {
		avgLatency = c.latencySum.Load() / reqCount
	}
	return RPCStats{
		RequestCount:  reqCount,
		ErrorCount:    c.errorCount.Load(),
		AvgLatencyUs:  avgLatency,
		LastRequestAt: c.lastRequestAt.Load(),
		CircuitOpen:   c.circuitOpen.Load(),
		ConsecErrors:  c.consecutiveErrors.Load(),
	}
}

// ---------------------------------------------------------------------------
// Venue program ids
// ---------------------------------------------------------------------------

// DEXPrograms maps venue names to mainnet program ids.
var DEXPrograms = map[string]string{
	"raydium": "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8", // Raydium AMM V4
	"pumpfun": "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P",  // Pump.fun
	"orca":    "whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc",  // Orca Whirlpool
	"meteora": "LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo",  // Meteora DLMM
	"jupiter": "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4",  // Jupiter v6 router
}

var programToDEX map[string]string

func init() {
	programToDEX = make(map[string]string, len(DEXPrograms))
	for dex, pid := range DEXPrograms {
		programToDEX[pid] = dex
	}
}

// ProgramIDToDEX returns the venue name for a program id, "" if unknown.
func ProgramIDToDEX(programID string) string {
	return programToDEX[programID]
}
