package jupiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/solana"
)

// ---------------------------------------------------------------------------
// Swap execution: quote, build, sign, submit, confirm
// ---------------------------------------------------------------------------

// Config configures swap execution.
type Config struct {
	API                 APIConfig
	FeeAccount          string
	DefaultSlippageBps  int
	PriorityFeeLamports uint64
	MaxRetries          int
	RetryBackoff        time.Duration
	ConfirmTimeout      time.Duration
	ConfirmPoll         time.Duration
}

// SubmissionKind tags the outcome of a submission.
type SubmissionKind string

const (
	KindConfirmed        SubmissionKind = "confirmed"
	KindBundle           SubmissionKind = "bundle"
	KindSimulationFailed SubmissionKind = "simulation_failed"
	KindTimeout          SubmissionKind = "timeout"
	KindRejected         SubmissionKind = "rejected"
)

// SubmissionResult is the outcome of sending one transaction or bundle.
type SubmissionResult struct {
	Kind      SubmissionKind `json:"kind"`
	Signature string         `json:"signature,omitempty"`
	BundleID  string         `json:"bundle_id,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// OK reports whether the transaction landed.
func (r SubmissionResult) OK() bool {
	return r.Kind == KindConfirmed || r.Kind == KindBundle
}

// SwapParams describes one swap.
type SwapParams struct {
	InputMint   string
	OutputMint  string
	Amount      uint64 // smallest unit of InputMint
	Signer      solanago.PrivateKey
	SlippageBps int
	MaxRetries  int

	// PriorityFeeLamports overrides the configured default when non-zero.
	PriorityFeeLamports uint64
}

// SwapResult is the outcome of a swap.
type SwapResult struct {
	SubmissionResult
	InputMint   string `json:"input_mint"`
	OutputMint  string `json:"output_mint"`
	InAmount    uint64 `json:"in_amount"`
	OutAmount   uint64 `json:"out_amount"`
	OutDecimals *uint8 `json:"out_decimals,omitempty"`
	Protection  string `json:"protection"`
	Attempts    int    `json:"attempts"`
	LatencyMs   int64  `json:"latency_ms"`
}

// TxSender submits a signed base64 transaction and returns its signature.
// The fast submitter satisfies it; by default the RPC client is used.
type TxSender interface {
	SendSigned(ctx context.Context, txBase64 string) (string, error)
}

// Client executes swaps through Jupiter.
type Client struct {
	*APIClient

	config Config
	rpc    solana.RPCClient
	jito   *solana.JitoClient

	mu     sync.RWMutex
	sender TxSender

	swapsExecuted atomic.Int64
	swapsFailed   atomic.Int64
	bundlesUsed   atomic.Int64
	fallbacks     atomic.Int64
	lastSwapTime  atomic.Int64
}

// New creates a new Jupiter swap client. jito may be nil.
func New(config Config, rpc solana.RPCClient, jito *solana.JitoClient) *Client {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = time.Second
	}
	if config.ConfirmTimeout == 0 {
		config.ConfirmTimeout = 60 * time.Second
	}
	if config.ConfirmPoll == 0 {
		config.ConfirmPoll = 2 * time.Second
	}
	if config.DefaultSlippageBps == 0 {
		config.DefaultSlippageBps = 100
	}
	return &Client{
		APIClient: NewAPIClient(config.API),
		config:    config,
		rpc:       rpc,
		jito:      jito,
	}
}

// SetSender routes signed transactions through s instead of the RPC client.
func (c *Client) SetSender(s TxSender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = s
}

func (c *Client) send(ctx context.Context, tx string) (string, error) {
	c.mu.RLock()
	s := c.sender
	c.mu.RUnlock()
	if s != nil {
		return s.SendSigned(ctx, tx)
	}
	return c.rpc.SendTransaction(ctx, tx)
}

// ExecuteSwap quotes, builds, signs and submits a swap, then waits for confirmation.
// Transport failures are retried with a fresh quote; on-chain reverts are not.
func (c *Client) ExecuteSwap(ctx context.Context, p SwapParams) (*SwapResult, error) {
	if len(p.Signer) == 0 {
		return nil, fmt.Errorf("jupiter: swap without signer")
	}
	start := time.Now()
	attempts := p.MaxRetries
	if attempts <= 0 {
		attempts = c.config.MaxRetries
	}

	res := &SwapResult{
		InputMint:  p.InputMint,
		OutputMint: p.OutputMint,
		Protection: "standard",
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(c.config.RetryBackoff):
			case <-ctx.Done():
				return c.fail(res, start, ctx.Err())
			}
		}
		res.Attempts = attempt

		quote, signed, sig, err := c.prepare(ctx, p)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrCircuitOpen) || ctx.Err() != nil {
				break
			}
			log.Warn().Err(err).Int("attempt", attempt).Msg("jupiter: swap prepare failed")
			continue
		}
		res.InAmount = quote.InAmount
		res.OutAmount = quote.OutAmount
		res.OutDecimals = quote.OutDecimals

		if _, err := c.send(ctx, signed); err != nil {
			lastErr = err
			if solana.IsRevert(err) {
				res.SubmissionResult = SubmissionResult{Kind: KindSimulationFailed, Signature: sig, Error: err.Error()}
				return c.fail(res, start, err)
			}
			log.Warn().Err(err).Int("attempt", attempt).Msg("jupiter: swap send failed")
			continue
		}

		sub := c.confirm(ctx, sig)
		res.SubmissionResult = sub
		if sub.OK() {
			return c.succeed(res, start), nil
		}
		// A timed-out transaction may still land, so it is never resubmitted.
		return c.fail(res, start, fmt.Errorf("jupiter: swap %s: %s", sub.Kind, sub.Error))
	}

	if res.Kind == "" {
		res.SubmissionResult = SubmissionResult{Kind: KindRejected}
		if lastErr != nil {
			res.Error = lastErr.Error()
		}
	}
	return c.fail(res, start, fmt.Errorf("jupiter: swap failed after %d attempts: %w", res.Attempts, lastErr))
}

// ExecuteSwapWithJito submits the swap plus a tip transfer as a bundle.
// If the bundle cannot be submitted or is reported failed the swap is retried as a standard transaction.
func (c *Client) ExecuteSwapWithJito(ctx context.Context, p SwapParams, tipLamports, priorityFee uint64) (*SwapResult, error) {
	if c.jito == nil || !c.jito.Enabled() {
		return c.ExecuteSwap(ctx, p)
	}
	start := time.Now()
	p.PriorityFeeLamports = priorityFee

	res, err := c.executeBundle(ctx, p, tipLamports, start)
	if err == nil {
		return res, nil
	}
	if res != nil && res.Kind == KindTimeout {
		return c.fail(res, start, err)
	}

	c.fallbacks.Add(1)
	log.Warn().Err(err).Msg("jupiter: bundle failed, falling back to standard send")
	return c.ExecuteSwap(ctx, p)
}

func (c *Client) executeBundle(ctx context.Context, p SwapParams, tipLamports uint64, start time.Time) (*SwapResult, error) {
	quote, signed, sig, err := c.prepare(ctx, p)
	if err != nil {
		return nil, err
	}
	blockhash, err := c.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("jupiter: blockhash for tip: %w", err)
	}
	tipTx, err := solana.BuildTipTransaction(p.Signer, solana.RandomTipAccount(), tipLamports, blockhash)
	if err != nil {
		return nil, err
	}

	bundle, err := c.jito.SendBundle(ctx, []string{signed, tipTx}, tipLamports)
	if err != nil {
		return nil, err
	}

	res := &SwapResult{
		InputMint:   p.InputMint,
		OutputMint:  p.OutputMint,
		InAmount:    quote.InAmount,
		OutAmount:   quote.OutAmount,
		OutDecimals: quote.OutDecimals,
		Protection:  "bundle",
		Attempts:    1,
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.config.ConfirmTimeout)
	defer cancel()
	st, err := c.jito.WaitForBundle(waitCtx, bundle.BundleID, c.config.ConfirmPoll)
	switch {
	case err == nil && st.Status == "landed":
		c.bundlesUsed.Add(1)
		res.SubmissionResult = SubmissionResult{Kind: KindBundle, Signature: sig, BundleID: bundle.BundleID}
		return c.succeed(res, start), nil
	case err == nil:
		return nil, fmt.Errorf("jupiter: bundle %s %s", bundle.BundleID, st.Status)
	default:
		// Status unknown. The swap signature decides whether it landed.
		if status, serr := c.rpc.GetSignatureStatus(ctx, sig); serr == nil && status.Landed() && status.Err == "" {
			c.bundlesUsed.Add(1)
			res.SubmissionResult = SubmissionResult{Kind: KindBundle, Signature: sig, BundleID: bundle.BundleID}
			return c.succeed(res, start), nil
		}
		res.SubmissionResult = SubmissionResult{Kind: KindTimeout, Signature: sig, BundleID: bundle.BundleID, Error: "bundle confirmation timed out"}
		return res, fmt.Errorf("jupiter: bundle %s not confirmed", bundle.BundleID)
	}
}

// prepare fetches a quote and a signed swap transaction.
func (c *Client) prepare(ctx context.Context, p SwapParams) (*Quote, string, string, error) {
	slippage := p.SlippageBps
	if slippage <= 0 {
		slippage = c.config.DefaultSlippageBps
	}
	quote, err := c.GetQuote(ctx, QuoteRequest{
		InputMint:   p.InputMint,
		OutputMint:  p.OutputMint,
		Amount:      p.Amount,
		SlippageBps: slippage,
	})
	if err != nil {
		return nil, "", "", err
	}

	fee := p.PriorityFeeLamports
	if fee == 0 {
		fee = c.config.PriorityFeeLamports
	}
	unsigned, err := c.GetSwapTransaction(ctx, quote, p.Signer.PublicKey().String(), SwapOptions{
		WrapUnwrapSOL:       true,
		FeeAccount:          c.config.FeeAccount,
		PriorityFeeLamports: fee,
	})
	if err != nil {
		return nil, "", "", err
	}

	signed, sig, err := solana.SignBase64Transaction(unsigned, p.Signer)
	if err != nil {
		return nil, "", "", err
	}
	return quote, signed, sig, nil
}

// confirm polls the signature status until it lands, fails or ConfirmTimeout passes.
func (c *Client) confirm(ctx context.Context, sig string) SubmissionResult {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.config.ConfirmPoll)
	defer ticker.Stop()
	for {
		st, err := c.rpc.GetSignatureStatus(ctx, sig)
		if err == nil {
			if st.Err != "" {
				return SubmissionResult{Kind: KindRejected, Signature: sig, Error: st.Err}
			}
			if st.Landed() {
				return SubmissionResult{Kind: KindConfirmed, Signature: sig}
			}
		}
		select {
		case <-ctx.Done():
			return SubmissionResult{Kind: KindTimeout, Signature: sig, Error: "confirmation timed out"}
		case <-ticker.C:
		}
	}
}

func (c *Client) succeed(res *SwapResult, start time.Time) *SwapResult {
	res.LatencyMs = time.Since(start).Milliseconds()
	c.swapsExecuted.Add(1)
	c.lastSwapTime.Store(time.Now().UnixMilli())

	log.Info().
		Str("sig", res.Signature).
		Str("in", short(res.InputMint)).
		Str("out", short(res.OutputMint)).
		Uint64("out_amount", res.OutAmount).
		Str("protection", res.Protection).
		Int64("latency_ms", res.LatencyMs).
		Msg("jupiter: swap executed")
	return res
}

func (c *Client) fail(res *SwapResult, start time.Time, err error) (*SwapResult, error) {
	res.LatencyMs = time.Since(start).Milliseconds()
	c.swapsFailed.Add(1)
	return res, err
}

// JupiterStats returns swap statistics.
type JupiterStats struct {
	APIStats
	SwapsExecuted int64 `json:"swaps_executed"`
	SwapsFailed   int64 `json:"swaps_failed"`
	BundlesUsed   int64 `json:"bundles_used"`
	Fallbacks     int64 `json:"fallbacks"`
	LastSwapMs    int64 `json:"last_swap_ms"`
}

func (c *Client) Stats() JupiterStats {
	return JupiterStats{
		APIStats:      c.APIStats(),
		SwapsExecuted: c.swapsExecuted.Load(),
		SwapsFailed:   c.swapsFailed.Load(),
		BundlesUsed:   c.bundlesUsed.Load(),
		Fallbacks:     c.fallbacks.Load(),
		LastSwapMs:    c.lastSwapTime.Load(),
	}
}
