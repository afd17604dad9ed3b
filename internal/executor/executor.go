// Package executor is the single entry point for buys and sells. It runs the
// risk gates, signs through the vault, routes the swap and persists the trade
// together with the position it opens or closes.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/adapters/jupiter"
	"github.com/nexus-trading/tradecore/internal/audit"
	"github.com/nexus-trading/tradecore/internal/bus"
	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/risk"
	"github.com/nexus-trading/tradecore/internal/storage"
)

var (
	// ErrPartialSell is returned when a sell names an amount other than the full position.
	ErrPartialSell = errors.New("executor: partial sells are not supported")
	// ErrNoPosition is returned when a sell finds no open position for the mint.
	ErrNoPosition = errors.New("executor: no open position")
	// ErrSwapFailed wraps every failed submission.
	ErrSwapFailed = errors.New("executor: swap failed")
)

// Mode selects the submission path.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeBundle   Mode = "bundle"
)

// GateOpenPosition rejects a buy into a mint the user already holds.
const GateOpenPosition risk.Gate = "open_position"

// BuyRequest describes one buy.
type BuyRequest struct {
	UserID              int64
	TokenMint           string
	AmountSOL           decimal.Decimal
	TokenSymbol         string
	Reason              string
	Context             string
	Mode                Mode
	PriorityFeeLamports uint64
	TipLamports         uint64
	Metadata            map[string]any
}

// SellRequest describes one sell. AmountTokens nil means the whole position.
type SellRequest struct {
	UserID       int64
	TokenMint    string
	AmountTokens *decimal.Decimal
	Reason       string
	Context      string
	Mode         Mode
}

// TradeResult is the outcome of a buy or sell. Gate is set when a risk gate denied the buy.
type TradeResult struct {
	Success      bool             `json:"success"`
	Signature    string           `json:"signature,omitempty"`
	Error        string           `json:"error,omitempty"`
	Gate         risk.Gate        `json:"gate,omitempty"`
	AmountSOL    decimal.Decimal  `json:"amount_sol"`
	AmountTokens decimal.Decimal  `json:"amount_tokens"`
	Price        decimal.Decimal  `json:"price"`
	DryRun       bool             `json:"dry_run,omitempty"`
	Trade        *domain.Trade    `json:"trade,omitempty"`
	Position     *domain.Position `json:"position,omitempty"`
}

// Swapper is the aggregator surface the executor needs. Satisfied by *jupiter.Client.
type Swapper interface {
	GetQuote(ctx context.Context, req jupiter.QuoteRequest) (*jupiter.Quote, error)
	GetTokenInfo(ctx context.Context, mint string) (*jupiter.TokenInfo, error)
	ExecuteSwap(ctx context.Context, p jupiter.SwapParams) (*jupiter.SwapResult, error)
	ExecuteSwapWithJito(ctx context.Context, p jupiter.SwapParams, tipLamports, priorityFee uint64) (*jupiter.SwapResult, error)
}

// Keys yields signing keys. Satisfied by *vault.Vault.
type Keys interface {
	GetKeypair(ctx context.Context, userID int64) (solanago.PrivateKey, error)
}

// Reputation awards copy-trading points for a successful trade.
type Reputation interface {
	AwardTrade(ctx context.Context, t domain.Trade)
}

// FollowerNotifier propagates a leader's buy to copy-followers.
type FollowerNotifier interface {
	NotifyBuy(ctx context.Context, t domain.Trade)
}

// AnalyticsSink receives trade and exit rows. Satisfied by *clickhouse.BatchWriter.
type AnalyticsSink interface {
	WriteTrade(ctx context.Context, t domain.Trade) error
	WriteExit(ctx context.Context, p domain.Position, reason string) error
}

type noopReputation struct{}

func (noopReputation) AwardTrade(context.Context, domain.Trade) {}

type noopFollowers struct{}

func (noopFollowers) NotifyBuy(context.Context, domain.Trade) {}

// Config configures the executor.
type Config struct {
	DryRun              bool
	DefaultMode         Mode
	TipLamports         uint64
	PriorityFeeLamports uint64
}

// Store is the persistence the executor needs.
type Store interface {
	storage.UserStore
	storage.PositionStore
	storage.TradeStore
}

// Executor is safe for concurrent use.
type Executor struct {
	config  Config
	store   Store
	keys    Keys
	swapper Swapper
	gates   *risk.Engine

	publisher  *bus.Publisher
	trail      *audit.Trail
	analytics  AnalyticsSink
	reputation Reputation
	followers  FollowerNotifier
	now        func() time.Time

	buys         atomic.Int64
	sells        atomic.Int64
	failed       atomic.Int64
	rejected     atomic.Int64
	dryRuns      atomic.Int64
	inconsistent atomic.Int64
}

// Option configures optional collaborators.
type Option func(*Executor)

func WithPublisher(p *bus.Publisher) Option          { return func(e *Executor) { e.publisher = p } }
func WithAuditTrail(t *audit.Trail) Option           { return func(e *Executor) { e.trail = t } }
func WithAnalytics(a AnalyticsSink) Option           { return func(e *Executor) { e.analytics = a } }
func WithReputation(r Reputation) Option             { return func(e *Executor) { e.reputation = r } }
func WithFollowerNotifier(f FollowerNotifier) Option { return func(e *Executor) { e.followers = f } }

// New creates an executor.
func New(config Config, store Store, keys Keys, swapper Swapper, gates *risk.Engine, opts ...Option) *Executor {
	if config.DefaultMode == "" {
		config.DefaultMode = ModeStandard
	}
	e := &Executor{
		config:     config,
		store:      store,
		keys:       keys,
		swapper:    swapper,
		gates:      gates,
		reputation: noopReputation{},
		followers:  noopFollowers{},
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// DryRun reports whether submissions are simulated.
func (e *Executor) DryRun() bool { return e.config.DryRun }

// ---------------------------------------------------------------------------
// Buy
// ---------------------------------------------------------------------------

// ExecuteBuy runs the gates and, when they pass, swaps SOL into the token and
// opens a position. A gate denial is reported in the result with a nil error.
func (e *Executor) ExecuteBuy(ctx context.Context, req BuyRequest) (*TradeResult, error) {
	if req.Mode == "" {
		req.Mode = e.config.DefaultMode
	}
	if req.Context == "" {
		req.Context = domain.ContextManual
	}

	settings, err := e.store.GetSettings(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("executor: load settings: %w", err)
	}

	d := e.gates.Check(ctx, settings, risk.Intent{UserID: req.UserID, TokenMint: req.TokenMint, AmountSOL: req.AmountSOL, Context: req.Context})
	if !d.Allowed {
		e.rejected.Add(1)
		return &TradeResult{Error: d.Reason, Gate: d.Gate, AmountSOL: req.AmountSOL}, nil
	}
	if _, err := e.store.GetOpenPosition(ctx, req.UserID, req.TokenMint); err == nil {
		e.rejected.Add(1)
		e.trail.RecordRiskGate(req.UserID, req.TokenMint, string(GateOpenPosition), false, "position already open")
		return &TradeResult{Error: "position already open", Gate: GateOpenPosition, AmountSOL: req.AmountSOL}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("executor: check open position: %w", err)
	}

	signer, err := e.keys.GetKeypair(ctx, req.UserID)
	if err != nil {
		return &TradeResult{Error: err.Error(), AmountSOL: req.AmountSOL}, fmt.Errorf("executor: signing key: %w", err)
	}

	lamports := uint64(req.AmountSOL.Shift(9).IntPart())
	trade := e.newTrade(req.UserID, domain.TradeBuy, req.TokenMint, req.TokenSymbol, req.Context, settings.SlippageBps)
	trade.AmountSOL = req.AmountSOL
	trade.MetadataJSON = metadataJSON(req.Reason, req.Metadata)

	var quote *jupiter.Quote
	if req.Mode != ModeBundle || e.config.DryRun {
		quote, err = e.swapper.GetQuote(ctx, jupiter.QuoteRequest{
			InputMint:   domain.NativeMint,
			OutputMint:  req.TokenMint,
			Amount:      lamports,
			SlippageBps: settings.SlippageBps,
		})
		if err != nil {
			return e.failBuy(ctx, trade, "", fmt.Errorf("quote: %w", err))
		}
		trade.PriceImpact = quote.PriceImpactPct
	}

	var outRaw uint64
	var outDecimals *uint8
	if e.config.DryRun {
		e.dryRuns.Add(1)
		trade.Signature = "DRYRUN-BUY-" + shortID()
		outRaw, outDecimals = quote.OutAmount, quote.OutDecimals
	} else {
		res, err := e.swap(ctx, req.Mode, jupiter.SwapParams{
			InputMint:           domain.NativeMint,
			OutputMint:          req.TokenMint,
			Amount:              lamports,
			Signer:              signer,
			SlippageBps:         settings.SlippageBps,
			PriorityFeeLamports: e.priorityFee(req.PriorityFeeLamports),
		}, e.tip(req.TipLamports))
		if err != nil {
			sig := ""
			if res != nil {
				sig = res.Signature
			}
			return e.failBuy(ctx, trade, sig, err)
		}
		trade.Signature = res.Signature
		outRaw, outDecimals = res.OutAmount, res.OutDecimals
		if outDecimals == nil && quote != nil {
			outDecimals = quote.OutDecimals
		}
	}
	if outRaw == 0 {
		return e.failBuy(ctx, trade, trade.Signature, errors.New("swap returned no tokens"))
	}

	dec := e.decimals(ctx, req.TokenMint, outDecimals)
	tokens := decimal.NewFromBigInt(new(big.Int).SetUint64(outRaw), -int32(dec))
	price := req.AmountSOL.Div(tokens)

	trade.Success = true
	trade.AmountTokens = tokens
	trade.Price = price
	trade.IsPositionOpen = true

	pos := &domain.Position{
		PositionID:        uuid.New().String(),
		UserID:            req.UserID,
		TokenMint:         req.TokenMint,
		TokenSymbol:       req.TokenSymbol,
		TokenDecimals:     dec,
		EntryPrice:        price,
		EntryAmountSOL:    req.AmountSOL,
		EntryAmountTokens: tokens,
		EntryAmountRaw:    outRaw,
		EntrySignature:    trade.Signature,
		EntryTimestamp:    trade.Timestamp,
		Source:            req.Context,
		MetadataJSON:      trade.MetadataJSON,
		IsOpen:            true,
	}
	if settings.UseStopLoss {
		sl := settings.StopLossPct
		pos.StopLossPct = &sl
	}
	if settings.UseTakeProfit {
		tp := settings.TakeProfitPct
		pos.TakeProfitPct = &tp
	}
	trade.PositionID = pos.PositionID

	if err := e.store.OpenPositionWithTrade(ctx, trade, pos); err != nil {
		e.inconsistent.Add(1)
		log.Error().Err(err).
			Int64("user_id", req.UserID).
			Str("mint", req.TokenMint).
			Str("signature", trade.Signature).
			Msg("executor: critical inconsistency, swap landed but trade was not persisted")
		return &TradeResult{Signature: trade.Signature, Error: err.Error(), AmountSOL: req.AmountSOL, AmountTokens: tokens, Price: price},
			fmt.Errorf("executor: persist buy %s: %w", trade.Signature, err)
	}

	e.buys.Add(1)
	e.publisher.TradeExecuted(ctx, *trade)
	e.publisher.PositionOpened(ctx, *pos)
	e.writeTrade(ctx, *trade)
	if req.Context != domain.ContextCopyTrade {
		e.reputation.AwardTrade(ctx, *trade)
		e.followers.NotifyBuy(ctx, *trade)
	}

	log.Info().
		Int64("user_id", req.UserID).
		Str("mint", req.TokenMint).
		Str("signature", trade.Signature).
		Str("amount_sol", req.AmountSOL.String()).
		Str("tokens", tokens.String()).
		Str("context", req.Context).
		Bool("dry_run", e.config.DryRun).
		Msg("executor: buy executed")

	return &TradeResult{
		Success:      true,
		Signature:    trade.Signature,
		AmountSOL:    req.AmountSOL,
		AmountTokens: tokens,
		Price:        price,
		DryRun:       e.config.DryRun,
		Trade:        trade,
		Position:     pos,
	}, nil
}

func (e *Executor) failBuy(ctx context.Context, trade *domain.Trade, sig string, cause error) (*TradeResult, error) {
	e.persistFailure(ctx, trade, sig, cause)
	return &TradeResult{Signature: trade.Signature, Error: cause.Error(), AmountSOL: trade.AmountSOL, Trade: trade},
		fmt.Errorf("%w: %w", ErrSwapFailed, cause)
}

// ---------------------------------------------------------------------------
// Sell
// ---------------------------------------------------------------------------

// ExecuteSell swaps the whole open position back to SOL and closes it.
// A failed sell writes a failed trade and leaves the position open.
func (e *Executor) ExecuteSell(ctx context.Context, req SellRequest) (*TradeResult, error) {
	if req.Mode == "" {
		req.Mode = ModeStandard
	}
	if req.Context == "" {
		req.Context = domain.ContextManual
	}

	pos, err := e.store.GetOpenPosition(ctx, req.UserID, req.TokenMint)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %d mint %s", ErrNoPosition, req.UserID, req.TokenMint)
	}
	if err != nil {
		return nil, fmt.Errorf("executor: load position: %w", err)
	}
	if req.AmountTokens != nil && !req.AmountTokens.Equal(pos.EntryAmountTokens) {
		return nil, ErrPartialSell
	}

	settings, err := e.store.GetSettings(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("executor: load settings: %w", err)
	}
	signer, err := e.keys.GetKeypair(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("executor: signing key: %w", err)
	}

	trade := e.newTrade(req.UserID, domain.TradeSell, req.TokenMint, pos.TokenSymbol, req.Context, settings.SlippageBps)
	trade.AmountTokens = pos.EntryAmountTokens
	trade.PositionID = pos.PositionID
	trade.IsPositionOpen = true
	trade.MetadataJSON = metadataJSON(req.Reason, nil)

	var outLamports uint64
	if e.config.DryRun {
		quote, err := e.swapper.GetQuote(ctx, jupiter.QuoteRequest{
			InputMint:   req.TokenMint,
			OutputMint:  domain.NativeMint,
			Amount:      pos.EntryAmountRaw,
			SlippageBps: settings.SlippageBps,
		})
		if err != nil {
			return e.failSell(ctx, trade, "", fmt.Errorf("quote: %w", err))
		}
		e.dryRuns.Add(1)
		trade.Signature = "DRYRUN-SELL-" + shortID()
		trade.PriceImpact = quote.PriceImpactPct
		outLamports = quote.OutAmount
	} else {
		res, err := e.swap(ctx, req.Mode, jupiter.SwapParams{
			InputMint:           req.TokenMint,
			OutputMint:          domain.NativeMint,
			Amount:              pos.EntryAmountRaw,
			Signer:              signer,
			SlippageBps:         settings.SlippageBps,
			PriorityFeeLamports: e.config.PriorityFeeLamports,
		}, e.config.TipLamports)
		if err != nil {
			sig := ""
			if res != nil {
				sig = res.Signature
			}
			return e.failSell(ctx, trade, sig, err)
		}
		trade.Signature = res.Signature
		outLamports = res.OutAmount
	}

	exitSOL := decimal.NewFromBigInt(new(big.Int).SetUint64(outLamports), -9)
	exitPrice := decimal.Zero
	if pos.EntryAmountTokens.IsPositive() {
		exitPrice = exitSOL.Div(pos.EntryAmountTokens)
	}
	trade.Success = true
	trade.AmountSOL = exitSOL
	trade.Price = exitPrice
	trade.IsPositionOpen = false

	closed, err := e.store.ClosePositionWithTrade(ctx, pos.PositionID, domain.ExitFields{
		ExitPrice:        exitPrice,
		ExitAmountSOL:    exitSOL,
		ExitAmountTokens: pos.EntryAmountTokens,
		ExitSignature:    trade.Signature,
		ExitTimestamp:    trade.Timestamp,
	}, trade)
	if err != nil {
		e.inconsistent.Add(1)
		log.Error().Err(err).
			Int64("user_id", req.UserID).
			Str("position_id", pos.PositionID).
			Str("signature", trade.Signature).
			Msg("executor: critical inconsistency, sell landed but position was not closed")
		return &TradeResult{Signature: trade.Signature, Error: err.Error(), AmountSOL: exitSOL, AmountTokens: pos.EntryAmountTokens, Price: exitPrice},
			fmt.Errorf("executor: persist sell %s: %w", trade.Signature, err)
	}

	e.sells.Add(1)
	e.publisher.TradeExecuted(ctx, *trade)
	e.publisher.PositionClosed(ctx, *closed, req.Reason, closed.PnLSOL)
	e.writeTrade(ctx, *trade)
	if e.analytics != nil {
		if err := e.analytics.WriteExit(ctx, *closed, req.Reason); err != nil {
			log.Warn().Err(err).Msg("executor: analytics exit write failed")
		}
	}

	pnl := decimal.Zero
	if closed.PnLSOL != nil {
		pnl = *closed.PnLSOL
	}
	log.Info().
		Int64("user_id", req.UserID).
		Str("mint", req.TokenMint).
		Str("signature", trade.Signature).
		Str("exit_sol", exitSOL.String()).
		Str("pnl_sol", pnl.String()).
		Str("reason", req.Reason).
		Bool("dry_run", e.config.DryRun).
		Msg("executor: sell executed")

	return &TradeResult{
		Success:      true,
		Signature:    trade.Signature,
		AmountSOL:    exitSOL,
		AmountTokens: pos.EntryAmountTokens,
		Price:        exitPrice,
		DryRun:       e.config.DryRun,
		Trade:        trade,
		Position:     closed,
	}, nil
}

func (e *Executor) failSell(ctx context.Context, trade *domain.Trade, sig string, cause error) (*TradeResult, error) {
	e.persistFailure(ctx, trade, sig, cause)
	return &TradeResult{Signature: trade.Signature, Error: cause.Error(), AmountTokens: trade.AmountTokens, Trade: trade},
		fmt.Errorf("%w: %w", ErrSwapFailed, cause)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (e *Executor) swap(ctx context.Context, mode Mode, p jupiter.SwapParams, tip uint64) (*jupiter.SwapResult, error) {
	var res *jupiter.SwapResult
	var err error
	if mode == ModeBundle {
		res, err = e.swapper.ExecuteSwapWithJito(ctx, p, tip, p.PriorityFeeLamports)
	} else {
		res, err = e.swapper.ExecuteSwap(ctx, p)
	}
	if err != nil {
		return res, err
	}
	if res == nil || !res.OK() {
		msg := "no result"
		if res != nil {
			msg = string(res.Kind)
			if res.Error != "" {
				msg += ": " + res.Error
			}
		}
		return res, errors.New(msg)
	}
	return res, nil
}

// persistFailure writes a failed trade. A missing signature is replaced by failed-<uuid>.
func (e *Executor) persistFailure(ctx context.Context, trade *domain.Trade, sig string, cause error) {
	e.failed.Add(1)
	if sig == "" {
		sig = "failed-" + uuid.New().String()
	}
	trade.Signature = sig
	trade.Success = false
	trade.ErrorMessage = cause.Error()
	if err := e.store.InsertTrade(ctx, trade); err != nil {
		log.Error().Err(err).Str("signature", sig).Msg("executor: failed trade not recorded")
	}
	e.publisher.TradeExecuted(ctx, *trade)
	e.writeTrade(ctx, *trade)
	log.Warn().Err(cause).
		Int64("user_id", trade.UserID).
		Str("mint", trade.TokenMint).
		Str("side", string(trade.TradeType)).
		Msg("executor: trade failed")
}

func (e *Executor) writeTrade(ctx context.Context, t domain.Trade) {
	if e.analytics == nil {
		return
	}
	if err := e.analytics.WriteTrade(ctx, t); err != nil {
		log.Warn().Err(err).Msg("executor: analytics trade write failed")
	}
}

// decimals prefers the swap's reported decimals, then the token list, then the default.
func (e *Executor) decimals(ctx context.Context, mint string, reported *uint8) int {
	if reported != nil {
		return int(*reported)
	}
	if info, err := e.swapper.GetTokenInfo(ctx, mint); err == nil && info != nil {
		return int(info.Decimals)
	}
	return domain.DefaultTokenDecimals
}

func (e *Executor) newTrade(userID int64, side domain.TradeType, mint, symbol, tradeCtx string, slippage int) *domain.Trade {
	return &domain.Trade{
		ID:          uuid.New().String(),
		UserID:      userID,
		TradeType:   side,
		TokenMint:   mint,
		TokenSymbol: symbol,
		SlippageBps: slippage,
		Timestamp:   e.now().UTC(),
		Context:     tradeCtx,
	}
}

func (e *Executor) priorityFee(override uint64) uint64 {
	if override > 0 {
		return override
	}
	return e.config.PriorityFeeLamports
}

func (e *Executor) tip(override uint64) uint64 {
	if override > 0 {
		return override
	}
	return e.config.TipLamports
}

func metadataJSON(reason string, meta map[string]any) string {
	if reason == "" && len(meta) == 0 {
		return ""
	}
	m := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		m[k] = v
	}
	if reason != "" {
		m["reason"] = reason
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// ExecutorStats returns executor counters.
type ExecutorStats struct {
	Buys            int64 `json:"buys"`
	Sells           int64 `json:"sells"`
	Failed          int64 `json:"failed"`
	Rejected        int64 `json:"rejected"`
	DryRuns         int64 `json:"dry_runs"`
	Inconsistencies int64 `json:"inconsistencies"`
	DryRunMode      bool  `json:"dry_run_mode"`
}

func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Buys:            e.buys.Load(),
		Sells:           e.sells.Load(),
		Failed:          e.failed.Load(),
		Rejected:        e.rejected.Load(),
		DryRuns:         e.dryRuns.Load(),
		Inconsistencies: e.inconsistent.Load(),
		DryRunMode:      e.config.DryRun,
	}
}
