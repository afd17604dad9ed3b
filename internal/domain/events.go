package domain

import "time"

// TokenSource tags where a NewTokenEvent was observed.
type TokenSource string

const (
	SourcePumpfunDirect   TokenSource = "pumpfun-direct"
	SourceEnhancedIndexer TokenSource = "enhanced-indexer"
	SourcePairOrderbook   TokenSource = "pair-orderbook"
	SourceBaseTokenScan   TokenSource = "base-token-scan"
	SourcePumpfunStream   TokenSource = "pumpfun-stream"
)

// NewTokenEvent is emitted once per newly discovered mint.
type NewTokenEvent struct {
	Address      string      `json:"address"`
	Symbol       string      `json:"symbol"`
	Name         string      `json:"name"`
	LiquidityUSD float64     `json:"liquidity_usd"`
	PriceUSD     *float64    `json:"price_usd,omitempty"`
	CreatedAtMs  int64       `json:"created_at_ms"`
	Source       TokenSource `json:"source"`
	DEX          string      `json:"dex,omitempty"`
}

// Age returns how long ago the token was created.
func (e NewTokenEvent) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.CreatedAtMs))
}

// CopySignal is one observed buy by a tracked wallet.
type CopySignal struct {
	WalletAddress string    `json:"wallet_address"`
	WalletScore   float64   `json:"wallet_score"`
	TokenMint     string    `json:"token_mint"`
	Signature     string    `json:"signature"`
	FirstSeen     time.Time `json:"first_seen"`
	BuySell       string    `json:"buy_sell"`
}

// Opportunity aggregates the copy signals for one mint within a scan tick.
type Opportunity struct {
	TokenMint            string       `json:"token_mint"`
	Count                int          `json:"count"`
	ParticipatingWallets []string     `json:"participating_wallets"`
	AvgScore             float64      `json:"avg_score"`
	Confidence           float64      `json:"confidence"`
	FirstSeen            time.Time    `json:"first_seen"`
	Signals              []CopySignal `json:"signals"`
}
