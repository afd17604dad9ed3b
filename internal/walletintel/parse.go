package walletintel

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/solana"
)

// Side of a parsed swap from the wallet's point of view.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Swap is one wallet swap between SOL (native or wrapped) and a token.
type Swap struct {
	Signature   string
	Time        time.Time
	Mint        string
	Venue       string
	Side        Side
	SOLAmount   decimal.Decimal // absolute, fee excluded
	TokenAmount decimal.Decimal // absolute, raw units
}

// ParseSwap extracts the swap wallet made in v. ok is false for failed
// transactions and for anything that is not a SOL/token exchange.
func ParseSwap(v *solana.TransactionView, wallet string) (Swap, bool) {
	if v == nil || v.Failed() {
		return Swap{}, false
	}

	var (
		mint      string
		tokenDiff decimal.Decimal
		wsolDiff  decimal.Decimal
	)
	for _, d := range v.TokenDeltas(wallet) {
		if d.Owner != "" && d.Owner != wallet {
			continue
		}
		if d.Mint == solana.SOLMint {
			wsolDiff = wsolDiff.Add(d.Delta)
			continue
		}
		if mint == "" {
			mint = d.Mint
		}
		if d.Mint == mint {
			tokenDiff = tokenDiff.Add(d.Delta)
		}
	}
	if mint == "" || tokenDiff.IsZero() {
		return Swap{}, false
	}

	// Native lamports plus wrapped SOL, with the network fee added back for the payer.
	lamports := decimal.NewFromInt(v.LamportDelta(wallet)).Add(wsolDiff)
	if v.FeePayer() == wallet {
		lamports = lamports.Add(decimal.NewFromInt(int64(v.Fee())))
	}

	s := Swap{
		Signature:   v.Signature(),
		Time:        v.Time(),
		Mint:        mint,
		Venue:       venueOf(v),
		SOLAmount:   lamports.Abs().Shift(-9),
		TokenAmount: tokenDiff.Abs(),
	}
	switch {
	case tokenDiff.IsPositive() && lamports.IsNegative():
		s.Side = SideBuy
	case tokenDiff.IsNegative() && lamports.IsPositive():
		s.Side = SideSell
	default:
		return Swap{}, false
	}
	return s, true
}

// venueOf returns the first recognised venue program; the router counts only when nothing else does.
func venueOf(v *solana.TransactionView) string {
	router := ""
	for _, pid := range v.ProgramIDs() {
		switch dex := solana.ProgramIDToDEX(pid); dex {
		case "":
		case "jupiter":
			router = dex
		default:
			return dex
		}
	}
	return router
}
