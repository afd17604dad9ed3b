package walletintel

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/domain"
)

// lot is an open FIFO buy lot.
type lot struct {
	tokens decimal.Decimal
	cost   decimal.Decimal // SOL
	at     time.Time
}

// closedTrade is a sell matched against earlier lots.
type closedTrade struct {
	mint     string
	pnl      float64
	hold     time.Duration
	closedAt time.Time
}

// reconstruct replays swaps oldest-first through per-mint FIFO queues.
// Sells of tokens bought before the history window are matched only up to the
// tokens seen bought; the remainder is ignored.
func reconstruct(swaps []Swap) []closedTrade {
	sorted := append([]Swap(nil), swaps...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	books := make(map[string][]lot)
	var closed []closedTrade

	for _, s := range sorted {
		if s.Side == SideBuy {
			books[s.Mint] = append(books[s.Mint], lot{tokens: s.TokenAmount, cost: s.SOLAmount, at: s.Time})
			continue
		}

		queue := books[s.Mint]
		remaining := s.TokenAmount
		matched := decimal.Zero
		cost := decimal.Zero
		var weightedHold float64

		for len(queue) > 0 && remaining.IsPositive() {
			head := &queue[0]
			take := decimal.Min(head.tokens, remaining)
			share := take.Div(head.tokens)
			c := head.cost.Mul(share)

			cost = cost.Add(c)
			matched = matched.Add(take)
			weightedHold += take.InexactFloat64() * s.Time.Sub(head.at).Seconds()

			head.tokens = head.tokens.Sub(take)
			head.cost = head.cost.Sub(c)
			remaining = remaining.Sub(take)
			if !head.tokens.IsPositive() {
				queue = queue[1:]
			}
		}
		books[s.Mint] = queue

		if matched.IsZero() {
			continue
		}
		proceeds := s.SOLAmount.Mul(matched.Div(s.TokenAmount))
		closed = append(closed, closedTrade{
			mint:     s.Mint,
			pnl:      proceeds.Sub(cost).InexactFloat64(),
			hold:     time.Duration(weightedHold / matched.InexactFloat64() * float64(time.Second)),
			closedAt: s.Time,
		})
	}
	return closed
}

// computeMetrics aggregates swaps into WalletMetrics. Score and Tier are left to the caller.
func computeMetrics(address string, swaps []Swap, now time.Time) domain.WalletMetrics {
	m := domain.WalletMetrics{
		Address:        address,
		SwapCount:      len(swaps),
		AnalyzedAt:     now,
		BestEffort:     true,
		FavoriteVenues: []string{},
		TokenPnL:       make(map[string]float64),
	}

	venues := make(map[string]int)
	var buys int
	var buySOL float64
	for _, s := range swaps {
		if !s.Time.IsZero() {
			m.HourlyActivity[s.Time.UTC().Hour()]++
			if m.FirstSeen.IsZero() || s.Time.Before(m.FirstSeen) {
				m.FirstSeen = s.Time
			}
			if s.Time.After(m.LastActive) {
				m.LastActive = s.Time
			}
		}
		if s.Venue != "" {
			venues[s.Venue]++
		}
		if s.Side == SideBuy {
			buys++
			buySOL += s.SOLAmount.InexactFloat64()
		}
	}
	if buys > 0 {
		m.AvgBuySOL = buySOL / float64(buys)
	}
	m.FavoriteVenues = topKeys(venues, 3)

	closed := reconstruct(swaps)
	m.TotalTrades = len(closed)
	if len(closed) == 0 {
		return m
	}

	var (
		grossProfit, grossLoss float64
		holdTotal              time.Duration
		pnls                   = make([]float64, 0, len(closed))
		daily                  = make(map[time.Time]float64)
	)
	for _, c := range closed {
		pnls = append(pnls, c.pnl)
		m.TotalPnLSOL += c.pnl
		m.TokenPnL[c.mint] += c.pnl
		holdTotal += c.hold
		daily[domain.StartOfDay(c.closedAt)] += c.pnl

		if c.pnl > 0 {
			m.ProfitableTrades++
			grossProfit += c.pnl
		} else {
			grossLoss += -c.pnl
		}
		age := now.Sub(c.closedAt)
		if age <= 7*24*time.Hour {
			m.PnL7dSOL += c.pnl
		}
		if age <= 30*24*time.Hour {
			m.PnL30dSOL += c.pnl
		}
	}

	m.WinRate = float64(m.ProfitableTrades) / float64(len(closed))
	m.AvgHoldTime = holdTotal / time.Duration(len(closed))
	m.ProfitFactor = profitFactor(grossProfit, grossLoss)
	m.SharpeRatio = sharpe(pnls)

	days := make([]float64, 0, len(daily))
	for _, v := range daily {
		days = append(days, v)
	}
	m.Consistency = consistency(days)

	best, worst := math.Inf(-1), math.Inf(1)
	for mint, pnl := range m.TokenPnL {
		if pnl > best || (pnl == best && mint < m.BestToken) {
			best, m.BestToken = pnl, mint
		}
		if pnl < worst || (pnl == worst && mint < m.WorstToken) {
			worst, m.WorstToken = pnl, mint
		}
	}
	return m
}

const maxProfitFactor = 10

func profitFactor(profit, loss float64) float64 {
	if loss == 0 {
		if profit > 0 {
			return maxProfitFactor
		}
		return 0
	}
	return math.Min(profit/loss, maxProfitFactor)
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		std += (x - mean) * (x - mean)
	}
	std = math.Sqrt(std / float64(len(xs)))
	return mean, std
}

// sharpe is mean over standard deviation of per-trade PnL.
func sharpe(pnls []float64) float64 {
	mean, std := meanStd(pnls)
	if std == 0 {
		return 0
	}
	return mean / std
}

// consistency = 1 - σ(daily)/(|μ(daily)|+1), clamped to [0,1].
func consistency(daily []float64) float64 {
	if len(daily) == 0 {
		return 0
	}
	mean, std := meanStd(daily)
	c := 1 - std/(math.Abs(mean)+1)
	return math.Max(0, math.Min(1, c))
}

func topKeys(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
