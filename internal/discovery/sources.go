package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/market"
)

// Source is one polled new-listing feed.
type Source interface {
	Name() domain.TokenSource
	// Window is the freshness window; older events are discarded.
	Window() time.Duration
	Fetch(ctx context.Context) ([]domain.NewTokenEvent, error)
}

// httpFeed is the shared GET+decode helper of the JSON feeds.
type httpFeed struct {
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPFeed(timeout time.Duration, rps float64) httpFeed {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return httpFeed{client: &http.Client{Timeout: timeout}, limiter: rate.NewLimiter(limit, 1)}
}

func (f httpFeed) getJSON(ctx context.Context, target string, headers map[string]string, out any) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ---------------------------------------------------------------------------
// Launchpad direct feed
// ---------------------------------------------------------------------------

// PumpFunSource pages the launchpad's newest coins.
type PumpFunSource struct {
	httpFeed
	baseURL  string
	pages    int
	pageSize int
}

func NewPumpFunSource(baseURL string, pages, pageSize int, rps float64) *PumpFunSource {
	if pages <= 0 {
		pages = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &PumpFunSource{httpFeed: newHTTPFeed(0, rps), baseURL: strings.TrimRight(baseURL, "/"), pages: pages, pageSize: pageSize}
}

func (s *PumpFunSource) Name() domain.TokenSource { return domain.SourcePumpfunDirect }
func (s *PumpFunSource) Window() time.Duration    { return 2 * time.Hour }

type pumpCoin struct {
	Mint             string  `json:"mint"`
	Name             string  `json:"name"`
	Symbol           string  `json:"symbol"`
	CreatedTimestamp int64   `json:"created_timestamp"` // ms
	USDMarketCap     float64 `json:"usd_market_cap"`
	RaydiumPool      *string `json:"raydium_pool"`
	Complete         bool    `json:"complete"`
}

func (c pumpCoin) event(source domain.TokenSource) domain.NewTokenEvent {
	dex := "pumpfun"
	if c.Complete || (c.RaydiumPool != nil && *c.RaydiumPool != "") {
		dex = "raydium"
	}
	return domain.NewTokenEvent{
		Address: c.Mint,
		Symbol:  c.Symbol,
		Name:    c.Name,
		// Bonding-curve coins report market cap, used as the liquidity proxy.
		LiquidityUSD: c.USDMarketCap,
		CreatedAtMs:  c.CreatedTimestamp,
		Source:       source,
		DEX:          dex,
	}
}

func (s *PumpFunSource) Fetch(ctx context.Context) ([]domain.NewTokenEvent, error) {
	var out []domain.NewTokenEvent
	for page := 0; page < s.pages; page++ {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(s.pageSize))
		q.Set("offset", strconv.Itoa(page*s.pageSize))
		q.Set("sort", "created_timestamp")
		q.Set("order", "DESC")
		q.Set("includeNsfw", "false")

		var coins []pumpCoin
		if err := s.getJSON(ctx, s.baseURL+"/coins?"+q.Encode(), nil, &coins); err != nil {
			if len(out) > 0 {
				log.Debug().Err(err).Int("page", page).Msg("discovery: pumpfun page failed")
				break
			}
			return nil, err
		}
		for _, c := range coins {
			if c.Mint != "" {
				out = append(out, c.event(s.Name()))
			}
		}
		if len(coins) < s.pageSize {
			break
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Enhanced indexer feed
// ---------------------------------------------------------------------------

// BirdeyeSource reads the keyed token list sorted by 24h change.
type BirdeyeSource struct {
	httpFeed
	baseURL string
	apiKey  string
	limit   int
}

func NewBirdeyeSource(baseURL, apiKey string, rps float64) *BirdeyeSource {
	return &BirdeyeSource{httpFeed: newHTTPFeed(0, rps), baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, limit: 50}
}

func (s *BirdeyeSource) Name() domain.TokenSource { return domain.SourceEnhancedIndexer }
func (s *BirdeyeSource) Window() time.Duration    { return 60 * time.Minute }

func (s *BirdeyeSource) Fetch(ctx context.Context) ([]domain.NewTokenEvent, error) {
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Tokens []struct {
				Address           string   `json:"address"`
				Symbol            string   `json:"symbol"`
				Name              string   `json:"name"`
				Liquidity         float64  `json:"liquidity"`
				Price             *float64 `json:"price"`
				LastTradeUnixTime int64    `json:"lastTradeUnixTime"`
			} `json:"tokens"`
		} `json:"data"`
	}
	q := url.Values{}
	q.Set("sort_by", "v24hChangePercent")
	q.Set("sort_type", "desc")
	q.Set("offset", "0")
	q.Set("limit", strconv.Itoa(s.limit))
	headers := map[string]string{"X-API-KEY": s.apiKey, "x-chain": "solana"}
	if err := s.getJSON(ctx, s.baseURL+"/defi/tokenlist?"+q.Encode(), headers, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.NewTokenEvent, 0, len(resp.Data.Tokens))
	for _, t := range resp.Data.Tokens {
		if t.Address == "" {
			continue
		}
		out = append(out, domain.NewTokenEvent{
			Address:      t.Address,
			Symbol:       t.Symbol,
			Name:         t.Name,
			LiquidityUSD: t.Liquidity,
			PriceUSD:     t.Price,
			CreatedAtMs:  t.LastTradeUnixTime * 1000,
			Source:       s.Name(),
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// DEX pair feeds
// ---------------------------------------------------------------------------

// PairLister is the subset of the market client the pair feeds use.
type PairLister interface {
	NewPairs(ctx context.Context, path string) ([]market.Pair, error)
	TokenPairs(ctx context.Context, mint string) ([]market.Pair, error)
}

func pairEvent(p market.Pair, tok market.Token, source domain.TokenSource) domain.NewTokenEvent {
	ev := domain.NewTokenEvent{
		Address:      tok.Address,
		Symbol:       tok.Symbol,
		Name:         tok.Name,
		LiquidityUSD: p.Liquidity.USD,
		CreatedAtMs:  p.PairCreatedAt,
		Source:       source,
		DEX:          p.DexID,
	}
	if price, ok := p.Price(); ok && tok.Address == p.BaseToken.Address {
		ev.PriceUSD = &price
	}
	return ev
}

// OrdersSource polls the newly-created pair feed.
type OrdersSource struct {
	pairs PairLister
	path  string
}

func NewOrdersSource(pairs PairLister) *OrdersSource {
	return &OrdersSource{pairs: pairs, path: "/orders/v1/solana"}
}

func (s *OrdersSource) Name() domain.TokenSource { return domain.SourcePairOrderbook }
func (s *OrdersSource) Window() time.Duration    { return 2 * time.Hour }

func (s *OrdersSource) Fetch(ctx context.Context) ([]domain.NewTokenEvent, error) {
	pairs, err := s.pairs.NewPairs(ctx, s.path)
	if err != nil {
		return nil, err
	}
	out := make([]domain.NewTokenEvent, 0, len(pairs))
	for _, p := range pairs {
		if p.BaseToken.Address != "" {
			out = append(out, pairEvent(p, p.BaseToken, s.Name()))
		}
	}
	return out, nil
}

// BaseScanSource lists the pairs of each high-liquidity base mint and
// reports the token on the other side.
type BaseScanSource struct {
	pairs PairLister
	bases []string
}

func NewBaseScanSource(pairs PairLister, bases []string) *BaseScanSource {
	return &BaseScanSource{pairs: pairs, bases: bases}
}

func (s *BaseScanSource) Name() domain.TokenSource { return domain.SourceBaseTokenScan }
func (s *BaseScanSource) Window() time.Duration    { return 2 * time.Hour }

func (s *BaseScanSource) Fetch(ctx context.Context) ([]domain.NewTokenEvent, error) {
	isBase := make(map[string]bool, len(s.bases))
	for _, b := range s.bases {
		isBase[b] = true
	}

	seen := make(map[string]bool)
	var out []domain.NewTokenEvent
	var failed int
	for _, base := range s.bases {
		pairs, err := s.pairs.TokenPairs(ctx, base)
		if err != nil {
			failed++
			log.Debug().Err(err).Str("base", base).Msg("discovery: base scan failed")
			continue
		}
		for _, p := range pairs {
			tok := p.Other(base)
			if tok.Address == "" || isBase[tok.Address] || seen[tok.Address] {
				continue
			}
			seen[tok.Address] = true
			out = append(out, pairEvent(p, tok, s.Name()))
		}
	}
	if failed == len(s.bases) && failed > 0 {
		return nil, fmt.Errorf("all %d base scans failed", failed)
	}
	return out, nil
}
