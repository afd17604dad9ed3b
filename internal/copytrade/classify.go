package copytrade

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/solana"
)

// Method names the classification step that produced a result.
type Method string

const (
	MethodIndexer     Method = "indexer"
	MethodBalanceDiff Method = "balance_diff"
	MethodInstruction Method = "instruction_scan"
	MethodDEXProgram  Method = "dex_program"
	MethodNone        Method = "none"
)

// ErrTxNotFound is returned when the node has no record of the signature yet.
var ErrTxNotFound = errors.New("copytrade: transaction not found")

// Classification is the outcome of classifying one signature for one wallet.
type Classification struct {
	Signature string
	Buy       bool
	Mint      string
	Method    Method
	Venue     string
	Time      time.Time
}

type cacheEntry struct {
	result  Classification
	expires time.Time
}

// Classifier extracts the token a wallet bought in a transaction.
// Results are cached per signature.
type Classifier struct {
	rpc     solana.RPCClient
	indexer Indexer
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry

	hits      atomic.Int64
	misses    atomic.Int64
	indexErrs atomic.Int64
}

// NewClassifier creates a classifier. indexer may be nil.
func NewClassifier(rpc solana.RPCClient, indexer Indexer, ttl time.Duration) *Classifier {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Classifier{
		rpc:     rpc,
		indexer: indexer,
		ttl:     ttl,
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
	}
}

// Classify resolves signature for wallet, consulting the cache first.
func (c *Classifier) Classify(ctx context.Context, signature, wallet string) (Classification, error) {
	if r, ok := c.cached(signature); ok {
		c.hits.Add(1)
		return r, nil
	}
	c.misses.Add(1)

	r, err := c.classify(ctx, signature, wallet)
	if err != nil {
		return r, err
	}
	c.store(signature, r)
	return r, nil
}

func (c *Classifier) classify(ctx context.Context, signature, wallet string) (Classification, error) {
	if c.indexer != nil {
		tx, err := c.indexer.ParseTransaction(ctx, signature)
		if err != nil {
			c.indexErrs.Add(1)
			log.Debug().Err(err).Str("signature", signature).Msg("copytrade: indexer lookup failed, using rpc")
		} else if r, ok := fromIndexer(tx, wallet); ok {
			r.Signature = signature
			return r, nil
		}
	}

	view, err := c.rpc.GetTransaction(ctx, signature)
	if err != nil {
		return Classification{}, err
	}
	if view == nil {
		return Classification{}, ErrTxNotFound
	}
	r := ClassifyView(view, wallet)
	r.Signature = signature
	return r, nil
}

// fromIndexer returns the first incoming non-native mint of a SWAP-tagged transaction.
func fromIndexer(tx *IndexedTx, wallet string) (Classification, bool) {
	if tx == nil || !strings.HasPrefix(strings.ToUpper(tx.Type), "SWAP") {
		return Classification{}, false
	}
	for _, t := range tx.TokenTransfers {
		if t.ToUserAccount == wallet && t.Mint != "" && t.Mint != domain.NativeMint && t.TokenAmount > 0 {
			r := Classification{Buy: true, Mint: t.Mint, Method: MethodIndexer, Venue: strings.ToLower(tx.Source)}
			if tx.Timestamp > 0 {
				r.Time = time.Unix(tx.Timestamp, 0).UTC()
			}
			return r, true
		}
	}
	return Classification{}, false
}

// ClassifyView runs the on-chain methods in priority order: balance diff,
// parsed-instruction scan, then known-venue detection.
func ClassifyView(v *solana.TransactionView, wallet string) Classification {
	r := Classification{Signature: v.Signature(), Method: MethodNone, Time: v.Time(), Venue: venue(v)}
	if v.Failed() {
		return r
	}

	sold := make(map[string]bool)
	for _, d := range v.TokenDeltas(wallet) {
		if d.Mint == domain.NativeMint {
			continue
		}
		if d.Delta.IsNegative() {
			sold[d.Mint] = true
			continue
		}
		r.Buy, r.Mint, r.Method = true, d.Mint, MethodBalanceDiff
		return r
	}

	var candidates []string
	for _, ix := range v.Instructions() {
		p, ok := ix.Decode()
		if !ok || (p.Type != "transfer" && p.Type != "transferChecked") {
			continue
		}
		dest := infoString(p.Info, "destination")
		mint := infoString(p.Info, "mint")
		destMint, destOwner, known := v.TokenAccountInfo(dest)
		if mint == "" {
			mint = destMint
		}
		if mint == "" || mint == domain.NativeMint {
			continue
		}
		if known && destOwner == wallet {
			r.Buy, r.Mint, r.Method = true, mint, MethodInstruction
			return r
		}
		if _, srcOwner, ok := v.TokenAccountInfo(infoString(p.Info, "source")); ok && srcOwner == wallet {
			continue
		}
		candidates = append(candidates, mint)
	}

	if r.Venue == "" {
		return r
	}
	for _, d := range v.TokenDeltas("") {
		if d.Delta.IsPositive() && d.Mint != domain.NativeMint {
			candidates = append(candidates, d.Mint)
		}
	}
	for _, m := range candidates {
		if !sold[m] {
			r.Buy, r.Mint, r.Method = true, m, MethodDEXProgram
			return r
		}
	}
	return r
}

// venue returns the first recognised venue, preferring the pool program over the router.
func venue(v *solana.TransactionView) string {
	fallback := ""
	for _, pid := range v.ProgramIDs() {
		switch dex := solana.ProgramIDToDEX(pid); dex {
		case "":
		case "jupiter":
			fallback = dex
		default:
			return dex
		}
	}
	return fallback
}

func infoString(info map[string]any, key string) string {
	if s, ok := info[key].(string); ok {
		return s
	}
	return ""
}

func (c *Classifier) cached(signature string) (Classification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[signature]
	if !ok {
		return Classification{}, false
	}
	if c.now().After(e.expires) {
		delete(c.cache, signature)
		return Classification{}, false
	}
	return e.result, true
}

func (c *Classifier) store(signature string, r Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.cache[signature] = cacheEntry{result: r, expires: now.Add(c.ttl)}
	if len(c.cache)%256 == 0 {
		for k, e := range c.cache {
			if now.After(e.expires) {
				delete(c.cache, k)
			}
		}
	}
}

// ClassifierStats returns cache and indexer counters.
type ClassifierStats struct {
	CacheHits     int64 `json:"cache_hits"`
	CacheMisses   int64 `json:"cache_misses"`
	CachedEntries int   `json:"cached_entries"`
	IndexerErrors int64 `json:"indexer_errors"`
}

func (c *Classifier) Stats() ClassifierStats {
	c.mu.Lock()
	n := len(c.cache)
	c.mu.Unlock()
	return ClassifierStats{
		CacheHits:     c.hits.Load(),
		CacheMisses:   c.misses.Load(),
		CachedEntries: n,
		IndexerErrors: c.indexErrs.Load(),
	}
}
