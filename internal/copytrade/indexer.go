package copytrade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ---------------------------------------------------------------------------
// Enhanced-indexer transaction endpoint (Helius-style /v0/transactions)
// ---------------------------------------------------------------------------

// IndexedTransfer is one token movement as tagged by the indexer.
type IndexedTransfer struct {
	FromUserAccount string  `json:"fromUserAccount"`
	ToUserAccount   string  `json:"toUserAccount"`
	Mint            string  `json:"mint"`
	TokenAmount     float64 `json:"tokenAmount"`
}

// IndexedTx is the indexer's decoded view of a transaction.
type IndexedTx struct {
	Signature      string            `json:"signature"`
	Type           string            `json:"type"`
	Source         string            `json:"source"`
	Timestamp      int64             `json:"timestamp"`
	TokenTransfers []IndexedTransfer `json:"tokenTransfers"`
}

// Indexer resolves signatures to decoded transactions.
type Indexer interface {
	ParseTransaction(ctx context.Context, signature string) (*IndexedTx, error)
}

// HeliusClient calls POST /v0/transactions?api-key=...
type HeliusClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewHeliusClient(baseURL, apiKey string, rps float64) *HeliusClient {
	if baseURL == "" {
		baseURL = "https://api.helius.xyz"
	}
	if rps <= 0 {
		rps = 5
	}
	return &HeliusClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (c *HeliusClient) ParseTransaction(ctx context.Context, signature string) (*IndexedTx, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string][]string{"transactions": {signature}})
	target := c.baseURL + "/v0/transactions?api-key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("indexer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("indexer: HTTP %d", resp.StatusCode)
	}
	var txs []IndexedTx
	if err := json.NewDecoder(resp.Body).Decode(&txs); err != nil {
		return nil, fmt.Errorf("indexer: decode: %w", err)
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}
