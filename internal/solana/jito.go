package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Jito bundle relay client
// ---------------------------------------------------------------------------

const (
	JitoMainnetURL = "https://mainnet.block-engine.jito.wtf/api/v1"
	jitoBundlePath = "/bundles"
)

// JitoTipAccounts is the fixed set of mainnet tip accounts.
var JitoTipAccounts = [8]string{
	"96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5",
	"HFqU5x63VTqvQss8hp11i4bVqkfRtQ7NmXwkiY8X9W5E",
	"Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY",
	"ADaUMid9yfUytqMBgopwjb2DTLSLuiv3Jhqzsg1dbE7B",
	"DfXygSm4jCyNCzbzYYR18MFJkvDVwVS7s3d7rZmLhRDd",
	"ADuUkR4vqLUMWXxW9gh6D6L8pMSawimctcNZ5pGwDcEt",
	"DttWaMuVvTiduZRnguLF7jNxTgiMBZ1hyAumKUiL2KRL",
	"3AVi9Tg9Uo68tJfuvoKvqKNWKkC5wPdSSdeBnizKZ6jT",
}

// JitoConfig configures the Jito bundle client.
type JitoConfig struct {
	Enabled        bool
	BlockEngineURL string
	TimeoutMs      int
}

// JitoClient sends transaction bundles through the block engine.
type JitoClient struct {
	config     JitoConfig
	httpClient *http.Client

	bundlesSent   atomic.Int64
	bundlesLanded atomic.Int64
	bundlesFailed atomic.Int64
	tipLamports   atomic.Int64
}

// NewJitoClient creates a new Jito bundle client.
func NewJitoClient(config JitoConfig) *JitoClient {
	timeout := time.Duration(config.TimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if config.BlockEngineURL == "" {
		config.BlockEngineURL = JitoMainnetURL
	}
	return &JitoClient{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether bundle submission is configured.
func (c *JitoClient) Enabled() bool {
	return c.config.Enabled
}

// BundleStatus tracks the state of a submitted bundle.
type BundleStatus struct {
	BundleID  string `json:"bundle_id"`
	Status    string `json:"status"` // pending|landed|failed
	Slot      uint64 `json:"slot,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (c *JitoClient) post(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("jito: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BlockEngineURL+jitoBundlePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("jito: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("jito: HTTP error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("jito: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jito: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("jito: parse response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("jito: %w", rpcResp.Error)
	}
	return rpcResp.Result, nil
}

// SendBundle submits base64 signed transactions as one atomic bundle.
func (c *JitoClient) SendBundle(ctx context.Context, transactions []string, tipLamports uint64) (*BundleStatus, error) {
	if !c.config.Enabled {
		return nil, fmt.Errorf("jito: bundles not enabled")
	}
	if len(transactions) == 0 {
		return nil, fmt.Errorf("jito: empty bundle")
	}

	result, err := c.post(ctx, "sendBundle", []any{transactions, map[string]any{"encoding": "base64"}})
	if err != nil {
		c.bundlesFailed.Add(1)
		return nil, err
	}
	var bundleID string
	if err := json.Unmarshal(result, &bundleID); err != nil {
		c.bundlesFailed.Add(1)
		return nil, fmt.Errorf("jito: parse bundle id: %w", err)
	}

	c.bundlesSent.Add(1)
	c.tipLamports.Add(int64(tipLamports))

	log.Info().
		Str("bundle_id", bundleID).
		Uint64("tip_lamports", tipLamports).
		Int("tx_count", len(transactions)).
		Msg("jito: bundle submitted")

	return &BundleStatus{BundleID: bundleID, Status: "pending", Timestamp: time.Now().UnixMilli()}, nil
}

// GetBundleStatus checks the status of a submitted bundle.
func (c *JitoClient) GetBundleStatus(ctx context.Context, bundleID string) (*BundleStatus, error) {
	result, err := c.post(ctx, "getBundleStatuses", []any{[]string{bundleID}})
	if err != nil {
		return nil, err
	}

	var statusResp struct {
		Value []struct {
			BundleID           string `json:"bundle_id"`
			ConfirmationStatus string `json:"confirmation_status"`
			Slot               uint64 `json:"slot"`
			Err                any    `json:"err"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &statusResp); err != nil {
		return nil, fmt.Errorf("jito: parse status: %w", err)
	}
	if len(statusResp.Value) == 0 {
		return &BundleStatus{BundleID: bundleID, Status: "pending"}, nil
	}

	entry := statusResp.Value[0]
	status := "pending"
	if entry.ConfirmationStatus == "confirmed" || entry.ConfirmationStatus == "finalized" {
		status = "landed"
	}
	if m, ok := entry.Err.(map[string]any); ok {
		if _, okVal := m["Ok"]; !okVal {
			status = "failed"
		}
	}

	return &BundleStatus{BundleID: bundleID, Status: status, Slot: entry.Slot, Timestamp: time.Now().UnixMilli()}, nil
}

// WaitForBundle polls the bundle status until it lands, fails or ctx expires.
func (c *JitoClient) WaitForBundle(ctx context.Context, bundleID string, poll time.Duration) (*BundleStatus, error) {
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		st, err := c.GetBundleStatus(ctx, bundleID)
		if err == nil && st.Status != "pending" {
			if st.Status == "landed" {
				c.bundlesLanded.Add(1)
			} else {
				c.bundlesFailed.Add(1)
			}
			return st, nil
		}
		select {
		case <-ctx.Done():
			return &BundleStatus{BundleID: bundleID, Status: "pending"}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RandomTipAccount picks one of the tip accounts uniformly at random.
func RandomTipAccount() string {
	return JitoTipAccounts[rand.Intn(len(JitoTipAccounts))]
}

// JitoStats returns Jito client statistics.
type JitoStats struct {
	Enabled       bool    `json:"enabled"`
	BundlesSent   int64   `json:"bundles_sent"`
	BundlesLanded int64   `json:"bundles_landed"`
	BundlesFailed int64   `json:"bundles_failed"`
	LandRate      float64 `json:"land_rate_pct"`
	TotalTipSOL   string  `json:"total_tip_sol"`
}

func (c *JitoClient) Stats() JitoStats {
	sent := c.bundlesSent.Load()
	landed := c.bundlesLanded.Load()
	landRate := 0.0
	if sent > 0 {
		landRate = float64(landed) / float64(sent) * 100.0
	}
	return JitoStats{
		Enabled:       c.config.Enabled,
		BundlesSent:   sent,
		BundlesLanded: landed,
		BundlesFailed: c.bundlesFailed.Load(),
		LandRate:      landRate,
		TotalTipSOL:   LamportsToSOL(uint64(c.tipLamports.Load())).String(),
	}
}
