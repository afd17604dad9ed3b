package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// HTTPScorer asks a remote model endpoint for a recommendation.
// The endpoint receives {"token":…, "portfolio_value":…, "sentiment":…, "community":…}
// and answers with a Recommendation.
type HTTPScorer struct {
	url        string
	apiKey     string
	httpClient *http.Client

	requests atomic.Int64
	errors   atomic.Int64
}

func NewHTTPScorer(url, apiKey string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPScorer{url: url, apiKey: apiKey, httpClient: &http.Client{Timeout: timeout}}
}

type scoreRequest struct {
	Token          TokenData  `json:"token"`
	PortfolioValue float64    `json:"portfolio_value"`
	Sentiment      *Sentiment `json:"sentiment,omitempty"`
	Community      *Community `json:"community,omitempty"`
}

func (s *HTTPScorer) AnalyzeOpportunity(ctx context.Context, t TokenData, portfolioValue float64, sentiment *Sentiment, community *Community) (*Recommendation, error) {
	s.requests.Add(1)
	body, err := json.Marshal(scoreRequest{Token: t, PortfolioValue: portfolioValue, Sentiment: sentiment, Community: community})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("scoring: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.errors.Add(1)
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("scoring: HTTP %d: %s", resp.StatusCode, msg)
	}

	var rec Recommendation
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("scoring: decode: %w", err)
	}
	switch rec.Action {
	case ActionStrongBuy, ActionBuy, ActionHold, ActionAvoid:
	default:
		s.errors.Add(1)
		return nil, fmt.Errorf("scoring: unknown action %q", rec.Action)
	}
	rec.Confidence = clamp(rec.Confidence, 0, 1)
	return &rec, nil
}

// HTTPScorerStats returns request counters.
type HTTPScorerStats struct {
	Requests int64 `json:"requests"`
	Errors   int64 `json:"errors"`
}

func (s *HTTPScorer) Stats() HTTPScorerStats {
	return HTTPScorerStats{Requests: s.requests.Load(), Errors: s.errors.Load()}
}
