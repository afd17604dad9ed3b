package scoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tradecore/internal/config"
)

func TestHeuristic_Actions(t *testing.T) {
	h := NewHeuristicScorer(DefaultWeights())
	tests := []struct {
		name  string
		token TokenData
		want  Action
	}{
		{"deep young safe", TokenData{LiquidityUSD: 60_000, AgeSeconds: 60, RiskScore: 0}, ActionStrongBuy},
		{"moderate", TokenData{LiquidityUSD: 20_000, AgeSeconds: 20 * 60, RiskScore: 20}, ActionBuy},
		{"thin", TokenData{LiquidityUSD: 2_000, AgeSeconds: 3 * 3600, RiskScore: 30}, ActionHold},
		{"risky", TokenData{LiquidityUSD: 60_000, AgeSeconds: 60, RiskScore: 75}, ActionAvoid},
		{"dust", TokenData{LiquidityUSD: 100, AgeSeconds: 24 * 3600, RiskScore: 50}, ActionAvoid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := h.AnalyzeOpportunity(context.Background(), tt.token, 10, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Action)
			assert.GreaterOrEqual(t, rec.Confidence, 0.0)
			assert.LessOrEqual(t, rec.Confidence, 1.0)
		})
	}
}

func TestHeuristic_SentimentIsBonusOnly(t *testing.T) {
	h := NewHeuristicScorer(DefaultWeights())
	token := TokenData{LiquidityUSD: 20_000, AgeSeconds: 20 * 60, RiskScore: 20}

	base, _ := h.AnalyzeOpportunity(context.Background(), token, 10, nil, nil)
	neg, _ := h.AnalyzeOpportunity(context.Background(), token, 10, &Sentiment{Score: -1}, nil)
	pos, _ := h.AnalyzeOpportunity(context.Background(), token, 10, &Sentiment{Score: 0.8}, &Community{Score: 0.9})

	assert.Equal(t, base.Confidence, neg.Confidence)
	assert.InDelta(t, base.Confidence+0.13, pos.Confidence, 1e-9)
}

func TestHTTPScorer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req scoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "MINT", req.Token.Mint)
		assert.Nil(t, req.Sentiment)
		w.Write([]byte(`{"action":"strong_buy","confidence":1.4,"reasoning":"ok","risk_level":"low"}`))
	}))
	defer srv.Close()

	s := NewHTTPScorer(srv.URL, "k", time.Second)
	rec, err := s.AnalyzeOpportunity(context.Background(), TokenData{Mint: "MINT"}, 1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionStrongBuy, rec.Action)
	assert.Equal(t, 1.0, rec.Confidence)
}

func TestHTTPScorer_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.Write([]byte(`{"action":"moon"}`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPScorer(srv.URL, "", time.Second).AnalyzeOpportunity(context.Background(), TokenData{}, 1, nil, nil)
	assert.Error(t, err)

	s := NewHTTPScorer(srv.URL+"/bad", "", time.Second)
	_, err = s.AnalyzeOpportunity(context.Background(), TokenData{}, 1, nil, nil)
	assert.Error(t, err)
	assert.Equal(t, int64(1), s.Stats().Errors)
}

func TestNewFromConfig(t *testing.T) {
	s, err := NewFromConfig(config.ScoringConfig{})
	require.NoError(t, err)
	assert.IsType(t, &HeuristicScorer{}, s)

	_, err = NewFromConfig(config.ScoringConfig{Provider: "http"})
	assert.Error(t, err)

	s, err = NewFromConfig(config.ScoringConfig{Provider: "http", URL: "http://x"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPScorer{}, s)
}
