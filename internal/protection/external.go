package protection

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
)

// ---------------------------------------------------------------------------
// External scam databases. Each is optional; an empty URL disables it.
// ---------------------------------------------------------------------------

// ExternalVerdict is what one scam database said about a mint.
type ExternalVerdict struct {
	Source  string  `json:"source"`
	Flagged bool    `json:"flagged"`
	Score   float64 `json:"score,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	// LPUnlocked is only reported by the risk-report source.
	LPUnlocked bool `json:"lp_unlocked,omitempty"`
}

// ExternalSource queries one external database.
type ExternalSource interface {
	Name() string
	Check(ctx context.Context, mint string) (*ExternalVerdict, error)
}

type httpSource struct {
	client *http.Client
}

func newHTTPSource(timeout time.Duration) httpSource {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return httpSource{client: &http.Client{Timeout: timeout}}
}

func (h httpSource) do(ctx context.Context, method, target string, body any, headers map[string]string, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	return json.Unmarshal(raw, out)
}

// --- Risk report (RugCheck-style) ---

// RiskReportSource reads a token risk summary: a normalised score and a list of named risks.
type RiskReportSource struct {
	httpSource
	baseURL string
}

func NewRiskReportSource(baseURL string, timeout time.Duration) *RiskReportSource {
	return &RiskReportSource{httpSource: newHTTPSource(timeout), baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *RiskReportSource) Name() string { return "risk_report" }

func (s *RiskReportSource) Check(ctx context.Context, mint string) (*ExternalVerdict, error) {
	var resp struct {
		Score           float64 `json:"score"`
		ScoreNormalised float64 `json:"score_normalised"`
		Risks           []struct {
			Name  string `json:"name"`
			Level string `json:"level"`
		} `json:"risks"`
	}
	target := fmt.Sprintf("%s/v1/tokens/%s/report/summary", s.baseURL, url.PathEscape(mint))
	if err := s.do(ctx, http.MethodGet, target, nil, nil, &resp); err != nil {
		return nil, err
	}

	v := &ExternalVerdict{Source: s.Name(), Score: resp.ScoreNormalised}
	if resp.ScoreNormalised >= 80 {
		v.Flagged = true
		v.Reason = fmt.Sprintf("risk score %.0f", resp.ScoreNormalised)
	}
	for _, r := range resp.Risks {
		name := strings.ToLower(r.Name)
		if r.Level != "danger" {
			continue
		}
		if strings.Contains(name, "lp") && strings.Contains(name, "unlocked") {
			v.LPUnlocked = true
		}
		if strings.Contains(name, "rugged") || strings.Contains(name, "honeypot") {
			v.Flagged = true
			v.Reason = r.Name
		}
	}
	return v, nil
}

// --- Token security (GoPlus-style) ---

// SecuritySource reads per-mint security flags for SPL tokens.
type SecuritySource struct {
	httpSource
	baseURL string
}

func NewSecuritySource(baseURL string, timeout time.Duration) *SecuritySource {
	return &SecuritySource{httpSource: newHTTPSource(timeout), baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *SecuritySource) Name() string { return "token_security" }

type statusField struct {
	Status string `json:"status"`
}

func (s *SecuritySource) Check(ctx context.Context, mint string) (*ExternalVerdict, error) {
	var resp struct {
		Code   int    `json:"code"`
		Msg    string `json:"message"`
		Result map[string]struct {
			NonTransferable         string          `json:"non_transferable"`
			BalanceMutableAuthority statusField     `json:"balance_mutable_authority"`
			TransferHook            json.RawMessage `json:"transfer_hook"`
		} `json:"result"`
	}
	target := fmt.Sprintf("%s/api/v1/solana/token_security?contract_addresses=%s", s.baseURL, url.QueryEscape(mint))
	if err := s.do(ctx, http.MethodGet, target, nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 1 {
		return nil, fmt.Errorf("code %d: %s", resp.Code, resp.Msg)
	}

	v := &ExternalVerdict{Source: s.Name()}
	info, ok := resp.Result[mint]
	if !ok {
		return v, nil
	}
	switch {
	case info.NonTransferable == "1":
		v.Flagged, v.Reason = true, "non-transferable"
	case info.BalanceMutableAuthority.Status == "1":
		v.Flagged, v.Reason = true, "balance mutable by authority"
	case hasEntries(info.TransferHook):
		v.Flagged, v.Reason = true, "transfer hook"
	}
	return v, nil
}

func hasEntries(raw json.RawMessage) bool {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return false
	}
	return len(arr) > 0
}

// --- Auxiliary score API ---

// ScoreSource is a keyed API answering {"score": 0-100, "flagged": bool}; higher is riskier.
type ScoreSource struct {
	httpSource
	baseURL string
	apiKey  string
}

func NewScoreSource(baseURL, apiKey string, timeout time.Duration) *ScoreSource {
	return &ScoreSource{httpSource: newHTTPSource(timeout), baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

func (s *ScoreSource) Name() string { return "aux_score" }

func (s *ScoreSource) Check(ctx context.Context, mint string) (*ExternalVerdict, error) {
	var resp struct {
		Score   float64 `json:"score"`
		Flagged bool    `json:"flagged"`
	}
	headers := map[string]string{}
	if s.apiKey != "" {
		headers["X-API-KEY"] = s.apiKey
	}
	if err := s.do(ctx, http.MethodGet, s.baseURL+"/"+url.PathEscape(mint), nil, headers, &resp); err != nil {
		return nil, err
	}
	v := &ExternalVerdict{Source: s.Name(), Score: resp.Score}
	if resp.Flagged || resp.Score >= 80 {
		v.Flagged = true
		v.Reason = fmt.Sprintf("aux score %.0f", resp.Score)
	}
	return v, nil
}

// --- Rug classifier ---

// ClassifierSource posts {"mint"} and reads {"is_rug", "probability"}.
type ClassifierSource struct {
	httpSource
	url string
}

func NewClassifierSource(target string, timeout time.Duration) *ClassifierSource {
	return &ClassifierSource{httpSource: newHTTPSource(timeout), url: target}
}

func (s *ClassifierSource) Name() string { return "rug_classifier" }

func (s *ClassifierSource) Check(ctx context.Context, mint string) (*ExternalVerdict, error) {
	var resp struct {
		IsRug       bool    `json:"is_rug"`
		Probability float64 `json:"probability"`
	}
	if err := s.do(ctx, http.MethodPost, s.url, map[string]string{"mint": mint}, nil, &resp); err != nil {
		return nil, err
	}
	v := &ExternalVerdict{Source: s.Name(), Score: resp.Probability * 100}
	if resp.IsRug || resp.Probability >= 0.8 {
		v.Flagged = true
		v.Reason = fmt.Sprintf("rug probability %.2f", resp.Probability)
	}
	return v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
