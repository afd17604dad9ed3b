package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/autotrader"
	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/sniper"
	"github.com/nexus-trading/tradecore/internal/walletintel"
)

// sniperAPI is the part of the sniper controller the HTTP surface uses.
type sniperAPI interface {
	Status(ctx context.Context, userID int64) (*sniper.UserStatus, error)
	History(ctx context.Context, userID int64, limit int) ([]*domain.SnipeRun, error)
	Watch(ctx context.Context, userID int64, mint string, amount decimal.Decimal, targetLiquidity float64) (*domain.SnipeRun, error)
}

type autoTraderAPI interface {
	Start(ctx context.Context, userID int64) error
	Stop(ctx context.Context, userID int64) error
	Status(ctx context.Context, userID int64) (*autotrader.Status, error)
}

type rankingAPI interface {
	TopWallets(n int) []walletintel.Ranking
}

// controlAPI pauses new entries. Open positions keep being managed.
type controlAPI interface {
	Pause(reason string)
	Resume()
	Paused() bool
}

// api serves the operator surface: status reads, per-user controls and the
// global pause switch.
type api struct {
	sniper  sniperAPI
	auto    autoTraderAPI
	wallets rankingAPI
	control controlAPI
	stats   func() map[string]any
	dryRun  bool

	onPause func(bool)
}

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stats", a.handleStats)
	mux.HandleFunc("GET /users/{id}/status", a.handleUserStatus)
	mux.HandleFunc("GET /users/{id}/snipes", a.handleSnipeHistory)
	mux.HandleFunc("POST /users/{id}/snipes/watch", a.handleWatch)
	mux.HandleFunc("POST /users/{id}/autotrade/start", a.handleAutoStart)
	mux.HandleFunc("POST /users/{id}/autotrade/stop", a.handleAutoStop)
	mux.HandleFunc("GET /wallets/top", a.handleTopWallets)
	mux.HandleFunc("POST /control/pause", a.handlePause)
	mux.HandleFunc("POST /control/resume", a.handleResume)
	mux.HandleFunc("GET /control/status", a.handleControlStatus)
}

func (a *api) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.stats())
}

func (a *api) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	snipe, err := a.sniper.Status(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	auto, err := a.auto.Status(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    userID,
		"sniper":     snipe,
		"autotrader": auto,
	})
}

func (a *api) handleSnipeHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	runs, err := a.sniper.History(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []*domain.SnipeRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type watchRequest struct {
	Mint               string          `json:"mint"`
	AmountSOL          decimal.Decimal `json:"amount_sol"`
	TargetLiquidityUSD float64         `json:"target_liquidity_usd"`
}

func (a *api) handleWatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	run, err := a.sniper.Watch(r.Context(), userID, req.Mint, req.AmountSOL, req.TargetLiquidityUSD)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (a *api) handleAutoStart(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	if err := a.auto.Start(r.Context(), userID); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, autotrader.ErrNoKeypair) {
			code = http.StatusConflict
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "running": true})
}

func (a *api) handleAutoStop(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	if err := a.auto.Stop(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "running": false})
}

func (a *api) handleTopWallets(w http.ResponseWriter, r *http.Request) {
	n := 10
	if s := r.URL.Query().Get("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("n must be a positive integer"))
			return
		}
		n = v
	}
	top := a.wallets.TopWallets(n)
	if top == nil {
		top = []walletintel.Ranking{}
	}
	writeJSON(w, http.StatusOK, top)
}

func (a *api) handlePause(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "operator"
	}
	a.control.Pause(reason)
	if a.onPause != nil {
		a.onPause(true)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (a *api) handleResume(w http.ResponseWriter, _ *http.Request) {
	a.control.Resume()
	if a.onPause != nil {
		a.onPause(false)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (a *api) handleControlStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"paused":  a.control.Paused(),
		"dry_run": a.dryRun,
	})
}

func userParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid user id"))
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("http: encode response")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
