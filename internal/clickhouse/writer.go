// Package clickhouse is the analytics sink: trades, position exits and
// protection verdicts are batched and inserted into ClickHouse.
package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/domain"
)

// Table names, without the database prefix.
const (
	TableTrades     = "trades"
	TableExits      = "position_exits"
	TableProtection = "protection_checks"
)

var columns = map[string]string{
	TableTrades:     "trade_id, user_id, ts, signature, side, token_mint, token_symbol, amount_sol, amount_tokens, price, slippage_bps, price_impact, success, error, context, position_id",
	TableExits:      "position_id, user_id, ts, token_mint, reason, entry_amount_sol, exit_amount_sol, pnl_sol, held_seconds",
	TableProtection: "ts, token_mint, is_safe, risk_score, warnings, liquidity_usd, latency_ms",
}

// tableOrder fixes the flush order so tests and logs are deterministic.
var tableOrder = []string{TableTrades, TableExits, TableProtection}

// ProtectionRow is one protection verdict.
type ProtectionRow struct {
	Timestamp    time.Time
	TokenMint    string
	IsSafe       bool
	RiskScore    int
	Warnings     []string
	LiquidityUSD float64
	LatencyMs    int64
}

// BatchWriter buffers rows per table and flushes when the combined buffer
// reaches batchSize or on the flush interval.
type BatchWriter struct {
	client        *Client
	dbPrefix      string
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	buf     map[string][][]any
	pending int
	closed  bool

	flushCount atomic.Int64
	errorCount atomic.Int64
	rowsSent   atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}

	// flushHook replaces real inserts in tests.
	flushHook func(ctx context.Context, table string, rows [][]any) error
}

// NewBatchWriter creates a writer. client may be nil when a flush hook is set.
func NewBatchWriter(client *Client, dbPrefix string, batchSize int, flushInterval time.Duration) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &BatchWriter{
		client:        client,
		dbPrefix:      dbPrefix,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buf:           make(map[string][][]any),
	}
}

// SetFlushHook routes flushed rows to hook instead of ClickHouse.
func (w *BatchWriter) SetFlushHook(hook func(ctx context.Context, table string, rows [][]any) error) {
	w.flushHook = hook
}

func (w *BatchWriter) tableName(name string) string {
	if w.dbPrefix == "" {
		return name
	}
	return w.dbPrefix + "." + name
}

// WriteTrade buffers one trade row, successful or failed.
func (w *BatchWriter) WriteTrade(ctx context.Context, t domain.Trade) error {
	success := uint8(0)
	if t.Success {
		success = 1
	}
	return w.append(ctx, TableTrades, []any{
		t.ID, t.UserID, t.Timestamp, t.Signature, string(t.TradeType),
		t.TokenMint, t.TokenSymbol, t.AmountSOL.InexactFloat64(), t.AmountTokens.InexactFloat64(),
		t.Price.InexactFloat64(), int32(t.SlippageBps), t.PriceImpact, success,
		t.ErrorMessage, t.Context, t.PositionID,
	})
}

// WriteExit buffers a closed position.
func (w *BatchWriter) WriteExit(ctx context.Context, p domain.Position, reason string) error {
	ts := time.Now().UTC()
	if p.ExitTimestamp != nil {
		ts = *p.ExitTimestamp
	}
	var exitSOL, pnl float64
	if p.ExitAmountSOL != nil {
		exitSOL = p.ExitAmountSOL.InexactFloat64()
	}
	if p.PnLSOL != nil {
		pnl = p.PnLSOL.InexactFloat64()
	}
	return w.append(ctx, TableExits, []any{
		p.PositionID, p.UserID, ts, p.TokenMint, reason,
		p.EntryAmountSOL.InexactFloat64(), exitSOL, pnl,
		int64(ts.Sub(p.EntryTimestamp).Seconds()),
	})
}

// WriteProtection buffers a protection verdict.
func (w *BatchWriter) WriteProtection(ctx context.Context, r ProtectionRow) error {
	safe := uint8(0)
	if r.IsSafe {
		safe = 1
	}
	warnings := r.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return w.append(ctx, TableProtection, []any{
		r.Timestamp, r.TokenMint, safe, int32(r.RiskScore), warnings, r.LiquidityUSD, r.LatencyMs,
	})
}

func (w *BatchWriter) append(ctx context.Context, table string, row []any) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("clickhouse: writer is closed")
	}
	w.buf[table] = append(w.buf[table], row)
	w.pending++
	needsFlush := w.pending >= w.batchSize
	w.mu.Unlock()

	if needsFlush {
		return w.Flush(ctx)
	}
	return nil
}

// Start runs the periodic flush in the background until ctx is cancelled or Close is called.
func (w *BatchWriter) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		log.Info().
			Str("prefix", w.dbPrefix).
			Int("batch_size", w.batchSize).
			Dur("flush_interval", w.flushInterval).
			Msg("clickhouse: batch writer started")

		for {
			select {
			case <-bgCtx.Done():
				if err := w.Flush(context.Background()); err != nil {
					log.Error().Err(err).Msg("clickhouse: final flush error")
				}
				return
			case <-ticker.C:
				if err := w.Flush(bgCtx); err != nil {
					log.Error().Err(err).Msg("clickhouse: periodic flush error")
				}
			}
		}
	}()
}

// Flush writes every buffered row. The first error is returned; rows of a
// failed table are dropped.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	buf := w.buf
	total := w.pending
	w.buf = make(map[string][][]any)
	w.pending = 0
	w.mu.Unlock()

	if total == 0 {
		return nil
	}

	var firstErr error
	for _, table := range tableOrder {
		rows := buf[table]
		if len(rows) == 0 {
			continue
		}
		if err := w.insert(ctx, table, rows); err != nil {
			w.errorCount.Add(1)
			log.Error().Err(err).Str("table", table).Int("count", len(rows)).Msg("clickhouse: flush failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.rowsSent.Add(int64(len(rows)))
	}

	w.flushCount.Add(1)
	log.Debug().Int("rows", total).Int64("flushes", w.flushCount.Load()).Msg("clickhouse: batch flushed")
	return firstErr
}

func (w *BatchWriter) insert(ctx context.Context, table string, rows [][]any) error {
	if w.flushHook != nil {
		return w.flushHook(ctx, w.tableName(table), rows)
	}
	if w.client == nil {
		return fmt.Errorf("clickhouse: no client")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s)", w.tableName(table), columns[table])
	batch, err := w.client.Conn().PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", table, err)
	}
	for _, r := range rows {
		if err := batch.Append(r...); err != nil {
			return fmt.Errorf("append %s row: %w", strings.TrimSuffix(table, "s"), err)
		}
	}
	return batch.Send()
}

// Close stops the background loop and performs a final flush.
func (w *BatchWriter) Close() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	if err := w.Flush(context.Background()); err != nil {
		return err
	}
	log.Info().
		Int64("flushes", w.flushCount.Load()).
		Int64("errors", w.errorCount.Load()).
		Int64("rows", w.rowsSent.Load()).
		Msg("clickhouse: batch writer closed")
	return nil
}

// WriterStats returns writer counters.
type WriterStats struct {
	Flushes  int64 `json:"flushes"`
	Errors   int64 `json:"errors"`
	RowsSent int64 `json:"rows_sent"`
	Pending  int   `json:"pending"`
}

func (w *BatchWriter) Stats() WriterStats {
	w.mu.Lock()
	pending := w.pending
	w.mu.Unlock()
	return WriterStats{
		Flushes:  w.flushCount.Load(),
		Errors:   w.errorCount.Load(),
		RowsSent: w.rowsSent.Load(),
		Pending:  pending,
	}
}
