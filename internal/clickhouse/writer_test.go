package clickhouse

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tradecore/internal/domain"
)

type flushRecorder struct {
	mu     sync.Mutex
	tables map[string]int
	rows   map[string][][]any
	calls  int
}

func newRecorder() *flushRecorder {
	return &flushRecorder{tables: make(map[string]int), rows: make(map[string][][]any)}
}

func (r *flushRecorder) hook(_ context.Context, table string, rows [][]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.tables[table] += len(rows)
	r.rows[table] = append(r.rows[table], rows...)
	return nil
}

func (r *flushRecorder) count(table string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tables[table]
}

func sampleTrade(id string) domain.Trade {
	return domain.Trade{
		ID:          id,
		UserID:      7,
		Signature:   "sig-" + id,
		TradeType:   domain.TradeBuy,
		TokenMint:   "MINT",
		AmountSOL:   decimal.NewFromFloat(0.1),
		Price:       decimal.NewFromFloat(0.0001),
		SlippageBps: 100,
		Timestamp:   time.Now(),
		Success:     true,
		Context:     domain.ContextManual,
	}
}

func TestBatchWriter_FlushOnSize(t *testing.T) {
	rec := newRecorder()
	w := NewBatchWriter(nil, "", 3, time.Hour)
	w.SetFlushHook(rec.hook)
	ctx := context.Background()

	require.NoError(t, w.WriteTrade(ctx, sampleTrade("a")))
	require.NoError(t, w.WriteTrade(ctx, sampleTrade("b")))
	assert.Equal(t, 0, rec.count(TableTrades))

	require.NoError(t, w.WriteProtection(ctx, ProtectionRow{TokenMint: "MINT", IsSafe: true}))
	assert.Equal(t, 2, rec.count(TableTrades))
	assert.Equal(t, 1, rec.count(TableProtection))
	assert.Equal(t, 0, w.Stats().Pending)
	assert.Equal(t, int64(3), w.Stats().RowsSent)
}

func TestBatchWriter_TradeRowShape(t *testing.T) {
	rec := newRecorder()
	w := NewBatchWriter(nil, "", 10, time.Hour)
	w.SetFlushHook(rec.hook)

	tr := sampleTrade("x")
	tr.Success = false
	tr.ErrorMessage = "no route"
	require.NoError(t, w.WriteTrade(context.Background(), tr))
	require.NoError(t, w.Flush(context.Background()))

	row := rec.rows[TableTrades][0]
	assert.Equal(t, "x", row[0])
	assert.Equal(t, "buy", row[4])
	assert.Equal(t, uint8(0), row[12])
	assert.Equal(t, "no route", row[13])
}

func TestBatchWriter_ExitRow(t *testing.T) {
	rec := newRecorder()
	w := NewBatchWriter(nil, "", 10, time.Hour)
	w.SetFlushHook(rec.hook)

	entry := time.Now().Add(-90 * time.Second)
	exit := entry.Add(90 * time.Second)
	pnl := decimal.NewFromFloat(-0.015)
	out := decimal.NewFromFloat(0.085)
	p := domain.Position{
		PositionID:     "pos-1",
		UserID:         7,
		TokenMint:      "MINT",
		EntryAmountSOL: decimal.NewFromFloat(0.1),
		EntryTimestamp: entry,
		ExitTimestamp:  &exit,
		ExitAmountSOL:  &out,
		PnLSOL:         &pnl,
	}
	require.NoError(t, w.WriteExit(context.Background(), p, "stop_loss"))
	require.NoError(t, w.Flush(context.Background()))

	row := rec.rows[TableExits][0]
	assert.Equal(t, "stop_loss", row[4])
	assert.InDelta(t, -0.015, row[7], 1e-9)
	assert.Equal(t, int64(90), row[8])
}

func TestBatchWriter_FlushOnInterval(t *testing.T) {
	rec := newRecorder()
	w := NewBatchWriter(nil, "", 1000, 20*time.Millisecond)
	w.SetFlushHook(rec.hook)
	w.Start(context.Background())
	defer w.Close()

	require.NoError(t, w.WriteTrade(context.Background(), sampleTrade("a")))
	assert.Eventually(t, func() bool { return rec.count(TableTrades) == 1 }, time.Second, 10*time.Millisecond)
}

func TestBatchWriter_EmptyFlush(t *testing.T) {
	rec := newRecorder()
	w := NewBatchWriter(nil, "", 10, time.Hour)
	w.SetFlushHook(rec.hook)

	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, 0, rec.calls)
	assert.Equal(t, int64(0), w.Stats().Flushes)
}

func TestBatchWriter_CloseFlushesAndRejects(t *testing.T) {
	rec := newRecorder()
	w := NewBatchWriter(nil, "", 10, time.Hour)
	w.SetFlushHook(rec.hook)
	w.Start(context.Background())

	require.NoError(t, w.WriteTrade(context.Background(), sampleTrade("a")))
	require.NoError(t, w.Close())
	assert.Equal(t, 1, rec.count(TableTrades))

	assert.Error(t, w.WriteTrade(context.Background(), sampleTrade("b")))
}

func TestBatchWriter_TablePrefix(t *testing.T) {
	rec := newRecorder()
	w := NewBatchWriter(nil, "analytics", 10, time.Hour)
	w.SetFlushHook(rec.hook)

	require.NoError(t, w.WriteTrade(context.Background(), sampleTrade("a")))
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, 1, rec.count("analytics.trades"))
}

func TestBatchWriter_HookErrorCounted(t *testing.T) {
	w := NewBatchWriter(nil, "", 10, time.Hour)
	w.SetFlushHook(func(context.Context, string, [][]any) error { return errors.New("down") })

	require.NoError(t, w.WriteTrade(context.Background(), sampleTrade("a")))
	assert.Error(t, w.Flush(context.Background()))
	assert.Equal(t, int64(1), w.Stats().Errors)
	assert.Equal(t, int64(0), w.Stats().RowsSent)
}

func TestBatchWriter_ConcurrentWrites(t *testing.T) {
	rec := newRecorder()
	w := NewBatchWriter(nil, "", 50, time.Hour)
	w.SetFlushHook(rec.hook)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = w.WriteTrade(context.Background(), sampleTrade("c"))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, 200, rec.count(TableTrades))
}
