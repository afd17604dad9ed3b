package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tradecore/internal/domain"
)

func TestPublisher_TradeExecuted(t *testing.T) {
	stub := NewStubProducer()
	pub := NewPublisher(stub, "tradecore.", "test-1", "")

	pub.TradeExecuted(context.Background(), domain.Trade{
		ID:        "t1",
		UserID:    7,
		TradeType: domain.TradeBuy,
		TokenMint: "mint1",
		AmountSOL: decimal.RequireFromString("0.5"),
		Success:   true,
	})

	msgs := stub.Messages("tradecore.trades")
	require.Len(t, msgs, 1)
	assert.Equal(t, "mint1", msgs[0].Key)

	var ev TradeEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &ev))
	assert.Equal(t, "trade.buy", ev.EventType)
	assert.Equal(t, "test-1", ev.Producer)
	assert.Equal(t, "1", ev.SchemaVersion)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, int64(7), ev.Trade.UserID)
}

func TestPublisher_SnipeAndPositionEvents(t *testing.T) {
	stub := NewStubProducer()
	pub := NewPublisher(stub, "x.", "i", "2")
	ctx := context.Background()

	pub.SnipeTransition(ctx, domain.SnipeRun{SnipeID: "s1", UserID: 1, TokenMint: "m", Status: domain.SnipeSkipped}, domain.SnipeAnalyzed, "not_strong_buy")
	pnl := decimal.RequireFromString("-0.1")
	pub.PositionClosed(ctx, domain.Position{PositionID: "p1", UserID: 1, TokenMint: "m"}, "auto_trader:STOP_LOSS", &pnl)

	snipes := stub.Messages("x.snipes")
	require.Len(t, snipes, 1)
	var se SnipeEvent
	require.NoError(t, json.Unmarshal(snipes[0].Value, &se))
	assert.Equal(t, domain.SnipeAnalyzed, se.From)
	assert.Equal(t, domain.SnipeSkipped, se.To)
	assert.Equal(t, "not_strong_buy", se.Reason)

	positions := stub.Messages("x.positions")
	require.Len(t, positions, 1)
	var pe PositionEvent
	require.NoError(t, json.Unmarshal(positions[0].Value, &pe))
	assert.Equal(t, "closed", pe.Action)
	require.NotNil(t, pe.PnLSOL)
	assert.Equal(t, "-0.1", pe.PnLSOL.String())

	assert.Len(t, stub.Messages(""), 2)
}

func TestPublisher_NilIsNoop(t *testing.T) {
	var pub *Publisher
	assert.NotPanics(t, func() {
		pub.TradeExecuted(context.Background(), domain.Trade{})
	})
	assert.Equal(t, "trades", pub.Topic(TopicTrades))
}

func TestPublisher_ProduceErrorIsSwallowed(t *testing.T) {
	stub := NewStubProducer()
	pub := NewPublisher(stub, "tradecore.", "i", "")

	stub.FailWith(ErrClosed)
	assert.NotPanics(t, func() {
		pub.PositionOpened(context.Background(), domain.Position{PositionID: "p1", TokenMint: "m"})
	})
	assert.Empty(t, stub.Messages(""))

	stub.FailWith(nil)
	pub.PositionOpened(context.Background(), domain.Position{PositionID: "p2", TokenMint: "m"})
	assert.Len(t, stub.Messages("tradecore.positions"), 1)
}
