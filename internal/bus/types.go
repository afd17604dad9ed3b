package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/domain"
)

// Topic suffixes. The configured prefix (default "tradecore.") is prepended.
const (
	TopicTrades    = "trades"
	TopicSnipes    = "snipes"
	TopicPositions = "positions"
	TopicAudit     = "audit"
)

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
}

// NewBaseEvent creates a BaseEvent with a fresh id.
func NewBaseEvent(eventType, producer, schemaVersion string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		Timestamp:     time.Now(),
		SchemaVersion: schemaVersion,
		Producer:      producer,
	}
}

// TradeEvent is published for every executed or failed trade.
type TradeEvent struct {
	BaseEvent
	Trade domain.Trade `json:"trade"`
}

// SnipeEvent is published on every snipe status transition.
type SnipeEvent struct {
	BaseEvent
	SnipeID   string             `json:"snipe_id"`
	UserID    int64              `json:"user_id"`
	TokenMint string             `json:"token_mint"`
	From      domain.SnipeStatus `json:"from"`
	To        domain.SnipeStatus `json:"to"`
	Reason    string             `json:"reason,omitempty"`
}

// PositionEvent is published when a position opens or closes.
type PositionEvent struct {
	BaseEvent
	PositionID string           `json:"position_id"`
	UserID     int64            `json:"user_id"`
	TokenMint  string           `json:"token_mint"`
	Action     string           `json:"action"` // opened|closed
	ExitReason string           `json:"exit_reason,omitempty"`
	PnLSOL     *decimal.Decimal `json:"pnl_sol,omitempty"`
}

// Publisher wraps a Producer with topic naming and event stamping.
// A nil Publisher is valid and drops everything.
type Publisher struct {
	producer      Producer
	prefix        string
	instanceID    string
	schemaVersion string
}

// NewPublisher creates a Publisher. prefix is prepended verbatim to topic suffixes.
func NewPublisher(p Producer, prefix, instanceID, schemaVersion string) *Publisher {
	if schemaVersion == "" {
		schemaVersion = "1"
	}
	return &Publisher{producer: p, prefix: prefix, instanceID: instanceID, schemaVersion: schemaVersion}
}

// Topic returns the full topic name for a suffix.
func (p *Publisher) Topic(suffix string) string {
	if p == nil {
		return suffix
	}
	return p.prefix + suffix
}

// Base stamps a new BaseEvent.
func (p *Publisher) Base(eventType string) BaseEvent {
	if p == nil {
		return NewBaseEvent(eventType, "", "1")
	}
	return NewBaseEvent(eventType, p.instanceID, p.schemaVersion)
}

// Emit publishes value asynchronously. Failures are logged, never returned.
func (p *Publisher) Emit(ctx context.Context, suffix, key string, value any) {
	if p == nil || p.producer == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		log.Error().Err(err).Str("topic", suffix).Msg("bus: marshal event")
		return
	}
	if err := p.producer.Produce(ctx, p.Topic(suffix), key, data); err != nil {
		log.Warn().Err(err).Str("topic", suffix).Msg("bus: emit failed")
	}
}

// TradeExecuted publishes a trade event.
func (p *Publisher) TradeExecuted(ctx context.Context, t domain.Trade) {
	p.Emit(ctx, TopicTrades, t.TokenMint, TradeEvent{BaseEvent: p.Base("trade." + string(t.TradeType)), Trade: t})
}

// SnipeTransition publishes a snipe status change.
func (p *Publisher) SnipeTransition(ctx context.Context, run domain.SnipeRun, from domain.SnipeStatus, reason string) {
	p.Emit(ctx, TopicSnipes, run.SnipeID, SnipeEvent{
		BaseEvent: p.Base("snipe.transition"),
		SnipeID:   run.SnipeID,
		UserID:    run.UserID,
		TokenMint: run.TokenMint,
		From:      from,
		To:        run.Status,
		Reason:    reason,
	})
}

// PositionOpened publishes a position open.
func (p *Publisher) PositionOpened(ctx context.Context, pos domain.Position) {
	p.Emit(ctx, TopicPositions, pos.PositionID, PositionEvent{
		BaseEvent:  p.Base("position.opened"),
		PositionID: pos.PositionID,
		UserID:     pos.UserID,
		TokenMint:  pos.TokenMint,
		Action:     "opened",
	})
}

// PositionClosed publishes a position close.
func (p *Publisher) PositionClosed(ctx context.Context, pos domain.Position, reason string, pnl *decimal.Decimal) {
	p.Emit(ctx, TopicPositions, pos.PositionID, PositionEvent{
		BaseEvent:  p.Base("position.closed"),
		PositionID: pos.PositionID,
		UserID:     pos.UserID,
		TokenMint:  pos.TokenMint,
		Action:     "closed",
		ExitReason: reason,
		PnLSOL:     pnl,
	})
}
