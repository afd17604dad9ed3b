package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/domain"
)

// ---------------------------------------------------------------------------
// Launchpad stream: real-time new-token events over websocket.
// Polling stays the safety net; the stream only shortens latency.
// ---------------------------------------------------------------------------

const (
	DefaultStreamURL   = "wss://pumpportal.fun/api/data"
	streamReadTimeout  = 60 * time.Second
	streamPingInterval = 30 * time.Second
	streamMaxBackoff   = 30 * time.Second
	solPriceTTL        = time.Minute
)

// SOLPriceFunc returns the USD price of SOL.
type SOLPriceFunc func(ctx context.Context) (float64, error)

// Stream subscribes to the launchpad's new-token channel.
type Stream struct {
	url      string
	solPrice SOLPriceFunc
	emit     func(domain.NewTokenEvent)

	mu   sync.Mutex
	conn *websocket.Conn

	priceMu   sync.Mutex
	lastPrice float64
	priceAt   time.Time

	messagesRecv atomic.Int64
	tokensSeen   atomic.Int64
	reconnects   atomic.Int64
	connected    atomic.Bool
}

// NewStream creates a stream that passes every new token to emit.
// solPrice may be nil, in which case liquidity is left at zero.
func NewStream(url string, solPrice SOLPriceFunc, emit func(domain.NewTokenEvent)) *Stream {
	if url == "" {
		url = DefaultStreamURL
	}
	return &Stream{url: url, solPrice: solPrice, emit: emit}
}

// Run connects and reconnects with exponential backoff until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("stream: run loop panic recovered")
		}
		s.disconnect()
	}()

	delay := time.Second
	for ctx.Err() == nil {
		if err := s.connect(ctx); err != nil {
			s.reconnects.Add(1)
			log.Warn().Err(err).Dur("retry_in", delay).Msg("stream: connection failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay *= 2
			if delay > streamMaxBackoff {
				delay = streamMaxBackoff
			}
			continue
		}
		delay = time.Second
		s.readLoop(ctx)
		s.disconnect()
	}
}

func (s *Stream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("stream: dial: %w", err)
	}
	if err := conn.WriteJSON(map[string]string{"method": "subscribeNewToken"}); err != nil {
		conn.Close()
		return fmt.Errorf("stream: subscribe: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.connected.Store(true)
	log.Info().Str("url", s.url).Msg("stream: subscribed to new tokens")
	return nil
}

func (s *Stream) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected.Store(false)
}

func (s *Stream) readLoop(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(streamPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Unblocks ReadMessage.
				s.disconnect()
				return
			case <-done:
				return
			case <-ticker.C:
				s.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				s.mu.Unlock()
				if err != nil {
					log.Debug().Err(err).Msg("stream: ping failed")
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("stream: read error, reconnecting")
			}
			return
		}
		s.messagesRecv.Add(1)
		s.handleMessage(ctx, msg)
	}
}

type streamToken struct {
	Signature    string  `json:"signature"`
	Mint         string  `json:"mint"`
	TxType       string  `json:"txType"`
	Name         string  `json:"name"`
	Symbol       string  `json:"symbol"`
	MarketCapSOL float64 `json:"marketCapSol"`
	Pool         string  `json:"pool"`
}

func (s *Stream) handleMessage(ctx context.Context, data []byte) {
	var tok streamToken
	if err := json.Unmarshal(data, &tok); err != nil || tok.Mint == "" {
		// Subscription acks and other notices.
		return
	}
	if tok.TxType != "" && tok.TxType != "create" {
		return
	}
	s.tokensSeen.Add(1)

	ev := domain.NewTokenEvent{
		Address:     tok.Mint,
		Symbol:      tok.Symbol,
		Name:        tok.Name,
		CreatedAtMs: time.Now().UnixMilli(),
		Source:      domain.SourcePumpfunStream,
		DEX:         "pumpfun",
	}
	if price := s.solUSD(ctx); price > 0 {
		ev.LiquidityUSD = tok.MarketCapSOL * price
	}
	s.emit(ev)
}

// solUSD returns a cached SOL price, 0 when unavailable.
func (s *Stream) solUSD(ctx context.Context) float64 {
	if s.solPrice == nil {
		return 0
	}
	s.priceMu.Lock()
	defer s.priceMu.Unlock()
	if time.Since(s.priceAt) < solPriceTTL && s.lastPrice > 0 {
		return s.lastPrice
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	p, err := s.solPrice(pctx)
	if err != nil {
		log.Debug().Err(err).Msg("stream: sol price unavailable")
		return s.lastPrice
	}
	s.lastPrice, s.priceAt = p, time.Now()
	return p
}

// StreamStats returns stream counters.
type StreamStats struct {
	Connected    bool  `json:"connected"`
	MessagesRecv int64 `json:"messages_recv"`
	TokensSeen   int64 `json:"tokens_seen"`
	Reconnects   int64 `json:"reconnects"`
}

func (s *Stream) Stats() StreamStats {
	return StreamStats{
		Connected:    s.connected.Load(),
		MessagesRecv: s.messagesRecv.Load(),
		TokensSeen:   s.tokensSeen.Load(),
		Reconnects:   s.reconnects.Load(),
	}
}
