// Package discovery polls new-listing feeds and emits each newly seen mint once.
package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tradecore/internal/config"
	"github.com/nexus-trading/tradecore/internal/domain"
	"github.com/nexus-trading/tradecore/internal/queue"
)

// Config configures the scheduler.
type Config struct {
	PollInterval time.Duration
	SeenCapacity int
	SeenRetain   int
	QueueSize    int
}

// Service runs the sources in order each tick and forwards fresh, unseen
// tokens to a bounded drop-oldest queue.
type Service struct {
	config  Config
	sources []Source
	stream  *Stream
	seen    *seenSet
	out     *queue.DropOldest[domain.NewTokenEvent]
	now     func() time.Time

	mu        sync.Mutex
	perSource map[domain.TokenSource]*sourceStats

	ticks   atomic.Int64
	emitted atomic.Int64
	stale   atomic.Int64
	dupes   atomic.Int64
}

type sourceStats struct {
	Fetched int64 `json:"fetched"`
	Emitted int64 `json:"emitted"`
	Errors  int64 `json:"errors"`
}

// New creates the service. Sources run in the order given.
func New(config Config, sources ...Source) *Service {
	if config.PollInterval == 0 {
		config.PollInterval = 10 * time.Second
	}
	if config.SeenCapacity == 0 {
		config.SeenCapacity = 1000
	}
	if config.SeenRetain == 0 {
		config.SeenRetain = 500
	}
	if config.QueueSize == 0 {
		config.QueueSize = 256
	}
	return &Service{
		config:    config,
		sources:   sources,
		seen:      newSeenSet(config.SeenCapacity, config.SeenRetain),
		out:       queue.New[domain.NewTokenEvent](config.QueueSize),
		now:       time.Now,
		perSource: make(map[domain.TokenSource]*sourceStats),
	}
}

// NewFromConfig assembles the sources in polling order: launchpad, indexer
// (when keyed), pair orders (when enabled), base-token scan.
func NewFromConfig(cfg config.DiscoveryConfig, pairs PairLister, solPrice SOLPriceFunc) *Service {
	sources := []Source{NewPumpFunSource(cfg.PumpFunURL, cfg.PumpFunPages, cfg.PumpFunPageSize, cfg.RequestsPerSec)}
	if cfg.BirdeyeAPIKey != "" {
		sources = append(sources, NewBirdeyeSource(cfg.BirdeyeURL, cfg.BirdeyeAPIKey, cfg.RequestsPerSec))
	}
	if cfg.OrdersEnabled {
		sources = append(sources, NewOrdersSource(pairs))
	}
	if len(cfg.BaseMints) > 0 {
		sources = append(sources, NewBaseScanSource(pairs, cfg.BaseMints))
	}
	s := New(Config{
		PollInterval: cfg.PollInterval,
		SeenCapacity: cfg.SeenCapacity,
		SeenRetain:   cfg.SeenRetain,
		QueueSize:    cfg.QueueSize,
	}, sources...)
	if cfg.StreamEnabled {
		s.AttachStream(cfg.StreamURL, solPrice)
	}
	return s
}

// AttachStream enables the real-time path. Stream events share the dedup set.
func (s *Service) AttachStream(url string, solPrice SOLPriceFunc) *Stream {
	s.stream = NewStream(url, solPrice, func(ev domain.NewTokenEvent) { s.accept(ev, 0) })
	return s.stream
}

// Events returns the outbound queue.
func (s *Service) Events() <-chan domain.NewTokenEvent { return s.out.C() }

// Run polls until ctx is cancelled. The stream, if attached, runs alongside.
func (s *Service) Run(ctx context.Context) error {
	names := make([]string, 0, len(s.sources))
	for _, src := range s.sources {
		names = append(names, string(src.Name()))
	}
	log.Info().Strs("sources", names).Bool("stream", s.stream != nil).Dur("interval", s.config.PollInterval).Msg("discovery: starting")

	var wg sync.WaitGroup
	if s.stream != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.stream.Run(ctx)
		}()
	}

	s.Tick(ctx)
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Info().Msg("discovery: stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every source once, in order. Source errors are logged and swallowed.
func (s *Service) Tick(ctx context.Context) int {
	s.ticks.Add(1)
	emitted := 0
	for _, src := range s.sources {
		if ctx.Err() != nil {
			break
		}
		events, err := s.fetch(ctx, src)
		st := s.stats(src.Name())
		if err != nil {
			s.mu.Lock()
			st.Errors++
			s.mu.Unlock()
			log.Warn().Err(err).Str("source", string(src.Name())).Msg("discovery: source failed")
			continue
		}
		n := 0
		for _, ev := range events {
			if s.accept(ev, src.Window()) {
				n++
			}
		}
		s.mu.Lock()
		st.Fetched += int64(len(events))
		st.Emitted += int64(n)
		s.mu.Unlock()
		emitted += n
	}
	if emitted > 0 {
		log.Info().Int("new_tokens", emitted).Msg("discovery: tick complete")
	}
	return emitted
}

func (s *Service) fetch(ctx context.Context, src Source) (events []domain.NewTokenEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("source", string(src.Name())).Msg("discovery: source panic recovered")
			events, err = nil, nil
		}
	}()
	return src.Fetch(ctx)
}

// accept applies the freshness window (0 disables it) and dedup, then enqueues.
func (s *Service) accept(ev domain.NewTokenEvent, window time.Duration) bool {
	if ev.Address == "" {
		return false
	}
	if window > 0 && ev.CreatedAtMs > 0 && ev.Age(s.now()) > window {
		s.stale.Add(1)
		return false
	}
	if !s.seen.Add(ev.Address) {
		s.dupes.Add(1)
		return false
	}
	if s.out.Push(ev) {
		log.Debug().Msg("discovery: queue full, dropped oldest event")
	}
	s.emitted.Add(1)
	log.Debug().
		Str("mint", ev.Address).
		Str("symbol", ev.Symbol).
		Str("source", string(ev.Source)).
		Float64("liquidity_usd", ev.LiquidityUSD).
		Msg("discovery: new token")
	return true
}

func (s *Service) stats(name domain.TokenSource) *sourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.perSource[name]
	if !ok {
		st = &sourceStats{}
		s.perSource[name] = st
	}
	return st
}

// ServiceStats returns discovery counters.
type ServiceStats struct {
	Ticks   int64                  `json:"ticks"`
	Emitted int64                  `json:"emitted"`
	Stale   int64                  `json:"stale"`
	Dupes   int64                  `json:"dupes"`
	Dropped int64                  `json:"dropped"`
	Seen    int                    `json:"seen"`
	Sources map[string]sourceStats `json:"sources"`
	Stream  *StreamStats           `json:"stream,omitempty"`
}

func (s *Service) Stats() ServiceStats {
	_, dropped := s.out.Stats()
	st := ServiceStats{
		Ticks:   s.ticks.Load(),
		Emitted: s.emitted.Load(),
		Stale:   s.stale.Load(),
		Dupes:   s.dupes.Load(),
		Dropped: dropped,
		Seen:    s.seen.Len(),
		Sources: make(map[string]sourceStats),
	}
	s.mu.Lock()
	for k, v := range s.perSource {
		st.Sources[string(k)] = *v
	}
	s.mu.Unlock()
	if s.stream != nil {
		ss := s.stream.Stats()
		st.Stream = &ss
	}
	return st
}
