package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrClosed is returned by Produce after Close.
var ErrClosed = errors.New("bus: producer closed")

// Producer hands records to the broker asynchronously. Delivery failures are
// counted and logged by the implementation.
// Implementations: KafkaProducer (franz-go), StubProducer (memory, tests).
type Producer interface {
	Produce(ctx context.Context, topic, key string, value []byte) error
	Close()
}

// ProducerOption configures a KafkaProducer.
type ProducerOption func(*producerConfig)

type producerConfig struct {
	instanceID         string
	schemaVersion      string
	maxBufferedRecords int
	linger             time.Duration
	closeTimeout       time.Duration
}

// WithInstanceID sets the ClientID and the producer header.
func WithInstanceID(id string) ProducerOption {
	return func(c *producerConfig) { c.instanceID = id }
}

// WithSchemaVersion sets the schema_version header.
func WithSchemaVersion(v string) ProducerOption {
	return func(c *producerConfig) { c.schemaVersion = v }
}

func WithLinger(d time.Duration) ProducerOption {
	return func(c *producerConfig) { c.linger = d }
}

// WithCloseTimeout bounds the flush performed by Close.
func WithCloseTimeout(d time.Duration) ProducerOption {
	return func(c *producerConfig) { c.closeTimeout = d }
}

// KafkaProducer publishes trade, snipe, position and audit events through franz-go.
type KafkaProducer struct {
	client       *kgo.Client
	headers      []kgo.RecordHeader
	closeTimeout time.Duration
	closed       atomic.Bool

	produced  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64

	mu      sync.Mutex
	byTopic map[string]int64
}

// ProducerStats counts records since start.
type ProducerStats struct {
	Produced  int64            `json:"produced"`
	Delivered int64            `json:"delivered"`
	Failed    int64            `json:"failed"`
	Buffered  int64            `json:"buffered"`
	ByTopic   map[string]int64 `json:"by_topic"`
}

// NewProducer creates a producer with Snappy compression and all-ISR acks.
func NewProducer(brokers []string, opts ...ProducerOption) (*KafkaProducer, error) {
	cfg := &producerConfig{
		instanceID:         "tradecore",
		schemaVersion:      "1",
		maxBufferedRecords: 10000,
		linger:             5 * time.Millisecond,
		closeTimeout:       5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(cfg.instanceID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.linger),
		kgo.MaxBufferedRecords(cfg.maxBufferedRecords),
	)
	if err != nil {
		return nil, err
	}

	log.Info().Strs("brokers", brokers).Str("instance_id", cfg.instanceID).Msg("bus: kafka producer created")

	return &KafkaProducer{
		client: client,
		headers: []kgo.RecordHeader{
			{Key: "producer", Value: []byte(cfg.instanceID)},
			{Key: "schema_version", Value: []byte(cfg.schemaVersion)},
		},
		closeTimeout: cfg.closeTimeout,
		byTopic:      make(map[string]int64),
	}, nil
}

// Ping checks broker reachability.
func (p *KafkaProducer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *KafkaProducer) record(topic, key string, value []byte) *kgo.Record {
	headers := make([]kgo.RecordHeader, 0, len(p.headers)+1)
	headers = append(headers, p.headers...)
	headers = append(headers, kgo.RecordHeader{Key: "event_id", Value: []byte(uuid.NewString())})
	return &kgo.Record{
		Topic:     topic,
		Key:       []byte(key),
		Value:     value,
		Headers:   headers,
		Timestamp: time.Now(),
	}
}

// Produce enqueues one record. Records keyed by mint or user keep per-key order.
func (p *KafkaProducer) Produce(ctx context.Context, topic, key string, value []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.produced.Add(1)
	p.mu.Lock()
	p.byTopic[topic]++
	p.mu.Unlock()

	p.client.Produce(ctx, p.record(topic, key, value), func(_ *kgo.Record, err error) {
		if err != nil {
			p.failed.Add(1)
			log.Error().Err(err).Str("topic", topic).Str("key", key).Msg("bus: delivery failed")
			return
		}
		p.delivered.Add(1)
	})
	return nil
}

func (p *KafkaProducer) Stats() ProducerStats {
	p.mu.Lock()
	byTopic := make(map[string]int64, len(p.byTopic))
	for k, v := range p.byTopic {
		byTopic[k] = v
	}
	p.mu.Unlock()
	return ProducerStats{
		Produced:  p.produced.Load(),
		Delivered: p.delivered.Load(),
		Failed:    p.failed.Load(),
		Buffered:  p.client.BufferedProduceRecords(),
		ByTopic:   byTopic,
	}
}

// Close flushes buffered records for at most the close timeout, then closes the client.
func (p *KafkaProducer) Close() {
	if p.closed.Swap(true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.closeTimeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		log.Warn().Err(err).Int64("buffered", p.client.BufferedProduceRecords()).Msg("bus: flush on close incomplete")
	}
	p.client.Close()
	log.Info().Int64("delivered", p.delivered.Load()).Int64("failed", p.failed.Load()).Msg("bus: kafka producer closed")
}

// --- Stub producer ---

// StubProducer captures records in memory.
type StubProducer struct {
	mu       sync.Mutex
	messages []StubMessage
	err      error
}

// StubMessage is a record captured by StubProducer.
type StubMessage struct {
	Topic string
	Key   string
	Value []byte
}

func NewStubProducer() *StubProducer {
	return &StubProducer{}
}

// FailWith makes every later Produce return err (nil restores success).
func (p *StubProducer) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *StubProducer) Produce(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, StubMessage{Topic: topic, Key: key, Value: value})
	return nil
}

func (p *StubProducer) Close() {}

// Messages returns the captured records for topic, or all of them when topic is empty.
func (p *StubProducer) Messages(topic string) []StubMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []StubMessage
	for _, m := range p.messages {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
