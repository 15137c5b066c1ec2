package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/rickgao/sitestream/internal/config"
	"github.com/rickgao/sitestream/internal/model"
)

// Record header keys.
const (
	HeaderKind       = "kind"
	HeaderReceivedAt = "received_at"
	HeaderStatusID   = "status_id"
)

// ErrClosed is returned by HandleMessage after Close.
var ErrClosed = errors.New("publisher closed")

// Producer is the subset of *kgo.Client the publisher uses.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// Stats contains runtime statistics.
type Stats struct {
	Produced  int64 `json:"produced"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// Publisher produces one Kafka record per message.
type Publisher struct {
	topic    string
	producer Producer
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool

	produced  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

// New creates a Publisher on top of an existing producer.
func New(topic string, producer Producer, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		topic:    topic,
		producer: producer,
		logger:   logger.With("component", "publisher", "topic", topic),
	}
}

// NewClient creates the kgo client for cfg and, if configured, the topic.
func NewClient(ctx context.Context, cfg config.KafkaConfig) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(50*time.Millisecond),
		kgo.RetryTimeout(20*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	if cfg.CreateTopic {
		if err := EnsureTopic(ctx, client, cfg.Topic, cfg.Partitions, cfg.Replication); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

// EnsureTopic creates topic unless it already exists.
func EnsureTopic(ctx context.Context, r kmsg.Requestor, topic string, partitions int32, replication int16) error {
	req := kmsg.NewPtrCreateTopicsRequest()
	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = partitions
	t.ReplicationFactor = replication
	req.Topics = append(req.Topics, t)

	resp, err := req.RequestWith(ctx, r)
	if err != nil {
		return fmt.Errorf("failed to create topic: %w", err)
	}
	for _, rt := range resp.Topics {
		err := kerr.ErrorForCode(rt.ErrorCode)
		if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("failed to create topic %s: %w", rt.Topic, err)
		}
	}
	return nil
}

// Name implements router.Sink.
func (p *Publisher) Name() string { return "kafka" }

// HandleMessage produces msg without waiting for the broker.
func (p *Publisher) HandleMessage(ctx context.Context, msg model.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	p.produced.Add(1)
	p.producer.Produce(ctx, newRecord(p.topic, msg), p.onDelivery)
	return nil
}

func (p *Publisher) onDelivery(r *kgo.Record, err error) {
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("failed to produce message", "key", string(r.Key), "error", err)
		return
	}
	p.delivered.Add(1)
}

// Close flushes buffered records and closes the producer. Records still
// buffered when ctx is done are lost.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.producer.Flush(ctx)
	p.producer.Close()

	st := p.Stats()
	p.logger.Info("publisher closed", "produced", st.Produced, "delivered", st.Delivered, "failed", st.Failed)
	return err
}

// Stats returns current statistics.
func (p *Publisher) Stats() Stats {
	return Stats{
		Produced:  p.produced.Load(),
		Delivered: p.delivered.Load(),
		Failed:    p.failed.Load(),
	}
}

// newRecord maps msg onto a record. Control frames carry no for_user and are
// produced without a key.
func newRecord(topic string, msg model.Message) *kgo.Record {
	r := &kgo.Record{
		Topic: topic,
		Value: []byte(msg.Raw),
		Headers: []kgo.RecordHeader{
			{Key: HeaderKind, Value: []byte(msg.Kind)},
			{Key: HeaderReceivedAt, Value: []byte(strconv.FormatInt(msg.ReceivedAt, 10))},
		},
	}
	if msg.ForUser != "" {
		r.Key = []byte(msg.ForUser)
	}
	if msg.StatusID != 0 {
		r.Headers = append(r.Headers, kgo.RecordHeader{
			Key:   HeaderStatusID,
			Value: []byte(strconv.FormatInt(msg.StatusID, 10)),
		})
	}
	return r
}
