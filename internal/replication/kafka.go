package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dreamware/shardwatch/internal/cluster"
	"github.com/dreamware/shardwatch/internal/logger"
)

// Header keys set on every replication message.
const (
	HeaderShard  = "shardwatch-shard"
	HeaderTarget = "shardwatch-target"
)

// KafkaConfig selects the brokers and topic partitions are shipped to.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers" validate:"omitempty,dive,hostname_port"`
	Topic    string   `mapstructure:"topic" validate:"required_with=Brokers"`
	ClientID string   `mapstructure:"client_id"`
}

// Kafka publishes partition snapshots to a topic. The message key is the
// shard, so every snapshot of a shard lands on the same partition in order;
// the target server travels in a header for consumers to filter on.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string

	logger *logger.Logger
	tracer trace.Tracer
}

// NewProducerConfig returns the sarama configuration used for replication.
func NewProducerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Version = sarama.V3_6_0_0
	if clientID != "" {
		cfg.ClientID = clientID
	}
	return cfg
}

// NewKafka connects a synchronous producer to cfg.Brokers.
func NewKafka(cfg KafkaConfig, log *logger.Logger, tracer trace.Tracer) (*Kafka, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig(cfg.ClientID))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaWithProducer(producer, cfg.Topic, log, tracer), nil
}

// NewKafkaWithProducer wraps an existing producer.
func NewKafkaWithProducer(producer sarama.SyncProducer, topic string, log *logger.Logger, tracer trace.Tracer) *Kafka {
	return &Kafka{
		producer: producer,
		topic:    topic,
		logger:   log.With("component", "kafka_replicator", "topic", topic),
		tracer:   tracer,
	}
}

// Replicate sends payload as one message and waits for the broker ack.
func (k *Kafka) Replicate(ctx context.Context, shard cluster.ShardID, target cluster.ServerID, payload []byte) error {
	ctx, span := k.tracer.Start(ctx, "kafka_replicator.replicate",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("shard", string(shard)),
			attribute.String("target", string(target)),
			attribute.Int("bytes", len(payload)),
		))
	defer span.End()

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(shard),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderShard), Value: []byte(shard)},
			{Key: []byte(HeaderTarget), Value: []byte(target)},
		},
	}
	injectTraceContext(ctx, msg)

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send replication message")
		return fmt.Errorf("failed to send partition of shard %s to kafka topic %s: %w", shard, k.topic, err)
	}

	k.logger.Debug(ctx, "Published partition snapshot",
		"shard", shard,
		"target", target,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Close flushes and closes the producer.
func (k *Kafka) Close() error { return k.producer.Close() }

// messageCarrier adapts sarama headers to the otel propagation carrier.
type messageCarrier struct {
	headers []sarama.RecordHeader
}

func (mc *messageCarrier) Get(key string) string {
	for _, h := range mc.headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (mc *messageCarrier) Set(key, value string) {
	mc.headers = append(mc.headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (mc *messageCarrier) Keys() []string {
	out := make([]string, len(mc.headers))
	for i, h := range mc.headers {
		out[i] = string(h.Key)
	}
	return out
}

func injectTraceContext(ctx context.Context, msg *sarama.ProducerMessage) {
	carrier := &messageCarrier{headers: msg.Headers}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	msg.Headers = carrier.headers
}
