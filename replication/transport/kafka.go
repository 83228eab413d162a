package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/beacon/cfg"
	"github.com/maxpert/beacon/encoding"
	"github.com/maxpert/beacon/replication"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	replication.RegisterTransport(cfg.TransportKafka, func(config replication.TransportConfig) (replication.Transport, error) {
		return NewKafkaTransport(KafkaConfig{
			Brokers:      config.Replication.KafkaBrokers,
			Prefix:       config.Replication.SubjectPrefix,
			LocalCluster: config.LocalCluster,
		})
	})
}

// KafkaConfig holds configuration for KafkaTransport
type KafkaConfig struct {
	Brokers      []string // Kafka broker addresses
	Prefix       string   // Topic prefix, topics are <prefix>.replication.<cluster>
	LocalCluster string
	GroupID      string // Defaults to <prefix>-<cluster>
}

// KafkaTransport ships batches through one Kafka topic per cluster. The
// source cluster is the message key, so batches from one source stay on one
// partition and in order.
type KafkaTransport struct {
	config KafkaConfig
	writer *kafka.Writer

	mu     sync.Mutex
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaTransport creates a KafkaTransport. Nothing is consumed until Start.
func NewKafkaTransport(config KafkaConfig) (*KafkaTransport, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka transport requires at least one broker address")
	}
	if config.LocalCluster == "" {
		return nil, fmt.Errorf("kafka transport requires the local cluster name")
	}
	if config.GroupID == "" {
		config.GroupID = config.Prefix + "-" + config.LocalCluster
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchBytes:             DefaultKafkaBatchBytes,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	return &KafkaTransport{config: config, writer: writer}, nil
}

func kafkaTopic(prefix, cluster string) string {
	return clusterSubject(prefix, cluster)
}

// Publish writes the batch to the remote cluster's topic
func (k *KafkaTransport) Publish(ctx context.Context, remote string, batch replication.Batch) error {
	value, err := encoding.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	msg := kafka.Message{
		Topic: kafkaTopic(k.config.Prefix, remote),
		Key:   []byte(batch.Source),
		Value: value,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

// Start consumes the local cluster's topic in a consumer group
func (k *KafkaTransport) Start(handler replication.Handler) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.reader != nil {
		return fmt.Errorf("kafka transport already started")
	}

	k.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.config.Brokers,
		Topic:    kafkaTopic(k.config.Prefix, k.config.LocalCluster),
		GroupID:  k.config.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.done = make(chan struct{})
	go k.consumeLoop(ctx, k.reader, handler)
	return nil
}

// consumeLoop commits a message only after it was applied. A failing batch
// is retried in place so later batches never overtake it.
func (k *KafkaTransport) consumeLoop(ctx context.Context, reader *kafka.Reader, handler replication.Handler) {
	defer close(k.done)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("Kafka replication fetch failed")
			continue
		}

		var batch replication.Batch
		if err := encoding.Unmarshal(msg.Value, &batch); err != nil {
			log.Error().
				Err(err).
				Str("topic", msg.Topic).
				Int64("offset", msg.Offset).
				Msg("Dropping undecodable replication batch")
		} else if !k.applyWithRetry(ctx, handler, batch) {
			return
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("Failed to commit replication offset")
		}
	}
}

func (k *KafkaTransport) applyWithRetry(ctx context.Context, handler replication.Handler, batch replication.Batch) bool {
	delay := 100 * time.Millisecond
	for {
		err := handler(ctx, batch)
		if err == nil {
			return true
		}
		log.Warn().Err(err).Str("source", batch.Source).Dur("retry_delay", delay).Msg("Failed to apply replication batch, retrying")

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay = min(delay*2, 30*time.Second)
	}
}

// Close stops the consumer and flushes the writer
func (k *KafkaTransport) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var firstErr error
	if k.reader != nil {
		k.cancel()
		<-k.done
		if err := k.reader.Close(); err != nil {
			firstErr = err
		}
		k.reader = nil
	}
	if err := k.writer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
