package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maxpert/beacon/cfg"
	"github.com/maxpert/beacon/encoding"
	"github.com/maxpert/beacon/replication"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

func init() {
	replication.RegisterTransport(cfg.TransportNATS, func(config replication.TransportConfig) (replication.Transport, error) {
		if config.Replication.NatsURL == "" {
			return nil, fmt.Errorf("nats transport requires nats_url")
		}
		return NewNatsTransport(config.Replication.NatsURL, config.Replication.SubjectPrefix, config.LocalCluster)
	})
}

// NatsTransport ships batches through one JetStream stream per cluster.
// Each cluster consumes its own stream through a durable consumer with a
// single message in flight, which keeps batches from one source in order.
type NatsTransport struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	local  string

	mu       sync.Mutex
	ensured  map[string]bool
	consumer jetstream.ConsumeContext
}

// NewNatsTransport connects to NATS and creates a JetStream context
func NewNatsTransport(url, prefix, local string) (*NatsTransport, error) {
	nc, err := nats.Connect(url,
		nats.Name("beacon-"+local),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsTransport{
		nc:      nc,
		js:      js,
		prefix:  prefix,
		local:   local,
		ensured: make(map[string]bool),
	}, nil
}

// clusterSubject is the subject batches for cluster are published on
func clusterSubject(prefix, cluster string) string {
	return prefix + ".replication." + cluster
}

// sanitizeStreamName converts a subject to a valid JetStream stream name
func sanitizeStreamName(subject string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '/', '\\':
			return '_'
		}
		return r
	}, subject)
}

func (n *NatsTransport) ensureStream(ctx context.Context, cluster string) (string, error) {
	subject := clusterSubject(n.prefix, cluster)
	name := sanitizeStreamName(subject)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ensured[cluster] {
		return name, nil
	}

	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return "", fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}
	n.ensured[cluster] = true
	return name, nil
}

// Publish appends a batch to the remote cluster's stream
func (n *NatsTransport) Publish(ctx context.Context, remote string, batch replication.Batch) error {
	if _, err := n.ensureStream(ctx, remote); err != nil {
		return err
	}

	data, err := encoding.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	msg := &nats.Msg{
		Subject: clusterSubject(n.prefix, remote),
		Data:    data,
		Header:  nats.Header{"source": []string{batch.Source}},
	}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", remote, err)
	}
	return nil
}

// Start consumes the local cluster's stream
func (n *NatsTransport) Start(handler replication.Handler) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := n.ensureStream(ctx, n.local)
	if err != nil {
		return err
	}

	consumer, err := n.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       sanitizeStreamName("beacon-" + n.local),
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: clusterSubject(n.prefix, n.local),
		MaxAckPending: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var batch replication.Batch
		if err := encoding.Unmarshal(msg.Data(), &batch); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject()).Msg("Dropping undecodable replication batch")
			_ = msg.Term()
			return
		}
		if err := handler(context.Background(), batch); err != nil {
			_ = msg.NakWithDelay(time.Second)
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	n.mu.Lock()
	n.consumer = cc
	n.mu.Unlock()
	return nil
}

// Close stops consuming and closes the connection
func (n *NatsTransport) Close() error {
	n.mu.Lock()
	if n.consumer != nil {
		n.consumer.Stop()
		n.consumer = nil
	}
	n.mu.Unlock()

	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}
