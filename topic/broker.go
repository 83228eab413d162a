package topic

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/beacon/cfg"
	"github.com/maxpert/beacon/clock"
	"github.com/maxpert/beacon/id"
	"github.com/maxpert/beacon/marker"
	"github.com/maxpert/beacon/markerlog"
	"github.com/maxpert/beacon/replication"
	"github.com/maxpert/beacon/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const topicsMetaKey = "topics"

var ErrBrokerClosed = errors.New("broker closed")

// Notifier receives every snapshot recorded on any topic
type Notifier interface {
	Signal(topic string, snap marker.Snapshot)
}

// Config configures a Broker.
// RemoteClusters seeds the roster of topics that have none stored.
// ProducerIDs hands out ids to producers that register without one.
type Config struct {
	LocalCluster   string
	Store          *markerlog.Store
	Snapshot       cfg.SnapshotConfiguration
	RemoteClusters []string
	Clock          clock.Clock
	NewID          func() string
	ProducerIDs    id.Generator
	Notifier       Notifier
}

// Broker owns the topics of one cluster
type Broker struct {
	config Config
	topics *xsync.MapOf[string, *Topic]

	// mu serializes topic creation and lifecycle changes
	mu          sync.Mutex
	names       []string
	replication *replication.Manager
	started     bool
	closed      bool
}

// NewBroker validates config. Persisted topics are reopened by Start.
func NewBroker(config Config) (*Broker, error) {
	if config.LocalCluster == "" {
		return nil, fmt.Errorf("local cluster is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("marker log store is required")
	}
	if config.Snapshot.MaxCachedPerSubscription <= 0 {
		config.Snapshot.MaxCachedPerSubscription = 10
	}
	if config.Clock == nil {
		config.Clock = clock.System
	}
	if config.ProducerIDs == nil {
		config.ProducerIDs = id.NewClockGenerator(config.Clock)
	}

	b := &Broker{
		config: config,
		topics: xsync.NewMapOf[string, *Topic](),
	}
	if _, err := config.Store.LoadMeta(topicsMetaKey, &b.names); err != nil {
		return nil, fmt.Errorf("failed to load topic list: %w", err)
	}
	return b, nil
}

// LocalCluster returns the name of this cluster
func (b *Broker) LocalCluster() string {
	return b.config.LocalCluster
}

// AttachReplication makes topics matching the manager's filter replicated.
// Must be called before Start.
func (b *Broker) AttachReplication(m *replication.Manager) {
	b.mu.Lock()
	b.replication = m
	b.mu.Unlock()
}

// Replication returns the attached manager, if any
func (b *Broker) Replication() *replication.Manager {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replication
}

// Start reopens persisted topics and starts every topic's background work
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	if b.started {
		return nil
	}

	for _, name := range b.names {
		if _, ok := b.topics.Load(name); ok {
			continue
		}
		if _, err := b.openTopicLocked(name); err != nil {
			return fmt.Errorf("failed to reopen topic %s: %w", name, err)
		}
	}

	b.started = true
	b.topics.Range(func(_ string, t *Topic) bool {
		t.Start()
		return true
	})

	log.Info().
		Str("cluster", b.config.LocalCluster).
		Int("topics", b.topics.Size()).
		Msg("Broker started")
	return nil
}

// Topic returns the named topic, creating it on first use
func (b *Broker) Topic(name string) (*Topic, error) {
	if t, ok := b.topics.Load(name); ok {
		return t, nil
	}
	if name == "" {
		return nil, fmt.Errorf("topic name must not be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	if t, ok := b.topics.Load(name); ok {
		return t, nil
	}

	t, err := b.openTopicLocked(name)
	if err != nil {
		return nil, err
	}

	b.names = append(b.names, name)
	if err := b.config.Store.SaveMeta(topicsMetaKey, b.names); err != nil {
		log.Warn().Err(err).Str("topic", name).Msg("Failed to persist topic list")
	}
	return t, nil
}

func (b *Broker) openTopicLocked(name string) (*Topic, error) {
	pl, err := b.config.Store.Partition(name)
	if err != nil {
		return nil, err
	}

	replicated := b.replication != nil && b.replication.Replicates(name)
	t, err := newTopic(b, name, pl, replicated)
	if err != nil {
		return nil, err
	}

	if replicated {
		if err := b.replication.AddTopic(pl, t.controller.RemoteClusters()); err != nil {
			return nil, err
		}
	}

	b.topics.Store(name, t)
	if b.started {
		t.Start()
	}

	log.Debug().
		Str("topic", name).
		Bool("replicated", replicated).
		Stringer("last_position", pl.LastPosition()).
		Msg("Topic loaded")
	return t, nil
}

// Lookup returns a loaded topic without creating it
func (b *Broker) Lookup(name string) (*Topic, bool) {
	return b.topics.Load(name)
}

// Topics lists loaded topic names, sorted
func (b *Broker) Topics() []string {
	names := make([]string, 0, b.topics.Size())
	b.topics.Range(func(name string, _ *Topic) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// ApplyReplicated appends an entry received from another cluster
func (b *Broker) ApplyReplicated(env replication.Envelope) (bool, error) {
	t, err := b.Topic(env.Topic)
	if err != nil {
		return false, err
	}
	_, applied, err := t.log.AppendReplicated(env.Entry())
	return applied, err
}

// TopicStats reports producer counts for the metrics collector
func (b *Broker) TopicStats() map[string]telemetry.TopicStats {
	out := make(map[string]telemetry.TopicStats, b.topics.Size())
	b.topics.Range(func(name string, t *Topic) bool {
		out[name] = t.Stats()
		return true
	})
	return out
}

func rosterKey(topic string) string {
	return "roster/" + topic
}

// LoadRoster reads the stored remote clusters of a topic
func (b *Broker) LoadRoster(topic string) ([]string, bool, error) {
	var clusters []string
	found, err := b.config.Store.LoadMeta(rosterKey(topic), &clusters)
	return clusters, found, err
}

// SaveRoster stores the remote clusters of a topic
func (b *Broker) SaveRoster(topic string, clusters []string) error {
	return b.config.Store.SaveMeta(rosterKey(topic), clusters)
}

// SetRemoteClusters changes which clusters a topic snapshots and ships to
func (b *Broker) SetRemoteClusters(name string, clusters []string) error {
	t, err := b.Topic(name)
	if err != nil {
		return err
	}
	if err := t.controller.SetRemoteClusters(clusters); err != nil {
		return err
	}

	if m := b.Replication(); m != nil && t.replicated {
		return m.SetRemotes(name, t.controller.RemoteClusters())
	}
	return nil
}

// Close stops every topic. The store is closed by its owner.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.topics.Range(func(_ string, t *Topic) bool {
		t.Close()
		return true
	})
	log.Info().Str("cluster", b.config.LocalCluster).Msg("Broker closed")
}
