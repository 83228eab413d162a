package topic

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/beacon/marker"
	"github.com/maxpert/beacon/markerlog"
	"github.com/maxpert/beacon/producer"
	"github.com/maxpert/beacon/snapshot"
	"github.com/maxpert/beacon/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const (
	dispatcherCursor   = "dispatcher"
	subscriptionPrefix = "sub/"

	dispatchBatchSize = 256
	// dispatchIdleInterval re-checks the log when an append signal was consumed elsewhere
	dispatchIdleInterval = 500 * time.Millisecond
)

var (
	ErrTopicClosed          = errors.New("topic closed")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Topic is one partition: its log, the producers allowed to write it, the
// snapshot controller and the subscriptions reading it.
type Topic struct {
	name       string
	local      string
	log        *markerlog.PartitionLog
	arbiter    *producer.Arbiter
	controller *snapshot.Controller
	broker     *Broker
	replicated bool

	subs *xsync.MapOf[string, *Subscription]

	dispatchMu sync.Mutex

	stateMu sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	closed  bool
}

func newTopic(b *Broker, name string, pl *markerlog.PartitionLog, replicated bool) (*Topic, error) {
	t := &Topic{
		name:       name,
		local:      b.config.LocalCluster,
		log:        pl,
		broker:     b,
		replicated: replicated,
		subs:       xsync.NewMapOf[string, *Subscription](),
		stopCh:     make(chan struct{}),
	}

	arbiter, err := producer.NewArbiter(producer.Config{
		Topic:    name,
		Epochs:   producer.NewMetaEpochStore(b.config.Store),
		OnFenced: t.producerFenced,
	})
	if err != nil {
		return nil, err
	}
	t.arbiter = arbiter

	snap := b.config.Snapshot
	controller, err := snapshot.NewController(t, snapshot.ControllerConfig{
		Topic:          name,
		LocalCluster:   b.config.LocalCluster,
		RemoteClusters: b.config.RemoteClusters,
		Timeout:        snap.SnapshotTimeout(),
		Frequency:      snap.Frequency(),
		TwoPhase:       snap.TwoPhase,
		HistorySize:    snap.HistorySize,
		Clock:          b.config.Clock,
		NewID:          b.config.NewID,
		Roster:         b,
		OnSnapshot:     t.snapshotRecorded,
		OnUpdate:       t.subscriptionUpdated,
	})
	if err != nil {
		return nil, err
	}
	t.controller = controller

	if err := t.restoreSubscriptions(); err != nil {
		return nil, err
	}

	if !pl.HasCursor(dispatcherCursor) {
		if err := pl.AdvanceCursor(dispatcherCursor, marker.Earliest); err != nil {
			return nil, fmt.Errorf("failed to register dispatcher cursor: %w", err)
		}
	}

	return t, nil
}

// Name returns the topic name
func (t *Topic) Name() string {
	return t.name
}

// Replicated reports whether the topic takes part in geo-replication
func (t *Topic) Replicated() bool {
	return t.replicated
}

// Log exposes the partition log
func (t *Topic) Log() *markerlog.PartitionLog {
	return t.log
}

// Arbiter exposes producer arbitration
func (t *Topic) Arbiter() *producer.Arbiter {
	return t.arbiter
}

// Controller exposes the snapshot controller
func (t *Topic) Controller() *snapshot.Controller {
	return t.controller
}

// WriteMarker appends a marker written by this cluster
func (t *Topic) WriteMarker(payload []byte, replicateTo []string) (marker.Position, error) {
	return t.log.Append(markerlog.Entry{
		Kind:        markerlog.EntryMarker,
		Payload:     payload,
		Origin:      t.local,
		ReplicateTo: replicateTo,
	})
}

// LastPosition is the newest position of the partition
func (t *Topic) LastPosition() marker.Position {
	return t.log.LastPosition()
}

// Start runs the dispatcher and, on replicated topics, snapshot scheduling
func (t *Topic) Start() {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()

	if t.started || t.closed {
		return
	}
	t.started = true

	t.wg.Add(1)
	go t.dispatchLoop()

	if t.replicated {
		t.controller.Start()
	}
}

// Close stops background work. The log stays open; the store owns it.
func (t *Topic) Close() {
	t.stateMu.Lock()
	if t.closed {
		t.stateMu.Unlock()
		return
	}
	t.closed = true
	started := t.started
	t.stateMu.Unlock()

	if started {
		t.controller.Stop()
		close(t.stopCh)
		t.wg.Wait()
	}
}

func (t *Topic) isClosed() bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.closed
}

// AddProducer asks the arbiter for write access. A zero ProducerID is
// replaced with a broker-assigned one.
func (t *Topic) AddProducer(req producer.Request) (*producer.Registration, error) {
	if t.isClosed() {
		return nil, ErrTopicClosed
	}
	if req.ProducerID == 0 {
		req.ProducerID = t.broker.config.ProducerIDs.NextID()
	}
	return t.arbiter.Register(req)
}

// RemoveProducer releases a producer's access or withdraws its queued request
func (t *Topic) RemoveProducer(producerID uint64) bool {
	return t.arbiter.Unregister(producerID)
}

// Disconnect drops every producer bound to a client connection
func (t *Topic) Disconnect(connectionID string) int {
	return t.arbiter.Disconnect(connectionID)
}

// IncrementTopicEpoch fences every producer and returns the new epoch.
// hint raises the epoch to at least hint+1.
func (t *Topic) IncrementTopicEpoch(hint uint64) (uint64, error) {
	return t.arbiter.IncrementTopicEpoch(hint)
}

// Publish appends a message written by p. Producers that were fenced or
// removed can no longer publish.
func (t *Topic) Publish(p *producer.Producer, payload []byte) (marker.Position, error) {
	if t.isClosed() {
		return marker.Position{}, ErrTopicClosed
	}
	if p.Topic() != t.name {
		return marker.Position{}, fmt.Errorf("producer %d belongs to topic %s", p.ID(), p.Topic())
	}
	if err := p.CheckPublish(); err != nil {
		return marker.Position{}, err
	}
	if current, ok := t.arbiter.Lookup(p.ID()); !ok || current != p {
		return marker.Position{}, producer.ErrProducerClosed
	}

	return t.log.Append(markerlog.Entry{
		Kind:    markerlog.EntryData,
		Payload: payload,
		Origin:  t.local,
	})
}

func (t *Topic) producerFenced(p *producer.Producer, err *producer.ProducerFencedError) {
	log.Info().
		Str("topic", t.name).
		Uint64("producer_id", p.ID()).
		Str("connection", p.ConnectionID()).
		Uint64("epoch", err.Epoch).
		Msg("Producer fenced")
}

// Dispatch feeds every marker after the dispatcher cursor to the snapshot
// controller and returns how many entries were consumed.
func (t *Topic) Dispatch() (int, error) {
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()

	after, err := t.log.GetCursor(dispatcherCursor)
	if err != nil {
		return 0, err
	}

	consumed := 0
	for {
		entries, err := t.log.ReadFrom(after, dispatchBatchSize)
		if err != nil {
			return consumed, err
		}
		if len(entries) == 0 {
			return consumed, nil
		}

		for i := range entries {
			if entries[i].IsMarker() {
				t.dispatchMarker(&entries[i])
			}
			after = entries[i].Position
		}

		if err := t.log.AdvanceCursor(dispatcherCursor, after); err != nil {
			return consumed, err
		}
		consumed += len(entries)
	}
}

func (t *Topic) dispatchMarker(e *markerlog.Entry) {
	m, err := marker.Decode(e.Payload)
	if err != nil {
		log.Warn().
			Err(err).
			Str("topic", t.name).
			Stringer("position", e.Position).
			Msg("Skipping undecodable marker")
		return
	}

	origin := e.Origin
	if origin == "" {
		origin = t.local
	}
	t.controller.ReceivedMarker(e.Position, origin, m)
}

func (t *Topic) dispatchLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(dispatchIdleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-t.log.Appended():
		case <-ticker.C:
		}

		if _, err := t.Dispatch(); err != nil {
			log.Warn().Err(err).Str("topic", t.name).Msg("Marker dispatch failed")
		}
	}
}

func (t *Topic) snapshotRecorded(snap marker.Snapshot) {
	t.subs.Range(func(_ string, s *Subscription) bool {
		if s.replicated {
			s.cache.Add(snap)
		}
		return true
	})

	if n := t.broker.config.Notifier; n != nil {
		n.Signal(t.name, snap)
	}
}

// subscriptionUpdated applies a remote cluster's progress to the matching
// local subscription, using the position recorded for this cluster.
func (t *Topic) subscriptionUpdated(origin string, u marker.SubscriptionUpdate) {
	sub, ok := t.subs.Load(u.Subscription)
	if !ok || !sub.replicated {
		log.Debug().
			Str("topic", t.name).
			Str("subscription", u.Subscription).
			Str("origin", origin).
			Msg("Ignoring update for unknown subscription")
		return
	}

	for _, cp := range u.Clusters {
		if cp.Cluster != t.local {
			continue
		}
		moved, err := sub.moveMarkDelete(cp.Position)
		if err != nil {
			log.Warn().Err(err).Str("topic", t.name).Str("subscription", u.Subscription).Msg("Failed to apply subscription update")
			return
		}
		if moved {
			sub.cache.AdvancedMarkDeleteTo(cp.Position)
			telemetry.SubscriptionUpdatesTotal.With("applied").Inc()
			log.Debug().
				Str("topic", t.name).
				Str("subscription", u.Subscription).
				Str("origin", origin).
				Stringer("position", cp.Position).
				Msg("Applied subscription update")
		}
	}
}

func (t *Topic) writeSubscriptionUpdate(name string, snap marker.Snapshot) error {
	clusters := make([]string, 0, len(snap.Clusters))
	for _, cp := range snap.Clusters {
		clusters = append(clusters, cp.Cluster)
	}

	payload, err := marker.Encode(marker.NewUpdate(marker.SubscriptionUpdate{
		Subscription: name,
		Clusters:     snap.Clusters,
	}))
	if err != nil {
		return err
	}
	if _, err := t.WriteMarker(payload, clusters); err != nil {
		return fmt.Errorf("failed to write subscription update: %w", err)
	}

	telemetry.SubscriptionUpdatesTotal.With("written").Inc()
	return nil
}

// Stats summarizes producers for metrics and the admin API
func (t *Topic) Stats() telemetry.TopicStats {
	return telemetry.TopicStats{
		Producers:  len(t.arbiter.Active()),
		QueueDepth: t.arbiter.QueueLength(),
	}
}
