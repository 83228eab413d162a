package topic

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxpert/beacon/cfg"
	"github.com/maxpert/beacon/marker"
	"github.com/maxpert/beacon/markerlog"
	"github.com/maxpert/beacon/notify"
	"github.com/maxpert/beacon/producer"
	"github.com/maxpert/beacon/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSnapshotConfig never schedules rounds on its own; tests call Tick
var testSnapshotConfig = cfg.SnapshotConfiguration{
	TimeoutSeconds:           30,
	FrequencyMS:              int(time.Hour / time.Millisecond),
	MaxCachedPerSubscription: 4,
	HistorySize:              16,
}

type testCluster struct {
	name    string
	store   *markerlog.Store
	broker  *Broker
	manager *replication.Manager
	hub     *notify.Hub
}

func newTestCluster(t *testing.T, bus *replication.Bus, name string, remotes, patterns []string) *testCluster {
	t.Helper()

	store, err := markerlog.Open(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)

	hub := notify.NewHub()
	broker, err := NewBroker(Config{
		LocalCluster:   name,
		Store:          store,
		Snapshot:       testSnapshotConfig,
		RemoteClusters: remotes,
		Notifier:       hub,
	})
	require.NoError(t, err)

	filter, err := replication.NewGlobFilter(patterns)
	require.NoError(t, err)

	manager, err := replication.NewManager(replication.ManagerConfig{
		LocalCluster: name,
		Transport:    replication.NewMemoryTransport(bus, name),
		Applier:      broker,
		Filter:       filter,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	broker.AttachReplication(manager)
	require.NoError(t, broker.Start())
	require.NoError(t, manager.Start())

	t.Cleanup(func() {
		manager.Stop()
		broker.Close()
		store.Close()
	})

	return &testCluster{name: name, store: store, broker: broker, manager: manager, hub: hub}
}

func newLocalBroker(t *testing.T, dir string) (*markerlog.Store, *Broker) {
	t.Helper()
	store, err := markerlog.Open(dir)
	require.NoError(t, err)

	broker, err := NewBroker(Config{LocalCluster: "a", Store: store, Snapshot: testSnapshotConfig})
	require.NoError(t, err)
	require.NoError(t, broker.Start())

	t.Cleanup(func() {
		broker.Close()
		_ = store.Close()
	})
	return store, broker
}

func grant(t *testing.T, tp *Topic, id uint64, mode producer.AccessMode) *producer.Producer {
	t.Helper()
	reg, err := tp.AddProducer(producer.Request{ProducerID: id, Name: "p", Mode: mode, ConnectionID: "conn"})
	require.NoError(t, err)
	require.False(t, reg.Queued())
	return reg.Producer()
}

func TestSnapshotRoundAcrossClusters(t *testing.T) {
	bus := replication.NewBus()
	a := newTestCluster(t, bus, "a", []string{"b"}, []string{"*"})
	b := newTestCluster(t, bus, "b", []string{"a"}, []string{"*"})

	ta, err := a.broker.Topic("orders")
	require.NoError(t, err)
	tb, err := b.broker.Topic("orders")
	require.NoError(t, err)
	require.True(t, ta.Replicated())

	signals, cancel := a.hub.Subscribe(notify.Filter{Topics: []string{"orders"}})
	defer cancel()

	pa := grant(t, ta, 1, producer.Shared)
	_, err = ta.Publish(pa, []byte("from a"))
	require.NoError(t, err)
	pb := grant(t, tb, 2, producer.Shared)
	_, err = tb.Publish(pb, []byte("from b"))
	require.NoError(t, err)

	ta.Controller().Tick()

	require.Eventually(t, func() bool {
		_, ok := ta.Controller().LatestSnapshot()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	snap, _ := ta.Controller().LatestSnapshot()
	require.Len(t, snap.Clusters, 1)
	assert.Equal(t, "b", snap.Clusters[0].Cluster)
	assert.False(t, snap.Clusters[0].Position.After(tb.LastPosition()))
	assert.False(t, snap.LocalPosition.After(ta.LastPosition()))

	select {
	case sig := <-signals:
		assert.Equal(t, snap.SnapshotID, sig.Snapshot.SnapshotID)
	case <-time.After(time.Second):
		t.Fatal("snapshot was not announced")
	}

	// b never records a's snapshot: the Snapshot marker stays local
	_, ok := tb.Controller().LatestSnapshot()
	assert.False(t, ok)
	_, ok = ta.Controller().ActiveRound()
	assert.False(t, ok)
}

func TestReplicatedSubscriptionFollowsSnapshot(t *testing.T) {
	bus := replication.NewBus()
	a := newTestCluster(t, bus, "a", []string{"b"}, []string{"*"})
	b := newTestCluster(t, bus, "b", []string{"a"}, []string{"*"})

	ta, err := a.broker.Topic("orders")
	require.NoError(t, err)
	tb, err := b.broker.Topic("orders")
	require.NoError(t, err)

	subA, err := ta.Subscribe("billing", true)
	require.NoError(t, err)
	subB, err := tb.Subscribe("billing", true)
	require.NoError(t, err)

	p := grant(t, ta, 1, producer.Exclusive)
	for _, m := range []string{"m1", "m2"} {
		_, err := ta.Publish(p, []byte(m))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		msgs, err := subB.Read(10)
		subB.Rewind()
		return err == nil && len(msgs) == 2
	}, 5*time.Second, 10*time.Millisecond, "data replicated to b")

	ta.Controller().Tick()
	require.Eventually(t, func() bool {
		return subA.Info().CachedSnapshots == 1
	}, 5*time.Second, 10*time.Millisecond)

	snap, ok := ta.Controller().LatestSnapshot()
	require.True(t, ok)
	remotePos, ok := snap.PositionFor("b")
	require.True(t, ok)

	msgs, err := subA.Read(10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("m1"), msgs[0].Payload)

	require.NoError(t, subA.Acknowledge(ta.LastPosition()))
	assert.Equal(t, 0, subA.Info().CachedSnapshots)

	require.Eventually(t, func() bool {
		return subB.MarkDeletePosition() == remotePos
	}, 5*time.Second, 10*time.Millisecond, "b moved its subscription to its own snapshot position")
}

func TestSubscriptionUpdateMovesForwardOnly(t *testing.T) {
	_, broker := newLocalBroker(t, filepath.Join(t.TempDir(), "log"))
	defer broker.Close()

	tp, err := broker.Topic("orders")
	require.NoError(t, err)
	sub, err := tp.Subscribe("billing", true)
	require.NoError(t, err)

	p := grant(t, tp, 1, producer.Shared)
	first, err := tp.Publish(p, []byte("one"))
	require.NoError(t, err)
	second, err := tp.Publish(p, []byte("two"))
	require.NoError(t, err)

	update := func(pos marker.Position) marker.SubscriptionUpdate {
		return marker.SubscriptionUpdate{
			Subscription: "billing",
			Clusters:     []marker.ClusterPosition{{Cluster: "z", Position: marker.NewPosition(9, 9)}, {Cluster: "a", Position: pos}},
		}
	}

	tp.subscriptionUpdated("b", update(second))
	assert.Equal(t, second, sub.MarkDeletePosition())

	tp.subscriptionUpdated("b", update(first))
	assert.Equal(t, second, sub.MarkDeletePosition(), "never moves backward")

	tp.subscriptionUpdated("b", marker.SubscriptionUpdate{Subscription: "unknown", Clusters: []marker.ClusterPosition{{Cluster: "a", Position: second}}})

	plain, err := tp.Subscribe("plain", false)
	require.NoError(t, err)
	tp.subscriptionUpdated("b", marker.SubscriptionUpdate{Subscription: "plain", Clusters: []marker.ClusterPosition{{Cluster: "a", Position: second}}})
	assert.Equal(t, marker.Earliest, plain.MarkDeletePosition(), "non-replicated subscriptions ignore updates")
}

func TestPublishHonorsArbitration(t *testing.T) {
	_, broker := newLocalBroker(t, filepath.Join(t.TempDir(), "log"))
	defer broker.Close()

	tp, err := broker.Topic("orders")
	require.NoError(t, err)

	p1 := grant(t, tp, 1, producer.Exclusive)
	_, err = tp.Publish(p1, []byte("ok"))
	require.NoError(t, err)

	_, err = tp.AddProducer(producer.Request{ProducerID: 2, Mode: producer.Shared, ConnectionID: "c2"})
	assert.True(t, errors.Is(err, producer.ErrProducerBusy))

	p3 := grant(t, tp, 3, producer.ExclusiveWithFencing)
	_, err = tp.Publish(p1, []byte("stale"))
	assert.True(t, errors.Is(err, producer.ErrProducerFenced))
	assert.Equal(t, uint64(1), tp.Arbiter().TopicEpoch())

	_, err = tp.Publish(p3, []byte("new owner"))
	require.NoError(t, err)

	assert.True(t, tp.RemoveProducer(3))
	_, err = tp.Publish(p3, []byte("gone"))
	assert.ErrorIs(t, err, producer.ErrProducerClosed)

	other, err := broker.Topic("payments")
	require.NoError(t, err)
	p4 := grant(t, other, 4, producer.Shared)
	_, err = tp.Publish(p4, []byte("wrong topic"))
	assert.Error(t, err)

	assert.Equal(t, 1, broker.TopicStats()["payments"].Producers)
	assert.Equal(t, 1, other.Disconnect("conn"))
	assert.Equal(t, 0, broker.TopicStats()["payments"].Producers)
}

func TestAddProducerAssignsIDs(t *testing.T) {
	_, broker := newLocalBroker(t, filepath.Join(t.TempDir(), "log"))

	tp, err := broker.Topic("orders")
	require.NoError(t, err)

	first := grant(t, tp, 0, producer.Shared)
	second := grant(t, tp, 0, producer.Shared)
	assert.NotZero(t, first.ID())
	assert.Greater(t, second.ID(), first.ID())

	found, ok := tp.Arbiter().Lookup(second.ID())
	require.True(t, ok)
	assert.Same(t, second, found)
}

func TestSubscriptionReadSkipsMarkers(t *testing.T) {
	_, broker := newLocalBroker(t, filepath.Join(t.TempDir(), "log"))
	defer broker.Close()

	tp, err := broker.Topic("orders")
	require.NoError(t, err)
	sub, err := tp.Subscribe("s", false)
	require.NoError(t, err)

	p := grant(t, tp, 1, producer.Shared)
	_, err = tp.Publish(p, []byte("one"))
	require.NoError(t, err)
	_, err = tp.WriteMarker(marker.MustEncode(marker.NewRequest("x", "b")), nil)
	require.NoError(t, err)
	_, err = tp.Publish(p, []byte("two"))
	require.NoError(t, err)
	_, err = tp.Publish(p, []byte("three"))
	require.NoError(t, err)

	msgs, err := sub.Read(2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("one"), msgs[0].Payload)
	assert.Equal(t, []byte("two"), msgs[1].Payload)
	assert.Equal(t, "a", msgs[0].Origin)

	msgs, err = sub.Read(10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("three"), msgs[0].Payload)

	msgs, err = sub.Read(10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, sub.Acknowledge(firstPosition(t, tp)))
	assert.Error(t, sub.Acknowledge(marker.NewPosition(1<<40, 0)))

	assert.ErrorIs(t, tp.Unsubscribe("missing"), ErrSubscriptionNotFound)
	require.NoError(t, tp.Unsubscribe("s"))
	_, ok := tp.Subscription("s")
	assert.False(t, ok)
}

// firstPosition returns the position of the first data entry of tp
func firstPosition(t *testing.T, tp *Topic) marker.Position {
	t.Helper()
	entries, err := tp.Log().ReadFrom(marker.Earliest, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0].Position
}

func TestDispatchHandsMarkersToController(t *testing.T) {
	_, broker := newLocalBroker(t, filepath.Join(t.TempDir(), "log"))
	defer broker.Close()

	tp, err := broker.Topic("orders")
	require.NoError(t, err)

	_, err = tp.WriteMarker([]byte("garbage"), nil)
	require.NoError(t, err)
	snap := marker.Snapshot{
		SnapshotID:    "s1",
		LocalPosition: tp.LastPosition(),
		Clusters:      []marker.ClusterPosition{{Cluster: "b", Position: marker.NewPosition(1, 1)}},
	}
	_, err = tp.WriteMarker(marker.MustEncode(marker.NewSnapshot(snap)), []string{"a"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := tp.Controller().LatestSnapshot()
		return ok && got.SnapshotID == "s1"
	}, 5*time.Second, 10*time.Millisecond)

	n, err := tp.Dispatch()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "dispatcher cursor already past every entry")
	assert.Len(t, tp.Controller().History(), 1)
}

func TestBrokerRestoresState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	store, broker := newLocalBroker(t, dir)

	tp, err := broker.Topic("orders")
	require.NoError(t, err)
	sub, err := tp.Subscribe("billing", true)
	require.NoError(t, err)

	p := grant(t, tp, 1, producer.Shared)
	pos, err := tp.Publish(p, []byte("one"))
	require.NoError(t, err)
	require.NoError(t, sub.Acknowledge(pos))

	epoch, err := tp.IncrementTopicEpoch(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), epoch)
	require.NoError(t, broker.SetRemoteClusters("orders", []string{"c", "b"}))

	broker.Close()
	require.NoError(t, store.Close())

	_, broker = newLocalBroker(t, dir)

	assert.Equal(t, []string{"orders"}, broker.Topics())
	tp, ok := broker.Lookup("orders")
	require.True(t, ok)
	assert.Equal(t, uint64(1), tp.Arbiter().TopicEpoch())
	assert.Equal(t, []string{"b", "c"}, tp.Controller().RemoteClusters())
	assert.False(t, tp.Replicated(), "no replication manager attached")

	sub, ok = tp.Subscription("billing")
	require.True(t, ok)
	assert.True(t, sub.Replicated())
	assert.Equal(t, pos, sub.MarkDeletePosition())

	stale := uint64(0)
	_, err = tp.AddProducer(producer.Request{ProducerID: 1, Mode: producer.Shared, Epoch: &stale})
	assert.ErrorIs(t, err, producer.ErrProducerFenced)
}

func TestTopicsOutsideFilterAreNotReplicated(t *testing.T) {
	bus := replication.NewBus()
	a := newTestCluster(t, bus, "a", []string{"b"}, []string{"orders*"})

	tp, err := a.broker.Topic("audit")
	require.NoError(t, err)
	assert.False(t, tp.Replicated())
	assert.Empty(t, a.manager.Remotes("audit"))

	replicated, err := a.broker.Topic("orders-eu")
	require.NoError(t, err)
	assert.True(t, replicated.Replicated())
	assert.Equal(t, []string{"b"}, a.manager.Remotes("orders-eu"))

	require.NoError(t, a.broker.SetRemoteClusters("orders-eu", []string{"b", "c"}))
	assert.Equal(t, []string{"b", "c"}, a.manager.Remotes("orders-eu"))
	assert.Error(t, a.broker.SetRemoteClusters("orders-eu", []string{"a"}), "roster must not contain the local cluster")
}
