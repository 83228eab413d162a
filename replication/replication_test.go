package replication

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/beacon/cfg"
	"github.com/maxpert/beacon/marker"
	"github.com/maxpert/beacon/markerlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLog(t *testing.T, topic string) (*markerlog.Store, *markerlog.PartitionLog) {
	t.Helper()
	store, err := markerlog.Open(filepath.Join(t.TempDir(), "markerlog"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pl, err := store.Partition(topic)
	require.NoError(t, err)
	return store, pl
}

// recordingTransport captures published batches and can fail on demand
type recordingTransport struct {
	mu       sync.Mutex
	batches  []Batch
	failures int
}

func (r *recordingTransport) Publish(ctx context.Context, remote string, batch Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("mock publish failure")
	}
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recordingTransport) Start(Handler) error { return nil }
func (r *recordingTransport) Close() error        { return nil }

func (r *recordingTransport) envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Envelope
	for _, b := range r.batches {
		out = append(out, b.Envelopes...)
	}
	return out
}

func TestGlobFilter(t *testing.T) {
	f, err := NewGlobFilter([]string{"orders*", "tenant/*/payments"})
	require.NoError(t, err)

	assert.True(t, f.Match("orders"))
	assert.True(t, f.Match("orders-eu"))
	assert.True(t, f.Match("tenant/ns/payments"))
	assert.False(t, f.Match("audit"))

	empty, err := NewGlobFilter(nil)
	require.NoError(t, err)
	assert.False(t, empty.Match("orders"))

	_, err = NewGlobFilter([]string{"[unclosed"})
	assert.Error(t, err)
}

func TestWorkerShipsOnlyLocalEntriesAddressedToRemote(t *testing.T) {
	_, pl := openLog(t, "orders")

	_, err := pl.Append(markerlog.Entry{Payload: []byte("local"), Origin: "a"})
	require.NoError(t, err)
	_, err = pl.Append(markerlog.Entry{Kind: markerlog.EntryMarker, Payload: []byte("for c"), Origin: "a", ReplicateTo: []string{"c"}})
	require.NoError(t, err)
	_, _, err = pl.AppendReplicated(markerlog.Entry{Payload: []byte("from c"), Origin: "c", OriginPosition: marker.NewPosition(0, 0)})
	require.NoError(t, err)
	_, err = pl.Append(markerlog.Entry{Kind: markerlog.EntryMarker, Payload: []byte("for b"), Origin: "a", ReplicateTo: []string{"b"}})
	require.NoError(t, err)

	transport := &recordingTransport{}
	w, err := NewWorker(WorkerConfig{LocalCluster: "a", Remote: "b", Log: pl, Transport: transport})
	require.NoError(t, err)
	assert.Equal(t, 4, w.Backlog())

	require.True(t, w.step(context.Background()))
	assert.False(t, w.step(context.Background()), "nothing left to ship")

	envs := transport.envelopes()
	require.Len(t, envs, 2)
	assert.Equal(t, []byte("local"), envs[0].Payload)
	assert.Equal(t, []byte("for b"), envs[1].Payload)
	assert.Equal(t, markerlog.EntryMarker, envs[1].Kind)
	assert.Equal(t, "orders", envs[1].Topic)

	cursor, err := pl.GetCursor(CursorName("b"))
	require.NoError(t, err)
	assert.Equal(t, pl.LastPosition(), cursor)
	assert.Equal(t, 0, w.Backlog())
}

func TestWorkerResumesFromCursor(t *testing.T) {
	_, pl := openLog(t, "orders")

	p1, err := pl.Append(markerlog.Entry{Payload: []byte("one"), Origin: "a"})
	require.NoError(t, err)
	_, err = pl.Append(markerlog.Entry{Payload: []byte("two"), Origin: "a"})
	require.NoError(t, err)
	require.NoError(t, pl.AdvanceCursor(CursorName("b"), p1))

	transport := &recordingTransport{}
	w, err := NewWorker(WorkerConfig{LocalCluster: "a", Remote: "b", Log: pl, Transport: transport})
	require.NoError(t, err)
	assert.Equal(t, p1, w.Cursor())

	w.step(context.Background())
	envs := transport.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, []byte("two"), envs[0].Payload)
}

func TestWorkerRetriesUntilDelivered(t *testing.T) {
	_, pl := openLog(t, "orders")
	_, err := pl.Append(markerlog.Entry{Payload: []byte("x"), Origin: "a"})
	require.NoError(t, err)

	transport := &recordingTransport{failures: 3}
	w, err := NewWorker(WorkerConfig{
		LocalCluster: "a",
		Remote:       "b",
		Log:          pl,
		Transport:    transport,
		PollInterval: time.Millisecond,
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
	})
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		return len(transport.envelopes()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorkerRequiresConfig(t *testing.T) {
	_, pl := openLog(t, "orders")

	_, err := NewWorker(WorkerConfig{LocalCluster: "a", Log: pl, Transport: &recordingTransport{}})
	assert.Error(t, err)
	_, err = NewWorker(WorkerConfig{LocalCluster: "a", Remote: "b", Transport: &recordingTransport{}})
	assert.Error(t, err)
	_, err = NewWorker(WorkerConfig{LocalCluster: "a", Remote: "b", Log: pl})
	assert.Error(t, err)
}

// logApplier writes inbound envelopes into per-topic logs of one store
type logApplier struct {
	store *markerlog.Store
}

func (a *logApplier) ApplyReplicated(env Envelope) (bool, error) {
	pl, err := a.store.Partition(env.Topic)
	if err != nil {
		return false, err
	}
	_, applied, err := pl.AppendReplicated(env.Entry())
	return applied, err
}

func newManager(t *testing.T, bus *Bus, local string, store *markerlog.Store) *Manager {
	t.Helper()
	filter, err := NewGlobFilter([]string{"*"})
	require.NoError(t, err)

	config := ManagerConfigFrom(local, cfg.ReplicationConfiguration{PollIntervalMS: 1, RetryInitialMS: 1, RetryMaxMS: 5})
	config.Transport = NewMemoryTransport(bus, local)
	config.Applier = &logApplier{store: store}
	config.Filter = filter

	m, err := NewManager(config)
	require.NoError(t, err)
	return m
}

func TestManagerReplicatesBetweenClusters(t *testing.T) {
	bus := NewBus()
	storeA, logA := openLog(t, "orders")
	storeB, logB := openLog(t, "orders")

	ma := newManager(t, bus, "a", storeA)
	mb := newManager(t, bus, "b", storeB)
	require.NoError(t, ma.AddTopic(logA, []string{"b"}))
	require.NoError(t, mb.AddTopic(logB, []string{"a"}))
	require.NoError(t, ma.Start())
	defer ma.Stop()
	require.NoError(t, mb.Start())
	defer mb.Stop()

	_, err := logA.Append(markerlog.Entry{Payload: []byte("hello"), Origin: "a"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := logB.ReadFrom(marker.Earliest, 10)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// b must not bounce the entry back to a
	time.Sleep(20 * time.Millisecond)
	entries, err := logA.ReadFrom(marker.Earliest, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	received, err := logB.ReadFrom(marker.Earliest, 10)
	require.NoError(t, err)
	assert.Equal(t, "a", received[0].Origin)
	assert.True(t, received[0].Replicated("b"))

	assert.Equal(t, []string{"b"}, ma.Remotes("orders"))
	assert.Equal(t, map[string]int{"b": 0}, ma.Backlog())
}

func TestManagerCatchesUpAfterOutage(t *testing.T) {
	bus := NewBus()
	storeA, logA := openLog(t, "orders")
	storeB, logB := openLog(t, "orders")

	ma := newManager(t, bus, "a", storeA)
	mb := newManager(t, bus, "b", storeB)
	require.NoError(t, ma.AddTopic(logA, []string{"b"}))
	require.NoError(t, mb.Start())
	defer mb.Stop()

	bus.SetDown("b", true)
	require.NoError(t, ma.Start())
	defer ma.Stop()

	for i := 0; i < 5; i++ {
		_, err := logA.Append(markerlog.Entry{Payload: []byte{byte(i)}, Origin: "a"})
		require.NoError(t, err)
	}
	time.Sleep(20 * time.Millisecond)
	entries, err := logB.ReadFrom(marker.Earliest, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	bus.SetDown("b", false)
	require.Eventually(t, func() bool {
		entries, err := logB.ReadFrom(marker.Earliest, 10)
		return err == nil && len(entries) == 5
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManagerHandleDropsForeignAndLoopedEntries(t *testing.T) {
	bus := NewBus()
	storeB, logB := openLog(t, "orders")
	mb := newManager(t, bus, "b", storeB)

	err := mb.handle(context.Background(), Batch{Source: "a", Target: "c", Envelopes: []Envelope{
		{Topic: "orders", Origin: "a", Payload: []byte("x")},
	}})
	require.NoError(t, err)

	env := Envelope{Topic: "orders", Origin: "a", Position: marker.NewPosition(0, 1), Payload: []byte("y")}
	looped := Envelope{Topic: "orders", Origin: "b", Position: marker.NewPosition(0, 2), Payload: []byte("z")}
	batch := Batch{Source: "a", Target: "b", Envelopes: []Envelope{env, looped}}
	require.NoError(t, mb.handle(context.Background(), batch))
	require.NoError(t, mb.handle(context.Background(), batch), "redelivery is harmless")

	entries, err := logB.ReadFrom(marker.Earliest, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("y"), entries[0].Payload)
}

func TestManagerSetRemotes(t *testing.T) {
	bus := NewBus()
	storeA, logA := openLog(t, "orders")
	ma := newManager(t, bus, "a", storeA)

	require.NoError(t, ma.AddTopic(logA, []string{"b", "a"}))
	assert.Equal(t, []string{"b"}, ma.Remotes("orders"), "local cluster never gets a worker")

	require.NoError(t, ma.SetRemotes("orders", []string{"c", "d"}))
	assert.Equal(t, []string{"c", "d"}, ma.Remotes("orders"))

	ma.RemoveTopic("orders")
	assert.Nil(t, ma.Remotes("orders"))
}

func TestManagerRemovedRemoteReleasesLog(t *testing.T) {
	bus := NewBus()
	storeA, logA := openLog(t, "orders")
	storeB, logB := openLog(t, "orders")

	ma := newManager(t, bus, "a", storeA)
	mb := newManager(t, bus, "b", storeB)
	require.NoError(t, ma.AddTopic(logA, []string{"b", "c"}))
	require.NoError(t, mb.Start())
	defer mb.Stop()

	bus.SetDown("c", true)
	require.NoError(t, ma.Start())
	defer ma.Stop()
	require.True(t, logA.HasCursor(CursorName("c")))

	require.NoError(t, ma.SetRemotes("orders", []string{"b"}))
	assert.False(t, logA.HasCursor(CursorName("c")))

	const total = 600
	for i := 0; i < total; i++ {
		_, err := logA.Append(markerlog.Entry{Payload: []byte{byte(i)}, Origin: "a"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		entries, err := logB.ReadFrom(marker.Earliest, 2*total)
		return err == nil && len(entries) == total
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		entries, err := logA.ReadFrom(marker.Earliest, 2*total)
		return err == nil && len(entries) < total
	}, 5*time.Second, 10*time.Millisecond, "shipped entries should be trimmed")
}

func TestManagerDropsStaleCursorsOnAddTopic(t *testing.T) {
	bus := NewBus()
	storeA, logA := openLog(t, "orders")
	require.NoError(t, logA.AdvanceCursor(CursorName("gone"), marker.Earliest))
	require.NoError(t, logA.AdvanceCursor("sub/orders-sub", marker.Earliest))

	ma := newManager(t, bus, "a", storeA)
	require.NoError(t, ma.AddTopic(logA, []string{"b"}))

	assert.False(t, logA.HasCursor(CursorName("gone")))
	assert.True(t, logA.HasCursor(CursorName("b")))
	assert.True(t, logA.HasCursor("sub/orders-sub"), "non-replication cursors are left alone")
}

func TestMemoryBusBinding(t *testing.T) {
	bus := NewBus()
	t1 := NewMemoryTransport(bus, "a")
	t2 := NewMemoryTransport(bus, "a")

	require.NoError(t, t1.Start(func(context.Context, Batch) error { return nil }))
	require.ErrorIs(t, t2.Start(func(context.Context, Batch) error { return nil }), ErrAlreadyBound)

	err := t2.Publish(context.Background(), "zzz", Batch{})
	require.ErrorIs(t, err, ErrUnknownRemote)

	require.NoError(t, t1.Close())
	require.NoError(t, t2.Start(func(context.Context, Batch) error { return nil }))
}

func TestNewTransportUnknownType(t *testing.T) {
	_, err := NewTransport(TransportConfig{
		LocalCluster: "a",
		Replication:  cfg.ReplicationConfiguration{Transport: "carrier-pigeon"},
	})
	assert.Error(t, err)

	tr, err := NewTransport(TransportConfig{
		LocalCluster: "a",
		Replication:  cfg.ReplicationConfiguration{Transport: cfg.TransportMemory},
	})
	require.NoError(t, err)
	assert.IsType(t, &MemoryTransport{}, tr)
}
