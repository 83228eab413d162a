package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArbiter(t *testing.T) *Arbiter {
	t.Helper()
	a, err := NewArbiter(Config{Topic: "orders"})
	require.NoError(t, err)
	return a
}

func req(id uint64, mode AccessMode) Request {
	return Request{ProducerID: id, Mode: mode, ConnectionID: "conn"}
}

func mustGrant(t *testing.T, a *Arbiter, r Request) *Producer {
	t.Helper()
	reg, err := a.Register(r)
	require.NoError(t, err)
	require.False(t, reg.Queued(), "producer %d should be granted immediately", r.ProducerID)
	p, err := reg.Wait(context.Background())
	require.NoError(t, err)
	return p
}

func mustQueue(t *testing.T, a *Arbiter, r Request) *Registration {
	t.Helper()
	reg, err := a.Register(r)
	require.NoError(t, err)
	require.True(t, reg.Queued())
	select {
	case <-reg.Done():
		t.Fatalf("producer %d resolved while queued", r.ProducerID)
	default:
	}
	return reg
}

func waitFor(t *testing.T, reg *Registration) (*Producer, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return reg.Wait(ctx)
}

func TestExclusiveArbitration(t *testing.T) {
	a := newTestArbiter(t)

	p1 := mustGrant(t, a, req(1, Exclusive))
	holder, ok := a.ExclusiveHolder()
	require.True(t, ok)
	assert.Equal(t, uint64(1), holder)
	assert.Equal(t, uint64(0), p1.Epoch())

	_, err := a.Register(req(2, Exclusive))
	require.ErrorIs(t, err, ErrProducerFenced)
	var fencedErr *ProducerFencedError
	require.True(t, errors.As(err, &fencedErr))
	assert.Contains(t, fencedErr.Reason, "already connected")
	assert.False(t, p1.Fenced(), "a rejected Exclusive never fences the holder")

	_, err = a.Register(req(3, Shared))
	require.ErrorIs(t, err, ErrProducerBusy)

	require.True(t, a.Unregister(1))
	mustGrant(t, a, req(4, Exclusive))
	assert.Equal(t, uint64(0), a.TopicEpoch())
}

func TestExclusiveBusyWithSharedHolders(t *testing.T) {
	a := newTestArbiter(t)

	mustGrant(t, a, req(1, Shared))
	mustGrant(t, a, req(2, Shared))
	assert.Equal(t, []uint64{1, 2}, a.SharedHolders())

	_, err := a.Register(req(3, Exclusive))
	require.ErrorIs(t, err, ErrProducerBusy)
	assert.False(t, errors.Is(err, ErrProducerFenced))

	require.True(t, a.Unregister(1))
	require.True(t, a.Unregister(2))
	mustGrant(t, a, req(3, Exclusive))
}

func TestWaitForExclusiveFIFO(t *testing.T) {
	a := newTestArbiter(t)

	mustGrant(t, a, req(1, WaitForExclusive))
	r2 := mustQueue(t, a, req(2, WaitForExclusive))
	r3 := mustQueue(t, a, req(3, WaitForExclusive))
	assert.Equal(t, []uint64{2, 3}, a.QueuedProducers())

	require.True(t, a.Unregister(1))
	p2, err := waitFor(t, r2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p2.ID())
	select {
	case <-r3.Done():
		t.Fatal("p3 must wait for p2")
	default:
	}
	holder, _ := a.ExclusiveHolder()
	assert.Equal(t, uint64(2), holder)

	require.True(t, a.Unregister(2))
	p3, err := waitFor(t, r3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), p3.ID())
	assert.Equal(t, 0, a.QueueLength())
}

func TestSharedDrainAdvancesQueue(t *testing.T) {
	a := newTestArbiter(t)

	mustGrant(t, a, req(1, Shared))
	mustGrant(t, a, req(2, Shared))
	r3 := mustQueue(t, a, req(3, WaitForExclusive))

	require.True(t, a.Unregister(1))
	select {
	case <-r3.Done():
		t.Fatal("queue must wait for the last shared producer")
	default:
	}

	require.True(t, a.Unregister(2))
	p3, err := waitFor(t, r3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), p3.ID())

	_, err = a.Register(req(4, Shared))
	require.ErrorIs(t, err, ErrProducerBusy)
}

func TestFencingLaw(t *testing.T) {
	var notified []uint64
	a, err := NewArbiter(Config{
		Topic: "orders",
		OnFenced: func(p *Producer, err *ProducerFencedError) {
			notified = append(notified, p.ID())
		},
	})
	require.NoError(t, err)

	p1 := mustGrant(t, a, req(1, Exclusive))
	r2 := mustQueue(t, a, req(2, WaitForExclusive))
	r3 := mustQueue(t, a, req(3, WaitForExclusive))
	before := a.TopicEpoch()

	p4 := mustGrant(t, a, req(4, ExclusiveWithFencing))

	assert.Equal(t, before+1, a.TopicEpoch())
	assert.Equal(t, a.TopicEpoch(), p4.Epoch())
	assert.Equal(t, 0, a.QueueLength())
	holder, _ := a.ExclusiveHolder()
	assert.Equal(t, uint64(4), holder)

	require.ErrorIs(t, p1.CheckPublish(), ErrProducerFenced)
	_, err = waitFor(t, r2)
	require.ErrorIs(t, err, ErrProducerFenced)
	_, err = waitFor(t, r3)
	require.ErrorIs(t, err, ErrProducerFenced)
	assert.Equal(t, []uint64{1}, notified)

	require.NoError(t, p4.CheckPublish())
	assert.False(t, a.Unregister(1), "fenced producers are already gone")
}

func TestFencingSharedHolders(t *testing.T) {
	a := newTestArbiter(t)

	s1 := mustGrant(t, a, req(1, Shared))
	s2 := mustGrant(t, a, req(2, Shared))
	mustGrant(t, a, req(3, ExclusiveWithFencing))

	require.ErrorIs(t, s1.CheckPublish(), ErrProducerFenced)
	require.ErrorIs(t, s2.CheckPublish(), ErrProducerFenced)
	assert.Empty(t, a.SharedHolders())
}

func TestIncrementTopicEpoch(t *testing.T) {
	a := newTestArbiter(t)

	p1 := mustGrant(t, a, req(1, Exclusive))
	r2 := mustQueue(t, a, req(2, WaitForExclusive))

	epoch, err := a.IncrementTopicEpoch(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), epoch)

	require.ErrorIs(t, p1.CheckPublish(), ErrProducerFenced)
	_, err = waitFor(t, r2)
	require.ErrorIs(t, err, ErrProducerFenced)
	_, ok := a.ExclusiveHolder()
	assert.False(t, ok)

	epoch, err = a.IncrementTopicEpoch(10)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), epoch)

	epoch, err = a.IncrementTopicEpoch(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), epoch, "epoch never moves backwards")
}

func TestReconnectWithStaleEpochIsFenced(t *testing.T) {
	store := NewMemoryEpochStore()
	a, err := NewArbiter(Config{Topic: "orders", Epochs: store})
	require.NoError(t, err)

	p1 := mustGrant(t, a, req(1, Exclusive))
	held := p1.Epoch()

	_, err = a.IncrementTopicEpoch(0)
	require.NoError(t, err)

	// Topic reloads with the persisted epoch
	reloaded, err := NewArbiter(Config{Topic: "orders", Epochs: store})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), reloaded.TopicEpoch())

	stale := req(1, Exclusive)
	stale.Epoch = &held
	_, err = reloaded.Register(stale)
	require.ErrorIs(t, err, ErrProducerFenced)

	current := reloaded.TopicEpoch()
	fresh := req(1, Exclusive)
	fresh.Epoch = &current
	p := mustGrant(t, reloaded, fresh)
	assert.Equal(t, current, p.Epoch())
}

type failingEpochStore struct{}

func (failingEpochStore) LoadEpoch(string) (uint64, error) { return 5, nil }
func (failingEpochStore) SaveEpoch(string, uint64) error   { return errors.New("disk full") }

func TestEpochPersistFailureGrantsNothing(t *testing.T) {
	a, err := NewArbiter(Config{Topic: "orders", Epochs: failingEpochStore{}})
	require.NoError(t, err)
	p1 := mustGrant(t, a, req(1, Exclusive))

	_, err = a.Register(req(2, ExclusiveWithFencing))
	require.Error(t, err)
	assert.Equal(t, uint64(5), a.TopicEpoch())
	assert.False(t, p1.Fenced())

	_, err = a.IncrementTopicEpoch(0)
	require.Error(t, err)
	assert.False(t, p1.Fenced())
}

func TestUnregisterQueuedProducer(t *testing.T) {
	a := newTestArbiter(t)

	mustGrant(t, a, req(1, Exclusive))
	r2 := mustQueue(t, a, req(2, WaitForExclusive))
	r3 := mustQueue(t, a, req(3, WaitForExclusive))

	require.True(t, a.Unregister(2))
	_, err := waitFor(t, r2)
	require.ErrorIs(t, err, ErrProducerClosed)
	assert.Equal(t, []uint64{3}, a.QueuedProducers())

	require.True(t, a.Unregister(1))
	_, err = waitFor(t, r3)
	require.NoError(t, err)

	assert.False(t, a.Unregister(42))
}

func TestDisconnectDrainsConnection(t *testing.T) {
	a := newTestArbiter(t)

	mustGrant(t, a, Request{ProducerID: 1, Mode: Exclusive, ConnectionID: "c1"})
	r2 := mustQueue(t, a, Request{ProducerID: 2, Mode: WaitForExclusive, ConnectionID: "c1"})
	r3 := mustQueue(t, a, Request{ProducerID: 3, Mode: WaitForExclusive, ConnectionID: "c2"})

	assert.Equal(t, 2, a.Disconnect("c1"))

	_, err := waitFor(t, r2)
	require.ErrorIs(t, err, ErrProducerClosed)
	p3, err := waitFor(t, r3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), p3.ID())
	assert.Equal(t, 0, a.Disconnect("c1"))
}

func TestDuplicateProducerRejected(t *testing.T) {
	a := newTestArbiter(t)

	mustGrant(t, a, req(1, Shared))
	_, err := a.Register(req(1, Shared))
	require.ErrorIs(t, err, ErrProducerExists)

	_, err = a.Register(Request{ProducerID: 9, Mode: AccessMode(42)})
	require.ErrorIs(t, err, ErrInvalidMode)
}

func TestWaitHonorsContext(t *testing.T) {
	a := newTestArbiter(t)

	mustGrant(t, a, req(1, Exclusive))
	r2 := mustQueue(t, a, req(2, WaitForExclusive))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r2.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, a.QueueLength(), "abandoned waiters stay queued until unregistered")

	require.True(t, a.Unregister(2))
	assert.Equal(t, 0, a.QueueLength())
}

func TestQueuedGrantUnblocksWaiter(t *testing.T) {
	a := newTestArbiter(t)

	mustGrant(t, a, req(1, Exclusive))
	r2 := mustQueue(t, a, req(2, WaitForExclusive))

	got := make(chan uint64, 1)
	go func() {
		p, err := r2.Wait(context.Background())
		if err != nil {
			t.Errorf("wait failed: %v", err)
			close(got)
			return
		}
		got <- p.ID()
	}()

	a.Unregister(1)
	select {
	case id := <-got:
		assert.Equal(t, uint64(2), id)
	case <-time.After(time.Second):
		t.Fatal("queued producer never granted")
	}
}

func TestActiveListing(t *testing.T) {
	a := newTestArbiter(t)

	mustGrant(t, a, req(3, Shared))
	mustGrant(t, a, req(1, Shared))

	active := a.Active()
	require.Len(t, active, 2)
	assert.Equal(t, uint64(1), active[0].ID())

	p, ok := a.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, Shared, p.Mode())
	_, ok = a.Lookup(7)
	assert.False(t, ok)
}
