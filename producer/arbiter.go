package producer

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/maxpert/beacon/telemetry"
	"github.com/rs/zerolog/log"
)

// Config configures one Arbiter.
// Epochs may be nil, in which case the epoch starts at zero and lives in memory.
// OnFenced is called, outside the arbiter lock, for every active producer that
// loses ownership.
type Config struct {
	Topic    string
	Epochs   EpochStore
	OnFenced func(p *Producer, err *ProducerFencedError)
}

// Arbiter decides which producers may publish to one topic partition.
// Every entry point takes the same lock, so registrations never interleave.
type Arbiter struct {
	topic    string
	epochs   EpochStore
	onFenced func(*Producer, *ProducerFencedError)

	mu        sync.Mutex
	epoch     uint64
	exclusive *Producer
	shared    map[uint64]*Producer
	queue     []*Registration
}

type fencedProducer struct {
	producer *Producer
	err      *ProducerFencedError
}

// NewArbiter creates an arbiter, restoring the topic epoch from the store
func NewArbiter(cfg Config) (*Arbiter, error) {
	a := &Arbiter{
		topic:    cfg.Topic,
		epochs:   cfg.Epochs,
		onFenced: cfg.OnFenced,
		shared:   make(map[uint64]*Producer),
	}

	if a.epochs != nil {
		epoch, err := a.epochs.LoadEpoch(cfg.Topic)
		if err != nil {
			return nil, err
		}
		a.epoch = epoch
	}
	return a, nil
}

// Register applies the access-mode rules to req. Immediate grants return a
// resolved Registration; WaitForExclusive behind other producers returns a
// queued one. Rejections return ProducerBusyError or ProducerFencedError.
func (a *Arbiter) Register(req Request) (*Registration, error) {
	a.mu.Lock()
	reg, fenced, err := a.registerLocked(req)
	a.mu.Unlock()

	a.notifyFenced(fenced)

	result := "granted"
	switch {
	case errors.Is(err, ErrProducerBusy):
		result = "busy"
	case errors.Is(err, ErrProducerFenced):
		result = "fenced"
	case err != nil:
		result = "error"
	case reg.Queued():
		result = "queued"
	}
	telemetry.ProducerRegistrationsTotal.With(req.Mode.String(), result).Inc()

	return reg, err
}

func (a *Arbiter) registerLocked(req Request) (*Registration, []fencedProducer, error) {
	if a.lookupLocked(req.ProducerID) {
		return nil, nil, fmt.Errorf("%w: producer %d on %s", ErrProducerExists, req.ProducerID, a.topic)
	}

	if req.Epoch != nil && *req.Epoch < a.epoch {
		return nil, nil, &ProducerFencedError{
			Topic:      a.topic,
			ProducerID: req.ProducerID,
			Epoch:      a.epoch,
			Reason:     fmt.Sprintf("stale epoch %d", *req.Epoch),
		}
	}

	p := newProducer(a.topic, req)
	reg := newRegistration(p)

	switch req.Mode {
	case Shared:
		if a.exclusive != nil {
			return nil, nil, a.busy(req, fmt.Sprintf("exclusive producer %d is connected", a.exclusive.id))
		}
		a.shared[p.id] = p
		a.grantLocked(reg)

	case Exclusive:
		if a.exclusive != nil {
			return nil, nil, &ProducerFencedError{
				Topic:      a.topic,
				ProducerID: req.ProducerID,
				Epoch:      a.epoch,
				Reason:     fmt.Sprintf("exclusive producer %d is already connected", a.exclusive.id),
			}
		}
		if len(a.shared) > 0 {
			return nil, nil, a.busy(req, fmt.Sprintf("%d shared producers are connected", len(a.shared)))
		}
		a.exclusive = p
		a.grantLocked(reg)

	case WaitForExclusive:
		if a.exclusive == nil && len(a.shared) == 0 {
			a.exclusive = p
			a.grantLocked(reg)
			break
		}
		reg.queued = true
		a.queue = append(a.queue, reg)
		log.Debug().
			Str("topic", a.topic).
			Uint64("producer_id", p.id).
			Int("position", len(a.queue)).
			Msg("Producer queued for exclusive access")

	case ExclusiveWithFencing:
		epoch, err := a.bumpEpochLocked(a.epoch)
		if err != nil {
			return nil, nil, err
		}
		fenced := a.fenceAllLocked(epoch, fmt.Sprintf("taken over by producer %d", p.id))
		a.exclusive = p
		a.grantLocked(reg)
		return reg, fenced, nil

	default:
		return nil, nil, fmt.Errorf("%w: %d", ErrInvalidMode, int(req.Mode))
	}

	return reg, nil, nil
}

func (a *Arbiter) busy(req Request, reason string) error {
	return &ProducerBusyError{Topic: a.topic, ProducerID: req.ProducerID, Reason: reason}
}

func (a *Arbiter) grantLocked(reg *Registration) {
	reg.producer.epoch.Store(a.epoch)
	reg.resolve(reg.producer, nil)
	log.Debug().
		Str("topic", a.topic).
		Uint64("producer_id", reg.producer.id).
		Str("mode", reg.producer.mode.String()).
		Uint64("epoch", a.epoch).
		Msg("Producer granted")
}

func (a *Arbiter) lookupLocked(id uint64) bool {
	if a.exclusive != nil && a.exclusive.id == id {
		return true
	}
	if _, ok := a.shared[id]; ok {
		return true
	}
	for _, reg := range a.queue {
		if reg.producer.id == id {
			return true
		}
	}
	return false
}

// bumpEpochLocked persists base+1 before adopting it
func (a *Arbiter) bumpEpochLocked(base uint64) (uint64, error) {
	next := base + 1
	if a.epochs != nil {
		if err := a.epochs.SaveEpoch(a.topic, next); err != nil {
			return a.epoch, err
		}
	}
	a.epoch = next
	telemetry.TopicEpochBumpsTotal.Inc()
	return next, nil
}

// fenceAllLocked invalidates every holder, fails every waiter and empties the
// queue. Returns the active holders that were fenced.
func (a *Arbiter) fenceAllLocked(epoch uint64, reason string) []fencedProducer {
	var fenced []fencedProducer

	if a.exclusive != nil {
		fenced = append(fenced, fencedProducer{a.exclusive, a.exclusive.fence(epoch, reason)})
		a.exclusive = nil
	}
	for _, p := range a.shared {
		fenced = append(fenced, fencedProducer{p, p.fence(epoch, reason)})
	}
	a.shared = make(map[uint64]*Producer)

	for _, reg := range a.queue {
		reg.resolve(nil, reg.producer.fence(epoch, reason))
	}
	waiting := len(a.queue)
	a.queue = nil

	telemetry.ProducersFencedTotal.Add(float64(len(fenced) + waiting))
	if len(fenced)+waiting > 0 {
		log.Info().
			Str("topic", a.topic).
			Uint64("epoch", epoch).
			Int("active", len(fenced)).
			Int("queued", waiting).
			Str("reason", reason).
			Msg("Fenced producers")
	}
	return fenced
}

func (a *Arbiter) notifyFenced(fenced []fencedProducer) {
	if a.onFenced == nil {
		return
	}
	for _, f := range fenced {
		a.onFenced(f.producer, f.err)
	}
}

// promoteLocked hands the topic to the oldest waiter once nobody holds it
func (a *Arbiter) promoteLocked() {
	if a.exclusive != nil || len(a.shared) > 0 || len(a.queue) == 0 {
		return
	}

	reg := a.queue[0]
	a.queue[0] = nil
	a.queue = a.queue[1:]

	a.exclusive = reg.producer
	a.grantLocked(reg)
}

// Unregister removes a producer from whichever set holds it. Releasing the
// exclusive holder, or the last shared holder, grants the head of the queue.
// Removing a queued producer fails its registration with ErrProducerClosed.
func (a *Arbiter) Unregister(producerID uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.exclusive != nil && a.exclusive.id == producerID {
		a.exclusive = nil
		a.promoteLocked()
		return true
	}

	if _, ok := a.shared[producerID]; ok {
		delete(a.shared, producerID)
		a.promoteLocked()
		return true
	}

	for i, reg := range a.queue {
		if reg.producer.id == producerID {
			a.queue = slices.Delete(a.queue, i, i+1)
			reg.resolve(nil, ErrProducerClosed)
			return true
		}
	}
	return false
}

// Disconnect unregisters every producer, active or queued, bound to
// connectionID and returns how many were removed
func (a *Arbiter) Disconnect(connectionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	kept := a.queue[:0]
	for _, reg := range a.queue {
		if reg.producer.connectionID == connectionID {
			reg.resolve(nil, ErrProducerClosed)
			removed++
			continue
		}
		kept = append(kept, reg)
	}
	clear(a.queue[len(kept):])
	a.queue = kept

	if a.exclusive != nil && a.exclusive.connectionID == connectionID {
		a.exclusive = nil
		removed++
	}
	for id, p := range a.shared {
		if p.connectionID == connectionID {
			delete(a.shared, id)
			removed++
		}
	}

	a.promoteLocked()
	return removed
}

// IncrementTopicEpoch starts a new ownership era without a new holder: the
// epoch becomes max(current, epoch)+1, every producer is fenced and the queue
// is failed.
func (a *Arbiter) IncrementTopicEpoch(epoch uint64) (uint64, error) {
	a.mu.Lock()
	next, err := a.bumpEpochLocked(max(a.epoch, epoch))
	if err != nil {
		a.mu.Unlock()
		return a.epoch, err
	}
	fenced := a.fenceAllLocked(next, "topic epoch incremented")
	a.mu.Unlock()

	a.notifyFenced(fenced)
	return next, nil
}

// Lookup returns an active producer by id
func (a *Arbiter) Lookup(producerID uint64) (*Producer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.exclusive != nil && a.exclusive.id == producerID {
		return a.exclusive, true
	}
	p, ok := a.shared[producerID]
	return p, ok
}

func (a *Arbiter) TopicEpoch() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}

// ExclusiveHolder returns the id of the exclusive-family holder, if any
func (a *Arbiter) ExclusiveHolder() (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exclusive == nil {
		return 0, false
	}
	return a.exclusive.id, true
}

// SharedHolders returns shared producer ids in ascending order
func (a *Arbiter) SharedHolders() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]uint64, 0, len(a.shared))
	for id := range a.shared {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (a *Arbiter) QueueLength() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// QueuedProducers returns waiting producer ids in grant order
func (a *Arbiter) QueuedProducers() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]uint64, 0, len(a.queue))
	for _, reg := range a.queue {
		ids = append(ids, reg.producer.id)
	}
	return ids
}

// Active returns every granted producer, exclusive holder first
func (a *Arbiter) Active() []*Producer {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Producer, 0, len(a.shared)+1)
	if a.exclusive != nil {
		out = append(out, a.exclusive)
	}
	ids := make([]uint64, 0, len(a.shared))
	for id := range a.shared {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		out = append(out, a.shared[id])
	}
	return out
}
