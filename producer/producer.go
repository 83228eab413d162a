package producer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jizhuozhi/go-future"
)

// Request asks the arbiter for access to a topic
type Request struct {
	ProducerID   uint64
	Name         string
	Mode         AccessMode
	ConnectionID string
	// Epoch is the topic epoch the producer held before reconnecting, if any
	Epoch *uint64
}

// Producer is a granted registration. It stays valid until unregistered or fenced.
type Producer struct {
	id           uint64
	name         string
	mode         AccessMode
	connectionID string
	topic        string
	epoch        atomic.Uint64
	fenced       atomic.Pointer[ProducerFencedError]
}

func newProducer(topic string, req Request) *Producer {
	return &Producer{
		id:           req.ProducerID,
		name:         req.Name,
		mode:         req.Mode,
		connectionID: req.ConnectionID,
		topic:        topic,
	}
}

func (p *Producer) ID() uint64           { return p.id }
func (p *Producer) Name() string         { return p.name }
func (p *Producer) Mode() AccessMode     { return p.mode }
func (p *Producer) ConnectionID() string { return p.connectionID }
func (p *Producer) Topic() string        { return p.topic }

// Epoch is the topic epoch at the time access was granted
func (p *Producer) Epoch() uint64 { return p.epoch.Load() }

// Fenced reports whether a stronger registration or an epoch bump took over
func (p *Producer) Fenced() bool { return p.fenced.Load() != nil }

// CheckPublish returns the fencing error once the producer lost ownership
func (p *Producer) CheckPublish() error {
	if e := p.fenced.Load(); e != nil {
		return e
	}
	return nil
}

func (p *Producer) fence(epoch uint64, reason string) *ProducerFencedError {
	e := &ProducerFencedError{Topic: p.topic, ProducerID: p.id, Epoch: epoch, Reason: reason}
	p.fenced.CompareAndSwap(nil, e)
	return e
}

// Registration is the outcome of Register. Immediate grants are already done;
// WaitForExclusive registrations stay queued until granted or failed.
type Registration struct {
	producer *Producer
	promise  *future.Promise[*Producer]
	fut      *future.Future[*Producer]
	done     chan struct{}
	once     sync.Once
	queued   bool
}

func newRegistration(p *Producer) *Registration {
	promise := future.NewPromise[*Producer]()
	return &Registration{
		producer: p,
		promise:  promise,
		fut:      promise.Future(),
		done:     make(chan struct{}),
	}
}

func (r *Registration) resolve(p *Producer, err error) {
	r.once.Do(func() {
		r.promise.Set(p, err)
		close(r.done)
	})
}

// Producer returns the producer this registration is for, granted or not
func (r *Registration) Producer() *Producer { return r.producer }

// Queued reports whether the registration had to wait behind other producers
func (r *Registration) Queued() bool { return r.queued }

// Done is closed once the registration is granted or failed
func (r *Registration) Done() <-chan struct{} { return r.done }

// Wait blocks until the registration resolves or ctx ends. A caller that
// gives up must still Unregister (or Disconnect) to leave the queue.
func (r *Registration) Wait(ctx context.Context) (*Producer, error) {
	select {
	case <-r.done:
		return r.fut.Get()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
