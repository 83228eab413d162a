package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/maxpert/beacon/cfg"
)

var (
	ErrUnknownRemote = errors.New("remote cluster not reachable")
	ErrAlreadyBound  = errors.New("cluster already bound to bus")
)

func init() {
	RegisterTransport(cfg.TransportMemory, func(config TransportConfig) (Transport, error) {
		return NewMemoryTransport(DefaultBus, config.LocalCluster), nil
	})
}

// Bus connects in-process clusters. Used when one binary hosts several
// clusters and by tests.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	down     map[string]bool
}

// DefaultBus backs the "memory" transport type
var DefaultBus = NewBus()

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string]Handler),
		down:     make(map[string]bool),
	}
}

// SetDown makes deliveries to cluster fail until brought back up
func (b *Bus) SetDown(cluster string, down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down[cluster] = down
}

func (b *Bus) bind(cluster string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[cluster]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyBound, cluster)
	}
	b.handlers[cluster] = h
	return nil
}

func (b *Bus) unbind(cluster string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, cluster)
}

func (b *Bus) deliver(ctx context.Context, remote string, batch Batch) error {
	b.mu.RLock()
	h, ok := b.handlers[remote]
	down := b.down[remote]
	b.mu.RUnlock()

	if !ok || down {
		return fmt.Errorf("%w: %s", ErrUnknownRemote, remote)
	}
	return h(ctx, batch)
}

// MemoryTransport delivers batches synchronously through a Bus
type MemoryTransport struct {
	bus   *Bus
	local string
	bound bool
}

func NewMemoryTransport(bus *Bus, local string) *MemoryTransport {
	return &MemoryTransport{bus: bus, local: local}
}

func (t *MemoryTransport) Publish(ctx context.Context, remote string, batch Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.bus.deliver(ctx, remote, batch)
}

func (t *MemoryTransport) Start(handler Handler) error {
	if err := t.bus.bind(t.local, handler); err != nil {
		return err
	}
	t.bound = true
	return nil
}

func (t *MemoryTransport) Close() error {
	if t.bound {
		t.bus.unbind(t.local)
		t.bound = false
	}
	return nil
}
