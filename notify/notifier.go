package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/beacon/marker"
)

// defaultSignalBufferSize is the buffer size for snapshot signal channels.
// Watchers that fall behind lose signals rather than stall the dispatcher.
const defaultSignalBufferSize = 16

// Signal announces a snapshot recorded on a topic
type Signal struct {
	Topic    string          `json:"topic"`
	Snapshot marker.Snapshot `json:"snapshot"`
}

// Filter selects topics; empty means every topic
type Filter struct {
	Topics []string
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) matches(topic string) bool {
	if len(s.filter.Topics) == 0 {
		return true
	}

	for _, t := range s.filter.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans snapshot signals out to watchers. Safe for concurrent use.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal delivers a snapshot to every matching watcher without blocking
func (h *Hub) Signal(topic string, snap marker.Snapshot) {
	sig := Signal{Topic: topic, Snapshot: snap}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(topic) {
			continue
		}

		select {
		case sub.ch <- sig:
		default:
		}
	}
}

// Subscribe registers a watcher and returns its channel and an idempotent
// cancel function. Signals sent before Subscribe are not replayed.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Watchers returns the number of live subscriptions
func (h *Hub) Watchers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
