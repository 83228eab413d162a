package replication

import (
	"context"

	"github.com/maxpert/beacon/marker"
	"github.com/maxpert/beacon/markerlog"
)

// Envelope carries one locally originated log entry to a remote cluster
type Envelope struct {
	Topic       string              `msgpack:"topic"`
	Origin      string              `msgpack:"origin"`  // Cluster that appended the entry first
	Position    marker.Position     `msgpack:"pos"`     // Position in the origin cluster's log
	Kind        markerlog.EntryKind `msgpack:"kind"`    // Data or marker
	Payload     []byte              `msgpack:"payload"` // Message body or encoded marker
	PublishTime int64               `msgpack:"ts"`      // Unix ms at origin
}

// Batch is the unit a worker hands to a transport
type Batch struct {
	Source    string     `msgpack:"source"`
	Target    string     `msgpack:"target"`
	Envelopes []Envelope `msgpack:"envelopes"`
}

// Handler applies a batch received from a remote cluster. A nil return
// acknowledges the batch; an error asks the transport to redeliver it.
type Handler func(ctx context.Context, batch Batch) error

// Transport moves batches between clusters
type Transport interface {
	// Publish delivers a batch to one remote cluster
	Publish(ctx context.Context, remote string, batch Batch) error
	// Start begins delivering batches addressed to the local cluster to handler
	Start(handler Handler) error
	// Close releases any resources held by the transport
	Close() error
}

// Filter determines whether a topic is replicated
type Filter interface {
	Match(topic string) bool
}

// Applier stores inbound envelopes. applied is false for redelivered entries.
type Applier interface {
	ApplyReplicated(env Envelope) (applied bool, err error)
}

// Log is what a worker needs from a partition log
type Log interface {
	Topic() string
	LastPosition() marker.Position
	ReadFrom(after marker.Position, limit int) ([]markerlog.Entry, error)
	GetCursor(name string) (marker.Position, error)
	HasCursor(name string) bool
	AdvanceCursor(name string, pos marker.Position) error
	DeleteCursor(name string) error
	Cursors() map[string]marker.Position
}

// EnvelopeFromEntry wraps a local entry for shipping
func EnvelopeFromEntry(topic string, e markerlog.Entry) Envelope {
	return Envelope{
		Topic:       topic,
		Origin:      e.Origin,
		Position:    e.Position,
		Kind:        e.Kind,
		Payload:     e.Payload,
		PublishTime: e.PublishTime,
	}
}

// Entry converts an inbound envelope into an entry for the local log
func (env Envelope) Entry() markerlog.Entry {
	return markerlog.Entry{
		Kind:           env.Kind,
		Payload:        env.Payload,
		Origin:         env.Origin,
		OriginPosition: env.Position,
		PublishTime:    env.PublishTime,
	}
}
