package topic

import (
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/beacon/marker"
	"github.com/maxpert/beacon/markerlog"
	"github.com/maxpert/beacon/snapshot"
	"github.com/rs/zerolog/log"
)

// Message is a data entry handed to a subscriber
type Message struct {
	Position    marker.Position `json:"position"`
	Payload     []byte          `json:"payload"`
	Origin      string          `json:"origin"`
	PublishTime int64           `json:"publish_time"`
}

// SubscriptionInfo describes a subscription for the admin API
type SubscriptionInfo struct {
	Name               string          `json:"name"`
	Replicated         bool            `json:"replicated"`
	MarkDeletePosition marker.Position `json:"mark_delete_position"`
	ReadPosition       marker.Position `json:"read_position"`
	CachedSnapshots    int             `json:"cached_snapshots"`
}

// Subscription is a durable cursor over a topic. Acknowledgements are
// cumulative: everything up to the mark-delete position is consumed.
type Subscription struct {
	name       string
	cursor     string
	topic      *Topic
	replicated bool
	cache      *snapshot.Cache

	mu         sync.Mutex
	readPos    marker.Position
	markDelete marker.Position
}

func newSubscription(t *Topic, name string, replicated bool, maxCached int) (*Subscription, error) {
	s := &Subscription{
		name:       name,
		cursor:     subscriptionPrefix + name,
		topic:      t,
		replicated: replicated,
		cache:      snapshot.NewCache(maxCached),
	}

	pos, err := t.log.GetCursor(s.cursor)
	if err != nil {
		return nil, err
	}
	if !t.log.HasCursor(s.cursor) {
		if err := t.log.AdvanceCursor(s.cursor, pos); err != nil {
			return nil, fmt.Errorf("failed to create cursor for %s: %w", name, err)
		}
	}
	s.markDelete = pos
	s.readPos = pos
	return s, nil
}

// Name returns the subscription name
func (s *Subscription) Name() string {
	return s.name
}

// Replicated reports whether progress is mirrored to other clusters
func (s *Subscription) Replicated() bool {
	return s.replicated
}

// Read returns up to limit data messages after the last one read.
// Markers are skipped.
func (s *Subscription) Read(limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for limit <= 0 || len(out) < limit {
		entries, err := s.topic.log.ReadFrom(s.readPos, limit)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}

		for _, e := range entries {
			s.readPos = e.Position
			if e.Kind != markerlog.EntryData {
				continue
			}
			out = append(out, Message{
				Position:    e.Position,
				Payload:     e.Payload,
				Origin:      e.Origin,
				PublishTime: e.PublishTime,
			})
			if limit > 0 && len(out) == limit {
				break
			}
		}
		if limit <= 0 {
			break
		}
	}
	return out, nil
}

// Rewind makes the next Read start right after the mark-delete position
func (s *Subscription) Rewind() {
	s.mu.Lock()
	s.readPos = s.markDelete
	s.mu.Unlock()
}

// Acknowledge consumes everything up to pos. When that passes a cached
// snapshot, the clusters in it are told to move the same subscription.
func (s *Subscription) Acknowledge(pos marker.Position) error {
	if last := s.topic.log.LastPosition(); pos.After(last) {
		return fmt.Errorf("position %s is beyond the end of %s (%s)", pos, s.topic.name, last)
	}

	moved, err := s.moveMarkDelete(pos)
	if err != nil || !moved || !s.replicated {
		return err
	}

	snap, ok := s.cache.AdvancedMarkDeleteTo(pos)
	if !ok {
		return nil
	}

	log.Debug().
		Str("topic", s.topic.name).
		Str("subscription", s.name).
		Str("snapshot_id", snap.SnapshotID).
		Stringer("position", pos).
		Msg("Subscription passed snapshot")
	return s.topic.writeSubscriptionUpdate(s.name, snap)
}

// moveMarkDelete moves the mark-delete position forward, never backward
func (s *Subscription) moveMarkDelete(pos marker.Position) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !pos.After(s.markDelete) {
		return false, nil
	}

	if err := s.topic.log.AdvanceCursor(s.cursor, pos); err != nil {
		return false, err
	}
	s.markDelete = pos
	if pos.After(s.readPos) {
		s.readPos = pos
	}
	return true, nil
}

// MarkDeletePosition returns the newest consumed position
func (s *Subscription) MarkDeletePosition() marker.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markDelete
}

// Info snapshots the subscription state
func (s *Subscription) Info() SubscriptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SubscriptionInfo{
		Name:               s.name,
		Replicated:         s.replicated,
		MarkDeletePosition: s.markDelete,
		ReadPosition:       s.readPos,
		CachedSnapshots:    s.cache.Len(),
	}
}

func subscriptionsKey(topic string) string {
	return "subs/" + topic
}

func (t *Topic) saveSubscriptions() error {
	names := make(map[string]bool)
	t.subs.Range(func(name string, s *Subscription) bool {
		names[name] = s.replicated
		return true
	})
	return t.broker.config.Store.SaveMeta(subscriptionsKey(t.name), names)
}

func (t *Topic) restoreSubscriptions() error {
	var names map[string]bool
	found, err := t.broker.config.Store.LoadMeta(subscriptionsKey(t.name), &names)
	if err != nil {
		return fmt.Errorf("failed to load subscriptions of %s: %w", t.name, err)
	}
	if !found {
		return nil
	}

	for name, replicated := range names {
		s, err := newSubscription(t, name, replicated, t.broker.config.Snapshot.MaxCachedPerSubscription)
		if err != nil {
			return err
		}
		t.subs.Store(name, s)
	}
	return nil
}

// Subscribe opens a subscription, creating it at the start of the log when
// it does not exist. An existing subscription keeps its replicated flag.
func (t *Topic) Subscribe(name string, replicated bool) (*Subscription, error) {
	if name == "" {
		return nil, fmt.Errorf("subscription name must not be empty")
	}
	if t.isClosed() {
		return nil, ErrTopicClosed
	}

	var createErr error
	created := false
	sub, _ := t.subs.Compute(name, func(old *Subscription, loaded bool) (*Subscription, bool) {
		if loaded {
			return old, false
		}
		s, err := newSubscription(t, name, replicated, t.broker.config.Snapshot.MaxCachedPerSubscription)
		if err != nil {
			createErr = err
			return nil, true
		}
		created = true
		return s, false
	})
	if createErr != nil {
		return nil, createErr
	}

	if created {
		if err := t.saveSubscriptions(); err != nil {
			return nil, err
		}
		log.Info().
			Str("topic", t.name).
			Str("subscription", name).
			Bool("replicated", sub.replicated).
			Msg("Subscription opened")
	}
	return sub, nil
}

// Subscription returns an open subscription
func (t *Topic) Subscription(name string) (*Subscription, bool) {
	return t.subs.Load(name)
}

// Subscriptions describes every subscription, sorted by name
func (t *Topic) Subscriptions() []SubscriptionInfo {
	var out []SubscriptionInfo
	t.subs.Range(func(_ string, s *Subscription) bool {
		out = append(out, s.Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Unsubscribe deletes a subscription and its cursor
func (t *Topic) Unsubscribe(name string) error {
	s, ok := t.subs.LoadAndDelete(name)
	if !ok {
		return ErrSubscriptionNotFound
	}
	if err := t.log.DeleteCursor(s.cursor); err != nil {
		return err
	}
	return t.saveSubscriptions()
}
