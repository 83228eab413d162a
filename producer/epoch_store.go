package producer

import (
	"fmt"
	"sync"
)

// EpochStore persists topic epochs so fencing survives restarts
type EpochStore interface {
	LoadEpoch(topic string) (uint64, error)
	SaveEpoch(topic string, epoch uint64) error
}

// MetaStore is the subset of markerlog.Store used for epochs
type MetaStore interface {
	LoadMeta(key string, v any) (bool, error)
	SaveMeta(key string, v any) error
}

type metaEpochStore struct {
	meta MetaStore
}

// NewMetaEpochStore keeps epochs under "epoch/<topic>" in the meta keyspace
func NewMetaEpochStore(meta MetaStore) EpochStore {
	return &metaEpochStore{meta: meta}
}

func epochKey(topic string) string {
	return "epoch/" + topic
}

func (s *metaEpochStore) LoadEpoch(topic string) (uint64, error) {
	var epoch uint64
	if _, err := s.meta.LoadMeta(epochKey(topic), &epoch); err != nil {
		return 0, fmt.Errorf("load epoch for %s: %w", topic, err)
	}
	return epoch, nil
}

func (s *metaEpochStore) SaveEpoch(topic string, epoch uint64) error {
	if err := s.meta.SaveMeta(epochKey(topic), epoch); err != nil {
		return fmt.Errorf("save epoch for %s: %w", topic, err)
	}
	return nil
}

// MemoryEpochStore keeps epochs in process memory
type MemoryEpochStore struct {
	mu     sync.Mutex
	epochs map[string]uint64
}

func NewMemoryEpochStore() *MemoryEpochStore {
	return &MemoryEpochStore{epochs: make(map[string]uint64)}
}

func (s *MemoryEpochStore) LoadEpoch(topic string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[topic], nil
}

func (s *MemoryEpochStore) SaveEpoch(topic string, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[topic] = epoch
	return nil
}
