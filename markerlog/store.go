package markerlog

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/beacon/encoding"
)

const prefixMeta = "/meta/"

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

// Store owns the Pebble database shared by every partition log of a broker
type Store struct {
	db   *pebble.DB
	path string

	mu         sync.Mutex
	partitions map[string]*PartitionLog

	closed atomic.Bool
}

// Open creates or opens the store at path
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
		DisableWAL:                  false,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open marker log at %s: %w", path, err)
	}

	return &Store{
		db:         db,
		path:       path,
		partitions: make(map[string]*PartitionLog),
	}, nil
}

// Partition returns the log of a topic, opening a new ledger on first use
func (s *Store) Partition(topic string) (*PartitionLog, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("marker log is closed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pl, ok := s.partitions[topic]; ok {
		return pl, nil
	}

	pl, err := openPartition(s, topic)
	if err != nil {
		return nil, err
	}
	s.partitions[topic] = pl
	return pl, nil
}

// Topics lists every topic that has a log in this store
func (s *Store) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics := make([]string, 0, len(s.partitions))
	for t := range s.partitions {
		topics = append(topics, t)
	}
	return topics
}

func (s *Store) release(topic string) {
	s.mu.Lock()
	delete(s.partitions, topic)
	s.mu.Unlock()
}

// LoadMeta decodes the metadata value at key into v.
// Returns false when the key has never been written.
func (s *Store) LoadMeta(key string, v interface{}) (bool, error) {
	if s.closed.Load() {
		return false, fmt.Errorf("marker log is closed")
	}

	val, closer, err := s.db.Get([]byte(prefixMeta + key))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()

	if err := encoding.Unmarshal(val, v); err != nil {
		return false, fmt.Errorf("corrupted metadata %s: %w", key, err)
	}
	return true, nil
}

// SaveMeta durably stores v at key
func (s *Store) SaveMeta(key string, v interface{}) error {
	if s.closed.Load() {
		return fmt.Errorf("marker log is closed")
	}

	val, err := encoding.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata %s: %w", key, err)
	}

	if err := s.db.Set([]byte(prefixMeta+key), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write metadata %s: %w", key, err)
	}
	return nil
}

// Close closes every partition and then the database
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("marker log already closed")
	}

	s.mu.Lock()
	partitions := make([]*PartitionLog, 0, len(s.partitions))
	for _, pl := range s.partitions {
		partitions = append(partitions, pl)
	}
	s.partitions = make(map[string]*PartitionLog)
	s.mu.Unlock()

	for _, pl := range partitions {
		pl.shutdown()
	}

	return s.db.Close()
}

// topicPrefix returns the key prefix of everything belonging to topic
func topicPrefix(topic string) string {
	return "/t/" + url.PathEscape(topic) + "/"
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
