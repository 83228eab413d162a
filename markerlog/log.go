package markerlog

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/maxpert/beacon/encoding"
	"github.com/maxpert/beacon/marker"
	"github.com/rs/zerolog/log"
)

// Read and cleanup constants
const (
	defaultReadLimit    = 100  // Default limit for ReadFrom
	cleanupIntervalMask = 0x7F // Cleanup each time a cursor passes a multiple of 128 entries
)

// EntryKind distinguishes application messages from protocol markers
type EntryKind uint8

const (
	EntryData   EntryKind = 0
	EntryMarker EntryKind = 1
)

// Entry is one record of a partition log
type Entry struct {
	Position marker.Position `msgpack:"position"`
	Kind     EntryKind       `msgpack:"kind"`
	Payload  []byte          `msgpack:"payload"`

	// Origin is the cluster that first wrote the entry. OriginPosition is its
	// position in the origin's log and is only set on replicated entries.
	Origin         string          `msgpack:"origin"`
	OriginPosition marker.Position `msgpack:"origin_position"`

	// ReplicateTo restricts which remote clusters receive the entry; empty means all
	ReplicateTo []string `msgpack:"replicate_to,omitempty"`

	PublishTime int64  `msgpack:"publish_time"`
	Checksum    uint64 `msgpack:"checksum"`
}

// IsMarker reports whether the entry carries a protocol marker
func (e *Entry) IsMarker() bool {
	return e.Kind == EntryMarker
}

// Replicated reports whether the entry arrived from another cluster
func (e *Entry) Replicated(localCluster string) bool {
	return e.Origin != "" && e.Origin != localCluster
}

// ShouldReplicateTo reports whether the entry is addressed to cluster
func (e *Entry) ShouldReplicateTo(cluster string) bool {
	if len(e.ReplicateTo) == 0 {
		return true
	}
	for _, c := range e.ReplicateTo {
		if c == cluster {
			return true
		}
	}
	return false
}

// PartitionLog is the ordered log of one topic partition
type PartitionLog struct {
	store  *Store
	topic  string
	prefix string
	ledger int64

	// appendMu serializes position assignment and the write that follows
	appendMu  sync.Mutex
	nextEntry int64
	last      atomic.Pointer[marker.Position]

	cursors   map[string]marker.Position
	cursorsMu sync.RWMutex

	origins   map[string]marker.Position
	originsMu sync.Mutex

	appended chan struct{}

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

func openPartition(s *Store, topic string) (*PartitionLog, error) {
	pl := &PartitionLog{
		store:    s,
		topic:    topic,
		prefix:   topicPrefix(topic),
		cursors:  make(map[string]marker.Position),
		origins:  make(map[string]marker.Position),
		appended: make(chan struct{}, 1),
	}

	if err := pl.rollLedger(); err != nil {
		return nil, fmt.Errorf("failed to open ledger for %s: %w", topic, err)
	}
	if err := pl.loadLast(); err != nil {
		return nil, fmt.Errorf("failed to load last position for %s: %w", topic, err)
	}
	if err := pl.loadPositions(pl.prefix+"c/", pl.cursors); err != nil {
		return nil, fmt.Errorf("failed to load cursors for %s: %w", topic, err)
	}
	if err := pl.loadPositions(pl.prefix+"o/", pl.origins); err != nil {
		return nil, fmt.Errorf("failed to load origin watermarks for %s: %w", topic, err)
	}

	log.Debug().
		Str("topic", topic).
		Int64("ledger", pl.ledger).
		Int("cursors", len(pl.cursors)).
		Msg("Opened partition log")

	return pl, nil
}

// rollLedger bumps the persisted ledger id; positions from earlier opens stay smaller
func (pl *PartitionLog) rollLedger() error {
	key := []byte(pl.prefix + "ledger")

	var ledger int64
	val, closer, err := pl.store.db.Get(key)
	switch {
	case err == pebble.ErrNotFound:
	case err != nil:
		return err
	default:
		if len(val) != 8 {
			closer.Close()
			return fmt.Errorf("invalid ledger value length: %d", len(val))
		}
		ledger = int64(binary.LittleEndian.Uint64(val))
		closer.Close()
	}

	ledger++
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(ledger))
	if err := pl.store.db.Set(key, buf, pebble.Sync); err != nil {
		return err
	}

	pl.ledger = ledger
	pl.nextEntry = 0
	return nil
}

func (pl *PartitionLog) loadLast() error {
	prefix := []byte(pl.prefix + "e/")
	iter, err := pl.store.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	last := marker.Earliest
	if iter.Last() {
		last, err = parseEntryKey(iter.Key()[len(prefix):])
		if err != nil {
			return err
		}
	}
	pl.last.Store(&last)
	return iter.Error()
}

func (pl *PartitionLog) loadPositions(prefix string, into map[string]marker.Position) error {
	p := []byte(prefix)
	iter, err := pl.store.db.NewIter(&pebble.IterOptions{
		LowerBound: p,
		UpperBound: prefixUpperBound(p),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(p); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(p):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		var pos marker.Position
		if err := encoding.Unmarshal(val, &pos); err != nil {
			return fmt.Errorf("corrupted position for %s: %w", name, err)
		}
		into[name] = pos
	}
	return iter.Error()
}

// Topic returns the topic this log belongs to
func (pl *PartitionLog) Topic() string {
	return pl.topic
}

// LastPosition returns the position of the newest entry, or marker.Earliest
func (pl *PartitionLog) LastPosition() marker.Position {
	return *pl.last.Load()
}

// Appended signals after appends. Coalesced: one pending signal covers many appends.
func (pl *PartitionLog) Appended() <-chan struct{} {
	return pl.appended
}

// Append assigns the next position to e and writes it durably
func (pl *PartitionLog) Append(e Entry) (marker.Position, error) {
	if pl.closed.Load() {
		return marker.Position{}, fmt.Errorf("partition log %s is closed", pl.topic)
	}

	pl.appendMu.Lock()
	defer pl.appendMu.Unlock()

	batch := pl.store.db.NewBatch()
	defer batch.Close()

	pos, err := pl.stage(batch, &e)
	if err != nil {
		return marker.Position{}, err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return marker.Position{}, fmt.Errorf("failed to commit entry: %w", err)
	}

	pl.committed(pos)
	return pos, nil
}

// AppendReplicated writes an entry received from another cluster. Entries at
// or below the last applied position of their origin are dropped and
// reported as not applied, which makes redelivery harmless.
func (pl *PartitionLog) AppendReplicated(e Entry) (marker.Position, bool, error) {
	if pl.closed.Load() {
		return marker.Position{}, false, fmt.Errorf("partition log %s is closed", pl.topic)
	}
	if e.Origin == "" {
		return marker.Position{}, false, fmt.Errorf("replicated entry has no origin")
	}

	pl.appendMu.Lock()
	defer pl.appendMu.Unlock()

	pl.originsMu.Lock()
	watermark, seen := pl.origins[e.Origin]
	pl.originsMu.Unlock()
	if seen && !e.OriginPosition.After(watermark) {
		return marker.Position{}, false, nil
	}

	batch := pl.store.db.NewBatch()
	defer batch.Close()

	pos, err := pl.stage(batch, &e)
	if err != nil {
		return marker.Position{}, false, err
	}

	val, err := encoding.Marshal(e.OriginPosition)
	if err != nil {
		return marker.Position{}, false, err
	}
	if err := batch.Set([]byte(pl.prefix+"o/"+e.Origin), val, pebble.Sync); err != nil {
		return marker.Position{}, false, fmt.Errorf("failed to write origin watermark: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return marker.Position{}, false, fmt.Errorf("failed to commit replicated entry: %w", err)
	}

	pl.originsMu.Lock()
	pl.origins[e.Origin] = e.OriginPosition
	pl.originsMu.Unlock()

	pl.committed(pos)
	return pos, true, nil
}

// stage assigns a position and adds the entry to batch. Caller holds appendMu.
func (pl *PartitionLog) stage(batch *pebble.Batch, e *Entry) (marker.Position, error) {
	pos := marker.NewPosition(pl.ledger, pl.nextEntry)
	e.Position = pos
	e.Checksum = xxhash.Sum64(e.Payload)
	if e.PublishTime == 0 {
		e.PublishTime = time.Now().UnixMilli()
	}

	val, err := encoding.Marshal(e)
	if err != nil {
		return marker.Position{}, fmt.Errorf("failed to marshal entry: %w", err)
	}

	if err := batch.Set(pl.entryKey(pos), val, pebble.Sync); err != nil {
		return marker.Position{}, fmt.Errorf("failed to write entry: %w", err)
	}
	return pos, nil
}

// committed publishes a durable append. Caller holds appendMu.
func (pl *PartitionLog) committed(pos marker.Position) {
	pl.nextEntry++
	pl.last.Store(&pos)

	select {
	case pl.appended <- struct{}{}:
	default:
	}
}

// ReadFrom returns up to limit entries strictly after the given position
func (pl *PartitionLog) ReadFrom(after marker.Position, limit int) ([]Entry, error) {
	if pl.closed.Load() {
		return nil, fmt.Errorf("partition log %s is closed", pl.topic)
	}

	if limit <= 0 {
		limit = defaultReadLimit
	}

	prefix := []byte(pl.prefix + "e/")
	start := prefix
	if after.Major >= 0 {
		start = pl.entryKey(marker.NewPosition(after.Major, after.Minor+1))
	}

	iter, err := pl.store.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	entries := make([]Entry, 0, limit)
	for iter.SeekGE(start); iter.Valid() && len(entries) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var e Entry
		if err := encoding.Unmarshal(val, &e); err != nil {
			log.Warn().Err(err).Str("topic", pl.topic).Str("key", string(iter.Key())).Msg("Failed to unmarshal log entry")
			continue
		}
		if xxhash.Sum64(e.Payload) != e.Checksum {
			log.Warn().Str("topic", pl.topic).Stringer("position", e.Position).Msg("Checksum mismatch, skipping log entry")
			continue
		}

		entries = append(entries, e)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return entries, nil
}

// GetCursor returns the last position consumed by the named reader.
// Readers that never advanced start at marker.Earliest.
func (pl *PartitionLog) GetCursor(name string) (marker.Position, error) {
	if pl.closed.Load() {
		return marker.Position{}, fmt.Errorf("partition log %s is closed", pl.topic)
	}

	pl.cursorsMu.RLock()
	defer pl.cursorsMu.RUnlock()

	if pos, ok := pl.cursors[name]; ok {
		return pos, nil
	}
	return marker.Earliest, nil
}

// HasCursor reports whether the named reader has ever advanced
func (pl *PartitionLog) HasCursor(name string) bool {
	pl.cursorsMu.RLock()
	defer pl.cursorsMu.RUnlock()
	_, ok := pl.cursors[name]
	return ok
}

// AdvanceCursor records pos as consumed by the named reader and periodically trims the log
func (pl *PartitionLog) AdvanceCursor(name string, pos marker.Position) error {
	if pl.closed.Load() {
		return fmt.Errorf("partition log %s is closed", pl.topic)
	}

	val, err := encoding.Marshal(pos)
	if err != nil {
		return err
	}

	if err := pl.store.db.Set([]byte(pl.prefix+"c/"+name), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	pl.cursorsMu.Lock()
	prev, had := pl.cursors[name]
	pl.cursors[name] = pos
	pl.cursorsMu.Unlock()

	if crossesCleanupBoundary(prev, had, pos) {
		if pl.cleanupRunning.CompareAndSwap(false, true) {
			pl.cleanupWg.Add(1)
			go pl.cleanupAsync()
		}
	}

	return nil
}

// crossesCleanupBoundary reports whether a cursor moving from prev to pos
// passed a multiple of the cleanup interval. Cursors advance by whole
// batches, so landing exactly on a multiple cannot be relied on.
func crossesCleanupBoundary(prev marker.Position, had bool, pos marker.Position) bool {
	if pos.Minor < 0 {
		return false
	}
	if !had || prev.Major != pos.Major || prev.Minor < 0 {
		return pos.Minor > cleanupIntervalMask
	}
	return prev.Minor&^cleanupIntervalMask != pos.Minor&^cleanupIntervalMask
}

// DeleteCursor forgets the named reader so it no longer holds back trimming
func (pl *PartitionLog) DeleteCursor(name string) error {
	if pl.closed.Load() {
		return fmt.Errorf("partition log %s is closed", pl.topic)
	}

	if err := pl.store.db.Delete([]byte(pl.prefix+"c/"+name), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}

	pl.cursorsMu.Lock()
	delete(pl.cursors, name)
	pl.cursorsMu.Unlock()
	return nil
}

// Cursors returns a copy of every cursor position
func (pl *PartitionLog) Cursors() map[string]marker.Position {
	pl.cursorsMu.RLock()
	defer pl.cursorsMu.RUnlock()

	out := make(map[string]marker.Position, len(pl.cursors))
	for k, v := range pl.cursors {
		out[k] = v
	}
	return out
}

// cleanup deletes entries strictly below the minimum cursor.
// Safe to call directly from tests; does not use WaitGroup tracking.
func (pl *PartitionLog) cleanup() {
	pl.cleanupMu.Lock()
	defer pl.cleanupMu.Unlock()

	if pl.closed.Load() {
		return
	}

	pl.cursorsMu.RLock()
	if len(pl.cursors) == 0 {
		pl.cursorsMu.RUnlock()
		return
	}

	var minCursor marker.Position
	first := true
	for _, pos := range pl.cursors {
		if first || pos.Before(minCursor) {
			minCursor = pos
			first = false
		}
	}
	pl.cursorsMu.RUnlock()

	if minCursor.Major < 0 {
		return // Some reader has not consumed anything yet
	}

	startKey := []byte(pl.prefix + "e/")
	endKey := pl.entryKey(minCursor)

	if err := pl.store.db.DeleteRange(startKey, endKey, pebble.Sync); err != nil {
		log.Warn().Err(err).Str("topic", pl.topic).Stringer("min_cursor", minCursor).Msg("Failed to trim partition log")
		return
	}

	log.Debug().Str("topic", pl.topic).Stringer("min_cursor", minCursor).Msg("Trimmed partition log")
}

func (pl *PartitionLog) cleanupAsync() {
	defer pl.cleanupWg.Done()
	defer pl.cleanupRunning.Store(false)
	pl.cleanup()
}

// Close stops the log and releases it from its store. Data stays on disk.
func (pl *PartitionLog) Close() error {
	if !pl.shutdown() {
		return fmt.Errorf("partition log %s already closed", pl.topic)
	}
	pl.store.release(pl.topic)
	return nil
}

func (pl *PartitionLog) shutdown() bool {
	if !pl.closed.CompareAndSwap(false, true) {
		return false
	}
	pl.cleanupWg.Wait()
	return true
}

func (pl *PartitionLog) entryKey(pos marker.Position) []byte {
	return []byte(fmt.Sprintf("%se/%016x%016x", pl.prefix, uint64(pos.Major), uint64(pos.Minor)))
}

func parseEntryKey(suffix []byte) (marker.Position, error) {
	if len(suffix) != 32 {
		return marker.Position{}, fmt.Errorf("invalid entry key %q", suffix)
	}
	major, err := strconv.ParseUint(string(suffix[:16]), 16, 64)
	if err != nil {
		return marker.Position{}, fmt.Errorf("invalid entry key %q: %w", suffix, err)
	}
	minor, err := strconv.ParseUint(string(suffix[16:]), 16, 64)
	if err != nil {
		return marker.Position{}, fmt.Errorf("invalid entry key %q: %w", suffix, err)
	}
	return marker.NewPosition(int64(major), int64(minor)), nil
}
