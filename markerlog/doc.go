// Package markerlog is the durable, ordered partition log beneath every topic.
//
// A single Pebble database (Store) hosts the logs of all topics owned by the
// broker plus a small metadata keyspace used for topic epochs and replication
// rosters. Each PartitionLog interleaves data entries and protocol markers in
// one totally ordered sequence, so a marker written after a message is always
// observed after it by every reader, locally and in remote clusters.
//
// Positions are (ledger, entry) pairs. Every open of a partition starts a
// fresh ledger, so positions handed out before a restart stay strictly
// smaller than anything written afterwards.
//
// Key layout (topic names are path-escaped):
//
//	/meta/{key}                          -> msgpack(value)
//	/t/{topic}/ledger                    -> int64 (last ledger id)
//	/t/{topic}/e/{ledger:016x}{entry:016x} -> msgpack(Entry)
//	/t/{topic}/c/{cursor}                -> msgpack(Position)
//	/t/{topic}/o/{origin cluster}        -> msgpack(Position) last applied replicated entry
//
// Consumers (the marker dispatcher, subscriptions, replication workers) each
// track their progress with a named cursor. Entries strictly below the
// smallest cursor are removed periodically.
package markerlog
