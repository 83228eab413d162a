package snapshot

import (
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/beacon/clock"
	"github.com/maxpert/beacon/marker"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle stage of one snapshot round
type State int

const (
	StateIdle State = iota
	StateAwaitingResponses
	StateCompleted
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingResponses:
		return "awaiting_responses"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Host is what a Builder needs from its surroundings. The Controller
// implements it; tests substitute a recorder.
type Host interface {
	LocalCluster() string
	// WriteMarker appends a marker payload to the local partition and returns
	// where it landed. replicateTo limits which remote clusters receive it.
	WriteMarker(payload []byte, replicateTo []string) (marker.Position, error)
	// CurrentPosition is the position of the newest local entry
	CurrentPosition() marker.Position
}

// BuilderConfig carries per-round settings.
// TwoPhase confirms the local position with a second request round when more
// than one remote cluster participates. NewID defaults to random UUIDs.
type BuilderConfig struct {
	Timeout  time.Duration
	TwoPhase bool
	Clock    clock.Clock
	NewID    func() string
}

// Builder drives one snapshot round: one request out, one response per
// remote cluster in, one Snapshot marker out.
//
// A Builder is not safe for concurrent use. The owning Controller serializes
// every call.
type Builder struct {
	host     Host
	roster   func() []string
	timeout  int64
	twoPhase bool
	clock    clock.Clock
	newID    func() string

	state      State
	snapshotID string
	startTime  int64

	pending       map[string]struct{}
	collected     []marker.ClusterPosition
	localPosition marker.Position

	// second-phase bookkeeping, only used with TwoPhase
	phase      int
	confirming map[string]struct{}

	result *marker.Snapshot
}

// NewBuilder creates an idle builder. roster is read when the round starts.
func NewBuilder(host Host, roster func() []string, cfg BuilderConfig) *Builder {
	c := cfg.Clock
	if c == nil {
		c = clock.System
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	return &Builder{
		host:     host,
		roster:   roster,
		timeout:  cfg.Timeout.Milliseconds(),
		twoPhase: cfg.TwoPhase,
		clock:    c,
		newID:    newID,
		state:    StateIdle,
	}
}

// Start opens the round. With no remote clusters the round completes at once
// and nothing is written; otherwise exactly one request marker is written.
func (b *Builder) Start() error {
	if b.state != StateIdle {
		return nil
	}

	b.snapshotID = b.newID()
	b.startTime = b.clock.Millis()
	b.phase = 1
	b.collected = nil

	clusters := b.roster()
	b.pending = make(map[string]struct{}, len(clusters))
	for _, c := range clusters {
		b.pending[c] = struct{}{}
	}

	if len(b.pending) == 0 {
		b.localPosition = b.host.CurrentPosition()
		b.result = &marker.Snapshot{
			SnapshotID:    b.snapshotID,
			LocalPosition: b.localPosition,
			Clusters:      []marker.ClusterPosition{},
		}
		b.state = StateCompleted
		return nil
	}

	pos, err := b.writeRequest()
	if err != nil {
		return err
	}
	b.localPosition = pos
	b.state = StateAwaitingResponses

	log.Debug().
		Str("snapshot_id", b.snapshotID).
		Strs("clusters", clusters).
		Msg("Started snapshot round")
	return nil
}

func (b *Builder) writeRequest() (marker.Position, error) {
	payload, err := marker.Encode(marker.NewPhaseRequest(b.snapshotID, b.host.LocalCluster(), b.phase))
	if err != nil {
		return marker.Position{}, err
	}
	return b.host.WriteMarker(payload, nil)
}

// ReceivedSnapshotResponse applies one response observed at position pos in
// the local log. Stale, out-of-round and duplicate responses are dropped.
func (b *Builder) ReceivedSnapshotResponse(pos marker.Position, resp marker.SnapshotResponse) error {
	if b.state != StateAwaitingResponses || resp.SnapshotID != b.snapshotID {
		log.Debug().
			Str("snapshot_id", resp.SnapshotID).
			Str("cluster", resp.Cluster).
			Msg("Dropping stale snapshot response")
		return nil
	}

	// a redelivered first-phase answer must not count as a confirmation
	if resp.RoundPhase() != b.phase {
		log.Debug().
			Str("snapshot_id", resp.SnapshotID).
			Str("cluster", resp.Cluster).
			Int("phase", resp.RoundPhase()).
			Msg("Dropping snapshot response from another phase")
		return nil
	}

	if b.phase == 2 {
		return b.confirm(pos, resp)
	}

	if _, ok := b.pending[resp.Cluster]; !ok {
		log.Debug().
			Str("snapshot_id", resp.SnapshotID).
			Str("cluster", resp.Cluster).
			Msg("Dropping duplicate snapshot response")
		return nil
	}

	delete(b.pending, resp.Cluster)
	b.collected = append(b.collected, marker.ClusterPosition{Cluster: resp.Cluster, Position: resp.Position})
	b.localPosition = pos

	if len(b.pending) > 0 {
		return nil
	}

	if b.twoPhase && len(b.collected) > 1 {
		b.phase = 2
		b.confirming = make(map[string]struct{}, len(b.collected))
		for _, c := range b.collected {
			b.confirming[c.Cluster] = struct{}{}
		}
		_, err := b.writeRequest()
		return err
	}

	return b.finish()
}

// confirm handles second-phase responses: remote positions stay as first
// collected, only the local position moves.
func (b *Builder) confirm(pos marker.Position, resp marker.SnapshotResponse) error {
	if _, ok := b.confirming[resp.Cluster]; !ok {
		return nil
	}

	delete(b.confirming, resp.Cluster)
	b.localPosition = pos

	if len(b.confirming) > 0 {
		return nil
	}
	return b.finish()
}

func (b *Builder) finish() error {
	snap := marker.Snapshot{
		SnapshotID:    b.snapshotID,
		LocalPosition: b.localPosition,
		Clusters:      append([]marker.ClusterPosition(nil), b.collected...),
	}

	payload, err := marker.Encode(marker.NewSnapshot(snap))
	if err != nil {
		return err
	}
	if _, err := b.host.WriteMarker(payload, []string{b.host.LocalCluster()}); err != nil {
		return err
	}

	b.result = &snap
	b.state = StateCompleted
	return nil
}

// IsTimedOut reports whether the round has been waiting at least the
// configured timeout. It does not change state.
func (b *Builder) IsTimedOut() bool {
	return b.state == StateAwaitingResponses && b.clock.Millis()-b.startTime >= b.timeout
}

// abandon marks the round as timed out; the caller drops the builder
func (b *Builder) abandon() {
	if b.state == StateAwaitingResponses {
		b.state = StateTimedOut
	}
}

// State returns the current lifecycle stage
func (b *Builder) State() State {
	return b.state
}

// SnapshotID returns the id of the round, empty before Start
func (b *Builder) SnapshotID() string {
	return b.snapshotID
}

// StartTime returns the clock reading at Start
func (b *Builder) StartTime() int64 {
	return b.startTime
}

// PendingClusters returns the clusters that have not answered yet
func (b *Builder) PendingClusters() []string {
	out := make([]string, 0, len(b.pending))
	for c := range b.pending {
		out = append(out, c)
	}
	return out
}

// CollectedPositions returns the responses gathered so far, in arrival order
func (b *Builder) CollectedPositions() []marker.ClusterPosition {
	return append([]marker.ClusterPosition(nil), b.collected...)
}

// LocalPosition returns the local position the snapshot will record
func (b *Builder) LocalPosition() marker.Position {
	return b.localPosition
}

// Result returns the finalized snapshot once the round completed
func (b *Builder) Result() (marker.Snapshot, bool) {
	if b.result == nil {
		return marker.Snapshot{}, false
	}
	return *b.result, true
}
