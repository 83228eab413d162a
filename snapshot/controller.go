package snapshot

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/beacon/clock"
	"github.com/maxpert/beacon/marker"
	"github.com/maxpert/beacon/telemetry"
	"github.com/rs/zerolog/log"
)

// answeredCacheSize bounds how many (source, round, phase) requests are
// remembered for dedupe
const answeredCacheSize = 1024

// MarkerChannel is the partition stream markers are written to
type MarkerChannel interface {
	WriteMarker(payload []byte, replicateTo []string) (marker.Position, error)
	LastPosition() marker.Position
}

// RosterStore persists the remote-cluster roster of a topic
type RosterStore interface {
	LoadRoster(topic string) ([]string, bool, error)
	SaveRoster(topic string, clusters []string) error
}

// ControllerConfig configures a Controller.
// RemoteClusters seeds the roster when Roster holds nothing for the topic.
type ControllerConfig struct {
	Topic          string
	LocalCluster   string
	RemoteClusters []string
	Timeout        time.Duration
	Frequency      time.Duration
	TwoPhase       bool
	HistorySize    int
	Clock          clock.Clock
	NewID          func() string
	Roster         RosterStore

	// OnSnapshot is called for every finalized snapshot observed in the stream
	OnSnapshot func(marker.Snapshot)
	// OnUpdate is called for subscription updates written by other clusters
	OnUpdate func(origin string, update marker.SubscriptionUpdate)
}

// RoundInfo describes the in-flight round
type RoundInfo struct {
	SnapshotID string                   `json:"snapshot_id"`
	State      string                   `json:"state"`
	StartedAt  int64                    `json:"started_at"`
	Pending    []string                 `json:"pending"`
	Collected  []marker.ClusterPosition `json:"collected"`
}

// Controller owns the snapshot rounds of one topic partition: it schedules
// builders, answers remote requests and records finalized snapshots.
type Controller struct {
	cfg     ControllerConfig
	channel MarkerChannel
	clock   clock.Clock

	mu       sync.Mutex
	roster   []string
	builder  *Builder
	history  []marker.Snapshot
	answered *lru.Cache[string, struct{}]

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewController creates a controller and loads its roster
func NewController(channel MarkerChannel, cfg ControllerConfig) (*Controller, error) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 16
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = time.Second
	}
	c := cfg.Clock
	if c == nil {
		c = clock.System
	}

	answered, err := lru.New[string, struct{}](answeredCacheSize)
	if err != nil {
		return nil, err
	}

	ctrl := &Controller{
		cfg:      cfg,
		channel:  channel,
		clock:    c,
		answered: answered,
		stopCh:   make(chan struct{}),
	}

	roster := cfg.RemoteClusters
	if cfg.Roster != nil {
		stored, found, err := cfg.Roster.LoadRoster(cfg.Topic)
		if err != nil {
			return nil, fmt.Errorf("failed to load roster for %s: %w", cfg.Topic, err)
		}
		if found {
			roster = stored
		}
	}

	ctrl.roster, err = normalizeRoster(cfg.LocalCluster, roster)
	if err != nil {
		return nil, err
	}

	return ctrl, nil
}

// LocalCluster is the identity used as source cluster in requests
func (c *Controller) LocalCluster() string {
	return c.cfg.LocalCluster
}

// WriteMarker delegates to the marker channel
func (c *Controller) WriteMarker(payload []byte, replicateTo []string) (marker.Position, error) {
	return c.channel.WriteMarker(payload, replicateTo)
}

// CurrentPosition is the newest position of the local partition
func (c *Controller) CurrentPosition() marker.Position {
	return c.channel.LastPosition()
}

// RemoteClusters returns the roster
func (c *Controller) RemoteClusters() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.roster...)
}

// SetRemoteClusters replaces the roster. A round already in flight keeps
// waiting for the clusters it started with; the new roster applies from the
// next round.
func (c *Controller) SetRemoteClusters(clusters []string) error {
	roster, err := normalizeRoster(c.cfg.LocalCluster, clusters)
	if err != nil {
		return err
	}

	if c.cfg.Roster != nil {
		if err := c.cfg.Roster.SaveRoster(c.cfg.Topic, roster); err != nil {
			return fmt.Errorf("failed to save roster for %s: %w", c.cfg.Topic, err)
		}
	}

	c.mu.Lock()
	c.roster = roster
	c.mu.Unlock()

	log.Info().Str("topic", c.cfg.Topic).Strs("clusters", roster).Msg("Updated replication roster")
	return nil
}

// currentRoster is handed to builders; caller holds c.mu
func (c *Controller) currentRoster() []string {
	return append([]string(nil), c.roster...)
}

// Tick runs one scheduling pass: if no round is in flight, or the current one
// timed out, a fresh round is started.
func (c *Controller) Tick() {
	var completed *marker.Snapshot

	c.mu.Lock()
	if c.builder != nil {
		if !c.builder.IsTimedOut() {
			c.mu.Unlock()
			return
		}

		c.builder.abandon()
		telemetry.SnapshotRoundsTotal.With("timed_out").Inc()
		log.Debug().
			Str("topic", c.cfg.Topic).
			Str("snapshot_id", c.builder.SnapshotID()).
			Strs("pending", c.builder.PendingClusters()).
			Msg("Snapshot round timed out")
		c.builder = nil
	}

	b := NewBuilder(c, c.currentRoster, BuilderConfig{
		Timeout:  c.cfg.Timeout,
		TwoPhase: c.cfg.TwoPhase,
		Clock:    c.clock,
		NewID:    c.cfg.NewID,
	})

	if err := b.Start(); err != nil {
		telemetry.SnapshotRoundsTotal.With("failed").Inc()
		log.Warn().Err(err).Str("topic", c.cfg.Topic).Msg("Failed to start snapshot round")
		c.mu.Unlock()
		return
	}
	telemetry.SnapshotRoundsTotal.With("started").Inc()

	switch b.State() {
	case StateAwaitingResponses:
		c.builder = b
	case StateCompleted:
		snap, _ := b.Result()
		completed = &snap
		c.recordLocked(snap)
		telemetry.SnapshotRoundsTotal.With("completed").Inc()
	}
	c.mu.Unlock()

	if completed != nil && c.cfg.OnSnapshot != nil {
		c.cfg.OnSnapshot(*completed)
	}
}

// ReceivedMarker dispatches one marker observed at pos in the local stream.
// origin is the cluster that wrote the marker.
func (c *Controller) ReceivedMarker(pos marker.Position, origin string, m marker.Marker) {
	switch m.Kind {
	case marker.KindSnapshotRequest:
		c.receivedRequest(*m.Request)
	case marker.KindSnapshotResponse:
		c.receivedResponse(pos, *m.Response)
	case marker.KindSnapshot:
		c.receivedSnapshot(*m.Snapshot)
	case marker.KindSubscriptionUpdate:
		if origin != c.cfg.LocalCluster && c.cfg.OnUpdate != nil {
			c.cfg.OnUpdate(origin, *m.Update)
		}
	}
}

func (c *Controller) receivedRequest(req marker.SnapshotRequest) {
	if req.SourceCluster == c.cfg.LocalCluster {
		return
	}

	key := req.SourceCluster + "/" + req.SnapshotID + "/" + strconv.Itoa(req.RoundPhase())
	if c.answered.Contains(key) {
		telemetry.SnapshotResponsesTotal.With("duplicate_request").Inc()
		return
	}

	pos := c.channel.LastPosition()
	payload, err := marker.Encode(marker.NewPhaseResponse(req.SnapshotID, c.cfg.LocalCluster, pos, req.RoundPhase()))
	if err != nil {
		log.Warn().Err(err).Str("topic", c.cfg.Topic).Msg("Failed to encode snapshot response")
		return
	}

	if _, err := c.channel.WriteMarker(payload, []string{req.SourceCluster}); err != nil {
		log.Warn().Err(err).
			Str("topic", c.cfg.Topic).
			Str("snapshot_id", req.SnapshotID).
			Msg("Failed to write snapshot response")
		return
	}

	c.answered.Add(key, struct{}{})
	telemetry.SnapshotResponsesTotal.With("answered").Inc()
	log.Debug().
		Str("topic", c.cfg.Topic).
		Str("snapshot_id", req.SnapshotID).
		Str("source", req.SourceCluster).
		Int("phase", req.RoundPhase()).
		Stringer("position", pos).
		Msg("Answered snapshot request")
}

func (c *Controller) receivedResponse(pos marker.Position, resp marker.SnapshotResponse) {
	if resp.Cluster == c.cfg.LocalCluster {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.builder == nil {
		return
	}

	telemetry.SnapshotResponsesTotal.With("received").Inc()
	if err := c.builder.ReceivedSnapshotResponse(pos, resp); err != nil {
		log.Warn().Err(err).Str("topic", c.cfg.Topic).Msg("Failed to finalize snapshot")
		telemetry.SnapshotRoundsTotal.With("failed").Inc()
		c.builder = nil
		return
	}

	if c.builder.State() == StateCompleted {
		elapsed := c.clock.Millis() - c.builder.StartTime()
		telemetry.SnapshotRoundSeconds.Observe(float64(elapsed) / 1000)
		telemetry.SnapshotRoundsTotal.With("completed").Inc()
		c.builder = nil
	}
}

func (c *Controller) receivedSnapshot(snap marker.Snapshot) {
	c.mu.Lock()
	c.recordLocked(snap)
	c.mu.Unlock()

	log.Debug().
		Str("topic", c.cfg.Topic).
		Str("snapshot_id", snap.SnapshotID).
		Stringer("local_position", snap.LocalPosition).
		Msg("Recorded snapshot")

	if c.cfg.OnSnapshot != nil {
		c.cfg.OnSnapshot(snap)
	}
}

func (c *Controller) recordLocked(snap marker.Snapshot) {
	c.history = append(c.history, snap)
	if over := len(c.history) - c.cfg.HistorySize; over > 0 {
		c.history = append([]marker.Snapshot(nil), c.history[over:]...)
	}
}

// LatestSnapshot returns the most recent consistent cut
func (c *Controller) LatestSnapshot() (marker.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.history) == 0 {
		return marker.Snapshot{}, false
	}
	return c.history[len(c.history)-1], true
}

// History returns recorded snapshots, oldest first
func (c *Controller) History() []marker.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]marker.Snapshot(nil), c.history...)
}

// ActiveRound describes the round in flight, if any
func (c *Controller) ActiveRound() (RoundInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.builder == nil {
		return RoundInfo{}, false
	}

	pending := c.builder.PendingClusters()
	sort.Strings(pending)
	return RoundInfo{
		SnapshotID: c.builder.SnapshotID(),
		State:      c.builder.State().String(),
		StartedAt:  c.builder.StartTime(),
		Pending:    pending,
		Collected:  c.builder.CollectedPositions(),
	}, true
}

// Start begins periodic scheduling
func (c *Controller) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.scheduleLoop()

	log.Info().
		Str("topic", c.cfg.Topic).
		Dur("frequency", c.cfg.Frequency).
		Dur("timeout", c.cfg.Timeout).
		Msg("Snapshot controller started")
}

// Stop halts scheduling and waits for the loop to exit
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
}

func (c *Controller) scheduleLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Frequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Tick()
		case <-c.stopCh:
			return
		}
	}
}

// normalizeRoster validates a roster and returns it sorted and deduplicated
func normalizeRoster(local string, clusters []string) ([]string, error) {
	seen := make(map[string]struct{}, len(clusters))
	out := make([]string, 0, len(clusters))
	for _, c := range clusters {
		if c == "" {
			return nil, fmt.Errorf("remote cluster name must not be empty")
		}
		if c == local {
			return nil, fmt.Errorf("roster must not contain the local cluster %q", local)
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}
